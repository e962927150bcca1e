package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"go.etcd.io/bbolt"

	"github.com/forgebuild/cachet/internal/fingerprint"
)

const (
	// indexBucket is the BoltDB bucket holding entry metadata.
	indexBucket = "entries"

	// tmpPrefix marks in-progress writes. Leftovers from a crash are
	// discarded at startup, never treated as entries.
	tmpPrefix = "tmp-"
)

// diskMeta is the per-entry metadata persisted in BoltDB.
type diskMeta struct {
	Size     int64     `json:"size"`
	LastUsed time.Time `json:"last_used"`
}

// DiskCacheStats is a point-in-time snapshot of disk cache accounting.
type DiskCacheStats struct {
	Entries     int
	Size        int64
	MaxSize     int64
	Evictions   uint64
	StoreErrors uint64
}

// DiskCache is a filesystem-backed Backend with a hard size budget and
// least-recently-used eviction. Entry payloads live as individual files
// in the cache directory; metadata lives in BoltDB so recency survives
// restarts.
//
// The index mutex is held only for map and size bookkeeping. File reads,
// writes and removals all happen outside it.
type DiskCache struct {
	root     string
	maxSize  int64
	readOnly bool
	db       *bbolt.DB

	mu        sync.Mutex
	index     *lru.LRU[fingerprint.Key, int64]
	size      int64
	evictions uint64
}

// NewDiskCache opens (or creates) a disk cache rooted at dir with the
// given size budget in bytes. Leftover temporary files from a previous
// crash are removed and the index is reconciled against the files that
// actually exist.
func NewDiskCache(dir string, maxSize int64, readOnly bool) (*DiskCache, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("disk cache size must be positive, got %d", maxSize)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "index.db"), 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index bucket: %w", err)
	}

	c := &DiskCache{
		root:     dir,
		maxSize:  maxSize,
		readOnly: readOnly,
		db:       db,
	}

	// Arbitrarily large entry bound: eviction is driven by byte size,
	// not entry count.
	c.index, _ = lru.NewLRU[fingerprint.Key, int64](1<<31-1, nil)

	if err := c.reconcile(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

// reconcile discards temp files and rebuilds the in-memory recency list
// from the persisted metadata, oldest first.
func (c *DiskCache) reconcile() error {
	dirents, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	present := make(map[fingerprint.Key]bool)
	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, tmpPrefix) {
			if err := os.Remove(filepath.Join(c.root, name)); err != nil {
				log.Warn("could not remove stale temp file", "file", name, "err", err)
			}
			continue
		}
		if key, err := fingerprint.ParseKey(name); err == nil {
			present[key] = true
		}
	}

	type record struct {
		key  fingerprint.Key
		meta diskMeta
	}
	var records []record
	var stale [][]byte

	err = c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(indexBucket))
		return b.ForEach(func(k, v []byte) error {
			key, err := fingerprint.ParseKey(string(k))
			if err != nil {
				stale = append(stale, bytes.Clone(k))
				return nil
			}
			if !present[key] {
				stale = append(stale, bytes.Clone(k))
				return nil
			}
			var meta diskMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				stale = append(stale, bytes.Clone(k))
				return nil
			}
			records = append(records, record{key: key, meta: meta})
			delete(present, key)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to load cache index: %w", err)
	}

	// Files that exist with no index record were orphaned by a crash
	// between rename and index update. Index them with current time.
	for key := range present {
		if info, err := os.Stat(c.entryPath(key)); err == nil {
			records = append(records, record{key: key, meta: diskMeta{Size: info.Size(), LastUsed: time.Now()}})
		}
	}

	if len(stale) > 0 {
		err = c.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket([]byte(indexBucket))
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to prune cache index: %w", err)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].meta.LastUsed.Before(records[j].meta.LastUsed)
	})

	c.mu.Lock()
	for _, r := range records {
		c.index.Add(r.key, r.meta.Size)
		c.size += r.meta.Size
	}
	c.mu.Unlock()

	// Entries may exceed the budget if it was lowered between runs.
	c.evictOver()

	return nil
}

// Close flushes and closes the metadata index.
func (c *DiskCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Location implements Backend.
func (c *DiskCache) Location() string {
	return fmt.Sprintf("disk (%s)", c.root)
}

// Get returns the entry stored under key, promoting it to
// most-recently-used. The index lookup is constant time; the payload read
// happens outside the lock.
func (c *DiskCache) Get(ctx context.Context, key fingerprint.Key) (*Entry, error) {
	c.mu.Lock()
	_, ok := c.index.Get(key) // Get promotes
	c.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}

	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			// Lost a race with eviction or the file was removed
			// externally; treat as a miss and drop the record.
			c.forget(key)
			return nil, ErrNotFound
		}
		return nil, ioErr("get", err)
	}
	defer f.Close()

	entry, err := DecodeEntry(f)
	if err != nil {
		c.forget(key)
		return nil, ioErr("get", err)
	}

	c.touch(key)

	return entry, nil
}

// Put encodes entry to a temporary file, commits it atomically into
// place, then updates bookkeeping and evicts least-recently-used entries
// until the total size is back under budget.
func (c *DiskCache) Put(ctx context.Context, key fingerprint.Key, entry *Entry) error {
	if c.readOnly {
		return nil
	}

	data, err := EncodeEntry(entry)
	if err != nil {
		return ioErr("put", err)
	}

	size := int64(len(data))
	if size > c.maxSize {
		return ioErr("put", fmt.Errorf("entry size %d exceeds cache budget %d", size, c.maxSize))
	}

	tmp, err := os.CreateTemp(c.root, tmpPrefix)
	if err != nil {
		return ioErr("put", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return ioErr("put", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return ioErr("put", err)
	}

	// Atomic commit: readers only ever see complete entries.
	if err := os.Rename(tmpName, c.entryPath(key)); err != nil {
		os.Remove(tmpName)
		return ioErr("put", err)
	}

	c.mu.Lock()
	if prev, ok := c.index.Peek(key); ok {
		c.size -= prev
	}
	c.index.Add(key, size)
	c.size += size
	c.mu.Unlock()

	c.writeMeta(key, diskMeta{Size: size, LastUsed: time.Now()})
	c.evictOver()

	return nil
}

// evictOver removes least-recently-used entries until size <= maxSize.
// Victims are collected under the lock; their files are removed after it
// is released.
func (c *DiskCache) evictOver() {
	var victims []fingerprint.Key
	var victimSizes []int64

	c.mu.Lock()
	for c.size > c.maxSize {
		key, size, ok := c.index.RemoveOldest()
		if !ok {
			break
		}
		c.size -= size
		c.evictions++
		victims = append(victims, key)
		victimSizes = append(victimSizes, size)
	}
	c.mu.Unlock()

	for i, key := range victims {
		if err := os.Remove(c.entryPath(key)); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove evicted entry", "key", key, "err", err)
		}
		c.deleteMeta(key)
		log.Debug("evicted cache entry", "key", key, "size", victimSizes[i])
	}
}

// Clear removes every entry and resets accounting.
func (c *DiskCache) Clear() error {
	c.mu.Lock()
	var keys []fingerprint.Key
	for _, k := range c.index.Keys() {
		keys = append(keys, k)
	}
	c.index.Purge()
	c.size = 0
	c.mu.Unlock()

	for _, key := range keys {
		if err := os.Remove(c.entryPath(key)); err != nil && !os.IsNotExist(err) {
			return ioErr("clear", err)
		}
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(indexBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(indexBucket))
		return err
	})
	if err != nil {
		return ioErr("clear", err)
	}

	return nil
}

// Stats returns current accounting for stats queries.
func (c *DiskCache) Stats() DiskCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return DiskCacheStats{
		Entries:   c.index.Len(),
		Size:      c.size,
		MaxSize:   c.maxSize,
		Evictions: c.evictions,
	}
}

func (c *DiskCache) entryPath(key fingerprint.Key) string {
	return filepath.Join(c.root, key.String())
}

// forget drops a key whose backing file is unreadable.
func (c *DiskCache) forget(key fingerprint.Key) {
	c.mu.Lock()
	if size, ok := c.index.Peek(key); ok {
		c.index.Remove(key)
		c.size -= size
	}
	c.mu.Unlock()
	c.deleteMeta(key)
}

// touch persists a new last-used time after a hit.
func (c *DiskCache) touch(key fingerprint.Key) {
	c.mu.Lock()
	size, ok := c.index.Peek(key)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.writeMeta(key, diskMeta{Size: size, LastUsed: time.Now()})
}

func (c *DiskCache) writeMeta(key fingerprint.Key, meta diskMeta) {
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	err = c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(indexBucket)).Put([]byte(key.String()), data)
	})
	if err != nil {
		log.Warn("failed to persist entry metadata", "key", key, "err", err)
	}
}

func (c *DiskCache) deleteMeta(key fingerprint.Key) {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(indexBucket)).Delete([]byte(key.String()))
	})
	if err != nil {
		log.Warn("failed to delete entry metadata", "key", key, "err", err)
	}
}
