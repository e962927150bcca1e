package server

import (
	"sync/atomic"
	"time"

	"github.com/forgebuild/cachet/internal/protocol"
	"github.com/forgebuild/cachet/internal/storage"
)

// Stats tracks process-wide cache counters. All fields are atomic so any
// worker can update them without sharing a lock with the request path.
type Stats struct {
	hits            atomic.Uint64
	misses          atomic.Uint64
	storeErrors     atomic.Uint64
	compileFailures atomic.Uint64
	unhandled       atomic.Uint64
	timeSavedNanos  atomic.Int64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) Hit(saved time.Duration) {
	s.hits.Add(1)
	s.timeSavedNanos.Add(int64(saved))
}

func (s *Stats) Miss()           { s.misses.Add(1) }
func (s *Stats) StoreError()     { s.storeErrors.Add(1) }
func (s *Stats) CompileFailure() { s.compileFailures.Add(1) }
func (s *Stats) Unhandled()      { s.unhandled.Add(1) }

// Zero resets every counter.
func (s *Stats) Zero() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.storeErrors.Store(0)
	s.compileFailures.Store(0)
	s.unhandled.Store(0)
	s.timeSavedNanos.Store(0)
}

// Snapshot merges the counters with the disk cache's accounting. local
// may be nil when no disk cache is configured.
func (s *Stats) Snapshot(local *storage.DiskCache) *protocol.Stats {
	snap := &protocol.Stats{
		Hits:            s.hits.Load(),
		Misses:          s.misses.Load(),
		StoreErrors:     s.storeErrors.Load(),
		CompileFailures: s.compileFailures.Load(),
		Unhandled:       s.unhandled.Load(),
		TimeSaved:       time.Duration(s.timeSavedNanos.Load()),
	}
	if local != nil {
		ds := local.Stats()
		snap.Evictions = ds.Evictions
		snap.CacheSize = ds.Size
		snap.MaxCacheSize = ds.MaxSize
		snap.CacheLocation = local.Location()
	}
	return snap
}
