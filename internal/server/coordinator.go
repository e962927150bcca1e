// Package server hosts the long-lived cache coordinator and its TCP
// front end. The coordinator owns the storage backends, deduplicates
// concurrent identical requests and dispatches real compiles to a
// bounded worker pool.
package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"

	"github.com/forgebuild/cachet/internal/compiler"
	"github.com/forgebuild/cachet/internal/config"
	"github.com/forgebuild/cachet/internal/fingerprint"
	"github.com/forgebuild/cachet/internal/protocol"
	"github.com/forgebuild/cachet/internal/storage"
)

// pendingCompile tracks one key currently being compiled. Waiters block
// on done; result and entry are set before done is closed.
type pendingCompile struct {
	done   chan struct{}
	result *protocol.CompileResult
	entry  *storage.Entry
}

// Coordinator orchestrates lookup, dedup, compile and store for every
// request. It is safe for concurrent use by many connection handlers.
type Coordinator struct {
	cfg    *config.Config
	driver compiler.Driver
	local  *storage.DiskCache
	remote storage.Backend
	stats  *Stats

	// sem bounds concurrent compiler processes so a burst of misses
	// cannot starve lookups and stats queries.
	sem *semaphore.Weighted

	mu      sync.Mutex
	pending map[fingerprint.Key]*pendingCompile

	// storeWG tracks asynchronous store writes, drained on shutdown.
	storeWG sync.WaitGroup
}

// NewCoordinator wires a coordinator from configuration. local may be
// nil only when the configuration excludes the disk cache entirely.
func NewCoordinator(cfg *config.Config, driver compiler.Driver, local *storage.DiskCache, remote storage.Backend) *Coordinator {
	jobs := cfg.MaxJobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	return &Coordinator{
		cfg:     cfg,
		driver:  driver,
		local:   local,
		remote:  remote,
		stats:   NewStats(),
		sem:     semaphore.NewWeighted(int64(jobs)),
		pending: make(map[fingerprint.Key]*pendingCompile),
	}
}

// Compile serves one request: cache hit, deduplicated compile, or
// pass-through failure. Errors from the caching layer never escape as
// compile failures; the worst case is an Unhandled outcome telling the
// client to compile directly.
func (c *Coordinator) Compile(ctx context.Context, req *protocol.CompileRequest) *protocol.CompileResult {
	if c.cfg.Disabled {
		return c.compileOnly(ctx, req)
	}

	key, err := req.Key(c.cfg.Fingerprint.NormalizePaths)
	if err != nil {
		c.stats.Unhandled()
		return &protocol.CompileResult{Outcome: protocol.OutcomeUnhandled, Reason: err.Error()}
	}

	if entry := c.lookup(ctx, key); entry != nil {
		if err := writeOutputs(req, entry); err != nil {
			log.Warn("failed to restore cached outputs, compiling instead", "key", key, "err", err)
		} else {
			c.stats.Hit(entry.CompileDuration)
			return &protocol.CompileResult{
				Outcome:   protocol.OutcomeCacheHit,
				ExitCode:  entry.ExitCode,
				Stdout:    entry.Stdout,
				Stderr:    entry.Stderr,
				TimeSaved: entry.CompileDuration,
			}
		}
	}

	c.stats.Miss()

	// Claim the key or attach to the in-flight compile for it.
	c.mu.Lock()
	if p, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return c.await(ctx, req, p)
	}
	p := &pendingCompile{done: make(chan struct{})}
	c.pending[key] = p
	c.mu.Unlock()

	p.result, p.entry = c.compileAndStore(ctx, key, req)

	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
	close(p.done)

	return p.result
}

// await blocks until the in-flight compile for the request's key
// finishes, then restores its outputs into this request's working
// directory. Every waiter observes the identical result.
func (c *Coordinator) await(ctx context.Context, req *protocol.CompileRequest, p *pendingCompile) *protocol.CompileResult {
	select {
	case <-p.done:
	case <-ctx.Done():
		// The compile keeps running for the other waiters; only this
		// reply is abandoned.
		return &protocol.CompileResult{Outcome: protocol.OutcomeUnhandled, Reason: ctx.Err().Error()}
	}

	if p.entry != nil {
		if err := writeOutputs(req, p.entry); err != nil {
			c.stats.Unhandled()
			return &protocol.CompileResult{Outcome: protocol.OutcomeUnhandled, Reason: err.Error()}
		}
	}
	return p.result
}

// compileAndStore runs the real compiler on the worker pool and, on
// success, kicks off asynchronous stores. The response does not wait for
// the stores.
func (c *Coordinator) compileAndStore(ctx context.Context, key fingerprint.Key, req *protocol.CompileRequest) (*protocol.CompileResult, *storage.Entry) {
	res, err := c.runCompile(ctx, req)
	if err != nil {
		c.stats.Unhandled()
		return &protocol.CompileResult{Outcome: protocol.OutcomeUnhandled, Reason: err.Error()}, nil
	}

	if res.ExitCode != 0 {
		c.stats.CompileFailure()
		return &protocol.CompileResult{
			Outcome:  protocol.OutcomeCompileFailed,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}, nil
	}

	entry := &storage.Entry{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		CompileDuration: res.Duration,
		CreatedAt:       time.Now(),
	}
	for _, f := range res.Outputs {
		entry.Outputs = append(entry.Outputs, storage.OutputFile{Path: f.Path, Mode: f.Mode, Data: f.Data})
	}

	c.storeAsync(key, entry)

	return &protocol.CompileResult{
		Outcome:  protocol.OutcomeCompiled,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}, entry
}

// compileOnly is the disabled-mode path: no lookups, no stores.
func (c *Coordinator) compileOnly(ctx context.Context, req *protocol.CompileRequest) *protocol.CompileResult {
	res, err := c.runCompile(ctx, req)
	if err != nil {
		return &protocol.CompileResult{Outcome: protocol.OutcomeUnhandled, Reason: err.Error()}
	}
	outcome := protocol.OutcomeCompiled
	if res.ExitCode != 0 {
		outcome = protocol.OutcomeCompileFailed
	}
	return &protocol.CompileResult{
		Outcome:  outcome,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
}

func (c *Coordinator) runCompile(ctx context.Context, req *protocol.CompileRequest) (*compiler.Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	return c.driver.Compile(ctx, compiler.Invocation{
		Exe:  req.CompilerPath,
		Args: req.Args,
		Env:  req.Env,
		Dir:  req.Cwd,
	}, req.Outputs)
}

// lookup consults the configured backends in order: local disk, then
// remote. Any storage failure degrades to a miss.
func (c *Coordinator) lookup(ctx context.Context, key fingerprint.Key) *storage.Entry {
	if c.local != nil {
		entry, err := c.local.Get(ctx, key)
		if err == nil {
			return entry
		}
		if !errors.Is(err, storage.ErrNotFound) {
			c.stats.StoreError()
			log.Warn("local cache read failed", "key", key, "err", err)
		}
	}

	if c.remote != nil {
		entry, err := c.remote.Get(ctx, key)
		if err == nil {
			// Populate the local cache so the next hit is cheap.
			if c.local != nil && c.cfg.UseLocal() && !c.cfg.ReadOnly {
				c.putAsync(c.local, key, entry)
			}
			return entry
		}
		if !errors.Is(err, storage.ErrNotFound) {
			c.stats.StoreError()
			log.Warn("remote cache read failed", "key", key, "backend", c.remote.Location(), "err", err)
		}
	}

	return nil
}

// storeAsync fans the entry out to the configured store targets without
// blocking the response. Store outcomes only touch stats.
func (c *Coordinator) storeAsync(key fingerprint.Key, entry *storage.Entry) {
	if c.cfg.ReadOnly {
		return
	}
	if c.local != nil && c.cfg.UseLocal() {
		c.putAsync(c.local, key, entry)
	}
	if c.remote != nil && c.cfg.StoreMode != config.StoreLocal {
		c.putAsync(c.remote, key, entry)
	}
}

func (c *Coordinator) putAsync(backend storage.Backend, key fingerprint.Key, entry *storage.Entry) {
	c.storeWG.Add(1)
	go func() {
		defer c.storeWG.Done()

		// Detached from the request: a hung store must not outlive the
		// process, but it may outlive the request.
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if err := backend.Put(ctx, key, entry); err != nil {
			c.stats.StoreError()
			log.Warn("cache store failed", "key", key, "backend", backend.Location(), "err", err)
		} else {
			log.Debug("cache store finished", "key", key, "backend", backend.Location(), "size", entry.Size())
		}
	}()
}

// Stats returns a point-in-time counter snapshot.
func (c *Coordinator) Stats() *protocol.Stats {
	return c.stats.Snapshot(c.local)
}

// ZeroStats resets the counters without touching stored entries.
func (c *Coordinator) ZeroStats() {
	c.stats.Zero()
}

// Clear removes all locally stored entries and zeroes the counters.
func (c *Coordinator) Clear() error {
	if c.local != nil {
		if err := c.local.Clear(); err != nil {
			return err
		}
	}
	c.stats.Zero()
	return nil
}

// Drain waits for in-flight asynchronous stores, for graceful shutdown.
func (c *Coordinator) Drain() {
	c.storeWG.Wait()
}

// writeOutputs materializes an entry's artifacts for one request. When
// the entry and the request agree on artifact count, files are written to
// the request's declared paths, so two invocations differing only in
// output location both get their artifact where they asked for it.
func writeOutputs(req *protocol.CompileRequest, entry *storage.Entry) error {
	for i, f := range entry.Outputs {
		target := f.Path
		if len(entry.Outputs) == len(req.Outputs) {
			target = req.Outputs[i]
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(req.Cwd, target)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		mode := os.FileMode(f.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(target, f.Data, mode); err != nil {
			return err
		}
	}
	return nil
}
