// Package modelcache is the LlamaManager of spec.md §4.7: a keyed registry
// of loaded (native model + native context) pairs with LRU/idle/count/
// memory eviction and per-canonical-path load serialization. It owns
// LoadedEntry exclusively; callers only ever borrow a NativeContext for
// the lifetime of one inference call.
package modelcache

import (
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NativeModel and NativeContext are opaque handles owned by whichever
// NativeLoader implementation is wired in (internal/inference's stub or
// llama-tagged engine). The Cache never looks inside them.
type NativeModel any
type NativeContext any

// NativeLoader is the one capability the Cache needs from the inference
// backend. Kept minimal and interface-shaped so the Cache has no import-time
// dependency on internal/inference, per spec.md §9's layering rule.
type NativeLoader interface {
	LoadModel(path string, gpuLayers int) (model NativeModel, sizeBytes uint64, err error)
	CreateContext(model NativeModel, nCtx, nBatch int) (NativeContext, error)
	ReleaseContext(ctx NativeContext)
	ReleaseModel(model NativeModel)
}

// LoadedEntry is the in-memory record the Cache owns per canonical path.
type LoadedEntry struct {
	Path       string
	Model      NativeModel
	Context    NativeContext
	GPULayers  int
	Bytes      uint64
	LastAccess time.Time
}

var ollamaBlobPattern = regexp.MustCompile(`^sha256-[0-9a-f]{64}$`)

// Cache is the concurrency-safe LRU/idle/memory-bounded model registry.
type Cache struct {
	mu       sync.Mutex
	cond     *sync.Cond
	entries  map[string]*LoadedEntry
	inflight map[string]bool
	bytes    uint64

	loader NativeLoader
	log    *zerolog.Logger

	gpuLayers   int
	maxLoaded   int
	maxMemory   uint64
	idleTimeout time.Duration
}

// New returns an empty Cache backed by loader.
func New(loader NativeLoader, logger *zerolog.Logger) *Cache {
	c := &Cache{
		entries:  make(map[string]*LoadedEntry),
		inflight: make(map[string]bool),
		loader:   loader,
		log:      logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetGPULayers, SetMaxLoaded, SetMaxMemory, SetIdleTimeout are the policy
// setters named in spec.md §4.7.
func (c *Cache) SetGPULayers(n int) {
	c.mu.Lock()
	c.gpuLayers = n
	c.mu.Unlock()
}

func (c *Cache) SetMaxLoaded(n int) {
	c.mu.Lock()
	c.maxLoaded = n
	c.mu.Unlock()
}

func (c *Cache) SetMaxMemory(b uint64) {
	c.mu.Lock()
	c.maxMemory = b
	c.mu.Unlock()
}

func (c *Cache) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
}

// canonicalize resolves path to an absolute, symlink-resolved form
// (invariant I1). It tolerates a not-yet-existing path (symlink resolution
// is skipped) so admission can canonicalize before checking existence, per
// spec.md §4.7's ordering.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

func isAcceptedFilename(path string) bool {
	base := filepath.Base(path)
	if filepath.Ext(base) == ".gguf" {
		return true
	}
	return ollamaBlobPattern.MatchString(base)
}

// LoadIfNeeded is the idempotent acquire of spec.md §4.7: cache hit bumps
// last_access and returns; a miss admits, evicts if needed, and loads the
// native model+context without holding the mutex, while a second caller
// for the same canonical path waits for the first to finish instead of
// loading twice (invariant I3).
func (c *Cache) LoadIfNeeded(path string) (bool, error) {
	canon, err := canonicalize(path)
	if err != nil {
		return false, &notFoundError{path: path}
	}

	c.mu.Lock()
	for {
		if e, ok := c.entries[canon]; ok {
			e.LastAccess = time.Now()
			c.mu.Unlock()
			return true, nil
		}
		if !c.inflight[canon] {
			break
		}
		c.cond.Wait()
	}
	c.inflight[canon] = true
	c.mu.Unlock()

	loadErr := c.loadOne(canon)

	c.mu.Lock()
	delete(c.inflight, canon)
	c.cond.Broadcast()
	c.mu.Unlock()

	if loadErr != nil {
		return false, loadErr
	}
	return true, nil
}

// loadOne performs the admission policy and native load for canon. Called
// with the mutex NOT held, except for the brief critical sections around
// eviction bookkeeping and the final insert.
func (c *Cache) loadOne(canon string) error {
	if !isAcceptedFilename(canon) {
		return &invalidFormatError{path: canon}
	}

	size, err := fileSize(canon)
	if err != nil {
		return &notFoundError{path: canon}
	}

	c.mu.Lock()
	c.admitLocked(size)
	gpuLayers := c.gpuLayers
	c.mu.Unlock()

	model, nativeSize, err := c.loader.LoadModel(canon, gpuLayers)
	if err != nil {
		return &loadFailedError{path: canon, err: err}
	}
	ctx, err := c.loader.CreateContext(model, 4096, 512)
	if err != nil {
		c.loader.ReleaseModel(model)
		return &loadFailedError{path: canon, err: err}
	}

	c.mu.Lock()
	c.entries[canon] = &LoadedEntry{
		Path:       canon,
		Model:      model,
		Context:    ctx,
		GPULayers:  gpuLayers,
		Bytes:      nativeSize,
		LastAccess: time.Now(),
	}
	c.bytes += nativeSize
	c.mu.Unlock()
	return nil
}

// admitLocked evicts LRU entries per the count and memory budgets in
// spec.md §4.7 steps 4-5. Must be called with c.mu held.
func (c *Cache) admitLocked(incomingSize uint64) {
	if c.maxLoaded > 0 && len(c.entries) >= c.maxLoaded {
		c.evictLRULocked()
	}
	if c.maxMemory > 0 {
		for len(c.entries) > 0 && c.bytes+incomingSize > c.maxMemory {
			if !c.evictLRULocked() {
				break
			}
		}
	}
}

// evictLRULocked removes the least-recently-used entry and releases its
// native resources while c.mu is still held. Must be called with c.mu
// held. Returns false if the cache is empty.
func (c *Cache) evictLRULocked() bool {
	var oldestPath string
	var oldestTime time.Time
	first := true
	for p, e := range c.entries {
		if first || e.LastAccess.Before(oldestTime) {
			oldestPath = p
			oldestTime = e.LastAccess
			first = false
		}
	}
	if first {
		return false
	}
	e := c.removeLocked(oldestPath)
	c.loader.ReleaseContext(e.Context)
	c.loader.ReleaseModel(e.Model)
	return true
}

// removeLocked deletes an entry from the map and decrements loaded_bytes,
// but does not release native resources itself — Unload releases after
// dropping the lock, since native teardown may block; evictLRULocked
// releases with the lock still held.
func (c *Cache) removeLocked(path string) *LoadedEntry {
	e, ok := c.entries[path]
	if !ok {
		return nil
	}
	delete(c.entries, path)
	c.bytes -= e.Bytes
	return e
}

// IsLoaded reports whether path (after canonicalization) is currently
// loaded.
func (c *Cache) IsLoaded(path string) bool {
	canon, err := canonicalize(path)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[canon]
	return ok
}

// ContextOf returns the loaded NativeContext for path, or nil on miss.
func (c *Cache) ContextOf(path string) NativeContext {
	canon, err := canonicalize(path)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[canon]; ok {
		return e.Context
	}
	return nil
}

// ModelOf returns the loaded NativeModel for path, or nil on miss.
func (c *Cache) ModelOf(path string) NativeModel {
	canon, err := canonicalize(path)
	if err != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[canon]; ok {
		return e.Model
	}
	return nil
}

// Unload frees native resources for path and removes it from the cache.
func (c *Cache) Unload(path string) bool {
	canon, err := canonicalize(path)
	if err != nil {
		return false
	}
	c.mu.Lock()
	e := c.removeLocked(canon)
	c.mu.Unlock()
	if e == nil {
		return false
	}
	c.loader.ReleaseContext(e.Context)
	c.loader.ReleaseModel(e.Model)
	return true
}

// LoadedModels returns the canonical paths of every currently-loaded
// entry.
func (c *Cache) LoadedModels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for p := range c.entries {
		out = append(out, p)
	}
	return out
}

// LoadedCount returns the number of currently-loaded entries.
func (c *Cache) LoadedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MemoryBytes returns loaded_bytes (invariant I2).
func (c *Cache) MemoryBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// LastAccess returns the last access time for path, if loaded.
func (c *Cache) LastAccess(path string) (time.Time, bool) {
	canon, err := canonicalize(path)
	if err != nil {
		return time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[canon]; ok {
		return e.LastAccess, true
	}
	return time.Time{}, false
}

// LRU returns the canonical path of the least-recently-used entry, if any.
func (c *Cache) LRU() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldestPath string
	var oldestTime time.Time
	first := true
	for p, e := range c.entries {
		if first || e.LastAccess.Before(oldestTime) {
			oldestPath = p
			oldestTime = e.LastAccess
			first = false
		}
	}
	return oldestPath, !first
}

// UnloadIdle sweeps entries whose idle time meets or exceeds the configured
// idle timeout and unloads them, returning the count unloaded. A zero or
// negative idle timeout disables the sweep.
func (c *Cache) UnloadIdle() int {
	c.mu.Lock()
	timeout := c.idleTimeout
	if timeout <= 0 {
		c.mu.Unlock()
		return 0
	}
	now := time.Now()
	var stale []*LoadedEntry
	for p, e := range c.entries {
		if now.Sub(e.LastAccess) >= timeout {
			stale = append(stale, e)
			delete(c.entries, p)
			c.bytes -= e.Bytes
		}
	}
	c.mu.Unlock()

	for _, e := range stale {
		c.loader.ReleaseContext(e.Context)
		c.loader.ReleaseModel(e.Model)
	}
	return len(stale)
}

func fileSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		if err == nil {
			err = os.ErrNotExist
		}
		return 0, err
	}
	return uint64(fi.Size()), nil
}
