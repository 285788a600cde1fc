// Package jobcache persists reconstruction data for non-terminal jobs so
// the queue survives a crash or restart.
//
// The backing store is a single JSON file mapping job id to entry. Every
// flush replaces the file atomically (temp file + rename), so a crash can
// lose at most the most recent batch of changes but never corrupt the
// store. The in-memory scheduler state stays authoritative while the
// process runs; the cache is a shadow copy only.
package jobcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/quarryhq/quarry/pkg/job"
)

// ErrMalformedEntry indicates a cache entry that cannot be decoded. The
// entry is skipped during load; loading never aborts on one bad record.
var ErrMalformedEntry = errors.New("malformed cache entry")

// Entry is the persisted reconstruction record for one job.
//
// NOTE: This schema is the stable on-disk contract; extend it additively.
type Entry struct {
	URL     string            `json:"url"`
	Options job.Options       `json:"options"`
	Context map[string]string `json:"context,omitempty"`
}

// Cache is the durable id → Entry store.
//
// Mutations update the in-memory map synchronously and schedule a
// best-effort asynchronous flush; all file writes are serialized on a
// single flush goroutine. Write failures are logged, never propagated -
// losing durability for one batch is the documented trade-off.
type Cache struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry

	// writeMu serializes whole file writes so Relocate can wait out an
	// in-flight flush before switching the backing path.
	writeMu sync.Mutex

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger *zap.Logger
}

// Open loads (or creates) the cache at path and starts the flush worker.
//
// Individual undecodable entries are skipped with a warning; a wholly
// unreadable file starts the cache empty rather than failing the process.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if path == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{
		path:    path,
		entries: map[string]Entry{},
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
	c.load()

	c.wg.Add(1)
	go c.flushLoop()
	return c, nil
}

func (c *Cache) load() {
	b, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("cache unreadable, starting empty", zap.String("path", c.path), zap.Error(err))
		}
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		c.logger.Warn("cache corrupt, starting empty", zap.String("path", c.path), zap.Error(err))
		return
	}

	for id, msg := range raw {
		var e Entry
		if err := json.Unmarshal(msg, &e); err != nil || e.URL == "" {
			c.logger.Warn("skipping cache entry",
				zap.String("job_id", id),
				zap.Error(fmt.Errorf("%w: %v", ErrMalformedEntry, err)))
			continue
		}
		c.entries[id] = e
	}
}

// Path returns the current backing file location.
func (c *Cache) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Put stores one entry and schedules a flush.
func (c *Cache) Put(id string, e Entry) {
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
	c.requestFlush()
}

// PutBatch stores many entries with a single flush, so a batch submit
// costs one file write instead of one per job.
func (c *Cache) PutBatch(entries map[string]Entry) {
	if len(entries) == 0 {
		return
	}
	c.mu.Lock()
	for id, e := range entries {
		c.entries[id] = e
	}
	c.mu.Unlock()
	c.requestFlush()
}

// Remove drops one entry and schedules a flush.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	c.requestFlush()
}

// RemoveBatch drops many entries with a single flush.
func (c *Cache) RemoveBatch(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	c.requestFlush()
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]Entry{}
	c.mu.Unlock()
	c.requestFlush()
}

// All returns a copy of the current entries.
func (c *Cache) All() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	return out
}

// Relocate moves the backing store to newPath without losing entries
// written mid-move: any in-flight flush completes first, then the pointer
// switches and the full state is written to the new location.
func (c *Cache) Relocate(newPath string) error {
	if newPath == "" {
		return fmt.Errorf("new cache path is required")
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	oldPath := c.path
	c.path = newPath
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if err := writeAtomic(newPath, snapshot); err != nil {
		return fmt.Errorf("write relocated cache: %w", err)
	}
	if oldPath != newPath {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("stale cache file left behind", zap.String("path", oldPath), zap.Error(err))
		}
	}
	return nil
}

// Close flushes pending state and stops the worker. Safe to call more
// than once, including concurrently.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
	return nil
}

func (c *Cache) requestFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
		// A flush is already pending; it will pick up this change too.
	}
}

func (c *Cache) flushLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.flushCh:
			c.flush()
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Cache) flush() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	path := c.path
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if err := writeAtomic(path, snapshot); err != nil {
		c.logger.Warn("cache write failed", zap.String("path", path), zap.Error(err))
	}
}

func (c *Cache) snapshotLocked() map[string]Entry {
	out := make(map[string]Entry, len(c.entries))
	for id, e := range c.entries {
		out[id] = e
	}
	return out
}

func writeAtomic(path string, entries map[string]Entry) error {
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}
