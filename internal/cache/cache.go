// Package cache holds the durable video-path → {server id, descriptor hash}
// mapping that lets the rest of nfosync avoid re-resolving and re-editing
// items it already synced.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/snapetech/nfosync/internal/logging"
)

// ErrLoad wraps any error encountered reading an existing cache file at
// startup. The Supervisor treats it as fatal.
var ErrLoad = errors.New("cache: load failed")

// Entry is the per-path cache record. Both fields may be empty; ServerID
// empty means the path has been seen but no server item resolved yet.
type Entry struct {
	ServerID       string `json:"server_id,omitempty"`
	DescriptorHash string `json:"nfo_hash,omitempty"`
}

// Update describes a merge to apply to one Entry. Nil fields are left
// unchanged; non-nil fields (including a pointer to "") overwrite.
type Update struct {
	ServerID       *string
	DescriptorHash *string
}

// Cache is the thread-safe, lazily-persisted path → Entry map described in
// spec §3/§4.A. The zero value is not usable; construct with New or Load.
type Cache struct {
	mu      sync.Mutex
	data    map[string]Entry
	dirty   bool
	version int64

	persistMu sync.Mutex
	path      string
}

// New returns an empty cache backed by path. The file is not read; use Load
// to populate from disk.
func New(path string) *Cache {
	return &Cache{data: make(map[string]Entry), path: path}
}

// Load reads path if it exists and returns a populated Cache. A missing file
// is not an error (an empty cache is returned); a present-but-unreadable or
// malformed file is %w-wrapped in ErrLoad.
func Load(path string) (*Cache, error) {
	c := New(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrLoad, path, err)
	}
	m := make(map[string]Entry)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrLoad, path, err)
		}
	}
	c.data = m
	return c, nil
}

// Get returns the entry for path, or the zero Entry if absent. The boolean
// return distinguishes a present-but-empty entry from a true miss.
func (c *Cache) Get(path string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[path]
	return e, ok
}

// Update merges the non-nil fields of u into path's entry, creating it if
// absent, and marks the cache dirty.
func (c *Cache) Update(path string, u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.data[path]
	if u.ServerID != nil {
		e.ServerID = *u.ServerID
	}
	if u.DescriptorHash != nil {
		e.DescriptorHash = *u.DescriptorHash
	}
	c.data[path] = e
	c.dirty = true
	c.version++
}

// Remove deletes path's entry, if any. Idempotent.
func (c *Cache) Remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[path]; ok {
		delete(c.data, path)
		c.dirty = true
		c.version++
	}
}

// EntriesMissingServerID returns a snapshot of paths whose entry has no
// server id yet — the repair sweep's input.
func (c *Cache) EntriesMissingServerID() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0)
	for path, e := range c.data {
		if e.ServerID == "" {
			out = append(out, path)
		}
	}
	return out
}

// Snapshot returns a shallow copy of the whole map for read-only iteration
// without holding the cache lock for the duration of the scan.
func (c *Cache) Snapshot() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Entry, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Len reports the number of entries currently in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Flush writes the whole map to the backing file via write-to-temp-then-
// rename if the cache is dirty. The dirty flag is only cleared once the
// rename succeeds AND no further mutation landed while the write was in
// flight (tracked via version, bumped by every Update/Remove) — so a write
// that lands between the snapshot and the clear keeps dirty set instead of
// being silently lost until the next unrelated mutation. A second
// concurrent Flush blocks until the first's write-and-rename completes
// (persistMu), matching spec §4.A's "second lock" requirement.
func (c *Cache) Flush() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapVersion := c.version
	snap := make(map[string]Entry, len(c.data))
	for k, v := range c.data {
		snap[k] = v
	}
	n := len(snap)
	c.mu.Unlock()

	if err := c.writeSnapshot(snap); err != nil {
		return fmt.Errorf("cache: flush: %w", err)
	}

	c.mu.Lock()
	if c.version == snapVersion {
		c.dirty = false
	}
	c.mu.Unlock()

	logging.Infof("cache: flushed %s, %d entries", c.path, n)
	return nil
}

// writeSnapshot marshals snap and writes it atomically: a temp file in the
// same directory, then rename, so a reader never observes a truncated file
// (spec P6). Mirrors the teacher's catalog.Save.
func (c *Cache) writeSnapshot(snap map[string]Entry) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".nfosync-cache-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("write: %w", writeErr)
		}
		return fmt.Errorf("close: %w", closeErr)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
