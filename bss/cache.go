package bss

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultCacheDir is where FileCache stores runs unless configured otherwise.
const DefaultCacheDir = ".icasar-cache"

// RunCache stores whole RunResults keyed by run index and bootstrap flag.
// A miss is reported as (nil, false, nil).
type RunCache interface {
	Get(key RunKey) (*RunResult, bool, error)
	Put(key RunKey, result *RunResult) error
}

// MemoryCache is a RunCache for the lifetime of one process.
type MemoryCache struct {
	mu   sync.RWMutex
	runs map[RunKey]*RunResult
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{runs: make(map[RunKey]*RunResult)}
}

func (c *MemoryCache) Get(key RunKey) (*RunResult, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runs[key]
	return r, ok, nil
}

func (c *MemoryCache) Put(key RunKey, result *RunResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[key] = result
	return nil
}

// Len returns the number of cached runs.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.runs)
}

// FileCache keeps one JSON file per run in Dir. Files are written to a
// temporary name and renamed into place, so readers never see a partial run.
type FileCache struct {
	Dir string
}

// NewFileCache creates the cache directory if needed.
func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		dir = DefaultCacheDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating run cache directory: %w", err)
	}
	return &FileCache{Dir: dir}, nil
}

func (c *FileCache) path(key RunKey) string {
	return filepath.Join(c.Dir, key.String()+".json")
}

func (c *FileCache) Get(key RunKey) (*RunResult, bool, error) {
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading cached %s: %w", key, err)
	}

	var r RunResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("parsing cached %s: %w", key, err)
	}
	return &r, true, nil
}

func (c *FileCache) Put(key RunKey, result *RunResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(c.Dir, key.String()+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", key, err)
	}
	if err := os.Rename(tmpName, c.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s into place: %w", key, err)
	}
	return nil
}
