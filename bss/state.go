package bss

import (
	"log"
	"sync"
	"time"
)

// StateTracker holds the latest pipeline result for the HTTP service and
// guards against overlapping runs.
type StateTracker struct {
	mu        sync.RWMutex
	result    *Result
	running   bool
	lastErr   error
	finished  time.Time
	cachePath string // empty disables persistence
}

// NewStateTracker creates a tracker that persists results to cachePath. An
// existing result at cachePath is loaded.
func NewStateTracker(cachePath string) *StateTracker {
	st := &StateTracker{cachePath: cachePath}
	if cachePath != "" {
		r, err := LoadResult(cachePath)
		switch {
		case err != nil:
			log.Printf("Ignoring unreadable result cache %s: %v", cachePath, err)
		case r != nil:
			log.Printf("Loaded cached result %s from %s", r.ID, cachePath)
			st.result = r
		}
	}
	return st
}

// TryStart marks a run as in progress. It returns false if one already is.
func (s *StateTracker) TryStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

// Finish records the outcome of the run started with TryStart. A nil result
// keeps the previous one.
func (s *StateTracker) Finish(r *Result, err error) {
	s.mu.Lock()
	s.running = false
	s.lastErr = err
	s.finished = time.Now()
	if r != nil {
		s.result = r
	}
	path := s.cachePath
	s.mu.Unlock()

	if r != nil && path != "" {
		if err := SaveResult(path, r); err != nil {
			log.Printf("Failed to persist result %s: %v", r.ID, err)
		}
	}
}

// Latest returns the most recent result, or nil.
func (s *StateTracker) Latest() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Status reports whether a run is in progress and the last run's error.
func (s *StateTracker) Status() (running bool, lastErr error, finished time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running, s.lastErr, s.finished
}
