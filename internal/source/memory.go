// Package source provides page sources for the pager: an in-memory slice, a
// SQL table and a paged JSON API.
package source

import (
	"context"
	"sync"
	"time"
)

// MemorySource serves pages from a slice. It is safe for concurrent use, so
// the owner can mutate the data while the loader reads it.
type MemorySource[R any] struct {
	mu      sync.RWMutex
	rows    []R
	filter  func(R) bool
	latency time.Duration
}

// NewMemorySource creates a source over a copy of rows.
func NewMemorySource[R any](rows []R) *MemorySource[R] {
	return &MemorySource[R]{rows: append([]R(nil), rows...)}
}

// SetLatency delays every LoadPage by d. Used by the CLI demo data set.
func (s *MemorySource[R]) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// SetFilter restricts the visible rows. A nil filter shows everything.
func (s *MemorySource[R]) SetFilter(filter func(R) bool) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

// Set replaces all rows.
func (s *MemorySource[R]) Set(rows []R) {
	s.mu.Lock()
	s.rows = append([]R(nil), rows...)
	s.mu.Unlock()
}

// Append adds rows at the end.
func (s *MemorySource[R]) Append(rows ...R) {
	s.mu.Lock()
	s.rows = append(s.rows, rows...)
	s.mu.Unlock()
}

// Remove deletes every row matching match and returns how many were removed.
func (s *MemorySource[R]) Remove(match func(R) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rows[:0]
	removed := 0
	for _, r := range s.rows {
		if match(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	clear(s.rows[len(kept):])
	s.rows = kept
	return removed
}

// Replace overwrites the first row matching match with row.
func (s *MemorySource[R]) Replace(match func(R) bool, row R) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rows {
		if match(r) {
			s.rows[i] = row
			return true
		}
	}
	return false
}

// Len returns the number of visible rows.
func (s *MemorySource[R]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.visibleLocked())
}

// LoadPage implements pager.Fetcher.
func (s *MemorySource[R]) LoadPage(ctx context.Context, offset, limit int) ([]R, int, error) {
	s.mu.RLock()
	latency := s.latency
	visible := s.visibleLocked()
	total := len(visible)
	var out []R
	if offset < total {
		end := min(offset+limit, total)
		out = append(out, visible[offset:end]...)
	}
	s.mu.RUnlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return out, total, nil
}

func (s *MemorySource[R]) visibleLocked() []R {
	if s.filter == nil {
		return s.rows
	}
	out := make([]R, 0, len(s.rows))
	for _, r := range s.rows {
		if s.filter(r) {
			out = append(out, r)
		}
	}
	return out
}
