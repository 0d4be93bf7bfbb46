package pager

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Scheduler turns viewport feedback into fetch order: pages closest to the
// last requested row are loaded first. It is written by the owner and read by
// the loader.
type Scheduler struct {
	pageSize int

	lastRow  atomic.Int64 // -1 when nothing was requested yet
	lastHit  atomic.Bool
	lastPage atomic.Int64 // page to keep visible across reloads, -1 for none

	mu     sync.Mutex
	onMiss func(page int)
}

// NewScheduler creates a scheduler for pages of pageSize rows.
func NewScheduler(pageSize int) (*Scheduler, error) {
	if pageSize <= 0 {
		return nil, ErrInvalidPageSize
	}
	s := &Scheduler{pageSize: pageSize}
	s.lastRow.Store(-1)
	s.lastPage.Store(-1)
	return s, nil
}

// OnMiss installs the function that queues a page load.
func (s *Scheduler) OnMiss(fn func(page int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMiss = fn
}

// OnRowRequested records index as the priority row. A miss queues the page
// holding it.
func (s *Scheduler) OnRowRequested(index int, hit bool) {
	if index < 0 {
		return
	}
	s.lastRow.Store(int64(index))
	s.lastHit.Store(hit)
	page := index / s.pageSize
	s.lastPage.Store(int64(page))
	if hit {
		return
	}

	s.mu.Lock()
	fn := s.onMiss
	s.mu.Unlock()
	if fn != nil {
		fn(page)
	}
}

// LastRequestedRow returns the priority row and whether it was a hit, -1 if none.
func (s *Scheduler) LastRequestedRow() (int, bool) {
	return int(s.lastRow.Load()), s.lastHit.Load()
}

// LastRequestedPage returns the page of the last requested row, -1 if none or forgotten.
func (s *Scheduler) LastRequestedPage() int {
	return int(s.lastPage.Load())
}

// ForgetLastPage stops a later reload from trying to keep the last page.
func (s *Scheduler) ForgetLastPage() {
	s.lastPage.Store(-1)
}

// Prioritize returns page tasks ordered by distance to the priority row's page.
// The sort is stable, ties keep issue order. The input is not modified.
func (s *Scheduler) Prioritize(tasks []*Task) []*Task {
	anchor := 0
	if row := s.lastRow.Load(); row >= 0 {
		anchor = int(row) / s.pageSize
	}
	out := slices.Clone(tasks)
	slices.SortStableFunc(out, func(a, b *Task) int {
		return distance(a.Page, anchor) - distance(b.Page, anchor)
	})
	return out
}

func distance(page, anchor int) int {
	if page > anchor {
		return page - anchor
	}
	return anchor - page
}
