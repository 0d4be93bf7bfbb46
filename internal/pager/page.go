// Package pager presents a large, remotely paged result set as a randomly
// indexable sequence. Pages are loaded in the background, in the order the
// viewport needs them, and handed to a single owner goroutine that alone
// mutates the cache.
package pager

import (
	"context"
	"errors"
)

var (
	ErrInvalidPageSize = errors.New("page size must be positive")
	ErrNotStarted      = errors.New("loader not started")
	ErrStopped         = errors.New("loader stopped")
	ErrAlreadyStarted  = errors.New("loader already started")
	ErrTooManyItems    = errors.New("fetcher returned more items than requested")
	ErrShortPage       = errors.New("fetcher returned fewer items than its total promises")
)

// Page is one contiguous slice of the virtual sequence.
// len(Items) may be smaller than Length for the last page.
type Page[R any] struct {
	Offset int
	Length int
	Items  []R
	// Total is the size of the whole result set at the time the page was fetched.
	Total int
}

func (p *Page[R]) covers(index int) bool {
	return index >= p.Offset && index < p.Offset+p.Length
}

func (p *Page[R]) row(index int) (R, bool) {
	i := index - p.Offset
	if i < 0 || i >= len(p.Items) {
		var zero R
		return zero, false
	}
	return p.Items[i], true
}

// Fetcher loads one page. It may be slow and is only called from the loader goroutine.
// ctx is cancelled when the result is no longer wanted.
type Fetcher[R any] interface {
	LoadPage(ctx context.Context, offset, limit int) (items []R, total int, err error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc[R any] func(ctx context.Context, offset, limit int) ([]R, int, error)

func (f FetcherFunc[R]) LoadPage(ctx context.Context, offset, limit int) ([]R, int, error) {
	return f(ctx, offset, limit)
}

// EqualFunc reports whether two rows denote the same record.
// Rows are not assumed to be comparable.
type EqualFunc[R any] func(a, b R) bool

// BelongsFunc reports whether a row still matches the active query or filter.
type BelongsFunc[R any] func(row R) bool
