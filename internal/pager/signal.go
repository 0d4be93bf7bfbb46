package pager

import (
	"github.com/rescale/rescale-vrows/internal/logging"
)

// Invalidator starts a full reload.
type Invalidator interface {
	Invalidate() error
}

// ChangeSignal is how the owner of the data tells the cache that something
// changed. The cache never detects changes on its own. Call it on the owner goroutine.
type ChangeSignal[R any] struct {
	cache       *Cache[R]
	invalidator Invalidator
	belongs     BelongsFunc[R]
	logger      *logging.Logger
}

// NewChangeSignal creates a signal. A nil belongs treats every row as belonging.
func NewChangeSignal[R any](cache *Cache[R], invalidator Invalidator, belongs BelongsFunc[R], logger *logging.Logger) *ChangeSignal[R] {
	if belongs == nil {
		belongs = func(R) bool { return true }
	}
	return &ChangeSignal[R]{
		cache:       cache,
		invalidator: invalidator,
		belongs:     belongs,
		logger:      logging.OrNop(logger).Named("signal"),
	}
}

// NotifyRowChanged patches row in place. A row that no longer matches the
// query changes the row count, so it triggers a full reload instead.
func (s *ChangeSignal[R]) NotifyRowChanged(row R) error {
	if !s.belongs(row) {
		s.logger.Debug().Str("cache", s.cache.Name()).Msg("Changed row left the result set, reloading")
		return s.invalidator.Invalidate()
	}
	s.cache.ApplyRowPatch(row)
	return nil
}

// NotifyRowCountChanged triggers a full reload. It is also how a consumer
// retries after a failed load.
func (s *ChangeSignal[R]) NotifyRowCountChanged() error {
	return s.invalidator.Invalidate()
}
