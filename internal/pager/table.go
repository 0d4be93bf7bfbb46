package pager

import (
	"context"
	"time"

	"github.com/rescale/rescale-vrows/internal/constants"
	"github.com/rescale/rescale-vrows/internal/events"
	"github.com/rescale/rescale-vrows/internal/http"
	"github.com/rescale/rescale-vrows/internal/logging"
)

// Options for New. Only PageSize and Equal are required.
type Options[R any] struct {
	Name           string
	PageSize       int
	Equal          EqualFunc[R]
	Belongs        BelongsFunc[R]
	IdleDelay      time.Duration
	HandoffTimeout time.Duration
	Retry          http.Config
	Bus            *events.EventBus
	Logger         *logging.Logger
}

// Table bundles a cache with its loader, scheduler, change signal and owner loop.
//
// The goroutine that drives Owner (Run, RunOne or Pump) is the owner. Cache and
// Signal may only be used there.
type Table[R any] struct {
	Cache     *Cache[R]
	Loader    *Loader[R]
	Scheduler *Scheduler
	Signal    *ChangeSignal[R]
	Owner     *OwnerLoop
	Bus       *events.EventBus
}

// New wires a Table around fetcher. Nothing is loaded until Start.
func New[R any](fetcher Fetcher[R], opts Options[R]) (*Table[R], error) {
	if opts.PageSize <= 0 {
		return nil, ErrInvalidPageSize
	}
	if opts.Name == "" {
		opts.Name = "rows"
	}
	if opts.Bus == nil {
		opts.Bus = events.NewEventBus(constants.EventBusDefaultBuffer)
	}

	cache, err := NewCache[R](opts.Name, opts.PageSize, opts.Equal, opts.Bus, opts.Logger)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(opts.PageSize)
	if err != nil {
		return nil, err
	}
	cache.SetFeedback(sched)

	owner := NewOwnerLoop(opts.Name, opts.HandoffTimeout, opts.Logger)
	owner.SetEventBus(opts.Bus)

	loader, err := NewLoader[R](LoaderConfig{
		Name:      opts.Name,
		IdleDelay: opts.IdleDelay,
		Retry:     opts.Retry,
		Bus:       opts.Bus,
		Logger:    opts.Logger,
	}, fetcher, cache, sched, owner)
	if err != nil {
		return nil, err
	}

	return &Table[R]{
		Cache:     cache,
		Loader:    loader,
		Scheduler: sched,
		Signal:    NewChangeSignal[R](cache, loader, opts.Belongs, opts.Logger),
		Owner:     owner,
		Bus:       opts.Bus,
	}, nil
}

// Start begins the initial load.
func (t *Table[R]) Start(ctx context.Context) error {
	return t.Loader.Start(ctx)
}

// TearDown stops the loader, waiting up to timeout.
func (t *Table[R]) TearDown(timeout time.Duration) error {
	return t.Loader.TearDown(timeout)
}
