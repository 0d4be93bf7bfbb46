package pager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rescale/rescale-vrows/internal/constants"
	"github.com/rescale/rescale-vrows/internal/events"
	"github.com/rescale/rescale-vrows/internal/http"
	"github.com/rescale/rescale-vrows/internal/logging"
	"github.com/rescale/rescale-vrows/internal/metrics"
	"github.com/rescale/rescale-vrows/internal/periodic"
)

// LoaderConfig configures a Loader. Zero values fall back to the constants package.
type LoaderConfig struct {
	Name      string
	IdleDelay time.Duration
	Retry     http.Config
	Bus       *events.EventBus
	Logger    *logging.Logger
}

type loaderState int

const (
	loaderIdle loaderState = iota
	loaderRunning
	loaderStopped
)

// Loader drains the task chain on a background goroutine: it fetches pages
// and hands each result to the owner, one task at a time.
//
// Every full reload mints a new generation with its own context. Minting
// cancels the previous context, so fetches for a superseded generation are
// cancelled, and any result that still arrives is discarded on the owner.
type Loader[R any] struct {
	name       string
	pageSize   int
	fetcher    Fetcher[R]
	cache      *Cache[R]
	sched      *Scheduler
	dispatcher Dispatcher
	bus        *events.EventBus
	logger     *logging.Logger
	retry      http.Config

	chain  taskChain
	worker *periodic.Worker

	gen        atomic.Uint64
	mu         sync.Mutex
	state      loaderState
	rootCtx    context.Context
	rootCancel context.CancelFunc
	genCtx     context.Context
	genCancel  context.CancelFunc

	pendingGauge prometheus.Gauge
	staleCounter prometheus.Counter
}

// NewLoader wires a loader to its cache and scheduler. Misses reported by the
// scheduler queue page loads on this loader.
func NewLoader[R any](cfg LoaderConfig, fetcher Fetcher[R], cache *Cache[R], sched *Scheduler, dispatcher Dispatcher) (*Loader[R], error) {
	if sched.pageSize != cache.PageSize() {
		return nil, fmt.Errorf("scheduler page size %d differs from cache page size %d", sched.pageSize, cache.PageSize())
	}
	if cfg.Name == "" {
		cfg.Name = cache.Name()
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = constants.WorkerIdleDelay
	}
	if cfg.Retry.MaxRetries <= 0 {
		onRetry := cfg.Retry.OnRetry
		cfg.Retry = http.DefaultConfig()
		cfg.Retry.OnRetry = onRetry
	}
	if cfg.Bus == nil {
		cfg.Bus = cache.EventBus()
	}

	l := &Loader[R]{
		name:         cfg.Name,
		pageSize:     cache.PageSize(),
		fetcher:      fetcher,
		cache:        cache,
		sched:        sched,
		dispatcher:   dispatcher,
		bus:          cfg.Bus,
		logger:       logging.OrNop(cfg.Logger).Named("loader"),
		retry:        cfg.Retry,
		pendingGauge: metrics.PendingTasks.WithLabelValues(cfg.Name),
		staleCounter: metrics.StaleResults.WithLabelValues(cfg.Name),
	}
	if l.retry.OnRetry == nil {
		l.retry.OnRetry = func(attempt int, err error, errType http.ErrorType) {
			l.logger.Warn().
				Err(err).
				Str("loader", l.name).
				Int("attempt", attempt).
				Str("error_type", http.ErrorTypeName(errType)).
				Msg("Retrying page fetch")
		}
	}

	l.worker = periodic.New(cfg.Name+"-loader", cfg.IdleDelay, l.drain, cfg.Logger)
	l.worker.SetEventBus(cfg.Bus)
	sched.OnMiss(l.RequestPage)
	return l, nil
}

// Generation returns the current generation.
func (l *Loader[R]) Generation() Generation {
	return Generation(l.gen.Load())
}

// Pending returns the number of not yet completed tasks of the current generation.
func (l *Loader[R]) Pending() int {
	return l.chain.pending(l.Generation())
}

// Tasks returns a copy of the task chain.
func (l *Loader[R]) Tasks() []Task {
	return l.chain.snapshot()
}

// Start queues the initial load and starts the loader goroutine.
func (l *Loader[R]) Start(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case loaderRunning:
		l.mu.Unlock()
		return ErrAlreadyStarted
	case loaderStopped:
		l.mu.Unlock()
		return ErrStopped
	}
	l.rootCtx, l.rootCancel = context.WithCancel(ctx)
	gen := l.mintLocked()
	l.state = loaderRunning
	l.mu.Unlock()

	l.logger.Debug().
		Str("loader", l.name).
		Int("page_size", l.pageSize).
		Uint64("generation", uint64(gen)).
		Msg("Loader starting")

	l.enqueue(newTask(TaskLoadInitial, 0, gen))
	return l.worker.Start(l.rootCtx)
}

// Invalidate starts a new generation and queues a full reload.
// Everything queued or in flight for older generations is dropped.
func (l *Loader[R]) Invalidate() error {
	l.mu.Lock()
	switch l.state {
	case loaderIdle:
		l.mu.Unlock()
		return ErrNotStarted
	case loaderStopped:
		l.mu.Unlock()
		return ErrStopped
	}
	gen := l.mintLocked()
	l.mu.Unlock()

	l.logger.Debug().
		Str("loader", l.name).
		Uint64("generation", uint64(gen)).
		Msg("Invalidating")

	l.bus.PublishGeneration(l.name, uint64(gen))
	l.enqueue(newTask(TaskFullInvalidate, 0, gen))
	return nil
}

// RequestPage queues a load of page unless it is already queued for the
// current generation.
func (l *Loader[R]) RequestPage(page int) {
	if page < 0 {
		return
	}
	l.mu.Lock()
	running := l.state == loaderRunning
	l.mu.Unlock()
	if !running {
		return
	}

	t := l.chain.appendPage(page, l.Generation())
	if t == nil {
		metrics.TasksCoalesced.WithLabelValues(l.name).Inc()
		return
	}
	metrics.TasksQueued.WithLabelValues(l.name, t.Kind.String()).Inc()
	l.worker.Wake()
}

// TearDown stops the loader. In-flight fetches are cancelled. See
// periodic.Worker.TearDown for the timeout behavior.
func (l *Loader[R]) TearDown(timeout time.Duration) error {
	l.mu.Lock()
	if l.state == loaderStopped {
		l.mu.Unlock()
		return nil
	}
	l.state = loaderStopped
	if l.rootCancel != nil {
		l.rootCancel()
	}
	l.mu.Unlock()

	return l.worker.TearDown(timeout)
}

// mintLocked advances the generation and replaces its context. l.mu must be held.
func (l *Loader[R]) mintLocked() Generation {
	if l.genCancel != nil {
		l.genCancel()
	}
	gen := Generation(l.gen.Add(1))
	l.genCtx, l.genCancel = context.WithCancel(l.rootCtx)
	return gen
}

func (l *Loader[R]) contextFor(gen Generation) (context.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.Generation() || l.genCtx == nil {
		return nil, false
	}
	return l.genCtx, true
}

func (l *Loader[R]) enqueue(t *Task) {
	l.chain.append(t)
	metrics.TasksQueued.WithLabelValues(l.name, t.Kind.String()).Inc()
	l.worker.Wake()
}

// drain runs eligible tasks until none is left.
func (l *Loader[R]) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		gen := l.Generation()
		t := l.chain.next(gen, l.sched.Prioritize)
		l.pendingGauge.Set(float64(l.chain.pending(gen)))
		if t == nil {
			return nil
		}
		l.run(t)
	}
}

func (l *Loader[R]) run(t *Task) {
	defer l.chain.complete(t)

	ctx, ok := l.contextFor(t.Generation)
	if !ok {
		l.stale(t)
		return
	}

	var (
		apply func()
		err   error
	)
	switch t.Kind {
	case TaskLoadInitial:
		var first *Page[R]
		if first, err = l.fetch(ctx, t, 0); err == nil {
			apply = func() { l.cache.ApplyInitialLoad(first) }
		}
	case TaskFullInvalidate:
		var first, second *Page[R]
		if first, second, err = l.fetchReload(ctx, t); err == nil {
			apply = func() { l.cache.ApplyReload(first, second) }
		}
	case TaskLoadPage:
		var page *Page[R]
		if page, err = l.fetch(ctx, t, t.Page); err == nil {
			apply = func() {
				if !l.cache.ApplyNewPage(page) {
					if ierr := l.Invalidate(); ierr != nil {
						l.logger.Debug().Err(ierr).Str("loader", l.name).Msg("Reload after total change not queued")
					}
				}
			}
		}
	default:
		err = fmt.Errorf("unknown task kind %d", t.Kind)
	}

	if err != nil {
		l.failed(ctx, t, err)
		return
	}

	herr := l.dispatcher.InvokeAndWait(ctx, func() {
		if l.Generation() != t.Generation {
			l.stale(t)
			return
		}
		apply()
	})
	if herr != nil {
		if ctx.Err() != nil {
			l.stale(t)
			return
		}
		l.logger.Error().
			Err(herr).
			Str("loader", l.name).
			Str("task_id", t.ID).
			Str("kind", t.Kind.String()).
			Msg("Result not applied")
	}
}

func (l *Loader[R]) fetchReload(ctx context.Context, t *Task) (*Page[R], *Page[R], error) {
	first, err := l.fetch(ctx, t, 0)
	if err != nil {
		return nil, nil, err
	}

	p := l.sched.LastRequestedPage()
	if p <= 0 || first.Total <= p*l.pageSize {
		l.sched.ForgetLastPage()
		return first, nil, nil
	}

	second, err := l.fetch(ctx, t, p)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, err
		}
		// Best effort, the viewport refills through misses
		l.logger.Warn().
			Err(err).
			Str("loader", l.name).
			Int("page", p).
			Msg("Could not reload last viewed page")
		return first, nil, nil
	}
	return first, second, nil
}

func (l *Loader[R]) fetch(ctx context.Context, t *Task, pageIdx int) (*Page[R], error) {
	offset := pageIdx * l.pageSize
	kind := t.Kind.String()
	start := time.Now()

	var (
		items []R
		total int
	)
	err := http.ExecuteWithRetry(ctx, l.retry, func() error {
		var ferr error
		items, total, ferr = l.fetcher.LoadPage(ctx, offset, l.pageSize)
		return ferr
	})
	if err == nil {
		want := max(0, min(l.pageSize, total-offset))
		switch {
		case len(items) > l.pageSize:
			err = fmt.Errorf("%w: %d items for limit %d", ErrTooManyItems, len(items), l.pageSize)
		case len(items) < want:
			err = fmt.Errorf("%w: %d items at offset %d of %d", ErrShortPage, len(items), offset, total)
		}
	}

	metrics.FetchDuration.WithLabelValues(l.name, kind).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
		if ctx.Err() != nil {
			result = "canceled"
		}
	}
	metrics.FetchTotal.WithLabelValues(l.name, kind, result).Inc()

	if err != nil {
		return nil, fmt.Errorf("load page %d (offset %d): %w", pageIdx, offset, err)
	}

	l.logger.Debug().
		Str("loader", l.name).
		Str("task_id", t.ID).
		Str("kind", kind).
		Int("offset", offset).
		Int("limit", l.pageSize).
		Int("items", len(items)).
		Int("total", total).
		Uint64("generation", uint64(t.Generation)).
		Dur("took", time.Since(start)).
		Msg("Page fetched")

	return &Page[R]{Offset: offset, Length: l.pageSize, Items: items, Total: total}, nil
}

// failed reports a fetch that gave up. The cache keeps its last good state.
func (l *Loader[R]) failed(ctx context.Context, t *Task, err error) {
	if ctx.Err() != nil {
		// Superseded or shutting down
		l.stale(t)
		return
	}

	l.logger.Error().
		Err(err).
		Str("loader", l.name).
		Str("task_id", t.ID).
		Str("kind", t.Kind.String()).
		Int("page", t.Page).
		Uint64("generation", uint64(t.Generation)).
		Msg("Fetch failed, keeping last loaded data")

	// Published from the owner like every other cache event. The task is
	// completed and the lookup memo dropped first, so asking for the same row
	// again from a handler or right after it re-queues the page.
	herr := l.dispatcher.InvokeAndWait(ctx, func() {
		l.chain.complete(t)
		l.cache.resetMemo()
		l.bus.PublishFetchFailed(l.name, t.ID, t.Kind.String(), t.Page, uint64(t.Generation), err)
	})
	if herr != nil && ctx.Err() == nil {
		l.logger.Error().Err(herr).Str("loader", l.name).Msg("Fetch failure not reported to owner")
	}
}

func (l *Loader[R]) stale(t *Task) {
	l.staleCounter.Inc()
	l.logger.Debug().
		Str("loader", l.name).
		Str("task_id", t.ID).
		Str("kind", t.Kind.String()).
		Uint64("task_generation", uint64(t.Generation)).
		Uint64("generation", uint64(l.Generation())).
		Msg("Discarding stale result")
}
