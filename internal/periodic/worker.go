// Package periodic runs a unit of work repeatedly on a background goroutine
// until it is torn down.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rescale/rescale-vrows/internal/events"
	"github.com/rescale/rescale-vrows/internal/logging"
	"github.com/rescale/rescale-vrows/internal/metrics"
)

// State of a Worker. Transitions only move forward.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateTeardownRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateTeardownRequested:
		return "teardown_requested"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted  = errors.New("worker already started")
	ErrStopped         = errors.New("worker is stopped and cannot be restarted")
	ErrTeardownTimeout = errors.New("worker did not stop within the teardown timeout")
)

// WorkFunc is one iteration of work. A returned error is logged and the loop continues.
type WorkFunc func(ctx context.Context) error

// Worker repeats a WorkFunc with a fixed delay between iterations.
// The delay can be cut short with Wake.
type Worker struct {
	name   string
	delay  time.Duration
	work   WorkFunc
	logger *logging.Logger
	bus    *events.EventBus

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc

	state State
	mu    sync.Mutex
}

// New creates a worker. It does nothing until Start.
func New(name string, delay time.Duration, work WorkFunc, logger *logging.Logger) *Worker {
	return &Worker{
		name:   name,
		delay:  delay,
		work:   work,
		logger: logging.OrNop(logger).Named("periodic"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// SetEventBus makes the worker publish WorkerStalledEvent on teardown timeouts.
func (w *Worker) SetEventBus(bus *events.EventBus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bus = bus
}

// Name returns the worker name used in logs and metrics.
func (w *Worker) Name() string {
	return w.name
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done is closed when the loop goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Start launches the loop goroutine. The loop also ends when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateRunning, StateTeardownRequested:
		w.mu.Unlock()
		return ErrAlreadyStarted
	case StateStopped:
		w.mu.Unlock()
		return ErrStopped
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.state = StateRunning
	w.mu.Unlock()

	w.logger.Debug().
		Str("worker", w.name).
		Dur("delay", w.delay).
		Msg("Worker starting")

	go w.loop(loopCtx)
	return nil
}

// Wake interrupts the current delay so the next iteration starts now.
// Wakes coalesce; it never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// TearDown requests the loop to stop and waits up to timeout for it to exit.
//
// Go cannot kill a goroutine. When the timeout expires the goroutine is left
// running, the fault is logged, counted and published, and ErrTeardownTimeout
// is returned. The worker stays in StateTeardownRequested until it exits.
func (w *Worker) TearDown(timeout time.Duration) error {
	w.mu.Lock()
	switch w.state {
	case StateIdle:
		w.state = StateStopped
		close(w.done)
		w.mu.Unlock()
		return nil
	case StateStopped:
		w.mu.Unlock()
		return nil
	case StateRunning:
		w.state = StateTeardownRequested
	}
	cancel := w.cancel
	bus := w.bus
	w.mu.Unlock()

	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
	}

	w.logger.Error().
		Str("worker", w.name).
		Dur("timeout", timeout).
		Msg("Worker did not stop in time, leaving goroutine behind")
	metrics.WorkerTeardownTimeouts.WithLabelValues(w.name).Inc()
	if bus != nil {
		bus.PublishWorkerStalled(w.name, "teardown", timeout)
	}
	return fmt.Errorf("%s: %w", w.name, ErrTeardownTimeout)
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.state = StateStopped
		w.mu.Unlock()
		close(w.done)
		w.logger.Debug().Str("worker", w.name).Msg("Worker finished")
	}()

	for {
		w.runOnce(ctx)

		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(w.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// runOnce executes one iteration, converting panics into logged failures.
func (w *Worker) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerIterationFailures.WithLabelValues(w.name).Inc()
			w.logger.Error().
				Str("worker", w.name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Iteration panicked")
		}
	}()

	err := w.work(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Teardown in progress
		return
	}
	metrics.WorkerIterationFailures.WithLabelValues(w.name).Inc()
	w.logger.Error().
		Err(err).
		Str("worker", w.name).
		Msg("Iteration failed")
}
