package pager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rescale/rescale-vrows/internal/constants"
	"github.com/rescale/rescale-vrows/internal/events"
	"github.com/rescale/rescale-vrows/internal/logging"
	"github.com/rescale/rescale-vrows/internal/metrics"
)

var ErrHandoffTimeout = errors.New("owner did not run the hand-off in time")

// Dispatcher runs fn on the owner goroutine and blocks until it has returned.
type Dispatcher interface {
	InvokeAndWait(ctx context.Context, fn func()) error
}

const (
	handoffQueued int32 = iota
	handoffRunning
	handoffAbandoned
)

type handoff struct {
	fn    func()
	state atomic.Int32
	done  chan struct{}
	err   error
}

// OwnerLoop is the owner goroutine's side of the hand-off. Whoever calls Run,
// RunOne or Pump becomes the owner for the functions executed there.
type OwnerLoop struct {
	name    string
	queue   chan *handoff
	timeout time.Duration
	logger  *logging.Logger
	bus     *events.EventBus
}

// NewOwnerLoop creates an owner loop. A hand-off not picked up within timeout
// is abandoned and reported; zero means constants.HandoffTimeout.
func NewOwnerLoop(name string, timeout time.Duration, logger *logging.Logger) *OwnerLoop {
	if timeout <= 0 {
		timeout = constants.HandoffTimeout
	}
	return &OwnerLoop{
		name:    name,
		queue:   make(chan *handoff, 16),
		timeout: timeout,
		logger:  logging.OrNop(logger).Named("owner"),
	}
}

// SetEventBus makes the loop publish WorkerStalledEvent on hand-off timeouts.
func (o *OwnerLoop) SetEventBus(bus *events.EventBus) {
	o.bus = bus
}

// InvokeAndWait queues fn for the owner and waits until it ran.
//
// If the owner does not start fn before the timeout, fn is abandoned (it will
// never run) and ErrHandoffTimeout is returned. Once fn started, InvokeAndWait
// waits for it to finish regardless of the timeout so completions never
// overlap or reorder.
func (o *OwnerLoop) InvokeAndWait(ctx context.Context, fn func()) error {
	h := &handoff{fn: fn, done: make(chan struct{})}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case o.queue <- h:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return o.stalled()
	}

	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		if h.state.CompareAndSwap(handoffQueued, handoffAbandoned) {
			return ctx.Err()
		}
	case <-timer.C:
		if h.state.CompareAndSwap(handoffQueued, handoffAbandoned) {
			return o.stalled()
		}
	}

	// Already running on the owner
	<-h.done
	return h.err
}

func (o *OwnerLoop) stalled() error {
	o.logger.Error().
		Str("owner", o.name).
		Dur("timeout", o.timeout).
		Msg("Owner loop did not service hand-off, result dropped (is anything calling Run or Pump?)")
	metrics.HandoffTimeouts.WithLabelValues(o.name).Inc()
	if o.bus != nil {
		o.bus.PublishWorkerStalled(o.name, "handoff", o.timeout)
	}
	return fmt.Errorf("%s: %w", o.name, ErrHandoffTimeout)
}

// Run executes hand-offs on the calling goroutine until ctx is done.
func (o *OwnerLoop) Run(ctx context.Context) error {
	for {
		if err := o.RunOne(ctx); err != nil {
			return err
		}
	}
}

// RunOne waits for one hand-off and executes it.
func (o *OwnerLoop) RunOne(ctx context.Context) error {
	select {
	case h := <-o.queue:
		o.execute(h)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pump executes every queued hand-off without blocking and returns how many ran.
func (o *OwnerLoop) Pump() int {
	n := 0
	for {
		select {
		case h := <-o.queue:
			if o.execute(h) {
				n++
			}
		default:
			return n
		}
	}
}

func (o *OwnerLoop) execute(h *handoff) (ran bool) {
	if !h.state.CompareAndSwap(handoffQueued, handoffRunning) {
		return false
	}
	ran = true
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("hand-off panicked: %v", r)
			o.logger.Error().
				Str("owner", o.name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Hand-off panicked")
		}
	}()
	h.fn()
	return ran
}
