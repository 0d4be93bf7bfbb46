package periodic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rescale/rescale-vrows/internal/events"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestWorker_RepeatsWork(t *testing.T) {
	var calls atomic.Int32
	w := New("repeat", time.Millisecond, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool { return calls.Load() >= 3 }, "three iterations")

	if err := w.TearDown(time.Second); err != nil {
		t.Fatalf("TearDown failed: %v", err)
	}
	if w.State() != StateStopped {
		t.Errorf("Expected stopped, got %v", w.State())
	}
}

func TestWorker_ErrorsAndPanicsDoNotStopLoop(t *testing.T) {
	var calls atomic.Int32
	w := New("flaky", time.Millisecond, func(ctx context.Context) error {
		n := calls.Add(1)
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		return nil
	}, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.TearDown(time.Second)

	waitFor(t, func() bool { return calls.Load() >= 4 }, "loop to survive error and panic")
}

func TestWorker_WakeCutsDelay(t *testing.T) {
	ran := make(chan struct{}, 10)
	w := New("sleepy", time.Hour, func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.TearDown(time.Second)

	<-ran // first iteration runs immediately
	w.Wake()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Wake did not trigger a new iteration")
	}
}

func TestWorker_NoRestartAfterStop(t *testing.T) {
	w := New("once", time.Millisecond, func(ctx context.Context) error { return nil }, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	if err := w.TearDown(time.Second); err != nil {
		t.Fatalf("TearDown failed: %v", err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	// Second teardown is a no-op
	if err := w.TearDown(time.Second); err != nil {
		t.Errorf("Second TearDown should succeed, got %v", err)
	}
}

func TestWorker_TearDownBeforeStart(t *testing.T) {
	w := New("never", time.Millisecond, func(ctx context.Context) error { return nil }, nil)
	if err := w.TearDown(time.Second); err != nil {
		t.Fatalf("TearDown failed: %v", err)
	}
	if w.State() != StateStopped {
		t.Errorf("Expected stopped, got %v", w.State())
	}
	select {
	case <-w.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestWorker_TearDownTimeoutLeaks(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	w := New("stuck", time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		// Ignores ctx on purpose
		<-release
		return nil
	}, nil)

	bus := events.NewEventBus(10)
	defer bus.Close()
	stalled := bus.Subscribe(events.EventWorkerStalled)
	w.SetEventBus(bus)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-started

	err := w.TearDown(20 * time.Millisecond)
	if !errors.Is(err, ErrTeardownTimeout) {
		t.Fatalf("Expected ErrTeardownTimeout, got %v", err)
	}
	if w.State() != StateTeardownRequested {
		t.Errorf("Expected teardown_requested, got %v", w.State())
	}

	select {
	case <-stalled:
	case <-time.After(time.Second):
		t.Error("Expected WorkerStalledEvent")
	}

	close(release)
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Worker should exit once released")
	}
	if w.State() != StateStopped {
		t.Errorf("Expected stopped after release, got %v", w.State())
	}
}

func TestWorker_ParentContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New("parent", time.Millisecond, func(ctx context.Context) error { return nil }, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Worker should stop when parent context is cancelled")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateRunning, "running"},
		{StateTeardownRequested, "teardown_requested"},
		{StateStopped, "stopped"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State %d: expected %s, got %s", tt.state, tt.expected, got)
		}
	}
}
