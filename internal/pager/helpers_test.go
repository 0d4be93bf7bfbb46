package pager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rescale/rescale-vrows/internal/events"
)

type item struct {
	ID   int
	Name string
}

func sameID(a, b item) bool { return a.ID == b.ID }

func makeItems(n int, prefix string) []item {
	out := make([]item, n)
	for i := range out {
		out[i] = item{ID: i, Name: fmt.Sprintf("%s-%d", prefix, i)}
	}
	return out
}

func makePage(offset, length, total int, prefix string) *Page[item] {
	end := offset + length
	if end > total {
		end = total
	}
	var items []item
	for i := offset; i < end; i++ {
		items = append(items, item{ID: i, Name: fmt.Sprintf("%s-%d", prefix, i)})
	}
	return &Page[item]{Offset: offset, Length: length, Items: items, Total: total}
}

// fakeSource serves rows from memory. The page is cut before gate runs, so a
// gated fetch returns the data that was current when it was called.
type fakeSource struct {
	mu    sync.Mutex
	rows  []item
	calls []int
	gate  func(ctx context.Context, offset int) error
	fail  func(offset int) error
	// trim drops the last row of the pages it returns true for
	trim func(offset int) bool
}

func (s *fakeSource) LoadPage(ctx context.Context, offset, limit int) ([]item, int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, offset)
	gate, fail := s.gate, s.fail
	total := len(s.rows)
	var out []item
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		if s.trim != nil && s.trim(offset) {
			end--
		}
		out = append(out, s.rows[offset:end]...)
	}
	s.mu.Unlock()

	if gate != nil {
		if err := gate(ctx, offset); err != nil {
			return nil, 0, err
		}
	}
	if fail != nil {
		if err := fail(offset); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func (s *fakeSource) setRows(rows []item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = rows
}

func (s *fakeSource) offsets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.calls...)
}

func (s *fakeSource) resetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

type change struct {
	Start, End int
	Kind       events.ChangeKind
}

type recorder struct {
	changes   []change
	hasData   []bool
	selection []events.SelectionChangedEvent
	failures  []events.FetchFailedEvent
}

// record captures cache events in publish order. Handlers run on the owner,
// so no locking is needed as long as the test goroutine is the owner.
func record(bus *events.EventBus) *recorder {
	r := &recorder{}
	bus.Handle(events.EventRowsChanged, func(e events.Event) {
		ev := e.(*events.RowsChangedEvent)
		r.changes = append(r.changes, change{ev.Start, ev.End, ev.Kind})
	})
	bus.Handle(events.EventHasData, func(e events.Event) {
		r.hasData = append(r.hasData, e.(*events.HasDataEvent).HasData)
	})
	bus.Handle(events.EventSelectionChanged, func(e events.Event) {
		r.selection = append(r.selection, *e.(*events.SelectionChangedEvent))
	})
	bus.Handle(events.EventFetchFailed, func(e events.Event) {
		r.failures = append(r.failures, *e.(*events.FetchFailedEvent))
	})
	return r
}

type feedbackCall struct {
	Index int
	Hit   bool
}

type feedbackRecorder struct {
	calls []feedbackCall
}

func (f *feedbackRecorder) OnRowRequested(index int, hit bool) {
	f.calls = append(f.calls, feedbackCall{index, hit})
}

// pumpUntil services hand-offs on the test goroutine, which makes it the owner.
func pumpUntil(t *testing.T, owner *OwnerLoop, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_ = owner.RunOne(ctx)
		cancel()
	}
}

func rowLoaded(c *Cache[item], index int) func() bool {
	return func() bool {
		_, ok := c.Row(index)
		return ok
	}
}
