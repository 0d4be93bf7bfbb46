package pager

import (
	"testing"
)

func TestTaskChain_AppendPageCoalesces(t *testing.T) {
	var c taskChain

	if c.appendPage(3, 1) == nil {
		t.Fatal("First request should queue a task")
	}
	if c.appendPage(3, 1) != nil {
		t.Error("Second request for the same page and generation should coalesce")
	}
	if c.appendPage(3, 2) == nil {
		t.Error("Same page in another generation is a different task")
	}
	if c.appendPage(4, 1) == nil {
		t.Error("Another page should queue")
	}

	// Running tasks still coalesce, completed ones do not
	running := c.next(1, nil)
	if running == nil || running.Page != 3 {
		t.Fatalf("Expected page 3 to run, got %+v", running)
	}
	if c.appendPage(3, 1) != nil {
		t.Error("Request for a running page should coalesce")
	}
	c.complete(running)
	if c.appendPage(3, 1) == nil {
		t.Error("Request after completion should queue again")
	}
}

func TestTaskChain_ReloadKindsFirst(t *testing.T) {
	var c taskChain
	c.appendPage(1, 1)
	c.appendPage(2, 1)
	c.append(newTask(TaskLoadInitial, 0, 1))

	first := c.next(1, nil)
	if first == nil || first.Kind != TaskLoadInitial {
		t.Fatalf("Expected load_initial first, got %+v", first)
	}
	if first.State != TaskRunning {
		t.Errorf("Selected task should be running, got %v", first.State)
	}
	c.complete(first)

	second := c.next(1, nil)
	if second == nil || second.Page != 1 {
		t.Fatalf("Expected page 1 next, got %+v", second)
	}
}

func TestTaskChain_PrunesStaleGenerations(t *testing.T) {
	var c taskChain
	c.append(newTask(TaskLoadInitial, 0, 1))
	c.appendPage(5, 1)
	c.append(newTask(TaskFullInvalidate, 0, 2))
	c.appendPage(7, 2)

	got := c.next(2, nil)
	if got == nil || got.Kind != TaskFullInvalidate || got.Generation != 2 {
		t.Fatalf("Expected generation 2 reload, got %+v", got)
	}

	snap := c.snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected stale tasks pruned, chain has %d tasks: %+v", len(snap), snap)
	}
	for _, task := range snap {
		if task.Generation != 2 {
			t.Errorf("Stale task left in chain: %+v", task)
		}
	}

	if n := c.pending(2); n != 2 {
		t.Errorf("pending(2) = %d, want 2", n)
	}
	c.complete(got)
	if n := c.pending(2); n != 1 {
		t.Errorf("pending(2) after completion = %d, want 1", n)
	}
}

func TestTaskChain_UsesPrioritizer(t *testing.T) {
	var c taskChain
	c.appendPage(2, 1)
	c.appendPage(5, 1)
	c.appendPage(9, 1)

	s, _ := NewScheduler(10)
	s.OnRowRequested(51, true)

	var order []int
	for {
		task := c.next(1, s.Prioritize)
		if task == nil {
			break
		}
		order = append(order, task.Page)
		c.complete(task)
	}
	want := []int{5, 2, 9}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, order)
			break
		}
	}
}

func TestTaskKindAndState_String(t *testing.T) {
	kinds := map[TaskKind]string{
		TaskFullInvalidate: "full_invalidate",
		TaskLoadInitial:    "load_initial",
		TaskLoadPage:       "load_page",
		TaskKind(42):       "unknown",
	}
	for k, want := range kinds {
		if got := k.String(); got != want {
			t.Errorf("TaskKind(%d).String() = %s, want %s", k, got, want)
		}
	}

	states := map[TaskState]string{
		TaskPending:   "pending",
		TaskRunning:   "running",
		TaskCompleted: "completed",
		TaskState(42): "unknown",
	}
	for s, want := range states {
		if got := s.String(); got != want {
			t.Errorf("TaskState(%d).String() = %s, want %s", s, got, want)
		}
	}
}

func TestNewTask_UniqueIDs(t *testing.T) {
	a := newTask(TaskLoadPage, 1, 1)
	b := newTask(TaskLoadPage, 1, 1)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("Expected distinct non-empty IDs, got %q and %q", a.ID, b.ID)
	}
}
