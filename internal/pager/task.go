package pager

import (
	"sync"

	"github.com/google/uuid"
)

// Generation identifies one full load of the data set. It only grows.
type Generation uint64

// TaskKind is what a task fetches and how its result is applied.
type TaskKind int

const (
	// TaskFullInvalidate reloads page 0 and the last viewed page, then replaces the cache.
	TaskFullInvalidate TaskKind = iota
	// TaskLoadInitial loads page 0 of a never loaded cache.
	TaskLoadInitial
	// TaskLoadPage loads one more page.
	TaskLoadPage
)

func (k TaskKind) String() string {
	switch k {
	case TaskFullInvalidate:
		return "full_invalidate"
	case TaskLoadInitial:
		return "load_initial"
	case TaskLoadPage:
		return "load_page"
	default:
		return "unknown"
	}
}

// TaskState of a task in the chain
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskCompleted
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Task is one queued fetch. Page is only meaningful for TaskLoadPage.
type Task struct {
	ID         string
	Kind       TaskKind
	Page       int
	Generation Generation
	State      TaskState
}

func newTask(kind TaskKind, page int, gen Generation) *Task {
	return &Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		Page:       page,
		Generation: gen,
		State:      TaskPending,
	}
}

// taskChain is the queue shared by the owner (appends) and the loader (selects
// and completes). Tasks stay in issue order. Stale and completed tasks are
// pruned whenever the loader selects.
type taskChain struct {
	mu    sync.Mutex
	tasks []*Task
}

func (c *taskChain) append(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
}

// appendPage queues a page load unless one for the same page and generation
// is pending or running. It returns the new task, or nil when coalesced.
func (c *taskChain) appendPage(page int, gen Generation) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tasks {
		if t.Kind == TaskLoadPage && t.Page == page && t.Generation == gen && t.State != TaskCompleted {
			return nil
		}
	}
	t := newTask(TaskLoadPage, page, gen)
	c.tasks = append(c.tasks, t)
	return t
}

// next selects the task to run for generation current and marks it running.
// Reload kinds go first in chain order; page loads are ranked by prioritize.
// Returns nil when nothing is eligible.
func (c *taskChain) next(current Generation, prioritize func([]*Task) []*Task) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(current)

	var pages []*Task
	for _, t := range c.tasks {
		if t.State != TaskPending {
			continue
		}
		if t.Kind != TaskLoadPage {
			t.State = TaskRunning
			return t
		}
		pages = append(pages, t)
	}
	if len(pages) == 0 {
		return nil
	}
	if prioritize != nil {
		pages = prioritize(pages)
	}
	pages[0].State = TaskRunning
	return pages[0]
}

func (c *taskChain) complete(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.State = TaskCompleted
}

// pruneLocked drops completed tasks and pending tasks of older generations.
// Running tasks are kept until the loader completes them.
func (c *taskChain) pruneLocked(current Generation) int {
	kept := c.tasks[:0]
	dropped := 0
	for _, t := range c.tasks {
		if t.State == TaskCompleted || (t.State == TaskPending && t.Generation != current) {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(c.tasks); i++ {
		c.tasks[i] = nil
	}
	c.tasks = kept
	return dropped
}

// pending counts tasks of generation gen not yet completed.
func (c *taskChain) pending(gen Generation) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tasks {
		if t.Generation == gen && t.State != TaskCompleted {
			n++
		}
	}
	return n
}

// snapshot copies the chain for inspection.
func (c *taskChain) snapshot() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, len(c.tasks))
	for i, t := range c.tasks {
		out[i] = *t
	}
	return out
}
