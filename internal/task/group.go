package task

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Group manages a set of tasks sharing a single start/stop lifecycle, used
// by the Manager to track every outstanding authorization kick-off.
type Group struct {
	mu    sync.Mutex
	tasks []*groupEntry
	ctx   context.Context
}

type groupEntry struct {
	id       int
	f        Func
	schedule Schedule
	stop     func(time.Duration) error
	reset    func()
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a task with the group; it only starts running once Start is
// called, or immediately, if the group has already started.
func (g *Group) Add(f Func, schedule Schedule) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := len(g.tasks)
	entry := &groupEntry{id: id, f: f, schedule: schedule}
	g.tasks = append(g.tasks, entry)

	if g.ctx != nil {
		g.startEntry(entry)
	}

	return id
}

// Start launches every task added so far, and any added later, against ctx.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx = ctx

	for _, entry := range g.tasks {
		g.startEntry(entry)
	}
}

func (g *Group) startEntry(entry *groupEntry) {
	if entry.stop != nil {
		return
	}

	ctx := g.ctx
	f := entry.f

	stop, reset := Start(func(taskCtx context.Context) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f(taskCtx)
	}, entry.schedule)

	entry.stop = stop
	entry.reset = reset
}

// Reset forces the task with the given id to run immediately.
func (g *Group) Reset(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, entry := range g.tasks {
		if entry.id == id && entry.reset != nil {
			entry.reset()
			return
		}
	}
}

// Stop stops every running task, waiting up to timeout for each. It returns
// an error naming any tasks that failed to stop in time.
func (g *Group) Stop(timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var stillRunning []int

	for _, entry := range g.tasks {
		if entry.stop == nil {
			continue
		}

		err := entry.stop(timeout)
		if err != nil {
			stillRunning = append(stillRunning, entry.id)
		}
	}

	if len(stillRunning) > 0 {
		return fmt.Errorf("Task(s) still running: IDs %v", stillRunning)
	}

	return nil
}
