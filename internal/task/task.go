// Package task implements the daemon's deferred-task primitive: scheduling
// authorization attempts without blocking the event dispatch loop (spec
// §5/§9). Each task runs its function on its own schedule, and a task can be
// reset to force an immediate run of a pending invocation.
package task

import (
	"context"
	"time"
)

// Func is the unit of work a Task repeatedly (or once) executes.
type Func func(context.Context)

// Schedule returns how long to wait before the next run, or an error if the
// interval can't be determined; a non-nil error with a positive duration
// means "try again after this long", a non-nil error with zero duration
// means "abort, do not reschedule".
type Schedule func() (time.Duration, error)

type scheduleOptions struct {
	skipFirst bool
}

// Option configures a Schedule built with Every.
type Option func(*scheduleOptions)

// SkipFirst causes the first invocation of the schedule to be skipped, only
// running starting from the second interval.
func SkipFirst(o *scheduleOptions) { o.skipFirst = true }

// Every returns a Schedule that fires at a fixed interval. An interval of
// zero disables the task entirely (the schedule function returns an error
// with a zero duration, matching the corpus's convention for "never run").
func Every(interval time.Duration, opts ...Option) Schedule {
	var o scheduleOptions
	for _, opt := range opts {
		opt(&o)
	}

	first := true

	return func() (time.Duration, error) {
		if interval <= 0 {
			return 0, errZeroInterval
		}

		if first {
			first = false
			if o.skipFirst {
				return interval, nil
			}

			return 0, nil
		}

		return interval, nil
	}
}

// Once returns a Schedule that fires exactly once after delay and then
// aborts. Used for one-shot authorization kick-offs.
func Once(delay time.Duration) Schedule {
	fired := false

	return func() (time.Duration, error) {
		if fired {
			return 0, errZeroInterval
		}

		fired = true
		return delay, nil
	}
}

type errString string

func (e errString) Error() string { return string(e) }

const errZeroInterval = errString("task: zero interval, task disabled")

// Task is a single scheduled function, runnable standalone via Start or as
// part of a Group.
type Task struct {
	f        Func
	schedule Schedule

	resetCh  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Start begins running f according to schedule in a new goroutine. It
// returns a stop function (call with a timeout to wait for the current
// invocation to finish) and a reset function (forces an immediate re-run).
func Start(f Func, schedule Schedule) (stop func(time.Duration) error, reset func()) {
	t := &Task{
		f:        f,
		schedule: schedule,
		resetCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())

	go t.loop(ctx)

	stop = func(timeout time.Duration) error {
		cancel()
		close(t.stopCh)

		select {
		case <-t.doneCh:
			return nil
		case <-time.After(timeout):
			return errString("Task still running")
		}
	}

	reset = func() {
		select {
		case t.resetCh <- struct{}{}:
		default:
		}
	}

	return stop, reset
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.doneCh)

	timer := time.NewTimer(0)
	defer timer.Stop()

	// due records whether the last schedule call asked for a run at the next
	// wake-up; the first wake-up only consults the schedule.
	due := false

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-t.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if due {
			t.f(ctx)
		}

		interval, err := t.schedule()
		due = err == nil
		if err != nil && interval <= 0 {
			// Permanently disabled; park until stopped or reset.
			timer.Reset(time.Hour * 24 * 365)
			continue
		}

		timer.Reset(interval)
	}
}
