// Package schedule runs recurring callbacks as individually cancelable tasks.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Func is one tick of a task. A returned error or a panic is reported to
// the task's OnError hook; the task keeps running.
type Func func(ctx context.Context) error

// Task calls fn every interval until stopped.
type Task struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *slog.Logger

	// OnError, when set, receives every failed tick.
	OnError func(name string, err error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a stopped task.
func New(name string, interval time.Duration, fn Func, logger *slog.Logger) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With("task", name),
	}
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Interval returns the tick period.
func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Running reports whether the task loop is active.
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Start launches the loop under parent. Starting a running task is a no-op.
func (t *Task) Start(parent context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	go t.run(ctx, t.interval, t.done)
}

// Stop cancels the loop and waits for an in-flight tick to return.
// Stopping a stopped task is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	cancel()
	<-done
}

// Cancel stops the loop without waiting for it. Safe to call from inside
// the task's own Func.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	t.cancel()
	t.cancel, t.done = nil, nil
}

// Reset changes the interval, restarting the loop if it was running.
func (t *Task) Reset(parent context.Context, interval time.Duration) {
	wasRunning := t.Running()
	t.Stop()
	t.mu.Lock()
	t.interval = interval
	t.mu.Unlock()
	if wasRunning {
		t.Start(parent)
	}
}

func (t *Task) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			t.tick(ctx)
		}
	}
}

func (t *Task) tick(ctx context.Context) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("schedule: task %s panicked: %v", t.name, r)
			}
		}()
		return t.fn(ctx)
	}()
	if err == nil || ctx.Err() != nil {
		return
	}
	t.logger.Warn("task tick failed", "err", err)
	if t.OnError != nil {
		t.OnError(t.name, err)
	}
}
