package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigbes/netmeter/internal/logging"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTaskTicksAndStops(t *testing.T) {
	var n atomic.Int32
	task := New("count", 10*time.Millisecond, func(context.Context) error {
		n.Add(1)
		return nil
	}, logging.Discard())

	task.Start(context.Background())
	task.Start(context.Background()) // no-op
	waitFor(t, func() bool { return n.Load() >= 3 })

	task.Stop()
	if task.Running() {
		t.Fatal("task still running after Stop")
	}
	after := n.Load()
	time.Sleep(50 * time.Millisecond)
	if n.Load() != after {
		t.Fatalf("ticks after Stop: %d -> %d", after, n.Load())
	}

	// Stopping twice is a no-op.
	task.Stop()
	task.Cancel()
}

func TestTaskErrorsAndPanicsReported(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	var calls atomic.Int32

	task := New("flaky", 5*time.Millisecond, func(context.Context) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("boom")
		case 2:
			panic("bad tick")
		}
		return nil
	}, logging.Discard())
	task.OnError = func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if name != "flaky" {
			t.Errorf("name = %q", name)
		}
		errs = append(errs, err)
	}

	task.Start(context.Background())
	defer task.Stop()
	waitFor(t, func() bool { return calls.Load() >= 3 })

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
}

func TestTaskResetChangesInterval(t *testing.T) {
	task := New("reset", time.Hour, func(context.Context) error { return nil }, logging.Discard())
	task.Reset(context.Background(), time.Minute)
	if task.Running() {
		t.Fatal("Reset started a stopped task")
	}
	if task.Interval() != time.Minute {
		t.Fatalf("Interval() = %v", task.Interval())
	}

	task.Start(context.Background())
	task.Reset(context.Background(), 2*time.Minute)
	if !task.Running() || task.Interval() != 2*time.Minute {
		t.Fatalf("running=%v interval=%v", task.Running(), task.Interval())
	}
	task.Stop()
}

func TestTaskCancelFromInsideTick(t *testing.T) {
	var task *Task
	var n atomic.Int32
	task = New("self", 5*time.Millisecond, func(context.Context) error {
		n.Add(1)
		task.Cancel()
		return nil
	}, logging.Discard())

	task.Start(context.Background())
	waitFor(t, func() bool { return !task.Running() })
	time.Sleep(30 * time.Millisecond)
	if n.Load() != 1 {
		t.Fatalf("ticks = %d, want 1", n.Load())
	}
}

func TestTaskStopsWithParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	task := New("parent", 5*time.Millisecond, func(context.Context) error {
		n.Add(1)
		return nil
	}, logging.Discard())
	task.Start(ctx)
	waitFor(t, func() bool { return n.Load() >= 1 })
	cancel()
	time.Sleep(20 * time.Millisecond)
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() != after {
		t.Fatal("task kept ticking after parent cancellation")
	}
	task.Stop()
}
