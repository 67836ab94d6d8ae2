package runloop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	got := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		l.Post(func() { got <- i })
	}

	for want := 0; want < 3; want++ {
		select {
		case v := <-got:
			if v != want {
				t.Fatalf("expected task %d, got %d", want, v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for task")
		}
	}
}

func TestLoopStoppedTimerDoesNotRun(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{}, 1)
	var timer Timer
	err := Do(ctx, l, func() error {
		timer = l.AfterFunc(20*time.Millisecond, func() { fired <- struct{}{} })
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	_ = Do(ctx, l, func() error {
		if !timer.Stop() {
			t.Error("expected Stop to report a live timer")
		}
		return nil
	})

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Post(func() { panic("boom") })
	if err := Do(ctx, l, func() error { return nil }); err != nil {
		t.Fatalf("loop did not survive panic: %v", err)
	}
}

func TestDoReturnsTaskError(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	want := errors.New("rejected")
	if err := Do(context.Background(), m, func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestManualAfterFuncFiresOnce(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	m.AfterFunc(time.Second, func() { count++ })

	m.Advance(999 * time.Millisecond)
	if count != 0 {
		t.Fatalf("fired early: %d", count)
	}
	m.Advance(time.Second)
	if count != 1 {
		t.Fatalf("expected 1 run, got %d", count)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestManualEveryFiresPerPeriod(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var at []time.Duration
	start := m.Now()
	timer := m.Every(500*time.Millisecond, func() { at = append(at, m.Now().Sub(start)) })

	m.Advance(1600 * time.Millisecond)
	if len(at) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(at))
	}
	if at[2] != 1500*time.Millisecond {
		t.Errorf("third tick at %v", at[2])
	}

	timer.Stop()
	m.Advance(time.Second)
	if len(at) != 3 {
		t.Fatalf("ticked after stop: %d", len(at))
	}
}

func TestManualNestedPostRunsAfterCurrentTask(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var order []string
	m.Post(func() {
		m.Post(func() { order = append(order, "inner") })
		order = append(order, "outer")
	})
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}
