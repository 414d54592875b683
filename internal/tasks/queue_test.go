package tasks_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/tasks"
)

func TestQueueRunsSubmittedTasks(t *testing.T) {
	t.Parallel()

	q := tasks.NewQueue(nil, 8, 2, time.Second)
	q.Start()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		ok := q.Submit("count", func(ctx context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		})
		if !ok {
			wg.Done()
			t.Fatal("Submit returned false with queue capacity available")
		}
	}
	wg.Wait()

	if got := ran.Load(); got != 5 {
		t.Fatalf("ran %d tasks, want 5", got)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	t.Parallel()

	// One slot and no running workers: the second submit must be dropped.
	q := tasks.NewQueue(nil, 1, 1, time.Second)

	if ok := q.Submit("first", func(ctx context.Context) error { return nil }); !ok {
		t.Fatal("first Submit should fit in the queue")
	}
	if ok := q.Submit("second", func(ctx context.Context) error { return nil }); ok {
		t.Fatal("second Submit should be dropped, queue is full")
	}
}

func TestQueueRecoversFromPanickingTask(t *testing.T) {
	t.Parallel()

	q := tasks.NewQueue(nil, 8, 1, time.Second)
	q.Start()

	done := make(chan struct{})
	q.Submit("boom", func(ctx context.Context) error {
		panic("side effect exploded")
	})
	q.Submit("after", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panicking task")
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestQueueTaskTimeout(t *testing.T) {
	t.Parallel()

	q := tasks.NewQueue(nil, 4, 1, 20*time.Millisecond)
	q.Start()

	got := make(chan error, 1)
	q.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		got <- ctx.Err()
		return ctx.Err()
	})

	select {
	case err := <-got:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("ctx err = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task context never expired")
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestQueueSubmitAfterStop(t *testing.T) {
	t.Parallel()

	q := tasks.NewQueue(nil, 4, 1, time.Second)
	q.Start()
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if ok := q.Submit("late", func(ctx context.Context) error { return nil }); ok {
		t.Fatal("Submit after Stop should report false")
	}
}
