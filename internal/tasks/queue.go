// Package tasks runs best-effort background work. Side effects like
// realtime broadcasts and auto-replies are submitted here so their failures
// stay visible in logs without ever affecting the operation that spawned
// them.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue is a bounded task queue drained by a fixed worker pool. Submit never
// blocks: when the queue is full the task is dropped and the drop is logged,
// which keeps webhook acknowledgment fast under load.
type Queue struct {
	logger  *slog.Logger
	ch      chan Task
	timeout time.Duration
	workers int

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewQueue creates a queue with the given capacity and worker count. Each
// task runs under the per-task timeout.
func NewQueue(log *slog.Logger, size, workers int, taskTimeout time.Duration) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	return &Queue{
		logger:  log.With(slog.String("component", "tasks")),
		ch:      make(chan Task, size),
		timeout: taskTimeout,
		workers: workers,
	}
}

// Start launches the worker pool. Subsequent calls are no-ops.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.worker()
		}
	})
}

// Submit enqueues a task without blocking. Returns false when the queue is
// full or already stopped; the caller treats that the same as a failed side
// effect.
func (q *Queue) Submit(name string, run func(ctx context.Context) error) (submitted bool) {
	defer func() {
		// Submitting after Stop closes the channel is a send on a closed
		// channel; swallow the panic and report the drop.
		if r := recover(); r != nil {
			q.logger.Warn("task submitted after shutdown", slog.String("task", name))
			submitted = false
		}
	}()
	select {
	case q.ch <- Task{Name: name, Run: run}:
		return true
	default:
		q.logger.Warn("task queue full, dropping task", slog.String("task", name))
		return false
	}
}

// Stop closes the queue and waits for in-flight tasks until ctx expires.
func (q *Queue) Stop(ctx context.Context) error {
	var err error
	q.stopOnce.Do(func() {
		close(q.ch)
		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("task queue drain: %w", ctx.Err())
		}
	})
	return err
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.ch {
		q.run(task)
	}
}

// run executes one task with a timeout and panic recovery. A panicking side
// effect must not take a worker down with it.
func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked",
				slog.String("task", task.Name),
				slog.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		q.logger.Warn("task failed",
			slog.String("task", task.Name),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err))
	}
}
