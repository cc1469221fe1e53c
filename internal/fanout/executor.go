// Package fanout runs outbound side effects off the response path. Tasks are
// fire-and-forget: submitters never wait, and a full queue drops the task
// rather than blocking a request.
package fanout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficlab/clickgate/internal/observability"
)

// Task is a named unit of background work. It receives a context bounded by
// the executor's per-task timeout and must carry all its inputs by value.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Executor is a bounded worker pool for background HTTP calls.
type Executor struct {
	queue       chan Task
	workers     int
	taskTimeout time.Duration
	logger      *zap.Logger
	metrics     observability.MetricsRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New constructs an Executor with the given pool size and queue capacity.
func New(workers, queueSize int, taskTimeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		queue:       make(chan Task, queueSize),
		workers:     workers,
		taskTimeout: taskTimeout,
		logger:      logger,
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker goroutines. Safe to call once.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("fanout executor started",
		zap.Int("workers", e.workers), zap.Int("queue_size", cap(e.queue)))
}

// Submit enqueues a task without blocking. Returns false when the queue is
// full or the executor is shutting down; the task is dropped and counted.
func (e *Executor) Submit(name string, fn func(ctx context.Context) error) bool {
	select {
	case e.queue <- Task{Name: name, Fn: fn}:
		return true
	default:
		e.logger.Warn("fanout queue full, dropping task", zap.String("task", name))
		e.metrics.IncrementFanoutTask(name, "dropped")
		return false
	}
}

// Shutdown stops accepting work and waits for in-flight tasks until ctx
// expires. Queued tasks that have not started are abandoned.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("fanout executor drained")
		return nil
	case <-ctx.Done():
		e.logger.Warn("fanout executor shutdown deadline exceeded")
		return ctx.Err()
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case task := <-e.queue:
			e.run(task)
		}
	}
}

func (e *Executor) run(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), e.taskTimeout)
	defer cancel()

	start := time.Now()
	if err := task.Fn(ctx); err != nil {
		e.logger.Warn("fanout task failed",
			zap.String("task", task.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		e.metrics.IncrementFanoutTask(task.Name, "failure")
		return
	}
	e.metrics.IncrementFanoutTask(task.Name, "success")
}
