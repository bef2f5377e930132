// Package pool implements a bounded-concurrency task executor with
// per-task timeouts and isolated failure. Tasks are fully independent:
// the pool guarantees nothing about completion order, so callers must key
// results by the unit index carried on each task.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnitTimeout is the result error for a task that exceeded the pool's
// per-task timeout. The slot is reclaimed; the task's goroutine finishes
// on its own (cancellation is cooperative via context).
var ErrUnitTimeout = errors.New("unit timed out")

// ErrPoolClosed is returned by Submit after Close
var ErrPoolClosed = errors.New("worker pool closed")

// Task is one unit of work. Index is the stable ordering key used to
// reassemble results.
type Task struct {
	Index int
	Run   func(ctx context.Context) (json.RawMessage, error)
}

// Result carries a completed task's payload or error, keyed by unit index
type Result struct {
	Index   int
	Payload json.RawMessage
	Err     error
}

// Future resolves to a Result once the task has finished or timed out
type Future struct {
	done chan struct{}
	res  Result
}

// Wait blocks until the result is available
func (f *Future) Wait() Result {
	<-f.done
	return f.res
}

type submission struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Pool is a fixed set of worker goroutines pulling from a bounded queue
type Pool struct {
	queue   chan submission
	wg      sync.WaitGroup
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New starts a pool with the given number of workers and per-task timeout.
// A timeout of zero disables the per-task deadline.
func New(workers int, timeout time.Duration, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		queue:   make(chan submission, workers*2),
		timeout: timeout,
		logger:  logger,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker_id", id)
	logger.Debug("Worker started")

	for sub := range p.queue {
		p.execute(logger, sub)
	}

	logger.Debug("Worker finished")
}

func (p *Pool) execute(logger *slog.Logger, sub submission) {
	ctx := sub.ctx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The task runs in its own goroutine so a body that ignores its
	// context cannot hold the worker slot past the timeout.
	type outcome struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		payload, err := sub.task.Run(ctx)
		ch <- outcome{payload: payload, err: err}
	}()

	res := Result{Index: sub.task.Index}
	select {
	case out := <-ch:
		res.Payload = out.payload
		res.Err = out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("Task exceeded timeout", "unit_index", sub.task.Index, "timeout", p.timeout)
			res.Err = fmt.Errorf("unit %d: %w", sub.task.Index, ErrUnitTimeout)
		} else {
			res.Err = ctx.Err()
		}
	}

	sub.future.res = res
	close(sub.future.done)
}

// Submit queues a task and returns its future. The returned future always
// resolves, including when the pool is closed (with ErrPoolClosed).
func (p *Pool) Submit(ctx context.Context, task Task) *Future {
	f := &Future{done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.res = Result{Index: task.Index, Err: ErrPoolClosed}
		close(f.done)
		return f
	}
	p.queue <- submission{ctx: ctx, task: task, future: f}
	p.mu.Unlock()
	return f
}

// Close stops accepting work and waits for in-flight tasks to finish
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}
