// File: internal/concurrency/executor.go
// Package concurrency implements the bounded handoff executor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor runs tasks on a fixed set of worker goroutines fed by a bounded
// queue. Call submits and waits, which is how the reactor hands a request to
// business code without running it on the reactor goroutine itself.

package concurrency

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrExecutorClosed indicates the executor has been shut down.
	ErrExecutorClosed = errors.New("executor is closed")
	// ErrExecutorBusy indicates the task queue is full.
	ErrExecutorBusy = errors.New("executor queue is full")
)

// PanicError carries a recovered panic out of a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// TaskFunc is a unit of work to execute.
type TaskFunc func()

type job struct {
	fn   TaskFunc
	done chan error // nil for fire-and-forget tasks
}

// Executor manages a pool of worker goroutines.
type Executor struct {
	queue      chan job
	closed     atomic.Bool
	numWorkers int
	wg         sync.WaitGroup
	mu         sync.RWMutex // guards queue sends against Close

	// statistics
	totalTasks     atomic.Int64
	completedTasks atomic.Int64
	panics         atomic.Int64
	timeouts       atomic.Int64
}

// NewExecutor starts numWorkers workers with a queue of queueSize pending
// tasks. Non-positive values default to runtime.NumCPU() and 4 per worker.
func NewExecutor(numWorkers, queueSize int) *Executor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 4
	}
	e := &Executor{
		queue:      make(chan job, queueSize),
		numWorkers: numWorkers,
	}
	e.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go e.worker()
	}
	return e
}

// Submit enqueues a task without waiting for it. It fails with
// ErrExecutorBusy when the queue is full.
func (e *Executor) Submit(task TaskFunc) error {
	return e.enqueue(job{fn: task})
}

// Call runs task on a worker and waits for it to finish or for ctx to end.
// A panic in task is returned as *PanicError. When ctx ends first the task
// keeps running in the background and ctx.Err() is returned.
func (e *Executor) Call(ctx context.Context, task TaskFunc) error {
	done := make(chan error, 1)
	if err := e.enqueue(job{fn: task, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		e.timeouts.Add(1)
		return ctx.Err()
	}
}

func (e *Executor) enqueue(j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	select {
	case e.queue <- j:
		e.totalTasks.Add(1)
		return nil
	default:
		return ErrExecutorBusy
	}
}

// NumWorkers returns the number of workers.
func (e *Executor) NumWorkers() int {
	return e.numWorkers
}

// Close stops accepting tasks, lets queued tasks finish and waits for the workers.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed.Swap(true) {
		e.mu.Unlock()
		return
	}
	close(e.queue)
	e.mu.Unlock()
	e.wg.Wait()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	total := e.totalTasks.Load()
	completed := e.completedTasks.Load()
	return map[string]int64{
		"total_tasks":     total,
		"completed_tasks": completed,
		"pending_tasks":   total - completed,
		"panics":          e.panics.Load(),
		"timeouts":        e.timeouts.Load(),
		"num_workers":     int64(e.numWorkers),
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		err := e.execute(j.fn)
		if j.done != nil {
			j.done <- err
		}
	}
}

// execute runs the task and updates statistics, recovering from panics.
func (e *Executor) execute(task TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		e.completedTasks.Add(1)
	}()
	task()
	return nil
}
