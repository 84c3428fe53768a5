// Package worker runs queued alert dispatches on a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrQueueFull is returned by TrySubmit when the buffer has no room.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrStopped is returned for jobs submitted once Stop has begun.
	ErrStopped = errors.New("dispatch queue is stopped")
)

// Job asks for one alert to be dispatched.
type Job struct {
	AlertID int64
	Source  string // what queued it, for logs
}

type ProcessFunc func(ctx context.Context, job Job) error

type WorkerPool struct {
	numWorkers int
	jobs       chan Job
	processor  ProcessFunc
	wg         sync.WaitGroup

	// mu guards sends on jobs against Stop closing it.
	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once
}

func NewWorkerPool(numWorkers int, bufferSize int, processor ProcessFunc) *WorkerPool {
	return &WorkerPool{
		numWorkers: numWorkers,
		jobs:       make(chan Job, bufferSize),
		processor:  processor,
		stopping:   make(chan struct{}),
	}
}

func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 1; i <= wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			if err := wp.run(ctx, job); err != nil {
				slog.Error("dispatch job failed",
					"worker", id,
					"alert_id", job.AlertID,
					"source", job.Source,
					"error", err,
				)
			}
		}
	}
}

// run turns a processor panic into an error so one bad alert cannot take the
// worker down with it.
func (wp *WorkerPool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while dispatching: %v", r)
		}
	}()
	return wp.processor(ctx, job)
}

// Submit blocks until the job is queued or the pool starts stopping.
func (wp *WorkerPool) Submit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrStopped
	}

	select {
	case wp.jobs <- job:
		return nil
	case <-wp.stopping:
		return ErrStopped
	}
}

// TrySubmit queues the job without blocking.
func (wp *WorkerPool) TrySubmit(job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return ErrStopped
	}

	select {
	case wp.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers. Jobs still buffered are run
// unless the Start context was cancelled first. Later submits get ErrStopped.
func (wp *WorkerPool) Stop() {
	// Release blocked Submit calls so the write lock can be taken.
	wp.stopOnce.Do(func() { close(wp.stopping) })

	wp.mu.Lock()
	if !wp.closed {
		wp.closed = true
		close(wp.jobs)
	}
	wp.mu.Unlock()

	wp.wg.Wait()
}
