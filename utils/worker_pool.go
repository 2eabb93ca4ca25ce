package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// WorkerPool runs a fixed number of goroutines that each pull jobs off a shared queue. Jobs are
// blocking I/O; whoever submits them never waits on their completion.
type WorkerPool[J any] struct {
	jobs chan J

	mu         sync.Mutex
	cancelCtx  context.Context
	cancelFunc func()
	// Returning the pool by pointer keeps this WaitGroup from ever being copied.
	activeWorkers sync.WaitGroup
}

// NewWorkerPool starts `size` workers that call `handle` for every submitted job. `queueLen` bounds
// the number of jobs that can be waiting for a free worker.
func NewWorkerPool[J any](size, queueLen int, handle func(ctx context.Context, job J)) *WorkerPool[J] {
	if size < 1 {
		size = 1
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	pool := &WorkerPool[J]{jobs: make(chan J, queueLen), cancelCtx: cancelCtx, cancelFunc: cancelFunc}
	pool.activeWorkers.Add(size)
	for i := 0; i < size; i++ {
		goutils.PanicCapturingGo(func() {
			defer pool.activeWorkers.Done()
			for {
				select {
				case <-cancelCtx.Done():
					return
				case job := <-pool.jobs:
					handle(cancelCtx, job)
				}
			}
		})
	}
	return pool
}

// Submit queues a job. It returns false without queueing if the queue is full or the pool has
// been stopped.
func (pool *WorkerPool[J]) Submit(job J) bool {
	if pool.cancelCtx.Err() != nil {
		return false
	}
	select {
	case pool.jobs <- job:
		return true
	default:
		return false
	}
}

// Context is canceled once Stop is called. Jobs receive it as their context.
func (pool *WorkerPool[J]) Context() context.Context {
	return pool.cancelCtx
}

// Stop cancels the workers and waits for any in-progress job to return. Queued jobs that were
// never started are dropped.
func (pool *WorkerPool[J]) Stop() {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	pool.cancelFunc()
	pool.activeWorkers.Wait()
}
