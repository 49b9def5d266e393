// Package workerpool runs jobs on a fixed number of worker goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andrej220/opsflow/pkg/lg"
)

const DefaultMaxWorkers = 4

var ErrPoolClosed = errors.New("worker pool is closed")

// JobFunc is executed once per job. worker identifies the goroutine that
// runs it, starting at 1.
type JobFunc[T any] func(ctx context.Context, worker int, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs submitted jobs on exactly maxWorkers goroutines. Jobs are run
// once; a failing job is logged and not retried.
type Pool[T any] struct {
	jobs          chan Job[T]
	activeWorkers atomic.Int32
	wg            sync.WaitGroup
	mu            sync.RWMutex
	closed        bool
	maxWorkers    int
	logger        lg.Logger
}

// NewPool starts maxWorkers workers; maxWorkers <= 0 means DefaultMaxWorkers.
func NewPool[T any](maxWorkers int, logger lg.Logger) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	if logger == nil {
		logger = lg.Discard
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T]),
		maxWorkers: maxWorkers,
		logger:     logger,
	}
	pool.wg.Add(maxWorkers)
	for i := 1; i <= maxWorkers; i++ {
		go pool.worker(i)
	}
	return pool
}

// Size returns the number of workers.
func (p *Pool[T]) Size() int { return p.maxWorkers }

// Submit hands job to the next idle worker, blocking until one is free.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Fn == nil {
		return fmt.Errorf("job has no function")
	}
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.jobs <- job
	return nil
}

// Wait stops accepting jobs and blocks until every submitted job finished.
func (p *Pool[T]) Wait() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
}

func (p *Pool[T]) run(id int, job Job[T]) {
	active := p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()

	logger := p.logger.With(lg.Int("worker", id))
	logger.Debug("Worker started job", lg.Int32("active_workers", active))

	if err := job.Fn(job.Ctx, id, job.Payload); err != nil {
		logger.Warn("Worker job failed", lg.Err(err))
		return
	}
	logger.Debug("Worker finished job")
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return p.activeWorkers.Load()
}
