package utils

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

const (
	MaxWorkers       = 32
	WorkerBufferSize = 4
)

// WorkerPool runs handler over submitted tasks on a fixed number of goroutines
// and collects the errors they return.
type WorkerPool[T any] struct {
	workers   int
	ctx       context.Context
	wg        sync.WaitGroup
	taskQueue chan T
	handler   func(context.Context, T) error

	errMu sync.Mutex
	errs  []error
}

func NewWorkerPool[T any](ctx context.Context, workers int, handler func(context.Context, T) error) *WorkerPool[T] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	return &WorkerPool[T]{
		workers:   workers,
		ctx:       ctx,
		taskQueue: make(chan T, workers*WorkerBufferSize),
		handler:   handler,
	}
}

func (p *WorkerPool[T]) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *WorkerPool[T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			if err := p.handler(p.ctx, task); err != nil {
				p.errMu.Lock()
				p.errs = append(p.errs, err)
				p.errMu.Unlock()
			}
		}
	}
}

// Submit queues a task. It gives up silently once the pool's context is done.
func (p *WorkerPool[T]) Submit(task T) {
	select {
	case <-p.ctx.Done():
		return
	case p.taskQueue <- task:
	}
}

// Wait closes the queue, waits for the workers and returns the joined task
// errors, or the context error if the pool was cancelled.
func (p *WorkerPool[T]) Wait() error {
	close(p.taskQueue)
	p.wg.Wait()

	p.errMu.Lock()
	defer p.errMu.Unlock()
	if err := p.ctx.Err(); err != nil {
		return err
	}
	return errors.Join(p.errs...)
}

// Run is the common Start/Submit/Wait sequence for a known task list.
func Run[T any](ctx context.Context, workers int, tasks []T, handler func(context.Context, T) error) error {
	if len(tasks) == 0 {
		return nil
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}
	p := NewWorkerPool(ctx, workers, handler)
	p.Start()
	for _, t := range tasks {
		p.Submit(t)
	}
	return p.Wait()
}
