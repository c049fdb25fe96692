package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/stellarlinkco/memcube/internal/config"
)

// Pool is a fixed set of workers fed through one unbuffered channel, so a
// successful Submit means a worker owns the task. Results come back on a
// buffered channel: a caller that stops waiting never blocks the worker.
type Pool struct {
	tasks     chan poolTask
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type poolTask struct {
	fn   func() error
	done chan error
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = config.DefaultWorkers
	}
	p := &Pool{
		tasks: make(chan poolTask),
		done:  make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			task.done <- safeRun(task.fn)
		case <-p.done:
			return
		}
	}
}

func safeRun(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn()
}

// Submit hands fn to a worker, blocking while all workers are busy. Returns
// false without running fn when ctx ends or the pool closes first.
func (p *Pool) Submit(ctx context.Context, fn func() error) (<-chan error, bool) {
	task := poolTask{fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- task:
		return task.done, true
	case <-ctx.Done():
		return nil, false
	case <-p.done:
		return nil, false
	}
}

// Close stops the workers after their current tasks and waits for them.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}
