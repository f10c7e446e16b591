// Package workerpool runs tasks on a fixed set of goroutines fed by a
// bounded queue. Catalog revalidation and websocket commands run on it.
package workerpool

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/breeze-rmm/brewkit/internal/logging"
)

var log = logging.L("workerpool")

// Task receives the pool context, which Shutdown cancels.
type Task func(ctx context.Context)

// Pool is a bounded worker pool. Submit never blocks.
type Pool struct {
	name    string
	tasks   chan Task
	workers sync.WaitGroup

	// mu orders Submit against the close of tasks.
	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New starts workers goroutines reading from a queue of queueSize tasks.
// Both are raised to at least one.
func New(name string, workers, queueSize int) *Pool {
	workers = max(workers, 1)
	queueSize = max(queueSize, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.workers.Add(workers)
	for range workers {
		go p.run()
	}
	log.Debug("worker pool started", "pool", name, "workers", workers, "queueSize", queueSize)
	return p
}

// Context is the context every task receives.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit queues task and reports whether it was accepted. It fails once the
// pool is draining or when the queue is full.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- task:
		return true
	default:
		log.Warn("worker pool queue full, task rejected", "pool", p.name)
		return false
	}
}

// Drain stops accepting tasks and waits for the queued and running ones,
// giving up when ctx is done. It reports whether every task finished.
func (p *Pool) Drain(ctx context.Context) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained", "pool", p.name)
		return true
	case <-ctx.Done():
		log.Warn("worker pool drain timed out", "pool", p.name)
		return false
	}
}

// Shutdown drains the pool and then cancels the pool context, so tasks still
// running past ctx are asked to stop. Calling it again is a no-op.
func (p *Pool) Shutdown(ctx context.Context) {
	p.Drain(ctx)
	p.cancel()
}

func (p *Pool) run() {
	defer p.workers.Done()
	for task := range p.tasks {
		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "pool", p.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
