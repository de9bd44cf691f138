// Package worker provides the bounded pool of goroutines that runs
// command dispatch off the event loop. Submission never blocks; the
// task queue is unbounded. A panicking task is logged and absorbed so
// one bad command cannot drain the pool.
package worker

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Pool is a fixed set of long-lived workers draining a FIFO queue.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool with n workers. n must be at least 1.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

// Submit enqueues task for execution. It returns false if the pool is
// shutting down and the task was rejected.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return true
}

// Shutdown stops accepting tasks, drains the queue, and joins all
// workers.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

// Backlog reports the number of queued, not-yet-started tasks.
func (p *Pool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			// closed and drained
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.invoke(task)
	}
}

// invoke runs one task with a catch-all recover at the worker
// boundary.
func (p *Pool) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
