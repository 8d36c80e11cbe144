// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

// Package executor provides the shared worker pool and the serial lanes
// ("strands") the event buses deliver on.
package executor

import (
	"errors"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("executor: pool closed")

// Pool is a fixed set of workers draining one unbounded FIFO queue.
// Submit never blocks.
type Pool struct {
	size int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	wg sync.WaitGroup
}

// NewPool starts a pool with size workers. A non-positive size uses
// runtime.NumCPU.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{size: size}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Pending returns the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Submit enqueues task.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("executor: nil task")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.cond.Signal()
	return nil
}

// Close stops accepting tasks, runs everything already queued, and waits
// for the workers to exit. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

// NewStrand returns a serial lane on this pool.
func (p *Pool) NewStrand() *Strand {
	return &Strand{pool: p}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		run(task)
	}
}

func run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor task panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	task()
}
