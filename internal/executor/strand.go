// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GoodNet Contributors

package executor

import "sync"

// Strand runs posted tasks one at a time, in post order, on its pool.
// Tasks of different strands may run concurrently.
type Strand struct {
	pool *Pool

	mu      sync.Mutex
	queue   []func()
	running bool
}

// Post enqueues task on the strand. When the pool refuses the strand's
// drain, task is not queued and the error is returned.
func (s *Strand) Post(task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		if err := s.pool.Submit(s.drain); err != nil {
			return err
		}
		s.running = true
	}
	s.queue = append(s.queue, task)
	return nil
}

// Len returns the number of tasks waiting on the strand.
func (s *Strand) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		run(task)
	}
}
