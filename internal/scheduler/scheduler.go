// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler provides an abstract delayed-task executor that the
// registry and instance entries submit refresh jobs to. The core never
// assumes anything about thread/goroutine identity beyond "this runs
// eventually, once, after the given delay, unless canceled or the scheduler
// is closed first."
package scheduler

import (
	"sync"
	"time"
)

// Handle cancels a previously scheduled task. Cancel is safe to call more
// than once and after the task has already run.
type Handle interface {
	Cancel() bool
}

// Scheduler submits delayed tasks for later execution.
type Scheduler interface {
	// Schedule runs task after delay elapses, unless canceled first or the
	// Scheduler is closed before the delay elapses.
	Schedule(delay time.Duration, task func()) Handle
	// Close stops the Scheduler. No task scheduled after Close returns will
	// ever run; tasks already running are not interrupted.
	Close()
}

// timerScheduler implements Scheduler on top of time.AfterFunc, the same
// mechanism the core refresh cycle itself has always used: one-shot timers
// per task rather than a shared work queue, since refresh scheduling needs
// precise per-instance delays, not FIFO ordering.
type timerScheduler struct {
	mu     sync.Mutex
	closed bool
}

// New returns a Scheduler backed by per-task time.Timers.
func New() Scheduler {
	return &timerScheduler{}
}

type timerHandle struct {
	t *time.Timer
}

func (h *timerHandle) Cancel() bool {
	return h.t.Stop()
}

func (s *timerScheduler) Schedule(delay time.Duration, task func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Returning an already-canceled handle keeps callers simple: they
		// never need to check Close() before scheduling.
		t := time.NewTimer(0)
		t.Stop()
		return &timerHandle{t: t}
	}
	t := time.AfterFunc(delay, func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		task()
	})
	return &timerHandle{t: t}
}

func (s *timerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
