/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package fiber implements a single-OS-thread cooperative scheduler.
// Every fiber is backed by exactly one goroutine for its whole lifetime;
// cooperation is obtained by rendezvous through a central dispatcher
// rather than goroutines preempting one another, so at most one fiber's
// user code ever runs at a time.
package fiber

import (
	"log"
	"runtime/debug"
	"sync/atomic"

	"github.com/cloudwego/ringfiber/rerrors"
	"github.com/cloudwego/ringfiber/runq"
)

type state int32

const (
	stateRunnable state = iota
	stateRunning
	stateWaiting
	stateDead
)

// Fiber is a cooperatively scheduled execution context with its own
// goroutine stack. It yields explicitly via Snooze/Suspend or any
// blocking ring operation.
type Fiber struct {
	sched *Scheduler

	state  int32 // atomic, one of the state consts
	parked int32 // atomic bool: true while suspended and not in the run queue

	resumeCh chan any // scheduler -> fiber, unbuffered rendezvous
	done     chan struct{}
}

// Alive reports whether the fiber has not yet returned from its body.
func (f *Fiber) Alive() bool {
	return atomic.LoadInt32(&f.state) != int32(stateDead)
}

// Parked reports whether the fiber is currently suspended outside the run
// queue, i.e. only an explicit Schedule can wake it.
func (f *Fiber) Parked() bool {
	return atomic.LoadInt32(&f.parked) != 0
}

// Snooze marks the fiber runnable (appended to the run queue tail) and
// yields to the scheduler. It resumes in FIFO order after whatever else
// is currently runnable.
func (f *Fiber) Snooze() any {
	f.sched.Schedule(f, nil, false)
	return f.park()
}

// Suspend yields without self-scheduling: the fiber only runs again once
// some other actor calls Scheduler.Schedule on it.
func (f *Fiber) Suspend() any {
	return f.park()
}

// park blocks the calling goroutine until the scheduler hands it a resume
// value, handing control back to the dispatcher in the meantime. If the
// delivered value is an exception-carrying value, it is returned as-is;
// callers that want Go-style re-raising should use SuspendErr/SnoozeErr.
func (f *Fiber) park() any {
	atomic.StoreInt32(&f.parked, 1)
	f.sched.yieldToDispatcher()
	v := <-f.resumeCh
	atomic.StoreInt32(&f.parked, 0)
	return v
}

// SuspendErr is Suspend, but re-raises when the resume value is an
// exception-carrying value.
func (f *Fiber) SuspendErr() (any, error) {
	return unwrap(f.Suspend())
}

// SnoozeErr is Snooze, but re-raises when the resume value is an
// exception-carrying value.
func (f *Fiber) SnoozeErr() (any, error) {
	return unwrap(f.Snooze())
}

func unwrap(v any) (any, error) {
	if rerrors.IsException(v) {
		return nil, v.(error)
	}
	return v, nil
}

// Scheduler switches between fibers, owns the run queue, and services
// the snooze/suspend/schedule primitives.
type Scheduler struct {
	runq    *runq.Queue[*Fiber, any]
	current *Fiber

	resumeReady chan struct{} // fiber -> dispatcher: the running fiber yielded, loop again
	backend     Backend

	panicHandler func(f *Fiber, r interface{})
}

// Backend is what the ring I/O layer exposes back to the scheduler:
// a blocking/non-blocking completion pump, and a pending-work check so
// Run can tell idle from "nothing left to ever do".
type Backend interface {
	// Poll drains ready completions, scheduling any fiber they wake.
	// When blocking is true, Poll does not return until at least one
	// fiber becomes runnable (or there is nothing left to wait for).
	Poll(blocking bool)
	// HasPendingOps reports whether any operation is still in flight.
	HasPendingOps() bool
	// RunIdleTasks runs idle hooks (GC trigger, user callback). Called
	// once before each blocking Poll.
	RunIdleTasks()
}

// NewScheduler creates a scheduler driven by backend.
func NewScheduler(backend Backend) *Scheduler {
	return &Scheduler{
		runq:    runq.New[*Fiber, any](),
		backend: backend,
	}
}

// Current returns the fiber presently executing on this scheduler, or nil
// if called from outside any fiber (e.g. during Run's bootstrap).
func (s *Scheduler) Current() *Fiber {
	return s.current
}

// Spawn creates a new fiber running body and schedules it to start. It
// returns immediately; body begins executing the next time the
// dispatcher switches to it.
func (s *Scheduler) Spawn(body func(f *Fiber)) *Fiber {
	f := &Fiber{
		sched:    s,
		resumeCh: make(chan any),
		done:     make(chan struct{}),
	}
	go s.runBody(f, body)
	s.Schedule(f, nil, false)
	return f
}

func (s *Scheduler) runBody(f *Fiber, body func(f *Fiber)) {
	atomic.StoreInt32(&f.state, int32(stateRunnable))
	<-f.resumeCh // wait for the initial scheduling turn
	atomic.StoreInt32(&f.state, int32(stateRunning))

	func() {
		defer func() {
			if r := recover(); r != nil {
				if h := s.panicHandler; h != nil {
					h(f, r)
				} else {
					log.Printf("RINGFIBER: panic in fiber: %v: %s", r, debug.Stack())
				}
			}
		}()
		body(f)
	}()

	atomic.StoreInt32(&f.state, int32(stateDead))
	close(f.done)
	s.yieldToDispatcher()
}

// SetPanicHandler sets a func for handling a panic escaping a fiber
// body. By default the scheduler uses log.Printf to record the value
// and stack. The fiber is marked dead either way; the scheduler keeps
// running.
func (s *Scheduler) SetPanicHandler(h func(f *Fiber, r interface{})) {
	s.panicHandler = h
}

// Schedule enqueues fiber with value, marking it runnable. It is a no-op
// if the fiber is already scheduled. prioritize=true places it at the
// run queue head instead of the tail.
func (s *Scheduler) Schedule(f *Fiber, value any, prioritize bool) {
	s.runq.Push(f, value, prioritize)
}

// RunqLen returns the number of fibers currently runnable. The backend
// consults it on EINTR: a signal with runnable fibers means return to
// the scheduler, an empty queue means restart the wait.
func (s *Scheduler) RunqLen() int {
	return s.runq.Len()
}

// Unschedule removes fiber from the run queue if present, used by
// cancellation to retract a fiber that was scheduled but not yet resumed.
func (s *Scheduler) Unschedule(f *Fiber) bool {
	return s.runq.Delete(f)
}

// ScheduledValue returns the resume value fiber is queued with, if it
// is queued. Timeout frames use it to retract a sentinel that fired
// after the guarded block already finished, without losing an
// unrelated wake-up queued for the same fiber.
func (s *Scheduler) ScheduledValue(f *Fiber) (any, bool) {
	return s.runq.Peek(f)
}

// Cancel schedules target with an exception-carrying resume value: the
// next suspension point target reaches (or the one it is already parked
// at) re-raises reason instead of returning normally.
func (s *Scheduler) Cancel(target *Fiber, reason error) {
	s.Schedule(target, &rerrors.Cancelled{Reason: reason}, false)
}

// yieldToDispatcher hands control back to Run's loop. It must only be
// called by the goroutine currently holding the baton (the running
// fiber, or runBody on fiber exit).
func (s *Scheduler) yieldToDispatcher() {
	s.resumeReady <- struct{}{}
}

// Run drives the scheduler until there is nothing runnable and the
// backend has no pending operations left, i.e. the program has nothing
// left to do.
func (s *Scheduler) Run() {
	s.resumeReady = make(chan struct{})
	for {
		f, v, ok := s.runq.Pop()
		if !ok {
			if !s.backend.HasPendingOps() {
				return
			}
			s.backend.RunIdleTasks()
			s.backend.Poll(true)
			continue
		}
		s.transferTo(f, v)
	}
}

// transferTo hands the baton to f with resume value v, then blocks until
// f yields back (by suspending, snoozing, or dying).
func (s *Scheduler) transferTo(f *Fiber, v any) {
	s.current = f
	f.resumeCh <- v
	<-s.resumeReady
	s.current = nil
}
