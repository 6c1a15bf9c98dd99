/*
 * Copyright 2025 CloudWeGo Authors
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

//go:build linux

// Package rtimer is the timer layer of the runtime: a
// shared-granularity wheel that multiplexes many sleepers and
// deadlines onto one periodic fiber, and a per-op timeout built on a
// ring timeout entry. A timeout record exists exactly for the span of
// the scope that created it: every exit path removes it.
package rtimer

import (
	"time"

	"github.com/cloudwego/ringfiber/fiber"
	"github.com/cloudwego/ringfiber/rerrors"
	"github.com/cloudwego/ringfiber/ringio"
)

// DefaultResolution is the wheel tick period when none is configured.
const DefaultResolution = 10 * time.Millisecond

// timeoutFired identifies which timeout frame's deadline fired: the
// frame that armed it recognizes its own instance and translates it;
// any other frame propagates it unchanged, which is what makes nesting
// work.
type timeoutFired struct {
	template error
}

func (e *timeoutFired) Error() string { return "ringfiber: timeout elapsed" }

func (e *timeoutFired) Unwrap() error { return e.template }

// record is one waiting sleeper or deadline, keyed by its fiber.
type record struct {
	deadline  time.Time
	interval  time.Duration
	fire      any // value the fiber is scheduled with on expiry; nil for a plain wake
	recurring bool
}

// Wheel is the shared-granularity timer: a single fiber wakes every
// resolution and scans the records, scheduling whichever fibers are
// due. Deliberately a linear scan over a map, not a heap: the record
// count is the number of concurrently waiting fibers, and the scan
// runs at coarse granularity.
type Wheel struct {
	b          *ringio.Backend
	sched      *fiber.Scheduler
	resolution time.Duration

	records map[*fiber.Fiber]*record

	loop       *fiber.Fiber
	loopParked bool
}

// NewWheel creates a wheel ticking at the given resolution on the
// scheduler b is bound to. The tick fiber is spawned lazily with the
// first record and parks itself whenever no records remain.
func NewWheel(b *ringio.Backend, resolution time.Duration) *Wheel {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Wheel{
		b:          b,
		sched:      b.Scheduler(),
		resolution: resolution,
		records:    make(map[*fiber.Fiber]*record),
	}
}

// put installs f's record, returning the record it shadowed, if any:
// the map holds one record per fiber, so a nested deadline scope
// temporarily displaces the outer one. The outer deadline is only
// hidden, not lost; restore puts it back and a past-due deadline
// fires on the next tick.
func (w *Wheel) put(f *fiber.Fiber, r *record) (prev *record) {
	prev = w.records[f]
	w.records[f] = r
	if w.loop == nil {
		w.loop = w.sched.Spawn(w.run)
	} else if w.loopParked {
		w.sched.Schedule(w.loop, nil, false)
	}
	return prev
}

// restore undoes put on scope exit.
func (w *Wheel) restore(f *fiber.Fiber, prev *record) {
	if prev != nil {
		w.records[f] = prev
	} else {
		delete(w.records, f)
	}
}

// retract drops a fired-but-unconsumed expiry value still queued for
// f, so a later suspension point cannot observe a stale timeout. An
// unrelated queued wake-up is left alone.
func (w *Wheel) retract(f *fiber.Fiber, fire any) {
	if v, ok := w.sched.ScheduledValue(f); ok && v == fire {
		w.sched.Unschedule(f)
	}
}

// run is the wheel fiber: sleep one resolution, scan, repeat; park
// while there is nothing to watch.
func (w *Wheel) run(f *fiber.Fiber) {
	for {
		if len(w.records) == 0 {
			w.loopParked = true
			v := f.Suspend()
			w.loopParked = false
			if rerrors.IsException(v) {
				return
			}
			continue
		}
		if err := w.b.Sleep(w.resolution); err != nil {
			return
		}
		w.tick(time.Now())
	}
}

// tick schedules every fiber whose deadline is reached. Recurring
// records advance by whole intervals until strictly in the future, so
// missed ticks collapse into the next one instead of bursting.
func (w *Wheel) tick(now time.Time) {
	for f, r := range w.records {
		if r.deadline.After(now) {
			continue
		}
		if r.recurring {
			for !r.deadline.After(now) {
				r.deadline = r.deadline.Add(r.interval)
			}
		} else {
			delete(w.records, f)
		}
		w.sched.Schedule(f, r.fire, false)
	}
}

// Stop cancels the wheel fiber so a draining scheduler can exit. Must
// be called from a fiber; records still present are abandoned.
func (w *Wheel) Stop() {
	if w.loop != nil && w.loop.Alive() {
		w.sched.Cancel(w.loop, nil)
	}
	w.loop = nil
}

// Sleep parks the current fiber for at least d, at wheel granularity.
// Sleep(0) yields once and resumes. Inside a CancelAfter/MoveOnAfter
// scope the fiber's record belongs to that scope, so the sleep runs on
// a plain ring timeout instead.
func (w *Wheel) Sleep(d time.Duration) error {
	f := w.sched.Current()
	if d <= 0 {
		return w.b.Sleep(0)
	}
	if _, busy := w.records[f]; busy {
		return w.b.Sleep(d)
	}
	prev := w.put(f, &record{deadline: time.Now().Add(d), interval: d})
	defer w.restore(f, prev)
	v := f.Suspend()
	if rerrors.IsException(v) {
		return v.(error)
	}
	return nil
}

// After spawns a fiber that sleeps d and then runs block.
func (w *Wheel) After(d time.Duration, block func()) *fiber.Fiber {
	return w.sched.Spawn(func(f *fiber.Fiber) {
		if err := w.Sleep(d); err != nil {
			return
		}
		block()
	})
}

// Every runs block once per interval until block errors or the fiber
// is cancelled. Ticks are never lost or doubled; a slow block simply
// sees its missed ticks collapsed into the next deadline.
func (w *Wheel) Every(interval time.Duration, block func() error) error {
	f := w.sched.Current()
	prev := w.put(f, &record{
		deadline:  time.Now().Add(interval),
		interval:  interval,
		recurring: true,
	})
	defer w.restore(f, prev)
	for {
		v := f.Suspend()
		if rerrors.IsException(v) {
			return v.(error)
		}
		if err := block(); err != nil {
			return err
		}
	}
}

// Reset re-arms the current fiber's record to now + interval; inside a
// CancelAfter scope it postpones the deadline. On a fiber with no
// record it is a silent no-op.
func (w *Wheel) Reset() {
	r := w.records[w.sched.Current()]
	if r == nil {
		return
	}
	r.deadline = time.Now().Add(r.interval)
}

// CancelAfter runs block under a deadline: if block is still inside
// the scope when d elapses, its current suspension point raises and
// CancelAfter returns template (or a cancellation error when template
// is nil). The record is removed on every exit path.
func (w *Wheel) CancelAfter(d time.Duration, template error, block func() error) error {
	f := w.sched.Current()
	fire := &timeoutFired{template: template}
	prev := w.put(f, &record{deadline: time.Now().Add(d), interval: d, fire: fire})
	defer func() {
		w.restore(f, prev)
		w.retract(f, fire)
	}()
	err := block()
	if err == fire {
		if template != nil {
			return template
		}
		return &rerrors.Cancelled{Reason: rerrors.ErrTimeout}
	}
	return err
}

// MoveOnAfter runs block under a deadline that replaces the result
// instead of raising: when d elapses first, MoveOnAfter returns
// (value, nil). Errors other than this frame's own deadline propagate
// unchanged.
func (w *Wheel) MoveOnAfter(d time.Duration, value any, block func() (any, error)) (any, error) {
	f := w.sched.Current()
	fire := &timeoutFired{template: &rerrors.MoveOn{Value: value}}
	prev := w.put(f, &record{deadline: time.Now().Add(d), interval: d, fire: fire})
	defer func() {
		w.restore(f, prev)
		w.retract(f, fire)
	}()
	v, err := block()
	if err == fire {
		return value, nil
	}
	return v, err
}

// Timeout is the per-op timeout: it arms a ring timeout entry whose
// firing interrupts whatever suspension point block is in. If block
// finishes first, the ensure path cancels the entry. A fired deadline
// translates to template when one was given, to (moveOn, nil)
// otherwise. Nested timeouts compose: the innermost frame that expires
// decides, outer pending timers stay pending until their own ensure
// paths cancel them.
func (w *Wheel) Timeout(d time.Duration, template error, moveOn any, block func() (any, error)) (any, error) {
	fire := &timeoutFired{template: template}
	ctx := w.b.ArmTimeout(d, fire)
	defer w.b.DisarmTimeout(ctx)
	v, err := block()
	if err == fire {
		if template != nil {
			return nil, template
		}
		return moveOn, nil
	}
	return v, err
}

// TimerLoop runs block once per interval on a plain ring timeout,
// without going through the wheel; useful when the caller wants
// kernel-timer accuracy rather than wheel granularity.
func (w *Wheel) TimerLoop(interval time.Duration, block func() error) error {
	for {
		if err := w.b.Sleep(interval); err != nil {
			return err
		}
		if err := block(); err != nil {
			return err
		}
	}
}
