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

// Package ringio is the io_uring-driven backend of the fiber runtime.
// It owns the submission/completion ring, builds operations, defers
// submissions until the prepared limit, reaps completions, converts
// each completion into a fiber wake-up, and handles cancellation of
// in-flight operations.
//
// Every exported operation must be called from a fiber running on the
// scheduler the backend is bound to; the single exception is Wakeup and
// SignalEvent, which exist precisely to poke the backend from outside.
package ringio

import (
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/cloudwego/ringfiber/fiber"
	"github.com/cloudwego/ringfiber/internal/iouring"
	"github.com/cloudwego/ringfiber/opctx"
	"github.com/cloudwego/ringfiber/rerrors"
)

// Options configures a Backend.
type Options struct {
	// Depth is the requested ring depth; it also sets the prepared
	// limit at which deferred submissions are flushed. Defaults to
	// iouring.DefaultDepth, and halves on ENOMEM down to
	// iouring.MinDepth.
	Depth uint32

	// IdleGCPeriod, when non-zero, triggers a garbage collection from
	// the idle hook at most once per period while the scheduler has
	// nothing runnable.
	IdleGCPeriod time.Duration

	// ContextPoolSize is the initial op-context pool capacity.
	ContextPoolSize int
}

// Backend owns one ring and serves one scheduler.
type Backend struct {
	ring  *iouring.Ring
	store *opctx.Store
	sched *fiber.Scheduler

	pendingSQEs   int // prepared but not yet submitted entries
	preparedLimit int // flush threshold, the ring depth
	pendingOps    int // submissions the kernel has not completed yet

	parked int32 // atomic: scheduler is blocked in the ring wait
	wakeMu sync.Mutex

	idleGCPeriod time.Duration
	lastGC       time.Time
	idleFunc     func()

	// multishot accept state
	fifos map[int]*acceptFIFO            // by listening fd
	mshot map[*opctx.Context]*acceptFIFO // by owning context

	event *eventContext
}

// New creates a backend with its own probed ring.
func New(opts *Options) (*Backend, error) {
	if opts == nil {
		opts = &Options{}
	}
	ring, err := iouring.NewProbed(opts.Depth)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		ring:          ring,
		store:         opctx.NewStore(opts.ContextPoolSize),
		preparedLimit: int(ring.SQEntries()),
		idleGCPeriod:  opts.IdleGCPeriod,
		lastGC:        time.Now(),
		fifos:         make(map[int]*acceptFIFO),
		mshot:         make(map[*opctx.Context]*acceptFIFO),
	}
	return b, nil
}

// Bind attaches the backend to the scheduler that will drive it. Must
// be called once before any operation.
func (b *Backend) Bind(s *fiber.Scheduler) {
	b.sched = s
}

// Scheduler returns the scheduler the backend is bound to.
func (b *Backend) Scheduler() *fiber.Scheduler { return b.sched }

// Store exposes the op context store, mainly for leak assertions.
func (b *Backend) Store() *opctx.Store { return b.store }

// Close tears the ring down. Callers must only close after the
// scheduler has drained; in-flight kernel ops referencing ring memory
// make an early Close unsafe.
func (b *Backend) Close() error {
	if b.event != nil {
		b.event.close()
		b.event = nil
	}
	return b.ring.Close()
}

// SetIdleFunc registers a user idle callback invoked before each
// blocking wait. It must not block.
func (b *Backend) SetIdleFunc(f func()) {
	b.idleFunc = f
}

// ctxUserData encodes an op context pointer as SQE user data. Contexts
// live in the store's generation slices, which stay reachable for the
// life of the backend, so the round-trip through uintptr cannot outlive
// its pointee.
func ctxUserData(ctx *opctx.Context) uint64 {
	return uint64(uintptr(unsafe.Pointer(ctx)))
}

//go:nocheckptr
func ctxFromUserData(ud uint64) *opctx.Context {
	return (*opctx.Context)(unsafe.Pointer(uintptr(ud)))
}

// getSQE obtains a free submission entry, applying the retry
// discipline: on a full queue, submit to free space; if the queue is
// somehow still full, snooze and retry.
func (b *Backend) getSQE() *iouring.SQE {
	for {
		if sqe := b.ring.PeekSQE(true); sqe != nil {
			return sqe
		}
		b.flush()
		if sqe := b.ring.PeekSQE(true); sqe != nil {
			return sqe
		}
		b.sched.Current().Snooze()
	}
}

// queued accounts for one prepared entry. Deferred entries ride along
// with the next flush (at the prepared limit, or the pre-wait submit in
// Poll); immediate ones go out now.
func (b *Backend) queued(deferSubmit bool) {
	b.pendingOps++
	b.pendingSQEs++
	if !deferSubmit || b.pendingSQEs >= b.preparedLimit {
		b.flush()
	}
}

func (b *Backend) flush() {
	if _, errno := b.ring.Submit(); errno != 0 && errno != syscall.EBUSY {
		panic(&rerrors.KernelError{Op: "io_uring_enter", Errno: errno})
	}
	b.pendingSQEs = 0
}

// submit acquires a context owned by the current fiber, fills one entry
// via prep, and queues it. Buffers are not pinned here: while the fiber
// is parked on the op, its own frame keeps them live. They are handed
// to the context only on interruption, in awaitRaw.
func (b *Backend) submit(kind opctx.Kind, deferSubmit bool, prep func(*iouring.SQE)) *opctx.Context {
	ctx := b.store.Acquire(kind, b.sched.Current())
	sqe := b.getSQE()
	prep(sqe)
	sqe.UserData = ctxUserData(ctx)
	b.ring.AdvanceSQ()
	b.queued(deferSubmit)
	return ctx
}

// awaitRaw parks the owning fiber until ctx completes or the fiber is
// interrupted. On normal completion it returns the kernel result and
// releases the fiber's share. On interruption it runs the cancellation
// protocol (detach the owner, keep the buffers pinned, submit an
// async-cancel with no owner) and returns the interrupting error.
func (b *Backend) awaitRaw(ctx *opctx.Context, bufs ...any) (int32, error) {
	f := b.sched.Current()
	for {
		v := f.Suspend()
		if rerrors.IsException(v) {
			b.interrupt(ctx, bufs...)
			return 0, v.(error)
		}
		res, ok := v.(int32)
		if !ok {
			// A wake-up meant for an outer frame (a recurring timer
			// tick, say) landed while we were parked on the op; the op
			// itself has not completed, so park again.
			continue
		}
		b.store.Release(ctx)
		return res, nil
	}
}

// interrupt implements the cancellation protocol for an op whose fiber
// was resumed with an exception while the op was still in flight.
func (b *Backend) interrupt(ctx *opctx.Context, bufs ...any) {
	if len(bufs) > 0 {
		ctx.AttachBuffers(bufs...)
	}
	ctx.Owner = nil
	if b.store.Release(ctx) {
		// The completion had already been reaped and the submission
		// share dropped; nothing is in flight, nothing to cancel.
		return
	}
	b.cancel(ctx)
}

// cancel submits a fire-and-forget async-cancel entry targeting ctx.
func (b *Backend) cancel(ctx *opctx.Context) {
	cc := b.store.AcquireDetached(opctx.KindAsyncCancel)
	sqe := b.getSQE()
	sqe.PrepAsyncCancel(ctxUserData(ctx))
	sqe.UserData = ctxUserData(cc)
	b.ring.AdvanceSQ()
	b.queued(false)
}

// await is awaitRaw plus errno translation: negative results become
// KernelError, except -ECANCELED which is the in-flight cancellation
// signal and surfaces as Cancelled.
func (b *Backend) await(op string, ctx *opctx.Context, bufs ...any) (int32, error) {
	res, err := b.awaitRaw(ctx, bufs...)
	if err != nil {
		return 0, err
	}
	if res < 0 {
		if syscall.Errno(-res) == syscall.ECANCELED {
			return 0, &rerrors.Cancelled{}
		}
		return 0, rerrors.NewKernelError(op, res)
	}
	return res, nil
}

// HasPendingOps reports whether any submission is still in flight (or
// prepared and unflushed). The scheduler exits its loop when nothing is
// runnable and this is false.
func (b *Backend) HasPendingOps() bool {
	return b.pendingOps > 0
}

// RunIdleTasks runs the idle hooks: a periodic GC when configured, and
// the user idle callback. Called by the scheduler before each blocking
// wait; hooks must never block.
func (b *Backend) RunIdleTasks() {
	if b.idleGCPeriod > 0 && time.Since(b.lastGC) >= b.idleGCPeriod {
		b.lastGC = time.Now()
		runtime.GC()
	}
	if b.idleFunc != nil {
		b.idleFunc()
	}
}

// Poll is the scheduler's completion pump. Non-blocking, it drains
// whatever is ready. Blocking, it submits anything deferred and parks
// the OS thread in the ring wait until at least one fiber becomes
// runnable. EINTR with a non-empty run queue returns immediately; with
// an empty one the wait restarts.
func (b *Backend) Poll(blocking bool) {
	for {
		woken := b.processCompletions()
		if woken > 0 || !blocking {
			return
		}
		if !b.HasPendingOps() {
			return
		}
		atomic.StoreInt32(&b.parked, 1)
		_, errno := b.ring.SubmitAndWait(1)
		atomic.StoreInt32(&b.parked, 0)
		b.pendingSQEs = 0
		if errno == syscall.EINTR {
			if b.sched.RunqLen() > 0 {
				return
			}
			continue
		}
		if errno != 0 && errno != syscall.EBUSY && errno != syscall.EAGAIN {
			panic(&rerrors.KernelError{Op: "io_uring_enter", Errno: errno})
		}
	}
}

// processCompletions drains all ready completions in kernel delivery
// order, returning how many fibers became runnable.
func (b *Backend) processCompletions() int {
	woken := 0
	for {
		cqe := b.ring.PeekCQE()
		if cqe == nil {
			return woken
		}
		ud, res, more := cqe.UserData, cqe.Res, cqe.More()
		b.ring.AdvanceCQ()
		if ud == 0 {
			continue // wakeup no-op
		}
		woken += b.dispatch(ctxFromUserData(ud), res, more)
	}
}

// dispatch maps one completion back to its context and converts it into
// at most one fiber wake-up.
func (b *Backend) dispatch(ctx *opctx.Context, res int32, more bool) int {
	if ctx.RefCount() == opctx.Multishot {
		return b.dispatchMultishot(ctx, res, more)
	}

	b.pendingOps--

	if ctx.Kind == opctx.KindChain {
		return b.dispatchChain(ctx, res)
	}

	if b.store.Release(ctx) {
		// Last share: the owner was torn down mid-flight (or the entry
		// was fire-and-forget). The release has just unpinned the
		// attached buffers.
		return 0
	}

	owner, ok := ctx.Owner.(*fiber.Fiber)
	if !ok || owner == nil || !owner.Alive() {
		// Owner detached between release and now; drop the remaining
		// share so the context cannot leak.
		b.store.Release(ctx)
		return 0
	}

	ctx.Result = res
	var v any = res
	if ctx.Resume != nil {
		v = ctx.Resume // preloaded resume value (timeout sentinel)
	}
	b.sched.Schedule(owner, v, false)
	return 1
}

// Interrupted reports whether err means the fiber was resumed with an
// exception while its op was still in flight, rather than the op
// completing with an error of its own. It decides by error type
// alone: every error that is neither a KernelError nor io.EOF counts,
// including a Cancelled produced by an op that completed with
// -ECANCELED. Buffers involved in an
// interrupted op now belong to the op context: the caller must neither
// reuse nor release them; the context does, when the kernel's
// cancellation completion arrives.
func Interrupted(err error) bool {
	if err == nil {
		return false
	}
	var ke *rerrors.KernelError
	return !errors.As(err, &ke) && !errors.Is(err, io.EOF)
}

// Wakeup forces a parked ring wait to return by posting a no-op
// submission. It is the one entry point safe to call from outside the
// scheduler thread, and only has effect while the scheduler is parked.
func (b *Backend) Wakeup() {
	if atomic.LoadInt32(&b.parked) == 0 {
		return
	}
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	sqe := b.ring.PeekSQE(true)
	if sqe == nil {
		return // ring full: the wait will return on its own
	}
	sqe.PrepNop()
	sqe.UserData = 0
	b.ring.AdvanceSQ()
	b.ring.Submit()
}
