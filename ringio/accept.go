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

package ringio

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/ringfiber/fiber"
	"github.com/cloudwego/ringfiber/internal/iouring"
	"github.com/cloudwego/ringfiber/iohandle"
	"github.com/cloudwego/ringfiber/opctx"
	"github.com/cloudwego/ringfiber/rerrors"
)

// fdRing is a GC friendly FIFO of raw descriptors: one backing array,
// grown by doubling, no per-entry allocation. It buffers accepted
// sockets between a multishot accept completion and the fiber that
// pops them.
type fdRing struct {
	items []int32
	head  int
	n     int
}

func (r *fdRing) push(fd int32) {
	if r.n == len(r.items) {
		size := len(r.items) * 2
		if size == 0 {
			size = 16
		}
		items := make([]int32, size)
		for i := 0; i < r.n; i++ {
			items[i] = r.items[(r.head+i)%len(r.items)]
		}
		r.items = items
		r.head = 0
	}
	r.items[(r.head+r.n)%len(r.items)] = fd
	r.n++
}

func (r *fdRing) pop() (int32, bool) {
	if r.n == 0 {
		return 0, false
	}
	fd := r.items[r.head]
	r.head = (r.head + 1) % len(r.items)
	r.n--
	return fd, true
}

func (r *fdRing) len() int { return r.n }

// drain pops every queued descriptor into f.
func (r *fdRing) drain(f func(fd int32)) {
	for {
		fd, ok := r.pop()
		if !ok {
			return
		}
		f(fd)
	}
}

// acceptFIFO is the per-socket state of one active multishot accept.
type acceptFIFO struct {
	fd     int // listening socket
	ctx    *opctx.Context
	q      fdRing
	err    error // terminal error once the kernel stops the multishot
	done   bool
	waiter *fiber.Fiber // at most one fiber parked waiting for a pop
}

// dispatchMultishot handles one completion of a multishot accept
// context: push the accepted descriptor (or record the terminal error)
// and wake the popper if one is parked. The context survives as long
// as the kernel sets MORE.
func (b *Backend) dispatchMultishot(ctx *opctx.Context, res int32, more bool) int {
	fifo := b.mshot[ctx]
	if fifo == nil {
		// Torn down while completions were still in the ring: close
		// stray descriptors rather than leak them.
		if res >= 0 {
			syscall.Close(int(res))
		}
		if !more {
			b.pendingOps--
			b.store.ReleaseMultishot(ctx)
		}
		return 0
	}

	if res >= 0 {
		fifo.q.push(res)
	} else if fifo.err == nil {
		errno := syscall.Errno(-res)
		if errno == syscall.ECANCELED {
			fifo.err = &rerrors.Cancelled{}
		} else {
			fifo.err = rerrors.NewKernelError("accept", res)
		}
	}

	if !more {
		fifo.done = true
		delete(b.mshot, ctx)
		delete(b.fifos, fifo.fd)
		b.pendingOps--
		b.store.ReleaseMultishot(ctx)
	}

	if fifo.waiter != nil {
		w := fifo.waiter
		fifo.waiter = nil
		b.sched.Schedule(w, nil, false)
		return 1
	}
	return 0
}

// popAccepted blocks the current fiber until the FIFO has a descriptor
// or the multishot terminated.
func (b *Backend) popAccepted(fifo *acceptFIFO) (iohandle.Raw, error) {
	f := b.sched.Current()
	for fifo.q.len() == 0 && !fifo.done {
		if fifo.waiter != nil {
			return 0, rerrors.ErrArgument // one popper per listening socket
		}
		fifo.waiter = f
		v := f.Suspend()
		if rerrors.IsException(v) {
			if fifo.waiter == f {
				fifo.waiter = nil
			}
			return 0, v.(error)
		}
	}
	if fd, ok := fifo.q.pop(); ok {
		return iohandle.Raw(fd), nil
	}
	if fifo.err != nil {
		return 0, fifo.err
	}
	return 0, &rerrors.Cancelled{}
}

// Accept accepts one connection on the listening handle server and
// returns the freshly accepted socket as a handle. While a multishot
// accept is active on the socket, Accept pops from its FIFO instead of
// submitting.
func (b *Backend) Accept(server iohandle.IO) (iohandle.Raw, error) {
	fd, err := iohandle.Resolve(server)
	if err != nil {
		return 0, err
	}
	if fifo := b.fifos[fd]; fifo != nil {
		return b.popAccepted(fifo)
	}

	ctx := b.submit(opctx.KindAccept, false, func(sqe *iouring.SQE) {
		sqe.PrepAccept(int32(fd), nil, nil, unix.SOCK_CLOEXEC)
	})
	res, err := b.await("accept", ctx)
	if err != nil {
		return 0, err
	}
	return iohandle.Raw(res), nil
}

// AcceptLoop accepts connections on server and invokes block per
// accepted socket until an error (including cancellation) stops it.
// Closing the accepted socket is block's responsibility.
func (b *Backend) AcceptLoop(server iohandle.IO, block func(sock iohandle.Raw) error) error {
	for {
		sock, err := b.Accept(server)
		if err != nil {
			return err
		}
		if err := block(sock); err != nil {
			return err
		}
	}
}

// MultishotAccept arms one multishot accept entry on server and invokes
// block per accepted socket: one submission, many completions. On
// teardown (block error, cancellation, or kernel termination) queued
// descriptors that block never saw are closed, not leaked.
//
// Kernels before 5.19 fail the submission with EINVAL; callers may
// fall back to AcceptLoop.
func (b *Backend) MultishotAccept(server iohandle.IO, block func(sock iohandle.Raw) error) error {
	fd, err := iohandle.Resolve(server)
	if err != nil {
		return err
	}
	if b.fifos[fd] != nil {
		return rerrors.ErrArgument
	}

	ctx := b.store.AcquireMultishot(opctx.KindMultishotAccept, b.sched.Current())
	fifo := &acceptFIFO{fd: fd, ctx: ctx}
	b.fifos[fd] = fifo
	b.mshot[ctx] = fifo

	sqe := b.getSQE()
	sqe.PrepMultishotAccept(int32(fd), unix.SOCK_CLOEXEC)
	sqe.UserData = ctxUserData(ctx)
	b.ring.AdvanceSQ()
	b.queued(false)

	defer b.teardownFIFO(fifo)

	for {
		sock, err := b.popAccepted(fifo)
		if err != nil {
			return err
		}
		if err := block(sock); err != nil {
			return err
		}
	}
}

// teardownFIFO detaches the FIFO, cancels the multishot entry if the
// kernel still holds it, and closes every descriptor nothing accepted,
// via fire-and-forget close entries.
func (b *Backend) teardownFIFO(fifo *acceptFIFO) {
	delete(b.fifos, fifo.fd)
	if !fifo.done {
		// Stray completions now find no FIFO and close their fds.
		delete(b.mshot, fifo.ctx)
		b.cancel(fifo.ctx)
	}
	fifo.q.drain(func(fd int32) {
		cc := b.store.AcquireDetached(opctx.KindClose)
		sqe := b.getSQE()
		sqe.PrepClose(fd)
		sqe.UserData = ctxUserData(cc)
		b.ring.AdvanceSQ()
		b.queued(true)
	})
}
