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
	"encoding/binary"
	"net"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/ringfiber/internal/iouring"
	"github.com/cloudwego/ringfiber/iohandle"
	"github.com/cloudwego/ringfiber/opctx"
	"github.com/cloudwego/ringfiber/rerrors"
)

// Connect connects the socket handle sock to host:port. host must be a
// literal IP address or a resolvable name; name resolution happens
// synchronously before the asynchronous connect is submitted.
func (b *Backend) Connect(sock iohandle.IO, host string, port int) error {
	fd, err := iohandle.Resolve(sock)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return rerrors.ErrArgument
		}
		ip = addrs[0]
	}

	var sa unsafe.Pointer
	var saLen uint32
	var sa4 unix.RawSockaddrInet4
	var sa6 unix.RawSockaddrInet6
	if ip4 := ip.To4(); ip4 != nil {
		sa4.Family = unix.AF_INET
		binary.BigEndian.PutUint16((*[2]byte)(unsafe.Pointer(&sa4.Port))[:], uint16(port))
		copy(sa4.Addr[:], ip4)
		sa = unsafe.Pointer(&sa4)
		saLen = uint32(unsafe.Sizeof(sa4))
	} else {
		sa6.Family = unix.AF_INET6
		binary.BigEndian.PutUint16((*[2]byte)(unsafe.Pointer(&sa6.Port))[:], uint16(port))
		copy(sa6.Addr[:], ip.To16())
		sa = unsafe.Pointer(&sa6)
		saLen = uint32(unsafe.Sizeof(sa6))
	}

	ctx := b.submit(opctx.KindConnect, false, func(sqe *iouring.SQE) {
		sqe.PrepConnect(int32(fd), sa, saLen)
	})
	_, err = b.await("connect", ctx, &sa4, &sa6)
	return err
}

// WaitIO parks the fiber until h is readable (write=false) or writable
// (write=true), via a one-shot poll entry.
func (b *Backend) WaitIO(h iohandle.IO, write bool) error {
	fd, err := iohandle.Resolve(h)
	if err != nil {
		return err
	}
	events := uint32(iouring.POLLIN)
	if write {
		events = iouring.POLLOUT
	}
	ctx := b.submit(opctx.KindPoll, true, func(sqe *iouring.SQE) {
		sqe.PrepPollAdd(int32(fd), events|iouring.POLLERR|iouring.POLLHUP)
	})
	_, err = b.await("poll", ctx)
	return err
}

// eventContext is the backend's park-with-no-I/O channel: an eventfd
// that WaitEvent reads through the ring and SignalEvent writes from
// any thread.
type eventContext struct {
	efd int
}

func (e *eventContext) close() {
	if e.efd >= 0 {
		syscall.Close(e.efd)
		e.efd = -1
	}
}

func (b *Backend) eventfd() (int, error) {
	if b.event == nil {
		efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
		if err != nil {
			return -1, err
		}
		b.event = &eventContext{efd: efd}
	}
	return b.event.efd, nil
}

// WaitEvent parks the fiber until SignalEvent is called. With raise
// false a cancellation while waiting is swallowed and reported as a
// plain return instead of an error.
func (b *Backend) WaitEvent(raise bool) error {
	efd, err := b.eventfd()
	if err != nil {
		return err
	}
	var counter [8]byte
	ctx := b.submit(opctx.KindRead, true, func(sqe *iouring.SQE) {
		sqe.PrepRead(int32(efd), counter[:], 0)
	})
	_, err = b.await("wait_event", ctx, &counter)
	if err != nil && !raise {
		if _, ok := err.(*rerrors.Cancelled); ok {
			return nil
		}
	}
	return err
}

// SignalEvent wakes a fiber parked in WaitEvent. It is safe to call
// from outside the scheduler thread.
func (b *Backend) SignalEvent() error {
	if b.event == nil {
		return nil
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(b.event.efd, one[:]); err != nil {
		return err
	}
	b.Wakeup()
	return nil
}

// Waitpid parks the fiber until the child process terminates, then
// reaps it and returns its wait status. Built on pidfd_open (Linux
// 5.3+) plus a ring poll entry; richer process supervision is a caller
// concern.
func (b *Backend) Waitpid(pid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return ws, err
	}
	defer syscall.Close(pidfd)

	if err := b.WaitIO(iohandle.Raw(pidfd), false); err != nil {
		return ws, err
	}
	if _, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil); err != nil {
		return ws, err
	}
	return ws, nil
}

func durToTimeSpec(d time.Duration) iouring.TimeSpec {
	if d < 0 {
		d = 0
	}
	return iouring.TimeSpec{
		TvSec:  int64(d / time.Second),
		TvNsec: int64(d % time.Second),
	}
}

// Sleep parks the fiber on a ring timeout entry for d. Sleep(0) yields
// once and resumes. The timer layer builds the shared-granularity
// operations on top of this primitive.
func (b *Backend) Sleep(d time.Duration) error {
	if d <= 0 {
		v := b.sched.Current().Snooze()
		if rerrors.IsException(v) {
			return v.(error)
		}
		return nil
	}
	ts := durToTimeSpec(d)
	ctx := b.submit(opctx.KindTimeout, true, func(sqe *iouring.SQE) {
		sqe.PrepTimeout(&ts)
	})
	res, err := b.awaitRaw(ctx, &ts)
	if err != nil {
		return err
	}
	// -ETIME is the timer firing, its success case.
	if res < 0 && syscall.Errno(-res) != syscall.ETIME {
		if syscall.Errno(-res) == syscall.ECANCELED {
			return &rerrors.Cancelled{}
		}
		return rerrors.NewKernelError("timeout", res)
	}
	return nil
}

// ArmTimeout submits a ring timeout entry owned by the current fiber
// whose firing resumes the fiber with sentinel instead of the kernel
// result. The fiber is not parked on it; it keeps running the guarded
// block and observes the sentinel at whatever suspension point it is
// in when the timer fires. Pair with DisarmTimeout on every exit path.
func (b *Backend) ArmTimeout(d time.Duration, sentinel error) *opctx.Context {
	ts := new(iouring.TimeSpec)
	*ts = durToTimeSpec(d)
	ctx := b.submit(opctx.KindTimeout, true, func(sqe *iouring.SQE) {
		sqe.PrepTimeout(ts)
	})
	ctx.Resume = sentinel
	ctx.AttachBuffers(ts) // nothing else keeps ts live while in flight
	return ctx
}

// DisarmTimeout is the ensure path of a timeout frame: it drops the
// fiber's share of the context and cancels the kernel entry if it has
// not fired yet. If the sentinel already fired and is still queued for
// the fiber, it is retracted so a later suspension point cannot
// observe a stale timeout.
func (b *Backend) DisarmTimeout(ctx *opctx.Context) {
	f := b.sched.Current()
	sentinel := ctx.Resume
	ctx.Owner = nil
	if !b.store.Release(ctx) {
		b.cancel(ctx)
	}
	if v, ok := b.sched.ScheduledValue(f); ok && v == sentinel {
		b.sched.Unschedule(f)
	}
}
