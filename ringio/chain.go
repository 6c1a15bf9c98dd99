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

	"github.com/cloudwego/ringfiber/fiber"
	"github.com/cloudwego/ringfiber/internal/iouring"
	"github.com/cloudwego/ringfiber/iohandle"
	"github.com/cloudwego/ringfiber/opctx"
	"github.com/cloudwego/ringfiber/rerrors"
)

// ChainKind selects the operation of one chain entry. Only write, send
// and splice may be chained.
type ChainKind uint8

const (
	ChainWrite ChainKind = iota + 1
	ChainSend
	ChainSplice
)

// ChainOp describes one entry of a Chain call.
type ChainOp struct {
	Kind ChainKind

	// write/send
	IO    iohandle.IO
	Buf   []byte
	Flags uint32 // send MSG_* flags

	// splice
	Src, Dst iohandle.IO
	MaxLen   int
}

// chainState accumulates the outcome of a chain's completions; it
// lives in the context's resume slot until the final completion wakes
// the owner.
type chainState struct {
	total int32
	errno syscall.Errno
}

// Chain submits the given write/send/splice entries linked with
// IOSQE_IO_LINK so they execute in order as one atomic group: a
// failing entry cancels the rest. Argument validation happens before
// anything is submitted; a malformed entry raises ErrArgument and the
// ring is untouched. Returns the total bytes transferred by all
// entries.
func (b *Backend) Chain(ops ...ChainOp) (int, error) {
	if len(ops) == 0 || len(ops) > b.preparedLimit {
		return 0, rerrors.ErrArgument
	}

	// Validate and resolve everything first: nothing is submitted if
	// any entry is malformed.
	preps := make([]func(*iouring.SQE), 0, len(ops))
	bufs := make([]any, 0, len(ops))
	for i := range ops {
		op := ops[i]
		switch op.Kind {
		case ChainWrite:
			if op.IO == nil || op.Buf == nil {
				return 0, rerrors.ErrArgument
			}
			fd, err := iohandle.Resolve(op.IO)
			if err != nil {
				return 0, err
			}
			p := op.Buf
			bufs = append(bufs, p)
			preps = append(preps, func(sqe *iouring.SQE) {
				sqe.PrepWrite(int32(fd), p, posCurrent)
			})
		case ChainSend:
			if op.IO == nil || op.Buf == nil {
				return 0, rerrors.ErrArgument
			}
			fd, err := iohandle.Resolve(op.IO)
			if err != nil {
				return 0, err
			}
			p, flags := op.Buf, op.Flags
			bufs = append(bufs, p)
			preps = append(preps, func(sqe *iouring.SQE) {
				sqe.PrepSend(int32(fd), p, flags)
			})
		case ChainSplice:
			if op.Src == nil || op.Dst == nil || op.MaxLen <= 0 {
				return 0, rerrors.ErrArgument
			}
			sfd, err := iohandle.Resolve(op.Src)
			if err != nil {
				return 0, err
			}
			dfd, err := iohandle.Resolve(op.Dst)
			if err != nil {
				return 0, err
			}
			n := op.MaxLen
			preps = append(preps, func(sqe *iouring.SQE) {
				sqe.PrepSplice(int32(sfd), int32(dfd), uint32(n), 0)
			})
		default:
			return 0, rerrors.ErrArgument
		}
	}

	// A link chain must live inside one submission batch; make room for
	// the whole group up front.
	if int(b.ring.SQEntries())-int(b.ring.PendingSQEs()) < len(preps) {
		b.flush()
	}

	ctx := b.store.Acquire(opctx.KindChain, b.sched.Current())
	ctx.Resume = &chainState{}
	for i := 1; i < len(preps); i++ {
		ctx.Retain() // one submission share per linked entry
	}

	for i, prep := range preps {
		sqe := b.ring.PeekSQE(true)
		if sqe == nil {
			// The prefix is already linked and advanced; per the
			// cancellation discipline it must not run as a shorter
			// chain. Cancel it explicitly and drop the unsubmitted
			// shares.
			b.pendingOps += i
			b.pendingSQEs += i
			for j := i; j < len(preps); j++ {
				b.store.Release(ctx)
			}
			b.cancel(ctx)
			if _, err := b.await("chain", ctx, bufs...); err != nil {
				return 0, err
			}
			return 0, &rerrors.Cancelled{}
		}
		prep(sqe)
		sqe.UserData = ctxUserData(ctx)
		if i < len(preps)-1 {
			sqe.Flags |= iouring.IOSQE_IO_LINK
		}
		b.ring.AdvanceSQ()
	}
	b.pendingOps += len(preps)
	b.pendingSQEs += len(preps)
	b.flush()

	res, err := b.await("chain", ctx, bufs...)
	return int(res), err
}

// dispatchChain folds one completion into the chain's state; the final
// one wakes the owner with either the accumulated byte count or the
// first error encoded as a negative result.
func (b *Backend) dispatchChain(ctx *opctx.Context, res int32) int {
	state, _ := ctx.Resume.(*chainState)
	done := b.store.Release(ctx)
	if state != nil {
		if res < 0 {
			errno := syscall.Errno(-res)
			// The first real failure wins; the -ECANCELED of the
			// aborted tail is only kept when nothing better arrived.
			if state.errno == 0 || (state.errno == syscall.ECANCELED && errno != syscall.ECANCELED) {
				state.errno = errno
			}
		} else {
			state.total += res
		}
	}
	if done {
		return 0 // owner interrupted; last share just freed the context
	}
	if ctx.RefCount() != 1 {
		return 0 // more linked completions to come
	}
	owner, ok := ctx.Owner.(*fiber.Fiber)
	if !ok || owner == nil {
		return 0
	}
	v := state.total
	if state.errno != 0 {
		v = -int32(state.errno)
	}
	b.sched.Schedule(owner, v, false)
	return 1
}
