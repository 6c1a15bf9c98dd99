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

	"github.com/cloudwego/ringfiber/internal/iouring"
	"github.com/cloudwego/ringfiber/iohandle"
	"github.com/cloudwego/ringfiber/opctx"
	"github.com/cloudwego/ringfiber/rerrors"
)

// spliceChunk bounds a single splice step when looping to EOF.
const spliceChunk = 1 << 17

// sequence reuses one op context across the consecutive steps of a
// multi-step primitive (splice loops, splice_chunks): each completion
// returns the submission share the next step re-takes, so a long
// transfer costs one context, not one per step.
type sequence struct {
	b         *Backend
	ctx       *opctx.Context
	submitted bool
	live      bool // fiber share still held by this frame
}

func (b *Backend) newSequence(kind opctx.Kind) *sequence {
	return &sequence{b: b, ctx: b.store.Acquire(kind, b.sched.Current()), live: true}
}

// step submits one entry on the shared context and parks until it
// completes. On interruption the context (with bufs pinned) is handed
// to the cancellation protocol and the sequence goes dead.
func (s *sequence) step(op string, prep func(*iouring.SQE), bufs ...any) (int32, error) {
	if s.submitted {
		s.ctx.Retain() // restore the submission share the last completion dropped
	}
	s.submitted = true
	sqe := s.b.getSQE()
	prep(sqe)
	sqe.UserData = ctxUserData(s.ctx)
	s.b.ring.AdvanceSQ()
	s.b.queued(true)

	f := s.b.sched.Current()
	var res int32
	for {
		v := f.Suspend()
		if rerrors.IsException(v) {
			s.b.interrupt(s.ctx, bufs...)
			s.live = false
			return 0, v.(error)
		}
		if r, ok := v.(int32); ok {
			res = r
			break
		}
		// spurious wake for an outer frame; the step is still in flight
	}
	if res < 0 {
		if syscall.Errno(-res) == syscall.ECANCELED {
			return 0, &rerrors.Cancelled{}
		}
		return 0, rerrors.NewKernelError(op, res)
	}
	return res, nil
}

// finish releases the frame's share of the context; called on every
// exit path.
func (s *sequence) finish() {
	if !s.live {
		return
	}
	s.live = false
	if !s.submitted {
		s.b.store.Release(s.ctx) // unused submission share
	}
	s.b.store.Release(s.ctx)
}

// Splice moves up to maxlen bytes from src to dst without copying
// through user space; one end must be a pipe. A negative maxlen
// splices until EOF, looping in spliceChunk steps. Returns the bytes
// moved.
func (b *Backend) Splice(src, dst iohandle.IO, maxlen int) (int, error) {
	sfd, err := iohandle.Resolve(src)
	if err != nil {
		return 0, err
	}
	dfd, err := iohandle.Resolve(dst)
	if err != nil {
		return 0, err
	}
	toEOF := maxlen < 0

	seq := b.newSequence(opctx.KindSplice)
	defer seq.finish()

	total := 0
	for {
		n := spliceChunk
		if !toEOF {
			n = maxlen - total
		}
		res, err := seq.step("splice", func(sqe *iouring.SQE) {
			sqe.PrepSplice(int32(sfd), int32(dfd), uint32(n), 0)
		})
		if err != nil {
			return total, err
		}
		if res == 0 {
			break
		}
		total += int(res)
		if !toEOF {
			break
		}
	}
	return total, nil
}

// Tee duplicates up to maxlen bytes from the pipe src into the pipe
// dst without consuming them.
func (b *Backend) Tee(src, dst iohandle.IO, maxlen int) (int, error) {
	sfd, err := iohandle.Resolve(src)
	if err != nil {
		return 0, err
	}
	dfd, err := iohandle.Resolve(dst)
	if err != nil {
		return 0, err
	}
	ctx := b.submit(opctx.KindTee, true, func(sqe *iouring.SQE) {
		sqe.PrepTee(int32(sfd), int32(dfd), uint32(maxlen), 0)
	})
	res, err := b.await("tee", ctx)
	return int(res), err
}

// pipe opens the internal pipe splice primitives stage through.
// Callers must close both ends on every exit path.
func pipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// DoubleSplice moves bytes from src to dst through an internal pipe
// until src reaches EOF, allowing two non-pipe endpoints. Returns the
// bytes moved.
func (b *Backend) DoubleSplice(src, dst iohandle.IO) (int, error) {
	sfd, err := iohandle.Resolve(src)
	if err != nil {
		return 0, err
	}
	dfd, err := iohandle.Resolve(dst)
	if err != nil {
		return 0, err
	}
	pr, pw, err := pipe()
	if err != nil {
		return 0, err
	}
	defer syscall.Close(pr)
	defer syscall.Close(pw)

	seq := b.newSequence(opctx.KindSplice)
	defer seq.finish()

	total := 0
	for {
		n, err := seq.step("splice", func(sqe *iouring.SQE) {
			sqe.PrepSplice(int32(sfd), int32(pw), spliceChunk, 0)
		})
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		for rem := n; rem > 0; {
			m, err := seq.step("splice", func(sqe *iouring.SQE) {
				sqe.PrepSplice(int32(pr), int32(dfd), uint32(rem), 0)
			})
			if err != nil {
				return total, err
			}
			rem -= m
		}
		total += int(n)
	}
	return total, nil
}

// SpliceChunks streams src into dst with framing: prefix once, then per
// chunk an optional length-dependent chunk prefix, the chunk payload
// (staged through an internal pipe), and an optional chunk suffix, and
// finally postfix once. chunkPrefix may be nil, as may any of the
// byte-slice frames. Returns the payload bytes moved, excluding
// framing. The internal pipe is closed on every exit path.
func (b *Backend) SpliceChunks(src, dst iohandle.IO, prefix, postfix []byte, chunkPrefix func(n int) []byte, chunkSuffix []byte, chunkSize int) (int, error) {
	sfd, err := iohandle.Resolve(src)
	if err != nil {
		return 0, err
	}
	dfd, err := iohandle.Resolve(dst)
	if err != nil {
		return 0, err
	}
	if chunkSize <= 0 {
		chunkSize = spliceChunk
	}
	pr, pw, err := pipe()
	if err != nil {
		return 0, err
	}
	defer syscall.Close(pr)
	defer syscall.Close(pw)

	seq := b.newSequence(opctx.KindSplice)
	defer seq.finish()

	writeAll := func(p []byte) error {
		for len(p) > 0 {
			rest := p
			res, err := seq.step("write", func(sqe *iouring.SQE) {
				sqe.PrepWrite(int32(dfd), rest, posCurrent)
			}, p)
			if err != nil {
				return err
			}
			p = p[res:]
		}
		return nil
	}

	if err := writeAll(prefix); err != nil {
		return 0, err
	}

	total := 0
	for {
		n, err := seq.step("splice", func(sqe *iouring.SQE) {
			sqe.PrepSplice(int32(sfd), int32(pw), uint32(chunkSize), 0)
		})
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		if chunkPrefix != nil {
			if err := writeAll(chunkPrefix(int(n))); err != nil {
				return total, err
			}
		}
		for rem := n; rem > 0; {
			m, err := seq.step("splice", func(sqe *iouring.SQE) {
				sqe.PrepSplice(int32(pr), int32(dfd), uint32(rem), 0)
			})
			if err != nil {
				return total, err
			}
			rem -= m
		}
		total += int(n)
		if err := writeAll(chunkSuffix); err != nil {
			return total, err
		}
	}

	if err := writeAll(postfix); err != nil {
		return total, err
	}
	return total, nil
}
