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
	"io"

	"github.com/cloudwego/ringfiber/buffer"
	"github.com/cloudwego/ringfiber/internal/iouring"
	"github.com/cloudwego/ringfiber/iohandle"
	"github.com/cloudwego/ringfiber/opctx"
)

// growChunk is how much spare an expandable buffer gains per Grow in a
// read-to-EOF loop.
const growChunk = 1 << 13

// posCurrent encodes "use and advance the file position" in the SQE
// offset field.
const posCurrent = ^uint64(0)

func encodePos(pos int64) uint64 {
	if pos < 0 {
		return posCurrent
	}
	return uint64(pos)
}

// Read reads from h into buf's spare region. pos < 0 reads at the
// current file position.
//
// With toEOF false it performs one kernel read of up to maxlen bytes
// and returns the transferred count; at EOF with nothing read it
// returns (0, io.EOF).
//
// With toEOF true it loops: an expandable buf grows until the source is
// drained; a fixed buf stops once maxlen is satisfied. It returns the
// total; (0, io.EOF) only when the source was already at EOF.
func (b *Backend) Read(h iohandle.IO, buf *buffer.Buffer, maxlen int, toEOF bool, pos int64) (int, error) {
	fd, err := iohandle.Resolve(h)
	if err != nil {
		return 0, err
	}
	if maxlen <= 0 {
		return 0, nil
	}

	total := 0
	for {
		space := buf.Tail()
		if len(space) == 0 {
			if !buf.Expandable() {
				break
			}
			buf.Grow(growChunk)
			space = buf.Tail()
		}
		if !buf.Expandable() || !toEOF {
			if rem := maxlen - total; rem < len(space) {
				space = space[:rem]
			}
		}

		ctx := b.submit(opctx.KindRead, true, func(sqe *iouring.SQE) {
			sqe.PrepRead(int32(fd), space, encodePos(pos))
		})
		res, err := b.await("read", ctx, buf)
		if err != nil {
			return total, err
		}
		if res == 0 {
			if total == 0 {
				return 0, io.EOF
			}
			break
		}
		buf.Advance(int(res))
		total += int(res)
		if pos >= 0 {
			pos += int64(res)
		}
		if !toEOF {
			break
		}
		if !buf.Expandable() && total >= maxlen {
			break
		}
	}
	return total, nil
}

// ReadLoop reads chunkSize-sized chunks from h, invoking block per
// chunk, and exits cleanly on EOF. The chunk slice is only valid for
// the duration of the call.
func (b *Backend) ReadLoop(h iohandle.IO, chunkSize int, block func(p []byte) error) error {
	if chunkSize <= 0 {
		chunkSize = growChunk
	}
	buf := buffer.New(chunkSize)
	return b.feed(buf, block, func(buf *buffer.Buffer) (int, error) {
		return b.Read(h, buf, chunkSize, false, -1)
	})
}

// Feeder receives chunks from FeedLoop.
type Feeder interface {
	Feed(p []byte) error
}

// FeedLoop is ReadLoop with a (receiver, method) pair instead of a
// block.
func (b *Backend) FeedLoop(h iohandle.IO, chunkSize int, r Feeder) error {
	return b.ReadLoop(h, chunkSize, r.Feed)
}

// feed drives a chunk loop over one pooled buffer, releasing it unless
// an interruption handed it to the op context.
func (b *Backend) feed(buf *buffer.Buffer, block func(p []byte) error, readOne func(*buffer.Buffer) (int, error)) (err error) {
	defer func() {
		if !Interrupted(err) {
			buf.Release()
		}
	}()
	for {
		buf.SetLen(0)
		_, err = readOne(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err = block(buf.Bytes()); err != nil {
			return err
		}
	}
}

// Write writes all of p to h, looping on short writes. Returns the
// byte count written.
func (b *Backend) Write(h iohandle.IO, p []byte) (int, error) {
	fd, err := iohandle.Resolve(h)
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		rest := p[total:]
		ctx := b.submit(opctx.KindWrite, true, func(sqe *iouring.SQE) {
			sqe.PrepWrite(int32(fd), rest, posCurrent)
		})
		res, err := b.await("write", ctx, p)
		if err != nil {
			return total, err
		}
		total += int(res)
	}
	return total, nil
}

// Writev writes the concatenation of bufs to h with one vectored
// submission, looping on short writes by advancing the vector. The
// reader cannot distinguish it from a single Write of the joined
// bytes.
func (b *Backend) Writev(h iohandle.IO, bufs ...[]byte) (int, error) {
	fd, err := iohandle.Resolve(h)
	if err != nil {
		return 0, err
	}
	ivs := make([]iouring.Iovec, 0, len(bufs))
	for _, p := range bufs {
		if len(p) > 0 {
			var iv iouring.Iovec
			iv.Set(p)
			ivs = append(ivs, iv)
		}
	}
	total := 0
	for len(ivs) > 0 {
		cur := ivs
		ctx := b.submit(opctx.KindWritev, true, func(sqe *iouring.SQE) {
			sqe.PrepWritev(int32(fd), cur)
		})
		res, err := b.await("writev", ctx, cur, bufs)
		if err != nil {
			return total, err
		}
		total += int(res)
		ivs = advanceIovecs(ivs, uint64(res))
	}
	return total, nil
}

// advanceIovecs consumes n written bytes from the front of the vector,
// trimming whole entries and adjusting the first partial one.
func advanceIovecs(ivs []iouring.Iovec, n uint64) []iouring.Iovec {
	for len(ivs) > 0 {
		if ivs[0].Len > n {
			ivs[0].Base += uintptr(n)
			ivs[0].Len -= n
			break
		}
		n -= ivs[0].Len
		ivs = ivs[1:]
	}
	return ivs
}

// Recv receives once from the socket h into buf, up to maxlen bytes.
// Returns (0, io.EOF) on an orderly peer shutdown.
func (b *Backend) Recv(h iohandle.IO, buf *buffer.Buffer, maxlen int) (int, error) {
	fd, err := iohandle.Resolve(h)
	if err != nil {
		return 0, err
	}
	if maxlen <= 0 {
		return 0, nil
	}
	space := buf.Tail()
	if len(space) == 0 && buf.Expandable() {
		buf.Grow(maxlen)
		space = buf.Tail()
	}
	if len(space) == 0 {
		return 0, nil
	}
	if maxlen < len(space) {
		space = space[:maxlen]
	}
	ctx := b.submit(opctx.KindRecv, true, func(sqe *iouring.SQE) {
		sqe.PrepRecv(int32(fd), space, 0)
	})
	res, err := b.await("recv", ctx, buf)
	if err != nil {
		return 0, err
	}
	if res == 0 {
		return 0, io.EOF
	}
	buf.Advance(int(res))
	return int(res), nil
}

// RecvLoop receives chunkSize-sized chunks from the socket h, invoking
// block per chunk; exits cleanly when the peer shuts down.
func (b *Backend) RecvLoop(h iohandle.IO, chunkSize int, block func(p []byte) error) error {
	if chunkSize <= 0 {
		chunkSize = growChunk
	}
	buf := buffer.New(chunkSize)
	return b.feed(buf, block, func(buf *buffer.Buffer) (int, error) {
		return b.Recv(h, buf, chunkSize)
	})
}

// Send sends p on the socket h with the given flags (MSG_*), looping on
// short sends.
func (b *Backend) Send(h iohandle.IO, p []byte, flags uint32) (int, error) {
	fd, err := iohandle.Resolve(h)
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		rest := p[total:]
		ctx := b.submit(opctx.KindSend, true, func(sqe *iouring.SQE) {
			sqe.PrepSend(int32(fd), rest, flags)
		})
		res, err := b.await("send", ctx, p)
		if err != nil {
			return total, err
		}
		total += int(res)
	}
	return total, nil
}

// Recvmsg receives one message from the socket h: data into buf's
// spare region, ancillary data into oob. Returns the data byte count
// and the ancillary byte count.
func (b *Backend) Recvmsg(h iohandle.IO, buf *buffer.Buffer, oob []byte, flags uint32) (int, int, error) {
	fd, err := iohandle.Resolve(h)
	if err != nil {
		return 0, 0, err
	}
	space := buf.Tail()
	if len(space) == 0 && buf.Expandable() {
		buf.Grow(growChunk)
		space = buf.Tail()
	}
	var iv iouring.Iovec
	iv.Set(space)
	msg := &iouring.Msghdr{Iov: &iv, Iovlen: 1}
	if len(oob) > 0 {
		msg.Control = &oob[0]
		msg.Controllen = uint64(len(oob))
	}
	ctx := b.submit(opctx.KindRecvmsg, true, func(sqe *iouring.SQE) {
		sqe.PrepRecvmsg(int32(fd), msg, flags)
	})
	res, err := b.await("recvmsg", ctx, buf, msg, oob)
	if err != nil {
		return 0, 0, err
	}
	if res == 0 {
		return 0, 0, io.EOF
	}
	buf.Advance(int(res))
	return int(res), int(msg.Controllen), nil
}

// Sendmsg sends one message on the (connected) socket h: p as data,
// oob as ancillary data.
func (b *Backend) Sendmsg(h iohandle.IO, p []byte, oob []byte, flags uint32) (int, error) {
	fd, err := iohandle.Resolve(h)
	if err != nil {
		return 0, err
	}
	var iv iouring.Iovec
	iv.Set(p)
	msg := &iouring.Msghdr{Iov: &iv, Iovlen: 1}
	if len(oob) > 0 {
		msg.Control = &oob[0]
		msg.Controllen = uint64(len(oob))
	}
	ctx := b.submit(opctx.KindSendmsg, true, func(sqe *iouring.SQE) {
		sqe.PrepSendmsg(int32(fd), msg, flags)
	})
	res, err := b.await("sendmsg", ctx, p, msg, oob)
	if err != nil {
		return 0, err
	}
	return int(res), nil
}
