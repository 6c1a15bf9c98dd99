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

// Package buffer provides the grow-to-fit byte buffers the ring backend
// reads into and writes from. A Buffer hands the kernel a stable spare
// region (Tail), absorbs the transferred byte count afterwards
// (Advance), and can expand between reads when it was created
// expandable. Backing memory comes from mcache so read loops recycle
// their chunks instead of churning the collector.
package buffer

import (
	"unsafe"

	"github.com/bytedance/gopkg/lang/mcache"
)

const minCap = 1 << 9

// Buffer is a length/capacity-separated byte buffer. The first Len
// bytes are data; Tail() exposes the uninitialized spare region for the
// kernel to fill.
type Buffer struct {
	data       []byte
	expandable bool
	pooled     bool
}

// New returns an empty expandable buffer with at least capacity spare
// bytes, backed by mcache.
func New(capacity int) *Buffer {
	if capacity < minCap {
		capacity = minCap
	}
	return &Buffer{data: mcache.Malloc(0, capacity), expandable: true, pooled: true}
}

// NewFixed wraps caller-owned memory as a non-expandable buffer. Len is
// len(b); the spare region is b[len(b):cap(b)]. Release never frees it.
func NewFixed(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the data region. The slice aliases the buffer; it is
// invalidated by Grow and Release.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of data bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the total capacity, data plus spare.
func (b *Buffer) Cap() int { return cap(b.data) }

// Expandable reports whether Grow may enlarge the buffer.
func (b *Buffer) Expandable() bool { return b.expandable }

// Tail returns the spare region between Len and Cap for the kernel to
// write into. After the completion arrives, call Advance with the byte
// count the kernel reported.
func (b *Buffer) Tail() []byte {
	return b.data[len(b.data):cap(b.data)]
}

// Advance extends the data region by n bytes previously written into
// Tail.
func (b *Buffer) Advance(n int) {
	b.data = b.data[:len(b.data)+n]
}

// SetLen truncates or extends the data region to n, which must be
// within capacity.
func (b *Buffer) SetLen(n int) {
	b.data = b.data[:n]
}

// Grow ensures at least min spare bytes, doubling capacity until the
// spare region fits. It is a no-op on non-expandable buffers; callers
// decide between "maxlen satisfied with fixed buffer" and growing.
func (b *Buffer) Grow(min int) {
	if !b.expandable || cap(b.data)-len(b.data) >= min {
		return
	}
	newCap := cap(b.data) * 2
	for newCap-len(b.data) < min {
		newCap *= 2
	}
	old := b.data
	b.data = mcache.Malloc(len(old), newCap)
	copy(b.data, old)
	if b.pooled {
		mcache.Free(old)
	}
	b.pooled = true
}

// Text returns the data region as a string without copying, the
// encoding post-processing hook for text reads. The string aliases the
// buffer and must not outlive it.
func (b *Buffer) Text() string {
	return unsafe.String(unsafe.SliceData(b.data), len(b.data))
}

// Detach returns the data region as an independently owned []byte and
// resets the buffer to empty. The returned slice is no longer recycled
// by Release.
func (b *Buffer) Detach() []byte {
	out := b.data
	b.data = mcache.Malloc(0, minCap)
	b.pooled = true
	return out
}

// Release returns pooled backing memory to mcache. The buffer must not
// be used afterwards, and no kernel op may still reference it; the ring
// backend guarantees that by pinning buffers on the op context until
// the completion (or cancellation completion) arrives.
func (b *Buffer) Release() {
	if b.pooled && b.data != nil {
		mcache.Free(b.data[:cap(b.data)])
	}
	b.data = nil
}
