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

// Package opctx implements the op context store: a pool of reusable
// per-operation control blocks correlating ring submissions with the
// fiber awaiting their completion.
//
// The backing storage is one pre-allocated slice per generation, grown
// by doubling: contexts are never individually heap-allocated on the
// hot path, only the (rare) generation-growth slice is.
package opctx

import (
	"sync"
)

// Kind identifies which ring operation a Context describes.
type Kind uint8

const (
	KindPoll Kind = iota
	KindRead
	KindWrite
	KindWritev
	KindRecv
	KindRecvmsg
	KindSend
	KindSendmsg
	KindAccept
	KindMultishotAccept
	KindConnect
	KindSplice
	KindTee
	KindTimeout
	KindChain
	KindClose
	KindAsyncCancel
)

// Multishot is the distinguished ref_count value that marks a context as
// eligible to be completed many times (used by multishot accept). Such a
// context is never released by ordinary ref-count decrement; it is
// released explicitly when the kernel clears IORING_CQE_F_MORE.
const Multishot int32 = -1

// Owner is the minimal view opctx needs of a waiting fiber: just enough
// to know whether it still needs to be told about results. The concrete
// type is fiber.Fiber; opctx does not import the fiber package, so it
// stays a leaf below fiber in the leaves-first ordering.
type Owner interface {
	Alive() bool
}

// Context is the per-operation control block. At most one
// fiber owns it at a time; it returns to the store only when refCount
// reaches zero, which for a cancelled op happens only once the kernel's
// cancellation completion actually arrives.
type Context struct {
	Kind     Kind
	refCount int32
	Owner    Owner
	Result   int32
	Resume   any

	bufs bufList

	gen int32 // generation this context belongs to, for Walk/leak checks
	idx int32 // index within its generation's slice
}

// RefCount returns the context's current reference count. A fresh
// context from Acquire starts at 2: one share for the kernel submission,
// one for the fiber awaiting it.
func (c *Context) RefCount() int32 { return c.refCount }

// Store is the free list of pre-allocated Context records.
type Store struct {
	mu         sync.Mutex
	free       []*Context
	generation [][]Context
	cap        int
}

// NewStore creates a store with the given initial capacity. Capacity
// doubles automatically if Acquire is called with an empty free list.
func NewStore(initialCapacity int) *Store {
	if initialCapacity <= 0 {
		initialCapacity = 64
	}
	s := &Store{cap: initialCapacity}
	s.grow(initialCapacity)
	return s
}

func (s *Store) grow(n int) {
	gen := int32(len(s.generation))
	block := make([]Context, n)
	s.generation = append(s.generation, block)
	s.free = make([]*Context, 0, len(s.free)+n)
	for i := range block {
		block[i].gen = gen
		block[i].idx = int32(i)
		s.free = append(s.free, &block[i])
	}
}

// Len returns the total number of contexts ever allocated (free + in
// use). It only grows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.generation {
		n += len(g)
	}
	return n
}

// FreeLen returns the number of contexts currently in the free list.
// When every fiber has terminated and every op has been released,
// FreeLen equals Len; anything less means a context leaked.
func (s *Store) FreeLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}

// Acquire returns a fresh context for kind, owned by owner, with
// refCount 2 (submission share + fiber share) and an empty buffer list.
func (s *Store) Acquire(kind Kind, owner Owner) *Context {
	s.mu.Lock()
	if len(s.free) == 0 {
		s.grow(len(s.generation[0]) * (1 << len(s.generation)))
	}
	n := len(s.free) - 1
	c := s.free[n]
	s.free[n] = nil
	s.free = s.free[:n]
	s.mu.Unlock()

	c.Kind = kind
	c.refCount = 2
	c.Owner = owner
	c.Result = 0
	c.Resume = nil
	c.bufs.reset()
	return c
}

// AcquireMultishot is Acquire but marks the context as able to complete
// many times; Release never returns it to the pool, ReleaseMultishot
// does once the kernel signals no more completions are coming.
func (s *Store) AcquireMultishot(kind Kind, owner Owner) *Context {
	c := s.Acquire(kind, owner)
	c.refCount = Multishot
	return c
}

// AcquireDetached returns a context with no owning fiber and a single
// reference, the submission's. Used for fire-and-forget entries such as
// async-cancel: the completion's release returns it straight to the
// pool.
func (s *Store) AcquireDetached(kind Kind) *Context {
	c := s.Acquire(kind, nil)
	c.refCount = 1
	return c
}

// Retain adds one reference. Chains use it to give every linked
// submission entry its own share of the one context they all carry.
func (c *Context) Retain() {
	c.refCount++
}

// Release decrements refCount and reports whether it reached zero, i.e.
// no kernel submission still references this context. When it does, the
// context (and every buffer it pins) is returned to the free list.
func (s *Store) Release(c *Context) bool {
	if c.refCount == Multishot {
		return false
	}
	c.refCount--
	if c.refCount > 0 {
		return false
	}
	s.reclaim(c)
	return true
}

// ReleaseMultishot returns a multishot context to the pool once the
// kernel has signalled (by clearing IORING_CQE_F_MORE) that no further
// completions will arrive for it.
func (s *Store) ReleaseMultishot(c *Context) {
	s.reclaim(c)
}

func (s *Store) reclaim(c *Context) {
	c.bufs.releaseAll()
	c.Owner = nil
	c.Resume = nil
	s.mu.Lock()
	s.free = append(s.free, c)
	s.mu.Unlock()
}

// AttachBuffers pins buf references on c so they outlive the kernel op
// that may read/write them, even across a cancellation. It uses an
// inline fast path for 0-1 buffers and falls back to a heap slice for
// chained operations (writev/sendmsg/splice_chunks).
func (c *Context) AttachBuffers(bufs ...any) {
	c.bufs.attach(bufs...)
}

// Buffers returns the buffers currently pinned on c.
func (c *Context) Buffers() []any {
	return c.bufs.slice()
}

// Walk visits every context the store has ever allocated, live or free.
// A host with a moving/tracing
// collector would use it to keep attached buffers reachable; in Go the
// collector is precise, so Walk exists mainly for instrumentation and
// leak diagnostics rather than correctness (buffer liveness is already
// guaranteed by ordinary Go references held in bufList).
func (s *Store) Walk(f func(*Context)) {
	s.mu.Lock()
	gens := s.generation
	s.mu.Unlock()
	for _, g := range gens {
		for i := range g {
			f(&g[i])
		}
	}
}
