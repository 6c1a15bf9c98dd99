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

// Package iouring provides a low-level interface to Linux io_uring.
// io_uring enables efficient submission and completion of I/O operations
// through shared memory ring buffers, avoiding syscall overhead for each
// operation.
//
// The package is deliberately thin: ring setup/teardown, SQE/CQE
// peek-and-advance, submit, and a blocking wait that surfaces EINTR to
// the caller. Everything above that (operation contexts, fiber wake-ups,
// cancellation) lives in the ringio package.
//
// Requires Linux kernel 5.4+ with IORING_FEAT_SINGLE_MMAP support; the
// operation set used by ringio raises that floor to 5.8+ (TEE).
//
// Example usage:
//
//	ring, err := iouring.New(1024, 0)
//	if err != nil {
//	    // handle error
//	}
//	defer ring.Close()
//
//	sqe := ring.PeekSQE(true)
//	sqe.PrepNop()
//	ring.AdvanceSQ()
//	ring.Submit()
//
//	if cqe := ring.PeekCQE(); cqe != nil {
//	    // process result
//	    ring.AdvanceCQ()
//	}
package iouring

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// Ring depth probing bounds: setup starts at DefaultDepth and halves on
// ENOMEM down to MinDepth.
const (
	DefaultDepth = 1024
	MinDepth     = 64
)

// Ring represents an io_uring instance: the ring file descriptor plus
// the memory-mapped submission and completion queues.
type Ring struct {
	fd      int             // io_uring file descriptor
	params  Params          // Parameters from setup
	sq      submissionQueue // Submission queue state
	cq      completionQueue // Completion queue state
	sqeMem  []byte          // Memory-mapped SQE array
	ringMem []byte          // Memory-mapped SQ/CQ ring (single mmap, IORING_FEAT_SINGLE_MMAP)
}

// submissionQueue holds the mapped submission queue state.
// Application acts as producer (updates tail), kernel acts as consumer (updates head).
type submissionQueue struct {
	head        *uint32 // Consumer index (kernel) - shared, modified at runtime
	tail        *uint32 // Producer index (app) - shared, modified at runtime
	ringMask    uint32  // Mask for ring wrap - constant after init
	ringEntries uint32  // Number of entries - constant after init
	flags       *uint32 // Flags - shared, modified at runtime
	dropped     *uint32 // Dropped submissions - shared, modified at runtime
	array       *uint32 // SQE index array - pointer for indexing
	sqes        []SQE   // Submission queue entries array
}

// completionQueue holds the mapped completion queue state.
// Kernel acts as producer (updates tail), application acts as consumer (updates head).
type completionQueue struct {
	head        *uint32 // Consumer index (app) - shared, modified at runtime
	tail        *uint32 // Producer index (kernel) - shared, modified at runtime
	ringMask    uint32  // Mask for ring wrap - constant after init
	ringEntries uint32  // Number of entries - constant after init
	overflow    *uint32 // Overflow counter - shared, modified at runtime
	cqes        []CQE   // Completion queue entries array
}

// New creates an io_uring instance of the given depth with the given
// setup flags. Requires Linux 5.4+ (IORING_FEAT_SINGLE_MMAP support).
func New(entries uint32, flags uint32) (*Ring, error) {
	params := Params{Flags: flags}
	fd, err := Setup(entries, &params)
	if err != nil {
		return nil, fmt.Errorf("io_uring_setup failed: %w", err)
	}

	// Check for IORING_FEAT_SINGLE_MMAP support (Linux 5.4+)
	if params.Features&IORING_FEAT_SINGLE_MMAP == 0 {
		syscall.Close(fd)
		return nil, fmt.Errorf("kernel does not support IORING_FEAT_SINGLE_MMAP (requires Linux 5.4+)")
	}

	ring := &Ring{
		fd:     fd,
		params: params,
	}

	pageSize := uint32(syscall.Getpagesize())

	// Use single mmap for both SQ and CQ rings (IORING_FEAT_SINGLE_MMAP)
	// Calculate size to cover both rings - need to include both SQ and CQ regions
	sqRingSize := params.SqOff.Array + params.SqEntries*uint32(unsafe.Sizeof(uint32(0)))
	cqRingSize := params.CqOff.Cqes + params.CqEntries*uint32(unsafe.Sizeof(CQE{}))

	// Take the maximum of both sizes to ensure we map enough memory
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	// Ensure page-aligned size
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ringPtr, err := syscall.Mmap(fd, 0, int(ringSize),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("mmap ring (single) failed: %w", err)
	}
	ring.ringMem = ringPtr

	// Map SQE array (separate mapping at offset 0x10000000)
	sqeSize := params.SqEntries * uint32(unsafe.Sizeof(SQE{}))
	sqePtr, err := syscall.Mmap(fd, int64(0x10000000), int(sqeSize),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("mmap sqe failed: %w", err)
	}
	ring.sqeMem = sqePtr

	// Setup SQ pointers into shared memory (use atomics for head/tail)
	ring.sq.head = (*uint32)(unsafe.Pointer(&ring.ringMem[params.SqOff.Head]))
	ring.sq.tail = (*uint32)(unsafe.Pointer(&ring.ringMem[params.SqOff.Tail]))
	ring.sq.ringMask = *(*uint32)(unsafe.Pointer(&ring.ringMem[params.SqOff.RingMask]))
	ring.sq.ringEntries = *(*uint32)(unsafe.Pointer(&ring.ringMem[params.SqOff.RingEntries]))
	ring.sq.flags = (*uint32)(unsafe.Pointer(&ring.ringMem[params.SqOff.Flags]))
	ring.sq.dropped = (*uint32)(unsafe.Pointer(&ring.ringMem[params.SqOff.Dropped]))
	ring.sq.array = (*uint32)(unsafe.Pointer(&ring.ringMem[params.SqOff.Array]))
	ring.sq.sqes = (*[0x10000]SQE)(unsafe.Pointer(&ring.sqeMem[0]))[:params.SqEntries]

	// Setup completion queue pointers and values
	// Pointers are shared with kernel - must use atomic operations
	// Constants are read once and stored as values
	ring.cq.head = (*uint32)(unsafe.Pointer(&ring.ringMem[params.CqOff.Head]))
	ring.cq.tail = (*uint32)(unsafe.Pointer(&ring.ringMem[params.CqOff.Tail]))
	ring.cq.ringMask = *(*uint32)(unsafe.Pointer(&ring.ringMem[params.CqOff.RingMask]))
	ring.cq.ringEntries = *(*uint32)(unsafe.Pointer(&ring.ringMem[params.CqOff.RingEntries]))
	ring.cq.overflow = (*uint32)(unsafe.Pointer(&ring.ringMem[params.CqOff.Overflow]))
	cqesPtr := unsafe.Pointer(&ring.ringMem[params.CqOff.Cqes])
	ring.cq.cqes = (*[0x10000]CQE)(cqesPtr)[:params.CqEntries]

	// Set finalizer to ensure cleanup on GC
	runtime.SetFinalizer(ring, func(r *Ring) {
		r.Close()
	})

	return ring, nil
}

// NewProbed creates a ring the way a backend wants one: it first tries
// IORING_SETUP_SUBMIT_ALL|IORING_SETUP_COOP_TASKRUN and falls back to
// zero flags on EINVAL (older kernels reject unknown setup flags), and
// it starts at depth and halves on ENOMEM down to MinDepth.
func NewProbed(depth uint32) (*Ring, error) {
	if depth == 0 {
		depth = DefaultDepth
	}
	var lastErr error
	for d := depth; d >= MinDepth; d >>= 1 {
		r, err := New(d, IORING_SETUP_SUBMIT_ALL|IORING_SETUP_COOP_TASKRUN)
		if err == nil {
			return r, nil
		}
		if isSetupErrno(err, syscall.EINVAL) {
			r, err = New(d, 0)
			if err == nil {
				return r, nil
			}
		}
		lastErr = err
		if !isSetupErrno(err, syscall.ENOMEM) {
			break
		}
	}
	return nil, lastErr
}

func isSetupErrno(err error, want syscall.Errno) bool {
	return errors.Is(err, want)
}

// Fd returns the ring file descriptor.
func (ring *Ring) Fd() int { return ring.fd }

// SQEntries returns the submission queue depth, the "prepared limit" at
// which callers should flush deferred submissions.
func (ring *Ring) SQEntries() uint32 { return ring.sq.ringEntries }

// PeekSQE gets a submission queue entry for the caller to fill.
// It does NOT make the entry visible to the kernel.
// Returns nil if the submission queue is full.
// After filling the SQE, the caller must call AdvanceSQ() to make it visible.
// With reset=false the returned SQE may contain stale data from a
// previous operation; the Prep* helpers assume reset=true.
func (ring *Ring) PeekSQE(reset bool) *SQE {
	q := &ring.sq

	tail := atomic.LoadUint32(q.tail)
	head := atomic.LoadUint32(q.head)

	// Check if queue is full: (tail - head) >= q.ringEntries
	if tail-head >= q.ringEntries {
		return nil
	}

	sqe := &q.sqes[tail&q.ringMask]

	if reset {
		*sqe = SQE{}
	}

	// Update indirection array: array[ring_pos] = sqe_index.
	// This write is made visible by the memory barrier in AdvanceSQ.
	arrayIdx := tail & q.ringMask
	arrayPtr := (*uint32)(unsafe.Pointer(uintptr(unsafe.Pointer(q.array)) + uintptr(arrayIdx)*4))
	*arrayPtr = arrayIdx

	return sqe
}

// AdvanceSQ makes one submission queue entry visible to the kernel.
// This should be called after the SQE from PeekSQE has been populated.
// This acts as a memory barrier.
func (ring *Ring) AdvanceSQ() {
	atomic.AddUint32(ring.sq.tail, 1)
}

// PendingSQEs returns the number of submission queue entries that have been
// queued but not yet submitted to the kernel.
func (ring *Ring) PendingSQEs() uint32 {
	return atomic.LoadUint32(ring.sq.tail) - atomic.LoadUint32(ring.sq.head)
}

// Submit submits queued entries without waiting for completions.
// Returns number of submissions accepted by kernel. Retries on EINTR:
// a signal during a pure submit never has scheduling significance.
func (ring *Ring) Submit() (int, syscall.Errno) {
	toSubmit := ring.PendingSQEs()
	if toSubmit == 0 {
		return 0, 0
	}
	for {
		submitted, errno := Enter(ring.fd, toSubmit, 0, 0, nil)
		if errno == syscall.EINTR {
			continue
		}
		return submitted, errno
	}
}

// SubmitAndWait submits queued entries and blocks until at least
// minComplete completions are available. Unlike Submit, EINTR is
// surfaced to the caller: the backend must decide between returning to
// a non-empty run queue and restarting the wait.
func (ring *Ring) SubmitAndWait(minComplete uint32) (int, syscall.Errno) {
	return Enter(ring.fd, ring.PendingSQEs(), minComplete, IORING_ENTER_GETEVENTS, nil)
}

// PeekCQE checks for a completion queue entry without blocking.
// Returns nil if no completion is available.
// Returns the CQE but does NOT advance the head - call AdvanceCQ after processing.
func (ring *Ring) PeekCQE() *CQE {
	q := &ring.cq
	head := atomic.LoadUint32(q.head)
	tail := atomic.LoadUint32(q.tail)

	// Return nil if queue is empty
	if head == tail {
		return nil
	}

	// Get CQE at head position
	cqe := &q.cqes[head&q.ringMask]
	return cqe
}

// AdvanceCQ advances the completion queue head by one, freeing the oldest CQE slot.
func (ring *Ring) AdvanceCQ() {
	atomic.AddUint32(ring.cq.head, 1)
}

// RegisterEventfd registers efd to be signalled on every completion,
// letting an external thread detect ring activity without touching the
// ring itself.
func (ring *Ring) RegisterEventfd(efd int) error {
	fd32 := int32(efd)
	if errno := Register(ring.fd, IORING_REGISTER_EVENTFD, unsafe.Pointer(&fd32), 1); errno != 0 {
		return errno
	}
	return nil
}

// Close closes the io_uring instance and releases all associated resources.
// This includes unmapping memory regions and closing the file descriptor.
// Returns the first error encountered during cleanup, if any.
func (ring *Ring) Close() error {
	if ring == nil {
		return nil
	}
	runtime.SetFinalizer(ring, nil)

	var firstErr error

	// Unmap SQ/CQ ring (single mmap, IORING_FEAT_SINGLE_MMAP)
	if ring.ringMem != nil {
		if err := syscall.Munmap(ring.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		ring.ringMem = nil
	}

	// Unmap SQE array
	if ring.sqeMem != nil {
		if err := syscall.Munmap(ring.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		ring.sqeMem = nil
	}
	if ring.fd >= 0 {
		if err := syscall.Close(ring.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		ring.fd = -1
	}
	return firstErr
}
