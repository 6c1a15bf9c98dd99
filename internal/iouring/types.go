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

package iouring

import "unsafe"

// io_uring opcodes used by this module.
const (
	IORING_OP_NOP          = 0  // No operation (used by Wakeup)
	IORING_OP_READV        = 1  // Vectored read
	IORING_OP_WRITEV       = 2  // Vectored write
	IORING_OP_POLL_ADD     = 6  // Add a poll request
	IORING_OP_SENDMSG      = 9  // Send message on socket
	IORING_OP_RECVMSG      = 10 // Receive message from socket
	IORING_OP_TIMEOUT      = 11 // Timeout operation
	IORING_OP_ACCEPT       = 13 // Accept incoming connection (Linux 5.5+)
	IORING_OP_ASYNC_CANCEL = 14 // Cancel async operation (Linux 5.5+)
	IORING_OP_LINK_TIMEOUT = 15 // Linked timeout (Linux 5.5+)
	IORING_OP_CONNECT      = 16 // Connect to socket (Linux 5.5+)
	IORING_OP_CLOSE        = 19 // Close file descriptor (Linux 5.6+)
	IORING_OP_READ         = 22 // Read from file descriptor (Linux 5.6+)
	IORING_OP_WRITE        = 23 // Write to file descriptor (Linux 5.6+)
	IORING_OP_SEND         = 26 // Send data on socket (Linux 5.6+)
	IORING_OP_RECV         = 27 // Receive data from socket (Linux 5.6+)
	IORING_OP_SPLICE       = 30 // Splice between fds (Linux 5.7+)
	IORING_OP_TEE          = 33 // Duplicate pipe content (Linux 5.8+)
)

// io_uring setup flags - control behavior of the io_uring instance
const (
	IORING_SETUP_IOPOLL       = (1 << 0) // Perform busy-waiting for I/O completion
	IORING_SETUP_SQPOLL       = (1 << 1) // Use kernel thread for submission queue polling
	IORING_SETUP_SQ_AFF       = (1 << 2) // Set CPU affinity for SQPOLL thread
	IORING_SETUP_CQSIZE       = (1 << 3) // App specifies CQ size (must be power of 2)
	IORING_SETUP_CLAMP        = (1 << 4) // Clamp SQ/CQ ring sizes to kernel limits
	IORING_SETUP_ATTACH_WQ    = (1 << 5) // Attach to existing workqueue
	IORING_SETUP_R_DISABLED   = (1 << 6) // Start with ring disabled (Linux 5.10+)
	IORING_SETUP_SUBMIT_ALL   = (1 << 7) // Keep submitting after one SQE errors (Linux 5.18+)
	IORING_SETUP_COOP_TASKRUN = (1 << 8) // Defer task work to enter time (Linux 5.19+)
)

// io_uring feature flags - returned in params.Features after setup
const (
	IORING_FEAT_SINGLE_MMAP = (1 << 0) // SQ and CQ rings can be mapped with a single mmap (kernel 5.4+)
)

// io_uring enter flags - control behavior of io_uring_enter syscall
const (
	IORING_ENTER_GETEVENTS = (1 << 0) // Wait for completion events
	IORING_ENTER_SQ_WAKEUP = (1 << 1) // Wake SQPOLL thread if sleeping
)

// SQE flags - control behavior of individual operations
const (
	IOSQE_FIXED_FILE = (1 << 0) // Use fixed (registered) file descriptor
	IOSQE_IO_LINK    = (1 << 2) // Link next SQE in chain
)

// CQE flags
const (
	IORING_CQE_F_MORE = (1 << 1) // More completions will follow for this SQE (multishot)
)

// ioprio bits for IORING_OP_ACCEPT
const (
	IORING_ACCEPT_MULTISHOT = (1 << 0) // One accept SQE, many completions (Linux 5.19+)
)

// io_uring register opcodes - for SYS_IO_URING_REGISTER
const (
	IORING_REGISTER_EVENTFD   = 4 // Register eventfd for completion notifications
	IORING_UNREGISTER_EVENTFD = 5 // Unregister eventfd
)

// Poll event flags - for IORING_OP_POLL_ADD
const (
	POLLIN    = 0x0001 // Data available to read
	POLLOUT   = 0x0004 // Ready for writing
	POLLERR   = 0x0008 // Error condition
	POLLHUP   = 0x0010 // Hang up (peer closed)
	POLLNVAL  = 0x0020 // Invalid request
	POLLRDHUP = 0x2000 // Peer closed or shutdown write half
)

// io_uring_params for setup syscall
// Used both as input (flags, sq_thread_*) and output (features, offsets)
type Params struct {
	SqEntries    uint32        // Number of submission queue entries (power of 2)
	CqEntries    uint32        // Number of completion queue entries
	Flags        uint32        // Setup flags (IORING_SETUP_*)
	SqThreadCpu  uint32        // CPU for SQPOLL thread
	SqThreadIdle uint32        // Milliseconds before SQPOLL thread sleeps
	Features     uint32        // Kernel-supported features (output)
	WqFd         uint32        // Existing workqueue fd to attach to
	Resv         [3]uint32     // Reserved for future use
	SqOff        SqringOffsets // Submission queue ring offsets (output)
	CqOff        CqringOffsets // Completion queue ring offsets (output)
}

// SqringOffsets - byte offsets into mmap'd SQ ring for locating fields
type SqringOffsets struct {
	Head        uint32 // Head pointer (consumer, kernel updates)
	Tail        uint32 // Tail pointer (producer, app updates)
	RingMask    uint32 // Ring mask (entries - 1)
	RingEntries uint32 // Ring size
	Flags       uint32
	Dropped     uint32
	Array       uint32 // SQE index indirection array
	Resv1       uint32
	Resv2       uint64
}

// CqringOffsets - byte offsets into mmap'd CQ ring for locating fields
type CqringOffsets struct {
	Head        uint32 // Head pointer (consumer, app updates)
	Tail        uint32 // Tail pointer (producer, kernel updates)
	RingMask    uint32 // Ring mask (entries - 1)
	RingEntries uint32 // Ring size
	Overflow    uint32 // Overflow counter
	Cqes        uint32 // CQE array start
	Flags       uint64
	Resv1       uint32
	Resv2       uint64
}

// SQE is a submission queue entry describing one asynchronous operation.
// Size must be exactly 64 bytes for kernel ABI compatibility.
type SQE struct {
	Opcode      uint8     // Operation code (IORING_OP_*)
	Flags       uint8     // Flags modifier for operation (IOSQE_*)
	IoPrio      uint16    // Priority for this request (or accept multishot bit)
	Fd          int32     // File descriptor to operate on
	Off         uint64    // Offset for operations (or splice fd-out offset)
	Addr        uint64    // Pointer to buffer or input args (or splice fd-in offset)
	Len         uint32    // Length of buffer or number of iovecs
	OpcodeFlags uint32    // Opcode-specific flags
	UserData    uint64    // User data (returned in CQE)
	BufIndex    uint16    // Index into registered buffer array
	Personality uint16    // Personality to use (registered credentials)
	SpliceFdIn  int32     // File descriptor for splice/tee operations
	_           [2]uint64 // Padding to 64 bytes
}

// CQE is a completion queue entry carrying the result of one previously
// submitted operation. Size must be exactly 16 bytes for kernel ABI
// compatibility.
type CQE struct {
	UserData uint64 // User data from submission (identifies request)
	Res      int32  // Result of operation (bytes transferred or -errno)
	Flags    uint32 // Flags about the completion (IORING_CQE_F_*)
}

// More reports whether the kernel will deliver further completions for
// the same submission (multishot accept).
func (c *CQE) More() bool {
	return c.Flags&IORING_CQE_F_MORE != 0
}

// Iovec represents an I/O vector for readv/writev operations
type Iovec struct {
	Base uintptr // Pointer to buffer
	Len  uint64  // Length of buffer
}

// Set updates Iovec by `[]byte`
func (p *Iovec) Set(b []byte) {
	p.Len = uint64(len(b))
	if p.Len > 0 {
		p.Base = uintptr(unsafe.Pointer(&b[0]))
	}
}

// TimeSpec represents a kernel timespec structure for io_uring timeout
// operations. Matches the kernel's __kernel_timespec layout.
type TimeSpec struct {
	TvSec  int64 // Seconds
	TvNsec int64 // Nanoseconds
}

// IsZero returns true if the timespec represents zero time.
func (p *TimeSpec) IsZero() bool {
	return *p == TimeSpec{}
}

// Msghdr represents a message header for sendmsg/recvmsg operations
type Msghdr struct {
	Name       *byte  // Socket address
	Namelen    uint32 // Size of socket address
	_          uint32 // Padding
	Iov        *Iovec // Scatter/gather array
	Iovlen     uint64 // Number of elements in iov
	Control    *byte  // Ancillary data
	Controllen uint64 // Ancillary data buffer length
	Flags      int32  // Flags on received message
	_          int32  // Padding
}

// prep fills the fields shared by every operation. Callers obtained sqe
// from PeekSQE(true), so unset fields are already zero.
func (sqe *SQE) prep(op uint8, fd int32, addr uint64, n uint32, off uint64) {
	sqe.Opcode = op
	sqe.Fd = fd
	sqe.Addr = addr
	sqe.Len = n
	sqe.Off = off
}

// PrepNop prepares a no-op, used to force a blocked io_uring_enter to
// return.
func (sqe *SQE) PrepNop() {
	sqe.prep(IORING_OP_NOP, -1, 0, 0, 0)
}

// PrepRead prepares a read of up to len(buf) bytes at offset off
// (math.MaxUint64 for the current file position).
func (sqe *SQE) PrepRead(fd int32, buf []byte, off uint64) {
	sqe.prep(IORING_OP_READ, fd, addrOf(buf), uint32(len(buf)), off)
}

// PrepWrite prepares a write of buf at offset off.
func (sqe *SQE) PrepWrite(fd int32, buf []byte, off uint64) {
	sqe.prep(IORING_OP_WRITE, fd, addrOf(buf), uint32(len(buf)), off)
}

// PrepWritev prepares a vectored write. ivs must stay live until the
// completion arrives.
func (sqe *SQE) PrepWritev(fd int32, ivs []Iovec) {
	sqe.prep(IORING_OP_WRITEV, fd, uint64(uintptr(unsafe.Pointer(&ivs[0]))), uint32(len(ivs)), 0)
}

// PrepRecv prepares a socket receive.
func (sqe *SQE) PrepRecv(fd int32, buf []byte, flags uint32) {
	sqe.prep(IORING_OP_RECV, fd, addrOf(buf), uint32(len(buf)), 0)
	sqe.OpcodeFlags = flags
}

// PrepSend prepares a socket send.
func (sqe *SQE) PrepSend(fd int32, buf []byte, flags uint32) {
	sqe.prep(IORING_OP_SEND, fd, addrOf(buf), uint32(len(buf)), 0)
	sqe.OpcodeFlags = flags
}

// PrepRecvmsg prepares a recvmsg. msg must stay live until completion.
func (sqe *SQE) PrepRecvmsg(fd int32, msg *Msghdr, flags uint32) {
	sqe.prep(IORING_OP_RECVMSG, fd, uint64(uintptr(unsafe.Pointer(msg))), 1, 0)
	sqe.OpcodeFlags = flags
}

// PrepSendmsg prepares a sendmsg. msg must stay live until completion.
func (sqe *SQE) PrepSendmsg(fd int32, msg *Msghdr, flags uint32) {
	sqe.prep(IORING_OP_SENDMSG, fd, uint64(uintptr(unsafe.Pointer(msg))), 1, 0)
	sqe.OpcodeFlags = flags
}

// PrepAccept prepares a one-shot accept. addr/addrlen may be nil.
func (sqe *SQE) PrepAccept(fd int32, addr, addrlen unsafe.Pointer, flags uint32) {
	sqe.prep(IORING_OP_ACCEPT, fd, uint64(uintptr(addr)), 0, uint64(uintptr(addrlen)))
	sqe.OpcodeFlags = flags
}

// PrepMultishotAccept prepares an accept that yields one completion per
// incoming connection until cancelled or errored (Linux 5.19+).
func (sqe *SQE) PrepMultishotAccept(fd int32, flags uint32) {
	sqe.PrepAccept(fd, nil, nil, flags)
	sqe.IoPrio |= IORING_ACCEPT_MULTISHOT
}

// PrepConnect prepares a connect. sa points to a raw sockaddr that must
// stay live until completion.
func (sqe *SQE) PrepConnect(fd int32, sa unsafe.Pointer, saLen uint32) {
	sqe.prep(IORING_OP_CONNECT, fd, uint64(uintptr(sa)), 0, uint64(saLen))
}

// PrepSplice prepares a splice of up to n bytes from fdIn to fdOut.
// Offsets of ^0 mean "current position" for both ends.
func (sqe *SQE) PrepSplice(fdIn, fdOut int32, n uint32, flags uint32) {
	sqe.prep(IORING_OP_SPLICE, fdOut, ^uint64(0), n, ^uint64(0))
	sqe.SpliceFdIn = fdIn
	sqe.OpcodeFlags = flags
}

// PrepTee prepares a tee of up to n bytes between two pipes.
func (sqe *SQE) PrepTee(fdIn, fdOut int32, n uint32, flags uint32) {
	sqe.prep(IORING_OP_TEE, fdOut, 0, n, 0)
	sqe.SpliceFdIn = fdIn
	sqe.OpcodeFlags = flags
}

// PrepTimeout prepares a relative timeout. ts must stay live until
// completion; the CQE carries -ETIME when the timer fires.
func (sqe *SQE) PrepTimeout(ts *TimeSpec) {
	sqe.prep(IORING_OP_TIMEOUT, -1, uint64(uintptr(unsafe.Pointer(ts))), 1, 0)
}

// PrepPollAdd prepares a one-shot poll for the given event mask.
func (sqe *SQE) PrepPollAdd(fd int32, events uint32) {
	sqe.prep(IORING_OP_POLL_ADD, fd, 0, 0, 0)
	sqe.OpcodeFlags = events
}

// PrepAsyncCancel prepares a cancellation of the in-flight operation
// whose SQE carried target as its user data.
func (sqe *SQE) PrepAsyncCancel(target uint64) {
	sqe.prep(IORING_OP_ASYNC_CANCEL, -1, target, 0, 0)
}

// PrepClose prepares an asynchronous close(2).
func (sqe *SQE) PrepClose(fd int32) {
	sqe.prep(IORING_OP_CLOSE, fd, 0, 0, 0)
}

func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
