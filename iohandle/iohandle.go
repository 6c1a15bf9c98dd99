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

// Package iohandle defines the I/O handle every ring operation takes:
// anything that resolves to a Unix file descriptor, directly or through
// an underlying-io indirection. The backend borrows the descriptor for
// the duration of an operation and never closes it.
package iohandle

import (
	"net"
	"os"
	"syscall"
)

// IO is a handle the ring backend can operate on.
type IO interface {
	// Fd returns the Unix file descriptor this handle resolves to.
	Fd() (int, error)
}

// HasUnderlying is implemented by handles that delegate their I/O to an
// inner handle (a TLS-like wrapper, a buffered adapter). Resolve
// follows the chain.
type HasUnderlying interface {
	UnderlyingIO() IO
}

// Resolve follows UnderlyingIO indirections until it reaches a handle
// that resolves directly, and returns its descriptor.
func Resolve(io IO) (int, error) {
	for {
		if u, ok := io.(HasUnderlying); ok {
			io = u.UnderlyingIO()
			continue
		}
		return io.Fd()
	}
}

// Raw is a bare file descriptor used as a handle: pipes, eventfds,
// pidfds, freshly accepted sockets before they are wrapped.
type Raw int

// Fd implements IO.
func (r Raw) Fd() (int, error) { return int(r), nil }

// Close closes the descriptor. Only owners call this; the backend
// never does.
func (r Raw) Close() error { return syscall.Close(int(r)) }

// Conn wraps a net.Conn as a ring I/O handle. The descriptor is
// extracted once at wrap time; the net.Conn stays referenced so the
// runtime does not close the descriptor while ops are in flight.
type Conn struct {
	net.Conn
	fd int
}

// Wrap extracts cn's descriptor and returns it as a handle.
func Wrap(cn net.Conn) (*Conn, error) {
	sc, ok := cn.(syscall.Conn)
	if !ok {
		return nil, syscall.ENOTSUP
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	c := &Conn{Conn: cn, fd: -1}
	if err := rc.Control(func(f uintptr) { c.fd = int(f) }); err != nil {
		return nil, err
	}
	return c, nil
}

// Fd implements IO.
func (c *Conn) Fd() (int, error) { return c.fd, nil }

// File wraps an *os.File as a ring I/O handle.
type File struct {
	*os.File
}

// Fd implements IO. It shadows os.File.Fd to match the interface
// signature.
func (f File) Fd() (int, error) { return int(f.File.Fd()), nil }
