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

package iohandle

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wrapper struct {
	inner IO
}

func (w wrapper) UnderlyingIO() IO { return w.inner }

// wrapper's Fd deliberately panics; Resolve must never call it.
func (w wrapper) Fd() (int, error) { panic("must resolve through UnderlyingIO") }

func TestResolveFollowsUnderlying(t *testing.T) {
	fd, err := Resolve(wrapper{inner: wrapper{inner: Raw(7)}})
	require.NoError(t, err)
	assert.Equal(t, 7, fd)
}

func TestWrapConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			done <- c
		}
	}()

	cn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer cn.Close()
	sv := <-done
	defer sv.Close()

	h, err := Wrap(cn)
	require.NoError(t, err)
	fd, err := Resolve(h)
	require.NoError(t, err)
	assert.Greater(t, fd, 0)
}
