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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFdRingFIFOOrder(t *testing.T) {
	var r fdRing
	for i := int32(0); i < 100; i++ {
		r.push(i)
	}
	assert.Equal(t, 100, r.len())
	for i := int32(0); i < 100; i++ {
		fd, ok := r.pop()
		assert.True(t, ok)
		assert.Equal(t, i, fd)
	}
	_, ok := r.pop()
	assert.False(t, ok)
}

func TestFdRingGrowKeepsOrderAcrossWrap(t *testing.T) {
	var r fdRing
	// Interleave pushes and pops so head wraps before a grow.
	for i := int32(0); i < 24; i++ {
		r.push(i)
	}
	for i := int32(0); i < 12; i++ {
		fd, _ := r.pop()
		assert.Equal(t, i, fd)
	}
	for i := int32(24); i < 64; i++ {
		r.push(i) // forces grow with head mid-array
	}
	for i := int32(12); i < 64; i++ {
		fd, ok := r.pop()
		assert.True(t, ok)
		assert.Equal(t, i, fd)
	}
}

func TestFdRingDrain(t *testing.T) {
	var r fdRing
	for i := int32(0); i < 5; i++ {
		r.push(i * 10)
	}
	var drained []int32
	r.drain(func(fd int32) { drained = append(drained, fd) })
	assert.Equal(t, []int32{0, 10, 20, 30, 40}, drained)
	assert.Equal(t, 0, r.len())
}
