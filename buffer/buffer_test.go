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

package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGrowAdvance(t *testing.T) {
	b := New(16)
	defer b.Release()

	assert.Equal(t, 0, b.Len())
	assert.True(t, b.Expandable())
	require.GreaterOrEqual(t, len(b.Tail()), 16)

	// Simulate a kernel read into the spare region.
	n := copy(b.Tail(), "hello")
	b.Advance(n)
	assert.Equal(t, "hello", string(b.Bytes()))

	// Grow keeps the data and enlarges the spare region.
	before := b.Bytes()
	b.Grow(1 << 20)
	assert.Equal(t, string(before), string(b.Bytes()))
	assert.GreaterOrEqual(t, len(b.Tail()), 1<<20)
}

func TestFixedNeverGrows(t *testing.T) {
	raw := make([]byte, 0, 8)
	b := NewFixed(raw)

	assert.False(t, b.Expandable())
	cap0 := b.Cap()
	b.Grow(1 << 16)
	assert.Equal(t, cap0, b.Cap())

	n := copy(b.Tail(), "12345678")
	b.Advance(n)
	assert.Equal(t, "12345678", string(b.Bytes()))
	b.SetLen(3)
	assert.Equal(t, "123", string(b.Bytes()))
}

func TestTextAliasesData(t *testing.T) {
	b := New(8)
	defer b.Release()

	n := copy(b.Tail(), "abc")
	b.Advance(n)
	s := b.Text()
	assert.Equal(t, "abc", s)
	assert.Equal(t, 3, len(s))
}

func TestDetach(t *testing.T) {
	b := New(8)
	defer b.Release()

	b.Advance(copy(b.Tail(), "xyz"))
	out := b.Detach()
	assert.Equal(t, "xyz", string(out))
	assert.Equal(t, 0, b.Len())

	// The buffer is reusable after Detach; the detached slice is not
	// touched by further writes.
	b.Advance(copy(b.Tail(), "123"))
	assert.Equal(t, "xyz", string(out))
	assert.Equal(t, "123", string(b.Bytes()))
}
