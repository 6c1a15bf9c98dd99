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

package runq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushPopFIFO(t *testing.T) {
	q := New[string, int]()
	assert.True(t, q.Push("a", 1, false))
	assert.True(t, q.Push("b", 2, false))
	assert.True(t, q.Push("c", 3, false))

	k, v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "a", k)
	assert.Equal(t, 1, v)

	k, v, ok = q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "b", k)
	assert.Equal(t, 2, v)
}

func TestPrioritizePushesToHead(t *testing.T) {
	q := New[string, int]()
	q.Push("a", 1, false)
	q.Push("b", 2, false)
	q.Push("c", 3, true)

	k, _, _ := q.Pop()
	assert.Equal(t, "c", k)
}

func TestPushIsNoOpWhenAlreadyScheduled(t *testing.T) {
	q := New[string, int]()
	assert.True(t, q.Push("a", 1, false))
	assert.False(t, q.Push("a", 2, false))
	assert.Equal(t, 1, q.Len())

	_, v, _ := q.Pop()
	assert.Equal(t, 1, v)
}

func TestDeleteRemovesFromMiddle(t *testing.T) {
	q := New[string, int]()
	q.Push("a", 1, false)
	q.Push("b", 2, false)
	q.Push("c", 3, false)

	assert.True(t, q.Delete("b"))
	assert.False(t, q.Delete("b"))

	var order []string
	for {
		k, _, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, k)
	}
	assert.Equal(t, []string{"a", "c"}, order)
}

func TestScheduledAndPopClearsIt(t *testing.T) {
	q := New[string, int]()
	q.Push("a", 1, false)
	assert.True(t, q.Scheduled("a"))

	q.Pop()
	assert.False(t, q.Scheduled("a"))
	assert.Equal(t, 0, q.Len())
}

func TestDeleteOnEmptyQueue(t *testing.T) {
	q := New[string, int]()
	assert.False(t, q.Delete("missing"))
}

func TestPopOnEmptyQueue(t *testing.T) {
	q := New[string, int]()
	_, _, ok := q.Pop()
	assert.False(t, ok)
}

func TestPeekLeavesEntryInPlace(t *testing.T) {
	q := New[string, int]()
	q.Push("a", 7, false)

	v, ok := q.Peek("a")
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, 1, q.Len())

	_, ok = q.Peek("missing")
	assert.False(t, ok)
}
