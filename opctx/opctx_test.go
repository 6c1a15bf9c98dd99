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

package opctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeOwner struct{ alive bool }

func (f *fakeOwner) Alive() bool { return f.alive }

func TestAcquireStartsAtRefCountTwo(t *testing.T) {
	s := NewStore(4)
	c := s.Acquire(KindRead, &fakeOwner{alive: true})
	assert.Equal(t, int32(2), c.RefCount())
}

func TestReleaseReturnsTrueOnlyAtZero(t *testing.T) {
	s := NewStore(4)
	c := s.Acquire(KindRead, &fakeOwner{alive: true})
	assert.False(t, s.Release(c))
	assert.True(t, s.Release(c))
}

func TestFreeListRoundTripsToInitialCapacity(t *testing.T) {
	s := NewStore(8)
	assert.Equal(t, 8, s.FreeLen())

	var ctxs []*Context
	for i := 0; i < 8; i++ {
		ctxs = append(ctxs, s.Acquire(KindWrite, &fakeOwner{alive: true}))
	}
	assert.Equal(t, 0, s.FreeLen())

	for _, c := range ctxs {
		s.Release(c)
		s.Release(c)
	}
	assert.Equal(t, 8, s.FreeLen())
	assert.Equal(t, 8, s.Len())
}

func TestStoreGrowsByDoublingWhenExhausted(t *testing.T) {
	s := NewStore(2)
	for i := 0; i < 2; i++ {
		s.Acquire(KindRead, &fakeOwner{alive: true})
	}
	assert.Equal(t, 0, s.FreeLen())

	s.Acquire(KindRead, &fakeOwner{alive: true})
	assert.Equal(t, 6, s.Len()) // 2 initial + 4 from doubling
}

func TestMultishotNeverReleasedByOrdinaryRelease(t *testing.T) {
	s := NewStore(4)
	c := s.AcquireMultishot(KindMultishotAccept, &fakeOwner{alive: true})
	assert.False(t, s.Release(c))
	assert.Equal(t, int32(Multishot), c.RefCount())
	assert.Equal(t, 3, s.FreeLen())

	s.ReleaseMultishot(c)
	assert.Equal(t, 4, s.FreeLen())
}

func TestBufferAttachmentReleasedOnReclaim(t *testing.T) {
	s := NewStore(4)
	c := s.Acquire(KindRead, &fakeOwner{alive: true})

	buf := make([]byte, 16)
	c.AttachBuffers(&buf)
	assert.Len(t, c.Buffers(), 1)

	s.Release(c)
	s.Release(c)
	assert.Len(t, c.Buffers(), 0)
}

func TestAttachMultipleBuffersUsesHeapPath(t *testing.T) {
	s := NewStore(4)
	c := s.Acquire(KindWritev, &fakeOwner{alive: true})

	a, b, cc := []byte("a"), []byte("b"), []byte("c")
	c.AttachBuffers(&a, &b, &cc)
	assert.Len(t, c.Buffers(), 3)
}

func TestAcquireDetachedReleasesInOneStep(t *testing.T) {
	s := NewStore(4)
	c := s.AcquireDetached(KindAsyncCancel)
	assert.Equal(t, int32(1), c.RefCount())
	assert.Nil(t, c.Owner)
	assert.True(t, s.Release(c))
	assert.Equal(t, 4, s.FreeLen())
}

func TestRetainAddsSubmissionShares(t *testing.T) {
	s := NewStore(4)
	c := s.Acquire(KindChain, &fakeOwner{alive: true})
	c.Retain()
	c.Retain()
	assert.Equal(t, int32(4), c.RefCount())
	for i := 0; i < 3; i++ {
		assert.False(t, s.Release(c))
	}
	assert.True(t, s.Release(c))
}

type releaseCounter struct{ n int }

func (r *releaseCounter) Release() { r.n++ }

func TestReclaimInvokesReleaseHook(t *testing.T) {
	s := NewStore(4)
	c := s.Acquire(KindRead, &fakeOwner{alive: true})
	rc := &releaseCounter{}
	c.AttachBuffers(rc)

	s.Release(c)
	assert.Equal(t, 0, rc.n, "must not release while a share remains")
	s.Release(c)
	assert.Equal(t, 1, rc.n)
}

func TestWalkVisitsEveryAllocatedContext(t *testing.T) {
	s := NewStore(2)
	s.Acquire(KindRead, &fakeOwner{alive: true})
	s.Acquire(KindRead, &fakeOwner{alive: true})
	s.Acquire(KindRead, &fakeOwner{alive: true}) // triggers growth

	n := 0
	s.Walk(func(*Context) { n++ })
	assert.Equal(t, s.Len(), n)
}
