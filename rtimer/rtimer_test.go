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

package rtimer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/ringfiber/fiber"
	"github.com/cloudwego/ringfiber/rerrors"
	"github.com/cloudwego/ringfiber/ringio"
)

func newRuntime(t *testing.T) (*ringio.Backend, *fiber.Scheduler, *Wheel) {
	t.Helper()
	b, err := ringio.New(&ringio.Options{Depth: 64})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	s := fiber.NewScheduler(b)
	b.Bind(s)
	w := NewWheel(b, 10*time.Millisecond)
	t.Cleanup(func() { b.Close() })
	return b, s, w
}

func TestSleepWheel(t *testing.T) {
	_, s, w := newRuntime(t)
	start := time.Now()
	s.Spawn(func(f *fiber.Fiber) {
		require.NoError(t, w.Sleep(25*time.Millisecond))
		w.Stop()
	})
	s.Run()
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	assert.Empty(t, w.records, "record leaked")
}

func TestSleepZeroYieldsOnce(t *testing.T) {
	_, s, w := newRuntime(t)
	resumed := false
	s.Spawn(func(f *fiber.Fiber) {
		require.NoError(t, w.Sleep(0))
		resumed = true
	})
	s.Run()
	assert.True(t, resumed)
	assert.Empty(t, w.records)
}

func TestEveryTickCount(t *testing.T) {
	_, s, w := newRuntime(t)

	counter := 0
	var ticker *fiber.Fiber
	s.Spawn(func(f *fiber.Fiber) {
		ticker = f
		_ = w.Every(10*time.Millisecond, func() error {
			counter++
			return nil
		})
	})
	s.Spawn(func(f *fiber.Fiber) {
		require.NoError(t, w.Sleep(50*time.Millisecond))
		s.Cancel(ticker, nil)
		w.Stop()
	})
	s.Run()

	// Jitter allowance per the timer-granularity contract.
	assert.GreaterOrEqual(t, counter, 3)
	assert.LessOrEqual(t, counter, 6)
	assert.Empty(t, w.records, "record leaked")
}

func TestMoveOnAfterReturnsValue(t *testing.T) {
	_, s, w := newRuntime(t)

	var v any
	var err error
	s.Spawn(func(f *fiber.Fiber) {
		v, err = w.MoveOnAfter(10*time.Millisecond, "oops", func() (any, error) {
			if err := w.Sleep(time.Second); err != nil {
				return nil, err
			}
			return 42, nil
		})
		w.Stop()
	})
	s.Run()

	require.NoError(t, err)
	assert.Equal(t, "oops", v)
	assert.Empty(t, w.records, "record leaked")
}

func TestMoveOnAfterFastBlockKeepsResult(t *testing.T) {
	_, s, w := newRuntime(t)

	var v any
	var err error
	s.Spawn(func(f *fiber.Fiber) {
		v, err = w.MoveOnAfter(time.Second, "oops", func() (any, error) {
			return 42, nil
		})
		w.Stop()
	})
	s.Run()

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Empty(t, w.records, "record leaked")
}

func TestCancelAfterRaises(t *testing.T) {
	_, s, w := newRuntime(t)

	boom := errors.New("boom")
	var err error
	s.Spawn(func(f *fiber.Fiber) {
		err = w.CancelAfter(10*time.Millisecond, boom, func() error {
			return w.Sleep(time.Second)
		})
		w.Stop()
	})
	s.Run()

	assert.Equal(t, boom, err)
	assert.Empty(t, w.records, "record leaked")
}

func TestCancelAfterNilTemplateRaisesCancelled(t *testing.T) {
	_, s, w := newRuntime(t)

	var err error
	s.Spawn(func(f *fiber.Fiber) {
		err = w.CancelAfter(10*time.Millisecond, nil, func() error {
			return w.Sleep(time.Second)
		})
		w.Stop()
	})
	s.Run()

	var cancelled *rerrors.Cancelled
	assert.ErrorAs(t, err, &cancelled)
	assert.Empty(t, w.records, "record leaked")
}

func TestResetPreventsCancellation(t *testing.T) {
	_, s, w := newRuntime(t)

	var err error
	iterations := 0
	s.Spawn(func(f *fiber.Fiber) {
		err = w.CancelAfter(50*time.Millisecond, nil, func() error {
			for i := 0; i < 5; i++ {
				if err := w.Sleep(20 * time.Millisecond); err != nil {
					return err
				}
				iterations++
				w.Reset()
			}
			return nil
		})
		w.Stop()
	})
	s.Run()

	require.NoError(t, err)
	assert.Equal(t, 5, iterations)
	assert.Empty(t, w.records, "record leaked")
}

func TestTimeoutTemplate(t *testing.T) {
	b, s, w := newRuntime(t)

	boom := errors.New("deadline")
	var err error
	s.Spawn(func(f *fiber.Fiber) {
		_, err = w.Timeout(10*time.Millisecond, boom, nil, func() (any, error) {
			return nil, b.Sleep(time.Second)
		})
		w.Stop()
	})
	s.Run()

	assert.Equal(t, boom, err)
	assert.Equal(t, b.Store().Len(), b.Store().FreeLen(), "op context leaked")
}

func TestTimeoutMoveOnValue(t *testing.T) {
	b, s, w := newRuntime(t)

	var v any
	var err error
	s.Spawn(func(f *fiber.Fiber) {
		v, err = w.Timeout(10*time.Millisecond, nil, "fallback", func() (any, error) {
			return nil, b.Sleep(time.Second)
		})
		w.Stop()
	})
	s.Run()

	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestTimeoutNestedInnermostWins(t *testing.T) {
	b, s, w := newRuntime(t)

	inner := errors.New("inner")
	outer := errors.New("outer")
	var err error
	s.Spawn(func(f *fiber.Fiber) {
		_, err = w.Timeout(time.Second, outer, nil, func() (any, error) {
			return w.Timeout(10*time.Millisecond, inner, nil, func() (any, error) {
				return nil, b.Sleep(time.Second)
			})
		})
		w.Stop()
	})
	s.Run()

	assert.Equal(t, inner, err)
	assert.Equal(t, b.Store().Len(), b.Store().FreeLen(), "op context leaked")
}

func TestTimeoutBlockFinishesFirst(t *testing.T) {
	b, s, w := newRuntime(t)

	var v any
	var err error
	s.Spawn(func(f *fiber.Fiber) {
		v, err = w.Timeout(time.Second, nil, nil, func() (any, error) {
			return "done", nil
		})
		// Sleep past the disarm so a stale sentinel would surface here
		// if the retraction missed it.
		require.NoError(t, b.Sleep(5*time.Millisecond))
		w.Stop()
	})
	s.Run()

	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, b.Store().Len(), b.Store().FreeLen(), "op context leaked")
}
