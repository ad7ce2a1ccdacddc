// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatchWithValue(t *testing.T) {
	latch := NewLatchWithValue[int]()
	require.False(t, latch.Test())

	var wg sync.WaitGroup
	var sum atomic.Int64
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum.Add(int64(latch.Wait()))
		}()
	}
	latch.Trigger(7)
	latch.Trigger(11) // Ignored.
	wg.Wait()
	assert.True(t, latch.Test())
	assert.Equal(t, int64(70), sum.Load())
	select {
	case <-latch.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after Trigger")
	}
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Add(2)
	done := NewLatch()
	go func() {
		wg.Wait()
		done.Trigger()
	}()
	wg.Done()
	wg.Add(1)
	assert.Equal(t, 2, wg.Pending())
	wg.Done()
	require.False(t, done.Test())
	wg.Done()
	select {
	case <-done.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("Wait didn't return after counter reached zero")
	}
	require.Panics(t, func() { wg.Done() })
}

func TestSemaphore(t *testing.T) {
	sem := NewSemaphore(2)
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
}
