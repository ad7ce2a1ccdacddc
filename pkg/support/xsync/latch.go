// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization primitives used by the compilation cache and by
// asynchronous device launches.
package xsync

import "sync"

// Latch is a one-shot signal: it can be waited on until it is triggered, and once
// triggered it stays triggered forever.
type Latch struct {
	mu   sync.Mutex
	done chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger the latch. Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Test() {
		return
	}
	close(l.done)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.done
}

// Test returns whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel that is closed when the latch triggers, to be used in a `select`.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.done
}

// LatchWithValue is a Latch that carries a value set by whoever triggers it.
//
// It is how a single producer (e.g. the goroutine compiling a kernel) hands its result
// to any number of waiting consumers.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger sets the value and triggers the latch. Only the first call has any effect: later
// values are discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.mu.Lock()
	defer l.latch.mu.Unlock()
	if l.latch.Test() {
		return
	}
	l.value = value
	close(l.latch.done)
}

// Wait blocks until the latch is triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test returns whether the latch has been triggered, without blocking.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}

// WaitChan returns a channel that is closed when the latch triggers.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} {
	return l.latch.WaitChan()
}
