// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the completion signals used by the session to wait for runs.
package xsync

import (
	"context"
	"sync"
)

// Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state.
type Latch struct {
	mu   sync.Mutex
	done chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trigger the latch. Subsequent calls are no-ops.
// It returns whether this call triggered it.
func (l *Latch) Trigger() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Test() {
		return false
	}
	close(l.done)
	return true
}

// Wait for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.done
}

// WaitContext waits for the latch to be triggered, or for ctx to be done, in which case it returns ctx.Err().
func (l *Latch) WaitContext(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		// The latch may have been triggered at the same time: prefer reporting it.
		if l.Test() {
			return nil
		}
		return ctx.Err()
	}
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch triggers.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.done
}

// LatchWithValue is a Latch that carries a value set by the first Trigger.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger the latch with value. If the latch was already triggered the value is discarded
// and it returns false.
func (l *LatchWithValue[T]) Trigger(value T) bool {
	l.latch.mu.Lock()
	defer l.latch.mu.Unlock()
	if l.latch.Test() {
		return false
	}
	l.value = value
	close(l.latch.done)
	return true
}

// Wait for the latch to be triggered and return its value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// WaitContext waits for the latch value, or for ctx to be done.
func (l *LatchWithValue[T]) WaitContext(ctx context.Context) (T, error) {
	if err := l.latch.WaitContext(ctx); err != nil {
		var zero T
		return zero, err
	}
	return l.value, nil
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}
