// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package refcount implements Handle, a shared-ownership reference to a value with an explicit release.
//
// The holder that creates the Handle owns the first reference. Every other holder calls AddRef before
// keeping it, and Release when done. When the last reference is released, the onRelease function is
// called once, with the value.
package refcount

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// Handle is a reference counted handle to a value of type T. It is safe for concurrent use.
type Handle[T any] struct {
	value     T
	count     atomic.Int64
	onRelease func(T)
}

// New returns a Handle holding value with a reference count of 1.
// onRelease may be nil.
func New[T any](value T, onRelease func(T)) *Handle[T] {
	h := &Handle[T]{value: value, onRelease: onRelease}
	h.count.Store(1)
	return h
}

// AddRef increments the reference count and returns the handle itself, for convenience.
// It panics if the handle was already fully released.
func (h *Handle[T]) AddRef() *Handle[T] {
	for {
		current := h.count.Load()
		if current <= 0 {
			exceptions.Panicf("refcount.Handle[%T].AddRef() on a released handle", h.value)
		}
		if h.count.CompareAndSwap(current, current+1) {
			return h
		}
	}
}

// Release decrements the reference count. It returns true if this was the last reference, in which
// case onRelease was called.
// It panics if called more times than references were taken.
func (h *Handle[T]) Release() bool {
	count := h.count.Add(-1)
	if count < 0 {
		exceptions.Panicf("refcount.Handle[%T].Release() called more times than references taken", h.value)
	}
	if count > 0 {
		return false
	}
	if h.onRelease != nil {
		h.onRelease(h.value)
	}
	return true
}

// Value held by the handle.
func (h *Handle[T]) Value() T { return h.value }

// Count returns the current number of references.
func (h *Handle[T]) Count() int { return int(h.count.Load()) }
