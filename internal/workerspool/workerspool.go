// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a pool with a fixed number of concurrent workers.
//
// The session uses one pool for inter-op parallelism (concurrent Run calls), and the parallel executor
// uses another for intra-op parallelism (independent nodes of the same run). Keeping them apart avoids
// a run waiting on workers held by the runs waiting for it.
package workerspool

import (
	"context"
	"runtime"
	"sync"
)

// Pool limits the number of tasks running concurrently.
type Pool struct {
	// maxParallelism is the maximum number of tasks running at the same time.
	// If 0 tasks run inline, if < 0 it is unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a new Pool with the given parallelism. If maxParallelism is 0, runtime.NumCPU() is used.
// Use a negative value for unlimited parallelism.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	p := &Pool{maxParallelism: maxParallelism}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the limit of concurrent tasks, or a negative value if unlimited.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// NumRunning returns the number of tasks currently running.
func (p *Pool) NumRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numRunning
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedIsFull() bool {
	if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// WaitToStart waits until there is a worker available, and runs the task in a separate goroutine.
//
// If ctx is done before a worker is available, the task is not run and ctx.Err() is returned.
func (p *Pool) WaitToStart(ctx context.Context, task func()) error {
	if ctx.Done() != nil {
		// Wake up waiters when the context is done, so they can check it.
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		defer stop()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.lockedRunTaskInGoroutine(task)
	return nil
}

// lockedRunTaskInGoroutine and keep tabs on p.numRunning.
//
// It must be called with Pool.mu acquired.
func (p *Pool) lockedRunTaskInGoroutine(task func()) {
	p.numRunning++
	go func() {
		defer func() {
			p.mu.Lock()
			p.numRunning--
			p.cond.Broadcast()
			p.mu.Unlock()
		}()
		task()
	}()
}

// StartIfAvailable runs the task in a separate goroutine, if there is a worker available.
// It returns true if it started the task, false otherwise, in which case the caller is expected to
// run it inline.
//
// It's up to the caller to synchronize the end of the task.
func (p *Pool) StartIfAvailable(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockedIsFull() {
		return false
	}
	p.lockedRunTaskInGoroutine(task)
	return true
}
