// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/graphexec/internal/xsync"
)

func TestPool_Limit(t *testing.T) {
	pool := New(3)
	assert.Equal(t, 3, pool.MaxParallelism())

	release := xsync.NewLatch()
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			err := pool.WaitToStart(context.Background(), func() {
				defer wg.Done()
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				release.Wait()
				running.Add(-1)
			})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return pool.NumRunning() == 3 }, time.Second, time.Millisecond)
	assert.False(t, pool.StartIfAvailable(func() {}))
	release.Trigger()
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
	require.Eventually(t, func() bool { return pool.NumRunning() == 0 }, time.Second, time.Millisecond)
}

func TestPool_WaitToStartContext(t *testing.T) {
	pool := New(1)
	release := xsync.NewLatch()
	require.True(t, pool.StartIfAvailable(release.Wait))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := pool.WaitToStart(ctx, func() { ran.Store(true) })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	release.Trigger()
	assert.False(t, ran.Load())
}

func TestPool_Unlimited(t *testing.T) {
	pool := New(-1)
	release := xsync.NewLatch()
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		require.True(t, pool.StartIfAvailable(func() {
			defer wg.Done()
			release.Wait()
		}))
	}
	assert.Equal(t, 100, pool.NumRunning())
	release.Trigger()
	wg.Wait()
}
