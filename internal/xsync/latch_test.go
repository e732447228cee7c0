// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())
	go func() { l.Trigger() }()
	l.Wait()
	assert.True(t, l.Test())
	assert.False(t, l.Trigger())
	require.NoError(t, l.WaitContext(context.Background()))
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan not closed after trigger")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err := l.WaitContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, l.Trigger(7))
	assert.False(t, l.Trigger(8))
	assert.Equal(t, 7, l.Wait())
	v, err := l.WaitContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
