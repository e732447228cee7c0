// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package status

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Unknown, CodeOf(errors.New("plain")))

	err := Errorf(OutOfMemory, "no chunk for %d bytes", 1024)
	require.Error(t, err)
	assert.Equal(t, OutOfMemory, CodeOf(err))
	assert.True(t, Is(err, OutOfMemory))
	assert.False(t, Is(err, Runtime))
	assert.Contains(t, err.Error(), "[OutOfMemory] no chunk for 1024 bytes")

	// Wrapping with pkg/errors keeps the code.
	wrapped := errors.WithMessagef(err, "while running %q", "Add")
	assert.Equal(t, OutOfMemory, CodeOf(wrapped))

	// The outermost code wins.
	rewrapped := Wrapf(wrapped, Runtime, "node failed")
	assert.Equal(t, Runtime, CodeOf(rewrapped))
	assert.Nil(t, Wrapf(nil, Runtime, "ignored"))
}

func TestWithCode(t *testing.T) {
	assert.Nil(t, WithCode(nil, Runtime))
	err := WithCode(errors.New("kernel exploded"), Runtime)
	assert.Equal(t, Runtime, CodeOf(err))
	assert.Contains(t, fmt.Sprintf("%v", err), "kernel exploded")

	oom := Errorf(OutOfMemory, "full")
	assert.Equal(t, OutOfMemory, CodeOf(WithCode(oom, Runtime)))
}

func TestCodeOfCombined(t *testing.T) {
	combined := multierr.Combine(Errorf(Timeout, "first"), Errorf(Runtime, "second"))
	assert.Equal(t, Timeout, CodeOf(combined))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "KernelNotFound", KernelNotFound.String())
	assert.Equal(t, "Code(99)", Code(99).String())
}

func TestCodeOr(t *testing.T) {
	assert.Equal(t, InvalidAttribute, CodeOr(errors.New("plain"), InvalidAttribute))
	assert.Equal(t, OutOfMemory, CodeOr(Errorf(OutOfMemory, "full"), InvalidAttribute))
	assert.Equal(t, OK, CodeOr(nil, Internal))
}
