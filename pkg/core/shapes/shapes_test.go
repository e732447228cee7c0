// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 4, s.ElementSize())
	assert.Equal(t, 24, s.Memory())
	assert.Equal(t, "(Float32)[2 3]", s.String())

	scalar := Make(dtypes.Int64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, 8, scalar.Memory())

	clone := s.Clone()
	clone.Dimensions[0] = 7
	assert.Equal(t, 2, s.Dimensions[0])
	assert.False(t, s.Equal(clone))
	assert.True(t, s.Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 2, 3)))

	invalid := Invalid()
	assert.False(t, invalid.Ok())
	assert.Equal(t, 0, invalid.Memory())
	assert.Equal(t, "(?)", invalid.String())

	require.Panics(t, func() { _ = Make(dtypes.Float32, -1) })
}

func TestDTypeFromName(t *testing.T) {
	dtype, err := DTypeFromName("float32")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dtype)
	dtype, err = DTypeFromName("Int64")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int64, dtype)
	_, err = DTypeFromName("complex256")
	require.Error(t, err)
}

func TestUnsqueeze(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	u, err := s.Unsqueeze(0, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 1}, u.Dimensions)

	u, err = s.Unsqueeze(-1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1}, u.Dimensions)

	_, err = s.Unsqueeze(3)
	require.Error(t, err)
	_, err = s.Unsqueeze(1, 1)
	require.Error(t, err)
	_, err = Invalid().Unsqueeze(0)
	require.Error(t, err)
}
