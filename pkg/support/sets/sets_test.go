// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string](10)
	assert.Len(t, s, 0)

	s.Insert("x", "y")
	assert.True(t, s.Has("x"))
	assert.False(t, s.Has("z"))

	s2 := MakeWith("y", "z")
	assert.Equal(t, []string{"x"}, Sorted(s.Sub(s2)))
	assert.Equal(t, []string{"y"}, Sorted(s.Intersect(s2)))
	assert.Equal(t, []string{"y"}, Sorted(s2.Intersect(s)))
	assert.Empty(t, s.Intersect(MakeWith("w")))

	s.Remove("y", "not-there")
	assert.Equal(t, []string{"x"}, Sorted(s))
	assert.True(t, s.Equal(MakeWith("x")))
	assert.False(t, s.Equal(s2))
	assert.False(t, s.Equal(MakeWith("w")))
}
