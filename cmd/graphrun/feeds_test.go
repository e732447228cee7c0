// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janpfeifer/must"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/graph/graphio"
)

const testGraph = "testdata/add_relu.yaml"

func TestParseFeeds(t *testing.T) {
	g := must.M1(graphio.LoadFile(testGraph))

	feeds, err := parseFeeds(g, []string{"x=1,-2,3", "y= 0.5, 0.5 ,0.5"})
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, []float32{1, -2, 3}, must.M1(values.ToFlat[float32](feeds["x"])))
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, must.M1(values.ToFlat[float32](feeds["y"])))
	assert.Equal(t, []int{3}, feeds["x"].Shape().Dimensions)

	for _, specs := range [][]string{
		{"x"},           // Missing "=".
		{"w=1,2,3"},     // Not an input.
		{"scale=1,2,3"}, // Initializer, not an input.
		{"x=1,2"},       // Wrong size.
		{"x=1,a,3"},     // Not a number.
	} {
		_, err = parseFeeds(g, specs)
		assert.Error(t, err, "specs=%q", specs)
	}
}

func TestListFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var list listFlag
	fs.Var(&list, "item", "")
	require.NoError(t, fs.Parse([]string{"-item", "a", "-item=b:c=1"}))
	assert.Equal(t, listFlag{"a", "b:c=1"}, list)
	assert.Equal(t, "a b:c=1", list.String())
}

func TestRun(t *testing.T) {
	require.NoError(t, flag.Set("graph", testGraph))
	require.NoError(t, flag.Set("provider", "accel:hostInputs=Mul:1"))
	require.NoError(t, flag.Set("feed", "x=1,-2,3"))
	require.NoError(t, flag.Set("feed", "y=1,1,1"))
	require.NoError(t, flag.Set("outputs", "out"))
	require.NoError(t, flag.Set("runs", "3"))
	require.NoError(t, flag.Set("stats", "true"))
	require.NoError(t, flag.Set("plan", "true"))
	require.NoError(t, run())

	// A missing feed fails every run, but the resources are still released.
	flagFeeds = flagFeeds[:1]
	require.Error(t, run())
}
