// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/memory"
)

const testProvider = "TestProvider"

// mapStore is a ValueStore backed by a map, with outputs on host memory.
type mapStore map[int]*values.Value

func (s mapStore) Value(idx int) *values.Value { return s[idx] }

func (s mapStore) OutputValue(idx int, shape shapes.Shape) (*values.Value, error) {
	v := values.Zeros(shape)
	s[idx] = v
	return v, nil
}

func newTestRegistry(t *testing.T) *Registry {
	r := NewRegistry()
	require.NoError(t, RegisterReferenceOps(r, testProvider))
	require.NoError(t, RegisterMemcpyOps(r, testProvider))
	return r
}

// compute creates the kernel for node and computes it with the given inputs (nil for a missing input).
// Outputs flagged false in present are missing optional outputs.
func compute(t *testing.T, r *Registry, node *graph.Node, inputs []*values.Value, present ...bool) ([]*values.Value, error) {
	kernel, _, err := r.Create(node, testProvider, nil)
	if err != nil {
		return nil, err
	}
	store := mapStore{}
	inputIdx := make([]int, len(inputs))
	for ii, v := range inputs {
		inputIdx[ii] = -1
		if v != nil {
			inputIdx[ii] = ii
			store[ii] = v
		}
	}
	outputIdx := make([]int, len(present))
	for ii, p := range present {
		outputIdx[ii] = -1
		if p {
			outputIdx[ii] = 100 + ii
		}
	}
	err = kernel.Compute(NewContext(context.Background(), node, inputIdx, outputIdx, store))
	outputs := make([]*values.Value, len(present))
	for ii := range present {
		outputs[ii] = store[100+ii]
	}
	return outputs, err
}

func newNode(opType string, attrs map[string]any) *graph.Node {
	g := graph.New("test")
	node := g.AddNode("", opType, "", nil, nil)
	for k, v := range attrs {
		node.Attributes[k] = v
	}
	return node
}

func TestRegistry(t *testing.T) {
	r := newTestRegistry(t)
	assert.True(t, r.Has("Add", testProvider))
	assert.False(t, r.Has("Add", "OtherProvider"))
	assert.Contains(t, r.OpTypes(testProvider), "NonMaxSuppression")
	assert.Empty(t, r.OpTypes("OtherProvider"))
	require.Error(t, r.Register(Def("Add", testProvider), nil))
	require.Error(t, r.Register(Def("Add", ""), nil))

	def, _, found := r.Lookup(MemcpyFromHost, testProvider)
	require.True(t, found)
	assert.Equal(t, memory.CPUInput, def.InputMemoryType(0))
	assert.Equal(t, memory.Default, def.OutputMemoryType(0))
	def, _, _ = r.Lookup(MemcpyToHost, testProvider)
	assert.Equal(t, memory.CPUOutput, def.OutputMemoryType(0))
	assert.Equal(t, "MemcpyToHost@TestProvider", def.String())

	clone := def.Clone().HostInput(0)
	assert.Equal(t, memory.Default, def.InputMemoryType(0))
	assert.Equal(t, memory.CPUInput, clone.InputMemoryType(0))

	_, _, err := r.Create(newNode("Conv", nil), testProvider, nil)
	assert.True(t, status.Is(err, status.KernelNotFound), "got %v", err)
}

func TestBinary(t *testing.T) {
	r := newTestRegistry(t)
	a := must.M1(values.FromFlat([]float32{1, 2, 3}, 3))
	b := must.M1(values.FromFlat([]float32{1, 1, 1}, 3))
	outputs, err := compute(t, r, newNode("Add", nil), []*values.Value{a, b}, true)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 4}, must.M1(values.ToFlat[float32](outputs[0])))

	// Scalar broadcast, both sides.
	two := values.FromScalar(int64(2))
	x := must.M1(values.FromFlat([]int64{1, 2, 3, 4}, 2, 2))
	outputs, err = compute(t, r, newNode("Mul", nil), []*values.Value{x, two}, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 6, 8}, must.M1(values.ToFlat[int64](outputs[0])))
	outputs, err = compute(t, r, newNode("Sub", nil), []*values.Value{two, x}, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 0, -1, -2}, must.M1(values.ToFlat[int64](outputs[0])))
	assert.Equal(t, []int{2, 2}, outputs[0].Shape().Dimensions)

	// Float16.
	h := must.M1(values.FromFlat([]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2)}, 2))
	outputs, err = compute(t, r, newNode("Add", nil), []*values.Value{h, h}, true)
	require.NoError(t, err)
	flat := must.M1(values.ToFlat[float16.Float16](outputs[0]))
	assert.Equal(t, float32(3), flat[0].Float32())
	assert.Equal(t, float32(-4), flat[1].Float32())

	// Errors.
	_, err = compute(t, r, newNode("Add", nil), []*values.Value{a, x}, true)
	assert.True(t, status.Is(err, status.Runtime), "got %v", err)
	c := must.M1(values.FromFlat([]float32{1, 2}, 2))
	_, err = compute(t, r, newNode("Add", nil), []*values.Value{a, c}, true)
	assert.True(t, status.Is(err, status.Runtime), "got %v", err)
	_, err = compute(t, r, newNode("Add", nil), []*values.Value{a, nil}, true)
	assert.True(t, status.Is(err, status.Runtime), "got %v", err)
}

func TestReluIdentityUnsqueeze(t *testing.T) {
	r := newTestRegistry(t)
	x := must.M1(values.FromFlat([]float64{-1, 0, 2.5}, 3))
	outputs, err := compute(t, r, newNode("Relu", nil), []*values.Value{x}, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 2.5}, must.M1(values.ToFlat[float64](outputs[0])))

	i := must.M1(values.FromFlat([]int32{-3, 3}, 2))
	outputs, err = compute(t, r, newNode("Relu", nil), []*values.Value{i}, true)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3}, must.M1(values.ToFlat[int32](outputs[0])))

	outputs, err = compute(t, r, newNode("Identity", nil), []*values.Value{x}, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, 0, 2.5}, must.M1(values.ToFlat[float64](outputs[0])))

	// Missing optional output: nothing is created.
	outputs, err = compute(t, r, newNode("Identity", nil), []*values.Value{x}, false)
	require.NoError(t, err)
	assert.Nil(t, outputs[0])

	outputs, err = compute(t, r, newNode("Unsqueeze", map[string]any{"axes": []int64{0, -1}}), []*values.Value{x}, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 1}, outputs[0].Shape().Dimensions)

	_, err = compute(t, r, newNode("Unsqueeze", nil), []*values.Value{x}, true)
	assert.True(t, status.Is(err, status.InvalidAttribute), "got %v", err)
}

func TestNonMaxSuppression(t *testing.T) {
	r := newTestRegistry(t)
	boxes := must.M1(values.FromFlat([]float32{
		0, 0, 1, 1, // #0
		0, 0.1, 1, 1.1, // #1: overlaps #0 a lot.
		0, 10, 1, 11, // #2
		1, 1, 0, 0, // #3: same as #0, flipped corners.
		0, 20, 1, 21, // #4: low score.
	}, 5, 4))
	scores := must.M1(values.FromFlat([]float32{0.9, 0.95, 0.5, 0.3, 0.05}, 5))
	attrs := map[string]any{"max_output_size": int64(10), "iou_threshold": 0.5, "score_threshold": 0.1}

	outputs, err := compute(t, r, newNode("NonMaxSuppression", attrs), []*values.Value{boxes, scores}, true, true)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, must.M1(values.ToFlat[int32](outputs[0])))
	assert.Equal(t, []int32{2}, must.M1(values.ToFlat[int32](outputs[1])))

	attrs["max_output_size"] = int64(4)
	attrs["pad_to_max_output_size"] = int64(1)
	outputs, err = compute(t, r, newNode("NonMaxSuppression", attrs), []*values.Value{boxes, scores}, true, true)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 0, 0}, must.M1(values.ToFlat[int32](outputs[0])))
	assert.Equal(t, []int32{2}, must.M1(values.ToFlat[int32](outputs[1])))

	// Attribute validation happens when creating the kernel.
	for _, badIOU := range []float64{-0.1, 1.5} {
		attrs["iou_threshold"] = badIOU
		_, _, err = r.Create(newNode("NonMaxSuppression", attrs), testProvider, nil)
		assert.True(t, status.Is(err, status.InvalidAttribute), "iou_threshold=%g: got %v", badIOU, err)
	}
	attrs["iou_threshold"] = 1.0
	delete(attrs, "score_threshold")
	_, _, err = r.Create(newNode("NonMaxSuppression", attrs), testProvider, nil)
	assert.True(t, status.Is(err, status.InvalidAttribute), "got %v", err)
}

func TestSleep(t *testing.T) {
	r := newTestRegistry(t)
	x := values.FromScalar(float32(7))
	start := time.Now()
	outputs, err := compute(t, r, newNode("Sleep", map[string]any{"millis": int64(10)}), []*values.Value{x}, true)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, []float32{7}, must.M1(values.ToFlat[float32](outputs[0])))

	// Interrupted.
	kernel, _, err := r.Create(newNode("Sleep", map[string]any{"millis": int64(10_000)}), testProvider, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = kernel.Compute(NewContext(ctx, newNode("Sleep", nil), []int{0}, []int{1}, mapStore{0: x}))
	assert.True(t, status.Is(err, status.Runtime), "got %v", err)

	_, _, err = r.Create(newNode("Sleep", map[string]any{"millis": int64(-1)}), testProvider, nil)
	assert.True(t, status.Is(err, status.InvalidAttribute))
}

func TestUnsupportedDType(t *testing.T) {
	r := newTestRegistry(t)
	x := must.M1(values.FromFlat([]uint8{1, 2}, 2))
	_, err := compute(t, r, newNode("Relu", nil), []*values.Value{x}, true)
	assert.True(t, status.Is(err, status.NotImplemented), "got %v", err)
	assert.Equal(t, dtypes.Uint8, x.Shape().DType)
}
