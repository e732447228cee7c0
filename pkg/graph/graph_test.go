// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
)

func nodeNames(nodes []*Node) []string {
	names := make([]string, len(nodes))
	for ii, node := range nodes {
		names[ii] = node.Name
	}
	return names
}

// buildDiamond builds x -> a -> (b, c) -> d.
func buildDiamond() *Graph {
	g := New("diamond")
	g.AddInput("x", shapes.Make(dtypes.Float32, 3))
	// Added out of order on purpose.
	g.AddNode("d", "Add", "", []string{"b_out", "c_out"}, []string{"y"})
	g.AddNode("c", "Relu", "", []string{"a_out"}, []string{"c_out"})
	g.AddNode("b", "Relu", "", []string{"a_out"}, []string{"b_out"})
	g.AddNode("a", "Identity", "", []string{"x"}, []string{"a_out"})
	g.SetOutputs("y")
	return g
}

func TestTopologicalOrder(t *testing.T) {
	g := buildDiamond()
	require.NoError(t, g.Validate())
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b", "d"}, nodeNames(order))

	// Cycle.
	g = New("cycle")
	g.AddNode("n0", "Relu", "", []string{"v1"}, []string{"v0"})
	g.AddNode("n1", "Relu", "", []string{"v0"}, []string{"v1"})
	_, err = g.TopologicalOrder()
	assert.True(t, status.Is(err, status.Internal), "got %v", err)
}

func TestProducersAndConsumers(t *testing.T) {
	g := buildDiamond()
	aOut := g.Def("a_out")
	require.NotNil(t, aOut)
	assert.Equal(t, "a", g.Producer(aOut).Name)
	assert.Equal(t, []string{"c", "b"}, nodeNames(g.Consumers(aOut)))
	assert.Nil(t, g.Producer(g.Def("x")))
	assert.True(t, g.IsInput(g.Def("x")))
	assert.True(t, g.IsOutput(g.Def("y")))
	assert.False(t, g.IsOutput(aOut))
	assert.Equal(t, 4, g.NumNodes())
	assert.Equal(t, "b", g.NodeByName("b").Name)
}

func TestNames(t *testing.T) {
	g := buildDiamond()
	assert.Equal(t, "Memcpy", g.GenerateNodeName("Memcpy"))
	g.AddNode(g.GenerateNodeName("Memcpy"), "MemcpyFromHost", "", []string{"x"}, []string{"x2"})
	assert.Equal(t, "Memcpy_1", g.GenerateNodeName("Memcpy"))
	assert.Equal(t, "a_1", g.GenerateNodeName("a"))
	assert.Equal(t, "x_1", g.GenerateDefName("x"))
	assert.Equal(t, "new", g.GenerateDefName("new"))

	// Generated from the op type when the name is empty.
	n := g.AddNode("", "Relu", "", []string{"y"}, []string{"z"})
	assert.Equal(t, "Relu", n.Name)
}

func TestRemoveNodeAndReplaceDefs(t *testing.T) {
	g := buildDiamond()
	a := g.NodeByName("a")
	x, aOut := g.Def("x"), g.Def("a_out")
	for _, consumer := range g.Consumers(aOut) {
		consumer.ReplaceDefs(map[*ValueDef]*ValueDef{aOut: x})
	}
	g.RemoveNode(a)
	assert.Nil(t, g.Node(a.Index))
	assert.Equal(t, 3, g.NumNodes())
	assert.Equal(t, 4, g.MaxNodeIndex())
	require.NoError(t, g.Validate())
	order := must.M1(g.TopologicalOrder())
	assert.Equal(t, []string{"c", "b", "d"}, nodeNames(order))
}

func TestValidate(t *testing.T) {
	g := New("invalid")
	g.AddNode("n", "Relu", "", []string{"undefined"}, []string{"out"})
	g.SetOutputs("out", "nowhere")
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined")
	assert.Contains(t, err.Error(), "nowhere")

	// Missing optional inputs are fine.
	g = New("optional")
	g.AddInput("x", shapes.Invalid())
	n := g.AddNode("n", "Relu", "", []string{"x", ""}, []string{"y", ""})
	assert.Same(t, Missing(), n.Inputs[1])
	assert.False(t, n.Outputs[1].Exists)
	g.SetOutputs("y")
	require.NoError(t, g.Validate())
}

func TestBuildErrors(t *testing.T) {
	g := buildDiamond()
	err := exceptions.TryCatch[error](func() {
		g.AddNode("other", "Relu", "", []string{"x"}, []string{"a_out"})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced by both")

	err = exceptions.TryCatch[error](func() { g.AddNode("a", "Relu", "", nil, nil) })
	require.Error(t, err)

	g.Freeze()
	assert.True(t, g.Frozen())
	require.Panics(t, func() { g.AddInput("new", shapes.Invalid()) })
	require.Panics(t, func() { g.RemoveNode(g.NodeByName("a")) })
}

func TestInitializers(t *testing.T) {
	g := New("init")
	g.AddInitializer("w", must.M1(values.FromFlat([]float32{1, 2}, 2)))
	g.AddInitializer("b", values.FromScalar(float32(1)))
	assert.Equal(t, []string{"b", "w"}, g.Initializers())
	assert.True(t, g.IsInitializer("w"))
	assert.True(t, g.Def("w").Shape.Equal(shapes.Make(dtypes.Float32, 2)))
	v, found := g.Initializer("w")
	require.True(t, found)
	assert.Equal(t, []float32{1, 2}, must.M1(values.ToFlat[float32](v)))
	g.RemoveInitializer("w")
	assert.False(t, g.IsInitializer("w"))
	assert.NotNil(t, g.Def("w"))
}

func TestAttributes(t *testing.T) {
	g := New("attrs")
	n := g.AddNode("nms", "NonMaxSuppression", "", nil, nil)
	n.Attributes["max_output_size"] = int64(10)
	n.Attributes["iou_threshold"] = 0.5
	n.Attributes["axes"] = []int64{0, 2}
	n.Attributes["mode"] = "fast"
	n.Attributes["one"] = 1

	assert.Equal(t, int64(10), must.M1(n.AttrInt("max_output_size")))
	assert.Equal(t, 0.5, must.M1(n.AttrFloat("iou_threshold")))
	assert.Equal(t, 1.0, must.M1(n.AttrFloat("one")))
	assert.Equal(t, []int64{0, 2}, must.M1(n.AttrInts("axes")))
	assert.Equal(t, "fast", must.M1(n.AttrString("mode")))
	assert.Equal(t, int64(3), must.M1(n.AttrIntOr("missing", 3)))
	assert.Equal(t, 0.25, must.M1(n.AttrFloatOr("missing", 0.25)))

	_, err := n.AttrInt("iou_threshold")
	assert.True(t, status.Is(err, status.InvalidAttribute))
	_, err = n.AttrFloat("missing")
	assert.True(t, status.Is(err, status.InvalidAttribute))
	_, err = n.AttrString("axes")
	assert.True(t, status.Is(err, status.InvalidAttribute))
}
