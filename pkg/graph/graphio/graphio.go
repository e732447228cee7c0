// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphio loads graphs from a YAML description.
//
// Example:
//
//	name: add_relu
//	inputs:
//	  - {name: a, dtype: float32, shape: [3]}
//	  - {name: b, dtype: float32, shape: [3]}
//	outputs: [y]
//	initializers:
//	  - {name: zero, dtype: float32, shape: [], data: [0]}
//	nodes:
//	  - {name: add, op: Add, inputs: [a, b], outputs: [sum]}
//	  - {name: relu, op: Relu, inputs: [sum], outputs: [y], provider: CPUExecutionProvider}
//
// An empty value name ("") in the inputs or outputs of a node is a missing optional input/output.
// A shape without dtype is unknown. All structural problems are reported as status.Load errors.
package graphio

import (
	"bytes"
	"io"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/support/fsutil"
)

// ValueDesc describes a graph input or an initializer.
type ValueDesc struct {
	Name  string    `yaml:"name"`
	DType string    `yaml:"dtype,omitempty"`
	Shape []int     `yaml:"shape,omitempty,flow"`
	Data  []float64 `yaml:"data,omitempty,flow"`
}

// NodeDesc describes a node.
type NodeDesc struct {
	Name       string         `yaml:"name"`
	Op         string         `yaml:"op"`
	Doc        string         `yaml:"doc,omitempty"`
	Inputs     []string       `yaml:"inputs,flow"`
	Outputs    []string       `yaml:"outputs,flow"`
	Provider   string         `yaml:"provider,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// GraphDesc is the YAML document describing a graph.
type GraphDesc struct {
	Name         string      `yaml:"name"`
	Inputs       []ValueDesc `yaml:"inputs"`
	Outputs      []string    `yaml:"outputs,flow"`
	Initializers []ValueDesc `yaml:"initializers,omitempty"`
	Nodes        []NodeDesc  `yaml:"nodes"`
}

// LoadFile loads the graph described in the YAML file.
// A leading "~" in path is replaced by the home directory.
func LoadFile(path string) (*graph.Graph, error) {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, status.Wrapf(err, status.Load, "graph file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, status.Wrapf(err, status.Load, "reading graph file %q", path)
	}
	g, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading graph file %q", path)
	}
	return g, nil
}

// Load the graph described in YAML from r.
func Load(r io.Reader) (*graph.Graph, error) {
	var desc GraphDesc
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&desc); err != nil {
		return nil, status.Wrapf(err, status.Load, "decoding YAML graph")
	}
	return Build(&desc)
}

// Build a graph from its description.
func Build(desc *GraphDesc) (g *graph.Graph, err error) {
	if desc.Name == "" {
		desc.Name = "graph"
	}
	err = exceptions.TryCatch[error](func() { g = mustBuild(desc) })
	if err != nil {
		return nil, status.WithCode(err, status.Load)
	}
	if err = g.Validate(); err != nil {
		return nil, status.Wrapf(err, status.Load, "loading graph %q", desc.Name)
	}
	return g, nil
}

// mustBuild builds the graph, and panics on errors.
func mustBuild(desc *GraphDesc) *graph.Graph {
	g := graph.New(desc.Name)
	for _, input := range desc.Inputs {
		if input.Name == "" {
			exceptions.Panicf("graph %q: input with no name", desc.Name)
		}
		g.AddInput(input.Name, mustShape(desc.Name, &input))
	}
	for _, init := range desc.Initializers {
		if init.Name == "" {
			exceptions.Panicf("graph %q: initializer with no name", desc.Name)
		}
		g.AddInitializer(init.Name, mustInitializerValue(desc.Name, &init))
	}
	for _, nodeDesc := range desc.Nodes {
		if nodeDesc.Op == "" {
			exceptions.Panicf("graph %q: node %q has no op", desc.Name, nodeDesc.Name)
		}
		node := g.AddNode(nodeDesc.Name, nodeDesc.Op, nodeDesc.Doc, nodeDesc.Inputs, nodeDesc.Outputs)
		node.Provider = nodeDesc.Provider
		for key, value := range nodeDesc.Attributes {
			node.Attributes[key] = normalizeAttribute(desc.Name, node.Name, key, value)
		}
	}
	g.SetOutputs(desc.Outputs...)
	return g
}

func mustShape(graphName string, v *ValueDesc) shapes.Shape {
	if v.DType == "" {
		if len(v.Shape) > 0 {
			exceptions.Panicf("graph %q: value %q has a shape but no dtype", graphName, v.Name)
		}
		return shapes.Invalid()
	}
	dtype, err := shapes.DTypeFromName(v.DType)
	if err != nil {
		panic(errors.WithMessagef(err, "graph %q: value %q", graphName, v.Name))
	}
	for _, dim := range v.Shape {
		if dim < 0 {
			exceptions.Panicf("graph %q: value %q has negative dimension in shape %v", graphName, v.Name, v.Shape)
		}
	}
	return shapes.Make(dtype, v.Shape...)
}

func mustInitializerValue(graphName string, v *ValueDesc) *values.Value {
	shape := mustShape(graphName, v)
	if !shape.Ok() {
		exceptions.Panicf("graph %q: initializer %q must have a dtype", graphName, v.Name)
	}
	if len(v.Data) != shape.Size() {
		exceptions.Panicf("graph %q: initializer %q of shape %s requires %d elements, got %d",
			graphName, v.Name, shape, shape.Size(), len(v.Data))
	}
	var value *values.Value
	var err error
	switch shape.DType {
	case dtypes.Float32:
		value, err = values.FromFlat(convertData(v.Data, func(x float64) float32 { return float32(x) }), shape.Dimensions...)
	case dtypes.Float64:
		value, err = values.FromFlat(v.Data, shape.Dimensions...)
	case dtypes.Int32:
		value, err = values.FromFlat(convertData(v.Data, func(x float64) int32 { return int32(x) }), shape.Dimensions...)
	case dtypes.Int64:
		value, err = values.FromFlat(convertData(v.Data, func(x float64) int64 { return int64(x) }), shape.Dimensions...)
	case dtypes.Float16:
		value, err = values.FromFlat(convertData(v.Data, func(x float64) float16.Float16 { return float16.Fromfloat32(float32(x)) }),
			shape.Dimensions...)
	default:
		exceptions.Panicf("graph %q: initializer %q has dtype %s, not supported for initializers", graphName, v.Name, shape.DType)
	}
	if err != nil {
		panic(errors.WithMessagef(err, "graph %q: initializer %q", graphName, v.Name))
	}
	return value
}

func convertData[T any](data []float64, convert func(float64) T) []T {
	converted := make([]T, len(data))
	for ii, x := range data {
		converted[ii] = convert(x)
	}
	return converted
}

// normalizeAttribute converts YAML decoded attribute values to the types documented in graph.Node.
func normalizeAttribute(graphName, nodeName, key string, value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case float64, string:
		return v
	case []any:
		allInts := true
		for _, e := range v {
			if _, ok := e.(int); !ok {
				allInts = false
			}
		}
		if allInts {
			ints := make([]int64, len(v))
			for ii, e := range v {
				ints[ii] = int64(e.(int))
			}
			return ints
		}
		floats := make([]float64, len(v))
		for ii, e := range v {
			switch x := e.(type) {
			case int:
				floats[ii] = float64(x)
			case float64:
				floats[ii] = x
			default:
				exceptions.Panicf("graph %q: node %q attribute %q: lists must be numeric, got element %T",
					graphName, nodeName, key, e)
			}
		}
		return floats
	}
	exceptions.Panicf("graph %q: node %q attribute %q has unsupported type %T", graphName, nodeName, key, value)
	return nil
}

// Save writes the description of g as YAML. Initializers are written with their values converted to float64.
func Save(g *graph.Graph, w io.Writer) error {
	desc := Describe(g)
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(desc); err != nil {
		return errors.Wrapf(err, "encoding graph %q", g.Name())
	}
	return encoder.Close()
}

// Describe returns the description of g, the inverse of Build.
func Describe(g *graph.Graph) *GraphDesc {
	desc := &GraphDesc{Name: g.Name()}
	valueDesc := func(def *graph.ValueDef) ValueDesc {
		vd := ValueDesc{Name: def.Name}
		if def.Shape.Ok() {
			vd.DType = dtypeName(def.Shape.DType)
			vd.Shape = def.Shape.Dimensions
		}
		return vd
	}
	for _, input := range g.Inputs() {
		desc.Inputs = append(desc.Inputs, valueDesc(input))
	}
	for _, name := range g.Initializers() {
		vd := valueDesc(g.Def(name))
		v, _ := g.Initializer(name)
		vd.Data = initializerData(v)
		desc.Initializers = append(desc.Initializers, vd)
	}
	for _, node := range g.Nodes() {
		nd := NodeDesc{Name: node.Name, Op: node.OpType, Doc: node.Description, Provider: node.Provider}
		for _, input := range node.Inputs {
			nd.Inputs = append(nd.Inputs, input.Name)
		}
		for _, output := range node.Outputs {
			nd.Outputs = append(nd.Outputs, output.Name)
		}
		if len(node.Attributes) > 0 {
			nd.Attributes = node.Attributes
		}
		desc.Nodes = append(desc.Nodes, nd)
	}
	for _, output := range g.Outputs() {
		desc.Outputs = append(desc.Outputs, output.Name)
	}
	return desc
}

func dtypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float16:
		return "float16"
	case dtypes.Float32:
		return "float32"
	case dtypes.Float64:
		return "float64"
	case dtypes.Int32:
		return "int32"
	case dtypes.Int64:
		return "int64"
	}
	return dtype.String()
}

func initializerData(v *values.Value) []float64 {
	toFloat64 := func(flat []float64, err error) []float64 {
		if err != nil {
			return nil
		}
		return flat
	}
	switch v.Shape().DType {
	case dtypes.Float32:
		return toFloat64(convertFlat[float32](v, func(x float32) float64 { return float64(x) }))
	case dtypes.Float64:
		return toFloat64(values.ToFlat[float64](v))
	case dtypes.Int32:
		return toFloat64(convertFlat[int32](v, func(x int32) float64 { return float64(x) }))
	case dtypes.Int64:
		return toFloat64(convertFlat[int64](v, func(x int64) float64 { return float64(x) }))
	case dtypes.Float16:
		return toFloat64(convertFlat[float16.Float16](v, func(x float16.Float16) float64 { return float64(x.Float32()) }))
	}
	return nil
}

func convertFlat[T dtypes.Supported](v *values.Value, convert func(T) float64) ([]float64, error) {
	flat, err := values.Flat[T](v)
	if err != nil {
		return nil, err
	}
	converted := make([]float64, len(flat))
	for ii, x := range flat {
		converted[ii] = convert(x)
	}
	return converted, nil
}
