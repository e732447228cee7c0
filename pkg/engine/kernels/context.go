// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"context"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/graph"
)

// ValueStore is where a kernel reads its inputs and creates its outputs: the execution frame of the run.
type ValueStore interface {
	// Value returns the value with the given index.
	Value(valueIdx int) *values.Value

	// OutputValue returns the value with the given index, allocating its buffer for shape if needed.
	OutputValue(valueIdx int, shape shapes.Shape) (*values.Value, error)
}

// Context of a kernel computation: the node being computed, and access to its input and output values.
//
// Input and output indices refer to the node's inputs and outputs. Missing optional inputs/outputs have
// a value index < 0.
type Context struct {
	ctx            context.Context
	node           *graph.Node
	inputs, output []int
	store          ValueStore
}

// NewContext creates the context to compute node, whose inputs and outputs are stored in store with
// the given value indices.
func NewContext(ctx context.Context, node *graph.Node, inputs, outputs []int, store ValueStore) *Context {
	return &Context{ctx: ctx, node: node, inputs: inputs, output: outputs, store: store}
}

// Context returns the context.Context of the run. It is cancelled if the run is abandoned (e.g. timeout).
func (c *Context) Context() context.Context { return c.ctx }

// Node being computed.
func (c *Context) Node() *graph.Node { return c.node }

// NumInputs returns the number of inputs of the node, including missing optional ones.
func (c *Context) NumInputs() int { return len(c.inputs) }

// NumOutputs returns the number of outputs of the node, including missing optional ones.
func (c *Context) NumOutputs() int { return len(c.output) }

// Input returns the i-th input value, or nil if it is a missing optional input.
func (c *Context) Input(i int) *values.Value {
	if i < 0 || i >= len(c.inputs) || c.inputs[i] < 0 {
		return nil
	}
	return c.store.Value(c.inputs[i])
}

// RequiredInput returns the i-th input value, or a status.Runtime error if it is missing or not set.
func (c *Context) RequiredInput(i int) (*values.Value, error) {
	v := c.Input(i)
	if !v.IsSet() {
		return nil, status.Errorf(status.Runtime, "node %q (%s): input #%d is required", c.node.Name, c.node.OpType, i)
	}
	return v, nil
}

// Output returns the i-th output value with a buffer for shape. It returns (nil, nil) if the
// output is a missing optional output.
func (c *Context) Output(i int, shape shapes.Shape) (*values.Value, error) {
	if i < 0 || i >= len(c.output) || c.output[i] < 0 {
		return nil, nil
	}
	return c.store.OutputValue(c.output[i], shape)
}
