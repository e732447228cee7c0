// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
)

// ValueDef is the definition of a value flowing through the graph: its unique name and its shape, if known.
//
// ValueDefs are compared by identity: two nodes consume the same value if they hold the same *ValueDef.
type ValueDef struct {
	Name  string
	Shape shapes.Shape

	// Exists is false only for the placeholder of missing optional inputs/outputs.
	Exists bool
}

// missing is the shared placeholder for missing optional inputs and outputs.
var missing = &ValueDef{Name: "", Shape: shapes.Invalid(), Exists: false}

// Missing returns the placeholder for a missing optional input or output.
func Missing() *ValueDef { return missing }

// String implements fmt.Stringer.
func (d *ValueDef) String() string {
	if !d.Exists {
		return "<missing>"
	}
	return fmt.Sprintf("%q%s", d.Name, d.Shape)
}

// Node is an operator in the graph.
type Node struct {
	// Index of the node in the graph. It is stable: it doesn't change when other nodes are added or removed.
	Index int

	Name, OpType, Description string

	Inputs, Outputs []*ValueDef

	// Attributes of the operator: values are int64, float64, string, []int64 or []float64.
	Attributes map[string]any

	// Provider is the type of the execution provider the node is assigned to, or "" if not yet assigned.
	Provider string
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	names := func(defs []*ValueDef) string {
		parts := make([]string, len(defs))
		for ii, def := range defs {
			parts[ii] = def.Name
		}
		return strings.Join(parts, ", ")
	}
	provider := n.Provider
	if provider == "" {
		provider = "?"
	}
	return fmt.Sprintf("#%d %s(%s)@%s[%s] -> [%s]", n.Index, n.Name, n.OpType, provider,
		names(n.Inputs), names(n.Outputs))
}

// ReplaceDefs rewrites the inputs and outputs of the node: any def found as a key in replacements is
// replaced by the corresponding value.
func (n *Node) ReplaceDefs(replacements map[*ValueDef]*ValueDef) {
	for ii, def := range n.Inputs {
		if r, found := replacements[def]; found {
			n.Inputs[ii] = r
		}
	}
	for ii, def := range n.Outputs {
		if r, found := replacements[def]; found {
			n.Outputs[ii] = r
		}
	}
}

// HasAttr returns whether the attribute is set.
func (n *Node) HasAttr(name string) bool {
	_, found := n.Attributes[name]
	return found
}

func (n *Node) attrError(name, format string, args ...any) error {
	return status.Errorf(status.InvalidAttribute, "node %q (%s): attribute %q %s", n.Name, n.OpType, name,
		fmt.Sprintf(format, args...))
}

// AttrInt returns a required integer attribute.
func (n *Node) AttrInt(name string) (int64, error) {
	v, found := n.Attributes[name]
	if !found {
		return 0, n.attrError(name, "is required")
	}
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	}
	return 0, n.attrError(name, "must be an integer, got %T", v)
}

// AttrIntOr returns an integer attribute or defaultValue if not set.
func (n *Node) AttrIntOr(name string, defaultValue int64) (int64, error) {
	if !n.HasAttr(name) {
		return defaultValue, nil
	}
	return n.AttrInt(name)
}

// AttrFloat returns a required float attribute. Integer values are converted.
func (n *Node) AttrFloat(name string) (float64, error) {
	v, found := n.Attributes[name]
	if !found {
		return 0, n.attrError(name, "is required")
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, n.attrError(name, "must be a float, got %T", v)
}

// AttrFloatOr returns a float attribute or defaultValue if not set.
func (n *Node) AttrFloatOr(name string, defaultValue float64) (float64, error) {
	if !n.HasAttr(name) {
		return defaultValue, nil
	}
	return n.AttrFloat(name)
}

// AttrInts returns a required list of integers attribute.
func (n *Node) AttrInts(name string) ([]int64, error) {
	v, found := n.Attributes[name]
	if !found {
		return nil, n.attrError(name, "is required")
	}
	switch x := v.(type) {
	case []int64:
		return x, nil
	case []int:
		ints := make([]int64, len(x))
		for ii, e := range x {
			ints[ii] = int64(e)
		}
		return ints, nil
	}
	return nil, n.attrError(name, "must be a list of integers, got %T", v)
}

// AttrString returns a required string attribute.
func (n *Node) AttrString(name string) (string, error) {
	v, found := n.Attributes[name]
	if !found {
		return "", n.attrError(name, "is required")
	}
	s, ok := v.(string)
	if !ok {
		return "", n.attrError(name, "must be a string, got %T", v)
	}
	return s, nil
}
