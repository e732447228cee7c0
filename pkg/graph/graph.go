// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph defines the mutable computation graph: nodes (operators) connected by named values
// (ValueDef), the graph inputs and outputs, and the initializers (constant values).
//
// Graphs are built by a loader (see package graphio) or programmatically, rewritten by Transformer
// passes during session initialization, and then frozen: mutating a frozen graph panics.
//
// Misuse of the building API (e.g. two producers for the same value) panics with
// github.com/gomlx/exceptions, the same way a malformed graph is reported while being built.
// Use exceptions.TryCatch[error] to convert it to an error.
package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/support/sets"
)

// Graph of operators. It is not safe for concurrent mutation, but once frozen it can be read concurrently.
type Graph struct {
	name string

	// nodes indexed by Node.Index. Removed nodes leave a nil.
	nodes     []*Node
	nodeNames sets.Set[string]

	defs         map[string]*ValueDef
	inputs       []*ValueDef
	outputs      []*ValueDef
	initializers map[string]*values.Value

	frozen bool
}

// Transformer is a graph rewrite pass.
type Transformer interface {
	// Name of the transformer, for logging.
	Name() string

	// Apply the transformation to the graph. It returns whether the graph was modified.
	Apply(g *Graph) (modified bool, err error)
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:         name,
		nodeNames:    sets.Make[string](),
		defs:         make(map[string]*ValueDef),
		initializers: make(map[string]*values.Value),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

func (g *Graph) checkMutable() {
	if g.frozen {
		exceptions.Panicf("graph %q is frozen and cannot be modified", g.name)
	}
}

// Freeze the graph: any further mutation panics.
func (g *Graph) Freeze() { g.frozen = true }

// Frozen returns whether the graph was frozen.
func (g *Graph) Frozen() bool { return g.frozen }

// Def returns the value definition with the given name, or nil if not defined.
func (g *Graph) Def(name string) *ValueDef {
	return g.defs[name]
}

// GetOrCreateDef returns the definition with the given name, creating it if needed.
// If the definition exists with an unknown shape and shape is valid, the shape is updated.
// The empty name returns the Missing placeholder.
func (g *Graph) GetOrCreateDef(name string, shape shapes.Shape) *ValueDef {
	if name == "" {
		return missing
	}
	if def, found := g.defs[name]; found {
		if !def.Shape.Ok() && shape.Ok() {
			g.checkMutable()
			def.Shape = shape.Clone()
		}
		return def
	}
	g.checkMutable()
	def := &ValueDef{Name: name, Shape: shape.Clone(), Exists: true}
	g.defs[name] = def
	return def
}

// generateName returns base if unused, otherwise base_<n> for the smallest n not used.
func generateName(base string, used func(string) bool) string {
	if !used(base) {
		return base
	}
	for ii := 1; ; ii++ {
		name := fmt.Sprintf("%s_%d", base, ii)
		if !used(name) {
			return name
		}
	}
}

// GenerateDefName returns a value name, derived from base, not used by any value in the graph.
func (g *Graph) GenerateDefName(base string) string {
	return generateName(base, func(name string) bool {
		_, found := g.defs[name]
		return found
	})
}

// GenerateNodeName returns a node name, derived from base, not used by any node in the graph.
func (g *Graph) GenerateNodeName(base string) string {
	return generateName(base, g.nodeNames.Has)
}

// AddInput adds a graph input with the given name and shape. The shape may be invalid (unknown).
func (g *Graph) AddInput(name string, shape shapes.Shape) *ValueDef {
	g.checkMutable()
	def := g.GetOrCreateDef(name, shape)
	if slices.Contains(g.inputs, def) {
		exceptions.Panicf("graph %q: input %q defined twice", g.name, name)
	}
	g.inputs = append(g.inputs, def)
	return def
}

// Inputs returns the graph inputs, in the order they were added.
func (g *Graph) Inputs() []*ValueDef { return g.inputs }

// IsInput returns whether def is a graph input.
func (g *Graph) IsInput(def *ValueDef) bool { return slices.Contains(g.inputs, def) }

// SetOutputs sets the graph outputs by name, creating the definitions if needed.
func (g *Graph) SetOutputs(names ...string) {
	g.checkMutable()
	g.outputs = make([]*ValueDef, 0, len(names))
	for _, name := range names {
		if name == "" {
			exceptions.Panicf("graph %q: graph outputs must have a name", g.name)
		}
		g.outputs = append(g.outputs, g.GetOrCreateDef(name, shapes.Invalid()))
	}
}

// Outputs returns the graph outputs.
func (g *Graph) Outputs() []*ValueDef { return g.outputs }

// IsOutput returns whether def is a graph output.
func (g *Graph) IsOutput(def *ValueDef) bool { return slices.Contains(g.outputs, def) }

// AddNode adds a node to the graph. Inputs and outputs are the names of the values; the empty name
// is a missing optional input/output. Output values are created as needed.
//
// It panics if name is already used, or if one of the outputs is already produced by another node.
// If name is empty, one is generated from opType.
func (g *Graph) AddNode(name, opType, description string, inputs, outputs []string) *Node {
	inputDefs := make([]*ValueDef, len(inputs))
	for ii, input := range inputs {
		inputDefs[ii] = g.GetOrCreateDef(input, shapes.Invalid())
	}
	outputDefs := make([]*ValueDef, len(outputs))
	for ii, output := range outputs {
		outputDefs[ii] = g.GetOrCreateDef(output, shapes.Invalid())
	}
	return g.AddNodeWithDefs(name, opType, description, inputDefs, outputDefs)
}

// AddNodeWithDefs is like AddNode, but takes the value definitions directly.
func (g *Graph) AddNodeWithDefs(name, opType, description string, inputs, outputs []*ValueDef) *Node {
	g.checkMutable()
	if name == "" {
		name = g.GenerateNodeName(opType)
	}
	if g.nodeNames.Has(name) {
		exceptions.Panicf("graph %q: node name %q used twice", g.name, name)
	}
	for _, output := range outputs {
		if !output.Exists {
			continue
		}
		if producer := g.Producer(output); producer != nil {
			exceptions.Panicf("graph %q: value %q produced by both %q and %q", g.name, output.Name, producer.Name, name)
		}
		if g.IsInput(output) || g.IsInitializer(output.Name) {
			exceptions.Panicf("graph %q: node %q output %q is a graph input or an initializer", g.name, name, output.Name)
		}
	}
	node := &Node{
		Index:       len(g.nodes),
		Name:        name,
		OpType:      opType,
		Description: description,
		Inputs:      slices.Clone(inputs),
		Outputs:     slices.Clone(outputs),
		Attributes:  make(map[string]any),
	}
	g.nodes = append(g.nodes, node)
	g.nodeNames.Insert(name)
	return node
}

// RemoveNode removes the node from the graph. Its output definitions are kept.
func (g *Graph) RemoveNode(node *Node) {
	g.checkMutable()
	if node.Index >= len(g.nodes) || g.nodes[node.Index] != node {
		exceptions.Panicf("graph %q: node %q is not part of the graph", g.name, node.Name)
	}
	g.nodes[node.Index] = nil
	g.nodeNames.Remove(node.Name)
}

// Nodes returns the nodes of the graph, in index order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		if node != nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.nodeNames) }

// MaxNodeIndex returns an upper bound (exclusive) on the node indices, for tables indexed by Node.Index.
func (g *Graph) MaxNodeIndex() int { return len(g.nodes) }

// Node returns the node with the given index, or nil if removed or out of range.
func (g *Graph) Node(index int) *Node {
	if index < 0 || index >= len(g.nodes) {
		return nil
	}
	return g.nodes[index]
}

// NodeByName returns the node with the given name, or nil.
func (g *Graph) NodeByName(name string) *Node {
	for _, node := range g.nodes {
		if node != nil && node.Name == name {
			return node
		}
	}
	return nil
}

// AddInitializer adds a constant value with the given name. The definition shape is set from the value.
func (g *Graph) AddInitializer(name string, value *values.Value) *ValueDef {
	g.checkMutable()
	if _, found := g.initializers[name]; found {
		exceptions.Panicf("graph %q: initializer %q defined twice", g.name, name)
	}
	def := g.GetOrCreateDef(name, value.Shape())
	if g.IsInput(def) || g.Producer(def) != nil {
		exceptions.Panicf("graph %q: initializer %q is also a graph input or produced by a node", g.name, name)
	}
	def.Shape = value.Shape().Clone()
	g.initializers[name] = value
	return def
}

// RemoveInitializer removes the initializer. The definition is kept.
func (g *Graph) RemoveInitializer(name string) {
	g.checkMutable()
	delete(g.initializers, name)
}

// Initializer returns the initializer value with the given name, if it exists.
func (g *Graph) Initializer(name string) (*values.Value, bool) {
	v, found := g.initializers[name]
	return v, found
}

// IsInitializer returns whether name is an initializer.
func (g *Graph) IsInitializer(name string) bool {
	_, found := g.initializers[name]
	return found
}

// Initializers returns the names of all initializers, sorted.
func (g *Graph) Initializers() []string {
	return slices.Sorted(maps.Keys(g.initializers))
}

// Producer returns the node that outputs def, or nil if def is not produced by any node.
func (g *Graph) Producer(def *ValueDef) *Node {
	if !def.Exists {
		return nil
	}
	for _, node := range g.nodes {
		if node != nil && slices.Contains(node.Outputs, def) {
			return node
		}
	}
	return nil
}

// Consumers returns the nodes that take def as input, in index order. A node is listed once, even if
// it takes def as input more than once.
func (g *Graph) Consumers(def *ValueDef) []*Node {
	var consumers []*Node
	if !def.Exists {
		return nil
	}
	for _, node := range g.nodes {
		if node != nil && slices.Contains(node.Inputs, def) {
			consumers = append(consumers, node)
		}
	}
	return consumers
}

// TopologicalOrder returns the nodes in an order where every node comes after the producers of its inputs.
// Ties are broken by the node index, so the order is deterministic.
//
// It returns a status.Internal error if the graph has a cycle.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	producers := make(map[*ValueDef]*Node)
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for _, output := range node.Outputs {
			if output.Exists {
				producers[output] = node
			}
		}
	}
	pending := make([]int, len(g.nodes))
	dependents := make([][]*Node, len(g.nodes))
	ready := binaryheap.NewWithIntComparator()
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for _, input := range node.Inputs {
			if producer, found := producers[input]; found && input.Exists {
				pending[node.Index]++
				dependents[producer.Index] = append(dependents[producer.Index], node)
			}
		}
		if pending[node.Index] == 0 {
			ready.Push(node.Index)
		}
	}

	order := make([]*Node, 0, g.NumNodes())
	for !ready.Empty() {
		top, _ := ready.Pop()
		node := g.nodes[top.(int)]
		order = append(order, node)
		for _, dependent := range dependents[node.Index] {
			pending[dependent.Index]--
			if pending[dependent.Index] == 0 {
				ready.Push(dependent.Index)
			}
		}
	}
	if len(order) != g.NumNodes() {
		var inCycle []string
		for _, node := range g.nodes {
			if node != nil && pending[node.Index] > 0 {
				inCycle = append(inCycle, node.Name)
			}
		}
		return nil, status.Errorf(status.Internal, "graph %q has a cycle involving nodes %v", g.name, inCycle)
	}
	return order, nil
}

// Validate checks the graph invariants: every value is produced at most once; every consumed value and
// every graph output is produced by a node, a graph input or an initializer.
func (g *Graph) Validate() error {
	var problems []string
	produced := sets.Make[*ValueDef]()
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for _, output := range node.Outputs {
			if !output.Exists {
				continue
			}
			if produced.Has(output) {
				problems = append(problems, fmt.Sprintf("value %q produced more than once", output.Name))
			}
			if g.IsInput(output) || g.IsInitializer(output.Name) {
				problems = append(problems, fmt.Sprintf("value %q is produced by node %q but is also a graph input or initializer",
					output.Name, node.Name))
			}
			produced.Insert(output)
		}
	}
	available := func(def *ValueDef) bool {
		return produced.Has(def) || g.IsInput(def) || g.IsInitializer(def.Name)
	}
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for _, input := range node.Inputs {
			if input.Exists && !available(input) {
				problems = append(problems, fmt.Sprintf("node %q input %q is not produced by any node, graph input or initializer",
					node.Name, input.Name))
			}
		}
	}
	for _, output := range g.outputs {
		if !available(output) {
			problems = append(problems, fmt.Sprintf("graph output %q is not produced", output.Name))
		}
	}
	if len(problems) > 0 {
		return errors.Errorf("graph %q is invalid:\n\t%s", g.name, strings.Join(problems, "\n\t"))
	}
	return nil
}

// String returns a multi-line description of the graph.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q:\n", g.name)
	for _, input := range g.inputs {
		_, _ = fmt.Fprintf(&sb, "\tinput %s\n", input)
	}
	for _, name := range g.Initializers() {
		_, _ = fmt.Fprintf(&sb, "\tinitializer %s\n", g.defs[name])
	}
	for _, node := range g.Nodes() {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	for _, output := range g.outputs {
		_, _ = fmt.Fprintf(&sb, "\toutput %s\n", output)
	}
	return sb.String()
}
