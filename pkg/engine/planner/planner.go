// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package planner builds the static allocation plan of a session: it indexes every value of the
// graph, and decides for each value where it is allocated and whether it reuses the buffer of a
// value that is already dead.
//
// It also implements memory patterns (see PatternPlanner): the trace of the allocations of one run,
// used by later runs with the same input shapes to carve all buffers out of one reservation per location.
package planner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/memory"
)

// ValueIndexMap assigns a dense index to every value of the graph. It is immutable once built.
type ValueIndexMap struct {
	names []string
	index map[string]int
}

// NewValueIndexMap indexes the graph inputs (in order), then the initializers (sorted by name), then
// the outputs of the nodes, in the given order.
func NewValueIndexMap(g *graph.Graph, order []*graph.Node) *ValueIndexMap {
	m := &ValueIndexMap{index: make(map[string]int)}
	add := func(def *graph.ValueDef) {
		if !def.Exists {
			return
		}
		if _, found := m.index[def.Name]; found {
			return
		}
		m.index[def.Name] = len(m.names)
		m.names = append(m.names, def.Name)
	}
	for _, def := range g.Inputs() {
		add(def)
	}
	for _, name := range g.Initializers() {
		add(g.Def(name))
	}
	for _, node := range order {
		for _, def := range node.Outputs {
			add(def)
		}
	}
	return m
}

// Index returns the index of the named value, or -1 if it is not known.
func (m *ValueIndexMap) Index(name string) int {
	if idx, found := m.index[name]; found {
		return idx
	}
	return -1
}

// Name returns the name of the value with the given index.
func (m *ValueIndexMap) Name(idx int) string { return m.names[idx] }

// Len returns the number of values indexed.
func (m *ValueIndexMap) Len() int { return len(m.names) }

// EntryKind is the allocation strategy of a value.
type EntryKind int

const (
	// External values are fed by the caller of the run.
	External EntryKind = iota

	// Initializer values are materialized once per session.
	Initializer

	// Fresh values get a new buffer from the allocator of their location.
	Fresh

	// Reuse values take over the buffer of a dead value (PlanEntry.ReuseOf).
	Reuse

	// Output values are graph outputs: they get a new buffer, never shared with another value.
	Output
)

var entryKindNames = [...]string{
	External:    "External",
	Initializer: "Initializer",
	Fresh:       "Fresh",
	Reuse:       "Reuse",
	Output:      "Output",
}

// String implements fmt.Stringer.
func (k EntryKind) String() string {
	if k < 0 || int(k) >= len(entryKindNames) {
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
	return entryKindNames[k]
}

// PlanEntry is the allocation plan of one value.
type PlanEntry struct {
	Kind     EntryKind
	Location memory.Location

	// ReuseOf is the index of the value whose buffer is reused, for Kind == Reuse. Otherwise -1.
	ReuseOf int

	// ReusedBy is the index of the value that takes over this value's buffer once it is dead, or -1.
	ReusedBy int

	// Shape is the statically known shape of the value, possibly invalid (unknown).
	Shape shapes.Shape
}

// Plan is the allocation plan of a session. It is immutable and shared by all runs.
type Plan struct {
	Values *ValueIndexMap

	// Order holds the node indices in execution order. A position in Order is called a step.
	Order []int

	// Entries is the plan of each value, indexed by value index.
	Entries []PlanEntry

	// NodeInputs and NodeOutputs hold the value indices of the inputs and outputs of the node of
	// each step. Missing optional inputs/outputs are -1.
	NodeInputs, NodeOutputs [][]int

	// UseCounts is the number of input references to each value, over all nodes.
	UseCounts []int

	// FirstWrite is the step that produces each value, -1 for external values and initializers.
	FirstWrite []int

	// LastUse is the last step that reads each value. A value never read dies at its FirstWrite step,
	// and external values and initializers never read have LastUse -1.
	LastUse []int

	// GraphOutputs holds the value indices of the graph outputs.
	GraphOutputs []int
}

// NumSteps returns the number of nodes executed.
func (p *Plan) NumSteps() int { return len(p.Order) }

// LocationFunc returns the location where a value must be allocated.
type LocationFunc func(def *graph.ValueDef) memory.Location

// Build the plan of the graph for the given execution order, usually the graph's topological order.
//
// A value reuses the buffer of a dead value only if every node reading the dead value is an ancestor
// of the node producing the new value: so the reuse is safe for any execution order consistent with
// the graph dependencies, including parallel execution. Both values must be in the same location and
// have statically known shapes with the same element size and memory size. Graph outputs are never
// reused nor reuse other buffers.
//
// The result is deterministic: building twice from the same graph and order gives the same plan.
func Build(g *graph.Graph, order []*graph.Node, locationOf LocationFunc) (*Plan, error) {
	valuesMap := NewValueIndexMap(g, order)
	numValues := valuesMap.Len()
	p := &Plan{
		Values:      valuesMap,
		Order:       make([]int, len(order)),
		Entries:     make([]PlanEntry, numValues),
		NodeInputs:  make([][]int, len(order)),
		NodeOutputs: make([][]int, len(order)),
		UseCounts:   make([]int, numValues),
		FirstWrite:  make([]int, numValues),
		LastUse:     make([]int, numValues),
	}
	defs := make([]*graph.ValueDef, numValues)
	for idx := range numValues {
		defs[idx] = g.Def(valuesMap.Name(idx))
		p.FirstWrite[idx] = -1
		p.LastUse[idx] = -1
		p.Entries[idx] = PlanEntry{Kind: Fresh, Location: locationOf(defs[idx]), ReuseOf: -1, ReusedBy: -1,
			Shape: defs[idx].Shape.Clone()}
	}
	for _, def := range g.Inputs() {
		p.Entries[valuesMap.Index(def.Name)].Kind = External
	}
	for _, name := range g.Initializers() {
		p.Entries[valuesMap.Index(name)].Kind = Initializer
	}
	for _, def := range g.Outputs() {
		idx := valuesMap.Index(def.Name)
		if idx < 0 {
			return nil, status.Errorf(status.Internal, "graph output %q is not produced", def.Name)
		}
		p.GraphOutputs = append(p.GraphOutputs, idx)
		if p.Entries[idx].Kind == Fresh {
			p.Entries[idx].Kind = Output
		}
	}

	indexOf := func(def *graph.ValueDef) (int, error) {
		if !def.Exists {
			return -1, nil
		}
		idx := valuesMap.Index(def.Name)
		if idx < 0 {
			return -1, status.Errorf(status.Internal, "value %q is not produced by any node, graph input or initializer", def.Name)
		}
		return idx, nil
	}
	for step, node := range order {
		p.Order[step] = node.Index
		p.NodeInputs[step] = make([]int, len(node.Inputs))
		for ii, def := range node.Inputs {
			idx, err := indexOf(def)
			if err != nil {
				return nil, errors.WithMessagef(err, "node %q", node.Name)
			}
			p.NodeInputs[step][ii] = idx
			if idx >= 0 {
				p.UseCounts[idx]++
				p.LastUse[idx] = step
			}
		}
		p.NodeOutputs[step] = make([]int, len(node.Outputs))
		for ii, def := range node.Outputs {
			idx, err := indexOf(def)
			if err != nil {
				return nil, errors.WithMessagef(err, "node %q", node.Name)
			}
			p.NodeOutputs[step][ii] = idx
			if idx >= 0 {
				p.FirstWrite[idx] = step
			}
		}
	}
	for idx := range numValues {
		if p.FirstWrite[idx] >= 0 && p.LastUse[idx] < 0 {
			p.LastUse[idx] = p.FirstWrite[idx]
		}
		if p.LastUse[idx] >= 0 && p.FirstWrite[idx] > p.LastUse[idx] {
			return nil, status.Errorf(status.Internal, "value %q is read at step %d before it is written at step %d",
				valuesMap.Name(idx), p.LastUse[idx], p.FirstWrite[idx])
		}
	}
	p.planReuse()
	return p, nil
}

// ancestors computes, for each step, the set of steps it transitively depends on (itself included).
func (p *Plan) ancestors() []bitSet {
	anc := make([]bitSet, len(p.Order))
	for step := range p.Order {
		anc[step] = newBitSet(len(p.Order))
		anc[step].set(step)
		for _, idx := range p.NodeInputs[step] {
			if idx >= 0 && p.FirstWrite[idx] >= 0 {
				anc[step].or(anc[p.FirstWrite[idx]])
			}
		}
	}
	return anc
}

// readers returns the steps reading each value, in increasing order.
func (p *Plan) readers() [][]int {
	readers := make([][]int, len(p.Entries))
	for step, inputs := range p.NodeInputs {
		for _, idx := range inputs {
			if idx >= 0 && (len(readers[idx]) == 0 || readers[idx][len(readers[idx])-1] != step) {
				readers[idx] = append(readers[idx], step)
			}
		}
	}
	return readers
}

func reusable(e PlanEntry) bool {
	return (e.Kind == Fresh || e.Kind == Reuse) && e.Shape.Ok()
}

// planReuse assigns Reuse entries, walking the steps in order with a free list of dead buffers
// ordered by the step they died, then by value index.
func (p *Plan) planReuse() {
	anc := p.ancestors()
	readers := p.readers()
	var free []int
	for step := range p.Order {
		for _, idx := range p.NodeOutputs[step] {
			if idx < 0 || p.Entries[idx].Kind != Fresh || !p.Entries[idx].Shape.Ok() {
				continue
			}
			entry := &p.Entries[idx]
			for pos, candidate := range free {
				cEntry := p.Entries[candidate]
				if cEntry.Location != entry.Location ||
					cEntry.Shape.Memory() != entry.Shape.Memory() ||
					cEntry.Shape.ElementSize() != entry.Shape.ElementSize() {
					continue
				}
				safe := anc[step].has(p.FirstWrite[candidate])
				for _, reader := range readers[candidate] {
					safe = safe && reader != step && anc[step].has(reader)
				}
				if !safe {
					continue
				}
				entry.Kind = Reuse
				entry.ReuseOf = candidate
				p.Entries[candidate].ReusedBy = idx
				free = slices.Delete(free, pos, pos+1)
				break
			}
		}
		// Values whose last use is this step are dead from the next step on.
		for idx := range p.Entries {
			if p.LastUse[idx] == step && reusable(p.Entries[idx]) && p.FirstWrite[idx] >= 0 {
				free = append(free, idx)
			}
		}
	}
}

// ReusePairs returns the pairs (value, reused value) of the plan, ordered by value index.
func (p *Plan) ReusePairs() [][2]int {
	var pairs [][2]int
	for idx, entry := range p.Entries {
		if entry.Kind == Reuse {
			pairs = append(pairs, [2]int{idx, entry.ReuseOf})
		}
	}
	return pairs
}

// IsGraphOutput returns whether the value index is one of the graph outputs.
func (p *Plan) IsGraphOutput(idx int) bool { return slices.Contains(p.GraphOutputs, idx) }

// String returns a multi-line description of the plan.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan: %d values, %d steps\n", len(p.Entries), len(p.Order))
	for idx, entry := range p.Entries {
		fmt.Fprintf(&sb, "\t#%d %q: %s %s %s", idx, p.Values.Name(idx), entry.Kind, entry.Location, entry.Shape)
		if entry.Kind == Reuse {
			fmt.Fprintf(&sb, " reuses #%d", entry.ReuseOf)
		}
		fmt.Fprintf(&sb, " [write=%d, last use=%d, uses=%d]\n", p.FirstWrite[idx], p.LastUse[idx], p.UseCounts[idx])
	}
	return sb.String()
}

// bitSet is a fixed size set of small integers.
type bitSet []uint64

func newBitSet(n int) bitSet { return make(bitSet, (n+63)/64) }

func (b bitSet) set(i int) { b[i/64] |= 1 << (i % 64) }

func (b bitSet) has(i int) bool { return b[i/64]&(1<<(i%64)) != 0 }

func (b bitSet) or(other bitSet) {
	for ii := range b {
		b[ii] |= other[ii]
	}
}
