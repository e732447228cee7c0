// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transform implements the device-boundary transformer: the graph rewrite pass that
// inserts copy nodes wherever a value produced on the host is consumed by a provider's device,
// or vice versa.
//
// For a provider P, the graph is rewritten as follows:
//
//  1. Every initializer W referenced by both P nodes and non-P nodes is duplicated into W', and
//     P nodes are changed to reference W'.
//  2. Every value X computed by a P node and referenced by a non-P node (graph outputs count as
//     non-P references) gets a shadow X'. P nodes now produce X', and a MemcpyToHost node copies
//     X' into X.
//  3. Every value X computed by a non-P node (graph inputs count as computed on the host) and
//     referenced by a P node gets a shadow X'. A MemcpyFromHost node copies X into X', and P
//     nodes now read X'.
//
// Inputs and outputs of P nodes that the kernel declares host resident (see kernels.KernelDef)
// are treated as non-P references, and keep referencing the original value.
//
// Copies between two different non-host providers are not supported: a graph where they would
// be needed is rejected with status.InvalidArgument.
package transform

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/engine/kernels"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/providers/cpu"
	"github.com/gomlx/graphexec/pkg/support/sets"
)

// CopyDescription is the description of the copy nodes inserted by Memcpy.
const CopyDescription = "Copy from/to host memory"

// Sets holds the value reference sets of a provider: the values read and written by the provider
// nodes (on the provider's device), and those read and written on the host.
type Sets struct {
	ProviderInputs, ProviderOutputs       sets.Set[*graph.ValueDef]
	NonProviderInputs, NonProviderOutputs sets.Set[*graph.ValueDef]
}

func newSets() Sets {
	return Sets{
		ProviderInputs:     sets.Make[*graph.ValueDef](),
		ProviderOutputs:    sets.Make[*graph.ValueDef](),
		NonProviderInputs:  sets.Make[*graph.ValueDef](),
		NonProviderOutputs: sets.Make[*graph.ValueDef](),
	}
}

// IsHostProvider returns whether nodes assigned to providerType run on the host.
// Nodes not yet assigned ("") are considered to run on the host.
func IsHostProvider(providerType string) bool {
	return providerType == "" || providerType == cpu.Type
}

// Memcpy is the device-boundary transformer for one provider. It implements graph.Transformer.
type Memcpy struct {
	provider string
	registry *kernels.Registry

	sets          Sets
	providerNodes []*graph.Node
}

var _ graph.Transformer = (*Memcpy)(nil)

// NewMemcpy creates the device-boundary transformer for the given provider type. The kernel
// registry is used to find the memory type declared for each input and output of the provider nodes.
func NewMemcpy(providerType string, registry *kernels.Registry) *Memcpy {
	return &Memcpy{provider: providerType, registry: registry}
}

// Name implements graph.Transformer.
func (m *Memcpy) Name() string { return "Memcpy(" + m.provider + ")" }

// Sets returns the value reference sets computed by the last call to Apply.
func (m *Memcpy) Sets() Sets { return m.sets }

// ComputeSets returns the value reference sets of the graph for the given provider, without
// modifying it.
func ComputeSets(g *graph.Graph, providerType string, registry *kernels.Registry) (Sets, error) {
	m := NewMemcpy(providerType, registry)
	if err := m.classify(g); err != nil {
		return Sets{}, err
	}
	return m.sets, nil
}

// Apply implements graph.Transformer.
func (m *Memcpy) Apply(g *graph.Graph) (modified bool, err error) {
	if IsHostProvider(m.provider) {
		return false, errors.Errorf("memcpy transformer can't be used for the host provider %q", m.provider)
	}
	if err = m.classify(g); err != nil {
		return false, err
	}
	replacements := make(map[*graph.ValueDef]*graph.ValueDef)
	if m.duplicateInitializers(g, replacements) {
		modified = true
	}

	var copies []pendingCopy
	for _, def := range sortedDefs(m.sets.NonProviderOutputs) {
		if m.sets.ProviderInputs.Has(def) {
			copies = append(copies, m.newCopy(g, def, true, replacements))
		}
	}
	for _, def := range sortedDefs(m.sets.ProviderOutputs) {
		if m.sets.NonProviderInputs.Has(def) {
			copies = append(copies, m.newCopy(g, def, false, replacements))
		}
	}

	// Provider nodes are only rewritten once all copies are known, and copy nodes are only added
	// after that, since a copy to host takes over the production of the original value.
	for _, node := range m.providerNodes {
		m.replaceDeviceDefs(node, replacements)
	}
	for _, c := range copies {
		m.addCopyNode(g, c)
		modified = true
	}
	if modified {
		klog.V(1).Infof("transform %s: graph %q now has %d nodes", m.Name(), g.Name(), g.NumNodes())
	}
	return modified, nil
}

// kernelDef returns the kernel declaration of a provider node, or nil if the provider has none.
// Without declaration all inputs and outputs are assumed to reside on the provider's device.
func (m *Memcpy) kernelDef(node *graph.Node) *kernels.KernelDef {
	if m.registry == nil {
		return nil
	}
	def, _, found := m.registry.Lookup(node.OpType, m.provider)
	if !found {
		return nil
	}
	return def
}

// classify rebuilds the value reference sets from scratch.
func (m *Memcpy) classify(g *graph.Graph) error {
	m.sets = newSets()
	m.providerNodes = nil
	foreignInputs := make(map[*graph.ValueDef]*graph.Node)
	foreignOutputs := make(map[*graph.ValueDef]*graph.Node)
	for _, node := range g.Nodes() {
		switch {
		case node.Provider == m.provider:
			m.providerNodes = append(m.providerNodes, node)
			kDef := m.kernelDef(node)
			for ii, def := range node.Inputs {
				if !def.Exists {
					continue
				}
				if kDef != nil && kDef.InputMemoryType(ii).IsHost() {
					m.sets.NonProviderInputs.Insert(def)
				} else {
					m.sets.ProviderInputs.Insert(def)
				}
			}
			for ii, def := range node.Outputs {
				if !def.Exists {
					continue
				}
				if kDef != nil && kDef.OutputMemoryType(ii).IsHost() {
					m.sets.NonProviderOutputs.Insert(def)
				} else {
					m.sets.ProviderOutputs.Insert(def)
				}
			}

		case IsHostProvider(node.Provider):
			for _, def := range node.Inputs {
				if def.Exists {
					m.sets.NonProviderInputs.Insert(def)
				}
			}
			for _, def := range node.Outputs {
				if def.Exists {
					m.sets.NonProviderOutputs.Insert(def)
				}
			}

		default:
			for _, def := range node.Inputs {
				if def.Exists {
					foreignInputs[def] = node
				}
			}
			for _, def := range node.Outputs {
				if def.Exists {
					foreignOutputs[def] = node
				}
			}
		}
	}
	m.sets.NonProviderOutputs.Insert(g.Inputs()...)
	m.sets.NonProviderInputs.Insert(g.Outputs()...)

	// Values exchanged directly with a node of another accelerator would need a device to device copy.
	for _, node := range m.providerNodes {
		for _, def := range node.Inputs {
			if other, found := foreignOutputs[def]; found {
				return crossProviderError(node, other, def)
			}
		}
		for _, def := range node.Outputs {
			if other, found := foreignInputs[def]; found {
				return crossProviderError(node, other, def)
			}
		}
	}
	return nil
}

func crossProviderError(node, other *graph.Node, def *graph.ValueDef) error {
	return status.Errorf(status.InvalidArgument,
		"cross-accelerator transfers not supported: value %q is exchanged between node %q (%s) and node %q (%s)",
		def.Name, node.Name, node.Provider, other.Name, other.Provider)
}

// duplicateInitializers creates a copy of each initializer referenced both on the provider's device
// and on the host, and registers the replacement of the device references.
func (m *Memcpy) duplicateInitializers(g *graph.Graph, replacements map[*graph.ValueDef]*graph.ValueDef) bool {
	modified := false
	for _, name := range g.Initializers() {
		def := g.Def(name)
		if def == nil || !m.sets.ProviderInputs.Has(def) || !m.sets.NonProviderInputs.Has(def) {
			continue
		}
		value, _ := g.Initializer(name)
		newDef := g.AddInitializer(g.GenerateDefName(name), value)
		replacements[def] = newDef
		modified = true
		klog.V(2).Infof("transform %s: duplicated initializer %q as %q", m.Name(), name, newDef.Name)
	}
	return modified
}

// pendingCopy is a copy node to be added once the provider nodes are rewritten.
type pendingCopy struct {
	original, shadow *graph.ValueDef
	fromHost         bool
}

// newCopy creates the shadow value of def, referenced by the provider nodes, and registers the replacement.
func (m *Memcpy) newCopy(g *graph.Graph, def *graph.ValueDef, fromHost bool, replacements map[*graph.ValueDef]*graph.ValueDef) pendingCopy {
	shadow := g.GetOrCreateDef(g.GenerateDefName(def.Name+"_"+m.provider), def.Shape)
	replacements[def] = shadow
	return pendingCopy{original: def, shadow: shadow, fromHost: fromHost}
}

// addCopyNode adds the node copying the original value to (fromHost) or from the provider's device.
func (m *Memcpy) addCopyNode(g *graph.Graph, c pendingCopy) {
	src, dst, opType := c.shadow, c.original, kernels.MemcpyToHost
	if c.fromHost {
		src, dst, opType = c.original, c.shadow, kernels.MemcpyFromHost
	}
	node := g.AddNodeWithDefs(g.GenerateNodeName("Memcpy"), opType, CopyDescription,
		[]*graph.ValueDef{src}, []*graph.ValueDef{dst})
	node.Provider = m.provider
	klog.V(2).Infof("transform %s: added %s", m.Name(), node)
}

// replaceDeviceDefs rewrites the references of the node that reside on the provider's device.
// Host resident inputs and outputs keep the original values.
func (m *Memcpy) replaceDeviceDefs(node *graph.Node, replacements map[*graph.ValueDef]*graph.ValueDef) {
	kDef := m.kernelDef(node)
	for ii, def := range node.Inputs {
		if kDef != nil && kDef.InputMemoryType(ii).IsHost() {
			continue
		}
		if newDef, found := replacements[def]; found {
			node.Inputs[ii] = newDef
		}
	}
	for ii, def := range node.Outputs {
		if kDef != nil && kDef.OutputMemoryType(ii).IsHost() {
			continue
		}
		if newDef, found := replacements[def]; found {
			node.Outputs[ii] = newDef
		}
	}
}

// sortedDefs returns the defs of the set sorted by name, so that generated names are deterministic.
func sortedDefs(s sets.Set[*graph.ValueDef]) []*graph.ValueDef {
	defs := make([]*graph.ValueDef, 0, len(s))
	for def := range s {
		defs = append(defs, def)
	}
	slices.SortFunc(defs, func(a, b *graph.ValueDef) int { return strings.Compare(a.Name, b.Name) })
	return defs
}
