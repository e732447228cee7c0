// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements graph rewrite passes that execution providers return as their transformer.
package optimizers

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/graph"
)

// Sequence returns a transformer that applies the given transformers in order.
func Sequence(name string, transformers ...graph.Transformer) graph.Transformer {
	return &sequence{name: name, transformers: transformers}
}

type sequence struct {
	name         string
	transformers []graph.Transformer
}

// Name implements graph.Transformer.
func (s *sequence) Name() string { return s.name }

// Apply implements graph.Transformer.
func (s *sequence) Apply(g *graph.Graph) (bool, error) {
	var anyModified bool
	for _, t := range s.transformers {
		modified, err := t.Apply(g)
		if err != nil {
			return anyModified, errors.WithMessagef(err, "%s: transformer %s", s.name, t.Name())
		}
		if modified {
			klog.V(1).Infof("%s: transformer %s modified graph %q", s.name, t.Name(), g.Name())
		}
		anyModified = anyModified || modified
	}
	return anyModified, nil
}

// UnsqueezeElimination folds Unsqueeze nodes whose input is an initializer into a new initializer
// with the unsqueezed shape, sharing the same bytes.
type UnsqueezeElimination struct{}

// Name implements graph.Transformer.
func (UnsqueezeElimination) Name() string { return "UnsqueezeElimination" }

// Apply implements graph.Transformer.
func (UnsqueezeElimination) Apply(g *graph.Graph) (bool, error) {
	var modified bool
	var err error
	for _, node := range g.Nodes() {
		if node.OpType != "Unsqueeze" || len(node.Inputs) != 1 || len(node.Outputs) != 1 {
			continue
		}
		input, output := node.Inputs[0], node.Outputs[0]
		if !input.Exists || !output.Exists {
			continue
		}
		value, found := g.Initializer(input.Name)
		if !found {
			continue
		}
		axes, attrErr := node.AttrInts("axes")
		if attrErr != nil {
			// Left for the kernel to report at initialization.
			continue
		}
		intAxes := make([]int, len(axes))
		for ii, axis := range axes {
			intAxes[ii] = int(axis)
		}
		newShape, shapeErr := value.Shape().Unsqueeze(intAxes...)
		if shapeErr != nil {
			err = multierr.Append(err, errors.WithMessagef(shapeErr, "node %q", node.Name))
			continue
		}
		newValue, valueErr := values.NewTensor(newShape, value.Buffer())
		if valueErr != nil {
			err = multierr.Append(err, valueErr)
			continue
		}
		g.RemoveNode(node)
		g.AddInitializer(output.Name, newValue)
		if len(g.Consumers(input)) == 0 && !g.IsOutput(input) {
			g.RemoveInitializer(input.Name)
		}
		klog.V(2).Infof("UnsqueezeElimination: folded node %q into initializer %q%s", node.Name, output.Name, newShape)
		modified = true
	}
	return modified, err
}

// IdentityElimination removes Identity nodes whose output is not a graph output, rewiring
// their consumers to the Identity input.
type IdentityElimination struct{}

// Name implements graph.Transformer.
func (IdentityElimination) Name() string { return "IdentityElimination" }

// Apply implements graph.Transformer.
func (IdentityElimination) Apply(g *graph.Graph) (bool, error) {
	var modified bool
	for _, node := range g.Nodes() {
		if node.OpType != "Identity" || len(node.Inputs) != 1 || len(node.Outputs) != 1 {
			continue
		}
		input, output := node.Inputs[0], node.Outputs[0]
		if !input.Exists || !output.Exists || g.IsOutput(output) {
			continue
		}
		replacements := map[*graph.ValueDef]*graph.ValueDef{output: input}
		for _, consumer := range g.Consumers(output) {
			consumer.ReplaceDefs(replacements)
		}
		g.RemoveNode(node)
		klog.V(2).Infof("IdentityElimination: removed node %q", node.Name)
		modified = true
	}
	return modified, nil
}
