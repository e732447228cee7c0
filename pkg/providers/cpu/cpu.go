// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the host execution provider: the default provider of a session, and the
// fallback for any node no other provider can run.
package cpu

import (
	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/engine/kernels"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/graph/optimizers"
	"github.com/gomlx/graphexec/pkg/memory"
	"github.com/gomlx/graphexec/pkg/memory/allocators"
	"github.com/gomlx/graphexec/pkg/providers"
)

// Type of the CPU provider.
const Type = "CPUExecutionProvider"

// Provider is the CPU execution provider.
type Provider struct {
	kernels     *kernels.Registry
	allocator   memory.Allocator
	transformer graph.Transformer
}

var _ providers.Provider = (*Provider)(nil)

// New creates a CPU provider using the host allocator of allocs.
//
// Configuration keys:
//
//   - "optimize": if "false" or "0", the provider has no graph transformer. Default is true.
func New(allocs *allocators.Registry, config string) (*Provider, error) {
	allocator, err := allocs.Get(allocators.HostKind, 0)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		kernels:   kernels.NewRegistry(),
		allocator: allocator,
		transformer: optimizers.Sequence("CPUTransformer",
			optimizers.UnsqueezeElimination{}, optimizers.IdentityElimination{}),
	}
	for key, value := range providers.ParseConfig(config) {
		switch key {
		case "optimize":
			if value == "false" || value == "0" {
				p.transformer = nil
			}
		default:
			return nil, errors.Errorf("cpu provider: unknown configuration key %q", key)
		}
	}
	if err := kernels.RegisterReferenceOps(p.kernels, Type); err != nil {
		return nil, err
	}
	return p, nil
}

// NewFactory returns a providers.Factory for CPU providers using allocs.
func NewFactory(allocs *allocators.Registry) providers.Factory {
	return providers.FactoryFunc(func(config string) (providers.Provider, error) {
		return New(allocs, config)
	})
}

// Type implements providers.Provider.
func (p *Provider) Type() string { return Type }

// Transformer implements providers.Provider.
func (p *Provider) Transformer() graph.Transformer { return p.transformer }

// KernelRegistry implements providers.Provider.
func (p *Provider) KernelRegistry() *kernels.Registry { return p.kernels }

// Allocator implements providers.Provider. All memory types are served by the host allocator.
func (p *Provider) Allocator(memory.MemType) (memory.Allocator, error) { return p.allocator, nil }

// Location implements providers.Provider.
func (p *Provider) Location() memory.Location { return memory.HostLocation }

// Close implements providers.Provider.
func (p *Provider) Close() error { return nil }
