// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package accel implements a simulated accelerator execution provider.
//
// Its values live in the memory of a simulated device (see allocators.SimDeviceAllocator), distinct
// from host memory, so the engine must insert copy operators wherever its nodes exchange values
// with host nodes. The set of supported operators, and which of their inputs/outputs are forced to
// host memory, are configurable, so it can model the residency constraints of real accelerators.
package accel

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/pkg/engine/kernels"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/memory"
	"github.com/gomlx/graphexec/pkg/memory/allocators"
	"github.com/gomlx/graphexec/pkg/providers"
)

// Type of the accelerator provider.
const Type = "AccelExecutionProvider"

// Provider is the simulated accelerator provider.
type Provider struct {
	providerType string
	deviceID     int
	kernels      *kernels.Registry

	device, pinned, host memory.Allocator
}

var _ providers.Provider = (*Provider)(nil)

// New creates an accelerator provider, with its allocators taken from allocs.
//
// Configuration keys:
//
//   - "device": device id, default 0.
//   - "type": provider type, default "AccelExecutionProvider". Used to model more than one kind of accelerator.
//   - "ops": "|" separated list of supported op types. Default is the whole reference op set.
//   - "hostInputs": "|" separated list of "Op:index": inputs of Op that must reside on host memory.
//   - "hostOutputs": "|" separated list of "Op:index": outputs of Op written to host memory.
func New(allocs *allocators.Registry, config string) (*Provider, error) {
	p := &Provider{providerType: Type, kernels: kernels.NewRegistry()}
	factories := kernels.ReferenceFactories()
	var ops []string
	hostInputs := make(map[string][]int)
	hostOutputs := make(map[string][]int)
	var err error
	for key, value := range providers.ParseConfig(config) {
		switch key {
		case "device":
			p.deviceID, err = strconv.Atoi(value)
			if err != nil || p.deviceID < 0 {
				return nil, errors.Errorf("accel provider: invalid device %q", value)
			}
		case "type":
			if value == "" {
				return nil, errors.New("accel provider: empty type")
			}
			p.providerType = value
		case "ops":
			ops = splitList(value)
		case "hostInputs":
			if err = parseOpIndices(value, hostInputs); err != nil {
				return nil, errors.WithMessagef(err, "accel provider: hostInputs")
			}
		case "hostOutputs":
			if err = parseOpIndices(value, hostOutputs); err != nil {
				return nil, errors.WithMessagef(err, "accel provider: hostOutputs")
			}
		default:
			return nil, errors.Errorf("accel provider: unknown configuration key %q", key)
		}
	}
	if ops == nil {
		ops = slices.Sorted(maps.Keys(factories))
	}
	for _, op := range ops {
		factory, found := factories[op]
		if !found {
			return nil, errors.Errorf("accel provider: op %q has no kernel", op)
		}
		def := kernels.Def(op, p.providerType).HostInput(hostInputs[op]...).HostOutput(hostOutputs[op]...)
		if err = p.kernels.Register(def, factory); err != nil {
			return nil, err
		}
	}
	if err = kernels.RegisterMemcpyOps(p.kernels, p.providerType); err != nil {
		return nil, err
	}

	if p.device, err = allocs.Get(allocators.AccelKind, p.deviceID); err != nil {
		return nil, err
	}
	if p.pinned, err = allocs.Get(allocators.PinnedKind, p.deviceID); err != nil {
		return nil, err
	}
	if p.host, err = allocs.Get(allocators.HostKind, 0); err != nil {
		return nil, err
	}
	klog.V(1).Infof("accel provider %s created on device %d with ops %v", p.providerType, p.deviceID, ops)
	return p, nil
}

func splitList(value string) []string {
	var parts []string
	for _, part := range strings.Split(value, "|") {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// parseOpIndices parses "Op:index|Op:index" into opIndices.
func parseOpIndices(value string, opIndices map[string][]int) error {
	for _, part := range splitList(value) {
		op, indexStr, found := strings.Cut(part, ":")
		if !found {
			return errors.Errorf("%q must be formatted as Op:index", part)
		}
		idx, err := strconv.Atoi(indexStr)
		if err != nil || idx < 0 {
			return errors.Errorf("%q has an invalid index", part)
		}
		opIndices[op] = append(opIndices[op], idx)
	}
	return nil
}

// NewFactory returns a providers.Factory for accelerator providers using allocs.
func NewFactory(allocs *allocators.Registry) providers.Factory {
	return providers.FactoryFunc(func(config string) (providers.Provider, error) {
		return New(allocs, config)
	})
}

// Type implements providers.Provider.
func (p *Provider) Type() string { return p.providerType }

// DeviceID of the simulated device.
func (p *Provider) DeviceID() int { return p.deviceID }

// Transformer implements providers.Provider. The accelerator has no graph transformer.
func (p *Provider) Transformer() graph.Transformer { return nil }

// KernelRegistry implements providers.Provider.
func (p *Provider) KernelRegistry() *kernels.Registry { return p.kernels }

// Allocator implements providers.Provider: device memory by default, pinned host memory for outputs
// written to host, and host memory for inputs read from host.
func (p *Provider) Allocator(memType memory.MemType) (memory.Allocator, error) {
	switch memType {
	case memory.Default:
		return p.device, nil
	case memory.CPUOutput:
		return p.pinned, nil
	case memory.CPUInput:
		return p.host, nil
	}
	return nil, errors.Errorf("accel provider: unknown memory type %s", memType)
}

// Location implements providers.Provider.
func (p *Provider) Location() memory.Location { return p.device.Location() }

// Close implements providers.Provider.
func (p *Provider) Close() error { return nil }
