// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package defaults builds the provider registry with the providers included in this module.
package defaults

import (
	"github.com/gomlx/graphexec/pkg/memory/allocators"
	"github.com/gomlx/graphexec/pkg/providers"
	"github.com/gomlx/graphexec/pkg/providers/accel"
	"github.com/gomlx/graphexec/pkg/providers/cpu"
)

// Names under which the providers are registered.
const (
	CPU   = "cpu"
	Accel = "accel"
)

// NewRegistry returns a provider registry with the CPU and the simulated accelerator factories,
// both using allocs for their memory.
func NewRegistry(allocs *allocators.Registry) *providers.Registry {
	r := providers.NewRegistry()
	for name, factory := range map[string]providers.Factory{
		CPU:   cpu.NewFactory(allocs),
		Accel: accel.NewFactory(allocs),
	} {
		if err := r.Register(name, factory); err != nil {
			panic(err) // Fresh registry: names can't collide.
		}
	}
	return r
}
