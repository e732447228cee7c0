// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels defines the operator kernels executed by the engine: their declaration (KernelDef),
// construction (Factory), the per-provider Registry, and the Context they compute with.
//
// It also implements a small set of reference operators (see RegisterReferenceOps), enough to
// exercise the engine: elementwise arithmetic, Relu, Identity, Unsqueeze, NonMaxSuppression, the
// Memcpy operators used at device boundaries, and Sleep (a testing aid).
package kernels

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/memory"
)

// Memcpy operator types, inserted at device boundaries.
const (
	MemcpyFromHost = "MemcpyFromHost"
	MemcpyToHost   = "MemcpyToHost"
)

// KernelDef declares a kernel of an operator for a provider, including the memory type of each of
// its inputs and outputs. Inputs/outputs not listed use memory.Default.
type KernelDef struct {
	OpType, Provider string

	InputMemTypes, OutputMemTypes map[int]memory.MemType
}

// Def creates a KernelDef for opType on provider, with all inputs and outputs using the default memory type.
func Def(opType, provider string) *KernelDef {
	return &KernelDef{
		OpType:         opType,
		Provider:       provider,
		InputMemTypes:  make(map[int]memory.MemType),
		OutputMemTypes: make(map[int]memory.MemType),
	}
}

// HostInput marks the given inputs as required to reside on host memory (memory.CPUInput).
func (d *KernelDef) HostInput(indices ...int) *KernelDef {
	for _, idx := range indices {
		d.InputMemTypes[idx] = memory.CPUInput
	}
	return d
}

// HostOutput marks the given outputs as written to host memory (memory.CPUOutput).
func (d *KernelDef) HostOutput(indices ...int) *KernelDef {
	for _, idx := range indices {
		d.OutputMemTypes[idx] = memory.CPUOutput
	}
	return d
}

// InputMemoryType returns the memory type of input i.
func (d *KernelDef) InputMemoryType(i int) memory.MemType {
	return d.InputMemTypes[i]
}

// OutputMemoryType returns the memory type of output i.
func (d *KernelDef) OutputMemoryType(i int) memory.MemType {
	return d.OutputMemTypes[i]
}

// Clone returns a deep copy of the definition.
func (d *KernelDef) Clone() *KernelDef {
	c := Def(d.OpType, d.Provider)
	for k, v := range d.InputMemTypes {
		c.InputMemTypes[k] = v
	}
	for k, v := range d.OutputMemTypes {
		c.OutputMemTypes[k] = v
	}
	return c
}

// String implements fmt.Stringer.
func (d *KernelDef) String() string {
	return fmt.Sprintf("%s@%s", d.OpType, d.Provider)
}

// Info is what a Factory gets to create a kernel for a node.
type Info struct {
	Node     *graph.Node
	Def      *KernelDef
	Provider string

	// Allocator is the provider's default allocator, for kernels that need scratch memory.
	Allocator memory.Allocator
}

// Kernel computes a node.
type Kernel interface {
	// Compute the node outputs from its inputs. Kernels are shared by concurrent runs, so they must not
	// hold per-run state.
	Compute(ctx *Context) error
}

// KernelFunc adapts a function to the Kernel interface.
type KernelFunc func(ctx *Context) error

// Compute implements Kernel.
func (fn KernelFunc) Compute(ctx *Context) error { return fn(ctx) }

// Factory creates the kernel of a node. Attribute problems are reported with status.InvalidAttribute errors.
type Factory func(info *Info) (Kernel, error)

type registryKey struct {
	opType, provider string
}

type registryEntry struct {
	def     *KernelDef
	factory Factory
}

// Registry of kernels by (op type, provider). It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]registryEntry
}

// NewRegistry creates an empty kernel registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey]registryEntry)}
}

// Register a kernel. It returns an error if a kernel for the same op type and provider is already registered.
func (r *Registry) Register(def *KernelDef, factory Factory) error {
	if def.OpType == "" || def.Provider == "" {
		return errors.Errorf("kernels.Register: KernelDef %q must have an op type and provider", def)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{def.OpType, def.Provider}
	if _, found := r.entries[key]; found {
		return errors.Errorf("kernels.Register: kernel %s already registered", def)
	}
	r.entries[key] = registryEntry{def: def, factory: factory}
	return nil
}

// Lookup the kernel of opType for provider.
func (r *Registry) Lookup(opType, provider string) (*KernelDef, Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, found := r.entries[registryKey{opType, provider}]
	return entry.def, entry.factory, found
}

// Has returns whether a kernel of opType is registered for provider.
func (r *Registry) Has(opType, provider string) bool {
	_, _, found := r.Lookup(opType, provider)
	return found
}

// OpTypes returns the sorted op types registered for provider.
func (r *Registry) OpTypes(provider string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ops []string
	for key := range r.entries {
		if key.provider == provider {
			ops = append(ops, key.opType)
		}
	}
	slices.Sort(ops)
	return ops
}

// Create looks up the kernel for the node on provider and creates it.
// It returns a status.KernelNotFound error if there is no kernel registered, or the factory error
// (annotated with the node name) if the factory fails.
func (r *Registry) Create(node *graph.Node, provider string, allocator memory.Allocator) (Kernel, *KernelDef, error) {
	def, factory, found := r.Lookup(node.OpType, provider)
	if !found {
		return nil, nil, status.Errorf(status.KernelNotFound, "no kernel for op %q on provider %q (node %q)",
			node.OpType, provider, node.Name)
	}
	kernel, err := factory(&Info{Node: node, Def: def, Provider: provider, Allocator: allocator})
	if err != nil {
		return nil, nil, status.Wrapf(err, status.CodeOr(err, status.InvalidAttribute),
			"creating kernel %s for node %q", def, node.Name)
	}
	return kernel, def, nil
}
