// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package providers defines the execution provider interface and the registry of provider factories.
//
// An execution provider is a backend able to run a subset of the operators, on a given device: it
// declares its kernels (with the memory type of each input and output), the allocators for its memory,
// and optionally a graph transformer to run before its nodes are placed.
//
// Providers are created from a Factory, with a configuration string using the same convention as
// the backends configuration: "key=value,key=value".
package providers

import (
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/engine/kernels"
	"github.com/gomlx/graphexec/pkg/graph"
	"github.com/gomlx/graphexec/pkg/memory"
	"github.com/gomlx/graphexec/pkg/support/refcount"
)

// Provider is an execution provider.
type Provider interface {
	// Type of the provider, e.g. "CPUExecutionProvider". Nodes are assigned to providers by type.
	Type() string

	// Transformer returns the graph rewrite pass to apply before node placement, or nil if none.
	Transformer() graph.Transformer

	// KernelRegistry with the kernels of this provider.
	KernelRegistry() *kernels.Registry

	// Allocator for the given memory type. The memory.Default type is the provider's device memory.
	Allocator(memType memory.MemType) (memory.Allocator, error)

	// Location of the provider's device (default) memory.
	Location() memory.Location

	// Close releases the resources of the provider. The allocators are owned by the allocators.Registry.
	Close() error
}

// Factory creates providers from a configuration string.
type Factory interface {
	Create(config string) (Provider, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(config string) (Provider, error)

// Create implements Factory.
func (fn FactoryFunc) Create(config string) (Provider, error) { return fn(config) }

// Registry of provider factories.
//
// Factories are held by reference counted handles: the registry holds one reference, and each
// Acquire adds another. A factory implementing io.Closer is closed when the last reference is released.
type Registry struct {
	mu        sync.Mutex
	factories map[string]*refcount.Handle[Factory]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]*refcount.Handle[Factory])}
}

func closeFactory(f Factory) {
	if closer, ok := f.(io.Closer); ok {
		_ = closer.Close()
	}
}

// Register a factory by name. It returns an error if the name is already registered.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.factories[name]; found {
		return errors.Errorf("provider factory %q already registered", name)
	}
	r.factories[name] = refcount.New(factory, closeFactory)
	return nil
}

// Unregister removes the factory from the registry, and releases the registry's reference to it.
// Holders of acquired handles can still use it until they release them.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	handle, found := r.factories[name]
	delete(r.factories, name)
	r.mu.Unlock()
	if found {
		handle.Release()
	}
}

// Acquire returns a handle to the named factory, with a new reference: the caller must Release it.
func (r *Registry) Acquire(name string) (*refcount.Handle[Factory], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, found := r.factories[name]
	if !found {
		return nil, status.Errorf(status.InvalidArgument, "provider %q not registered, registered providers: %q",
			name, slices.Sorted(maps.Keys(r.factories)))
	}
	return handle.AddRef(), nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Create a provider with the named factory.
//
// The name may include the configuration after a colon ("name:config"), the same way backends are
// configured. If both are given, config is appended.
func (r *Registry) Create(name, config string) (Provider, error) {
	if before, after, found := strings.Cut(name, ":"); found {
		name = before
		config = joinConfig(after, config)
	}
	handle, err := r.Acquire(name)
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	p, err := handle.Value().Create(config)
	if err != nil {
		return nil, status.Wrapf(err, status.CodeOr(err, status.InvalidArgument),
			"creating provider %q with config %q", name, config)
	}
	return p, nil
}

func joinConfig(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "," + b
}

// ParseConfig parses a "key=value,key=value" configuration string. Keys without a value map to "".
func ParseConfig(config string) map[string]string {
	parsed := make(map[string]string)
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		parsed[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return parsed
}
