// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package allocators implements the raw device allocators (host, simulated accelerator and pinned host memory)
// and the Registry that owns the allocator instances of a session.
//
// The Registry is explicit: the composition root creates one and passes it to the session.
// Allocators are created lazily on first use, and wrapped in an arena.Arena unless the registration
// or the device disallows it.
package allocators

import (
	"io"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/memory"
	"github.com/gomlx/graphexec/pkg/memory/arena"
)

// Kinds registered by NewDefaultRegistry.
const (
	HostKind   = "Cpu"
	AccelKind  = "Accel"
	PinnedKind = "AccelPinned"
)

// DeviceFactory creates the raw allocator of the given device id.
type DeviceFactory func(deviceID int) memory.DeviceAllocator

// RegistrationInfo configures how the allocators of a kind are created.
type RegistrationInfo struct {
	// UseArena wraps the device allocator in an arena, if the device allows it.
	UseArena bool

	// MaxMemory is the ceiling for the arena, 0 for no ceiling.
	MaxMemory int

	// InitialChunkSize of the arena, 0 for the default.
	InitialChunkSize int
}

type registration struct {
	factory DeviceFactory
	info    RegistrationInfo
}

type instanceKey struct {
	kind     string
	deviceID int
}

// Registry of allocator kinds and their instances. It is safe for concurrent use.
type Registry struct {
	mu            sync.Mutex
	registrations map[string]registration
	instances     map[instanceKey]memory.Allocator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		registrations: make(map[string]registration),
		instances:     make(map[instanceKey]memory.Allocator),
	}
}

// NewDefaultRegistry creates a registry with the host, the simulated accelerator and the pinned host allocators.
// maxMemory is the arena ceiling for each device, 0 for unlimited.
func NewDefaultRegistry(maxMemory int) *Registry {
	r := NewRegistry()
	info := RegistrationInfo{UseArena: true, MaxMemory: maxMemory}
	r.mustRegister(HostKind, func(int) memory.DeviceAllocator { return HostAllocator{} }, info)
	r.mustRegister(AccelKind, func(id int) memory.DeviceAllocator { return NewSimDevice(id, 0) }, info)
	r.mustRegister(PinnedKind, func(id int) memory.DeviceAllocator { return NewPinned(id) }, info)
	return r
}

func (r *Registry) mustRegister(kind string, factory DeviceFactory, info RegistrationInfo) {
	if err := r.Register(kind, factory, info); err != nil {
		panic(err)
	}
}

// Register an allocator kind. It returns an error if the kind is already registered.
func (r *Registry) Register(kind string, factory DeviceFactory, info RegistrationInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.registrations[kind]; found {
		return errors.Errorf("allocator kind %q already registered", kind)
	}
	r.registrations[kind] = registration{factory: factory, info: info}
	return nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.registrations))
}

// Get returns the allocator for the given kind and device, creating it on first use.
func (r *Registry) Get(kind string, deviceID int) (memory.Allocator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := instanceKey{kind, deviceID}
	if a, found := r.instances[key]; found {
		return a, nil
	}
	reg, found := r.registrations[kind]
	if !found {
		return nil, status.Errorf(status.InvalidArgument, "allocator kind %q not registered, registered kinds: %v",
			kind, slices.Sorted(maps.Keys(r.registrations)))
	}
	device := reg.factory(deviceID)
	var a memory.Allocator
	if reg.info.UseArena && device.AllowsArena() {
		ar, err := arena.New(device, arena.Options{MaxMemory: reg.info.MaxMemory, InitialChunkSize: reg.info.InitialChunkSize})
		if err != nil {
			return nil, status.Wrapf(err, status.Internal, "creating arena for %s", device.Location())
		}
		a = ar
	} else {
		a = memory.NewDirect(device)
	}
	klog.V(1).Infof("allocators: created %T for %s", a, device.Location())
	r.instances[key] = a
	return a, nil
}

// Arenas returns the arenas created so far, sorted by location name and device.
func (r *Registry) Arenas() []*arena.Arena {
	r.mu.Lock()
	defer r.mu.Unlock()
	var arenas []*arena.Arena
	for _, a := range r.instances {
		if ar, ok := a.(*arena.Arena); ok {
			arenas = append(arenas, ar)
		}
	}
	sort.Slice(arenas, func(i, j int) bool {
		li, lj := arenas[i].Location(), arenas[j].Location()
		if li.Name != lj.Name {
			return li.Name < lj.Name
		}
		return li.DeviceID < lj.DeviceID
	})
	return arenas
}

// Close every allocator instance that implements io.Closer. Errors are combined.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for key, a := range r.instances {
		if closer, ok := a.(io.Closer); ok {
			err = multierr.Append(err, closer.Close())
		}
		delete(r.instances, key)
	}
	return err
}
