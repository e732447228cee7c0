// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory defines where values live (Location), the buffers that hold them, and the
// allocator interfaces used by the engine.
//
// There are two levels of allocators:
//
//   - DeviceAllocator: the raw allocator of a device. Each call goes to the device.
//   - Allocator: what the engine uses. Usually an arena (see package arena) wrapping a
//     DeviceAllocator, unless the device doesn't allow arenas, in which case the device
//     allocator is used directly through Direct.
package memory

import (
	"fmt"
)

// DeviceKind enumerates the kinds of devices memory can reside on.
type DeviceKind int

const (
	// Host memory, directly addressable by the CPU.
	Host DeviceKind = iota

	// Accelerator device memory.
	Accelerator
)

// String implements fmt.Stringer.
func (k DeviceKind) String() string {
	switch k {
	case Host:
		return "Host"
	case Accelerator:
		return "Accelerator"
	}
	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

// MemType is the residency a kernel declares for one of its inputs or outputs.
type MemType int

const (
	// Default residency: the memory of the device the kernel runs on.
	Default MemType = iota

	// CPUInput is an input that must reside on the host, even if the kernel runs on an accelerator.
	// Typical of shape-describing inputs.
	CPUInput

	// CPUOutput is an output that the kernel writes to host memory.
	CPUOutput
)

// IsHost returns whether the memory type forces host residency.
func (m MemType) IsHost() bool {
	return m == CPUInput || m == CPUOutput
}

// String implements fmt.Stringer.
func (m MemType) String() string {
	switch m {
	case Default:
		return "Default"
	case CPUInput:
		return "CPUInput"
	case CPUOutput:
		return "CPUOutput"
	}
	return fmt.Sprintf("MemType(%d)", int(m))
}

// Location identifies a memory space: a device and the memory type within it.
// It is comparable and can be used as a map key.
type Location struct {
	// Name of the allocator, e.g.: "Cpu", "Accel", "AccelPinned".
	Name     string
	Kind     DeviceKind
	DeviceID int
	MemType  MemType
}

// HostLocation is the location of the default host memory.
var HostLocation = Location{Name: "Cpu", Kind: Host}

// String implements fmt.Stringer.
func (l Location) String() string {
	if l.MemType == Default {
		return fmt.Sprintf("%s(%s:%d)", l.Name, l.Kind, l.DeviceID)
	}
	return fmt.Sprintf("%s(%s:%d,%s)", l.Name, l.Kind, l.DeviceID, l.MemType)
}

// IsHost returns whether the location is host-addressable memory.
func (l Location) IsHost() bool { return l.Kind == Host }

// Buffer is a block of memory lent by an Allocator.
//
// It must be returned to the same Allocator instance that created it.
type Buffer struct {
	data      []byte
	size      int
	location  Location
	allocator Allocator

	// handle is allocator specific bookkeeping (e.g. the arena block).
	handle any
}

// NewBuffer is used by Allocator implementations to create the buffers they lend.
// data may be larger than size (bucket rounding), but Bytes only exposes size bytes.
func NewBuffer(allocator Allocator, data []byte, size int, handle any) *Buffer {
	return &Buffer{
		data:      data,
		size:      size,
		location:  allocator.Location(),
		allocator: allocator,
		handle:    handle,
	}
}

// WrapHost returns a buffer over host memory not owned by any allocator: feeds and initializers
// created from Go slices. Its Allocator is nil, and it is never freed.
func WrapHost(data []byte) *Buffer {
	return &Buffer{data: data, size: len(data), location: HostLocation}
}

// Bytes returns the requested bytes of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

// Size in bytes requested for this buffer.
func (b *Buffer) Size() int { return b.size }

// Capacity is the number of bytes actually reserved for this buffer, always >= Size.
func (b *Buffer) Capacity() int { return len(b.data) }

// Location where the buffer resides.
func (b *Buffer) Location() Location { return b.location }

// Allocator that lent the buffer, or nil for wrapped host memory.
func (b *Buffer) Allocator() Allocator { return b.allocator }

// Handle returns the allocator-specific bookkeeping of the buffer.
func (b *Buffer) Handle() any { return b.handle }

// Slice returns a buffer view over [offset, offset+size) of b, sharing memory and location.
// The view is not owned by any allocator: it must not be freed, and it becomes invalid when b is freed.
// It is used to carve memory pattern reservations into per-value buffers.
func (b *Buffer) Slice(offset, size int) *Buffer {
	return &Buffer{
		data:     b.data[offset : offset+size : offset+size],
		size:     size,
		location: b.location,
	}
}

// Allocator serves buffers in one Location. Implementations must be safe for concurrent use.
type Allocator interface {
	// Alloc returns a buffer with at least size bytes.
	// It returns a status.OutOfMemory error if the request can't be satisfied.
	Alloc(size int) (*Buffer, error)

	// Free returns the buffer to the allocator.
	// It is an error to free a buffer created by a different allocator, or to free it twice.
	Free(buffer *Buffer) error

	// Location served by this allocator.
	Location() Location
}

// DeviceAllocator is the raw allocator of a device.
type DeviceAllocator interface {
	// Alloc reserves size bytes of device memory.
	Alloc(size int) ([]byte, error)

	// Free releases memory previously returned by Alloc.
	Free(data []byte)

	// Location of the memory served.
	Location() Location

	// AllowsArena returns whether the memory can be sub-allocated by an arena.
	// Memory with external ownership rules (e.g. pinned/mapped memory) returns false.
	AllowsArena() bool
}
