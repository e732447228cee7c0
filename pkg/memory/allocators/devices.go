// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package allocators

import (
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/memory"
)

// alignedBytes returns a zeroed slice of size bytes, 8-bytes aligned, so any element type can be viewed over it.
func alignedBytes(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// HostAllocator is the raw allocator of host memory: Go memory, 8-bytes aligned.
type HostAllocator struct{}

var _ memory.DeviceAllocator = HostAllocator{}

// Alloc implements memory.DeviceAllocator.
func (HostAllocator) Alloc(size int) ([]byte, error) { return alignedBytes(size), nil }

// Free implements memory.DeviceAllocator. Go memory is garbage collected.
func (HostAllocator) Free([]byte) {}

// Location implements memory.DeviceAllocator.
func (HostAllocator) Location() memory.Location { return memory.HostLocation }

// AllowsArena implements memory.DeviceAllocator.
func (HostAllocator) AllowsArena() bool { return true }

// SimDeviceAllocator simulates the memory of an accelerator device.
//
// The bytes are Go memory, but they are accounted separately and located in an Accelerator location,
// so values crossing to/from host memory require explicit copies.
type SimDeviceAllocator struct {
	deviceID int
	limit    int

	mu        sync.Mutex
	allocated int
}

var _ memory.DeviceAllocator = (*SimDeviceAllocator)(nil)

// NewSimDevice creates a simulated device allocator. If limit > 0, it is the total memory of the device.
func NewSimDevice(deviceID, limit int) *SimDeviceAllocator {
	return &SimDeviceAllocator{deviceID: deviceID, limit: limit}
}

// Alloc implements memory.DeviceAllocator.
func (d *SimDeviceAllocator) Alloc(size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limit > 0 && d.allocated+size > d.limit {
		return nil, errors.Errorf("device %s: cannot allocate %s, %s of %s already allocated",
			d.Location(), humanize.IBytes(uint64(size)), humanize.IBytes(uint64(d.allocated)),
			humanize.IBytes(uint64(d.limit)))
	}
	d.allocated += size
	return alignedBytes(size), nil
}

// Free implements memory.DeviceAllocator.
func (d *SimDeviceAllocator) Free(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allocated -= len(data)
}

// Location implements memory.DeviceAllocator.
func (d *SimDeviceAllocator) Location() memory.Location {
	return memory.Location{Name: AccelKind, Kind: memory.Accelerator, DeviceID: d.deviceID}
}

// AllowsArena implements memory.DeviceAllocator.
func (d *SimDeviceAllocator) AllowsArena() bool { return true }

// Allocated returns the number of bytes currently reserved from the device.
func (d *SimDeviceAllocator) Allocated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// PinnedAllocator serves host memory pinned for transfers of an accelerator: kernels of the accelerator
// write their host-forced (CPUOutput) outputs there.
//
// Pinned memory can't be sub-allocated, so it is never wrapped by an arena.
type PinnedAllocator struct {
	deviceID int
}

var _ memory.DeviceAllocator = PinnedAllocator{}

// NewPinned creates the pinned host memory allocator associated with an accelerator device.
func NewPinned(deviceID int) PinnedAllocator { return PinnedAllocator{deviceID: deviceID} }

// Alloc implements memory.DeviceAllocator.
func (p PinnedAllocator) Alloc(size int) ([]byte, error) { return alignedBytes(size), nil }

// Free implements memory.DeviceAllocator.
func (p PinnedAllocator) Free([]byte) {}

// Location implements memory.DeviceAllocator.
func (p PinnedAllocator) Location() memory.Location {
	return memory.Location{Name: PinnedKind, Kind: memory.Host, DeviceID: p.deviceID, MemType: memory.CPUOutput}
}

// AllowsArena implements memory.DeviceAllocator.
func (p PinnedAllocator) AllowsArena() bool { return false }
