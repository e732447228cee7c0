// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/gomlx/graphexec/pkg/core/status"
)

// Direct is an Allocator that forwards every request to the DeviceAllocator.
// It's used for devices that don't allow arenas.
type Direct struct {
	device DeviceAllocator

	mu   sync.Mutex
	live map[*Buffer]struct{}
}

var _ Allocator = (*Direct)(nil)

// NewDirect creates an Allocator that allocates directly from device, one request at a time.
func NewDirect(device DeviceAllocator) *Direct {
	return &Direct{device: device, live: make(map[*Buffer]struct{})}
}

// Alloc implements Allocator.
func (d *Direct) Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, status.Errorf(status.InvalidArgument, "Alloc(%d): negative size", size)
	}
	data, err := d.device.Alloc(size)
	if err != nil {
		return nil, status.WithCode(err, status.OutOfMemory)
	}
	buf := NewBuffer(d, data, size, nil)
	d.mu.Lock()
	d.live[buf] = struct{}{}
	d.mu.Unlock()
	return buf, nil
}

// Free implements Allocator.
func (d *Direct) Free(buffer *Buffer) error {
	if buffer == nil {
		return nil
	}
	d.mu.Lock()
	_, found := d.live[buffer]
	delete(d.live, buffer)
	d.mu.Unlock()
	if !found {
		return status.Errorf(status.InvalidArgument,
			"%s: freeing buffer not allocated by this allocator, or already freed", d.Location())
	}
	d.device.Free(buffer.data)
	return nil
}

// Location implements Allocator.
func (d *Direct) Location() Location { return d.device.Location() }

// NumLive returns the number of buffers allocated and not yet freed.
func (d *Direct) NumLive() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}
