// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arena implements a chunked "best-fit with coalescing" allocator.
//
// The arena reserves large chunks from a memory.DeviceAllocator and serves variable size requests
// from them. Requests are rounded up to a multiple of Options.Alignment (the bucket size), and served
// from the smallest free block that fits. Free blocks are split on allocation and coalesced with their
// free neighbours (within the same chunk) when released, so a freed block is available for any later
// request of equal or smaller bucket size without reserving a new chunk.
//
// The free blocks are indexed by a red-black tree ordered by (size, chunk, offset), so finding the
// best fit is a "ceiling" lookup.
package arena

import (
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/memory"
)

const (
	// DefaultAlignment is the minimum allocation unit, and the alignment of every block within a chunk.
	DefaultAlignment = 256

	// DefaultInitialChunkSize is the size of the first chunk reserved.
	DefaultInitialChunkSize = 1 << 20
)

// Options to configure an Arena.
type Options struct {
	// MaxMemory is the ceiling on the total bytes reserved from the device. 0 means no limit.
	MaxMemory int

	// InitialChunkSize is the size of the first chunk. Each new chunk doubles the previous size,
	// or is exactly as large as the request, whichever is larger.
	InitialChunkSize int

	// Alignment of blocks, it must be a power of 2.
	Alignment int
}

type chunk struct {
	id   int
	data []byte
	head *block
}

// block is a contiguous range in a chunk, either lent to a caller or free.
type block struct {
	chunk        *chunk
	offset, size int
	requested    int
	free         bool
	prev, next   *block
}

// Arena implements memory.Allocator with chunks reserved from a memory.DeviceAllocator.
// It is safe for concurrent use.
type Arena struct {
	device memory.DeviceAllocator
	opts   Options

	mu            sync.Mutex
	chunks        []*chunk
	freeIndex     *redblacktree.Tree
	nextChunkSize int
	reserved      int
	inUse         int
	peakInUse     int
	numAllocs     int64
	numLive       int
	closed        bool
}

var _ memory.Allocator = (*Arena)(nil)

// blockComparator orders blocks by size, then chunk, then offset.
func blockComparator(a, b any) int {
	x, y := a.(*block), b.(*block)
	switch {
	case x.size != y.size:
		return cmpInt(x.size, y.size)
	case x.chunk.id != y.chunk.id:
		return cmpInt(x.chunk.id, y.chunk.id)
	default:
		return cmpInt(x.offset, y.offset)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

// probeChunk sorts before every real chunk, so a probe block finds the first block of a given size.
var probeChunk = &chunk{id: -1}

// New creates an Arena over the given device allocator.
func New(device memory.DeviceAllocator, opts Options) (*Arena, error) {
	if !device.AllowsArena() {
		return nil, errors.Errorf("device allocator for %s does not allow arenas", device.Location())
	}
	if opts.Alignment == 0 {
		opts.Alignment = DefaultAlignment
	}
	if opts.Alignment < 0 || opts.Alignment&(opts.Alignment-1) != 0 {
		return nil, errors.Errorf("arena alignment must be a power of 2, got %d", opts.Alignment)
	}
	if opts.InitialChunkSize <= 0 {
		opts.InitialChunkSize = DefaultInitialChunkSize
	}
	opts.InitialChunkSize = roundUp(opts.InitialChunkSize, opts.Alignment)
	if opts.MaxMemory > 0 && opts.InitialChunkSize > opts.MaxMemory {
		opts.InitialChunkSize = roundDown(opts.MaxMemory, opts.Alignment)
	}
	return &Arena{
		device:        device,
		opts:          opts,
		freeIndex:     redblacktree.NewWith(blockComparator),
		nextChunkSize: opts.InitialChunkSize,
	}, nil
}

func roundUp(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

func roundDown(n, alignment int) int {
	return n &^ (alignment - 1)
}

// BucketSize returns the number of bytes actually reserved for a request of size bytes.
func (a *Arena) BucketSize(size int) int {
	return roundUp(max(size, 1), a.opts.Alignment)
}

// Location implements memory.Allocator.
func (a *Arena) Location() memory.Location { return a.device.Location() }

// Alloc implements memory.Allocator.
func (a *Arena) Alloc(size int) (*memory.Buffer, error) {
	if size < 0 {
		return nil, status.Errorf(status.InvalidArgument, "arena %s: Alloc(%d) with negative size", a.Location(), size)
	}
	// Checked before rounding, which would overflow.
	if size > math.MaxInt-a.opts.Alignment+1 || (a.opts.MaxMemory > 0 && size > a.opts.MaxMemory) {
		return nil, status.Errorf(status.OutOfMemory, "arena %s: Alloc(%s) exceeds the arena limit of %s",
			a.Location(), humanize.IBytes(uint64(size)), humanize.IBytes(uint64(a.opts.MaxMemory)))
	}
	rounded := a.BucketSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, status.Errorf(status.Internal, "arena %s: Alloc() after Close()", a.Location())
	}
	b := a.lockedBestFit(rounded)
	if b == nil {
		if err := a.lockedExtend(rounded); err != nil {
			return nil, err
		}
		b = a.lockedBestFit(rounded)
		if b == nil {
			return nil, status.Errorf(status.Internal,
				"arena %s: new chunk reserved, but no block fits %d bytes (!?)", a.Location(), rounded)
		}
	}
	a.freeIndex.Remove(b)
	a.lockedSplit(b, rounded)
	b.free = false
	b.requested = size
	a.inUse += b.size
	a.peakInUse = max(a.peakInUse, a.inUse)
	a.numAllocs++
	a.numLive++
	data := b.chunk.data[b.offset : b.offset+b.size : b.offset+b.size]
	return memory.NewBuffer(a, data, size, b), nil
}

// lockedBestFit returns the smallest free block with at least size bytes, or nil.
func (a *Arena) lockedBestFit(size int) *block {
	node, found := a.freeIndex.Ceiling(&block{chunk: probeChunk, size: size, offset: -1})
	if !found {
		return nil
	}
	return node.Key.(*block)
}

// lockedSplit splits b so it has exactly size bytes, if the remainder is large enough to be a block.
// b must not be in the free index.
func (a *Arena) lockedSplit(b *block, size int) {
	remainder := b.size - size
	if remainder < a.opts.Alignment {
		return
	}
	rest := &block{
		chunk:  b.chunk,
		offset: b.offset + size,
		size:   remainder,
		free:   true,
		prev:   b,
		next:   b.next,
	}
	if b.next != nil {
		b.next.prev = rest
	}
	b.next = rest
	b.size = size
	a.freeIndex.Put(rest, nil)
}

// lockedExtend reserves a new chunk that can hold at least size bytes.
func (a *Arena) lockedExtend(size int) error {
	chunkSize := max(a.nextChunkSize, size)
	if a.opts.MaxMemory > 0 && a.reserved+chunkSize > a.opts.MaxMemory {
		// Try the smallest chunk that would satisfy the request.
		chunkSize = size
		if a.reserved+chunkSize > a.opts.MaxMemory {
			return status.Errorf(status.OutOfMemory,
				"arena %s: cannot allocate %s, %s already reserved (in use %s) and limit is %s",
				a.Location(), humanize.IBytes(uint64(size)), humanize.IBytes(uint64(a.reserved)),
				humanize.IBytes(uint64(a.inUse)), humanize.IBytes(uint64(a.opts.MaxMemory)))
		}
	}
	data, err := a.device.Alloc(chunkSize)
	if err != nil {
		return status.Wrapf(err, status.OutOfMemory, "arena %s: failed to reserve chunk of %s",
			a.Location(), humanize.IBytes(uint64(chunkSize)))
	}
	c := &chunk{id: len(a.chunks), data: data}
	c.head = &block{chunk: c, size: chunkSize, free: true}
	a.chunks = append(a.chunks, c)
	a.freeIndex.Put(c.head, nil)
	a.reserved += chunkSize
	a.nextChunkSize = 2 * chunkSize
	klog.V(1).Infof("arena %s: reserved chunk #%d of %s (total reserved %s)",
		a.Location(), c.id, humanize.IBytes(uint64(chunkSize)), humanize.IBytes(uint64(a.reserved)))
	return nil
}

// Free implements memory.Allocator.
func (a *Arena) Free(buffer *memory.Buffer) error {
	if buffer == nil {
		return nil
	}
	if buffer.Allocator() != memory.Allocator(a) {
		return status.Errorf(status.InvalidArgument,
			"arena %s: freeing buffer allocated by a different allocator (%s)", a.Location(), buffer.Location())
	}
	b, ok := buffer.Handle().(*block)
	if !ok {
		return status.Errorf(status.InvalidArgument, "arena %s: buffer has no arena block", a.Location())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return status.Errorf(status.Internal, "arena %s: Free() after Close()", a.Location())
	}
	if b.free {
		return status.Errorf(status.InvalidArgument, "arena %s: double free of block at offset %d of chunk #%d",
			a.Location(), b.offset, b.chunk.id)
	}
	b.free = true
	b.requested = 0
	a.inUse -= b.size
	a.numLive--

	// Coalesce with the next block.
	if next := b.next; next != nil && next.free {
		a.freeIndex.Remove(next)
		b.size += next.size
		b.next = next.next
		if b.next != nil {
			b.next.prev = b
		}
	}
	// Coalesce with the previous block.
	if prev := b.prev; prev != nil && prev.free {
		a.freeIndex.Remove(prev)
		prev.size += b.size
		prev.next = b.next
		if prev.next != nil {
			prev.next.prev = prev
		}
		b = prev
	}
	a.freeIndex.Put(b, nil)
	return nil
}

// Stats of the arena.
type Stats struct {
	NumChunks        int
	Reserved         int
	InUse            int
	PeakInUse        int
	NumAllocs        int64
	NumLive          int
	LargestFreeBlock int
	NumFreeBlocks    int
}

// Stats returns a snapshot of the arena statistics.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		NumChunks:     len(a.chunks),
		Reserved:      a.reserved,
		InUse:         a.inUse,
		PeakInUse:     a.peakInUse,
		NumAllocs:     a.numAllocs,
		NumLive:       a.numLive,
		NumFreeBlocks: a.freeIndex.Size(),
	}
	if largest := a.freeIndex.Right(); largest != nil {
		s.LargestFreeBlock = largest.Key.(*block).size
	}
	return s
}

// ChunkCapacity returns the size of the chunk with the given index.
func (a *Arena) ChunkCapacity(chunkIdx int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks[chunkIdx].data)
}

// ChunkFreeBytes returns the total bytes in free blocks of the chunk with the given index.
func (a *Arena) ChunkFreeBytes(chunkIdx int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int
	for b := a.chunks[chunkIdx].head; b != nil; b = b.next {
		if b.free {
			total += b.size
		}
	}
	return total
}

// Close releases all chunks back to the device allocator.
// It returns an error if there were still buffers in use, but the memory is released anyway.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	for _, c := range a.chunks {
		a.device.Free(c.data)
		c.data = nil
	}
	a.chunks = nil
	a.freeIndex.Clear()
	if a.numLive > 0 {
		return errors.Errorf("arena %s closed with %d buffers (%s) still in use",
			a.Location(), a.numLive, humanize.IBytes(uint64(a.inUse)))
	}
	return nil
}
