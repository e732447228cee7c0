// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/memory"
)

// PatternAlignment is the alignment of the blocks of a memory pattern.
const PatternAlignment = 64

// MemoryBlock is a range of a memory pattern reservation.
type MemoryBlock struct {
	Offset, Size int
}

// MemoryPattern lays out the buffers of one location in a single reservation of PeakSize bytes.
type MemoryPattern struct {
	PeakSize int

	// Blocks indexed by value index.
	Blocks map[int]MemoryBlock
}

// Block returns the block of the value, if the pattern has one.
func (mp *MemoryPattern) Block(valueIdx int) (MemoryBlock, bool) {
	block, found := mp.Blocks[valueIdx]
	return block, found
}

// PatternGroup holds the memory pattern of each location.
type PatternGroup struct {
	Locations []memory.Location
	Patterns  []*MemoryPattern
}

// Get returns the pattern for the location, or nil.
func (pg *PatternGroup) Get(location memory.Location) *MemoryPattern {
	if pg == nil {
		return nil
	}
	for ii, loc := range pg.Locations {
		if loc == location {
			return pg.Patterns[ii]
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (pg *PatternGroup) String() string {
	if pg == nil {
		return "<no patterns>"
	}
	parts := make([]string, len(pg.Locations))
	for ii, loc := range pg.Locations {
		parts[ii] = fmt.Sprintf("%s: %d blocks, %d bytes", loc, len(pg.Patterns[ii].Blocks), pg.Patterns[ii].PeakSize)
	}
	return strings.Join(parts, "; ")
}

// locationPlanner lays out the blocks of one location, as allocations and frees are traced.
type locationPlanner struct {
	// live blocks, keyed by offset.
	live     *treemap.Map
	blocks   map[int]MemoryBlock
	peakSize int
}

func newLocationPlanner() *locationPlanner {
	return &locationPlanner{live: treemap.NewWithIntComparator(), blocks: make(map[int]MemoryBlock)}
}

func alignUp(size int) int {
	return (size + PatternAlignment - 1) / PatternAlignment * PatternAlignment
}

// trace allocates a block for the value: the smallest gap between live blocks that fits, or the
// end of the live blocks.
func (lp *locationPlanner) trace(valueIdx, size int) {
	size = alignUp(size)
	bestOffset, bestGap := -1, 0
	current := 0
	it := lp.live.Iterator()
	for it.Next() {
		offset := it.Key().(int)
		block := it.Value().(MemoryBlock)
		if gap := offset - current; gap >= size && (bestOffset < 0 || gap < bestGap) {
			bestOffset, bestGap = current, gap
		}
		current = max(current, block.Offset+block.Size)
	}
	if bestOffset < 0 {
		bestOffset = current
	}
	block := MemoryBlock{Offset: bestOffset, Size: size}
	lp.live.Put(block.Offset, block)
	lp.blocks[valueIdx] = block
	lp.peakSize = max(lp.peakSize, block.Offset+block.Size)
}

func (lp *locationPlanner) free(valueIdx int) {
	if block, found := lp.blocks[valueIdx]; found {
		if b, ok := lp.live.Get(block.Offset); ok && b.(MemoryBlock) == block {
			lp.live.Remove(block.Offset)
		}
	}
}

// PatternPlanner traces the allocations and frees of one run, to generate its memory patterns.
// It is safe for concurrent use.
type PatternPlanner struct {
	mu        sync.Mutex
	locations map[memory.Location]*locationPlanner
	valueLoc  map[int]memory.Location
}

// NewPatternPlanner creates an empty pattern planner.
func NewPatternPlanner() *PatternPlanner {
	return &PatternPlanner{
		locations: make(map[memory.Location]*locationPlanner),
		valueLoc:  make(map[int]memory.Location),
	}
}

// TraceAllocation records the allocation of size bytes for the value in location.
func (pp *PatternPlanner) TraceAllocation(valueIdx int, location memory.Location, size int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	lp, found := pp.locations[location]
	if !found {
		lp = newLocationPlanner()
		pp.locations[location] = lp
	}
	lp.trace(valueIdx, size)
	pp.valueLoc[valueIdx] = location
}

// TraceFree records that the buffer of the value was freed.
func (pp *PatternPlanner) TraceFree(valueIdx int) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if location, found := pp.valueLoc[valueIdx]; found {
		pp.locations[location].free(valueIdx)
	}
}

// Generate the memory patterns of the traced allocations. Locations are sorted by their string representation.
func (pp *PatternPlanner) Generate() *PatternGroup {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	locations := slices.SortedFunc(maps.Keys(pp.locations), func(a, b memory.Location) int {
		return strings.Compare(a.String(), b.String())
	})
	pg := &PatternGroup{Locations: locations, Patterns: make([]*MemoryPattern, len(locations))}
	for ii, loc := range locations {
		lp := pp.locations[loc]
		pg.Patterns[ii] = &MemoryPattern{PeakSize: lp.peakSize, Blocks: maps.Clone(lp.blocks)}
	}
	return pg
}

// PatternCache holds the memory patterns of a session, keyed by the signature of the feed shapes.
// It is safe for concurrent use.
type PatternCache struct {
	mu       sync.RWMutex
	patterns map[string]*PatternGroup
}

// NewPatternCache creates an empty cache.
func NewPatternCache() *PatternCache {
	return &PatternCache{patterns: make(map[string]*PatternGroup)}
}

// Get returns the patterns for the signature, or nil.
func (c *PatternCache) Get(signature string) *PatternGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.patterns[signature]
}

// Put stores the patterns for the signature, unless there are already patterns for it.
// It returns whether the patterns were stored.
func (c *PatternCache) Put(signature string, pg *PatternGroup) bool {
	if pg == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.patterns[signature]; found {
		return false
	}
	c.patterns[signature] = pg
	return true
}

// Invalidate removes the patterns of the signature.
func (c *PatternCache) Invalidate(signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.patterns, signature)
}

// Len returns the number of cached pattern groups.
func (c *PatternCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.patterns)
}

// ShapesSignature returns the cache key for the given feed shapes, in feed order.
func ShapesSignature(feedShapes []shapes.Shape) string {
	parts := make([]string, len(feedShapes))
	for ii, shape := range feedShapes {
		parts[ii] = shape.String()
	}
	return strings.Join(parts, ";")
}
