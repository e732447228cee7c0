// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frame implements the execution frame: the per-run store of values, realizing the
// allocation plan into actual buffers, and releasing them once their last consumer is done.
//
// A Frame is not safe for concurrent use: the executor running it must serialize the calls.
package frame

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
	"github.com/gomlx/graphexec/pkg/engine/kernels"
	"github.com/gomlx/graphexec/pkg/engine/planner"
	"github.com/gomlx/graphexec/pkg/memory"
	"github.com/gomlx/graphexec/pkg/support/sets"
)

// Source is the session state a frame is created from. It is shared by all runs and must be safe
// for concurrent reads.
type Source interface {
	// Plan of the session.
	Plan() *planner.Plan

	// Allocator for the given location.
	Allocator(location memory.Location) (memory.Allocator, error)

	// Initializer returns the materialized initializer with the given value index.
	Initializer(valueIdx int) *values.Value
}

// sharedBuffer is a buffer owned by the frame, possibly referenced by more than one value.
//
// refs counts the values holding the buffer, plus one if a value planned to reuse it is still to be allocated.
type sharedBuffer struct {
	buf      *memory.Buffer
	refs     int
	root     int
	location memory.Location

	// fromPattern buffers are carved from a pattern reservation, and are not freed individually.
	fromPattern bool
}

// Frame holds the values of one run.
type Frame struct {
	src  Source
	plan *planner.Plan

	values    []*values.Value
	buffers   []*sharedBuffer
	remaining []int
	fetched   sets.Set[int]

	patterns     *planner.PatternGroup
	reservations map[memory.Location]*memory.Buffer
	tracer       *planner.PatternPlanner
	diverged     bool

	numAllocs, numPatternAllocs int
	closed                      bool
}

var _ kernels.ValueStore = (*Frame)(nil)

// New creates the frame of a run.
//
// feeds are the caller provided values, indexed by value index, and outputIndices the values the
// caller will Fetch. If patterns is not nil, one buffer per location is reserved and the planned
// values are carved out of it. Otherwise, if trace is true, the allocations are traced so that
// GeneratePatterns can build the patterns for later runs.
func New(src Source, feeds map[int]*values.Value, outputIndices []int, patterns *planner.PatternGroup, trace bool) (*Frame, error) {
	plan := src.Plan()
	numValues := plan.Values.Len()
	f := &Frame{
		src:       src,
		plan:      plan,
		values:    make([]*values.Value, numValues),
		buffers:   make([]*sharedBuffer, numValues),
		remaining: make([]int, numValues),
		fetched:   sets.MakeWith(outputIndices...),
	}
	copy(f.remaining, plan.UseCounts)
	for idx, entry := range plan.Entries {
		if entry.Kind == planner.Initializer {
			f.values[idx] = src.Initializer(idx)
		}
	}
	for idx, value := range feeds {
		if idx < 0 || idx >= numValues {
			return nil, status.Errorf(status.Internal, "frame: feed index %d out of range [0, %d)", idx, numValues)
		}
		f.values[idx] = value
	}

	if patterns != nil {
		if err := f.reserve(patterns); err != nil {
			klog.V(1).Infof("frame: memory patterns not used: %v", err)
			f.releaseReservations()
			f.diverged = true
		} else {
			f.patterns = patterns
		}
	} else if trace {
		f.tracer = planner.NewPatternPlanner()
	}
	return f, nil
}

// reserve allocates one buffer per location of the patterns.
func (f *Frame) reserve(patterns *planner.PatternGroup) error {
	f.reservations = make(map[memory.Location]*memory.Buffer, len(patterns.Locations))
	for ii, location := range patterns.Locations {
		if patterns.Patterns[ii].PeakSize == 0 {
			continue
		}
		allocator, err := f.src.Allocator(location)
		if err != nil {
			return err
		}
		buf, err := allocator.Alloc(patterns.Patterns[ii].PeakSize)
		if err != nil {
			return errors.WithMessagef(err, "reserving %d bytes in %s", patterns.Patterns[ii].PeakSize, location)
		}
		f.reservations[location] = buf
	}
	return nil
}

func (f *Frame) releaseReservations() error {
	var err error
	for location, buf := range f.reservations {
		if buf.Allocator() != nil {
			err = multierr.Append(err, errors.WithMessagef(buf.Allocator().Free(buf), "freeing reservation in %s", location))
		}
	}
	f.reservations = nil
	return err
}

func (f *Frame) checkIndex(idx int) {
	if idx < 0 || idx >= len(f.values) {
		exceptions.Panicf("frame: value index %d out of range [0, %d)", idx, len(f.values))
	}
}

// Get returns the value with the given index, or nil if it is not (or no longer) materialized.
// It panics if the index is out of range.
func (f *Frame) Get(idx int) *values.Value {
	f.checkIndex(idx)
	return f.values[idx]
}

// GetMutable returns the value with the given index for writing. It panics if the index is out of range.
func (f *Frame) GetMutable(idx int) *values.Value {
	f.checkIndex(idx)
	return f.values[idx]
}

// Value implements kernels.ValueStore.
func (f *Frame) Value(idx int) *values.Value { return f.Get(idx) }

// OutputValue implements kernels.ValueStore.
func (f *Frame) OutputValue(idx int, shape shapes.Shape) (*values.Value, error) {
	return f.GetOrCreateOutput(idx, shape)
}

// GetOrCreateOutput returns the value with the given index, allocating it as planned if needed.
// It returns nil, nil for a negative index, a missing optional output.
func (f *Frame) GetOrCreateOutput(idx int, shape shapes.Shape) (*values.Value, error) {
	if idx < 0 {
		return nil, nil
	}
	f.checkIndex(idx)
	if v := f.values[idx]; v.IsSet() {
		if !v.Shape().Equal(shape) {
			return nil, status.Errorf(status.Internal, "frame: value %q already allocated with shape %s, requested %s",
				f.plan.Values.Name(idx), v.Shape(), shape)
		}
		return v, nil
	}
	entry := f.plan.Entries[idx]
	var err error
	switch entry.Kind {
	case planner.Reuse:
		err = f.AllocateAliased(idx, entry.ReuseOf, shape, entry.Location)
	case planner.Fresh, planner.Output:
		err = f.AllocateOwned(idx, shape, entry.Location)
	default:
		return nil, status.Errorf(status.Internal, "frame: value %q is %s and can't be written",
			f.plan.Values.Name(idx), entry.Kind)
	}
	if err != nil {
		return nil, err
	}
	return f.values[idx], nil
}

// keptAfterRun returns whether the value must survive the frame: graph outputs and fetched values.
func (f *Frame) keptAfterRun(idx int) bool {
	return f.fetched.Has(idx) || f.plan.IsGraphOutput(idx)
}

// AllocateOwned creates a new buffer for the value in location: either carved from the memory
// pattern reservation, or from the location's allocator.
func (f *Frame) AllocateOwned(idx int, shape shapes.Shape, location memory.Location) error {
	f.checkIndex(idx)
	if !shape.Ok() {
		return status.Errorf(status.Internal, "frame: value %q allocated with invalid shape", f.plan.Values.Name(idx))
	}
	entry := f.plan.Entries[idx]
	if entry.Shape.Ok() && !entry.Shape.Equal(shape) {
		f.diverged = true
	}
	size := shape.Memory()
	sb := &sharedBuffer{refs: 1, root: idx, location: location}
	if entry.ReusedBy >= 0 {
		sb.refs++
	}

	if buf := f.patternBuffer(idx, location, size); buf != nil {
		sb.buf, sb.fromPattern = buf, true
		f.numPatternAllocs++
	} else {
		allocator, err := f.src.Allocator(location)
		if err != nil {
			return errors.WithMessagef(err, "frame: allocating value %q", f.plan.Values.Name(idx))
		}
		buf, err = allocator.Alloc(size)
		if err != nil {
			return errors.WithMessagef(err, "frame: allocating %d bytes for value %q", size, f.plan.Values.Name(idx))
		}
		sb.buf = buf
		f.numAllocs++
		if f.tracer != nil && !f.keptAfterRun(idx) {
			f.tracer.TraceAllocation(idx, location, size)
		}
	}
	v, err := values.NewTensor(shape, sb.buf)
	if err != nil {
		return status.Wrapf(err, status.Internal, "frame: value %q", f.plan.Values.Name(idx))
	}
	f.values[idx] = v
	f.buffers[idx] = sb
	return nil
}

// patternBuffer returns the buffer of the value carved from the memory pattern reservation, or nil
// if the pattern doesn't cover it.
func (f *Frame) patternBuffer(idx int, location memory.Location, size int) *memory.Buffer {
	if f.patterns == nil || f.keptAfterRun(idx) {
		return nil
	}
	reservation := f.reservations[location]
	pattern := f.patterns.Get(location)
	if reservation == nil || pattern == nil {
		f.diverged = true
		return nil
	}
	block, found := pattern.Block(idx)
	if !found || block.Size < size {
		f.diverged = true
		return nil
	}
	return reservation.Slice(block.Offset, size)
}

// AllocateAliased binds the value to the buffer of reuseIdx, a value that is no longer needed.
// If that buffer is not available or not suitable, it falls back to AllocateOwned.
func (f *Frame) AllocateAliased(idx, reuseIdx int, shape shapes.Shape, location memory.Location) error {
	f.checkIndex(idx)
	f.checkIndex(reuseIdx)
	sb := f.buffers[reuseIdx]
	if sb == nil || sb.location != location || sb.buf.Size() < shape.Memory() || !shape.Ok() {
		f.diverged = true
		if sb != nil && f.values[reuseIdx] == nil {
			// The reused value is already released: drop the reservation for this value.
			f.buffers[reuseIdx] = nil
			if err := f.unref(sb); err != nil {
				return err
			}
		}
		return f.AllocateOwned(idx, shape, location)
	}
	if f.values[reuseIdx] != nil {
		// Still referenced: it shouldn't happen with a valid plan.
		return status.Errorf(status.Internal, "frame: value %q reuses the buffer of %q, which is still live",
			f.plan.Values.Name(idx), f.plan.Values.Name(reuseIdx))
	}
	f.buffers[reuseIdx] = nil
	if f.plan.Entries[idx].ReusedBy >= 0 {
		sb.refs++
	}
	buf := sb.buf
	if size := shape.Memory(); size < buf.Size() {
		buf = buf.Slice(0, size)
	}
	v, err := values.NewTensor(shape, buf)
	if err != nil {
		return status.Wrapf(err, status.Internal, "frame: value %q", f.plan.Values.Name(idx))
	}
	f.values[idx] = v
	f.buffers[idx] = sb
	return nil
}

// Release is called once for each use of the value. When all uses are released, its buffer is
// returned to the allocator, unless it is kept for a value planned to reuse it, or the value is a
// graph output. Releasing a value that has no uses frees it right away.
func (f *Frame) Release(idx int) error {
	f.checkIndex(idx)
	if f.remaining[idx] > 0 {
		f.remaining[idx]--
	}
	if f.remaining[idx] > 0 || f.keptAfterRun(idx) {
		return nil
	}
	sb := f.buffers[idx]
	if sb == nil {
		// Not owned by the frame: feeds, initializers or a value never materialized.
		if kind := f.plan.Entries[idx].Kind; kind != planner.External && kind != planner.Initializer {
			f.values[idx] = nil
		}
		return nil
	}
	f.values[idx] = nil
	if f.plan.Entries[idx].ReusedBy >= 0 {
		// The buffer stays in buffers[idx] until the reusing value takes it over.
		sb.refs--
		return nil
	}
	f.buffers[idx] = nil
	return f.unref(sb)
}

// unref drops one reference to the buffer, freeing it when none is left.
func (f *Frame) unref(sb *sharedBuffer) error {
	sb.refs--
	if sb.refs > 0 {
		return nil
	}
	return f.free(sb)
}

func (f *Frame) free(sb *sharedBuffer) error {
	if sb.fromPattern {
		return nil
	}
	if f.tracer != nil {
		f.tracer.TraceFree(sb.root)
	}
	if allocator := sb.buf.Allocator(); allocator != nil {
		return allocator.Free(sb.buf)
	}
	return nil
}

// Fetch returns the value for the caller of the run. Values owned by the frame are copied to host
// memory, since the frame buffers are freed when the frame is closed.
func (f *Frame) Fetch(idx int) (*values.Value, error) {
	f.checkIndex(idx)
	v := f.values[idx]
	if !v.IsSet() {
		return nil, status.Errorf(status.Runtime, "frame: value %q was not computed", f.plan.Values.Name(idx))
	}
	if f.buffers[idx] == nil && v.Buffer().Allocator() == nil {
		return v, nil
	}
	return v.Clone(), nil
}

// GeneratePatterns returns the memory patterns of this run, to be used by later runs with the same
// input shapes. It returns nil if allocations were not traced, or if they diverged from the plan.
func (f *Frame) GeneratePatterns() *planner.PatternGroup {
	if f.tracer == nil || f.diverged {
		return nil
	}
	return f.tracer.Generate()
}

// UsedPatterns returns whether this run allocated its values from memory patterns.
func (f *Frame) UsedPatterns() bool { return f.patterns != nil && f.numPatternAllocs > 0 }

// Diverged returns whether some allocation didn't follow the plan or the memory patterns.
func (f *Frame) Diverged() bool { return f.diverged }

// NumAllocations returns the number of buffers requested from allocators, excluding pattern reservations.
func (f *Frame) NumAllocations() int { return f.numAllocs }

// Close frees all the buffers still owned by the frame. It can be called more than once.
func (f *Frame) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	var err error
	freed := sets.Make[*sharedBuffer]()
	for idx, sb := range f.buffers {
		f.buffers[idx] = nil
		f.values[idx] = nil
		if sb == nil || freed.Has(sb) {
			continue
		}
		freed.Insert(sb)
		err = multierr.Append(err, f.free(sb))
	}
	return multierr.Append(err, f.releaseReservations())
}
