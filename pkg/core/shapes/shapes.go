// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the element type and dimensions of a value flowing through
// the graph.
//
// The element type (DType) is the enumeration defined in github.com/gomlx/gopjrt/dtypes.
// A shape may be "unknown" (see Invalid), in which case the allocation planner will not
// make any reuse decisions for the value, and its buffer is only sized at execution time.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a dense tensor: element type and dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// A rank-0 (scalar) shape has no dimensions.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension < 0", s)
		}
	}
	return s
}

// Invalid returns an invalid (unknown) shape.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// ElementSize returns the number of bytes of one element.
func (s Shape) ElementSize() int {
	return int(s.DType.Memory())
}

// Memory returns the number of bytes needed to store a value of this shape.
func (s Shape) Memory() int {
	if !s.Ok() {
		return 0
	}
	return s.ElementSize() * s.Size()
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if !s.Ok() {
		return "(?)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

var namesToDTypes = map[string]dtypes.DType{
	"bool":    dtypes.Bool,
	"int8":    dtypes.Int8,
	"int16":   dtypes.Int16,
	"int32":   dtypes.Int32,
	"int64":   dtypes.Int64,
	"uint8":   dtypes.Uint8,
	"uint16":  dtypes.Uint16,
	"uint32":  dtypes.Uint32,
	"uint64":  dtypes.Uint64,
	"float16": dtypes.Float16,
	"float32": dtypes.Float32,
	"float64": dtypes.Float64,
}

// DTypeFromName converts a lower-case type name ("float32", "int64", ...) to a DType.
// It also accepts the DType's own String() representation.
func DTypeFromName(name string) (dtypes.DType, error) {
	if dtype, found := namesToDTypes[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// Unsqueeze returns the shape with new axes of dimension 1 inserted at the given positions.
// The positions refer to the output rank, and negative values count from the end.
func (s Shape) Unsqueeze(axes ...int) (Shape, error) {
	if !s.Ok() {
		return s, errors.New("cannot unsqueeze an unknown shape")
	}
	outputRank := s.Rank() + len(axes)
	isNew := make([]bool, outputRank)
	for _, axis := range axes {
		adjusted := axis
		if adjusted < 0 {
			adjusted += outputRank
		}
		if adjusted < 0 || adjusted >= outputRank {
			return s, errors.Errorf("unsqueeze axis %d out of range for output rank %d", axis, outputRank)
		}
		if isNew[adjusted] {
			return s, errors.Errorf("unsqueeze axis %d given more than once", axis)
		}
		isNew[adjusted] = true
	}
	dims := make([]int, 0, outputRank)
	next := 0
	for _, newAxis := range isNew {
		if newAxis {
			dims = append(dims, 1)
		} else {
			dims = append(dims, s.Dimensions[next])
			next++
		}
	}
	return Make(s.DType, dims...), nil
}
