// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package values defines Value, the container of the data flowing through the graph.
//
// A Value is either unset (e.g. a missing optional output) or a dense tensor: a shapes.Shape and the
// memory.Buffer holding its bytes. The buffer may live on any device: accessing the bytes of a value
// not on host memory is only valid for kernels of the device it lives on (the simulated accelerator
// uses Go memory, so that works in this implementation).
package values

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/gomlx/graphexec/pkg/core/shapes"
	"github.com/gomlx/graphexec/pkg/memory"
)

// Kind of Value.
type Kind int

const (
	KindUnset Kind = iota
	KindTensor
)

// Value is a tagged container: unset or a dense tensor bound to a buffer.
type Value struct {
	kind   Kind
	shape  shapes.Shape
	buffer *memory.Buffer
}

// Unset returns a value with no contents.
func Unset() *Value { return &Value{kind: KindUnset, shape: shapes.Invalid()} }

// NewTensor creates a tensor value of the given shape over buffer.
// The buffer must hold at least shape.Memory() bytes.
func NewTensor(shape shapes.Shape, buffer *memory.Buffer) (*Value, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("values.NewTensor: invalid shape %s", shape)
	}
	if buffer == nil || buffer.Size() < shape.Memory() {
		size := 0
		if buffer != nil {
			size = buffer.Size()
		}
		return nil, errors.Errorf("values.NewTensor: shape %s requires %d bytes, buffer has %d", shape, shape.Memory(), size)
	}
	return &Value{kind: KindTensor, shape: shape, buffer: buffer}, nil
}

// hostBytes returns 8-bytes aligned host memory.
func hostBytes(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// FromFlat creates a host value with a copy of flat, shaped with dimensions.
// If no dimensions are given, flat must have exactly one element, and the value is a scalar.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*Value, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(flat) {
		return nil, errors.Errorf("values.FromFlat: shape %s requires %d elements, got %d", shape, shape.Size(), len(flat))
	}
	data := hostBytes(shape.Memory())
	if len(flat) > 0 {
		copy(data, unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(data)))
	}
	return &Value{kind: KindTensor, shape: shape, buffer: memory.WrapHost(data)}, nil
}

// FromScalar creates a scalar host value.
func FromScalar[T dtypes.Supported](v T) *Value {
	return must.M1(FromFlat([]T{v}))
}

// Zeros creates a host value of the given shape filled with zeros.
func Zeros(shape shapes.Shape) *Value {
	return &Value{kind: KindTensor, shape: shape.Clone(), buffer: memory.WrapHost(hostBytes(shape.Memory()))}
}

// Kind of the value.
func (v *Value) Kind() Kind { return v.kind }

// IsSet returns whether the value holds a tensor.
func (v *Value) IsSet() bool { return v != nil && v.kind == KindTensor }

// Shape of the value. Invalid for unset values.
func (v *Value) Shape() shapes.Shape { return v.shape }

// Buffer holding the value bytes, nil for unset values.
func (v *Value) Buffer() *memory.Buffer { return v.buffer }

// Location where the value resides. Unset values report the host location.
func (v *Value) Location() memory.Location {
	if v.buffer == nil {
		return memory.HostLocation
	}
	return v.buffer.Location()
}

// Bytes of the value, exactly shape.Memory() long. The slice is shared with the buffer.
func (v *Value) Bytes() []byte {
	if !v.IsSet() {
		return nil
	}
	return v.buffer.Bytes()[:v.shape.Memory()]
}

// Flat returns a typed view over the value bytes. Changes to it change the value.
// It returns an error if T doesn't match the value dtype.
func Flat[T dtypes.Supported](v *Value) ([]T, error) {
	if !v.IsSet() {
		return nil, errors.New("values.Flat: value is unset")
	}
	if dtype := dtypes.FromGenericsType[T](); dtype != v.shape.DType {
		return nil, errors.Errorf("values.Flat[%s]: value has dtype %s", dtype, v.shape.DType)
	}
	size := v.shape.Size()
	if size == 0 {
		return []T{}, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&v.buffer.Bytes()[0])), size), nil
}

// ToFlat returns a copy of the value contents.
func ToFlat[T dtypes.Supported](v *Value) ([]T, error) {
	flat, err := Flat[T](v)
	if err != nil {
		return nil, err
	}
	return append([]T(nil), flat...), nil
}

// Clone returns a copy of the value in host memory not owned by any allocator.
func (v *Value) Clone() *Value {
	if !v.IsSet() {
		return Unset()
	}
	data := hostBytes(len(v.Bytes()))
	copy(data, v.Bytes())
	return &Value{kind: KindTensor, shape: v.shape.Clone(), buffer: memory.WrapHost(data)}
}

// String implements fmt.Stringer. Host values up to 16 elements print their contents.
func (v *Value) String() string {
	if !v.IsSet() {
		return "<unset>"
	}
	if v.Location().IsHost() && v.shape.Size() <= 16 {
		return fmt.Sprintf("%s%v", v.shape, v.flatAny())
	}
	return fmt.Sprintf("%s@%s", v.shape, v.Location())
}

func (v *Value) flatAny() any {
	switch v.shape.DType {
	case dtypes.Float32:
		return must.M1(Flat[float32](v))
	case dtypes.Float64:
		return must.M1(Flat[float64](v))
	case dtypes.Int32:
		return must.M1(Flat[int32](v))
	case dtypes.Int64:
		return must.M1(Flat[int64](v))
	}
	return v.Bytes()
}
