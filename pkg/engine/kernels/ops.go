// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"

	"github.com/gomlx/graphexec/pkg/core/status"
	"github.com/gomlx/graphexec/pkg/core/values"
)

// elementType are the Go types of the dtypes supported by the reference elementwise kernels,
// apart from Float16, which is computed in float32.
type elementType interface {
	dtypes.Supported
	constraints.Integer | constraints.Float
}

// ReferenceFactories returns the factories of the reference op set, indexed by op type.
// The Memcpy operators are not included, see RegisterMemcpyOps.
func ReferenceFactories() map[string]Factory {
	return map[string]Factory{
		"Add":               binaryFactory(binaryAdd),
		"Sub":               binaryFactory(binarySub),
		"Mul":               binaryFactory(binaryMul),
		"Relu":              func(*Info) (Kernel, error) { return KernelFunc(computeRelu), nil },
		"Identity":          func(*Info) (Kernel, error) { return KernelFunc(computeCopy), nil },
		"Unsqueeze":         newUnsqueeze,
		"NonMaxSuppression": newNonMaxSuppression,
		"Sleep":             newSleep,
	}
}

// RegisterReferenceOps registers the reference op set for provider, with default memory types.
func RegisterReferenceOps(r *Registry, provider string) error {
	for opType, factory := range ReferenceFactories() {
		if err := r.Register(Def(opType, provider), factory); err != nil {
			return err
		}
	}
	return nil
}

// RegisterMemcpyOps registers the device boundary copy operators for provider:
// MemcpyFromHost reads its input from host memory, and MemcpyToHost writes its output to host memory.
func RegisterMemcpyOps(r *Registry, provider string) error {
	copyFactory := func(*Info) (Kernel, error) { return KernelFunc(computeCopy), nil }
	if err := r.Register(Def(MemcpyFromHost, provider).HostInput(0), copyFactory); err != nil {
		return err
	}
	return r.Register(Def(MemcpyToHost, provider).HostOutput(0), copyFactory)
}

// computeCopy copies input 0 to output 0: used by Identity and the Memcpy operators.
// The frame places the output according to the plan, so a copy is also a transfer between devices.
func computeCopy(ctx *Context) error {
	input, err := ctx.RequiredInput(0)
	if err != nil {
		return err
	}
	output, err := ctx.Output(0, input.Shape())
	if err != nil || output == nil {
		return err
	}
	copy(output.Bytes(), input.Bytes())
	return nil
}

type binaryOp int

const (
	binaryAdd binaryOp = iota
	binarySub
	binaryMul
)

func binaryFactory(op binaryOp) Factory {
	return func(*Info) (Kernel, error) {
		return KernelFunc(func(ctx *Context) error { return computeBinary(ctx, op) }), nil
	}
}

// computeBinary implements elementwise binary operations, where operands have the same shape,
// or one of them has a single element (scalar broadcast).
func computeBinary(ctx *Context, op binaryOp) error {
	lhs, err := ctx.RequiredInput(0)
	if err != nil {
		return err
	}
	rhs, err := ctx.RequiredInput(1)
	if err != nil {
		return err
	}
	lhsShape, rhsShape := lhs.Shape(), rhs.Shape()
	if lhsShape.DType != rhsShape.DType {
		return status.Errorf(status.Runtime, "node %q: operands have different dtypes %s and %s",
			ctx.Node().Name, lhsShape.DType, rhsShape.DType)
	}
	outputShape := lhsShape
	switch {
	case lhsShape.Equal(rhsShape):
	case rhsShape.Size() == 1 && rhsShape.Rank() <= lhsShape.Rank():
	case lhsShape.Size() == 1 && lhsShape.Rank() <= rhsShape.Rank():
		outputShape = rhsShape
	default:
		return status.Errorf(status.Runtime, "node %q: incompatible shapes %s and %s", ctx.Node().Name, lhsShape, rhsShape)
	}
	output, err := ctx.Output(0, outputShape)
	if err != nil || output == nil {
		return err
	}
	switch outputShape.DType {
	case dtypes.Float32:
		return binaryGeneric[float32](op, lhs, rhs, output)
	case dtypes.Float64:
		return binaryGeneric[float64](op, lhs, rhs, output)
	case dtypes.Int32:
		return binaryGeneric[int32](op, lhs, rhs, output)
	case dtypes.Int64:
		return binaryGeneric[int64](op, lhs, rhs, output)
	case dtypes.Float16:
		return binaryFloat16(op, lhs, rhs, output)
	}
	return status.Errorf(status.NotImplemented, "node %q: dtype %s not supported", ctx.Node().Name, outputShape.DType)
}

func applyBinary[T elementType](op binaryOp, a, b T) T {
	switch op {
	case binaryAdd:
		return a + b
	case binarySub:
		return a - b
	default:
		return a * b
	}
}

// broadcastIndex returns the index into an operand of size n for output element i.
func broadcastIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	return i
}

func binaryGeneric[T elementType](op binaryOp, lhs, rhs, output *values.Value) error {
	lhsFlat, err := values.Flat[T](lhs)
	if err != nil {
		return err
	}
	rhsFlat, err := values.Flat[T](rhs)
	if err != nil {
		return err
	}
	outputFlat, err := values.Flat[T](output)
	if err != nil {
		return err
	}
	for ii := range outputFlat {
		outputFlat[ii] = applyBinary(op, lhsFlat[broadcastIndex(ii, len(lhsFlat))], rhsFlat[broadcastIndex(ii, len(rhsFlat))])
	}
	return nil
}

func binaryFloat16(op binaryOp, lhs, rhs, output *values.Value) error {
	lhsFlat, err := values.Flat[float16.Float16](lhs)
	if err != nil {
		return err
	}
	rhsFlat, err := values.Flat[float16.Float16](rhs)
	if err != nil {
		return err
	}
	outputFlat, err := values.Flat[float16.Float16](output)
	if err != nil {
		return err
	}
	for ii := range outputFlat {
		a := lhsFlat[broadcastIndex(ii, len(lhsFlat))].Float32()
		b := rhsFlat[broadcastIndex(ii, len(rhsFlat))].Float32()
		outputFlat[ii] = float16.Fromfloat32(applyBinary(op, a, b))
	}
	return nil
}

func computeRelu(ctx *Context) error {
	input, err := ctx.RequiredInput(0)
	if err != nil {
		return err
	}
	output, err := ctx.Output(0, input.Shape())
	if err != nil || output == nil {
		return err
	}
	switch input.Shape().DType {
	case dtypes.Float32:
		return reluGeneric[float32](input, output)
	case dtypes.Float64:
		return reluGeneric[float64](input, output)
	case dtypes.Int32:
		return reluGeneric[int32](input, output)
	case dtypes.Int64:
		return reluGeneric[int64](input, output)
	case dtypes.Float16:
		inputFlat, err := values.Flat[float16.Float16](input)
		if err != nil {
			return err
		}
		outputFlat, err := values.Flat[float16.Float16](output)
		if err != nil {
			return err
		}
		for ii, x := range inputFlat {
			if x.Float32() > 0 {
				outputFlat[ii] = x
			} else {
				outputFlat[ii] = float16.Fromfloat32(0)
			}
		}
		return nil
	}
	return status.Errorf(status.NotImplemented, "node %q: dtype %s not supported", ctx.Node().Name, input.Shape().DType)
}

func reluGeneric[T elementType](input, output *values.Value) error {
	inputFlat, err := values.Flat[T](input)
	if err != nil {
		return err
	}
	outputFlat, err := values.Flat[T](output)
	if err != nil {
		return err
	}
	for ii, x := range inputFlat {
		outputFlat[ii] = max(x, 0)
	}
	return nil
}

type unsqueezeKernel struct {
	axes []int
}

func newUnsqueeze(info *Info) (Kernel, error) {
	axes, err := info.Node.AttrInts("axes")
	if err != nil {
		return nil, err
	}
	k := &unsqueezeKernel{axes: make([]int, len(axes))}
	for ii, axis := range axes {
		k.axes[ii] = int(axis)
	}
	return k, nil
}

// Compute implements Kernel.
func (k *unsqueezeKernel) Compute(ctx *Context) error {
	input, err := ctx.RequiredInput(0)
	if err != nil {
		return err
	}
	outputShape, err := input.Shape().Unsqueeze(k.axes...)
	if err != nil {
		return status.Wrapf(err, status.Runtime, "node %q", ctx.Node().Name)
	}
	output, err := ctx.Output(0, outputShape)
	if err != nil || output == nil {
		return err
	}
	copy(output.Bytes(), input.Bytes())
	return nil
}

// sleepKernel copies its input to its output after sleeping: a testing aid for slow kernels.
// It returns early if the run is abandoned.
type sleepKernel struct {
	duration time.Duration
}

func newSleep(info *Info) (Kernel, error) {
	millis, err := info.Node.AttrInt("millis")
	if err != nil {
		return nil, err
	}
	if millis < 0 {
		return nil, status.Errorf(status.InvalidAttribute, "node %q: millis must be >= 0, got %d", info.Node.Name, millis)
	}
	return &sleepKernel{duration: time.Duration(millis) * time.Millisecond}, nil
}

// Compute implements Kernel.
func (k *sleepKernel) Compute(ctx *Context) error {
	timer := time.NewTimer(k.duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Context().Done():
		return status.Wrapf(ctx.Context().Err(), status.Runtime, "node %q interrupted", ctx.Node().Name)
	}
	return computeCopy(ctx)
}
