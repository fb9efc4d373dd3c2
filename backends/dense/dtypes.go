// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dense

import (
	"math"

	"github.com/gomlx/einsum/backends"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// MaxDTypes bounds the dtype enum values handled by the dispatcher.
const MaxDTypes = 32

// SupportedTypes enumerates the Go types of the elements of dense tensors.
type SupportedTypes interface {
	int32 | int64 | float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// podNumber are the Go plain-old-data numeric types, with native arithmetic.
type podNumber interface {
	constraints.Integer | constraints.Float
}

// halfFloat are the 16-bits float types, whose arithmetic is done in float32.
type halfFloat interface {
	float16.Float16 | bfloat16.BFloat16
	Float32() float32
}

// elementKernels implement the primitives on the flat storage of one dtype. Flat storage is passed
// as `any` holding a []T of the dtype's Go type.
type elementKernels interface {
	alloc(size int) any
	gather(out, in any, it *transposeIterator, start, end int)
	combine(op backends.BinaryOp, out, lhs, rhs any, lhsIt, rhsIt *transposeIterator, start, end int)
	scale(out, in any, it *transposeIterator, alpha float64, start, end int)

	// matMulRows computes rows [rowStart, rowEnd) of c = a·b, with a of shape (m, k) and b (k, n).
	matMulRows(c, a, b any, k, n, rowStart, rowEnd int)
}

// DTypeDispatcher maps each supported dtype to its element kernels.
type DTypeDispatcher struct {
	Name  string
	fnMap [MaxDTypes]elementKernels
}

// NewDTypeDispatcher creates a new dispatcher.
func NewDTypeDispatcher(name string) *DTypeDispatcher {
	return &DTypeDispatcher{
		Name: name,
	}
}

// Dispatch returns the element kernels that match the dtype.
func (d *DTypeDispatcher) Dispatch(dtype dtypes.DType) (elementKernels, error) {
	if dtype < 0 || dtype >= MaxDTypes || d.fnMap[dtype] == nil {
		return nil, errors.Errorf("dtype %s not supported by %s", dtype, d.Name)
	}
	return d.fnMap[dtype], nil
}

// register the kernels of a specific dtype.
// This overwrites any previous setting for the same dtype.
func (d *DTypeDispatcher) register(dtype dtypes.DType, kernels elementKernels) {
	if dtype < 0 || dtype >= MaxDTypes {
		exceptions.Panicf("dtype %s not supported by %s", dtype, d.Name)
	}
	d.fnMap[dtype] = kernels
}

var dispatcher = NewDTypeDispatcher("dense")

func init() {
	dispatcher.register(dtypes.Int32, intKernels[int32]{})
	dispatcher.register(dtypes.Int64, intKernels[int64]{})
	dispatcher.register(dtypes.Float32, float32Kernels{})
	dispatcher.register(dtypes.Float64, float64Kernels{})
	dispatcher.register(dtypes.Float16, halfKernels[float16.Float16]{fromFloat32: float16.Fromfloat32})
	dispatcher.register(dtypes.BFloat16, halfKernels[bfloat16.BFloat16]{fromFloat32: bfloat16.FromFloat32})
}

func podBinary[T podNumber](op backends.BinaryOp) func(a, b T) T {
	switch op {
	case backends.OpSubtract:
		return func(a, b T) T { return a - b }
	case backends.OpMultiply:
		return func(a, b T) T { return a * b }
	default:
		return func(a, b T) T { return a + b }
	}
}

// podKernels implements elementKernels for the Go numeric types.
type podKernels[T podNumber] struct{}

func (podKernels[T]) alloc(size int) any { return make([]T, size) }

func (podKernels[T]) gather(out, in any, it *transposeIterator, start, end int) {
	gatherFlat(out.([]T), in.([]T), it, start, end)
}

func (podKernels[T]) combine(op backends.BinaryOp, out, lhs, rhs any, lhsIt, rhsIt *transposeIterator, start, end int) {
	outFlat, lhsFlat, rhsFlat := out.([]T), lhs.([]T), rhs.([]T)
	fn := podBinary[T](op)
	lhsIt.seek(start)
	rhsIt.seek(start)
	for ii := start; ii < end; ii++ {
		outFlat[ii] = fn(lhsFlat[lhsIt.next()], rhsFlat[rhsIt.next()])
	}
}

func (podKernels[T]) scale(out, in any, it *transposeIterator, alpha float64, start, end int) {
	outFlat, inFlat := out.([]T), in.([]T)
	it.seek(start)
	for ii := start; ii < end; ii++ {
		outFlat[ii] = T(alpha * float64(inFlat[it.next()]))
	}
}

func (podKernels[T]) matMulRows(c, a, b any, k, n, rowStart, rowEnd int) {
	cFlat, aFlat, bFlat := c.([]T), a.([]T), b.([]T)
	for row := rowStart; row < rowEnd; row++ {
		cRow := cFlat[row*n : (row+1)*n]
		clear(cRow)
		for kk := range k {
			aValue := aFlat[row*k+kk]
			bRow := bFlat[kk*n : (kk+1)*n]
			for col, bValue := range bRow {
				cRow[col] += aValue * bValue
			}
		}
	}
}

// intKernels implements elementKernels for integers. Scaling by an integral alpha is exact, instead
// of going through float64.
type intKernels[T constraints.Signed] struct {
	podKernels[T]
}

func (k intKernels[T]) scale(out, in any, it *transposeIterator, alpha float64, start, end int) {
	if alpha != math.Trunc(alpha) || math.IsInf(alpha, 0) {
		k.podKernels.scale(out, in, it, alpha, start, end)
		return
	}
	factor := T(alpha)
	outFlat, inFlat := out.([]T), in.([]T)
	it.seek(start)
	for ii := start; ii < end; ii++ {
		outFlat[ii] = factor * inFlat[it.next()]
	}
}

// halfKernels implements elementKernels for 16-bits floats, doing the arithmetic in float32.
type halfKernels[T halfFloat] struct {
	fromFloat32 func(float32) T
}

func (halfKernels[T]) alloc(size int) any { return make([]T, size) }

func (halfKernels[T]) gather(out, in any, it *transposeIterator, start, end int) {
	gatherFlat(out.([]T), in.([]T), it, start, end)
}

func (h halfKernels[T]) combine(op backends.BinaryOp, out, lhs, rhs any, lhsIt, rhsIt *transposeIterator, start, end int) {
	outFlat, lhsFlat, rhsFlat := out.([]T), lhs.([]T), rhs.([]T)
	fn := podBinary[float32](op)
	lhsIt.seek(start)
	rhsIt.seek(start)
	for ii := start; ii < end; ii++ {
		outFlat[ii] = h.fromFloat32(fn(lhsFlat[lhsIt.next()].Float32(), rhsFlat[rhsIt.next()].Float32()))
	}
}

func (h halfKernels[T]) scale(out, in any, it *transposeIterator, alpha float64, start, end int) {
	outFlat, inFlat := out.([]T), in.([]T)
	it.seek(start)
	for ii := start; ii < end; ii++ {
		outFlat[ii] = h.fromFloat32(float32(alpha * float64(inFlat[it.next()].Float32())))
	}
}

func (h halfKernels[T]) matMulRows(c, a, b any, k, n, rowStart, rowEnd int) {
	cFlat, aFlat, bFlat := c.([]T), a.([]T), b.([]T)
	accumulator := make([]float32, n)
	for row := rowStart; row < rowEnd; row++ {
		clear(accumulator)
		for kk := range k {
			aValue := aFlat[row*k+kk].Float32()
			for col, bValue := range bFlat[kk*n : (kk+1)*n] {
				accumulator[col] += aValue * bValue.Float32()
			}
		}
		for col, value := range accumulator {
			cFlat[row*n+col] = h.fromFloat32(value)
		}
	}
}

func gatherFlat[T any](out, in []T, it *transposeIterator, start, end int) {
	if it.isIdentity() {
		copy(out[start:end], in[start:end])
		return
	}
	it.seek(start)
	for ii := start; ii < end; ii++ {
		out[ii] = in[it.next()]
	}
}
