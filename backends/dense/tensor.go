// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dense

import (
	"fmt"
	"slices"

	"github.com/gomlx/einsum/backends"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor is a dense, row-major tensor stored in a flat Go slice.
type Tensor struct {
	dtype dtypes.DType
	dims  []int
	flat  any
}

// Compile-time check that Tensor implements backends.Tensor.
var _ backends.Tensor = (*Tensor)(nil)

func sizeOf(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

func validateDims(dims []int) error {
	if len(dims) > backends.MaxRank {
		return errors.Errorf("rank %d exceeds the maximum rank %d", len(dims), backends.MaxRank)
	}
	for axis, dim := range dims {
		if dim < 0 {
			return errors.Errorf("negative dimension %d for axis %d", dim, axis)
		}
	}
	return nil
}

// Zeros returns a zero-initialized tensor.
func Zeros(dtype dtypes.DType, dims ...int) (*Tensor, error) {
	kernels, err := dispatcher.Dispatch(dtype)
	if err != nil {
		return nil, err
	}
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	return &Tensor{dtype: dtype, dims: slices.Clone(dims), flat: kernels.alloc(sizeOf(dims))}, nil
}

// FromFlat creates a tensor with the given dimensions and a copy of flat as its row-major contents.
func FromFlat[T SupportedTypes](flat []T, dims ...int) (*Tensor, error) {
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	if size := sizeOf(dims); size != len(flat) {
		return nil, errors.Errorf("dimensions %v require %d elements, got %d", dims, size, len(flat))
	}
	return &Tensor{
		dtype: dtypes.FromGenericsType[T](),
		dims:  slices.Clone(dims),
		flat:  slices.Clone(flat),
	}, nil
}

// Scalar creates a rank-0 tensor holding value.
func Scalar[T SupportedTypes](value T) *Tensor {
	return &Tensor{dtype: dtypes.FromGenericsType[T](), dims: []int{}, flat: []T{value}}
}

// Flat returns a copy of the row-major contents of t. It fails if T doesn't match t's dtype.
func Flat[T SupportedTypes](t backends.Tensor) ([]T, error) {
	denseT, err := asTensor(t)
	if err != nil {
		return nil, err
	}
	flat, ok := denseT.flat.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("tensor has dtype %s, requested flat values of type %T", denseT.dtype, zero)
	}
	return slices.Clone(flat), nil
}

func asTensor(t backends.Tensor) (*Tensor, error) {
	denseT, ok := t.(*Tensor)
	if !ok || denseT == nil {
		return nil, errors.Errorf("dense backend can't handle tensor of type %T", t)
	}
	return denseT, nil
}

// Rank implements backends.Tensor.
func (t *Tensor) Rank() int { return len(t.dims) }

// Extent implements backends.Tensor.
func (t *Tensor) Extent(axis int) int { return t.dims[axis] }

// Dimensions implements backends.Tensor.
func (t *Tensor) Dimensions() []int { return slices.Clone(t.dims) }

// DType implements backends.Tensor.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Size returns the number of elements.
func (t *Tensor) Size() int { return sizeOf(t.dims) }

// Memory returns the number of bytes used by the elements.
func (t *Tensor) Memory() uintptr { return uintptr(t.Size()) * uintptr(t.dtype.Size()) }

// Clone implements backends.Tensor. It panics if the dtype has no registered kernels, which can only
// happen for tensors not built by this package.
func (t *Tensor) Clone() backends.Tensor {
	return t.clone()
}

func (t *Tensor) clone() *Tensor {
	kernels, err := dispatcher.Dispatch(t.dtype)
	if err != nil {
		exceptions.Panicf("dense.Tensor.Clone: %+v", err)
	}
	clone := &Tensor{dtype: t.dtype, dims: slices.Clone(t.dims), flat: kernels.alloc(t.Size())}
	kernels.gather(clone.flat, t.flat, newTransposeIterator(t.dims, nil), 0, t.Size())
	return clone
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("(%s)%v: %v", t.dtype, t.dims, t.flat)
}

// Matrix is a row-major 2-D matrix, the reinterpretation of a permuted tensor.
type Matrix struct {
	dtype      dtypes.DType
	rows, cols int
	flat       any
}

// Compile-time check that Matrix implements backends.Matrix.
var _ backends.Matrix = (*Matrix)(nil)

// Rows implements backends.Matrix.
func (m *Matrix) Rows() int { return m.rows }

// Cols implements backends.Matrix.
func (m *Matrix) Cols() int { return m.cols }

// DType implements backends.Matrix.
func (m *Matrix) DType() dtypes.DType { return m.dtype }

func asMatrix(m backends.Matrix) (*Matrix, error) {
	denseM, ok := m.(*Matrix)
	if !ok || denseM == nil {
		return nil, errors.Errorf("dense backend can't handle matrix of type %T", m)
	}
	return denseM, nil
}
