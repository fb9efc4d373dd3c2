// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dense implements a simple and portable in-memory backend for einsum operations.
//
// Tensors are stored row-major in flat Go slices. The supported dtypes are Int32, Int64, Float32,
// Float64, Float16 (github.com/x448/float16) and BFloat16 (github.com/gomlx/gopjrt/dtypes/bfloat16).
// Matrix multiplication of Float32 and Float64 uses gonum's BLAS.
//
// Every primitive is split in two steps: a "Prepare" step that validates its inputs and allocates
// the output, returning a Task; and the Task execution, which can be run over any sub-range of its
// output elements (or rows, for MatMul). The dense backend runs each Task at once; the distributed
// backend shares the Prepare step and fans the Task ranges out to workers.
package dense

import (
	"sync/atomic"

	"github.com/gomlx/einsum/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// BackendName to be used in EINSUM_BACKEND to specify this backend.
const BackendName = "dense"

// Registers New() as the constructor for the "dense" backend.
func init() {
	backends.Register(BackendName, func(_ string) (backends.Backend, error) { return New(), nil })
}

// Backend implements backends.Backend for dense tensors.
type Backend struct {
	kernelsByRank [backends.MaxRank + 1]*Kernels
	stats         stats
}

// Compile-time check that Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// New constructs a new dense Backend.
func New() *Backend {
	b := &Backend{}
	for rank := range b.kernelsByRank {
		b.kernelsByRank[rank] = &Kernels{backend: b, rank: rank}
	}
	return b
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Kernels implements backends.Backend.
func (b *Backend) Kernels(rank int) (backends.Kernels, error) {
	return b.RankKernels(rank)
}

// RankKernels is like Kernels, but returns the concrete type.
func (b *Backend) RankKernels(rank int) (*Kernels, error) {
	if rank < 0 || rank > backends.MaxRank {
		return nil, errors.Errorf("dense backend doesn't support rank %d, max rank is %d", rank, backends.MaxRank)
	}
	return b.kernelsByRank[rank], nil
}

// New implements backends.Backend.
func (b *Backend) New(dtype dtypes.DType, dims ...int) (backends.Tensor, error) {
	return Zeros(dtype, dims...)
}

// MatMul implements backends.Backend.
func (b *Backend) MatMul(lhs, rhs backends.Matrix) (backends.Matrix, error) {
	c, task, err := b.PrepareMatMul(lhs, rhs)
	if err != nil {
		return nil, err
	}
	task.RunAll()
	return c, nil
}

// Stats is a snapshot of the number of primitive operations executed by a Backend.
type Stats struct {
	// Combines counts elementwise combinations.
	Combines int64

	// Shuffles counts operands actually moved by a non-identity permutation, in any primitive.
	Shuffles int64

	// Copies counts data movements with the identity permutation.
	Copies int64

	// Scales counts scalar multiplications.
	Scales int64

	// MatMuls counts matrix multiplications.
	MatMuls int64
}

type stats struct {
	combines, shuffles, copies, scales, matMuls atomic.Int64
}

// Stats returns a snapshot of the operations executed so far.
func (b *Backend) Stats() Stats {
	return Stats{
		Combines: b.stats.combines.Load(),
		Shuffles: b.stats.shuffles.Load(),
		Copies:   b.stats.copies.Load(),
		Scales:   b.stats.scales.Load(),
		MatMuls:  b.stats.matMuls.Load(),
	}
}

// ResetStats zeroes the operation counters.
func (b *Backend) ResetStats() {
	b.stats.combines.Store(0)
	b.stats.shuffles.Store(0)
	b.stats.copies.Store(0)
	b.stats.scales.Store(0)
	b.stats.matMuls.Store(0)
}

// countPermutation records whether an operand is moved with a shuffle.
func (b *Backend) countPermutation(it *transposeIterator) {
	if !it.isIdentity() {
		b.stats.shuffles.Add(1)
	}
}
