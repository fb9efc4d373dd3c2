// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dense

import (
	"slices"

	"github.com/gomlx/einsum/backends"
	"github.com/pkg/errors"
)

// Task is a prepared primitive, ready to be executed over sub-ranges of [0, Size()).
//
// Ranges are of output elements, except for MatMul, where they are output rows. Disjoint ranges can
// be run concurrently.
type Task struct {
	size int
	run  func(start, end int)
}

// Size returns the number of units of work of the task.
func (t *Task) Size() int { return t.size }

// Run executes the units of work [start, end).
func (t *Task) Run(start, end int) {
	if start < end {
		t.run(start, end)
	}
}

// RunAll executes the whole task.
func (t *Task) RunAll() { t.Run(0, t.size) }

// noopTask is used when a primitive has nothing left to do after being prepared.
var noopTask = &Task{run: func(_, _ int) {}}

// Kernels implements backends.Kernels for dense tensors of one rank.
type Kernels struct {
	backend *Backend
	rank    int
}

// Compile-time check that Kernels implements backends.Kernels.
var _ backends.Kernels = (*Kernels)(nil)

// Rank implements backends.Kernels.
func (k *Kernels) Rank() int { return k.rank }

func (k *Kernels) checkTensor(name string, t backends.Tensor) (*Tensor, error) {
	denseT, err := asTensor(t)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", name)
	}
	if denseT.Rank() != k.rank {
		return nil, errors.Errorf("%s has rank %d, but kernels are specialized for rank %d", name, denseT.Rank(), k.rank)
	}
	return denseT, nil
}

// checkPermuted validates in and perm, and that permute(in, perm) has the dimensions of out.
func (k *Kernels) checkPermuted(name string, out, in *Tensor, perm []int) error {
	if in.dtype != out.dtype {
		return errors.Errorf("%s has dtype %s, but output has dtype %s", name, in.dtype, out.dtype)
	}
	permuted, err := backends.PermutedDimensions(in, perm)
	if err != nil {
		return errors.WithMessagef(err, "%s", name)
	}
	if !slices.Equal(permuted, out.dims) {
		return errors.Errorf("%s permuted by %v has dimensions %v, but output has dimensions %v",
			name, perm, permuted, out.dims)
	}
	return nil
}

// inputFlat returns the flat storage to read an input from. If the input is the output tensor
// itself and needs to be permuted, it reads from a copy, since it would be overwritten mid-way.
func inputFlat(out, in *Tensor, it *transposeIterator) any {
	if in != out || it.isIdentity() {
		return in.flat
	}
	return in.clone().flat
}

// PrepareCombine validates a Combine and returns the Task that executes it.
func (k *Kernels) PrepareCombine(op backends.BinaryOp, out, lhs backends.Tensor, lhsPerm []int,
	rhs backends.Tensor, rhsPerm []int) (*Task, error) {
	outT, err := k.checkTensor("output", out)
	if err != nil {
		return nil, err
	}
	lhsT, err := k.checkTensor("lhs", lhs)
	if err != nil {
		return nil, err
	}
	rhsT, err := k.checkTensor("rhs", rhs)
	if err != nil {
		return nil, err
	}
	if err = k.checkPermuted("lhs", outT, lhsT, lhsPerm); err != nil {
		return nil, err
	}
	if err = k.checkPermuted("rhs", outT, rhsT, rhsPerm); err != nil {
		return nil, err
	}
	if op < backends.OpAdd || op > backends.OpMultiply {
		return nil, errors.Errorf("unknown elementwise operation %s", op)
	}
	ek, err := dispatcher.Dispatch(outT.dtype)
	if err != nil {
		return nil, err
	}

	b := k.backend
	b.stats.combines.Add(1)
	lhsProbe, rhsProbe := newTransposeIterator(lhsT.dims, lhsPerm), newTransposeIterator(rhsT.dims, rhsPerm)
	b.countPermutation(lhsProbe)
	b.countPermutation(rhsProbe)
	lhsFlat := inputFlat(outT, lhsT, lhsProbe)
	rhsFlat := inputFlat(outT, rhsT, rhsProbe)
	return &Task{
		size: outT.Size(),
		run: func(start, end int) {
			lhsIt := newTransposeIterator(lhsT.dims, lhsPerm)
			rhsIt := newTransposeIterator(rhsT.dims, rhsPerm)
			ek.combine(op, outT.flat, lhsFlat, rhsFlat, lhsIt, rhsIt, start, end)
		},
	}, nil
}

// Combine implements backends.Kernels.
func (k *Kernels) Combine(op backends.BinaryOp, out, lhs backends.Tensor, lhsPerm []int,
	rhs backends.Tensor, rhsPerm []int) error {
	task, err := k.PrepareCombine(op, out, lhs, lhsPerm, rhs, rhsPerm)
	if err != nil {
		return err
	}
	task.RunAll()
	return nil
}

// PrepareShuffle validates a Shuffle and returns the Task that executes it.
func (k *Kernels) PrepareShuffle(out, in backends.Tensor, perm []int) (*Task, error) {
	outT, err := k.checkTensor("output", out)
	if err != nil {
		return nil, err
	}
	inT, err := k.checkTensor("input", in)
	if err != nil {
		return nil, err
	}
	if err = k.checkPermuted("input", outT, inT, perm); err != nil {
		return nil, err
	}
	ek, err := dispatcher.Dispatch(outT.dtype)
	if err != nil {
		return nil, err
	}
	probe := newTransposeIterator(inT.dims, perm)
	if probe.isIdentity() {
		k.backend.stats.copies.Add(1)
		if inT == outT {
			return noopTask, nil
		}
	} else {
		k.backend.stats.shuffles.Add(1)
	}
	inFlat := inputFlat(outT, inT, probe)
	return &Task{
		size: outT.Size(),
		run: func(start, end int) {
			ek.gather(outT.flat, inFlat, newTransposeIterator(inT.dims, perm), start, end)
		},
	}, nil
}

// Shuffle implements backends.Kernels.
func (k *Kernels) Shuffle(out, in backends.Tensor, perm []int) error {
	task, err := k.PrepareShuffle(out, in, perm)
	if err != nil {
		return err
	}
	task.RunAll()
	return nil
}

// PrepareScale validates a Scale and returns the Task that executes it.
func (k *Kernels) PrepareScale(out, in backends.Tensor, perm []int, alpha float64) (*Task, error) {
	outT, err := k.checkTensor("output", out)
	if err != nil {
		return nil, err
	}
	inT, err := k.checkTensor("input", in)
	if err != nil {
		return nil, err
	}
	if err = k.checkPermuted("input", outT, inT, perm); err != nil {
		return nil, err
	}
	ek, err := dispatcher.Dispatch(outT.dtype)
	if err != nil {
		return nil, err
	}
	k.backend.stats.scales.Add(1)
	probe := newTransposeIterator(inT.dims, perm)
	k.backend.countPermutation(probe)
	inFlat := inputFlat(outT, inT, probe)
	return &Task{
		size: outT.Size(),
		run: func(start, end int) {
			ek.scale(outT.flat, inFlat, newTransposeIterator(inT.dims, perm), alpha, start, end)
		},
	}, nil
}

// Scale implements backends.Kernels.
func (k *Kernels) Scale(out, in backends.Tensor, perm []int, alpha float64) error {
	task, err := k.PrepareScale(out, in, perm, alpha)
	if err != nil {
		return err
	}
	task.RunAll()
	return nil
}

// PrepareFlatten validates a Flatten and returns the matrix and the Task that fills it.
//
// With an identity permutation the matrix shares the storage of the input and the task is a no-op.
func (k *Kernels) PrepareFlatten(in backends.Tensor, perm []int, rowAxes int) (*Matrix, *Task, error) {
	inT, err := k.checkTensor("input", in)
	if err != nil {
		return nil, nil, err
	}
	permuted, err := backends.PermutedDimensions(inT, perm)
	if err != nil {
		return nil, nil, err
	}
	if rowAxes < 0 || rowAxes > k.rank {
		return nil, nil, errors.Errorf("can't flatten with %d row axes a tensor of rank %d", rowAxes, k.rank)
	}
	ek, err := dispatcher.Dispatch(inT.dtype)
	if err != nil {
		return nil, nil, err
	}
	m := &Matrix{dtype: inT.dtype, rows: sizeOf(permuted[:rowAxes]), cols: sizeOf(permuted[rowAxes:])}
	it := newTransposeIterator(inT.dims, perm)
	if it.isIdentity() {
		m.flat = inT.flat
		return m, noopTask, nil
	}
	k.backend.stats.shuffles.Add(1)
	m.flat = ek.alloc(inT.Size())
	return m, &Task{
		size: inT.Size(),
		run: func(start, end int) {
			ek.gather(m.flat, inT.flat, newTransposeIterator(inT.dims, perm), start, end)
		},
	}, nil
}

// Flatten implements backends.Kernels.
func (k *Kernels) Flatten(in backends.Tensor, perm []int, rowAxes int) (backends.Matrix, error) {
	m, task, err := k.PrepareFlatten(in, perm, rowAxes)
	if err != nil {
		return nil, err
	}
	task.RunAll()
	return m, nil
}

// PrepareUnflatten validates an Unflatten and returns the Task that executes it.
func (k *Kernels) PrepareUnflatten(out backends.Tensor, m backends.Matrix, dims []int, perm []int) (*Task, error) {
	outT, err := k.checkTensor("output", out)
	if err != nil {
		return nil, err
	}
	denseM, err := asMatrix(m)
	if err != nil {
		return nil, err
	}
	if len(dims) != k.rank {
		return nil, errors.Errorf("can't unflatten into %d dimensions %v with kernels for rank %d", len(dims), dims, k.rank)
	}
	if sizeOf(dims) != denseM.rows*denseM.cols {
		return nil, errors.Errorf("can't unflatten a %dx%d matrix into dimensions %v", denseM.rows, denseM.cols, dims)
	}
	// Reinterpret the matrix as a tensor with the given dimensions, without copying.
	view := &Tensor{dtype: denseM.dtype, dims: slices.Clone(dims), flat: denseM.flat}
	if err = k.checkPermuted("matrix", outT, view, perm); err != nil {
		return nil, err
	}
	ek, err := dispatcher.Dispatch(outT.dtype)
	if err != nil {
		return nil, err
	}
	probe := newTransposeIterator(dims, perm)
	if probe.isIdentity() {
		k.backend.stats.copies.Add(1)
	} else {
		k.backend.stats.shuffles.Add(1)
	}
	return &Task{
		size: outT.Size(),
		run: func(start, end int) {
			ek.gather(outT.flat, view.flat, newTransposeIterator(view.dims, perm), start, end)
		},
	}, nil
}

// Unflatten implements backends.Kernels.
func (k *Kernels) Unflatten(out backends.Tensor, m backends.Matrix, dims []int, perm []int) error {
	task, err := k.PrepareUnflatten(out, m, dims, perm)
	if err != nil {
		return err
	}
	task.RunAll()
	return nil
}

// PrepareMatMul validates a matrix multiplication and returns the output matrix and the Task, over
// output rows, that computes it.
func (b *Backend) PrepareMatMul(lhs, rhs backends.Matrix) (*Matrix, *Task, error) {
	lhsM, err := asMatrix(lhs)
	if err != nil {
		return nil, nil, err
	}
	rhsM, err := asMatrix(rhs)
	if err != nil {
		return nil, nil, err
	}
	if lhsM.dtype != rhsM.dtype {
		return nil, nil, errors.Errorf("can't multiply matrices of dtypes %s and %s", lhsM.dtype, rhsM.dtype)
	}
	if lhsM.cols != rhsM.rows {
		return nil, nil, errors.Errorf("can't multiply matrices of shapes %dx%d and %dx%d",
			lhsM.rows, lhsM.cols, rhsM.rows, rhsM.cols)
	}
	ek, err := dispatcher.Dispatch(lhsM.dtype)
	if err != nil {
		return nil, nil, err
	}
	b.stats.matMuls.Add(1)
	out := &Matrix{dtype: lhsM.dtype, rows: lhsM.rows, cols: rhsM.cols, flat: ek.alloc(lhsM.rows * rhsM.cols)}
	return out, &Task{
		size: out.rows,
		run: func(start, end int) {
			ek.matMulRows(out.flat, lhsM.flat, rhsM.flat, lhsM.cols, rhsM.cols, start, end)
		},
	}, nil
}
