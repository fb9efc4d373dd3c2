// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"github.com/gomlx/einsum/pkg/core/labels"
	"github.com/gomlx/einsum/pkg/core/planner"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Contract sets out to the contraction of lhs and rhs: symbols shared by lhs and rhs and absent from
// out's label are summed over.
//
// Both operands are permuted into their canonical order and flattened into matrices, multiplied,
// and the product is reordered into out. The extents of all operands are checked before the
// multiplication, so a ShapeMismatchError leaves out untouched.
func (d *Dispatcher) Contract(out, lhs, rhs Operand) error {
	const name = "Contract"
	plan, err := planner.NewContraction(out.Label, lhs.Label, rhs.Label)
	if err != nil {
		return errors.WithMessagef(err, "dispatch.%s", name)
	}
	kernels, err := d.kernelsFor(out, lhs, rhs)
	if err != nil {
		return err
	}
	outKernels, lhsKernels, rhsKernels := kernels[0], kernels[1], kernels[2]

	expression := describe(out.Label, lhs.Label, rhs.Label)
	extents, err := checkOperands(name, expression, out, lhs, rhs)
	if err != nil {
		return err
	}

	lhsPerm := identityAsNil(plan.LHSPermutation())
	rhsPerm := identityAsNil(plan.RHSPermutation())
	outPerm := identityAsNil(plan.OutputPermutation())
	if klog.V(1).Enabled() {
		klog.Infof("dispatch.%s %s: lhs perm %v, rhs perm %v, matmul label %q, output perm %v",
			name, expression, lhsPerm, rhsPerm, plan.MatMulLabel(), outPerm)
	}

	lhsMatrix, err := lhsKernels.Flatten(lhs.Tensor, lhsPerm, plan.LHSFree().Len())
	if err != nil {
		return err
	}
	rhsMatrix, err := rhsKernels.Flatten(rhs.Tensor, rhsPerm, plan.RHSDummy().Len())
	if err != nil {
		return err
	}
	if lhsMatrix.Cols() != rhsMatrix.Rows() {
		return newShapeMismatchError(name, expression,
			"contracted dimensions don't match: lhs flattens to %dx%d, rhs to %dx%d",
			lhsMatrix.Rows(), lhsMatrix.Cols(), rhsMatrix.Rows(), rhsMatrix.Cols())
	}
	product, err := d.backend.MatMul(lhsMatrix, rhsMatrix)
	if err != nil {
		return err
	}
	return outKernels.Unflatten(out.Tensor, product, labelExtents(plan.MatMulLabel(), extents), outPerm)
}

func identityAsNil(perm labels.Permutation) []int {
	if perm.IsIdentity() {
		return nil
	}
	return perm.Axes()
}

// labelExtents returns the extent of each symbol of label.
func labelExtents(label labels.Label, extents map[string]int) []int {
	dims := make([]int, label.Len())
	for ii := range dims {
		dims[ii] = extents[label.At(ii)]
	}
	return dims
}
