// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"

	"github.com/gomlx/einsum/backends"
	"github.com/gomlx/einsum/pkg/core/labels"
	"github.com/gomlx/einsum/pkg/core/planner"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func describe(result, lhs, rhs labels.Label) string {
	return fmt.Sprintf("%q <- %q, %q", result, lhs, rhs)
}

// checkOperands verifies that operands share the same dtype, and that every symbol has the same
// extent wherever it appears. It returns the extent of each symbol.
func checkOperands(operation, expression string, operands ...Operand) (map[string]int, error) {
	extents := make(map[string]int)
	dtype := operands[0].Tensor.DType()
	for _, op := range operands {
		if op.Tensor.DType() != dtype {
			return nil, newShapeMismatchError(operation, expression,
				"operand labeled %q has dtype %s, expected %s", op.Label, op.Tensor.DType(), dtype)
		}
		if op.Label.Len() != op.Tensor.Rank() {
			return nil, newShapeMismatchError(operation, expression,
				"label %q has %d symbols, but its tensor has rank %d", op.Label, op.Label.Len(), op.Tensor.Rank())
		}
		for axis := range op.Label.Len() {
			symbol, extent := op.Label.At(axis), op.Tensor.Extent(axis)
			if previous, found := extents[symbol]; found && previous != extent {
				return nil, newShapeMismatchError(operation, expression,
					"symbol %q has extent %d in %q, but extent %d elsewhere", symbol, extent, op.Label, previous)
			}
			extents[symbol] = extent
		}
	}
	return extents, nil
}

// Add sets out = lhs + rhs, with each operand's axes aligned by their labels.
func (d *Dispatcher) Add(out, lhs, rhs Operand) error {
	return d.combine("Add", backends.OpAdd, out, lhs, rhs)
}

// Subtract sets out = lhs - rhs, with each operand's axes aligned by their labels.
func (d *Dispatcher) Subtract(out, lhs, rhs Operand) error {
	return d.combine("Subtract", backends.OpSubtract, out, lhs, rhs)
}

// Hadamard sets out to the elementwise product of lhs and rhs, with each operand's axes aligned by
// their labels.
func (d *Dispatcher) Hadamard(out, lhs, rhs Operand) error {
	return d.combine("Hadamard", backends.OpMultiply, out, lhs, rhs)
}

// combine executes a binary elementwise operation with the least number of shuffles:
//
//   - all labels equal: no shuffle.
//   - only lhs (or only rhs) differs from the result: the differing side is shuffled.
//   - lhs and rhs are equal but differ from the result: combine in their order, then shuffle once
//     into the result.
//   - all labels differ: both sides are shuffled.
func (d *Dispatcher) combine(name string, op backends.BinaryOp, out, lhs, rhs Operand) error {
	expression := describe(out.Label, lhs.Label, rhs.Label)
	plan, err := planner.NewEinsum(out.Label, lhs.Label, rhs.Label)
	if err != nil {
		return errors.WithMessagef(err, "dispatch.%s", name)
	}
	if err = plan.CheckElementwise(); err != nil {
		return errors.WithMessagef(err, "dispatch.%s", name)
	}
	if plan.IsUnary() && !out.Label.IsEmpty() {
		return errors.WithStack(&planner.PlanningError{
			Rule:       planner.RuleNotElementwise,
			Expression: expression,
			Message:    "binary elementwise operations require both operands to carry every result symbol",
		})
	}
	kernels, err := d.kernelsFor(out, lhs, rhs)
	if err != nil {
		return err
	}
	if _, err = checkOperands(name, expression, out, lhs, rhs); err != nil {
		return err
	}
	outKernels, lhsKernels := kernels[0], kernels[1]

	lhsMatches, rhsMatches := lhs.Label.Equal(out.Label), rhs.Label.Equal(out.Label)
	switch {
	case lhsMatches && rhsMatches:
		klog.V(1).Infof("dispatch.%s %s: no shuffles", name, expression)
		return outKernels.Combine(op, out.Tensor, lhs.Tensor, nil, rhs.Tensor, nil)

	case lhsMatches:
		rhsPerm, err := permutationAxes(rhs.Label, out.Label)
		if err != nil {
			return err
		}
		klog.V(1).Infof("dispatch.%s %s: shuffling rhs by %v", name, expression, rhsPerm)
		return outKernels.Combine(op, out.Tensor, lhs.Tensor, nil, rhs.Tensor, rhsPerm)

	case rhsMatches:
		lhsPerm, err := permutationAxes(lhs.Label, out.Label)
		if err != nil {
			return err
		}
		klog.V(1).Infof("dispatch.%s %s: shuffling lhs by %v", name, expression, lhsPerm)
		return outKernels.Combine(op, out.Tensor, lhs.Tensor, lhsPerm, rhs.Tensor, nil)

	case lhs.Label.Equal(rhs.Label):
		outPerm, err := permutationAxes(lhs.Label, out.Label)
		if err != nil {
			return err
		}
		klog.V(1).Infof("dispatch.%s %s: shuffling the combined operands by %v", name, expression, outPerm)
		tmp, err := d.backend.New(lhs.Tensor.DType(), lhs.Tensor.Dimensions()...)
		if err != nil {
			return errors.WithMessagef(err, "dispatch.%s: allocating temporary", name)
		}
		if err = lhsKernels.Combine(op, tmp, lhs.Tensor, nil, rhs.Tensor, nil); err != nil {
			return err
		}
		return outKernels.Shuffle(out.Tensor, tmp, outPerm)

	default:
		lhsPerm, err := permutationAxes(lhs.Label, out.Label)
		if err != nil {
			return err
		}
		rhsPerm, err := permutationAxes(rhs.Label, out.Label)
		if err != nil {
			return err
		}
		klog.V(1).Infof("dispatch.%s %s: shuffling lhs by %v and rhs by %v", name, expression, lhsPerm, rhsPerm)
		return outKernels.Combine(op, out.Tensor, lhs.Tensor, lhsPerm, rhs.Tensor, rhsPerm)
	}
}

// Permute sets out to in with its axes reordered to match out's label. If the labels are equal, it
// is a plain copy.
func (d *Dispatcher) Permute(out, in Operand) error {
	return d.unary("Permute", out, in, func(kernels backends.Kernels, perm []int) error {
		return kernels.Shuffle(out.Tensor, in.Tensor, perm)
	})
}

// ScalarMultiply sets out = alpha * in, with in's axes reordered to match out's label.
func (d *Dispatcher) ScalarMultiply(out Operand, alpha float64, in Operand) error {
	return d.unary("ScalarMultiply", out, in, func(kernels backends.Kernels, perm []int) error {
		return kernels.Scale(out.Tensor, in.Tensor, perm, alpha)
	})
}

func (d *Dispatcher) unary(name string, out, in Operand, apply func(kernels backends.Kernels, perm []int) error) error {
	expression := describe(out.Label, in.Label, labels.Label{})
	plan, err := planner.NewEinsum(out.Label, in.Label, labels.Label{})
	if err != nil {
		return errors.WithMessagef(err, "dispatch.%s", name)
	}
	if err = plan.CheckElementwise(); err != nil {
		return errors.WithMessagef(err, "dispatch.%s", name)
	}
	kernels, err := d.kernelsFor(out, in)
	if err != nil {
		return err
	}
	if _, err = checkOperands(name, expression, out, in); err != nil {
		return err
	}
	perm, err := permutationAxes(in.Label, out.Label)
	if err != nil {
		return err
	}
	klog.V(1).Infof("dispatch.%s %s: permutation %v", name, expression, perm)
	return apply(kernels[0], perm)
}
