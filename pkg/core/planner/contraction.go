// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"github.com/gomlx/einsum/pkg/core/labels"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ContractionPlan is the read-only outcome of a ContractionPlanner.
type ContractionPlan struct {
	LHSFree, RHSFree   labels.Label
	LHSDummy, RHSDummy labels.Label

	// LHSPermutation reorders lhs into "free modes (in result order), then dummy modes (in lhs order)".
	LHSPermutation labels.Permutation

	// RHSPermutation reorders rhs into "dummy modes (in lhs order), then free modes (in result order)".
	RHSPermutation labels.Permutation

	// MatMulLabel annotates the output of the matrix multiplication of both canonical operands.
	MatMulLabel labels.Label

	// OutputPermutation reorders MatMulLabel into the result label.
	OutputPermutation labels.Permutation
}

// ContractionPlanner plans `result = contract(lhs, rhs)` as a matrix multiplication: lhs is
// permuted to [free..., dummy...] and reinterpreted as a (free x dummy) matrix, rhs is permuted to
// [dummy..., free...] and reinterpreted as a (dummy x free) matrix.
//
// Batch indices are not supported: callers loop over batch elements and contract each one.
type ContractionPlanner struct {
	result, lhs, rhs labels.Label
	plan             ContractionPlan
}

// NewContraction validates and plans the contraction `result = contract(lhs, rhs)`.
//
// It returns a PlanningError if any of the labels repeats a symbol, if the contracted symbols
// of lhs and rhs are not permutations of each other, if a result symbol is free on both operands
// or if a result symbol is in neither operand.
func NewContraction(result, lhs, rhs labels.Label) (*ContractionPlanner, error) {
	expression := describeExpression(result, lhs, rhs)
	for _, named := range []struct {
		name  string
		label labels.Label
	}{{"result", result}, {"lhs", lhs}, {"rhs", rhs}} {
		if named.label.HasRepeatedIndices() {
			return nil, newPlanningError(RuleRepeatedIndex, expression,
				"%s label %q repeats a symbol, contractions can't trace an operand", named.name, named.label)
		}
	}

	p := &ContractionPlanner{result: result, lhs: lhs, rhs: rhs}
	plan := &p.plan
	plan.LHSFree = labels.Intersection(lhs, result)
	plan.RHSFree = labels.Intersection(rhs, result)
	plan.LHSDummy = labels.Difference(lhs, result)
	plan.RHSDummy = labels.Difference(rhs, result)

	if !labels.IsPermutation(plan.LHSDummy, plan.RHSDummy) {
		return nil, newPlanningError(RuleDummyMismatch, expression,
			"lhs contracts %q but rhs contracts %q, every contracted symbol must be in both operands",
			plan.LHSDummy, plan.RHSDummy)
	}
	if shared := labels.Intersection(plan.LHSFree, plan.RHSFree); !shared.IsEmpty() {
		return nil, newPlanningError(RuleSharedFreeIndex, expression,
			"symbols %q are free on both operands, use an elementwise product instead", shared)
	}
	if missing := labels.Difference(result, labels.Union(lhs, rhs)); !missing.IsEmpty() {
		return nil, newPlanningError(RuleResultIndexNotFound, expression,
			"result symbols %q are not in lhs or rhs", missing)
	}

	// Free symbols are laid out in the order they have in the result, so the matrix multiplication
	// output needs the fewest moves.
	lhsFreeInResult := labels.Intersection(result, lhs)
	rhsFreeInResult := labels.Intersection(result, rhs)

	// Both operands present their dummy modes in lhs's order, so the contracted dimensions of the
	// two matrices line up positionally.
	var err error
	plan.LHSPermutation, err = labels.NewPermutation(lhs, lhsFreeInResult.Concat(plan.LHSDummy))
	if err != nil {
		return nil, errors.WithMessagef(err, "planning contraction %s", expression)
	}
	plan.RHSPermutation, err = labels.NewPermutation(rhs, plan.LHSDummy.Concat(rhsFreeInResult))
	if err != nil {
		return nil, errors.WithMessagef(err, "planning contraction %s", expression)
	}
	plan.MatMulLabel = lhsFreeInResult.Concat(rhsFreeInResult)
	plan.OutputPermutation, err = labels.NewPermutation(plan.MatMulLabel, result)
	if err != nil {
		return nil, errors.WithMessagef(err, "planning contraction %s", expression)
	}
	return p, nil
}

// ParseContraction parses the three comma-delimited labels and calls NewContraction.
func ParseContraction(result, lhs, rhs string) (*ContractionPlanner, error) {
	resultLabel, lhsLabel, rhsLabel, err := parseLabels(result, lhs, rhs)
	if err != nil {
		return nil, err
	}
	return NewContraction(resultLabel, lhsLabel, rhsLabel)
}

// MustParseContraction is like ParseContraction, but panics on error.
func MustParseContraction(result, lhs, rhs string) *ContractionPlanner {
	p, err := ParseContraction(result, lhs, rhs)
	if err != nil {
		exceptions.Panicf("planner.MustParseContraction: %+v", err)
	}
	return p
}

// Plan returns the full contraction plan.
func (p *ContractionPlanner) Plan() ContractionPlan { return p.plan }

// ResultLabel returns the result label of the contraction.
func (p *ContractionPlanner) ResultLabel() labels.Label { return p.result }

// LHSLabel returns the left-hand-side label of the contraction.
func (p *ContractionPlanner) LHSLabel() labels.Label { return p.lhs }

// RHSLabel returns the right-hand-side label of the contraction.
func (p *ContractionPlanner) RHSLabel() labels.Label { return p.rhs }

// LHSFree returns the lhs symbols kept in the result, in lhs order.
func (p *ContractionPlanner) LHSFree() labels.Label { return p.plan.LHSFree }

// RHSFree returns the rhs symbols kept in the result, in rhs order.
func (p *ContractionPlanner) RHSFree() labels.Label { return p.plan.RHSFree }

// LHSDummy returns the lhs symbols contracted away, in lhs order.
func (p *ContractionPlanner) LHSDummy() labels.Label { return p.plan.LHSDummy }

// RHSDummy returns the rhs symbols contracted away, in rhs order.
func (p *ContractionPlanner) RHSDummy() labels.Label { return p.plan.RHSDummy }

// LHSPermutation returns the permutation of lhs into its canonical matrix order.
func (p *ContractionPlanner) LHSPermutation() labels.Permutation { return p.plan.LHSPermutation }

// RHSPermutation returns the permutation of rhs into its canonical matrix order.
func (p *ContractionPlanner) RHSPermutation() labels.Permutation { return p.plan.RHSPermutation }

// MatMulLabel returns the label of the matrix multiplication output: lhs's free symbols then rhs's
// free symbols, each in result order.
func (p *ContractionPlanner) MatMulLabel() labels.Label { return p.plan.MatMulLabel }

// OutputPermutation returns the permutation from MatMulLabel to the result label.
func (p *ContractionPlanner) OutputPermutation() labels.Permutation { return p.plan.OutputPermutation }
