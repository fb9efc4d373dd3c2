// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package planner classifies the index symbols of an Einstein summation expression
// `result = lhs OP rhs` and derives the permutations needed to execute it.
//
// Two planners are provided:
//
//   - EinsumPlanner classifies every symbol into batch, free, dummy (contracted) or trace, for
//     arbitrary elementwise or contraction expressions, and validates them.
//   - ContractionPlanner specializes that classification for pure contractions (no batch, no
//     trace), deriving for each operand the permutation into the canonical "free then dummy"
//     (lhs) or "dummy then free" (rhs) order, so operands can be reinterpreted as matrices.
//
// Planners are immutable after construction and safe for concurrent use.
package planner

import (
	"fmt"

	"github.com/gomlx/einsum/pkg/core/labels"
	"github.com/gomlx/einsum/pkg/support/sets"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Role of an index symbol in an expression `result = lhs OP rhs`.
type Role int

const (
	// RoleBatch symbols appear in the result and in both operands.
	RoleBatch Role = iota

	// RoleFree symbols appear in the result and in exactly one operand.
	RoleFree

	// RoleDummy symbols appear in both operands but not in the result: they are contracted.
	RoleDummy

	// RoleTrace symbols appear in exactly one operand and not in the result. If repeated within the
	// operand they select its diagonal, and in either case they are summed over.
	RoleTrace
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleBatch:
		return "batch"
	case RoleFree:
		return "free"
	case RoleDummy:
		return "dummy"
	case RoleTrace:
		return "trace"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Roles holds the symbols of one label grouped by role. Each symbol is listed once, in the order
// of its first occurrence in the label.
type Roles struct {
	batch, free, dummy, trace labels.Label
}

// Batch returns the batch symbols of the label.
func (r Roles) Batch() labels.Label { return r.batch }

// Free returns the free symbols of the label.
func (r Roles) Free() labels.Label { return r.free }

// Dummy returns the contracted symbols of the label. Always empty for the result.
func (r Roles) Dummy() labels.Label { return r.dummy }

// Trace returns the traced symbols of the label. Always empty for the result.
func (r Roles) Trace() labels.Label { return r.trace }

// EinsumPlanner classifies the symbols of `result = lhs OP rhs`. The rhs label is empty for unary
// operations, in which case every lhs symbol is either free or traced.
type EinsumPlanner struct {
	result, lhs, rhs labels.Label
	symbols          labels.Label
	roles            map[string]Role

	resultRoles, lhsRoles, rhsRoles Roles
}

// NewEinsum classifies and validates the expression `result = lhs OP rhs`.
//
// It returns a PlanningError if:
//
//   - a symbol is repeated in the result;
//   - a result symbol is in neither operand;
//   - a dummy symbol does not appear exactly once in each operand;
//   - a batch symbol does not appear exactly once in each operand;
//   - a free symbol is repeated within its operand.
func NewEinsum(result, lhs, rhs labels.Label) (*EinsumPlanner, error) {
	p := &EinsumPlanner{
		result:  result,
		lhs:     lhs,
		rhs:     rhs,
		symbols: labels.Union(labels.Union(result, lhs), rhs).Unique(),
		roles:   make(map[string]Role),
	}
	expression := describeExpression(result, lhs, rhs)
	counts := operandCounts{
		result: sets.MakeMultiset(result.Symbols()...),
		lhs:    sets.MakeMultiset(lhs.Symbols()...),
		rhs:    sets.MakeMultiset(rhs.Symbols()...),
	}
	for ii := range p.symbols.Len() {
		symbol := p.symbols.At(ii)
		role, err := classify(symbol, counts, expression)
		if err != nil {
			return nil, err
		}
		p.roles[symbol] = role
	}
	p.resultRoles = p.groupRoles(result)
	p.lhsRoles = p.groupRoles(lhs)
	p.rhsRoles = p.groupRoles(rhs)
	return p, nil
}

// ParseEinsum parses the three comma-delimited labels and calls NewEinsum.
func ParseEinsum(result, lhs, rhs string) (*EinsumPlanner, error) {
	resultLabel, lhsLabel, rhsLabel, err := parseLabels(result, lhs, rhs)
	if err != nil {
		return nil, err
	}
	return NewEinsum(resultLabel, lhsLabel, rhsLabel)
}

// MustParseEinsum is like ParseEinsum, but panics on error.
func MustParseEinsum(result, lhs, rhs string) *EinsumPlanner {
	p, err := ParseEinsum(result, lhs, rhs)
	if err != nil {
		exceptions.Panicf("planner.MustParseEinsum: %+v", err)
	}
	return p
}

func parseLabels(result, lhs, rhs string) (resultLabel, lhsLabel, rhsLabel labels.Label, err error) {
	resultLabel, err = labels.Parse(result)
	if err != nil {
		err = errors.WithMessage(err, "parsing result label")
		return
	}
	lhsLabel, err = labels.Parse(lhs)
	if err != nil {
		err = errors.WithMessage(err, "parsing lhs label")
		return
	}
	rhsLabel, err = labels.Parse(rhs)
	if err != nil {
		err = errors.WithMessage(err, "parsing rhs label")
	}
	return
}

func describeExpression(result, lhs, rhs labels.Label) string {
	return fmt.Sprintf("%q <- %q, %q", result, lhs, rhs)
}

// operandCounts holds the number of occurrences of each symbol per operand.
type operandCounts struct {
	result, lhs, rhs sets.Multiset[string]
}

// classify returns the role of symbol, validating its multiplicities.
func classify(symbol string, counts operandCounts, expression string) (Role, error) {
	inResult, inLHS, inRHS := counts.result.Count(symbol), counts.lhs.Count(symbol), counts.rhs.Count(symbol)
	if inResult > 1 {
		return 0, newPlanningError(RuleRepeatedResultIndex, expression,
			"symbol %q appears %d times in the result", symbol, inResult)
	}
	switch {
	case inResult == 1 && !counts.lhs.Has(symbol) && !counts.rhs.Has(symbol):
		return 0, newPlanningError(RuleResultIndexNotFound, expression,
			"result symbol %q is not in lhs or rhs", symbol)

	case inResult == 1 && counts.lhs.Has(symbol) && counts.rhs.Has(symbol):
		if inLHS != 1 || inRHS != 1 {
			return 0, newPlanningError(RuleBatchMultiplicity, expression,
				"batch symbol %q appears %d times in lhs and %d times in rhs, it must appear once in each",
				symbol, inLHS, inRHS)
		}
		return RoleBatch, nil

	case inResult == 1:
		if inLHS > 1 || inRHS > 1 {
			return 0, newPlanningError(RuleRepeatedFreeIndex, expression,
				"free symbol %q is repeated within its operand", symbol)
		}
		return RoleFree, nil

	case counts.lhs.Has(symbol) && counts.rhs.Has(symbol):
		if inLHS != 1 || inRHS != 1 {
			return 0, newPlanningError(RuleUnpairedDummy, expression,
				"dummy symbol %q appears %d times in lhs and %d times in rhs, it must appear once in each",
				symbol, inLHS, inRHS)
		}
		return RoleDummy, nil

	default:
		// Only in one operand, and not in the result.
		return RoleTrace, nil
	}
}

func (p *EinsumPlanner) groupRoles(l labels.Label) Roles {
	unique := l.Unique()
	byRole := func(role Role) labels.Label {
		return unique.Select(func(s string) bool { return p.roles[s] == role })
	}
	return Roles{
		batch: byRole(RoleBatch),
		free:  byRole(RoleFree),
		dummy: byRole(RoleDummy),
		trace: byRole(RoleTrace),
	}
}

// ResultLabel returns the result label of the expression.
func (p *EinsumPlanner) ResultLabel() labels.Label { return p.result }

// LHSLabel returns the left-hand-side label of the expression.
func (p *EinsumPlanner) LHSLabel() labels.Label { return p.lhs }

// RHSLabel returns the right-hand-side label of the expression, empty for unary expressions.
func (p *EinsumPlanner) RHSLabel() labels.Label { return p.rhs }

// Result returns the roles of the result symbols: only batch and free are ever set.
func (p *EinsumPlanner) Result() Roles { return p.resultRoles }

// LHS returns the roles of the left-hand-side symbols.
func (p *EinsumPlanner) LHS() Roles { return p.lhsRoles }

// RHS returns the roles of the right-hand-side symbols.
func (p *EinsumPlanner) RHS() Roles { return p.rhsRoles }

// Symbols returns every symbol of the expression once: result's first, then lhs's and rhs's new ones.
func (p *EinsumPlanner) Symbols() labels.Label { return p.symbols }

// RoleOf returns the role of symbol, and false if the symbol is not part of the expression.
func (p *EinsumPlanner) RoleOf(symbol string) (Role, bool) {
	role, found := p.roles[symbol]
	return role, found
}

// IsUnary returns whether the rhs label is empty.
func (p *EinsumPlanner) IsUnary() bool { return p.rhs.IsEmpty() }

func (p *EinsumPlanner) countRole(role Role) int {
	var count int
	for _, r := range p.roles {
		if r == role {
			count++
		}
	}
	return count
}

// IsElementwise returns whether the expression maps elements one-to-one: for binary expressions
// every symbol is batch, for unary expressions every symbol is free.
func (p *EinsumPlanner) IsElementwise() bool {
	if p.IsUnary() {
		return p.countRole(RoleFree) == len(p.roles)
	}
	return p.countRole(RoleBatch) == len(p.roles)
}

// IsPureContraction returns whether the expression is a contraction without batch or trace
// symbols, which can be executed as a single matrix multiplication.
func (p *EinsumPlanner) IsPureContraction() bool {
	return p.countRole(RoleBatch) == 0 && p.countRole(RoleTrace) == 0
}

// CheckElementwise returns a PlanningError with RuleNotElementwise if the expression is not
// elementwise (see IsElementwise).
func (p *EinsumPlanner) CheckElementwise() error {
	if p.IsElementwise() {
		return nil
	}
	for _, symbol := range p.symbols.Symbols() {
		role := p.roles[symbol]
		if (p.IsUnary() && role != RoleFree) || (!p.IsUnary() && role != RoleBatch) {
			return newPlanningError(RuleNotElementwise, describeExpression(p.result, p.lhs, p.rhs),
				"symbol %q is a %s index", symbol, role)
		}
	}
	return nil
}
