// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"fmt"

	"github.com/pkg/errors"
)

// Rule identifies the invariant an expression violated.
type Rule int

const (
	// RuleRepeatedResultIndex: a symbol is repeated in the result; result indices are never traced.
	RuleRepeatedResultIndex Rule = iota

	// RuleResultIndexNotFound: a result symbol appears in no operand.
	RuleResultIndexNotFound

	// RuleUnpairedDummy: a contracted symbol does not appear exactly once in each operand.
	RuleUnpairedDummy

	// RuleBatchMultiplicity: a batch symbol does not appear exactly once in each operand.
	RuleBatchMultiplicity

	// RuleRepeatedFreeIndex: a free symbol is repeated within its operand, which makes the
	// operation ambiguous (trace or free).
	RuleRepeatedFreeIndex

	// RuleRepeatedIndex: a contraction operand repeats a symbol; pure contractions have no trace.
	RuleRepeatedIndex

	// RuleDummyMismatch: the contracted symbols of lhs and rhs are not permutations of each other.
	RuleDummyMismatch

	// RuleSharedFreeIndex: a result symbol is free on both operands, which asks for an elementwise
	// product rather than a contraction.
	RuleSharedFreeIndex

	// RuleNotElementwise: an elementwise operation was requested for an expression with
	// contracted, traced or single-operand indices.
	RuleNotElementwise
)

var ruleNames = []string{
	"repeated result index",
	"result index not found in any operand",
	"unpaired dummy index",
	"batch index multiplicity",
	"repeated free index",
	"repeated index in contraction",
	"dummy indices mismatch",
	"shared free index",
	"not an elementwise expression",
}

// String implements fmt.Stringer.
func (r Rule) String() string {
	if r < 0 || int(r) >= len(ruleNames) {
		return fmt.Sprintf("Rule(%d)", int(r))
	}
	return ruleNames[r]
}

// PlanningError reports an expression that violates one of the planning rules.
type PlanningError struct {
	Rule Rule

	// Expression is the "result <- lhs, rhs" description of the planned operation.
	Expression string

	Message string
}

// Error implements error.
func (e *PlanningError) Error() string {
	return fmt.Sprintf("invalid einsum %s: %s: %s", e.Expression, e.Rule, e.Message)
}

func newPlanningError(rule Rule, expression string, format string, args ...any) error {
	return errors.WithStack(&PlanningError{Rule: rule, Expression: expression, Message: fmt.Sprintf(format, args...)})
}
