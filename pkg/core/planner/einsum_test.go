// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"testing"

	"github.com/gomlx/einsum/pkg/core/labels"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rolesWant lists the expected batch, free, dummy and trace symbols of one label.
type rolesWant struct {
	b, f, d, t string
}

func assertRoles(t *testing.T, name string, want rolesWant, got Roles) {
	t.Helper()
	assert.Equalf(t, want.b, got.Batch().String(), "%s batch", name)
	assert.Equalf(t, want.f, got.Free().String(), "%s free", name)
	assert.Equalf(t, want.d, got.Dummy().String(), "%s dummy", name)
	assert.Equalf(t, want.t, got.Trace().String(), "%s trace", name)
}

// einsumFixtures enumerates expressions by the roles they exercise: s (scalar), f (free),
// b (batch), d (dummy) and t (trace).
var einsumFixtures = []struct {
	name             string
	result, lhs, rhs string
	wantResult       rolesWant
	wantLHS, wantRHS rolesWant
}{
	{name: "s", result: "", lhs: "", rhs: ""},
	{name: "f/unary-permutation", result: "i,j", lhs: "j,i", rhs: "",
		wantResult: rolesWant{f: "i,j"}, wantLHS: rolesWant{f: "j,i"}},
	{name: "t/unary-diagonal", result: "", lhs: "i,i", rhs: "",
		wantLHS: rolesWant{t: "i"}},
	{name: "ft/unary-sum", result: "i", lhs: "i,j", rhs: "",
		wantResult: rolesWant{f: "i"}, wantLHS: rolesWant{f: "i", t: "j"}},
	{name: "ft/unary-partial-trace", result: "j", lhs: "i,j,i", rhs: "",
		wantResult: rolesWant{f: "j"}, wantLHS: rolesWant{f: "j", t: "i"}},
	{name: "b/hadamard", result: "i,j", lhs: "i,j", rhs: "j,i",
		wantResult: rolesWant{b: "i,j"}, wantLHS: rolesWant{b: "i,j"}, wantRHS: rolesWant{b: "j,i"}},
	{name: "ff/outer", result: "i,j", lhs: "i", rhs: "j",
		wantResult: rolesWant{f: "i,j"}, wantLHS: rolesWant{f: "i"}, wantRHS: rolesWant{f: "j"}},
	{name: "d/dot", result: "", lhs: "i", rhs: "i",
		wantLHS: rolesWant{d: "i"}, wantRHS: rolesWant{d: "i"}},
	{name: "fd/matmul", result: "i,k", lhs: "i,j", rhs: "j,k",
		wantResult: rolesWant{f: "i,k"}, wantLHS: rolesWant{f: "i", d: "j"}, wantRHS: rolesWant{f: "k", d: "j"}},
	{name: "bfd/batched-matmul", result: "b,i,k", lhs: "b,i,j", rhs: "b,j,k",
		wantResult: rolesWant{b: "b", f: "i,k"},
		wantLHS:    rolesWant{b: "b", f: "i", d: "j"}, wantRHS: rolesWant{b: "b", f: "k", d: "j"}},
	{name: "fdt", result: "i,l", lhs: "i,j", rhs: "j,k,l",
		wantResult: rolesWant{f: "i,l"}, wantLHS: rolesWant{f: "i", d: "j"}, wantRHS: rolesWant{f: "l", d: "j", t: "k"}},
	{name: "bfdt", result: "i,k", lhs: "i,j,k", rhs: "j,k,l",
		wantResult: rolesWant{b: "k", f: "i"},
		wantLHS:    rolesWant{b: "k", f: "i", d: "j"}, wantRHS: rolesWant{b: "k", d: "j", t: "l"}},
	{name: "bt", result: "i", lhs: "i,j,j", rhs: "i",
		wantResult: rolesWant{b: "i"}, wantLHS: rolesWant{b: "i", t: "j"}, wantRHS: rolesWant{b: "i"}},
	{name: "dt", result: "", lhs: "i,j,j", rhs: "i",
		wantLHS: rolesWant{d: "i", t: "j"}, wantRHS: rolesWant{d: "i"}},
	{name: "fd/order-from-operand", result: "a,b", lhs: "x,b,a", rhs: "x",
		wantResult: rolesWant{f: "a,b"}, wantLHS: rolesWant{f: "b,a", d: "x"}, wantRHS: rolesWant{d: "x"}},
}

func TestEinsumPlanner(t *testing.T) {
	for _, fixture := range einsumFixtures {
		t.Run(fixture.name, func(t *testing.T) {
			p, err := ParseEinsum(fixture.result, fixture.lhs, fixture.rhs)
			require.NoError(t, err)
			assertRoles(t, "result", fixture.wantResult, p.Result())
			assertRoles(t, "lhs", fixture.wantLHS, p.LHS())
			assertRoles(t, "rhs", fixture.wantRHS, p.RHS())
			assert.Equal(t, fixture.result, p.ResultLabel().String())
			assert.Equal(t, fixture.lhs, p.LHSLabel().String())
			assert.Equal(t, fixture.rhs, p.RHSLabel().String())
		})
	}
}

func TestEinsumPlannerPartition(t *testing.T) {
	for _, fixture := range einsumFixtures {
		p := MustParseEinsum(fixture.result, fixture.lhs, fixture.rhs)
		all := labels.Union(labels.Union(p.ResultLabel(), p.LHSLabel()), p.RHSLabel()).Unique()
		require.True(t, all.Equal(p.Symbols()))
		for _, symbol := range all.Symbols() {
			var inRoles []Role
			for role, byLabel := range map[Role][]labels.Label{
				RoleBatch: {p.Result().Batch(), p.LHS().Batch(), p.RHS().Batch()},
				RoleFree:  {p.Result().Free(), p.LHS().Free(), p.RHS().Free()},
				RoleDummy: {p.LHS().Dummy(), p.RHS().Dummy()},
				RoleTrace: {p.LHS().Trace(), p.RHS().Trace()},
			} {
				for _, l := range byLabel {
					if l.Has(symbol) {
						inRoles = append(inRoles, role)
						break
					}
				}
			}
			require.Lenf(t, inRoles, 1, "symbol %q of %s must have exactly one role, got %v",
				symbol, fixture.name, inRoles)
			role, found := p.RoleOf(symbol)
			require.True(t, found)
			require.Equal(t, inRoles[0], role)
		}
		_, found := p.RoleOf("not-a-symbol")
		require.False(t, found)
	}
}

func TestEinsumPlannerScalar(t *testing.T) {
	p, err := NewEinsum(labels.Label{}, labels.Label{}, labels.Label{})
	require.NoError(t, err)
	for _, roles := range []Roles{p.Result(), p.LHS(), p.RHS()} {
		require.True(t, roles.Batch().IsEmpty())
		require.True(t, roles.Free().IsEmpty())
		require.True(t, roles.Dummy().IsEmpty())
		require.True(t, roles.Trace().IsEmpty())
	}
	require.True(t, p.IsElementwise())
	require.True(t, p.IsPureContraction())
}

func TestEinsumPlannerKinds(t *testing.T) {
	testCases := []struct {
		result, lhs, rhs             string
		elementwise, pureContraction bool
	}{
		{"i,j", "j,i", "", true, true},
		{"k,j,i", "i,j,k", "j,i,k", true, false},
		{"i,k", "i,j", "j,k", false, true},
		{"i,j", "i", "j", false, true},
		{"", "i", "i", false, true},
		{"b,i,k", "b,i,j", "b,j,k", false, false},
		{"i", "i,j", "", false, false},
	}
	for _, tc := range testCases {
		p := MustParseEinsum(tc.result, tc.lhs, tc.rhs)
		assert.Equalf(t, tc.elementwise, p.IsElementwise(), "%q <- %q, %q elementwise", tc.result, tc.lhs, tc.rhs)
		assert.Equalf(t, tc.pureContraction, p.IsPureContraction(), "%q <- %q, %q contraction", tc.result, tc.lhs, tc.rhs)
	}
}

func TestEinsumPlannerErrors(t *testing.T) {
	testCases := []struct {
		result, lhs, rhs string
		rule             Rule
	}{
		{"i,i", "i", "i", RuleRepeatedResultIndex},
		{"i,k", "i", "j", RuleResultIndexNotFound},
		{"", "i,i", "i", RuleUnpairedDummy},
		{"", "i", "i,i", RuleUnpairedDummy},
		{"i", "i,i", "i", RuleBatchMultiplicity},
		{"i", "i,i", "", RuleRepeatedFreeIndex},
		{"i,j", "i,j", "j,j", RuleBatchMultiplicity},
		{"j", "i", "j,j", RuleRepeatedFreeIndex},
	}
	for _, tc := range testCases {
		_, err := ParseEinsum(tc.result, tc.lhs, tc.rhs)
		require.Errorf(t, err, "%q <- %q, %q should fail", tc.result, tc.lhs, tc.rhs)
		var planningErr *PlanningError
		require.True(t, errors.As(err, &planningErr), "unexpected error type %T: %v", err, err)
		assert.Equalf(t, tc.rule, planningErr.Rule, "%q <- %q, %q: %v", tc.result, tc.lhs, tc.rhs, err)
		assert.Contains(t, err.Error(), tc.rule.String())
	}

	// Malformed labels are reported as label errors.
	_, err := ParseEinsum("i,,j", "i", "j")
	var labelErr *labels.LabelError
	require.True(t, errors.As(err, &labelErr))
	require.ErrorContains(t, err, "parsing result label")

	exception := exceptions.Try(func() { MustParseEinsum("i,i", "i", "i") })
	require.NotNil(t, exception)
	require.ErrorContains(t, exception.(error), "repeated result index")
}

func TestEinsumPlannerCheckElementwise(t *testing.T) {
	require.NoError(t, MustParseEinsum("k,j,i", "i,j,k", "j,i,k").CheckElementwise())
	require.NoError(t, MustParseEinsum("j,i", "i,j", "").CheckElementwise())

	err := MustParseEinsum("i,k", "i,j", "j,k").CheckElementwise()
	var planningErr *PlanningError
	require.True(t, errors.As(err, &planningErr))
	assert.Equal(t, RuleNotElementwise, planningErr.Rule)
	assert.ErrorContains(t, err, `symbol "i" is a free index`)

	err = MustParseEinsum("i", "i,j", "").CheckElementwise()
	require.True(t, errors.As(err, &planningErr))
	assert.ErrorContains(t, err, `symbol "j" is a trace index`)
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "batch", RoleBatch.String())
	assert.Equal(t, "trace", RoleTrace.String())
	assert.Equal(t, "Role(7)", Role(7).String())
	assert.Equal(t, "shared free index", RuleSharedFreeIndex.String())
	assert.Equal(t, "Rule(99)", Rule(99).String())
}
