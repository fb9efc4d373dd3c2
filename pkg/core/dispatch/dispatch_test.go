// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/einsum/backends"
	"github.com/gomlx/einsum/backends/dense"
	"github.com/gomlx/einsum/backends/distributed"
	"github.com/gomlx/einsum/pkg/core/labels"
	"github.com/gomlx/einsum/pkg/core/planner"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statsBackend is a backend that reports the operations it executed.
type statsBackend interface {
	backends.Backend
	Stats() dense.Stats
	ResetStats()
}

func testBackends() []statsBackend {
	return []statsBackend{dense.New(), distributed.New(3).WithMinShardSize(1)}
}

func sequence(n int) []float64 {
	values := make([]float64, n)
	for ii := range values {
		values[ii] = float64(ii + 1)
	}
	return values
}

// labeled creates a float64 tensor for label, with the extents of its symbols, filled with small
// random integers.
func labeled(t *testing.T, rng *rand.Rand, label string, extents map[string]int) Operand {
	l := labels.MustParse(label)
	dims := make([]int, l.Len())
	size := 1
	for axis := range dims {
		dims[axis] = extents[l.At(axis)]
		size *= dims[axis]
	}
	values := make([]float64, size)
	for ii := range values {
		values[ii] = float64(rng.IntN(11) - 5)
	}
	tensor, err := dense.FromFlat(values, dims...)
	require.NoError(t, err)
	return MustOn(tensor, label)
}

func flat(t *testing.T, op Operand) []float64 {
	values, err := dense.Flat[float64](op.Tensor)
	require.NoError(t, err)
	return values
}

// forEachIndex calls fn with every assignment of indices to symbols.
func forEachIndex(symbols []string, extents map[string]int, index map[string]int, fn func()) {
	if len(symbols) == 0 {
		fn()
		return
	}
	for ii := range extents[symbols[0]] {
		index[symbols[0]] = ii
		forEachIndex(symbols[1:], extents, index, fn)
	}
}

func flatIndex(op Operand, index map[string]int) int {
	idx := 0
	for axis := range op.Label.Len() {
		idx = idx*op.Tensor.Extent(axis) + index[op.Label.At(axis)]
	}
	return idx
}

// reference computes out = sum over the symbols not in out of fn(lhs, rhs), with plain loops.
func reference(out, lhs, rhs Operand, extents map[string]int, fn func(a, b float64) float64) []float64 {
	lhsValues, rhsValues := must.M1(dense.Flat[float64](lhs.Tensor)), must.M1(dense.Flat[float64](rhs.Tensor))
	size := 1
	for axis := range out.Label.Len() {
		size *= out.Tensor.Extent(axis)
	}
	want := make([]float64, size)
	all := labels.Union(labels.Union(out.Label, lhs.Label), rhs.Label).Unique()
	index := make(map[string]int)
	forEachIndex(all.Symbols(), extents, index, func() {
		want[flatIndex(out, index)] += fn(lhsValues[flatIndex(lhs, index)], rhsValues[flatIndex(rhs, index)])
	})
	return want
}

func TestNew(t *testing.T) {
	d, err := New(dense.New())
	require.NoError(t, err)
	assert.Equal(t, backends.MaxRank, d.MaxRank())
	assert.Equal(t, dense.BackendName, d.Backend().Name())

	d, err = New(dense.New(), WithMaxRank(3))
	require.NoError(t, err)
	assert.Equal(t, 3, d.MaxRank())

	_, err = New(dense.New(), WithMaxRank(backends.MaxRank+1))
	require.Error(t, err)
	_, err = New(nil)
	require.Error(t, err)
}

func TestOn(t *testing.T) {
	tensor := must.M1(dense.Zeros(dtypes.Float32, 2, 3))
	op, err := On(tensor, "i, j")
	require.NoError(t, err)
	assert.Equal(t, "i,j", op.Label.String())

	_, err = On(tensor, "i")
	require.ErrorContains(t, err, "has 1 symbols, but tensor has rank 2")
	_, err = On(tensor, "i,,j")
	var labelErr *labels.LabelError
	require.True(t, errors.As(err, &labelErr))

	exception := exceptions.Try(func() { MustOn(tensor, "i,j,k") })
	require.NotNil(t, exception)
	require.ErrorContains(t, exception.(error), "dispatch.MustOn")
}

func TestRankDiscovery(t *testing.T) {
	backend := dense.New()
	d := must.M1(New(backend, WithMaxRank(6)))

	rank3 := must.M1(dense.Zeros(dtypes.Float32, 2, 2, 2))
	kernels, failedProbes, err := d.probeRank(rank3)
	require.NoError(t, err)
	assert.Equal(t, 3, kernels.Rank())
	assert.Equal(t, 3, failedProbes)

	kernels, failedProbes, err = d.probeRank(must.M1(dense.Zeros(dtypes.Float32)))
	require.NoError(t, err)
	assert.Equal(t, 0, kernels.Rank())
	assert.Equal(t, 0, failedProbes)

	// Rank 7 is above the configured maximum: no primitive is invoked.
	rank7 := must.M1(dense.Zeros(dtypes.Float32, 1, 1, 1, 1, 1, 1, 1))
	_, _, err = d.probeRank(rank7)
	var rankErr *UnsupportedRankError
	require.True(t, errors.As(err, &rankErr))
	assert.Equal(t, 7, rankErr.Rank)
	assert.Equal(t, 6, rankErr.MaxRank)

	label := "a,b,c,d,e,f,g"
	out := must.M1(dense.Zeros(dtypes.Float32, 1, 1, 1, 1, 1, 1, 1))
	err = d.Add(MustOn(out, label), MustOn(rank7, label), MustOn(rank7, label))
	require.True(t, errors.As(err, &rankErr))
	err = d.Permute(MustOn(out, label), MustOn(rank7, "g,f,e,d,c,b,a"))
	require.True(t, errors.As(err, &rankErr))
	err = d.Contract(MustOn(out, label), MustOn(rank7, label), MustOn(must.M1(dense.Zeros(dtypes.Float32)), ""))
	require.True(t, errors.As(err, &rankErr))
	assert.Equal(t, dense.Stats{}, backend.Stats())
}

func TestAddPermuteAll(t *testing.T) {
	for _, backend := range testBackends() {
		t.Run(backend.Name(), func(t *testing.T) {
			d := must.M1(New(backend))
			lhs := must.M1(dense.FromFlat(sequence(8), 2, 2, 2))
			rhs := must.M1(dense.FromFlat(sequence(8), 2, 2, 2))
			out := must.M1(dense.Zeros(dtypes.Float64, 2, 2, 2))
			require.NoError(t, d.Add(MustOn(out, "k,j,i"), MustOn(lhs, "i,j,k"), MustOn(rhs, "j,i,k")))
			assert.Equal(t, []float64{2, 8, 8, 14, 4, 10, 10, 16}, must.M1(dense.Flat[float64](out)))
			assert.Equal(t, dense.Stats{Combines: 1, Shuffles: 2}, backend.Stats())
		})
	}
}

func TestElementwise(t *testing.T) {
	extents := map[string]int{"i": 2, "j": 3, "k": 4}
	testCases := []struct {
		name          string
		out, lhs, rhs string
		wantShuffles  int64
	}{
		{"all-equal", "i,j,k", "i,j,k", "i,j,k", 0},
		{"lhs-differs", "i,j,k", "k,i,j", "i,j,k", 1},
		{"rhs-differs", "i,j,k", "i,j,k", "j,k,i", 1},
		{"result-differs", "k,j,i", "i,j,k", "i,j,k", 1},
		{"all-differ", "i,j,k", "j,i,k", "k,j,i", 2},
	}
	ops := []struct {
		name string
		run  func(d *Dispatcher, out, lhs, rhs Operand) error
		fn   func(a, b float64) float64
	}{
		{"Add", (*Dispatcher).Add, func(a, b float64) float64 { return a + b }},
		{"Subtract", (*Dispatcher).Subtract, func(a, b float64) float64 { return a - b }},
		{"Hadamard", (*Dispatcher).Hadamard, func(a, b float64) float64 { return a * b }},
	}
	for _, backend := range testBackends() {
		d := must.M1(New(backend))
		rng := rand.New(rand.NewPCG(1, 2))
		for _, tc := range testCases {
			for _, op := range ops {
				t.Run(fmt.Sprintf("%s/%s/%s", backend.Name(), tc.name, op.name), func(t *testing.T) {
					out := labeled(t, rng, tc.out, extents)
					lhs := labeled(t, rng, tc.lhs, extents)
					rhs := labeled(t, rng, tc.rhs, extents)
					backend.ResetStats()
					require.NoError(t, op.run(d, out, lhs, rhs))
					assert.Equal(t, reference(out, lhs, rhs, extents, op.fn), flat(t, out))
					stats := backend.Stats()
					assert.Equal(t, tc.wantShuffles, stats.Shuffles)
					assert.Equal(t, int64(0), stats.Copies)
					assert.Equal(t, int64(1), stats.Combines)
				})
			}
		}
	}
}

func TestElementwiseErrors(t *testing.T) {
	d := must.M1(New(dense.New()))
	rng := rand.New(rand.NewPCG(3, 4))
	extents := map[string]int{"i": 2, "j": 3, "k": 4}

	// Contractions are not elementwise.
	err := d.Add(labeled(t, rng, "i,k", extents), labeled(t, rng, "i,j", extents), labeled(t, rng, "j,k", extents))
	var planningErr *planner.PlanningError
	require.True(t, errors.As(err, &planningErr))
	assert.Equal(t, planner.RuleNotElementwise, planningErr.Rule)

	// Binary operations with a scalar operand are not elementwise either.
	err = d.Hadamard(labeled(t, rng, "i", extents), labeled(t, rng, "i", extents), labeled(t, rng, "", extents))
	require.True(t, errors.As(err, &planningErr))
	assert.Equal(t, planner.RuleNotElementwise, planningErr.Rule)

	// Invalid expressions.
	err = d.Subtract(labeled(t, rng, "i,i", map[string]int{"i": 2}), labeled(t, rng, "i", extents), labeled(t, rng, "i", extents))
	require.True(t, errors.As(err, &planningErr))
	assert.Equal(t, planner.RuleRepeatedResultIndex, planningErr.Rule)

	// Extents that don't match.
	out := labeled(t, rng, "i,j", extents)
	lhs := labeled(t, rng, "i,j", extents)
	rhs := labeled(t, rng, "j,i", map[string]int{"i": 2, "j": 2})
	before := flat(t, out)
	err = d.Add(out, lhs, rhs)
	var shapeErr *ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "Add", shapeErr.Operation)
	assert.ErrorContains(t, err, `symbol "j"`)
	assert.Equal(t, before, flat(t, out))

	// DTypes that don't match.
	float32Out := MustOn(must.M1(dense.Zeros(dtypes.Float32, 2, 3)), "i,j")
	err = d.Permute(float32Out, lhs)
	require.True(t, errors.As(err, &shapeErr))
	assert.ErrorContains(t, err, "dtype")
}

func TestPermute(t *testing.T) {
	extents := map[string]int{"i": 2, "j": 3, "k": 4}
	for _, backend := range testBackends() {
		t.Run(backend.Name(), func(t *testing.T) {
			d := must.M1(New(backend))
			rng := rand.New(rand.NewPCG(5, 6))
			in := labeled(t, rng, "i,j,k", extents)
			one := func(a, _ float64) float64 { return a }
			ones := MustOn(must.M1(dense.FromFlat([]float64{1})), "")

			// No-op permute: a plain copy, no shuffles.
			out := labeled(t, rng, "i,j,k", extents)
			backend.ResetStats()
			require.NoError(t, d.Permute(out, in))
			assert.Equal(t, flat(t, in), flat(t, out))
			assert.Equal(t, dense.Stats{Copies: 1}, backend.Stats())

			out = labeled(t, rng, "k,i,j", extents)
			backend.ResetStats()
			require.NoError(t, d.Permute(out, in))
			assert.Equal(t, reference(out, in, ones, extents, one), flat(t, out))
			assert.Equal(t, dense.Stats{Shuffles: 1}, backend.Stats())

			// Unary expressions must be a permutation.
			err := d.Permute(labeled(t, rng, "i,j", extents), in)
			var planningErr *planner.PlanningError
			require.True(t, errors.As(err, &planningErr))
			assert.Equal(t, planner.RuleNotElementwise, planningErr.Rule)
		})
	}
}

func TestScalarMultiply(t *testing.T) {
	extents := map[string]int{"i": 2, "j": 3, "k": 4}
	for _, backend := range testBackends() {
		t.Run(backend.Name(), func(t *testing.T) {
			d := must.M1(New(backend))
			rng := rand.New(rand.NewPCG(7, 8))
			in := labeled(t, rng, "i,j,k", extents)
			ones := MustOn(must.M1(dense.FromFlat([]float64{1})), "")
			times := func(alpha float64) func(a, _ float64) float64 {
				return func(a, _ float64) float64 { return alpha * a }
			}

			out := labeled(t, rng, "i,j,k", extents)
			backend.ResetStats()
			require.NoError(t, d.ScalarMultiply(out, 2, in))
			assert.Equal(t, reference(out, in, ones, extents, times(2)), flat(t, out))
			assert.Equal(t, dense.Stats{Scales: 1}, backend.Stats())

			out = labeled(t, rng, "j,k,i", extents)
			backend.ResetStats()
			require.NoError(t, d.ScalarMultiply(out, -0.5, in))
			assert.Equal(t, reference(out, in, ones, extents, times(-0.5)), flat(t, out))
			assert.Equal(t, dense.Stats{Scales: 1, Shuffles: 1}, backend.Stats())
		})
	}
}

func TestContract(t *testing.T) {
	extents := map[string]int{"i": 2, "j": 3, "k": 4, "l": 2, "m": 3, "n": 2}
	testCases := []struct {
		name          string
		out, lhs, rhs string
	}{
		{"scalar", "", "", ""},
		{"dot", "", "i", "i"},
		{"outer", "i,j", "i", "j"},
		{"matmul", "i,j", "i,k", "k,j"},
		{"transposed-matmul", "j,i", "k,i", "j,k"},
		{"matrix-vector", "i", "i,k", "k"},
		{"two-dummies", "i,j", "k,i,l", "l,j,k"},
		{"interleaved-result", "j,l,i,m", "i,k,j,n", "n,l,k,m"},
		{"full-contraction", "", "i,j,k", "k,i,j"},
	}
	for _, backend := range testBackends() {
		d := must.M1(New(backend))
		rng := rand.New(rand.NewPCG(9, 10))
		for _, tc := range testCases {
			t.Run(fmt.Sprintf("%s/%s", backend.Name(), tc.name), func(t *testing.T) {
				out := labeled(t, rng, tc.out, extents)
				lhs := labeled(t, rng, tc.lhs, extents)
				rhs := labeled(t, rng, tc.rhs, extents)
				backend.ResetStats()
				require.NoError(t, d.Contract(out, lhs, rhs))
				assert.Equal(t, reference(out, lhs, rhs, extents, func(a, b float64) float64 { return a * b }), flat(t, out))
				assert.Equal(t, int64(1), backend.Stats().MatMuls)
			})
		}
	}
}

func TestContractMatMulLiteral(t *testing.T) {
	d := must.M1(New(dense.New()))
	a := must.M1(dense.FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	b := must.M1(dense.FromFlat([]float32{7, 8, 9, 10, 11, 12}, 3, 2))
	c := must.M1(dense.Zeros(dtypes.Float32, 2, 2))
	require.NoError(t, d.Contract(MustOn(c, "i,j"), MustOn(a, "i,k"), MustOn(b, "k,j")))
	assert.Equal(t, []float32{58, 64, 139, 154}, must.M1(dense.Flat[float32](c)))

	// Same product, transposed output.
	require.NoError(t, d.Contract(MustOn(c, "j,i"), MustOn(a, "i,k"), MustOn(b, "k,j")))
	assert.Equal(t, []float32{58, 139, 64, 154}, must.M1(dense.Flat[float32](c)))
}

func TestContractErrors(t *testing.T) {
	backend := dense.New()
	d := must.M1(New(backend))
	rng := rand.New(rand.NewPCG(11, 12))

	// Paired dummy extents that don't match leave the output untouched.
	out := labeled(t, rng, "i,j", map[string]int{"i": 2, "j": 2})
	lhs := labeled(t, rng, "i,k", map[string]int{"i": 2, "k": 3})
	rhs := labeled(t, rng, "k,j", map[string]int{"k": 4, "j": 2})
	before := flat(t, out)
	err := d.Contract(out, lhs, rhs)
	var shapeErr *ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "Contract", shapeErr.Operation)
	assert.ErrorContains(t, err, `symbol "k"`)
	assert.Equal(t, before, flat(t, out))
	assert.Equal(t, int64(0), backend.Stats().MatMuls)

	// Batch indices are not pure contractions.
	extents := map[string]int{"i": 2, "j": 3, "k": 4, "l": 2}
	err = d.Contract(labeled(t, rng, "i,k", extents), labeled(t, rng, "i,j,k", extents), labeled(t, rng, "j,k", extents))
	var planningErr *planner.PlanningError
	require.True(t, errors.As(err, &planningErr))
	assert.Equal(t, planner.RuleSharedFreeIndex, planningErr.Rule)

	err = d.Contract(labeled(t, rng, "i", extents), labeled(t, rng, "i,j", extents), labeled(t, rng, "k", extents))
	require.True(t, errors.As(err, &planningErr))
	assert.Equal(t, planner.RuleDummyMismatch, planningErr.Rule)
}

func TestNilTensor(t *testing.T) {
	d := must.M1(New(dense.New()))
	rng := rand.New(rand.NewPCG(13, 14))
	extents := map[string]int{"i": 2, "j": 3, "k": 4}
	out := labeled(t, rng, "i,j", extents)
	before := flat(t, out)

	err := d.Add(out, Operand{Label: labels.MustParse("i,j")}, labeled(t, rng, "i,j", extents))
	require.ErrorContains(t, err, "nil tensor")
	err = d.Contract(out, labeled(t, rng, "i,k", extents), Operand{Label: labels.MustParse("k,j")})
	require.ErrorContains(t, err, "nil tensor")
	err = d.Permute(Operand{}, Operand{})
	require.ErrorContains(t, err, "nil tensor")
	assert.Equal(t, before, flat(t, out))
}

// TestConcurrentCalls shares one Dispatcher and one distributed backend among goroutines that plan
// and execute operations into their own outputs, reading the same inputs.
func TestConcurrentCalls(t *testing.T) {
	backend := distributed.New(3).WithMinShardSize(1)
	d := must.M1(New(backend))
	rng := rand.New(rand.NewPCG(15, 16))
	extents := map[string]int{"i": 5, "j": 4, "k": 6}
	lhs := labeled(t, rng, "i,k", extents)
	rhs := labeled(t, rng, "k,j", extents)
	x := labeled(t, rng, "i,j", extents)
	y := labeled(t, rng, "j,i", extents)

	const numGoroutines = 8
	contractOuts := make([]Operand, numGoroutines)
	addOuts := make([]Operand, numGoroutines)
	for ii := range numGoroutines {
		contractOuts[ii] = labeled(t, rng, "j,i", extents)
		addOuts[ii] = labeled(t, rng, "i,j", extents)
	}
	plans := make([]*planner.ContractionPlanner, numGoroutines)
	planErrs := make([]error, numGoroutines)
	contractErrs := make([]error, numGoroutines)
	addErrs := make([]error, numGoroutines)

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for ii := range numGoroutines {
		go func() {
			defer wg.Done()
			plans[ii], planErrs[ii] = planner.ParseContraction("j,i", "i,k", "k,j")
			contractErrs[ii] = d.Contract(contractOuts[ii], lhs, rhs)
			addErrs[ii] = d.Add(addOuts[ii], x, y)
		}()
	}
	wg.Wait()

	wantContract := reference(contractOuts[0], lhs, rhs, extents, func(a, b float64) float64 { return a * b })
	wantAdd := reference(addOuts[0], x, y, extents, func(a, b float64) float64 { return a + b })
	for ii := range numGoroutines {
		require.NoError(t, planErrs[ii])
		require.NoError(t, contractErrs[ii])
		require.NoError(t, addErrs[ii])
		assert.Equal(t, plans[0].Plan(), plans[ii].Plan())
		assert.Equalf(t, wantContract, flat(t, contractOuts[ii]), "contraction in goroutine %d", ii)
		assert.Equalf(t, wantAdd, flat(t, addOuts[ii]), "addition in goroutine %d", ii)
	}
	stats := backend.Stats()
	assert.Equal(t, int64(numGoroutines), stats.MatMuls)
	assert.Equal(t, int64(numGoroutines), stats.Combines)
}
