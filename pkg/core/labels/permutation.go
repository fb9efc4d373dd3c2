// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labels

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Permutation maps positions of one Label onto the positions of another Label holding the same
// symbols. It follows the transpose convention: applying p to values gives out[i] = in[p[i]].
//
// Permutation is immutable; the zero value is the empty (rank 0) identity.
type Permutation struct {
	axes []int
}

// NewPermutation returns the permutation that reorders from into to, that is, for each position
// in to, the position of the matching symbol in from. Apply(p, from.Symbols()) equals to.Symbols().
//
// Repeated symbols are matched stably: the k-th occurrence of a symbol in to is mapped to the k-th
// occurrence of the same symbol in from. That keeps the result a bijection in all cases.
//
// It returns a LabelError if from and to are not permutations of each other.
func NewPermutation(from, to Label) (Permutation, error) {
	if !IsPermutation(from, to) {
		return Permutation{}, newLabelError(fmt.Sprintf("%s -> %s", from, to),
			"labels are not permutations of each other")
	}
	axes := make([]int, len(to.symbols))
	used := make([]bool, len(from.symbols))
	for toPos, symbol := range to.symbols {
		for fromPos, s := range from.symbols {
			if !used[fromPos] && s == symbol {
				used[fromPos] = true
				axes[toPos] = fromPos
				break
			}
		}
	}
	return Permutation{axes: axes}, nil
}

// Identity returns the identity permutation of the given rank.
func Identity(rank int) Permutation {
	axes := make([]int, rank)
	for ii := range axes {
		axes[ii] = ii
	}
	return Permutation{axes: axes}
}

// Len returns the rank the permutation applies to.
func (p Permutation) Len() int { return len(p.axes) }

// At returns the source position for target position pos.
func (p Permutation) At(pos int) int { return p.axes[pos] }

// Axes returns a copy of the source positions, in the format taken by transpose operations.
func (p Permutation) Axes() []int { return slices.Clone(p.axes) }

// IsIdentity returns whether applying p leaves any value unchanged.
func (p Permutation) IsIdentity() bool {
	for ii, axis := range p.axes {
		if ii != axis {
			return false
		}
	}
	return true
}

// Inverse returns q such that p.Then(q) and q.Then(p) are the identity.
func (p Permutation) Inverse() Permutation {
	inverse := make([]int, len(p.axes))
	for ii, axis := range p.axes {
		inverse[axis] = ii
	}
	return Permutation{axes: inverse}
}

// Then returns the composition that applies p first and q second: Apply(p.Then(q), x) equals
// Apply(q, Apply(p, x)).
//
// It panics if the permutations have different lengths.
func (p Permutation) Then(q Permutation) Permutation {
	if len(p.axes) != len(q.axes) {
		exceptions.Panicf("labels.Permutation.Then: lengths differ (%d vs %d)", len(p.axes), len(q.axes))
	}
	composed := make([]int, len(q.axes))
	for ii, axis := range q.axes {
		composed[ii] = p.axes[axis]
	}
	return Permutation{axes: composed}
}

// Equal returns whether both permutations map the same positions.
func (p Permutation) Equal(q Permutation) bool { return slices.Equal(p.axes, q.axes) }

// String implements fmt.Stringer.
func (p Permutation) String() string {
	parts := make([]string, len(p.axes))
	for ii, axis := range p.axes {
		parts[ii] = fmt.Sprint(axis)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Apply returns a new slice with values reordered by p: out[i] = values[p.At(i)].
//
// It panics if len(values) != p.Len().
func Apply[T any](p Permutation, values []T) []T {
	if len(values) != len(p.axes) {
		exceptions.Panicf("labels.Apply: permutation of length %d applied to %d values", len(p.axes), len(values))
	}
	if values == nil {
		return nil
	}
	out := make([]T, len(values))
	for ii, axis := range p.axes {
		out[ii] = values[axis]
	}
	return out
}

// Permute returns the Label reordered by p.
func (l Label) Permute(p Permutation) Label {
	return Label{symbols: Apply(p, l.symbols)}
}
