// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labels

import (
	"github.com/gomlx/einsum/pkg/support/sets"
)

// filter returns the positions of a whose symbol membership in b equals keep.
func filter(a, b Label, keep bool) Label {
	inB := sets.MakeWith(b.symbols...)
	return a.Select(func(s string) bool { return inB.Has(s) == keep })
}

// Intersection returns the symbols of a that are also in b, in a's order. Repeats in a are kept.
func Intersection(a, b Label) Label {
	return filter(a, b, true)
}

// Difference returns the symbols of a that are not in b, in a's order. Repeats in a are kept.
func Difference(a, b Label) Label {
	return filter(a, b, false)
}

// Union returns a followed by the symbols of b not present in a, in b's order.
func Union(a, b Label) Label {
	return a.Concat(Difference(b, a))
}

// IsPermutation returns whether a and b hold the same multiset of symbols, regardless of order.
func IsPermutation(a, b Label) bool {
	if len(a.symbols) != len(b.symbols) {
		return false
	}
	return sets.MakeMultiset(a.symbols...).Equal(sets.MakeMultiset(b.symbols...))
}
