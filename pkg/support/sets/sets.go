// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implement a set type as a `map[T]struct{}` and a multiset type as a `map[T]int`,
// both with better ergonomics.
package sets

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// MakeWith creates a Set[T] with the given elements inserted.
func MakeWith[T comparable](elements ...T) Set[T] {
	s := Make[T](len(elements))
	for _, element := range elements {
		s.Insert(element)
	}
	return s
}

// Has returns true if Set s has the given key.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Multiset counts how many times each element was inserted.
type Multiset[T comparable] map[T]int

// MakeMultiset returns a Multiset with the given elements inserted, repeats included.
func MakeMultiset[T comparable](elements ...T) Multiset[T] {
	m := make(Multiset[T], len(elements))
	for _, element := range elements {
		m[element]++
	}
	return m
}

// Count returns the number of times key was inserted, 0 if never.
func (m Multiset[T]) Count(key T) int {
	return m[key]
}

// Has returns true if key was inserted at least once.
func (m Multiset[T]) Has(key T) bool {
	return m[key] > 0
}

// Equal returns whether m and m2 hold the same elements with the same counts.
func (m Multiset[T]) Equal(m2 Multiset[T]) bool {
	if len(m) != len(m2) {
		return false
	}
	for k, count := range m {
		if m2[k] != count {
			return false
		}
	}
	return true
}
