// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package labels defines Label, the ordered index annotation attached to a tensor in an
// Einstein summation expression, and the algebra over labels used to plan operations.
//
// A Label is parsed from a comma-delimited string, e.g. "i,j,k", where each symbol names one
// axis of the annotated tensor. Symbols may be longer than one character ("batch,seq,dim").
// A symbol repeated within one Label denotes a diagonal over those axes.
//
// Labels are immutable values: every method that returns symbols returns a copy.
package labels

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Delimiter separates symbols in the string representation of a Label.
const Delimiter = ","

// Label is an ordered sequence of index symbols. The zero value is the empty Label, the
// annotation of a scalar.
type Label struct {
	symbols []string
}

// LabelError reports malformed label input or a permutation requested between labels that are
// not permutations of each other.
type LabelError struct {
	Input  string
	Reason string
}

// Error implements error.
func (e *LabelError) Error() string {
	return fmt.Sprintf("invalid label %q: %s", e.Input, e.Reason)
}

func newLabelError(input, format string, args ...any) error {
	return errors.WithStack(&LabelError{Input: input, Reason: fmt.Sprintf(format, args...)})
}

// Parse a comma-delimited label, e.g. "i,j,k". Whitespace around symbols is ignored, and an empty
// (or blank) string is the empty Label.
//
// It returns a LabelError for empty symbols ("i,,j") or symbols with inner whitespace ("i j").
func Parse(s string) (Label, error) {
	if strings.TrimSpace(s) == "" {
		return Label{}, nil
	}
	parts := strings.Split(s, Delimiter)
	symbols := make([]string, 0, len(parts))
	for ii, part := range parts {
		symbol := strings.TrimSpace(part)
		if err := validateSymbol(symbol); err != nil {
			return Label{}, newLabelError(s, "symbol #%d: %s", ii, err)
		}
		symbols = append(symbols, symbol)
	}
	return Label{symbols: symbols}, nil
}

// MustParse is like Parse, but panics on error.
func MustParse(s string) Label {
	l, err := Parse(s)
	if err != nil {
		exceptions.Panicf("labels.MustParse(%q): %+v", s, err)
	}
	return l
}

// New creates a Label from already separated symbols.
func New(symbols ...string) (Label, error) {
	for ii, symbol := range symbols {
		if err := validateSymbol(symbol); err != nil {
			return Label{}, newLabelError(strings.Join(symbols, Delimiter), "symbol #%d: %s", ii, err)
		}
	}
	return Label{symbols: slices.Clone(symbols)}, nil
}

func validateSymbol(symbol string) error {
	if symbol == "" {
		return errors.New("empty symbol")
	}
	if strings.Contains(symbol, Delimiter) {
		return errors.Errorf("symbol %q contains the delimiter %q", symbol, Delimiter)
	}
	if strings.IndexFunc(symbol, unicode.IsSpace) != -1 {
		return errors.Errorf("symbol %q contains whitespace", symbol)
	}
	return nil
}

// Len returns the number of symbols, which is the rank of the annotated tensor.
func (l Label) Len() int { return len(l.symbols) }

// IsEmpty returns whether the Label has no symbols (a scalar annotation).
func (l Label) IsEmpty() bool { return len(l.symbols) == 0 }

// At returns the symbol at the given position.
func (l Label) At(pos int) string { return l.symbols[pos] }

// Symbols returns a copy of the symbols of the Label.
func (l Label) Symbols() []string { return slices.Clone(l.symbols) }

// String returns the comma-delimited representation, which Parse accepts back.
func (l Label) String() string { return strings.Join(l.symbols, Delimiter) }

// Equal returns whether both labels hold the same symbols in the same order.
func (l Label) Equal(other Label) bool { return slices.Equal(l.symbols, other.symbols) }

// Has returns whether symbol appears at least once.
func (l Label) Has(symbol string) bool { return slices.Contains(l.symbols, symbol) }

// Count returns how many times symbol appears.
func (l Label) Count(symbol string) int {
	var count int
	for _, s := range l.symbols {
		if s == symbol {
			count++
		}
	}
	return count
}

// Find returns all positions of symbol, in increasing order. It returns nil if the symbol is
// not present.
func (l Label) Find(symbol string) []int {
	var positions []int
	for pos, s := range l.symbols {
		if s == symbol {
			positions = append(positions, pos)
		}
	}
	return positions
}

// HasRepeatedIndices returns whether any symbol occurs more than once.
func (l Label) HasRepeatedIndices() bool {
	for pos, s := range l.symbols {
		if slices.Contains(l.symbols[pos+1:], s) {
			return true
		}
	}
	return false
}

// Unique returns the Label with only the first occurrence of every symbol.
func (l Label) Unique() Label {
	symbols := make([]string, 0, len(l.symbols))
	for _, s := range l.symbols {
		if !slices.Contains(symbols, s) {
			symbols = append(symbols, s)
		}
	}
	return Label{symbols: symbols}
}

// Select returns the symbols for which keep returns true, in l's order.
func (l Label) Select(keep func(symbol string) bool) Label {
	symbols := make([]string, 0, len(l.symbols))
	for _, s := range l.symbols {
		if keep(s) {
			symbols = append(symbols, s)
		}
	}
	return Label{symbols: symbols}
}

// Concat returns l followed by other.
func (l Label) Concat(other Label) Label {
	return Label{symbols: slices.Concat(l.symbols, other.symbols)}
}
