// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"fmt"

	"github.com/pkg/errors"
)

// ShapeMismatchError reports operands whose actual extents or dtypes are incompatible with the
// expression, something that can't be detected on labels alone.
type ShapeMismatchError struct {
	// Operation is the name of the dispatched operation, e.g. "Contract".
	Operation string

	// Expression is the "result <- lhs, rhs" description of the operation.
	Expression string

	Message string
}

// Error implements error.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in %s %s: %s", e.Operation, e.Expression, e.Message)
}

func newShapeMismatchError(operation, expression, format string, args ...any) error {
	return errors.WithStack(&ShapeMismatchError{
		Operation:  operation,
		Expression: expression,
		Message:    fmt.Sprintf(format, args...),
	})
}

// UnsupportedRankError reports a tensor whose rank exceeds the largest rank the Dispatcher was
// configured for. It is a configuration limit, not a transient failure.
type UnsupportedRankError struct {
	Rank, MaxRank int
}

// Error implements error.
func (e *UnsupportedRankError) Error() string {
	return fmt.Sprintf("unsupported rank %d: the dispatcher supports ranks up to %d", e.Rank, e.MaxRank)
}
