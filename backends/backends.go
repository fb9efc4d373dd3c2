// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the contract between the einsum dispatcher and the numeric backends that
// store tensors and run the primitive operations.
//
// A backend owns its tensors and exposes them through the rank-erased Tensor handle. The
// primitives are grouped in Kernels, one set per rank: the dispatcher discovers the rank of each
// operand at run time and picks the matching Kernels. Matrix multiplication, the only primitive that
// is rank independent (it works on 2-D reinterpretations), is exposed by the Backend itself.
//
// Backends register themselves with Register, and are created with New or NewWithConfig.
package backends

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// MaxRank is the largest tensor rank any backend is required to support.
const MaxRank = 8

// Tensor is the rank-erased handle to a backend-owned tensor.
type Tensor interface {
	// Rank returns the number of axes.
	Rank() int

	// Extent returns the dimension of the given axis.
	Extent(axis int) int

	// Dimensions returns a copy of the dimensions of all axes.
	Dimensions() []int

	// DType returns the type of the elements.
	DType() dtypes.DType

	// Clone returns a deep copy of the tensor, owned by the same backend.
	Clone() Tensor
}

// Matrix is a 2-D reinterpretation of a (permuted) tensor, the operand and output of MatMul.
type Matrix interface {
	Rows() int
	Cols() int
	DType() dtypes.DType
}

// BinaryOp enumerates the elementwise combinations supported by Kernels.Combine.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSubtract
	OpMultiply
)

// String implements fmt.Stringer.
func (op BinaryOp) String() string {
	switch op {
	case OpAdd:
		return "Add"
	case OpSubtract:
		return "Subtract"
	case OpMultiply:
		return "Multiply"
	default:
		return fmt.Sprintf("BinaryOp(%d)", int(op))
	}
}

// Kernels are the primitives of a backend specialized for tensors of one fixed rank.
//
// Permutations follow the transpose convention: permuting x by perm yields a tensor whose axis i is
// axis perm[i] of x. A nil perm is the identity, and implementations must not move data for it.
// Every tensor given to a method of Kernels must have rank Rank().
type Kernels interface {
	// Rank returns the rank these kernels are specialized for.
	Rank() int

	// Combine sets out = op(permute(lhs, lhsPerm), permute(rhs, rhsPerm)).
	Combine(op BinaryOp, out, lhs Tensor, lhsPerm []int, rhs Tensor, rhsPerm []int) error

	// Shuffle sets out = permute(in, perm). With a nil perm it is a plain copy.
	Shuffle(out, in Tensor, perm []int) error

	// Scale sets out = alpha * permute(in, perm).
	Scale(out, in Tensor, perm []int, alpha float64) error

	// Flatten returns permute(in, perm) reinterpreted as a matrix: rows span the first rowAxes
	// permuted axes, and columns the remaining ones.
	Flatten(in Tensor, perm []int, rowAxes int) (Matrix, error)

	// Unflatten reinterprets m as a tensor with the given dimensions (whose product must match the
	// size of m) and sets out = permute(that tensor, perm).
	Unflatten(out Tensor, m Matrix, dims []int, perm []int) error
}

// Backend is the API a numeric backend implements to execute einsum operations.
type Backend interface {
	// Name returns the short name of the backend, the one used to register it.
	Name() string

	// Kernels returns the primitives specialized for the given rank, or an error if the rank is not
	// supported by the backend.
	Kernels(rank int) (Kernels, error)

	// MatMul returns the matrix product a·b.
	MatMul(a, b Matrix) (Matrix, error)

	// New returns a zero-initialized tensor owned by the backend.
	New(dtype dtypes.DType, dims ...int) (Tensor, error)
}

// PermutedDimensions returns the dimensions of t permuted by perm. A nil perm returns t's
// dimensions unchanged.
func PermutedDimensions(t Tensor, perm []int) ([]int, error) {
	dims := t.Dimensions()
	if perm == nil {
		return dims, nil
	}
	if err := CheckPermutation(perm, len(dims)); err != nil {
		return nil, err
	}
	permuted := make([]int, len(dims))
	for axis, from := range perm {
		permuted[axis] = dims[from]
	}
	return permuted, nil
}

// CheckPermutation returns an error if perm is not a valid permutation of rank axes.
func CheckPermutation(perm []int, rank int) error {
	if len(perm) != rank {
		return errors.Errorf("permutation %v has length %d, but tensor has rank %d", perm, len(perm), rank)
	}
	seen := make([]bool, rank)
	for _, axis := range perm {
		if axis < 0 || axis >= rank || seen[axis] {
			return errors.Errorf("invalid permutation %v for rank %d", perm, rank)
		}
		seen[axis] = true
	}
	return nil
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration
// string that is passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// EinsumBackendEnv is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const EinsumBackendEnv = "EINSUM_BACKEND"

// DefaultConfig is the name of the default backend configuration to use if specified.
var DefaultConfig string

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment EINSUM_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	if config, found := os.LookupEnv(EinsumBackendEnv); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>",
// where "<backend_name>" is the name of a registered backend (e.g.: "dense") and the optional
// "<backend_configuration>" is backend specific.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the dense one with import _ "github.com/gomlx/einsum/backends/dense"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if config != "" {
		backendName = config
		if idx := strings.Index(config, ":"); idx != -1 {
			backendName = config[:idx]
			backendConfig = config[idx+1:]
		}
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	return constructor(backendConfig)
}
