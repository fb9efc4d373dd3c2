// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch executes labeled tensor operations on a backend.
//
// The Dispatcher is the only component that touches backend tensors: it plans each operation with
// the planner package, discovers the rank of each operand at run time, and invokes the matching
// rank-specialized backends.Kernels. Outputs are always caller-supplied tensors, mutated in place.
//
// Example:
//
//	d := must.M1(dispatch.New(dense.New()))
//	err := d.Contract(dispatch.MustOn(c, "i,j"), dispatch.MustOn(a, "i,k"), dispatch.MustOn(b, "k,j"))
package dispatch

import (
	"github.com/gomlx/einsum/backends"
	"github.com/gomlx/einsum/pkg/core/labels"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Operand is a tensor annotated with the label of its axes.
type Operand struct {
	Tensor backends.Tensor
	Label  labels.Label
}

// On annotates tensor with the parsed label. The label must have one symbol per axis of the tensor.
func On(tensor backends.Tensor, label string) (Operand, error) {
	l, err := labels.Parse(label)
	if err != nil {
		return Operand{}, err
	}
	if tensor == nil {
		return Operand{}, errors.Errorf("nil tensor for label %q", label)
	}
	if l.Len() != tensor.Rank() {
		return Operand{}, errors.Errorf("label %q has %d symbols, but tensor has rank %d", label, l.Len(), tensor.Rank())
	}
	return Operand{Tensor: tensor, Label: l}, nil
}

// MustOn is like On, but panics on error.
func MustOn(tensor backends.Tensor, label string) Operand {
	op, err := On(tensor, label)
	if err != nil {
		exceptions.Panicf("dispatch.MustOn(%q): %+v", label, err)
	}
	return op
}

// Dispatcher executes labeled operations on a backend. It is safe for concurrent use, as long as
// concurrent operations don't write to the same output tensor.
type Dispatcher struct {
	backend backends.Backend
	maxRank int

	// rankTable[r] are the backend kernels specialized for rank r.
	rankTable []backends.Kernels
}

// Option configures a Dispatcher in New.
type Option func(d *Dispatcher)

// WithMaxRank sets the largest rank the Dispatcher will handle. It must be between 0 and
// backends.MaxRank, and it defaults to backends.MaxRank.
func WithMaxRank(maxRank int) Option {
	return func(d *Dispatcher) {
		d.maxRank = maxRank
	}
}

// New creates a Dispatcher for backend, fetching its kernels for every rank up to the configured
// maximum rank.
func New(backend backends.Backend, options ...Option) (*Dispatcher, error) {
	if backend == nil {
		return nil, errors.New("dispatch.New() requires a non-nil backend")
	}
	d := &Dispatcher{backend: backend, maxRank: backends.MaxRank}
	for _, option := range options {
		option(d)
	}
	if d.maxRank < 0 || d.maxRank > backends.MaxRank {
		return nil, errors.Errorf("invalid max rank %d, it must be between 0 and %d", d.maxRank, backends.MaxRank)
	}
	d.rankTable = make([]backends.Kernels, d.maxRank+1)
	for rank := range d.rankTable {
		kernels, err := backend.Kernels(rank)
		if err != nil {
			return nil, errors.WithMessagef(err, "backend %q can't provide kernels for rank %d", backend.Name(), rank)
		}
		if kernels.Rank() != rank {
			return nil, errors.Errorf("backend %q returned kernels for rank %d when asked for rank %d",
				backend.Name(), kernels.Rank(), rank)
		}
		d.rankTable[rank] = kernels
	}
	return d, nil
}

// Backend returns the backend used by the Dispatcher.
func (d *Dispatcher) Backend() backends.Backend { return d.backend }

// MaxRank returns the largest rank the Dispatcher handles.
func (d *Dispatcher) MaxRank() int { return d.maxRank }

// probeRank finds the kernels matching the rank of t, probing the rank table in increasing order.
// It also returns the number of failed probes.
func (d *Dispatcher) probeRank(t backends.Tensor) (backends.Kernels, int, error) {
	if t == nil {
		return nil, 0, errors.New("dispatch: operand has a nil tensor")
	}
	rank := t.Rank()
	for probes, kernels := range d.rankTable {
		if kernels.Rank() == rank {
			if klog.V(2).Enabled() {
				klog.Infof("dispatch: discovered rank %d after %d failed probes", rank, probes)
			}
			return kernels, probes, nil
		}
	}
	return nil, len(d.rankTable), errors.WithStack(&UnsupportedRankError{Rank: rank, MaxRank: d.maxRank})
}

// kernelsFor returns the kernels for each of the operands, in order.
func (d *Dispatcher) kernelsFor(operands ...Operand) ([]backends.Kernels, error) {
	kernels := make([]backends.Kernels, len(operands))
	for ii, op := range operands {
		k, _, err := d.probeRank(op.Tensor)
		if err != nil {
			return nil, errors.WithMessagef(err, "operand %d labeled %q", ii, op.Label)
		}
		kernels[ii] = k
	}
	return kernels, nil
}

// permutationAxes returns the axes of the permutation from -> to, or nil if it is the identity.
func permutationAxes(from, to labels.Label) ([]int, error) {
	perm, err := labels.NewPermutation(from, to)
	if err != nil {
		return nil, err
	}
	return identityAsNil(perm), nil
}
