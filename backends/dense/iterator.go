// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dense

import (
	"github.com/gomlx/einsum/backends"
)

// transposeIterator walks a permuted tensor in row-major order of the permuted (output) axes,
// yielding for each step the flat index of the element in the source tensor.
//
// Its state is sized for backends.MaxRank, so it never allocates while iterating.
// An iterator is not safe for concurrent use: each worker creates its own.
type transposeIterator struct {
	rank     int
	identity bool

	// outDims and strides are indexed by output axis: strides[axis] is the source stride of the
	// source axis that became output axis `axis`.
	outDims [backends.MaxRank]int
	strides [backends.MaxRank]int

	position [backends.MaxRank]int
	flatIdx  int
	counter  int
}

// newTransposeIterator for a source tensor with dimensions inDims, permuted by perm (nil means
// identity). perm must have been validated.
func newTransposeIterator(inDims []int, perm []int) *transposeIterator {
	rank := len(inDims)
	it := &transposeIterator{rank: rank, identity: true}
	var inStrides [backends.MaxRank]int
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		inStrides[axis] = stride
		stride *= inDims[axis]
	}
	for axis := range rank {
		from := axis
		if perm != nil {
			from = perm[axis]
		}
		if from != axis {
			it.identity = false
		}
		it.outDims[axis] = inDims[from]
		it.strides[axis] = inStrides[from]
	}
	return it
}

func (it *transposeIterator) isIdentity() bool { return it.identity }

// seek positions the iterator at the given flat index of the output.
func (it *transposeIterator) seek(outFlatIdx int) {
	it.counter = outFlatIdx
	if it.identity {
		return
	}
	it.flatIdx = 0
	remaining := outFlatIdx
	for axis := it.rank - 1; axis >= 0; axis-- {
		dim := it.outDims[axis]
		if dim == 0 {
			it.position[axis] = 0
			continue
		}
		it.position[axis] = remaining % dim
		remaining /= dim
		it.flatIdx += it.position[axis] * it.strides[axis]
	}
}

// next returns the source flat index of the current output element, and advances.
func (it *transposeIterator) next() int {
	if it.identity {
		idx := it.counter
		it.counter++
		return idx
	}
	idx := it.flatIdx
	for axis := it.rank - 1; axis >= 0; axis-- {
		it.position[axis]++
		it.flatIdx += it.strides[axis]
		if it.position[axis] < it.outDims[axis] {
			break
		}
		// Carry over to the previous axis.
		it.flatIdx -= it.position[axis] * it.strides[axis]
		it.position[axis] = 0
	}
	return idx
}
