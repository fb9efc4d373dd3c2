// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements a backend that fans the work of each primitive out to a pool of
// workers.
//
// It operates on dense tensors (see package dense) and shares their validation and allocation.
// Elementwise primitives are sharded over ranges of output elements, and for MatMul the workers pull
// blocks of output rows. Every primitive waits for all its shards to finish before returning, and its
// results are identical to those of the dense backend.
//
// The configuration string, as in "distributed:4", is the number of workers. It defaults to the
// number of CPUs.
package distributed

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gomlx/einsum/backends"
	"github.com/gomlx/einsum/backends/dense"
	"github.com/gomlx/einsum/internal/workerspool"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in EINSUM_BACKEND to specify this backend.
const BackendName = "distributed"

// DefaultMinShardSize is the minimum number of elements in a shard of an elementwise primitive.
const DefaultMinShardSize = 4096

func init() {
	backends.Register(BackendName, NewWithConfig)
}

// Backend implements backends.Backend by sharding the tasks of a dense.Backend over workers.
type Backend struct {
	id         uuid.UUID
	local      *dense.Backend
	pool       *workerspool.Pool
	numWorkers int

	// minShardSize is the minimum number of units of work (elements or rows) of a shard.
	minShardSize int

	kernelsByRank [backends.MaxRank + 1]*Kernels
}

// Compile-time check that Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// New creates a distributed Backend with numWorkers workers. If numWorkers <= 0, it uses
// runtime.NumCPU().
func New(numWorkers int) *Backend {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	b := &Backend{
		id:           uuid.New(),
		local:        dense.New(),
		pool:         workerspool.NewWithParallelism(numWorkers),
		numWorkers:   numWorkers,
		minShardSize: DefaultMinShardSize,
	}
	for rank := range b.kernelsByRank {
		b.kernelsByRank[rank] = &Kernels{backend: b, dense: must.M1(b.local.RankKernels(rank))}
	}
	klog.V(1).Infof("%s: created with %d workers", b, numWorkers)
	return b
}

// NewWithConfig creates a Backend from a configuration string holding the number of workers.
func NewWithConfig(config string) (backends.Backend, error) {
	config = strings.TrimSpace(config)
	if config == "" {
		return New(0), nil
	}
	numWorkers, err := strconv.Atoi(config)
	if err != nil || numWorkers <= 0 {
		return nil, errors.Errorf("invalid %q backend configuration %q: it must be a positive number of workers",
			BackendName, config)
	}
	return New(numWorkers), nil
}

// WithMinShardSize sets the minimum number of units of work in a shard, and returns the Backend.
// A value of 1 splits every task among all workers.
func (b *Backend) WithMinShardSize(minShardSize int) *Backend {
	b.minShardSize = max(minShardSize, 1)
	return b
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return fmt.Sprintf("%s[%s]", BackendName, b.id) }

// ID returns the unique id of this backend instance, used in its logs.
func (b *Backend) ID() uuid.UUID { return b.id }

// NumWorkers returns the number of workers primitives are sharded over.
func (b *Backend) NumWorkers() int { return b.numWorkers }

// Stats returns a snapshot of the operations executed so far.
func (b *Backend) Stats() dense.Stats { return b.local.Stats() }

// ResetStats zeroes the operation counters.
func (b *Backend) ResetStats() { b.local.ResetStats() }

// Kernels implements backends.Backend.
func (b *Backend) Kernels(rank int) (backends.Kernels, error) {
	if rank < 0 || rank > backends.MaxRank {
		return nil, errors.Errorf("%s backend doesn't support rank %d, max rank is %d", BackendName, rank, backends.MaxRank)
	}
	return b.kernelsByRank[rank], nil
}

// New implements backends.Backend. Tensors are dense tensors.
func (b *Backend) New(dtype dtypes.DType, dims ...int) (backends.Tensor, error) {
	return b.local.New(dtype, dims...)
}

// MatMul implements backends.Backend. Every worker pulls blocks of output rows until all rows are
// computed.
func (b *Backend) MatMul(lhs, rhs backends.Matrix) (backends.Matrix, error) {
	product, task, err := b.local.PrepareMatMul(lhs, rhs)
	if err != nil {
		return nil, err
	}
	b.saturate("MatMul", task)
	return product, nil
}

// rowBlocksPerWorker is the number of row blocks each worker gets on average in saturate.
const rowBlocksPerWorker = 4

// saturate executes task with all workers pulling blocks of units from a shared counter, so that
// workers that finish early take on more blocks. It waits for all of them.
func (b *Backend) saturate(name string, task *dense.Task) {
	size := task.Size()
	if size <= 1 || b.numWorkers <= 1 {
		task.RunAll()
		return
	}
	blockSize := max(1, size/(rowBlocksPerWorker*b.numWorkers))
	if klog.V(2).Enabled() {
		klog.Infof("%s: %s of %d units in blocks of %d", b, name, size, blockSize)
	}
	var next atomic.Int64
	b.pool.Saturate(func() {
		for {
			start := int(next.Add(int64(blockSize))) - blockSize
			if start >= size {
				return
			}
			task.Run(start, min(start+blockSize, size))
		}
	})
}

// run executes task split in up to numWorkers shards of at least minShardSize units, and waits for
// all of them.
func (b *Backend) run(name string, task *dense.Task) {
	size := task.Size()
	minShardSize := b.minShardSize
	numShards := min(b.numWorkers, (size+minShardSize-1)/minShardSize)
	if numShards <= 1 {
		task.RunAll()
		return
	}
	shardSize := (size + numShards - 1) / numShards
	numShards = (size + shardSize - 1) / shardSize
	if klog.V(2).Enabled() {
		klog.Infof("%s: %s of %d units in %d shards of %d", b, name, size, numShards, shardSize)
	}
	b.pool.RunShards(numShards, func(shard int) {
		start := shard * shardSize
		task.Run(start, min(start+shardSize, size))
	})
}

// Kernels implements backends.Kernels for one rank, sharding the tasks of the dense kernels.
type Kernels struct {
	backend *Backend
	dense   *dense.Kernels
}

// Compile-time check that Kernels implements backends.Kernels.
var _ backends.Kernels = (*Kernels)(nil)

// Rank implements backends.Kernels.
func (k *Kernels) Rank() int { return k.dense.Rank() }

func (k *Kernels) run(name string, task *dense.Task, err error) error {
	if err != nil {
		return err
	}
	k.backend.run(name, task)
	return nil
}

// Combine implements backends.Kernels.
func (k *Kernels) Combine(op backends.BinaryOp, out, lhs backends.Tensor, lhsPerm []int,
	rhs backends.Tensor, rhsPerm []int) error {
	task, err := k.dense.PrepareCombine(op, out, lhs, lhsPerm, rhs, rhsPerm)
	return k.run(op.String(), task, err)
}

// Shuffle implements backends.Kernels.
func (k *Kernels) Shuffle(out, in backends.Tensor, perm []int) error {
	task, err := k.dense.PrepareShuffle(out, in, perm)
	return k.run("Shuffle", task, err)
}

// Scale implements backends.Kernels.
func (k *Kernels) Scale(out, in backends.Tensor, perm []int, alpha float64) error {
	task, err := k.dense.PrepareScale(out, in, perm, alpha)
	return k.run("Scale", task, err)
}

// Flatten implements backends.Kernels.
func (k *Kernels) Flatten(in backends.Tensor, perm []int, rowAxes int) (backends.Matrix, error) {
	m, task, err := k.dense.PrepareFlatten(in, perm, rowAxes)
	if err = k.run("Flatten", task, err); err != nil {
		return nil, err
	}
	return m, nil
}

// Unflatten implements backends.Kernels.
func (k *Kernels) Unflatten(out backends.Tensor, m backends.Matrix, dims []int, perm []int) error {
	task, err := k.dense.PrepareUnflatten(out, m, dims, perm)
	return k.run("Unflatten", task, err)
}
