// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements the CPU backend: each step of a program is lowered to a nest of Go
// closures, one per level of its schedule, specialized for the compute dtype of the semiring.
//
// The outermost level is split among a pool of workers. Kernels are shape-polymorphic: extents,
// strides and storage arrays are read from the operands on every execution.
//
// Options, given as in backends.NewWithConfig ("cpu:parallelism=4,minchunk=16"):
//
//   - parallelism: maximum number of workers. 0 disables parallelism, -1 means unlimited.
//     Defaults to the number of CPUs.
//   - minchunk: minimum number of outer iterations handed to a worker. Defaults to 8.
package cpu

import (
	"fmt"

	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/internal/workerspool"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in EINJIT_BACKEND to specify this backend, and as device selector.
const BackendName = "cpu"

// DefaultMinChunk is the default minimum number of outer iterations per worker.
const DefaultMinChunk = 8

func init() {
	backends.Register(BackendName, New)
}

// Capabilities of the CPU backend: it lowers every traversal and output format.
var Capabilities = backends.Capabilities{
	Traversals: map[plan.Traversal]bool{
		plan.DenseLoop:      true,
		plan.CompressedWalk: true,
		plan.TripletScan:    true,
	},
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
	},
	OutputFormats: map[formats.Format]bool{
		formats.Dense: true,
		formats.CSR:   true,
		formats.CSC:   true,
		formats.COO:   true,
	},
	Masks: true,
}

// Backend implements the backends.Backend interface.
type Backend struct {
	workers  *workerspool.Pool
	minChunk int
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new CPU Backend from the options in config.
func New(config string) (backends.Backend, error) {
	return newBackend(config)
}

func newBackend(config string) (*Backend, error) {
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	b := &Backend{workers: workerspool.New()}
	parallelism, err := options.Int("parallelism", b.workers.MaxParallelism())
	if err != nil {
		return nil, err
	}
	b.workers.SetMaxParallelism(parallelism)
	b.minChunk, err = options.Int("minchunk", DefaultMinChunk)
	if err != nil {
		return nil, err
	}
	if b.minChunk < 1 {
		return nil, errors.Errorf("cpu backend: minchunk must be >= 1, got %d", b.minChunk)
	}
	if err := options.CheckUnused(BackendName); err != nil {
		return nil, err
	}
	klog.V(1).Infof("cpu backend: parallelism=%d, minchunk=%d", parallelism, b.minChunk)
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "CPU backend (Go closures, up to " + parallelismDesc(b.workers) + ")"
}

func parallelismDesc(workers *workerspool.Pool) string {
	switch {
	case !workers.IsEnabled():
		return "1 worker"
	case workers.IsUnlimited():
		return "unlimited workers"
	}
	return fmt.Sprintf("%d workers", workers.MaxParallelism())
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {}
