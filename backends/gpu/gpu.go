// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gpu implements the GPU backend: each step is lowered to a compute kernel where the
// outermost retained loop is mapped to parallel invocations, and the inner loops (contractions
// included) run sequentially in each invocation. Sparse operands are traversed through their
// pointer and index arrays in device memory. Outputs are computed densely, together with a flag
// per element marking the coordinates reached, and compressed on the host.
//
// COO operands can't be scanned on the GPU: programs using them fail to compile with
// backends.ErrCodegen, and callers may plan them again with dense materialization.
//
// Kernels are emitted as WGSL. They run on a Device: the "emulated" device (default) runs them
// on the host, "webgpu" runs them through WebGPU where available.
//
// Options, given as in backends.NewWithConfig ("gpu:device=emulated,blockx=64,blockr=8"):
//
//   - device: "emulated" or "webgpu".
//   - blockx: invocations per workgroup. Defaults to 64.
//   - blocky: workgroup size along the second outermost loop, when it can be parallelized.
//     Defaults to 1 (disabled).
//   - blockr: number of partial reductions when the outermost loop is contracted. Defaults to 8.
//   - parallelism: host goroutines of the emulated device. Defaults to the number of CPUs.
//   - maxinflight: maximum number of concurrent launches, 0 for no limit. Defaults to 4.
package gpu

import (
	"fmt"
	"sync"

	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in EINJIT_BACKEND to specify this backend, and as device selector.
const BackendName = "gpu"

const (
	DefaultBlockX      = 64
	DefaultBlockY      = 1
	DefaultBlockR      = 8
	DefaultMaxInFlight = 4
)

func init() {
	backends.Register(BackendName, New)
}

// Capabilities of the GPU backend: kernels compute in f32 and can't scan COO operands.
var Capabilities = backends.Capabilities{
	Traversals: map[plan.Traversal]bool{
		plan.DenseLoop:      true,
		plan.CompressedWalk: true,
	},
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
	},
	OutputFormats: map[formats.Format]bool{
		formats.Dense: true,
		formats.CSR:   true,
		formats.CSC:   true,
		formats.COO:   true,
	},
	Masks: true,
}

type launchOptions struct {
	blockX, blockY, blockR int
}

// Backend implements the backends.Backend interface.
type Backend struct {
	// mu protects device, which is nil once finalized.
	mu     sync.Mutex
	device Device
	launchOptions
}

// Compile-time check that gpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new GPU Backend from the options in config.
func New(config string) (backends.Backend, error) {
	return newBackend(config)
}

func newBackend(config string) (*Backend, error) {
	options, err := backends.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	b := &Backend{}
	for _, opt := range []struct {
		key    string
		def    int
		target *int
	}{
		{"blockx", DefaultBlockX, &b.blockX},
		{"blocky", DefaultBlockY, &b.blockY},
		{"blockr", DefaultBlockR, &b.blockR},
	} {
		*opt.target, err = options.Int(opt.key, opt.def)
		if err != nil {
			return nil, err
		}
		if *opt.target < 1 {
			return nil, errors.Errorf("gpu backend: %s must be >= 1, got %d", opt.key, *opt.target)
		}
	}
	var deviceConfig DeviceConfig
	if deviceConfig.Parallelism, err = options.Int("parallelism", 0); err != nil {
		return nil, err
	}
	if deviceConfig.MaxInFlight, err = options.Int("maxinflight", DefaultMaxInFlight); err != nil {
		return nil, err
	}
	deviceName := options.String("device", EmulatedDevice)
	if err := options.CheckUnused(BackendName); err != nil {
		return nil, err
	}
	b.device, err = newDevice(deviceName, deviceConfig)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("gpu backend: device=%s, blockx=%d, blocky=%d, blockr=%d", deviceName, b.blockX, b.blockY, b.blockR)
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	deviceName := "finalized"
	if device := b.Device(); device != nil {
		deviceName = device.Name()
	}
	return fmt.Sprintf("GPU backend (WGSL kernels on %s device, workgroup %dx%d)", deviceName, b.blockX, b.blockY)
}

// Device where kernels are executed, or nil if the backend was finalized.
func (b *Backend) Device() Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device
}

// Capabilities returns information about what is supported by this backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities
}

// Finalize waits for pending launches and releases the device.
func (b *Backend) Finalize() {
	b.mu.Lock()
	device := b.device
	b.device = nil
	b.mu.Unlock()
	if device != nil {
		device.Release()
	}
}
