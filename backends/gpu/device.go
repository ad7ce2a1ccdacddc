// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"runtime"
	"slices"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/einjit/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Buffer is a region of device memory holding 32-bit words: f32 values or u32 indices.
type Buffer interface {
	// Len is the number of words in the buffer.
	Len() int

	// Release frees the device memory. The buffer can't be used afterwards.
	Release()
}

// DeviceKernel is a lowered step ready to be launched on a Device.
//
// Real devices compile Source (WGSL). The emulated device calls Invoke once per invocation,
// with the words of the bound buffers, in binding order.
type DeviceKernel struct {
	// Name identifies the kernel source, used to cache compiled shaders.
	Name string

	// Source is the WGSL compute shader, with entry point "main".
	Source string

	// Workgroup size in invocations, along x and y.
	Workgroup [2]int

	// Invoke runs the invocation with global id (x, y).
	Invoke func(mem [][]uint32, x, y int)
}

// Launch is one dispatch of a kernel over a grid of invocations.
type Launch struct {
	Kernel  *DeviceKernel
	Buffers []Buffer

	// Threads is the number of invocations along x and y. The grid is rounded up to whole
	// workgroups, and invocations beyond Threads are expected to return immediately.
	Threads [2]int
}

// Workgroups returns the number of workgroups dispatched along x and y.
func (l Launch) Workgroups() (x, y int) {
	x = (l.Threads[0] + l.Kernel.Workgroup[0] - 1) / l.Kernel.Workgroup[0]
	y = (l.Threads[1] + l.Kernel.Workgroup[1] - 1) / l.Kernel.Workgroup[1]
	return
}

// Device executes kernels on memory of its own. Launches are asynchronous: the returned Event
// completes when the kernel finished executing.
type Device interface {
	// Name of the device, e.g. "emulated" or "webgpu".
	Name() string

	// Upload copies words to a new device buffer. Buffers hold at least one word.
	Upload(words []uint32) (Buffer, error)

	// Dispatch launches the kernel.
	Dispatch(launch Launch) (*Event, error)

	// Download copies the words of the buffer back to the host, after every launch using it completed.
	Download(buffer Buffer) ([]uint32, error)

	// Synchronize waits for every pending launch.
	Synchronize()

	// Release frees the resources of the device.
	Release()
}

// Event signals the completion of a launch.
type Event struct {
	done *xsync.LatchWithValue[error]
}

func newEvent() *Event {
	return &Event{done: xsync.NewLatchWithValue[error]()}
}

// Done returns whether the launch completed, without blocking.
func (e *Event) Done() bool { return e.done.Test() }

// Wait blocks until the launch completes and returns its error, if any.
func (e *Event) Wait() error { return e.done.Wait() }

// DeviceConstructor creates a device for the backend options.
type DeviceConstructor func(config DeviceConfig) (Device, error)

// DeviceConfig holds the backend options relevant to devices.
type DeviceConfig struct {
	// Parallelism is the number of host goroutines used by the emulated device.
	Parallelism int

	// MaxInFlight is the maximum number of concurrent launches, 0 for no limit.
	MaxInFlight int
}

// devices selectable with the "device" option.
var devices = map[string]DeviceConstructor{
	EmulatedDevice: newEmulatedDevice,
	WebGPUDevice:   newWebGPUDevice,
}

// Devices lists the names of the registered devices, sorted.
func Devices() []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newDevice(name string, config DeviceConfig) (Device, error) {
	constructor, found := devices[name]
	if !found {
		return nil, errors.Errorf("gpu backend: unknown device %q, registered devices are %q", name, Devices())
	}
	return constructor(config)
}

const (
	// EmulatedDevice runs kernels on the host, one goroutine per workgroup.
	EmulatedDevice = "emulated"

	// WebGPUDevice runs the WGSL kernels through WebGPU.
	WebGPUDevice = "webgpu"
)

// emulatedDevice executes the kernels on host memory. Workgroups are run concurrently, the
// invocations of a workgroup sequentially.
type emulatedDevice struct {
	parallelism int
	queue       *xsync.Semaphore
	inflight    *xsync.DynamicWaitGroup

	mu             sync.Mutex
	allocatedBytes uint64
}

type hostBuffer struct {
	device   *emulatedDevice
	words    []uint32
	released bool
}

// Len implements Buffer.
func (b *hostBuffer) Len() int { return len(b.words) }

// Release implements Buffer.
func (b *hostBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.device.mu.Lock()
	b.device.allocatedBytes -= uint64(4 * len(b.words))
	b.device.mu.Unlock()
	b.words = nil
}

func newEmulatedDevice(config DeviceConfig) (Device, error) {
	d := &emulatedDevice{
		parallelism: config.Parallelism,
		queue:       xsync.NewSemaphore(config.MaxInFlight),
		inflight:    xsync.NewDynamicWaitGroup(),
	}
	if d.parallelism <= 0 {
		d.parallelism = runtime.NumCPU()
	}
	return d, nil
}

// Name implements Device.
func (d *emulatedDevice) Name() string { return EmulatedDevice }

// Upload implements Device.
func (d *emulatedDevice) Upload(words []uint32) (Buffer, error) {
	b := &hostBuffer{device: d, words: make([]uint32, max(len(words), 1))}
	copy(b.words, words)
	d.mu.Lock()
	d.allocatedBytes += uint64(4 * len(b.words))
	allocated := d.allocatedBytes
	d.mu.Unlock()
	if klog.V(3).Enabled() {
		klog.Infof("gpu/emulated: uploaded %s (%s allocated)", humanize.Bytes(uint64(4*len(words))), humanize.Bytes(allocated))
	}
	return b, nil
}

func (d *emulatedDevice) memory(buffers []Buffer) ([][]uint32, error) {
	mem := make([][]uint32, len(buffers))
	for ii, buffer := range buffers {
		hb, ok := buffer.(*hostBuffer)
		if !ok || hb.device != d {
			return nil, errors.Errorf("gpu/emulated: buffer #%d (%T) doesn't belong to this device", ii, buffer)
		}
		if hb.released {
			return nil, errors.Errorf("gpu/emulated: buffer #%d used after release", ii)
		}
		mem[ii] = hb.words
	}
	return mem, nil
}

// Dispatch implements Device. At most MaxInFlight launches run at the same time: Dispatch
// blocks until a slot is available.
func (d *emulatedDevice) Dispatch(launch Launch) (*Event, error) {
	mem, err := d.memory(launch.Buffers)
	if err != nil {
		return nil, err
	}
	if launch.Kernel.Invoke == nil {
		return nil, errors.Errorf("gpu/emulated: kernel %q can't be invoked on the host", launch.Kernel.Name)
	}
	event := newEvent()
	d.queue.Acquire()
	d.inflight.Add(1)
	if klog.V(3).Enabled() {
		klog.Infof("gpu/emulated: dispatched %q, %d launches in flight", launch.Kernel.Name, d.inflight.Pending())
	}
	go func() {
		defer d.inflight.Done()
		defer d.queue.Release()
		event.done.Trigger(d.run(launch, mem))
	}()
	return event, nil
}

func (d *emulatedDevice) run(launch Launch, mem [][]uint32) error {
	groupsX, groupsY := launch.Workgroups()
	wx, wy := launch.Kernel.Workgroup[0], launch.Kernel.Workgroup[1]
	var g errgroup.Group
	g.SetLimit(d.parallelism)
	for gy := range groupsY {
		for gx := range groupsX {
			g.Go(func() error {
				return exceptions.TryCatch[error](func() {
					for y := gy * wy; y < (gy+1)*wy; y++ {
						for x := gx * wx; x < (gx+1)*wx; x++ {
							launch.Kernel.Invoke(mem, x, y)
						}
					}
				})
			})
		}
	}
	if err := g.Wait(); err != nil {
		return errors.WithMessagef(err, "gpu/emulated: kernel %q failed", launch.Kernel.Name)
	}
	return nil
}

// Download implements Device.
func (d *emulatedDevice) Download(buffer Buffer) ([]uint32, error) {
	mem, err := d.memory([]Buffer{buffer})
	if err != nil {
		return nil, err
	}
	return slices.Clone(mem[0]), nil
}

// Synchronize implements Device.
func (d *emulatedDevice) Synchronize() { d.inflight.Wait() }

// Release implements Device.
func (d *emulatedDevice) Release() { d.Synchronize() }
