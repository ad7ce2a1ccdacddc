//go:build windows

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// webgpuDevice runs the WGSL kernels through WebGPU. Compiled shaders and pipelines are cached
// by kernel name.
type webgpuDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	mu        sync.RWMutex
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
}

type webgpuBuffer struct {
	buffer   *wgpu.Buffer
	numWords int
}

// Len implements Buffer.
func (b *webgpuBuffer) Len() int { return b.numWords }

// Release implements Buffer.
func (b *webgpuBuffer) Release() {
	if b.buffer != nil {
		b.buffer.Release()
		b.buffer = nil
	}
}

func newWebGPUDevice(_ DeviceConfig) (device Device, err error) {
	// The native library may be missing.
	defer func() {
		if r := recover(); r != nil {
			device = nil
			err = errors.Errorf("gpu/webgpu: native library not available: %v", r)
		}
	}()
	d := &webgpuDevice{
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}
	d.instance = wgpu.CreateInstance(nil)
	d.adapter, err = d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		d.instance.Release()
		return nil, errors.Wrap(err, "gpu/webgpu: failed to request adapter")
	}
	d.device, err = d.adapter.RequestDevice(nil)
	if err != nil {
		d.adapter.Release()
		d.instance.Release()
		return nil, errors.Wrap(err, "gpu/webgpu: failed to request device")
	}
	d.queue = d.device.GetQueue()
	if d.queue == nil {
		d.device.Release()
		d.adapter.Release()
		d.instance.Release()
		return nil, errors.New("gpu/webgpu: failed to get queue")
	}
	klog.V(1).Infof("gpu/webgpu: device ready")
	return d, nil
}

// Name implements Device.
func (d *webgpuDevice) Name() string { return WebGPUDevice }

// Upload implements Device.
func (d *webgpuDevice) Upload(words []uint32) (Buffer, error) {
	numWords := max(len(words), 1)
	size := uint64(4 * numWords)
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*uint32)(buffer.GetMappedRange(0, size)), numWords)
	copy(mapped, words)
	buffer.Unmap()
	if klog.V(3).Enabled() {
		klog.Infof("gpu/webgpu: uploaded %s", humanize.Bytes(size))
	}
	return &webgpuBuffer{buffer: buffer, numWords: len(words)}, nil
}

func (d *webgpuDevice) pipeline(kernel *DeviceKernel) *wgpu.ComputePipeline {
	d.mu.RLock()
	pipeline, found := d.pipelines[kernel.Name]
	d.mu.RUnlock()
	if found {
		return pipeline
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if pipeline, found = d.pipelines[kernel.Name]; found {
		return pipeline
	}
	shader := d.device.CreateShaderModuleWGSL(kernel.Source)
	d.shaders[kernel.Name] = shader
	pipeline = d.device.CreateComputePipelineSimple(nil, shader, "main")
	d.pipelines[kernel.Name] = pipeline
	klog.V(1).Infof("gpu/webgpu: compiled pipeline %s", kernel.Name)
	return pipeline
}

// Dispatch implements Device. The queue executes submissions in order, so the returned event is
// already complete: downloads wait for the launch.
func (d *webgpuDevice) Dispatch(launch Launch) (*Event, error) {
	pipeline := d.pipeline(launch.Kernel)
	entries := make([]wgpu.BindGroupEntry, len(launch.Buffers))
	for ii, buffer := range launch.Buffers {
		wb, ok := buffer.(*webgpuBuffer)
		if !ok || wb.buffer == nil {
			return nil, errors.Errorf("gpu/webgpu: buffer #%d (%T) isn't a live webgpu buffer", ii, buffer)
		}
		entries[ii] = wgpu.BufferBindingEntry(uint32(ii), wb.buffer, 0, uint64(4*max(wb.numWords, 1)))
	}
	bindGroup := d.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	groupsX, groupsY := launch.Workgroups()
	pass.DispatchWorkgroups(uint32(groupsX), uint32(groupsY), 1)
	pass.End()
	d.queue.Submit(encoder.Finish(nil))

	event := newEvent()
	event.done.Trigger(nil)
	return event, nil
}

// Download implements Device, through a staging buffer.
func (d *webgpuDevice) Download(buffer Buffer) ([]uint32, error) {
	wb, ok := buffer.(*webgpuBuffer)
	if !ok || wb.buffer == nil {
		return nil, errors.Errorf("gpu/webgpu: %T isn't a live webgpu buffer", buffer)
	}
	size := uint64(4 * max(wb.numWords, 1))
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()
	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(wb.buffer, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))
	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, errors.Wrap(err, "gpu/webgpu: failed to map staging buffer")
	}
	mapped := unsafe.Slice((*uint32)(staging.GetMappedRange(0, size)), wb.numWords)
	words := make([]uint32, wb.numWords)
	copy(words, mapped)
	staging.Unmap()
	return words, nil
}

// Synchronize implements Device: mapping a buffer for reading already waits for the queue.
func (d *webgpuDevice) Synchronize() {}

// Release implements Device.
func (d *webgpuDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pipelines {
		p.Release()
	}
	d.pipelines = nil
	for _, s := range d.shaders {
		s.Release()
	}
	d.shaders = nil
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}
