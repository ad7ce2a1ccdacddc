// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel is a program compiled for the GPU: one device kernel per step.
type Kernel struct {
	backend *Backend
	program *plan.Program
	steps   []*stepKernel
}

// Compile-time check that gpu.Kernel implements backends.Kernel.
var _ backends.Kernel = &Kernel{}

// kernelNamespace seeds the names of device kernels, derived from their source.
var kernelNamespace = uuid.MustParse("6f1d5c52-8a0e-4b8e-9a4c-2f3b1e7d9c10")

// Compile lowers every step of the program to a device kernel.
func (b *Backend) Compile(program *plan.Program) (backends.Kernel, error) {
	device := b.Device()
	if device == nil {
		return nil, errors.Errorf("gpu backend already finalized")
	}
	if err := Capabilities.Check(BackendName, program); err != nil {
		return nil, err
	}
	k := &Kernel{backend: b, program: program, steps: make([]*stepKernel, len(program.Steps))}
	for stepIdx, step := range program.Steps {
		sk, err := lowerStep(stepIdx, step, program.Semiring, b.launchOptions)
		if err != nil {
			return nil, errors.WithMessagef(err, "compiling %s step #%d", program.ExpressionKey, stepIdx)
		}
		source := sk.generateWGSL(program.ExpressionKey)
		sk.kernel = &DeviceKernel{
			Name:      "einjit_" + uuid.NewSHA1(kernelNamespace, []byte(source)).String(),
			Source:    source,
			Workgroup: sk.workgroup,
			Invoke:    sk.invoke,
		}
		k.steps[stepIdx] = sk
	}
	klog.V(1).Infof("gpu: compiled %s (%d steps, output %s) for device %s",
		program.ExpressionKey, len(program.Steps), program.OutputFormat(), device.Name())
	return k, nil
}

// Program the kernel was compiled from.
func (k *Kernel) Program() *plan.Program { return k.program }

// Source returns the WGSL shaders of every step.
func (k *Kernel) Source() string {
	sources := make([]string, len(k.steps))
	for ii, sk := range k.steps {
		sources[ii] = sk.kernel.Source
	}
	return strings.Join(sources, "\n")
}

// Execute copies the operands of each step to the device, launches the step kernel and copies the
// result back. It returns once every launch completed.
func (k *Kernel) Execute(ec *backends.ExecutionContext, operands ...*tensors.Tensor) (*tensors.Tensor, error) {
	device := k.backend.Device()
	if device == nil {
		return nil, errors.Errorf("%s: gpu backend already finalized", ec)
	}
	var result *tensors.Tensor
	var execErr error
	err := exceptions.TryCatch[error](func() {
		result, execErr = backends.RunProgram(ec, k.program, operands,
			func(stepIdx int, _ *plan.Step, stepOperands []backends.StepOperand, output shapes.Shape) (*tensors.Tensor, error) {
				return k.runStep(ec, device, k.steps[stepIdx], stepOperands, output)
			})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: gpu kernel for %s panicked", ec, k.program.ExpressionKey)
	}
	return result, execErr
}

func (k *Kernel) runStep(ec *backends.ExecutionContext, device Device, sk *stepKernel, operands []backends.StepOperand, output shapes.Shape) (*tensors.Tensor, error) {
	words, threads, copies, err := sk.hostBuffers(operands, output, k.backend.blockR)
	if err != nil {
		return nil, err
	}
	buffers := make([]Buffer, 0, len(words))
	defer func() {
		for _, buffer := range buffers {
			buffer.Release()
		}
	}()
	var uploaded uint64
	for ii, w := range words {
		buffer, err := device.Upload(w)
		if err != nil {
			return nil, errors.WithMessagef(err, "uploading %s", sk.bindings[ii].name)
		}
		buffers = append(buffers, buffer)
		uploaded += uint64(4 * len(w))
	}

	launch := Launch{Kernel: sk.kernel, Buffers: buffers, Threads: threads}
	if threads[0] > 0 && threads[1] > 0 {
		event, err := device.Dispatch(launch)
		if err != nil {
			return nil, errors.WithMessagef(err, "launching %s", sk.name)
		}
		if err := event.Wait(); err != nil {
			return nil, err
		}
	}

	values, err := device.Download(buffers[sk.outValuesAt])
	if err != nil {
		return nil, err
	}
	touched, err := device.Download(buffers[sk.outTouchedAt])
	if err != nil {
		return nil, err
	}
	if klog.V(2).Enabled() {
		groupsX, groupsY := launch.Workgroups()
		klog.Infof("%s: gpu %s launch %s %dx%d workgroups, %s in, %s out (%d partial outputs)",
			ec, sk.name, sk.mode, groupsX, groupsY, humanize.Bytes(uploaded),
			humanize.Bytes(uint64(4*(len(values)+len(touched)))), copies)
	}
	return sk.assemble(output, values, touched, copies)
}
