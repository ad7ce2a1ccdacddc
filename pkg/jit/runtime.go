// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"sync"

	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Runtime compiles contractions on demand, caches the kernels by Signature and executes them.
// It's safe for concurrent use.
type Runtime struct {
	cache      *Cache
	ownedCache bool

	semiring string

	mu            sync.Mutex
	finalized     bool
	defaultDevice string
	backends      map[string]backends.Backend
	owned         map[string]bool
}

// NewRuntime creates a Runtime. Backends are created on first use of each device.
func NewRuntime(opts ...Option) *Runtime {
	o := collectOptions(opts)
	r := &Runtime{
		cache:         o.cache,
		semiring:      o.semiring,
		defaultDevice: o.device,
		backends:      make(map[string]backends.Backend),
		owned:         make(map[string]bool),
	}
	if r.cache == nil {
		r.cache = NewCache()
		r.ownedCache = true
	}
	for _, backend := range o.backends {
		r.backends[backend.Name()] = backend
		if r.defaultDevice == "" {
			r.defaultDevice = backend.Name()
		}
	}
	return r
}

// Cache of compiled kernels used by the runtime.
func (r *Runtime) Cache() *Cache { return r.cache }

// Backend returns the backend for the device, creating it if needed. An empty device selects the
// default device of the runtime.
func (r *Runtime) Backend(device string) (backends.Backend, error) {
	backend, _, err := r.backendFor(device)
	return backend, err
}

// backendFor returns the backend for the device and the device resolved.
func (r *Runtime) backendFor(device string) (backends.Backend, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil, "", errors.New("jit: runtime already finalized")
	}
	if device == "" {
		device = r.defaultDevice
	}
	if device == "" {
		// Default backend, registered under its own name.
		backend, err := backends.New()
		if err != nil {
			return nil, "", err
		}
		device = backend.Name()
		r.defaultDevice = device
		if existing, found := r.backends[device]; found {
			backend.Finalize()
			return existing, device, nil
		}
		r.backends[device] = backend
		r.owned[device] = true
		klog.V(1).Infof("jit: default device %s: %s", device, backend.Description())
		return backend, device, nil
	}
	if backend, found := r.backends[device]; found {
		return backend, device, nil
	}
	backend, err := backends.NewWithConfig(device)
	if err != nil {
		return nil, "", err
	}
	r.backends[device] = backend
	r.owned[device] = true
	klog.V(1).Infof("jit: device %s: %s", device, backend.Description())
	return backend, device, nil
}

// Compile returns the kernel for the graph and the formats of the operands on the device, from
// the cache if already compiled.
//
// The program is planned with the operands' formats; if the planner can't combine them, or the
// backend can't lower the program, the program is planned again with sparse operands materialized
// as dense arrays, and a warning is logged.
func (r *Runtime) Compile(g *expr.Graph, operands []*tensors.Tensor, device string) (*Exec, error) {
	if len(operands) != g.NumOperands() {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s has %d operands, %d given", g.Equation(), g.NumOperands(), len(operands))
	}
	operandFormats := make([]formats.Format, len(operands))
	for ii, operand := range operands {
		if operand == nil {
			return nil, errors.Wrapf(ErrSignatureMismatch, "operand #%d of %s is nil", ii, g.Equation())
		}
		operandFormats[ii] = operand.Format()
	}
	sr, err := semiring.Resolve(g.Semiring(), g.OperandDTypes()...)
	if err != nil {
		return nil, err
	}
	backend, device, err := r.backendFor(device)
	if err != nil {
		return nil, err
	}
	sig := NewSignature(g, operandFormats, sr, device)
	kernel, err := r.cache.GetOrCompile(sig, func() (backends.Kernel, error) {
		return compileProgram(backend, g, operandFormats, sr)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "jit: compiling %s", sig)
	}
	return &Exec{signature: sig, device: device, kernel: kernel}, nil
}

// compileProgram plans and compiles the graph, falling back to materialized operands once.
func compileProgram(backend backends.Backend, g *expr.Graph, operandFormats []formats.Format, sr *semiring.Semiring) (backends.Kernel, error) {
	program, err := plan.Plan(g, operandFormats, sr)
	if err == nil {
		var kernel backends.Kernel
		kernel, err = backend.Compile(program)
		if err == nil {
			return kernel, nil
		}
	}
	if !errors.Is(err, plan.ErrUnsupportedFormatCombination) && !errors.Is(err, backends.ErrCodegen) {
		return nil, err
	}
	klog.Warningf("jit: %s on %s with formats %v: %v; falling back to dense materialization",
		g.Equation(), backend.Name(), operandFormats, err)
	program, fallbackErr := plan.Fallback(g, operandFormats, sr)
	if fallbackErr != nil {
		return nil, errors.WithMessagef(fallbackErr, "fallback planning (after %v)", err)
	}
	kernel, fallbackErr := backend.Compile(program)
	if fallbackErr != nil {
		return nil, errors.WithMessagef(fallbackErr, "fallback compilation (after %v)", err)
	}
	return kernel, nil
}

// Einsum contracts the operands as described by the equation (e.g. "ij,jk->ik"), compiling the
// kernel on first use of its Signature.
//
// Options WithDevice and WithSemiring override the runtime defaults for this call.
func (r *Runtime) Einsum(equation string, operands []*tensors.Tensor, opts ...Option) (*tensors.Tensor, error) {
	o := collectOptions(opts)
	if o.runtimeOnly {
		return nil, errors.New("jit: WithBackend and WithCache are only valid for NewRuntime")
	}
	semiringName := o.semiring
	if semiringName == "" {
		semiringName = r.semiring
	}
	operandShapes := make([]shapes.Shape, len(operands))
	for ii, operand := range operands {
		if operand == nil {
			return nil, errors.Wrapf(ErrSignatureMismatch, "operand #%d of %q is nil", ii, equation)
		}
		operandShapes[ii] = operand.Shape()
	}
	g, err := expr.Parse(equation, semiringName, operandShapes...)
	if err != nil {
		return nil, err
	}
	exec, err := r.Compile(g, operands, o.device)
	if err != nil {
		return nil, err
	}
	return exec.Run(operands...)
}

// Finalize releases the backends created by the runtime, and resets its cache if the runtime
// created it. The runtime can't be used afterwards.
func (r *Runtime) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	if r.ownedCache {
		r.cache.Reset()
	}
	for device, backend := range r.backends {
		if r.owned[device] {
			backend.Finalize()
		}
	}
	r.backends = nil
	r.owned = nil
}
