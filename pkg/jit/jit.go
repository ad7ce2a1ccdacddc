// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package jit compiles semiring tensor contractions into kernels on first use, caches them by
// signature and executes them on the CPU or GPU backends.
//
// A signature is made of the expression, the storage formats and dtypes of the operands, the
// semiring and the device: operands of any dimensions matching a signature share its kernel.
//
// Example:
//
//	result, err := jit.Einsum("ij,jk->ik", []*tensors.Tensor{a, b}, jit.WithSemiring("min,+"))
//
// The package level functions use a process-wide Runtime, see Init, Default and Shutdown.
// Programs that need isolated caches or backends create their own with NewRuntime.
package jit

import (
	"sync"

	"github.com/gomlx/einjit/backends"
	_ "github.com/gomlx/einjit/backends/default"
	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/tensors"
)

// Errors returned (wrapped) by the runtime. Use errors.Is to check for them.
var (
	ErrShapeMismatch                = expr.ErrShapeMismatch
	ErrInvalidEquation              = expr.ErrInvalidEquation
	ErrUnsupportedSemiring          = semiring.ErrUnsupportedSemiring
	ErrUnsupportedFormatCombination = plan.ErrUnsupportedFormatCombination
	ErrCodegen                      = backends.ErrCodegen
	ErrSignatureMismatch            = backends.ErrSignatureMismatch
	ErrInvalidTensor                = tensors.ErrInvalid
)

var (
	defaultMu      sync.Mutex
	defaultRuntime *Runtime
)

// Init replaces the process-wide runtime by a new one created with the options, finalizing the
// previous one if any.
func Init(opts ...Option) *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRuntime != nil {
		defaultRuntime.Finalize()
	}
	defaultRuntime = NewRuntime(opts...)
	return defaultRuntime
}

// Default returns the process-wide runtime, creating it with default options if Init wasn't called.
func Default() *Runtime {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRuntime == nil {
		defaultRuntime = NewRuntime()
	}
	return defaultRuntime
}

// Shutdown finalizes the process-wide runtime. A later use creates a new one.
func Shutdown() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRuntime != nil {
		defaultRuntime.Finalize()
		defaultRuntime = nil
	}
}

// Einsum runs Runtime.Einsum on the process-wide runtime.
func Einsum(equation string, operands []*tensors.Tensor, opts ...Option) (*tensors.Tensor, error) {
	return Default().Einsum(equation, operands, opts...)
}
