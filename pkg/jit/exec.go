// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"k8s.io/klog/v2"
)

// Exec is a kernel compiled for one Signature, ready to run on any operands matching it.
// It's safe for concurrent use.
type Exec struct {
	signature Signature
	device    string
	kernel    backends.Kernel
}

// Signature the kernel was compiled for.
func (e *Exec) Signature() Signature { return e.signature }

// Kernel returns the compiled kernel.
func (e *Exec) Kernel() backends.Kernel { return e.kernel }

// Program returns the planned program the kernel was compiled from.
func (e *Exec) Program() *plan.Program { return e.kernel.Program() }

// Source returns the generated code of the kernel.
func (e *Exec) Source() string { return e.kernel.Source() }

// Run executes the kernel on the operands and returns a newly allocated result.
//
// It returns an error wrapping ErrSignatureMismatch if the operands don't match the formats,
// dtypes or ranks the kernel was compiled for.
func (e *Exec) Run(operands ...*tensors.Tensor) (*tensors.Tensor, error) {
	ec := backends.NewExecutionContext(e.device)
	if klog.V(2).Enabled() {
		klog.Infof("%s: running %s", ec, e.signature)
	}
	return e.kernel.Execute(ec, operands...)
}
