// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"
	"strings"

	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type stepFn func(operands []backends.StepOperand, output shapes.Shape) (*tensors.Tensor, error)

// Kernel is a program compiled for the CPU.
type Kernel struct {
	backend *Backend
	program *plan.Program
	steps   []stepFn
	source  string
}

// Compile-time check that cpu.Kernel implements backends.Kernel.
var _ backends.Kernel = &Kernel{}

// Compile lowers every step of the program.
func (b *Backend) Compile(program *plan.Program) (backends.Kernel, error) {
	if err := Capabilities.Check(BackendName, program); err != nil {
		return nil, err
	}
	k := &Kernel{backend: b, program: program}
	switch program.Semiring.ComputeDType {
	case dtypes.Float32:
		k.steps = lowerSteps[float32](b, program)
	case dtypes.Float64:
		k.steps = lowerSteps[float64](b, program)
	default:
		return nil, errors.Wrapf(backends.ErrCodegen, "cpu backend can't compute in %s", program.Semiring.ComputeDType)
	}
	k.source = generateSource(program)
	klog.V(1).Infof("cpu: compiled %s (%d steps, output %s)", program.ExpressionKey, len(program.Steps), program.OutputFormat())
	return k, nil
}

func lowerSteps[T number](b *Backend, program *plan.Program) []stepFn {
	steps := make([]stepFn, len(program.Steps))
	for ii, step := range program.Steps {
		ls := lowerStep[T](step, program.Semiring)
		steps[ii] = func(operands []backends.StepOperand, output shapes.Shape) (*tensors.Tensor, error) {
			return ls.execute(b.workers, b.minChunk, operands, output)
		}
	}
	return steps
}

// Program the kernel was compiled from.
func (k *Kernel) Program() *plan.Program { return k.program }

// Source returns the loop nests of the kernel in pseudo-code.
func (k *Kernel) Source() string { return k.source }

// Execute implements backends.Kernel.
func (k *Kernel) Execute(ec *backends.ExecutionContext, operands ...*tensors.Tensor) (*tensors.Tensor, error) {
	var result *tensors.Tensor
	var execErr error
	err := exceptions.TryCatch[error](func() {
		result, execErr = backends.RunProgram(ec, k.program, operands,
			func(stepIdx int, _ *plan.Step, stepOperands []backends.StepOperand, output shapes.Shape) (*tensors.Tensor, error) {
				return k.steps[stepIdx](stepOperands, output)
			})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: cpu kernel for %s panicked", ec, k.program.ExpressionKey)
	}
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

// generateSource renders the program as nested Go-like loops.
func generateSource(program *plan.Program) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "// cpu kernel for %s, semiring %s\n", program.ExpressionKey, program.Semiring)
	if program.Fallback {
		sb.WriteString("// sparse operands materialized as dense with structural masks\n")
	}
	for stepIdx, step := range program.Steps {
		_, _ = fmt.Fprintf(&sb, "func step%d(", stepIdx)
		for ii, op := range step.Operands {
			if ii > 0 {
				sb.WriteString(", ")
			}
			_, _ = fmt.Fprintf(&sb, "%s %s[%s]", op.Ref, op.AccessFormat(), op.Labels)
		}
		_, _ = fmt.Fprintf(&sb, ") (out %s[%s]) {\n", step.OutputFormat, step.Output)
		indent := "\t"
		for levelIdx, level := range step.Levels {
			if levelIdx == 0 {
				_, _ = fmt.Fprintf(&sb, "%s// split among workers\n", indent)
			}
			switch level.Traversal {
			case plan.DenseLoop:
				_, _ = fmt.Fprintf(&sb, "%sfor %c := range extent[%c] {\n", indent, level.Labels[0], level.Labels[0])
			case plan.CompressedWalk:
				driver := step.Operands[level.Driver].Ref
				_, _ = fmt.Fprintf(&sb, "%sfor p%d := %s.lo; p%d < %s.hi; p%d++ {  %c = %s.indices[p%d]\n",
					indent, level.Driver, driver, level.Driver, driver, level.Driver, level.Labels[0], driver, level.Driver)
			case plan.TripletScan:
				driver := step.Operands[level.Driver].Ref
				_, _ = fmt.Fprintf(&sb, "%sfor p%d := range %s.nnz {  %s = %s.coords[p%d]\n",
					indent, level.Driver, driver, level.Labels, driver, level.Driver)
			}
			indent += "\t"
			for _, access := range level.Accesses {
				ref := step.Operands[access.Operand].Ref
				switch access.Kind {
				case plan.AccessSegment:
					label := step.Operands[access.Operand].Labels[access.Axis]
					_, _ = fmt.Fprintf(&sb, "%s%s.lo, %s.hi = %s.indptr[%c], %s.indptr[%c+1]; if empty { continue }\n",
						indent, ref, ref, ref, label, ref, label)
				case plan.AccessSearch:
					label := step.Operands[access.Operand].Labels[access.Axis]
					_, _ = fmt.Fprintf(&sb, "%sp%d = search(%s.indices[%s.lo:%s.hi], %c); if absent { continue }\n",
						indent, access.Operand, ref, ref, ref, label)
				}
			}
		}
		var factors []string
		for ii, op := range step.Operands {
			factors = append(factors, fmt.Sprintf("%s[p%d]", op.Ref, ii))
		}
		_, _ = fmt.Fprintf(&sb, "%sout[%s] = %s(out[%s], %s)\n", indent, step.Output,
			program.Semiring.Reduce, step.Output, strings.Join(factors, " "+string(program.Semiring.Combine)+" "))
		for range step.Levels {
			indent = indent[:len(indent)-1]
			_, _ = fmt.Fprintf(&sb, "%s}\n", indent)
		}
		sb.WriteString("}\n")
	}
	return sb.String()
}
