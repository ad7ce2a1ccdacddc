// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ExecutionContext holds the per-call state of one kernel execution.
type ExecutionContext struct {
	// ID of the execution, used in logs.
	ID uuid.UUID

	// Device is the name of the backend executing the kernel.
	Device string

	// Bindings of every label to its dimension, set once the operands are checked.
	Bindings shapes.AxisBindings
}

// NewExecutionContext creates the context for one execution on the given device.
func NewExecutionContext(device string) *ExecutionContext {
	return &ExecutionContext{ID: uuid.New(), Device: device}
}

// String implements fmt.Stringer.
func (ec *ExecutionContext) String() string {
	if ec == nil {
		return "exec<nil>"
	}
	return fmt.Sprintf("exec#%s@%s", ec.ID.String()[:8], ec.Device)
}

// CheckOperands verifies the operands match the program's formats, dtypes and ranks, and binds
// the dimensions of the labels.
//
// It returns an error wrapping ErrSignatureMismatch if formats, dtypes or ranks differ, and
// expr.ErrShapeMismatch if a label is bound to different dimensions.
func CheckOperands(program *plan.Program, operands []*tensors.Tensor) (shapes.AxisBindings, error) {
	if len(operands) != len(program.InputFormats) {
		return nil, errors.Wrapf(ErrSignatureMismatch, "kernel compiled for %d operands, %d given",
			len(program.InputFormats), len(operands))
	}
	dims := make([][]int, len(operands))
	for ii, operand := range operands {
		if operand == nil {
			return nil, errors.Wrapf(ErrSignatureMismatch, "operand #%d is nil", ii)
		}
		if operand.Format() != program.InputFormats[ii] {
			return nil, errors.Wrapf(ErrSignatureMismatch, "operand #%d is %s, kernel compiled for %s",
				ii, operand.Format(), program.InputFormats[ii])
		}
		if operand.DType() != program.InputDTypes[ii] {
			return nil, errors.Wrapf(ErrSignatureMismatch, "operand #%d is %s, kernel compiled for %s",
				ii, operand.DType(), program.InputDTypes[ii])
		}
		if operand.Rank() != program.InputLabels[ii].Rank() {
			return nil, errors.Wrapf(ErrSignatureMismatch, "operand #%d has rank %d, kernel compiled for %q",
				ii, operand.Rank(), program.InputLabels[ii])
		}
		dims[ii] = operand.Dimensions()
	}
	return expr.Bind(program.InputLabels, dims)
}

// StepOperand is an operand of a step ready to be executed.
type StepOperand struct {
	// Tensor in the compute dtype of the semiring. COO tensors are canonical (no duplicates).
	Tensor *tensors.Tensor

	// Mask is the structural mask of materialized operands, nil otherwise.
	Mask []bool
}

// PrepareOperand converts t to the compute dtype of sr and, for materialized operands, to a
// dense array with absent elements set to the identity of ⊕, plus its mask.
func PrepareOperand(t *tensors.Tensor, operand plan.Operand, sr *semiring.Semiring) StepOperand {
	t = t.Canonical().ConvertDType(sr.ComputeDType)
	if operand.Materialized {
		dense, mask := t.Materialize(sr.Identity())
		return StepOperand{Tensor: dense, Mask: mask}
	}
	return StepOperand{Tensor: t}
}

// StepFn runs a single step: it returns the step's result, with the given shape and the step's
// output format, in the compute dtype.
type StepFn func(stepIdx int, step *plan.Step, operands []StepOperand, output shapes.Shape) (*tensors.Tensor, error)

// RunProgram checks the operands and runs the steps of the program in order with runStep, feeding
// step results to the steps that use them. It returns the result of the last step, converted to
// the program's dtype.
func RunProgram(ec *ExecutionContext, program *plan.Program, operands []*tensors.Tensor, runStep StepFn) (*tensors.Tensor, error) {
	bindings, err := CheckOperands(program, operands)
	if err != nil {
		return nil, err
	}
	if ec != nil {
		ec.Bindings = bindings
	}
	sr := program.Semiring
	results := make([]*tensors.Tensor, len(program.Steps))
	for stepIdx, step := range program.Steps {
		stepOperands := make([]StepOperand, len(step.Operands))
		for ii, op := range step.Operands {
			var t *tensors.Tensor
			if op.Ref.IsInput() {
				t = operands[op.Ref.Input]
			} else {
				t = results[op.Ref.Step]
			}
			stepOperands[ii] = PrepareOperand(t, op, sr)
		}
		dims, err := bindings.Dimensions(step.Output)
		if err != nil {
			return nil, errors.Wrapf(expr.ErrShapeMismatch, "%s step #%d: %v", ec, stepIdx, err)
		}
		output := shapes.Make(sr.ComputeDType, dims...)
		if klog.V(2).Enabled() {
			klog.Infof("%s: step #%d -> %s %s", ec, stepIdx, output, step.OutputFormat)
		}
		results[stepIdx], err = runStep(stepIdx, step, stepOperands, output)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s step #%d", ec, stepIdx)
		}
	}
	return results[len(results)-1].ConvertDType(sr.DType), nil
}
