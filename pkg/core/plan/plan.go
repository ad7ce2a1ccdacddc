// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plan turns an expression graph plus the storage formats of its operands into a
// Program: a sequence of steps, each one a single contraction with a loop schedule.
//
// A schedule is the order in which the index labels are iterated (one Level per label, or
// per group of labels for COO operands), how each level is traversed (a dense loop, a walk
// over a compressed segment or a scan over COO triplets), how every operand is accessed at
// each level and the format of the output.
//
// Output formats come from a fixed table (see InferOutputFormat). Combinations not in the table,
// or whose operands can't be traversed in any consistent order, fail with
// ErrUnsupportedFormatCombination. Fallback plans the same expression with sparse operands
// materialized as dense arrays plus a structural mask, which can always be scheduled.
package plan

import (
	"fmt"
	"strings"

	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnsupportedFormatCombination is returned (wrapped) when no schedule or output format exists for
// the formats of the operands.
var ErrUnsupportedFormatCombination = errors.New("unsupported format combination")

// Program is the planned execution of an expression graph: its steps are run in order, each
// one taking program inputs or results of previous steps, and the last step produces the result.
//
// Programs are immutable and don't depend on dimensions: those are read from the operands on
// every execution.
type Program struct {
	// ExpressionKey is the canonical identity of the expression graph.
	ExpressionKey string

	// Semiring used by every step.
	Semiring *semiring.Semiring

	// InputLabels, InputFormats and InputDTypes describe each program input.
	InputLabels  []expr.Labels
	InputFormats []formats.Format
	InputDTypes  []dtypes.DType

	// Steps in execution order.
	Steps []*Step

	// Fallback is set if sparse operands are materialized as dense.
	Fallback bool
}

// Output returns the last step, which produces the program result.
func (p *Program) Output() *Step {
	return p.Steps[len(p.Steps)-1]
}

// OutputFormat is the storage format of the result.
func (p *Program) OutputFormat() formats.Format {
	return p.Output().OutputFormat
}

// OutputLabels are the labels of the result's axes.
func (p *Program) OutputLabels() expr.Labels {
	return p.Output().Output
}

// String implements fmt.Stringer.
func (p *Program) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Program(%s, semiring=%s", p.ExpressionKey, p.Semiring)
	if p.Fallback {
		sb.WriteString(", fallback")
	}
	sb.WriteString("):\n")
	for ii, step := range p.Steps {
		_, _ = fmt.Fprintf(&sb, "step #%d:\n%s", ii, step)
	}
	return sb.String()
}

// OperandRef refers to either a program input or the result of a previous step.
type OperandRef struct {
	// Input is the program input index, or -1.
	Input int

	// Step is the index of the step producing the operand, or -1.
	Step int
}

// IsInput returns whether the reference is to a program input.
func (r OperandRef) IsInput() bool { return r.Input >= 0 }

// String implements fmt.Stringer.
func (r OperandRef) String() string {
	if r.IsInput() {
		return fmt.Sprintf("in%d", r.Input)
	}
	return fmt.Sprintf("t%d", r.Step)
}

// Operand of a step.
type Operand struct {
	Ref    OperandRef
	Labels expr.Labels

	// Format of the operand as stored.
	Format formats.Format

	// Materialized is set for sparse operands that are converted to a dense array, with absent
	// elements set to the semiring identity, and a structural mask before running the step.
	// Their accesses are all AccessDense and the mask is checked at every matched coordinate.
	Materialized bool
}

// AccessFormat returns the format in which the step traverses the operand.
func (o Operand) AccessFormat() formats.Format {
	if o.Materialized {
		return formats.Dense
	}
	return o.Format
}

// Plan builds the Program for the graph, whose inputs are stored in inputFormats, using the
// resolved semiring.
//
// Graphs with contractions of more than two operands are first factorized into chains of
// binary contractions, and contractions that don't contribute to the output are removed.
func Plan(g *expr.Graph, inputFormats []formats.Format, sr *semiring.Semiring) (*Program, error) {
	return plan(g, inputFormats, sr, false)
}

// Fallback plans the graph with every sparse operand materialized as dense. The output keeps the
// format given by the format table when there is one, and is Dense otherwise.
func Fallback(g *expr.Graph, inputFormats []formats.Format, sr *semiring.Semiring) (*Program, error) {
	return plan(g, inputFormats, sr, true)
}

func plan(g *expr.Graph, inputFormats []formats.Format, sr *semiring.Semiring, materialize bool) (*Program, error) {
	if len(inputFormats) != g.NumOperands() {
		return nil, errors.Errorf("plan: graph has %d operands, %d formats given", g.NumOperands(), len(inputFormats))
	}
	for ii, input := range g.Inputs() {
		if !inputFormats[ii].SupportsRank(input.Labels().Rank()) {
			return nil, errors.Wrapf(ErrUnsupportedFormatCombination, "operand #%d of rank %d can't be stored as %s",
				ii, input.Labels().Rank(), inputFormats[ii])
		}
	}
	g, err := RunPasses(g, inputFormats, DefaultPasses()...)
	if err != nil {
		return nil, err
	}

	p := &Program{
		ExpressionKey: g.Key(),
		Semiring:      sr,
		InputLabels:   g.OperandLabels(),
		InputFormats:  inputFormats,
		InputDTypes:   g.OperandDTypes(),
		Fallback:      materialize,
	}
	stepOf := make(map[*expr.Node]int)
	formatOf := make(map[*expr.Node]formats.Format)
	for ii, input := range g.Inputs() {
		formatOf[input] = inputFormats[ii]
	}
	for _, node := range g.Contractions() {
		operands := make([]Operand, len(node.Inputs()))
		for ii, input := range node.Inputs() {
			ref := OperandRef{Input: input.InputIndex(), Step: -1}
			if input.Kind() == expr.KindContraction {
				ref = OperandRef{Input: -1, Step: stepOf[input]}
			}
			operands[ii] = Operand{
				Ref:          ref,
				Labels:       input.Labels(),
				Format:       formatOf[input],
				Materialized: materialize && formatOf[input].IsSparse(),
			}
		}
		step, err := NewStep(operands, node.Labels())
		if err != nil {
			return nil, errors.WithMessagef(err, "planning %s (semiring %s)", node, sr.Name)
		}
		stepOf[node] = len(p.Steps)
		formatOf[node] = step.OutputFormat
		p.Steps = append(p.Steps, step)
	}
	if klog.V(1).Enabled() {
		klog.Infof("plan: %s", p)
	}
	return p, nil
}
