// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/pkg/errors"
)

// Traversal is how a loop level enumerates the values of its labels.
type Traversal int

const (
	// DenseLoop iterates every index in [0, extent).
	DenseLoop Traversal = iota

	// CompressedWalk iterates the positions of the segment of a compressed (CSR/CSC) operand,
	// selected by an outer level. The label takes the stored minor indices.
	CompressedWalk

	// TripletScan iterates the stored values of a COO operand, binding all its labels at once.
	TripletScan
)

// String implements fmt.Stringer.
func (t Traversal) String() string {
	switch t {
	case DenseLoop:
		return "DenseLoop"
	case CompressedWalk:
		return "CompressedWalk"
	case TripletScan:
		return "TripletScan"
	}
	return fmt.Sprintf("Traversal(%d)", int(t))
}

// AccessKind is how an operand is accessed at a level, once the level's labels are bound.
type AccessKind int

const (
	// AccessDense adds index*stride of Axis to the operand's offset.
	AccessDense AccessKind = iota

	// AccessSegment selects the segment of a compressed operand for the bound major index.
	// An empty segment means there is nothing to combine below this level.
	AccessSegment

	// AccessWalk marks the compressed operand driving a CompressedWalk: its position is the
	// walked position.
	AccessWalk

	// AccessSearch looks for the bound minor index in the selected segment of a compressed operand
	// (binary search). If it's absent, there is nothing to combine below this level.
	AccessSearch

	// AccessScan marks the COO operand driving a TripletScan: its position is the triplet number.
	AccessScan
)

var accessNames = []string{"dense", "segment", "walk", "search", "scan"}

// String implements fmt.Stringer.
func (k AccessKind) String() string {
	if int(k) < len(accessNames) {
		return accessNames[k]
	}
	return fmt.Sprintf("AccessKind(%d)", int(k))
}

// Access of one operand at one level.
type Access struct {
	Operand int
	Kind    AccessKind

	// Axis of the operand whose label is bound: the label's axis for AccessDense, the major
	// axis for AccessSegment and the minor axis for AccessWalk/AccessSearch. -1 for AccessScan.
	Axis int
}

// Level of the loop nest of a step.
type Level struct {
	// Labels bound by the level: one label, or all labels of the COO operand for TripletScan.
	Labels expr.Labels

	Traversal Traversal

	// Driver is the operand whose storage is enumerated by CompressedWalk or TripletScan, -1 for DenseLoop.
	Driver int

	// Reduces is set if any label of the level is contracted (absent from the output).
	Reduces bool

	// Accesses to perform, in order, after binding the labels. The driver's access comes first.
	Accesses []Access
}

// Step is a single contraction of its operands into Output, with its loop schedule.
type Step struct {
	Operands     []Operand
	Output       expr.Labels
	OutputFormat formats.Format

	// Contracted labels, in order of first appearance.
	Contracted expr.Labels

	// Levels of the loop nest, outermost first.
	Levels []Level
}

// Labels returns the labels of every operand.
func (s *Step) Labels() []expr.Labels {
	labels := make([]expr.Labels, len(s.Operands))
	for ii, op := range s.Operands {
		labels[ii] = op.Labels
	}
	return labels
}

// OutputMajorLevel returns whether the outermost level binds exactly the label of the output's
// major axis, for compressed outputs. In that case every output segment is completed within one
// iteration of the outermost level.
func (s *Step) OutputMajorLevel() bool {
	if !s.OutputFormat.IsCompressed() || len(s.Levels) == 0 {
		return false
	}
	outer := s.Levels[0]
	return len(outer.Labels) == 1 && outer.Labels[0] == s.Output[s.OutputFormat.MajorAxis()]
}

// HasMask returns whether any operand is materialized with a structural mask.
func (s *Step) HasMask() bool {
	return slices.ContainsFunc(s.Operands, func(op Operand) bool { return op.Materialized })
}

// NewStep schedules the contraction of the operands into output.
func NewStep(operands []Operand, output expr.Labels) (*Step, error) {
	labels := make([]expr.Labels, len(operands))
	opFormats := make([]formats.Format, len(operands))
	materialized := false
	for ii, op := range operands {
		labels[ii] = op.Labels
		opFormats[ii] = op.Format
		materialized = materialized || op.Materialized
	}
	outputFormat, err := InferOutputFormat(labels, opFormats, output)
	if err != nil {
		if !materialized {
			return nil, err
		}
		outputFormat = formats.Dense
	}
	step := &Step{
		Operands:     slices.Clone(operands),
		Output:       output,
		OutputFormat: outputFormat,
	}
	for _, opLabels := range labels {
		for _, label := range opLabels {
			if !output.Has(label) && !step.Contracted.Has(label) {
				step.Contracted = append(step.Contracted, label)
			}
		}
	}
	step.Levels, err = schedule(step.Operands, output)
	if err != nil {
		return nil, err
	}
	return step, nil
}

// unit of iteration: a single label, or the labels of a COO operand scanned together.
type unit struct {
	labels   expr.Labels
	coo      int
	retained bool
	priority int
}

// schedule orders the labels and builds the levels.
//
// Retained labels go outermost, in output order, and contracted labels innermost, in order
// of appearance, subject to the storage order of compressed operands (major before minor).
func schedule(operands []Operand, output expr.Labels) ([]Level, error) {
	var allLabels expr.Labels
	for _, op := range operands {
		for _, label := range op.Labels {
			if !allLabels.Has(label) {
				allLabels = append(allLabels, label)
			}
		}
	}
	unitOf := make(map[rune]int)
	var units []*unit
	for opIdx, op := range operands {
		if op.AccessFormat() != formats.COO {
			continue
		}
		for _, label := range op.Labels {
			if _, found := unitOf[label]; found {
				return nil, errors.Wrapf(ErrUnsupportedFormatCombination,
					"label %q is shared by more than one COO operand", label)
			}
			unitOf[label] = len(units)
		}
		units = append(units, &unit{labels: op.Labels, coo: opIdx})
	}
	for _, label := range allLabels {
		if _, found := unitOf[label]; !found {
			unitOf[label] = len(units)
			units = append(units, &unit{labels: expr.Labels{label}, coo: -1})
		}
	}
	for _, u := range units {
		u.priority = len(output) + len(allLabels)
		for _, label := range u.labels {
			if idx := output.Index(label); idx >= 0 {
				u.retained = true
				u.priority = min(u.priority, idx)
			}
		}
		if !u.retained {
			u.priority = len(output) + allLabels.Index(u.labels[0])
		}
	}

	// Precedence: major before minor for compressed operands.
	predecessors := make([][]int, len(units))
	for _, op := range operands {
		if !op.AccessFormat().IsCompressed() {
			continue
		}
		major := unitOf[op.Labels[op.Format.MajorAxis()]]
		minor := unitOf[op.Labels[1-op.Format.MajorAxis()]]
		if major != minor && !slices.Contains(predecessors[minor], major) {
			predecessors[minor] = append(predecessors[minor], major)
		}
	}

	placed := make([]bool, len(units))
	var order []*unit
	for len(order) < len(units) {
		best := -1
		for uIdx, u := range units {
			if placed[uIdx] {
				continue
			}
			ready := true
			for _, pred := range predecessors[uIdx] {
				ready = ready && placed[pred]
			}
			if ready && (best < 0 || u.priority < units[best].priority) {
				best = uIdx
			}
		}
		if best < 0 {
			return nil, errors.Wrapf(ErrUnsupportedFormatCombination,
				"compressed operands %s require incompatible iteration orders", describeOperands(operands))
		}
		placed[best] = true
		order = append(order, units[best])
	}

	levels := make([]Level, 0, len(order))
	for _, u := range order {
		levels = append(levels, newLevel(u, operands, output))
	}
	return levels, nil
}

func newLevel(u *unit, operands []Operand, output expr.Labels) Level {
	level := Level{Labels: u.labels, Driver: -1}
	for _, label := range u.labels {
		level.Reduces = level.Reduces || !output.Has(label)
	}
	if u.coo >= 0 {
		level.Traversal = TripletScan
		level.Driver = u.coo
		level.Accesses = append(level.Accesses, Access{Operand: u.coo, Kind: AccessScan, Axis: -1})
	} else {
		label := u.labels[0]
		for opIdx, op := range operands {
			if op.AccessFormat().IsCompressed() && op.Labels[1-op.Format.MajorAxis()] == label {
				level.Traversal = CompressedWalk
				level.Driver = opIdx
				level.Accesses = append(level.Accesses, Access{Operand: opIdx, Kind: AccessWalk, Axis: 1 - op.Format.MajorAxis()})
				break
			}
		}
	}
	for opIdx, op := range operands {
		if opIdx == level.Driver {
			continue
		}
		if op.AccessFormat().IsCompressed() {
			majorAxis := op.Format.MajorAxis()
			if u.labels.Has(op.Labels[majorAxis]) {
				level.Accesses = append(level.Accesses, Access{Operand: opIdx, Kind: AccessSegment, Axis: majorAxis})
			}
			if u.labels.Has(op.Labels[1-majorAxis]) {
				level.Accesses = append(level.Accesses, Access{Operand: opIdx, Kind: AccessSearch, Axis: 1 - majorAxis})
			}
			continue
		}
		for axis, label := range op.Labels {
			if u.labels.Has(label) {
				level.Accesses = append(level.Accesses, Access{Operand: opIdx, Kind: AccessDense, Axis: axis})
			}
		}
	}
	return level
}

func describeOperands(operands []Operand) string {
	parts := make([]string, len(operands))
	for ii, op := range operands {
		parts[ii] = op.Labels.String() + ":" + op.AccessFormat().String()
	}
	return strings.Join(parts, ",")
}

// String returns the loop nest in pseudo-code.
func (s *Step) String() string {
	var sb strings.Builder
	names := make([]string, len(s.Operands))
	for ii, op := range s.Operands {
		names[ii] = op.Ref.String()
		suffix := ""
		if op.Materialized {
			suffix = ", materialized"
		}
		_, _ = fmt.Fprintf(&sb, "  %s: %s %s%s\n", names[ii], op.Labels, op.Format, suffix)
	}
	_, _ = fmt.Fprintf(&sb, "  out: %s %s\n", s.Output, s.OutputFormat)
	indent := "  "
	for _, level := range s.Levels {
		var over string
		switch level.Traversal {
		case DenseLoop:
			over = fmt.Sprintf("0..%c", level.Labels[0])
		case CompressedWalk:
			over = "walk " + names[level.Driver]
		case TripletScan:
			over = "scan " + names[level.Driver]
		}
		accesses := make([]string, 0, len(level.Accesses))
		for _, access := range level.Accesses {
			if access.Operand == level.Driver {
				continue
			}
			accesses = append(accesses, fmt.Sprintf("%s.%s", names[access.Operand], access.Kind))
		}
		_, _ = fmt.Fprintf(&sb, "%sfor %s in %s", indent, level.Labels, over)
		if len(accesses) > 0 {
			_, _ = fmt.Fprintf(&sb, "  [%s]", strings.Join(accesses, " "))
		}
		sb.WriteString("\n")
		indent += "  "
	}
	_, _ = fmt.Fprintf(&sb, "%sout[%s] ⊕= %s\n", indent, s.Output, strings.Join(names, " ⊙ "))
	return sb.String()
}
