// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package expr

import (
	"slices"
	"strings"
	"unicode"

	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Labels is the ordered list of index labels of an operand or result, one per axis.
type Labels []rune

// ParseLabels parses an operand description like "ij". Labels must be letters, and a label
// can't appear twice in the same operand.
func ParseLabels(desc string) (Labels, error) {
	labels := make(Labels, 0, len(desc))
	for _, r := range strings.TrimSpace(desc) {
		if !unicode.IsLetter(r) {
			return nil, errors.Wrapf(ErrInvalidEquation, "operand description %q: label %q is not a letter", desc, r)
		}
		if labels.Has(r) {
			return nil, errors.Wrapf(ErrShapeMismatch, "operand description %q has label %q appearing more than once", desc, r)
		}
		labels = append(labels, r)
	}
	return labels, nil
}

// MustParseLabels is like ParseLabels, but panics on error.
func MustParseLabels(desc string) Labels {
	labels, err := ParseLabels(desc)
	if err != nil {
		panic(err)
	}
	return labels
}

// Has returns whether the label is present.
func (l Labels) Has(label rune) bool {
	return slices.Contains(l, label)
}

// Index returns the axis of the label, or -1 if it is not present.
func (l Labels) Index(label rune) int {
	return slices.Index(l, label)
}

// String implements fmt.Stringer.
func (l Labels) String() string {
	return string(l)
}

// Rank is the number of labels.
func (l Labels) Rank() int { return len(l) }

// Bind binds each label of each operand to the corresponding dimension, and returns the
// resulting bindings.
//
// It fails with ErrShapeMismatch if an operand's rank differs from its number of labels, or if a
// label shared by operands is bound to different dimensions.
func Bind(operandLabels []Labels, operandDims [][]int) (shapes.AxisBindings, error) {
	if len(operandLabels) != len(operandDims) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d operands described, %d given", len(operandLabels), len(operandDims))
	}
	bindings := make(shapes.AxisBindings)
	for opIdx, labels := range operandLabels {
		dims := operandDims[opIdx]
		if len(dims) != len(labels) {
			return nil, errors.Wrapf(ErrShapeMismatch, "operand #%d has rank %d (dimensions %v), but labels %q describe %d axes",
				opIdx, len(dims), dims, labels, len(labels))
		}
		for axis, label := range labels {
			if err := bindings.Bind(label, dims[axis]); err != nil {
				return nil, errors.Wrapf(ErrShapeMismatch, "operand #%d: %v", opIdx, err)
			}
		}
	}
	return bindings, nil
}
