// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// AxisBindings maps index labels to the concrete dimension they are bound to.
//
// A label shared by several operands must be bound to the same dimension in all of them.
type AxisBindings map[rune]int

// Key returns a canonical string representation for map keying.
// Format: "i=8,j=16" with labels sorted.
// Returns empty string for empty or nil bindings.
func (ab AxisBindings) Key() string {
	if len(ab) == 0 {
		return ""
	}
	labels := make([]rune, 0, len(ab))
	for label := range ab {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	parts := make([]string, len(labels))
	for i, label := range labels {
		parts[i] = fmt.Sprintf("%c=%d", label, ab[label])
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy of the bindings.
func (ab AxisBindings) Clone() AxisBindings {
	if ab == nil {
		return nil
	}
	clone := make(AxisBindings, len(ab))
	for k, v := range ab {
		clone[k] = v
	}
	return clone
}

// Bind binds label to dim. It returns an error if the label is already bound to a different dimension.
func (ab AxisBindings) Bind(label rune, dim int) error {
	if existing, ok := ab[label]; ok && existing != dim {
		return errors.Errorf("conflicting dimensions for label %q: %d vs %d", label, existing, dim)
	}
	ab[label] = dim
	return nil
}

// Merge combines bindings from another AxisBindings into this one.
// Returns an error if there are conflicting values for the same label.
func (ab AxisBindings) Merge(other AxisBindings) error {
	for label, dim := range other {
		if err := ab.Bind(label, dim); err != nil {
			return err
		}
	}
	return nil
}

// Dimensions returns the bound dimensions for the given labels, in order.
// It returns an error if any of the labels is unbound.
func (ab AxisBindings) Dimensions(labels []rune) ([]int, error) {
	dims := make([]int, len(labels))
	for ii, label := range labels {
		dim, found := ab[label]
		if !found {
			return nil, errors.Errorf("label %q is not bound to any dimension", label)
		}
		dims[ii] = dim
	}
	return dims, nil
}
