// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"maps"
	"slices"

	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
)

// accumulator receives the ⊕ reductions into the output, addressed by row-major linear index.
type accumulator[T number] interface {
	add(linear int, v T)
}

// newAccumulator creates the accumulator for one worker:
//
//   - Dense outputs are accumulated in place, starting from the identity of ⊕.
//   - Compressed outputs whose major label is the outermost level use a row workspace
//     (Gustavson's algorithm), flushed every time the major coordinate changes.
//   - Other sparse outputs use a hash map.
func (ls *loweredStep[T]) newAccumulator(output shapes.Shape) accumulator[T] {
	reduce := ls.ops.Reduce
	switch {
	case ls.step.OutputFormat == formats.Dense:
		values := make([]T, output.Size())
		for ii := range values {
			values[ii] = ls.ops.Identity
		}
		return &denseAccumulator[T]{values: values, reduce: reduce}
	case ls.step.OutputMajorLevel():
		return newRowAccumulator(ls.step.OutputFormat, output, reduce)
	default:
		return &hashAccumulator[T]{values: make(map[int]T), reduce: reduce}
	}
}

type denseAccumulator[T number] struct {
	values []T
	reduce func(a, b T) T
}

func (a *denseAccumulator[T]) add(linear int, v T) {
	a.values[linear] = a.reduce(a.values[linear], v)
}

type hashAccumulator[T number] struct {
	values map[int]T
	reduce func(a, b T) T
}

func (a *hashAccumulator[T]) add(linear int, v T) {
	if current, found := a.values[linear]; found {
		v = a.reduce(current, v)
	}
	a.values[linear] = v
}

// rowAccumulator accumulates one major segment of a compressed output at a time in a dense
// workspace over the minor axis.
type rowAccumulator[T number] struct {
	reduce                   func(a, b T) T
	majorStride, minorStride int
	majorDim, minorDim       int

	row      int
	work     []T
	occupied []bool
	touched  []int

	linear []int
	values []T
}

func newRowAccumulator[T number](format formats.Format, output shapes.Shape, reduce func(a, b T) T) *rowAccumulator[T] {
	majorAxis := format.MajorAxis()
	strides := output.Strides()
	minorDim := output.Dimensions[1-majorAxis]
	return &rowAccumulator[T]{
		reduce:      reduce,
		majorStride: strides[majorAxis],
		minorStride: strides[1-majorAxis],
		majorDim:    output.Dimensions[majorAxis],
		minorDim:    minorDim,
		row:         -1,
		work:        make([]T, minorDim),
		occupied:    make([]bool, minorDim),
	}
}

func (a *rowAccumulator[T]) add(linear int, v T) {
	major := (linear / a.majorStride) % a.majorDim
	minor := (linear / a.minorStride) % a.minorDim
	if major != a.row {
		a.flush()
		a.row = major
	}
	if a.occupied[minor] {
		a.work[minor] = a.reduce(a.work[minor], v)
		return
	}
	a.occupied[minor] = true
	a.work[minor] = v
	a.touched = append(a.touched, minor)
}

func (a *rowAccumulator[T]) flush() {
	if a.row < 0 {
		return
	}
	slices.Sort(a.touched)
	for _, minor := range a.touched {
		a.linear = append(a.linear, a.row*a.majorStride+minor*a.minorStride)
		a.values = append(a.values, a.work[minor])
		a.occupied[minor] = false
	}
	a.touched = a.touched[:0]
}

// assemble merges the accumulators of the workers into the output tensor.
func (ls *loweredStep[T]) assemble(output shapes.Shape, accs []accumulator[T]) (*tensors.Tensor, error) {
	reduce := ls.ops.Reduce
	switch first := accs[0].(type) {
	case *denseAccumulator[T]:
		for _, acc := range accs[1:] {
			for ii, v := range acc.(*denseAccumulator[T]).values {
				first.values[ii] = reduce(first.values[ii], v)
			}
		}
		return tensors.FromFlatAny(output, first.values)

	case *rowAccumulator[T]:
		var linear []int
		var values []T
		for _, acc := range accs {
			rows := acc.(*rowAccumulator[T])
			rows.flush()
			linear = append(linear, rows.linear...)
			values = append(values, rows.values...)
		}
		return tensors.FromLinear(ls.step.OutputFormat, output, linear, values)

	default:
		merged := accs[0].(*hashAccumulator[T]).values
		for _, acc := range accs[1:] {
			for linear, v := range acc.(*hashAccumulator[T]).values {
				if current, found := merged[linear]; found {
					v = reduce(current, v)
				}
				merged[linear] = v
			}
		}
		linear := slices.Sorted(maps.Keys(merged))
		values := make([]T, len(linear))
		for ii, idx := range linear {
			values[ii] = merged[idx]
		}
		return tensors.FromLinear(ls.step.OutputFormat, output, linear, values)
	}
}
