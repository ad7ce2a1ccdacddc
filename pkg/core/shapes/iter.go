// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"
)

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout
// in memory, the one used for every dense tensor.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	return StridesFor(s.Dimensions)
}

// StridesFor returns the row-major strides for the given dimensions.
func StridesFor(dimensions []int) (strides []int) {
	rank := len(dimensions)
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= dimensions[axis]
	}
	return
}

// Iter iterates sequentially over all possible indices of the given shape.
//
// It yields the flat index (counter) and a slice of indices for each axis.
//
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return IterDimensions(s.Dimensions)
}

// IterDimensions iterates over all indices of a row-major array with the given dimensions.
// See Shape.Iter.
func IterDimensions(dimensions []int) iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		rank := len(dimensions)
		indices := make([]int, rank)
		for _, dim := range dimensions {
			if dim <= 0 {
				return
			}
		}
		flatIdx := 0
	yielder:
		for {
			if !yield(flatIdx, indices) {
				return
			}
			flatIdx++

			// Increment indices to the next set of coordinates
			// (row-major order: the last index changes fastest).
			for axis := rank - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < dimensions[axis] {
					continue yielder
				}
				// Carry-over to the next higher-order axis.
				indices[axis] = 0
			}
			// All axes overflowed: iteration is complete.
			return
		}
	}
}
