// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromFlat creates a dense tensor with the given dimensions and row-major values.
// The values are copied.
//
// It panics if the number of values doesn't match the dimensions.
func FromFlat[T Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	t, err := FromFlatAny(shape, slices.Clone(flat))
	if err != nil {
		panic(err)
	}
	return t
}

// Full creates a dense tensor with the given dimensions, filled with value.
func Full[T Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	return &Tensor{shape: shape, storage: &DenseStorage{flat: filled(shape.Size(), value)}}
}

// Zeros creates a dense tensor of the given shape filled with zeros.
func Zeros(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape, storage: &DenseStorage{flat: MakeFlat(shape.DType, shape.Size())}}
}

// FromFlatAny creates a dense tensor that takes ownership of flat, which must be a slice of the
// Go type of shape.DType with shape.Size() elements.
func FromFlatAny(shape shapes.Shape, flat any) (*Tensor, error) {
	if err := checkFlat(shape.DType, flat, shape.Size()); err != nil {
		return nil, errors.WithMessagef(err, "dense tensor %s", shape)
	}
	return &Tensor{shape: shape, storage: &DenseStorage{flat: flat}}, nil
}

func checkFlat(dtype dtypes.DType, flat any, n int) error {
	if !IsSupportedDType(dtype) {
		return errors.Wrapf(ErrInvalid, "dtype %s is not supported, only floating point values are", dtype)
	}
	if flatDType := FlatDType(flat); flatDType != dtype {
		return errors.Wrapf(ErrInvalid, "values of type %T don't match dtype %s", flat, dtype)
	}
	if flatLen(flat) != n {
		return errors.Wrapf(ErrInvalid, "got %d values, wanted %d", flatLen(flat), n)
	}
	return nil
}

// NewCSR creates a rows x cols tensor in CSR format. The arrays are copied.
//
// indptr must have rows+1 non-decreasing entries starting at 0, and the column indices of each
// row must be strictly increasing.
func NewCSR[T Supported](rows, cols int, indptr, indices []int, values []T) (*Tensor, error) {
	shape, err := makeShape[T](rows, cols)
	if err != nil {
		return nil, err
	}
	return FromCompressed(formats.CSR, shape, slices.Clone(indptr), slices.Clone(indices), slices.Clone(values))
}

// NewCSC creates a rows x cols tensor in CSC format. The arrays are copied.
//
// indptr must have cols+1 non-decreasing entries starting at 0, and the row indices of each
// column must be strictly increasing.
func NewCSC[T Supported](rows, cols int, indptr, indices []int, values []T) (*Tensor, error) {
	shape, err := makeShape[T](rows, cols)
	if err != nil {
		return nil, err
	}
	return FromCompressed(formats.CSC, shape, slices.Clone(indptr), slices.Clone(indices), slices.Clone(values))
}

// NewCOO creates a tensor in COO format. coords holds one index array per axis, each with
// one entry per value. The arrays are copied.
//
// With NoDuplicates construction fails if a coordinate is repeated.
func NewCOO[T Supported](dimensions []int, coords [][]int, values []T, duplicates Duplicates) (*Tensor, error) {
	shape, err := makeShape[T](dimensions...)
	if err != nil {
		return nil, err
	}
	coordsCopy := make([][]int, len(coords))
	for axis := range coords {
		coordsCopy[axis] = slices.Clone(coords[axis])
	}
	return FromCoordinates(shape, coordsCopy, slices.Clone(values), duplicates)
}

func makeShape[T Supported](dimensions ...int) (shape shapes.Shape, err error) {
	err = exceptions.TryCatch[error](func() { shape = shapes.Make(dtypes.FromGenericsType[T](), dimensions...) })
	if err != nil {
		err = errors.Wrapf(ErrInvalid, "%v", err)
	}
	return
}

// FromCompressed creates a CSR or CSC tensor taking ownership of the given arrays, after validating them.
func FromCompressed(format formats.Format, shape shapes.Shape, indptr, indices []int, flat any) (*Tensor, error) {
	if !format.IsCompressed() {
		return nil, errors.Wrapf(ErrInvalid, "FromCompressed with format %s", format)
	}
	if shape.Rank() != 2 {
		return nil, errors.Wrapf(ErrInvalid, "%s tensors must be rank 2, got shape %s", format, shape)
	}
	majorDim := shape.Dim(format.MajorAxis())
	minorDim := shape.Dim(1 - format.MajorAxis())
	if len(indptr) != majorDim+1 {
		return nil, errors.Wrapf(ErrInvalid, "%s%s: indptr has %d entries, wanted %d", format, shape, len(indptr), majorDim+1)
	}
	if indptr[0] != 0 || indptr[majorDim] != len(indices) {
		return nil, errors.Wrapf(ErrInvalid, "%s%s: indptr must start at 0 and end at len(indices)=%d, got %d and %d",
			format, shape, len(indices), indptr[0], indptr[majorDim])
	}
	if err := checkFlat(shape.DType, flat, len(indices)); err != nil {
		return nil, errors.WithMessagef(err, "%s%s", format, shape)
	}
	for major := range majorDim {
		start, end := indptr[major], indptr[major+1]
		if end < start {
			return nil, errors.Wrapf(ErrInvalid, "%s%s: indptr decreases at %d", format, shape, major)
		}
		for pos := start; pos < end; pos++ {
			minor := indices[pos]
			if minor < 0 || minor >= minorDim {
				return nil, errors.Wrapf(ErrInvalid, "%s%s: index %d out of range at position %d", format, shape, minor, pos)
			}
			if pos > start && indices[pos-1] >= minor {
				return nil, errors.Wrapf(ErrInvalid, "%s%s: indices of segment %d not strictly increasing at position %d",
					format, shape, major, pos)
			}
		}
	}
	return &Tensor{
		shape:   shape,
		storage: &CompressedStorage{format: format, indptr: indptr, indices: indices, flat: flat},
	}, nil
}

// FromCoordinates creates a COO tensor taking ownership of the given arrays, after validating them.
func FromCoordinates(shape shapes.Shape, coords [][]int, flat any, duplicates Duplicates) (*Tensor, error) {
	if !formats.COO.SupportsRank(shape.Rank()) {
		return nil, errors.Wrapf(ErrInvalid, "COO tensors must have rank >= 1, got shape %s", shape)
	}
	if len(coords) != shape.Rank() {
		return nil, errors.Wrapf(ErrInvalid, "COO%s: got %d index arrays, wanted one per axis", shape, len(coords))
	}
	nnz := flatLen(flat)
	if err := checkFlat(shape.DType, flat, nnz); err != nil {
		return nil, errors.WithMessagef(err, "COO%s", shape)
	}
	for axis, axisCoords := range coords {
		if len(axisCoords) != nnz {
			return nil, errors.Wrapf(ErrInvalid, "COO%s: index array of axis %d has %d entries, wanted %d",
				shape, axis, len(axisCoords), nnz)
		}
		dim := shape.Dimensions[axis]
		for k, idx := range axisCoords {
			if idx < 0 || idx >= dim {
				return nil, errors.Wrapf(ErrInvalid, "COO%s: index %d of axis %d out of range at position %d",
					shape, idx, axis, k)
			}
		}
	}
	s := &CoordinateStorage{coords: coords, flat: flat, duplicates: duplicates}
	if duplicates == NoDuplicates {
		linear := linearIndices(s, shape.Dimensions)
		slices.Sort(linear)
		for ii := 1; ii < len(linear); ii++ {
			if linear[ii] == linear[ii-1] {
				return nil, errors.Wrapf(ErrInvalid, "COO%s: repeated coordinate %v, use SumDuplicates to sum them",
					shape, unravel(linear[ii], shape.Dimensions))
			}
		}
	}
	return &Tensor{shape: shape, storage: s}, nil
}

// linearIndices returns the row-major linear index of each stored coordinate.
func linearIndices(s Storage, dimensions []int) []int {
	strides := shapes.StridesFor(dimensions)
	linear := make([]int, 0, s.NNZ())
	for coord := range s.All(dimensions) {
		idx := 0
		for axis, c := range coord {
			idx += c * strides[axis]
		}
		linear = append(linear, idx)
	}
	return linear
}

// unravel converts a row-major linear index to a coordinate.
func unravel(linear int, dimensions []int) []int {
	coord := make([]int, len(dimensions))
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		coord[axis] = linear % dimensions[axis]
		linear /= dimensions[axis]
	}
	return coord
}
