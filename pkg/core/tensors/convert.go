// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"cmp"
	"slices"

	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ToDense returns the tensor in dense format, with absent elements set to zero.
// Repeated COO coordinates marked SumDuplicates are summed.
//
// If t is already dense it is returned as is.
func (t *Tensor) ToDense() *Tensor {
	if t.Format() == formats.Dense {
		return t
	}
	dense, _ := t.Materialize(0)
	return dense
}

// Materialize returns a dense copy of the tensor where absent elements are set to fill, along
// with the structural mask: mask[i] is true if the row-major element i is stored.
//
// For dense tensors the mask is all true.
func (t *Tensor) Materialize(fill float64) (dense *Tensor, mask []bool) {
	switch flat := t.Flat().(type) {
	case []float32:
		return materialize(t, flat, fill)
	case []float64:
		return materialize(t, flat, fill)
	case []float16.Float16:
		return materialize(t, flat, fill)
	case []bfloat16.BFloat16:
		return materialize(t, flat, fill)
	}
	exceptions.Panicf("tensors: unsupported values type %T", t.Flat())
	return
}

func materialize[T Supported](t *Tensor, flat []T, fill float64) (*Tensor, []bool) {
	size := t.shape.Size()
	mask := make([]bool, size)
	if t.Format() == formats.Dense {
		for ii := range mask {
			mask[ii] = true
		}
		return &Tensor{shape: t.shape, storage: &DenseStorage{flat: slices.Clone(flat)}}, mask
	}
	denseFlat := filled(size, FromFloat64[T](fill))
	strides := t.shape.Strides()
	for coord, pos := range t.Iter() {
		idx := 0
		for axis, c := range coord {
			idx += c * strides[axis]
		}
		if mask[idx] {
			// Only reachable for COO with SumDuplicates.
			denseFlat[idx] = FromFloat64[T](ToFloat64(denseFlat[idx]) + ToFloat64(flat[pos]))
		} else {
			denseFlat[idx] = flat[pos]
			mask[idx] = true
		}
	}
	return &Tensor{shape: t.shape, storage: &DenseStorage{flat: denseFlat}}, mask
}

// Canonical returns a COO tensor marked SumDuplicates with repeated coordinates summed and all
// coordinates in row-major order, marked NoDuplicates. For every other tensor it returns t.
func (t *Tensor) Canonical() *Tensor {
	coo, ok := t.storage.(*CoordinateStorage)
	if !ok || coo.duplicates == NoDuplicates {
		return t
	}
	linear := linearIndices(coo, t.shape.Dimensions)
	perm := sortedPermutation(linear)
	flat := toFloat64Slice(coo.flat)
	uniqueLinear := make([]int, 0, len(perm))
	var sums []float64
	for _, pos := range perm {
		if n := len(uniqueLinear); n > 0 && uniqueLinear[n-1] == linear[pos] {
			sums[n-1] += flat[pos]
			continue
		}
		uniqueLinear = append(uniqueLinear, linear[pos])
		sums = append(sums, flat[pos])
	}
	canonical, err := FromLinear(formats.COO, t.shape, uniqueLinear, ConvertFlat(sums, t.DType()))
	if err != nil {
		panic(errors.WithMessagef(err, "canonicalizing %s", t.shape))
	}
	return canonical
}

// ConvertDType returns a copy of the tensor with values converted to dtype, keeping the
// structure. If the tensor already has dtype it is returned as is.
func (t *Tensor) ConvertDType(dtype dtypes.DType) *Tensor {
	if t.DType() == dtype {
		return t
	}
	if !IsSupportedDType(dtype) {
		exceptions.Panicf("tensors: dtype %s is not supported", dtype)
	}
	flat := ConvertFlat(t.Flat(), dtype)
	shape := t.shape.WithDType(dtype)
	switch s := t.storage.(type) {
	case *CompressedStorage:
		return &Tensor{shape: shape, storage: &CompressedStorage{format: s.format, indptr: s.indptr, indices: s.indices, flat: flat}}
	case *CoordinateStorage:
		return &Tensor{shape: shape, storage: &CoordinateStorage{coords: s.coords, flat: flat, duplicates: s.duplicates}}
	default:
		return &Tensor{shape: shape, storage: &DenseStorage{flat: flat}}
	}
}

// ToFormat returns the tensor converted to the given storage format.
//
// Converting from dense to a sparse format stores the elements that are not zero. Converting
// between sparse formats keeps the structure exactly.
func (t *Tensor) ToFormat(format formats.Format) (*Tensor, error) {
	if !format.SupportsRank(t.Rank()) {
		return nil, errors.Wrapf(ErrInvalid, "format %s can't hold a tensor of shape %s", format, t.shape)
	}
	if format == formats.Dense {
		return t.ToDense(), nil
	}
	if t.Format() == format {
		return t.Canonical(), nil
	}
	src := t.Canonical()
	var linear, positions []int
	if src.Format() == formats.Dense {
		flat := toFloat64Slice(src.Flat())
		for ii, v := range flat {
			if v != 0 {
				linear = append(linear, ii)
				positions = append(positions, ii)
			}
		}
	} else {
		linear = linearIndices(src.storage, src.shape.Dimensions)
		positions = make([]int, len(linear))
		for ii := range positions {
			positions[ii] = ii
		}
	}
	return FromLinear(format, src.shape, linear, gatherFlat(src.Flat(), positions))
}

// FromLinear builds a tensor of the given format from unique row-major linear indices and
// their values, in any order. It takes ownership of flat.
func FromLinear(format formats.Format, shape shapes.Shape, linear []int, flat any) (*Tensor, error) {
	if len(linear) != flatLen(flat) {
		return nil, errors.Wrapf(ErrInvalid, "FromLinear: %d indices for %d values", len(linear), flatLen(flat))
	}
	dims := shape.Dimensions
	switch format {
	case formats.Dense:
		dense := Zeros(shape)
		scatterFlat(dense.Flat(), linear, flat)
		return dense, nil

	case formats.CSR, formats.CSC:
		if shape.Rank() != 2 {
			return nil, errors.Wrapf(ErrInvalid, "%s tensors must be rank 2, got shape %s", format, shape)
		}
		majorAxis := format.MajorAxis()
		majorDim, minorDim := dims[majorAxis], dims[1-majorAxis]
		keys := make([]int, len(linear))
		for ii, idx := range linear {
			row, col := idx/dims[1], idx%dims[1]
			if majorAxis == 0 {
				keys[ii] = row*minorDim + col
			} else {
				keys[ii] = col*minorDim + row
			}
		}
		perm := sortedPermutation(keys)
		indptr := make([]int, majorDim+1)
		indices := make([]int, len(perm))
		for ii, pos := range perm {
			indptr[keys[pos]/minorDim+1]++
			indices[ii] = keys[pos] % minorDim
		}
		for major := range majorDim {
			indptr[major+1] += indptr[major]
		}
		return FromCompressed(format, shape, indptr, indices, gatherFlat(flat, perm))

	case formats.COO:
		perm := sortedPermutation(linear)
		coords := make([][]int, len(dims))
		for axis := range coords {
			coords[axis] = make([]int, len(perm))
		}
		for ii, pos := range perm {
			idx := linear[pos]
			for axis := len(dims) - 1; axis >= 0; axis-- {
				coords[axis][ii] = idx % dims[axis]
				idx /= dims[axis]
			}
		}
		return FromCoordinates(shape, coords, gatherFlat(flat, perm), NoDuplicates)
	}
	return nil, errors.Wrapf(ErrInvalid, "FromLinear: unknown format %s", format)
}

// CompressMasked builds a tensor of the given format holding the elements of the dense
// tensor whose mask entry is true. For formats.Dense it returns dense itself.
func CompressMasked(format formats.Format, dense *Tensor, mask []bool) (*Tensor, error) {
	if dense.Format() != formats.Dense {
		return nil, errors.Wrapf(ErrInvalid, "CompressMasked requires a dense tensor, got %s", dense.Format())
	}
	if format == formats.Dense {
		return dense, nil
	}
	if len(mask) != dense.shape.Size() {
		return nil, errors.Wrapf(ErrInvalid, "CompressMasked: mask has %d entries for shape %s", len(mask), dense.shape)
	}
	var linear []int
	for ii, present := range mask {
		if present {
			linear = append(linear, ii)
		}
	}
	return FromLinear(format, dense.shape, linear, gatherFlat(dense.Flat(), linear))
}

// sortedPermutation returns the permutation that sorts keys, stable on ties.
func sortedPermutation(keys []int) []int {
	perm := make([]int, len(keys))
	for ii := range perm {
		perm[ii] = ii
	}
	slices.SortStableFunc(perm, func(a, b int) int { return cmp.Compare(keys[a], keys[b]) })
	return perm
}

func scatterFlat(dst any, linear []int, src any) {
	switch d := dst.(type) {
	case []float32:
		scatter(d, linear, src.([]float32))
	case []float64:
		scatter(d, linear, src.([]float64))
	case []float16.Float16:
		scatter(d, linear, src.([]float16.Float16))
	case []bfloat16.BFloat16:
		scatter(d, linear, src.([]bfloat16.BFloat16))
	}
}

func scatter[T Supported](dst []T, linear []int, src []T) {
	for ii, idx := range linear {
		dst[idx] = src[ii]
	}
}
