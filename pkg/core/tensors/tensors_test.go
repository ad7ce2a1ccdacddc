// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"slices"
	"testing"

	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// fixtureCSR is a 5x5 matrix with 9 stored values, symmetric in structure.
func fixtureCSR(t *testing.T) *Tensor {
	csr, err := NewCSR(5, 5,
		[]int{0, 2, 4, 5, 7, 9},
		[]int{0, 3, 1, 4, 2, 0, 3, 1, 4},
		[]float64{1, 1.4, 2, 2.5, 3, 4.1, 4, 5.2, 5})
	require.NoError(t, err)
	return csr
}

var fixtureDense = []float64{
	1, 0, 0, 1.4, 0,
	0, 2, 0, 0, 2.5,
	0, 0, 3, 0, 0,
	4.1, 0, 0, 4, 0,
	0, 5.2, 0, 0, 5,
}

func TestDense(t *testing.T) {
	dense := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, formats.Dense, dense.Format())
	assert.Equal(t, dtypes.Float32, dense.DType())
	assert.Equal(t, []int{2, 3}, dense.Dimensions())
	assert.Equal(t, 6, dense.NNZ())
	assert.Equal(t, uintptr(24), dense.Memory())
	assert.Same(t, dense, dense.ToDense())
	require.Panics(t, func() { FromFlat([]float32{1, 2, 3}, 2, 2) })

	full := Full(2.7, 3, 2)
	assert.Equal(t, []float64{2.7, 2.7, 2.7, 2.7, 2.7, 2.7}, Values[float64](full))
	require.Panics(t, func() { _ = Values[float32](full) })

	var coords [][]int
	var positions []int
	for coord, pos := range dense.Iter() {
		coords = append(coords, slices.Clone(coord))
		positions = append(positions, pos)
	}
	assert.Equal(t, [][]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}, coords)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, positions)
}

func TestCSR(t *testing.T) {
	csr := fixtureCSR(t)
	assert.Equal(t, formats.CSR, csr.Format())
	assert.Equal(t, 9, csr.NNZ())
	assert.Equal(t, fixtureDense, DenseValues[float64](csr))

	storage := csr.Storage().(*CompressedStorage)
	assert.Equal(t, 0, storage.MajorAxis())
	indptr := storage.Indptr()
	assert.Equal(t, []int{0, 3}, storage.Indices()[indptr[3]:indptr[4]])

	// Invalid descriptors.
	_, err := NewCSR(2, 2, []int{0, 1}, []int{0}, []float32{1})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = NewCSR(2, 2, []int{0, 2, 2}, []int{1, 0}, []float32{1, 2})
	require.ErrorIs(t, err, ErrInvalid, "unsorted indices within a row")
	_, err = NewCSR(2, 2, []int{0, 1, 2}, []int{0, 2}, []float32{1, 2})
	require.ErrorIs(t, err, ErrInvalid, "column out of range")
	_, err = NewCSR(2, 2, []int{0, 1, 2}, []int{0, 1}, []float32{1})
	require.ErrorIs(t, err, ErrInvalid, "too few values")
	_, err = NewCSR(0, 2, []int{0}, nil, []float32{})
	require.ErrorIs(t, err, ErrInvalid, "zero dimension")
}

func TestToFormat(t *testing.T) {
	csr := fixtureCSR(t)
	csc := must.M1(csr.ToFormat(formats.CSC))
	cscStorage := csc.Storage().(*CompressedStorage)
	assert.Equal(t, []int{0, 2, 4, 5, 7, 9}, cscStorage.Indptr())
	assert.Equal(t, []int{0, 3, 1, 4, 2, 0, 3, 1, 4}, cscStorage.Indices())
	assert.Equal(t, []float64{1, 4.1, 2, 5.2, 3, 1.4, 4, 2.5, 5}, Values[float64](csc))
	assert.Equal(t, fixtureDense, DenseValues[float64](csc))

	coo := must.M1(csc.ToFormat(formats.COO))
	cooStorage := coo.Storage().(*CoordinateStorage)
	assert.Equal(t, []int{0, 0, 1, 1, 2, 3, 3, 4, 4}, cooStorage.Coords()[0])
	assert.Equal(t, []int{0, 3, 1, 4, 2, 0, 3, 1, 4}, cooStorage.Coords()[1])

	back := must.M1(coo.ToFormat(formats.CSR))
	assert.True(t, back.Equal(csr))

	fromDense := must.M1(FromFlat(fixtureDense, 5, 5).ToFormat(formats.CSR))
	assert.True(t, fromDense.Equal(csr), "got %s", fromDense)

	_, err := FromFlat([]float32{1, 2, 3}, 3).ToFormat(formats.CSR)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestCOO(t *testing.T) {
	coords := [][]int{{2, 0, 2}, {1, 1, 1}}
	_, err := NewCOO([]int{3, 2}, coords, []float32{1, 2, 3}, NoDuplicates)
	require.ErrorIs(t, err, ErrInvalid)

	coo := must.M1(NewCOO([]int{3, 2}, coords, []float32{1, 2, 3}, SumDuplicates))
	assert.Equal(t, 3, coo.NNZ())
	assert.Equal(t, []float32{0, 2, 0, 0, 0, 4}, DenseValues[float32](coo))

	canonical := coo.Canonical()
	assert.Equal(t, 2, canonical.NNZ())
	storage := canonical.Storage().(*CoordinateStorage)
	assert.Equal(t, NoDuplicates, storage.Duplicates())
	assert.Equal(t, [][]int{{0, 2}, {1, 1}}, storage.Coords())
	assert.Equal(t, []float32{2, 4}, Values[float32](canonical))

	_, err = NewCOO([]int{3, 2}, [][]int{{0}}, []float32{1}, NoDuplicates)
	require.ErrorIs(t, err, ErrInvalid, "missing index array")
	_, err = NewCOO([]int{3, 2}, [][]int{{3}, {0}}, []float32{1}, NoDuplicates)
	require.ErrorIs(t, err, ErrInvalid, "index out of range")
}

func TestMaterialize(t *testing.T) {
	csr := fixtureCSR(t)
	dense, mask := csr.Materialize(math.Inf(1))
	flat := Values[float64](dense)
	for ii, v := range fixtureDense {
		assert.Equal(t, v != 0, mask[ii])
		if mask[ii] {
			assert.Equal(t, v, flat[ii])
		} else {
			assert.True(t, math.IsInf(flat[ii], 1))
		}
	}

	compressed := must.M1(CompressMasked(formats.CSR, dense, mask))
	assert.True(t, compressed.Equal(csr))
	same := must.M1(CompressMasked(formats.Dense, dense, mask))
	assert.Same(t, dense, same)
}

func TestConvertDType(t *testing.T) {
	dense := FromFlat([]float32{1.5, -2, 0.25}, 3)
	f16 := dense.ConvertDType(dtypes.Float16)
	assert.Equal(t, dtypes.Float16, f16.DType())
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2), float16.Fromfloat32(0.25)},
		Values[float16.Float16](f16))
	bf16 := f16.ConvertDType(dtypes.BFloat16)
	assert.Equal(t, float32(-2), Values[bfloat16.BFloat16](bf16)[1].Float32())
	assert.True(t, bf16.ConvertDType(dtypes.Float32).Equal(dense))

	csr := fixtureCSR(t).ConvertDType(dtypes.Float32)
	assert.Equal(t, formats.CSR, csr.Format())
	assert.InDeltaSlice(t, fixtureDense, toFloat64Slice(csr.ToDense().Flat()), 1e-6)
}

func TestString(t *testing.T) {
	assert.Equal(t, "Dense(Float32)[2] {1, 2}", FromFlat([]float32{1, 2}, 2).String())
	coo := must.M1(NewCOO([]int{2, 2}, [][]int{{1}, {0}}, []float64{3}, NoDuplicates))
	assert.Equal(t, "COO(Float64)[2 2] nnz=1 {[1 0]:3}", coo.String())
	assert.Equal(t, "CSR(Float64)[5 5] nnz=9", fixtureCSR(t).String()[:len("CSR(Float64)[5 5] nnz=9")])
}

func TestInDelta(t *testing.T) {
	a := FromFlat([]float64{1, math.Inf(1)}, 2)
	b := FromFlat([]float64{1.0001, math.Inf(1)}, 2)
	assert.True(t, a.InDelta(b, 1e-3))
	assert.False(t, a.Equal(b))
	assert.False(t, a.InDelta(FromFlat([]float64{1, 2}, 2), 1e-3))
	assert.False(t, a.InDelta(Full(1.0, 1, 2), 1e-3))
}
