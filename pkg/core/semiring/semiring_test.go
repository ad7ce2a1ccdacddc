// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package semiring

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	sr, err := Resolve("", dtypes.Float32, dtypes.Float32)
	require.NoError(t, err)
	assert.Equal(t, DefaultName, sr.Name)
	assert.Equal(t, Add, sr.Reduce)
	assert.Equal(t, Mul, sr.Combine)
	assert.Equal(t, dtypes.Float32, sr.DType)
	assert.Equal(t, 0.0, sr.Identity())
	ops := OpsFor[float32](sr)
	assert.Equal(t, float32(6), ops.Reduce(2, ops.Combine(2, 2)))
	require.Panics(t, func() { OpsFor[float64](sr) })

	sr, err = Resolve(" MIN , + ", dtypes.Float64)
	require.NoError(t, err)
	assert.Equal(t, "min,+", sr.Name)
	assert.True(t, math.IsInf(sr.Identity(), 1))
	ops64 := OpsFor[float64](sr)
	assert.Equal(t, 2.5, ops64.Reduce(ops64.Combine(1, 1.5), ops64.Combine(2, 3)))
	assert.Equal(t, "min,+:Float64", sr.Key())

	for _, name := range []string{"max,+", "max,min", "min,max"} {
		sr, err = Resolve(name, dtypes.Float32)
		require.NoError(t, err, name)
		ops := OpsFor[float32](sr)
		assert.Equal(t, ops.Identity, ops.Combine(ops.Identity, 7), name)
	}
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve("xor,and", dtypes.Float32)
	require.ErrorIs(t, err, ErrUnsupportedSemiring)
	_, err = Resolve("plus", dtypes.Float32)
	require.ErrorIs(t, err, ErrUnsupportedSemiring)
	_, err = Resolve("+,*", dtypes.Int32)
	require.ErrorIs(t, err, ErrUnsupportedSemiring)
	_, err = Resolve("+,*", dtypes.Float32, dtypes.Int64)
	require.ErrorIs(t, err, ErrUnsupportedSemiring)
	_, err = Resolve("+,*")
	require.ErrorIs(t, err, ErrUnsupportedSemiring)
}

func TestUnifyDTypes(t *testing.T) {
	testCases := []struct {
		in   []dtypes.DType
		want dtypes.DType
	}{
		{[]dtypes.DType{dtypes.Float32, dtypes.Float64}, dtypes.Float64},
		{[]dtypes.DType{dtypes.Float16, dtypes.Float32}, dtypes.Float32},
		{[]dtypes.DType{dtypes.Float16, dtypes.BFloat16}, dtypes.Float32},
		{[]dtypes.DType{dtypes.BFloat16, dtypes.BFloat16}, dtypes.BFloat16},
		{[]dtypes.DType{dtypes.Float64}, dtypes.Float64},
	}
	for _, tc := range testCases {
		got, err := UnifyDTypes(tc.in...)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "UnifyDTypes(%v)", tc.in)
	}

	sr, err := Resolve("min,+", dtypes.BFloat16, dtypes.BFloat16)
	require.NoError(t, err)
	assert.Equal(t, dtypes.BFloat16, sr.DType)
	assert.Equal(t, dtypes.Float32, sr.ComputeDType)
}

func TestCustomOperator(t *testing.T) {
	larger := &Ops[float64]{Reduce: maxOf[float64], Combine: add[float64], Identity: math.Inf(-1)}
	require.NoError(t, Register("larger,+", larger))
	sr, err := Resolve("larger,+", dtypes.Float64)
	require.NoError(t, err)
	assert.Equal(t, Operator("larger"), sr.Reduce)
	assert.True(t, math.IsInf(sr.Identity(), -1))

	// Only built-in operators have an identity of their own.
	require.Panics(t, func() { sr.Reduce.Identity() })
	assert.Equal(t, 1.0, Mul.Identity())
}

func TestRegister(t *testing.T) {
	bad := &Ops[float64]{
		Reduce:   func(a, b float64) float64 { return a + b },
		Combine:  func(a, b float64) float64 { return a - b },
		Identity: 0,
	}
	require.Error(t, Register("+,-", bad))
	_, err := Resolve("+,-", dtypes.Float64)
	require.ErrorIs(t, err, ErrUnsupportedSemiring)

	assert.Subset(t, List(), []string{"+,*", "max,+", "max,min", "min,+", "min,max"})
}
