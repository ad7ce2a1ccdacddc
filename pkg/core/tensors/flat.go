// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// ToFloat64 converts a supported value to float64.
func ToFloat64[T Supported](v T) float64 {
	switch x := any(v).(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	case float16.Float16:
		return float64(x.Float32())
	case bfloat16.BFloat16:
		return float64(x.Float32())
	}
	return 0
}

// FromFloat64 converts a float64 to a supported value type, rounding as needed.
func FromFloat64[T Supported](v float64) (out T) {
	switch p := any(&out).(type) {
	case *float32:
		*p = float32(v)
	case *float64:
		*p = v
	case *float16.Float16:
		*p = float16.Fromfloat32(float32(v))
	case *bfloat16.BFloat16:
		*p = bfloat16.FromFloat32(float32(v))
	}
	return
}

// FlatDType returns the DType of a flat slice of values, or dtypes.InvalidDType if it's not a
// slice of a supported type.
func FlatDType(flat any) dtypes.DType {
	switch flat.(type) {
	case []float32:
		return dtypes.Float32
	case []float64:
		return dtypes.Float64
	case []float16.Float16:
		return dtypes.Float16
	case []bfloat16.BFloat16:
		return dtypes.BFloat16
	}
	return dtypes.InvalidDType
}

// IsSupportedDType returns whether tensors can hold values of the given DType.
func IsSupportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16:
		return true
	}
	return false
}

// MakeFlat returns a zero-initialized flat slice of n values of the given DType.
// It panics for unsupported dtypes.
func MakeFlat(dtype dtypes.DType, n int) any {
	switch dtype {
	case dtypes.Float32:
		return make([]float32, n)
	case dtypes.Float64:
		return make([]float64, n)
	case dtypes.Float16:
		return make([]float16.Float16, n)
	case dtypes.BFloat16:
		return make([]bfloat16.BFloat16, n)
	}
	exceptions.Panicf("tensors: dtype %s is not supported", dtype)
	return nil
}

// ConvertFlat returns a copy of flat converted to the given DType. If flat already has the
// DType it is returned as is.
func ConvertFlat(flat any, dtype dtypes.DType) any {
	if FlatDType(flat) == dtype {
		return flat
	}
	switch dtype {
	case dtypes.Float32:
		return convertFlatTo[float32](flat)
	case dtypes.Float64:
		return convertFlatTo[float64](flat)
	case dtypes.Float16:
		return convertFlatTo[float16.Float16](flat)
	case dtypes.BFloat16:
		return convertFlatTo[bfloat16.BFloat16](flat)
	}
	exceptions.Panicf("tensors: dtype %s is not supported", dtype)
	return nil
}

func convertFlatTo[To Supported](flat any) []To {
	switch src := flat.(type) {
	case []float32:
		return convertSlice[float32, To](src)
	case []float64:
		return convertSlice[float64, To](src)
	case []float16.Float16:
		return convertSlice[float16.Float16, To](src)
	case []bfloat16.BFloat16:
		return convertSlice[bfloat16.BFloat16, To](src)
	}
	exceptions.Panicf("tensors: unsupported flat values type %T", flat)
	return nil
}

func convertSlice[From, To Supported](src []From) []To {
	dst := make([]To, len(src))
	for ii, v := range src {
		dst[ii] = FromFloat64[To](ToFloat64(v))
	}
	return dst
}

func toFloat64Slice(flat any) []float64 {
	if f64, ok := flat.([]float64); ok {
		return f64
	}
	return convertFlatTo[float64](flat)
}

func flatLen(flat any) int {
	switch src := flat.(type) {
	case []float32:
		return len(src)
	case []float64:
		return len(src)
	case []float16.Float16:
		return len(src)
	case []bfloat16.BFloat16:
		return len(src)
	}
	return 0
}

func cloneFlat(flat any) any {
	switch src := flat.(type) {
	case []float32:
		return slices.Clone(src)
	case []float64:
		return slices.Clone(src)
	case []float16.Float16:
		return slices.Clone(src)
	case []bfloat16.BFloat16:
		return slices.Clone(src)
	}
	return flat
}

// gatherFlat returns flat[positions[0]], flat[positions[1]], ... as a new flat slice.
func gatherFlat(flat any, positions []int) any {
	switch src := flat.(type) {
	case []float32:
		return gather(src, positions)
	case []float64:
		return gather(src, positions)
	case []float16.Float16:
		return gather(src, positions)
	case []bfloat16.BFloat16:
		return gather(src, positions)
	}
	exceptions.Panicf("tensors: unsupported flat values type %T", flat)
	return nil
}

func gather[T Supported](src []T, positions []int) []T {
	dst := make([]T, len(positions))
	for ii, pos := range positions {
		dst[ii] = src[pos]
	}
	return dst
}

func filled[T Supported](n int, value T) []T {
	flat := make([]T, n)
	for ii := range flat {
		flat[ii] = value
	}
	return flat
}
