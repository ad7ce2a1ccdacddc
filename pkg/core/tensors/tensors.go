// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the tensor descriptor handed to and returned by compiled kernels:
// a shape (dtype and dimensions), a storage format and the storage itself.
//
// Storage is one of the tagged variants DenseStorage, CompressedStorage (CSR and CSC) or
// CoordinateStorage (COO), all implementing Storage, which exposes the common walk over stored
// coordinates and values.
//
// There are various ways to construct a Tensor:
//
//   - FromFlat[T](flat []T, dimensions ...int): dense tensor from row-major values.
//   - Full[T](value T, dimensions ...int): dense tensor filled with value.
//   - NewCSR[T] / NewCSC[T](rows, cols, indptr, indices, values): compressed tensors.
//   - NewCOO[T](dimensions, coords, values, duplicates): coordinate tensors, with one index array per axis.
//
// Tensors are treated as immutable once built: operations return new tensors and never change
// their inputs. The slices returned by the accessors must not be modified.
package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported lists the Go types that can be used as tensor values.
type Supported interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// ErrInvalid is returned (wrapped) when the arrays of a tensor descriptor are inconsistent.
var ErrInvalid = errors.New("invalid tensor descriptor")

// Tensor describes a multidimensional array: its shape, storage format and storage.
type Tensor struct {
	shape   shapes.Shape
	storage Storage
}

// Shape of the tensor, including its DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's values.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dimensions returns the dimensions of each axis.
func (t *Tensor) Dimensions() []int { return t.shape.Dimensions }

// Format returns the storage format.
func (t *Tensor) Format() formats.Format { return t.storage.Format() }

// Storage returns the storage variant: one of *DenseStorage, *CompressedStorage or *CoordinateStorage.
func (t *Tensor) Storage() Storage { return t.storage }

// NNZ returns the number of stored values. For dense tensors it's the size of the shape.
func (t *Tensor) NNZ() int { return t.storage.NNZ() }

// Flat returns the stored values as a slice of the Go type of the DType (e.g. []float32).
func (t *Tensor) Flat() any { return t.storage.Flat() }

// Memory returns the number of bytes used by the values and index arrays.
func (t *Tensor) Memory() uintptr {
	return uintptr(t.NNZ())*t.shape.DType.Memory() + t.storage.indexMemory()
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), storage: t.storage.clone()}
}

// String implements fmt.Stringer. Values are only listed for small tensors.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s%s", t.Format(), t.shape)
	if t.Format().IsSparse() {
		_, _ = fmt.Fprintf(&sb, " nnz=%d", t.NNZ())
	}
	const maxListed = 16
	if t.NNZ() > maxListed {
		return sb.String()
	}
	sb.WriteString(" {")
	flat := toFloat64Slice(t.Flat())
	first := true
	for coord, pos := range t.Iter() {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		if t.Format().IsSparse() {
			_, _ = fmt.Fprintf(&sb, "%v:", coord)
		}
		_, _ = fmt.Fprintf(&sb, "%.4g", flat[pos])
	}
	sb.WriteString("}")
	return sb.String()
}

// Values returns the stored values of t as []T. It panics if T doesn't match the tensor's DType.
func Values[T Supported](t *Tensor) []T {
	flat, ok := t.Flat().([]T)
	if !ok {
		exceptions.Panicf("tensors.Values[%T]: tensor has dtype %s", *new(T), t.DType())
	}
	return flat
}

// DenseValues returns all values of t in row-major order as []T, materializing absent
// elements of sparse tensors as zero.
func DenseValues[T Supported](t *Tensor) []T {
	return Values[T](t.ToDense())
}

// Equal returns whether both tensors have the same shape, format, structure and values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.InDelta(other, 0)
}

// InDelta returns whether both tensors have the same shape, format and structure, and their values
// differ by at most delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil || !t.shape.Equal(other.shape) || t.Format() != other.Format() || t.NNZ() != other.NNZ() {
		return false
	}
	if !t.storage.sameStructure(other.storage) {
		return false
	}
	flat0, flat1 := toFloat64Slice(t.Flat()), toFloat64Slice(other.Flat())
	for ii := range flat0 {
		diff := flat0[ii] - flat1[ii]
		if flat0[ii] == flat1[ii] {
			continue // Also covers equal infinities.
		}
		if diff > delta || diff < -delta || diff != diff {
			return false
		}
	}
	return true
}
