// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"iter"
	"slices"
	"unsafe"

	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/shapes"
)

// Storage is the common interface of the storage variants of a Tensor.
type Storage interface {
	// Format of the storage.
	Format() formats.Format

	// NNZ is the number of stored values.
	NNZ() int

	// Flat returns the stored values as a slice of the Go type of the tensor DType.
	Flat() any

	// All yields, in storage order, the coordinate of each stored value and its position in Flat().
	// The yielded coordinate slice is reused between iterations and must not be modified.
	All(dimensions []int) iter.Seq2[[]int, int]

	clone() Storage
	indexMemory() uintptr
	sameStructure(other Storage) bool
}

// Iter yields, in storage order, the coordinate of each stored value and its position in Flat().
// The yielded coordinate slice is reused between iterations and must not be modified.
func (t *Tensor) Iter() iter.Seq2[[]int, int] {
	return t.storage.All(t.shape.Dimensions)
}

// DenseStorage holds every element in row-major order.
type DenseStorage struct {
	flat any
}

var _ Storage = (*DenseStorage)(nil)

// Format implements Storage.
func (s *DenseStorage) Format() formats.Format { return formats.Dense }

// NNZ implements Storage.
func (s *DenseStorage) NNZ() int { return flatLen(s.flat) }

// Flat implements Storage.
func (s *DenseStorage) Flat() any { return s.flat }

// All implements Storage.
func (s *DenseStorage) All(dimensions []int) iter.Seq2[[]int, int] {
	return func(yield func([]int, int) bool) {
		for pos, coord := range shapes.IterDimensions(dimensions) {
			if !yield(coord, pos) {
				return
			}
		}
	}
}

func (s *DenseStorage) clone() Storage { return &DenseStorage{flat: cloneFlat(s.flat)} }

func (s *DenseStorage) indexMemory() uintptr { return 0 }

func (s *DenseStorage) sameStructure(other Storage) bool {
	_, ok := other.(*DenseStorage)
	return ok
}

// CompressedStorage holds a rank-2 tensor in CSR or CSC format.
//
// For CSR the major axis is the row (axis 0) and indices hold column numbers; for CSC the
// major axis is the column (axis 1) and indices hold row numbers. The segment of major index m
// is Indptr[m]:Indptr[m+1], and indices are strictly increasing within each segment.
type CompressedStorage struct {
	format  formats.Format
	indptr  []int
	indices []int
	flat    any
}

var _ Storage = (*CompressedStorage)(nil)

// Format implements Storage.
func (s *CompressedStorage) Format() formats.Format { return s.format }

// NNZ implements Storage.
func (s *CompressedStorage) NNZ() int { return len(s.indices) }

// Flat implements Storage.
func (s *CompressedStorage) Flat() any { return s.flat }

// Indptr returns the pointer array, with one more element than the major dimension.
func (s *CompressedStorage) Indptr() []int { return s.indptr }

// Indices returns the minor index of each stored value.
func (s *CompressedStorage) Indices() []int { return s.indices }

// MajorAxis returns the axis delimited by the pointer array: 0 for CSR, 1 for CSC.
func (s *CompressedStorage) MajorAxis() int { return s.format.MajorAxis() }

// Segment returns the range of positions stored under the given major index.
func (s *CompressedStorage) Segment(major int) (start, end int) {
	return s.indptr[major], s.indptr[major+1]
}

// Find returns the position of the minor index within the segment of major, or -1 if it is
// not stored. It uses binary search.
func (s *CompressedStorage) Find(major, minor int) int {
	start, end := s.Segment(major)
	if pos, found := slices.BinarySearch(s.indices[start:end], minor); found {
		return start + pos
	}
	return -1
}

// All implements Storage.
func (s *CompressedStorage) All(dimensions []int) iter.Seq2[[]int, int] {
	majorAxis := s.MajorAxis()
	minorAxis := 1 - majorAxis
	return func(yield func([]int, int) bool) {
		coord := make([]int, 2)
		for major := range len(s.indptr) - 1 {
			coord[majorAxis] = major
			for pos := s.indptr[major]; pos < s.indptr[major+1]; pos++ {
				coord[minorAxis] = s.indices[pos]
				if !yield(coord, pos) {
					return
				}
			}
		}
	}
}

func (s *CompressedStorage) clone() Storage {
	return &CompressedStorage{
		format:  s.format,
		indptr:  slices.Clone(s.indptr),
		indices: slices.Clone(s.indices),
		flat:    cloneFlat(s.flat),
	}
}

func (s *CompressedStorage) indexMemory() uintptr {
	return uintptr(len(s.indptr)+len(s.indices)) * unsafe.Sizeof(int(0))
}

func (s *CompressedStorage) sameStructure(other Storage) bool {
	o, ok := other.(*CompressedStorage)
	return ok && o.format == s.format && slices.Equal(s.indptr, o.indptr) && slices.Equal(s.indices, o.indices)
}

// Duplicates tells how repeated coordinates of a COO tensor are interpreted.
type Duplicates int

const (
	// NoDuplicates means every coordinate appears at most once. It's verified on construction.
	NoDuplicates Duplicates = iota

	// SumDuplicates means repeated coordinates are summed into a single element.
	SumDuplicates
)

// String implements fmt.Stringer.
func (d Duplicates) String() string {
	if d == SumDuplicates {
		return "SumDuplicates"
	}
	return "NoDuplicates"
}

// CoordinateStorage holds a tensor in COO format: one index array per axis plus the values.
// Coordinates may be in any order.
type CoordinateStorage struct {
	coords     [][]int
	flat       any
	duplicates Duplicates
}

var _ Storage = (*CoordinateStorage)(nil)

// Format implements Storage.
func (s *CoordinateStorage) Format() formats.Format { return formats.COO }

// NNZ implements Storage.
func (s *CoordinateStorage) NNZ() int { return flatLen(s.flat) }

// Flat implements Storage.
func (s *CoordinateStorage) Flat() any { return s.flat }

// Coords returns the index arrays: Coords()[axis][k] is the index on axis of the k-th stored value.
func (s *CoordinateStorage) Coords() [][]int { return s.coords }

// Duplicates returns how repeated coordinates are to be interpreted.
func (s *CoordinateStorage) Duplicates() Duplicates { return s.duplicates }

// All implements Storage.
func (s *CoordinateStorage) All(dimensions []int) iter.Seq2[[]int, int] {
	return func(yield func([]int, int) bool) {
		coord := make([]int, len(s.coords))
		for k := range s.NNZ() {
			for axis := range s.coords {
				coord[axis] = s.coords[axis][k]
			}
			if !yield(coord, k) {
				return
			}
		}
	}
}

func (s *CoordinateStorage) clone() Storage {
	coords := make([][]int, len(s.coords))
	for axis := range s.coords {
		coords[axis] = slices.Clone(s.coords[axis])
	}
	return &CoordinateStorage{coords: coords, flat: cloneFlat(s.flat), duplicates: s.duplicates}
}

func (s *CoordinateStorage) indexMemory() uintptr {
	return uintptr(len(s.coords)*s.NNZ()) * unsafe.Sizeof(int(0))
}

func (s *CoordinateStorage) sameStructure(other Storage) bool {
	o, ok := other.(*CoordinateStorage)
	if !ok || len(o.coords) != len(s.coords) {
		return false
	}
	for axis := range s.coords {
		if !slices.Equal(s.coords[axis], o.coords[axis]) {
			return false
		}
	}
	return true
}
