// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package formats enumerates the storage formats of tensors: Dense, CSR, CSC and COO.
//
// Compressed formats (CSR and CSC) store the minor indices of each major index in a segment
// delimited by a pointer array. COO stores one coordinate list per axis.
package formats

import "fmt"

// Format of a tensor's storage.
type Format int

const (
	// Dense stores every element in row-major order.
	Dense Format = iota

	// CSR (compressed sparse row) stores a rank-2 tensor as rows: a pointer array
	// of length rows+1, the sorted column indices of each row and the values.
	CSR

	// CSC (compressed sparse column) is CSR of the transpose: columns are the major axis.
	CSC

	// COO (coordinate) stores one index array per axis plus the values. Coordinates
	// may be unsorted.
	COO
)

var formatNames = map[Format]string{
	Dense: "Dense",
	CSR:   "CSR",
	CSC:   "CSC",
	COO:   "COO",
}

// String implements fmt.Stringer.
func (f Format) String() string {
	if name, found := formatNames[f]; found {
		return name
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// IsSparse returns whether only the structurally present elements are stored.
func (f Format) IsSparse() bool {
	return f != Dense
}

// IsCompressed returns whether the format uses a pointer array (CSR or CSC).
func (f Format) IsCompressed() bool {
	return f == CSR || f == CSC
}

// SupportsRank returns whether a tensor of the given rank can be stored in the format.
func (f Format) SupportsRank(rank int) bool {
	switch f {
	case Dense:
		return rank >= 0
	case CSR, CSC:
		return rank == 2
	case COO:
		return rank >= 1
	default:
		return false
	}
}

// MajorAxis returns the axis stored at the outermost level.
func (f Format) MajorAxis() int {
	if f == CSC {
		return 1
	}
	return 0
}
