// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reference

import (
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Rank2 fixture: a 5×5 matrix with 9 stored elements and a symmetric pattern.
var (
	Rank2Indptr  = []int{0, 2, 4, 5, 7, 9}
	Rank2Indices = []int{0, 3, 1, 4, 2, 0, 3, 1, 4}
	Rank2Values  = []float64{1, 1.4, 2, 2.5, 3, 4.1, 4, 5.2, 5}
)

// Rank2 returns the 5×5 fixture matrix in the given format.
func Rank2(format formats.Format) *tensors.Tensor {
	csr, err := tensors.NewCSR(5, 5, Rank2Indptr, Rank2Indices, Rank2Values)
	if err != nil {
		panic(errors.WithMessage(err, "reference.Rank2"))
	}
	if format == formats.CSR {
		return csr
	}
	t, err := csr.ToDense().ToFormat(format)
	if err != nil {
		panic(errors.WithMessagef(err, "reference.Rank2(%s)", format))
	}
	return t
}
