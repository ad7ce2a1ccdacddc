// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reference computes contractions by brute force, to check the results of compiled
// kernels in tests. It is not meant to be fast.
package reference

import (
	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Result of a reference contraction, in row-major order.
type Result struct {
	Dimensions []int
	Values     []float64

	// Present marks the structural nonzeros: elements reached by at least one product of
	// stored operand elements.
	Present []bool
}

// Contract computes the contraction described by equation (see expr.ParseEquation) under the named
// semiring, enumerating every assignment of the labels like nested loops, with retained labels outermost.
//
// Absent elements of sparse operands don't contribute. Elements of the result reached by no product
// are set to the identity of ⊕.
func Contract(equation, semiringName string, operands ...*tensors.Tensor) (*Result, error) {
	operandLabels, output, err := expr.ParseEquation(equation)
	if err != nil {
		return nil, err
	}
	if len(operandLabels) != len(operands) {
		return nil, errors.Wrapf(expr.ErrShapeMismatch, "%q has %d operands, %d given", equation, len(operandLabels), len(operands))
	}
	sr, err := semiring.Resolve(semiringName, dtypes.Float64)
	if err != nil {
		return nil, err
	}
	ops := semiring.OpsFor[float64](sr)

	dims := make([][]int, len(operands))
	values := make([][]float64, len(operands))
	masks := make([][]bool, len(operands))
	strides := make([][]int, len(operands))
	for ii, operand := range operands {
		dims[ii] = operand.Dimensions()
		dense, mask := operand.ConvertDType(dtypes.Float64).Materialize(ops.Identity)
		values[ii] = tensors.Values[float64](dense)
		masks[ii] = mask
		strides[ii] = shapes.StridesFor(dims[ii])
	}
	bindings, err := expr.Bind(operandLabels, dims)
	if err != nil {
		return nil, err
	}

	// All labels, output first.
	labels := append(expr.Labels{}, output...)
	for _, opLabels := range operandLabels {
		for _, label := range opLabels {
			if !labels.Has(label) {
				labels = append(labels, label)
			}
		}
	}
	extents, err := bindings.Dimensions(labels)
	if err != nil {
		return nil, errors.Wrapf(expr.ErrShapeMismatch, "%q: %v", equation, err)
	}
	result := &Result{Dimensions: extents[:len(output)]}
	size := 1
	for _, dim := range result.Dimensions {
		size *= dim
	}
	result.Values = make([]float64, size)
	result.Present = make([]bool, size)
	for ii := range result.Values {
		result.Values[ii] = ops.Identity
	}
	outStrides := shapes.StridesFor(result.Dimensions)

	for _, idx := range shapes.IterDimensions(extents) {
		var v float64
		reached := true
		for opIdx, opLabels := range operandLabels {
			pos := 0
			for axis, label := range opLabels {
				pos += idx[labels.Index(label)] * strides[opIdx][axis]
			}
			if !masks[opIdx][pos] {
				reached = false
				break
			}
			if opIdx == 0 {
				v = values[opIdx][pos]
			} else {
				v = ops.Combine(v, values[opIdx][pos])
			}
		}
		if !reached {
			continue
		}
		outPos := 0
		for axis := range output {
			outPos += idx[axis] * outStrides[axis]
		}
		result.Values[outPos] = ops.Reduce(result.Values[outPos], v)
		result.Present[outPos] = true
	}
	return result, nil
}

// Tensor returns the result in the given format, keeping only present elements for sparse formats.
func (r *Result) Tensor(format formats.Format) (*tensors.Tensor, error) {
	dense := tensors.FromFlat(r.Values, r.Dimensions...)
	return tensors.CompressMasked(format, dense, r.Present)
}

// ToMat converts a rank-2 tensor, or a rank-1 tensor as a column, to a gonum dense matrix.
// Absent elements of sparse tensors are zero.
func ToMat(t *tensors.Tensor) *mat.Dense {
	values := tensors.DenseValues[float64](t.ConvertDType(dtypes.Float64))
	dims := t.Dimensions()
	switch len(dims) {
	case 1:
		return mat.NewDense(dims[0], 1, values)
	case 2:
		return mat.NewDense(dims[0], dims[1], values)
	}
	panic(errors.Errorf("reference.ToMat: tensor must have rank 1 or 2, got %s", t.Shape()))
}

// MatMul computes a×b under "+,*" with gonum, for rank-2 a and rank-1 or rank-2 b.
// The result is returned in row-major order.
func MatMul(a, b *tensors.Tensor) []float64 {
	ma, mb := ToMat(a), ToMat(b)
	var product mat.Dense
	product.Mul(ma, mb)
	rows, cols := product.Dims()
	flat := make([]float64, 0, rows*cols)
	for row := range rows {
		flat = append(flat, product.RawRowView(row)...)
	}
	return flat
}
