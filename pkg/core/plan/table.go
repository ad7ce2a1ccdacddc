// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"slices"

	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/pkg/errors"
)

// InferOutputFormat returns the storage format of the result of a single contraction, given the
// labels and formats of its operands and the output labels. The table is deliberately small:
//
//   - Only dense operands: Dense.
//   - One sparse operand, no reduction (a transpose): the operand's format.
//   - One sparse operand with reductions: Dense.
//   - Elementwise (every operand has exactly the output labels) with one sparse operand and the
//     others dense: the sparse operand's format.
//   - Elementwise with all operands sparse in the same format: that format.
//   - Dense and sparse operands otherwise (e.g. Dense×CSR, CSR×Dense, Dense×COO): Dense.
//   - CSR×CSR (or CSC×CSC) matrix product "ij,jk->ik" keeping both outer labels: CSR (or CSC).
//
// Everything else fails with ErrUnsupportedFormatCombination.
func InferOutputFormat(operandLabels []expr.Labels, operandFormats []formats.Format, output expr.Labels) (formats.Format, error) {
	if len(operandLabels) != len(operandFormats) || len(operandLabels) == 0 {
		return formats.Dense, errors.Errorf("InferOutputFormat: %d operand labels for %d formats", len(operandLabels), len(operandFormats))
	}
	var sparse []int
	for ii, f := range operandFormats {
		if f.IsSparse() {
			sparse = append(sparse, ii)
		}
	}
	if len(sparse) == 0 {
		return formats.Dense, nil
	}

	if len(operandLabels) == 1 {
		f := operandFormats[0]
		if sameLabelSet(operandLabels[0], output) && f.SupportsRank(output.Rank()) {
			return f, nil
		}
		return formats.Dense, nil
	}

	elementwise := true
	for _, labels := range operandLabels {
		if !sameLabelSet(labels, output) {
			elementwise = false
			break
		}
	}
	if elementwise {
		if len(sparse) == 1 {
			return operandFormats[sparse[0]], nil
		}
		if len(sparse) == len(operandFormats) {
			f := operandFormats[sparse[0]]
			if !slices.ContainsFunc(operandFormats, func(other formats.Format) bool { return other != f }) {
				return f, nil
			}
		}
		return formats.Dense, unsupported(operandLabels, operandFormats, output)
	}

	if len(sparse) < len(operandFormats) {
		return formats.Dense, nil
	}

	if len(operandFormats) == 2 && operandFormats[0] == operandFormats[1] && operandFormats[0].IsCompressed() &&
		isMatrixProduct(operandLabels[0], operandLabels[1], output) {
		return operandFormats[0], nil
	}
	return formats.Dense, unsupported(operandLabels, operandFormats, output)
}

func unsupported(operandLabels []expr.Labels, operandFormats []formats.Format, output expr.Labels) error {
	desc := ""
	for ii, labels := range operandLabels {
		if ii > 0 {
			desc += ","
		}
		desc += labels.String() + ":" + operandFormats[ii].String()
	}
	return errors.Wrapf(ErrUnsupportedFormatCombination, "no output format for %s->%s", desc, output)
}

// isMatrixProduct returns whether the labels describe "ij,jk->ik" (or "ij,jk->ki").
func isMatrixProduct(a, b, output expr.Labels) bool {
	if a.Rank() != 2 || b.Rank() != 2 || output.Rank() != 2 {
		return false
	}
	i, j, j2, k := a[0], a[1], b[0], b[1]
	return j == j2 && i != k && i != j && k != j && sameLabelSet(output, expr.Labels{i, k})
}

func sameLabelSet(a, b expr.Labels) bool {
	if len(a) != len(b) {
		return false
	}
	for _, label := range a {
		if !b.Has(label) {
			return false
		}
	}
	return true
}
