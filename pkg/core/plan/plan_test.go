// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"testing"

	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func f64(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float64, dims...) }

func labelsOf(descs ...string) []expr.Labels {
	labels := make([]expr.Labels, len(descs))
	for ii, desc := range descs {
		labels[ii] = expr.MustParseLabels(desc)
	}
	return labels
}

func TestInferOutputFormat(t *testing.T) {
	const (
		dense = formats.Dense
		csr   = formats.CSR
		csc   = formats.CSC
		coo   = formats.COO
	)
	testCases := []struct {
		operands []string
		formats  []formats.Format
		output   string
		want     formats.Format
		wantErr  bool
	}{
		{[]string{"ij", "j"}, []formats.Format{dense, dense}, "i", dense, false},
		{[]string{"ij", "jk"}, []formats.Format{csr, csr}, "ik", csr, false},
		{[]string{"ij", "jk"}, []formats.Format{csr, csr}, "ki", csr, false},
		{[]string{"ij", "jk"}, []formats.Format{csc, csc}, "ik", csc, false},
		{[]string{"ij", "jk"}, []formats.Format{csr, dense}, "ik", dense, false},
		{[]string{"ij", "jk"}, []formats.Format{dense, csr}, "ik", dense, false},
		{[]string{"ij", "jk"}, []formats.Format{dense, coo}, "ik", dense, false},
		{[]string{"ij", "ij"}, []formats.Format{csr, dense}, "ij", csr, false},
		{[]string{"ij", "ji"}, []formats.Format{dense, csc}, "ij", csc, false},
		{[]string{"ij", "ij"}, []formats.Format{coo, dense}, "ij", coo, false},
		{[]string{"ij", "ij"}, []formats.Format{csr, csr}, "ij", csr, false},
		{[]string{"ij"}, []formats.Format{csr}, "ji", csr, false},
		{[]string{"ij"}, []formats.Format{csr}, "i", dense, false},
		{[]string{"ij", "jk"}, []formats.Format{csr, csc}, "ik", dense, true},
		{[]string{"ij", "jk"}, []formats.Format{coo, coo}, "ik", dense, true},
		{[]string{"ij", "ij"}, []formats.Format{csr, csc}, "ij", dense, true},
		{[]string{"ij", "jk"}, []formats.Format{csr, csr}, "i", dense, true},
	}
	for _, tc := range testCases {
		got, err := InferOutputFormat(labelsOf(tc.operands...), tc.formats, expr.MustParseLabels(tc.output))
		if tc.wantErr {
			require.ErrorIs(t, err, ErrUnsupportedFormatCombination, "%v %v->%s", tc.operands, tc.formats, tc.output)
			continue
		}
		require.NoError(t, err, "%v %v->%s", tc.operands, tc.formats, tc.output)
		assert.Equal(t, tc.want, got, "%v %v->%s", tc.operands, tc.formats, tc.output)
	}
}

func operands(descs []string, opFormats ...formats.Format) []Operand {
	ops := make([]Operand, len(descs))
	for ii, desc := range descs {
		ops[ii] = Operand{Ref: OperandRef{Input: ii, Step: -1}, Labels: expr.MustParseLabels(desc), Format: opFormats[ii]}
	}
	return ops
}

func TestNewStep(t *testing.T) {
	t.Run("CSRxCSR", func(t *testing.T) {
		step := must.M1(NewStep(operands([]string{"ij", "jk"}, formats.CSR, formats.CSR), expr.MustParseLabels("ik")))
		assert.Equal(t, formats.CSR, step.OutputFormat)
		assert.Equal(t, expr.Labels("j"), step.Contracted)
		require.Len(t, step.Levels, 3)
		assert.Equal(t, Level{Labels: expr.Labels("i"), Traversal: DenseLoop, Driver: -1,
			Accesses: []Access{{Operand: 0, Kind: AccessSegment, Axis: 0}}}, step.Levels[0])
		assert.Equal(t, Level{Labels: expr.Labels("j"), Traversal: CompressedWalk, Driver: 0, Reduces: true,
			Accesses: []Access{{Operand: 0, Kind: AccessWalk, Axis: 1}, {Operand: 1, Kind: AccessSegment, Axis: 0}}}, step.Levels[1])
		assert.Equal(t, Level{Labels: expr.Labels("k"), Traversal: CompressedWalk, Driver: 1,
			Accesses: []Access{{Operand: 1, Kind: AccessWalk, Axis: 1}}}, step.Levels[2])
		assert.True(t, step.OutputMajorLevel())
		assert.False(t, step.HasMask())
	})

	t.Run("CSRxDense", func(t *testing.T) {
		step := must.M1(NewStep(operands([]string{"ij", "jk"}, formats.CSR, formats.Dense), expr.MustParseLabels("ik")))
		assert.Equal(t, formats.Dense, step.OutputFormat)
		require.Len(t, step.Levels, 3)
		assert.Equal(t, expr.Labels("i"), step.Levels[0].Labels)
		assert.Equal(t, expr.Labels("k"), step.Levels[1].Labels)
		assert.Equal(t, []Access{{Operand: 1, Kind: AccessDense, Axis: 1}}, step.Levels[1].Accesses)
		assert.Equal(t, Level{Labels: expr.Labels("j"), Traversal: CompressedWalk, Driver: 0, Reduces: true,
			Accesses: []Access{{Operand: 0, Kind: AccessWalk, Axis: 1}, {Operand: 1, Kind: AccessDense, Axis: 0}}}, step.Levels[2])
		assert.False(t, step.OutputMajorLevel())
	})

	t.Run("DensexCOO", func(t *testing.T) {
		step := must.M1(NewStep(operands([]string{"ij", "jk"}, formats.Dense, formats.COO), expr.MustParseLabels("ik")))
		assert.Equal(t, formats.Dense, step.OutputFormat)
		require.Len(t, step.Levels, 2)
		assert.Equal(t, Level{Labels: expr.Labels("i"), Traversal: DenseLoop, Driver: -1,
			Accesses: []Access{{Operand: 0, Kind: AccessDense, Axis: 0}}}, step.Levels[0])
		assert.Equal(t, Level{Labels: expr.Labels("jk"), Traversal: TripletScan, Driver: 1, Reduces: true,
			Accesses: []Access{{Operand: 1, Kind: AccessScan, Axis: -1}, {Operand: 0, Kind: AccessDense, Axis: 1}}}, step.Levels[1])
	})

	t.Run("DenseCSC", func(t *testing.T) {
		step := must.M1(NewStep(operands([]string{"ij", "ij"}, formats.Dense, formats.CSC), expr.MustParseLabels("ij")))
		assert.Equal(t, formats.CSC, step.OutputFormat)
		require.Len(t, step.Levels, 2)
		assert.Equal(t, expr.Labels("j"), step.Levels[0].Labels)
		assert.Equal(t, expr.Labels("i"), step.Levels[1].Labels)
		assert.Equal(t, CompressedWalk, step.Levels[1].Traversal)
		assert.True(t, step.OutputMajorLevel())
	})

	t.Run("IncompatibleOrders", func(t *testing.T) {
		ops := operands([]string{"ij", "ji"}, formats.CSR, formats.CSR)
		_, err := NewStep(ops, expr.MustParseLabels("ij"))
		require.ErrorIs(t, err, ErrUnsupportedFormatCombination)

		for ii := range ops {
			ops[ii].Materialized = true
		}
		step := must.M1(NewStep(ops, expr.MustParseLabels("ij")))
		assert.Equal(t, formats.CSR, step.OutputFormat)
		assert.True(t, step.HasMask())
		for _, level := range step.Levels {
			assert.Equal(t, DenseLoop, level.Traversal)
		}
	})

	t.Run("TwoCOO", func(t *testing.T) {
		_, err := NewStep(operands([]string{"ij", "ij"}, formats.COO, formats.COO), expr.MustParseLabels("ij"))
		require.ErrorIs(t, err, ErrUnsupportedFormatCombination)
	})
}

func TestPlan(t *testing.T) {
	sr := must.M1(semiring.Resolve("min,+", dtypes.Float64))
	g := must.M1(expr.Parse("ij,jk->ik", "min,+", f64(5, 5), f64(5, 5)))
	p := must.M1(Plan(g, []formats.Format{formats.CSR, formats.CSR}, sr))
	require.Len(t, p.Steps, 1)
	assert.Equal(t, formats.CSR, p.OutputFormat())
	assert.Equal(t, expr.Labels("ik"), p.OutputLabels())
	assert.False(t, p.Fallback)
	assert.Equal(t, g.Key(), p.ExpressionKey)
	assert.Contains(t, p.String(), "for j in walk in0")

	_, err := Plan(g, []formats.Format{formats.CSR, formats.CSC}, sr)
	require.ErrorIs(t, err, ErrUnsupportedFormatCombination)
	p = must.M1(Fallback(g, []formats.Format{formats.CSR, formats.CSC}, sr))
	assert.True(t, p.Fallback)
	assert.Equal(t, formats.Dense, p.OutputFormat())
	assert.True(t, p.Output().Operands[0].Materialized)
	assert.True(t, p.Output().Operands[1].Materialized)

	_, err = Plan(must.M1(expr.Parse("ijk,k->ij", "", f64(2, 3, 4), f64(4))), []formats.Format{formats.CSR, formats.Dense}, sr)
	require.ErrorIs(t, err, ErrUnsupportedFormatCombination)
}

func TestFactorize(t *testing.T) {
	sr := must.M1(semiring.Resolve("", dtypes.Float64))
	g := must.M1(expr.Parse("ij,jk,kl->il", "", f64(2, 3), f64(3, 4), f64(4, 5)))
	p := must.M1(Plan(g, []formats.Format{formats.Dense, formats.Dense, formats.Dense}, sr))
	require.Len(t, p.Steps, 2)
	first, second := p.Steps[0], p.Steps[1]
	assert.Equal(t, []expr.Labels{expr.Labels("ij"), expr.Labels("jk")}, first.Labels())
	assert.Equal(t, expr.Labels("ik"), first.Output)
	assert.Equal(t, OperandRef{Input: 0, Step: -1}, first.Operands[0].Ref)
	assert.Equal(t, OperandRef{Input: -1, Step: 0}, second.Operands[0].Ref)
	assert.Equal(t, OperandRef{Input: 2, Step: -1}, second.Operands[1].Ref)
	assert.Equal(t, expr.Labels("il"), second.Output)

	// A chain of CSR matrices keeps CSR intermediates.
	p = must.M1(Plan(g, []formats.Format{formats.CSR, formats.CSR, formats.CSR}, sr))
	require.Len(t, p.Steps, 2)
	assert.Equal(t, formats.CSR, p.Steps[0].OutputFormat)
	assert.Equal(t, formats.CSR, p.OutputFormat())

	// The outer product of the first and last operands is never chosen first.
	order, _ := bestChainOrder([]chainOperand{
		{labels: expr.Labels("ij"), density: 1},
		{labels: expr.Labels("kl"), density: 1},
		{labels: expr.Labels("jk"), density: 1},
	}, expr.Labels("il"))
	assert.NotEqual(t, []int{0, 1, 2}, order)
	assert.NotEqual(t, []int{1, 0, 2}, order)
}

func TestDeadNodes(t *testing.T) {
	g := must.M1(expr.BuildGraph("", func(b *expr.Builder) *expr.Node {
		x := b.Input("ij", f64(2, 3))
		y := b.Input("j", f64(3))
		_ = b.Contract("ji", x)
		return b.Contract("i", x, y)
	}))
	require.Len(t, g.Contractions(), 2)
	pruned := must.M1(DeadNodes{}.Run(g, nil))
	require.Len(t, pruned.Contractions(), 1)
	assert.Equal(t, "ij,j->i", pruned.Equation())
	assert.Same(t, pruned, must.M1(DeadNodes{}.Run(pruned, nil)))
}
