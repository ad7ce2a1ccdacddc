// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"
	"math"
	"testing"

	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/internal/reference"
	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// compile plans the equation for the operands, falling back to materialized operands
// when the formats can't be combined, and compiles it with b.
func compile(t *testing.T, b backends.Backend, equation, semiringName string, operands ...*tensors.Tensor) backends.Kernel {
	operandShapes := make([]shapes.Shape, len(operands))
	operandFormats := make([]formats.Format, len(operands))
	for ii, operand := range operands {
		operandShapes[ii] = operand.Shape()
		operandFormats[ii] = operand.Format()
	}
	g := must.M1(expr.Parse(equation, semiringName, operandShapes...))
	sr := must.M1(semiring.Resolve(semiringName, g.OperandDTypes()...))
	p, err := plan.Plan(g, operandFormats, sr)
	if errors.Is(err, plan.ErrUnsupportedFormatCombination) {
		p, err = plan.Fallback(g, operandFormats, sr)
	}
	require.NoError(t, err)
	k, err := b.Compile(p)
	require.NoError(t, err)
	return k
}

func run(t *testing.T, b backends.Backend, equation, semiringName string, operands ...*tensors.Tensor) *tensors.Tensor {
	k := compile(t, b, equation, semiringName, operands...)
	result, err := k.Execute(backends.NewExecutionContext(BackendName), operands...)
	require.NoError(t, err)
	return result
}

func TestScenarios(t *testing.T) {
	b := must.M1(New(""))
	csr := reference.Rank2(formats.CSR)

	t.Run("DenseMatVec", func(t *testing.T) {
		result := run(t, b, "ij,j->i", "", tensors.Full(2.3, 8, 16), tensors.Full(3.7, 16))
		assert.Equal(t, []int{8}, result.Dimensions())
		assert.InDeltaSlice(t, []float64{136.16, 136.16, 136.16, 136.16, 136.16, 136.16, 136.16, 136.16},
			tensors.Values[float64](result), 1e-9)
	})

	t.Run("DenseMatMul", func(t *testing.T) {
		result := run(t, b, "ij,jk->ik", "", tensors.Full(1.0, 2, 2), tensors.Full(1.0, 2, 2))
		assert.Equal(t, []int{2, 2}, result.Dimensions())
		assert.Equal(t, []float64{2, 2, 2, 2}, tensors.Values[float64](result))

		a := tensors.FromFlat([]float64{1, 2, 3, 4}, 2, 2)
		c := tensors.FromFlat([]float64{5, 6, 7, 8}, 2, 2)
		result = run(t, b, "ij,jk->ik", "", a, c)
		assert.Equal(t, []float64{19, 22, 43, 50}, tensors.Values[float64](result))
	})

	t.Run("DenseMatVecRenamed", func(t *testing.T) {
		a := tensors.FromFlat([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
		result := run(t, b, "ab,b->a", "", a, tensors.FromFlat([]float64{10, 1}, 2))
		assert.Equal(t, []float64{12, 34, 56}, tensors.Values[float64](result))
	})

	t.Run("ElementwiseCSRxDense", func(t *testing.T) {
		result := run(t, b, "ij,ij->ij", "", csr, tensors.Full(2.7, 5, 5))
		require.Equal(t, formats.CSR, result.Format())
		storage := result.Storage().(*tensors.CompressedStorage)
		assert.Equal(t, reference.Rank2Indptr, storage.Indptr())
		assert.Equal(t, reference.Rank2Indices, storage.Indices())
		want := make([]float64, len(reference.Rank2Values))
		for ii, v := range reference.Rank2Values {
			want[ii] = v * 2.7
		}
		assert.InDeltaSlice(t, want, tensors.Values[float64](result), 1e-12)
	})

	t.Run("MinPlusCSRxCSR", func(t *testing.T) {
		result := run(t, b, "ij,jk->ik", "min,+", csr, csr)
		require.Equal(t, formats.CSR, result.Format())
		storage := result.Storage().(*tensors.CompressedStorage)
		assert.Equal(t, []int{0, 2, 4, 5, 7, 9}, storage.Indptr())
		assert.Equal(t, []int{0, 3, 1, 4, 2, 0, 3, 1, 4}, storage.Indices())
		assert.InDeltaSlice(t, []float64{2, 2.4, 4, 4.5, 6, 5.1, 5.5, 7.2, 7.7}, tensors.Values[float64](result), 1e-12)
	})

	t.Run("CSRxDense", func(t *testing.T) {
		result := run(t, b, "ij,jk->ik", "+,*", csr, tensors.Full(1.7, 5, 4))
		require.Equal(t, formats.Dense, result.Format())
		values := tensors.Values[float64](result)
		for row, want := range []float64{4.08, 7.65, 5.1, 13.77, 17.34} {
			assert.InDeltaSlice(t, []float64{want, want, want, want}, values[row*4:(row+1)*4], 1e-9)
		}
	})

	t.Run("DensexCOO", func(t *testing.T) {
		result := run(t, b, "ij,jk->ik", "+,*", tensors.Full(1.7, 4, 5), reference.Rank2(formats.COO))
		require.Equal(t, formats.Dense, result.Format())
		values := tensors.Values[float64](result)
		for row := range 4 {
			assert.InDeltaSlice(t, []float64{8.67, 12.24, 5.1, 9.18, 12.75}, values[row*5:(row+1)*5], 1e-9)
		}
	})

	t.Run("LargeElementwise", func(t *testing.T) {
		result := run(t, b, "ij,ij->ij", "", tensors.Full(float32(2), 96, 96), tensors.Full(float32(2), 96, 96))
		values := tensors.Values[float32](result)
		require.Len(t, values, 96*96)
		for _, v := range values {
			if v != 4 {
				require.Equal(t, float32(4), v)
			}
		}
	})
}

func TestAgainstReference(t *testing.T) {
	csr := reference.Rank2(formats.CSR)
	csc := reference.Rank2(formats.CSC)
	coo := reference.Rank2(formats.COO)
	rect := tensors.FromFlat([]float64{
		1, 0, 2, 0.5,
		0, 3, 0, 1,
		4, 0, 0, 2,
		0, 1.5, 0, 0,
		2, 0, 1, 3,
	}, 5, 4)
	rectCSR := must.M1(rect.ToFormat(formats.CSR))
	wide := tensors.FromFlat([]float64{
		1, 2, 0,
		0, -1, 3,
		0.5, 0, 0,
		2, 1, -2,
	}, 4, 3)
	vec := tensors.FromFlat([]float64{1, -2, 0.5, 3, 1.25}, 5)
	cube := tensors.FromFlat([]float64{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		-1, -2, -3, -4, -5, -6, -7, -8, -9, -10,
		0.5, 1.5, 2.5, 3.5, 4.5, 5.5, 6.5, 7.5, 8.5, 9.5,
	}, 3, 2, 5)
	dupCOO := must.M1(tensors.NewCOO([]int{5, 5}, [][]int{{0, 4, 0, 2}, {1, 3, 1, 2}}, []float64{1, 2, 3, 4}, tensors.SumDuplicates))

	testCases := []struct {
		equation, semiring string
		operands           []*tensors.Tensor
	}{
		{"ij,jk->ik", "min,+", []*tensors.Tensor{csr, csr}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{csr, rect}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{csr, rectCSR}},
		{"ij,jk->ik", "max,min", []*tensors.Tensor{csc, csc}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{csr, csc}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{coo, coo}},
		{"ij,jk->ki", "+,*", []*tensors.Tensor{csr, csr}},
		{"ji,jk->ik", "max,+", []*tensors.Tensor{rect.ToDense(), must.M1(csr.ToDense().ToFormat(formats.COO))}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{tensors.Full(1.0, 2, 2), tensors.Full(1.0, 2, 2)}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{rect.ToDense(), wide}},
		{"ab,b->a", "+,*", []*tensors.Tensor{rect.ToDense(), tensors.FromFlat([]float64{1, -1, 2, 0.5}, 4)}},
		{"ijk,kl->ijl", "max,+", []*tensors.Tensor{cube, must.M1(rect.ToFormat(formats.COO))}},
		{"ij,ij->ij", "+,*", []*tensors.Tensor{csr, csr.ToDense()}},
		{"ij,ji->ij", "+,*", []*tensors.Tensor{csr, csr}},
		{"ij,ij->ij", "min,max", []*tensors.Tensor{coo, csr.ToDense()}},
		{"ij->ji", "+,*", []*tensors.Tensor{csr}},
		{"ij->i", "max,+", []*tensors.Tensor{csc}},
		{"ij->", "+,*", []*tensors.Tensor{coo}},
		{"ij,j->i", "+,*", []*tensors.Tensor{csr, vec}},
		{"ij,i->j", "min,+", []*tensors.Tensor{csr, vec}},
		{"ij,ik->j", "+,*", []*tensors.Tensor{rectCSR, csr.ToDense()}},
		{"i,i->", "+,*", []*tensors.Tensor{vec, vec}},
		{"ijk,jk->i", "+,*", []*tensors.Tensor{cube, tensors.Full(0.5, 2, 5)}},
		{"ijk,ki->j", "max,+", []*tensors.Tensor{cube, tensors.Full(1.0, 5, 3)}},
		{"ij,jk,kl->il", "+,*", []*tensors.Tensor{csr, rect, wide}},
		{"ij,jk,kl->il", "min,+", []*tensors.Tensor{rect, must.M1(wide.ToFormat(formats.CSR)), tensors.Full(0.5, 3, 2)}},
		{"ij,jk,kl->il", "+,*", []*tensors.Tensor{csr, csr, csr}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{dupCOO, csr.ToDense()}},
	}
	backendsUnderTest := map[string]backends.Backend{
		"sequential": must.M1(New("parallelism=0")),
		"parallel":   must.M1(New("parallelism=4,minchunk=1")),
	}
	for name, b := range backendsUnderTest {
		for _, tc := range testCases {
			t.Run(fmt.Sprintf("%s/%s/%s/%v", name, tc.equation, tc.semiring, formatsOf(tc.operands)), func(t *testing.T) {
				got := run(t, b, tc.equation, tc.semiring, tc.operands...)
				want := must.M1(reference.Contract(tc.equation, tc.semiring, tc.operands...))
				wantTensor := must.M1(want.Tensor(got.Format()))
				assert.Truef(t, got.InDelta(wantTensor, 1e-9), "got %s\nwant %s", got, wantTensor)
			})
		}
	}
}

func formatsOf(operands []*tensors.Tensor) []formats.Format {
	fs := make([]formats.Format, len(operands))
	for ii, operand := range operands {
		fs[ii] = operand.Format()
	}
	return fs
}

func TestCustomOperator(t *testing.T) {
	require.NoError(t, semiring.Register("larger,+", &semiring.Ops[float64]{
		Reduce:   func(a, b float64) float64 { return max(a, b) },
		Combine:  func(a, b float64) float64 { return a + b },
		Identity: math.Inf(-1),
	}))
	b := must.M1(New(""))
	csr := reference.Rank2(formats.CSR)
	got := run(t, b, "ij,jk->ik", "larger,+", csr, csr.ToDense())
	want := must.M1(must.M1(reference.Contract("ij,jk->ik", "max,+", csr, csr.ToDense())).Tensor(got.Format()))
	assert.Truef(t, got.InDelta(want, 1e-9), "got %s\nwant %s", got, want)
}

func TestHalfPrecision(t *testing.T) {
	b := must.M1(New(""))
	a := tensors.Full(float16.Fromfloat32(1.5), 3, 4)
	v := tensors.Full(float32(2), 4)
	result := run(t, b, "ij,j->i", "", a, v)
	assert.Equal(t, dtypes.Float32, result.DType())
	assert.Equal(t, []float32{12, 12, 12}, tensors.Values[float32](result))

	result = run(t, b, "ij,ij->ij", "", a, a)
	assert.Equal(t, dtypes.Float16, result.DType())
	assert.Equal(t, float32(2.25), tensors.Values[float16.Float16](result)[0].Float32())
}

func TestExecuteMismatch(t *testing.T) {
	b := must.M1(New(""))
	csr := reference.Rank2(formats.CSR)
	k := compile(t, b, "ij,jk->ik", "", csr, csr)
	ec := backends.NewExecutionContext(BackendName)
	_, err := k.Execute(ec, csr, csr.ToDense())
	require.ErrorIs(t, err, backends.ErrSignatureMismatch)
	_, err = k.Execute(ec, csr)
	require.ErrorIs(t, err, backends.ErrSignatureMismatch)
	_, err = k.Execute(ec, csr, must.M1(tensors.NewCSR(4, 4, []int{0, 0, 0, 0, 0}, nil, []float64{})))
	require.ErrorIs(t, err, expr.ErrShapeMismatch)

	// The same kernel serves operands of other dimensions.
	eye := must.M1(tensors.NewCSR(3, 3, []int{0, 1, 2, 3}, []int{0, 1, 2}, []float64{1, 1, 1}))
	result := must.M1(k.Execute(ec, eye, eye))
	assert.Equal(t, []float64{1, 1, 1}, tensors.Values[float64](result))
	assert.Equal(t, "i=3,j=3,k=3", ec.Bindings.Key())
}

func TestNewOptions(t *testing.T) {
	b := must.M1(newBackend("parallelism=3,minchunk=2"))
	assert.Equal(t, 3, b.workers.MaxParallelism())
	assert.Equal(t, 2, b.minChunk)
	assert.Contains(t, b.Description(), "3 workers")

	_, err := New("minchunk=0")
	require.Error(t, err)
	_, err = New("blockx=64")
	require.ErrorContains(t, err, "blockx")

	b2 := must.M1(backends.NewWithConfig("cpu:parallelism=0"))
	assert.Equal(t, BackendName, b2.Name())
	assert.Contains(t, b2.Description(), "1 worker")
}

func TestSource(t *testing.T) {
	b := must.M1(New(""))
	csr := reference.Rank2(formats.CSR)
	source := compile(t, b, "ij,jk->ik", "min,+", csr, csr).Source()
	assert.Contains(t, source, "for i := range extent[i]")
	assert.Contains(t, source, "in0.indices[p0]")
	assert.Contains(t, source, "out[ik] = min(out[ik], in0[p0] + in1[p1])")
}
