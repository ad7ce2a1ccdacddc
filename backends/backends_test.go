// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"

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
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

type fakeBackend struct {
	config string
}

func (b *fakeBackend) Name() string { return "fake" }
func (b *fakeBackend) Description() string { return "fake backend: " + b.config }
func (b *fakeBackend) Capabilities() Capabilities { return Capabilities{} }
func (b *fakeBackend) Compile(*plan.Program) (Kernel, error) { return nil, errors.Wrap(ErrCodegen, "fake") }
func (b *fakeBackend) Finalize() {}

func TestRegistry(t *testing.T) {
	Register("fake", func(config string) (Backend, error) {
		if config == "fail" {
			return nil, errors.New("fake failure")
		}
		return &fakeBackend{config: config}, nil
	})
	assert.Contains(t, List(), "fake")

	b := must.M1(NewWithConfig("fake:x=1"))
	assert.Equal(t, "fake backend: x=1", b.Description())
	b = must.M1(NewWithConfig("fake"))
	assert.Equal(t, "fake backend: ", b.Description())

	_, err := NewWithConfig("fake:fail")
	require.Error(t, err)
	_, err = NewWithConfig("unknown:")
	require.ErrorContains(t, err, "can't find backend")

	t.Setenv(EINJIT_BACKEND, "fake:from-env")
	b = must.M1(New())
	assert.Equal(t, "fake backend: from-env", b.Description())
}

func TestOptions(t *testing.T) {
	o := must.M1(ParseOptions(" Parallelism=4, device=emulated,verbose"))
	assert.Equal(t, 4, must.M1(o.Int("parallelism", 1)))
	assert.Equal(t, 7, must.M1(o.Int("blockx", 7)))
	assert.Equal(t, "emulated", o.String("device", "webgpu"))
	require.ErrorContains(t, o.CheckUnused("cpu"), `"verbose"`)
	assert.True(t, must.M1(o.Bool("verbose", false)))
	require.NoError(t, o.CheckUnused("cpu"))

	o = must.M1(ParseOptions("parallelism=four"))
	_, err := o.Int("parallelism", 1)
	require.Error(t, err)

	_, err = ParseOptions("a=1,a=2")
	require.Error(t, err)
	_, err = ParseOptions("=1")
	require.Error(t, err)
	o = must.M1(ParseOptions(""))
	require.NoError(t, o.CheckUnused("cpu"))
}

func matmulProgram(t *testing.T, a, b formats.Format) *plan.Program {
	sr := must.M1(semiring.Resolve("min,+", dtypes.Float64))
	g := must.M1(expr.Parse("ij,jk->ik", "min,+",
		shapes.Make(dtypes.Float64, 5, 5), shapes.Make(dtypes.Float64, 5, 4)))
	p, err := plan.Plan(g, []formats.Format{a, b}, sr)
	require.NoError(t, err)
	return p
}

func TestCapabilitiesCheck(t *testing.T) {
	caps := Capabilities{
		Traversals:    map[plan.Traversal]bool{plan.DenseLoop: true, plan.CompressedWalk: true},
		DTypes:        map[dtypes.DType]bool{dtypes.Float64: true},
		OutputFormats: map[formats.Format]bool{formats.Dense: true},
	}
	require.NoError(t, caps.Check("test", matmulProgram(t, formats.CSR, formats.Dense)))
	require.ErrorIs(t, caps.Check("test", matmulProgram(t, formats.Dense, formats.COO)), ErrCodegen)
	require.ErrorIs(t, caps.Check("test", matmulProgram(t, formats.CSR, formats.CSR)), ErrCodegen)

	caps2 := caps.Clone()
	caps2.OutputFormats[formats.CSR] = true
	require.NoError(t, caps2.Check("test", matmulProgram(t, formats.CSR, formats.CSR)))
	assert.False(t, caps.OutputFormats[formats.CSR], "Clone must not share maps")
	delete(caps2.DTypes, dtypes.Float64)
	require.ErrorIs(t, caps2.Check("test", matmulProgram(t, formats.CSR, formats.CSR)), ErrCodegen)
}

func TestCheckOperands(t *testing.T) {
	p := matmulProgram(t, formats.Dense, formats.Dense)
	a := tensors.Full(1.0, 5, 5)
	b := tensors.Full(2.0, 5, 4)
	bindings := must.M1(CheckOperands(p, []*tensors.Tensor{a, b}))
	assert.Equal(t, "i=5,j=5,k=4", bindings.Key())

	_, err := CheckOperands(p, []*tensors.Tensor{a})
	require.ErrorIs(t, err, ErrSignatureMismatch)
	_, err = CheckOperands(p, []*tensors.Tensor{a, tensors.Full(float32(2), 5, 4)})
	require.ErrorIs(t, err, ErrSignatureMismatch)
	_, err = CheckOperands(p, []*tensors.Tensor{a, tensors.Full(2.0, 5)})
	require.ErrorIs(t, err, ErrSignatureMismatch)
	_, err = CheckOperands(p, []*tensors.Tensor{a, must.M1(tensors.Full(2.0, 5, 4).ToFormat(formats.CSR))})
	require.ErrorIs(t, err, ErrSignatureMismatch)
	_, err = CheckOperands(p, []*tensors.Tensor{a, tensors.Full(2.0, 3, 4)})
	require.ErrorIs(t, err, expr.ErrShapeMismatch)
}

func TestPrepareOperand(t *testing.T) {
	sr := must.M1(semiring.Resolve("min,+", dtypes.Float32))
	coo := must.M1(tensors.NewCOO([]int{2, 2}, [][]int{{1, 0, 1}, {1, 0, 1}}, []float32{1, 2, 3}, tensors.SumDuplicates))
	prepared := PrepareOperand(coo, plan.Operand{Format: formats.COO}, sr)
	assert.Nil(t, prepared.Mask)
	assert.Equal(t, 2, prepared.Tensor.NNZ())
	assert.Equal(t, []float32{2, 4}, tensors.Values[float32](prepared.Tensor))

	prepared = PrepareOperand(coo, plan.Operand{Format: formats.COO, Materialized: true}, sr)
	assert.Equal(t, []bool{true, false, false, true}, prepared.Mask)
	values := tensors.Values[float32](prepared.Tensor)
	assert.Equal(t, float32(2), values[0])
	assert.Equal(t, float32(4), values[3])
	assert.True(t, values[1] > 1e30)
}

func TestExecutionContext(t *testing.T) {
	ec := NewExecutionContext("cpu")
	assert.Regexp(t, `^exec#[0-9a-f]{8}@cpu$`, ec.String())
	assert.NotEqual(t, ec.ID, NewExecutionContext("cpu").ID)
}
