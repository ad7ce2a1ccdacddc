// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
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
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func f32(t *tensors.Tensor) *tensors.Tensor { return t.ConvertDType(dtypes.Float32) }

func program(t *testing.T, equation, semiringName string, fallback bool, operands ...*tensors.Tensor) *plan.Program {
	operandShapes := make([]shapes.Shape, len(operands))
	operandFormats := make([]formats.Format, len(operands))
	for ii, operand := range operands {
		operandShapes[ii] = operand.Shape()
		operandFormats[ii] = operand.Format()
	}
	g := must.M1(expr.Parse(equation, semiringName, operandShapes...))
	sr := must.M1(semiring.Resolve(semiringName, g.OperandDTypes()...))
	if fallback {
		return must.M1(plan.Fallback(g, operandFormats, sr))
	}
	p, err := plan.Plan(g, operandFormats, sr)
	if errors.Is(err, plan.ErrUnsupportedFormatCombination) {
		p, err = plan.Fallback(g, operandFormats, sr)
	}
	require.NoError(t, err)
	return p
}

// compile compiles the equation, planning it again with materialized operands if the GPU
// can't lower the first plan.
func compile(t *testing.T, b backends.Backend, equation, semiringName string, operands ...*tensors.Tensor) backends.Kernel {
	k, err := b.Compile(program(t, equation, semiringName, false, operands...))
	if errors.Is(err, backends.ErrCodegen) {
		k, err = b.Compile(program(t, equation, semiringName, true, operands...))
	}
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
	defer b.Finalize()
	csr := f32(reference.Rank2(formats.CSR))

	t.Run("DenseMatVec", func(t *testing.T) {
		result := run(t, b, "ij,j->i", "", tensors.Full(float32(2.3), 8, 16), tensors.Full(float32(3.7), 16))
		assert.Equal(t, []int{8}, result.Dimensions())
		assert.Equal(t, dtypes.Float32, result.DType())
		assert.InDeltaSlice(t, []float32{136.16, 136.16, 136.16, 136.16, 136.16, 136.16, 136.16, 136.16},
			tensors.Values[float32](result), 1e-3)
	})

	t.Run("MinPlusCSRxCSR", func(t *testing.T) {
		result := run(t, b, "ij,jk->ik", "min,+", csr, csr)
		require.Equal(t, formats.CSR, result.Format())
		storage := result.Storage().(*tensors.CompressedStorage)
		assert.Equal(t, []int{0, 2, 4, 5, 7, 9}, storage.Indptr())
		assert.Equal(t, []int{0, 3, 1, 4, 2, 0, 3, 1, 4}, storage.Indices())
		assert.InDeltaSlice(t, []float32{2, 2.4, 4, 4.5, 6, 5.1, 5.5, 7.2, 7.7}, tensors.Values[float32](result), 1e-5)
	})

	t.Run("ElementwiseCSRxDense", func(t *testing.T) {
		result := run(t, b, "ij,ij->ij", "", csr, tensors.Full(float32(2.7), 5, 5))
		require.Equal(t, formats.CSR, result.Format())
		storage := result.Storage().(*tensors.CompressedStorage)
		assert.Equal(t, reference.Rank2Indptr, storage.Indptr())
		assert.Equal(t, reference.Rank2Indices, storage.Indices())
	})

	t.Run("DensexCOO", func(t *testing.T) {
		coo := f32(reference.Rank2(formats.COO))
		_, err := b.Compile(program(t, "ij,jk->ik", "", false, tensors.Full(float32(1.7), 4, 5), coo))
		require.ErrorIs(t, err, backends.ErrCodegen)

		result := run(t, b, "ij,jk->ik", "", tensors.Full(float32(1.7), 4, 5), coo)
		require.Equal(t, formats.Dense, result.Format())
		values := tensors.Values[float32](result)
		for row := range 4 {
			assert.InDeltaSlice(t, []float32{8.67, 12.24, 5.1, 9.18, 12.75}, values[row*5:(row+1)*5], 1e-4)
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
	csr := f32(reference.Rank2(formats.CSR))
	csc := f32(reference.Rank2(formats.CSC))
	coo := f32(reference.Rank2(formats.COO))
	rect := tensors.FromFlat([]float32{
		1, 0, 2, 0.5,
		0, 3, 0, 1,
		4, 0, 0, 2,
		0, 1.5, 0, 0,
		2, 0, 1, 3,
	}, 5, 4)
	wide := tensors.FromFlat([]float32{
		1, 2, 0,
		0, -1, 3,
		0.5, 0, 0,
		2, 1, -2,
	}, 4, 3)
	vec := tensors.FromFlat([]float32{1, -2, 0.5, 3, 1.25}, 5)
	cube := tensors.FromFlat([]float32{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10,
		-1, -2, -3, -4, -5, -6, -7, -8, -9, -10,
		0.5, 1.5, 2.5, 3.5, 4.5, 5.5, 6.5, 7.5, 8.5, 9.5,
	}, 3, 2, 5)

	testCases := []struct {
		equation, semiring string
		operands           []*tensors.Tensor
	}{
		{"ij,jk->ik", "min,+", []*tensors.Tensor{csr, csr}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{csr, rect}},
		{"ij,jk->ik", "max,min", []*tensors.Tensor{csc, csc}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{rect, wide}},
		{"ij,jk->ik", "+,*", []*tensors.Tensor{coo, coo}},
		{"ij,j->i", "+,*", []*tensors.Tensor{csc, vec}},
		{"ij,ij->ij", "+,*", []*tensors.Tensor{csr, csr.ToDense()}},
		{"ij,ij->ij", "min,max", []*tensors.Tensor{csc, csr.ToDense()}},
		{"ij->ji", "+,*", []*tensors.Tensor{csr}},
		{"ij->", "+,*", []*tensors.Tensor{csr}},
		{"ij->", "max,+", []*tensors.Tensor{coo}},
		{"i,i->", "+,*", []*tensors.Tensor{vec, vec}},
		{"ijk,jk->i", "+,*", []*tensors.Tensor{cube, tensors.Full(float32(0.5), 2, 5)}},
		{"ij,jk,kl->il", "+,*", []*tensors.Tensor{csr, rect, wide}},
	}
	backendsUnderTest := map[string]backends.Backend{
		"default": must.M1(New("")),
		"tiled":   must.M1(New("blockx=4,blocky=4,blockr=3,parallelism=2")),
	}
	for name, b := range backendsUnderTest {
		for _, tc := range testCases {
			t.Run(fmt.Sprintf("%s/%s/%s/%v", name, tc.equation, tc.semiring, formatsOf(tc.operands)), func(t *testing.T) {
				got := run(t, b, tc.equation, tc.semiring, tc.operands...)
				want := must.M1(reference.Contract(tc.equation, tc.semiring, tc.operands...))
				wantTensor := f32(must.M1(want.Tensor(got.Format())))
				assert.Truef(t, got.InDelta(wantTensor, 1e-4), "got %s\nwant %s", got, wantTensor)
			})
		}
		b.Finalize()
	}
}

func formatsOf(operands []*tensors.Tensor) []formats.Format {
	fs := make([]formats.Format, len(operands))
	for ii, operand := range operands {
		fs[ii] = operand.Format()
	}
	return fs
}

func TestLaunchModes(t *testing.T) {
	b := must.M1(newBackend("blocky=8"))
	defer b.Finalize()
	csr := f32(reference.Rank2(formats.CSR))
	csc := f32(reference.Rank2(formats.CSC))
	dense := tensors.Full(float32(1), 5, 5)
	for _, tc := range []struct {
		equation string
		operands []*tensors.Tensor
		want     launchMode
	}{
		{"ij,jk->ik", []*tensors.Tensor{csr, csr}, launchRows},
		{"ij,jk->ik", []*tensors.Tensor{dense, dense}, launchTiles},
		{"ij,j->i", []*tensors.Tensor{csc, tensors.Full(float32(1), 5)}, launchPartitions},
		{"i,i->", []*tensors.Tensor{tensors.Full(float32(1), 5), tensors.Full(float32(1), 5)}, launchPartitions},
	} {
		k := compile(t, b, tc.equation, "", tc.operands...).(*Kernel)
		assert.Equalf(t, tc.want, k.steps[0].mode, "%s %v", tc.equation, formatsOf(tc.operands))
	}
}

func TestCompileErrors(t *testing.T) {
	b := must.M1(New(""))
	defer b.Finalize()

	// GPU kernels compute in f32 only.
	_, err := b.Compile(program(t, "ij,j->i", "", false, tensors.Full(2.3, 8, 16), tensors.Full(3.7, 16)))
	require.ErrorIs(t, err, backends.ErrCodegen)

	coo := f32(reference.Rank2(formats.COO))
	_, err = b.Compile(program(t, "ij->i", "", false, coo))
	require.ErrorIs(t, err, backends.ErrCodegen)
}

func TestExecuteMismatch(t *testing.T) {
	b := must.M1(New(""))
	defer b.Finalize()
	csr := f32(reference.Rank2(formats.CSR))
	k := compile(t, b, "ij,jk->ik", "", csr, csr)
	ec := backends.NewExecutionContext(BackendName)
	_, err := k.Execute(ec, csr, csr.ToDense())
	require.ErrorIs(t, err, backends.ErrSignatureMismatch)
	_, err = k.Execute(ec, csr, reference.Rank2(formats.CSR))
	require.ErrorIs(t, err, backends.ErrSignatureMismatch)

	eye := must.M1(tensors.NewCSR(3, 3, []int{0, 1, 2, 3}, []int{0, 1, 2}, []float32{1, 1, 1}))
	result := must.M1(k.Execute(ec, eye, eye))
	assert.Equal(t, []float32{1, 1, 1}, tensors.Values[float32](result))
}

func TestSource(t *testing.T) {
	b := must.M1(New("blockx=32"))
	defer b.Finalize()
	csr := f32(reference.Rank2(formats.CSR))
	source := compile(t, b, "ij,jk->ik", "min,+", csr, csr).Source()
	assert.Contains(t, source, "@compute @workgroup_size(32, 1, 1)")
	assert.Contains(t, source, "fn reduce_op(a: f32, b: f32) -> f32 { return min(a, b); }")
	assert.Contains(t, source, "fn combine_op(a: f32, b: f32) -> f32 { return a + b; }")
	assert.Contains(t, source, "var<storage, read> in0_index: array<u32>;")
	assert.Contains(t, source, "var<storage, read_write> out_touched: array<u32>;")
	assert.Contains(t, source, "let l0 = gid.x; // i")
	assert.Contains(t, source, "out_values[o] = reduce_op(out_values[o], v);")

	// Same source, same kernel name.
	k1 := compile(t, b, "ij,jk->ik", "min,+", csr, csr).(*Kernel)
	k2 := compile(t, b, "ij,jk->ik", "min,+", csr, csr).(*Kernel)
	assert.Equal(t, k1.steps[0].kernel.Name, k2.steps[0].kernel.Name)
}

func TestEmulatedDevice(t *testing.T) {
	device := must.M1(newDevice(EmulatedDevice, DeviceConfig{Parallelism: 3, MaxInFlight: 2}))
	defer device.Release()
	out := must.M1(device.Upload(make([]uint32, 6*3)))
	var calls atomic.Int32
	kernel := &DeviceKernel{
		Name:      "grid",
		Workgroup: [2]int{4, 2},
		Invoke: func(mem [][]uint32, x, y int) {
			calls.Add(1)
			if x >= 6 || y >= 3 {
				return
			}
			mem[0][y*6+x] = uint32(x + 10*y)
		},
	}
	launch := Launch{Kernel: kernel, Buffers: []Buffer{out}, Threads: [2]int{6, 3}}
	groupsX, groupsY := launch.Workgroups()
	assert.Equal(t, 2, groupsX)
	assert.Equal(t, 2, groupsY)
	event := must.M1(device.Dispatch(launch))
	require.NoError(t, event.Wait())
	assert.True(t, event.Done())
	assert.Equal(t, int32(2*2*4*2), calls.Load())
	words := must.M1(device.Download(out))
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 10, 11, 12, 13, 14, 15, 20, 21, 22, 23, 24, 25}, words)

	failing := &DeviceKernel{Name: "failing", Workgroup: [2]int{1, 1}, Invoke: func(mem [][]uint32, x, y int) {
		_ = mem[0][100]
	}}
	event = must.M1(device.Dispatch(Launch{Kernel: failing, Buffers: []Buffer{out}, Threads: [2]int{1, 1}}))
	require.Error(t, event.Wait())
	device.Synchronize()

	out.Release()
	_, err := device.Download(out)
	require.Error(t, err)
	_, err = device.Dispatch(launch)
	require.Error(t, err)
}

func TestCustomOperator(t *testing.T) {
	b := must.M1(New(""))
	defer b.Finalize()
	require.NoError(t, semiring.Register("larger,+", &semiring.Ops[float32]{
		Reduce:   func(a, b float32) float32 { return max(a, b) },
		Combine:  func(a, b float32) float32 { return a + b },
		Identity: float32(math.Inf(-1)),
	}))
	csr := f32(reference.Rank2(formats.CSR))
	_, err := b.Compile(program(t, "ij,jk->ik", "larger,+", false, csr, csr))
	require.ErrorIs(t, err, backends.ErrCodegen)
	assert.ErrorContains(t, err, "larger")
	require.Panics(t, func() { wgslOperator("larger") })
}

func TestFinalizeWhileExecuting(t *testing.T) {
	b := must.M1(New("parallelism=2"))
	csr := f32(reference.Rank2(formats.CSR))
	k := compile(t, b, "ij,jk->ik", "min,+", csr, csr)
	const numCalls = 8
	errs := make([]error, numCalls)
	var wg sync.WaitGroup
	for ii := range numCalls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[ii] = k.Execute(backends.NewExecutionContext(BackendName), csr, csr)
		}()
	}
	b.Finalize()
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			assert.ErrorContains(t, err, "finalized")
		}
	}
	_, err := b.Compile(program(t, "ij,jk->ik", "min,+", false, csr, csr))
	require.ErrorContains(t, err, "finalized")
	assert.Contains(t, b.Description(), "finalized")
	b.Finalize()
}

func TestNewOptions(t *testing.T) {
	b := must.M1(newBackend("blockx=128,blocky=2,blockr=16"))
	assert.Equal(t, launchOptions{blockX: 128, blockY: 2, blockR: 16}, b.launchOptions)
	assert.Equal(t, EmulatedDevice, b.Device().Name())
	assert.Contains(t, b.Description(), "emulated device, workgroup 128x2")
	b.Finalize()

	_, err := New("blockx=0")
	require.ErrorContains(t, err, "blockx")
	_, err = New("minchunk=8")
	require.ErrorContains(t, err, "minchunk")
	_, err = New("device=tpu")
	require.ErrorContains(t, err, "unknown device")
	if runtime.GOOS != "windows" {
		_, err = New("device=webgpu")
		require.Error(t, err)
	}
	assert.Equal(t, []string{EmulatedDevice, WebGPUDevice}, Devices())

	b2 := must.M1(backends.NewWithConfig("gpu:blockr=2"))
	assert.Equal(t, BackendName, b2.Name())
	b2.Finalize()
}
