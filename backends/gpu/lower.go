// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"math"

	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/pkg/errors"
)

// launchMode is how the invocations of a kernel map to the loop nest of a step.
type launchMode int

const (
	// launchSingle runs a step without levels in one invocation.
	launchSingle launchMode = iota

	// launchRows maps each iteration of the outermost (retained) level to one invocation.
	launchRows

	// launchTiles maps the iterations of the two outermost (retained, dense) levels to a 2D grid.
	launchTiles

	// launchPartitions splits the outermost level, which reduces, in partitions: each invocation
	// reduces one partition into its own copy of the output, and the copies are merged with ⊕.
	launchPartitions
)

var launchModeNames = []string{"single", "rows", "tiles", "partitions"}

// String implements fmt.Stringer.
func (m launchMode) String() string { return launchModeNames[m] }

// bufferKind is the role of a buffer bound to a kernel.
type bufferKind int

const (
	valuesBuffer bufferKind = iota
	indexBuffer             // indptr followed by the indices of a compressed operand
	maskBuffer              // structural mask of a materialized operand
	outValuesBuffer
	outTouchedBuffer
	paramsBuffer
)

type binding struct {
	kind    bufferKind
	operand int
	name    string
}

// Fixed words of the params buffer; the extents and strides follow.
const (
	paramThreadsX = iota
	paramThreadsY
	paramOuterExtent
	paramChunk
	paramOutSize
	numFixedParams
)

// maxWord is the largest index representable in device memory.
const maxWord = math.MaxUint32

// stepKernel is a step lowered for the GPU. Operands live in device buffers of 32-bit words:
// values are f32, indptr/indices/masks are u32. The output is a dense array plus a "touched"
// flag per element, compressed to the step's output format on the host.
type stepKernel struct {
	step    *plan.Step
	name    string
	ops     *semiring.Ops[float32]
	reduce  semiring.Operator
	combine semiring.Operator

	slots  map[rune]int
	labels []rune // label of each slot

	mode      launchMode
	workgroup [2]int

	bindings     []binding
	valuesAt     []int // per operand
	auxAt        []int // per operand: index or mask buffer, -1 if none
	outValuesAt  int
	outTouchedAt int
	paramsAt     int

	// Positions in the params buffer: extentParam+slot holds the extent of the slot,
	// strideParam[operand]+axis the stride of an axis of a dense operand (the output is the
	// last operand), and indicesParam[operand] the offset of the indices in the index buffer.
	extentParam  int
	strideParam  []int
	indicesParam []int
	numParams    int

	kernel *DeviceKernel
}

// lowerStep lays out the buffers and params of the step and selects its launch mode.
func lowerStep(stepIdx int, step *plan.Step, sr *semiring.Semiring, opts launchOptions) (*stepKernel, error) {
	for _, op := range []semiring.Operator{sr.Reduce, sr.Combine} {
		if _, found := wgslOperators[op]; !found {
			return nil, errors.Wrapf(backends.ErrCodegen, "gpu backend can't emit semiring operator %q of %s", op, sr.Name)
		}
	}
	k := &stepKernel{
		step:      step,
		name:      fmt.Sprintf("step%d", stepIdx),
		ops:       semiring.OpsFor[float32](sr),
		reduce:    sr.Reduce,
		combine:   sr.Combine,
		slots:     make(map[rune]int),
		workgroup: [2]int{opts.blockX, 1},
	}
	for _, level := range step.Levels {
		if level.Traversal == plan.TripletScan {
			return nil, errors.Wrapf(backends.ErrCodegen, "gpu backend can't scan COO operands (labels %q)", level.Labels)
		}
		for _, label := range level.Labels {
			k.slots[label] = len(k.labels)
			k.labels = append(k.labels, label)
		}
	}

	levels := step.Levels
	switch {
	case len(levels) == 0:
		k.mode = launchSingle
		k.workgroup = [2]int{1, 1}
	case levels[0].Traversal != plan.DenseLoop:
		return nil, errors.Wrapf(backends.ErrCodegen, "gpu backend requires a dense outermost loop, got %s", levels[0].Traversal)
	case levels[0].Reduces:
		k.mode = launchPartitions
	case opts.blockY > 1 && len(levels) > 1 && levels[1].Traversal == plan.DenseLoop && !levels[1].Reduces:
		k.mode = launchTiles
		k.workgroup = [2]int{opts.blockX, opts.blockY}
	default:
		k.mode = launchRows
	}

	numOps := len(step.Operands)
	k.valuesAt = make([]int, numOps)
	k.auxAt = make([]int, numOps)
	k.strideParam = make([]int, numOps+1)
	k.indicesParam = make([]int, numOps)
	k.extentParam = numFixedParams
	next := numFixedParams + len(k.labels)
	for ii, op := range step.Operands {
		k.valuesAt[ii] = k.bind(valuesBuffer, ii, fmt.Sprintf("in%d_values", ii))
		k.auxAt[ii], k.strideParam[ii], k.indicesParam[ii] = -1, -1, -1
		switch {
		case op.Materialized:
			k.auxAt[ii] = k.bind(maskBuffer, ii, fmt.Sprintf("in%d_mask", ii))
		case op.Format.IsCompressed():
			k.auxAt[ii] = k.bind(indexBuffer, ii, fmt.Sprintf("in%d_index", ii))
			k.indicesParam[ii] = next
			next++
		}
		if op.AccessFormat() == formats.Dense {
			k.strideParam[ii] = next
			next += op.Labels.Rank()
		}
	}
	k.strideParam[numOps] = next
	next += step.Output.Rank()
	k.numParams = next
	k.outValuesAt = k.bind(outValuesBuffer, -1, "out_values")
	k.outTouchedAt = k.bind(outTouchedBuffer, -1, "out_touched")
	k.paramsAt = k.bind(paramsBuffer, -1, "params")
	return k, nil
}

func (k *stepKernel) bind(kind bufferKind, operand int, name string) int {
	k.bindings = append(k.bindings, binding{kind: kind, operand: operand, name: name})
	return len(k.bindings) - 1
}

// hostBuffers prepares the contents of every buffer bound to the kernel, and the launch grid.
// For launchPartitions the output is replicated once per partition.
func (k *stepKernel) hostBuffers(operands []backends.StepOperand, output shapes.Shape, blockR int) (words [][]uint32, threads [2]int, copies int, err error) {
	params := make([]uint32, k.numParams)
	extents := make([]int, len(k.labels))
	words = make([][]uint32, len(k.bindings))
	checked := func(v int) uint32 {
		if v < 0 || v > maxWord {
			err = errors.Wrapf(backends.ErrCodegen, "gpu: index %d doesn't fit 32-bit device memory", v)
			return 0
		}
		return uint32(v)
	}
	for ii, operand := range operands {
		t := operand.Tensor
		op := k.step.Operands[ii]
		if t.Format() != op.AccessFormat() {
			return nil, threads, 0, errors.Wrapf(backends.ErrSignatureMismatch, "operand #%d is %s, step expects %s",
				ii, t.Format(), op.AccessFormat())
		}
		for axis, label := range op.Labels {
			extents[k.slots[label]] = t.Dimensions()[axis]
		}
		words[k.valuesAt[ii]] = float32Words(tensors.Values[float32](t))
		switch storage := t.Storage().(type) {
		case *tensors.CompressedStorage:
			index := make([]uint32, 0, len(storage.Indptr())+len(storage.Indices()))
			for _, v := range storage.Indptr() {
				index = append(index, checked(v))
			}
			for _, v := range storage.Indices() {
				index = append(index, checked(v))
			}
			words[k.auxAt[ii]] = index
			params[k.indicesParam[ii]] = checked(len(storage.Indptr()))
		default:
			for axis, stride := range shapes.StridesFor(t.Dimensions()) {
				params[k.strideParam[ii]+axis] = checked(stride)
			}
			if operand.Mask != nil {
				mask := make([]uint32, len(operand.Mask))
				for pos, present := range operand.Mask {
					if present {
						mask[pos] = 1
					}
				}
				words[k.auxAt[ii]] = mask
			}
		}
	}
	for axis, stride := range output.Strides() {
		params[k.strideParam[len(operands)]+axis] = checked(stride)
	}
	for slot, extent := range extents {
		params[k.extentParam+slot] = checked(extent)
	}

	outSize := output.Size()
	copies = 1
	threads = [2]int{1, 1}
	switch k.mode {
	case launchRows:
		threads[0] = extents[0]
	case launchTiles:
		threads = [2]int{extents[0], extents[1]}
	case launchPartitions:
		n := extents[0]
		chunk := max((n+blockR-1)/blockR, 1)
		threads[0] = (n + chunk - 1) / chunk
		copies = max(threads[0], 1)
		params[paramOuterExtent] = checked(n)
		params[paramChunk] = checked(chunk)
	}
	params[paramThreadsX] = checked(threads[0])
	params[paramThreadsY] = checked(threads[1])
	params[paramOutSize] = checked(outSize)
	checked(copies * outSize)
	if err != nil {
		return nil, threads, 0, err
	}

	identity := math.Float32bits(k.ops.Identity)
	outValues := make([]uint32, copies*outSize)
	for ii := range outValues {
		outValues[ii] = identity
	}
	words[k.outValuesAt] = outValues
	words[k.outTouchedAt] = make([]uint32, copies*outSize)
	words[k.paramsAt] = params
	return words, threads, copies, nil
}

// assemble merges the output copies with ⊕ and builds the step result in the output format,
// with the touched elements as its structure.
func (k *stepKernel) assemble(output shapes.Shape, values, touched []uint32, copies int) (*tensors.Tensor, error) {
	outSize := output.Size()
	flat := make([]float32, outSize)
	mask := make([]bool, outSize)
	for ii := range outSize {
		flat[ii] = math.Float32frombits(values[ii])
		mask[ii] = touched[ii] != 0
	}
	for c := 1; c < copies; c++ {
		offset := c * outSize
		for ii := range outSize {
			if touched[offset+ii] == 0 {
				continue
			}
			flat[ii] = k.ops.Reduce(flat[ii], math.Float32frombits(values[offset+ii]))
			mask[ii] = true
		}
	}
	dense, err := tensors.FromFlatAny(output, flat)
	if err != nil {
		return nil, err
	}
	return tensors.CompressMasked(k.step.OutputFormat, dense, mask)
}

func float32Words(values []float32) []uint32 {
	words := make([]uint32, len(values))
	for ii, v := range values {
		words[ii] = math.Float32bits(v)
	}
	return words
}

// invocation is the state of one kernel invocation on the emulated device.
type invocation struct {
	k      *stepKernel
	mem    [][]uint32
	params []uint32

	idx     []int // value bound to each slot
	pos     []int // position of the matched element of each compressed operand
	lo, hi  []int // segment selected in each compressed operand
	outBase int
}

// invoke runs the invocation (x, y) on host memory: it mirrors the WGSL kernel.
func (k *stepKernel) invoke(mem [][]uint32, x, y int) {
	numOps := len(k.step.Operands)
	inv := &invocation{
		k:      k,
		mem:    mem,
		params: mem[k.paramsAt],
		idx:    make([]int, len(k.labels)),
		pos:    make([]int, numOps),
		lo:     make([]int, numOps),
		hi:     make([]int, numOps),
	}
	threadsX, threadsY := int(inv.params[paramThreadsX]), int(inv.params[paramThreadsY])
	if x >= threadsX || y >= threadsY {
		return
	}
	switch k.mode {
	case launchSingle:
		inv.body()
	case launchRows:
		if inv.enter(0, x) {
			inv.descend(1)
		}
	case launchTiles:
		if inv.enter(0, x) && inv.enter(1, y) {
			inv.descend(2)
		}
	case launchPartitions:
		chunk := int(inv.params[paramChunk])
		start := x * chunk
		end := min(int(inv.params[paramOuterExtent]), start+chunk)
		inv.outBase = x * int(inv.params[paramOutSize])
		inv.iterate(0, start, end)
	}
}

func (inv *invocation) descend(levelIdx int) {
	if levelIdx == len(inv.k.step.Levels) {
		inv.body()
		return
	}
	level := inv.k.step.Levels[levelIdx]
	if level.Traversal == plan.CompressedWalk {
		inv.iterate(levelIdx, inv.lo[level.Driver], inv.hi[level.Driver])
		return
	}
	inv.iterate(levelIdx, 0, int(inv.params[inv.k.extentParam+inv.k.slots[level.Labels[0]]]))
}

func (inv *invocation) iterate(levelIdx, lo, hi int) {
	for it := lo; it < hi; it++ {
		if inv.enter(levelIdx, it) {
			inv.descend(levelIdx + 1)
		}
	}
}

// enter binds the label of the level for iteration it and performs its accesses. It returns
// false if a compressed operand has nothing stored for the bound coordinates.
func (inv *invocation) enter(levelIdx, it int) bool {
	k := inv.k
	level := k.step.Levels[levelIdx]
	slot := k.slots[level.Labels[0]]
	if level.Traversal == plan.CompressedWalk {
		inv.pos[level.Driver] = it
		inv.idx[slot] = int(inv.mem[k.auxAt[level.Driver]][inv.indicesAt(level.Driver)+it])
	} else {
		inv.idx[slot] = it
	}
	for _, access := range level.Accesses {
		operand := access.Operand
		switch access.Kind {
		case plan.AccessSegment:
			index := inv.mem[k.auxAt[operand]]
			major := inv.idx[slot]
			inv.lo[operand], inv.hi[operand] = int(index[major]), int(index[major+1])
			if inv.lo[operand] >= inv.hi[operand] {
				return false
			}
		case plan.AccessSearch:
			p, found := inv.search(operand, inv.idx[slot])
			if !found {
				return false
			}
			inv.pos[operand] = p
		}
	}
	return true
}

func (inv *invocation) indicesAt(operand int) int {
	return int(inv.params[inv.k.indicesParam[operand]])
}

// search looks for minor in the selected segment of the operand.
func (inv *invocation) search(operand, minor int) (int, bool) {
	index := inv.mem[inv.k.auxAt[operand]]
	offset := inv.indicesAt(operand)
	a, b := inv.lo[operand], inv.hi[operand]
	for a < b {
		m := (a + b) / 2
		c := int(index[offset+m])
		switch {
		case c == minor:
			return m, true
		case c < minor:
			a = m + 1
		default:
			b = m
		}
	}
	return 0, false
}

// denseOffset of the element at the bound labels of a dense operand, or of the output for numOps.
func (inv *invocation) denseOffset(operand int) int {
	labels := inv.k.step.Output
	if operand < len(inv.k.step.Operands) {
		labels = inv.k.step.Operands[operand].Labels
	}
	offset := 0
	stride := inv.k.strideParam[operand]
	for axis, label := range labels {
		offset += inv.idx[inv.k.slots[label]] * int(inv.params[stride+axis])
	}
	return offset
}

func (inv *invocation) body() {
	k := inv.k
	var v float32
	for ii, op := range k.step.Operands {
		p := inv.pos[ii]
		if op.AccessFormat() == formats.Dense {
			p = inv.denseOffset(ii)
		}
		if op.Materialized && inv.mem[k.auxAt[ii]][p] == 0 {
			return
		}
		x := math.Float32frombits(inv.mem[k.valuesAt[ii]][p])
		if ii == 0 {
			v = x
		} else {
			v = k.ops.Combine(v, x)
		}
	}
	o := inv.outBase + inv.denseOffset(len(k.step.Operands))
	out := inv.mem[k.outValuesAt]
	out[o] = math.Float32bits(k.ops.Reduce(math.Float32frombits(out[o]), v))
	inv.mem[k.outTouchedAt][o] = 1
}
