// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"slices"

	"github.com/gomlx/einjit/backends"
	"github.com/gomlx/einjit/internal/workerspool"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// number is the set of compute types of CPU kernels.
type number interface {
	float32 | float64
}

// operandState is the per-worker state of one operand of a step during execution.
// The step output is kept as an extra, dense, operand, after the step operands.
type operandState[T number] struct {
	values  []T
	strides []int
	indptr  []int
	indices []int
	coords  [][]int
	mask    []bool

	// pos is the position in values of the element currently matched.
	pos int

	// lo, hi delimit the segment selected in a compressed operand.
	lo, hi int
}

// execState is the state of one worker executing a step.
type execState[T number] struct {
	// idx holds the value bound to each label slot, and extents their dimensions.
	idx, extents []int

	ops []operandState[T]

	acc accumulator[T]
}

func (st *execState[T]) clone() *execState[T] {
	return &execState[T]{
		idx:     make([]int, len(st.idx)),
		extents: st.extents,
		ops:     slices.Clone(st.ops),
	}
}

type slotAxis struct {
	slot, axis int
}

// denseUpdate recomputes the offset of a dense operand (or the output) when a level binds one of
// its labels. Terms cover the labels bound by the level and by every enclosing level, so the offset
// never depends on what inner levels left behind.
type denseUpdate struct {
	operand int
	terms   []slotAxis
}

// loweredLevel is one level of the loop nest of a step.
type loweredLevel[T number] struct {
	traversal plan.Traversal
	driver    int

	// slots bound by the level: one for DenseLoop and CompressedWalk, one per axis of the driver for TripletScan.
	slots []int

	// bind binds the labels of the level for the iteration it.
	bind func(st *execState[T], it int)

	updates []denseUpdate
	checks  []func(st *execState[T]) bool
	next    func(st *execState[T])
}

func (l *loweredLevel[T]) bounds(st *execState[T]) (lo, hi int) {
	switch l.traversal {
	case plan.CompressedWalk:
		op := &st.ops[l.driver]
		return op.lo, op.hi
	case plan.TripletScan:
		return 0, len(st.ops[l.driver].values)
	default:
		return 0, st.extents[l.slots[0]]
	}
}

func (l *loweredLevel[T]) run(st *execState[T]) {
	lo, hi := l.bounds(st)
	l.iterate(st, lo, hi)
}

func (l *loweredLevel[T]) iterate(st *execState[T], lo, hi int) {
iterations:
	for it := lo; it < hi; it++ {
		l.bind(st, it)
		for _, u := range l.updates {
			op := &st.ops[u.operand]
			pos := 0
			for _, term := range u.terms {
				pos += st.idx[term.slot] * op.strides[term.axis]
			}
			op.pos = pos
		}
		for _, check := range l.checks {
			if !check(st) {
				continue iterations
			}
		}
		l.next(st)
	}
}

// loweredStep is a step lowered to a nest of closures, specialized for the compute type T.
type loweredStep[T number] struct {
	step   *plan.Step
	ops    *semiring.Ops[T]
	slots  map[rune]int
	levels []*loweredLevel[T]
	body   func(st *execState[T])
}

// lowerStep builds the loop nest of the step. Extents, strides and storage are only known at
// execution, so the same lowered step serves operands of any dimensions.
func lowerStep[T number](step *plan.Step, sr *semiring.Semiring) *loweredStep[T] {
	ls := &loweredStep[T]{
		step:  step,
		ops:   semiring.OpsFor[T](sr),
		slots: make(map[rune]int),
	}
	for _, level := range step.Levels {
		for _, label := range level.Labels {
			ls.slots[label] = len(ls.slots)
		}
	}
	ls.body = ls.lowerBody()
	numOps := len(step.Operands) + 1
	next := ls.body
	ls.levels = make([]*loweredLevel[T], len(step.Levels))
	for levelIdx := len(step.Levels) - 1; levelIdx >= 0; levelIdx-- {
		level := ls.lowerLevel(levelIdx, numOps, next)
		ls.levels[levelIdx] = level
		next = level.run
	}

	// Prefix the terms of each update with those of the enclosing levels.
	enclosing := make([][]slotAxis, numOps)
	for _, level := range ls.levels {
		for ii := range level.updates {
			u := &level.updates[ii]
			own := u.terms
			u.terms = append(slices.Clone(enclosing[u.operand]), own...)
			enclosing[u.operand] = u.terms
		}
	}
	return ls
}

func (ls *loweredStep[T]) lowerLevel(levelIdx, numOps int, next func(st *execState[T])) *loweredLevel[T] {
	level := ls.step.Levels[levelIdx]
	l := &loweredLevel[T]{traversal: level.Traversal, driver: level.Driver, next: next}
	switch level.Traversal {
	case plan.DenseLoop:
		slot := ls.slots[level.Labels[0]]
		l.slots = []int{slot}
		l.bind = func(st *execState[T], it int) { st.idx[slot] = it }
	case plan.CompressedWalk:
		slot := ls.slots[level.Labels[0]]
		driver := level.Driver
		l.slots = []int{slot}
		l.bind = func(st *execState[T], it int) {
			op := &st.ops[driver]
			op.pos = it
			st.idx[slot] = op.indices[it]
		}
	case plan.TripletScan:
		driver := level.Driver
		for _, label := range ls.step.Operands[driver].Labels {
			l.slots = append(l.slots, ls.slots[label])
		}
		slots := l.slots
		l.bind = func(st *execState[T], it int) {
			op := &st.ops[driver]
			op.pos = it
			for axis, slot := range slots {
				st.idx[slot] = op.coords[axis][it]
			}
		}
	}

	updates := make(map[int]*denseUpdate)
	addTerm := func(operand, axis int, label rune) {
		u, found := updates[operand]
		if !found {
			u = &denseUpdate{operand: operand}
			updates[operand] = u
		}
		u.terms = append(u.terms, slotAxis{slot: ls.slots[label], axis: axis})
	}
	for _, access := range level.Accesses {
		operand := access.Operand
		switch access.Kind {
		case plan.AccessDense:
			addTerm(operand, access.Axis, ls.step.Operands[operand].Labels[access.Axis])
		case plan.AccessSegment:
			slot := ls.slots[ls.step.Operands[operand].Labels[access.Axis]]
			l.checks = append(l.checks, func(st *execState[T]) bool {
				op := &st.ops[operand]
				major := st.idx[slot]
				op.lo, op.hi = op.indptr[major], op.indptr[major+1]
				return op.lo < op.hi
			})
		case plan.AccessSearch:
			slot := ls.slots[ls.step.Operands[operand].Labels[access.Axis]]
			l.checks = append(l.checks, func(st *execState[T]) bool {
				op := &st.ops[operand]
				p, found := slices.BinarySearch(op.indices[op.lo:op.hi], st.idx[slot])
				if !found {
					return false
				}
				op.pos = op.lo + p
				return true
			})
		}
	}
	outOperand := numOps - 1
	for axis, label := range ls.step.Output {
		if level.Labels.Has(label) {
			addTerm(outOperand, axis, label)
		}
	}
	for operand := range numOps {
		if u, found := updates[operand]; found {
			l.updates = append(l.updates, *u)
		}
	}
	return l
}

// lowerBody returns the innermost statement: ⊙ of the matched values, ⊕ into the output.
func (ls *loweredStep[T]) lowerBody() func(st *execState[T]) {
	var masked []int
	for ii, op := range ls.step.Operands {
		if op.Materialized {
			masked = append(masked, ii)
		}
	}
	numOperands := len(ls.step.Operands)
	out := numOperands
	combine := ls.ops.Combine
	present := func(st *execState[T]) bool {
		for _, ii := range masked {
			op := &st.ops[ii]
			if !op.mask[op.pos] {
				return false
			}
		}
		return true
	}
	switch {
	case numOperands == 1 && len(masked) == 0:
		return func(st *execState[T]) {
			a := &st.ops[0]
			st.acc.add(st.ops[out].pos, a.values[a.pos])
		}
	case numOperands == 2 && len(masked) == 0:
		return func(st *execState[T]) {
			a, b := &st.ops[0], &st.ops[1]
			st.acc.add(st.ops[out].pos, combine(a.values[a.pos], b.values[b.pos]))
		}
	}
	return func(st *execState[T]) {
		if !present(st) {
			return
		}
		v := st.ops[0].values[st.ops[0].pos]
		for ii := 1; ii < numOperands; ii++ {
			op := &st.ops[ii]
			v = combine(v, op.values[op.pos])
		}
		st.acc.add(st.ops[out].pos, v)
	}
}

// newState creates the state for the operands of one execution.
func (ls *loweredStep[T]) newState(operands []backends.StepOperand, output shapes.Shape) (*execState[T], error) {
	numOps := len(operands) + 1
	st := &execState[T]{
		idx:     make([]int, len(ls.slots)),
		extents: make([]int, len(ls.slots)),
		ops:     make([]operandState[T], numOps),
	}
	for ii, operand := range operands {
		t := operand.Tensor
		labels := ls.step.Operands[ii].Labels
		if t.Format() != ls.step.Operands[ii].AccessFormat() {
			return nil, errors.Wrapf(backends.ErrSignatureMismatch, "operand #%d is %s, step expects %s",
				ii, t.Format(), ls.step.Operands[ii].AccessFormat())
		}
		for axis, label := range labels {
			st.extents[ls.slots[label]] = t.Dimensions()[axis]
		}
		op := &st.ops[ii]
		op.values = tensors.Values[T](t)
		op.mask = operand.Mask
		switch storage := t.Storage().(type) {
		case *tensors.CompressedStorage:
			op.indptr = storage.Indptr()
			op.indices = storage.Indices()
		case *tensors.CoordinateStorage:
			op.coords = storage.Coords()
		default:
			op.strides = shapes.StridesFor(t.Dimensions())
		}
	}
	st.ops[numOps-1].strides = output.Strides()
	return st, nil
}

// execute runs the step, splitting the outermost level among workers.
//
// If the outermost level only binds retained labels, workers write disjoint output elements and
// share the output. Otherwise, each worker accumulates a partial output, and the partials are merged with ⊕.
func (ls *loweredStep[T]) execute(workers *workerspool.Pool, minChunk int, operands []backends.StepOperand, output shapes.Shape) (*tensors.Tensor, error) {
	base, err := ls.newState(operands, output)
	if err != nil {
		return nil, err
	}
	format := ls.step.OutputFormat
	if len(ls.levels) == 0 {
		base.acc = ls.newAccumulator(output)
		ls.body(base)
		return ls.assemble(output, []accumulator[T]{base.acc})
	}

	outer := ls.levels[0]
	_, n := outer.bounds(base)
	disjoint := !ls.step.Levels[0].Reduces
	var shared accumulator[T]
	if disjoint && format == formats.Dense {
		shared = ls.newAccumulator(output)
	}
	accs := make([]accumulator[T], workers.NumWorkers())
	numChunks := workers.Split(n, minChunk, func(worker, start, end int) {
		st := base.clone()
		st.acc = shared
		if st.acc == nil {
			st.acc = ls.newAccumulator(output)
		}
		accs[worker] = st.acc
		outer.iterate(st, start, end)
	})
	if klog.V(2).Enabled() {
		klog.Infof("cpu: step %s split %d outer iterations in %d chunks (disjoint=%v)", ls.step.Output, n, numChunks, disjoint)
	}
	if shared != nil {
		return ls.assemble(output, []accumulator[T]{shared})
	}
	if numChunks == 0 {
		return ls.assemble(output, []accumulator[T]{ls.newAccumulator(output)})
	}
	return ls.assemble(output, accs[:numChunks])
}
