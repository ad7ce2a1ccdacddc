// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import (
	"fmt"
	"strings"

	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/exceptions"
)

// wgslWriter emits the WGSL compute shader of a stepKernel.
type wgslWriter struct {
	k      *stepKernel
	sb     strings.Builder
	indent string
}

func (w *wgslWriter) line(format string, args ...any) {
	w.sb.WriteString(w.indent)
	_, _ = fmt.Fprintf(&w.sb, format, args...)
	w.sb.WriteByte('\n')
}

func (w *wgslWriter) open(format string, args ...any) {
	w.line(format, args...)
	w.indent += "    "
}

func (w *wgslWriter) close() {
	w.indent = w.indent[:len(w.indent)-4]
	w.line("}")
}

// wgslOperators holds the WGSL expressions of the semiring operators shaders can use.
var wgslOperators = map[semiring.Operator]string{
	semiring.Add: "a + b",
	semiring.Mul: "a * b",
	semiring.Min: "min(a, b)",
	semiring.Max: "max(a, b)",
}

func wgslOperator(op semiring.Operator) string {
	expr, found := wgslOperators[op]
	if !found {
		exceptions.Panicf("gpu: semiring operator %q has no WGSL expression", op)
	}
	return expr
}

func slotVar(slot int) string { return fmt.Sprintf("l%d", slot) }

func param(idx int) string { return fmt.Sprintf("params[%du]", idx) }

// generateWGSL renders the kernel as a WGSL compute shader. The shader and the emulated
// invocation (stepKernel.invoke) implement the same loop nest.
func (k *stepKernel) generateWGSL(expressionKey string) string {
	w := &wgslWriter{k: k}
	w.line("// einjit %s of %s: %s -> %s %s, launch %s", k.name, expressionKey,
		strings.Join(k.operandDescs(), ", "), k.step.OutputFormat, k.step.Output, k.mode)
	for ii, b := range k.bindings {
		access, elem := "read", "u32"
		switch b.kind {
		case valuesBuffer:
			elem = "f32"
		case outValuesBuffer:
			access, elem = "read_write", "f32"
		case outTouchedBuffer:
			access = "read_write"
		}
		w.line("@group(0) @binding(%d) var<storage, %s> %s: array<%s>;", ii, access, b.name, elem)
	}
	w.line("")
	w.line("fn reduce_op(a: f32, b: f32) -> f32 { return %s; }", wgslOperator(k.reduce))
	w.line("fn combine_op(a: f32, b: f32) -> f32 { return %s; }", wgslOperator(k.combine))
	w.line("")
	w.line("@compute @workgroup_size(%d, %d, 1)", k.workgroup[0], k.workgroup[1])
	w.open("fn main(@builtin(global_invocation_id) gid: vec3<u32>) {")
	w.open("if (gid.x >= %s || gid.y >= %s) {", param(paramThreadsX), param(paramThreadsY))
	w.line("return;")
	w.close()
	w.line("var out_base: u32 = 0u;")
	switch k.mode {
	case launchSingle:
		w.body("return")
	case launchRows:
		w.bindThread(0, "gid.x")
		w.levels(1, "return")
	case launchTiles:
		w.bindThread(0, "gid.x")
		w.bindThread(1, "gid.y")
		w.levels(2, "return")
	case launchPartitions:
		w.line("let start = gid.x * %s;", param(paramChunk))
		w.line("let end = min(%s, start + %s);", param(paramOuterExtent), param(paramChunk))
		w.line("out_base = gid.x * %s;", param(paramOutSize))
		w.open("for (var %s: u32 = start; %s < end; %s = %s + 1u) {", slotVar(0), slotVar(0), slotVar(0), slotVar(0))
		w.accesses(0, "continue")
		w.levels(1, "continue")
		w.close()
	}
	w.close()
	return w.sb.String()
}

func (k *stepKernel) operandDescs() []string {
	descs := make([]string, len(k.step.Operands))
	for ii, op := range k.step.Operands {
		descs[ii] = fmt.Sprintf("%s %s", op.AccessFormat(), op.Labels)
	}
	return descs
}

func (w *wgslWriter) bindThread(levelIdx int, id string) {
	level := w.k.step.Levels[levelIdx]
	w.line("let %s = %s; // %c", slotVar(w.k.slots[level.Labels[0]]), id, level.Labels[0])
	w.accesses(levelIdx, "return")
}

// levels emits the loops from levelIdx inwards, and the body in the innermost one.
func (w *wgslWriter) levels(levelIdx int, prune string) {
	k := w.k
	if levelIdx == len(k.step.Levels) {
		w.body(prune)
		return
	}
	level := k.step.Levels[levelIdx]
	slot := k.slots[level.Labels[0]]
	l := slotVar(slot)
	switch level.Traversal {
	case plan.CompressedWalk:
		d := level.Driver
		w.open("for (var p%d: u32 = lo%d; p%d < hi%d; p%d = p%d + 1u) {", d, d, d, d, d, d)
		w.line("let %s = %s[%s + p%d]; // %c", l, k.bindings[k.auxAt[d]].name, param(k.indicesParam[d]), d, level.Labels[0])
	default:
		w.open("for (var %s: u32 = 0u; %s < %s; %s = %s + 1u) { // %c", l, l, param(k.extentParam+slot), l, l, level.Labels[0])
	}
	w.accesses(levelIdx, "continue")
	w.levels(levelIdx+1, "continue")
	w.close()
}

func (w *wgslWriter) accesses(levelIdx int, prune string) {
	k := w.k
	level := k.step.Levels[levelIdx]
	l := slotVar(k.slots[level.Labels[0]])
	for _, access := range level.Accesses {
		o := access.Operand
		switch access.Kind {
		case plan.AccessSegment:
			index := k.bindings[k.auxAt[o]].name
			w.line("let lo%d = %s[%s];", o, index, l)
			w.line("let hi%d = %s[%s + 1u];", o, index, l)
			w.open("if (lo%d >= hi%d) {", o, o)
			w.line("%s;", prune)
			w.close()
		case plan.AccessSearch:
			w.line("var p%d: u32 = hi%d;", o, o)
			w.open("{")
			w.line("var a: u32 = lo%d;", o)
			w.line("var b: u32 = hi%d;", o)
			w.open("loop {")
			w.line("if (a >= b) { break; }")
			w.line("let m = (a + b) / 2u;")
			w.line("let c = %s[%s + m];", k.bindings[k.auxAt[o]].name, param(k.indicesParam[o]))
			w.line("if (c == %s) { p%d = m; break; }", l, o)
			w.line("if (c < %s) { a = m + 1u; } else { b = m; }", l)
			w.close()
			w.close()
			w.open("if (p%d == hi%d) {", o, o)
			w.line("%s;", prune)
			w.close()
		}
	}
}

func (w *wgslWriter) offset(operand int) string {
	k := w.k
	labels := k.step.Output
	if operand < len(k.step.Operands) {
		labels = k.step.Operands[operand].Labels
	}
	if len(labels) == 0 {
		return "0u"
	}
	terms := make([]string, len(labels))
	for axis, label := range labels {
		terms[axis] = fmt.Sprintf("%s * %s", slotVar(k.slots[label]), param(k.strideParam[operand]+axis))
	}
	return strings.Join(terms, " + ")
}

func (w *wgslWriter) body(prune string) {
	k := w.k
	factors := make([]string, len(k.step.Operands))
	for ii, op := range k.step.Operands {
		if op.AccessFormat() == formats.Dense {
			w.line("let p%d = %s;", ii, w.offset(ii))
		}
		if op.Materialized {
			w.open("if (%s[p%d] == 0u) {", k.bindings[k.auxAt[ii]].name, ii)
			w.line("%s;", prune)
			w.close()
		}
		factors[ii] = fmt.Sprintf("%s[p%d]", k.bindings[k.valuesAt[ii]].name, ii)
	}
	v := factors[0]
	for _, f := range factors[1:] {
		v = fmt.Sprintf("combine_op(%s, %s)", v, f)
	}
	w.line("let v = %s;", v)
	w.line("let o = out_base + %s;", w.offset(len(k.step.Operands)))
	w.line("out_values[o] = reduce_op(out_values[o], v);")
	w.line("out_touched[o] = 1u;")
}
