// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/gomlx/einjit/pkg/jit"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// bench runs workloads on a runtime.
type bench struct {
	runtime *jit.Runtime
	density float64
	repeats int
	rng     *rand.Rand
	bar     *progressbar.ProgressBar
}

// result of one workload on one device and size.
type result struct {
	device, workload string
	size             int

	compile  time.Duration
	cached   bool
	fallback bool
	run      time.Duration

	output string
	nnz    int
	memory uintptr
	err    error
}

// dtypeFor returns the dtype of the operands generated for the device: GPU kernels compute in float32.
func dtypeFor(device string) dtypes.DType {
	if device == "gpu" || strings.HasPrefix(device, "gpu:") {
		return dtypes.Float32
	}
	return dtypes.Float64
}

func (b *bench) runAll(devices []string, sizes []int, selected []workload) []result {
	total := len(devices) * len(sizes) * len(selected) * (b.repeats + 1)
	colors := termenv.NewOutput(os.Stderr).Profile != termenv.Ascii
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("benchmarking"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(colors),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	var results []result
	for _, device := range devices {
		for _, w := range selected {
			if klog.V(1).Enabled() {
				klog.Infof("%s on %s", must.M1(w.describe()), device)
			}
			for _, n := range sizes {
				res := b.runOne(device, w, n)
				if res.err != nil {
					klog.Errorf("%s on %s, size %d: %+v", w.name, device, n, res.err)
				}
				results = append(results, res)
			}
		}
	}
	_ = b.bar.Finish()
	return results
}

// runOne compiles (or fetches from the cache) the workload kernel for size n, and times its executions.
// Steps not run because of errors are still counted in the progress bar.
func (b *bench) runOne(device string, w workload, n int) (res result) {
	res = result{device: device, workload: w.name, size: n}
	pending := b.repeats + 1
	defer func() {
		if b.bar != nil {
			_ = b.bar.Add(pending)
		}
	}()

	gen := &generator{rng: b.rng, density: b.density, dtype: dtypeFor(device)}
	operands := w.operands(gen, n)
	operandShapes := make([]shapes.Shape, len(operands))
	for ii, operand := range operands {
		operandShapes[ii] = operand.Shape()
	}
	g, err := expr.Parse(w.equation, w.semiring, operandShapes...)
	if err != nil {
		res.err = err
		return
	}

	missesBefore := b.runtime.Cache().Stats().Misses
	start := time.Now()
	exec, err := b.runtime.Compile(g, operands, device)
	res.compile = time.Since(start)
	if err != nil {
		res.err = err
		return
	}
	res.cached = b.runtime.Cache().Stats().Misses == missesBefore
	res.fallback = exec.Program().Fallback
	if b.bar != nil {
		_ = b.bar.Add(1)
	}
	pending--

	var out *tensors.Tensor
	start = time.Now()
	for range b.repeats {
		out, err = exec.Run(operands...)
		if err != nil {
			res.err = err
			return
		}
		if b.bar != nil {
			_ = b.bar.Add(1)
		}
		pending--
	}
	res.run = time.Since(start) / time.Duration(b.repeats)
	res.output = fmt.Sprintf("%s %s", out.Format(), out.Shape())
	res.nnz = out.NNZ()
	res.memory = out.Memory()
	return
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(time.Microsecond).String()
	default:
		return d.Round(100 * time.Nanosecond).String()
	}
}

var (
	resultColumns = []string{"Device", "Workload", "Size", "Compile", "Cached", "Run", "Output", "NNZ", "Memory"}
	resultAligns  = []lipgloss.Position{lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Right,
		lipgloss.Center, lipgloss.Right, lipgloss.Left, lipgloss.Right, lipgloss.Right}
)

// resultsTable lists the results, with failed workloads in red.
func resultsTable(results []result) *reportTable {
	table := newReportTable(resultColumns, resultAligns...)
	for _, res := range results {
		if res.err != nil {
			table.FailedRow(res.device, res.workload, humanize.Comma(int64(res.size)), formatDuration(res.compile),
				"", "", "failed", "", "")
			continue
		}
		compile := formatDuration(res.compile)
		if res.fallback {
			compile += " (fallback)"
		}
		table.Row(res.device, res.workload, humanize.Comma(int64(res.size)), compile,
			yesNo(res.cached), formatDuration(res.run), res.output,
			humanize.Comma(int64(res.nnz)), humanize.Bytes(uint64(res.memory)))
	}
	return table
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
