// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// einjit_bench compiles and times a set of contraction workloads on each device, and prints
// a report with compilation times, cache use and average execution times.
//
// Example:
//
//	einjit_bench -devices=cpu,gpu:blockx=128 -sizes=64,512 -density=0.01
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/einjit/pkg/jit"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDevices = flag.String("devices", "cpu,gpu", "Comma-separated list of devices to benchmark. "+
		"Each is a backend configuration, e.g. \"gpu:blockx=128,blockr=16\".")
	flagSizes     = flag.String("sizes", "64,256", "Comma-separated list of matrix sizes.")
	flagDensity   = flag.Float64("density", 0.05, "Fraction of stored elements in sparse operands.")
	flagRepeats   = flag.Int("repeats", 10, "Number of timed executions of each workload.")
	flagWorkloads = flag.String("workloads", "", "Comma-separated list of workloads to run. All if empty.")
	flagSeed      = flag.Uint64("seed", 42, "Seed for the random operands.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagRepeats < 1 {
		klog.Errorf("-repeats must be >= 1, got %d", *flagRepeats)
		os.Exit(1)
	}
	sizes, err := parseSizes(*flagSizes)
	if err != nil {
		klog.Errorf("Invalid -sizes: %+v", err)
		os.Exit(1)
	}
	selected, err := selectWorkloads(*flagWorkloads)
	if err != nil {
		klog.Errorf("Invalid -workloads: %+v", err)
		os.Exit(1)
	}
	devices := strings.Split(*flagDevices, ",")

	r := jit.NewRuntime()
	defer r.Finalize()
	b := &bench{
		runtime: r,
		density: *flagDensity,
		repeats: *flagRepeats,
		rng:     rand.New(rand.NewPCG(*flagSeed, *flagSeed)),
	}
	results := b.runAll(devices, sizes, selected)

	fmt.Println(titleStyle.Render("Workloads"))
	fmt.Println(resultsTable(results).Render())

	fmt.Println(titleStyle.Render("Kernel cache"))
	stats := r.Cache().Stats()
	table := newReportTable(nil, lipgloss.Right, lipgloss.Left)
	table.Row("kernels", humanize.Comma(int64(r.Cache().Len())))
	table.Row("hits", humanize.Comma(stats.Hits))
	table.Row("misses", humanize.Comma(stats.Misses))
	table.Row("waits", humanize.Comma(stats.Waits))
	fmt.Println(table.Render())

	for _, res := range results {
		if res.err != nil {
			os.Exit(1)
		}
	}
}

func parseSizes(list string) ([]int, error) {
	var sizes []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "size %q", part)
		}
		if n < 1 {
			return nil, errors.Errorf("size must be >= 1, got %d", n)
		}
		sizes = append(sizes, n)
	}
	if len(sizes) == 0 {
		return nil, errors.New("no sizes given")
	}
	return sizes, nil
}
