// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// workload is one contraction benchmarked for each size n.
type workload struct {
	name, equation, semiring string
	operands                 func(g *generator, n int) []*tensors.Tensor
}

var workloads = []workload{
	{"matvec", "ij,j->i", "+,*", func(g *generator, n int) []*tensors.Tensor {
		return []*tensors.Tensor{g.dense(n, n), g.dense(n)}
	}},
	{"spmm", "ij,jk->ik", "+,*", func(g *generator, n int) []*tensors.Tensor {
		return []*tensors.Tensor{g.sparse(formats.CSR, n, n), g.dense(n, 16)}
	}},
	{"spgemm-minplus", "ij,jk->ik", "min,+", func(g *generator, n int) []*tensors.Tensor {
		return []*tensors.Tensor{g.sparse(formats.CSR, n, n), g.sparse(formats.CSR, n, n)}
	}},
	{"hadamard", "ij,ij->ij", "+,*", func(g *generator, n int) []*tensors.Tensor {
		return []*tensors.Tensor{g.sparse(formats.CSC, n, n), g.dense(n, n)}
	}},
	{"coo-rowmax", "ij->i", "max,+", func(g *generator, n int) []*tensors.Tensor {
		return []*tensors.Tensor{g.sparse(formats.COO, n, n)}
	}},
}

func (w workload) describe() (string, error) {
	operands, output, err := expr.ParseEquation(w.equation)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %d operands -> %q under (%s)", w.name, len(operands), output, w.semiring), nil
}

func selectWorkloads(list string) ([]workload, error) {
	if strings.TrimSpace(list) == "" {
		return workloads, nil
	}
	var selected []workload
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		idx := slices.IndexFunc(workloads, func(w workload) bool { return w.name == name })
		if idx < 0 {
			names := make([]string, len(workloads))
			for ii, w := range workloads {
				names[ii] = w.name
			}
			return nil, errors.Errorf("unknown workload %q, known workloads: %v", name, names)
		}
		selected = append(selected, workloads[idx])
	}
	return selected, nil
}

// generator of random operands.
type generator struct {
	rng     *rand.Rand
	density float64
	dtype   dtypes.DType
}

func (g *generator) dense(dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	flat := make([]float64, size)
	for ii := range flat {
		flat[ii] = 1 + g.rng.Float64()
	}
	return tensors.FromFlat(flat, dims...).ConvertDType(g.dtype)
}

// sparse returns a rows×cols matrix in the format, with each element stored with probability density.
func (g *generator) sparse(format formats.Format, rows, cols int) *tensors.Tensor {
	indptr := make([]int, 1, rows+1)
	var indices []int
	var values []float64
	for range rows {
		for col := range cols {
			if g.rng.Float64() < g.density {
				indices = append(indices, col)
				values = append(values, 1+g.rng.Float64())
			}
		}
		indptr = append(indptr, len(indices))
	}
	csr, err := tensors.NewCSR(rows, cols, indptr, indices, values)
	if err != nil {
		panic(errors.WithMessage(err, "generating sparse operand"))
	}
	t := csr
	if format != formats.CSR {
		if t, err = csr.ToDense().ToFormat(format); err != nil {
			panic(errors.WithMessagef(err, "converting sparse operand to %s", format))
		}
	}
	return t.ConvertDType(g.dtype)
}
