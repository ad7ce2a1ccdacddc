// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"fmt"
	"strings"

	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/semiring"
)

// Signature identifies a compiled kernel in the Cache. It depends on the expression, the
// storage formats and dtypes of the operands, the semiring and the device, but never on the
// dimensions or values of the operands.
type Signature struct {
	// Expression is the canonical key of the expression graph, see expr.Graph.Key.
	Expression string

	// Formats and DTypes of the operands, comma-separated.
	Formats, DTypes string

	// Semiring key, with its dtype.
	Semiring string

	// Device is the name of the backend the kernel is compiled for.
	Device string
}

// NewSignature returns the signature of the graph compiled for operands in the given formats.
func NewSignature(g *expr.Graph, operandFormats []formats.Format, sr *semiring.Semiring, device string) Signature {
	fs := make([]string, len(operandFormats))
	for ii, f := range operandFormats {
		fs[ii] = f.String()
	}
	dts := make([]string, g.NumOperands())
	for ii, dtype := range g.OperandDTypes() {
		dts[ii] = dtype.String()
	}
	return Signature{
		Expression: g.Key(),
		Formats:    strings.Join(fs, ","),
		DTypes:     strings.Join(dts, ","),
		Semiring:   sr.Key(),
		Device:     device,
	}
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	return fmt.Sprintf("%s[%s|%s|%s]@%s", s.Expression, s.Formats, s.DTypes, s.Semiring, s.Device)
}
