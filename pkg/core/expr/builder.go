// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package expr

import (
	"slices"
	"strings"

	"github.com/gomlx/einjit/pkg/core/semiring"
	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Builder creates a Graph one node at a time.
//
// Input and Contract panic with an error (wrapping ErrShapeMismatch or ErrInvalidEquation) if
// the node is invalid. Use BuildGraph to have the panics converted to an error, or catch them
// with exceptions.TryCatch[error].
type Builder struct {
	nodes    []*Node
	inputs   []*Node
	bindings shapes.AxisBindings
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{bindings: make(shapes.AxisBindings)}
}

// Input adds the next operand of the expression, with one label per axis of its shape.
func (b *Builder) Input(desc string, shape shapes.Shape) *Node {
	labels, err := ParseLabels(desc)
	if err != nil {
		panic(errors.WithMessagef(err, "Input #%d", len(b.inputs)))
	}
	if !shape.Ok() {
		exceptions.Panicf("Input #%d: invalid shape", len(b.inputs))
	}
	if _, err := Bind([]Labels{labels}, [][]int{shape.Dimensions}); err != nil {
		panic(errors.WithMessagef(err, "Input #%d", len(b.inputs)))
	}
	for axis, label := range labels {
		if err := b.bindings.Bind(label, shape.Dimensions[axis]); err != nil {
			panic(errors.Wrapf(ErrShapeMismatch, "Input #%d with labels %q and shape %s: %v", len(b.inputs), labels, shape, err))
		}
	}
	node := &Node{
		id:         len(b.nodes),
		kind:       KindInput,
		labels:     labels,
		inputIndex: len(b.inputs),
		shape:      shape.Clone(),
	}
	b.nodes = append(b.nodes, node)
	b.inputs = append(b.inputs, node)
	return node
}

// Contract adds a contraction of the operands, with the result described by outputDesc.
//
// The labels of the operands that are not in outputDesc are reduced with the semiring's ⊕.
// Every label in outputDesc must appear in some operand.
func (b *Builder) Contract(outputDesc string, operands ...*Node) *Node {
	if len(operands) == 0 {
		exceptions.Panicf("Contract(%q) requires at least one operand", outputDesc)
	}
	for ii, operand := range operands {
		if operand == nil || operand.id >= len(b.nodes) || b.nodes[operand.id] != operand {
			exceptions.Panicf("Contract(%q): operand #%d was not created by this Builder", outputDesc, ii)
		}
	}
	labels, err := ParseLabels(outputDesc)
	if err != nil {
		panic(errors.WithMessagef(err, "Contract(%q)", outputDesc))
	}
	for _, label := range labels {
		if !slices.ContainsFunc(operands, func(n *Node) bool { return n.labels.Has(label) }) {
			panic(errors.Wrapf(ErrShapeMismatch, "Contract(%q): output label %q doesn't appear in any operand", outputDesc, label))
		}
	}
	dims, err := b.bindings.Dimensions(labels)
	if err != nil {
		panic(errors.Wrapf(ErrShapeMismatch, "Contract(%q): %v", outputDesc, err))
	}
	operandDTypes := make([]dtypes.DType, len(operands))
	for ii, operand := range operands {
		operandDTypes[ii] = operand.shape.DType
	}
	dtype, err := semiring.UnifyDTypes(operandDTypes...)
	if err != nil {
		// Reported when the semiring is resolved.
		dtype = operandDTypes[0]
	}
	node := &Node{
		id:         len(b.nodes),
		kind:       KindContraction,
		labels:     labels,
		inputs:     slices.Clone(operands),
		inputIndex: -1,
		shape:      shapes.Shape{DType: dtype, Dimensions: dims},
	}
	b.nodes = append(b.nodes, node)
	return node
}

// Build returns the immutable Graph whose result is output, using the named semiring.
//
// All inputs created are operands of the graph, in the order they were created, even if they don't
// contribute to output. The Builder can still be used to create other graphs afterward.
func (b *Builder) Build(output *Node, semiringName string) (*Graph, error) {
	canonical, err := semiring.CanonicalName(semiringName)
	if err != nil {
		return nil, err
	}
	if output == nil || output.id >= len(b.nodes) || b.nodes[output.id] != output {
		return nil, errors.Errorf("Build: output node was not created by this Builder")
	}
	if output.kind != KindContraction {
		return nil, errors.Wrapf(ErrInvalidEquation, "Build: output must be a contraction, got %s", output)
	}
	if len(b.inputs) == 0 {
		return nil, errors.Wrapf(ErrInvalidEquation, "Build: expression has no operands")
	}
	// Nodes are created in topological order, so a prefix of b.nodes is always a valid graph.
	nodes := slices.Clone(b.nodes[:output.id+1])
	for _, input := range b.inputs {
		if input.id > output.id {
			nodes = append(nodes, input)
		}
	}
	return &Graph{
		semiringName: canonical,
		nodes:        nodes,
		inputs:       slices.Clone(b.inputs),
		output:       output,
		bindings:     b.bindings.Clone(),
	}, nil
}

// BuildGraph runs fn with a new Builder and builds the graph from the node it returns.
// Panics raised by the Builder while running fn are returned as errors.
func BuildGraph(semiringName string, fn func(b *Builder) *Node) (*Graph, error) {
	var g *Graph
	var buildErr error
	err := exceptions.TryCatch[error](func() {
		b := NewBuilder()
		output := fn(b)
		g, buildErr = b.Build(output, semiringName)
	})
	if err != nil {
		return nil, err
	}
	if buildErr != nil {
		return nil, buildErr
	}
	return g, nil
}

// ParseEquation splits an equation like "ij,jk->ik" into the labels of each operand and of the
// result.
//
// Without "->" the result has the labels appearing in exactly one operand, in alphabetical order,
// so "ij,jk" is the same as "ij,jk->ik". Spaces are ignored.
func ParseEquation(equation string) (operands []Labels, output Labels, err error) {
	eq := strings.Join(strings.Fields(equation), "")
	inOut := strings.Split(eq, "->")
	if len(inOut) > 2 {
		return nil, nil, errors.Wrapf(ErrInvalidEquation, "equation %q has more than one \"->\"", equation)
	}
	if inOut[0] == "" {
		return nil, nil, errors.Wrapf(ErrInvalidEquation, "equation %q has no operands", equation)
	}
	for ii, desc := range strings.Split(inOut[0], ",") {
		labels, err := ParseLabels(desc)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "equation %q, operand #%d", equation, ii)
		}
		operands = append(operands, labels)
	}
	if len(inOut) == 2 {
		output, err = ParseLabels(inOut[1])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "equation %q, output", equation)
		}
		return operands, output, nil
	}
	counts := make(map[rune]int)
	for _, labels := range operands {
		for _, label := range labels {
			counts[label]++
		}
	}
	output = Labels{}
	for label, count := range counts {
		if count == 1 {
			output = append(output, label)
		}
	}
	slices.Sort(output)
	return operands, output, nil
}

// Parse builds the graph of a single contraction described by equation (see ParseEquation),
// for operands of the given shapes, using the named semiring ("" for the default "+,*").
func Parse(equation, semiringName string, operandShapes ...shapes.Shape) (*Graph, error) {
	operands, output, err := ParseEquation(equation)
	if err != nil {
		return nil, err
	}
	if len(operands) != len(operandShapes) {
		return nil, errors.Wrapf(ErrShapeMismatch, "equation %q describes %d operands, but %d were given",
			equation, len(operands), len(operandShapes))
	}
	g, err := BuildGraph(semiringName, func(b *Builder) *Node {
		inputs := make([]*Node, len(operands))
		for ii, labels := range operands {
			inputs[ii] = b.Input(string(labels), operandShapes[ii])
		}
		return b.Contract(string(output), inputs...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", equation)
	}
	return g, nil
}
