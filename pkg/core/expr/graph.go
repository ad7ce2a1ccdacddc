// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package expr represents contractions in index notation as an immutable graph.
//
// A Graph is a DAG of nodes: Input nodes, one per operand, and Contraction nodes, which combine
// their inputs with the semiring's ⊙ at every matching coordinate and reduce with ⊕ the labels
// that are absent from their result. It can be created by parsing an equation ("ij,jk->ik")
// with Parse, or with a Builder.
//
// All validation happens while building: output labels must appear in some operand, every
// operand label maps to exactly one axis and labels shared by operands must bind equal
// dimensions (ErrShapeMismatch otherwise).
package expr

import (
	"fmt"
	"strings"

	"github.com/gomlx/einjit/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned (wrapped) when operands don't agree with the labels describing them.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidEquation is returned (wrapped) when an equation or label description can't be parsed.
	ErrInvalidEquation = errors.New("invalid equation")
)

// NodeKind enumerates the kinds of nodes in a Graph.
type NodeKind int

const (
	// KindInput is an operand of the expression.
	KindInput NodeKind = iota

	// KindContraction combines its inputs, reducing labels absent from its result.
	KindContraction
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	if k == KindInput {
		return "Input"
	}
	return "Contraction"
}

// Node of a Graph.
type Node struct {
	id         int
	kind       NodeKind
	labels     Labels
	inputs     []*Node
	inputIndex int
	shape      shapes.Shape
}

// ID of the node, unique within its Graph (or Builder).
func (n *Node) ID() int { return n.id }

// Kind of the node.
func (n *Node) Kind() NodeKind { return n.kind }

// Labels of the node's result.
func (n *Node) Labels() Labels { return n.labels }

// Inputs of a contraction node. Nil for input nodes.
func (n *Node) Inputs() []*Node { return n.inputs }

// InputIndex returns the operand position of an input node, or -1 for contractions.
func (n *Node) InputIndex() int { return n.inputIndex }

// Shape of the node's result, as bound while building the graph.
//
// For contractions the DType is the unification of the inputs' DTypes.
func (n *Node) Shape() shapes.Shape { return n.shape }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n.kind == KindInput {
		return fmt.Sprintf("#%d=Input(%d, %q, %s)", n.id, n.inputIndex, n.labels, n.shape)
	}
	parts := make([]string, len(n.inputs))
	for ii, input := range n.inputs {
		parts[ii] = fmt.Sprintf("#%d:%s", input.id, input.labels)
	}
	return fmt.Sprintf("#%d=Contract(%s->%s)", n.id, strings.Join(parts, ","), n.labels)
}

// Graph is an immutable DAG of contraction nodes, with the semiring used by all of them.
type Graph struct {
	semiringName string
	nodes        []*Node // Topological order.
	inputs       []*Node // Operand order.
	output       *Node
	bindings     shapes.AxisBindings
}

// Semiring returns the canonical name of the semiring.
func (g *Graph) Semiring() string { return g.semiringName }

// Nodes returns all nodes in topological order: inputs of a node always come before it.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Inputs returns the input nodes in operand order.
func (g *Graph) Inputs() []*Node { return g.inputs }

// NumOperands returns the number of operands the graph takes.
func (g *Graph) NumOperands() int { return len(g.inputs) }

// Output returns the node holding the result.
func (g *Graph) Output() *Node { return g.output }

// Bindings returns a copy of the label to dimension bindings.
func (g *Graph) Bindings() shapes.AxisBindings { return g.bindings.Clone() }

// OperandLabels returns the labels of each operand.
func (g *Graph) OperandLabels() []Labels {
	labels := make([]Labels, len(g.inputs))
	for ii, input := range g.inputs {
		labels[ii] = input.labels
	}
	return labels
}

// Contractions returns the contraction nodes in topological order.
func (g *Graph) Contractions() []*Node {
	var contractions []*Node
	for _, node := range g.nodes {
		if node.kind == KindContraction {
			contractions = append(contractions, node)
		}
	}
	return contractions
}

// Equation returns the graph in index notation, e.g. "ij,jk->ik". Graphs with more than one
// contraction are listed one contraction per ";", referring to earlier results by "#<id>".
func (g *Graph) Equation() string {
	return g.describe(func(r rune) rune { return r }, false)
}

// Key returns the canonical identity of the expression: the equation with labels renamed by order of
// first appearance, every operand prefixed by the node it reads, plus the semiring. It doesn't depend
// on dimensions, so "ij,jk->ik" and "ab,bc->ac" under the same semiring share the key "#0:ab,#1:bc->ac".
func (g *Graph) Key() string {
	renamed := make(map[rune]rune)
	next := 'a'
	rename := func(r rune) rune {
		if to, found := renamed[r]; found {
			return to
		}
		renamed[r] = next
		next++
		return renamed[r]
	}
	return g.describe(rename, true) + "|" + g.semiringName
}

// describe lists the contractions. Inputs are referred to by operand position only if withInputs is set.
func (g *Graph) describe(rename func(rune) rune, withInputs bool) string {
	var parts []string
	// Node ids renumbered so that the description doesn't depend on dead nodes removed.
	position := make(map[*Node]int, len(g.nodes))
	for _, input := range g.inputs {
		position[input] = len(position)
	}
	mapLabels := func(labels Labels) string {
		var sb strings.Builder
		for _, r := range labels {
			sb.WriteRune(rename(r))
		}
		return sb.String()
	}
	for _, node := range g.nodes {
		if node.kind != KindContraction {
			continue
		}
		position[node] = len(position)
		operands := make([]string, len(node.inputs))
		for ii, input := range node.inputs {
			if input.kind == KindInput && !withInputs {
				operands[ii] = mapLabels(input.labels)
			} else {
				operands[ii] = fmt.Sprintf("#%d:%s", position[input], mapLabels(input.labels))
			}
		}
		parts = append(parts, strings.Join(operands, ",")+"->"+mapLabels(node.labels))
	}
	return strings.Join(parts, ";")
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph(semiring=%q, bindings=%s):", g.semiringName, g.bindings.Key())
	for _, node := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\n  %s", node)
	}
	_, _ = fmt.Fprintf(&sb, "\n  output=#%d", g.output.id)
	return sb.String()
}

// OperandDTypes returns the DType of each operand.
func (g *Graph) OperandDTypes() []dtypes.DType {
	dts := make([]dtypes.DType, len(g.inputs))
	for ii, input := range g.inputs {
		dts[ii] = input.shape.DType
	}
	return dts
}
