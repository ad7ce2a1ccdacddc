// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plan

import (
	"math"

	"github.com/gomlx/einjit/pkg/core/expr"
	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass rewrites an expression graph before it's scheduled.
type Pass interface {
	// Name of the pass, for logging.
	Name() string

	// Run returns the rewritten graph, or g itself if nothing changed.
	Run(g *expr.Graph, inputFormats []formats.Format) (*expr.Graph, error)
}

// DefaultPasses returns the passes run by Plan, in order.
func DefaultPasses() []Pass {
	return []Pass{DeadNodes{}, Factorize{}}
}

// RunPasses runs the passes in order.
func RunPasses(g *expr.Graph, inputFormats []formats.Format, passes ...Pass) (*expr.Graph, error) {
	for _, pass := range passes {
		rewritten, err := pass.Run(g, inputFormats)
		if err != nil {
			return nil, errors.WithMessagef(err, "pass %s", pass.Name())
		}
		if rewritten != g && klog.V(2).Enabled() {
			klog.Infof("pass %s rewrote %q to %q", pass.Name(), g.Equation(), rewritten.Equation())
		}
		g = rewritten
	}
	return g, nil
}

// rebuild creates a new graph with the same inputs as g, with contractions created by addContractions.
// The contraction returned by addContractions is the output.
func rebuild(g *expr.Graph, addContractions func(b *expr.Builder, inputs []*expr.Node) *expr.Node) (*expr.Graph, error) {
	return expr.BuildGraph(g.Semiring(), func(b *expr.Builder) *expr.Node {
		inputs := make([]*expr.Node, g.NumOperands())
		for ii, input := range g.Inputs() {
			inputs[ii] = b.Input(input.Labels().String(), input.Shape())
		}
		return addContractions(b, inputs)
	})
}

// DeadNodes removes contractions whose results don't reach the output. Inputs are always kept,
// so operand positions don't change.
type DeadNodes struct{}

// Name implements Pass.
func (DeadNodes) Name() string { return "DeadNodes" }

// Run implements Pass.
func (DeadNodes) Run(g *expr.Graph, _ []formats.Format) (*expr.Graph, error) {
	live := make(map[*expr.Node]bool)
	var mark func(n *expr.Node)
	mark = func(n *expr.Node) {
		if live[n] {
			return
		}
		live[n] = true
		for _, input := range n.Inputs() {
			mark(input)
		}
	}
	mark(g.Output())
	contractions := g.Contractions()
	numDead := 0
	for _, node := range contractions {
		if !live[node] {
			numDead++
		}
	}
	if numDead == 0 {
		return g, nil
	}
	klog.V(1).Infof("DeadNodes: removing %d of %d contractions", numDead, len(contractions))
	return rebuild(g, func(b *expr.Builder, inputs []*expr.Node) *expr.Node {
		newNodes := make(map[*expr.Node]*expr.Node)
		for ii, input := range g.Inputs() {
			newNodes[input] = inputs[ii]
		}
		var output *expr.Node
		for _, node := range contractions {
			if !live[node] {
				continue
			}
			newInputs := make([]*expr.Node, len(node.Inputs()))
			for ii, input := range node.Inputs() {
				newInputs[ii] = newNodes[input]
			}
			newNodes[node] = b.Contract(node.Labels().String(), newInputs...)
			output = newNodes[node]
		}
		return output
	})
}

// Factorize splits contractions of more than two operands into chains of binary contractions.
//
// The chain order is chosen by enumerating the permutations of the operands and keeping the one with
// the lowest estimated cost: the sum over the chain of the number of ⊙ evaluated by each binary
// contraction, with every label of extent NominalExtent and sparse operands scaled by
// NominalDensity. Estimates don't use actual dimensions, so the factorization depends only
// on the expression and the formats. Ties keep the original operand order.
type Factorize struct{}

const (
	// NominalExtent is the extent assumed for every label when estimating costs.
	NominalExtent = 1024

	// NominalDensity is the fraction of stored elements assumed for sparse operands.
	NominalDensity = 1.0 / 64

	// maxPermutedOperands limits the exhaustive search: longer chains keep the original order.
	maxPermutedOperands = 7
)

// Name implements Pass.
func (Factorize) Name() string { return "Factorize" }

// Run implements Pass.
func (Factorize) Run(g *expr.Graph, inputFormats []formats.Format) (*expr.Graph, error) {
	contractions := g.Contractions()
	needed := false
	for _, node := range contractions {
		needed = needed || len(node.Inputs()) > 2
	}
	if !needed {
		return g, nil
	}

	density := make(map[*expr.Node]float64)
	for ii, input := range g.Inputs() {
		density[input] = 1
		if inputFormats[ii].IsSparse() {
			density[input] = NominalDensity
		}
	}
	return rebuild(g, func(b *expr.Builder, inputs []*expr.Node) *expr.Node {
		newNodes := make(map[*expr.Node]*expr.Node)
		for ii, input := range g.Inputs() {
			newNodes[input] = inputs[ii]
		}
		var output *expr.Node
		for _, node := range contractions {
			operands := make([]chainOperand, len(node.Inputs()))
			for ii, input := range node.Inputs() {
				operands[ii] = chainOperand{node: newNodes[input], labels: input.Labels(), density: density[input]}
			}
			if len(operands) <= 2 {
				newNodes[node] = b.Contract(node.Labels().String(), chainNodes(operands)...)
			} else {
				order, cost := bestChainOrder(operands, node.Labels())
				klog.V(1).Infof("Factorize: %s chained in order %v (estimated cost 2^%.1f)", node, order, cost)
				newNodes[node] = buildChain(b, operands, order, node.Labels())
			}
			density[node] = 1
			output = newNodes[node]
		}
		return output
	})
}

type chainOperand struct {
	node    *expr.Node
	labels  expr.Labels
	density float64
}

func chainNodes(operands []chainOperand) []*expr.Node {
	nodes := make([]*expr.Node, len(operands))
	for ii, op := range operands {
		nodes[ii] = op.node
	}
	return nodes
}

// intermediateLabels returns the labels of a ⊙ b that are still needed by the remaining operands
// or the output, in order of appearance.
func intermediateLabels(a, b expr.Labels, remaining []expr.Labels, output expr.Labels) expr.Labels {
	var result expr.Labels
	for _, labels := range []expr.Labels{a, b} {
		for _, label := range labels {
			if result.Has(label) {
				continue
			}
			needed := output.Has(label)
			for _, other := range remaining {
				needed = needed || other.Has(label)
			}
			if needed {
				result = append(result, label)
			}
		}
	}
	return result
}

func unionLabels(a, b expr.Labels) expr.Labels {
	union := append(expr.Labels{}, a...)
	for _, label := range b {
		if !union.Has(label) {
			union = append(union, label)
		}
	}
	return union
}

// chainCost estimates, in log2 units, the cost of contracting the operands in the given order.
func chainCost(operands []chainOperand, order []int, output expr.Labels) float64 {
	logExtent := math.Log2(NominalExtent)
	acc := operands[order[0]]
	total := 0.0
	for step := 1; step < len(order); step++ {
		next := operands[order[step]]
		var remaining []expr.Labels
		for _, idx := range order[step+1:] {
			remaining = append(remaining, operands[idx].labels)
		}
		union := unionLabels(acc.labels, next.labels)
		work := float64(len(union))*logExtent + math.Log2(acc.density) + math.Log2(next.density)
		total += math.Exp2(work)
		resultLabels := intermediateLabels(acc.labels, next.labels, remaining, output)
		numReduced := len(union) - len(resultLabels)
		density := math.Min(1, acc.density*next.density*math.Exp2(float64(numReduced)*logExtent))
		acc = chainOperand{labels: resultLabels, density: density}
	}
	return math.Log2(total)
}

// bestChainOrder returns the permutation of operands with the lowest chain cost, and its cost.
func bestChainOrder(operands []chainOperand, output expr.Labels) (best []int, bestCost float64) {
	order := make([]int, len(operands))
	for ii := range order {
		order[ii] = ii
	}
	best = append([]int{}, order...)
	bestCost = chainCost(operands, order, output)
	if len(operands) > maxPermutedOperands {
		return
	}
	// Heap's algorithm, iterative.
	c := make([]int, len(order))
	for ii := 1; ii < len(order); {
		if c[ii] < ii {
			if ii%2 == 0 {
				order[0], order[ii] = order[ii], order[0]
			} else {
				order[c[ii]], order[ii] = order[ii], order[c[ii]]
			}
			if cost := chainCost(operands, order, output); cost < bestCost {
				bestCost = cost
				best = append(best[:0], order...)
			}
			c[ii]++
			ii = 1
		} else {
			c[ii] = 0
			ii++
		}
	}
	return
}

// buildChain creates the binary contractions in the given order. The last one produces output.
func buildChain(b *expr.Builder, operands []chainOperand, order []int, output expr.Labels) *expr.Node {
	acc := operands[order[0]]
	for step := 1; step < len(order); step++ {
		next := operands[order[step]]
		resultLabels := output
		if step < len(order)-1 {
			var remaining []expr.Labels
			for _, idx := range order[step+1:] {
				remaining = append(remaining, operands[idx].labels)
			}
			resultLabels = intermediateLabels(acc.labels, next.labels, remaining, output)
		}
		node := b.Contract(resultLabels.String(), acc.node, next.node)
		acc = chainOperand{node: node, labels: resultLabels}
	}
	return acc.node
}
