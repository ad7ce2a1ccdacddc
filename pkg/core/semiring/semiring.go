// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package semiring resolves the (reduce ⊕, combine ⊙) pair of a contraction into a concrete
// implementation for an element type.
//
// Semirings are named "reduce,combine": "+,*" is the usual sum of products, "min,+" the
// tropical (shortest path) semiring. Implementations are kept in a registry keyed by name and
// compute DType. Only pairs where the identity of ⊕ annihilates ⊙ are registered: sparse
// kernels rely on it to skip absent elements.
package semiring

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErrUnsupportedSemiring is returned (wrapped) when a semiring name is unknown, has no implementation
// for the element type, or when the operand types can't be unified.
var ErrUnsupportedSemiring = errors.New("unsupported semiring")

// DefaultName is the semiring used when none is given.
const DefaultName = "+,*"

// Operator is one of the binary operators a semiring is built from.
type Operator string

const (
	Add Operator = "+"
	Mul Operator = "*"
	Min Operator = "min"
	Max Operator = "max"
)

// Identity returns the value e for which op(e, x) == x. It panics for operators other than
// Add, Mul, Min and Max: the identity of a registered operator is in its Ops.
func (op Operator) Identity() float64 {
	switch op {
	case Add:
		return 0
	case Mul:
		return 1
	case Min:
		return math.Inf(1)
	case Max:
		return math.Inf(-1)
	}
	exceptions.Panicf("semiring: operator %q has no built-in identity", op)
	return 0
}

// Ops holds the operators of a semiring specialized for the compute type T.
type Ops[T constraints.Float] struct {
	// Reduce is ⊕: associative and commutative.
	Reduce func(a, b T) T

	// Combine is ⊙: it distributes over Reduce.
	Combine func(a, b T) T

	// Identity of Reduce, also the annihilator of Combine.
	Identity T
}

// Semiring is a resolved semiring: operators, the compute DType used by kernels and the DType of the
// operands and result.
type Semiring struct {
	// Name in canonical form, e.g. "min,+".
	Name string

	// Reduce (⊕) and Combine (⊙) operators.
	Reduce, Combine Operator

	// DType is the unified DType of operands and result.
	DType dtypes.DType

	// ComputeDType is the DType kernels compute in: DType itself, or Float32 for half-precision types.
	ComputeDType dtypes.DType

	impl any // *Ops[float32] or *Ops[float64]
}

// Identity of the reduce operator, as registered.
func (s *Semiring) Identity() float64 {
	switch ops := s.impl.(type) {
	case *Ops[float32]:
		return float64(ops.Identity)
	case *Ops[float64]:
		return ops.Identity
	}
	exceptions.Panicf("semiring %s has no implementation", s)
	return 0
}

// Key returns a string identifying the semiring and its DTypes, for use in cache keys.
func (s *Semiring) Key() string {
	return fmt.Sprintf("%s:%s", s.Name, s.DType)
}

// String implements fmt.Stringer.
func (s *Semiring) String() string {
	if s.DType == s.ComputeDType {
		return fmt.Sprintf("(%s)[%s]", s.Name, s.DType)
	}
	return fmt.Sprintf("(%s)[%s computed as %s]", s.Name, s.DType, s.ComputeDType)
}

// OpsFor returns the operators specialized for T. It panics if T is not the Go type of
// s.ComputeDType.
func OpsFor[T constraints.Float](s *Semiring) *Ops[T] {
	ops, ok := s.impl.(*Ops[T])
	if !ok {
		panic(errors.Errorf("semiring %s: no operators for Go type %T (compute dtype is %s)", s.Name, T(0), s.ComputeDType))
	}
	return ops
}

// ParseName splits a semiring name into its reduce and combine operators, normalizing spaces
// and case. The empty name is DefaultName.
func ParseName(name string) (reduce, combine Operator, err error) {
	name = strings.ToLower(strings.Join(strings.Fields(name), ""))
	if name == "" {
		name = DefaultName
	}
	parts := strings.Split(name, ",")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Wrapf(ErrUnsupportedSemiring, "semiring name %q must be in the form \"reduce,combine\", e.g. \"min,+\"", name)
	}
	return Operator(parts[0]), Operator(parts[1]), nil
}

// CanonicalName returns the normalized form of a semiring name, or an error if it is malformed.
func CanonicalName(name string) (string, error) {
	reduce, combine, err := ParseName(name)
	if err != nil {
		return "", err
	}
	return string(reduce) + "," + string(combine), nil
}
