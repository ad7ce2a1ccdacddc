// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package semiring

import (
	"slices"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

type registryKey struct {
	name  string
	dtype dtypes.DType
}

type registration struct {
	reduce, combine Operator
	impl            any
}

var (
	muRegistry sync.RWMutex
	registry   = make(map[registryKey]registration)
)

// Register the operators of a semiring for the compute type T. The name must be in the
// "reduce,combine" form, and it's used to resolve it later.
//
// The identity of the reduce operator must annihilate the combine operator: combine(identity, x) == identity.
// Registering the same name and type twice replaces the previous implementation.
func Register[T constraints.Float](name string, ops *Ops[T]) error {
	reduce, combine, err := ParseName(name)
	if err != nil {
		return err
	}
	for _, x := range []T{0, 1, -3.5} {
		if got := ops.Combine(ops.Identity, x); got != ops.Identity {
			return errors.Errorf("semiring.Register(%q): identity %v of reduce doesn't annihilate combine (combine(identity, %v)=%v)",
				name, ops.Identity, x, got)
		}
		if got := ops.Reduce(ops.Identity, x); got != x {
			return errors.Errorf("semiring.Register(%q): %v is not the identity of reduce (reduce(identity, %v)=%v)",
				name, ops.Identity, x, got)
		}
	}
	dtype := DTypeOf[T]()
	key := registryKey{name: string(reduce) + "," + string(combine), dtype: dtype}
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if _, found := registry[key]; found {
		klog.V(1).Infof("semiring %q for %s re-registered", key.name, dtype)
	}
	registry[key] = registration{reduce: reduce, combine: combine, impl: ops}
	return nil
}

// List the registered semiring names, sorted.
func List() []string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	var names []string
	for key := range registry {
		if !slices.Contains(names, key.name) {
			names = append(names, key.name)
		}
	}
	slices.Sort(names)
	return names
}

// Resolve the named semiring for operands of the given DTypes.
//
// The operand DTypes are unified into the widest of them (Float16 and BFloat16 together unify to
// Float32); no operand is ever narrowed. Half-precision types are computed in Float32.
// An empty name resolves to DefaultName.
//
// It returns an error wrapping ErrUnsupportedSemiring if the name is unknown, if it has no implementation
// for the compute DType or if the operand DTypes can't be unified.
func Resolve(name string, operandDTypes ...dtypes.DType) (*Semiring, error) {
	canonical, err := CanonicalName(name)
	if err != nil {
		return nil, err
	}
	dtype, err := UnifyDTypes(operandDTypes...)
	if err != nil {
		return nil, errors.WithMessagef(err, "semiring %q", canonical)
	}
	computeDType := ComputeDType(dtype)
	muRegistry.RLock()
	reg, found := registry[registryKey{name: canonical, dtype: computeDType}]
	muRegistry.RUnlock()
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedSemiring, "semiring %q has no implementation for %s (registered semirings: %v)",
			canonical, computeDType, List())
	}
	return &Semiring{
		Name:         canonical,
		Reduce:       reg.reduce,
		Combine:      reg.combine,
		DType:        dtype,
		ComputeDType: computeDType,
		impl:         reg.impl,
	}, nil
}

// precision ranks the floating point DTypes by the values they can represent exactly.
var precision = map[dtypes.DType]int{
	dtypes.Float16:  1,
	dtypes.BFloat16: 1,
	dtypes.Float32:  2,
	dtypes.Float64:  3,
}

// UnifyDTypes returns the DType all operands are converted to: the widest one.
// Float16 and BFloat16 are not subsets of one another, so together they unify to Float32.
func UnifyDTypes(operandDTypes ...dtypes.DType) (dtypes.DType, error) {
	if len(operandDTypes) == 0 {
		return dtypes.InvalidDType, errors.Wrapf(ErrUnsupportedSemiring, "no operand dtypes given")
	}
	unified := operandDTypes[0]
	for _, dtype := range operandDTypes {
		rank, ok := precision[dtype]
		if !ok {
			return dtypes.InvalidDType, errors.Wrapf(ErrUnsupportedSemiring, "operand dtype %s is not a supported floating point type", dtype)
		}
		unifiedRank := precision[unified]
		switch {
		case rank > unifiedRank:
			unified = dtype
		case rank == unifiedRank && dtype != unified:
			unified = dtypes.Float32
		}
	}
	return unified, nil
}

// ComputeDType returns the DType kernels use to compute values of dtype.
func ComputeDType(dtype dtypes.DType) dtypes.DType {
	if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
		return dtypes.Float32
	}
	return dtype
}

func init() {
	registerBuiltins[float32]()
	registerBuiltins[float64]()
}

func registerBuiltins[T constraints.Float]() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(Register(DefaultName, &Ops[T]{Reduce: add[T], Combine: mul[T], Identity: 0}))
	must(Register("min,+", &Ops[T]{Reduce: minOf[T], Combine: add[T], Identity: T(Min.Identity())}))
	must(Register("max,+", &Ops[T]{Reduce: maxOf[T], Combine: add[T], Identity: T(Max.Identity())}))
	must(Register("max,min", &Ops[T]{Reduce: maxOf[T], Combine: minOf[T], Identity: T(Max.Identity())}))
	must(Register("min,max", &Ops[T]{Reduce: minOf[T], Combine: maxOf[T], Identity: T(Min.Identity())}))
}

// DTypeOf returns the DType of the compute type T.
func DTypeOf[T constraints.Float]() dtypes.DType {
	switch any(T(0)).(type) {
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

func add[T constraints.Float](a, b T) T { return a + b }
func mul[T constraints.Float](a, b T) T { return a * b }

func minOf[T constraints.Float](a, b T) T {
	if b < a {
		return b
	}
	return a
}

func maxOf[T constraints.Float](a, b T) T {
	if b > a {
		return b
	}
	return a
}
