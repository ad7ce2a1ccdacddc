// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"github.com/gomlx/einjit/backends"
)

// Option configures a Runtime (see NewRuntime) or a single call (see Runtime.Einsum).
type Option func(o *options)

type options struct {
	device, semiring string
	backends         []backends.Backend
	cache            *Cache

	// runtimeOnly is set by options that can only be given to NewRuntime.
	runtimeOnly bool
}

// WithDevice selects the backend kernels are compiled for and executed on. The device is a
// backend configuration as in backends.NewWithConfig, e.g. "cpu", "gpu" or "gpu:blockx=128".
//
// Given to NewRuntime it sets the default device of the runtime. If none is given, the default
// is the one returned by backends.New.
func WithDevice(device string) Option {
	return func(o *options) { o.device = device }
}

// WithSemiring selects the semiring by name, e.g. "+,*" or "min,+". The default is "+,*".
func WithSemiring(name string) Option {
	return func(o *options) { o.semiring = name }
}

// WithBackend makes the runtime use the given backend instance for the device with its name,
// instead of creating one. The runtime doesn't finalize injected backends.
//
// Only valid for NewRuntime.
func WithBackend(backend backends.Backend) Option {
	return func(o *options) {
		o.backends = append(o.backends, backend)
		o.runtimeOnly = true
	}
}

// WithCache makes the runtime use the given kernel cache, which can be shared among runtimes.
// The runtime doesn't reset injected caches when finalized.
//
// Only valid for NewRuntime.
func WithCache(cache *Cache) Option {
	return func(o *options) {
		o.cache = cache
		o.runtimeOnly = true
	}
}

func collectOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
