// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a kernel compilation and execution target implements,
// and a registry of the available backends.
//
// A Backend lowers a planned plan.Program into a Kernel, which can then be executed any number of
// times, concurrently, on operands matching the program's formats and dtypes.
//
// Lowering fails with ErrCodegen when the target can't express some traversal of the program
// (e.g. a COO scan on the GPU). Callers then ask the planner for a fallback program, with sparse
// operands materialized as dense arrays, and compile that instead.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/einjit/pkg/core/tensors"
	"github.com/pkg/errors"
)

var (
	// ErrCodegen is returned (wrapped) by Backend.Compile when the program can't be lowered for the target.
	ErrCodegen = errors.New("codegen error")

	// ErrSignatureMismatch is returned (wrapped) by Kernel.Execute when the operands don't match the
	// formats, dtypes or ranks the kernel was compiled for. It indicates a defect in the caller.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Backend is the API that needs to be implemented by a kernel compilation target.
type Backend interface {
	// Name returns the short name of the backend, used as the device selector. E.g.: "cpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities returns what the backend can lower.
	Capabilities() Capabilities

	// Compile lowers the program to a Kernel.
	// It returns an error wrapping ErrCodegen if the program can't be lowered for this backend.
	Compile(program *plan.Program) (Kernel, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Kernel is a compiled program. It's immutable and safe for concurrent use.
type Kernel interface {
	// Program the kernel was compiled from.
	Program() *plan.Program

	// Source returns a human-readable rendition of the generated code.
	Source() string

	// Execute runs the kernel on the operands and returns a newly allocated result, owned by
	// the caller. Operands are never modified.
	Execute(ec *ExecutionContext, operands ...*tensors.Tensor) (*tensors.Tensor, error)
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input the configuration
// string that is passed along to the backend.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// EINJIT_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_options>", see NewWithConfig.
const EINJIT_BACKEND = "EINJIT_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment EINJIT_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(EINJIT_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a backend from a configuration string.
//
// The format of config is "<backend_name>:<backend_options>". The "<backend_name>" is the name of a
// registered backend (e.g.: "cpu") and "<backend_options>" a comma-separated list of "key=value"
// pairs specific to the backend (see ParseOptions). A config without ":" is taken as a backend name
// if one is registered with that name, or as the options of the first registered backend otherwise.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no registered backends -- maybe import the default ones with import _ "github.com/gomlx/einjit/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend %q", backendName)
	}
	return backend, nil
}
