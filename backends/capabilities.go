// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"

	"github.com/gomlx/einjit/pkg/core/formats"
	"github.com/gomlx/einjit/pkg/core/plan"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Capabilities holds mappings of what is supported by a backend.
// If a key is not listed, it's assumed to be false, hence not supported.
type Capabilities struct {
	// Traversals a backend can lower.
	Traversals map[plan.Traversal]bool

	// DTypes lists the compute data types supported by a backend.
	DTypes map[dtypes.DType]bool

	// OutputFormats a backend can assemble.
	OutputFormats map[formats.Format]bool

	// Masks is set if the backend can run materialized operands, checking their structural mask.
	Masks bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := c
	c2.Traversals = maps.Clone(c.Traversals)
	c2.DTypes = maps.Clone(c.DTypes)
	c2.OutputFormats = maps.Clone(c.OutputFormats)
	return c2
}

// Check returns an error wrapping ErrCodegen if the program uses anything not listed in the capabilities.
func (c Capabilities) Check(backendName string, program *plan.Program) error {
	if !c.DTypes[program.Semiring.ComputeDType] {
		return errors.Wrapf(ErrCodegen, "backend %q doesn't support computing in %s", backendName, program.Semiring.ComputeDType)
	}
	for stepIdx, step := range program.Steps {
		if !c.OutputFormats[step.OutputFormat] {
			return errors.Wrapf(ErrCodegen, "backend %q can't produce %s outputs (step #%d)", backendName, step.OutputFormat, stepIdx)
		}
		if step.HasMask() && !c.Masks {
			return errors.Wrapf(ErrCodegen, "backend %q doesn't support materialized operands (step #%d)", backendName, stepIdx)
		}
		for _, level := range step.Levels {
			if !c.Traversals[level.Traversal] {
				return errors.Wrapf(ErrCodegen, "backend %q doesn't support %s traversals (step #%d, labels %q)",
					backendName, level.Traversal, stepIdx, level.Labels)
			}
		}
	}
	return nil
}
