// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package compose chains the transformation engines over one function
// descriptor: differentiate, batch, offload, in a caller-chosen order.
//
// Differentiate and Batch map descriptors to descriptors and chain freely.
// Offload leaves descriptor space (its artifact is a Placement, not an
// FD), so it appears at most once and only terminally. Derivatives of
// device programs are not taken: differentiation after offload is refused
// rather than silently differentiating the host stub.
package compose

import (
	"github.com/pkg/errors"

	"github.com/gofx/gofx/autodiff"
	"github.com/gofx/gofx/batching"
	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/fderrors"
	"github.com/gofx/gofx/offload"
)

// Mode is one transformation step of a composition.
type Mode int

const (
	Differentiate Mode = iota
	Batch
	Offload
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Differentiate:
		return "differentiate"
	case Batch:
		return "batch"
	case Offload:
		return "offload"
	}
	return "invalid"
}

// Options carries the per-engine arguments of a composition. Only the
// fields of the modes actually applied are consulted.
type Options struct {
	// Request and DiffMode parameterize Differentiate steps. A second
	// Differentiate step reuses the same request against the transformed
	// signature (its parameter names are preserved), yielding higher-order
	// derivatives.
	Request  fd.ActivityRequest
	DiffMode autodiff.Mode

	// Width parameterizes Batch steps.
	Width int

	// Targets and Registry parameterize the Offload step.
	Targets  []offload.Target
	Registry *offload.MarshallingRegistry
}

// Result is the artifact of a composition: the final descriptor, or, when
// the sequence ends in Offload, the placement ready for Bind.
type Result struct {
	FD        *fd.FD
	Placement *offload.Placement
}

// Apply runs the modes over f left to right and returns the final
// artifact. Illegal orderings are refused with ComposeOrderRefused before
// any engine runs.
func Apply(f *fd.FD, modes []Mode, opts Options) (*Result, error) {
	if f == nil {
		return nil, errors.Errorf("compose.Apply: nil function descriptor")
	}
	if len(modes) == 0 {
		return nil, errors.Errorf("compose.Apply: no modes")
	}
	if err := checkOrder(modes); err != nil {
		return nil, err
	}

	current := f
	for _, mode := range modes {
		var err error
		switch mode {
		case Differentiate:
			current, err = autodiff.Differentiate(current, opts.Request, opts.DiffMode)
		case Batch:
			current, err = batching.Batch(current, opts.Width)
		case Offload:
			placement, planErr := offload.Plan(current, opts.Targets, opts.Registry)
			if planErr != nil {
				return nil, planErr
			}
			return &Result{Placement: placement}, nil
		default:
			return nil, errors.Errorf("compose.Apply: invalid mode %d", int(mode))
		}
		if err != nil {
			return nil, err
		}
	}
	return &Result{FD: current}, nil
}

// checkOrder enforces the composition legality rules.
func checkOrder(modes []Mode) error {
	sequence := make([]string, len(modes))
	for i, mode := range modes {
		sequence[i] = mode.String()
	}
	for i, mode := range modes {
		if mode != Offload {
			continue
		}
		if i != len(modes)-1 {
			detail := "offload leaves descriptor space and must be the terminal mode"
			for _, later := range modes[i+1:] {
				if later == Differentiate {
					detail = "differentiation of a device placement is not defined; differentiate first, then offload"
					break
				}
			}
			return fderrors.WithStack(&fderrors.ComposeOrderRefused{Sequence: sequence, Detail: detail})
		}
	}
	return nil
}
