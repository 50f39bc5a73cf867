// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package fderrors defines the failure taxonomy shared by the
// transformation engines.
//
// All errors except PartialOffloadFailure are transformation-time: they
// identify the offending node of a function descriptor and abort the whole
// transformation of that function. There is no partial or best-effort
// differentiation, batching or offload of a function that fails validation:
// a silently wrong derivative or device program is worse than a refused
// build. PartialOffloadFailure is the sole runtime error, produced by
// fan-out dispatch, and is always surfaced to the caller, never retried.
//
// Use errors.As to test for a specific failure; every constructor attaches
// a pkg/errors stack trace.
package fderrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// NodeRef identifies the offending node of a transformation failure.
// ID is the node id within the function descriptor named by Func.
type NodeRef struct {
	Func string
	ID   int
	Op   string
}

func (r NodeRef) String() string {
	if r.Func == "" {
		return "<no node>"
	}
	return fmt.Sprintf("%s node #%d (%s)", r.Func, r.ID, r.Op)
}

// UnsupportedConstruct reports a function body construct the descriptor
// representation cannot model.
type UnsupportedConstruct struct {
	Node   NodeRef
	Detail string
}

func (e *UnsupportedConstruct) Error() string {
	return fmt.Sprintf("unsupported construct at %s: %s", e.Node, e.Detail)
}

// UnresolvedOpaqueRegion reports an opaque region reachable from an active
// value that carries no custom-derivative descriptor. The differentiation
// engine refuses to guess a derivative for code it cannot see into.
type UnresolvedOpaqueRegion struct {
	Node NodeRef
	// Region is the opaque region's declared name.
	Region string
}

func (e *UnresolvedOpaqueRegion) Error() string {
	return fmt.Sprintf("opaque region %q at %s is active but has no custom-derivative descriptor", e.Region, e.Node)
}

// GlobalActivityRefused reports an attempt to differentiate through a
// mutable value not reachable from the function's declared parameters.
type GlobalActivityRefused struct {
	Node   NodeRef
	Global string
}

func (e *GlobalActivityRefused) Error() string {
	return fmt.Sprintf("differentiation through mutable global %q at %s refused: only values reachable from declared parameters can be active", e.Global, e.Node)
}

// UnsupportedMode reports a differentiation mode the function body cannot
// support, e.g. reverse mode through a region whose custom derivative only
// declares a forward rule.
type UnsupportedMode struct {
	Node   NodeRef
	Mode   string
	Detail string
}

func (e *UnsupportedMode) Error() string {
	return fmt.Sprintf("mode %s not supported at %s: %s", e.Mode, e.Node, e.Detail)
}

// NonUniformShape reports a batched function whose control flow is not
// structurally uniform across batch elements, which makes vectorization
// illegal (a correctness prerequisite, not a style preference).
type NonUniformShape struct {
	Node   NodeRef
	Detail string
}

func (e *NonUniformShape) Error() string {
	return fmt.Sprintf("non-uniform control-flow shape at %s: %s", e.Node, e.Detail)
}

// MissingMarshalling reports a type reachable from an offloaded signature
// with no registered host<->device marshalling operation.
type MissingMarshalling struct {
	// DType names the element type without a marshaller.
	DType string
	// Param is the parameter (or output) through which the type is reachable.
	Param  string
	Detail string
}

func (e *MissingMarshalling) Error() string {
	msg := fmt.Sprintf("no host<->device marshalling for dtype %s reachable through %q", e.DType, e.Param)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// UnsupportedOnDevice reports a body operation with no lowering on the
// requested device target.
type UnsupportedOnDevice struct {
	Node   NodeRef
	Target string
}

func (e *UnsupportedOnDevice) Error() string {
	return fmt.Sprintf("operation at %s has no lowering on device target %q", e.Node, e.Target)
}

// ComposeOrderRefused reports an illegal ordering of transformation modes.
type ComposeOrderRefused struct {
	Sequence []string
	Detail   string
}

func (e *ComposeOrderRefused) Error() string {
	return fmt.Sprintf("refusing mode sequence [%s]: %s", strings.Join(e.Sequence, ", "), e.Detail)
}

// CustomDerivativeSignatureMismatch reports a user-supplied derivative rule
// whose signature does not match the fixed contract for its opaque region.
type CustomDerivativeSignatureMismatch struct {
	Node   NodeRef
	Region string
	Detail string
}

func (e *CustomDerivativeSignatureMismatch) Error() string {
	return fmt.Sprintf("custom derivative for opaque region %q at %s does not match the required contract: %s", e.Region, e.Node, e.Detail)
}

// TargetOutcome is the per-target result of one fan-out dispatch.
type TargetOutcome struct {
	// Target names the device target, DispatchID the individual dispatch.
	Target     string
	DispatchID string
	// Err is nil for targets that completed; their results are kept and
	// are not rolled back by failures on sibling targets.
	Err error
}

// PartialOffloadFailure is the sole runtime error of the core: one or more
// targets of a fan-out dispatch failed. Completed targets keep their
// results; the caller decides disposition. It is never retried
// automatically, since retry policy is target and transport specific.
type PartialOffloadFailure struct {
	Outcomes []TargetOutcome
}

func (e *PartialOffloadFailure) Error() string {
	failed := 0
	for _, o := range e.Outcomes {
		if o.Err != nil {
			failed++
		}
	}
	return fmt.Sprintf("offload fan-out failed on %d of %d targets: %v", failed, len(e.Outcomes), e.Unwrap())
}

// Unwrap combines the per-target errors, so errors.Is/As can see through to
// individual target failures.
func (e *PartialOffloadFailure) Unwrap() error {
	var combined error
	for _, o := range e.Outcomes {
		if o.Err != nil {
			combined = multierr.Append(combined, o.Err)
		}
	}
	return combined
}

// Failed returns the outcomes of the targets that failed.
func (e *PartialOffloadFailure) Failed() []TargetOutcome {
	var failed []TargetOutcome
	for _, o := range e.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// WithStack attaches a stack trace to a taxonomy error. All engines report
// through this so failures carry their transformation call site.
func WithStack(err error) error {
	return errors.WithStack(err)
}
