// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package autodiff transforms a function descriptor into one computing its
// derivatives, in forward (tangent) or reverse (adjoint) accumulation.
//
// The transformation is total over the descriptor representation: every
// operation either has a built-in derivative rule, or is an opaque region
// whose user-supplied custom derivative is validated and invoked. Opaque
// regions reachable from an active value with no rule fail the whole
// transformation; the engine never guesses a derivative.
package autodiff

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/fderrors"
)

// Mode selects the accumulation direction of a differentiation.
type Mode int

const (
	// Forward interleaves a tangent computation with the primal one; the
	// transformed function takes one tangent seed per active parameter and
	// returns (primal, tangent) output pairs.
	Forward Mode = iota

	// Reverse emits a forward value sweep followed by an adjoint sweep in
	// reverse definition order; the transformed function returns one
	// adjoint per active parameter.
	Reverse
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Differentiate produces a new descriptor computing derivatives of f with
// respect to the parameters the request marks active.
//
// Forward mode: result parameters are f's parameters followed by one
// tangent seed `d_<name>` per active parameter; result outputs are f's
// outputs followed by their tangents.
//
// Reverse mode: result parameters are f's parameters, then a borrowed
// accumulator `d_<name>` for each active borrowed-mutable parameter, then
// the output adjoint seeds when req.SeedFromCaller is set (without a
// caller seed every output must be scalar and is seeded with one). Result
// outputs are one adjoint per active parameter, in parameter order;
// adjoints of borrowed-mutable parameters are written back into their
// accumulator, so a caller-shared accumulator observes exactly one
// increment per call.
func Differentiate(f *fd.FD, req fd.ActivityRequest, mode Mode) (*fd.FD, error) {
	if f == nil {
		return nil, errors.Errorf("Differentiate: nil function descriptor")
	}
	var grad *fd.FD
	err := exceptions.TryCatch[error](func() {
		for _, name := range req.Active {
			idx := f.ParamIndexByName(name)
			if idx < 0 {
				exceptions.Panicf("activity request names parameter %q, which %q does not declare", name, f.Name())
			}
			if !f.Param(idx).Shape.DType.IsFloat() {
				exceptions.Panicf("active parameter %q of %q has non-float shape %s", name, f.Name(), f.Param(idx).Shape)
			}
		}
		switch mode {
		case Forward:
			grad = (&forwardPass{tangentFDs: make(map[*fd.FD]*fd.FD)}).transform(f, req)
		case Reverse:
			grad = (&reversePass{adjointFDs: make(map[branchKey]*fd.FD)}).transform(f, req)
		default:
			exceptions.Panicf("unknown differentiation mode %d", int(mode))
		}
	})
	if err != nil {
		return nil, err
	}
	return grad, nil
}

// freshParamName picks a name for a derivative parameter that does not
// collide with f's declared parameters. Collisions happen when a
// descriptor that is already a derivative is differentiated again: its
// seed and accumulator parameters are re-declared verbatim.
func freshParamName(f *fd.FD, base string) string {
	name := base
	for f.ParamIndexByName(name) >= 0 {
		name += "_"
	}
	return name
}

// throw aborts the transformation with a taxonomy error; Differentiate's
// recover turns it back into a returned error.
func throw(err error) {
	panic(fderrors.WithStack(err))
}

// analyze runs activity analysis and refuses descriptors whose output
// depends on an opaque region without a derivative rule.
func analyze(f *fd.FD, req fd.ActivityRequest) *fd.ActivityMap {
	acts, err := fd.AnalyzeActivity(f, req)
	if err != nil {
		panic(err)
	}
	needed := f.Reachable()
	for _, node := range f.Nodes() {
		if needed[node.Id()] && acts.OfNode(node) == fd.OpaqueUnresolved {
			throw(&fderrors.UnresolvedOpaqueRegion{
				Node:   node.Ref(),
				Region: node.OpaqueRegionOf().Name,
			})
		}
	}
	return acts
}

// allActive is the activity request used when recursing into Cond branch
// descriptors, where the caller-side activity of each argument is not
// uniform across call sites: every float parameter is treated as active.
func allActive(f *fd.FD) fd.ActivityRequest {
	var req fd.ActivityRequest
	for _, p := range f.Params() {
		if p.Shape.DType.IsFloat() {
			req.Active = append(req.Active, p.Name)
		}
	}
	return req
}

// forwardRule validates and returns the tangent rule of an active opaque
// region: parameters are the primal inputs followed by one tangent per
// input, the single output is the output tangent.
func forwardRule(node *fd.Node) *fd.FD {
	region := node.OpaqueRegionOf()
	rule := region.Derivative.Forward
	if rule == nil {
		throw(&fderrors.UnsupportedMode{
			Node:   node.Ref(),
			Mode:   Forward.String(),
			Detail: fmt.Sprintf("custom derivative of region %q declares no forward rule", region.Name),
		})
	}
	n := len(node.Inputs())
	mismatch := func(detail string, args ...any) {
		throw(&fderrors.CustomDerivativeSignatureMismatch{
			Node:   node.Ref(),
			Region: region.Name,
			Detail: fmt.Sprintf(detail, args...),
		})
	}
	if rule.NumParams() != 2*n {
		mismatch("forward rule %q takes %d parameters, want %d (primal inputs then tangents)", rule.Name(), rule.NumParams(), 2*n)
	}
	for i, in := range node.Inputs() {
		if !rule.Param(i).Shape.Equal(in.Shape()) {
			mismatch("forward rule %q parameter #%d has shape %s, primal input has %s", rule.Name(), i, rule.Param(i).Shape, in.Shape())
		}
		if !rule.Param(n + i).Shape.Equal(in.Shape()) {
			mismatch("forward rule %q tangent parameter #%d has shape %s, primal input has %s", rule.Name(), n+i, rule.Param(n+i).Shape, in.Shape())
		}
	}
	if rule.NumOutputs() != 1 || rule.OutputAlias(0) >= 0 {
		mismatch("forward rule %q must have exactly one non-aliased output", rule.Name())
	}
	if !rule.Output(0).Shape().Equal(region.OutShape) {
		mismatch("forward rule %q output has shape %s, region declares %s", rule.Name(), rule.Output(0).Shape(), region.OutShape)
	}
	return rule
}

// reverseRule validates and returns the adjoint rule of an active opaque
// region: parameters are the primal inputs followed by the output adjoint,
// outputs are one adjoint per primal input.
func reverseRule(node *fd.Node) *fd.FD {
	region := node.OpaqueRegionOf()
	rule := region.Derivative.Reverse
	if rule == nil {
		throw(&fderrors.UnsupportedMode{
			Node:   node.Ref(),
			Mode:   Reverse.String(),
			Detail: fmt.Sprintf("custom derivative of region %q declares no reverse rule", region.Name),
		})
	}
	n := len(node.Inputs())
	mismatch := func(detail string, args ...any) {
		throw(&fderrors.CustomDerivativeSignatureMismatch{
			Node:   node.Ref(),
			Region: region.Name,
			Detail: fmt.Sprintf(detail, args...),
		})
	}
	if rule.NumParams() != n+1 {
		mismatch("reverse rule %q takes %d parameters, want %d (primal inputs then output adjoint)", rule.Name(), rule.NumParams(), n+1)
	}
	for i, in := range node.Inputs() {
		if !rule.Param(i).Shape.Equal(in.Shape()) {
			mismatch("reverse rule %q parameter #%d has shape %s, primal input has %s", rule.Name(), i, rule.Param(i).Shape, in.Shape())
		}
	}
	if !rule.Param(n).Shape.Equal(region.OutShape) {
		mismatch("reverse rule %q adjoint parameter has shape %s, region output is %s", rule.Name(), rule.Param(n).Shape, region.OutShape)
	}
	if rule.NumOutputs() != n {
		mismatch("reverse rule %q has %d outputs, want one adjoint per primal input (%d)", rule.Name(), rule.NumOutputs(), n)
	}
	for i, in := range node.Inputs() {
		if rule.OutputAlias(i) >= 0 {
			mismatch("reverse rule %q output #%d must not be aliased", rule.Name(), i)
		}
		if !rule.Output(i).Shape().Equal(in.Shape()) {
			mismatch("reverse rule %q output #%d has shape %s, primal input has %s", rule.Name(), i, rule.Output(i).Shape(), in.Shape())
		}
	}
	return rule
}
