// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package fd_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/fderrors"
)

func TestActivityMulExample(t *testing.T) {
	// f(x, y) = x*y, differentiated w.r.t. x only: y stays constant and
	// never gets a shadow value, while the product is active.
	b := fd.NewBuilder("mul")
	x := b.Parameter("x", f64(), fd.Owned)
	y := b.Parameter("y", f64(), fd.Owned)
	prod := fd.Mul(x, y)
	f := b.Build(prod)

	acts, err := fd.AnalyzeActivity(f, fd.ActivityRequest{Active: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, fd.Active, acts.OfNode(x))
	assert.Equal(t, fd.Constant, acts.OfNode(y))
	assert.Equal(t, fd.Active, acts.OfNode(prod))
	assert.Nil(t, acts.AnyUnresolved())
	assert.Same(t, f, acts.FD())
}

func TestActivityUnknownParam(t *testing.T) {
	b := fd.NewBuilder("f")
	x := b.Parameter("x", f64(), fd.Owned)
	f := b.Build(x)
	_, err := fd.AnalyzeActivity(f, fd.ActivityRequest{Active: []string{"nope"}})
	require.Error(t, err)
}

func TestActivityGlobals(t *testing.T) {
	// An immutable global feeding active values is fine; a mutable one is
	// refused outright.
	build := func(mutable bool) *fd.FD {
		b := fd.NewBuilder("withglobal")
		x := b.Parameter("x", f64(), fd.Owned)
		g := fd.GlobalRef(b, "gain", f64(), mutable, []float64{2})
		return b.Build(fd.Mul(x, g))
	}
	req := fd.ActivityRequest{Active: []string{"x"}}

	_, err := fd.AnalyzeActivity(build(false), req)
	require.NoError(t, err)

	_, err = fd.AnalyzeActivity(build(true), req)
	require.Error(t, err)
	var refused *fderrors.GlobalActivityRefused
	require.True(t, errors.As(err, &refused))
	assert.Equal(t, "gain", refused.Global)
}

func TestActivityMutableGlobalOffActivePath(t *testing.T) {
	// A mutable global whose values never mix with active ones does not
	// block differentiation.
	b := fd.NewBuilder("sidechannel")
	x := b.Parameter("x", f64(), fd.Owned)
	g := fd.GlobalRef(b, "counter", f64(), true, []float64{0})
	f := b.Build(fd.Neg(x), fd.Exp(g))

	_, err := fd.AnalyzeActivity(f, fd.ActivityRequest{Active: []string{"x"}})
	require.NoError(t, err)
}

func TestActivityOpaque(t *testing.T) {
	build := func(deriv *fd.CustomDerivative) (*fd.FD, *fd.Node) {
		b := fd.NewBuilder("withopaque")
		x := b.Parameter("x", f64(2), fd.Owned)
		op := fd.Opaque(&fd.OpaqueRegion{Name: "mystery", OutShape: f64(2), Derivative: deriv}, x)
		return b.Build(op), op
	}
	req := fd.ActivityRequest{Active: []string{"x"}}

	// No derivative descriptor: the region is unresolved, not guessed.
	f, op := build(nil)
	acts, err := fd.AnalyzeActivity(f, req)
	require.NoError(t, err)
	assert.Equal(t, fd.OpaqueUnresolved, acts.OfNode(op))
	assert.Same(t, op, acts.AnyUnresolved())

	// With a descriptor, the output is plainly active.
	f, op = build(&fd.CustomDerivative{})
	acts, err = fd.AnalyzeActivity(f, req)
	require.NoError(t, err)
	assert.Equal(t, fd.Active, acts.OfNode(op))
}

func TestActivityOpaqueDependencyMask(t *testing.T) {
	// The descriptor's mask decouples the region's output from operands it
	// declares inert.
	b := fd.NewBuilder("masked")
	x := b.Parameter("x", f64(2), fd.Owned)
	c := b.Parameter("c", f64(2), fd.Owned)
	region := &fd.OpaqueRegion{
		Name:       "lookup",
		OutShape:   f64(2),
		Derivative: &fd.CustomDerivative{DependsOn: []bool{false, true}},
	}
	op := fd.Opaque(region, x, c)
	f := b.Build(op)

	acts, err := fd.AnalyzeActivity(f, fd.ActivityRequest{Active: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, fd.Constant, acts.OfNode(op), "only the masked-out operand is active")

	acts, err = fd.AnalyzeActivity(f, fd.ActivityRequest{Active: []string{"c"}})
	require.NoError(t, err)
	assert.Equal(t, fd.Active, acts.OfNode(op))
}

func TestActivityConstantSubtrees(t *testing.T) {
	b := fd.NewBuilder("mixed")
	x := b.Parameter("x", f64(3), fd.Owned)
	y := b.Parameter("y", f64(3), fd.Owned)
	constPart := fd.Exp(fd.Neg(y))
	activePart := fd.Mul(x, constPart)
	f := b.Build(activePart)

	acts, err := fd.AnalyzeActivity(f, fd.ActivityRequest{Active: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, fd.Constant, acts.OfNode(constPart))
	assert.Equal(t, fd.Active, acts.OfNode(activePart))
}
