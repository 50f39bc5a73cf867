// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package autodiff_test

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofx/gofx/autodiff"
	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/fd/fdtest"
	"github.com/gofx/gofx/fderrors"
	"github.com/gofx/gofx/types/shapes"
)

func f64(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float64, dims...) }

func TestReverseWithInactiveOperand(t *testing.T) {
	// d/dx sum(x*y) = y; y stays a passive value, no adjoint chain for it.
	builder := fd.NewBuilder("dot")
	x := builder.Parameter("x", f64(3), fd.Owned)
	y := builder.Parameter("y", f64(3), fd.Owned)
	f := builder.Build(fd.ReduceSum(fd.Mul(x, y)))

	grad, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.NoError(t, err)
	require.Equal(t, 2, grad.NumParams(), "no seed parameter: scalar output is seeded with one")
	require.Equal(t, 1, grad.NumOutputs(), "one adjoint per active parameter")

	backend := fdtest.BuildTestBackend()
	outs := fdtest.Run(t, backend, grad, []float64{1, 2, 3}, []float64{4, 5, 6})
	fdtest.RequireClose(t, []float64{4, 5, 6}, outs[0], fdtest.TolF64)
}

func TestForwardComposite(t *testing.T) {
	// f(x) = exp(tanh(x)); the tangent along a ones seed is
	// exp(tanh(x)) * (1 - tanh(x)^2).
	builder := fd.NewBuilder("et")
	x := builder.Parameter("x", f64(3), fd.Owned)
	f := builder.Build(fd.Exp(fd.Tanh(x)))

	fwd, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Forward)
	require.NoError(t, err)
	require.Equal(t, 2, fwd.NumParams())
	assert.Equal(t, "d_x", fwd.Param(1).Name)
	require.Equal(t, 2, fwd.NumOutputs(), "primal output then its tangent")

	xs := []float64{0.5, -1.2, 2}
	wantPrimal := make([]float64, len(xs))
	wantTangent := make([]float64, len(xs))
	for i, v := range xs {
		th := math.Tanh(v)
		wantPrimal[i] = math.Exp(th)
		wantTangent[i] = math.Exp(th) * (1 - th*th)
	}

	backend := fdtest.BuildTestBackend()
	outs := fdtest.Run(t, backend, fwd, xs, []float64{1, 1, 1})
	fdtest.RequireClose(t, wantPrimal, outs[0], fdtest.TolF64)
	fdtest.RequireClose(t, wantTangent, outs[1], fdtest.TolF64)
}

func TestForwardReverseAgree(t *testing.T) {
	// Scalar f(x) = tanh(x) * exp(x): the forward tangent along seed 1 and
	// the reverse adjoint are both df/dx.
	builder := fd.NewBuilder("te")
	x := builder.Parameter("x", f64(), fd.Owned)
	f := builder.Build(fd.Mul(fd.Tanh(x), fd.Exp(x)))

	req := fd.ActivityRequest{Active: []string{"x"}}
	fwd, err := autodiff.Differentiate(f, req, autodiff.Forward)
	require.NoError(t, err)
	rev, err := autodiff.Differentiate(f, req, autodiff.Reverse)
	require.NoError(t, err)

	backend := fdtest.BuildTestBackend()
	for _, v := range []float64{-0.7, 0.1, 1.9} {
		fwdOuts := fdtest.Run(t, backend, fwd, []float64{v}, []float64{1})
		revOuts := fdtest.Run(t, backend, rev, []float64{v})
		fdtest.RequireClose(t, fwdOuts[1], revOuts[0], fdtest.TolF64)
	}
}

func TestSeedFromCaller(t *testing.T) {
	builder := fd.NewBuilder("double")
	x := builder.Parameter("x", f64(3), fd.Owned)
	f := builder.Build(fd.Mul(x, fd.Scalar(builder, dtypes.Float64, 2)))

	grad, err := autodiff.Differentiate(f,
		fd.ActivityRequest{Active: []string{"x"}, SeedFromCaller: true}, autodiff.Reverse)
	require.NoError(t, err)
	require.Equal(t, 2, grad.NumParams())
	assert.Equal(t, "seed", grad.Param(1).Name)

	backend := fdtest.BuildTestBackend()
	outs := fdtest.Run(t, backend, grad, []float64{9, 9, 9}, []float64{1, 10, 100})
	fdtest.RequireClose(t, []float64{2, 20, 200}, outs[0], fdtest.TolF64)
}

func TestNonScalarOutputNeedsCallerSeed(t *testing.T) {
	builder := fd.NewBuilder("vec")
	x := builder.Parameter("x", f64(3), fd.Owned)
	f := builder.Build(fd.Neg(x))

	_, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scalar")
}

func TestMutableAccumulator(t *testing.T) {
	// An active borrowed-mutable parameter gets a d_<name> accumulator the
	// adjoint is added into, so a caller sharing one accumulator across
	// calls observes exactly one increment per call.
	builder := fd.NewBuilder("sumsq")
	x := builder.Parameter("x", f64(2), fd.BorrowedMutable)
	f := builder.Build(fd.ReduceSum(fd.Mul(x, x)))

	grad, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.NoError(t, err)
	require.Equal(t, 2, grad.NumParams())
	assert.Equal(t, "d_x", grad.Param(1).Name)
	assert.Equal(t, fd.BorrowedMutable, grad.Param(1).Ownership)
	assert.Equal(t, 1, grad.OutputAlias(0), "adjoint is written back into the accumulator")

	backend := fdtest.BuildTestBackend()
	exec, err := backend.Compile(grad, 0)
	require.NoError(t, err)
	defer exec.Finalize()

	xBuf, err := backend.BufferFromFlatData(0, []float64{2, 3}, f64(2))
	require.NoError(t, err)
	defer func() { _ = backend.BufferFinalize(xBuf) }()
	accBuf, err := backend.BufferFromFlatData(0, []float64{0, 0}, f64(2))
	require.NoError(t, err)
	defer func() { _ = backend.BufferFinalize(accBuf) }()

	for call := 0; call < 2; call++ {
		outs, err := exec.Execute(xBuf, accBuf)
		require.NoError(t, err)
		for _, out := range outs {
			require.NoError(t, backend.BufferFinalize(out))
		}
	}
	acc := make([]float64, 2)
	require.NoError(t, backend.BufferToFlatData(accBuf, acc))
	fdtest.RequireClose(t, []float64{8, 12}, acc, fdtest.TolF64)
}

func TestUnknownActiveParameter(t *testing.T) {
	builder := fd.NewBuilder("one")
	x := builder.Parameter("x", f64(), fd.Owned)
	f := builder.Build(fd.Neg(x))

	_, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"z"}}, autodiff.Reverse)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not declare")
}

func TestNonFloatActiveParameter(t *testing.T) {
	builder := fd.NewBuilder("mask")
	p := builder.Parameter("p", shapes.Make(dtypes.Bool), fd.Owned)
	x := builder.Parameter("x", f64(), fd.Owned)
	f := builder.Build(fd.Select(p, x, fd.Neg(x)))

	_, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"p"}}, autodiff.Reverse)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-float")
}

func TestUnresolvedOpaqueRegion(t *testing.T) {
	builder := fd.NewBuilder("foreign")
	x := builder.Parameter("x", f64(), fd.Owned)
	region := &fd.OpaqueRegion{Name: "blackbox", OutShape: f64()}
	f := builder.Build(fd.Opaque(region, x))

	_, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.Error(t, err)
	var unresolved *fderrors.UnresolvedOpaqueRegion
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, "blackbox", unresolved.Region)
}

// sumSquaresRegion builds an opaque region computing sum(x^2) over a
// 3-vector, with custom forward and reverse rules.
func sumSquaresRegion(t *testing.T) *fd.OpaqueRegion {
	t.Helper()
	revBuilder := fd.NewBuilder("sumsq.vjp")
	rx := revBuilder.Parameter("x", f64(3), fd.Owned)
	rv := revBuilder.Parameter("v", f64(), fd.Owned)
	reverse := revBuilder.Build(
		fd.Mul(fd.Mul(rx, fd.Scalar(revBuilder, dtypes.Float64, 2)), rv))

	fwdBuilder := fd.NewBuilder("sumsq.jvp")
	fx := fwdBuilder.Parameter("x", f64(3), fd.Owned)
	fdx := fwdBuilder.Parameter("dx", f64(3), fd.Owned)
	forward := fwdBuilder.Build(
		fd.ReduceSum(fd.Mul(fd.Mul(fx, fd.Scalar(fwdBuilder, dtypes.Float64, 2)), fdx)))

	return &fd.OpaqueRegion{
		Name:     "sumsq",
		OutShape: f64(),
		HostImpl: func(inputs []any) any {
			xs := inputs[0].([]float64)
			var s float64
			for _, v := range xs {
				s += v * v
			}
			return []float64{s}
		},
		Derivative: &fd.CustomDerivative{Forward: forward, Reverse: reverse},
	}
}

func TestCustomDerivativeReverse(t *testing.T) {
	region := sumSquaresRegion(t)
	builder := fd.NewBuilder("wrap")
	x := builder.Parameter("x", f64(3), fd.Owned)
	f := builder.Build(fd.Opaque(region, x))

	grad, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.NoError(t, err)

	backend := fdtest.BuildTestBackend()
	outs := fdtest.Run(t, backend, grad, []float64{1, -2, 3})
	fdtest.RequireClose(t, []float64{2, -4, 6}, outs[0], fdtest.TolF64)
}

func TestCustomDerivativeForward(t *testing.T) {
	region := sumSquaresRegion(t)
	builder := fd.NewBuilder("wrap")
	x := builder.Parameter("x", f64(3), fd.Owned)
	f := builder.Build(fd.Opaque(region, x))

	fwd, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Forward)
	require.NoError(t, err)

	backend := fdtest.BuildTestBackend()
	outs := fdtest.Run(t, backend, fwd, []float64{1, -2, 3}, []float64{1, 1, 1})
	fdtest.RequireClose(t, []float64{14}, outs[0], fdtest.TolF64)
	fdtest.RequireClose(t, []float64{2 - 4 + 6}, outs[1], fdtest.TolF64)
}

func TestUnsupportedMode(t *testing.T) {
	region := sumSquaresRegion(t)
	region.Derivative.Forward = nil

	builder := fd.NewBuilder("wrap")
	x := builder.Parameter("x", f64(3), fd.Owned)
	f := builder.Build(fd.Opaque(region, x))

	_, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Forward)
	require.Error(t, err)
	var unsupported *fderrors.UnsupportedMode
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "forward", unsupported.Mode)

	// The reverse rule is still there, so reverse mode goes through.
	_, err = autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.NoError(t, err)
}

func TestCustomDerivativeSignatureMismatch(t *testing.T) {
	region := sumSquaresRegion(t)
	// A reverse rule missing the adjoint parameter.
	badBuilder := fd.NewBuilder("sumsq.bad")
	bx := badBuilder.Parameter("x", f64(3), fd.Owned)
	region.Derivative.Reverse = badBuilder.Build(fd.Neg(bx))

	builder := fd.NewBuilder("wrap")
	x := builder.Parameter("x", f64(3), fd.Owned)
	f := builder.Build(fd.Opaque(region, x))

	_, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.Error(t, err)
	var mismatch *fderrors.CustomDerivativeSignatureMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "sumsq", mismatch.Region)
}

func TestMutableGlobalRefused(t *testing.T) {
	builder := fd.NewBuilder("gained")
	x := builder.Parameter("x", f64(), fd.Owned)
	gain := fd.GlobalRef(builder, "gain", f64(), true, []float64{3})
	f := builder.Build(fd.Mul(x, gain))

	_, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.Error(t, err)
	var refused *fderrors.GlobalActivityRefused
	require.True(t, errors.As(err, &refused))
	assert.Equal(t, "gain", refused.Global)
}

func TestImmutableGlobalDifferentiates(t *testing.T) {
	builder := fd.NewBuilder("gained")
	x := builder.Parameter("x", f64(), fd.Owned)
	gain := fd.GlobalRef(builder, "gain", f64(), false, []float64{3})
	f := builder.Build(fd.Mul(x, gain))

	grad, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.NoError(t, err)

	backend := fdtest.BuildTestBackend()
	outs := fdtest.Run(t, backend, grad, []float64{5})
	fdtest.RequireClose(t, []float64{3}, outs[0], fdtest.TolF64)
}

func TestCondDifferentiation(t *testing.T) {
	square := func() *fd.FD {
		b := fd.NewBuilder("sq")
		v := b.Parameter("v", f64(), fd.Owned)
		return b.Build(fd.Mul(v, v))
	}()
	expf := func() *fd.FD {
		b := fd.NewBuilder("e")
		v := b.Parameter("v", f64(), fd.Owned)
		return b.Build(fd.Exp(v))
	}()

	// f(x) = x <= 0 ? x^2 : exp(x)
	builder := fd.NewBuilder("piecewise")
	x := builder.Parameter("x", f64(), fd.Owned)
	pred := fd.LessOrEqual(x, fd.ScalarZero(builder, dtypes.Float64))
	f := builder.Build(fd.Cond(pred, square, expf, x))

	grad, err := autodiff.Differentiate(f, fd.ActivityRequest{Active: []string{"x"}}, autodiff.Reverse)
	require.NoError(t, err)

	backend := fdtest.BuildTestBackend()
	outs := fdtest.Run(t, backend, grad, []float64{-3})
	fdtest.RequireClose(t, []float64{-6}, outs[0], fdtest.TolF64)
	outs = fdtest.Run(t, backend, grad, []float64{2})
	fdtest.RequireClose(t, []float64{math.Exp(2)}, outs[0], fdtest.TolF64)
}

func TestCallDifferentiation(t *testing.T) {
	cube := func() *fd.FD {
		b := fd.NewBuilder("cube")
		v := b.Parameter("v", f64(4), fd.Owned)
		return b.Build(fd.Mul(fd.Mul(v, v), v))
	}()

	builder := fd.NewBuilder("sumcube")
	x := builder.Parameter("x", f64(4), fd.Owned)
	f := builder.Build(fd.ReduceSum(fd.Call(cube, x)))

	req := fd.ActivityRequest{Active: []string{"x"}}
	grad, err := autodiff.Differentiate(f, req, autodiff.Reverse)
	require.NoError(t, err)
	fwd, err := autodiff.Differentiate(f, req, autodiff.Forward)
	require.NoError(t, err)

	xs := []float64{1, -1, 2, 0.5}
	want := make([]float64, len(xs))
	var wantSum float64
	for i, v := range xs {
		want[i] = 3 * v * v
		wantSum += want[i]
	}

	backend := fdtest.BuildTestBackend()
	outs := fdtest.Run(t, backend, grad, xs)
	fdtest.RequireClose(t, want, outs[0], fdtest.TolF64)
	outs = fdtest.Run(t, backend, fwd, xs, []float64{1, 1, 1, 1})
	fdtest.RequireClose(t, []float64{wantSum}, outs[1], fdtest.TolF64)
}
