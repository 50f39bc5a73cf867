// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package offload_test

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gofx/gofx/backends"
	"github.com/gofx/gofx/backends/hostgo"
	"github.com/gofx/gofx/backends/vdev"
	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/fd/fdtest"
	"github.com/gofx/gofx/fderrors"
	"github.com/gofx/gofx/offload"
	"github.com/gofx/gofx/types/shapes"
)

func f64(dims ...int) shapes.Shape { return shapes.Make(dtypes.Float64, dims...) }

// axpyFD builds f(a, x, y) = a*x + y with y unused, to exercise upload
// elision.
func axpyFD(t *testing.T) *fd.FD {
	t.Helper()
	builder := fd.NewBuilder("axpy")
	a := builder.Parameter("a", f64(), fd.Owned)
	x := builder.Parameter("x", f64(3), fd.Owned)
	builder.Parameter("unused", f64(3), fd.Owned)
	return builder.Build(fd.Mul(a, x))
}

func newVdev(t *testing.T, opts vdev.Options) *vdev.Backend {
	t.Helper()
	b := vdev.New(opts)
	t.Cleanup(b.Finalize)
	return b
}

func TestPlanCopyDecisions(t *testing.T) {
	f := axpyFD(t)
	dev := newVdev(t, vdev.Options{})

	placement, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.NoError(t, err)
	require.Len(t, placement.Params, 3)
	assert.True(t, placement.Params[0].Upload)
	assert.True(t, placement.Params[1].Upload)
	assert.False(t, placement.Params[2].Upload, "a parameter the body never reads is not copied")
	require.Len(t, placement.Outputs, 1)
	assert.Equal(t, -1, placement.Outputs[0].Alias)
}

func TestPlanWriteBackDecision(t *testing.T) {
	builder := fd.NewBuilder("acc")
	acc := builder.Parameter("acc", f64(2), fd.BorrowedMutable)
	x := builder.Parameter("x", f64(2), fd.Owned)
	f := builder.BuildAliased([]*fd.Node{fd.Add(acc, x)}, []int{0})

	dev := newVdev(t, vdev.Options{})
	placement, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, placement.Outputs[0].Alias)
}

func TestPlanValidation(t *testing.T) {
	f := axpyFD(t)
	dev := newVdev(t, vdev.Options{})

	_, err := offload.Plan(nil, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.Error(t, err)
	_, err = offload.Plan(f, nil, nil)
	require.Error(t, err)
	_, err = offload.Plan(f, []offload.Target{
		offload.TargetOf("dup", dev, 0),
		offload.TargetOf("dup", dev, 1),
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dup")
}

func TestPlanDeniedOp(t *testing.T) {
	builder := fd.NewBuilder("softish")
	x := builder.Parameter("x", f64(2), fd.Owned)
	f := builder.Build(fd.Exp(x))

	dev := newVdev(t, vdev.Options{DenyOps: []fd.OpType{fd.OpExp}})
	_, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.Error(t, err)
	var unsupported *fderrors.UnsupportedOnDevice
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "dev0", unsupported.Target)
}

func TestPlanHostOnlyOpaque(t *testing.T) {
	builder := fd.NewBuilder("foreign")
	x := builder.Parameter("x", f64(2), fd.Owned)
	region := &fd.OpaqueRegion{
		Name:     "syscall",
		OutShape: f64(2),
		HostImpl: func(inputs []any) any { return inputs[0] },
	}
	f := builder.Build(fd.Opaque(region, x))

	dev := newVdev(t, vdev.Options{})
	_, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	var unsupported *fderrors.UnsupportedOnDevice
	require.True(t, errors.As(err, &unsupported))
}

func TestPlanMissingMarshalling(t *testing.T) {
	builder := fd.NewBuilder("bools")
	p := builder.Parameter("p", shapes.Make(dtypes.Bool, 2), fd.Owned)
	x := builder.Parameter("x", f64(2), fd.Owned)
	f := builder.Build(fd.Select(p, x, fd.Neg(x)))

	// A registry with no Bool marshaller.
	registry := &offload.MarshallingRegistry{}
	full := offload.NewMarshallingRegistry()
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64} {
		m, ok := full.Lookup(dtype)
		require.True(t, ok)
		registry.Register(dtype, m)
	}

	dev := newVdev(t, vdev.Options{})
	_, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, registry)
	require.Error(t, err)
	var missing *fderrors.MissingMarshalling
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "Bool", missing.DType)
	assert.Equal(t, "p", missing.Param)
}

func TestPlanMemoryBudget(t *testing.T) {
	builder := fd.NewBuilder("big")
	x := builder.Parameter("x", f64(1000), fd.Owned)
	f := builder.Build(fd.Neg(x))

	dev := newVdev(t, vdev.Options{MemoryPerDevice: 1024})
	_, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.Error(t, err)
	var missing *fderrors.MissingMarshalling
	require.True(t, errors.As(err, &missing))
	assert.Contains(t, missing.Detail, "KiB")
}

func TestBindAndRun(t *testing.T) {
	f := axpyFD(t)
	host := fdtest.BuildTestBackend()
	dev := newVdev(t, vdev.Options{})

	placement, err := offload.Plan(f, []offload.Target{
		offload.TargetOf("host", host, 0),
		offload.TargetOf("dev0", dev, 0),
	}, nil)
	require.NoError(t, err)

	stub, err := placement.Bind(map[string]backends.Backend{"host": host, "dev0": dev})
	require.NoError(t, err)
	defer stub.Finalize()

	// The unused parameter slot takes nil.
	args := []any{[]float64{2}, []float64{1, 2, 3}, nil}
	hostOut, err := stub.Run(context.Background(), "host", args)
	require.NoError(t, err)
	devOut, err := stub.Run(context.Background(), "dev0", args)
	require.NoError(t, err)
	fdtest.RequireClose(t, []float64{2, 4, 6}, hostOut[0], fdtest.TolF64)
	fdtest.RequireClose(t, hostOut[0], devOut[0], fdtest.TolF64)

	_, err = stub.Run(context.Background(), "missing", args)
	require.Error(t, err)
}

func TestBindMissingBackend(t *testing.T) {
	f := axpyFD(t)
	dev := newVdev(t, vdev.Options{})
	placement, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.NoError(t, err)

	_, err = placement.Bind(map[string]backends.Backend{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev0")
}

func TestRunWritesBack(t *testing.T) {
	builder := fd.NewBuilder("acc")
	acc := builder.Parameter("acc", f64(2), fd.BorrowedMutable)
	x := builder.Parameter("x", f64(2), fd.Owned)
	f := builder.BuildAliased([]*fd.Node{fd.Add(acc, x)}, []int{0})

	dev := newVdev(t, vdev.Options{})
	placement, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.NoError(t, err)
	stub, err := placement.Bind(map[string]backends.Backend{"dev0": dev})
	require.NoError(t, err)
	defer stub.Finalize()

	accFlat := []float64{10, 20}
	outs, err := stub.Run(context.Background(), "dev0", []any{accFlat, []float64{1, 2}})
	require.NoError(t, err)
	fdtest.RequireClose(t, []float64{11, 22}, accFlat, fdtest.TolF64)
	fdtest.RequireClose(t, []float64{11, 22}, outs[0], fdtest.TolF64)
}

func TestRunReleasesDeviceMemory(t *testing.T) {
	f := axpyFD(t)
	dev := newVdev(t, vdev.Options{MemoryPerDevice: 1024})
	placement, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.NoError(t, err)
	stub, err := placement.Bind(map[string]backends.Backend{"dev0": dev})
	require.NoError(t, err)
	defer stub.Finalize()

	for i := 0; i < 10; i++ {
		_, err := stub.Run(context.Background(), "dev0", []any{[]float64{2}, []float64{1, 2, 3}, nil})
		require.NoError(t, err)
	}
	assert.Zero(t, dev.InUse(0), "every launch frees its buffers")
}

func TestRunCancelled(t *testing.T) {
	f := axpyFD(t)
	dev := newVdev(t, vdev.Options{})
	placement, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.NoError(t, err)
	stub, err := placement.Bind(map[string]backends.Backend{"dev0": dev})
	require.NoError(t, err)
	defer stub.Finalize()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stub.Run(ctx, "dev0", []any{[]float64{2}, []float64{1, 2, 3}, nil})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFanOut(t *testing.T) {
	f := axpyFD(t)
	dev := newVdev(t, vdev.Options{Devices: 3})
	placement, err := offload.Plan(f, []offload.Target{
		offload.TargetOf("dev0", dev, 0),
		offload.TargetOf("dev1", dev, 1),
		offload.TargetOf("dev2", dev, 2),
	}, nil)
	require.NoError(t, err)
	stub, err := placement.Bind(map[string]backends.Backend{"dev0": dev, "dev1": dev, "dev2": dev})
	require.NoError(t, err)
	defer stub.Finalize()

	outcomes, err := stub.FanOut(context.Background(), []any{[]float64{2}, []float64{1, 2, 3}, nil})
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	seen := map[string]bool{}
	for _, outcome := range outcomes {
		require.NoError(t, outcome.Err)
		assert.NotEmpty(t, outcome.DispatchID)
		assert.False(t, seen[outcome.DispatchID], "dispatch ids are unique")
		seen[outcome.DispatchID] = true
		fdtest.RequireClose(t, []float64{2, 4, 6}, outcome.Results[0], fdtest.TolF64)
	}
}

func TestFanOutPartialFailure(t *testing.T) {
	boom := errors.New("injected device fault")
	f := axpyFD(t)
	dev := newVdev(t, vdev.Options{Devices: 2, FailDevices: map[backends.DeviceNum]error{1: boom}})
	placement, err := offload.Plan(f, []offload.Target{
		offload.TargetOf("dev0", dev, 0),
		offload.TargetOf("dev1", dev, 1),
	}, nil)
	require.NoError(t, err)
	stub, err := placement.Bind(map[string]backends.Backend{"dev0": dev, "dev1": dev})
	require.NoError(t, err)
	defer stub.Finalize()

	outcomes, err := stub.FanOut(context.Background(), []any{[]float64{2}, []float64{1, 2, 3}, nil})
	require.Error(t, err)
	var partial *fderrors.PartialOffloadFailure
	require.True(t, errors.As(err, &partial))
	failed := partial.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "dev1", failed[0].Target)

	// The healthy target still completed with results.
	require.Len(t, outcomes, 2)
	require.NoError(t, outcomes[0].Err)
	fdtest.RequireClose(t, []float64{2, 4, 6}, outcomes[0].Results[0], fdtest.TolF64)
	require.ErrorIs(t, outcomes[1].Err, boom)
	assert.Nil(t, outcomes[1].Results)
}

func TestFanOutDoesNotShareWriteBacks(t *testing.T) {
	builder := fd.NewBuilder("acc")
	acc := builder.Parameter("acc", f64(2), fd.BorrowedMutable)
	x := builder.Parameter("x", f64(2), fd.Owned)
	f := builder.BuildAliased([]*fd.Node{fd.Add(acc, x)}, []int{0})

	dev := newVdev(t, vdev.Options{Devices: 2})
	placement, err := offload.Plan(f, []offload.Target{
		offload.TargetOf("dev0", dev, 0),
		offload.TargetOf("dev1", dev, 1),
	}, nil)
	require.NoError(t, err)
	stub, err := placement.Bind(map[string]backends.Backend{"dev0": dev, "dev1": dev})
	require.NoError(t, err)
	defer stub.Finalize()

	accFlat := []float64{10, 20}
	outcomes, err := stub.FanOut(context.Background(), []any{accFlat, []float64{1, 2}})
	require.NoError(t, err)
	fdtest.RequireClose(t, []float64{10, 20}, accFlat, fdtest.TolF64)
	for _, outcome := range outcomes {
		fdtest.RequireClose(t, []float64{11, 22}, outcome.Results[0], fdtest.TolF64)
	}
}

func TestFloat16Marshalling(t *testing.T) {
	// The half-precision marshaller keeps float32 host-side and rounds
	// through IEEE half at the device boundary.
	builder := fd.NewBuilder("halves")
	x := builder.Parameter("x", shapes.Make(dtypes.Float16, 3), fd.Owned)
	f := builder.Build(fd.Add(x, x))

	host, err := hostgo.New("")
	require.NoError(t, err)
	t.Cleanup(host.Finalize)

	placement, err := offload.Plan(f, []offload.Target{offload.TargetOf("host", host, 0)}, nil)
	require.NoError(t, err)
	stub, err := placement.Bind(map[string]backends.Backend{"host": host})
	require.NoError(t, err)
	defer stub.Finalize()

	in := []float32{1.5, -0.25, 2}
	outs, err := stub.Run(context.Background(), "host", []any{in})
	require.NoError(t, err)
	got := outs[0].([]float32)
	require.Len(t, got, 3)
	for i, v := range in {
		half := float16.Fromfloat32(v).Float32()
		assert.InDelta(t, 2*half, float64(got[i]), 1e-3)
	}
}

func TestStubAfterFinalize(t *testing.T) {
	f := axpyFD(t)
	dev := newVdev(t, vdev.Options{})
	placement, err := offload.Plan(f, []offload.Target{offload.TargetOf("dev0", dev, 0)}, nil)
	require.NoError(t, err)
	stub, err := placement.Bind(map[string]backends.Backend{"dev0": dev})
	require.NoError(t, err)

	stub.Finalize()
	_, err = stub.Run(context.Background(), "dev0", []any{[]float64{2}, []float64{1, 2, 3}, nil})
	require.Error(t, err)
}
