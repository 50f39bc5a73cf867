// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package fdtest holds test utilities for packages that execute function
// descriptors, including the numeric tolerance contract of the in-tree
// backends.
package fdtest

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/gofx/gofx/backends"
	_ "github.com/gofx/gofx/backends/hostgo"
	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/types/shapes"
)

// Relative tolerances for comparing values computed by two different
// backends (or backend configurations) of the core. Backends are free to
// reassociate accumulations, so bitwise equality is not promised; results
// agree within these bounds.
const (
	TolF32 = 1e-6
	TolF64 = 1e-12
)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend returns the shared test backend, defaulting to "hostgo"
// unless the GOFX_BACKEND environment variable overrides it.
func BuildTestBackend() backends.Backend {
	backends.DefaultConfig = "hostgo"
	backendOnce.Do(func() {
		var err error
		cachedBackend, err = backends.New()
		if err != nil {
			panic(err)
		}
		fmt.Printf("Backend: %s\n", cachedBackend.Description())
	})
	return cachedBackend
}

// Run compiles f on device 0 of the backend, executes it over the flat
// argument slices and returns one flat slice per output. All device
// buffers are released before returning.
func Run(t *testing.T, backend backends.Backend, f *fd.FD, args ...any) []any {
	return RunOn(t, backend, 0, f, args...)
}

// RunOn is Run on a specific device.
func RunOn(t *testing.T, backend backends.Backend, device backends.DeviceNum, f *fd.FD, args ...any) []any {
	require.Equalf(t, f.NumParams(), len(args), "%q takes %d arguments", f.Name(), f.NumParams())
	exec, err := backend.Compile(f, device)
	require.NoErrorf(t, err, "compiling %q", f.Name())
	defer exec.Finalize()

	inputs := make([]backends.Buffer, len(args))
	defer func() {
		for _, buffer := range inputs {
			if buffer != nil {
				_ = backend.BufferFinalize(buffer)
			}
		}
	}()
	for i, arg := range args {
		inputs[i], err = backend.BufferFromFlatData(device, arg, f.Param(i).Shape)
		require.NoErrorf(t, err, "uploading argument %q of %q", f.Param(i).Name, f.Name())
	}

	outBuffers, err := exec.Execute(inputs...)
	require.NoErrorf(t, err, "executing %q", f.Name())
	defer func() {
		for _, buffer := range outBuffers {
			_ = backend.BufferFinalize(buffer)
		}
	}()

	outShapes := exec.Outputs()
	results := make([]any, len(outBuffers))
	for i, buffer := range outBuffers {
		flat := newFlat(t, outShapes[i])
		require.NoErrorf(t, backend.BufferToFlatData(buffer, flat), "reading back output #%d of %q", i, f.Name())
		results[i] = flat
	}
	return results
}

// RequireClose asserts got matches want up to the given relative tolerance
// (exact equality for []bool). want and got must be flat slices of the
// same type and length.
func RequireClose(t *testing.T, want, got any, relTol float64) {
	t.Helper()
	switch wantData := want.(type) {
	case []float32:
		gotData, ok := got.([]float32)
		require.Truef(t, ok, "want []float32, got %T", got)
		require.Len(t, gotData, len(wantData))
		for i := range wantData {
			requireCloseAt(t, float64(wantData[i]), float64(gotData[i]), relTol, i)
		}
	case []float64:
		gotData, ok := got.([]float64)
		require.Truef(t, ok, "want []float64, got %T", got)
		require.Len(t, gotData, len(wantData))
		for i := range wantData {
			requireCloseAt(t, wantData[i], gotData[i], relTol, i)
		}
	case []bool:
		require.Equal(t, wantData, got)
	default:
		t.Fatalf("RequireClose does not handle %T", want)
	}
}

func requireCloseAt(t *testing.T, want, got, relTol float64, i int) {
	t.Helper()
	scale := math.Max(1, math.Abs(want))
	require.InDeltaf(t, want, got, relTol*scale, "element #%d", i)
}

func newFlat(t *testing.T, shape shapes.Shape) any {
	switch shape.DType {
	case dtypes.Float32:
		return make([]float32, shape.Size())
	case dtypes.Float64:
		return make([]float64, shape.Size())
	case dtypes.Float16:
		return make([]float16.Float16, shape.Size())
	case dtypes.Bool:
		return make([]bool, shape.Size())
	}
	t.Fatalf("dtype %s has no flat representation in fdtest", shape.DType)
	return nil
}
