// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gofx/gofx/fd"
)

func TestBinaryScalarBroadcast(t *testing.T) {
	out := make([]float64, 3)
	Binary(fd.OpMul, []float64{2}, []float64{1, 2, 3}, out)
	if diff := cmp.Diff([]float64{2, 4, 6}, out); diff != "" {
		t.Errorf("scalar lhs (-want +got):\n%s", diff)
	}
	Binary(fd.OpSub, []float64{10, 20, 30}, []float64{1}, out)
	if diff := cmp.Diff([]float64{9, 19, 29}, out); diff != "" {
		t.Errorf("scalar rhs (-want +got):\n%s", diff)
	}
	Binary(fd.OpMax, []float64{1, 5, 3}, []float64{4, 2, 6}, out)
	if diff := cmp.Diff([]float64{4, 5, 6}, out); diff != "" {
		t.Errorf("elementwise (-want +got):\n%s", diff)
	}
}

func TestLessOrEqualAndSelect(t *testing.T) {
	pred := make([]bool, 4)
	LessOrEqual([]float32{1, 5, 3, 3}, []float32{3}, pred)
	if diff := cmp.Diff([]bool{true, false, true, true}, pred); diff != "" {
		t.Errorf("compare (-want +got):\n%s", diff)
	}

	out := make([]float32, 4)
	Select(pred, []float32{1, 2, 3, 4}, []float32{-1, -2, -3, -4}, out)
	if diff := cmp.Diff([]float32{1, -2, 3, 4}, out); diff != "" {
		t.Errorf("select (-want +got):\n%s", diff)
	}

	// A scalar predicate picks a whole branch.
	Select([]bool{false}, []float32{1, 2, 3, 4}, []float32{-1, -2, -3, -4}, out)
	if diff := cmp.Diff([]float32{-1, -2, -3, -4}, out); diff != "" {
		t.Errorf("scalar select (-want +got):\n%s", diff)
	}
}

func TestReduceSumAxes(t *testing.T) {
	// x is [2,3] row-major.
	x := []float64{1, 2, 3, 4, 5, 6}

	full := make([]float64, 1)
	ReduceSum(x, []int{2, 3}, nil, full, false)
	if full[0] != 21 {
		t.Errorf("full reduce: got %v, want 21", full[0])
	}

	rows := make([]float64, 2)
	ReduceSum(x, []int{2, 3}, []int{1}, rows, false)
	if diff := cmp.Diff([]float64{6, 15}, rows); diff != "" {
		t.Errorf("axis 1 (-want +got):\n%s", diff)
	}

	cols := make([]float64, 3)
	ReduceSum(x, []int{2, 3}, []int{0}, cols, false)
	if diff := cmp.Diff([]float64{5, 7, 9}, cols); diff != "" {
		t.Errorf("axis 0 (-want +got):\n%s", diff)
	}
}

func TestReduceSumReversedGroupsAlike(t *testing.T) {
	// Reversed accumulation reorders the additions inside each output
	// cell; with exactly representable values the results are identical.
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	forward := make([]float64, 4)
	backward := make([]float64, 4)
	ReduceSum(x, []int{2, 4}, []int{0}, forward, false)
	ReduceSum(x, []int{2, 4}, []int{0}, backward, true)
	if diff := cmp.Diff(forward, backward); diff != "" {
		t.Errorf("reversed grouping (-forward +reversed):\n%s", diff)
	}
}

func TestBroadcastExpand(t *testing.T) {
	// Leading new axis: [3] -> [2,3].
	out := make([]float64, 6)
	BroadcastExpand([]float64{1, 2, 3}, []int{2, 3}, []int{0}, out)
	if diff := cmp.Diff([]float64{1, 2, 3, 1, 2, 3}, out); diff != "" {
		t.Errorf("leading axis (-want +got):\n%s", diff)
	}

	// Inner new axis: [2] -> [2,3] replicating along axis 1.
	BroadcastExpand([]float64{10, 20}, []int{2, 3}, []int{1}, out)
	if diff := cmp.Diff([]float64{10, 10, 10, 20, 20, 20}, out); diff != "" {
		t.Errorf("inner axis (-want +got):\n%s", diff)
	}
}

func TestFlatIdxRoundTrip(t *testing.T) {
	dims := []int{2, 3, 4}
	idx := make([]int, 3)
	flatIdx(17, dims, idx)
	if diff := cmp.Diff([]int{1, 1, 1}, idx); diff != "" {
		t.Errorf("flatIdx(17) (-want +got):\n%s", diff)
	}
}
