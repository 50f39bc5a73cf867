// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the flat-slice math shared by the interpreter
// backends (hostgo and vdev). All kernels operate on row-major flat data;
// shape bookkeeping stays with the callers.
//
// Reductions take an accumulation order: the virtual accelerator backend
// deliberately accumulates in reversed element order, which is a legal
// floating-point-associative reordering and is what keeps the documented
// host/device tolerance contract honest in tests.
package kernels

import (
	"math"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"

	"github.com/gofx/gofx/fd"
)

// Binary computes an elementwise binary op into out. Either operand may
// have length 1 (a scalar), which broadcasts against the other; otherwise
// all three slices must have equal length.
func Binary[T constraints.Float](op fd.OpType, x, y, out []T) {
	xs, ys := len(x) == 1, len(y) == 1
	fn := binaryFn[T](op)
	switch {
	case xs && !ys:
		xv := x[0]
		for i, yv := range y {
			out[i] = fn(xv, yv)
		}
	case ys && !xs:
		yv := y[0]
		for i, xv := range x {
			out[i] = fn(xv, yv)
		}
	default:
		for i, xv := range x {
			out[i] = fn(xv, y[i])
		}
	}
}

func binaryFn[T constraints.Float](op fd.OpType) func(x, y T) T {
	switch op {
	case fd.OpAdd:
		return func(x, y T) T { return x + y }
	case fd.OpSub:
		return func(x, y T) T { return x - y }
	case fd.OpMul:
		return func(x, y T) T { return x * y }
	case fd.OpDiv:
		return func(x, y T) T { return x / y }
	case fd.OpMin:
		return func(x, y T) T { return min(x, y) }
	case fd.OpMax:
		return func(x, y T) T { return max(x, y) }
	case fd.OpPow:
		return func(x, y T) T { return T(math.Pow(float64(x), float64(y))) }
	}
	exceptions.Panicf("kernels.Binary: %s is not a binary op", op)
	return nil
}

// Unary computes an elementwise unary op into out.
func Unary[T constraints.Float](op fd.OpType, x, out []T) {
	fn := unaryFn[T](op)
	for i, xv := range x {
		out[i] = fn(xv)
	}
}

func unaryFn[T constraints.Float](op fd.OpType) func(x T) T {
	switch op {
	case fd.OpNeg:
		return func(x T) T { return -x }
	case fd.OpExp:
		return func(x T) T { return T(math.Exp(float64(x))) }
	case fd.OpLog:
		return func(x T) T { return T(math.Log(float64(x))) }
	case fd.OpTanh:
		return func(x T) T { return T(math.Tanh(float64(x))) }
	case fd.OpSqrt:
		return func(x T) T { return T(math.Sqrt(float64(x))) }
	}
	exceptions.Panicf("kernels.Unary: %s is not a unary op", op)
	return nil
}

// LessOrEqual computes the elementwise comparison x <= y into out. Either
// operand may have length 1 (a scalar), which broadcasts.
func LessOrEqual[T constraints.Float](x, y []T, out []bool) {
	xs, ys := len(x) == 1, len(y) == 1
	switch {
	case xs && !ys:
		xv := x[0]
		for i, yv := range y {
			out[i] = xv <= yv
		}
	case ys && !xs:
		yv := y[0]
		for i, xv := range x {
			out[i] = xv <= yv
		}
	default:
		for i, xv := range x {
			out[i] = xv <= y[i]
		}
	}
}

// Select picks elementwise between onTrue and onFalse. pred has length 1
// (scalar predicate) or the output length.
func Select[T constraints.Float](pred []bool, onTrue, onFalse, out []T) {
	if len(pred) == 1 {
		src := onFalse
		if pred[0] {
			src = onTrue
		}
		copy(out, src)
		return
	}
	for i, p := range pred {
		if p {
			out[i] = onTrue[i]
		} else {
			out[i] = onFalse[i]
		}
	}
}

// ReduceSum sums x (with the given dimensions) over the listed axes into
// out, which must have the size of the remaining dimensions. An empty axes
// list is a full reduction to one element. When reversed is set, elements
// accumulate in descending flat order, a deliberate reordering of the
// floating-point sum.
func ReduceSum[T constraints.Float](x []T, dims []int, axes []int, out []T, reversed bool) {
	for i := range out {
		out[i] = 0
	}
	if len(axes) == 0 {
		var acc T
		if reversed {
			for i := len(x) - 1; i >= 0; i-- {
				acc += x[i]
			}
		} else {
			for _, v := range x {
				acc += v
			}
		}
		out[0] = acc
		return
	}

	reduced := make([]bool, len(dims))
	for _, axis := range axes {
		reduced[axis] = true
	}
	// outStrides[axis] is the flat output stride of each kept input axis,
	// 0 for reduced axes, so every input element maps straight to its
	// output cell.
	outStrides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if reduced[axis] {
			continue
		}
		outStrides[axis] = stride
		stride *= dims[axis]
	}

	idx := make([]int, len(dims))
	accumulate := func(flat int) {
		flatIdx(flat, dims, idx)
		outFlat := 0
		for axis, i := range idx {
			outFlat += i * outStrides[axis]
		}
		out[outFlat] += x[flat]
	}
	if reversed {
		// Reversed accumulation groups elements into the same output cells,
		// only the order of the additions changes.
		for flat := len(x) - 1; flat >= 0; flat-- {
			accumulate(flat)
		}
		return
	}
	for flat := range x {
		accumulate(flat)
	}
}

// flatIdx decodes a row-major flat position into the index slice.
func flatIdx(flat int, dims []int, idx []int) {
	for axis := len(dims) - 1; axis >= 0; axis-- {
		idx[axis] = flat % dims[axis]
		flat /= dims[axis]
	}
}

// BroadcastExpand replicates x into out along the listed new axes of the
// output dimensions; the remaining output axes carry x's dimensions in
// order. With only leading new axes this degenerates to repeated block
// copies of x.
func BroadcastExpand[T any](x []T, outDims []int, newAxes []int, out []T) {
	isNew := make([]bool, len(outDims))
	for _, axis := range newAxes {
		isNew[axis] = true
	}
	// Input strides aligned to the output axes: 0 on replicated axes.
	inStrides := make([]int, len(outDims))
	stride := 1
	for axis := len(outDims) - 1; axis >= 0; axis-- {
		if isNew[axis] {
			continue
		}
		inStrides[axis] = stride
		stride *= outDims[axis]
	}
	idx := make([]int, len(outDims))
	for flat := range out {
		flatIdx(flat, outDims, idx)
		inFlat := 0
		for axis, i := range idx {
			inFlat += i * inStrides[axis]
		}
		out[flat] = x[inFlat]
	}
}
