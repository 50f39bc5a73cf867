// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package interp walks a frozen function descriptor node by node over flat
// Go slices. It is the execution engine shared by the hostgo and vdev
// backends: hostgo runs it as the host reference; vdev runs it with its
// own buffer arena, reversed reduction order and fault injection, standing
// in for a real accelerator.
package interp

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/internal/kernels"
	"github.com/gofx/gofx/internal/workerspool"
)

// Options tune how a Program executes.
type Options struct {
	// ReversedReduce accumulates reductions in descending element order, a
	// legal reordering of floating-point sums used by the virtual device.
	ReversedReduce bool

	// Pool bounds kernel parallelism. nil runs everything inline.
	Pool *workerspool.Pool

	// FailOn, when set, is consulted before each node executes. A non-nil
	// return aborts the run with that error (fault injection).
	FailOn func(node *fd.Node) error
}

// Program is a descriptor compiled for interpretation. It is immutable
// after Compile and safe for concurrent Run calls.
type Program struct {
	fn   *fd.FD
	opts Options

	// needed marks the nodes reachable from the outputs; everything else
	// is skipped.
	needed []bool

	// constants holds the pre-converted storage for Const and GlobalRef
	// nodes. Shared across runs, never written by kernels.
	constants map[fd.NodeID]any

	// subs are the compiled programs of Cond branches and Call callees.
	subs map[*fd.FD]*Program
}

// Compile prepares a descriptor for interpretation, validating that every
// reachable node is executable on the interpreter.
func Compile(f *fd.FD, opts Options) (*Program, error) {
	p := &Program{
		fn:        f,
		opts:      opts,
		needed:    f.Reachable(),
		constants: make(map[fd.NodeID]any),
		subs:      make(map[*fd.FD]*Program),
	}
	for _, node := range f.Nodes() {
		if !p.needed[node.Id()] {
			continue
		}
		if err := p.compileNode(node); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Program) compileNode(node *fd.Node) error {
	switch node.Op() {
	case fd.OpConst:
		storage, err := ToStorage(node.ConstFlat(), node.Shape())
		if err != nil {
			return errors.WithMessagef(err, "compiling %s of %q", node, p.fn.Name())
		}
		p.constants[node.Id()] = storage
	case fd.OpGlobalRef:
		storage, err := ToStorage(node.GlobalValue(), node.Shape())
		if err != nil {
			return errors.WithMessagef(err, "compiling global %q of %q", node.GlobalName(), p.fn.Name())
		}
		p.constants[node.Id()] = storage
	case fd.OpOpaque:
		if node.OpaqueRegionOf().HostImpl == nil {
			return errors.Errorf("opaque region %q in %q has no host implementation, cannot execute",
				node.OpaqueRegionOf().Name, p.fn.Name())
		}
	case fd.OpCond:
		onTrue, onFalse := node.CondBranches()
		if err := p.compileSub(onTrue); err != nil {
			return err
		}
		if err := p.compileSub(onFalse); err != nil {
			return err
		}
	case fd.OpCall:
		if err := p.compileSub(node.Callee()); err != nil {
			return err
		}
	case fd.OpAdd, fd.OpSub, fd.OpMul, fd.OpDiv, fd.OpMin, fd.OpMax, fd.OpPow,
		fd.OpNeg, fd.OpExp, fd.OpLog, fd.OpTanh, fd.OpSqrt, fd.OpReduceSum:
		if !node.DType().IsFloat() {
			return errors.Errorf("%s on non-float %s in %q is not executable", node.Op(), node.Shape(), p.fn.Name())
		}
	case fd.OpLessOrEqual:
		if !node.Inputs()[0].DType().IsFloat() {
			return errors.Errorf("%s on non-float %s in %q is not executable", node.Op(), node.Inputs()[0].Shape(), p.fn.Name())
		}
	}
	return nil
}

func (p *Program) compileSub(f *fd.FD) error {
	if _, found := p.subs[f]; found {
		return nil
	}
	sub, err := Compile(f, p.opts)
	if err != nil {
		return err
	}
	p.subs[f] = sub
	return nil
}

// FD returns the descriptor the program interprets.
func (p *Program) FD() *fd.FD { return p.fn }

// Run executes the program. inputs are compute-storage slices, one per
// parameter; outputs are storage slices, one per FD output. Outputs
// aliased to a borrowed-mutable parameter are additionally written back
// into the corresponding input slice, making the mutation visible to the
// caller exactly as the signature promises.
func (p *Program) Run(inputs []any) ([]any, error) {
	f := p.fn
	if len(inputs) != f.NumParams() {
		return nil, errors.Errorf("%q takes %d parameters, got %d inputs", f.Name(), f.NumParams(), len(inputs))
	}
	results := make([]any, f.NumNodes())
	for i := 0; i < f.NumParams(); i++ {
		results[f.ParamNode(i).Id()] = inputs[i]
	}

	for _, node := range f.Nodes() {
		if !p.needed[node.Id()] || node.Op() == fd.OpParameter {
			continue
		}
		if p.opts.FailOn != nil {
			if err := p.opts.FailOn(node); err != nil {
				return nil, err
			}
		}
		value, err := p.eval(node, results)
		if err != nil {
			return nil, errors.WithMessagef(err, "executing %s of %q", node, f.Name())
		}
		results[node.Id()] = value
	}

	outputs := make([]any, f.NumOutputs())
	for i, out := range f.Outputs() {
		outputs[i] = results[out.Id()]
		if sharesInputStorage(out) {
			// Views and pass-throughs alias parameter or constant
			// storage; returned outputs must own their memory.
			outputs[i] = CloneStorage(outputs[i])
		}
		if alias := f.OutputAlias(i); alias >= 0 {
			// Write back into the caller-visible storage.
			copyStorage(inputs[alias], outputs[i])
		}
	}
	return outputs, nil
}

// sharesInputStorage reports whether the node's result may alias storage
// the program does not own: parameters, constants, and view ops over
// them. Views of views keep the taint.
func sharesInputStorage(node *fd.Node) bool {
	for {
		switch node.Op() {
		case fd.OpParameter, fd.OpConst, fd.OpGlobalRef:
			return true
		case fd.OpReshape, fd.OpIndex:
			node = node.Inputs()[0]
		default:
			return false
		}
	}
}

func (p *Program) eval(node *fd.Node, results []any) (any, error) {
	ins := node.Inputs()
	arg := func(i int) any { return results[ins[i].Id()] }

	switch op := node.Op(); op {
	case fd.OpConst, fd.OpGlobalRef:
		return p.constants[node.Id()], nil

	case fd.OpAdd, fd.OpSub, fd.OpMul, fd.OpDiv, fd.OpMin, fd.OpMax, fd.OpPow:
		out, err := NewStorage(node.Shape())
		if err != nil {
			return nil, err
		}
		p.runBinary(op, arg(0), arg(1), out, node.Shape().Size())
		return out, nil

	case fd.OpNeg, fd.OpExp, fd.OpLog, fd.OpTanh, fd.OpSqrt:
		out, err := NewStorage(node.Shape())
		if err != nil {
			return nil, err
		}
		p.runUnary(op, arg(0), out, node.Shape().Size())
		return out, nil

	case fd.OpSelect:
		out, err := NewStorage(node.Shape())
		if err != nil {
			return nil, err
		}
		pred := arg(0).([]bool)
		switch onTrue := arg(1).(type) {
		case []float32:
			kernels.Select(pred, onTrue, arg(2).([]float32), out.([]float32))
		case []float64:
			kernels.Select(pred, onTrue, arg(2).([]float64), out.([]float64))
		default:
			return nil, errors.Errorf("Select on unsupported storage %T", arg(1))
		}
		return out, nil

	case fd.OpReduceSum:
		out, err := NewStorage(node.Shape())
		if err != nil {
			return nil, err
		}
		dims := ins[0].Shape().Dimensions
		axes := node.ReduceAxes()
		switch x := arg(0).(type) {
		case []float32:
			kernels.ReduceSum(x, dims, axes, out.([]float32), p.opts.ReversedReduce)
		case []float64:
			kernels.ReduceSum(x, dims, axes, out.([]float64), p.opts.ReversedReduce)
		default:
			return nil, errors.Errorf("ReduceSum on unsupported storage %T", arg(0))
		}
		return out, nil

	case fd.OpLessOrEqual:
		out, err := NewStorage(node.Shape())
		if err != nil {
			return nil, err
		}
		switch x := arg(0).(type) {
		case []float32:
			kernels.LessOrEqual(x, arg(1).([]float32), out.([]bool))
		case []float64:
			kernels.LessOrEqual(x, arg(1).([]float64), out.([]bool))
		default:
			return nil, errors.Errorf("LessOrEqual on unsupported storage %T", arg(0))
		}
		return out, nil

	case fd.OpBroadcast:
		out, err := NewStorage(node.Shape())
		if err != nil {
			return nil, err
		}
		outDims := node.Shape().Dimensions
		newAxes := node.BroadcastNewAxes()
		switch x := arg(0).(type) {
		case []float32:
			kernels.BroadcastExpand(x, outDims, newAxes, out.([]float32))
		case []float64:
			kernels.BroadcastExpand(x, outDims, newAxes, out.([]float64))
		case []bool:
			kernels.BroadcastExpand(x, outDims, newAxes, out.([]bool))
		}
		return out, nil

	case fd.OpReshape:
		// Same flat data, new dimensions. Storage is never written after
		// creation, so sharing is safe.
		return arg(0), nil

	case fd.OpIndex:
		block := node.Shape().Size()
		offset := node.IndexValue() * block
		switch x := arg(0).(type) {
		case []float32:
			return x[offset : offset+block : offset+block], nil
		case []float64:
			return x[offset : offset+block : offset+block], nil
		case []bool:
			return x[offset : offset+block : offset+block], nil
		}
		return nil, errors.Errorf("Index on unsupported storage %T", arg(0))

	case fd.OpStack:
		out, err := NewStorage(node.Shape())
		if err != nil {
			return nil, err
		}
		block := ins[0].Shape().Size()
		for i := range ins {
			copyStorageAt(out, arg(i), i*block)
		}
		return out, nil

	case fd.OpCond:
		pred := arg(0).([]bool)
		onTrue, onFalse := node.CondBranches()
		branch := onFalse
		if pred[0] {
			branch = onTrue
		}
		args := make([]any, len(ins)-1)
		for i := range args {
			args[i] = arg(i + 1)
		}
		outs, err := p.subs[branch].Run(args)
		if err != nil {
			return nil, err
		}
		return outs[0], nil

	case fd.OpCall:
		args := make([]any, len(ins))
		for i := range args {
			args[i] = arg(i)
		}
		outs, err := p.subs[node.Callee()].Run(args)
		if err != nil {
			return nil, err
		}
		return outs[0], nil

	case fd.OpOpaque:
		region := node.OpaqueRegionOf()
		args := make([]any, len(ins))
		for i := range args {
			args[i] = arg(i)
		}
		out := region.HostImpl(args)
		if got, want := storageLen(out), node.Shape().Size(); got != want {
			return nil, errors.Errorf("opaque region %q returned %d elements, declared shape %s wants %d",
				region.Name, got, node.Shape(), want)
		}
		return out, nil
	}
	return nil, errors.Errorf("op %s has no interpretation", node.Op())
}

// parallelCutoff is the elementwise size above which kernels run chunked
// on the pool.
const parallelCutoff = 4096

func (p *Program) runBinary(op fd.OpType, x, y, out any, size int) {
	run := func(start, end int) {
		switch xs := x.(type) {
		case []float32:
			kernels.Binary(op, sub(xs, start, end), sub(y.([]float32), start, end), out.([]float32)[start:end])
		case []float64:
			kernels.Binary(op, sub(xs, start, end), sub(y.([]float64), start, end), out.([]float64)[start:end])
		}
	}
	if p.opts.Pool != nil && size > parallelCutoff {
		p.opts.Pool.ParallelFor(size, run)
		return
	}
	run(0, size)
}

func (p *Program) runUnary(op fd.OpType, x, out any, size int) {
	run := func(start, end int) {
		switch xs := x.(type) {
		case []float32:
			kernels.Unary(op, xs[start:end], out.([]float32)[start:end])
		case []float64:
			kernels.Unary(op, xs[start:end], out.([]float64)[start:end])
		}
	}
	if p.opts.Pool != nil && size > parallelCutoff {
		p.opts.Pool.ParallelFor(size, run)
		return
	}
	run(0, size)
}

// sub slices a binary operand range, leaving scalar (length-1) operands
// alone so they keep broadcasting.
func sub[T any](x []T, start, end int) []T {
	if len(x) == 1 {
		return x
	}
	return x[start:end]
}

func copyStorage(dst, src any) {
	switch d := dst.(type) {
	case []float32:
		copy(d, src.([]float32))
	case []float64:
		copy(d, src.([]float64))
	case []bool:
		copy(d, src.([]bool))
	}
}

func copyStorageAt(dst, src any, offset int) {
	switch d := dst.(type) {
	case []float32:
		copy(d[offset:], src.([]float32))
	case []float64:
		copy(d[offset:], src.([]float64))
	case []bool:
		copy(d[offset:], src.([]bool))
	}
}

func storageLen(storage any) int {
	v := reflect.ValueOf(storage)
	if v.Kind() != reflect.Slice {
		return -1
	}
	return v.Len()
}
