// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package batching transforms a function descriptor into one computing N
// independent invocations of the original as a single call over batched
// arguments.
//
// Every parameter gains a leading batch axis (a struct-of-arrays layout:
// element i of the batch lives at index i of each argument). Operations
// with a direct vectorized equivalent map one to one; the rest are
// replicated per batch element through Index and Stack, which keeps the
// transformation value-preserving: Batch(f, N) evaluated once equals N
// independent evaluations of f, element for element. Only performance may
// differ, never results.
package batching

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/fderrors"
	"github.com/gofx/gofx/types/shapes"
)

// Batch produces the descriptor computing width independent invocations of
// f over batched arguments. width must be at least 1.
func Batch(f *fd.FD, width int) (*fd.FD, error) {
	if f == nil {
		return nil, errors.Errorf("Batch: nil function descriptor")
	}
	if width < 1 {
		return nil, errors.Errorf("Batch: width must be at least 1, got %d", width)
	}
	bt := &batcher{width: width, batchedFDs: make(map[*fd.FD]*fd.FD)}
	var result *fd.FD
	err := exceptions.TryCatch[error](func() {
		result = bt.transform(f)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type batcher struct {
	width int

	// batchedFDs memoizes recursively batched sub-descriptors (Cond
	// branches with uniform predicates, Call callees).
	batchedFDs map[*fd.FD]*fd.FD
}

func (bt *batcher) transform(f *fd.FD) *fd.FD {
	if got := bt.batchedFDs[f]; got != nil {
		return got
	}
	b := fd.NewBuilder(f.Name() + ".batched")
	st := &batchState{bt: bt, b: b, f: f,
		nodes:   make([]*fd.Node, f.NumNodes()),
		batched: make([]bool, f.NumNodes()),
	}
	for i, p := range f.Params() {
		node := b.Parameter(p.Name, p.Shape.WithLeadingDim(bt.width), p.Ownership)
		st.nodes[f.ParamNode(i).Id()] = node
		st.batched[f.ParamNode(i).Id()] = true
	}

	needed := f.Reachable()
	for _, node := range f.Nodes() {
		if node.Op() == fd.OpParameter || !needed[node.Id()] {
			continue
		}
		st.emit(node)
	}

	outputs := make([]*fd.Node, f.NumOutputs())
	aliases := make([]int, f.NumOutputs())
	for i, out := range f.Outputs() {
		outputs[i] = st.toBatched(out)
		aliases[i] = f.OutputAlias(i)
	}
	result := b.BuildAliased(outputs, aliases)
	bt.batchedFDs[f] = result
	return result
}

// batchState tracks, per source node, its emitted counterpart and whether
// that counterpart carries the leading batch axis. Uniform nodes (those
// depending on no parameter) stay unbatched and broadcast on demand.
type batchState struct {
	bt      *batcher
	b       *fd.Builder
	f       *fd.FD
	nodes   []*fd.Node
	batched []bool
}

func (st *batchState) emit(node *fd.Node) {
	ins := node.Inputs()
	uniform := true
	for _, in := range ins {
		if st.batched[in.Id()] {
			uniform = false
			break
		}
	}
	if uniform {
		// No batch axis flows in: one emission serves every element.
		mapped := make([]*fd.Node, len(ins))
		for j, in := range ins {
			mapped[j] = st.nodes[in.Id()]
		}
		st.nodes[node.Id()] = fd.ReEmit(st.b, node, mapped)
		return
	}

	var out *fd.Node
	switch node.Op() {
	case fd.OpAdd, fd.OpSub, fd.OpMul, fd.OpDiv, fd.OpMin, fd.OpMax, fd.OpPow, fd.OpLessOrEqual:
		out = fd.ReEmit(st.b, node, []*fd.Node{
			st.binaryOperand(ins[0], node),
			st.binaryOperand(ins[1], node),
		})
	case fd.OpNeg, fd.OpExp, fd.OpLog, fd.OpTanh, fd.OpSqrt:
		out = fd.ReEmit(st.b, node, []*fd.Node{st.toBatched(ins[0])})
	case fd.OpSelect:
		pred := st.nodes[ins[0].Id()]
		if st.batched[ins[0].Id()] {
			pred = st.materialize(ins[0], shapes.Make(ins[0].DType(), node.Shape().Dimensions...))
		} else if !ins[0].IsScalar() {
			pred = fd.Broadcast(pred, ins[0].Shape().WithLeadingDim(st.bt.width))
		}
		out = fd.Select(pred, st.materialize(ins[1], node.Shape()), st.materialize(ins[2], node.Shape()))
	case fd.OpReduceSum:
		x := st.toBatched(ins[0])
		axes := node.ReduceAxes()
		if len(axes) == 0 {
			// A full reduction keeps the batch axis: reduce everything
			// but axis 0.
			axes = make([]int, ins[0].Rank())
			for i := range axes {
				axes[i] = i + 1
			}
			if len(axes) == 0 {
				// Reducing a scalar is the identity.
				out = x
				break
			}
			out = fd.ReduceSum(x, axes...)
			break
		}
		shifted := make([]int, len(axes))
		for i, axis := range axes {
			shifted[i] = axis + 1
		}
		out = fd.ReduceSum(x, shifted...)
	case fd.OpBroadcast:
		newAxes := node.BroadcastNewAxes()
		shifted := make([]int, len(newAxes))
		for i, axis := range newAxes {
			shifted[i] = axis + 1
		}
		out = fd.BroadcastAxes(st.toBatched(ins[0]), node.Shape().WithLeadingDim(st.bt.width), shifted)
	case fd.OpReshape:
		dims := append([]int{st.bt.width}, node.Shape().Dimensions...)
		out = fd.Reshape(st.toBatched(ins[0]), dims...)
	case fd.OpCond:
		out = st.emitCond(node)
	case fd.OpCall:
		// The callee batches recursively: the call maps one to one onto
		// the batched callee.
		callee := node.Callee()
		st.checkUniform(node, callee)
		args := make([]*fd.Node, len(ins))
		for j, in := range ins {
			args[j] = st.materialize(in, callee.Param(j).Shape)
		}
		out = fd.Call(st.bt.transform(callee), args...)
	case fd.OpIndex, fd.OpStack, fd.OpOpaque:
		// No vectorized equivalent: replicate per element, still correct.
		out = st.replicate(node)
	default:
		exceptions.Panicf("cannot batch %s node", node)
	}
	st.nodes[node.Id()] = out
	st.batched[node.Id()] = true
}

// emitCond batches structured control flow. A batch-invariant predicate
// keeps the Cond fused over recursively batched branches; a predicate
// depending on batched data means elements may take different branches, so
// the Cond replicates per element.
func (st *batchState) emitCond(node *fd.Node) *fd.Node {
	ins := node.Inputs()
	onTrue, onFalse := node.CondBranches()
	st.checkUniform(node, onTrue)
	st.checkUniform(node, onFalse)
	if !st.batched[ins[0].Id()] {
		args := make([]*fd.Node, len(ins)-1)
		for j := range args {
			args[j] = st.materialize(ins[j+1], onTrue.Param(j).Shape)
		}
		return fd.Cond(st.nodes[ins[0].Id()], st.bt.transform(onTrue), st.bt.transform(onFalse), args...)
	}
	return st.replicate(node)
}

// checkUniform re-validates the structural uniformity a sub-descriptor
// needs to batch against the argument shapes at this node. The builder
// already enforces this for descriptors it constructs; batching fails
// closed rather than assume it.
func (st *batchState) checkUniform(node *fd.Node, sub *fd.FD) {
	ins := node.Inputs()
	args := ins
	if node.Op() == fd.OpCond {
		args = ins[1:]
	}
	if sub.NumParams() != len(args) {
		panic(fderrors.WithStack(&fderrors.NonUniformShape{
			Node:   node.Ref(),
			Detail: "sub-descriptor " + sub.Name() + " does not match the call arguments",
		}))
	}
	for j, in := range args {
		if !sub.Param(j).Shape.Equal(in.Shape()) {
			panic(fderrors.WithStack(&fderrors.NonUniformShape{
				Node:   node.Ref(),
				Detail: "sub-descriptor " + sub.Name() + " does not match the call arguments",
			}))
		}
	}
}

// replicate emits the source operation once per batch element over indexed
// operands and stacks the results back along the batch axis.
func (st *batchState) replicate(node *fd.Node) *fd.Node {
	ins := node.Inputs()
	parts := make([]*fd.Node, st.bt.width)
	for e := 0; e < st.bt.width; e++ {
		elem := make([]*fd.Node, len(ins))
		for j, in := range ins {
			if st.batched[in.Id()] {
				elem[j] = fd.Index(st.materialize(in, in.Shape()), e)
			} else {
				elem[j] = st.nodes[in.Id()]
			}
		}
		parts[e] = fd.ReEmit(st.b, node, elem)
	}
	return fd.Stack(parts...)
}

// binaryOperand prepares one operand of an elementwise binary op: uniform
// scalars keep broadcasting as scalars; everything else is materialized at
// the batched output shape.
func (st *batchState) binaryOperand(in *fd.Node, node *fd.Node) *fd.Node {
	if !st.batched[in.Id()] && in.IsScalar() {
		return st.nodes[in.Id()]
	}
	target := node.Shape()
	if node.Op() == fd.OpLessOrEqual {
		// The comparison's Bool dtype is the output's, not the operands'.
		target = shapes.Make(in.DType(), node.Shape().Dimensions...)
	}
	return st.materialize(in, target)
}

// materialize returns the node's value at the batched version of the given
// original shape: uniform nodes broadcast along a new leading batch axis,
// batched originally-scalar nodes replicate across the trailing axes.
func (st *batchState) materialize(in *fd.Node, origShape shapes.Shape) *fd.Node {
	x := st.nodes[in.Id()]
	target := origShape.WithLeadingDim(st.bt.width)
	if !st.batched[in.Id()] {
		return fd.Broadcast(x, target)
	}
	if x.Shape().Equal(target) {
		return x
	}
	// x is [width] from an original scalar: replicate across the new
	// trailing axes.
	newAxes := make([]int, origShape.Rank())
	for i := range newAxes {
		newAxes[i] = i + 1
	}
	return fd.BroadcastAxes(x, target, newAxes)
}

// toBatched materializes any node at its own batched shape.
func (st *batchState) toBatched(in *fd.Node) *fd.Node {
	return st.materialize(in, in.Shape())
}
