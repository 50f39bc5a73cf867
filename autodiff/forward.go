// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package autodiff

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gofx/gofx/fd"
)

// forwardPass emits forward-mode (tangent) derivatives: every primal node
// is re-emitted interleaved with its tangent, so one evaluation of the
// result yields both the value and the directional derivative along the
// seed vector.
type forwardPass struct {
	// tangentFDs memoizes the tangent-only variants built for Cond
	// branches and Call callees.
	tangentFDs map[*fd.FD]*fd.FD
}

func (fp *forwardPass) transform(f *fd.FD, req fd.ActivityRequest) *fd.FD {
	b := fd.NewBuilder(f.Name() + ".fwd")
	args := make([]*fd.Node, f.NumParams())
	for i, p := range f.Params() {
		args[i] = b.Parameter(p.Name, p.Shape, p.Ownership)
	}
	seeds := make([]*fd.Node, f.NumParams())
	for i, p := range f.Params() {
		if req.IsActive(p.Name) {
			seeds[i] = b.Parameter(freshParamName(f, "d_"+p.Name), p.Shape, fd.Owned)
		}
	}
	primalOuts, tangentOuts := fp.emit(b, f, req, args, seeds)

	outputs := append(primalOuts, tangentOuts...)
	aliases := make([]int, len(outputs))
	for i := range aliases {
		aliases[i] = -1
	}
	// Write-backs of the primal outputs carry over; the primal parameters
	// keep their original indices.
	for i := range primalOuts {
		aliases[i] = f.OutputAlias(i)
	}
	return b.BuildAliased(outputs, aliases)
}

// emit re-emits f's body into b with args bound to the parameters and
// seeds holding the parameter tangents (nil for constants), returning the
// primal and tangent nodes of f's outputs.
func (fp *forwardPass) emit(b *fd.Builder, f *fd.FD, req fd.ActivityRequest, args, seeds []*fd.Node) (primalOuts, tangentOuts []*fd.Node) {
	acts := analyze(f, req)
	needed := f.Reachable()
	primal := make([]*fd.Node, f.NumNodes())
	tangent := make([]*fd.Node, f.NumNodes())
	for i := 0; i < f.NumParams(); i++ {
		id := f.ParamNode(i).Id()
		primal[id] = args[i]
		tangent[id] = seeds[i]
	}

	for _, node := range f.Nodes() {
		if node.Op() == fd.OpParameter || !needed[node.Id()] {
			continue
		}
		ins := make([]*fd.Node, len(node.Inputs()))
		for j, in := range node.Inputs() {
			ins[j] = primal[in.Id()]
		}
		primal[node.Id()] = fd.ReEmit(b, node, ins)
		if acts.OfNode(node) == fd.Active && node.DType().IsFloat() {
			tangent[node.Id()] = fp.jvp(b, node, primal, tangent)
		}
	}

	for _, out := range f.Outputs() {
		po := primal[out.Id()]
		t := tangent[out.Id()]
		if t == nil {
			if !out.DType().IsFloat() {
				exceptions.Panicf("cannot differentiate %q: output has non-float shape %s", f.Name(), out.Shape())
			}
			t = fd.ZerosLike(po)
		}
		primalOuts = append(primalOuts, po)
		tangentOuts = append(tangentOuts, t)
	}
	return
}

// jvp computes the tangent of one active float node from its inputs'
// tangents. The result always has the node's shape, so downstream rules
// never see a surprise scalar.
func (fp *forwardPass) jvp(b *fd.Builder, node *fd.Node, primal, tangent []*fd.Node) *fd.Node {
	ins := node.Inputs()
	pin := func(i int) *fd.Node { return primal[ins[i].Id()] }
	tin := func(i int) *fd.Node { return tangent[ins[i].Id()] }
	// tz materializes a zero tangent for constant inputs.
	tz := func(i int) *fd.Node {
		if t := tin(i); t != nil {
			return t
		}
		return zeroTangent(b, pin(i))
	}
	one := func() *fd.Node { return fd.ScalarOne(b, node.DType()) }

	var t *fd.Node
	switch node.Op() {
	case fd.OpAdd:
		t = addTangents(tin(0), tin(1))
	case fd.OpSub:
		switch {
		case tin(1) == nil:
			t = tin(0)
		case tin(0) == nil:
			t = fd.Neg(tin(1))
		default:
			t = fd.Sub(tin(0), tin(1))
		}
	case fd.OpMul:
		var a, c *fd.Node
		if tin(0) != nil {
			a = fd.Mul(tin(0), pin(1))
		}
		if tin(1) != nil {
			c = fd.Mul(pin(0), tin(1))
		}
		t = addTangents(a, c)
	case fd.OpDiv:
		var a, c *fd.Node
		if tin(0) != nil {
			a = fd.Div(tin(0), pin(1))
		}
		if tin(1) != nil {
			c = fd.Neg(fd.Div(fd.Mul(pin(0), tin(1)), fd.Mul(pin(1), pin(1))))
		}
		t = addTangents(a, c)
	case fd.OpPow:
		var a, c *fd.Node
		if tin(0) != nil {
			a = fd.Mul(fd.Mul(pin(1), fd.Pow(pin(0), fd.Sub(pin(1), one()))), tin(0))
		}
		if tin(1) != nil {
			c = fd.Mul(fd.Mul(primal[node.Id()], fd.Log(pin(0))), tin(1))
		}
		t = addTangents(a, c)
	case fd.OpMin:
		t = fd.Select(fd.LessOrEqual(pin(0), pin(1)), expandTo(tz(0), node), expandTo(tz(1), node))
	case fd.OpMax:
		t = fd.Select(fd.LessOrEqual(pin(1), pin(0)), expandTo(tz(0), node), expandTo(tz(1), node))
	case fd.OpNeg:
		t = fd.Neg(tin(0))
	case fd.OpExp:
		t = fd.Mul(primal[node.Id()], tin(0))
	case fd.OpLog:
		t = fd.Div(tin(0), pin(0))
	case fd.OpTanh:
		pn := primal[node.Id()]
		t = fd.Mul(fd.Sub(one(), fd.Mul(pn, pn)), tin(0))
	case fd.OpSqrt:
		t = fd.Div(tin(0), fd.Mul(fd.Scalar(b, node.DType(), 2), primal[node.Id()]))
	case fd.OpSelect:
		t = fd.Select(pin(0), tz(1), tz(2))
	case fd.OpReduceSum:
		t = fd.ReduceSum(tz(0), node.ReduceAxes()...)
	case fd.OpBroadcast:
		t = fd.BroadcastAxes(tz(0), node.Shape(), node.BroadcastNewAxes())
	case fd.OpReshape:
		t = fd.Reshape(tz(0), node.Shape().Dimensions...)
	case fd.OpIndex:
		t = fd.Index(tz(0), node.IndexValue())
	case fd.OpStack:
		parts := make([]*fd.Node, len(ins))
		for i := range ins {
			parts[i] = tz(i)
		}
		t = fd.Stack(parts...)
	case fd.OpCond:
		onTrue, onFalse := node.CondBranches()
		condArgs := make([]*fd.Node, 0, 2*len(ins))
		for i := 1; i < len(ins); i++ {
			condArgs = append(condArgs, pin(i))
		}
		for i := 1; i < len(ins); i++ {
			if ins[i].DType().IsFloat() {
				condArgs = append(condArgs, tz(i))
			}
		}
		t = fd.Cond(pin(0), fp.tangentFD(onTrue), fp.tangentFD(onFalse), condArgs...)
	case fd.OpCall:
		callee := node.Callee()
		callArgs := make([]*fd.Node, 0, 2*len(ins))
		for i := range ins {
			callArgs = append(callArgs, pin(i))
		}
		for i := range ins {
			if ins[i].DType().IsFloat() {
				callArgs = append(callArgs, tz(i))
			}
		}
		t = fd.Call(fp.tangentFD(callee), callArgs...)
	case fd.OpOpaque:
		rule := forwardRule(node)
		callArgs := make([]*fd.Node, 0, 2*len(ins))
		for i := range ins {
			callArgs = append(callArgs, pin(i))
		}
		for i := range ins {
			callArgs = append(callArgs, tz(i))
		}
		t = fd.Call(rule, callArgs...)
	default:
		exceptions.Panicf("no forward derivative rule for %s", node)
	}
	return expandTo(t, node)
}

// tangentFD builds (and memoizes) the tangent-only variant of a sub
// descriptor: parameters are the original ones followed by one tangent per
// float parameter, the single output is the tangent of the original
// output. Used for Cond branches, which must stay single-output, and Call
// callees.
func (fp *forwardPass) tangentFD(src *fd.FD) *fd.FD {
	if got := fp.tangentFDs[src]; got != nil {
		return got
	}
	b := fd.NewBuilder(src.Name() + ".tan")
	args := make([]*fd.Node, src.NumParams())
	for i, p := range src.Params() {
		args[i] = b.Parameter(p.Name, p.Shape, fd.Owned)
	}
	seeds := make([]*fd.Node, src.NumParams())
	for i, p := range src.Params() {
		if p.Shape.DType.IsFloat() {
			seeds[i] = b.Parameter("d_"+p.Name, p.Shape, fd.Owned)
		}
	}
	_, tangentOuts := fp.emit(b, src, allActive(src), args, seeds)
	result := b.Build(tangentOuts[0])
	fp.tangentFDs[src] = result
	return result
}

// addTangents sums two optional tangent terms, treating nil as zero.
func addTangents(a, b *fd.Node) *fd.Node {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return fd.Add(a, b)
}

// expandTo broadcasts a scalar tangent up to the node's shape; tangents
// always match their primal's shape.
func expandTo(t *fd.Node, node *fd.Node) *fd.Node {
	if t.IsScalar() && !node.IsScalar() {
		return fd.Broadcast(t, node.Shape())
	}
	return t
}

// zeroTangent is the zero shadow value for a constant operand.
func zeroTangent(b *fd.Builder, x *fd.Node) *fd.Node {
	if x.DType().IsFloat() {
		return fd.ZerosLike(x)
	}
	if x.DType() == dtypes.Bool {
		return fd.Const(b, make([]bool, x.Shape().Size()), x.Shape().Dimensions...)
	}
	exceptions.Panicf("no zero tangent for %s", x.Shape())
	return nil
}
