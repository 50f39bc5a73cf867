// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package autodiff

import (
	"fmt"

	"github.com/gomlx/exceptions"

	"github.com/gofx/gofx/fd"
)

// reversePass emits reverse-mode (adjoint) derivatives: a forward sweep
// re-emits the primal values the adjoint rules reference, then an adjoint
// sweep walks the body in descending node-id order -- the exact reverse of
// the definition order, which is already a topological order, so the
// result is deterministic with no tie-breaking left to chance.
type reversePass struct {
	// adjointFDs memoizes the single-output adjoint variants built per
	// (Cond branch, parameter index).
	adjointFDs map[branchKey]*fd.FD
}

type branchKey struct {
	branch *fd.FD
	param  int
}

func (rp *reversePass) transform(f *fd.FD, req fd.ActivityRequest) *fd.FD {
	b := fd.NewBuilder(f.Name() + ".grad")
	args := make([]*fd.Node, f.NumParams())
	for i, p := range f.Params() {
		args[i] = b.Parameter(p.Name, p.Shape, p.Ownership)
	}

	// Accumulators for active borrowed-mutable parameters: their adjoint
	// aliases caller-supplied storage instead of a fresh local, so
	// reverse-mode chains across call sites accumulate into one place.
	accum := make(map[int]*fd.Node)
	accumIndex := make(map[int]int)
	numParams := f.NumParams()
	for i, p := range f.Params() {
		if req.IsActive(p.Name) && p.Ownership == fd.BorrowedMutable {
			accum[i] = b.Parameter(freshParamName(f, "d_"+p.Name), p.Shape, fd.BorrowedMutable)
			accumIndex[i] = numParams
			numParams++
		}
	}

	seeds := make([]*fd.Node, f.NumOutputs())
	for i, out := range f.Outputs() {
		if !out.DType().IsFloat() {
			exceptions.Panicf("cannot differentiate %q: output #%d has non-float shape %s", f.Name(), i, out.Shape())
		}
		if req.SeedFromCaller {
			name := "seed"
			if f.NumOutputs() > 1 {
				name = fmt.Sprintf("seed%d", i)
			}
			seeds[i] = b.Parameter(freshParamName(f, name), out.Shape(), fd.Owned)
			continue
		}
		if !out.IsScalar() {
			exceptions.Panicf("reverse mode without a caller seed requires scalar outputs; output #%d of %q has shape %s",
				i, f.Name(), out.Shape())
		}
		seeds[i] = fd.ScalarOne(b, out.DType())
	}

	adjoints := rp.emit(b, f, req, args, seeds)

	var outputs []*fd.Node
	var aliases []int
	for i, p := range f.Params() {
		if !req.IsActive(p.Name) {
			continue
		}
		adj := adjoints[i]
		if adj == nil {
			adj = fd.ZerosLike(args[i])
		}
		if acc, ok := accum[i]; ok {
			outputs = append(outputs, fd.Add(acc, adj))
			aliases = append(aliases, accumIndex[i])
			continue
		}
		outputs = append(outputs, adj)
		aliases = append(aliases, -1)
	}
	return b.BuildAliased(outputs, aliases)
}

// emit re-emits f's primal body into b with args bound to the parameters,
// then runs the adjoint sweep from the given output seeds. It returns the
// accumulated adjoint per parameter, nil where no derivative flows.
func (rp *reversePass) emit(b *fd.Builder, f *fd.FD, req fd.ActivityRequest, args, seeds []*fd.Node) []*fd.Node {
	acts := analyze(f, req)
	needed := f.Reachable()
	primal := make([]*fd.Node, f.NumNodes())
	for i := 0; i < f.NumParams(); i++ {
		primal[f.ParamNode(i).Id()] = args[i]
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
	}

	adjoint := make([]*fd.Node, f.NumNodes())
	// accumulate adds an adjoint contribution to an input node, fixing up
	// the scalar-broadcast cases so shapes always match the input.
	accumulate := func(in *fd.Node, contrib *fd.Node) {
		if acts.OfNode(in) != fd.Active || !in.DType().IsFloat() {
			return
		}
		if in.IsScalar() && !contrib.IsScalar() {
			contrib = fd.ReduceSum(contrib)
		} else if contrib.IsScalar() && !in.IsScalar() {
			contrib = fd.Broadcast(contrib, in.Shape())
		}
		if prev := adjoint[in.Id()]; prev != nil {
			contrib = fd.Add(prev, contrib)
		}
		adjoint[in.Id()] = contrib
	}

	for i, out := range f.Outputs() {
		accumulate(out, seeds[i])
	}

	nodes := f.Nodes()
	for id := len(nodes) - 1; id >= 0; id-- {
		node := nodes[id]
		v := adjoint[id]
		if v == nil || node.Op() == fd.OpParameter || acts.OfNode(node) != fd.Active {
			continue
		}
		rp.vjp(b, node, v, primal, accumulate)
	}

	result := make([]*fd.Node, f.NumParams())
	for i := 0; i < f.NumParams(); i++ {
		result[i] = adjoint[f.ParamNode(i).Id()]
	}
	return result
}

// vjp distributes the adjoint v of one node onto its inputs.
func (rp *reversePass) vjp(b *fd.Builder, node *fd.Node, v *fd.Node, primal []*fd.Node, accumulate func(in, contrib *fd.Node)) {
	ins := node.Inputs()
	pin := func(i int) *fd.Node { return primal[ins[i].Id()] }
	pn := primal[node.Id()]
	one := func() *fd.Node { return fd.ScalarOne(b, node.DType()) }

	switch node.Op() {
	case fd.OpAdd:
		accumulate(ins[0], v)
		accumulate(ins[1], v)
	case fd.OpSub:
		accumulate(ins[0], v)
		accumulate(ins[1], fd.Neg(v))
	case fd.OpMul:
		accumulate(ins[0], fd.Mul(v, pin(1)))
		accumulate(ins[1], fd.Mul(v, pin(0)))
	case fd.OpDiv:
		accumulate(ins[0], fd.Div(v, pin(1)))
		accumulate(ins[1], fd.Neg(fd.Div(fd.Mul(v, pin(0)), fd.Mul(pin(1), pin(1)))))
	case fd.OpPow:
		accumulate(ins[0], fd.Mul(v, fd.Mul(pin(1), fd.Pow(pin(0), fd.Sub(pin(1), one())))))
		accumulate(ins[1], fd.Mul(v, fd.Mul(pn, fd.Log(pin(0)))))
	case fd.OpMin:
		pred := fd.LessOrEqual(pin(0), pin(1))
		zero := fd.ZerosLike(v)
		accumulate(ins[0], fd.Select(pred, v, zero))
		accumulate(ins[1], fd.Select(pred, zero, v))
	case fd.OpMax:
		pred := fd.LessOrEqual(pin(1), pin(0))
		zero := fd.ZerosLike(v)
		accumulate(ins[0], fd.Select(pred, v, zero))
		accumulate(ins[1], fd.Select(pred, zero, v))
	case fd.OpNeg:
		accumulate(ins[0], fd.Neg(v))
	case fd.OpExp:
		accumulate(ins[0], fd.Mul(v, pn))
	case fd.OpLog:
		accumulate(ins[0], fd.Div(v, pin(0)))
	case fd.OpTanh:
		accumulate(ins[0], fd.Mul(v, fd.Sub(one(), fd.Mul(pn, pn))))
	case fd.OpSqrt:
		accumulate(ins[0], fd.Div(v, fd.Mul(fd.Scalar(b, node.DType(), 2), pn)))
	case fd.OpSelect:
		zero := fd.ZerosLike(v)
		accumulate(ins[1], fd.Select(pin(0), v, zero))
		accumulate(ins[2], fd.Select(pin(0), zero, v))
	case fd.OpReduceSum:
		in := ins[0]
		axes := node.ReduceAxes()
		if len(axes) == 0 {
			accumulate(in, fd.Broadcast(v, in.Shape()))
		} else {
			accumulate(in, fd.BroadcastAxes(v, in.Shape(), axes))
		}
	case fd.OpBroadcast:
		accumulate(ins[0], fd.ReduceSum(v, node.BroadcastNewAxes()...))
	case fd.OpReshape:
		accumulate(ins[0], fd.Reshape(v, ins[0].Shape().Dimensions...))
	case fd.OpIndex:
		// Scatter v back into the selected row of a zero tensor.
		parts := make([]*fd.Node, ins[0].Shape().Dim(0))
		zero := fd.ZerosLike(v)
		for j := range parts {
			parts[j] = zero
		}
		parts[node.IndexValue()] = v
		accumulate(ins[0], fd.Stack(parts...))
	case fd.OpStack:
		for j, in := range ins {
			accumulate(in, fd.Index(v, j))
		}
	case fd.OpCond:
		onTrue, onFalse := node.CondBranches()
		primalArgs := make([]*fd.Node, len(ins)-1)
		for i := range primalArgs {
			primalArgs[i] = pin(i + 1)
		}
		for k := 1; k < len(ins); k++ {
			if !ins[k].DType().IsFloat() {
				continue
			}
			condArgs := append(append([]*fd.Node{}, primalArgs...), v)
			contrib := fd.Cond(pin(0), rp.adjointFD(onTrue, k-1), rp.adjointFD(onFalse, k-1), condArgs...)
			accumulate(ins[k], contrib)
		}
	case fd.OpCall:
		callee := node.Callee()
		callArgs := make([]*fd.Node, len(ins))
		for i := range ins {
			callArgs[i] = pin(i)
		}
		// Inline the callee's adjoint computation: activity follows the
		// call site, so constant arguments grow no shadow chains.
		var sub fd.ActivityRequest
		sub.SeedFromCaller = true
		for i, in := range ins {
			if in.DType().IsFloat() {
				sub.Active = append(sub.Active, callee.Param(i).Name)
			}
		}
		adjs := rp.emit(b, callee, sub, callArgs, []*fd.Node{v})
		for i, in := range ins {
			if adjs[i] != nil {
				accumulate(in, adjs[i])
			}
		}
	case fd.OpOpaque:
		rule := reverseRule(node)
		ruleArgs := make([]*fd.Node, 0, len(ins)+1)
		for i := range ins {
			ruleArgs = append(ruleArgs, pin(i))
		}
		ruleArgs = append(ruleArgs, v)
		mapped := fd.InlineBody(b, rule, ruleArgs)
		for i, in := range ins {
			accumulate(in, mapped[rule.Output(i).Id()])
		}
	default:
		exceptions.Panicf("no reverse derivative rule for %s", node)
	}
}

// adjointFD builds (and memoizes) the adjoint variant of a Cond branch for
// one parameter: parameters are the branch's own followed by the output
// adjoint seed, the single output is that parameter's adjoint. Cond
// branches must stay single-output, so each parameter gets its own
// variant.
func (rp *reversePass) adjointFD(src *fd.FD, param int) *fd.FD {
	key := branchKey{branch: src, param: param}
	if got := rp.adjointFDs[key]; got != nil {
		return got
	}
	b := fd.NewBuilder(fmt.Sprintf("%s.adj_%s", src.Name(), src.Param(param).Name))
	args := make([]*fd.Node, src.NumParams())
	for i, p := range src.Params() {
		args[i] = b.Parameter(p.Name, p.Shape, fd.Owned)
	}
	seed := b.Parameter("seed", src.Output(0).Shape(), fd.Owned)
	adjs := rp.emit(b, src, allActive(src), args, []*fd.Node{seed})
	adj := adjs[param]
	if adj == nil {
		adj = fd.ZerosLike(args[param])
	}
	result := b.Build(adj)
	rp.adjointFDs[key] = result
	return result
}
