// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package fd

import (
	"github.com/gomlx/exceptions"
)

// ReEmit re-creates one operation in the target builder with substituted
// inputs. It is the building block the transformation engines use to carry
// a body across builders. Sub-descriptors (Cond branches, Call callees,
// opaque regions) are frozen values and carry over as-is.
func ReEmit(b *Builder, node *Node, ins []*Node) *Node {
	switch node.Op() {
	case OpConst:
		return Const(b, node.ConstFlat(), node.Shape().Dimensions...)
	case OpAdd:
		return Add(ins[0], ins[1])
	case OpSub:
		return Sub(ins[0], ins[1])
	case OpMul:
		return Mul(ins[0], ins[1])
	case OpDiv:
		return Div(ins[0], ins[1])
	case OpMin:
		return Min(ins[0], ins[1])
	case OpMax:
		return Max(ins[0], ins[1])
	case OpPow:
		return Pow(ins[0], ins[1])
	case OpLessOrEqual:
		return LessOrEqual(ins[0], ins[1])
	case OpNeg:
		return Neg(ins[0])
	case OpExp:
		return Exp(ins[0])
	case OpLog:
		return Log(ins[0])
	case OpTanh:
		return Tanh(ins[0])
	case OpSqrt:
		return Sqrt(ins[0])
	case OpSelect:
		return Select(ins[0], ins[1], ins[2])
	case OpReduceSum:
		return ReduceSum(ins[0], node.ReduceAxes()...)
	case OpBroadcast:
		return BroadcastAxes(ins[0], node.Shape(), node.BroadcastNewAxes())
	case OpReshape:
		return Reshape(ins[0], node.Shape().Dimensions...)
	case OpIndex:
		return Index(ins[0], node.IndexValue())
	case OpStack:
		return Stack(ins...)
	case OpCond:
		onTrue, onFalse := node.CondBranches()
		return Cond(ins[0], onTrue, onFalse, ins[1:]...)
	case OpCall:
		return Call(node.Callee(), ins...)
	case OpGlobalRef:
		return GlobalRef(b, node.GlobalName(), node.Shape(), node.GlobalMutable(), node.GlobalValue())
	case OpOpaque:
		return Opaque(node.OpaqueRegionOf(), ins...)
	}
	exceptions.Panicf("cannot re-emit %s node", node.Op())
	return nil
}

// InlineBody re-emits src's body into b, binding args to src's parameters
// positionally, and returns the emitted node per source node id. Nodes not
// reachable from src's outputs are skipped and stay nil.
func InlineBody(b *Builder, src *FD, args []*Node) []*Node {
	needed := src.Reachable()
	mapped := make([]*Node, src.NumNodes())
	for i := 0; i < src.NumParams(); i++ {
		mapped[src.ParamNode(i).Id()] = args[i]
	}
	for _, node := range src.Nodes() {
		if node.Op() == OpParameter || !needed[node.Id()] {
			continue
		}
		ins := make([]*Node, len(node.Inputs()))
		for j, in := range node.Inputs() {
			ins[j] = mapped[in.Id()]
		}
		mapped[node.Id()] = ReEmit(b, node, ins)
	}
	return mapped
}
