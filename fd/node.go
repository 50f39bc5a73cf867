// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package fd

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gofx/gofx/fderrors"
	"github.com/gofx/gofx/types/shapes"
)

// OpType identifies the operation a node performs.
type OpType int

const (
	OpInvalid OpType = iota
	OpParameter
	OpConst
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpExp
	OpLog
	OpTanh
	OpSqrt
	OpPow
	OpMin
	OpMax
	OpLessOrEqual
	OpSelect
	OpReduceSum
	OpBroadcast
	OpReshape
	OpIndex
	OpStack
	OpCond
	OpCall
	OpGlobalRef
	OpOpaque

	// opTypeLast keeps table sizes in sync; not a real op.
	opTypeLast
)

var opTypeNames = [opTypeLast]string{
	OpInvalid:     "Invalid",
	OpParameter:   "Parameter",
	OpConst:       "Const",
	OpAdd:         "Add",
	OpSub:         "Sub",
	OpMul:         "Mul",
	OpDiv:         "Div",
	OpNeg:         "Neg",
	OpExp:         "Exp",
	OpLog:         "Log",
	OpTanh:        "Tanh",
	OpSqrt:        "Sqrt",
	OpPow:         "Pow",
	OpMin:         "Min",
	OpMax:         "Max",
	OpLessOrEqual: "LessOrEqual",
	OpSelect:      "Select",
	OpReduceSum:   "ReduceSum",
	OpBroadcast:   "Broadcast",
	OpReshape:     "Reshape",
	OpIndex:       "Index",
	OpStack:       "Stack",
	OpCond:        "Cond",
	OpCall:        "Call",
	OpGlobalRef:   "GlobalRef",
	OpOpaque:      "Opaque",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op >= opTypeLast {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// NumOpTypes is the number of defined op types, for tables indexed by op.
const NumOpTypes = int(opTypeLast)

// Node is one operation of an FD body. Nodes are created by the op
// constructors of this package and are immutable once created.
type Node struct {
	builder *Builder
	fn      *FD // set when the builder freezes into an FD
	id      NodeID
	op      OpType
	shape   shapes.Shape
	inputs  []*Node

	// attrs holds per-op static data (axes, literal values, sub-descriptors).
	attrs nodeAttrs
}

// nodeAttrs is the static (non-node) payload of an operation.
type nodeAttrs interface {
	// String renders the payload for node listings; empty when there is none.
	String() string
}

// Op returns the operation type of the node.
func (n *Node) Op() OpType {
	if n == nil {
		return OpInvalid
	}
	return n.op
}

// Id is the unique id of this node within its FD.
func (n *Node) Id() NodeID {
	if n == nil {
		return InvalidNodeID
	}
	return n.id
}

// Shape of the node's output value.
func (n *Node) Shape() shapes.Shape {
	if n == nil {
		return shapes.Shape{}
	}
	return n.shape
}

// DType is a shortcut for n.Shape().DType.
func (n *Node) DType() dtypes.DType { return n.shape.DType }

// Rank is a shortcut for n.Shape().Rank().
func (n *Node) Rank() int { return n.shape.Rank() }

// IsScalar reports whether the node's value is a scalar.
func (n *Node) IsScalar() bool { return n.shape.IsScalar() }

// Inputs are the nodes consumed by this node, in operand order. Static
// inputs (axes, literals) are not nodes and live in the op's attributes.
// The returned slice must not be modified.
func (n *Node) Inputs() []*Node { return n.inputs }

// FD returns the frozen descriptor owning the node. It panics if the
// node's Builder has not been frozen yet.
func (n *Node) FD() *FD {
	if n.fn == nil {
		exceptions.Panicf("node #%d of builder %q is not frozen yet (Build not called)", n.id, n.builder.name)
	}
	return n.fn
}

// Ref returns the node's identity for error reporting.
func (n *Node) Ref() fderrors.NodeRef {
	return fderrors.NodeRef{Func: n.builder.name, ID: int(n.id), Op: n.op.String()}
}

// String implements fmt.Stringer, e.g. `Mul(#0, #2) -> (Float64)`.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var b strings.Builder
	b.WriteString(n.op.String())
	if s := n.attrs.String(); s != "" {
		fmt.Fprintf(&b, "[%s]", s)
	}
	b.WriteByte('(')
	for i, input := range n.inputs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "#%d", input.id)
	}
	b.WriteByte(')')
	fmt.Fprintf(&b, " -> %s", n.shape)
	return b.String()
}

// ParamName returns the parameter name. It panics on non-Parameter nodes.
func (n *Node) ParamName() string { return n.paramAttrs().name }

// ParamIndex returns the parameter's position in the signature.
// It panics on non-Parameter nodes.
func (n *Node) ParamIndex() int { return n.paramAttrs().index }

func (n *Node) paramAttrs() *paramAttrs {
	a, ok := n.attrs.(*paramAttrs)
	if !ok {
		exceptions.Panicf("node %s is not a Parameter", n)
	}
	return a
}

// ConstFlat returns the literal data of a Const node as a flat slice of the
// shape's Go type. It panics on non-Const nodes.
func (n *Node) ConstFlat() any {
	a, ok := n.attrs.(*constAttrs)
	if !ok {
		exceptions.Panicf("node %s is not a Const", n)
	}
	return a.flat
}

// ReduceAxes returns the axes a ReduceSum reduces over, already normalized
// to non-negative values; empty means a full reduction to a scalar.
func (n *Node) ReduceAxes() []int {
	a, ok := n.attrs.(*reduceAttrs)
	if !ok {
		exceptions.Panicf("node %s is not a ReduceSum", n)
	}
	return a.axes
}

// BroadcastNewAxes returns the output axes a Broadcast node introduces,
// ascending; the remaining output axes carry the input dimensions in order.
func (n *Node) BroadcastNewAxes() []int {
	a, ok := n.attrs.(*broadcastAttrs)
	if !ok {
		exceptions.Panicf("node %s is not a Broadcast", n)
	}
	return a.newAxes
}

// IndexValue returns the static element position an Index node selects on
// axis 0 of its input.
func (n *Node) IndexValue() int {
	a, ok := n.attrs.(*indexAttrs)
	if !ok {
		exceptions.Panicf("node %s is not an Index", n)
	}
	return a.index
}

// CondBranches returns the two branch sub-descriptors of a Cond node.
func (n *Node) CondBranches() (onTrue, onFalse *FD) {
	a, ok := n.attrs.(*condAttrs)
	if !ok {
		exceptions.Panicf("node %s is not a Cond", n)
	}
	return a.onTrue, a.onFalse
}

// Callee returns the descriptor a Call node invokes.
func (n *Node) Callee() *FD {
	a, ok := n.attrs.(*callAttrs)
	if !ok {
		exceptions.Panicf("node %s is not a Call", n)
	}
	return a.callee
}

// GlobalName returns the name of the module-level value a GlobalRef reads.
func (n *Node) GlobalName() string { return n.globalAttrs().name }

// GlobalMutable reports whether the referenced module-level value is
// mutable. Mutable globals are outside the differentiation safety boundary.
func (n *Node) GlobalMutable() bool { return n.globalAttrs().mutable }

// GlobalValue returns the global's value snapshot as a flat slice.
func (n *Node) GlobalValue() any { return n.globalAttrs().value }

func (n *Node) globalAttrs() *globalAttrs {
	a, ok := n.attrs.(*globalAttrs)
	if !ok {
		exceptions.Panicf("node %s is not a GlobalRef", n)
	}
	return a
}

// OpaqueRegionOf returns the region descriptor of an Opaque node.
func (n *Node) OpaqueRegionOf() *OpaqueRegion {
	a, ok := n.attrs.(*opaqueAttrs)
	if !ok {
		exceptions.Panicf("node %s is not an Opaque region", n)
	}
	return a.region
}

// OpaqueRegion is a body segment the engines cannot see into: a foreign
// call or raw low-level code. The differentiation engine fails on any
// active opaque region without a Derivative, it never guesses.
type OpaqueRegion struct {
	// Name of the region, used in error reporting.
	Name string

	// OutShape is the declared shape of the region's single output.
	OutShape shapes.Shape

	// DeviceOK declares the region lowerable on device targets. Host-only
	// foreign calls leave it false and make offload fail with
	// UnsupportedOnDevice.
	DeviceOK bool

	// HostImpl is the host-side implementation: flat input slices in
	// operand order to one flat output slice. The interpreter backends
	// need it to execute the region; it stays nil for link-time-only code.
	HostImpl func(inputs []any) any

	// Derivative is the user-supplied custom derivative rule, if any.
	Derivative *CustomDerivative
}

// CustomDerivative is a user-supplied derivative rule for an opaque region.
//
// The contract shape, validated at differentiation time:
//
//   - Forward: parameters are the region's primal inputs followed by one
//     tangent per primal input (matching shapes); the single output is the
//     output tangent, with the region's output shape.
//   - Reverse: parameters are the primal inputs followed by the output
//     adjoint (region's output shape); outputs are one adjoint per primal
//     input, with matching shapes.
//
// A nil Forward (or Reverse) declares the mode unsupported for the region,
// which surfaces as UnsupportedMode if that mode is requested.
type CustomDerivative struct {
	Forward *FD
	Reverse *FD

	// DependsOn masks which primal inputs the region's output actually
	// depends on; activity analysis uses it to avoid creating shadow
	// values for inert operands. nil means all inputs.
	DependsOn []bool
}

type paramAttrs struct {
	name  string
	index int
}

func (a *paramAttrs) String() string { return a.name }

type constAttrs struct {
	flat any
}

func (a *constAttrs) String() string {
	// Literals are truncated so node listings stay one line each.
	return fmt.Sprintf("%.5v", a.flat)
}

type noAttrs struct{}

func (a *noAttrs) String() string { return "" }

// sharedNoAttrs is used by all ops without static payload.
var sharedNoAttrs = &noAttrs{}

type reduceAttrs struct {
	axes []int
}

func (a *reduceAttrs) String() string {
	if len(a.axes) == 0 {
		return "all"
	}
	return fmt.Sprintf("axes=%v", a.axes)
}

type broadcastAttrs struct {
	newAxes []int
}

func (a *broadcastAttrs) String() string { return fmt.Sprintf("axes=%v", a.newAxes) }

type indexAttrs struct {
	index int
}

func (a *indexAttrs) String() string { return fmt.Sprintf("%d", a.index) }

type condAttrs struct {
	onTrue, onFalse *FD
}

func (a *condAttrs) String() string {
	return fmt.Sprintf("%s|%s", a.onTrue.Name(), a.onFalse.Name())
}

type callAttrs struct {
	callee *FD
}

func (a *callAttrs) String() string { return a.callee.Name() }

type globalAttrs struct {
	name    string
	mutable bool
	value   any
}

func (a *globalAttrs) String() string {
	if a.mutable {
		return a.name + ",mutable"
	}
	return a.name
}

type opaqueAttrs struct {
	region *OpaqueRegion
}

func (a *opaqueAttrs) String() string {
	var marks []string
	if a.region.Derivative != nil {
		marks = append(marks, "deriv")
	}
	if a.region.DeviceOK {
		marks = append(marks, "device-ok")
	}
	if len(marks) == 0 {
		return a.region.Name
	}
	return a.region.Name + "," + strings.Join(marks, ",")
}
