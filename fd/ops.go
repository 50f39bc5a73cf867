// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package fd

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gofx/gofx/fderrors"
	"github.com/gofx/gofx/types/shapes"
)

// This file holds the op constructors. They validate eagerly, panic on
// misuse, and always produce a node with a fully resolved shape.

// newNode registers an op node on the builder owning the inputs.
func (b *Builder) newNode(op OpType, shape shapes.Shape, attrs nodeAttrs, inputs ...*Node) *Node {
	b.assertBuilding()
	b.checkSameBuilder(op.String(), inputs...)
	if attrs == nil {
		attrs = sharedNoAttrs
	}
	return b.registerNode(&Node{
		builder: b,
		op:      op,
		shape:   shape,
		inputs:  slices.Clone(inputs),
		attrs:   attrs,
	})
}

// builderOf returns the common builder of the nodes, panicking on nil nodes.
func builderOf(op string, nodes ...*Node) *Builder {
	if len(nodes) == 0 || nodes[0] == nil {
		exceptions.Panicf("%s: operand is nil", op)
	}
	return nodes[0].builder
}

// binaryShape resolves the output shape of an elementwise binary op: both
// operands must share a dtype, and either share a shape or one of them is a
// scalar, which broadcasts against the other.
func binaryShape(op OpType, x, y *Node) shapes.Shape {
	if x.DType() != y.DType() {
		exceptions.Panicf("%s: operands have different dtypes: %s vs %s", op, x.Shape(), y.Shape())
	}
	if x.Shape().Equal(y.Shape()) || y.IsScalar() {
		return x.Shape().Clone()
	}
	if x.IsScalar() {
		return y.Shape().Clone()
	}
	exceptions.Panicf("%s: incompatible operand shapes %s and %s", op, x.Shape(), y.Shape())
	return shapes.Shape{}
}

func binaryOp(op OpType, x, y *Node) *Node {
	b := builderOf(op.String(), x, y)
	return b.newNode(op, binaryShape(op, x, y), nil, x, y)
}

func unaryOp(op OpType, x *Node) *Node {
	b := builderOf(op.String(), x)
	if !x.DType().IsFloat() {
		exceptions.Panicf("%s: requires a float operand, got %s", op, x.Shape())
	}
	return b.newNode(op, x.Shape().Clone(), nil, x)
}

// Add returns x+y. One operand may be a scalar, which broadcasts.
func Add(x, y *Node) *Node { return binaryOp(OpAdd, x, y) }

// Sub returns x-y.
func Sub(x, y *Node) *Node { return binaryOp(OpSub, x, y) }

// Mul returns x*y.
func Mul(x, y *Node) *Node { return binaryOp(OpMul, x, y) }

// Div returns x/y.
func Div(x, y *Node) *Node { return binaryOp(OpDiv, x, y) }

// Min returns the elementwise minimum of x and y.
func Min(x, y *Node) *Node { return binaryOp(OpMin, x, y) }

// Max returns the elementwise maximum of x and y.
func Max(x, y *Node) *Node { return binaryOp(OpMax, x, y) }

// Pow returns x^y elementwise.
func Pow(x, y *Node) *Node { return binaryOp(OpPow, x, y) }

// LessOrEqual returns the elementwise Bool comparison x <= y. One operand
// may be a scalar, which broadcasts. Its result feeds Select and Cond
// predicates; it carries no derivative.
func LessOrEqual(x, y *Node) *Node {
	b := builderOf("LessOrEqual", x, y)
	shape := binaryShape(OpLessOrEqual, x, y)
	shape.DType = dtypes.Bool
	return b.newNode(OpLessOrEqual, shape, nil, x, y)
}

// Neg returns -x.
func Neg(x *Node) *Node {
	b := builderOf("Neg", x)
	return b.newNode(OpNeg, x.Shape().Clone(), nil, x)
}

// Exp returns e^x elementwise.
func Exp(x *Node) *Node { return unaryOp(OpExp, x) }

// Log returns the natural logarithm of x elementwise.
func Log(x *Node) *Node { return unaryOp(OpLog, x) }

// Tanh returns the hyperbolic tangent of x elementwise.
func Tanh(x *Node) *Node { return unaryOp(OpTanh, x) }

// Sqrt returns the square root of x elementwise.
func Sqrt(x *Node) *Node { return unaryOp(OpSqrt, x) }

// Select returns elementwise `pred ? onTrue : onFalse`. pred must be Bool,
// shaped like the operands or scalar. Both value operands must share shape
// and dtype. Select is data flow, not control flow: both sides are always
// evaluated, which is what makes it batchable without uniformity concerns.
func Select(pred, onTrue, onFalse *Node) *Node {
	b := builderOf("Select", pred, onTrue, onFalse)
	if pred.DType() != dtypes.Bool {
		exceptions.Panicf("Select: predicate must be Bool, got %s", pred.Shape())
	}
	if !onTrue.Shape().Equal(onFalse.Shape()) {
		exceptions.Panicf("Select: branches have different shapes: %s vs %s", onTrue.Shape(), onFalse.Shape())
	}
	if !pred.IsScalar() && !pred.Shape().EqualDimensions(onTrue.Shape()) {
		exceptions.Panicf("Select: predicate shape %s does not match operand shape %s", pred.Shape(), onTrue.Shape())
	}
	return b.newNode(OpSelect, onTrue.Shape().Clone(), nil, pred, onTrue, onFalse)
}

// Const creates a constant node from a flat slice of a supported numeric Go
// type plus the dimensions, e.g. `Const(b, []float64{1, 2, 3, 4}, 2, 2)`.
// A flat slice of length 1 with no dimensions is a scalar.
func Const(b *Builder, flat any, dims ...int) *Node {
	b.assertBuilding()
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		exceptions.Panicf("Const: flat data must be a slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatV.Type().Elem())
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("Const: unsupported element type %T", flat)
	}
	shape := shapes.Make(dtype, dims...)
	if flatV.Len() != shape.Size() {
		exceptions.Panicf("Const: flat data has %d elements, shape %s requires %d", flatV.Len(), shape, shape.Size())
	}
	return b.newNode(OpConst, shape, &constAttrs{flat: flat})
}

// Scalar creates (or reuses) a scalar constant of the given dtype.
func Scalar(b *Builder, dtype dtypes.DType, value float64) *Node {
	b.assertBuilding()
	key := scalarKey{dtype: dtype, value: value}
	if node, found := b.scalars[key]; found {
		return node
	}
	flat := flatFromFloat(dtype, value)
	node := b.newNode(OpConst, shapes.Make(dtype), &constAttrs{flat: flat})
	b.scalars[key] = node
	return node
}

func flatFromFloat(dtype dtypes.DType, value float64) any {
	switch dtype {
	case dtypes.Float32:
		return []float32{float32(value)}
	case dtypes.Float64:
		return []float64{value}
	default:
		exceptions.Panicf("Scalar: unsupported dtype %s", dtype)
	}
	return nil
}

// ScalarZero returns a cached scalar 0 of the given dtype.
func ScalarZero(b *Builder, dtype dtypes.DType) *Node { return Scalar(b, dtype, 0) }

// ScalarOne returns a cached scalar 1 of the given dtype.
func ScalarOne(b *Builder, dtype dtypes.DType) *Node { return Scalar(b, dtype, 1) }

// ZerosLike returns a node of x's shape filled with zeros.
func ZerosLike(x *Node) *Node {
	zero := ScalarZero(x.builder, x.DType())
	if x.IsScalar() {
		return zero
	}
	return Broadcast(zero, x.Shape())
}

// OnesLike returns a node of x's shape filled with ones.
func OnesLike(x *Node) *Node {
	one := ScalarOne(x.builder, x.DType())
	if x.IsScalar() {
		return one
	}
	return Broadcast(one, x.Shape())
}

// ReduceSum sums x over the given axes, dropping them from the shape.
// Without axes it reduces everything to a scalar. Axes may be negative,
// counting from the end.
func ReduceSum(x *Node, axes ...int) *Node {
	b := builderOf("ReduceSum", x)
	if !x.DType().IsFloat() {
		exceptions.Panicf("ReduceSum: requires a float operand, got %s", x.Shape())
	}
	normalized := make([]int, 0, len(axes))
	for _, axis := range axes {
		a := axis
		if a < 0 {
			a += x.Rank()
		}
		if a < 0 || a >= x.Rank() {
			exceptions.Panicf("ReduceSum: axis %d out-of-bounds for %s", axis, x.Shape())
		}
		if slices.Contains(normalized, a) {
			exceptions.Panicf("ReduceSum: axis %d given twice", a)
		}
		normalized = append(normalized, a)
	}
	slices.Sort(normalized)
	var outShape shapes.Shape
	if len(normalized) == 0 || len(normalized) == x.Rank() {
		normalized = nil // full reduction
		outShape = shapes.Make(x.DType())
	} else {
		dims := make([]int, 0, x.Rank()-len(normalized))
		for axis, dim := range x.Shape().Dimensions {
			if !slices.Contains(normalized, axis) {
				dims = append(dims, dim)
			}
		}
		outShape = shapes.Make(x.DType(), dims...)
	}
	return b.newNode(OpReduceSum, outShape, &reduceAttrs{axes: normalized}, x)
}

// Broadcast expands x to the target shape. x must be a scalar, or its
// dimensions must be a suffix of the target's (new leading axes replicate).
// For replicated axes at arbitrary positions use BroadcastAxes.
func Broadcast(x *Node, target shapes.Shape) *Node {
	if x.Rank() > target.Rank() {
		exceptions.Panicf("Broadcast: %s has higher rank than target %s", x.Shape(), target)
	}
	newAxes := make([]int, target.Rank()-x.Rank())
	for i := range newAxes {
		newAxes[i] = i
	}
	return BroadcastAxes(x, target, newAxes)
}

// BroadcastAxes expands x to the target shape, replicating it along the
// listed target axes; the remaining target axes must carry x's dimensions
// in order. It is the inverse of ReduceSum over the same axes.
func BroadcastAxes(x *Node, target shapes.Shape, newAxes []int) *Node {
	b := builderOf("Broadcast", x)
	if x.DType() != target.DType {
		exceptions.Panicf("Broadcast: dtype changes from %s to %s", x.Shape(), target)
	}
	if x.Rank()+len(newAxes) != target.Rank() {
		exceptions.Panicf("Broadcast: %d new axes do not take %s to target %s", len(newAxes), x.Shape(), target)
	}
	normalized := slices.Clone(newAxes)
	slices.Sort(normalized)
	kept := make([]int, 0, x.Rank())
	for axis, dim := range target.Dimensions {
		if slices.Contains(normalized, axis) {
			continue
		}
		kept = append(kept, dim)
	}
	if !slices.Equal(kept, x.Shape().Dimensions) {
		exceptions.Panicf("Broadcast: %s does not line up with target %s at axes %v", x.Shape(), target, newAxes)
	}
	if x.Shape().Equal(target) {
		return x
	}
	return b.newNode(OpBroadcast, target.Clone(), &broadcastAttrs{newAxes: normalized}, x)
}

// Reshape reinterprets x with new dimensions of the same total size.
func Reshape(x *Node, dims ...int) *Node {
	b := builderOf("Reshape", x)
	target := shapes.Make(x.DType(), dims...)
	if target.Size() != x.Shape().Size() {
		exceptions.Panicf("Reshape: cannot reshape %s to %s, sizes differ", x.Shape(), target)
	}
	if x.Shape().Equal(target) {
		return x
	}
	return b.newNode(OpReshape, target, nil, x)
}

// Index selects the element at the given static position on axis 0 of x,
// dropping the axis. It is the batching engine's per-element access path.
func Index(x *Node, index int) *Node {
	b := builderOf("Index", x)
	if x.Rank() == 0 {
		exceptions.Panicf("Index: cannot index a scalar %s", x.Shape())
	}
	if index < 0 || index >= x.Shape().Dim(0) {
		exceptions.Panicf("Index: position %d out-of-bounds for %s", index, x.Shape())
	}
	return b.newNode(OpIndex, x.Shape().DropLeadingDim(), &indexAttrs{index: index}, x)
}

// Stack joins same-shaped nodes along a new leading axis, the inverse of
// Index over a whole batch.
func Stack(xs ...*Node) *Node {
	if len(xs) == 0 {
		exceptions.Panicf("Stack: needs at least one operand")
	}
	b := builderOf("Stack", xs...)
	for i, x := range xs[1:] {
		if !x.Shape().Equal(xs[0].Shape()) {
			exceptions.Panicf("Stack: operand #%d has shape %s, want %s", i+1, x.Shape(), xs[0].Shape())
		}
	}
	return b.newNode(OpStack, xs[0].Shape().WithLeadingDim(len(xs)), nil, xs...)
}

// Cond evaluates one of two branch descriptors picked by a scalar Bool
// predicate. Both branches must have structurally identical signatures and
// a single output of the same shape; args are bound to the branch
// parameters positionally. This is the representation's only structured
// control flow; anything else is an unsupported construct by design.
func Cond(pred *Node, onTrue, onFalse *FD, args ...*Node) *Node {
	b := builderOf("Cond", pred)
	b.checkSameBuilder("Cond", args...)
	if pred.DType() != dtypes.Bool || !pred.IsScalar() {
		exceptions.Panicf("Cond: predicate must be a Bool scalar, got %s", pred.Shape())
	}
	if onTrue == nil || onFalse == nil {
		exceptions.Panicf("Cond: both branches are required")
	}
	checkUniformBranches(onTrue, onFalse)
	if len(args) != onTrue.NumParams() {
		exceptions.Panicf("Cond: branch %q takes %d parameters, %d arguments given", onTrue.Name(), onTrue.NumParams(), len(args))
	}
	for i, arg := range args {
		if !arg.Shape().Equal(onTrue.Param(i).Shape) {
			exceptions.Panicf("Cond: argument #%d has shape %s, branch parameter %q wants %s",
				i, arg.Shape(), onTrue.Param(i).Name, onTrue.Param(i).Shape)
		}
	}
	inputs := append([]*Node{pred}, args...)
	return b.newNode(OpCond, onTrue.Output(0).Shape().Clone(), &condAttrs{onTrue: onTrue, onFalse: onFalse}, inputs...)
}

// checkUniformBranches validates that the two branches of a Cond share one
// structural control-flow shape: same parameter shapes, one output, same
// output shape. This is what keeps a Cond a single node rather than an
// unsupported construct.
func checkUniformBranches(onTrue, onFalse *FD) {
	if onTrue.NumOutputs() != 1 || onFalse.NumOutputs() != 1 {
		panic(fderrors.WithStack(&fderrors.UnsupportedConstruct{
			Detail: fmt.Sprintf("Cond branches must have exactly one output, got %d and %d", onTrue.NumOutputs(), onFalse.NumOutputs()),
		}))
	}
	if onTrue.OutputAlias(0) >= 0 || onFalse.OutputAlias(0) >= 0 {
		panic(fderrors.WithStack(&fderrors.UnsupportedConstruct{
			Detail: fmt.Sprintf("Cond branches %q/%q write back into parameters; caller-visible mutation cannot cross a branch boundary", onTrue.Name(), onFalse.Name()),
		}))
	}
	if onTrue.NumParams() != onFalse.NumParams() {
		exceptions.Panicf("Cond: branches %q and %q have different parameter counts (%d vs %d)",
			onTrue.Name(), onFalse.Name(), onTrue.NumParams(), onFalse.NumParams())
	}
	for i := range onTrue.Params() {
		if !onTrue.Param(i).Shape.Equal(onFalse.Param(i).Shape) {
			exceptions.Panicf("Cond: branches %q and %q disagree on parameter #%d shape: %s vs %s",
				onTrue.Name(), onFalse.Name(), i, onTrue.Param(i).Shape, onFalse.Param(i).Shape)
		}
	}
	if !onTrue.Output(0).Shape().Equal(onFalse.Output(0).Shape()) {
		exceptions.Panicf("Cond: branches %q and %q have different output shapes: %s vs %s",
			onTrue.Name(), onFalse.Name(), onTrue.Output(0).Shape(), onFalse.Output(0).Shape())
	}
}

// Call invokes another (frozen) descriptor. The callee must be pure: a
// single plain output and no write-back aliases -- caller-visible mutation
// crosses function boundaries only at the host-stub level, not inside a
// body.
func Call(callee *FD, args ...*Node) *Node {
	if callee == nil {
		exceptions.Panicf("Call: callee is nil")
	}
	b := builderOf("Call", args...)
	if callee.NumOutputs() != 1 || callee.OutputAlias(0) >= 0 {
		panic(fderrors.WithStack(&fderrors.UnsupportedConstruct{
			Detail: fmt.Sprintf("Call callee %q must have exactly one non-aliased output", callee.Name()),
		}))
	}
	if len(args) != callee.NumParams() {
		exceptions.Panicf("Call: callee %q takes %d parameters, %d arguments given", callee.Name(), callee.NumParams(), len(args))
	}
	for i, arg := range args {
		if !arg.Shape().Equal(callee.Param(i).Shape) {
			exceptions.Panicf("Call: argument #%d has shape %s, callee parameter %q wants %s",
				i, arg.Shape(), callee.Param(i).Name, callee.Param(i).Shape)
		}
	}
	return b.newNode(OpCall, callee.Output(0).Shape().Clone(), &callAttrs{callee: callee}, args...)
}

// GlobalRef reads a module-level value not passed through the signature.
// value is a snapshot flat slice used for host execution. Mutable globals
// are outside the differentiation safety boundary: activity analysis
// refuses to differentiate functions whose active values they feed.
func GlobalRef(b *Builder, name string, shape shapes.Shape, mutable bool, value any) *Node {
	b.assertBuilding()
	if !shape.Ok() {
		exceptions.Panicf("GlobalRef %q: invalid shape", name)
	}
	return b.newNode(OpGlobalRef, shape.Clone(), &globalAttrs{name: name, mutable: mutable, value: value})
}

// Opaque inserts an opaque region node: code the engines cannot see into.
// The region's declared output shape is trusted; its derivative, if any,
// comes from the attached CustomDerivative and is never guessed.
func Opaque(region *OpaqueRegion, inputs ...*Node) *Node {
	if region == nil {
		exceptions.Panicf("Opaque: region descriptor is nil")
	}
	if !region.OutShape.Ok() {
		exceptions.Panicf("Opaque %q: invalid output shape", region.Name)
	}
	b := builderOf("Opaque", inputs...)
	return b.newNode(OpOpaque, region.OutShape.Clone(), &opaqueAttrs{region: region}, inputs...)
}
