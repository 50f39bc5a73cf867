// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package fd defines the Function Descriptor (FD), the normalized
// intermediate representation every transformation engine of GoFX consumes
// and produces.
//
// An FD holds a function's signature -- ordered parameters with ownership
// annotations -- and its body as a table of operation nodes. Nodes are
// created through a Builder using the op constructors in this package (Add,
// Mul, ReduceSum, Cond, Call, Opaque, ...); calling Builder.Build freezes
// the descriptor. A frozen FD is immutable: engines never modify one in
// place, they emit a new FD through a fresh Builder. This is what lets the
// composition driver order engines freely and lets independent engine
// invocations share one FD across goroutines without coordination.
//
// Node ids are assigned in creation order and are stable: they key every
// auxiliary map produced by the analyses (activity, adjoint bindings), and
// because an op constructor can only consume already-registered nodes, the
// id order is also a topological order of the body's data dependencies.
//
// Ops follow the deferred-validation idiom: constructors panic (with
// github.com/gomlx/exceptions) on malformed inputs such as shape
// mismatches. Transformation entry points recover those panics into
// returned errors, so user-facing APIs present plain Go errors.
package fd

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gofx/gofx/types/shapes"
)

// Ownership describes how a function parameter is held, as declared by the
// front-end collaborator. It drives both adjoint accumulation in reverse
// mode and copy elision during offload.
type Ownership int

const (
	// Owned parameters belong to the callee: offload uploads them once and
	// never copies them back unless returned.
	Owned Ownership = iota

	// BorrowedImmutable parameters are read-only views of caller data.
	BorrowedImmutable

	// BorrowedMutable parameters are caller data the function may mutate:
	// offload must copy them back, and reverse-mode differentiation must
	// accumulate adjoints into the caller-visible accumulator rather than a
	// fresh local.
	BorrowedMutable
)

// String implements fmt.Stringer.
func (o Ownership) String() string {
	switch o {
	case Owned:
		return "owned"
	case BorrowedImmutable:
		return "borrowed"
	case BorrowedMutable:
		return "borrowed-mut"
	}
	return fmt.Sprintf("Ownership(%d)", int(o))
}

// NodeID is the stable identity of a node within one FD. Ids are assigned
// in creation order, which is also a topological order of the body.
type NodeID int

// InvalidNodeID marks a node reference that is not set.
const InvalidNodeID = NodeID(-1)

// Param is one entry of an FD signature.
type Param struct {
	Name      string
	Shape     shapes.Shape
	Ownership Ownership
}

// FD is a frozen function descriptor. Create one with a Builder.
type FD struct {
	name       string
	params     []Param
	paramNodes []*Node
	nodes      []*Node
	outputs    []*Node

	// outputAliases maps each output index to the parameter index whose
	// caller-visible storage the output must be written back into, or -1.
	// Only borrowed-mutable parameters can be aliased.
	outputAliases []int
}

// Name of the function this descriptor represents.
func (f *FD) Name() string { return f.name }

// NumParams returns the number of parameters in the signature.
func (f *FD) NumParams() int { return len(f.params) }

// Params returns the signature parameters, in declaration order.
// The returned slice must not be modified.
func (f *FD) Params() []Param { return f.params }

// Param returns the i-th signature entry.
func (f *FD) Param(i int) Param { return f.params[i] }

// ParamNode returns the Parameter node for the i-th signature entry.
func (f *FD) ParamNode(i int) *Node { return f.paramNodes[i] }

// ParamIndexByName returns the index of the named parameter, or -1.
func (f *FD) ParamIndexByName(name string) int {
	for i, p := range f.params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// NumNodes returns the number of body nodes, including Parameter nodes.
func (f *FD) NumNodes() int { return len(f.nodes) }

// Nodes returns the body nodes in id order. The slice must not be modified.
func (f *FD) Nodes() []*Node { return f.nodes }

// NodeByID returns the node with the given id. It panics on an invalid id.
func (f *FD) NodeByID(id NodeID) *Node {
	if id < 0 || int(id) >= len(f.nodes) {
		exceptions.Panicf("FD %q has no node #%d (%d nodes)", f.name, id, len(f.nodes))
	}
	return f.nodes[id]
}

// NumOutputs returns the number of values the function returns.
func (f *FD) NumOutputs() int { return len(f.outputs) }

// Outputs returns the output nodes in return order.
// The slice must not be modified.
func (f *FD) Outputs() []*Node { return f.outputs }

// Output returns the i-th output node.
func (f *FD) Output(i int) *Node { return f.outputs[i] }

// OutputAlias returns the index of the borrowed-mutable parameter the i-th
// output writes back into, or -1 when the output is a plain return value.
func (f *FD) OutputAlias(i int) int { return f.outputAliases[i] }

// Reachable marks, per node id, whether the node is reachable from the
// outputs. Engines and backends skip the rest of the body.
func (f *FD) Reachable() []bool {
	reachable := make([]bool, len(f.nodes))
	var mark func(n *Node)
	mark = func(n *Node) {
		if reachable[n.id] {
			return
		}
		reachable[n.id] = true
		for _, in := range n.inputs {
			mark(in)
		}
	}
	for _, out := range f.outputs {
		mark(out)
	}
	return reachable
}

// OutputShapes returns the shape of each output, in return order.
func (f *FD) OutputShapes() []shapes.Shape {
	out := make([]shapes.Shape, len(f.outputs))
	for i, n := range f.outputs {
		out[i] = n.Shape()
	}
	return out
}

// String lists the signature and the body node table, one node per line.
func (f *FD) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FD %q: %d parameters, %d nodes, %d outputs\n", f.name, len(f.params), len(f.nodes), len(f.outputs))
	for _, p := range f.params {
		fmt.Fprintf(&b, "  param %s: %s %s\n", p.Name, p.Shape, p.Ownership)
	}
	for id, node := range f.nodes {
		fmt.Fprintf(&b, "  #%d\t%s\n", id, node)
	}
	for i, out := range f.outputs {
		if alias := f.outputAliases[i]; alias >= 0 {
			fmt.Fprintf(&b, "  output %d: #%d (writes back to %s)\n", i, out.Id(), f.params[alias].Name)
		} else {
			fmt.Fprintf(&b, "  output %d: #%d\n", i, out.Id())
		}
	}
	return b.String()
}

// Builder accumulates nodes for a new FD. It is single-use: Build freezes
// the node table into an immutable FD and invalidates the Builder.
type Builder struct {
	name       string
	nodes      []*Node
	params     []Param
	paramNodes []*Node
	built      bool

	// scalars caches scalar Const nodes per dtype/value so engines emitting
	// many seeds and zeros don't flood the node table.
	scalars map[scalarKey]*Node
}

type scalarKey struct {
	dtype dtypes.DType
	value float64
}

// NewBuilder returns an empty Builder for a function with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:    name,
		scalars: make(map[scalarKey]*Node),
	}
}

// Name of the function being built.
func (b *Builder) Name() string { return b.name }

// assertBuilding panics if the Builder has already been frozen by Build.
func (b *Builder) assertBuilding() {
	if b == nil {
		exceptions.Panicf("fd.Builder is nil")
	}
	if b.built {
		exceptions.Panicf("fd.Builder %q is frozen: Build was already called", b.name)
	}
}

// registerNode appends the node, assigning the next id.
func (b *Builder) registerNode(node *Node) *Node {
	node.id = NodeID(len(b.nodes))
	b.nodes = append(b.nodes, node)
	return node
}

// checkSameBuilder panics if any input belongs to another Builder or to an
// already frozen FD. Engines must clone nodes into their own Builder
// instead of sharing them across descriptors.
func (b *Builder) checkSameBuilder(op string, inputs ...*Node) {
	for i, n := range inputs {
		if n == nil {
			exceptions.Panicf("%s: input #%d is nil (building %q)", op, i, b.name)
		}
		if n.builder != b {
			exceptions.Panicf("%s: input #%d belongs to builder %q, not %q -- nodes cannot be shared across descriptors",
				op, i, n.builder.name, b.name)
		}
	}
}

// Parameter declares the next signature parameter and returns its node.
// Parameter names must be unique within the function.
func (b *Builder) Parameter(name string, shape shapes.Shape, ownership Ownership) *Node {
	b.assertBuilding()
	if !shape.Ok() {
		exceptions.Panicf("Parameter %q: invalid shape (building %q)", name, b.name)
	}
	for _, p := range b.params {
		if p.Name == name {
			exceptions.Panicf("Parameter %q declared twice (building %q)", name, b.name)
		}
	}
	idx := len(b.params)
	b.params = append(b.params, Param{Name: name, Shape: shape, Ownership: ownership})
	node := b.registerNode(&Node{
		builder: b,
		op:      OpParameter,
		shape:   shape,
		attrs:   &paramAttrs{name: name, index: idx},
	})
	b.paramNodes = append(b.paramNodes, node)
	return node
}

// Build freezes the Builder into an immutable FD with the given outputs.
// Outputs that must be written back into a borrowed-mutable parameter are
// declared with BuildAliased instead.
func (b *Builder) Build(outputs ...*Node) *FD {
	aliases := make([]int, len(outputs))
	for i := range aliases {
		aliases[i] = -1
	}
	return b.BuildAliased(outputs, aliases)
}

// BuildAliased is Build with explicit output aliasing: aliases[i] is the
// index of the borrowed-mutable parameter output i writes back into, or -1.
func (b *Builder) BuildAliased(outputs []*Node, aliases []int) *FD {
	b.assertBuilding()
	if len(outputs) == 0 {
		exceptions.Panicf("Build %q: a function needs at least one output", b.name)
	}
	if len(aliases) != len(outputs) {
		exceptions.Panicf("Build %q: %d outputs but %d alias entries", b.name, len(outputs), len(aliases))
	}
	b.checkSameBuilder("Build", outputs...)
	for i, alias := range aliases {
		if alias < 0 {
			continue
		}
		if alias >= len(b.params) {
			exceptions.Panicf("Build %q: output %d aliases parameter #%d, but there are only %d parameters",
				b.name, i, alias, len(b.params))
		}
		p := b.params[alias]
		if p.Ownership != BorrowedMutable {
			exceptions.Panicf("Build %q: output %d aliases parameter %q, which is %s -- only borrowed-mutable parameters can receive write-backs",
				b.name, i, p.Name, p.Ownership)
		}
		if !outputs[i].Shape().Equal(p.Shape) {
			exceptions.Panicf("Build %q: output %d has shape %s but aliased parameter %q has shape %s",
				b.name, i, outputs[i].Shape(), p.Name, p.Shape)
		}
	}
	b.built = true
	f := &FD{
		name:          b.name,
		params:        b.params,
		paramNodes:    b.paramNodes,
		nodes:         b.nodes,
		outputs:       append([]*Node(nil), outputs...),
		outputAliases: append([]int(nil), aliases...),
	}
	for _, n := range f.nodes {
		n.fn = f
	}
	return f
}
