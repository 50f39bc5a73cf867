// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package fd

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gofx/gofx/fderrors"
)

// Activity classifies a value of a function body with respect to a
// differentiation request.
type Activity int

const (
	// Constant values do not depend on any active parameter and need no
	// shadow value.
	Constant Activity = iota

	// Active values depend on at least one active parameter and carry a
	// tangent (forward mode) or an adjoint accumulator (reverse mode).
	Active

	// OpaqueUnresolved marks an opaque region that is fed by active values
	// but carries no custom-derivative descriptor. Differentiation fails on
	// these; they are not errors for the analysis itself.
	OpaqueUnresolved
)

// String implements fmt.Stringer.
func (a Activity) String() string {
	switch a {
	case Constant:
		return "constant"
	case Active:
		return "active"
	case OpaqueUnresolved:
		return "opaque-unresolved"
	}
	return fmt.Sprintf("Activity(%d)", int(a))
}

// ActivityRequest selects which parameters a differentiation is taken with
// respect to. Parameters not listed are constants.
type ActivityRequest struct {
	// Active lists the names of the parameters to treat as active.
	Active []string

	// SeedFromCaller makes the transformed function take the output adjoint
	// seed as a trailing parameter instead of seeding with one (reverse
	// mode), or the input tangents as trailing parameters (forward mode
	// always takes seeds). With a constant seed the output must be scalar.
	SeedFromCaller bool
}

// IsActive reports whether the named parameter is requested active.
func (r ActivityRequest) IsActive(name string) bool {
	for _, a := range r.Active {
		if a == name {
			return true
		}
	}
	return false
}

// ActivityMap is the result of AnalyzeActivity: a total mapping from every
// node id of the analyzed FD to its Activity.
type ActivityMap struct {
	fn   *FD
	acts []Activity
}

// FD returns the descriptor this map was computed for.
func (m *ActivityMap) FD() *FD { return m.fn }

// Of returns the activity of the node with the given id.
func (m *ActivityMap) Of(id NodeID) Activity { return m.acts[id] }

// OfNode returns the activity of the given node.
func (m *ActivityMap) OfNode(n *Node) Activity { return m.acts[n.Id()] }

// AnyUnresolved returns the first node marked OpaqueUnresolved, or nil.
func (m *ActivityMap) AnyUnresolved() *Node {
	for id, act := range m.acts {
		if act == OpaqueUnresolved {
			return m.fn.nodes[id]
		}
	}
	return nil
}

// AnalyzeActivity computes the activity of every body node for the given
// request: a forward data-flow pass seeded by the parameters the request
// marks active. Because node ids are a topological order of the body, a
// single ascending pass reaches the fixed point, and the result depends
// only on the FD and the request, never on evaluation order.
//
// Mutable module-level state is a hard boundary: if a mutable GlobalRef
// feeds any active value, the analysis fails with GlobalActivityRefused
// rather than assuming the global holds still across sweeps.
func AnalyzeActivity(f *FD, req ActivityRequest) (*ActivityMap, error) {
	for _, name := range req.Active {
		if f.ParamIndexByName(name) < 0 {
			return nil, errors.Errorf("activity request names parameter %q, which FD %q does not declare", name, f.name)
		}
	}

	m := &ActivityMap{fn: f, acts: make([]Activity, len(f.nodes))}

	// taintedBy tracks, per node, the mutable global (if any) reachable
	// through its inputs. InvalidNodeID means untainted.
	taintedBy := make([]NodeID, len(f.nodes))
	for i := range taintedBy {
		taintedBy[i] = InvalidNodeID
	}

	for id, node := range f.nodes {
		act := Constant
		switch node.op {
		case OpParameter:
			if req.IsActive(node.ParamName()) {
				act = Active
			}
		case OpConst:
			act = Constant
		case OpGlobalRef:
			act = Constant
			if node.GlobalMutable() {
				taintedBy[id] = node.id
			}
		case OpOpaque:
			act = opaqueActivity(node, m)
		default:
			for _, input := range node.inputs {
				if m.acts[input.id] != Constant {
					act = Active
					break
				}
			}
		}

		// Propagate mutable-global taint and refuse tainted active values.
		for _, input := range node.inputs {
			if taintedBy[input.id] != InvalidNodeID {
				taintedBy[id] = taintedBy[input.id]
				break
			}
		}
		if act != Constant && taintedBy[id] != InvalidNodeID {
			global := f.nodes[taintedBy[id]]
			return nil, fderrors.WithStack(&fderrors.GlobalActivityRefused{
				Node:   global.Ref(),
				Global: global.GlobalName(),
			})
		}
		m.acts[id] = act
	}
	return m, nil
}

// opaqueActivity resolves the activity of an opaque region's output. With a
// custom-derivative descriptor the output activity follows the descriptor's
// declared dependency mask; without one, any active input makes the region
// OpaqueUnresolved -- a differentiation-time failure, never a guess.
func opaqueActivity(node *Node, m *ActivityMap) Activity {
	region := node.OpaqueRegionOf()
	if region.Derivative == nil {
		for _, input := range node.inputs {
			if m.acts[input.id] != Constant {
				return OpaqueUnresolved
			}
		}
		return Constant
	}
	mask := region.Derivative.DependsOn
	for i, input := range node.inputs {
		if mask != nil && (i >= len(mask) || !mask[i]) {
			continue
		}
		if m.acts[input.id] != Constant {
			return Active
		}
	}
	return Constant
}
