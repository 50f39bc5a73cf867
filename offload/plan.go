// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package offload plans and drives the execution of function descriptors
// on device targets.
//
// The split mirrors the rest of the core: Plan is a transformation-time
// step that validates the descriptor against each target's capabilities
// and decides, from parameter ownership and usage, which copies the launch
// needs; Bind compiles the descriptor per target; the resulting Stub is
// the host-side entry point that uploads, launches and reads back per the
// plan. All validation failures surface at Plan time, before any
// compilation; the only runtime error is PartialOffloadFailure from
// fan-out dispatch.
package offload

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gofx/gofx/backends"
	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/fderrors"
	"github.com/gofx/gofx/types/shapes"
)

// Target names one device a placement covers: a backend capability set and
// a device ordinal. The name keys the target in Bind, Run and fan-out
// outcomes, so two devices of the same backend get distinct names.
type Target struct {
	Name   string
	Device backends.DeviceNum
	Caps   backends.Capabilities
}

// TargetOf builds a Target for one device of a backend.
func TargetOf(name string, b backends.Backend, device backends.DeviceNum) Target {
	return Target{Name: name, Device: device, Caps: b.Capabilities()}
}

// ParamPlan is the per-parameter copy decision of a placement.
type ParamPlan struct {
	Name      string
	Shape     shapes.Shape
	Ownership fd.Ownership

	// Upload is true when the device body reads the parameter. Parameters
	// the body never reads get a zero-valued device slot instead of a
	// host copy.
	Upload bool
}

// OutputPlan is the per-output readback decision of a placement.
type OutputPlan struct {
	Shape shapes.Shape

	// Alias is the index of the borrowed-mutable parameter this output
	// writes back into, or -1. Aliased outputs read back into the
	// caller's argument slice.
	Alias int
}

// Placement is the transformation-time artifact of offload: the explicit
// copy, launch and readback steps for a descriptor on a set of targets.
// It is inert until Bind pairs it with live backends.
type Placement struct {
	f        *fd.FD
	targets  []Target
	registry *MarshallingRegistry

	// Params and Outputs expose the copy decisions, in signature order.
	Params  []ParamPlan
	Outputs []OutputPlan
}

// FD returns the descriptor this placement launches.
func (p *Placement) FD() *fd.FD { return p.f }

// Targets returns the placement's targets in plan order.
func (p *Placement) Targets() []Target { return p.targets }

// Plan validates f against every target and computes its copy decisions.
//
// Host-to-device copies happen only for parameters the device body reads;
// device-to-host copies only for values that are returned or written back
// through a borrowed-mutable parameter. An owned parameter that is read
// but not returned is uploaded once and never read back.
func Plan(f *fd.FD, targets []Target, registry *MarshallingRegistry) (*Placement, error) {
	if f == nil {
		return nil, errors.Errorf("offload.Plan: nil function descriptor")
	}
	if len(targets) == 0 {
		return nil, errors.Errorf("offload.Plan: no targets")
	}
	if registry == nil {
		registry = NewMarshallingRegistry()
	}
	seen := make(map[string]bool, len(targets))
	for _, target := range targets {
		if seen[target.Name] {
			return nil, errors.Errorf("offload.Plan: duplicate target name %q", target.Name)
		}
		seen[target.Name] = true
		if err := validateTarget(f, target); err != nil {
			return nil, err
		}
	}
	if err := validateMarshalling(f, registry); err != nil {
		return nil, err
	}

	p := &Placement{
		f:        f,
		targets:  append([]Target(nil), targets...),
		registry: registry,
		Params:   make([]ParamPlan, f.NumParams()),
		Outputs:  make([]OutputPlan, f.NumOutputs()),
	}
	reachable := f.Reachable()
	for i, param := range f.Params() {
		p.Params[i] = ParamPlan{
			Name:      param.Name,
			Shape:     param.Shape,
			Ownership: param.Ownership,
			Upload:    reachable[f.ParamNode(i).Id()],
		}
	}
	for i := range p.Outputs {
		p.Outputs[i] = OutputPlan{
			Shape: f.Output(i).Shape(),
			Alias: f.OutputAlias(i),
		}
	}
	return p, nil
}

// validateTarget checks every reachable node of f (and of its Cond
// branches and Call callees, which launch on the same device) against the
// target's capabilities, then the descriptor's resident footprint against
// the target's memory capacity.
func validateTarget(f *fd.FD, target Target) error {
	var footprint uint64
	err := walkReachable(f, func(node *fd.Node) error {
		footprint += uint64(node.Shape().Memory())
		if !target.Caps.SupportsOp(node.Op()) {
			return fderrors.WithStack(&fderrors.UnsupportedOnDevice{Node: node.Ref(), Target: target.Name})
		}
		if !target.Caps.SupportsDType(node.DType()) {
			return fderrors.WithStack(&fderrors.UnsupportedOnDevice{Node: node.Ref(), Target: target.Name})
		}
		if node.Op() == fd.OpOpaque {
			region := node.OpaqueRegionOf()
			if !target.Caps.OpaqueRegions || !region.DeviceOK {
				return fderrors.WithStack(&fderrors.UnsupportedOnDevice{Node: node.Ref(), Target: target.Name})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if capacity := target.Caps.MemoryPerDevice; capacity > 0 && footprint > capacity {
		return fderrors.WithStack(&fderrors.MissingMarshalling{
			DType: "any",
			Param: target.Name,
			Detail: fmt.Sprintf("estimated resident footprint %s exceeds target %q capacity %s and offload does not chunk automatically",
				humanize.IBytes(footprint), target.Name, humanize.IBytes(capacity)),
		})
	}
	return nil
}

// validateMarshalling checks that every dtype crossing the boundary (every
// reachable node, since intermediates share the signature dtypes' storage
// conventions) has a registered marshaller.
func validateMarshalling(f *fd.FD, registry *MarshallingRegistry) error {
	return walkReachable(f, func(node *fd.Node) error {
		if _, found := registry.Lookup(node.DType()); !found {
			name := fmt.Sprintf("node #%d", int(node.Id()))
			if node.Op() == fd.OpParameter {
				name = node.ParamName()
			}
			return fderrors.WithStack(&fderrors.MissingMarshalling{
				DType: node.DType().String(),
				Param: name,
			})
		}
		return nil
	})
}

// walkReachable visits every reachable node of f and, recursively, of the
// sub-descriptors its Cond and Call nodes reference.
func walkReachable(f *fd.FD, visit func(node *fd.Node) error) error {
	visited := make(map[*fd.FD]bool)
	var walk func(f *fd.FD) error
	walk = func(f *fd.FD) error {
		if visited[f] {
			return nil
		}
		visited[f] = true
		reachable := f.Reachable()
		for _, node := range f.Nodes() {
			if !reachable[node.Id()] {
				continue
			}
			if err := visit(node); err != nil {
				return err
			}
			switch node.Op() {
			case fd.OpCond:
				onTrue, onFalse := node.CondBranches()
				if err := walk(onTrue); err != nil {
					return err
				}
				if err := walk(onFalse); err != nil {
					return err
				}
			case fd.OpCall:
				if err := walk(node.Callee()); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(f)
}
