// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package offload

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gofx/gofx/backends"
	"github.com/gofx/gofx/fderrors"
)

// boundTarget pairs one placement target with its live backend and the
// executable compiled for it.
type boundTarget struct {
	target  Target
	backend backends.Backend
	exec    backends.Executable
}

// Stub is the host-side entry point of a bound placement: it owns one
// compiled executable per target and drives upload, launch and readback
// per the placement's copy decisions.
type Stub struct {
	placement *Placement
	bound     map[string]*boundTarget
}

// Bind compiles the placement's descriptor on every target and returns the
// stub driving them. backendsByTarget maps target names to live backends;
// every placement target needs an entry. On any compilation failure the
// executables already built are finalized before returning.
func (p *Placement) Bind(backendsByTarget map[string]backends.Backend) (*Stub, error) {
	s := &Stub{placement: p, bound: make(map[string]*boundTarget, len(p.targets))}
	for _, target := range p.targets {
		b := backendsByTarget[target.Name]
		if b == nil {
			s.Finalize()
			return nil, errors.Errorf("offload: no backend bound for target %q", target.Name)
		}
		if target.Device >= b.NumDevices() {
			s.Finalize()
			return nil, errors.Errorf("offload: target %q wants device %d but backend %q has %d",
				target.Name, target.Device, b.Name(), b.NumDevices())
		}
		exec, err := b.Compile(p.f, target.Device)
		if err != nil {
			s.Finalize()
			return nil, errors.WithMessagef(err, "offload: compiling %q for target %q", p.f.Name(), target.Name)
		}
		s.bound[target.Name] = &boundTarget{target: target, backend: b, exec: exec}
	}
	return s, nil
}

// Finalize frees every compiled executable. The backends themselves stay
// alive; they belong to the caller.
func (s *Stub) Finalize() {
	for _, bt := range s.bound {
		bt.exec.Finalize()
	}
	s.bound = nil
}

// Run launches the descriptor on one target: upload the arguments the plan
// marked for upload, execute, read the outputs back. args holds one host
// flat slice per parameter (slots the plan does not upload may be nil) and
// the result holds one host flat slice per output. Outputs aliased to a
// borrowed-mutable parameter are read back into the caller's argument
// slice, which is also returned in the output slot.
//
// Every device buffer the launch creates is released before Run returns,
// on success and on every failure path.
func (s *Stub) Run(ctx context.Context, target string, args []any) ([]any, error) {
	bt := s.bound[target]
	if bt == nil {
		return nil, errors.Errorf("offload: target %q is not bound", target)
	}
	return s.runOn(ctx, bt, args, true)
}

// Outcome is the per-target result of a fan-out dispatch: the shared
// identification and error of fderrors.TargetOutcome plus, for completed
// targets, the readback results.
type Outcome struct {
	fderrors.TargetOutcome
	Results []any
}

// FanOut launches the descriptor on every bound target concurrently and
// joins on all of them. Outcomes come back in placement target order with
// a fresh dispatch id each. If any target failed, the error is a
// *fderrors.PartialOffloadFailure carrying every outcome; completed
// targets keep their results either way. Nothing is retried.
//
// Outputs aliased to borrowed-mutable parameters read back into per-target
// fresh slices rather than the shared args, so concurrent targets never
// write the same caller memory.
func (s *Stub) FanOut(ctx context.Context, args []any) ([]Outcome, error) {
	outcomes := make([]Outcome, len(s.placement.targets))
	for _, target := range s.placement.targets {
		if s.bound[target.Name] == nil {
			return nil, errors.Errorf("offload: target %q is not bound", target.Name)
		}
	}
	var group errgroup.Group
	for i, target := range s.placement.targets {
		bt := s.bound[target.Name]
		outcome := &outcomes[i]
		outcome.Target = target.Name
		outcome.DispatchID = uuid.NewString()
		group.Go(func() error {
			klog.V(1).Infof("offload dispatch %s: %q on target %q", outcome.DispatchID, s.placement.f.Name(), outcome.Target)
			outcome.Results, outcome.Err = s.runOn(ctx, bt, args, false)
			return nil
		})
	}
	_ = group.Wait()

	failed := false
	perTarget := make([]fderrors.TargetOutcome, len(outcomes))
	for i, outcome := range outcomes {
		perTarget[i] = outcome.TargetOutcome
		failed = failed || outcome.Err != nil
	}
	if failed {
		return outcomes, fderrors.WithStack(&fderrors.PartialOffloadFailure{Outcomes: perTarget})
	}
	return outcomes, nil
}

// runOn is one launch on one target. mutateArgs selects whether aliased
// outputs read back into the caller's argument slices (single-target Run)
// or into fresh ones (fan-out).
func (s *Stub) runOn(ctx context.Context, bt *boundTarget, args []any, mutateArgs bool) (results []any, err error) {
	p := s.placement
	if len(args) != len(p.Params) {
		return nil, errors.Errorf("offload: %q takes %d arguments, got %d", p.f.Name(), len(p.Params), len(args))
	}
	if err = ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	di := backends.DataInterface(bt.backend)
	inputs := make([]backends.Buffer, len(p.Params))
	defer func() {
		for _, buffer := range inputs {
			if buffer != nil {
				_ = di.BufferFinalize(buffer)
			}
		}
	}()

	var uploaded uint64
	for i, pp := range p.Params {
		m, found := p.registry.Lookup(pp.Shape.DType)
		if !found {
			// Plan already validated the registry; a stub outliving
			// registry mutations is caller misuse.
			return nil, errors.Errorf("offload: no marshaller for dtype %s", pp.Shape.DType)
		}
		flat := args[i]
		if !pp.Upload {
			// The body never reads this slot: a zero-valued device buffer
			// satisfies the executable without copying caller data.
			flat = m.NewHost(pp.Shape)
		} else if flat == nil {
			return nil, errors.Errorf("offload: argument %q is nil but the device body reads it", pp.Name)
		}
		buffer, uploadErr := m.ToDevice(di, bt.target.Device, flat, pp.Shape)
		if uploadErr != nil {
			return nil, errors.WithMessagef(uploadErr, "offload: uploading %q to target %q", pp.Name, bt.target.Name)
		}
		inputs[i] = buffer
		uploaded += uint64(pp.Shape.Memory())
	}
	klog.V(2).Infof("offload: %q on target %q, %s uploaded", p.f.Name(), bt.target.Name, humanize.IBytes(uploaded))

	if err = ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	outBuffers, err := bt.exec.Execute(inputs...)
	if err != nil {
		return nil, errors.WithMessagef(err, "offload: executing %q on target %q", p.f.Name(), bt.target.Name)
	}
	defer func() {
		for _, buffer := range outBuffers {
			_ = di.BufferFinalize(buffer)
		}
	}()

	results = make([]any, len(p.Outputs))
	for i, op := range p.Outputs {
		m, found := p.registry.Lookup(op.Shape.DType)
		if !found {
			return nil, errors.Errorf("offload: no marshaller for dtype %s", op.Shape.DType)
		}
		flat := m.NewHost(op.Shape)
		if op.Alias >= 0 && mutateArgs {
			flat = args[op.Alias]
		}
		if err = m.FromDevice(di, outBuffers[i], flat, op.Shape); err != nil {
			return nil, errors.WithMessagef(err, "offload: reading back output #%d from target %q", i, bt.target.Name)
		}
		results[i] = flat
	}
	return results, nil
}
