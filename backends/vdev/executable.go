// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package vdev

import (
	"github.com/pkg/errors"

	"github.com/gofx/gofx/backends"
	"github.com/gofx/gofx/internal/interp"
	"github.com/gofx/gofx/types/shapes"
)

// Executable is a compiled descriptor bound to one virtual device.
type Executable struct {
	backend   *Backend
	prog      *interp.Program
	device    backends.DeviceNum
	finalized bool
}

var _ backends.Executable = (*Executable)(nil)

// Finalize implements backends.Executable.
func (e *Executable) Finalize() {
	e.finalized = true
	e.prog = nil
}

// Inputs implements backends.Executable.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	f := e.prog.FD()
	names = make([]string, f.NumParams())
	inputShapes = make([]shapes.Shape, f.NumParams())
	for i, param := range f.Params() {
		names[i] = param.Name
		inputShapes[i] = param.Shape
	}
	return
}

// Outputs implements backends.Executable.
func (e *Executable) Outputs() []shapes.Shape { return e.prog.FD().OutputShapes() }

// Execute implements backends.Executable. All inputs must be resident on
// the executable's device. Inputs bound to parameters the descriptor
// writes back into are mutated in place, device-side.
func (e *Executable) Execute(inputs ...backends.Buffer) ([]backends.Buffer, error) {
	if e.finalized {
		return nil, errors.Errorf("vdev executable already finalized")
	}
	b := e.backend
	if err := b.assertValid(e.device); err != nil {
		return nil, err
	}
	if injected := b.opts.FailDevices[e.device]; injected != nil {
		return nil, injected
	}
	f := e.prog.FD()
	if len(inputs) != f.NumParams() {
		return nil, errors.Errorf("executable %q takes %d inputs, got %d", f.Name(), f.NumParams(), len(inputs))
	}
	storages := make([]any, len(inputs))
	for i, input := range inputs {
		buf, err := b.ownBuffer(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d (%q)", i, f.Param(i).Name)
		}
		if buf.device != e.device {
			return nil, errors.Errorf("input #%d (%q) is on device %d, executable runs on device %d",
				i, f.Param(i).Name, buf.device, e.device)
		}
		if !buf.shape.Equal(f.Param(i).Shape) {
			return nil, errors.Errorf("input #%d (%q): got shape %s, want %s",
				i, f.Param(i).Name, buf.shape, f.Param(i).Shape)
		}
		storages[i] = buf.storage
	}
	results, err := e.prog.Run(storages)
	if err != nil {
		return nil, err
	}
	outputs := make([]backends.Buffer, len(results))
	for i, result := range results {
		buf, err := b.newBuffer(e.device, f.Output(i).Shape(), result)
		if err != nil {
			for _, out := range outputs[:i] {
				_ = b.BufferFinalize(out)
			}
			return nil, err
		}
		outputs[i] = buf
	}
	return outputs, nil
}
