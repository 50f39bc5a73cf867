// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package hostgo

import (
	"github.com/pkg/errors"

	"github.com/gofx/gofx/backends"
	"github.com/gofx/gofx/internal/interp"
	"github.com/gofx/gofx/types/shapes"
)

// Executable is a compiled descriptor ready to run on the host.
type Executable struct {
	backend   *Backend
	prog      *interp.Program
	names     []string
	inShapes  []shapes.Shape
	outShapes []shapes.Shape
	finalized bool
}

var _ backends.Executable = (*Executable)(nil)

func newExecutable(b *Backend, prog *interp.Program) *Executable {
	f := prog.FD()
	e := &Executable{
		backend:   b,
		prog:      prog,
		names:     make([]string, f.NumParams()),
		inShapes:  make([]shapes.Shape, f.NumParams()),
		outShapes: f.OutputShapes(),
	}
	for i, param := range f.Params() {
		e.names[i] = param.Name
		e.inShapes[i] = param.Shape
	}
	return e
}

// Finalize implements backends.Executable.
func (e *Executable) Finalize() {
	e.finalized = true
	e.prog = nil
}

// Inputs implements backends.Executable.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	return e.names, e.inShapes
}

// Outputs implements backends.Executable.
func (e *Executable) Outputs() []shapes.Shape { return e.outShapes }

// Execute implements backends.Executable. Inputs bound to parameters the
// descriptor writes back into (aliased outputs) are mutated in place.
func (e *Executable) Execute(inputs ...backends.Buffer) ([]backends.Buffer, error) {
	if e.finalized {
		return nil, errors.Errorf("hostgo executable already finalized")
	}
	if len(inputs) != len(e.inShapes) {
		return nil, errors.Errorf("executable %q takes %d inputs, got %d",
			e.prog.FD().Name(), len(e.inShapes), len(inputs))
	}
	storages := make([]any, len(inputs))
	for i, input := range inputs {
		buf, err := e.backend.ownBuffer(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d (%q)", i, e.names[i])
		}
		if !buf.shape.Equal(e.inShapes[i]) {
			return nil, errors.Errorf("input #%d (%q): got shape %s, want %s",
				i, e.names[i], buf.shape, e.inShapes[i])
		}
		storages[i] = buf.storage
	}
	results, err := e.prog.Run(storages)
	if err != nil {
		return nil, err
	}
	outputs := make([]backends.Buffer, len(results))
	for i, result := range results {
		outputs[i] = &Buffer{backend: e.backend, shape: e.outShapes[i].Clone(), storage: result}
	}
	return outputs, nil
}
