// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostgo is the pure-Go host backend: it lowers function
// descriptors to an in-process interpreter. It is the reference
// implementation for the numeric behavior of every other target and the
// "host" side of every offload plan.
//
// It registers itself under the name "hostgo". The configuration string
// accepts "parallelism=<n>" to bound kernel parallelism (0 disables it).
package hostgo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gofx/gofx/backends"
	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/internal/interp"
	"github.com/gofx/gofx/internal/workerspool"
	"github.com/gofx/gofx/types/shapes"
)

// BackendName is the name hostgo registers itself under.
const BackendName = "hostgo"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Backend is the pure-Go host backend. Create it with New, or through
// backends.New with GOFX_BACKEND=hostgo.
type Backend struct {
	pool      *workerspool.Pool
	finalized bool
}

var _ backends.Backend = (*Backend)(nil)

// New creates a hostgo backend. See package documentation for the
// configuration format.
func New(config string) (*Backend, error) {
	b := &Backend{pool: workerspool.New()}
	for _, part := range strings.Split(config, ",") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "parallelism":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "hostgo config %q: bad parallelism", config)
			}
			b.pool.SetMaxParallelism(n)
		default:
			return nil, errors.Errorf("hostgo config %q: unknown option %q", config, key)
		}
	}
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("pure-Go host interpreter (parallelism=%d)", b.pool.MaxParallelism())
}

// NumDevices implements backends.Backend: the host is one device.
func (b *Backend) NumDevices() backends.DeviceNum { return 1 }

// Capabilities implements backends.Backend. The host lowers every op,
// including opaque regions that carry a host implementation.
func (b *Backend) Capabilities() backends.Capabilities {
	return capabilities.Clone()
}

var capabilities = backends.Capabilities{
	Operations: allOps(),
	DTypes: map[dtypes.DType]bool{
		dtypes.Float32: true,
		dtypes.Float64: true,
		dtypes.Float16: true,
		dtypes.Bool:    true,
	},
	OpaqueRegions: true,
}

func allOps() map[fd.OpType]bool {
	ops := make(map[fd.OpType]bool, fd.NumOpTypes)
	for op := fd.OpType(1); int(op) < fd.NumOpTypes; op++ {
		ops[op] = true
	}
	return ops
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() { b.finalized = true }

func (b *Backend) assertValid(device backends.DeviceNum) error {
	if b.finalized {
		return errors.Errorf("hostgo backend already finalized")
	}
	if device < 0 || device >= b.NumDevices() {
		return errors.Errorf("hostgo has %d device(s), got device %d", b.NumDevices(), device)
	}
	return nil
}

// Compile implements backends.Backend, lowering the descriptor to an
// interpreter program.
func (b *Backend) Compile(f *fd.FD, device backends.DeviceNum) (backends.Executable, error) {
	if err := b.assertValid(device); err != nil {
		return nil, err
	}
	prog, err := interp.Compile(f, interp.Options{Pool: b.pool})
	if err != nil {
		return nil, errors.WithMessagef(err, "hostgo: compiling %q", f.Name())
	}
	return newExecutable(b, prog), nil
}

// Buffer is a host-resident value. hostgo "device" memory is ordinary Go
// memory, but the buffer discipline is the same as any accelerator's.
type Buffer struct {
	backend   *Backend
	shape     shapes.Shape
	storage   any
	finalized bool
}

func (b *Backend) ownBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer %T does not belong to the hostgo backend", buffer)
	}
	if buf.backend != b {
		return nil, errors.Errorf("buffer belongs to a different hostgo backend instance")
	}
	if buf.finalized {
		return nil, errors.Errorf("buffer was already finalized")
	}
	return buf, nil
}

// BufferFinalize implements backends.DataInterface.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.ownBuffer(buffer)
	if err != nil {
		return err
	}
	buf.finalized = true
	buf.storage = nil
	return nil
}

// BufferShape implements backends.DataInterface.
func (b *Backend) BufferShape(buffer backends.Buffer) (shapes.Shape, error) {
	buf, err := b.ownBuffer(buffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buf.shape, nil
}

// BufferDeviceNum implements backends.DataInterface.
func (b *Backend) BufferDeviceNum(buffer backends.Buffer) (backends.DeviceNum, error) {
	if _, err := b.ownBuffer(buffer); err != nil {
		return 0, err
	}
	return 0, nil
}

// BufferToFlatData implements backends.DataInterface.
func (b *Backend) BufferToFlatData(buffer backends.Buffer, flat any) error {
	buf, err := b.ownBuffer(buffer)
	if err != nil {
		return err
	}
	return interp.FromStorage(buf.storage, flat, buf.shape)
}

// BufferFromFlatData implements backends.DataInterface.
func (b *Backend) BufferFromFlatData(device backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	if err := b.assertValid(device); err != nil {
		return nil, err
	}
	storage, err := interp.ToStorage(flat, shape)
	if err != nil {
		return nil, err
	}
	return &Buffer{backend: b, shape: shape.Clone(), storage: storage}, nil
}
