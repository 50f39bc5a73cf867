// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package vdev is a virtual accelerator backend. It executes function
// descriptors with the same interpreter the host backend uses, but
// behaves like a real device target: multiple devices, an isolated
// buffer arena with a per-device memory budget, a configurable set of
// supported operations, device-order (reversed) reductions, and fault
// injection for exercising failure paths.
//
// It registers itself under the name "vdev". The configuration string is
// a comma-separated list of options:
//
//	devices=<n>      number of virtual devices (default 2)
//	mem=<size>       per-device memory budget, e.g. "64MiB" (default unlimited)
//	deny=<op>        mark an op as unsupported; may repeat
//
// Reductions on vdev accumulate in descending flat order, so results
// differ from hostgo within float tolerance. That is deliberate: code
// comparing host and device results must compare within tolerance, and a
// bit-equal comparison against vdev fails fast.
package vdev

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gofx/gofx/backends"
	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/fderrors"
	"github.com/gofx/gofx/internal/interp"
	"github.com/gofx/gofx/internal/workerspool"
	"github.com/gofx/gofx/types/shapes"
)

// BackendName is the name vdev registers itself under.
const BackendName = "vdev"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		opts, err := ParseConfig(config)
		if err != nil {
			return nil, err
		}
		return New(opts), nil
	})
}

// Options configures a virtual device backend. The zero value gives two
// devices with unlimited memory and full op support.
type Options struct {
	// Devices is the number of virtual devices. Defaults to 2.
	Devices int

	// MemoryPerDevice bounds the bytes resident on each device. Zero
	// means unlimited. Only buffers count against the budget, not
	// execution scratch space.
	MemoryPerDevice uint64

	// DenyOps lists operations the device reports (and enforces) as
	// unsupported.
	DenyOps []fd.OpType

	// FailDevices injects a failure: Execute on a listed device returns
	// the given error instead of running.
	FailDevices map[backends.DeviceNum]error

	// FailOn, when set, is consulted before each node evaluation and
	// aborts execution when it returns an error.
	FailOn func(node *fd.Node) error
}

// ParseConfig parses the textual configuration accepted through the
// backend registry. See the package documentation for the format.
func ParseConfig(config string) (Options, error) {
	var opts Options
	for _, part := range strings.Split(config, ",") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return opts, errors.Errorf("vdev config %q: bad device count %q", config, value)
			}
			opts.Devices = n
		case "mem":
			bytes, err := humanize.ParseBytes(value)
			if err != nil {
				return opts, errors.Wrapf(err, "vdev config %q: bad memory budget %q", config, value)
			}
			opts.MemoryPerDevice = bytes
		case "deny":
			op, ok := opByName(value)
			if !ok {
				return opts, errors.Errorf("vdev config %q: unknown op %q", config, value)
			}
			opts.DenyOps = append(opts.DenyOps, op)
		default:
			return opts, errors.Errorf("vdev config %q: unknown option %q", config, key)
		}
	}
	return opts, nil
}

func opByName(name string) (fd.OpType, bool) {
	for op := fd.OpType(1); int(op) < fd.NumOpTypes; op++ {
		if strings.EqualFold(op.String(), name) {
			return op, true
		}
	}
	return fd.OpInvalid, false
}

// Backend is a virtual accelerator. Create it with New, or through
// backends.New with GOFX_BACKEND=vdev.
type Backend struct {
	opts      Options
	pool      *workerspool.Pool
	caps      backends.Capabilities
	arenas    []*arena
	finalized bool
}

var _ backends.Backend = (*Backend)(nil)

// New creates a virtual device backend.
func New(opts Options) *Backend {
	if opts.Devices == 0 {
		opts.Devices = 2
	}
	b := &Backend{
		opts: opts,
		pool: workerspool.New(),
		caps: backends.Capabilities{
			Operations:      make(map[fd.OpType]bool, fd.NumOpTypes),
			DTypes:          map[dtypes.DType]bool{dtypes.Float32: true, dtypes.Float64: true, dtypes.Bool: true},
			OpaqueRegions:   true,
			MemoryPerDevice: opts.MemoryPerDevice,
		},
		arenas: make([]*arena, opts.Devices),
	}
	for op := fd.OpType(1); int(op) < fd.NumOpTypes; op++ {
		b.caps.Operations[op] = true
	}
	for _, op := range opts.DenyOps {
		b.caps.Operations[op] = false
	}
	for i := range b.arenas {
		b.arenas[i] = &arena{budget: opts.MemoryPerDevice}
	}
	return b
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	budget := "unlimited"
	if b.opts.MemoryPerDevice > 0 {
		budget = humanize.IBytes(b.opts.MemoryPerDevice)
	}
	return fmt.Sprintf("virtual accelerator (%d devices, %s memory each)", b.opts.Devices, budget)
}

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() backends.DeviceNum { return backends.DeviceNum(b.opts.Devices) }

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities { return b.caps.Clone() }

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	b.finalized = true
	for _, a := range b.arenas {
		a.reset()
	}
}

func (b *Backend) assertValid(device backends.DeviceNum) error {
	if b.finalized {
		return errors.Errorf("vdev backend already finalized")
	}
	if device < 0 || device >= b.NumDevices() {
		return errors.Errorf("vdev has %d device(s), got device %d", b.opts.Devices, device)
	}
	return nil
}

// Compile implements backends.Backend. Every node must be supported on
// the device: denied ops and opaque regions without a device lowering are
// rejected with fderrors.UnsupportedOnDevice.
func (b *Backend) Compile(f *fd.FD, device backends.DeviceNum) (backends.Executable, error) {
	if err := b.assertValid(device); err != nil {
		return nil, err
	}
	reachable := f.Reachable()
	for _, node := range f.Nodes() {
		if !reachable[node.Id()] {
			continue
		}
		if !b.caps.SupportsOp(node.Op()) {
			return nil, &fderrors.UnsupportedOnDevice{Node: node.Ref(), Target: BackendName}
		}
		if !b.caps.SupportsDType(node.DType()) {
			return nil, errors.Errorf("vdev: dtype %s at %s is not supported on the device", node.DType(), node.Ref())
		}
		if node.Op() == fd.OpOpaque && !node.OpaqueRegionOf().DeviceOK {
			return nil, &fderrors.UnsupportedOnDevice{Node: node.Ref(), Target: BackendName}
		}
	}
	prog, err := interp.Compile(f, interp.Options{
		ReversedReduce: true,
		Pool:           b.pool,
		FailOn:         b.opts.FailOn,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "vdev: compiling %q", f.Name())
	}
	klog.V(1).Infof("vdev: compiled %q for device %d", f.Name(), device)
	return &Executable{backend: b, prog: prog, device: device}, nil
}

// arena accounts for buffer bytes resident on one device.
type arena struct {
	mu     sync.Mutex
	budget uint64 // 0 = unlimited
	used   uint64
}

func (a *arena) alloc(bytes uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.budget > 0 && a.used+bytes > a.budget {
		return errors.Errorf("device out of memory: %s requested, %s of %s in use",
			humanize.IBytes(bytes), humanize.IBytes(a.used), humanize.IBytes(a.budget))
	}
	a.used += bytes
	return nil
}

func (a *arena) free(bytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used -= bytes
}

func (a *arena) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used = 0
}

// InUse returns the bytes currently resident on the given device.
func (b *Backend) InUse(device backends.DeviceNum) uint64 {
	a := b.arenas[device]
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Buffer is a value resident on one virtual device.
type Buffer struct {
	backend   *Backend
	device    backends.DeviceNum
	shape     shapes.Shape
	storage   any
	bytes     uint64
	finalized bool
}

func (b *Backend) ownBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer %T does not belong to the vdev backend", buffer)
	}
	if buf.backend != b {
		return nil, errors.Errorf("buffer belongs to a different vdev backend instance")
	}
	if buf.finalized {
		return nil, errors.Errorf("buffer was already finalized")
	}
	return buf, nil
}

func (b *Backend) newBuffer(device backends.DeviceNum, shape shapes.Shape, storage any) (*Buffer, error) {
	bytes := uint64(shape.Memory())
	if err := b.arenas[device].alloc(bytes); err != nil {
		return nil, errors.WithMessagef(err, "vdev device %d", device)
	}
	return &Buffer{backend: b, device: device, shape: shape.Clone(), storage: storage, bytes: bytes}, nil
}

// BufferFinalize implements backends.DataInterface, returning the
// buffer's bytes to the device arena.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.ownBuffer(buffer)
	if err != nil {
		return err
	}
	b.arenas[buf.device].free(buf.bytes)
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
	buf, err := b.ownBuffer(buffer)
	if err != nil {
		return 0, err
	}
	return buf.device, nil
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
	if !b.caps.SupportsDType(shape.DType) {
		return nil, errors.Errorf("vdev: dtype %s is not supported on the device", shape.DType)
	}
	storage, err := interp.ToStorage(flat, shape)
	if err != nil {
		return nil, err
	}
	return b.newBuffer(device, shape, storage)
}
