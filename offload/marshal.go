// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package offload

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gofx/gofx/backends"
	"github.com/gofx/gofx/types/shapes"
)

// Marshaller moves values of one dtype across the host/device boundary.
// The host-side representation is a flat slice whose element type the
// marshaller chooses; it need not match the device representation (the
// Float16 default keeps []float32 on the host and converts at the
// boundary).
type Marshaller struct {
	// NewHost allocates a zero-valued host flat slice for the shape.
	NewHost func(shape shapes.Shape) any

	// ToDevice uploads a host flat slice and returns the resident buffer.
	ToDevice func(di backends.DataInterface, device backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error)

	// FromDevice copies a resident buffer back into a host flat slice.
	FromDevice func(di backends.DataInterface, buffer backends.Buffer, flat any, shape shapes.Shape) error
}

// MarshallingRegistry maps dtypes to their boundary marshallers. Offload
// planning refuses any descriptor with a reachable dtype the registry has
// no entry for. The zero value is an empty registry.
type MarshallingRegistry struct {
	byDType map[dtypes.DType]Marshaller
}

// NewMarshallingRegistry returns a registry pre-loaded with the structural
// defaults: bulk copies for Float32, Float64 and Bool, and a converting
// marshaller for Float16 ([]float32 host side, half-precision device side).
func NewMarshallingRegistry() *MarshallingRegistry {
	r := &MarshallingRegistry{byDType: make(map[dtypes.DType]Marshaller)}
	r.Register(dtypes.Float32, bulkMarshaller(func(size int) any { return make([]float32, size) }))
	r.Register(dtypes.Float64, bulkMarshaller(func(size int) any { return make([]float64, size) }))
	r.Register(dtypes.Bool, bulkMarshaller(func(size int) any { return make([]bool, size) }))
	r.Register(dtypes.Float16, float16Marshaller())
	return r
}

// Register sets the marshaller for a dtype, replacing any previous entry.
func (r *MarshallingRegistry) Register(dtype dtypes.DType, m Marshaller) {
	if r.byDType == nil {
		r.byDType = make(map[dtypes.DType]Marshaller)
	}
	r.byDType[dtype] = m
}

// Lookup returns the marshaller for a dtype.
func (r *MarshallingRegistry) Lookup(dtype dtypes.DType) (Marshaller, bool) {
	m, found := r.byDType[dtype]
	return m, found
}

// bulkMarshaller passes the host flat slice straight through to the
// backend's data interface: host and device element types coincide.
func bulkMarshaller(alloc func(size int) any) Marshaller {
	return Marshaller{
		NewHost: func(shape shapes.Shape) any { return alloc(shape.Size()) },
		ToDevice: func(di backends.DataInterface, device backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
			return di.BufferFromFlatData(device, flat, shape)
		},
		FromDevice: func(di backends.DataInterface, buffer backends.Buffer, flat any, shape shapes.Shape) error {
			return di.BufferToFlatData(buffer, flat)
		},
	}
}

// float16Marshaller keeps full-precision []float32 on the host and rounds
// through IEEE half precision at the boundary, so the host program never
// handles float16.Float16 values directly.
func float16Marshaller() Marshaller {
	return Marshaller{
		NewHost: func(shape shapes.Shape) any { return make([]float32, shape.Size()) },
		ToDevice: func(di backends.DataInterface, device backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
			data, ok := flat.([]float32)
			if !ok {
				return nil, errors.Errorf("Float16 marshalling takes []float32 host data, got %T", flat)
			}
			if len(data) != shape.Size() {
				return nil, errors.Errorf("shape %s requires %d elements, got %d", shape, shape.Size(), len(data))
			}
			half := make([]float16.Float16, len(data))
			for i, v := range data {
				half[i] = float16.Fromfloat32(v)
			}
			return di.BufferFromFlatData(device, half, shape)
		},
		FromDevice: func(di backends.DataInterface, buffer backends.Buffer, flat any, shape shapes.Shape) error {
			data, ok := flat.([]float32)
			if !ok {
				return errors.Errorf("Float16 marshalling takes []float32 host data, got %T", flat)
			}
			if len(data) != shape.Size() {
				return errors.Errorf("shape %s requires %d elements, got %d", shape, shape.Size(), len(data))
			}
			half := make([]float16.Float16, len(data))
			if err := di.BufferToFlatData(buffer, half); err != nil {
				return err
			}
			for i, v := range half {
				data[i] = v.Float32()
			}
			return nil
		},
	}
}
