// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package interp

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gofx/gofx/types/shapes"
)

// Storage conventions of the interpreter backends: Float32 and Float16
// values compute on []float32 (Float16 is converted at the data boundary),
// Float64 on []float64, Bool on []bool.

// NewStorage allocates the compute storage for a shape.
func NewStorage(shape shapes.Shape) (any, error) {
	switch shape.DType {
	case dtypes.Float32, dtypes.Float16:
		return make([]float32, shape.Size()), nil
	case dtypes.Float64:
		return make([]float64, shape.Size()), nil
	case dtypes.Bool:
		return make([]bool, shape.Size()), nil
	}
	return nil, errors.Errorf("dtype %s is not supported by the interpreter backends", shape.DType)
}

// ToStorage converts a user-facing flat slice into compute storage,
// validating type and length against the shape.
func ToStorage(flat any, shape shapes.Shape) (any, error) {
	size := shape.Size()
	switch shape.DType {
	case dtypes.Float32:
		data, ok := flat.([]float32)
		if !ok {
			return nil, errors.Errorf("shape %s requires []float32 flat data, got %T", shape, flat)
		}
		if len(data) != size {
			return nil, errors.Errorf("shape %s requires %d elements, got %d", shape, size, len(data))
		}
		return append([]float32(nil), data...), nil
	case dtypes.Float64:
		data, ok := flat.([]float64)
		if !ok {
			return nil, errors.Errorf("shape %s requires []float64 flat data, got %T", shape, flat)
		}
		if len(data) != size {
			return nil, errors.Errorf("shape %s requires %d elements, got %d", shape, size, len(data))
		}
		return append([]float64(nil), data...), nil
	case dtypes.Float16:
		data, ok := flat.([]float16.Float16)
		if !ok {
			return nil, errors.Errorf("shape %s requires []float16.Float16 flat data, got %T", shape, flat)
		}
		if len(data) != size {
			return nil, errors.Errorf("shape %s requires %d elements, got %d", shape, size, len(data))
		}
		storage := make([]float32, size)
		for i, v := range data {
			storage[i] = v.Float32()
		}
		return storage, nil
	case dtypes.Bool:
		data, ok := flat.([]bool)
		if !ok {
			return nil, errors.Errorf("shape %s requires []bool flat data, got %T", shape, flat)
		}
		if len(data) != size {
			return nil, errors.Errorf("shape %s requires %d elements, got %d", shape, size, len(data))
		}
		return append([]bool(nil), data...), nil
	}
	return nil, errors.Errorf("dtype %s is not supported by the interpreter backends", shape.DType)
}

// FromStorage copies compute storage back into a user-facing flat slice.
func FromStorage(storage any, flat any, shape shapes.Shape) error {
	switch shape.DType {
	case dtypes.Float32:
		dst, ok := flat.([]float32)
		if !ok {
			return errors.Errorf("shape %s requires []float32 flat data, got %T", shape, flat)
		}
		copy(dst, storage.([]float32))
	case dtypes.Float64:
		dst, ok := flat.([]float64)
		if !ok {
			return errors.Errorf("shape %s requires []float64 flat data, got %T", shape, flat)
		}
		copy(dst, storage.([]float64))
	case dtypes.Float16:
		dst, ok := flat.([]float16.Float16)
		if !ok {
			return errors.Errorf("shape %s requires []float16.Float16 flat data, got %T", shape, flat)
		}
		for i, v := range storage.([]float32) {
			dst[i] = float16.Fromfloat32(v)
		}
	case dtypes.Bool:
		dst, ok := flat.([]bool)
		if !ok {
			return errors.Errorf("shape %s requires []bool flat data, got %T", shape, flat)
		}
		copy(dst, storage.([]bool))
	default:
		return errors.Errorf("dtype %s is not supported by the interpreter backends", shape.DType)
	}
	return nil
}

// CloneStorage deep-copies compute storage.
func CloneStorage(storage any) any {
	switch data := storage.(type) {
	case []float32:
		return append([]float32(nil), data...)
	case []float64:
		return append([]float64(nil), data...)
	case []bool:
		return append([]bool(nil), data...)
	}
	return nil
}
