// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gofx/gofx/types/shapes"

// Buffer is a value resident on one of a backend's devices. It is opaque
// to the core: only the backend that created it can interpret it.
type Buffer any

// DataInterface is the Backend sub-interface that transfers buffers to and
// from device residency. Together with the per-type marshallers of the
// offload package it forms the marshalling surface of the core.
type DataInterface interface {
	// BufferFinalize releases the buffer's device resources immediately. A
	// finalized buffer must never be used again.
	BufferFinalize(buffer Buffer) error

	// BufferShape returns the shape of the buffer's value.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferDeviceNum returns the device holding the buffer.
	BufferDeviceNum(buffer Buffer) (DeviceNum, error)

	// BufferToFlatData copies the buffer's values into flat, a slice of the
	// shape's Go type with exactly the shape's size.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferFromFlatData uploads flat (a slice of the shape's Go type) to
	// the given device and returns the resident buffer.
	BufferFromFlatData(device DeviceNum, flat any, shape shapes.Shape) (Buffer, error)
}
