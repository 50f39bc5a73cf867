// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gofx/gofx/fd"
)

// Capabilities holds what a backend can lower. Offload planning validates
// every body node of a descriptor against the target's Capabilities before
// compiling anything, so unsupported constructs fail at transformation time
// rather than at launch.
type Capabilities struct {
	// Operations supported by the backend. Absent means unsupported.
	Operations map[fd.OpType]bool

	// DTypes supported by the backend. Absent means unsupported.
	DTypes map[dtypes.DType]bool

	// OpaqueRegions reports whether the backend can lower opaque regions at
	// all; individual regions additionally need their DeviceOK flag (a
	// host-only foreign call never lowers to a device, whatever the
	// backend says).
	OpaqueRegions bool

	// MemoryPerDevice is the byte capacity of each device, 0 for unbounded.
	// Offload planning refuses descriptors whose estimated resident
	// footprint exceeds it, rather than chunk them automatically.
	MemoryPerDevice uint64
}

// SupportsOp reports whether the backend lowers the given op type.
func (c Capabilities) SupportsOp(op fd.OpType) bool { return c.Operations[op] }

// SupportsDType reports whether the backend handles the given dtype.
func (c Capabilities) SupportsDType(dtype dtypes.DType) bool { return c.DTypes[dtype] }

// Clone makes a deep copy.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = make(map[fd.OpType]bool, len(c.Operations))
	maps.Copy(c2.Operations, c.Operations)
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	c2.OpaqueRegions = c.OpaqueRegions
	c2.MemoryPerDevice = c.MemoryPerDevice
	return c2
}
