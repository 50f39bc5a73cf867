// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the static type of every value flowing
// through a function descriptor: a DType (data type of the unit element,
// from github.com/gomlx/gopjrt/dtypes) plus the dimensions of its axes.
//
// Shapes are resolved while a descriptor is being built: every node of a
// function descriptor carries a fixed Shape, and the transformation engines
// (differentiation, batching, offload) derive the shapes of the nodes they
// emit from the shapes of the nodes they consume.
//
// Glossary:
//
//   - Rank: number of axes of a value.
//   - Axis: the index of a dimension. Axis 0 of a batched value is always
//     the batch axis.
//   - Dimension: the size of an axis.
//   - Scalar: a shape with no axes, a single value of the associated DType.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a value in a function descriptor: data type plus dimensions.
//
// Use Make to create one. The zero value is invalid (Ok returns false).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given data type and dimensions.
// A shape with no dimensions is a scalar. It panics on dimensions <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): axes must have dimension > 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given Go numeric type.
func Scalar[T dtypes.Number]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid Shape. Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, the number of axes. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the
// end, axis -1 being the last. It panics on an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Size returns the number of elements the shape holds: the product of its
// dimensions. A scalar has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the shape's data.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// EqualDimensions compares dimensions only, ignoring the DType.
func (s Shape) EqualDimensions(other Shape) bool {
	return slices.Equal(s.Dimensions, other.Dimensions)
}

// Clone makes a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// WithLeadingDim returns a copy of the shape with an extra leading axis of
// the given dimension. Used by the batching engine to create the batch axis.
func (s Shape) WithLeadingDim(dim int) Shape {
	if dim <= 0 {
		exceptions.Panicf("Shape.WithLeadingDim(%d): dimension must be > 0", dim)
	}
	dims := make([]int, 0, s.Rank()+1)
	dims = append(dims, dim)
	dims = append(dims, s.Dimensions...)
	return Shape{DType: s.DType, Dimensions: dims}
}

// DropLeadingDim returns a copy of the shape without its leading axis, the
// inverse of WithLeadingDim. It panics on scalars.
func (s Shape) DropLeadingDim() Shape {
	if s.Rank() == 0 {
		exceptions.Panicf("Shape.DropLeadingDim: shape %s is a scalar", s)
	}
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions[1:])}
}

// String implements fmt.Stringer: e.g. "(Float32)[2 3]", "(Float64)" for a
// scalar.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "(%s)[", s.DType)
	for i, dim := range s.Dimensions {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%d", dim)
	}
	b.WriteByte(']')
	return b.String()
}
