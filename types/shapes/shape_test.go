// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 3, s.Dim(1))
	assert.Equal(t, 3, s.Dim(-1))
	assert.Equal(t, "(Float32)[2 3]", s.String())
	assert.True(t, s.Ok())

	scalar := Make(dtypes.Float64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, "(Float64)", scalar.String())

	require.Panics(t, func() { Make(dtypes.Float32, 0) })
	require.Panics(t, func() { Make(dtypes.Float32, 2, -1) })
	require.Panics(t, func() { s.Dim(2) })
}

func TestScalarAndInvalid(t *testing.T) {
	assert.Equal(t, Make(dtypes.Float32), Scalar[float32]())
	assert.False(t, Invalid().Ok())
	assert.False(t, Invalid().IsScalar())
	assert.Equal(t, "(invalid shape)", Invalid().String())
}

func TestEqual(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	assert.True(t, a.Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, a.Equal(Make(dtypes.Float64, 2, 3)))
	assert.False(t, a.Equal(Make(dtypes.Float32, 3, 2)))
	assert.True(t, a.EqualDimensions(Make(dtypes.Bool, 2, 3)))
}

func TestClone(t *testing.T) {
	a := Make(dtypes.Float32, 2, 3)
	b := a.Clone()
	b.Dimensions[0] = 7
	assert.Equal(t, 2, a.Dimensions[0])
}

func TestLeadingDim(t *testing.T) {
	s := Make(dtypes.Float32, 3)
	batched := s.WithLeadingDim(4)
	assert.Equal(t, []int{4, 3}, batched.Dimensions)
	assert.True(t, batched.DropLeadingDim().Equal(s))

	scalar := Make(dtypes.Float64)
	assert.Equal(t, []int{5}, scalar.WithLeadingDim(5).Dimensions)
	require.Panics(t, func() { scalar.DropLeadingDim() })
	require.Panics(t, func() { s.WithLeadingDim(0) })
}

func TestMemory(t *testing.T) {
	assert.Equal(t, uintptr(4*6), Make(dtypes.Float32, 2, 3).Memory())
	assert.Equal(t, uintptr(8), Make(dtypes.Float64).Memory())
}
