// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradcheck

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/gomlx/tensorfunc/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sumOfSquares of input "x", whose gradient is 2x.
func sumOfSquares(inputs map[string]*tensors.Buffer) (float64, error) {
	var sum float64
	for _, v := range inputs["x"].Float64s() {
		sum += v * v
	}
	return sum, nil
}

func TestCheck(t *testing.T) {
	x := tensors.FromFlat(bounds.MakeBox(bounds.Make(-1, 3), bounds.Make(2, 2)), []float64{1, -2, 3, 0.5, 4, -1.5})
	inputs := map[string]*tensors.Buffer{"x": x}
	grad := x.Clone()
	for ii := range grad.Size() {
		grad.SetOffset(ii, 2*x.AtOffset(ii))
	}

	var progress []int
	result, err := New(sumOfSquares).Epsilon(1e-4).Tolerance(1e-8, 1e-8).
		WithProgress(func(done, total int) { progress = append(progress, done) }).
		Check(inputs, "x", grad)
	require.NoError(t, err)
	require.Len(t, result.Indices, 6)
	assert.Equal(t, []int{-1, 2}, result.Indices[0])
	assert.Equal(t, []int{1, 3}, result.Indices[5])
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, progress)
	assert.InDelta(t, 0, result.Distance(), 1e-6)
	assert.Less(t, result.MaxAbsError, 1e-6)

	// Inputs are not modified.
	assert.Equal(t, []float64{1, -2, 3, 0.5, 4, -1.5}, x.Float64s())

	// A wrong gradient is reported.
	grad.SetOffset(2, 0)
	result, err = New(sumOfSquares).Check(inputs, "x", grad)
	require.ErrorIs(t, err, ErrGradientMismatch)
	require.ErrorContains(t, err, "1 of 6 points differ")
	require.NotNil(t, result)
	assert.InDelta(t, 6, result.MaxAbsError, 1e-3)
}

func TestMaxPoints(t *testing.T) {
	x := tensors.New(dtypes.Float64, bounds.FromExtents(10, 10))
	x.Fill(1)
	result, err := New(sumOfSquares).MaxPoints(7).Numeric(map[string]*tensors.Buffer{"x": x}, "x")
	require.NoError(t, err)
	require.Len(t, result.Numeric, 7)
	for _, v := range result.Numeric {
		assert.InDelta(t, 2, v, 1e-6)
	}

	_, err = New(sumOfSquares).Numeric(map[string]*tensors.Buffer{"x": x}, "y")
	require.Error(t, err)
}

func TestTolerance(t *testing.T) {
	x := tensors.FromFlat(bounds.FromExtents(3), []float64{0, 2, -1})
	inputs := map[string]*tensors.Buffer{"x": x}
	grad := tensors.FromFlat(bounds.FromExtents(3), []float64{1e-5, 4, -2})

	// Near zero only the absolute tolerance can accept the difference.
	_, err := New(sumOfSquares).Epsilon(1e-4).Tolerance(1e-8, 1e-4).Check(inputs, "x", grad)
	require.NoError(t, err)

	result, err := New(sumOfSquares).Epsilon(1e-4).Tolerance(1e-8, 1e-8).Check(inputs, "x", grad)
	require.ErrorIs(t, err, ErrGradientMismatch)
	require.ErrorContains(t, err, "1 of 3 points differ")
	assert.InDelta(t, 1e-5, result.MaxAbsError, 1e-9)
}
