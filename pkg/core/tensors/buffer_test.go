// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferIndexing(t *testing.T) {
	box := bounds.MakeBox(bounds.Make(2, 3), bounds.Make(-1, 2))
	b := New(dtypes.Float32, box)
	require.Equal(t, 2, b.Rank())
	require.Equal(t, 6, b.Size())
	require.Equal(t, uintptr(24), b.Memory())

	// Axis 0 is innermost.
	require.Equal(t, 0, b.Offset(2, -1))
	require.Equal(t, 1, b.Offset(3, -1))
	require.Equal(t, 3, b.Offset(2, 0))
	require.Equal(t, 5, b.Offset(4, 0))
	require.Equal(t, []int{4, 0}, b.Index(5))
	require.Equal(t, []int{3, -1}, b.Index(1))

	b.Set(7, 3, 0)
	require.Equal(t, 7.0, b.At(3, 0))
	require.Equal(t, 7.0, b.AtOffset(4))
	b.AddOffset(4, 0.5)
	require.Equal(t, 7.5, b.At(3, 0))

	err := exceptions.TryCatch[error](func() { b.At(5, 0) })
	require.Error(t, err)
	err = exceptions.TryCatch[error](func() { b.At(2) })
	require.Error(t, err)
}

func TestBufferDTypes(t *testing.T) {
	box := bounds.FromExtents(4)
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64} {
		t.Run(dtype.String(), func(t *testing.T) {
			require.True(t, IsSupported(dtype))
			b := New(dtype, box)
			require.Equal(t, dtype, b.DType())
			b.Fill(1.5)
			b.AddOffset(2, 1)
			assert.Equal(t, []float64{1.5, 1.5, 2.5, 1.5}, b.Float64s())
			c := b.ConvertTo(dtypes.Float64)
			assert.Equal(t, dtypes.Float64, c.DType())
			assert.Equal(t, 0.0, b.MaxAbsDiff(c))
		})
	}
	require.False(t, IsSupported(dtypes.Int32))
	err := exceptions.TryCatch[error](func() { New(dtypes.Int32, box) })
	require.Error(t, err)
}

func TestFromFlat(t *testing.T) {
	b := FromFlat(bounds.FromExtents(2, 2), []float64{1, 2, 3, 4})
	require.Equal(t, dtypes.Float64, b.DType())
	require.Equal(t, 3.0, b.At(0, 1))
	require.Equal(t, "(Float64){[0, 1], [0, 1]}[1 2 3 4]", b.String())

	c := b.Clone()
	c.Set(10, 0, 0)
	require.Equal(t, 1.0, b.At(0, 0))
	require.Equal(t, 9.0, b.MaxAbsDiff(c))

	err := exceptions.TryCatch[error](func() { FromFlat(bounds.FromExtents(3), []float32{1, 2}) })
	require.Error(t, err)

	scalar := FromFlat(bounds.MakeBox(), []float32{3})
	require.Equal(t, 0, scalar.Rank())
	require.Equal(t, 3.0, scalar.At())
}

func TestAtomicAdd(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64} {
		b := New(dtype, bounds.FromExtents(1))
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 1000 {
					b.AtomicAddOffset(0, 1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 8000.0, b.At(0))
	}
	err := exceptions.TryCatch[error](func() { New(dtypes.Float16, bounds.FromExtents(1)).AtomicAddOffset(0, 1) })
	require.Error(t, err)
}

func TestFillRandom(t *testing.T) {
	b := New(dtypes.Float64, bounds.FromExtents(100))
	b.FillRandom(rand.New(rand.NewPCG(42, 7)), -1, 1)
	for _, v := range b.Float64s() {
		require.GreaterOrEqual(t, v, -1.0)
		require.Less(t, v, 1.0)
	}
}
