// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Buffer, the multidimensional array given as input to, and returned as the realization
// of, the functions of a graph.
//
// A Buffer has a dtype (see github.com/gomlx/gopjrt/dtypes) and a bounds.Box: one (min, extent) interval per axis.
// Axis 0 is the innermost in the flat storage. Indices are absolute coordinates: a buffer with
// bounds {[2, 4]} holds the values at indices 2, 3 and 4.
//
// Supported dtypes are Float16 (github.com/x448/float16), BFloat16 (github.com/gomlx/gopjrt/dtypes/bfloat16),
// Float32 and Float64. Values are always read and written as float64.
package tensors

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Supported lists the Go types that can be used as the flat storage of a Buffer.
type Supported interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16
}

// Buffer is a multidimensional array of floating point values with absolute per-axis bounds.
type Buffer struct {
	dtype   dtypes.DType
	box     bounds.Box
	strides []int
	flat    any
}

// IsSupported returns whether dtype can be used for a Buffer.
func IsSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// New creates a zero-initialized Buffer with the given dtype and bounds.
// It panics if the dtype is not supported.
func New(dtype dtypes.DType, box bounds.Box) *Buffer {
	size := box.Size()
	var flat any
	switch dtype {
	case dtypes.Float16:
		flat = make([]float16.Float16, size)
	case dtypes.BFloat16:
		flat = make([]bfloat16.BFloat16, size)
	case dtypes.Float32:
		flat = make([]float32, size)
	case dtypes.Float64:
		flat = make([]float64, size)
	default:
		exceptions.Panicf("tensors.New: dtype %s not supported, only Float16, BFloat16, Float32 and Float64", dtype)
	}
	return &Buffer{dtype: dtype, box: box.Clone(), strides: box.Strides(), flat: flat}
}

// FromFlat creates a Buffer that takes ownership of flat. The length of flat must match the size of box.
func FromFlat[T Supported](box bounds.Box, flat []T) *Buffer {
	if len(flat) != box.Size() {
		exceptions.Panicf("tensors.FromFlat: box %s has size %d, but %d values were given", box, box.Size(), len(flat))
	}
	var dtype dtypes.DType
	switch any(flat).(type) {
	case []float16.Float16:
		dtype = dtypes.Float16
	case []bfloat16.BFloat16:
		dtype = dtypes.BFloat16
	case []float32:
		dtype = dtypes.Float32
	case []float64:
		dtype = dtypes.Float64
	}
	return &Buffer{dtype: dtype, box: box.Clone(), strides: box.Strides(), flat: flat}
}

// DType of the buffer elements.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Bounds returns a copy of the buffer bounds.
func (b *Buffer) Bounds() bounds.Box { return b.box.Clone() }

// Rank is the number of axes of the buffer.
func (b *Buffer) Rank() int { return len(b.box) }

// Size is the number of elements in the buffer.
func (b *Buffer) Size() int { return b.box.Size() }

// Memory used by the buffer storage, in bytes.
func (b *Buffer) Memory() uintptr {
	return b.dtype.Memory() * uintptr(b.Size())
}

// Flat returns the underlying flat storage: one of []float16.Float16, []bfloat16.BFloat16, []float32 or []float64.
// Changes to it are reflected in the buffer.
func (b *Buffer) Flat() any { return b.flat }

// Offset returns the position in the flat storage of the element at the absolute index idx.
// It panics if idx is out of bounds.
func (b *Buffer) Offset(idx ...int) int {
	if len(idx) != len(b.box) {
		exceptions.Panicf("buffer of rank %d indexed with %d indices %v", len(b.box), len(idx), idx)
	}
	offset := 0
	for axis, v := range idx {
		interval := b.box[axis]
		if !interval.Contains(v) {
			exceptions.Panicf("index %v out of bounds %s (axis %d)", idx, b.box, axis)
		}
		offset += (v - interval.Min) * b.strides[axis]
	}
	return offset
}

// At returns the value at the absolute index idx.
func (b *Buffer) At(idx ...int) float64 {
	return b.AtOffset(b.Offset(idx...))
}

// Set the value at the absolute index idx.
func (b *Buffer) Set(value float64, idx ...int) {
	b.SetOffset(b.Offset(idx...), value)
}

// AtOffset returns the value at the given flat offset.
func (b *Buffer) AtOffset(offset int) float64 {
	switch flat := b.flat.(type) {
	case []float32:
		return float64(flat[offset])
	case []float64:
		return flat[offset]
	case []float16.Float16:
		return float64(flat[offset].Float32())
	case []bfloat16.BFloat16:
		return float64(flat[offset].Float32())
	}
	return math.NaN()
}

// SetOffset sets the value at the given flat offset.
func (b *Buffer) SetOffset(offset int, value float64) {
	switch flat := b.flat.(type) {
	case []float32:
		flat[offset] = float32(value)
	case []float64:
		flat[offset] = value
	case []float16.Float16:
		flat[offset] = float16.Fromfloat32(float32(value))
	case []bfloat16.BFloat16:
		flat[offset] = bfloat16.FromFloat32(float32(value))
	}
}

// AddOffset adds value to the element at the given flat offset.
func (b *Buffer) AddOffset(offset int, value float64) {
	switch flat := b.flat.(type) {
	case []float32:
		flat[offset] += float32(value)
	case []float64:
		flat[offset] += value
	default:
		b.SetOffset(offset, b.AtOffset(offset)+value)
	}
}

// AtomicAddOffset adds value to the element at the given flat offset, safe for concurrent use with other
// AtomicAddOffset calls. Only Float32 and Float64 buffers support it.
func (b *Buffer) AtomicAddOffset(offset int, value float64) {
	switch flat := b.flat.(type) {
	case []float32:
		addr := (*uint32)(unsafe.Pointer(&flat[offset]))
		for {
			old := atomic.LoadUint32(addr)
			updated := math.Float32bits(math.Float32frombits(old) + float32(value))
			if atomic.CompareAndSwapUint32(addr, old, updated) {
				return
			}
		}
	case []float64:
		addr := (*uint64)(unsafe.Pointer(&flat[offset]))
		for {
			old := atomic.LoadUint64(addr)
			updated := math.Float64bits(math.Float64frombits(old) + value)
			if atomic.CompareAndSwapUint64(addr, old, updated) {
				return
			}
		}
	default:
		exceptions.Panicf("AtomicAddOffset not supported for buffers of dtype %s", b.dtype)
	}
}

// Fill sets all elements to value.
func (b *Buffer) Fill(value float64) {
	switch flat := b.flat.(type) {
	case []float32:
		fillFloats(flat, value)
	case []float64:
		fillFloats(flat, value)
	default:
		for ii := range b.Size() {
			b.SetOffset(ii, value)
		}
	}
}

func fillFloats[T constraints.Float](flat []T, value float64) {
	v := T(value)
	for ii := range flat {
		flat[ii] = v
	}
}

// FillRandom sets the elements to uniformly distributed random values in [low, high).
func (b *Buffer) FillRandom(rng *rand.Rand, low, high float64) {
	for ii := range b.Size() {
		b.SetOffset(ii, low+rng.Float64()*(high-low))
	}
}

// Float64s returns a copy of the values, in flat storage order.
func (b *Buffer) Float64s() []float64 {
	switch flat := b.flat.(type) {
	case []float32:
		return toFloat64s(flat)
	case []float64:
		return toFloat64s(flat)
	}
	values := make([]float64, b.Size())
	for ii := range values {
		values[ii] = b.AtOffset(ii)
	}
	return values
}

func toFloat64s[T constraints.Float](flat []T) []float64 {
	values := make([]float64, len(flat))
	for ii, v := range flat {
		values[ii] = float64(v)
	}
	return values
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	return b.ConvertTo(b.dtype)
}

// ConvertTo returns a copy of the buffer with the values converted to dtype.
func (b *Buffer) ConvertTo(dtype dtypes.DType) *Buffer {
	c := New(dtype, b.box)
	for ii := range b.Size() {
		c.SetOffset(ii, b.AtOffset(ii))
	}
	return c
}

// Index returns the absolute index of the element at the given flat offset.
func (b *Buffer) Index(offset int) []int {
	idx := make([]int, len(b.box))
	for axis := len(b.box) - 1; axis >= 0; axis-- {
		stride := b.strides[axis]
		idx[axis] = b.box[axis].Min + offset/stride
		offset %= stride
	}
	return idx
}

// MaxAbsDiff returns the largest absolute difference between the elements of b and o, which must
// have the same bounds.
func (b *Buffer) MaxAbsDiff(o *Buffer) float64 {
	if !b.box.Equal(o.box) {
		exceptions.Panicf("MaxAbsDiff between buffers of different bounds %s and %s", b.box, o.box)
	}
	var maxDiff float64
	for ii := range b.Size() {
		maxDiff = max(maxDiff, math.Abs(b.AtOffset(ii)-o.AtOffset(ii)))
	}
	return maxDiff
}

// MaxPrintSize is the maximum number of elements printed by Buffer.String.
var MaxPrintSize = 16

// String implements fmt.Stringer. Large buffers are truncated to MaxPrintSize elements.
func (b *Buffer) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)%s[", b.dtype, b.box)
	n := b.Size()
	for ii := range min(n, MaxPrintSize) {
		if ii > 0 {
			sb.WriteString(" ")
		}
		_, _ = fmt.Fprintf(&sb, "%g", b.AtOffset(ii))
	}
	if n > MaxPrintSize {
		_, _ = fmt.Fprintf(&sb, " ...(%d more)", n-MaxPrintSize)
	}
	sb.WriteString("]")
	return sb.String()
}
