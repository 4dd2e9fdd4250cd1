// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bounds defines integer intervals and boxes (one interval per axis) used to describe
// the iteration domains of functions, the extent of reduction domains and the storage of buffers.
//
// ## Glossary
//
//   - Interval: a contiguous range of integers, given by its Min and Extent (number of elements).
//     It covers [Min, Min+Extent).
//   - Box: an ordered list of intervals, one per axis. Axis 0 is the innermost in storage (stride 1).
//   - Empty: an interval with Extent <= 0, or a box with any empty interval. A box of rank 0 is a
//     scalar: it is not empty and has size 1.
package bounds

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
)

// Interval of integers [Min, Min+Extent).
type Interval struct {
	Min, Extent int
}

// Make returns the interval with the given min and extent.
func Make(min, extent int) Interval {
	return Interval{Min: min, Extent: extent}
}

// FromMinMax returns the interval covering [min, max], both inclusive.
func FromMinMax(min, max int) Interval {
	return Interval{Min: min, Extent: max - min + 1}
}

// Point returns the interval with the single value v.
func Point(v int) Interval {
	return Interval{Min: v, Extent: 1}
}

// Max returns the last value included in the interval.
func (i Interval) Max() int { return i.Min + i.Extent - 1 }

// End returns one past the last value of the interval.
func (i Interval) End() int { return i.Min + i.Extent }

// IsEmpty returns whether the interval has no elements.
func (i Interval) IsEmpty() bool { return i.Extent <= 0 }

// Contains returns whether v is in the interval.
func (i Interval) Contains(v int) bool {
	return v >= i.Min && v < i.End()
}

// ContainsInterval returns whether every element of o is in i. The empty interval is contained in anything.
func (i Interval) ContainsInterval(o Interval) bool {
	if o.IsEmpty() {
		return true
	}
	return o.Min >= i.Min && o.End() <= i.End()
}

// Union returns the smallest interval containing both i and o.
func (i Interval) Union(o Interval) Interval {
	if i.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return i
	}
	return FromMinMax(min(i.Min, o.Min), max(i.Max(), o.Max()))
}

// Intersect returns the interval of values in both i and o. The result may be empty.
func (i Interval) Intersect(o Interval) Interval {
	lo := max(i.Min, o.Min)
	hi := min(i.Max(), o.Max())
	if hi < lo {
		return Interval{Min: lo, Extent: 0}
	}
	return FromMinMax(lo, hi)
}

// Shift returns the interval moved by delta.
func (i Interval) Shift(delta int) Interval {
	return Interval{Min: i.Min + delta, Extent: i.Extent}
}

// String implements fmt.Stringer.
func (i Interval) String() string {
	if i.IsEmpty() {
		return fmt.Sprintf("[%d, empty)", i.Min)
	}
	return fmt.Sprintf("[%d, %d]", i.Min, i.Max())
}

// Box is a list of intervals, one per axis.
type Box []Interval

// MakeBox returns a box with the given intervals.
func MakeBox(intervals ...Interval) Box {
	return Box(intervals).Clone()
}

// FromExtents returns a box with all axes starting at 0 and with the given extents.
func FromExtents(extents ...int) Box {
	b := make(Box, len(extents))
	for axis, extent := range extents {
		b[axis] = Interval{Min: 0, Extent: extent}
	}
	return b
}

// Rank is the number of axes of the box.
func (b Box) Rank() int { return len(b) }

// Clone returns a copy of the box.
func (b Box) Clone() Box {
	if b == nil {
		return nil
	}
	return append(Box{}, b...)
}

// Extents returns the extent of each axis.
func (b Box) Extents() []int {
	extents := make([]int, len(b))
	for axis, interval := range b {
		extents[axis] = interval.Extent
	}
	return extents
}

// Size returns the number of points in the box. A rank-0 box has size 1.
func (b Box) Size() int {
	size := 1
	for _, interval := range b {
		if interval.IsEmpty() {
			return 0
		}
		size *= interval.Extent
	}
	return size
}

// IsEmpty returns whether the box has no points.
func (b Box) IsEmpty() bool {
	for _, interval := range b {
		if interval.IsEmpty() {
			return true
		}
	}
	return false
}

// Equal returns whether both boxes have the same intervals.
func (b Box) Equal(o Box) bool {
	if len(b) != len(o) {
		return false
	}
	for axis := range b {
		if b[axis] != o[axis] {
			return false
		}
	}
	return true
}

// Contains returns whether the point idx is inside the box.
func (b Box) Contains(idx []int) bool {
	if len(idx) != len(b) {
		return false
	}
	for axis, v := range idx {
		if !b[axis].Contains(v) {
			return false
		}
	}
	return true
}

// ContainsBox returns whether o is fully inside b. Empty boxes are contained in anything of the same rank.
func (b Box) ContainsBox(o Box) bool {
	if len(b) != len(o) {
		return false
	}
	if o.IsEmpty() {
		return true
	}
	for axis := range b {
		if !b[axis].ContainsInterval(o[axis]) {
			return false
		}
	}
	return true
}

func (b Box) assertSameRank(o Box) {
	if len(b) != len(o) {
		exceptions.Panicf("bounds: boxes of different ranks (%d and %d): %s and %s", len(b), len(o), b, o)
	}
}

// Union returns the smallest box containing both b and o. Empty boxes are ignored.
// It panics if the ranks differ.
func (b Box) Union(o Box) Box {
	b.assertSameRank(o)
	if b.IsEmpty() && len(b) > 0 {
		return o.Clone()
	}
	if o.IsEmpty() && len(o) > 0 {
		return b.Clone()
	}
	u := make(Box, len(b))
	for axis := range b {
		u[axis] = b[axis].Union(o[axis])
	}
	return u
}

// Intersect returns the box of points both in b and o. It panics if the ranks differ.
func (b Box) Intersect(o Box) Box {
	b.assertSameRank(o)
	r := make(Box, len(b))
	for axis := range b {
		r[axis] = b[axis].Intersect(o[axis])
	}
	return r
}

// Strides returns the flat storage stride of each axis, axis 0 being the innermost (stride 1).
func (b Box) Strides() []int {
	strides := make([]int, len(b))
	stride := 1
	for axis, interval := range b {
		strides[axis] = stride
		stride *= max(interval.Extent, 0)
	}
	return strides
}

// String implements fmt.Stringer.
func (b Box) String() string {
	parts := make([]string, len(b))
	for axis, interval := range b {
		parts[axis] = interval.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
