// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/pkg/errors"
)

// Regions holds the result of bounds inference: the region of each Func and Param that needs to be available to
// compute the requested regions.
type Regions struct {
	// Funcs maps each Func reached to the box of points that must be computed.
	Funcs map[FuncID]bounds.Box

	// Params maps each Param read to the box of points read. It may exceed the declared bounds of the param,
	// in which case the program can't be run.
	Params map[*Param]bounds.Box

	// Order lists the Funcs reached, consumers first: each Func comes before all the Funcs it reads.
	Order []*Func
}

// Of returns the region of f, and whether f was reached.
func (r *Regions) Of(f *Func) (bounds.Box, bool) {
	box, ok := r.Funcs[f.id]
	return box, ok
}

// InferBounds computes the region of every Func needed to produce the requested regions of the requested Funcs.
//
// The region of a Func is the union of the footprints of all its call sites (each call argument bounded by
// interval arithmetic over the ranges of the loop variables of the definition) plus the points written by its
// own updates.
func (g *Graph) InferBounds(requests map[*Func]bounds.Box) (*Regions, error) {
	for f, box := range requests {
		if len(box) != len(f.dims) {
			return nil, errors.Wrapf(ErrDimensionMismatch, "region %s requested for %q, which has rank %d", box, f.name, len(f.dims))
		}
	}
	order, err := g.consumersFirst(requests)
	if err != nil {
		return nil, err
	}
	regions := &Regions{
		Funcs:  make(map[FuncID]bounds.Box, len(order)),
		Params: make(map[*Param]bounds.Box),
		Order:  order,
	}
	for f, box := range requests {
		regions.Funcs[f.id] = box.Clone()
	}

	for _, f := range order {
		region, found := regions.Funcs[f.id]
		if !found {
			// Not read: the only way is an empty footprint.
			continue
		}
		// Points written by the updates.
		for _, def := range f.updates {
			ranges := def.LoopRanges(region)
			written := make(bounds.Box, len(f.dims))
			for ii, arg := range def.args {
				var err error
				written[ii], err = argInterval(arg, def.guards, ranges)
				if err != nil {
					return nil, errors.WithMessagef(err, "update #%d of %q, argument #%d", def.index, f.name, ii)
				}
			}
			region = region.Union(written)
		}
		regions.Funcs[f.id] = region

		// Footprints of the calls of each definition.
		for _, def := range f.Definitions() {
			ranges := def.LoopRanges(region)
			for _, call := range usageOf(def.rhs).calls {
				footprint := make(bounds.Box, len(call.operands))
				for ii, arg := range call.operands {
					var err error
					footprint[ii], err = argInterval(arg, def.guards, ranges)
					if err != nil {
						return nil, errors.WithMessagef(err, "definition of %q, reading %s", f.name, call)
					}
				}
				if call.kind == KindCall {
					if previous, ok := regions.Funcs[call.fn.id]; ok {
						footprint = previous.Union(footprint)
					}
					regions.Funcs[call.fn.id] = footprint
				} else {
					if previous, ok := regions.Params[call.param]; ok {
						footprint = previous.Union(footprint)
					}
					regions.Params[call.param] = footprint
				}
			}
		}
	}
	return regions, nil
}

// consumersFirst returns the Funcs reachable from the requested ones, ordered so that each Func comes before
// the Funcs it reads.
func (g *Graph) consumersFirst(requests map[*Func]bounds.Box) ([]*Func, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.funcs))
	var postOrder []*Func
	var visit func(f *Func) error
	visit = func(f *Func) error {
		switch state[f.id] {
		case done:
			return nil
		case visiting:
			return errors.Wrapf(ErrCycle, "func %q is part of a cycle", f.name)
		}
		if f.graph != g {
			return errors.Wrapf(ErrDomainNotInScope, "func %q belongs to graph %q, not %q", f.name, f.graph.name, g.name)
		}
		if f.pure == nil {
			return errors.Wrapf(ErrUndefinedPure, "func %q is used but was never defined", f.name)
		}
		state[f.id] = visiting
		for _, def := range f.Definitions() {
			for _, callee := range usageOf(def.rhs).funcs {
				if err := visit(callee); err != nil {
					return err
				}
			}
		}
		state[f.id] = done
		postOrder = append(postOrder, f)
		return nil
	}
	// Visit requests in FuncID order, for a deterministic result.
	for _, f := range g.funcs {
		if _, ok := requests[f]; ok {
			if err := visit(f); err != nil {
				return nil, err
			}
		}
	}
	for f := range requests {
		if f.graph != g {
			return nil, errors.Wrapf(ErrDomainNotInScope, "func %q requested from graph %q", f.name, g.name)
		}
	}
	order := make([]*Func, len(postOrder))
	for ii, f := range postOrder {
		order[len(postOrder)-1-ii] = f
	}
	return order, nil
}

// LoopRanges returns the range of each variable iterated by the definition, given the region of its Func,
// tightened by the guards of the definition.
func (d *Definition) LoopRanges(region bounds.Box) map[LoopVar]bounds.Interval {
	ranges := make(map[LoopVar]bounds.Interval)
	for _, v := range d.loopVars {
		ranges[v] = region[d.LoopVarPosition(v)]
	}
	for _, rv := range d.RVars() {
		ranges[rv] = rv.interval
	}
	for _, guard := range d.guards {
		index := guard.Index
		switch index.kind {
		case KindVar:
			ranges[index.v] = ranges[index.v].Intersect(guard.Interval)
			continue
		case KindRVar:
			ranges[index.rv] = ranges[index.rv].Intersect(guard.Interval)
			continue
		}
		// index = ±v + rest, on a single pure loop variable v.
		u := usageOf(index)
		if len(u.vars) != 1 {
			continue
		}
		v := u.vars[0]
		coef, rest, ok := linearTerm(index, v)
		if !ok || (coef != 1 && coef != -1) {
			continue
		}
		restRange, err := IntervalOf(rest, ranges)
		if err != nil || restRange.IsEmpty() {
			continue
		}
		var tight bounds.Interval
		if coef == 1 {
			tight = bounds.FromMinMax(guard.Interval.Min-restRange.Max(), guard.Interval.Max()-restRange.Min)
		} else {
			tight = bounds.FromMinMax(restRange.Min-guard.Interval.Max(), restRange.Max()-guard.Interval.Min)
		}
		ranges[v] = ranges[v].Intersect(tight)
	}
	return ranges
}

// argInterval bounds an index argument, restricted by a guard on the same expression, if any.
func argInterval(arg *Expr, guards []Guard, ranges map[LoopVar]bounds.Interval) (bounds.Interval, error) {
	interval, err := IntervalOf(arg, ranges)
	if err != nil {
		return interval, err
	}
	for _, guard := range guards {
		if SameExpr(guard.Index, arg) {
			interval = interval.Intersect(guard.Interval)
		}
	}
	return interval, nil
}

// IntervalOf bounds the values of the Int expression e, given the range of each variable it uses.
func IntervalOf(e *Expr, ranges map[LoopVar]bounds.Interval) (bounds.Interval, error) {
	if e.vtype != IntType {
		return bounds.Interval{}, errors.Wrapf(ErrUnboundedIndex, "%s is a %s expression", e, e.vtype)
	}
	switch e.kind {
	case KindConst:
		return bounds.Point(int(e.value)), nil
	case KindVar:
		if r, ok := ranges[e.v]; ok {
			return r, nil
		}
		return bounds.Interval{}, errors.Wrapf(ErrUnboundVariable, "variable %q has no range in %s", e.v.name, e)
	case KindRVar:
		if r, ok := ranges[e.rv]; ok {
			return r, nil
		}
		return e.rv.interval, nil
	}

	operands := make([]bounds.Interval, len(e.operands))
	for ii, operand := range e.operands {
		if operand.vtype == BoolType {
			continue
		}
		var err error
		operands[ii], err = IntervalOf(operand, ranges)
		if err != nil {
			return bounds.Interval{}, err
		}
		if operands[ii].IsEmpty() {
			return operands[ii], nil
		}
	}

	switch e.kind {
	case KindNeg:
		a := operands[0]
		return bounds.FromMinMax(-a.Max(), -a.Min), nil
	case KindAbs:
		a := operands[0]
		if a.Min >= 0 {
			return a, nil
		}
		if a.Max() <= 0 {
			return bounds.FromMinMax(-a.Max(), -a.Min), nil
		}
		return bounds.FromMinMax(0, max(-a.Min, a.Max())), nil
	case KindAdd:
		a, b := operands[0], operands[1]
		return bounds.FromMinMax(a.Min+b.Min, a.Max()+b.Max()), nil
	case KindSub:
		a, b := operands[0], operands[1]
		return bounds.FromMinMax(a.Min-b.Max(), a.Max()-b.Min), nil
	case KindMul:
		a, b := operands[0], operands[1]
		return cornerInterval(a, b, func(x, y int) int { return x * y }), nil
	case KindDiv:
		a, b := operands[0], operands[1]
		if b.Min <= 0 && b.Max() >= 0 {
			return bounds.Interval{}, errors.Wrapf(ErrUnboundedIndex, "divisor of %s may be zero", e)
		}
		return cornerInterval(a, b, FloorDiv), nil
	case KindMax:
		a, b := operands[0], operands[1]
		return bounds.FromMinMax(max(a.Min, b.Min), max(a.Max(), b.Max())), nil
	case KindMin:
		a, b := operands[0], operands[1]
		return bounds.FromMinMax(min(a.Min, b.Min), min(a.Max(), b.Max())), nil
	case KindSelect:
		return operands[1].Union(operands[2]), nil
	}
	return bounds.Interval{}, errors.Wrapf(ErrUnboundedIndex, "can't bound %s expression %s", e.kind, e)
}

// cornerInterval returns the interval spanning op applied to the corners of a and b, valid for monotonic
// operations on each axis.
func cornerInterval(a, b bounds.Interval, op func(x, y int) int) bounds.Interval {
	lo, hi := math.MaxInt, math.MinInt
	for _, x := range []int{a.Min, a.Max()} {
		for _, y := range []int{b.Min, b.Max()} {
			v := op(x, y)
			lo, hi = min(lo, v), max(hi, v)
		}
	}
	return bounds.FromMinMax(lo, hi)
}
