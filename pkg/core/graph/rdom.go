// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
)

// RDom is a reduction domain: an ordered list of reduction variables (RVar), each iterating over an interval.
// The first variable is the innermost in the default loop order.
type RDom struct {
	graph *Graph
	id    int
	name  string
	vars  []*RVar
}

var rvarSuffixes = []string{"x", "y", "z", "w"}

// NewRDom creates a reduction domain with one reduction variable per interval. The variables are named
// name.x, name.y, name.z, name.w, and then name.4, name.5, etc.
func (g *Graph) NewRDom(name string, intervals ...bounds.Interval) *RDom {
	rdom := &RDom{graph: g, id: len(g.rdoms), name: name}
	for axis, interval := range intervals {
		if interval.Extent < 0 {
			exceptions.Panicf("NewRDom(%q): axis %d has negative extent %d", name, axis, interval.Extent)
		}
		suffix := fmt.Sprintf("%d", axis)
		if axis < len(rvarSuffixes) {
			suffix = rvarSuffixes[axis]
		}
		rdom.vars = append(rdom.vars, &RVar{
			rdom:     rdom,
			axis:     axis,
			name:     name + "." + suffix,
			interval: interval,
			slot:     g.nextSlot(),
		})
	}
	g.rdoms = append(g.rdoms, rdom)
	return rdom
}

// RDomOver creates a reduction domain spanning the declared bounds of the input buffer p, one reduction variable
// per axis.
func (g *Graph) RDomOver(p *Param) *RDom {
	if p.graph != g {
		panicf(ErrDomainNotInScope, "RDomOver(%s): param belongs to graph %q, not %q", p.name, p.graph.name, g.name)
	}
	return g.NewRDom("r_"+p.name, p.box...)
}

// newRDomFromVars creates a reduction domain whose variables have the given names and intervals.
func (g *Graph) newRDomFromVars(name string, names []string, intervals []bounds.Interval) *RDom {
	rdom := g.NewRDom(name, intervals...)
	for axis, rvName := range names {
		rdom.vars[axis].name = rvName
	}
	return rdom
}

// Name of the reduction domain.
func (r *RDom) Name() string { return r.name }

// Graph the domain belongs to.
func (r *RDom) Graph() *Graph { return r.graph }

// Len returns the number of reduction variables.
func (r *RDom) Len() int { return len(r.vars) }

// Var returns the reduction variable of the given axis.
func (r *RDom) Var(axis int) *RVar {
	if axis < 0 || axis >= len(r.vars) {
		panicf(ErrUnboundReductionVariable, "RDom %q has %d variables, axis %d requested", r.name, len(r.vars), axis)
	}
	return r.vars[axis]
}

// X returns the reduction variable of axis 0.
func (r *RDom) X() *RVar { return r.Var(0) }

// Y returns the reduction variable of axis 1.
func (r *RDom) Y() *RVar { return r.Var(1) }

// Z returns the reduction variable of axis 2.
func (r *RDom) Z() *RVar { return r.Var(2) }

// W returns the reduction variable of axis 3.
func (r *RDom) W() *RVar { return r.Var(3) }

// Vars returns all the reduction variables, in axis order.
func (r *RDom) Vars() []*RVar {
	return append([]*RVar(nil), r.vars...)
}

// Box returns the intervals of all reduction variables.
func (r *RDom) Box() bounds.Box {
	box := make(bounds.Box, len(r.vars))
	for axis, rv := range r.vars {
		box[axis] = rv.interval
	}
	return box
}

// Size is the number of points iterated by the domain.
func (r *RDom) Size() int { return r.Box().Size() }

// String implements fmt.Stringer.
func (r *RDom) String() string {
	parts := make([]string, len(r.vars))
	for axis, rv := range r.vars {
		parts[axis] = fmt.Sprintf("%s in %s", rv.name, rv.interval)
	}
	return fmt.Sprintf("%s{%s}", r.name, strings.Join(parts, ", "))
}
