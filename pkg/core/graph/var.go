// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
)

// LoopVar is a variable that can be iterated over: a pure variable (*Var) or a reduction variable (*RVar).
type LoopVar interface {
	Name() string

	// Slot is the unique index of the variable in the graph, in [0, Graph.NumSlots).
	Slot() int

	// IsReduction returns true for reduction variables.
	IsReduction() bool
}

// Var is a pure variable: one of the dimensions of a Func.
// The same Var can be used as a dimension by multiple Funcs.
type Var struct {
	graph *Graph
	name  string
	slot  int
}

// NewVar creates a new pure variable.
func (g *Graph) NewVar(name string) *Var {
	return &Var{graph: g, name: name, slot: g.nextSlot()}
}

// NewVars creates one new pure variable per name.
func (g *Graph) NewVars(names ...string) []*Var {
	vars := make([]*Var, len(names))
	for ii, name := range names {
		vars[ii] = g.NewVar(name)
	}
	return vars
}

// Name of the variable.
func (v *Var) Name() string { return v.name }

// Slot implements LoopVar.
func (v *Var) Slot() int { return v.slot }

// IsReduction implements LoopVar.
func (v *Var) IsReduction() bool { return false }

// Graph the variable belongs to.
func (v *Var) Graph() *Graph { return v.graph }

// String implements fmt.Stringer.
func (v *Var) String() string { return v.name }

// RVar is a reduction variable: one axis of a reduction domain (RDom), iterating over a fixed interval.
type RVar struct {
	rdom     *RDom
	axis     int
	name     string
	interval bounds.Interval
	slot     int
}

// Name of the reduction variable.
func (rv *RVar) Name() string { return rv.name }

// Slot implements LoopVar.
func (rv *RVar) Slot() int { return rv.slot }

// IsReduction implements LoopVar.
func (rv *RVar) IsReduction() bool { return true }

// RDom returns the reduction domain the variable belongs to.
func (rv *RVar) RDom() *RDom { return rv.rdom }

// Axis is the position of the variable in its RDom.
func (rv *RVar) Axis() int { return rv.axis }

// Interval the variable iterates over.
func (rv *RVar) Interval() bounds.Interval { return rv.interval }

// String implements fmt.Stringer.
func (rv *RVar) String() string { return rv.name }
