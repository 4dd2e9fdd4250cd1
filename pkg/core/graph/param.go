// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
)

// Param is an input buffer of the graph, with declared per-axis bounds.
// Its values are only given when the graph is executed.
type Param struct {
	graph *Graph
	id    int
	name  string
	dtype dtypes.DType
	box   bounds.Box
}

// Name of the input buffer.
func (p *Param) Name() string { return p.name }

// ID is the position of the Param in Graph.Params.
func (p *Param) ID() int { return p.id }

// Graph the param belongs to.
func (p *Param) Graph() *Graph { return p.graph }

// DType of the buffer elements.
func (p *Param) DType() dtypes.DType { return p.dtype }

// Bounds returns a copy of the declared bounds of the buffer.
func (p *Param) Bounds() bounds.Box { return p.box.Clone() }

// Rank is the number of axes of the buffer.
func (p *Param) Rank() int { return len(p.box) }

// Dim returns the declared interval of the given axis.
func (p *Param) Dim(axis int) bounds.Interval { return p.box[axis] }

// At returns an expression reading the buffer at the given index. Each argument can be a *Var, an *RVar,
// an int or an Int *Expr.
func (p *Param) At(args ...any) *Expr {
	if len(args) != len(p.box) {
		panicf(ErrDimensionMismatch, "param %q has rank %d, but it was indexed with %d arguments", p.name, len(p.box), len(args))
	}
	return newExpr(KindParam, FloatType, indexArgs(p.name, args), func(e *Expr) { e.param = p })
}

// String implements fmt.Stringer.
func (p *Param) String() string {
	return fmt.Sprintf("param %s: (%s)%s", p.name, p.dtype, p.box)
}
