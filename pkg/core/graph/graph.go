// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is used to build symbolic tensor functions (Func), derive their adjoints (reverse-mode gradients)
// and infer the regions over which they need to be computed.
//
// A Graph is an arena of Func, Param and RDom objects. Funcs are defined over pure variables (Var): first a pure
// definition, and then any number of accumulating updates, that may iterate over a reduction domain (RDom):
//
//	g := graph.New("blur")
//	x := g.NewVar("x")
//	input := g.NewParam("input", dtypes.Float32, bounds.FromExtents(10))
//	r := g.NewRDom("r", bounds.Make(0, 3))
//	blur := g.NewFunc("blur", x)
//	blur.Define(graph.Const(0))
//	blur.UpdateAdd(input.At(graph.Add(graph.V(x), graph.R(r.X()))), x)
//
// Nothing is evaluated while building: see package lower and the backends for that.
//
// Building errors (undefined variables, mismatched dimensions, etc.) panic with an error: use
// exceptions.TryCatch[error] to recover them.
//
// Funcs and their definitions are never modified once given: PropagateAdjoints only adds new Funcs to the graph.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
)

// FuncID is the index of a Func in its Graph. It is stable for the lifetime of the Graph.
type FuncID int

// Graph holds the Funcs, Params and reduction domains of a program.
type Graph struct {
	name   string
	funcs  []*Func
	params []*Param
	rdoms  []*RDom

	// names of Funcs and Params, that share one namespace.
	names map[string]bool

	// numSlots is the number of Var and RVar created: each gets a unique slot.
	numSlots int
}

// New creates an empty Graph.
func New(name string) *Graph {
	return &Graph{name: name, names: make(map[string]bool)}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// Funcs returns the Funcs of the graph, ordered by FuncID.
func (g *Graph) Funcs() []*Func {
	return append([]*Func(nil), g.funcs...)
}

// Params returns the input buffers of the graph, in order of creation.
func (g *Graph) Params() []*Param {
	return append([]*Param(nil), g.params...)
}

// FuncByID returns the Func with the given id.
func (g *Graph) FuncByID(id FuncID) *Func {
	return g.funcs[id]
}

// FuncByName returns the Func with the given name, or nil.
func (g *Graph) FuncByName(name string) *Func {
	for _, f := range g.funcs {
		if f.name == name {
			return f
		}
	}
	return nil
}

// ParamByName returns the Param with the given name, or nil.
func (g *Graph) ParamByName(name string) *Param {
	for _, p := range g.params {
		if p.name == name {
			return p
		}
	}
	return nil
}

// NumSlots returns the number of variables (pure and reduction) created so far. Each variable has a Slot in
// [0, NumSlots).
func (g *Graph) NumSlots() int { return g.numSlots }

func (g *Graph) nextSlot() int {
	slot := g.numSlots
	g.numSlots++
	return slot
}

// uniqueName returns name, or name with a numeric suffix if it is already in use by a Func or Param.
func (g *Graph) uniqueName(name string) string {
	if !g.names[name] {
		g.names[name] = true
		return name
	}
	for ii := 1; ; ii++ {
		candidate := fmt.Sprintf("%s_%d", name, ii)
		if !g.names[candidate] {
			g.names[candidate] = true
			return candidate
		}
	}
}

// NewParam creates an input buffer of the graph, with the declared dtype and bounds.
func (g *Graph) NewParam(name string, dtype dtypes.DType, box bounds.Box) *Param {
	p := &Param{
		graph: g,
		id:    len(g.params),
		name:  g.uniqueName(name),
		dtype: dtype,
		box:   box.Clone(),
	}
	g.params = append(g.params, p)
	return p
}

// String lists all the Funcs definitions.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q:\n", g.name)
	for _, p := range g.params {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", p)
	}
	for _, f := range g.funcs {
		for _, line := range strings.Split(f.String(), "\n") {
			_, _ = fmt.Fprintf(&sb, "\t%s\n", line)
		}
	}
	return sb.String()
}
