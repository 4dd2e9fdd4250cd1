// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lower turns a scheduled graph into a Pipeline: the ordered list of Funcs to materialize (realizations),
// each with the explicit loop nest of every one of its definitions.
//
// Funcs with only a pure definition and no directives are inlined into their consumers. Every other Func reached
// from the outputs is realized over the region inferred for it, producers before consumers.
//
// The Pipeline is executed by a backend, see package backends.
package lower

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/gomlx/tensorfunc/pkg/core/graph"
	"github.com/gomlx/tensorfunc/pkg/core/schedule"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrParamOutOfBounds is returned when the pipeline needs to read an input buffer beyond its declared bounds.
var ErrParamOutOfBounds = errors.New("input read out of its declared bounds")

// LoopKind is how the iterations of a loop are executed.
type LoopKind int

const (
	Serial LoopKind = iota
	Parallel
	Vectorized
	Unrolled
)

var loopKindNames = []string{"for", "parallel", "vectorized", "unrolled"}

// String implements fmt.Stringer.
func (k LoopKind) String() string { return loopKindNames[k] }

// LoopPart tells which part of a variable's range a loop iterates.
type LoopPart int

const (
	// Whole loops iterate over the full range of the variable.
	Whole LoopPart = iota

	// Outer loops iterate over the blocks of Factor values of a split variable.
	Outer

	// Inner loops iterate within one block of a split variable: [0, Factor).
	Inner
)

// Loop is one level of a loop nest.
type Loop struct {
	Var  graph.LoopVar
	Part LoopPart
	Kind LoopKind

	// Range of the variable.
	Range bounds.Interval

	// Factor of the split, for Outer and Inner loops.
	Factor int
}

// Extent is the number of iterations of the loop.
func (l Loop) Extent() int {
	switch l.Part {
	case Outer:
		return (max(l.Range.Extent, 0) + l.Factor - 1) / l.Factor
	case Inner:
		return l.Factor
	}
	return max(l.Range.Extent, 0)
}

// String implements fmt.Stringer.
func (l Loop) String() string {
	switch l.Part {
	case Outer:
		return fmt.Sprintf("%s %s.outer in [0, %d) (%s in %s, step %d)", l.Kind, l.Var.Name(), l.Extent(), l.Var.Name(), l.Range, l.Factor)
	case Inner:
		return fmt.Sprintf("%s %s.inner in [0, %d)", l.Kind, l.Var.Name(), l.Factor)
	}
	return fmt.Sprintf("%s %s in %s", l.Kind, l.Var.Name(), l.Range)
}

// StageNest is the loop nest of one definition.
type StageNest struct {
	Definition *graph.Definition
	Key        schedule.StageKey

	// Loops, outermost first.
	Loops []Loop

	// Atomic is set when concurrent iterations may accumulate into the same locations: additions must then be
	// atomic. Only race-tolerant stages get parallel loops over such variables.
	Atomic bool
}

// Realization is a Func materialized into a buffer.
type Realization struct {
	Func   *graph.Func
	Box    bounds.Box
	Stages []*StageNest
}

// Pipeline is the lowered program.
type Pipeline struct {
	Graph    *graph.Graph
	Schedule *schedule.Schedule
	Regions  *graph.Regions

	// Outputs sorted by FuncID.
	Outputs []*graph.Func

	// Realizations in execution order: producers first.
	Realizations []*Realization

	// Inlined lists the Funcs computed at their call sites.
	Inlined []*graph.Func
}

// IsInlined returns whether f is computed at its call sites.
func (p *Pipeline) IsInlined(f *graph.Func) bool {
	return slices.Contains(p.Inlined, f)
}

// Realization returns the realization of f, or nil if it is inlined or not used.
func (p *Pipeline) Realization(f *graph.Func) *Realization {
	for _, r := range p.Realizations {
		if r.Func == f {
			return r
		}
	}
	return nil
}

// Lower creates the Pipeline computing the requested regions of the output Funcs, following the schedule.
func Lower(s *schedule.Schedule, outputs map[*graph.Func]bounds.Box) (*Pipeline, error) {
	g := s.Graph()
	if len(outputs) == 0 {
		return nil, errors.New("Lower: no outputs requested")
	}
	regions, err := g.InferBounds(outputs)
	if err != nil {
		return nil, errors.WithMessage(err, "Lower: bounds inference failed")
	}
	for param, required := range regions.Params {
		if !param.Bounds().ContainsBox(required) {
			return nil, errors.Wrapf(ErrParamOutOfBounds, "Lower: param %q declared with bounds %s, but region %s is read",
				param.Name(), param.Bounds(), required)
		}
	}

	p := &Pipeline{Graph: g, Schedule: s, Regions: regions}
	for f := range outputs {
		p.Outputs = append(p.Outputs, f)
	}
	slices.SortFunc(p.Outputs, func(a, b *graph.Func) int { return int(a.ID()) - int(b.ID()) })

	for ii := len(regions.Order) - 1; ii >= 0; ii-- {
		f := regions.Order[ii]
		if !p.materialized(f, outputs) {
			p.Inlined = append(p.Inlined, f)
			continue
		}
		box, _ := regions.Of(f)
		r := &Realization{Func: f, Box: box}
		for _, def := range f.Definitions() {
			r.Stages = append(r.Stages, lowerStage(s, def, box))
		}
		p.Realizations = append(p.Realizations, r)
	}
	if klog.V(1).Enabled() {
		names := make([]string, len(p.Realizations))
		for ii, r := range p.Realizations {
			names[ii] = r.Func.Name()
		}
		klog.Infof("Lower(%q): %d realizations %v, %d inlined funcs", g.Name(), len(p.Realizations), names, len(p.Inlined))
	}
	if klog.V(2).Enabled() {
		klog.Infof("Lower(%q) loop nests:\n%s", g.Name(), p)
	}
	return p, nil
}

func (p *Pipeline) materialized(f *graph.Func, outputs map[*graph.Func]bounds.Box) bool {
	if _, isOutput := outputs[f]; isOutput {
		return true
	}
	if p.Schedule.HasDirectives(f) {
		return true
	}
	if f.NumUpdates() > 0 {
		klog.V(1).Infof("Lower: func %q has updates and is materialized, even without ComputeRoot", f.Name())
		return true
	}
	return false
}

// lowerStage builds the loop nest of a definition: default order (reduction variables innermost, then the pure
// loop variables in dims order), modified by the directives in the order they were attached.
func lowerStage(s *schedule.Schedule, def *graph.Definition, region bounds.Box) *StageNest {
	key := schedule.StageKey{Func: def.Func().ID(), Update: def.Index()}
	ranges := def.LoopRanges(region)

	// loops is kept innermost first while applying the directives.
	var loops []Loop
	for _, v := range schedule.LoopVars(def) {
		loops = append(loops, Loop{Var: v, Part: Whole, Kind: Serial, Range: ranges[v]})
	}
	// find returns the index of the loop addressed by v: the whole loop, or the outer loop if it was split.
	find := func(v graph.LoopVar) int {
		for ii, loop := range loops {
			if loop.Var == v && loop.Part != Inner {
				return ii
			}
		}
		return -1
	}

	nest := &StageNest{Definition: def, Key: key}
	raceTolerant := false
	for _, d := range s.Directives(key) {
		switch d.Kind {
		case schedule.DirectiveAllowRaceConditions:
			raceTolerant = true
		case schedule.DirectiveParallel:
			ii := find(d.Var)
			loops[ii].Kind = Parallel
			if raceTolerant && schedule.IsRacing(def, d.Var) {
				nest.Atomic = true
			}
		case schedule.DirectiveVectorize, schedule.DirectiveUnroll:
			ii := find(d.Var)
			kind := Vectorized
			if d.Kind == schedule.DirectiveUnroll {
				kind = Unrolled
			}
			outer := loops[ii]
			outer.Part, outer.Factor = Outer, d.Factor
			inner := Loop{Var: d.Var, Part: Inner, Kind: kind, Range: outer.Range, Factor: d.Factor}
			loops = slices.Insert(loops, ii, inner)
			loops[ii+1] = outer
		case schedule.DirectiveReorder:
			positions := make([]int, len(d.Order))
			for jj, v := range d.Order {
				positions[jj] = find(v)
			}
			reordered := make([]Loop, len(d.Order))
			for jj, pos := range positions {
				reordered[jj] = loops[pos]
			}
			slices.Sort(positions)
			for jj, pos := range positions {
				loops[pos] = reordered[jj]
			}
		}
	}
	slices.Reverse(loops)
	nest.Loops = loops
	return nest
}

// String lists the loop nests of the pipeline.
func (p *Pipeline) String() string {
	var sb strings.Builder
	for _, f := range p.Inlined {
		_, _ = fmt.Fprintf(&sb, "inline %s\n", f.Pure())
	}
	for _, r := range p.Realizations {
		_, _ = fmt.Fprintf(&sb, "realize %s %s:\n", r.Func.Name(), r.Box)
		for _, stage := range r.Stages {
			indent := "  "
			for _, loop := range stage.Loops {
				_, _ = fmt.Fprintf(&sb, "%s%s:\n", indent, loop)
				indent += "  "
			}
			atomic := ""
			if stage.Atomic {
				atomic = "atomic "
			}
			_, _ = fmt.Fprintf(&sb, "%s%s%s\n", indent, atomic, stage.Definition)
		}
	}
	return sb.String()
}
