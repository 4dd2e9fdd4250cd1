// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule holds the directives controlling how each Func definition of a graph is lowered into loops:
// which Funcs are materialized, and which loops are parallel, vectorized, unrolled or reordered.
//
// Directives are attached to a stage, the pure definition or one update of a Func, and never change the graph
// itself. Each directive is validated as it is attached, and an invalid one panics with an error wrapping
// ErrIllegalSchedule or ErrVarNotInStage:
//
//	s := schedule.New(g)
//	s.Func(conv).ComputeRoot().Parallel(n).Vectorize(x, 8)
//	s.Update(dFilter, 0).AllowRaceConditions().Vectorize(rConv.X(), 4)
package schedule

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/tensorfunc/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrIllegalSchedule is raised when a directive can't be applied to a stage.
	ErrIllegalSchedule = errors.New("illegal schedule")

	// ErrVarNotInStage is raised when a directive names a variable the stage doesn't iterate over.
	ErrVarNotInStage = errors.New("variable not in stage")
)

func panicf(sentinel error, format string, args ...any) {
	panic(errors.WithStack(errors.WithMessagef(sentinel, format, args...)))
}

// StageKey identifies a definition of a Func: Update is graph.PureStage for the pure definition.
type StageKey struct {
	Func   graph.FuncID
	Update int
}

// DirectiveKind enumerates the schedule directives.
type DirectiveKind int

const (
	// DirectiveComputeRoot materializes the whole Func before any consumer reads it.
	DirectiveComputeRoot DirectiveKind = iota

	// DirectiveParallel runs the iterations of a loop concurrently.
	DirectiveParallel

	// DirectiveVectorize splits a loop by Factor, and runs the inner loop as vector lanes.
	DirectiveVectorize

	// DirectiveUnroll splits a loop by Factor, and unrolls the inner loop.
	DirectiveUnroll

	// DirectiveReorder changes the nesting of the loops: Vars are listed innermost first.
	DirectiveReorder

	// DirectiveAllowRaceConditions accepts concurrent writes to the same location, accumulated atomically in
	// any order, for the parallel or vectorized loops of the stage.
	DirectiveAllowRaceConditions
)

var directiveNames = []string{"ComputeRoot", "Parallel", "Vectorize", "Unroll", "Reorder", "AllowRaceConditions"}

// String implements fmt.Stringer.
func (k DirectiveKind) String() string {
	if int(k) >= 0 && int(k) < len(directiveNames) {
		return directiveNames[k]
	}
	return fmt.Sprintf("DirectiveKind(%d)", int(k))
}

// Directive is one schedule annotation.
type Directive struct {
	Kind DirectiveKind

	// Var is the loop the directive applies to, for Parallel, Vectorize and Unroll.
	Var graph.LoopVar

	// Factor is the vector width or unroll factor.
	Factor int

	// Order for Reorder, innermost first.
	Order []graph.LoopVar
}

// String implements fmt.Stringer.
func (d Directive) String() string {
	switch d.Kind {
	case DirectiveParallel:
		return fmt.Sprintf("Parallel(%s)", d.Var.Name())
	case DirectiveVectorize, DirectiveUnroll:
		return fmt.Sprintf("%s(%s, %d)", d.Kind, d.Var.Name(), d.Factor)
	case DirectiveReorder:
		names := make([]string, len(d.Order))
		for ii, v := range d.Order {
			names[ii] = v.Name()
		}
		return fmt.Sprintf("Reorder(%s)", strings.Join(names, ", "))
	}
	return d.Kind.String() + "()"
}

// Schedule maps stages of a graph to their directives.
type Schedule struct {
	graph  *graph.Graph
	stages map[StageKey][]Directive
}

// New creates an empty schedule for the graph.
func New(g *graph.Graph) *Schedule {
	return &Schedule{graph: g, stages: make(map[StageKey][]Directive)}
}

// Graph the schedule applies to.
func (s *Schedule) Graph() *graph.Graph { return s.graph }

// Func returns the pure stage of f.
func (s *Schedule) Func(f *graph.Func) *Stage {
	return s.stage(f, graph.PureStage)
}

// Update returns the stage of the given update of f.
func (s *Schedule) Update(f *graph.Func, update int) *Stage {
	return s.stage(f, update)
}

func (s *Schedule) stage(f *graph.Func, update int) *Stage {
	if f.Graph() != s.graph {
		panicf(ErrIllegalSchedule, "func %q belongs to graph %q, not to the scheduled graph %q", f.Name(), f.Graph().Name(), s.graph.Name())
	}
	if !f.HasPure() {
		panicf(ErrIllegalSchedule, "func %q has no definition to schedule", f.Name())
	}
	if update != graph.PureStage && (update < 0 || update >= f.NumUpdates()) {
		panicf(ErrIllegalSchedule, "func %q has %d updates, can't schedule update #%d", f.Name(), f.NumUpdates(), update)
	}
	return &Stage{schedule: s, fn: f, def: f.Definition(update), key: StageKey{Func: f.ID(), Update: update}}
}

// Directives returns a copy of the directives of the stage, in the order they were attached.
func (s *Schedule) Directives(key StageKey) []Directive {
	directives := s.stages[key]
	copied := make([]Directive, len(directives))
	for ii, d := range directives {
		d.Order = slices.Clone(d.Order)
		copied[ii] = d
	}
	return copied
}

// Stages returns the keys of the stages with directives, sorted.
func (s *Schedule) Stages() []StageKey {
	keys := make([]StageKey, 0, len(s.stages))
	for key := range s.stages {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b StageKey) int {
		if a.Func != b.Func {
			return int(a.Func) - int(b.Func)
		}
		return a.Update - b.Update
	})
	return keys
}

// IsComputeRoot returns whether f was marked to be materialized.
func (s *Schedule) IsComputeRoot(f *graph.Func) bool {
	for _, d := range s.stages[StageKey{Func: f.ID(), Update: graph.PureStage}] {
		if d.Kind == DirectiveComputeRoot {
			return true
		}
	}
	return false
}

// HasDirectives returns whether any stage of f has directives.
func (s *Schedule) HasDirectives(f *graph.Func) bool {
	for key := range s.stages {
		if key.Func == f.ID() {
			return true
		}
	}
	return false
}

// String lists the directives of all stages.
func (s *Schedule) String() string {
	var sb strings.Builder
	for _, key := range s.Stages() {
		f := s.graph.FuncByID(key.Func)
		_, _ = fmt.Fprintf(&sb, "%s", stageName(f, key.Update))
		for _, d := range s.stages[key] {
			_, _ = fmt.Fprintf(&sb, ".%s", d)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func stageName(f *graph.Func, update int) string {
	if update == graph.PureStage {
		return f.Name()
	}
	return fmt.Sprintf("%s.update(%d)", f.Name(), update)
}

// Stage is a handle to attach directives to one definition of a Func.
type Stage struct {
	schedule *Schedule
	fn       *graph.Func
	def      *graph.Definition
	key      StageKey
}

// Key of the stage.
func (st *Stage) Key() StageKey { return st.key }

// Definition scheduled by the stage.
func (st *Stage) Definition() *graph.Definition { return st.def }

// Directives attached to the stage so far.
func (st *Stage) Directives() []Directive { return st.schedule.Directives(st.key) }

// String implements fmt.Stringer.
func (st *Stage) String() string { return stageName(st.fn, st.key.Update) }

func (st *Stage) attach(d Directive) *Stage {
	st.schedule.stages[st.key] = append(st.schedule.stages[st.key], d)
	klog.V(2).Infof("schedule: %s.%s", st, d)
	return st
}

// ComputeRoot materializes the whole Func before any consumer reads it. Only valid on the pure stage.
func (st *Stage) ComputeRoot() *Stage {
	if st.key.Update != graph.PureStage {
		panicf(ErrIllegalSchedule, "%s: ComputeRoot applies to the whole func, use it on the pure stage", st)
	}
	return st.attach(Directive{Kind: DirectiveComputeRoot})
}

// Parallel runs the iterations of the loop over v concurrently. If v was split by Vectorize or Unroll, it refers
// to the outer loop.
func (st *Stage) Parallel(v graph.LoopVar) *Stage {
	st.checkVar("Parallel", v)
	if st.find(DirectiveParallel, v) {
		panicf(ErrIllegalSchedule, "%s: %s is already parallel", st, v.Name())
	}
	st.checkRaces("Parallel", v)
	return st.attach(Directive{Kind: DirectiveParallel, Var: v})
}

// Vectorize splits the loop over v by width, and runs the inner loop as vector lanes.
func (st *Stage) Vectorize(v graph.LoopVar, width int) *Stage {
	st.checkSplit("Vectorize", v, width)
	st.checkRaces("Vectorize", v)
	return st.attach(Directive{Kind: DirectiveVectorize, Var: v, Factor: width})
}

// Unroll splits the loop over v by factor, and unrolls the inner loop.
func (st *Stage) Unroll(v graph.LoopVar, factor int) *Stage {
	st.checkSplit("Unroll", v, factor)
	return st.attach(Directive{Kind: DirectiveUnroll, Var: v, Factor: factor})
}

// Reorder changes the nesting of the listed loops, innermost first. Loops not listed keep their position.
func (st *Stage) Reorder(vars ...graph.LoopVar) *Stage {
	if len(vars) < 2 {
		panicf(ErrIllegalSchedule, "%s: Reorder needs at least 2 variables, got %d", st, len(vars))
	}
	seen := make(map[graph.LoopVar]bool, len(vars))
	for _, v := range vars {
		st.checkVar("Reorder", v)
		if seen[v] {
			panicf(ErrIllegalSchedule, "%s: Reorder lists %s more than once", st, v.Name())
		}
		seen[v] = true
	}
	return st.attach(Directive{Kind: DirectiveReorder, Order: slices.Clone(vars)})
}

// AllowRaceConditions accepts that the parallel or vectorized loops attached after it write the same locations
// from different iterations. Writes are then accumulated atomically, in an unspecified order.
func (st *Stage) AllowRaceConditions() *Stage {
	if st.RaceTolerant() {
		return st
	}
	return st.attach(Directive{Kind: DirectiveAllowRaceConditions})
}

// RaceTolerant returns whether AllowRaceConditions was attached to the stage.
func (st *Stage) RaceTolerant() bool {
	for _, d := range st.schedule.stages[st.key] {
		if d.Kind == DirectiveAllowRaceConditions {
			return true
		}
	}
	return false
}

func (st *Stage) find(kind DirectiveKind, v graph.LoopVar) bool {
	for _, d := range st.schedule.stages[st.key] {
		if d.Kind == kind && d.Var == v {
			return true
		}
	}
	return false
}

func (st *Stage) checkVar(directive string, v graph.LoopVar) {
	if v == nil {
		panicf(ErrVarNotInStage, "%s: %s(nil)", st, directive)
	}
	if v.IsReduction() && st.key.Update == graph.PureStage {
		panicf(ErrVarNotInStage, "%s: %s(%s) on the pure stage, reduction variables are only iterated by updates",
			st, directive, v.Name())
	}
	if !st.def.HasLoopVar(v) {
		panicf(ErrVarNotInStage, "%s: %s(%s), the stage doesn't iterate over it (it iterates over %v)",
			st, directive, v.Name(), loopVarNames(LoopVars(st.def)))
	}
}

func (st *Stage) checkSplit(directive string, v graph.LoopVar, factor int) {
	st.checkVar(directive, v)
	if factor <= 0 {
		panicf(ErrIllegalSchedule, "%s: %s(%s, %d) requires a positive factor", st, directive, v.Name(), factor)
	}
	if st.find(DirectiveVectorize, v) || st.find(DirectiveUnroll, v) {
		panicf(ErrIllegalSchedule, "%s: %s(%s, %d), the loop is already split", st, directive, v.Name(), factor)
	}
}

func (st *Stage) checkRaces(directive string, v graph.LoopVar) {
	if IsRacing(st.def, v) && !st.RaceTolerant() {
		panicf(ErrIllegalSchedule, "%s: %s(%s) would let different iterations accumulate into the same locations of %s: "+
			"call AllowRaceConditions() on the stage first to accept it", st, directive, v.Name(), st.fn.Name())
	}
}

// IsRacing returns whether different iterations of v in the definition may write the same location:
// that is the case for reduction variables not used bare in any argument of the left-hand side.
// Pure loop variables are always used bare at their own position, and never race.
func IsRacing(def *graph.Definition, v graph.LoopVar) bool {
	if !v.IsReduction() || !def.IsUpdate() {
		return false
	}
	for _, arg := range def.Args() {
		if arg.Kind() == graph.KindRVar && graph.LoopVar(arg.RVar()) == v {
			return false
		}
	}
	return true
}

// LoopVars returns the loop variables of the definition in their default order, innermost first:
// the reduction variables (for updates) followed by the pure loop variables.
func LoopVars(def *graph.Definition) []graph.LoopVar {
	var vars []graph.LoopVar
	for _, rv := range def.RVars() {
		vars = append(vars, rv)
	}
	for _, v := range def.LoopVars() {
		vars = append(vars, v)
	}
	return vars
}

func loopVarNames(vars []graph.LoopVar) []string {
	names := make([]string, len(vars))
	for ii, v := range vars {
		names[ii] = v.Name()
	}
	return names
}
