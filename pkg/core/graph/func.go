// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/tensorfunc/pkg/core/bounds"
)

// Func is a named function over pure variables (its dims), defined by a pure definition and zero or more
// accumulating update definitions. All values of a Func are Float.
type Func struct {
	graph   *Graph
	id      FuncID
	name    string
	dims    []*Var
	pure    *Definition
	updates []*Definition
}

// DefinitionKind tags a Definition as either the pure definition of a Func or one of its updates.
type DefinitionKind int

const (
	// DefinitionPure gives the initial value of every point of the Func.
	DefinitionPure DefinitionKind = iota

	// DefinitionAccumulate combines the right-hand side with the current value of the Func at the left-hand side
	// index, for every point of its loop variables and reduction domain.
	DefinitionAccumulate
)

// String implements fmt.Stringer.
func (k DefinitionKind) String() string {
	if k == DefinitionPure {
		return "Pure"
	}
	return "Accumulate"
}

// AccumulateOp is the operator combining an update right-hand side into the current value.
type AccumulateOp int

const (
	// AccumulateSum is the "+=" update.
	AccumulateSum AccumulateOp = iota
)

// String implements fmt.Stringer.
func (op AccumulateOp) String() string { return "+=" }

// Guard restricts the points of a definition that contribute: only those where Index falls in Interval.
type Guard struct {
	Index    *Expr
	Interval bounds.Interval
}

// String implements fmt.Stringer.
func (g Guard) String() string {
	return fmt.Sprintf("%s in %s", g.Index, g.Interval)
}

// Definition is one definition of a Func: f(args) = rhs for the pure one, f(args) += rhs for updates.
// Definitions are immutable.
type Definition struct {
	fn       *Func
	index    int
	kind     DefinitionKind
	op       AccumulateOp
	args     []*Expr
	rhs      *Expr
	rdom     *RDom
	guards   []Guard
	loopVars []*Var
}

// PureStage is the index used for the pure definition where an update index is expected.
const PureStage = -1

// NewFunc creates a new Func with the given dims. Its name is made unique among the Funcs and Params of the graph.
func (g *Graph) NewFunc(name string, dims ...*Var) *Func {
	seen := make(map[*Var]bool, len(dims))
	for ii, v := range dims {
		if v.graph != g {
			panicf(ErrDomainNotInScope, "NewFunc(%q): dim #%d %q belongs to graph %q", name, ii, v.name, v.graph.name)
		}
		if seen[v] {
			panicf(ErrInvalidIndex, "NewFunc(%q): dim %q used more than once", name, v.name)
		}
		seen[v] = true
	}
	f := &Func{
		graph: g,
		id:    FuncID(len(g.funcs)),
		name:  g.uniqueName(name),
		dims:  append([]*Var(nil), dims...),
	}
	g.funcs = append(g.funcs, f)
	return f
}

// ID of the Func in its graph.
func (f *Func) ID() FuncID { return f.id }

// Name of the Func, unique in the graph.
func (f *Func) Name() string { return f.name }

// Graph the Func belongs to.
func (f *Func) Graph() *Graph { return f.graph }

// Dims returns the pure variables of the Func.
func (f *Func) Dims() []*Var { return append([]*Var(nil), f.dims...) }

// Dim returns the pure variable of the given axis.
func (f *Func) Dim(axis int) *Var { return f.dims[axis] }

// Rank is the number of dims.
func (f *Func) Rank() int { return len(f.dims) }

// HasPure returns whether the pure definition was given.
func (f *Func) HasPure() bool { return f.pure != nil }

// Pure returns the pure definition, or nil if not defined yet.
func (f *Func) Pure() *Definition { return f.pure }

// NumUpdates returns the number of update definitions.
func (f *Func) NumUpdates() int { return len(f.updates) }

// Update returns the update definition of the given index.
func (f *Func) Update(index int) *Definition { return f.updates[index] }

// Updates returns the update definitions, in order.
func (f *Func) Updates() []*Definition { return append([]*Definition(nil), f.updates...) }

// Definition returns the pure definition for index == PureStage, or the update with the given index.
func (f *Func) Definition(index int) *Definition {
	if index == PureStage {
		return f.pure
	}
	return f.updates[index]
}

// Definitions returns the pure definition followed by the updates.
func (f *Func) Definitions() []*Definition {
	if f.pure == nil {
		return nil
	}
	return append([]*Definition{f.pure}, f.updates...)
}

// Call returns an expression reading the Func at the given index. Each argument can be a *Var, an *RVar,
// an int or an Int *Expr. Each call to Call creates a new call site.
func (f *Func) Call(args ...any) *Expr {
	if len(args) != len(f.dims) {
		panicf(ErrDimensionMismatch, "func %q has %d dims, but it was called with %d arguments", f.name, len(f.dims), len(args))
	}
	return f.call(indexArgs(f.name, args))
}

func (f *Func) call(args []*Expr) *Expr {
	return newExpr(KindCall, FloatType, args, func(e *Expr) { e.fn = f })
}

// Define sets the pure definition f(dims...) = rhs. It may only use the Func dims and no reduction variables.
// Int values are converted to Float.
func (f *Func) Define(rhs *Expr) *Func {
	if f.pure != nil {
		panicf(ErrRedefinition, "func %q already has a pure definition", f.name)
	}
	rhs = asValue(f.name, rhs)
	args := make([]*Expr, len(f.dims))
	for ii, v := range f.dims {
		args[ii] = V(v)
	}
	u := usageOf(rhs)
	f.checkScope(u)
	if len(u.rvars) > 0 {
		panicf(ErrUnboundReductionVariable, "pure definition of %q can't use reduction variable %q", f.name, u.rvars[0].name)
	}
	loopVars := make(map[*Var]bool, len(f.dims))
	for _, v := range f.dims {
		loopVars[v] = true
	}
	for _, v := range u.vars {
		if !loopVars[v] {
			panicf(ErrUnboundVariable, "pure definition of %q uses variable %q, not one of its dims %v", f.name, v.name, f.dims)
		}
	}
	f.pure = &Definition{
		fn:       f,
		index:    PureStage,
		kind:     DefinitionPure,
		args:     args,
		rhs:      rhs,
		loopVars: append([]*Var(nil), f.dims...),
	}
	return f
}

// UpdateAdd appends the update f(args...) += rhs. The reduction domain iterated is the one of the reduction
// variables used, if any. See UpdateAddOver.
func (f *Func) UpdateAdd(rhs *Expr, args ...any) *Func {
	return f.UpdateAddOver(nil, rhs, args...)
}

// UpdateAddOver appends the update f(args...) += rhs, iterating over rdom (if not nil) and over the Func dims
// used bare at their own position in args.
//
// The other arguments may only use reduction variables and constants. The right-hand side may use the
// reduction variables of rdom and the pure variables iterated; it can't read f itself.
//
// Updates are evaluated in the order given, after the pure definition.
func (f *Func) UpdateAddOver(rdom *RDom, rhs *Expr, args ...any) *Func {
	if len(args) != len(f.dims) {
		panicf(ErrDimensionMismatch, "update of %q with %d arguments, but it has %d dims", f.name, len(args), len(f.dims))
	}
	f.addUpdate(rdom, indexArgs(f.name, args), asValue(f.name, rhs), nil)
	return f
}

func asValue(name string, rhs *Expr) *Expr {
	if rhs.vtype == BoolType {
		panicf(ErrTypeMismatch, "definition of %q must be a Float value, got a Bool %s", name, rhs)
	}
	return ToFloat(rhs)
}

// checkScope verifies that everything referenced belongs to the Func's graph, and that f isn't read.
func (f *Func) checkScope(u *usage) {
	for _, v := range u.vars {
		if v.graph != f.graph {
			panicf(ErrDomainNotInScope, "definition of %q uses variable %q from graph %q", f.name, v.name, v.graph.name)
		}
	}
	for _, rv := range u.rvars {
		if rv.rdom.graph != f.graph {
			panicf(ErrDomainNotInScope, "definition of %q uses reduction variable %q from graph %q", f.name, rv.name, rv.rdom.graph.name)
		}
	}
	for _, fn := range u.funcs {
		if fn.graph != f.graph {
			panicf(ErrDomainNotInScope, "definition of %q reads func %q from graph %q", f.name, fn.name, fn.graph.name)
		}
		if fn == f {
			panicf(ErrSelfReference, "definition of %q reads itself", f.name)
		}
	}
	for _, p := range u.params {
		if p.graph != f.graph {
			panicf(ErrDomainNotInScope, "definition of %q reads param %q from graph %q", f.name, p.name, p.graph.name)
		}
	}
}

// addUpdate validates and appends an update definition.
func (f *Func) addUpdate(rdom *RDom, args []*Expr, rhs *Expr, guards []Guard) *Definition {
	if f.pure == nil {
		panicf(ErrUndefinedPure, "update of %q given before its pure definition", f.name)
	}
	if rdom != nil && rdom.graph != f.graph {
		panicf(ErrDomainNotInScope, "update of %q over RDom %q of graph %q", f.name, rdom.name, rdom.graph.name)
	}

	// Loop variables: dims used bare at their own position.
	var loopVars []*Var
	isLoopVar := make(map[*Var]bool)
	for ii, arg := range args {
		if arg.kind == KindVar && arg.v == f.dims[ii] {
			loopVars = append(loopVars, arg.v)
			isLoopVar[arg.v] = true
		}
	}
	for ii, arg := range args {
		if arg.kind == KindVar && arg.v == f.dims[ii] {
			continue
		}
		if vars := usageOf(arg).vars; len(vars) > 0 {
			panicf(ErrInvalidIndex, "update of %q: argument #%d (%s) uses pure variable %q: pure variables can only be "+
				"used bare, at the position of the same dim", f.name, ii, arg, vars[0].name)
		}
	}

	exprs := append([]*Expr{rhs}, args...)
	for _, guard := range guards {
		if guard.Index.vtype != IntType {
			panicf(ErrTypeMismatch, "update of %q: guard index %s must be Int", f.name, guard.Index)
		}
		exprs = append(exprs, guard.Index)
	}
	u := usageOf(exprs...)
	f.checkScope(u)
	for _, v := range u.vars {
		if !isLoopVar[v] {
			panicf(ErrUnboundVariable, "update of %q uses variable %q, which is not iterated by the update (loop variables: %v)",
				f.name, v.name, loopVars)
		}
	}
	for _, rv := range u.rvars {
		if rdom == nil {
			rdom = rv.rdom
		}
		if rv.rdom != rdom {
			panicf(ErrUnboundReductionVariable, "update of %q over RDom %q uses reduction variable %q of RDom %q",
				f.name, rdom.name, rv.name, rv.rdom.name)
		}
	}

	def := &Definition{
		fn:       f,
		index:    len(f.updates),
		kind:     DefinitionAccumulate,
		op:       AccumulateSum,
		args:     args,
		rhs:      rhs,
		rdom:     rdom,
		guards:   append([]Guard(nil), guards...),
		loopVars: loopVars,
	}
	f.updates = append(f.updates, def)
	return def
}

// Func returns the Func the definition belongs to.
func (d *Definition) Func() *Func { return d.fn }

// Index of the definition: PureStage for the pure definition, the update index otherwise.
func (d *Definition) Index() int { return d.index }

// Kind of the definition.
func (d *Definition) Kind() DefinitionKind { return d.kind }

// IsUpdate returns whether the definition is an update.
func (d *Definition) IsUpdate() bool { return d.kind == DefinitionAccumulate }

// Op is the accumulation operator of an update.
func (d *Definition) Op() AccumulateOp { return d.op }

// Args returns the left-hand side index expressions.
func (d *Definition) Args() []*Expr { return append([]*Expr(nil), d.args...) }

// RHS returns the right-hand side expression.
func (d *Definition) RHS() *Expr { return d.rhs }

// RDom returns the reduction domain iterated by an update, or nil.
func (d *Definition) RDom() *RDom { return d.rdom }

// Guards returns the conditions restricting which points contribute.
func (d *Definition) Guards() []Guard { return append([]Guard(nil), d.guards...) }

// LoopVars returns the pure variables iterated by the definition, in dims order.
func (d *Definition) LoopVars() []*Var { return append([]*Var(nil), d.loopVars...) }

// RVars returns the reduction variables iterated by the definition, or nil.
func (d *Definition) RVars() []*RVar {
	if d.rdom == nil {
		return nil
	}
	return d.rdom.Vars()
}

// HasLoopVar returns whether v is iterated by the definition.
func (d *Definition) HasLoopVar(v LoopVar) bool {
	switch lv := v.(type) {
	case *Var:
		for _, loopVar := range d.loopVars {
			if loopVar == lv {
				return true
			}
		}
	case *RVar:
		return d.rdom != nil && lv.rdom == d.rdom
	}
	return false
}

// LoopVarPosition returns the axis of f where the pure loop variable v is used, or -1.
func (d *Definition) LoopVarPosition(v *Var) int {
	for ii, arg := range d.args {
		if arg.kind == KindVar && arg.v == v {
			return ii
		}
	}
	return -1
}

// String implements fmt.Stringer.
func (d *Definition) String() string {
	var sb strings.Builder
	writeCall(&sb, d.fn.name, d.args)
	if d.kind == DefinitionPure {
		sb.WriteString(" = ")
	} else {
		_, _ = fmt.Fprintf(&sb, " %s ", d.op)
	}
	d.rhs.write(&sb)
	if d.rdom != nil {
		_, _ = fmt.Fprintf(&sb, "  over %s", d.rdom)
	}
	if len(d.guards) > 0 {
		parts := make([]string, len(d.guards))
		for ii, guard := range d.guards {
			parts[ii] = guard.String()
		}
		_, _ = fmt.Fprintf(&sb, "  where %s", strings.Join(parts, " && "))
	}
	return sb.String()
}

// String implements fmt.Stringer, listing all definitions one per line.
func (f *Func) String() string {
	if f.pure == nil {
		var sb strings.Builder
		sb.WriteString(f.name)
		sb.WriteString("(")
		for ii, v := range f.dims {
			if ii > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(v.name)
		}
		sb.WriteString(") undefined")
		return sb.String()
	}
	lines := make([]string, 0, 1+len(f.updates))
	for _, def := range f.Definitions() {
		lines = append(lines, def.String())
	}
	return strings.Join(lines, "\n")
}
