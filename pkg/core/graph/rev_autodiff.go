// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file implements reverse-mode automatic differentiation of Funcs.
//
// Conventions used in this file:
//
//   - output: the scalar Func (rank 0) being differentiated, typically the loss.
//   - adjoint: the gradient of the output with respect to each point of a Func or Param. It is itself a Func
//     (named "d_" + name), initialized to 0 and accumulated by one update per call site that reads the node.
//   - call site: one *Expr reading a Func or Param, inside the definition of a consumer Func.
//   - contribution: for a call site p(args) inside consumer c(lhs) (+)= rhs, the chain rule adds
//     d_c(lhs) * ∂rhs/∂p(args) to d_p(args). Since the adjoint is defined over the dims of p, the index mapping
//     must be inverted: that's the scatter inversion, see inversion below.
//
// Funcs are visited in reverse topological order (consumers first), so that by the time a Func is visited all
// contributions to its adjoint are known to exist: Funcs without contributions get no adjoint at all.

// ReductionKey identifies an update definition of an adjoint Func.
type ReductionKey struct {
	Func   string
	Update int
}

// Derivative holds the result of PropagateAdjoints.
type Derivative struct {
	// Output is the scalar Func differentiated.
	Output *Func

	// Adjoints maps the name of each Func and Param with a differentiable path to Output to its adjoint Func.
	Adjoints map[string]*Func

	// Reductions maps each update of the adjoint Funcs iterating over a reduction domain to that domain.
	Reductions map[ReductionKey]*RDom

	// Regions of the forward Funcs used to invert the index mappings.
	Regions *Regions
}

// Has returns whether an adjoint exists for the Func or Param with the given name.
func (d *Derivative) Has(name string) bool {
	_, found := d.Adjoints[name]
	return found
}

// Adjoint returns the adjoint of the Func or Param with the given name, or an error wrapping
// ErrUndefinedAdjoint if there is no differentiable path from it to the output.
func (d *Derivative) Adjoint(name string) (*Func, error) {
	adj, found := d.Adjoints[name]
	if !found {
		return nil, errors.Wrapf(ErrUndefinedAdjoint, "no adjoint for %q", name)
	}
	return adj, nil
}

// AdjointOf is like Adjoint, but takes the *Func or *Param itself.
func (d *Derivative) AdjointOf(node interface{ Name() string }) (*Func, error) {
	return d.Adjoint(node.Name())
}

// Reduction returns the reduction domain of the given update of an adjoint Func.
func (d *Derivative) Reduction(adjointName string, update int) (*RDom, bool) {
	rdom, found := d.Reductions[ReductionKey{Func: adjointName, Update: update}]
	return rdom, found
}

// Names returns the sorted names of the Funcs and Params with an adjoint.
func (d *Derivative) Names() []string {
	names := make([]string, 0, len(d.Adjoints))
	for name := range d.Adjoints {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PropagateAdjoints creates the adjoint Funcs of the scalar loss expression, with respect to every Func and Param
// it depends on.
//
// The loss may use the reduction variables of one reduction domain, which are summed over: it is wrapped in a
// scalar Func loss() = 0; loss() += lossExpr. It can't use pure variables.
//
// Only new Funcs are added to the graph: the existing ones are not modified. If it fails (ErrAmbiguousScatterInversion,
// or bounds inference errors), the adjoints created so far remain in the graph, unreferenced.
func PropagateAdjoints(lossExpr *Expr) (*Derivative, error) {
	var output *Func
	err := exceptions.TryCatch[error](func() { output = wrapLoss(lossExpr) })
	if err != nil {
		return nil, err
	}
	return PropagateAdjointsFunc(output)
}

// wrapLoss creates the scalar Func summing lossExpr.
func wrapLoss(lossExpr *Expr) *Func {
	if lossExpr.vtype != FloatType {
		panicf(ErrTypeMismatch, "loss must be a Float expression, got %s %s", lossExpr.vtype, lossExpr)
	}
	u := usageOf(lossExpr)
	if len(u.vars) > 0 {
		panicf(ErrUnboundVariable, "loss %s uses pure variable %q: only reduction variables can be used", lossExpr, u.vars[0].name)
	}
	var g *Graph
	switch {
	case len(u.funcs) > 0:
		g = u.funcs[0].graph
	case len(u.params) > 0:
		g = u.params[0].graph
	default:
		exceptions.Panicf("loss %s doesn't read any func or param, there is nothing to differentiate", lossExpr)
	}
	var rdom *RDom
	if len(u.rvars) > 0 {
		rdom = u.rvars[0].rdom
	}
	output := g.NewFunc("loss")
	output.Define(Const(0))
	output.addUpdate(rdom, nil, lossExpr, nil)
	return output
}

// PropagateAdjointsFunc creates the adjoint Funcs of the scalar (rank 0) Func output, with respect to every Func and
// Param it depends on. The adjoint of output itself is 1.
func PropagateAdjointsFunc(output *Func) (derivative *Derivative, err error) {
	if output.Rank() != 0 {
		return nil, errors.Wrapf(ErrDimensionMismatch, "can only propagate adjoints of a scalar func, %q has rank %d", output.name, output.Rank())
	}
	g := output.graph
	regions, err := g.InferBounds(map[*Func]bounds.Box{output: {}})
	if err != nil {
		return nil, errors.WithMessagef(err, "PropagateAdjoints(%q)", output.name)
	}
	err = exceptions.TryCatch[error](func() {
		rg := newReverseGraph(g, output, regions)
		rg.propagate()
		derivative = rg.result()
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "PropagateAdjoints(%q)", output.name)
	}
	if klog.V(1).Enabled() {
		klog.Infof("PropagateAdjoints(%q): %d adjoints synthesized: %v", output.name, len(derivative.Adjoints), derivative.Names())
	}
	return derivative, nil
}

// reverseGraph stores the consumers of every Func and Param reached from the output.
// Funcs are visited in Regions.Order.
type reverseGraph struct {
	Graph   *Graph
	Root    *Func
	Regions *Regions

	ReverseFuncs  map[FuncID]*reverseNode
	ReverseParams map[*Param]*reverseNode

	// created lists the nodes in the order their adjoints were created.
	created []*reverseNode
}

// reverseNode is a Func or a Param in the reverse graph.
type reverseNode struct {
	Func  *Func
	Param *Param

	// Consumers lists the call sites reading this node.
	Consumers []callSite

	// Adjoint is created on the first nonzero contribution. It remains nil for nodes without a differentiable path
	// to the root.
	Adjoint *Func
}

// callSite is an expression reading a node, within the definition of a consumer.
type callSite struct {
	Consumer *Definition
	Expr     *Expr
}

func (rNode *reverseNode) name() string {
	if rNode.Func != nil {
		return rNode.Func.name
	}
	return rNode.Param.name
}

func newReverseGraph(g *Graph, root *Func, regions *Regions) *reverseGraph {
	rg := &reverseGraph{
		Graph:         g,
		Root:          root,
		Regions:       regions,
		ReverseFuncs:  make(map[FuncID]*reverseNode, len(regions.Order)),
		ReverseParams: make(map[*Param]*reverseNode),
	}
	for _, f := range regions.Order {
		rg.ReverseFuncs[f.id] = &reverseNode{Func: f}
	}
	for _, f := range regions.Order {
		for _, def := range f.Definitions() {
			for _, call := range usageOf(def.rhs).calls {
				rInput := rg.nodeOf(call)
				rInput.Consumers = append(rInput.Consumers, callSite{Consumer: def, Expr: call})
			}
		}
	}
	return rg
}

// nodeOf returns the reverse node read by a call site.
func (rg *reverseGraph) nodeOf(call *Expr) *reverseNode {
	if call.kind == KindCall {
		return rg.ReverseFuncs[call.fn.id]
	}
	rNode, found := rg.ReverseParams[call.param]
	if !found {
		rNode = &reverseNode{Param: call.param}
		rg.ReverseParams[call.param] = rNode
	}
	return rNode
}

// adjointOf returns the adjoint of the node, creating it (initialized to 0) if needed.
func (rg *reverseGraph) adjointOf(rNode *reverseNode) *Func {
	if rNode.Adjoint != nil {
		return rNode.Adjoint
	}
	g := rg.Graph
	var dims []*Var
	if rNode.Func != nil {
		for _, v := range rNode.Func.dims {
			dims = append(dims, g.NewVar(v.name))
		}
	} else {
		for axis := range rNode.Param.Rank() {
			dims = append(dims, g.NewVar(fmt.Sprintf("_%d", axis)))
		}
	}
	rNode.Adjoint = g.NewFunc("d_"+rNode.name(), dims...)
	rNode.Adjoint.Define(Const(0))
	rg.created = append(rg.created, rNode)
	return rNode.Adjoint
}

// propagate visits the Funcs consumers first, and then the Params, pulling the contributions of each of their
// call sites into their adjoints.
func (rg *reverseGraph) propagate() {
	rRoot := rg.ReverseFuncs[rg.Root.id]
	rRoot.Adjoint = rg.Graph.NewFunc("d_" + rg.Root.name)
	rRoot.Adjoint.Define(Const(1))
	rg.created = append(rg.created, rRoot)

	nodes := make([]*reverseNode, 0, len(rg.Regions.Order)+len(rg.ReverseParams))
	for _, f := range rg.Regions.Order {
		nodes = append(nodes, rg.ReverseFuncs[f.id])
	}
	for _, p := range rg.Graph.params {
		if rNode, found := rg.ReverseParams[p]; found {
			nodes = append(nodes, rNode)
		}
	}
	for _, rNode := range nodes {
		for _, site := range rNode.Consumers {
			// All consumers come earlier in the order, so their adjoints are final.
			consumerAdjoint := rg.ReverseFuncs[site.Consumer.fn.id].Adjoint
			if consumerAdjoint == nil {
				continue
			}
			partial := PartialDerivative(site.Consumer.rhs, site.Expr)
			if partial.IsZero() {
				continue
			}
			rg.contribute(site.Consumer, site.Expr, partial, consumerAdjoint)
		}
	}
}

// result collects the adjoints created.
func (rg *reverseGraph) result() *Derivative {
	d := &Derivative{
		Output:     rg.Root,
		Adjoints:   make(map[string]*Func, len(rg.created)),
		Reductions: make(map[ReductionKey]*RDom),
		Regions:    rg.Regions,
	}
	for _, rNode := range rg.created {
		adj := rNode.Adjoint
		d.Adjoints[rNode.name()] = adj
		for ii, update := range adj.updates {
			if update.rdom != nil {
				d.Reductions[ReductionKey{Func: adj.name, Update: ii}] = update.rdom
			}
		}
	}
	return d
}

// contribute adds to the adjoint of the node read by call the update d_node(P) += d_consumer(lhs) * partial, where
// the variables of the consumer definition are rewritten in terms of the adjoint dims P.
func (rg *reverseGraph) contribute(def *Definition, call *Expr, partial *Expr, consumerAdjoint *Func) {
	adjoint := rg.adjointOf(rg.nodeOf(call))
	region := rg.Regions.Funcs[def.fn.id]
	inv := invertCall(def, call, region, adjoint.dims)
	s := inv.substitution

	lhs := make([]*Expr, len(def.args))
	for ii, arg := range def.args {
		lhs[ii] = s.apply(arg)
	}
	rhs := sMul(consumerAdjoint.call(lhs), s.apply(partial))
	guards := inv.guards
	for _, guard := range def.guards {
		guards = append(guards, Guard{Index: s.apply(guard.Index), Interval: guard.Interval})
	}
	update := adjoint.addUpdate(inv.rdom, inv.lhs, rhs, guards)
	klog.V(2).Infof("PropagateAdjoints: %s", update)
}

// inversion of the index mapping of one call site.
type inversion struct {
	// substitution maps the loop variables of the consumer definition to expressions over the adjoint dims and the
	// new reduction variables.
	substitution substitution

	// lhs holds the arguments of the adjoint update.
	lhs []*Expr

	// rdom iterated by the adjoint update, or nil.
	rdom *RDom

	// guards restricting the adjoint update to points mapped within the consumer's domain.
	guards []Guard
}

// invertCall inverts the index mapping of call p(args), within the consumer definition def, computed over region.
// dims are the pure variables of the adjoint of p.
//
// Each argument is handled by the first matching rule:
//
//  1. A bare reduction variable used only in this argument becomes the adjoint dim of its position, guarded to the
//     interval of the reduction variable.
//  2. A bare consumer pure variable used only in this argument becomes the adjoint dim of its position, guarded to
//     the consumer's region.
//  3. An argument v ± rest, with v a consumer pure variable used only in this argument and rest free of pure
//     variables, is solved for v = ±(dim - rest), guarded to the consumer's region.
//  4. Arguments with only reduction variables and constants are kept as scatter indices.
//
// Consumer pure variables not solved by the rules above become new reduction variables spanning the consumer's
// region, and the reduction variables of the consumer not replaced by rule 1 are iterated again. Any other use
// of pure variables panics with ErrAmbiguousScatterInversion.
func invertCall(def *Definition, call *Expr, region bounds.Box, dims []*Var) *inversion {
	args := call.operands
	consumer := def.fn
	inv := &inversion{substitution: make(substitution), lhs: make([]*Expr, len(args))}
	s := inv.substitution
	solved := make(map[*Var]bool)
	handled := make([]bool, len(args))

	// Rule 1: bare reduction variables.
	for ii, arg := range args {
		if arg.kind == KindRVar && countUses(arg.rv, args...) == 1 {
			s[arg.rv] = V(dims[ii])
			inv.guards = append(inv.guards, Guard{Index: V(dims[ii]), Interval: arg.rv.interval})
			handled[ii] = true
		}
	}

	// Rule 2: bare pure variables.
	for ii, arg := range args {
		if handled[ii] || arg.kind != KindVar || countUses(arg.v, args...) != 1 {
			continue
		}
		s[arg.v] = V(dims[ii])
		solved[arg.v] = true
		inv.guards = append(inv.guards, Guard{Index: V(dims[ii]), Interval: region[def.LoopVarPosition(arg.v)]})
		handled[ii] = true
	}

	// Rule 3: shifted pure variables, solved once the new reduction variables exist.
	type shift struct {
		axis int
		v    *Var
		coef int
		rest *Expr
	}
	var shifts []shift
	for ii, arg := range args {
		if handled[ii] {
			continue
		}
		vars := usageOf(arg).vars
		if len(vars) == 0 {
			continue
		}
		if len(vars) > 1 {
			panicf(ErrAmbiguousScatterInversion, "%s reads %s: argument #%d (%s) uses more than one pure variable",
				consumer.name, call, ii, arg)
		}
		v := vars[0]
		if solved[v] || countUses(v, args...) != 1 {
			panicf(ErrAmbiguousScatterInversion, "%s reads %s: pure variable %q used more than once", consumer.name, call, v.name)
		}
		coef, rest, ok := linearTerm(arg, v)
		if !ok || (coef != 1 && coef != -1) {
			panicf(ErrAmbiguousScatterInversion, "%s reads %s: argument #%d (%s) is not of the form ±%s + offset",
				consumer.name, call, ii, arg, v.name)
		}
		solved[v] = true
		handled[ii] = true
		shifts = append(shifts, shift{axis: ii, v: v, coef: coef, rest: rest})
	}

	// New reduction domain: unsolved pure variables of the consumer, then its reduction variables not replaced.
	rdomName := "r_" + consumer.name
	var names []string
	var intervals []bounds.Interval
	var unsolvedVars []*Var
	for _, v := range def.loopVars {
		if !solved[v] {
			unsolvedVars = append(unsolvedVars, v)
			names = append(names, rdomName+"."+v.name)
			intervals = append(intervals, region[def.LoopVarPosition(v)])
		}
	}
	var repeatedRVars []*RVar
	for _, rv := range def.RVars() {
		if _, replaced := s[rv]; !replaced {
			repeatedRVars = append(repeatedRVars, rv)
			names = append(names, rv.name)
			intervals = append(intervals, rv.interval)
		}
	}
	if len(names) > 0 {
		inv.rdom = consumer.graph.newRDomFromVars(rdomName, names, intervals)
		for ii, v := range unsolvedVars {
			s[v] = R(inv.rdom.vars[ii])
		}
		for ii, rv := range repeatedRVars {
			s[rv] = R(inv.rdom.vars[len(unsolvedVars)+ii])
		}
	}

	for _, sh := range shifts {
		rest := s.apply(sh.rest)
		if sh.coef == 1 {
			s[sh.v] = sSub(V(dims[sh.axis]), rest)
		} else {
			s[sh.v] = sSub(rest, V(dims[sh.axis]))
		}
		inv.guards = append(inv.guards, Guard{Index: s[sh.v], Interval: region[def.LoopVarPosition(sh.v)]})
	}

	for ii, arg := range args {
		if handled[ii] {
			inv.lhs[ii] = V(dims[ii])
		} else {
			inv.lhs[ii] = s.apply(arg)
		}
	}
	return inv
}
