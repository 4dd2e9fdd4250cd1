// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
)

// This file implements the symbolic differentiation of expressions with respect to one call site, plus the
// expression rewriting used by the adjoint propagation: simplifying constructors, variable substitution and
// linear decomposition of index expressions.

// allConst returns the values of the operands, if they are all constants.
func allConst(operands ...*Expr) ([]float64, bool) {
	values := make([]float64, len(operands))
	for ii, operand := range operands {
		if operand.kind != KindConst {
			return nil, false
		}
		values[ii] = operand.value
	}
	return values, true
}

// simplified builds the operation kind over operands, folding constants and removing identities
// (x+0, x*1, x*0, etc).
func simplified(kind ExprKind, operands ...*Expr) *Expr {
	if len(operands) == 2 {
		x, y := promote(kind.String(), operands[0], operands[1])
		operands = []*Expr{x, y}
	}
	vtype := resultType(kind, operands)
	if values, ok := allConst(operands...); ok && kind != KindToFloat {
		value := EvalConst(kind, operands[len(operands)-1].vtype, values...)
		if vtype == IntType {
			return Int(int(value))
		}
		if vtype == FloatType {
			return Const(value)
		}
	}
	switch kind {
	case KindNeg:
		x := operands[0]
		if x.kind == KindNeg {
			return x.operands[0]
		}
	case KindAdd:
		x, y := operands[0], operands[1]
		if x.IsZero() {
			return y
		}
		if y.IsZero() {
			return x
		}
		if y.kind == KindNeg {
			return simplified(KindSub, x, y.operands[0])
		}
	case KindSub:
		x, y := operands[0], operands[1]
		if y.IsZero() {
			return x
		}
		if x.IsZero() {
			return simplified(KindNeg, y)
		}
		if y.kind == KindNeg {
			return simplified(KindAdd, x, y.operands[0])
		}
	case KindMul:
		x, y := operands[0], operands[1]
		if x.IsZero() || y.IsZero() {
			return zeroOf(vtype)
		}
		if x.IsOne() {
			return y
		}
		if y.IsOne() {
			return x
		}
	case KindDiv:
		x, y := operands[0], operands[1]
		if x.IsZero() {
			return zeroOf(vtype)
		}
		if y.IsOne() {
			return x
		}
	case KindSelect:
		cond, onTrue, onFalse := operands[0], operands[1], operands[2]
		if SameExpr(onTrue, onFalse) {
			return onTrue
		}
		if cond.kind == KindConst {
			if cond.value != 0 {
				return onTrue
			}
			return onFalse
		}
	}
	return newExpr(kind, vtype, operands)
}

func zeroOf(vtype ValueType) *Expr {
	if vtype == IntType {
		return Int(0)
	}
	return Const(0)
}

func resultType(kind ExprKind, operands []*Expr) ValueType {
	switch {
	case kind.IsComparison(), kind == KindLogicalAnd, kind == KindLogicalOr, kind == KindNot:
		return BoolType
	case kind == KindToFloat:
		return FloatType
	case kind == KindSelect:
		return operands[1].vtype
	}
	return operands[0].vtype
}

func sAdd(x, y *Expr) *Expr { return simplified(KindAdd, x, y) }
func sSub(x, y *Expr) *Expr { return simplified(KindSub, x, y) }
func sMul(x, y *Expr) *Expr { return simplified(KindMul, x, y) }
func sDiv(x, y *Expr) *Expr { return simplified(KindDiv, x, y) }
func sNeg(x *Expr) *Expr    { return simplified(KindNeg, x) }

func sSelect(cond, onTrue, onFalse *Expr) *Expr {
	return simplified(KindSelect, cond, onTrue, onFalse)
}

// differentiator computes derivatives of expressions with respect to one call site, memoized per node.
type differentiator struct {
	site  *Expr
	cache map[*Expr]*Expr
}

// PartialDerivative returns the symbolic partial derivative of e with respect to the value read by the call site
// (a KindCall or KindParam node, identified by pointer). It returns the constant 0 if e doesn't depend on site.
func PartialDerivative(e, site *Expr) *Expr {
	if site.kind != KindCall && site.kind != KindParam {
		exceptions.Panicf("PartialDerivative: %s is not a func call or param read", site)
	}
	d := &differentiator{site: site, cache: make(map[*Expr]*Expr)}
	return d.diff(e)
}

func (d *differentiator) diff(e *Expr) *Expr {
	if e == d.site {
		return Const(1)
	}
	if e.vtype != FloatType {
		// Indices and predicates are piecewise constant.
		return Const(0)
	}
	if cached, ok := d.cache[e]; ok {
		return cached
	}
	result := d.compute(e)
	d.cache[e] = result
	return result
}

func (d *differentiator) compute(e *Expr) *Expr {
	ops := e.operands
	switch e.kind {
	case KindConst, KindVar, KindRVar, KindCall, KindParam, KindToFloat:
		return Const(0)
	case KindNeg:
		return sNeg(d.diff(ops[0]))
	case KindAbs:
		da := d.diff(ops[0])
		if da.IsZero() {
			return da
		}
		return sSelect(GreaterOrEqual(ops[0], Const(0)), da, sNeg(da))
	case KindExp:
		return sMul(d.diff(ops[0]), e)
	case KindLog:
		return sDiv(d.diff(ops[0]), ops[0])
	case KindSqrt:
		return sDiv(d.diff(ops[0]), sMul(Const(2), e))
	case KindTanh:
		da := d.diff(ops[0])
		if da.IsZero() {
			return da
		}
		return sMul(da, sSub(Const(1), sMul(e, e)))
	case KindAdd:
		return sAdd(d.diff(ops[0]), d.diff(ops[1]))
	case KindSub:
		return sSub(d.diff(ops[0]), d.diff(ops[1]))
	case KindMul:
		a, b := ops[0], ops[1]
		if a == b {
			return sMul(sMul(Const(2), a), d.diff(a))
		}
		return sAdd(sMul(d.diff(a), b), sMul(a, d.diff(b)))
	case KindDiv:
		a, b := ops[0], ops[1]
		da, db := d.diff(a), d.diff(b)
		return sSub(sDiv(da, b), sDiv(sMul(a, db), sMul(b, b)))
	case KindMax:
		a, b := ops[0], ops[1]
		return sSelect(GreaterOrEqual(a, b), d.diff(a), d.diff(b))
	case KindMin:
		a, b := ops[0], ops[1]
		return sSelect(LessOrEqual(a, b), d.diff(a), d.diff(b))
	case KindSelect:
		return sSelect(ops[0], d.diff(ops[1]), d.diff(ops[2]))
	}
	exceptions.Panicf("no derivative defined for %s expression %s", e.kind, e)
	return nil
}

// substitution maps variables (*Var or *RVar) to the expressions that replace them.
type substitution map[LoopVar]*Expr

// apply returns e with the variables replaced. Nodes without replaced variables are reused.
func (s substitution) apply(e *Expr) *Expr {
	return s.applyCached(e, make(map[*Expr]*Expr))
}

func (s substitution) applyCached(e *Expr, cache map[*Expr]*Expr) *Expr {
	if cached, ok := cache[e]; ok {
		return cached
	}
	var result *Expr
	switch e.kind {
	case KindVar:
		result = e
		if replacement, ok := s[e.v]; ok {
			result = replacement
		}
	case KindRVar:
		result = e
		if replacement, ok := s[e.rv]; ok {
			result = replacement
		}
	default:
		changed := false
		operands := make([]*Expr, len(e.operands))
		for ii, operand := range e.operands {
			operands[ii] = s.applyCached(operand, cache)
			changed = changed || operands[ii] != operand
		}
		result = e
		if changed {
			result = &Expr{kind: e.kind, vtype: e.vtype, value: e.value, v: e.v, rv: e.rv, fn: e.fn, param: e.param,
				operands: operands}
		}
	}
	cache[e] = result
	return result
}

// linearTerm decomposes the Int expression e as coef*v + rest, where rest doesn't use v.
// It returns ok=false if e is not linear on v.
func linearTerm(e *Expr, v LoopVar) (coef int, rest *Expr, ok bool) {
	if !e.Uses(v) {
		return 0, e, true
	}
	ops := e.operands
	switch e.kind {
	case KindVar, KindRVar:
		return 1, Int(0), true
	case KindNeg:
		c, r, ok := linearTerm(ops[0], v)
		return -c, sNeg(r), ok
	case KindAdd, KindSub:
		ca, ra, okA := linearTerm(ops[0], v)
		cb, rb, okB := linearTerm(ops[1], v)
		if !okA || !okB {
			return 0, nil, false
		}
		if e.kind == KindAdd {
			return ca + cb, sAdd(ra, rb), true
		}
		return ca - cb, sSub(ra, rb), true
	case KindMul:
		a, b := ops[0], ops[1]
		if a.kind == KindConst {
			a, b = b, a
		}
		if b.kind != KindConst {
			return 0, nil, false
		}
		c, r, ok := linearTerm(a, v)
		k := int(b.value)
		return c * k, sMul(r, b), ok
	}
	return 0, nil, false
}
