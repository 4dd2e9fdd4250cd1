// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"
)

// ValueType of an expression.
type ValueType int

const (
	// IntType values are used for indices: pure and reduction variables, integer constants and their arithmetic.
	IntType ValueType = iota

	// FloatType values are the values of Funcs and Params.
	FloatType

	// BoolType values are the result of comparisons, used by Select.
	BoolType
)

// String implements fmt.Stringer.
func (t ValueType) String() string {
	switch t {
	case IntType:
		return "Int"
	case FloatType:
		return "Float"
	case BoolType:
		return "Bool"
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// ExprKind enumerates the kinds of expressions.
type ExprKind int

const (
	KindInvalid ExprKind = iota
	KindConst
	KindVar
	KindRVar
	KindCall
	KindParam

	KindNeg
	KindAbs
	KindExp
	KindLog
	KindSqrt
	KindTanh
	KindToFloat
	KindNot

	KindAdd
	KindSub
	KindMul
	KindDiv
	KindMax
	KindMin

	KindLessThan
	KindLessOrEqual
	KindGreaterThan
	KindGreaterOrEqual
	KindEqual
	KindNotEqual
	KindLogicalAnd
	KindLogicalOr

	KindSelect
)

var kindNames = map[ExprKind]string{
	KindInvalid:        "Invalid",
	KindConst:          "Const",
	KindVar:            "Var",
	KindRVar:           "RVar",
	KindCall:           "Call",
	KindParam:          "Param",
	KindNeg:            "Neg",
	KindAbs:            "Abs",
	KindExp:            "Exp",
	KindLog:            "Log",
	KindSqrt:           "Sqrt",
	KindTanh:           "Tanh",
	KindToFloat:        "ToFloat",
	KindNot:            "Not",
	KindAdd:            "Add",
	KindSub:            "Sub",
	KindMul:            "Mul",
	KindDiv:            "Div",
	KindMax:            "Max",
	KindMin:            "Min",
	KindLessThan:       "LessThan",
	KindLessOrEqual:    "LessOrEqual",
	KindGreaterThan:    "GreaterThan",
	KindGreaterOrEqual: "GreaterOrEqual",
	KindEqual:          "Equal",
	KindNotEqual:       "NotEqual",
	KindLogicalAnd:     "LogicalAnd",
	KindLogicalOr:      "LogicalOr",
	KindSelect:         "Select",
}

// String implements fmt.Stringer.
func (k ExprKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ExprKind(%d)", int(k))
}

// IsUnary returns whether the kind takes one operand.
func (k ExprKind) IsUnary() bool { return k >= KindNeg && k <= KindNot }

// IsBinary returns whether the kind takes two operands.
func (k ExprKind) IsBinary() bool { return k >= KindAdd && k <= KindLogicalOr }

// IsComparison returns whether the kind compares two numbers into a Bool.
func (k ExprKind) IsComparison() bool { return k >= KindLessThan && k <= KindNotEqual }

// Expr is an immutable expression node. Expressions are shared by pointer: the same *Expr can be used
// in multiple places, and each *Expr reading a Func or Param is one call site.
type Expr struct {
	kind     ExprKind
	vtype    ValueType
	value    float64
	v        *Var
	rv       *RVar
	fn       *Func
	param    *Param
	operands []*Expr
}

func newExpr(kind ExprKind, vtype ValueType, operands []*Expr, setters ...func(e *Expr)) *Expr {
	e := &Expr{kind: kind, vtype: vtype, operands: operands}
	for _, setter := range setters {
		setter(e)
	}
	return e
}

// Kind of the expression.
func (e *Expr) Kind() ExprKind { return e.kind }

// Type of the value of the expression.
func (e *Expr) Type() ValueType { return e.vtype }

// NumOperands returns the number of operands: the arguments of calls and param reads, or the inputs of an operation.
func (e *Expr) NumOperands() int { return len(e.operands) }

// Operand returns the i-th operand.
func (e *Expr) Operand(i int) *Expr { return e.operands[i] }

// Operands returns a copy of the list of operands.
func (e *Expr) Operands() []*Expr { return append([]*Expr(nil), e.operands...) }

// ConstValue returns the value of a KindConst expression.
func (e *Expr) ConstValue() float64 { return e.value }

// Var returns the variable of a KindVar expression, or nil.
func (e *Expr) Var() *Var { return e.v }

// RVar returns the reduction variable of a KindRVar expression, or nil.
func (e *Expr) RVar() *RVar { return e.rv }

// Func returns the Func read by a KindCall expression, or nil.
func (e *Expr) Func() *Func { return e.fn }

// Param returns the Param read by a KindParam expression, or nil.
func (e *Expr) Param() *Param { return e.param }

// IsConst returns whether the expression is a constant.
func (e *Expr) IsConst() bool { return e.kind == KindConst }

func (e *Expr) isConstValue(v float64) bool { return e.kind == KindConst && e.value == v }

// IsZero returns whether the expression is the constant 0.
func (e *Expr) IsZero() bool { return e.isConstValue(0) }

// IsOne returns whether the expression is the constant 1.
func (e *Expr) IsOne() bool { return e.isConstValue(1) }

// String implements fmt.Stringer, printing the expression in infix notation.
func (e *Expr) String() string {
	var sb strings.Builder
	e.write(&sb)
	return sb.String()
}

var infixOps = map[ExprKind]string{
	KindAdd:            "+",
	KindSub:            "-",
	KindMul:            "*",
	KindDiv:            "/",
	KindLessThan:       "<",
	KindLessOrEqual:    "<=",
	KindGreaterThan:    ">",
	KindGreaterOrEqual: ">=",
	KindEqual:          "==",
	KindNotEqual:       "!=",
	KindLogicalAnd:     "&&",
	KindLogicalOr:      "||",
}

func (e *Expr) write(sb *strings.Builder) {
	switch e.kind {
	case KindConst:
		if e.vtype == IntType {
			_, _ = fmt.Fprintf(sb, "%d", int(e.value))
		} else {
			_, _ = fmt.Fprintf(sb, "%gf", e.value)
		}
	case KindVar:
		sb.WriteString(e.v.name)
	case KindRVar:
		sb.WriteString(e.rv.name)
	case KindCall:
		writeCall(sb, e.fn.name, e.operands)
	case KindParam:
		writeCall(sb, e.param.name, e.operands)
	case KindNeg:
		sb.WriteString("-")
		e.operands[0].write(sb)
	case KindNot:
		sb.WriteString("!")
		e.operands[0].write(sb)
	default:
		if op, ok := infixOps[e.kind]; ok {
			sb.WriteString("(")
			e.operands[0].write(sb)
			_, _ = fmt.Fprintf(sb, " %s ", op)
			e.operands[1].write(sb)
			sb.WriteString(")")
			return
		}
		writeCall(sb, strings.ToLower(e.kind.String()), e.operands)
	}
}

func writeCall(sb *strings.Builder, name string, args []*Expr) {
	sb.WriteString(name)
	sb.WriteString("(")
	for ii, arg := range args {
		if ii > 0 {
			sb.WriteString(", ")
		}
		arg.write(sb)
	}
	sb.WriteString(")")
}

// Walk visits e and all its sub-expressions once each, in pre-order. If visit returns false the operands of
// that node are not visited.
func (e *Expr) Walk(visit func(node *Expr) bool) {
	visited := make(map[*Expr]bool)
	var walk func(node *Expr)
	walk = func(node *Expr) {
		if visited[node] {
			return
		}
		visited[node] = true
		if !visit(node) {
			return
		}
		for _, operand := range node.operands {
			walk(operand)
		}
	}
	walk(e)
}

// usage lists the variables and nodes referenced by expressions.
type usage struct {
	vars   []*Var
	rvars  []*RVar
	funcs  []*Func
	params []*Param
	calls  []*Expr
}

func (u *usage) add(e *Expr) {
	seenVars := make(map[*Var]bool)
	seenRVars := make(map[*RVar]bool)
	for _, v := range u.vars {
		seenVars[v] = true
	}
	for _, rv := range u.rvars {
		seenRVars[rv] = true
	}
	e.Walk(func(node *Expr) bool {
		switch node.kind {
		case KindVar:
			if !seenVars[node.v] {
				seenVars[node.v] = true
				u.vars = append(u.vars, node.v)
			}
		case KindRVar:
			if !seenRVars[node.rv] {
				seenRVars[node.rv] = true
				u.rvars = append(u.rvars, node.rv)
			}
		case KindCall:
			u.funcs = append(u.funcs, node.fn)
			u.calls = append(u.calls, node)
		case KindParam:
			u.params = append(u.params, node.param)
			u.calls = append(u.calls, node)
		}
		return true
	})
}

func usageOf(exprs ...*Expr) *usage {
	u := &usage{}
	for _, e := range exprs {
		if e != nil {
			u.add(e)
		}
	}
	return u
}

// Uses returns whether e references the variable v.
func (e *Expr) Uses(v LoopVar) bool {
	found := false
	e.Walk(func(node *Expr) bool {
		if found {
			return false
		}
		if (node.kind == KindVar && LoopVar(node.v) == v) || (node.kind == KindRVar && LoopVar(node.rv) == v) {
			found = true
		}
		return !found
	})
	return found
}

// countUses returns how many times v is referenced in the expressions, counting shared sub-expressions
// once per use.
func countUses(v LoopVar, exprs ...*Expr) int {
	var count func(e *Expr) int
	count = func(e *Expr) int {
		switch e.kind {
		case KindVar:
			if LoopVar(e.v) == v {
				return 1
			}
		case KindRVar:
			if LoopVar(e.rv) == v {
				return 1
			}
		}
		total := 0
		for _, operand := range e.operands {
			total += count(operand)
		}
		return total
	}
	total := 0
	for _, e := range exprs {
		total += count(e)
	}
	return total
}

// SameExpr returns whether a and b are structurally equal expressions.
func SameExpr(a, b *Expr) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.kind != b.kind || a.vtype != b.vtype || a.value != b.value || a.v != b.v || a.rv != b.rv ||
		a.fn != b.fn || a.param != b.param || len(a.operands) != len(b.operands) {
		return false
	}
	for ii := range a.operands {
		if !SameExpr(a.operands[ii], b.operands[ii]) {
			return false
		}
	}
	return true
}
