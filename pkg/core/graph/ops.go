// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
)

// Const returns a Float constant.
func Const(value float64) *Expr {
	return newExpr(KindConst, FloatType, nil, func(e *Expr) { e.value = value })
}

// Int returns an Int constant, used in index arithmetic.
func Int(value int) *Expr {
	return newExpr(KindConst, IntType, nil, func(e *Expr) { e.value = float64(value) })
}

// V returns an expression reading the pure variable v.
func V(v *Var) *Expr {
	return newExpr(KindVar, IntType, nil, func(e *Expr) { e.v = v })
}

// R returns an expression reading the reduction variable rv.
func R(rv *RVar) *Expr {
	return newExpr(KindRVar, IntType, nil, func(e *Expr) { e.rv = rv })
}

// Expr returns an expression reading the variable.
func (v *Var) Expr() *Expr { return V(v) }

// Expr returns an expression reading the reduction variable.
func (rv *RVar) Expr() *Expr { return R(rv) }

// asIndex converts the argument of a call (a *Var, *RVar, int or Int *Expr) to an expression.
func asIndex(name string, position int, arg any) *Expr {
	switch a := arg.(type) {
	case *Var:
		return V(a)
	case *RVar:
		return R(a)
	case int:
		return Int(a)
	case *Expr:
		if a.vtype != IntType {
			panicf(ErrTypeMismatch, "%s: argument #%d must be an Int expression, got %s %s", name, position, a.vtype, a)
		}
		return a
	}
	panicf(ErrTypeMismatch, "%s: argument #%d has invalid type %T, it must be a *Var, *RVar, int or *Expr", name, position, arg)
	return nil
}

func indexArgs(name string, args []any) []*Expr {
	exprs := make([]*Expr, len(args))
	for ii, arg := range args {
		exprs[ii] = asIndex(name, ii, arg)
	}
	return exprs
}

// ToFloat converts an Int expression to Float.
func ToFloat(x *Expr) *Expr {
	switch x.vtype {
	case FloatType:
		return x
	case IntType:
		if x.kind == KindConst {
			return Const(x.value)
		}
		return newExpr(KindToFloat, FloatType, []*Expr{x})
	}
	panicf(ErrTypeMismatch, "ToFloat(%s): can't convert %s", x, x.vtype)
	return nil
}

// promote makes both operands the same type, converting Int constants to Float if the other operand is Float.
func promote(opName string, x, y *Expr) (*Expr, *Expr) {
	if x.vtype == y.vtype {
		return x, y
	}
	if x.vtype == IntType && y.vtype == FloatType && x.kind == KindConst {
		return Const(x.value), y
	}
	if y.vtype == IntType && x.vtype == FloatType && y.kind == KindConst {
		return x, Const(y.value)
	}
	panicf(ErrTypeMismatch, "%s(%s, %s): operands of type %s and %s, use ToFloat to convert Int values",
		opName, x, y, x.vtype, y.vtype)
	return nil, nil
}

func numeric(kind ExprKind, x *Expr) {
	if x.vtype == BoolType {
		panicf(ErrTypeMismatch, "%s(%s): operand must be Int or Float, got Bool", kind, x)
	}
}

func floatOnly(kind ExprKind, x *Expr) {
	if x.vtype != FloatType {
		panicf(ErrTypeMismatch, "%s(%s): operand must be Float, got %s", kind, x, x.vtype)
	}
}

func boolOnly(kind ExprKind, x *Expr) {
	if x.vtype != BoolType {
		panicf(ErrTypeMismatch, "%s(%s): operand must be Bool, got %s", kind, x, x.vtype)
	}
}

func arithmetic(kind ExprKind, x, y *Expr) *Expr {
	x, y = promote(kind.String(), x, y)
	numeric(kind, x)
	return newExpr(kind, x.vtype, []*Expr{x, y})
}

func comparison(kind ExprKind, x, y *Expr) *Expr {
	x, y = promote(kind.String(), x, y)
	numeric(kind, x)
	return newExpr(kind, BoolType, []*Expr{x, y})
}

// Add returns x + y.
func Add(x, y *Expr) *Expr { return arithmetic(KindAdd, x, y) }

// Sub returns x - y.
func Sub(x, y *Expr) *Expr { return arithmetic(KindSub, x, y) }

// Mul returns x * y.
func Mul(x, y *Expr) *Expr { return arithmetic(KindMul, x, y) }

// Div returns x / y. For Int values it rounds towards negative infinity.
func Div(x, y *Expr) *Expr { return arithmetic(KindDiv, x, y) }

// Max returns the largest of x and y.
func Max(x, y *Expr) *Expr { return arithmetic(KindMax, x, y) }

// Min returns the smallest of x and y.
func Min(x, y *Expr) *Expr { return arithmetic(KindMin, x, y) }

// Neg returns -x.
func Neg(x *Expr) *Expr {
	numeric(KindNeg, x)
	return newExpr(KindNeg, x.vtype, []*Expr{x})
}

// Abs returns the absolute value of x.
func Abs(x *Expr) *Expr {
	numeric(KindAbs, x)
	return newExpr(KindAbs, x.vtype, []*Expr{x})
}

func floatUnary(kind ExprKind, x *Expr) *Expr {
	floatOnly(kind, x)
	return newExpr(kind, FloatType, []*Expr{x})
}

// Exp returns e^x.
func Exp(x *Expr) *Expr { return floatUnary(KindExp, x) }

// Log returns the natural logarithm of x.
func Log(x *Expr) *Expr { return floatUnary(KindLog, x) }

// Sqrt returns the square root of x.
func Sqrt(x *Expr) *Expr { return floatUnary(KindSqrt, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *Expr) *Expr { return floatUnary(KindTanh, x) }

// LessThan returns x < y.
func LessThan(x, y *Expr) *Expr { return comparison(KindLessThan, x, y) }

// LessOrEqual returns x <= y.
func LessOrEqual(x, y *Expr) *Expr { return comparison(KindLessOrEqual, x, y) }

// GreaterThan returns x > y.
func GreaterThan(x, y *Expr) *Expr { return comparison(KindGreaterThan, x, y) }

// GreaterOrEqual returns x >= y.
func GreaterOrEqual(x, y *Expr) *Expr { return comparison(KindGreaterOrEqual, x, y) }

// Equal returns x == y.
func Equal(x, y *Expr) *Expr { return comparison(KindEqual, x, y) }

// NotEqual returns x != y.
func NotEqual(x, y *Expr) *Expr { return comparison(KindNotEqual, x, y) }

// LogicalAnd returns x && y.
func LogicalAnd(x, y *Expr) *Expr {
	boolOnly(KindLogicalAnd, x)
	boolOnly(KindLogicalAnd, y)
	return newExpr(KindLogicalAnd, BoolType, []*Expr{x, y})
}

// LogicalOr returns x || y.
func LogicalOr(x, y *Expr) *Expr {
	boolOnly(KindLogicalOr, x)
	boolOnly(KindLogicalOr, y)
	return newExpr(KindLogicalOr, BoolType, []*Expr{x, y})
}

// LogicalNot returns !x.
func LogicalNot(x *Expr) *Expr {
	boolOnly(KindNot, x)
	return newExpr(KindNot, BoolType, []*Expr{x})
}

// Select returns onTrue where cond is true, and onFalse otherwise.
func Select(cond, onTrue, onFalse *Expr) *Expr {
	boolOnly(KindSelect, cond)
	onTrue, onFalse = promote("Select", onTrue, onFalse)
	return newExpr(KindSelect, onTrue.vtype, []*Expr{cond, onTrue, onFalse})
}

// AddScalar returns x + c.
func AddScalar(x *Expr, c float64) *Expr { return Add(x, Const(c)) }

// MulScalar returns x * c.
func MulScalar(x *Expr, c float64) *Expr { return Mul(x, Const(c)) }

// Square returns x * x.
func Square(x *Expr) *Expr { return Mul(x, x) }

// ReLU returns max(x, 0).
func ReLU(x *Expr) *Expr { return Max(x, Const(0)) }

// Sum returns the sum of all the terms, or 0 if none is given.
func Sum(terms ...*Expr) *Expr {
	if len(terms) == 0 {
		return Const(0)
	}
	sum := terms[0]
	for _, term := range terms[1:] {
		sum = Add(sum, term)
	}
	return sum
}

// FloorDiv is the integer division used by Int expressions, rounding towards negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// EvalConst evaluates an operation on constant operands, as the backends do. It's used to fold constants.
func EvalConst(kind ExprKind, vtype ValueType, operands ...float64) float64 {
	var a, b float64
	if len(operands) > 0 {
		a = operands[0]
	}
	if len(operands) > 1 {
		b = operands[1]
	}
	boolToFloat := func(c bool) float64 {
		if c {
			return 1
		}
		return 0
	}
	switch kind {
	case KindNeg:
		return -a
	case KindAbs:
		return math.Abs(a)
	case KindExp:
		return math.Exp(a)
	case KindLog:
		return math.Log(a)
	case KindSqrt:
		return math.Sqrt(a)
	case KindTanh:
		return math.Tanh(a)
	case KindToFloat:
		return a
	case KindNot:
		return boolToFloat(a == 0)
	case KindAdd:
		return a + b
	case KindSub:
		return a - b
	case KindMul:
		return a * b
	case KindDiv:
		if vtype == IntType {
			return float64(FloorDiv(int(a), int(b)))
		}
		return a / b
	case KindMax:
		return math.Max(a, b)
	case KindMin:
		return math.Min(a, b)
	case KindLessThan:
		return boolToFloat(a < b)
	case KindLessOrEqual:
		return boolToFloat(a <= b)
	case KindGreaterThan:
		return boolToFloat(a > b)
	case KindGreaterOrEqual:
		return boolToFloat(a >= b)
	case KindEqual:
		return boolToFloat(a == b)
	case KindNotEqual:
		return boolToFloat(a != b)
	case KindLogicalAnd:
		return boolToFloat(a != 0 && b != 0)
	case KindLogicalOr:
		return boolToFloat(a != 0 || b != 0)
	case KindSelect:
		if a != 0 {
			return b
		}
		return operands[2]
	}
	return math.NaN()
}
