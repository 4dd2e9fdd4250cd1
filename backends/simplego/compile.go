// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/gomlx/tensorfunc/pkg/core/graph"
)

// evalFn evaluates a compiled expression given the current values of the loop variables, indexed by slot.
//
// All value types are represented as float64: Int values are exact, and Bool values are 0 or 1.
type evalFn func(env []int) float64

// offsetFn evaluates the flat offset of an access to a buffer.
type offsetFn func(env []int) int

// compiler turns expressions into evalFn closures. Shared sub-expressions are compiled once.
type compiler struct {
	exec *execution
	memo map[*graph.Expr]evalFn
}

func newCompiler(exec *execution) *compiler {
	return &compiler{exec: exec, memo: make(map[*graph.Expr]evalFn)}
}

func (c *compiler) compile(e *graph.Expr) evalFn {
	if fn, found := c.memo[e]; found {
		return fn
	}
	fn := c.compileNew(e)
	c.memo[e] = fn
	return fn
}

func (c *compiler) compileAll(exprs []*graph.Expr) []evalFn {
	fns := make([]evalFn, len(exprs))
	for ii, e := range exprs {
		fns[ii] = c.compile(e)
	}
	return fns
}

func (c *compiler) compileNew(e *graph.Expr) evalFn {
	kind := e.Kind()
	switch {
	case kind == graph.KindConst:
		value := e.ConstValue()
		return func(_ []int) float64 { return value }

	case kind == graph.KindVar:
		slot := e.Var().Slot()
		return func(env []int) float64 { return float64(env[slot]) }

	case kind == graph.KindRVar:
		slot := e.RVar().Slot()
		return func(env []int) float64 { return float64(env[slot]) }

	case kind == graph.KindParam:
		p := e.Param()
		buf := c.exec.params[p]
		if buf == nil {
			exceptions.Panicf("input %q read but not given", p.Name())
		}
		offset := compileOffset(p.Name(), buf.Bounds(), c.compileAll(e.Operands()))
		return func(env []int) float64 { return buf.AtOffset(offset(env)) }

	case kind == graph.KindCall:
		f := e.Func()
		args := c.compileAll(e.Operands())
		if c.exec.pipeline.IsInlined(f) {
			return c.inlineCall(f, args)
		}
		buf := c.exec.buffers[f.ID()]
		if buf == nil {
			exceptions.Panicf("func %q read before it was realized", f.Name())
		}
		offset := compileOffset(f.Name(), buf.Bounds(), args)
		return func(env []int) float64 { return buf.AtOffset(offset(env)) }

	case kind == graph.KindSelect:
		cond, onTrue, onFalse := c.compile(e.Operand(0)), c.compile(e.Operand(1)), c.compile(e.Operand(2))
		return func(env []int) float64 {
			if cond(env) != 0 {
				return onTrue(env)
			}
			return onFalse(env)
		}

	case kind.IsUnary():
		x := c.compile(e.Operand(0))
		switch kind {
		case graph.KindNeg:
			return func(env []int) float64 { return -x(env) }
		case graph.KindExp:
			return func(env []int) float64 { return math.Exp(x(env)) }
		case graph.KindToFloat:
			return x
		}
		vtype := e.Type()
		return func(env []int) float64 { return graph.EvalConst(kind, vtype, x(env)) }

	case kind.IsBinary():
		x, y := c.compile(e.Operand(0)), c.compile(e.Operand(1))
		switch kind {
		case graph.KindAdd:
			return func(env []int) float64 { return x(env) + y(env) }
		case graph.KindSub:
			return func(env []int) float64 { return x(env) - y(env) }
		case graph.KindMul:
			return func(env []int) float64 { return x(env) * y(env) }
		case graph.KindMax:
			return func(env []int) float64 { return max(x(env), y(env)) }
		case graph.KindMin:
			return func(env []int) float64 { return min(x(env), y(env)) }
		case graph.KindLogicalAnd:
			return func(env []int) float64 {
				if x(env) != 0 && y(env) != 0 {
					return 1
				}
				return 0
			}
		}
		// Int division needs the operands type, comparisons produce Bool.
		vtype := e.Operand(0).Type()
		return func(env []int) float64 { return graph.EvalConst(kind, vtype, x(env), y(env)) }
	}
	exceptions.Panicf("simplego: expression kind %s not supported in %s", kind, e)
	return nil
}

// maxInlineScratch is the scratch space kept on the stack to bind the arguments of inlined calls.
const maxInlineScratch = 16

// inlineCall evaluates the pure definition of f at the point given by args.
//
// The dims of f are loop variables that may be shared with the caller's own loops, so their values are saved
// before binding the arguments and restored afterwards.
func (c *compiler) inlineCall(f *graph.Func, args []evalFn) evalFn {
	if !f.HasPure() {
		exceptions.Panicf("func %q inlined without a pure definition", f.Name())
	}
	body := c.compile(f.Pure().RHS())
	slots := make([]int, f.Rank())
	for axis, dim := range f.Dims() {
		slots[axis] = dim.Slot()
	}
	rank := len(slots)
	if rank == 0 {
		return body
	}
	return func(env []int) float64 {
		var local [maxInlineScratch]int
		scratch := local[:]
		if 2*rank > maxInlineScratch {
			scratch = make([]int, 2*rank)
		}
		values, saved := scratch[:rank], scratch[rank:2*rank]
		for axis, arg := range args {
			values[axis] = int(arg(env))
		}
		for axis, slot := range slots {
			saved[axis] = env[slot]
			env[slot] = values[axis]
		}
		result := body(env)
		for axis, slot := range slots {
			env[slot] = saved[axis]
		}
		return result
	}
}

// compileOffset returns the function computing the flat offset into a buffer with the given bounds, checking
// that the access is in bounds.
func compileOffset(name string, box bounds.Box, args []evalFn) offsetFn {
	if len(args) != len(box) {
		exceptions.Panicf("%q of rank %d accessed with %d indices", name, len(box), len(args))
	}
	strides := box.Strides()
	return func(env []int) int {
		offset := 0
		for axis, arg := range args {
			v := int(arg(env))
			interval := box[axis]
			if !interval.Contains(v) {
				exceptions.Panicf("%q accessed out of bounds: index %d not in %s (axis %d)", name, v, interval, axis)
			}
			offset += (v - interval.Min) * strides[axis]
		}
		return offset
	}
}
