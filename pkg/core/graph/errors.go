// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/pkg/errors"
)

// Errors raised while building graphs, propagating adjoints or inferring bounds.
//
// Build-time errors are raised with panic (as with the rest of the graph building functions), carrying an error
// that wraps one of the values below: use exceptions.TryCatch[error] to recover them, and errors.Is to check
// which one it was.
var (
	// ErrUnboundReductionVariable is raised when a reduction variable is used outside the definition of its domain:
	// in a pure definition, or mixed with reduction variables of another domain.
	ErrUnboundReductionVariable = errors.New("unbound reduction variable")

	// ErrUnboundVariable is raised when a definition uses a pure variable that is not one of its loop variables.
	ErrUnboundVariable = errors.New("unbound variable")

	// ErrDimensionMismatch is raised when a Func or Param is indexed with the wrong number of arguments.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrDomainNotInScope is raised when a definition references a domain, variable, Func or Param of another graph.
	ErrDomainNotInScope = errors.New("domain not in scope")

	// ErrTypeMismatch is raised when an operation is given operands of the wrong value type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrUndefinedPure is raised when a Func is updated or realized before its pure definition is given.
	ErrUndefinedPure = errors.New("pure definition missing")

	// ErrRedefinition is raised when the pure definition of a Func is given twice.
	ErrRedefinition = errors.New("func already defined")

	// ErrSelfReference is raised when a definition reads the Func it defines.
	ErrSelfReference = errors.New("definition reads the func it defines")

	// ErrInvalidIndex is raised when an update left-hand side argument is neither the Func's own pure variable
	// (at its own position) nor an expression of reduction variables and constants.
	ErrInvalidIndex = errors.New("invalid update index")

	// ErrCycle is returned when Funcs depend on each other circularly.
	ErrCycle = errors.New("cyclic dependency between funcs")

	// ErrUnboundedIndex is returned when bounds inference can't bound an index expression.
	ErrUnboundedIndex = errors.New("index expression can't be bounded")

	// ErrUndefinedAdjoint is returned by Derivative.Adjoint for a Func or Param without a differentiable
	// path to the loss. It is a normal query miss, not a failure.
	ErrUndefinedAdjoint = errors.New("undefined adjoint: no differentiable path found")

	// ErrAmbiguousScatterInversion is returned when a read index can't be inverted in closed form during
	// adjoint propagation.
	ErrAmbiguousScatterInversion = errors.New("ambiguous scatter inversion")
)

// panicf panics with an error wrapping sentinel, with a message and a stack trace.
func panicf(sentinel error, format string, args ...any) {
	panic(errors.WithStack(errors.WithMessagef(sentinel, format, args...)))
}
