// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/gomlx/tensorfunc/pkg/core/graph"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type convGraph struct {
	g          *graph.Graph
	x          *graph.Var
	r          *graph.RDom
	conv, dW   *graph.Func
	derivative *graph.Derivative
}

func buildConv(t *testing.T) *convGraph {
	c := &convGraph{g: graph.New("conv")}
	c.x = c.g.NewVar("x")
	in := c.g.NewParam("in", dtypes.Float32, bounds.FromExtents(12))
	w := c.g.NewParam("w", dtypes.Float32, bounds.FromExtents(3))
	c.r = c.g.NewRDom("r", bounds.Make(0, 3))
	c.conv = c.g.NewFunc("conv", c.x).Define(graph.Const(0))
	c.conv.UpdateAdd(graph.Mul(w.At(c.r.X()), in.At(graph.Add(graph.V(c.x), graph.R(c.r.X())))), c.x)
	rl := c.g.NewRDom("rl", bounds.Make(0, 10))
	var err error
	c.derivative, err = graph.PropagateAdjoints(graph.Square(c.conv.Call(rl.X())))
	require.NoError(t, err)
	c.dW, err = c.derivative.AdjointOf(w)
	require.NoError(t, err)
	return c
}

func requirePanicsWith(t *testing.T, want error, fn func()) {
	t.Helper()
	err := exceptions.TryCatch[error](fn)
	require.Error(t, err)
	require.Truef(t, errors.Is(err, want), "expected error wrapping %q, got %+v", want, err)
}

func TestDirectives(t *testing.T) {
	c := buildConv(t)
	s := New(c.g)
	s.Func(c.conv).ComputeRoot().Vectorize(c.x, 4).Parallel(c.x)
	s.Update(c.conv, 0).Reorder(c.x, c.r.X()).Unroll(c.r.X(), 3)
	require.True(t, s.IsComputeRoot(c.conv))
	require.False(t, s.IsComputeRoot(c.dW))
	require.True(t, s.HasDirectives(c.conv))
	require.False(t, s.HasDirectives(c.dW))

	pureKey := StageKey{Func: c.conv.ID(), Update: graph.PureStage}
	directives := s.Directives(pureKey)
	require.Len(t, directives, 3)
	require.Equal(t, DirectiveVectorize, directives[1].Kind)
	require.Equal(t, 4, directives[1].Factor)

	// Directives returns copies.
	directives[1].Factor = 100
	require.Equal(t, 4, s.Directives(pureKey)[1].Factor)

	require.Equal(t, []StageKey{pureKey, {Func: c.conv.ID(), Update: 0}}, s.Stages())
	require.Equal(t, "conv.ComputeRoot().Vectorize(x, 4).Parallel(x)\nconv.update(0).Reorder(x, r.x).Unroll(r.x, 3)\n", s.String())
}

func TestRaceConditions(t *testing.T) {
	c := buildConv(t)
	rConv := c.dW.Update(0).RDom()
	require.True(t, IsRacing(c.dW.Update(0), rConv.X()))
	require.False(t, IsRacing(c.dW.Update(0), c.dW.Dim(0)))
	require.False(t, IsRacing(c.conv.Update(0), c.x))
	require.True(t, IsRacing(c.conv.Update(0), c.r.X()))

	s := New(c.g)
	// Scatter into d_w from overlapping iterations must be acknowledged.
	requirePanicsWith(t, ErrIllegalSchedule, func() { s.Update(c.dW, 0).Vectorize(rConv.X(), 4) })
	requirePanicsWith(t, ErrIllegalSchedule, func() { s.Update(c.dW, 0).Parallel(rConv.X()) })
	require.Empty(t, s.Stages())

	// Pure loop variables never race.
	s.Update(c.dW, 0).Parallel(c.dW.Dim(0))

	stage := s.Update(c.dW, 0).AllowRaceConditions().Vectorize(rConv.X(), 4).Parallel(rConv.X())
	require.True(t, stage.RaceTolerant())
	// Idempotent.
	stage.AllowRaceConditions()
	require.Len(t, stage.Directives(), 4)
}

func TestIllegalDirectives(t *testing.T) {
	c := buildConv(t)
	s := New(c.g)
	other := graph.New("other")
	otherF := other.NewFunc("f").Define(graph.Const(1))
	y := c.g.NewVar("y")

	testCases := []struct {
		name string
		want error
		fn   func()
	}{
		{"compute root on update", ErrIllegalSchedule, func() { s.Update(c.conv, 0).ComputeRoot() }},
		{"update out of range", ErrIllegalSchedule, func() { s.Update(c.conv, 1) }},
		{"func of another graph", ErrIllegalSchedule, func() { s.Func(otherF) }},
		{"rvar on pure stage", ErrVarNotInStage, func() { s.Func(c.conv).Parallel(c.r.X()) }},
		{"var not iterated", ErrVarNotInStage, func() { s.Func(c.conv).Parallel(y) }},
		{"rvar of another domain", ErrVarNotInStage, func() { s.Update(c.dW, 0).Unroll(c.r.X(), 2) }},
		{"zero width", ErrIllegalSchedule, func() { s.Func(c.conv).Vectorize(c.x, 0) }},
		{"split twice", ErrIllegalSchedule, func() { s.Update(c.conv, 0).Vectorize(c.x, 4).Unroll(c.x, 2) }},
		{"parallel twice", ErrIllegalSchedule, func() { s.Update(c.conv, 0).Parallel(c.x).Parallel(c.x) }},
		{"reorder single", ErrIllegalSchedule, func() { s.Func(c.conv).Reorder(c.x) }},
		{"reorder repeated", ErrIllegalSchedule, func() { s.Update(c.conv, 0).Reorder(c.x, c.x) }},
		{"reorder unknown", ErrVarNotInStage, func() { s.Update(c.conv, 0).Reorder(c.x, y) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			requirePanicsWith(t, tc.want, tc.fn)
		})
	}
}

func TestLoopVars(t *testing.T) {
	c := buildConv(t)
	require.Equal(t, []graph.LoopVar{c.x}, LoopVars(c.conv.Pure()))
	require.Equal(t, []graph.LoopVar{c.r.X(), c.x}, LoopVars(c.conv.Update(0)))
}
