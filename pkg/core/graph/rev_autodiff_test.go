// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conv1D builds conv(x) = 0; conv(x) += w(r.x) * in(x + r.x), with loss = sum over [0, 9] of conv².
func conv1D() (g *Graph, conv *Func, w, in *Param, loss *Expr) {
	g = New("conv1d")
	x := g.NewVar("x")
	in = g.NewParam("in", dtypes.Float32, bounds.FromExtents(12))
	w = g.NewParam("w", dtypes.Float32, bounds.FromExtents(3))
	r := g.NewRDom("r", bounds.Make(0, 3))
	conv = g.NewFunc("conv", x).Define(Const(0))
	conv.UpdateAdd(Mul(w.At(r.X()), in.At(Add(V(x), R(r.X())))), x)
	rl := g.NewRDom("rl", bounds.Make(0, 10))
	loss = Square(conv.Call(rl.X()))
	return
}

func TestPartialDerivative(t *testing.T) {
	g := New("test")
	x := g.NewVar("x")
	f := g.NewFunc("f", x).Define(Const(1))
	site := f.Call(x)
	other := f.Call(Add(V(x), Int(1)))

	testCases := []struct {
		e    *Expr
		want string
	}{
		{site, "1f"},
		{other, "0f"},
		{Square(site), "(2f * f(x))"},
		{MulScalar(site, 3), "3f"},
		{Mul(other, site), "f((x + 1))"},
		{Add(site, other), "1f"},
		{Sub(other, site), "-1f"},
		{Neg(site), "-1f"},
		{Exp(site), "exp(f(x))"},
		{Log(site), "(1f / f(x))"},
		{Div(other, site), "-(f((x + 1)) / (f(x) * f(x)))"},
		{ReLU(site), "select((f(x) >= 0f), 1f, 0f)"},
		{Select(GreaterThan(site, Const(0)), other, other), "0f"},
		{ToFloat(V(x)), "0f"},
	}
	for _, tc := range testCases {
		assert.Equalf(t, tc.want, PartialDerivative(tc.e, site).String(), "d(%s)/d(%s)", tc.e, site)
	}
}

func TestLinearTerm(t *testing.T) {
	g := New("test")
	x, y := g.NewVar("x"), g.NewVar("y")
	r := g.NewRDom("r", bounds.Make(0, 3))

	coef, rest, ok := linearTerm(Sub(Add(V(x), R(r.X())), Int(1)), x)
	require.True(t, ok)
	require.Equal(t, 1, coef)
	require.Equal(t, "(r.x - 1)", rest.String())

	coef, rest, ok = linearTerm(Sub(V(y), V(x)), x)
	require.True(t, ok)
	require.Equal(t, -1, coef)
	require.Equal(t, "y", rest.String())

	coef, _, ok = linearTerm(Mul(Int(2), V(x)), x)
	require.True(t, ok)
	require.Equal(t, 2, coef)

	_, _, ok = linearTerm(Mul(V(x), V(x)), x)
	require.False(t, ok)
}

func TestPropagateAdjoints(t *testing.T) {
	g, conv, w, in, loss := conv1D()
	unrelated := g.NewFunc("unrelated", g.NewVar("x")).Define(Const(3))
	before := make(map[string]string)
	for _, f := range g.Funcs() {
		before[f.Name()] = f.String()
	}
	numFuncs := len(g.Funcs())

	d, err := PropagateAdjoints(loss)
	require.NoError(t, err)

	// The forward graph is unchanged.
	funcs := g.Funcs()
	for _, f := range funcs[:numFuncs] {
		require.Equal(t, before[f.Name()], f.String())
	}

	require.Equal(t, []string{"conv", "in", "loss", "w"}, d.Names())
	require.Equal(t, "loss() = 0f\nloss() += (conv(rl.x) * conv(rl.x))  over rl{rl.x in [0, 9]}", d.Output.String())

	dConv, err := d.AdjointOf(conv)
	require.NoError(t, err)
	require.Equal(t, "d_conv(x) = 0f\nd_conv(x) += (d_loss() * (2f * conv(x)))  where x in [0, 9]", dConv.String())

	dW, err := d.AdjointOf(w)
	require.NoError(t, err)
	require.Equal(t, "d_w(_0) = 0f\n"+
		"d_w(_0) += (d_conv(r_conv.x) * in((r_conv.x + _0)))  over r_conv{r_conv.x in [0, 9]}  where _0 in [0, 2]",
		dW.String())

	dIn, err := d.AdjointOf(in)
	require.NoError(t, err)
	require.Equal(t, "d_in(_0) = 0f\n"+
		"d_in(_0) += (d_conv((_0 - r.x)) * w(r.x))  over r_conv{r.x in [0, 2]}  where (_0 - r.x) in [0, 9]",
		dIn.String())

	rdom, found := d.Reduction("d_w", 0)
	require.True(t, found)
	require.Equal(t, dW.Update(0).RDom(), rdom)
	_, found = d.Reduction("d_conv", 0)
	require.False(t, found)

	// No path from the loss: absent, not zero.
	require.False(t, d.Has(unrelated.Name()))
	_, err = d.AdjointOf(unrelated)
	require.ErrorIs(t, err, ErrUndefinedAdjoint)

	convRegion, found := d.Regions.Of(conv)
	require.True(t, found)
	require.Equal(t, bounds.FromExtents(10), convRegion)
}

func TestPropagateAdjointsIdentity(t *testing.T) {
	g := New("identity")
	x := g.NewVar("x")
	in := g.NewParam("in", dtypes.Float32, bounds.FromExtents(5))
	out := g.NewFunc("out", x).Define(in.At(x))
	r := g.NewRDom("r", bounds.Make(0, 5))
	d, err := PropagateAdjoints(Mul(out.Call(r.X()), in.At(r.X())))
	require.NoError(t, err)
	dIn := d.Adjoints["in"]
	// Two contributions: one directly from the loss, one through out (identity).
	require.Equal(t, 2, dIn.NumUpdates())
	require.Equal(t, "d_in(_0) += (d_loss() * out(_0))  where _0 in [0, 4]", dIn.Update(0).String())
	require.Equal(t, "d_in(_0) += d_out(_0)  where _0 in [0, 4]", dIn.Update(1).String())
}

func TestPropagateAdjointsZeroPartial(t *testing.T) {
	g := New("zero")
	x := g.NewVar("x")
	in := g.NewParam("in", dtypes.Float32, bounds.FromExtents(5))
	f := g.NewFunc("f", x).Define(in.At(x))
	mask := g.NewFunc("mask", x).Define(Select(GreaterThan(f.Call(x), Const(0)), Const(1), Const(0)))
	r := g.NewRDom("r", bounds.Make(0, 5))
	d, err := PropagateAdjoints(Add(mask.Call(r.X()), Const(1)))
	require.NoError(t, err)
	require.True(t, d.Has("mask"))
	require.False(t, d.Has("f"))
	require.False(t, d.Has("in"))
}

func TestAmbiguousScatterInversion(t *testing.T) {
	for name, index := range map[string]func(x *Var) []any{
		"strided":  func(x *Var) []any { return []any{Mul(V(x), Int(2)), 0} },
		"repeated": func(x *Var) []any { return []any{x, x} },
		"mixed":    func(x *Var) []any { return []any{Add(V(x), V(x)), 0} },
	} {
		t.Run(name, func(t *testing.T) {
			g := New("ambiguous")
			x := g.NewVar("x")
			in := g.NewParam("in", dtypes.Float32, bounds.FromExtents(20, 20))
			out := g.NewFunc("out", x).Define(in.At(index(x)...))
			r := g.NewRDom("r", bounds.Make(0, 5))
			_, err := PropagateAdjoints(out.Call(r.X()))
			require.ErrorIs(t, err, ErrAmbiguousScatterInversion)
		})
	}
}

func TestPropagateAdjointsErrors(t *testing.T) {
	g := New("errors")
	x := g.NewVar("x")
	in := g.NewParam("in", dtypes.Float32, bounds.FromExtents(5))
	f := g.NewFunc("f", x).Define(in.At(x))

	_, err := PropagateAdjoints(f.Call(x))
	require.ErrorIs(t, err, ErrUnboundVariable)

	_, err = PropagateAdjointsFunc(f)
	require.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = PropagateAdjoints(LessThan(in.At(0), Const(1)))
	require.ErrorIs(t, err, ErrTypeMismatch)

	// The loss reads the param out of its declared bounds, but that is only checked when lowering.
	d, err := PropagateAdjoints(in.At(7))
	require.NoError(t, err)
	require.True(t, d.Has("in"))
}
