// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorfunc/backends"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/gomlx/tensorfunc/pkg/core/gradcheck"
	"github.com/gomlx/tensorfunc/pkg/core/graph"
	"github.com/gomlx/tensorfunc/pkg/core/lower"
	"github.com/gomlx/tensorfunc/pkg/core/schedule"
	"github.com/gomlx/tensorfunc/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// conv1D is the 1D version of a convolution layer with a squared error loss:
//
//	conv(x) = 0; conv(x) += w(r.x) * in(x + r.x)
//	relu(x) = max(conv(x), 0)
//	loss = sum over rl of (relu(rl.x) - compare(rl.x))^2
type conv1D struct {
	g               *graph.Graph
	x               *graph.Var
	in, w, compare  *graph.Param
	r               *graph.RDom
	conv, relu      *graph.Func
	derivative      *graph.Derivative
	dW, dIn, dConv  *graph.Func
	inputs          map[string]*tensors.Buffer
	inVals, wVals   []float64
	compareVals     []float64
	numOut, filterN int
}

func newConv1D(t *testing.T) *conv1D {
	c := &conv1D{g: graph.New("conv1d"), numOut: 10, filterN: 3}
	c.x = c.g.NewVar("x")
	c.in = c.g.NewParam("in", dtypes.Float64, bounds.FromExtents(c.numOut+c.filterN-1))
	c.w = c.g.NewParam("w", dtypes.Float64, bounds.FromExtents(c.filterN))
	c.compare = c.g.NewParam("compare", dtypes.Float64, bounds.FromExtents(c.numOut))
	c.r = c.g.NewRDom("r", bounds.Make(0, c.filterN))
	c.conv = c.g.NewFunc("conv", c.x).Define(graph.Const(0))
	c.conv.UpdateAdd(graph.Mul(c.w.At(c.r.X()), c.in.At(graph.Add(graph.V(c.x), graph.R(c.r.X())))), c.x)
	c.relu = c.g.NewFunc("relu", c.x).Define(graph.ReLU(c.conv.Call(c.x)))
	rl := c.g.RDomOver(c.compare)
	var err error
	c.derivative, err = graph.PropagateAdjoints(graph.Square(graph.Sub(c.relu.Call(rl.X()), c.compare.At(rl.X()))))
	require.NoError(t, err)
	c.dW, err = c.derivative.AdjointOf(c.w)
	require.NoError(t, err)
	c.dIn, err = c.derivative.AdjointOf(c.in)
	require.NoError(t, err)
	c.dConv, err = c.derivative.AdjointOf(c.conv)
	require.NoError(t, err)

	// conv(x) = 0.1*x - 0.27: no point is close to the ReLU kink.
	c.inVals = make([]float64, c.numOut+c.filterN-1)
	for ii := range c.inVals {
		c.inVals[ii] = 0.1*float64(ii) - 0.4
	}
	c.wVals = []float64{0.5, -0.3, 0.8}
	c.compareVals = make([]float64, c.numOut)
	for ii := range c.compareVals {
		c.compareVals[ii] = 0.05 * float64(ii)
	}
	c.inputs = map[string]*tensors.Buffer{
		"in":      tensors.FromFlat(c.in.Bounds(), c.inVals),
		"w":       tensors.FromFlat(c.w.Bounds(), c.wVals),
		"compare": tensors.FromFlat(c.compare.Bounds(), c.compareVals),
	}
	return c
}

// expectedReLU computes the forward pass directly.
func (c *conv1D) expectedReLU() []float64 {
	out := make([]float64, c.numOut)
	for x := range out {
		var sum float64
		for r := range c.filterN {
			sum += c.wVals[r] * c.inVals[x+r]
		}
		out[x] = max(sum, 0)
	}
	return out
}

func newBackend(t *testing.T, options ...Option) *Backend {
	b, err := New(append([]Option{WithDType(dtypes.Float64)}, options...)...)
	require.NoError(t, err)
	return b
}

func execute(t *testing.T, b *Backend, s *schedule.Schedule, outputs map[*graph.Func]bounds.Box,
	inputs map[string]*tensors.Buffer) map[string]*tensors.Buffer {
	t.Helper()
	p, err := lower.Lower(s, outputs)
	require.NoError(t, err)
	results, err := b.Execute(p, inputs)
	require.NoError(t, err)
	return results
}

func TestForward(t *testing.T) {
	c := newConv1D(t)
	want := c.expectedReLU()
	outputs := map[*graph.Func]bounds.Box{c.relu: bounds.FromExtents(c.numOut)}

	// Default schedule.
	results := execute(t, newBackend(t), schedule.New(c.g), outputs, c.inputs)
	relu := results["relu"]
	require.NotNil(t, relu)
	require.Equal(t, bounds.FromExtents(c.numOut), relu.Bounds())
	assert.InDeltaSlice(t, want, relu.Float64s(), 1e-12)

	// Splits that don't divide the ranges, parallel loops and a Float32 realization.
	s := schedule.New(c.g)
	s.Func(c.conv).ComputeRoot().Vectorize(c.x, 4).Parallel(c.x)
	s.Update(c.conv, 0).Parallel(c.x).Unroll(c.r.X(), 2)
	s.Func(c.relu).Vectorize(c.x, 3)
	for _, parallelism := range []int{0, 1, -1} {
		b, err := New(WithMaxParallelism(parallelism))
		require.NoError(t, err)
		results = execute(t, b, s, outputs, c.inputs)
		require.Equal(t, dtypes.Float32, results["relu"].DType())
		assert.InDeltaSlice(t, want, results["relu"].Float64s(), 1e-6)
	}
}

func TestInlined(t *testing.T) {
	c := newConv1D(t)
	double := c.g.NewFunc("double", c.x).Define(graph.MulScalar(c.relu.Call(c.x), 2))
	shifted := c.g.NewFunc("shifted", c.x).Define(double.Call(graph.Add(graph.V(c.x), graph.Int(1))))
	p, err := lower.Lower(schedule.New(c.g), map[*graph.Func]bounds.Box{shifted: bounds.FromExtents(c.numOut - 1)})
	require.NoError(t, err)
	require.True(t, p.IsInlined(double))
	require.True(t, p.IsInlined(c.relu))

	results, err := newBackend(t).Execute(p, c.inputs)
	require.NoError(t, err)
	want := c.expectedReLU()
	got := results["shifted"].Float64s()
	require.Len(t, got, c.numOut-1)
	for x := range got {
		assert.InDeltaf(t, 2*want[x+1], got[x], 1e-12, "shifted(%d)", x)
	}
}

func TestGradients(t *testing.T) {
	c := newConv1D(t)
	b := newBackend(t)
	results := execute(t, b, schedule.New(c.g), map[*graph.Func]bounds.Box{
		c.derivative.Output: {},
		c.dW:                c.w.Bounds(),
		c.dIn:               c.in.Bounds(),
	}, c.inputs)

	// Loss computed directly.
	relu := c.expectedReLU()
	var wantLoss float64
	for x, v := range relu {
		wantLoss += (v - c.compareVals[x]) * (v - c.compareVals[x])
	}
	assert.InDelta(t, wantLoss, results[c.derivative.Output.Name()].At(), 1e-12)

	lossPipeline, err := lower.Lower(schedule.New(c.g), map[*graph.Func]bounds.Box{c.derivative.Output: {}})
	require.NoError(t, err)
	evalLoss := func(inputs map[string]*tensors.Buffer) (float64, error) {
		results, err := b.Execute(lossPipeline, inputs)
		if err != nil {
			return 0, err
		}
		return results[c.derivative.Output.Name()].At(), nil
	}
	checker := gradcheck.New(evalLoss).Epsilon(1e-6).Tolerance(1e-6, 1e-8)
	_, err = checker.Check(c.inputs, "w", results["d_w"])
	require.NoError(t, err)
	_, err = checker.Check(c.inputs, "in", results["d_in"])
	require.NoError(t, err)
}

func TestRaceTolerantParallel(t *testing.T) {
	c := newConv1D(t)
	outputs := map[*graph.Func]bounds.Box{c.dW: c.w.Bounds()}
	serial := execute(t, newBackend(t), schedule.New(c.g), outputs, c.inputs)["d_w"]

	rConv := c.dW.Update(0).RDom()
	require.NotNil(t, rConv)
	s := schedule.New(c.g)
	s.Update(c.dW, 0).AllowRaceConditions().Parallel(rConv.X())
	s.Update(c.dConv, 0).Vectorize(c.dConv.Dim(0), 4)
	p, err := lower.Lower(s, outputs)
	require.NoError(t, err)
	require.True(t, p.Realization(c.dW).Stages[1].Atomic)
	for _, dtype := range []dtypes.DType{dtypes.Float64, dtypes.Float32} {
		b, err := New(WithDType(dtype), WithMaxParallelism(-1))
		require.NoError(t, err)
		results, err := b.Execute(p, c.inputs)
		require.NoError(t, err)
		assert.InDeltaSlice(t, serial.Float64s(), results["d_w"].Float64s(), 1e-5)
	}
}

func TestIdentityAdjoint(t *testing.T) {
	g := graph.New("identity")
	x := g.NewVar("x")
	in := g.NewParam("in", dtypes.Float64, bounds.FromExtents(5))
	out := g.NewFunc("out", x).Define(in.At(x))
	r := g.NewRDom("r", bounds.Make(0, 5))
	d, err := graph.PropagateAdjoints(graph.Square(out.Call(r.X())))
	require.NoError(t, err)
	dOut, err := d.AdjointOf(out)
	require.NoError(t, err)
	dIn, err := d.AdjointOf(in)
	require.NoError(t, err)

	inputs := map[string]*tensors.Buffer{"in": tensors.FromFlat(in.Bounds(), []float64{1, -2, 3, 0.5, 0})}
	results := execute(t, newBackend(t), schedule.New(g),
		map[*graph.Func]bounds.Box{dOut: bounds.FromExtents(5), dIn: in.Bounds()}, inputs)
	assert.Equal(t, []float64{2, -4, 6, 1, 0}, results["d_out"].Float64s())
	assert.Equal(t, results["d_out"].Float64s(), results["d_in"].Float64s())
}

// TestSinglePoint uses a 1x1 input and a 1x1 filter, with no bias and comparing to 0:
// relu = conv = filter*input and d_filter = 2*filter*input^2.
func TestSinglePoint(t *testing.T) {
	g := graph.New("single")
	x := g.NewVar("x")
	input := g.NewParam("input", dtypes.Float64, bounds.FromExtents(1))
	filter := g.NewParam("filter", dtypes.Float64, bounds.FromExtents(1))
	compare := g.NewParam("compare", dtypes.Float64, bounds.FromExtents(1))
	r := g.RDomOver(filter)
	conv := g.NewFunc("conv", x).Define(graph.Const(0))
	conv.UpdateAdd(graph.Mul(filter.At(r.X()), input.At(graph.Add(graph.V(x), graph.R(r.X())))), x)
	relu := g.NewFunc("relu", x).Define(graph.ReLU(conv.Call(x)))
	rt := g.RDomOver(compare)
	d, err := graph.PropagateAdjoints(graph.Square(graph.Sub(relu.Call(rt.X()), compare.At(rt.X()))))
	require.NoError(t, err)
	dFilter, err := d.AdjointOf(filter)
	require.NoError(t, err)

	const filterValue, inputValue = 1.5, 2.0
	inputs := map[string]*tensors.Buffer{
		"input":   tensors.FromFlat(input.Bounds(), []float64{inputValue}),
		"filter":  tensors.FromFlat(filter.Bounds(), []float64{filterValue}),
		"compare": tensors.FromFlat(compare.Bounds(), []float64{0}),
	}
	results := execute(t, newBackend(t), schedule.New(g),
		map[*graph.Func]bounds.Box{relu: bounds.FromExtents(1), dFilter: filter.Bounds()}, inputs)
	assert.InDelta(t, filterValue*inputValue, results["relu"].At(0), 1e-12)
	assert.InDelta(t, 2*filterValue*inputValue*inputValue, results["d_filter"].At(0), 1e-12)
}

// waveInput returns a buffer with smooth non-repeating values, shifted by offset.
func waveInput(box bounds.Box, offset float64) *tensors.Buffer {
	flat := make([]float64, box.Size())
	for ii := range flat {
		flat[ii] = math.Sin(0.7*float64(ii)+offset) + 0.3
	}
	return tensors.FromFlat(box, flat)
}

// checkAdjoints propagates the adjoints of loss, and compares the adjoints of each Param in wrt against central
// finite differences of the loss.
func checkAdjoints(t *testing.T, loss *graph.Expr, inputs map[string]*tensors.Buffer, wrt ...*graph.Param) {
	t.Helper()
	d, err := graph.PropagateAdjoints(loss)
	require.NoError(t, err)
	g := d.Output.Graph()
	outputs := map[*graph.Func]bounds.Box{d.Output: {}}
	for _, p := range wrt {
		adj, err := d.AdjointOf(p)
		require.NoError(t, err)
		outputs[adj] = p.Bounds()
	}
	b := newBackend(t)
	results := execute(t, b, schedule.New(g), outputs, inputs)

	lossPipeline, err := lower.Lower(schedule.New(g), map[*graph.Func]bounds.Box{d.Output: {}})
	require.NoError(t, err)
	evalLoss := func(inputs map[string]*tensors.Buffer) (float64, error) {
		results, err := b.Execute(lossPipeline, inputs)
		if err != nil {
			return 0, err
		}
		return results[d.Output.Name()].At(), nil
	}
	checker := gradcheck.New(evalLoss).Epsilon(1e-6).Tolerance(1e-5, 1e-7)
	for _, p := range wrt {
		_, err = checker.Check(inputs, p.Name(), results["d_"+p.Name()])
		require.NoErrorf(t, err, "adjoint of %q", p.Name())
	}
}

func TestAdjointReversedIndex(t *testing.T) {
	// out(x) = in(7 - x) * w(x)
	g := graph.New("reversed")
	x := g.NewVar("x")
	in := g.NewParam("in", dtypes.Float64, bounds.FromExtents(8))
	w := g.NewParam("w", dtypes.Float64, bounds.FromExtents(8))
	out := g.NewFunc("out", x).Define(graph.Mul(in.At(graph.Sub(graph.Int(7), graph.V(x))), w.At(x)))
	r := g.NewRDom("r", bounds.Make(0, 8))
	inputs := map[string]*tensors.Buffer{
		"in": waveInput(in.Bounds(), 0),
		"w":  waveInput(w.Bounds(), 1),
	}
	checkAdjoints(t, graph.Square(out.Call(r.X())), inputs, in, w)
}

func TestAdjointTranspose(t *testing.T) {
	// c(x, y) = p(y, x) * q(x, y)
	g := graph.New("transpose")
	x, y := g.NewVar("x"), g.NewVar("y")
	p := g.NewParam("p", dtypes.Float64, bounds.FromExtents(3, 4))
	q := g.NewParam("q", dtypes.Float64, bounds.FromExtents(4, 3))
	c := g.NewFunc("c", x, y).Define(graph.Mul(p.At(y, x), q.At(x, y)))
	r := g.RDomOver(q)
	inputs := map[string]*tensors.Buffer{
		"p": waveInput(p.Bounds(), 0),
		"q": waveInput(q.Bounds(), 2),
	}
	checkAdjoints(t, graph.Square(c.Call(r.X(), r.Y())), inputs, p, q)
}

func TestAdjointConstantIndexDiamond(t *testing.T) {
	// b(x) = p(0) * in(x) + p(2); out(x) = b(x)^2 + 2*b(x)
	g := graph.New("diamond")
	x := g.NewVar("x")
	p := g.NewParam("p", dtypes.Float64, bounds.FromExtents(3))
	in := g.NewParam("in", dtypes.Float64, bounds.FromExtents(5))
	b := g.NewFunc("b", x).Define(graph.Add(graph.Mul(p.At(0), in.At(x)), p.At(graph.Int(2))))
	squared := g.NewFunc("squared", x).Define(graph.Square(b.Call(x)))
	doubled := g.NewFunc("doubled", x).Define(graph.MulScalar(b.Call(x), 2))
	out := g.NewFunc("out", x).Define(graph.Add(squared.Call(x), doubled.Call(x)))
	r := g.RDomOver(in)
	inputs := map[string]*tensors.Buffer{
		"p":  waveInput(p.Bounds(), 0),
		"in": waveInput(in.Bounds(), 3),
	}
	checkAdjoints(t, out.Call(r.X()), inputs, p, in)
}

func TestAdjointScatterUpdate(t *testing.T) {
	// hist(r.x / 2) += in(r.x) * w(r.x)
	g := graph.New("scatter")
	x := g.NewVar("x")
	in := g.NewParam("in", dtypes.Float64, bounds.FromExtents(8))
	w := g.NewParam("w", dtypes.Float64, bounds.FromExtents(8))
	r := g.RDomOver(in)
	hist := g.NewFunc("hist", x).Define(graph.Const(0))
	hist.UpdateAdd(graph.Mul(in.At(r.X()), w.At(r.X())), graph.Div(graph.R(r.X()), graph.Int(2)))
	rl := g.NewRDom("rl", bounds.Make(0, 4))
	inputs := map[string]*tensors.Buffer{
		"in": waveInput(in.Bounds(), 0),
		"w":  waveInput(w.Bounds(), 4),
	}
	checkAdjoints(t, graph.Square(hist.Call(rl.X())), inputs, in, w)
}

func TestAdjointUpdatesSharingRDom(t *testing.T) {
	// f(x) = in(x); f(x) += w(r.x) * in(x + r.x); f(x) += w(r.x)^2 * in(x)
	g := graph.New("shared")
	x := g.NewVar("x")
	in := g.NewParam("in", dtypes.Float64, bounds.FromExtents(7))
	w := g.NewParam("w", dtypes.Float64, bounds.FromExtents(3))
	r := g.RDomOver(w)
	f := g.NewFunc("f", x).Define(in.At(x))
	f.UpdateAdd(graph.Mul(w.At(r.X()), in.At(graph.Add(graph.V(x), graph.R(r.X())))), x)
	f.UpdateAdd(graph.Mul(graph.Square(w.At(r.X())), in.At(x)), x)
	rl := g.NewRDom("rl", bounds.Make(0, 5))
	inputs := map[string]*tensors.Buffer{
		"in": waveInput(in.Bounds(), 0),
		"w":  waveInput(w.Bounds(), 5),
	}
	checkAdjoints(t, graph.Square(f.Call(rl.X())), inputs, in, w)
}

func TestExecuteErrors(t *testing.T) {
	c := newConv1D(t)
	p, err := lower.Lower(schedule.New(c.g), map[*graph.Func]bounds.Box{c.relu: bounds.FromExtents(c.numOut)})
	require.NoError(t, err)
	b := newBackend(t)

	_, err = b.Execute(p, map[string]*tensors.Buffer{"in": c.inputs["in"]})
	require.ErrorContains(t, err, `input "w" not given`)

	short := map[string]*tensors.Buffer{
		"in": tensors.New(dtypes.Float32, bounds.FromExtents(5)),
		"w":  c.inputs["w"],
	}
	_, err = b.Execute(p, short)
	require.ErrorContains(t, err, `input "in" given with bounds`)
}

func TestConfig(t *testing.T) {
	b, err := NewWithConfig("float64, parallelism=2")
	require.NoError(t, err)
	require.Equal(t, dtypes.Float64, b.DType())
	require.Equal(t, 2, b.pool.MaxParallelism())
	require.Contains(t, b.Description(), "(Float64, parallelism=2)")

	b, err = New(WithMaxParallelism(0))
	require.NoError(t, err)
	require.Contains(t, b.Description(), "serial")
	b, err = New(WithMaxParallelism(-1))
	require.NoError(t, err)
	require.Contains(t, b.Description(), "parallelism=unlimited")

	_, err = NewWithConfig("parallelism=many")
	require.Error(t, err)
	_, err = NewWithConfig("gpu")
	require.Error(t, err)
	_, err = New(WithDType(dtypes.Int32))
	require.Error(t, err)

	registered, err := backends.NewWithConfig("go:float64")
	require.NoError(t, err)
	require.Equal(t, BackendName, registered.Name())
	require.Contains(t, registered.Description(), "Float64")
}
