// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/gomlx/tensorfunc/pkg/core/graph"
	"github.com/gomlx/tensorfunc/pkg/core/lower"
	"github.com/gomlx/tensorfunc/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// execution holds the state of one run of a pipeline.
type execution struct {
	backend  *Backend
	pipeline *lower.Pipeline
	params   map[*graph.Param]*tensors.Buffer
	buffers  map[graph.FuncID]*tensors.Buffer
	compiler *compiler
}

// Execute implements backends.Backend.
//
// Inputs are given by Param name. All realized Funcs are computed in order, and the buffers of the outputs are
// returned keyed by Func name.
func (b *Backend) Execute(p *lower.Pipeline, inputs map[string]*tensors.Buffer) (outputs map[string]*tensors.Buffer, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = b.execute(p, inputs)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "simplego: failed to execute pipeline %q", p.Graph.Name())
	}
	return outputs, nil
}

func (b *Backend) execute(p *lower.Pipeline, inputs map[string]*tensors.Buffer) map[string]*tensors.Buffer {
	start := time.Now()
	exec := &execution{
		backend:  b,
		pipeline: p,
		params:   make(map[*graph.Param]*tensors.Buffer, len(p.Regions.Params)),
		buffers:  make(map[graph.FuncID]*tensors.Buffer, len(p.Realizations)),
	}
	exec.compiler = newCompiler(exec)
	for param := range p.Regions.Params {
		buf, found := inputs[param.Name()]
		if !found {
			exceptions.Panicf("input %q not given", param.Name())
		}
		if buf.Rank() != param.Rank() || !buf.Bounds().ContainsBox(param.Bounds()) {
			exceptions.Panicf("input %q given with bounds %s, but it was declared with bounds %s",
				param.Name(), buf.Bounds(), param.Bounds())
		}
		exec.params[param] = buf
	}

	var numPoints int
	for _, r := range p.Realizations {
		numPoints += exec.realize(r)
	}

	outputs := make(map[string]*tensors.Buffer, len(p.Outputs))
	for _, f := range p.Outputs {
		outputs[f.Name()] = exec.buffers[f.ID()]
	}
	if klog.V(1).Enabled() {
		klog.Infof("simplego: pipeline %q executed %s points in %d realizations, elapsed %s",
			p.Graph.Name(), humanize.Comma(int64(numPoints)), len(p.Realizations), time.Since(start))
	}
	return outputs
}

// realize allocates the buffer of a Func and runs all its stages. It returns the number of points evaluated.
func (exec *execution) realize(r *lower.Realization) int {
	start := time.Now()
	dst := tensors.New(exec.backend.dtype, r.Box)
	exec.buffers[r.Func.ID()] = dst
	var numPoints int
	for _, nest := range r.Stages {
		runner := exec.newStageRunner(nest, dst)
		numPoints += runner.numPoints()
		runner.run()
	}
	if klog.V(1).Enabled() {
		klog.Infof("simplego: realized %s over %s (%s), %s points in %s", r.Func.Name(), r.Box,
			humanize.Bytes(uint64(dst.Memory())), humanize.Comma(int64(numPoints)), time.Since(start))
	}
	return numPoints
}

// guardFn is a compiled Guard.
type guardFn struct {
	index    evalFn
	interval bounds.Interval
}

// varBinding tells how the value of one loop variable is computed from the loop counters.
type varBinding struct {
	slot   int
	rng    bounds.Interval
	factor int

	// Indices in the loop counters. For split variables whole is -1.
	whole, outer, inner int
}

// stageRunner executes the loop nest of one definition.
type stageRunner struct {
	exec     *execution
	nest     *lower.StageNest
	dst      *tensors.Buffer
	bindings []*varBinding
	guards   []guardFn
	lhs      offsetFn
	rhs      evalFn
}

func (exec *execution) newStageRunner(nest *lower.StageNest, dst *tensors.Buffer) *stageRunner {
	def := nest.Definition
	r := &stageRunner{exec: exec, nest: nest, dst: dst}
	byVar := make(map[graph.LoopVar]*varBinding)
	for level, loop := range nest.Loops {
		b := byVar[loop.Var]
		if b == nil {
			b = &varBinding{slot: loop.Var.Slot(), rng: loop.Range, whole: -1, outer: -1, inner: -1}
			byVar[loop.Var] = b
			r.bindings = append(r.bindings, b)
		}
		switch loop.Part {
		case lower.Whole:
			b.whole = level
		case lower.Outer:
			b.outer, b.factor = level, loop.Factor
		case lower.Inner:
			b.inner, b.factor = level, loop.Factor
		}
	}
	for _, b := range r.bindings {
		if b.whole < 0 && (b.outer < 0 || b.inner < 0) {
			exceptions.Panicf("stage %s: split loop variable with slot %d misses its inner or outer loop", def, b.slot)
		}
	}

	c := exec.compiler
	for _, guard := range def.Guards() {
		r.guards = append(r.guards, guardFn{index: c.compile(guard.Index), interval: guard.Interval})
	}
	r.lhs = compileOffset(def.Func().Name(), dst.Bounds(), c.compileAll(def.Args()))
	r.rhs = c.compile(def.RHS())
	if klog.V(2).Enabled() {
		klog.Infof("simplego: stage %s: %d loops, %d guards, atomic=%v", def, len(nest.Loops), len(r.guards), nest.Atomic)
	}
	return r
}

// numPoints is the number of iterations of the innermost body, including split tails and guarded points.
func (r *stageRunner) numPoints() int {
	n := 1
	for _, loop := range r.nest.Loops {
		n *= loop.Extent()
	}
	return n
}

func (r *stageRunner) run() {
	env := make([]int, r.exec.pipeline.Graph.NumSlots())
	counters := make([]int, len(r.nest.Loops))
	r.runLevel(0, env, counters)
}

// runLevel runs the loop at the given level, and recursively the inner ones.
func (r *stageRunner) runLevel(level int, env, counters []int) {
	if level == len(r.nest.Loops) {
		r.body(env, counters)
		return
	}
	loop := r.nest.Loops[level]
	n := loop.Extent()
	if loop.Kind == lower.Parallel && n > 1 {
		err := r.exec.backend.pool.ParallelFor(n, func(start, end int) {
			localEnv, localCounters := slices.Clone(env), slices.Clone(counters)
			for ii := start; ii < end; ii++ {
				localCounters[level] = ii
				r.runLevel(level+1, localEnv, localCounters)
			}
		})
		if err != nil {
			panic(err)
		}
		return
	}
	// Serial, vectorized and unrolled loops all run their iterations in order.
	for ii := range n {
		counters[level] = ii
		r.runLevel(level+1, env, counters)
	}
}

// body evaluates one point of the definition.
func (r *stageRunner) body(env, counters []int) {
	for _, b := range r.bindings {
		v := b.rng.Min
		if b.whole >= 0 {
			v += counters[b.whole]
		} else {
			v += counters[b.outer]*b.factor + counters[b.inner]
			if v > b.rng.Max() {
				// Tail of a split that doesn't divide the range.
				return
			}
		}
		env[b.slot] = v
	}
	for _, guard := range r.guards {
		if !guard.interval.Contains(int(guard.index(env))) {
			return
		}
	}
	offset := r.lhs(env)
	value := r.rhs(env)
	switch {
	case !r.nest.Definition.IsUpdate():
		r.dst.SetOffset(offset, value)
	case r.nest.Atomic:
		r.dst.AtomicAddOffset(offset, value)
	default:
		r.dst.AddOffset(offset, value)
	}
}
