// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradcheck validates gradients against central finite differences.
//
// Example, checking the gradient of a loss with respect to the input "filter":
//
//	result, err := gradcheck.New(evalLoss).Epsilon(1e-4).Tolerance(1e-6, 1e-8).Check(inputs, "filter", dFilter)
package gradcheck

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/tensorfunc/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"k8s.io/klog/v2"
)

// ErrGradientMismatch is returned when the analytic gradient differs from the numeric one beyond the tolerance.
var ErrGradientMismatch = errors.New("gradient mismatch")

// Evaluator computes the scalar being differentiated, for the given inputs.
type Evaluator func(inputs map[string]*tensors.Buffer) (float64, error)

// Checker configures a finite-differences gradient check. Create it with New.
type Checker struct {
	eval         Evaluator
	epsilon      float64
	relTolerance float64
	absTolerance float64
	maxPoints    int
	rng          *rand.Rand
	progress     func(done, total int)
}

// New creates a Checker with default values: epsilon=1e-3, relative tolerance 1e-3 and absolute tolerance 1e-5,
// which work for Float32 computations of moderate size.
func New(eval Evaluator) *Checker {
	return &Checker{
		eval:         eval,
		epsilon:      1e-3,
		relTolerance: 1e-3,
		absTolerance: 1e-5,
		rng:          rand.New(rand.NewPCG(42, 0)),
	}
}

// Epsilon sets the perturbation used for the central differences.
func (c *Checker) Epsilon(epsilon float64) *Checker {
	c.epsilon = epsilon
	return c
}

// Tolerance sets the relative and absolute tolerances: a value matches if it is within either of them.
func (c *Checker) Tolerance(relative, absolute float64) *Checker {
	c.relTolerance = relative
	c.absTolerance = absolute
	return c
}

// MaxPoints limits the number of points checked, sampled at random. 0 (the default) checks every point.
func (c *Checker) MaxPoints(n int) *Checker {
	c.maxPoints = n
	return c
}

// WithRand sets the random number generator used to sample the points.
func (c *Checker) WithRand(rng *rand.Rand) *Checker {
	c.rng = rng
	return c
}

// WithProgress sets a function called after each point is checked.
func (c *Checker) WithProgress(progress func(done, total int)) *Checker {
	c.progress = progress
	return c
}

// Result of a gradient check.
type Result struct {
	// Indices of the points checked, in the coordinates of the input.
	Indices [][]int

	// Analytic and Numeric gradient values of each point checked.
	Analytic, Numeric []float64

	// MaxAbsError and MaxRelError over all points checked.
	MaxAbsError, MaxRelError float64
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	return fmt.Sprintf("%d points checked, max absolute error %.3g, max relative error %.3g",
		len(r.Indices), r.MaxAbsError, r.MaxRelError)
}

// Numeric computes the central finite differences of the Evaluator with respect to the input wrt, at the points
// selected by the configuration. The inputs are not modified.
func (c *Checker) Numeric(inputs map[string]*tensors.Buffer, wrt string) (*Result, error) {
	original, found := inputs[wrt]
	if !found {
		return nil, errors.Errorf("gradcheck: input %q not given", wrt)
	}
	perturbed := original.Clone()
	local := make(map[string]*tensors.Buffer, len(inputs))
	for name, buf := range inputs {
		local[name] = buf
	}
	local[wrt] = perturbed

	offsets := c.offsets(perturbed.Size())
	result := &Result{
		Indices: make([][]int, len(offsets)),
		Numeric: make([]float64, len(offsets)),
	}
	for ii, offset := range offsets {
		value := perturbed.AtOffset(offset)
		perturbed.SetOffset(offset, value+c.epsilon)
		plus, err := c.eval(local)
		if err != nil {
			return nil, errors.WithMessagef(err, "gradcheck: evaluating %q+epsilon at %v", wrt, perturbed.Index(offset))
		}
		perturbed.SetOffset(offset, value-c.epsilon)
		minus, err := c.eval(local)
		if err != nil {
			return nil, errors.WithMessagef(err, "gradcheck: evaluating %q-epsilon at %v", wrt, perturbed.Index(offset))
		}
		perturbed.SetOffset(offset, value)
		result.Indices[ii] = perturbed.Index(offset)
		result.Numeric[ii] = (plus - minus) / (2 * c.epsilon)
		if c.progress != nil {
			c.progress(ii+1, len(offsets))
		}
	}
	return result, nil
}

func (c *Checker) offsets(size int) []int {
	if c.maxPoints <= 0 || c.maxPoints >= size {
		offsets := make([]int, size)
		for ii := range offsets {
			offsets[ii] = ii
		}
		return offsets
	}
	offsets := c.rng.Perm(size)[:c.maxPoints]
	slices.Sort(offsets)
	return offsets
}

// Check compares the analytic gradient with respect to the input wrt with the central finite differences.
//
// The analytic gradient buffer is indexed with the same coordinates as the input, and must cover its bounds.
// It returns an error wrapping ErrGradientMismatch, along with the result, if any point differs beyond the tolerance.
func (c *Checker) Check(inputs map[string]*tensors.Buffer, wrt string, analytic *tensors.Buffer) (*Result, error) {
	result, err := c.Numeric(inputs, wrt)
	if err != nil {
		return nil, err
	}
	if !analytic.Bounds().ContainsBox(inputs[wrt].Bounds()) {
		return nil, errors.Errorf("gradcheck: gradient bounds %s don't cover input %q bounds %s",
			analytic.Bounds(), wrt, inputs[wrt].Bounds())
	}
	result.Analytic = make([]float64, len(result.Indices))
	for ii, idx := range result.Indices {
		result.Analytic[ii] = analytic.At(idx...)
	}

	var mismatches []string
	for ii := range result.Indices {
		a, n := result.Analytic[ii], result.Numeric[ii]
		absErr := math.Abs(a - n)
		relErr := absErr / max(math.Abs(a), math.Abs(n), math.SmallestNonzeroFloat64)
		result.MaxAbsError = max(result.MaxAbsError, absErr)
		if absErr > 0 {
			result.MaxRelError = max(result.MaxRelError, relErr)
		}
		if !scalar.EqualWithinAbsOrRel(a, n, c.absTolerance, c.relTolerance) {
			mismatches = append(mismatches, fmt.Sprintf("%v: analytic=%g numeric=%g", result.Indices[ii], a, n))
		}
	}
	klog.V(1).Infof("gradcheck %q: %s", wrt, result)
	if len(mismatches) > 0 {
		const maxListed = 5
		listed := mismatches[:min(len(mismatches), maxListed)]
		return result, errors.Wrapf(ErrGradientMismatch, "gradcheck %q: %d of %d points differ (rtol=%g, atol=%g): %s",
			wrt, len(mismatches), len(result.Indices), c.relTolerance, c.absTolerance, strings.Join(listed, "; "))
	}
	return result, nil
}

// Distance returns the L2 distance between the analytic and numeric gradients of a result.
func (r *Result) Distance() float64 {
	if len(r.Analytic) != len(r.Numeric) {
		return math.Inf(1)
	}
	return floats.Distance(r.Analytic, r.Numeric, 2)
}
