// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autoschedule creates a default schedule for a graph from the regions its Funcs need to compute.
//
// It is rule based, there is no cost model:
//
//   - Every Func reached from the outputs is materialized with ComputeRoot, unless listed in Config.Inline and
//     defined by a pure definition only.
//   - The outermost pure loop variable of each stage runs in parallel, if its extent is more than one.
//   - The innermost pure loop variable of each stage is vectorized, if its extent is at least the vector width.
//
// Pure loop variables never race, so the schedules created never need AllowRaceConditions. The declared bounds of
// the Params are used as the estimates of the problem size.
package autoschedule

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorfunc/pkg/core/bounds"
	"github.com/gomlx/tensorfunc/pkg/core/graph"
	"github.com/gomlx/tensorfunc/pkg/core/schedule"
	"github.com/gomlx/tensorfunc/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultVectorWidth is the vector width used if Config.VectorWidth is 0.
const DefaultVectorWidth = 8

// Config of the automatic schedule. The zero value is valid.
type Config struct {
	// VectorWidth of vectorized loops. If 0, DefaultVectorWidth is used.
	VectorWidth int

	// Serial disables parallel loops.
	Serial bool

	// Inline holds names of Funcs to leave inlined in their consumers, if they have no updates.
	Inline sets.Set[string]
}

// Auto creates a schedule for all Funcs needed to compute the requested regions of the outputs.
func Auto(g *graph.Graph, outputs map[*graph.Func]bounds.Box, config Config) (s *schedule.Schedule, err error) {
	if len(outputs) == 0 {
		return nil, errors.New("autoschedule: no outputs requested")
	}
	width := config.VectorWidth
	if width == 0 {
		width = DefaultVectorWidth
	}
	if width < 0 {
		return nil, errors.Errorf("autoschedule: invalid vector width %d", width)
	}
	regions, err := g.InferBounds(outputs)
	if err != nil {
		return nil, errors.WithMessage(err, "autoschedule: bounds inference failed")
	}

	s = schedule.New(g)
	scheduled := sets.Make[string](len(regions.Order))
	err = exceptions.TryCatch[error](func() {
		for _, f := range regions.Order {
			_, isOutput := outputs[f]
			if !isOutput && f.NumUpdates() == 0 && config.Inline.Has(f.Name()) {
				continue
			}
			box, _ := regions.Of(f)
			s.Func(f).ComputeRoot()
			for _, def := range f.Definitions() {
				scheduleStage(s, def, box, width, !config.Serial)
			}
			scheduled.Insert(f.Name())
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "autoschedule: failed to schedule graph %q", g.Name())
	}
	klog.V(1).Infof("autoschedule(%q): materialized %v", g.Name(), sets.Sorted(scheduled))
	return s, nil
}

// scheduleStage attaches the loop directives of one definition computing the given region.
func scheduleStage(s *schedule.Schedule, def *graph.Definition, region bounds.Box, width int, parallel bool) {
	vars := def.LoopVars()
	if len(vars) == 0 {
		return
	}
	stage := s.Update(def.Func(), def.Index())
	ranges := def.LoopRanges(region)
	inner, outer := vars[0], vars[len(vars)-1]
	if width > 1 && ranges[inner].Extent >= width && !schedule.IsRacing(def, inner) {
		stage.Vectorize(inner, width)
	}
	if parallel && ranges[outer].Extent > 1 {
		stage.Parallel(outer)
	}
}
