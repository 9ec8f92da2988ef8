// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
	"golang.org/x/time/rate"
)

// Nest is nested sampling over the pool. The static variant performs one
// run; the dynamic variant performs a baseline run followed by NBatch-1
// smaller batches and merges them.
//
// The evaluation hooks live in the Sampler sub-structure, one field each.
// Evolutions per iteration equal the pool size, so every worker has one
// point to evolve.
type Nest struct {
	lifecycle

	// Sampler holds the rebindable evaluations.
	Sampler Sampler

	name    string
	batches int
	model   state.Model
	pool    pool.Pool
	opts    Options
	logger  *slog.Logger
}

// NewNest constructs the static nested sampler with closure hooks.
func NewNest(model state.Model, proposal state.Proposal, p pool.Pool, opts Options) (*Nest, error) {
	return newNest(NameNest, 1, model, proposal, p, opts)
}

// NewDyNest constructs the batched nested sampler with closure hooks.
func NewDyNest(model state.Model, proposal state.Proposal, p pool.Pool, opts Options) (*Nest, error) {
	opts = opts.withDefaults()
	return newNest(NameDyNest, opts.NBatch, model, proposal, p, opts)
}

func newNest(name string, batches int, model state.Model, proposal state.Proposal, p pool.Pool, opts Options) (*Nest, error) {
	if err := checkDeps(model, proposal, p, true); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Nest{
		Sampler: closureSampler(model, proposal),
		name:    name,
		batches: batches,
		model:   model,
		pool:    p,
		opts:    opts,
		logger:  opts.Logger.With("engine", name),
	}, nil
}

func (e *Nest) Name() string { return e.name }

func (e *Nest) Bindings() Bindings {
	return Bindings{
		HookPosterior:      eval.LogLike,
		HookPriorTransform: eval.PriorTransform,
		HookProposal:       eval.Propose,
	}
}

func (e *Nest) SetPosteriorHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookPosterior, t, func() { e.Sampler.LogLikelihood = t })
}

func (e *Nest) SetPriorTransformHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookPriorTransform, t, func() { e.Sampler.PriorTransform = t })
}

func (e *Nest) SetProposalHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookProposal, t, func() { e.Sampler.EvolvePoint = t })
}

// Run performs every batch and merges them into one result.
func (e *Nest) Run(ctx context.Context) error {
	if err := e.begin(); err != nil {
		return err
	}
	start := time.Now()
	r := newRunner(e.pool, e.opts.Seed)
	progress := rate.Sometimes{Interval: e.opts.ProgressInterval}

	runs := make([]*nestedRun, 0, e.batches)
	for b := range e.batches {
		nlive := e.opts.NLive
		if b > 0 {
			nlive = max(nlive/2, 4)
		}
		run, err := r.nested(ctx, e.Sampler, nestedConfig{
			dim:       e.model.Dim(),
			nlive:     nlive,
			queue:     e.pool.Size(),
			tolerance: e.opts.Tolerance,
			maxIter:   e.opts.MaxIter,
			progress: func(it int, logZ, dlogZ float64) {
				progress.Do(func() {
					e.logger.Info("sampling", "batch", b+1, "iteration", it, "logz", logZ, "dlogz", dlogZ)
				})
			},
		})
		if err != nil {
			return err
		}
		e.logger.Debug("batch done", "batch", b+1, "nlive", nlive, "logz", run.logZ, "iterations", run.iterations)
		runs = append(runs, run)
	}

	res := summarize(e.name, e.model.Names(), r, runs)
	res.Elapsed = time.Since(start)
	res.Diagnostics["batches"] = float64(e.batches)
	res.Diagnostics["queue"] = float64(e.pool.Size())
	e.finish(res)
	e.logger.Info("sampling done", "logz", res.LogZ, "logz_err", res.LogZErr,
		"samples", len(res.Samples), "elapsed", res.Elapsed)
	return nil
}

// summarize merges runs and draws the posterior.
func summarize(name string, names []string, r *runner, runs []*nestedRun) *Result {
	dead, logZ, logZErr := merge(runs)
	samples, logls := r.resample(dead, logZ)
	iterations, accepted, calls, info := 0, 0, 0, 0.0
	for _, run := range runs {
		iterations += run.iterations
		accepted += run.accepted
		calls += run.calls
		info += run.info / float64(len(runs))
	}
	return &Result{
		Engine:      name,
		Names:       names,
		Samples:     samples,
		LogL:        logls,
		Acceptance:  float64(accepted) / float64(max(calls, 1)),
		LogZ:        logZ,
		LogZErr:     logZErr,
		HasEvidence: true,
		Evaluations: r.evals,
		Iterations:  iterations,
		Diagnostics: map[string]float64{
			"information": info,
			"dead_points": float64(len(dead)),
		},
	}
}

var _ Hookable = (*Nest)(nil)
