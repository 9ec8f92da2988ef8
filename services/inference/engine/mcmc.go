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
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
	"golang.org/x/time/rate"
)

// MCMC is an ensemble of independent Metropolis random-walk chains.
//
// Every step maps one proposal per walker, then one log-posterior per
// candidate, so a step costs two Map calls regardless of ensemble size.
type MCMC struct {
	lifecycle

	model  state.Model
	pool   pool.Pool
	opts   Options
	logger *slog.Logger

	logPost eval.Task
	propose eval.Task
}

// NewMCMC constructs the ensemble sampler with closure hooks.
func NewMCMC(model state.Model, proposal state.Proposal, p pool.Pool, opts Options) (*MCMC, error) {
	if err := checkDeps(model, proposal, p, true); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &MCMC{
		model:   model,
		pool:    p,
		opts:    opts,
		logger:  opts.Logger.With("engine", NameMCMC),
		logPost: eval.Task{Fn: eval.Scalar(model.LogPost)},
		propose: eval.Task{Fn: proposal.Propose},
	}, nil
}

func (e *MCMC) Name() string { return NameMCMC }

func (e *MCMC) Bindings() Bindings {
	return Bindings{HookPosterior: eval.LogPost, HookProposal: eval.Propose}
}

func (e *MCMC) SetPosteriorHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookPosterior, t, func() { e.logPost = t })
}

func (e *MCMC) SetPriorTransformHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookPriorTransform, t, nil)
}

func (e *MCMC) SetProposalHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookProposal, t, func() { e.propose = t })
}

// Run samples NBurn+NSteps steps and keeps every walker position after
// burn-in.
func (e *MCMC) Run(ctx context.Context) error {
	if err := e.begin(); err != nil {
		return err
	}
	start := time.Now()
	r := newRunner(e.pool, e.opts.Seed)
	dim := e.model.Dim()
	nw := e.opts.NWalkers

	x := make([][]float64, nw)
	for i := range x {
		x[i] = e.model.PriorTransform(r.uniform(dim))
	}
	lp, err := r.scalars(ctx, e.logPost, x)
	if err != nil {
		return err
	}

	progress := rate.Sometimes{Interval: e.opts.ProgressInterval}
	samples := make([][]float64, 0, nw*e.opts.NSteps)
	logps := make([]float64, 0, nw*e.opts.NSteps)
	accepted, proposed := 0, 0
	total := e.opts.NBurn + e.opts.NSteps

	for step := range total {
		if err := ctx.Err(); err != nil {
			return err
		}
		in := make([][]float64, nw)
		for i := range in {
			in[i] = state.WalkInput(r.seed(), x[i])
		}
		out, err := r.mapTask(ctx, e.propose, in)
		if err != nil {
			return err
		}
		cand := make([][]float64, nw)
		logq := make([]float64, nw)
		for i, o := range out {
			if cand[i], logq[i], err = state.DecodeWalk(o, dim); err != nil {
				return fmt.Errorf("%w: %v", ErrBadReply, err)
			}
		}
		next, err := r.scalars(ctx, e.logPost, cand)
		if err != nil {
			return err
		}
		for i := range x {
			proposed++
			if r.accept(next[i] - lp[i] + logq[i]) {
				x[i], lp[i] = cand[i], next[i]
				accepted++
			}
		}
		if step >= e.opts.NBurn {
			for i := range x {
				samples = append(samples, slices.Clone(x[i]))
				logps = append(logps, lp[i])
			}
		}
		progress.Do(func() {
			e.logger.Info("sampling", "step", step+1, "of", total,
				"acceptance", float64(accepted)/float64(proposed))
		})
	}

	e.finish(&Result{
		Engine:      NameMCMC,
		Names:       e.model.Names(),
		Samples:     samples,
		LogPost:     logps,
		Acceptance:  float64(accepted) / float64(max(proposed, 1)),
		Evaluations: r.evals,
		Iterations:  total,
		Elapsed:     time.Since(start),
		Diagnostics: map[string]float64{"walkers": float64(nw)},
	})
	e.logger.Info("sampling done", "samples", len(samples), "elapsed", time.Since(start))
	return nil
}

var _ Hookable = (*MCMC)(nil)
