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
	"math"
	"slices"
	"time"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
	"golang.org/x/time/rate"
)

// PTMCMC is a parallel-tempered ensemble. Chains at inverse temperature
// beta target L^beta * prior; adjacent temperatures swap states after every
// step. Only the beta=1 chains are kept.
//
// The posterior hook returns [logL, logPrior] so tempering can weight the
// likelihood alone.
type PTMCMC struct {
	lifecycle

	model  state.Model
	pool   pool.Pool
	opts   Options
	logger *slog.Logger
	betas  []float64

	logLikePrior eval.Task
	propose      eval.Task
}

// NewPTMCMC constructs the tempered sampler with closure hooks.
func NewPTMCMC(model state.Model, proposal state.Proposal, p pool.Pool, opts Options) (*PTMCMC, error) {
	if err := checkDeps(model, proposal, p, true); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &PTMCMC{
		model:  model,
		pool:   p,
		opts:   opts,
		logger: opts.Logger.With("engine", NamePTMCMC),
		betas:  ladder(opts.NTemps, opts.TMax),
		logLikePrior: eval.Task{Fn: func(x []float64) ([]float64, error) {
			ll, lp := model.LogLikePrior(x)
			return []float64{ll, lp}, nil
		}},
		propose: eval.Task{Fn: proposal.Propose},
	}, nil
}

// ladder returns n inverse temperatures spaced geometrically from 1 down
// to 1/tmax.
func ladder(n int, tmax float64) []float64 {
	betas := make([]float64, n)
	betas[0] = 1
	for k := 1; k < n; k++ {
		betas[k] = math.Pow(tmax, -float64(k)/float64(n-1))
	}
	return betas
}

func (e *PTMCMC) Name() string { return NamePTMCMC }

func (e *PTMCMC) Bindings() Bindings {
	return Bindings{HookPosterior: eval.LogLikePrior, HookProposal: eval.Propose}
}

func (e *PTMCMC) SetPosteriorHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookPosterior, t, func() { e.logLikePrior = t })
}

func (e *PTMCMC) SetPriorTransformHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookPriorTransform, t, nil)
}

func (e *PTMCMC) SetProposalHook(t eval.Task) error {
	return e.rebind(e.Bindings(), HookProposal, t, func() { e.propose = t })
}

// chain is one walker at one temperature.
type chain struct {
	x      []float64
	logL   float64
	logPri float64
}

func (e *PTMCMC) evaluate(ctx context.Context, r *runner, xs [][]float64) ([][2]float64, error) {
	out, err := r.mapTask(ctx, e.logLikePrior, xs)
	if err != nil {
		return nil, err
	}
	vals := make([][2]float64, len(out))
	for i, o := range out {
		if len(o) != 2 {
			return nil, fmt.Errorf("%w: %s[%d] has %d values, want 2", ErrBadReply, label(e.logLikePrior), i, len(o))
		}
		vals[i] = [2]float64{o[0], o[1]}
	}
	r.evals += len(xs)
	return vals, nil
}

// Run samples every temperature for NBurn+NSteps steps.
func (e *PTMCMC) Run(ctx context.Context) error {
	if err := e.begin(); err != nil {
		return err
	}
	start := time.Now()
	r := newRunner(e.pool, e.opts.Seed)
	dim := e.model.Dim()
	nt, nw := len(e.betas), e.opts.NWalkers
	n := nt * nw

	// chains[k*nw+j] is walker j at temperature k.
	chains := make([]chain, n)
	xs := make([][]float64, n)
	for i := range chains {
		xs[i] = e.model.PriorTransform(r.uniform(dim))
	}
	vals, err := e.evaluate(ctx, r, xs)
	if err != nil {
		return err
	}
	for i := range chains {
		chains[i] = chain{x: xs[i], logL: vals[i][0], logPri: vals[i][1]}
	}

	progress := rate.Sometimes{Interval: e.opts.ProgressInterval}
	samples := make([][]float64, 0, nw*e.opts.NSteps)
	logls := make([]float64, 0, nw*e.opts.NSteps)
	logps := make([]float64, 0, nw*e.opts.NSteps)
	accepted, proposed := 0, 0
	swaps, swapTries := 0, 0
	total := e.opts.NBurn + e.opts.NSteps

	for step := range total {
		if err := ctx.Err(); err != nil {
			return err
		}
		in := make([][]float64, n)
		for i := range in {
			in[i] = state.WalkInput(r.seed(), chains[i].x)
		}
		out, err := r.mapTask(ctx, e.propose, in)
		if err != nil {
			return err
		}
		cand := make([][]float64, n)
		logq := make([]float64, n)
		for i, o := range out {
			if cand[i], logq[i], err = state.DecodeWalk(o, dim); err != nil {
				return fmt.Errorf("%w: %v", ErrBadReply, err)
			}
		}
		next, err := e.evaluate(ctx, r, cand)
		if err != nil {
			return err
		}
		for i := range chains {
			beta := e.betas[i/nw]
			c := &chains[i]
			ratio := beta*(next[i][0]-c.logL) + (next[i][1] - c.logPri) + logq[i]
			if math.IsInf(next[i][1], -1) {
				ratio = math.Inf(-1)
			}
			proposed++
			if r.accept(ratio) {
				*c = chain{x: cand[i], logL: next[i][0], logPri: next[i][1]}
				accepted++
			}
		}

		// Swap from the hottest pair down so a state can climb several
		// rungs within one step.
		for k := nt - 1; k >= 1; k-- {
			for j := range nw {
				hot, cold := &chains[k*nw+j], &chains[(k-1)*nw+j]
				swapTries++
				if r.accept((e.betas[k-1] - e.betas[k]) * (hot.logL - cold.logL)) {
					*hot, *cold = *cold, *hot
					swaps++
				}
			}
		}

		if step >= e.opts.NBurn {
			for j := range nw {
				c := chains[j]
				samples = append(samples, slices.Clone(c.x))
				logls = append(logls, c.logL)
				logps = append(logps, c.logL+c.logPri)
			}
		}
		progress.Do(func() {
			e.logger.Info("sampling", "step", step+1, "of", total,
				"acceptance", float64(accepted)/float64(proposed),
				"swap_acceptance", float64(swaps)/float64(max(swapTries, 1)))
		})
	}

	e.finish(&Result{
		Engine:      NamePTMCMC,
		Names:       e.model.Names(),
		Samples:     samples,
		LogL:        logls,
		LogPost:     logps,
		Acceptance:  float64(accepted) / float64(max(proposed, 1)),
		Evaluations: r.evals,
		Iterations:  total,
		Elapsed:     time.Since(start),
		Diagnostics: map[string]float64{
			"walkers":         float64(nw),
			"temperatures":    float64(nt),
			"tmax":            e.opts.TMax,
			"swap_acceptance": float64(swaps) / float64(max(swapTries, 1)),
		},
	})
	e.logger.Info("sampling done", "samples", len(samples), "elapsed", time.Since(start))
	return nil
}

var _ Hookable = (*PTMCMC)(nil)
