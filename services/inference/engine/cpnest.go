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
	"time"

	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// CPNest runs Threads independent nested samplers in goroutines, each with
// its own share of the live points, and merges them. It evaluates the model
// directly and has no hooks.
type CPNest struct {
	lifecycle

	sampler Sampler
	model   state.Model
	opts    Options
	logger  *slog.Logger
}

// NewCPNest constructs the self-parallel nested sampler.
func NewCPNest(model state.Model, proposal state.Proposal, opts Options) (*CPNest, error) {
	if err := checkDeps(model, proposal, nil, false); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &CPNest{
		sampler: closureSampler(model, proposal),
		model:   model,
		opts:    opts,
		logger:  opts.Logger.With("engine", NameCPNest),
	}, nil
}

func (e *CPNest) Name() string { return NameCPNest }

// Run samples on Threads goroutines.
func (e *CPNest) Run(ctx context.Context) error {
	if err := e.begin(); err != nil {
		return err
	}
	start := time.Now()
	threads := e.opts.Threads
	nlive := max(e.opts.NLive/threads, 8)
	progress := rate.Sometimes{Interval: e.opts.ProgressInterval}

	runners := make([]*runner, threads)
	runs := make([]*nestedRun, threads)
	g, gctx := errgroup.WithContext(ctx)
	for t := range threads {
		local, err := pool.Open(gctx, pool.Options{Mode: pool.ModeInline})
		if err != nil {
			return err
		}
		runners[t] = newRunner(local, e.opts.Seed+uint64(t))
		g.Go(func() error {
			defer local.Close()
			run, err := runners[t].nested(gctx, e.sampler, nestedConfig{
				dim:       e.model.Dim(),
				nlive:     nlive,
				queue:     1,
				tolerance: e.opts.Tolerance,
				maxIter:   e.opts.MaxIter,
				progress: func(it int, logZ, dlogZ float64) {
					progress.Do(func() {
						e.logger.Info("sampling", "thread", t, "iteration", it, "logz", logZ, "dlogz", dlogZ)
					})
				},
			})
			if err != nil {
				return fmt.Errorf("thread %d: %w", t, err)
			}
			runs[t] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	merged := newRunner(nil, e.opts.Seed+uint64(threads))
	for _, r := range runners {
		merged.evals += r.evals
	}
	res := summarize(NameCPNest, e.model.Names(), merged, runs)
	res.Elapsed = time.Since(start)
	res.Diagnostics["threads"] = float64(threads)
	e.finish(res)
	e.logger.Info("sampling done", "logz", res.LogZ, "logz_err", res.LogZErr,
		"samples", len(res.Samples), "elapsed", res.Elapsed)
	return nil
}

var _ Engine = (*CPNest)(nil)
