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
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/AleutianAI/bajes/services/inference/state"
)

// Sampler holds the three evaluations a nested run maps onto the pool.
type Sampler struct {
	// PriorTransform maps unit-cube points onto the prior.
	PriorTransform eval.Task

	// LogLikelihood evaluates live points.
	LogLikelihood eval.Task

	// EvolvePoint draws a replacement under the likelihood constraint.
	EvolvePoint eval.Task
}

func closureSampler(model state.Model, proposal state.Proposal) Sampler {
	return Sampler{
		PriorTransform: eval.Task{Fn: func(u []float64) ([]float64, error) {
			return model.PriorTransform(u), nil
		}},
		LogLikelihood: eval.Task{Fn: eval.Scalar(model.LogLike)},
		EvolvePoint:   eval.Task{Fn: proposal.Propose},
	}
}

const (
	initialScale = 0.1
	minScale     = 1e-3
	maxScale     = 1.0
)

type livePoint struct {
	u, v []float64
	logL float64
}

// deadPoint is a retired sample with the log width of its prior shell.
type deadPoint struct {
	v     []float64
	logL  float64
	logWt float64
}

// nestedRun is one completed nested-sampling run.
type nestedRun struct {
	dead       []deadPoint
	nlive      int
	logZ       float64
	logZErr    float64
	info       float64
	iterations int
	accepted   int
	calls      int
}

// nestedConfig parameterises one run.
type nestedConfig struct {
	dim       int
	nlive     int
	queue     int
	tolerance float64
	maxIter   int
	progress  func(it int, logZ, dlogZ float64)
}

// nested runs static nested sampling.
//
// Description:
//
//	Each iteration retires the queue lowest live points, shrinking the
//	prior volume by 1/n for each with n the live count at that moment,
//	then evolves queue replacements in one Map under the highest retired
//	likelihood. Stops when the live points can add less than tolerance to
//	log Z. The remaining live points are then retired on equal shares of
//	the last volume.
func (r *runner) nested(ctx context.Context, s Sampler, cfg nestedConfig) (*nestedRun, error) {
	nlive := cfg.nlive
	queue := min(max(cfg.queue, 1), max(nlive/2, 1))

	us := make([][]float64, nlive)
	for i := range us {
		us[i] = r.uniform(cfg.dim)
	}
	vs, err := r.mapTask(ctx, s.PriorTransform, us)
	if err != nil {
		return nil, err
	}
	ls, err := r.scalars(ctx, s.LogLikelihood, vs)
	if err != nil {
		return nil, err
	}
	live := make([]livePoint, nlive)
	for i := range live {
		live[i] = livePoint{u: us[i], v: vs[i], logL: ls[i]}
	}

	run := &nestedRun{nlive: nlive, logZ: math.Inf(-1)}
	logX := 0.0
	scale := initialScale

	for it := 0; ; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slices.SortFunc(live, func(a, b livePoint) int { return cmp.Compare(a.logL, b.logL) })
		remain := live[nlive-1].logL + logX
		dlogZ := math.Inf(1)
		if !math.IsInf(run.logZ, -1) {
			dlogZ = logAddExp(run.logZ, remain) - run.logZ
		}
		// No evidence accumulated yet: logZ is -Inf and dlogZ +Inf.
		if cfg.progress != nil && !math.IsInf(run.logZ, -1) {
			cfg.progress(it, run.logZ, dlogZ)
		}
		if dlogZ < cfg.tolerance || (cfg.maxIter > 0 && it >= cfg.maxIter) {
			break
		}

		for k := range queue {
			n := float64(nlive - k)
			logWt := logX + math.Log(-math.Expm1(-1/n))
			run.dead = append(run.dead, deadPoint{v: live[k].v, logL: live[k].logL, logWt: logWt})
			run.logZ = logAddExp(run.logZ, logWt+live[k].logL)
			logX -= 1 / n
		}

		logLStar := live[queue-1].logL
		in := make([][]float64, queue)
		for k := range in {
			src := live[queue+r.rng.IntN(nlive-queue)]
			in[k] = state.EvolveInput(r.seed(), logLStar, scale, src.u)
		}
		out, err := r.mapTask(ctx, s.EvolvePoint, in)
		if err != nil {
			return nil, err
		}
		accepted, calls := 0, 0
		for k, o := range out {
			ev, err := state.DecodeEvolve(o, cfg.dim)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadReply, err)
			}
			live[k] = livePoint{u: ev.U, v: ev.V, logL: ev.LogL}
			accepted += ev.Accept
			calls += ev.NCall
		}
		run.accepted += accepted
		run.calls += calls
		r.evals += calls
		scale = adaptScale(scale, accepted, calls-queue)
		run.iterations++
	}

	logShare := logX - math.Log(float64(nlive))
	for _, p := range live {
		run.dead = append(run.dead, deadPoint{v: p.v, logL: p.logL, logWt: logShare})
		run.logZ = logAddExp(run.logZ, logShare+p.logL)
	}
	for _, d := range run.dead {
		w := math.Exp(d.logWt + d.logL - run.logZ)
		if w > 0 {
			run.info += w * (d.logL - run.logZ)
		}
	}
	run.logZErr = math.Sqrt(max(run.info, 0) / float64(nlive))
	return run, nil
}

// adaptScale nudges the evolution step toward half of the moves accepted.
func adaptScale(scale float64, accepted, steps int) float64 {
	if steps <= 0 {
		return scale
	}
	if float64(accepted)/float64(steps) > 0.5 {
		scale *= 1.1
	} else {
		scale /= 1.1
	}
	return min(max(scale, minScale), maxScale)
}

// merge combines independent runs into one weighted sample set. The
// evidence is the mean of the run evidences.
func merge(runs []*nestedRun) (dead []deadPoint, logZ, logZErr float64) {
	k := float64(len(runs))
	logK := math.Log(k)
	logZ = math.Inf(-1)
	sumSq := 0.0
	for _, run := range runs {
		logZ = logAddExp(logZ, run.logZ)
		sumSq += run.logZErr * run.logZErr
		for _, d := range run.dead {
			d.logWt -= logK
			dead = append(dead, d)
		}
	}
	return dead, logZ - logK, math.Sqrt(sumSq) / k
}

// resample draws equal-weight samples from weighted dead points by
// systematic resampling. The sample count is the effective sample size.
func (r *runner) resample(dead []deadPoint, logZ float64) ([][]float64, []float64) {
	w := make([]float64, len(dead))
	sum, sumSq := 0.0, 0.0
	for i, d := range dead {
		w[i] = math.Exp(d.logWt + d.logL - logZ)
		sum += w[i]
		sumSq += w[i] * w[i]
	}
	if sum <= 0 || len(dead) == 0 {
		return nil, nil
	}
	n := max(1, int(math.Round(sum*sum/sumSq)))

	samples := make([][]float64, 0, n)
	logls := make([]float64, 0, n)
	step := sum / float64(n)
	u := r.rng.Float64() * step
	cum := 0.0
	for i, d := range dead {
		cum += w[i]
		for len(samples) < n && u < cum {
			samples = append(samples, slices.Clone(d.v))
			logls = append(logls, d.logL)
			u += step
		}
	}
	return samples, logls
}
