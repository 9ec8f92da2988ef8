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
	"math"
	"math/rand/v2"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/AleutianAI/bajes/services/inference/pool"
)

// runner carries the per-run random source and evaluation counter and maps
// tasks onto the pool.
type runner struct {
	pool  pool.Pool
	rng   *rand.Rand
	evals int
}

func newRunner(p pool.Pool, seed uint64) *runner {
	return &runner{
		pool: p,
		rng:  rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)),
	}
}

// seed draws a proposal seed. Seeds travel as float64, so they are kept
// below 2^53.
func (r *runner) seed() uint64 {
	return r.rng.Uint64() >> 11
}

func (r *runner) uniform(dim int) []float64 {
	u := make([]float64, dim)
	for i := range u {
		u[i] = r.rng.Float64()
	}
	return u
}

// accept is the Metropolis rule for a log acceptance ratio.
func (r *runner) accept(logRatio float64) bool {
	if math.IsNaN(logRatio) {
		return false
	}
	return logRatio >= 0 || math.Log(r.rng.Float64()) < logRatio
}

func label(t eval.Task) string {
	if t.Name == "" {
		return "closure"
	}
	return string(t.Name)
}

func (r *runner) mapTask(ctx context.Context, t eval.Task, in [][]float64) ([][]float64, error) {
	out, err := r.pool.Map(ctx, t, in)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", label(t), err)
	}
	if len(out) != len(in) {
		return nil, fmt.Errorf("%w: %s returned %d of %d", ErrBadReply, label(t), len(out), len(in))
	}
	return out, nil
}

// scalars maps a scalar kernel and counts the evaluations.
func (r *runner) scalars(ctx context.Context, t eval.Task, in [][]float64) ([]float64, error) {
	out, err := r.mapTask(ctx, t, in)
	if err != nil {
		return nil, err
	}
	vals := make([]float64, len(out))
	for i, o := range out {
		if len(o) != 1 {
			return nil, fmt.Errorf("%w: %s[%d] has %d values", ErrBadReply, label(t), i, len(o))
		}
		vals[i] = o[0]
	}
	r.evals += len(in)
	return vals, nil
}

// logAddExp returns log(exp(a) + exp(b)).
func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range x {
		s += v
	}
	return s / float64(len(x))
}
