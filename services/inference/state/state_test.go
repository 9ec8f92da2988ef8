// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bajes/services/inference/eval"
)

func testOptions(engine string) Options {
	return Options{
		Model:     "gaussian",
		Engine:    engine,
		DistMin:   []float64{10},
		DistMax:   []float64{500, 400, 600},
		Injection: DefaultInjection(),
		Proposal:  DefaultProposalOptions(),
	}
}

// -----------------------------------------------------------------------------
// Bound reconciliation
// -----------------------------------------------------------------------------

func TestReconcileLower(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want Bound
	}{
		{"empty is absent", nil, Bound{}},
		{"singleton", []float64{100}, Some(100)},
		{"maximum wins", []float64{50, 100}, Some(100)},
		{"negative values", []float64{-3, -1, -2}, Some(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReconcileLower(tt.in))
		})
	}
}

func TestReconcileUpper(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want Bound
	}{
		{"empty is absent", []float64{}, Bound{}},
		{"singleton", []float64{500}, Some(500)},
		{"minimum wins", []float64{400, 600}, Some(400)},
		{"across component models", []float64{500, 400, 600}, Some(400)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReconcileUpper(tt.in))
		})
	}
}

func TestReconcile_DoesNotModifyInput(t *testing.T) {
	in := []float64{3, 1, 2}
	ReconcileLower(in)
	ReconcileUpper(in)
	assert.Equal(t, []float64{3, 1, 2}, in)
}

func TestReconcile_MarginalisedTimeShift(t *testing.T) {
	opts := testOptions("mcmc")
	opts.TimeShiftMin = []float64{-0.05}
	opts.TimeShiftMax = []float64{0.05}

	l := Reconcile(opts)
	assert.True(t, l.TimeShiftMin.Set)

	opts.MargTimeShift = true
	l = Reconcile(opts)
	assert.False(t, l.TimeShiftMin.Set)
	assert.False(t, l.TimeShiftMax.Set)
}

func TestBuild_ReconciledDistanceBounds(t *testing.T) {
	s, err := Build(testOptions("mcmc"))
	require.NoError(t, err)

	assert.Equal(t, Some(10), s.Limits().DistMin)
	assert.Equal(t, Some(400), s.Limits().DistMax)
	assert.Equal(t, [2]float64{10, 400}, s.Model().Bounds()[0])
	assert.Equal(t, [2]float64{DefaultTimeShiftMin, DefaultTimeShiftMax}, s.Model().Bounds()[1])
}

func TestBuild_EmptySupport(t *testing.T) {
	opts := testOptions("mcmc")
	opts.DistMin = []float64{300, 450}
	opts.DistMax = []float64{400}

	_, err := Build(opts)
	assert.ErrorIs(t, err, ErrEmptySupport)
}

func TestBuild_UnknownModel(t *testing.T) {
	opts := testOptions("mcmc")
	opts.Model = "kilonova"

	_, err := Build(opts)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

// -----------------------------------------------------------------------------
// Determinism
// -----------------------------------------------------------------------------

// TestBuild_Deterministic builds the state twice, as a coordinator and a
// worker would, and checks every kernel agrees on the same inputs.
func TestBuild_Deterministic(t *testing.T) {
	for _, engine := range []string{"mcmc", "ptmcmc", "nest", "dynest"} {
		t.Run(engine, func(t *testing.T) {
			coordinator, err := Build(testOptions(engine))
			require.NoError(t, err)
			worker, err := Build(testOptions(engine))
			require.NoError(t, err)

			points := [][]float64{{200, 0}, {15, -0.09}, {399, 0.02}}
			units := [][]float64{{0, 0}, {0.5, 0.5}, {0.99, 0.01}}
			for _, name := range []eval.Name{eval.LogLike, eval.LogPost, eval.LogLikePrior} {
				a, _ := coordinator.Resolve(name)
				b, _ := worker.Resolve(name)
				for _, x := range points {
					ra, err := a(x)
					require.NoError(t, err)
					rb, err := b(x)
					require.NoError(t, err)
					assert.Equal(t, ra, rb, "kernel %s at %v", name, x)
				}
			}
			a, _ := coordinator.Resolve(eval.PriorTransform)
			b, _ := worker.Resolve(eval.PriorTransform)
			for _, u := range units {
				ra, _ := a(u)
				rb, _ := b(u)
				assert.Equal(t, ra, rb)
			}

			pa, err := coordinator.Resolve(eval.Propose)
			require.NoError(t, err)
			pb, err := worker.Resolve(eval.Propose)
			require.NoError(t, err)
			var in []float64
			if ProposalKindFor(engine) == ProposalWalk {
				in = WalkInput(42, []float64{200, 0})
			} else {
				in = EvolveInput(42, math.Inf(-1), 0.1, []float64{0.5, 0.5})
			}
			ra, err := pa(in)
			require.NoError(t, err)
			rb, err := pb(in)
			require.NoError(t, err)
			assert.Equal(t, ra, rb)
		})
	}
}

// -----------------------------------------------------------------------------
// Model
// -----------------------------------------------------------------------------

func TestModel_PosteriorIsLikePlusPrior(t *testing.T) {
	s, err := Build(testOptions("mcmc"))
	require.NoError(t, err)
	m := s.Model()

	x := []float64{180, 0.001}
	ll, lp := m.LogLikePrior(x)
	assert.InDelta(t, ll+lp, m.LogPost(x), 1e-12)
	assert.InDelta(t, m.LogLike(x), ll, 1e-12)
}

func TestModel_OutsideSupport(t *testing.T) {
	s, err := Build(testOptions("mcmc"))
	require.NoError(t, err)
	m := s.Model()

	x := []float64{450, 0}
	ll, lp := m.LogLikePrior(x)
	assert.True(t, math.IsInf(lp, -1))
	assert.True(t, math.IsInf(ll, -1))
	assert.True(t, math.IsInf(m.LogPost(x), -1))
}

func TestModel_PriorTransformCorners(t *testing.T) {
	s, err := Build(testOptions("nest"))
	require.NoError(t, err)
	m := s.Model()

	lo := m.PriorTransform([]float64{0, 0})
	hi := m.PriorTransform([]float64{1, 1})
	assert.InDelta(t, 10, lo[0], 1e-9)
	assert.InDelta(t, 400, hi[0], 1e-9)
	assert.InDelta(t, DefaultTimeShiftMin, lo[1], 1e-12)
	assert.InDelta(t, DefaultTimeShiftMax, hi[1], 1e-12)
}

func TestModel_VolumetricPriorNormalised(t *testing.T) {
	p := Parameter{Name: "d", Prior: PriorVolumetric, Min: 1, Max: 3, Sigma: 1}
	// midpoint rule over the support
	const n = 20000
	total := 0.0
	h := (p.Max - p.Min) / n
	for i := 0; i < n; i++ {
		total += math.Exp(p.logPrior(p.Min+(float64(i)+0.5)*h)) * h
	}
	assert.InDelta(t, 1.0, total, 1e-6)
}

func TestModel_MarginalisedTimeShiftDropsParameter(t *testing.T) {
	opts := testOptions("mcmc")
	opts.MargTimeShift = true
	s, err := Build(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"distance"}, s.Model().Names())
}

func TestModel_ExtraParameters(t *testing.T) {
	opts := testOptions("mcmc")
	opts.Extra = []Parameter{{Name: "mass", Prior: PriorUniform, Min: 1, Max: 3, Truth: 1.4, Sigma: 0.1}}
	s, err := Build(opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"distance", "time_shift", "mass"}, s.Model().Names())

	opts.Extra = append(opts.Extra, opts.Extra[0])
	_, err = Build(opts)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

// -----------------------------------------------------------------------------
// Kernels and proposals
// -----------------------------------------------------------------------------

func TestResolve_WrongLength(t *testing.T) {
	s, err := Build(testOptions("mcmc"))
	require.NoError(t, err)
	fn, err := s.Resolve(eval.LogPost)
	require.NoError(t, err)

	_, err = fn([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestResolve_NoProposal(t *testing.T) {
	s, err := Build(testOptions("unknown"))
	require.NoError(t, err)
	assert.Nil(t, s.Proposal())

	_, err = s.Resolve(eval.Propose)
	assert.ErrorIs(t, err, ErrNoProposal)

	_, err = s.Resolve("nope")
	assert.ErrorIs(t, err, eval.ErrUnknownKernel)
}

func TestWalkProposal_SeedDeterminesOutput(t *testing.T) {
	s, err := Build(testOptions("mcmc"))
	require.NoError(t, err)
	p := s.Proposal()

	a, err := p.Propose(WalkInput(7, []float64{200, 0}))
	require.NoError(t, err)
	b, err := p.Propose(WalkInput(7, []float64{200, 0}))
	require.NoError(t, err)
	c, err := p.Propose(WalkInput(8, []float64{200, 0}))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	x, logq, err := DecodeWalk(a, 2)
	require.NoError(t, err)
	assert.Len(t, x, 2)
	assert.Zero(t, logq)
}

func TestEvolveProposal_RespectsConstraint(t *testing.T) {
	for _, slice := range []bool{false, true} {
		opts := testOptions("nest")
		opts.Proposal.UseSlice = slice
		s, err := Build(opts)
		require.NoError(t, err)
		m := s.Model()

		start := []float64{0.3, 0.5}
		logLStar := m.LogLike(m.PriorTransform(start)) - 1
		out, err := s.Proposal().Propose(EvolveInput(3, logLStar, 0.1, start))
		require.NoError(t, err)

		ev, err := DecodeEvolve(out, 2)
		require.NoError(t, err)
		assert.Greater(t, ev.LogL, logLStar, "slice=%v", slice)
		assert.InDelta(t, m.LogLike(ev.V), ev.LogL, 1e-9)
		assert.Equal(t, m.PriorTransform(ev.U), ev.V)
		assert.LessOrEqual(t, ev.NCall, 1+opts.Proposal.MaxMCMC*203)
		for _, u := range ev.U {
			assert.GreaterOrEqual(t, u, 0.0)
			assert.LessOrEqual(t, u, 1.0)
		}
	}
}

func TestEvolveProposal_BadInput(t *testing.T) {
	s, err := Build(testOptions("nest"))
	require.NoError(t, err)
	_, err = s.Proposal().Propose([]float64{1, 2})
	assert.ErrorIs(t, err, ErrBadInput)
}
