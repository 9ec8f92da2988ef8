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
	"fmt"
	"math"
	"math/rand/v2"
)

// Proposal generates a new candidate from an existing point.
//
// The first input element is always a seed. The proposal draws all its
// randomness from a generator seeded with it, so the same input gives the
// same output in any process and on any backend.
type Proposal interface {
	Propose(in []float64) ([]float64, error)
}

// ProposalOptions tunes the built-in proposals.
type ProposalOptions struct {
	// UseSlice switches point evolution from random walk to slice sampling.
	UseSlice bool `yaml:"use_slice"`

	// MinMCMC and MaxMCMC bound the number of steps per point evolution.
	MinMCMC int `yaml:"minmcmc" validate:"gte=1"`
	MaxMCMC int `yaml:"maxmcmc" validate:"gtefield=MinMCMC"`

	// NAct is the number of accepted moves after which evolution may stop.
	NAct int `yaml:"nact" validate:"gte=1"`

	// WalkScale is the random-walk step as a fraction of each prior width.
	WalkScale float64 `yaml:"walk_scale" validate:"gt=0"`
}

// DefaultProposalOptions mirrors the defaults of the command line.
func DefaultProposalOptions() ProposalOptions {
	return ProposalOptions{
		MinMCMC:   10,
		MaxMCMC:   4096,
		NAct:      5,
		WalkScale: 0.05,
	}
}

func rngFor(seed float64) *rand.Rand {
	s := uint64(seed)
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

// -----------------------------------------------------------------------------
// Random walk (mcmc, ptmcmc)
// -----------------------------------------------------------------------------

// WalkInput packs a random-walk request.
func WalkInput(seed uint64, x []float64) []float64 {
	in := make([]float64, 0, len(x)+1)
	in = append(in, float64(seed))
	return append(in, x...)
}

// DecodeWalk unpacks a random-walk reply into the candidate and the log
// proposal ratio.
func DecodeWalk(out []float64, dim int) ([]float64, float64, error) {
	if len(out) != dim+1 {
		return nil, 0, fmt.Errorf("%w: walk reply %d, want %d", ErrBadInput, len(out), dim+1)
	}
	return out[:dim], out[dim], nil
}

type walkProposal struct {
	sigma []float64
}

func newWalkProposal(m Model, opts ProposalOptions) *walkProposal {
	bounds := m.Bounds()
	sigma := make([]float64, len(bounds))
	for i, b := range bounds {
		sigma[i] = opts.WalkScale * (b[1] - b[0])
	}
	return &walkProposal{sigma: sigma}
}

func (p *walkProposal) Propose(in []float64) ([]float64, error) {
	dim := len(p.sigma)
	if len(in) != dim+1 {
		return nil, fmt.Errorf("%w: walk input %d, want %d", ErrBadInput, len(in), dim+1)
	}
	rng := rngFor(in[0])
	out := make([]float64, dim+1)
	for i := range dim {
		out[i] = in[i+1] + p.sigma[i]*rng.NormFloat64()
	}
	// symmetric kernel
	out[dim] = 0
	return out, nil
}

// -----------------------------------------------------------------------------
// Constrained evolution (nest, dynest, cpnest)
// -----------------------------------------------------------------------------

// EvolveInput packs a point-evolution request: evolve u under the hard
// constraint logL > logLStar with the given step scale.
func EvolveInput(seed uint64, logLStar, scale float64, u []float64) []float64 {
	in := make([]float64, 0, len(u)+3)
	in = append(in, float64(seed), logLStar, scale)
	return append(in, u...)
}

// Evolved is a decoded point-evolution reply.
type Evolved struct {
	U      []float64
	V      []float64
	LogL   float64
	NCall  int
	Accept int
}

// DecodeEvolve unpacks a point-evolution reply.
func DecodeEvolve(out []float64, dim int) (Evolved, error) {
	if len(out) != 2*dim+3 {
		return Evolved{}, fmt.Errorf("%w: evolve reply %d, want %d", ErrBadInput, len(out), 2*dim+3)
	}
	return Evolved{
		U:      out[:dim],
		V:      out[dim : 2*dim],
		LogL:   out[2*dim],
		NCall:  int(out[2*dim+1]),
		Accept: int(out[2*dim+2]),
	}, nil
}

type evolveProposal struct {
	model Model
	opts  ProposalOptions
}

func (p *evolveProposal) Propose(in []float64) ([]float64, error) {
	dim := p.model.Dim()
	if len(in) != dim+3 {
		return nil, fmt.Errorf("%w: evolve input %d, want %d", ErrBadInput, len(in), dim+3)
	}
	rng := rngFor(in[0])
	logLStar, scale := in[1], in[2]
	u := append([]float64(nil), in[3:]...)
	v := p.model.PriorTransform(u)
	logL := p.model.LogLike(v)
	ncall, naccept := 1, 0

	if p.opts.UseSlice {
		ncall, naccept, u, v, logL = p.slice(rng, logLStar, scale, u, v, logL, ncall)
	} else {
		ncall, naccept, u, v, logL = p.walk(rng, logLStar, scale, u, v, logL, ncall)
	}

	out := make([]float64, 0, 2*dim+3)
	out = append(out, u...)
	out = append(out, v...)
	return append(out, logL, float64(ncall), float64(naccept)), nil
}

func (p *evolveProposal) done(step, naccept int) bool {
	return step+1 >= p.opts.MinMCMC && naccept >= p.opts.NAct
}

func (p *evolveProposal) walk(rng *rand.Rand, logLStar, scale float64, u, v []float64, logL float64, ncall int) (int, int, []float64, []float64, float64) {
	dim := len(u)
	naccept := 0
	trial := make([]float64, dim)
	for step := 0; step < p.opts.MaxMCMC; step++ {
		inside := true
		for i := range dim {
			trial[i] = u[i] + scale*rng.NormFloat64()
			if trial[i] < 0 || trial[i] > 1 {
				inside = false
			}
		}
		if inside {
			tv := p.model.PriorTransform(trial)
			tl := p.model.LogLike(tv)
			ncall++
			if tl > logLStar {
				u = append(u[:0], trial...)
				v, logL = tv, tl
				naccept++
			}
		}
		if p.done(step, naccept) {
			break
		}
	}
	return ncall, naccept, u, v, logL
}

// slice performs coordinate-wise slice sampling with stepping out, bounded by
// the unit cube and the likelihood constraint.
func (p *evolveProposal) slice(rng *rand.Rand, logLStar, scale float64, u, v []float64, logL float64, ncall int) (int, int, []float64, []float64, float64) {
	const maxExpand = 50
	const maxShrink = 100
	dim := len(u)
	naccept := 0
	trial := make([]float64, dim)
	like := func(x []float64) float64 {
		ncall++
		return p.model.LogLike(p.model.PriorTransform(x))
	}
	at := func(j int, xj float64) float64 {
		if xj < 0 || xj > 1 {
			return math.Inf(-1)
		}
		copy(trial, u)
		trial[j] = xj
		return like(trial)
	}

	for step := 0; step < p.opts.MaxMCMC; step++ {
		j := rng.IntN(dim)
		left := u[j] - scale*rng.Float64()
		right := left + scale
		for k := 0; k < maxExpand && at(j, left) > logLStar; k++ {
			left -= scale
		}
		for k := 0; k < maxExpand && at(j, right) > logLStar; k++ {
			right += scale
		}
		left, right = math.Max(left, 0), math.Min(right, 1)
		for k := 0; k < maxShrink; k++ {
			xj := left + rng.Float64()*(right-left)
			if l := at(j, xj); l > logLStar {
				u[j] = xj
				v = p.model.PriorTransform(u)
				logL = l
				naccept++
				break
			}
			if xj < u[j] {
				left = xj
			} else {
				right = xj
			}
		}
		if p.done(step, naccept) {
			break
		}
	}
	return ncall, naccept, u, v, logL
}

var (
	_ Proposal = (*walkProposal)(nil)
	_ Proposal = (*evolveProposal)(nil)
)
