// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state builds the Shared Evaluation State: the model and, when the
// engine needs one, the proposal.
//
// Build is deterministic. The coordinator and every worker call it with the
// same Options and end up with functionally identical models, so the model
// itself is never serialised: workers rebuild it locally and receive only
// parameter vectors.
package state

import (
	"fmt"

	"github.com/AleutianAI/bajes/services/inference/eval"
)

// Default prior limits used when no candidate bound is supplied.
const (
	DefaultDistMin      = 1.0
	DefaultDistMax      = 1000.0
	DefaultTimeShiftMin = -0.1
	DefaultTimeShiftMax = 0.1
)

// Injection holds the values the built-in likelihood is centred on.
type Injection struct {
	Distance       float64 `yaml:"distance"`
	DistanceSigma  float64 `yaml:"distance_sigma"`
	TimeShift      float64 `yaml:"time_shift"`
	TimeShiftSigma float64 `yaml:"time_shift_sigma"`
}

// DefaultInjection centres the likelihood well inside the default bounds.
func DefaultInjection() Injection {
	return Injection{
		Distance:       200,
		DistanceSigma:  40,
		TimeShift:      0,
		TimeShiftSigma: 0.01,
	}
}

// Options is everything Build needs. It must be identical on every rank.
type Options struct {
	// Model names the model builder. Only "gaussian" is built in.
	Model string

	// Engine decides which proposal, if any, is attached.
	Engine string

	// Candidate bounds, one entry per component model.
	DistMin      []float64
	DistMax      []float64
	TimeShiftMin []float64
	TimeShiftMax []float64

	// MargTimeShift drops the time shift from the sampled parameters.
	MargTimeShift bool

	Injection Injection

	// Extra parameters appended after distance and time shift.
	Extra []Parameter

	Proposal ProposalOptions
}

// Limits are the reconciled distance and time-shift bounds.
type Limits struct {
	DistMin      Bound
	DistMax      Bound
	TimeShiftMin Bound
	TimeShiftMax Bound
}

// Reconcile applies bound reconciliation to the candidate lists in opts.
// Time-shift bounds stay absent when the time shift is marginalised.
func Reconcile(opts Options) Limits {
	l := Limits{
		DistMin: ReconcileLower(opts.DistMin),
		DistMax: ReconcileUpper(opts.DistMax),
	}
	if !opts.MargTimeShift {
		l.TimeShiftMin = ReconcileLower(opts.TimeShiftMin)
		l.TimeShiftMax = ReconcileUpper(opts.TimeShiftMax)
	}
	return l
}

// State is the per-process evaluation state. It is never mutated after
// Build and is safe for concurrent use.
type State struct {
	model    Model
	proposal Proposal
	limits   Limits
	funcs    map[eval.Name]eval.Func
}

// Build constructs the evaluation state.
//
// Description:
//
//	Reconciles the candidate bounds, builds the model and, when the engine
//	uses one, the proposal. Performs no I/O.
//
// Inputs:
//
//	opts - Build options. Must be identical on every rank.
//
// Outputs:
//
//	*State - The evaluation state.
//	error - Non-nil for an unknown model or an empty prior support.
func Build(opts Options) (*State, error) {
	limits := Reconcile(opts)

	var model Model
	switch opts.Model {
	case "", "gaussian":
		m, err := newGaussianModel(parameters(opts, limits))
		if err != nil {
			return nil, fmt.Errorf("build gaussian model: %w", err)
		}
		model = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, opts.Model)
	}

	s := &State{model: model, limits: limits}
	switch ProposalKindFor(opts.Engine) {
	case ProposalWalk:
		s.proposal = newWalkProposal(model, opts.Proposal)
	case ProposalEvolve:
		s.proposal = &evolveProposal{model: model, opts: opts.Proposal}
	}
	s.funcs = s.kernels()
	return s, nil
}

func parameters(opts Options, l Limits) []Parameter {
	inj := opts.Injection
	params := []Parameter{{
		Name:  "distance",
		Prior: PriorVolumetric,
		Min:   l.DistMin.Or(DefaultDistMin),
		Max:   l.DistMax.Or(DefaultDistMax),
		Truth: inj.Distance,
		Sigma: inj.DistanceSigma,
	}}
	if !opts.MargTimeShift {
		params = append(params, Parameter{
			Name:  "time_shift",
			Prior: PriorUniform,
			Min:   l.TimeShiftMin.Or(DefaultTimeShiftMin),
			Max:   l.TimeShiftMax.Or(DefaultTimeShiftMax),
			Truth: inj.TimeShift,
			Sigma: inj.TimeShiftSigma,
		})
	}
	return append(params, opts.Extra...)
}

// ProposalKind says which proposal an engine consumes.
type ProposalKind int

const (
	ProposalNone ProposalKind = iota
	ProposalWalk
	ProposalEvolve
)

// ProposalKindFor maps an engine name to its proposal kind.
func ProposalKindFor(engine string) ProposalKind {
	switch engine {
	case "mcmc", "ptmcmc":
		return ProposalWalk
	case "nest", "dynest", "cpnest":
		return ProposalEvolve
	default:
		return ProposalNone
	}
}

func (s *State) kernels() map[eval.Name]eval.Func {
	m := s.model
	dim := m.Dim()
	check := func(fn eval.Func) eval.Func {
		return func(in []float64) ([]float64, error) {
			if len(in) != dim {
				return nil, fmt.Errorf("%w: got %d, want %d", ErrBadInput, len(in), dim)
			}
			return fn(in)
		}
	}
	funcs := map[eval.Name]eval.Func{
		eval.LogLike: check(eval.Scalar(m.LogLike)),
		eval.LogPost: check(eval.Scalar(m.LogPost)),
		eval.LogLikePrior: check(func(x []float64) ([]float64, error) {
			ll, lp := m.LogLikePrior(x)
			return []float64{ll, lp}, nil
		}),
		eval.PriorTransform: check(func(u []float64) ([]float64, error) {
			return m.PriorTransform(u), nil
		}),
	}
	if s.proposal != nil {
		funcs[eval.Propose] = s.proposal.Propose
	}
	return funcs
}

// Model returns the model.
func (s *State) Model() Model { return s.model }

// Proposal returns the proposal, or nil when the engine uses none.
func (s *State) Proposal() Proposal { return s.proposal }

// Limits returns the reconciled bounds the model was built with.
func (s *State) Limits() Limits { return s.limits }

// Resolve implements eval.Resolver.
func (s *State) Resolve(name eval.Name) (eval.Func, error) {
	fn, ok := s.funcs[name]
	if !ok {
		if name == eval.Propose {
			return nil, ErrNoProposal
		}
		return nil, fmt.Errorf("%w: %q", eval.ErrUnknownKernel, name)
	}
	return fn, nil
}

// Task returns the portable task for a kernel.
func (s *State) Task(name eval.Name) (eval.Task, error) {
	fn, err := s.Resolve(name)
	if err != nil {
		return eval.Task{}, err
	}
	return eval.Task{Name: name, Fn: fn}, nil
}

var _ eval.Resolver = (*State)(nil)
