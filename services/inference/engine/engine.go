// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the sampler engines a run can select.
//
// Four engines are hookable: mcmc, ptmcmc, nest and dynest. Each one is
// constructed with default evaluation hooks that capture the model in a
// closure. Those defaults run fine in-process but the distributed pool
// refuses them; the adapter package rebinds every hook to a named kernel
// resolved from the evaluation state before the engine runs.
//
// The fifth engine, cpnest, runs its own goroutines, evaluates everything
// locally and has no rebindable hooks. It cannot use a process group.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
)

// Engine names.
const (
	NameMCMC   = "mcmc"
	NamePTMCMC = "ptmcmc"
	NameNest   = "nest"
	NameDyNest = "dynest"
	NameCPNest = "cpnest"
)

// Names lists every engine in a stable order.
var Names = []string{NameMCMC, NamePTMCMC, NameNest, NameDyNest, NameCPNest}

// Known reports whether name is an engine.
func Known(name string) bool {
	return slices.Contains(Names, name)
}

// SupportsProcessGroup reports whether an engine can run on the distributed
// pool.
func SupportsProcessGroup(name string) bool {
	return Known(name) && name != NameCPNest
}

// Engine drives one sampling algorithm to completion.
type Engine interface {
	// Name returns the engine name.
	Name() string

	// Run samples until the engine's stopping rule is met. It may be called
	// once.
	Run(ctx context.Context) error

	// Result returns the outcome of a finished Run.
	Result() (*Result, error)
}

// Result is a finished run.
type Result struct {
	// Engine is the engine that produced the result.
	Engine string `yaml:"engine"`

	// Names labels the sample columns.
	Names []string `yaml:"names"`

	// Samples are equal-weight posterior samples.
	Samples [][]float64 `yaml:"-"`

	// LogL holds each sample's log-likelihood, when the engine tracks it.
	LogL []float64 `yaml:"-"`

	// LogPost holds each sample's log-posterior, when the engine tracks it.
	LogPost []float64 `yaml:"-"`

	// Acceptance is the fraction of accepted proposals.
	Acceptance float64 `yaml:"acceptance"`

	// LogZ and LogZErr are the evidence estimate; set when HasEvidence.
	LogZ        float64 `yaml:"logz"`
	LogZErr     float64 `yaml:"logz_err"`
	HasEvidence bool    `yaml:"has_evidence"`

	// Evaluations counts likelihood-bearing evaluations.
	Evaluations int `yaml:"evaluations"`

	// Iterations counts sampler iterations.
	Iterations int `yaml:"iterations"`

	// Elapsed is the wall time of Run.
	Elapsed time.Duration `yaml:"elapsed"`

	// Diagnostics holds engine-specific scalars.
	Diagnostics map[string]float64 `yaml:"diagnostics,omitempty"`
}

// Options tunes every engine; each engine reads the fields it needs.
type Options struct {
	// Seed seeds the engine's random source.
	Seed uint64 `yaml:"seed"`

	// NWalkers is the number of chains per temperature (mcmc, ptmcmc).
	NWalkers int `yaml:"nwalk" validate:"gte=2"`

	// NBurn and NSteps are the discarded and kept steps per chain.
	NBurn  int `yaml:"nburn" validate:"gte=0"`
	NSteps int `yaml:"nout" validate:"gte=1"`

	// NTemps and TMax define the ptmcmc temperature ladder.
	NTemps int     `yaml:"ntemps" validate:"gte=1"`
	TMax   float64 `yaml:"tmax" validate:"gte=1"`

	// NLive is the number of live points (nested engines).
	NLive int `yaml:"nlive" validate:"gte=4"`

	// Tolerance is the remaining-evidence stopping threshold, in log units.
	Tolerance float64 `yaml:"tolerance" validate:"gt=0"`

	// MaxIter caps nested iterations; 0 means unbounded.
	MaxIter int `yaml:"maxiter" validate:"gte=0"`

	// NBatch is the number of dynest batches.
	NBatch int `yaml:"nbatch" validate:"gte=1"`

	// Threads is the number of cpnest sampling goroutines.
	Threads int `yaml:"-"`

	// Logger receives progress. Nil means slog.Default().
	Logger *slog.Logger `yaml:"-"`

	// ProgressInterval throttles progress logging.
	ProgressInterval time.Duration `yaml:"-"`
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		Seed:             1,
		NWalkers:         32,
		NBurn:            500,
		NSteps:           1000,
		NTemps:           4,
		TMax:             20,
		NLive:            512,
		Tolerance:        0.1,
		MaxIter:          0,
		NBatch:           4,
		Threads:          1,
		ProgressInterval: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.NWalkers < 2 {
		o.NWalkers = d.NWalkers
	}
	if o.NSteps < 1 {
		o.NSteps = d.NSteps
	}
	if o.NTemps < 1 {
		o.NTemps = d.NTemps
	}
	if o.TMax < 1 {
		o.TMax = d.TMax
	}
	if o.NLive < 4 {
		o.NLive = d.NLive
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.NBatch < 1 {
		o.NBatch = d.NBatch
	}
	if o.Threads < 1 {
		o.Threads = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	return o
}

// New constructs the named engine.
//
// Description:
//
//	Hookable engines get default hooks that capture model and proposal
//	directly. cpnest ignores p and evaluates in its own goroutines.
//
// Inputs:
//
//	name - One of Names.
//	model - The model to sample.
//	proposal - The engine's proposal; required for every engine.
//	p - The pool evaluations are mapped onto; ignored by cpnest.
//	opts - Engine tuning.
//
// Outputs:
//
//	Engine - The constructed engine; hookable engines also implement
//	         Hookable.
//	error - ErrUnknownEngine, ErrNoPool or ErrNoProposal.
func New(name string, model state.Model, proposal state.Proposal, p pool.Pool, opts Options) (Engine, error) {
	switch name {
	case NameMCMC:
		return NewMCMC(model, proposal, p, opts)
	case NamePTMCMC:
		return NewPTMCMC(model, proposal, p, opts)
	case NameNest:
		return NewNest(model, proposal, p, opts)
	case NameDyNest:
		return NewDyNest(model, proposal, p, opts)
	case NameCPNest:
		return NewCPNest(model, proposal, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
}

func checkDeps(model state.Model, proposal state.Proposal, p pool.Pool, needPool bool) error {
	if model == nil {
		return ErrNoModel
	}
	if proposal == nil {
		return ErrNoProposal
	}
	if needPool && p == nil {
		return ErrNoPool
	}
	return nil
}
