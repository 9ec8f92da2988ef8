// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package driver

import (
	"fmt"

	"github.com/AleutianAI/bajes/services/inference/engine"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
)

// Config is the immutable run configuration. Every rank of a process
// group must hold an identical Config.
type Config struct {
	// RunID identifies the run and ties worker ranks to their coordinator.
	RunID string

	// Engine is one of engine.Names.
	Engine string

	// Mode selects the pool backend.
	Mode pool.Mode

	// NProcs is the thread count (thread) or process count (mpi).
	NProcs int

	// FastMPI selects the binary work codec.
	FastMPI bool

	// PerNode is the number of ranks sharing one host.
	PerNode int

	// CoordinatorAddr is where rank 0 listens in mpi mode.
	CoordinatorAddr string

	// State configures the model and proposal. Its Engine field is
	// overwritten with Engine.
	State state.Options

	// Sampler tunes the engine.
	Sampler engine.Options

	// OutDir receives the posterior and summary. Empty skips writing.
	OutDir string

	// Tags are free-form labels stored with the run record.
	Tags []string

	// TraceMemory enables the memory trace on the coordinator.
	TraceMemory bool
}

// Validate checks the configuration.
//
// Description:
//
//	Runs before any resource is created. The mpi/cpnest combination is
//	rejected here so no process is ever spawned for it.
//
// Outputs:
//
//	error - ErrUnknownEngine, ErrUnknownMode, ErrIncompatibleEngine or
//	        ErrInvalidConfig; nil when the configuration can run.
func (c Config) Validate() error {
	if !engine.Known(c.Engine) {
		return fmt.Errorf("%w: %q (want one of %v)", ErrUnknownEngine, c.Engine, engine.Names)
	}
	mode := c.mode()
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	if c.NProcs < 1 {
		return fmt.Errorf("%w: nprocs must be at least 1, got %d", ErrInvalidConfig, c.NProcs)
	}
	if mode == pool.ModeMPI {
		if !engine.SupportsProcessGroup(c.Engine) {
			return fmt.Errorf("%w: %s", ErrIncompatibleEngine, c.Engine)
		}
		if c.NProcs < 2 {
			return fmt.Errorf("%w: mpi mode needs nprocs >= 2, got %d", ErrInvalidConfig, c.NProcs)
		}
	}
	p := c.State.Proposal
	if p.MinMCMC > p.MaxMCMC {
		return fmt.Errorf("%w: minmcmc %d exceeds maxmcmc %d", ErrInvalidConfig, p.MinMCMC, p.MaxMCMC)
	}
	return nil
}

func (c Config) mode() pool.Mode {
	if c.Mode == "" {
		return pool.ModeInline
	}
	return c.Mode
}

func (c Config) stateOptions() state.Options {
	opts := c.State
	opts.Engine = c.Engine
	return opts
}

// usesPool reports whether the engine maps work onto a pool. cpnest
// parallelises on its own.
func (c Config) usesPool() bool {
	return c.Engine != engine.NameCPNest
}
