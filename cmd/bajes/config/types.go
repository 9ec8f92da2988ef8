// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the bajes run configuration.
//
// A run is described by a YAML file, overlaid by command-line flags, and
// converted into the immutable driver.Config every rank executes.
package config

import (
	"github.com/AleutianAI/bajes/cmd/bajes/gcs"
	"github.com/AleutianAI/bajes/services/inference/engine"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
	"github.com/AleutianAI/bajes/services/inference/telemetry"
)

// File is the on-disk run configuration.
type File struct {
	// Engine is mcmc, ptmcmc, nest, dynest or cpnest.
	Engine string `yaml:"engine" validate:"required,oneof=mcmc ptmcmc nest dynest cpnest"`

	// Mode is inline, thread or mpi.
	Mode pool.Mode `yaml:"mode" validate:"omitempty,oneof=inline thread mpi"`

	// NProcs is the number of threads or processes.
	NProcs int `yaml:"nprocs" validate:"gte=1"`

	FastMPI bool `yaml:"fast_mpi"`
	PerNode int  `yaml:"per_node" validate:"gte=0"`

	// CoordinatorAddr is where rank 0 listens in mpi mode. Empty picks a
	// free loopback port, which only works with self-launched workers.
	CoordinatorAddr string `yaml:"coordinator_addr" validate:"omitempty,hostname_port"`

	OutDir      string   `yaml:"outdir" validate:"required"`
	Tags        []string `yaml:"tags,omitempty"`
	Debug       bool     `yaml:"debug"`
	TraceMemory bool     `yaml:"trace_memory"`

	Model     ModelConfig           `yaml:"model"`
	Bounds    BoundsConfig          `yaml:"bounds"`
	Proposal  state.ProposalOptions `yaml:"proposal"`
	Sampler   engine.Options        `yaml:"sampler"`
	Telemetry telemetry.Config      `yaml:"telemetry"`
	Upload    gcs.Config            `yaml:"upload"`
	Store     StoreConfig           `yaml:"store"`
}

// ModelConfig selects and parameterises the model.
type ModelConfig struct {
	Name      string            `yaml:"name" validate:"omitempty,oneof=gaussian"`
	Injection state.Injection   `yaml:"injection"`
	Extra     []state.Parameter `yaml:"extra,omitempty"`
}

// BoundsConfig holds one candidate per component model for each bound.
// Lower bounds reconcile to their maximum and upper bounds to their
// minimum.
type BoundsConfig struct {
	DistMin       []float64 `yaml:"dist_min,omitempty" validate:"dive,gte=0"`
	DistMax       []float64 `yaml:"dist_max,omitempty" validate:"dive,gt=0"`
	TShiftMin     []float64 `yaml:"tshift_min,omitempty"`
	TShiftMax     []float64 `yaml:"tshift_max,omitempty"`
	MargTimeShift bool      `yaml:"marg_time_shift"`
}

// StoreConfig locates the run-record database.
type StoreConfig struct {
	Dir      string `yaml:"dir"`
	Disabled bool   `yaml:"disabled"`
}

// DefaultStoreDir is where run records live unless configured.
const DefaultStoreDir = "~/.bajes/runs"

// Default returns the configuration used when no file is given.
func Default() File {
	return File{
		Engine: engine.NameNest,
		Mode:   pool.ModeInline,
		NProcs: 1,
		OutDir: "bajes-out",
		Model: ModelConfig{
			Name:      "gaussian",
			Injection: state.DefaultInjection(),
		},
		Proposal:  state.DefaultProposalOptions(),
		Sampler:   engine.DefaultOptions(),
		Telemetry: telemetry.DefaultConfig(),
		Store:     StoreConfig{Dir: DefaultStoreDir},
	}
}
