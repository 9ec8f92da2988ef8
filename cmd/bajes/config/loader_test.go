// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bajes/services/inference/driver"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
engine: ptmcmc
mode: thread
nprocs: 8
outdir: /data/run1
tags: [o4, bbh]
bounds:
  dist_min: [10]
  dist_max: [500, 400, 600]
proposal:
  use_slice: true
sampler:
  nwalk: 64
  ntemps: 6
`)
	f, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, f.Validate())

	assert.Equal(t, "ptmcmc", f.Engine)
	assert.Equal(t, pool.ModeThread, f.Mode)
	assert.Equal(t, 8, f.NProcs)
	assert.Equal(t, []string{"o4", "bbh"}, f.Tags)
	assert.True(t, f.Proposal.UseSlice)
	assert.Equal(t, state.DefaultProposalOptions().MaxMCMC, f.Proposal.MaxMCMC)
	assert.Equal(t, 64, f.Sampler.NWalkers)
	assert.Equal(t, 6, f.Sampler.NTemps)
	assert.Equal(t, Default().Sampler.NSteps, f.Sampler.NSteps)
	assert.Equal(t, "gaussian", f.Model.Name)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "engine: nest\nnlive: 100\n"))
	require.Error(t, err, "unknown top-level key")

	_, err = Load(writeConfig(t, "engine: [nest"))
	require.Error(t, err)
}

func TestLoad_EmptyFileIsDefault(t *testing.T) {
	f, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Engine, f.Engine)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(f *File)
		want error
	}{
		{"unknown engine", func(f *File) { f.Engine = "emcee" }, driver.ErrInvalidConfig},
		{"unknown mode", func(f *File) { f.Mode = "gpu" }, driver.ErrInvalidConfig},
		{"zero procs", func(f *File) { f.NProcs = 0 }, driver.ErrInvalidConfig},
		{"negative distance", func(f *File) { f.Bounds.DistMin = []float64{-1} }, driver.ErrInvalidConfig},
		{"bad coordinator", func(f *File) { f.CoordinatorAddr = "nohost" }, driver.ErrInvalidConfig},
		{"chain too short", func(f *File) { f.Proposal.MaxMCMC = f.Proposal.MinMCMC - 1 }, driver.ErrInvalidConfig},
		{"few walkers", func(f *File) { f.Sampler.NWalkers = 1 }, driver.ErrInvalidConfig},
		{"bad exporter", func(f *File) { f.Telemetry.TraceExporter = "zipkin" }, driver.ErrInvalidConfig},
		{"mpi cpnest", func(f *File) { f.Mode, f.Engine, f.NProcs = pool.ModeMPI, "cpnest", 4 }, driver.ErrIncompatibleEngine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Default()
			tt.edit(&f)
			require.ErrorIs(t, f.Validate(), tt.want)
		})
	}
}

func TestDriver_ReconcilesBounds(t *testing.T) {
	f := Default()
	f.Engine = "mcmc"
	f.Bounds.DistMax = []float64{500, 400, 600}
	f.Bounds.TShiftMin = []float64{-0.2, -0.05}

	dc := f.Driver("r1")
	assert.Equal(t, "r1", dc.RunID)
	lim := state.Reconcile(dc.State)
	assert.Equal(t, state.Some(400), lim.DistMax)
	assert.Equal(t, state.Bound{}, lim.DistMin)
	assert.Equal(t, state.Some(-0.05), lim.TimeShiftMin)

	f.Bounds.MargTimeShift = true
	lim = state.Reconcile(f.Driver("r1").State)
	assert.Equal(t, state.Bound{}, lim.TimeShiftMin)
}

func TestSave_Load(t *testing.T) {
	f := Default()
	f.Engine = "dynest"
	f.Tags = []string{"x"}
	path := filepath.Join(t.TempDir(), "nested", "run.yaml")
	require.NoError(t, Save(path, f))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, f.Engine, got.Engine)
	assert.Equal(t, f.Tags, got.Tags)
	assert.Equal(t, f.Sampler.NLive, got.Sampler.NLive)
}

func TestResolveOutDir(t *testing.T) {
	f := Default()
	f.OutDir = "rel/out"
	require.NoError(t, f.ResolveOutDir())
	assert.True(t, filepath.IsAbs(f.OutDir))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	f.OutDir = "~/runs"
	require.NoError(t, f.ResolveOutDir())
	assert.Equal(t, filepath.Join(home, "runs"), f.OutDir)
	assert.Equal(t, filepath.Join(home, ".bajes", "runs"), Default().StoreDir())
}
