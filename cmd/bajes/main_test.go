// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bajes/cmd/bajes/config"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/store"
)

func parseRunFlags(t *testing.T, args ...string) (*cobra.Command, *runFlags) {
	t.Helper()
	rf := &runFlags{}
	c := &cobra.Command{Use: "run"}
	bindRunFlags(c, rf)
	require.NoError(t, c.ParseFlags(args))
	return c, rf
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: nest\nnprocs: 2\ntags: [file]\n"), 0o600))

	c, rf := parseRunFlags(t,
		"--config", path,
		"--engine", "ptmcmc",
		"--mode", "thread",
		"--dist-max", "500,400",
		"--dist-max", "600",
		"--seed", "9",
		"--no-store",
	)
	f, err := loadConfig(c, rf)
	require.NoError(t, err)
	assert.Equal(t, "ptmcmc", f.Engine)
	assert.Equal(t, pool.ModeThread, f.Mode)
	assert.Equal(t, 2, f.NProcs, "unset flag keeps the file value")
	assert.Equal(t, []string{"file"}, f.Tags)
	assert.Equal(t, []float64{500, 400, 600}, f.Bounds.DistMax)
	assert.Equal(t, uint64(9), f.Sampler.Seed)
	assert.True(t, f.Store.Disabled)
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	c, rf := parseRunFlags(t)
	f, err := loadConfig(c, rf)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Engine, f.Engine)
}

func TestRunIDFor(t *testing.T) {
	f := config.Default()
	f.OutDir = "/data/run"

	assert.Equal(t, "given", runIDFor(pool.World{RunID: "given"}, true, f))

	w := pool.World{Rank: 2, Coordinator: "node0:7000"}
	a := runIDFor(w, true, f)
	w.Rank = 5
	assert.Equal(t, a, runIDFor(w, true, f), "external ranks agree without a shared ID")

	assert.NotEqual(t, runIDFor(pool.World{}, false, f), runIDFor(pool.World{}, false, f))
}

func TestRunRows(t *testing.T) {
	logZ := -7.25
	rows := runRows([]store.Record{
		{ID: "a", Engine: "nest", Mode: "mpi", NProcs: 4, Samples: 10, LogZ: &logZ, Duration: 1500 * time.Millisecond},
		{ID: "b", Engine: "mcmc", Mode: "inline", NProcs: 1},
	})
	require.Len(t, rows, 2)
	assert.Len(t, rows[0], len(runHeaders))
	assert.Equal(t, "-7.250", rows[0][6])
	assert.Equal(t, "1.5s", rows[0][7])
	assert.Equal(t, "-", rows[1][6])
}

func execRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_RunThenList(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "store")
	cfgPath := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
engine: mcmc
mode: thread
nprocs: 2
sampler:
  nwalk: 8
  nburn: 20
  nout: 40
telemetry:
  traces: none
  metrics: none
`), 0o600))
	outdir := filepath.Join(dir, "out")

	out, err := execRoot(t, "run", "--config", cfgPath, "--outdir", outdir, "--store", storeDir, "--tags", "cli")
	require.NoError(t, err)
	assert.Contains(t, out, "320 samples")
	assert.Contains(t, out, "distance")
	assert.FileExists(t, filepath.Join(outdir, "posterior.dat"))
	assert.FileExists(t, filepath.Join(outdir, "summary.yaml"))

	out, err = execRoot(t, "runs", "list", "--store", storeDir)
	require.NoError(t, err)
	assert.Contains(t, out, "mcmc")
	assert.Contains(t, out, "thread")

	st, err := store.Open(store.DefaultConfig(storeDir))
	require.NoError(t, err)
	records, err := st.List()
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.Len(t, records, 1)

	out, err = execRoot(t, "runs", "show", records[0].ID, "--store", storeDir)
	require.NoError(t, err)
	assert.Contains(t, out, "engine: mcmc")
	assert.Contains(t, out, "- cli")
}

func TestCLI_WorkerNeedsRank(t *testing.T) {
	_, err := execRoot(t, "worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), pool.EnvRank)
}

func TestCLI_RunsListMissingStore(t *testing.T) {
	_, err := execRoot(t, "runs", "list", "--store", filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
}

func TestCLI_InitAndVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bajes.yaml")
	out, err := execRoot(t, "init", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	_, err = config.Load(path)
	require.NoError(t, err)

	_, err = execRoot(t, "init", "-o", path)
	require.Error(t, err)

	out, err = execRoot(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "bajes dev"))
	assert.Contains(t, out, pool.ProtocolVersion)
}
