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
	"github.com/spf13/cobra"
)

// runFlags are the command-line overrides shared by run and worker.
type runFlags struct {
	configPath  string
	engine      string
	mode        string
	nprocs      int
	outdir      string
	fastMPI     bool
	perNode     int
	coordinator string
	distMin     []float64
	distMax     []float64
	tshiftMin   []float64
	tshiftMax   []float64
	margTShift  bool
	traceMemory bool
	debug       bool
	tags        []string
	seed        uint64
	storeDir    string
	noStore     bool
	upload      string
	traces      string
	metrics     string
}

var (
	flags    runFlags
	runsDir  string
	initPath string

	rootCmd = &cobra.Command{
		Use:           "bajes",
		Short:         "Bayesian inference with interchangeable samplers and execution backends",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a sampler inline, on a thread pool, or across a process group",
		Long: `Run draws posterior samples with the configured engine.

With --mode mpi and no BAJES_RANK in the environment, bajes starts
nprocs-1 worker copies of itself. Under an external launcher every rank
runs "bajes run" with BAJES_RANK, BAJES_WORLD_SIZE and BAJES_COORDINATOR
set, and rank 0 listens on the coordinator address.`,
		Args: cobra.NoArgs,
		RunE: runRun, // Defined in cmd_run.go
	}

	workerCmd = &cobra.Command{
		Use:    "worker",
		Short:  "Serve evaluations for a coordinator (started by bajes run)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runWorker, // Defined in cmd_run.go
	}

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}

	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runRunsList, // Defined in cmd_runs.go
	}

	runsShowCmd = &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show one recorded run",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow, // Defined in cmd_runs.go
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a default run configuration",
		Args:  cobra.NoArgs,
		RunE:  runInit, // Defined in cmd_runs.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version and wire protocol",
		Args:  cobra.NoArgs,
		Run:   runVersion, // Defined in cmd_runs.go
	}
)

func init() {
	for _, c := range []*cobra.Command{runCmd, workerCmd} {
		bindRunFlags(c, &flags)
	}

	runsCmd.PersistentFlags().StringVar(&runsDir, "store", "", "run store directory (default ~/.bajes/runs)")
	runsCmd.AddCommand(runsListCmd, runsShowCmd)

	initCmd.Flags().StringVarP(&initPath, "output", "o", "bajes.yaml", "where to write the configuration")

	rootCmd.AddCommand(runCmd, workerCmd, runsCmd, initCmd, versionCmd)
}

func bindRunFlags(c *cobra.Command, f *runFlags) {
	fs := c.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "run configuration file")
	fs.StringVar(&f.engine, "engine", "", "sampler: mcmc, ptmcmc, nest, dynest, cpnest")
	fs.StringVar(&f.mode, "mode", "", "parallelism: inline, thread, mpi")
	fs.IntVarP(&f.nprocs, "nprocs", "n", 0, "threads or processes")
	fs.StringVarP(&f.outdir, "outdir", "o", "", "output directory")
	fs.BoolVar(&f.fastMPI, "fast-mpi", false, "binary work frames in mpi mode")
	fs.IntVar(&f.perNode, "per-node", 0, "ranks sharing one host")
	fs.StringVar(&f.coordinator, "coordinator", "", "rank-0 listen address in mpi mode")
	fs.Float64SliceVar(&f.distMin, "dist-min", nil, "lower distance bound candidates")
	fs.Float64SliceVar(&f.distMax, "dist-max", nil, "upper distance bound candidates")
	fs.Float64SliceVar(&f.tshiftMin, "tshift-min", nil, "lower time-shift bound candidates")
	fs.Float64SliceVar(&f.tshiftMax, "tshift-max", nil, "upper time-shift bound candidates")
	fs.BoolVar(&f.margTShift, "marg-time-shift", false, "marginalise the time shift")
	fs.BoolVar(&f.traceMemory, "trace-memory", false, "report memory use after sampling")
	fs.BoolVar(&f.debug, "debug", false, "debug logging")
	fs.StringSliceVar(&f.tags, "tags", nil, "labels stored with the run")
	fs.Uint64Var(&f.seed, "seed", 0, "sampler seed")
	fs.StringVar(&f.storeDir, "store", "", "run store directory (default ~/.bajes/runs)")
	fs.BoolVar(&f.noStore, "no-store", false, "do not record the run")
	fs.StringVar(&f.upload, "upload", "", "gs://bucket/prefix to upload outputs to")
	fs.StringVar(&f.traces, "traces", "", "trace exporter: none, stdout, otlp")
	fs.StringVar(&f.metrics, "metrics", "", "metric exporter: none, stdout, prometheus")
}
