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
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/bajes/cmd/bajes/config"
	"github.com/AleutianAI/bajes/cmd/bajes/gcs"
	"github.com/AleutianAI/bajes/cmd/bajes/internal/memtrace"
	"github.com/AleutianAI/bajes/pkg/logging"
	"github.com/AleutianAI/bajes/pkg/ux"
	"github.com/AleutianAI/bajes/services/inference/driver"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/store"
	"github.com/AleutianAI/bajes/services/inference/telemetry"
)

// effectiveConfig is the file the coordinator hands to self-launched
// workers so every rank builds the same state.
const effectiveConfig = "config.yaml"

func runRun(cmd *cobra.Command, _ []string) error {
	return execute(cmd, false)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	return execute(cmd, true)
}

// execute is shared by run and worker; the rank decides the role.
func execute(cmd *cobra.Command, workerOnly bool) error {
	world, launched, err := pool.WorldFromEnv()
	if err != nil {
		return err
	}
	if workerOnly && !launched {
		return fmt.Errorf("worker must be started with %s set", pool.EnvRank)
	}

	f, err := loadConfig(cmd, &flags)
	if err != nil {
		return err
	}
	rank := 0
	if launched {
		rank = world.Rank
		f.Mode = pool.ModeMPI
		if world.Size > 0 {
			f.NProcs = world.Size
		}
		f.FastMPI = f.FastMPI || world.Fast
	}
	if err := f.ResolveOutDir(); err != nil {
		return err
	}
	// Configuration errors stop here, before any process or thread exists.
	if err := f.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(f.OutDir, 0o750); err != nil {
		return fmt.Errorf("create outdir: %w", err)
	}
	runID := runIDFor(world, launched, f)
	coordinator := rank == 0

	logger := newLogger(f, rank)
	defer logger.Close()
	log := logger.Slog().With("rank", rank)
	if !f.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	if coordinator {
		ux.PrintHeader(cmd.ErrOrStderr(), ux.RunHeader{
			Version: Version,
			RunID:   runID,
			Engine:  f.Engine,
			Mode:    string(f.Mode),
			NProcs:  f.NProcs,
			OutDir:  f.OutDir,
			Tags:    f.Tags,
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	tcfg := f.Telemetry
	tcfg.ServiceVersion = Version
	tcfg.RunID = runID
	tcfg.Rank = rank
	tcfg.Registry = reg
	if !coordinator {
		tcfg.MetricExporter = telemetry.ExporterNone
	}
	tel, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	deps := driver.Deps{Logger: log, Metrics: pool.NewMetrics(reg)}
	if launched {
		deps.World = &world
	}
	if coordinator {
		cleanup, err := coordinatorDeps(ctx, &deps, f, launched, tel, log)
		defer cleanup()
		if err != nil {
			return err
		}
	}

	out, err := driver.New(f.Driver(runID), deps).Execute(ctx)
	if err != nil {
		return err
	}
	if out.TeardownErr != nil {
		log.Warn("run finished with teardown problems", "error", out.TeardownErr)
	}
	if out.Role == driver.RoleCoordinator {
		printOutcome(cmd.OutOrStdout(), out)
	}
	return nil
}

// coordinatorDeps wires the rank-0-only collaborators. The returned
// cleanup is always safe to call.
func coordinatorDeps(ctx context.Context, deps *driver.Deps, f config.File, launched bool, tel *telemetry.Telemetry, log *slog.Logger) (func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps.Routes = func(r *gin.Engine) {
		if h := tel.Handler(); h != nil {
			r.GET("/metrics", gin.WrapH(h))
		}
	}
	if f.Mode == pool.ModeMPI && !launched {
		path := filepath.Join(f.OutDir, effectiveConfig)
		if err := config.Save(path, f); err != nil {
			return cleanup, err
		}
		deps.Launcher = &pool.ExecLauncher{
			Args:   []string{"worker", "--config", path},
			Stderr: os.Stderr,
		}
	}
	if !f.Store.Disabled {
		scfg := store.DefaultConfig(f.StoreDir())
		if f.Debug {
			scfg.Logger = log
		}
		st, err := store.Open(scfg)
		if err != nil {
			return cleanup, err
		}
		closers = append(closers, func() { _ = st.Close() })
		deps.Recorder = st
	}
	if f.Upload.URL != "" {
		up, err := gcs.NewUploader(ctx, f.Upload, log)
		if err != nil {
			return cleanup, err
		}
		closers = append(closers, func() { _ = up.Close() })
		deps.Uploader = up
	}
	deps.Memory = memtrace.New(time.Second)
	return cleanup, nil
}

// runIDFor returns a run ID every rank agrees on. Ranks started by an
// external launcher without BAJES_RUN_ID derive it from the coordinator
// address and output directory.
func runIDFor(world pool.World, launched bool, f config.File) string {
	switch {
	case launched && world.RunID != "":
		return world.RunID
	case launched:
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte("bajes://"+world.Coordinator+f.OutDir)).String()
	default:
		return uuid.NewString()
	}
}

func newLogger(f config.File, rank int) *logging.Logger {
	if rank > 0 {
		return logging.New(logging.WorkerConfig(f.OutDir, rank))
	}
	level := logging.LevelInfo
	if f.Debug {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{Level: level, LogDir: f.OutDir})
}

// loadConfig reads --config (or the defaults) and applies the flags the
// user actually set.
func loadConfig(cmd *cobra.Command, rf *runFlags) (config.File, error) {
	f := config.Default()
	if rf.configPath != "" {
		var err error
		if f, err = config.Load(rf.configPath); err != nil {
			return f, err
		}
	}
	set := cmd.Flags().Changed
	if set("engine") {
		f.Engine = rf.engine
	}
	if set("mode") {
		f.Mode = pool.Mode(rf.mode)
	}
	if set("nprocs") {
		f.NProcs = rf.nprocs
	}
	if set("outdir") {
		f.OutDir = rf.outdir
	}
	if set("fast-mpi") {
		f.FastMPI = rf.fastMPI
	}
	if set("per-node") {
		f.PerNode = rf.perNode
	}
	if set("coordinator") {
		f.CoordinatorAddr = rf.coordinator
	}
	if set("dist-min") {
		f.Bounds.DistMin = rf.distMin
	}
	if set("dist-max") {
		f.Bounds.DistMax = rf.distMax
	}
	if set("tshift-min") {
		f.Bounds.TShiftMin = rf.tshiftMin
	}
	if set("tshift-max") {
		f.Bounds.TShiftMax = rf.tshiftMax
	}
	if set("marg-time-shift") {
		f.Bounds.MargTimeShift = rf.margTShift
	}
	if set("trace-memory") {
		f.TraceMemory = rf.traceMemory
	}
	if set("debug") {
		f.Debug = rf.debug
	}
	if set("tags") {
		f.Tags = rf.tags
	}
	if set("seed") {
		f.Sampler.Seed = rf.seed
	}
	if set("store") {
		f.Store.Dir = rf.storeDir
	}
	if set("no-store") {
		f.Store.Disabled = rf.noStore
	}
	if set("upload") {
		f.Upload.URL = rf.upload
	}
	if set("traces") {
		f.Telemetry.TraceExporter = rf.traces
	}
	if set("metrics") {
		f.Telemetry.MetricExporter = rf.metrics
	}
	return f, nil
}

func printOutcome(w io.Writer, out *driver.Outcome) {
	res := out.Result
	fmt.Fprintf(w, "%d samples, acceptance %.3f, %d evaluations in %s\n",
		len(res.Samples), res.Acceptance, res.Evaluations, res.Elapsed.Round(time.Millisecond))
	if res.HasEvidence {
		fmt.Fprintf(w, "logZ = %.3f +/- %.3f\n", res.LogZ, res.LogZErr)
	}
	if out.Summary == nil {
		return
	}
	rows := make([][]string, 0, len(out.Summary.Parameters))
	for _, p := range out.Summary.Parameters {
		rows = append(rows, []string{p.Name, num(p.Mean), num(p.Std), num(p.Lower), num(p.Median), num(p.Upper)})
	}
	fmt.Fprint(w, ux.Table([]string{"PARAM", "MEAN", "STD", "P05", "P50", "P95"}, rows, ux.IsTerminal(w)))
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
