// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package driver runs one inference workload end to end.
//
// Execute builds the evaluation state, opens the pool, and then splits by
// role. Worker ranks serve evaluations until the coordinator shuts the
// pool down. The coordinator builds and adapts the engine, runs it, closes
// the pool and finalizes the outputs. Every step is a phase of an explicit
// state machine recorded in the Outcome.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/bajes/services/inference/adapter"
	"github.com/AleutianAI/bajes/services/inference/engine"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/postprocess"
	"github.com/AleutianAI/bajes/services/inference/state"
	"github.com/AleutianAI/bajes/services/inference/store"
	"github.com/AleutianAI/bajes/services/inference/telemetry"
)

const tracerName = "bajes.driver"

// Role is a process's part in the run.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

// Recorder stores the run record. *store.Store implements it.
type Recorder interface {
	Put(r store.Record) error
}

// Uploader copies the output directory somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, dir, runID string) error
}

// MemoryTracer samples memory use while the engine runs.
type MemoryTracer interface {
	Start()
	Stop(logger *slog.Logger)
}

// Deps are the collaborators Execute uses. Every field is optional.
type Deps struct {
	// Logger receives lifecycle messages. Nil means slog.Default().
	Logger *slog.Logger

	// World is set when an external launcher started this process. Nil
	// means this process is rank 0 and launches its own workers.
	World *pool.World

	// Launcher starts worker ranks in mpi mode when World is nil.
	Launcher pool.Launcher

	// Metrics receives pool metrics.
	Metrics *pool.Metrics

	// Routes adds handlers to the coordinator router.
	Routes func(r *gin.Engine)

	// Recorder and Uploader run during finalization on the coordinator.
	Recorder Recorder
	Uploader Uploader

	// Memory is started before sampling and stopped once the run is over,
	// whether it succeeded or not.
	Memory MemoryTracer

	// Now overrides the clock; for tests.
	Now func() time.Time
}

// Outcome is what Execute produced.
type Outcome struct {
	Role   Role
	Rank   int
	Result *engine.Result

	// Summary is set when OutDir was written.
	Summary *postprocess.Summary

	// Record is the stored run record (coordinator only).
	Record *store.Record

	// Steps is the phase history, first to last.
	Steps []Step

	// TeardownErr is a pool-close or finalization problem that did not
	// fail the run.
	TeardownErr error
}

// Phases returns the phases in Steps.
func (o *Outcome) Phases() []Phase {
	out := make([]Phase, len(o.Steps))
	for i, s := range o.Steps {
		out[i] = s.Phase
	}
	return out
}

// Driver executes one run. Create one per run.
type Driver struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	once     sync.Once
	duration metric.Float64Histogram
	evals    metric.Int64Counter
}

// New creates a driver. Configuration errors surface from Execute so they
// are recorded as a failed phase.
func New(cfg Config, deps Deps) *Driver {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	d := &Driver{cfg: cfg, deps: deps, logger: deps.Logger.With("run_id", cfg.RunID)}
	meter := otel.Meter(tracerName)
	d.duration, _ = meter.Float64Histogram("bajes.run.duration",
		metric.WithDescription("Wall time of engine runs"), metric.WithUnit("s"))
	d.evals, _ = meter.Int64Counter("bajes.run.evaluations",
		metric.WithDescription("Likelihood evaluations performed by finished runs"))
	return d
}

// rank returns this process's rank.
func (d *Driver) rank() int {
	if d.deps.World != nil {
		return d.deps.World.Rank
	}
	return 0
}

// Execute runs the lifecycle.
//
// Description:
//
//	configured -> state-built -> pool-ready, then either serving ->
//	worker-exit on worker ranks, or engine-built -> adapted -> running ->
//	pool-closed -> finalized on the coordinator. Any failure moves to
//	failed. Configuration errors fail before the pool exists. When the
//	engine run fails the pool is still closed before the error returns.
//
// Inputs:
//
//	ctx - Cancels pool formation, serving and sampling.
//
// Outputs:
//
//	*Outcome - Always non-nil, with the phase history.
//	error - The first failure; teardown problems after a successful run
//	        go to Outcome.TeardownErr instead.
func (d *Driver) Execute(ctx context.Context) (*Outcome, error) {
	first := false
	d.once.Do(func() { first = true })
	if !first {
		return &Outcome{Rank: d.rank()}, ErrExecuted
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "driver.Execute",
		attribute.String("bajes.engine", d.cfg.Engine),
		attribute.String("bajes.mode", string(d.cfg.mode())),
		attribute.Int("bajes.rank", d.rank()),
	)
	r := &run{Driver: d, m: newMachine(d.deps.Now), out: &Outcome{Role: RoleCoordinator, Rank: d.rank()}}
	err := r.execute(ctx)
	r.out.Steps = r.m.history
	telemetry.End(span, err)
	return r.out, err
}

// run is the mutable state of one Execute.
type run struct {
	*Driver
	m   *machine
	out *Outcome

	state  *state.State
	pool   pool.Pool
	engine engine.Engine
}

// enter runs fn in a span and advances to phase when it succeeds.
func (r *run) enter(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "driver."+string(phase))
	err := fn(ctx)
	if err == nil {
		err = r.m.advance(phase)
	}
	telemetry.End(span, err)
	if err != nil {
		r.m.fail()
		r.logger.Error("run failed", "phase", phase, "error", err)
		return err
	}
	r.logger.Debug("phase entered", "phase", phase)
	return nil
}

func (r *run) execute(ctx context.Context) error {
	if err := r.enter(ctx, PhaseStateBuilt, r.buildState); err != nil {
		return err
	}
	if err := r.enter(ctx, PhasePoolReady, r.openPool); err != nil {
		return err
	}
	if r.pool != nil && !r.pool.IsCoordinator() {
		return r.serve(ctx)
	}
	return r.coordinate(ctx)
}

func (r *run) buildState(context.Context) error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	st, err := state.Build(r.cfg.stateOptions())
	if err != nil {
		return fmt.Errorf("build evaluation state: %w", err)
	}
	r.state = st
	lim := st.Limits()
	r.logger.Info("evaluation state built",
		"params", st.Model().Names(),
		"dist_min", lim.DistMin.String(), "dist_max", lim.DistMax.String(),
		"tshift_min", lim.TimeShiftMin.String(), "tshift_max", lim.TimeShiftMax.String())
	return nil
}

func (r *run) openPool(ctx context.Context) error {
	mode := r.cfg.mode()
	if !r.cfg.usesPool() {
		r.logger.Info("engine manages its own parallelism, no pool opened", "engine", r.cfg.Engine)
		return nil
	}
	opts := pool.Options{
		Mode:            mode,
		Size:            r.cfg.NProcs,
		CoordinatorAddr: r.cfg.CoordinatorAddr,
		RunID:           r.cfg.RunID,
		FastTransport:   r.cfg.FastMPI,
		PerNode:         r.cfg.PerNode,
		Routes:          r.deps.Routes,
		Logger:          r.deps.Logger,
		Metrics:         r.deps.Metrics,
	}
	if mode == pool.ModeInline {
		opts.Size = 1
	}
	if w := r.deps.World; w != nil {
		opts.Rank = w.Rank
		if w.Coordinator != "" {
			opts.CoordinatorAddr = w.Coordinator
		}
		if w.PerNode > 0 {
			opts.PerNode = w.PerNode
		}
	} else if mode == pool.ModeMPI {
		opts.Launcher = r.deps.Launcher
	}
	p, err := pool.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open %s pool: %w", mode, err)
	}
	r.pool = p
	return nil
}

// serve is the worker path. It never builds or runs an engine.
func (r *run) serve(ctx context.Context) error {
	r.out.Role = RoleWorker
	if err := r.m.advance(PhaseServing); err != nil {
		return err
	}
	r.logger.Debug("serving evaluations")
	err := r.pool.Wait(ctx, r.state)
	if cerr := r.pool.Close(); cerr != nil {
		r.out.TeardownErr = cerr
	}
	if err != nil {
		r.m.fail()
		return fmt.Errorf("rank %d service loop: %w", r.pool.Rank(), err)
	}
	return r.m.advance(PhaseWorkerExit)
}

func (r *run) coordinate(ctx context.Context) error {
	if err := r.enter(ctx, PhaseEngineBuilt, r.buildEngine); err != nil {
		r.closePool()
		return err
	}
	if err := r.enter(ctx, PhaseAdapted, r.adapt); err != nil {
		r.closePool()
		return err
	}
	if err := r.m.advance(PhaseRunning); err != nil {
		r.closePool()
		return err
	}

	if r.cfg.TraceMemory && r.deps.Memory != nil {
		r.deps.Memory.Start()
		defer r.deps.Memory.Stop(r.logger)
	}
	started := r.deps.Now()
	r.logger.Info("running sampler", "engine", r.cfg.Engine, "mode", r.cfg.mode(), "nprocs", r.cfg.NProcs)
	runCtx, span := telemetry.StartSpan(ctx, tracerName, "driver."+string(PhaseRunning))
	runErr := r.engine.Run(runCtx)
	telemetry.End(span, runErr)

	teardown := r.closePool()
	if err := r.m.advance(PhasePoolClosed); err != nil {
		return err
	}
	if runErr != nil {
		r.m.fail()
		r.logger.Error("sampler failed", "error", runErr, "teardown_error", teardown)
		return fmt.Errorf("run %s: %w", r.cfg.Engine, runErr)
	}
	r.out.TeardownErr = teardown

	return r.enter(ctx, PhaseFinalized, func(ctx context.Context) error {
		return r.finalize(ctx, started)
	})
}

func (r *run) buildEngine(context.Context) error {
	opts := r.cfg.Sampler
	opts.Logger = r.deps.Logger
	if r.cfg.Engine == engine.NameCPNest && r.cfg.mode() == pool.ModeThread {
		opts.Threads = r.cfg.NProcs
	}
	e, err := engine.New(r.cfg.Engine, r.state.Model(), r.state.Proposal(), r.pool, opts)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	r.engine = e
	return nil
}

func (r *run) adapt(context.Context) error {
	e, err := adapter.Adapt(r.engine, r.state)
	if err != nil {
		return fmt.Errorf("adapt engine: %w", err)
	}
	r.engine = e
	return nil
}

// closePool tears the pool down once. Failures are logged and returned,
// never escalated by the caller after a successful run.
func (r *run) closePool() error {
	if r.pool == nil {
		return nil
	}
	err := r.pool.Close()
	r.pool = nil
	if err != nil {
		r.logger.Warn("pool teardown incomplete", "error", err)
	}
	return err
}

func (r *run) finalize(ctx context.Context, started time.Time) error {
	res, err := r.engine.Result()
	if err != nil {
		return err
	}
	r.out.Result = res
	attrs := metric.WithAttributes(attribute.String("engine", res.Engine))
	r.duration.Record(ctx, res.Elapsed.Seconds(), attrs)
	r.evals.Add(ctx, int64(res.Evaluations), attrs)

	args := []any{"samples", len(res.Samples), "acceptance", res.Acceptance,
		"evaluations", res.Evaluations, "elapsed", res.Elapsed}
	if res.HasEvidence {
		args = append(args, "logZ", res.LogZ, "logZ_err", res.LogZErr)
	}
	r.logger.Info("sampling finished", args...)

	if r.cfg.OutDir != "" {
		sum, err := postprocess.Write(r.cfg.OutDir, res)
		if err != nil {
			return fmt.Errorf("write outputs: %w", err)
		}
		r.out.Summary = &sum
	}

	rec := r.record(res, started)
	r.out.Record = &rec
	var soft []error
	if r.deps.Recorder != nil {
		if err := r.deps.Recorder.Put(rec); err != nil {
			soft = append(soft, fmt.Errorf("record run: %w", err))
		}
	}
	if r.deps.Uploader != nil && r.cfg.OutDir != "" {
		if err := r.deps.Uploader.Upload(ctx, r.cfg.OutDir, r.cfg.RunID); err != nil {
			soft = append(soft, fmt.Errorf("upload outputs: %w", err))
		}
	}
	if len(soft) > 0 {
		err := errors.Join(soft...)
		r.logger.Warn("finalization incomplete", "error", err)
		r.out.TeardownErr = errors.Join(r.out.TeardownErr, err)
	}
	return nil
}

func (r *run) record(res *engine.Result, started time.Time) store.Record {
	rec := store.Record{
		ID:          r.cfg.RunID,
		Engine:      r.cfg.Engine,
		Mode:        string(r.cfg.mode()),
		NProcs:      r.cfg.NProcs,
		Started:     started,
		Duration:    res.Elapsed,
		Samples:     len(res.Samples),
		Acceptance:  res.Acceptance,
		Evaluations: res.Evaluations,
		OutDir:      r.cfg.OutDir,
		Tags:        r.cfg.Tags,
	}
	if res.HasEvidence {
		logZ, logZErr := res.LogZ, res.LogZErr
		rec.LogZ, rec.LogZErr = &logZ, &logZErr
	}
	return rec
}
