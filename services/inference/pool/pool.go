// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool provides the three interchangeable worker pools a sampler
// engine maps evaluations onto.
//
//   - inline: every Map runs in the calling goroutine, in order.
//   - thread: a fixed set of goroutines sharing the caller's memory.
//   - mpi: a process group. Rank 0 coordinates and owns Map; every other
//     rank connects back to it over a websocket and blocks in Wait, serving
//     work units until the coordinator shuts the group down.
//
// Within one Map call outputs are always in input order.
//
// # Distributed Dispatch
//
// The distributed pool dispatches a task by kernel name only. Tasks without
// a name (captured closures) are rejected with ErrUnportableTask: the model
// behind a closure would otherwise have to be shipped to every worker.
// Workers resolve kernel names against their own, locally built evaluation
// state.
//
// # Thread Safety
//
// Map may be called from several goroutines at once. Close is idempotent.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/gin-gonic/gin"
)

// Mode selects the pool backend.
type Mode string

const (
	ModeInline Mode = "inline"
	ModeThread Mode = "thread"
	ModeMPI    Mode = "mpi"
)

// Valid reports whether m names a backend.
func (m Mode) Valid() bool {
	switch m {
	case ModeInline, ModeThread, ModeMPI:
		return true
	}
	return false
}

// Pool maps evaluation tasks onto workers.
type Pool interface {
	// Map evaluates task on every input and returns the outputs in input
	// order. Any failed unit fails the whole call.
	Map(ctx context.Context, task eval.Task, inputs [][]float64) ([][]float64, error)

	// Size returns the number of units that can run at once.
	Size() int

	// Rank returns this process's rank; 0 outside the distributed pool.
	Rank() int

	// IsCoordinator reports whether this process drives the sampler.
	IsCoordinator() bool

	// Wait serves dispatched work units until the coordinator shuts the
	// group down. Only workers may call it.
	Wait(ctx context.Context, resolver eval.Resolver) error

	// Close tears the pool down. It is safe to call more than once; calls
	// after the first return the first call's result.
	Close() error
}

// Options configures Open.
type Options struct {
	// Mode selects the backend.
	Mode Mode

	// Size is the total number of workers (thread) or processes including
	// the coordinator (mpi).
	Size int

	// Rank is this process's rank in mpi mode.
	Rank int

	// CoordinatorAddr is the rank-0 listen address, and the address workers
	// dial. Rank 0 may use port 0 when it launches its own workers.
	CoordinatorAddr string

	// RunID ties workers to one coordinator. Workers presenting another
	// run ID are refused.
	RunID string

	// FastTransport switches work frames from JSON text to packed binary.
	FastTransport bool

	// PerNode is the number of ranks sharing one host; workers divide the
	// host's CPUs between them.
	PerNode int

	// ConnectTimeout bounds how long rank 0 waits for its workers and how
	// long a worker keeps retrying the coordinator.
	ConnectTimeout time.Duration

	// ShutdownTimeout bounds how long Close waits for acknowledgements and
	// launched processes.
	ShutdownTimeout time.Duration

	// Launcher starts the worker ranks. Nil means an external launcher has
	// already started them.
	Launcher Launcher

	// Routes registers extra handlers on the coordinator router.
	Routes func(r *gin.Engine)

	// Logger receives lifecycle messages. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics receives pool metrics. Nil means unregistered collectors.
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.Size < 1 {
		o.Size = 1
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}

// Open constructs the pool selected by opts.Mode.
//
// Description:
//
//	In mpi mode every rank calls Open. Rank 0 listens, optionally launches
//	the other ranks, and returns once all of them have connected. Other
//	ranks dial rank 0 and return a handle whose only useful methods are
//	Wait and Close.
//
// Inputs:
//
//	ctx - Bounds construction (listening, launching, connecting).
//	opts - Pool options.
//
// Outputs:
//
//	Pool - The pool handle. Caller owns it and must Close it.
//	error - Non-nil if the mode is unknown or the process group could not
//	        be formed.
func Open(ctx context.Context, opts Options) (Pool, error) {
	opts = opts.withDefaults()
	switch opts.Mode {
	case ModeInline, "":
		return newInline(opts), nil
	case ModeThread:
		return newThreadPool(opts), nil
	case ModeMPI:
		if opts.Rank == 0 {
			return openCoordinator(ctx, opts)
		}
		return openWorker(ctx, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, opts.Mode)
	}
}
