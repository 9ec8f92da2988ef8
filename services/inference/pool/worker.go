// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/gorilla/websocket"
)

// workerPool is a non-zero rank of the distributed pool. Its only job is
// to serve units until the coordinator sends shutdown.
type workerPool struct {
	rank    int
	size    int
	link    *link
	logger  *slog.Logger
	metrics *Metrics

	served atomic.Int64
	done   atomic.Bool

	closeOnce sync.Once
}

// openWorker dials the coordinator, retrying until ConnectTimeout, and
// completes the handshake.
func openWorker(ctx context.Context, opts Options) (*workerPool, error) {
	if opts.Rank < 1 || opts.Rank >= opts.Size {
		return nil, fmt.Errorf("rank %d outside world of %d", opts.Rank, opts.Size)
	}
	if opts.CoordinatorAddr == "" {
		return nil, fmt.Errorf("rank %d: no coordinator address", opts.Rank)
	}
	if opts.PerNode > 0 {
		runtime.GOMAXPROCS(max(1, runtime.NumCPU()/opts.PerNode))
	}
	logger := opts.Logger.With("component", "pool")

	ws, err := dial(ctx, opts.CoordinatorAddr, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	l := newLink(ws)
	hello := &message{Kind: kindHello, Rank: opts.Rank, Token: opts.RunID, Protocol: ProtocolVersion}
	if err := l.send(hello); err != nil {
		_ = l.close()
		return nil, err
	}
	welcome, err := l.recvWithin(handshakeTimeout)
	if err != nil {
		_ = l.close()
		return nil, err
	}
	if err := accept(welcome); err != nil {
		_ = l.close()
		return nil, err
	}
	if l.codec, err = codecNamed(welcome.Codec); err != nil {
		_ = l.close()
		return nil, err
	}

	logger.Info("joined process group", "coordinator", opts.CoordinatorAddr,
		"codec", l.codec.name(), "gomaxprocs", runtime.GOMAXPROCS(0))
	return &workerPool{
		rank:    opts.Rank,
		size:    opts.Size,
		link:    l,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

func accept(m *message) error {
	if m.Kind != kindWelcome {
		return fmt.Errorf("%w: expected welcome, got %s", ErrProtocol, m.Kind)
	}
	if m.Err != "" {
		return fmt.Errorf("%w: coordinator refused: %s", ErrHandshake, m.Err)
	}
	if !compatible(m.Protocol) {
		return fmt.Errorf("%w: coordinator protocol %q incompatible with %s", ErrHandshake, m.Protocol, ProtocolVersion)
	}
	return nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	url := "ws://" + addr + connectPath
	backoff := 50 * time.Millisecond
	for {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return ws, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial coordinator %s: %w", addr, err)
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 2*time.Second)
	}
}

func (w *workerPool) Map(context.Context, eval.Task, [][]float64) ([][]float64, error) {
	return nil, ErrNotCoordinator
}

func (w *workerPool) Size() int           { return w.size - 1 }
func (w *workerPool) Rank() int           { return w.rank }
func (w *workerPool) IsCoordinator() bool { return false }

// Served returns the number of units this rank has evaluated.
func (w *workerPool) Served() int64 { return w.served.Load() }

// Wait serves work units until the coordinator sends shutdown.
//
// Description:
//
//	Each unit's kernel name is resolved against resolver and the result
//	sent back under the unit's ID. Evaluation errors and panics are
//	reported to the coordinator; they do not end the loop. The loop ends
//	with nil only on shutdown.
//
// Inputs:
//
//	ctx - Cancelling it closes the connection and ends the loop.
//	resolver - Maps kernel names to this rank's local functions.
//
// Outputs:
//
//	error - nil after an acknowledged shutdown; otherwise why the loop
//	        ended.
func (w *workerPool) Wait(ctx context.Context, resolver eval.Resolver) error {
	if resolver == nil {
		return fmt.Errorf("rank %d: nil resolver", w.rank)
	}
	if w.done.Load() {
		return ErrPoolClosed
	}
	stop := context.AfterFunc(ctx, func() { _ = w.link.close() })
	defer stop()

	for {
		m, err := w.link.recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("rank %d: %w", w.rank, err)
		}
		switch m.Kind {
		case kindWork:
			res := w.serve(resolver, m)
			if err := w.link.send(res); err != nil {
				return fmt.Errorf("rank %d: %w", w.rank, err)
			}
		case kindShutdown:
			w.done.Store(true)
			if err := w.link.send(&message{Kind: kindAck, Rank: w.rank}); err != nil {
				return fmt.Errorf("rank %d: %w", w.rank, err)
			}
			w.logger.Info("worker shutting down", "served", w.served.Load())
			return nil
		default:
			return fmt.Errorf("rank %d: %w: unexpected %s", w.rank, ErrProtocol, m.Kind)
		}
	}
}

func (w *workerPool) serve(resolver eval.Resolver, m *message) *message {
	res := &message{Kind: kindResult, ID: m.ID, Rank: w.rank}
	fn, err := resolver.Resolve(m.Kernel)
	if err == nil {
		var out []float64
		out, err = safeCall(fn, m.Data)
		res.Data = out
	}
	if err != nil {
		res.Data = nil
		res.Err = err.Error()
		var pe *PanicError
		if errors.As(err, &pe) {
			w.logger.Error("evaluation panicked", "kernel", m.Kernel, "panic", pe.Value, "stack", pe.Stack)
		}
	}
	w.served.Add(1)
	w.metrics.observeUnit(ModeMPI, err)
	return res
}

// Close drops the coordinator connection.
func (w *workerPool) Close() error {
	w.closeOnce.Do(func() {
		w.done.Store(true)
		_ = w.link.close()
	})
	return nil
}
