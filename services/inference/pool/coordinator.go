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
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const handshakeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// remote is the coordinator's handle on one worker rank. A remote is owned
// by at most one in-flight unit: it is taken from the idle queue before a
// dispatch and returned after the result arrives.
type remote struct {
	rank int
	link *link
	seq  uint64
}

// launched tracks a worker the coordinator started itself.
type launched struct {
	rank int
	proc Process
	done chan struct{}
	err  error
}

// coordinator is rank 0 of the distributed pool.
type coordinator struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	codec   codec

	listener net.Listener
	server   *http.Server

	idle   chan *remote
	joined chan struct{}
	dead   chan struct{}
	exited chan int

	mu       sync.Mutex
	workers  map[int]*remote
	pending  map[int]bool
	procs    []*launched
	closed   bool
	deadOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

// openCoordinator listens for workers, launches them if configured, and
// waits until every rank has joined.
func openCoordinator(ctx context.Context, opts Options) (*coordinator, error) {
	if opts.Size < 2 {
		return nil, fmt.Errorf("%w: mpi mode needs at least 2 processes, got %d", ErrNoWorkers, opts.Size)
	}
	c := &coordinator{
		opts:    opts,
		logger:  opts.Logger.With("component", "pool"),
		metrics: opts.Metrics,
		codec:   codecFor(opts.FastTransport),
		idle:    make(chan *remote, opts.Size-1),
		joined:  make(chan struct{}),
		dead:    make(chan struct{}),
		exited:  make(chan int, opts.Size),
		workers: make(map[int]*remote),
		pending: make(map[int]bool),
	}

	addr := opts.CoordinatorAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	c.listener = ln
	c.server = &http.Server{Handler: c.router(), ReadHeaderTimeout: handshakeTimeout}
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("coordinator server stopped", "error", err)
		}
	}()
	c.logger.Info("coordinator listening", "addr", c.Addr(), "world_size", opts.Size)

	if opts.Launcher != nil {
		if err := c.launch(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	if err := c.awaitWorkers(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.logger.Info("process group formed", "workers", opts.Size-1, "codec", c.codec.name())
	return c, nil
}

// Addr returns the address the coordinator is listening on.
func (c *coordinator) Addr() string { return c.listener.Addr().String() }

func (c *coordinator) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("bajes-pool"))
	r.GET(connectPath, c.handleConnect)
	r.GET("/healthz", func(gc *gin.Context) {
		c.mu.Lock()
		n := len(c.workers)
		c.mu.Unlock()
		gc.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"rank":     0,
			"workers":  n,
			"expected": c.opts.Size - 1,
		})
	})
	if c.opts.Routes != nil {
		c.opts.Routes(r)
	}
	return r
}

func (c *coordinator) launch(ctx context.Context) error {
	for rank := 1; rank < c.opts.Size; rank++ {
		w := World{
			Rank:        rank,
			Size:        c.opts.Size,
			Coordinator: c.Addr(),
			RunID:       c.opts.RunID,
			PerNode:     c.opts.PerNode,
			Fast:        c.opts.FastTransport,
		}
		proc, err := c.opts.Launcher.Launch(ctx, w)
		if err != nil {
			return fmt.Errorf("launch rank %d: %w", rank, err)
		}
		l := &launched{rank: rank, proc: proc, done: make(chan struct{})}
		c.mu.Lock()
		c.procs = append(c.procs, l)
		c.mu.Unlock()
		go func() {
			l.err = l.proc.Wait()
			close(l.done)
			c.exited <- l.rank
		}()
	}
	c.logger.Debug("launched workers", "count", c.opts.Size-1)
	return nil
}

func (c *coordinator) awaitWorkers(ctx context.Context) error {
	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	for {
		select {
		case <-c.joined:
			return nil
		case rank := <-c.exited:
			c.mu.Lock()
			_, ok := c.workers[rank]
			c.mu.Unlock()
			if !ok {
				return fmt.Errorf("%w: rank %d", ErrWorkerExited, rank)
			}
		case <-timer.C:
			c.mu.Lock()
			n := len(c.workers)
			c.mu.Unlock()
			return fmt.Errorf("timed out after %s waiting for workers: %d of %d joined",
				c.opts.ConnectTimeout, n, c.opts.Size-1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleConnect admits one worker rank.
func (c *coordinator) handleConnect(gc *gin.Context) {
	ws, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		c.logger.Error("failed to upgrade worker connection", "error", err)
		return
	}
	l := newLink(ws)
	hello, err := l.recvWithin(handshakeTimeout)
	if err != nil {
		c.logger.Warn("worker handshake failed", "remote", gc.Request.RemoteAddr, "error", err)
		_ = l.close()
		return
	}
	if err := c.admit(hello); err != nil {
		c.logger.Warn("refused worker", "worker_rank", hello.Rank, "error", err)
		_ = l.send(&message{Kind: kindWelcome, Protocol: ProtocolVersion, Err: err.Error()})
		_ = l.close()
		return
	}

	welcome := &message{Kind: kindWelcome, Protocol: ProtocolVersion, Codec: c.codec.name()}
	if err := l.send(welcome); err != nil {
		c.release(hello.Rank)
		_ = l.close()
		return
	}
	l.codec = c.codec
	r := &remote{rank: hello.Rank, link: l}

	c.mu.Lock()
	delete(c.pending, r.rank)
	c.workers[r.rank] = r
	if len(c.workers) == c.opts.Size-1 {
		close(c.joined)
	}
	n := len(c.workers)
	c.mu.Unlock()

	c.metrics.Workers.WithLabelValues(string(ModeMPI)).Set(float64(n))
	c.logger.Info("worker joined", "worker_rank", r.rank, "joined", n, "expected", c.opts.Size-1)
	c.idle <- r
}

// admit validates a hello and reserves its rank.
func (c *coordinator) admit(m *message) error {
	if m.Kind != kindHello {
		return fmt.Errorf("%w: expected hello, got %s", ErrProtocol, m.Kind)
	}
	if !compatible(m.Protocol) {
		return fmt.Errorf("%w: protocol %q incompatible with %s", ErrHandshake, m.Protocol, ProtocolVersion)
	}
	if m.Token != c.opts.RunID {
		return fmt.Errorf("%w: run id mismatch", ErrHandshake)
	}
	if m.Rank < 1 || m.Rank >= c.opts.Size {
		return fmt.Errorf("%w: rank %d outside world of %d", ErrHandshake, m.Rank, c.opts.Size)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrPoolClosed
	}
	if _, ok := c.workers[m.Rank]; ok || c.pending[m.Rank] {
		return fmt.Errorf("%w: rank %d already joined", ErrHandshake, m.Rank)
	}
	c.pending[m.Rank] = true
	return nil
}

func (c *coordinator) release(rank int) {
	c.mu.Lock()
	delete(c.pending, rank)
	c.mu.Unlock()
}

// lose drops a worker whose connection failed.
func (c *coordinator) lose(r *remote, cause error) {
	c.mu.Lock()
	if c.workers[r.rank] == r {
		delete(c.workers, r.rank)
	}
	n := len(c.workers)
	c.mu.Unlock()

	_ = r.link.close()
	c.metrics.Workers.WithLabelValues(string(ModeMPI)).Set(float64(n))
	c.logger.Error("lost worker", "worker_rank", r.rank, "error", cause)
	if n == 0 {
		c.deadOnce.Do(func() { close(c.dead) })
	}
}

// Map dispatches one unit per input to whichever worker is idle and
// collects the results by input position.
func (c *coordinator) Map(ctx context.Context, task eval.Task, inputs [][]float64) ([][]float64, error) {
	if !task.Portable() {
		return nil, ErrUnportableTask
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	ctx, span := tracer.Start(ctx, "pool.mpi.Map")
	defer span.End()
	span.SetAttributes(
		attribute.String("kernel", string(task.Name)),
		attribute.Int("units", len(inputs)),
	)
	start := time.Now()
	defer c.metrics.observeMap(ModeMPI, start)

	out := make([][]float64, len(inputs))
	g, gctx := errgroup.WithContext(ctx)

dispatch:
	for i, in := range inputs {
		var r *remote
		select {
		case r = <-c.idle:
		case <-c.dead:
			g.Go(func() error { return ErrNoWorkers })
			break dispatch
		case <-gctx.Done():
			break dispatch
		}
		g.Go(func() error {
			res, err := c.call(r, task.Name, i, in)
			c.metrics.observeUnit(ModeMPI, err)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// call runs one unit on r and returns r to the idle queue if its
// connection is still usable.
func (c *coordinator) call(r *remote, kernel eval.Name, index int, in []float64) ([]float64, error) {
	r.seq++
	id := r.seq
	if err := r.link.send(&message{Kind: kindWork, ID: id, Kernel: kernel, Data: in}); err != nil {
		c.lose(r, err)
		return nil, fmt.Errorf("rank %d: %w", r.rank, err)
	}
	m, err := r.link.recv()
	if err != nil {
		c.lose(r, err)
		return nil, fmt.Errorf("rank %d: %w", r.rank, err)
	}
	if m.Kind != kindResult || m.ID != id {
		err := fmt.Errorf("%w: expected result %d, got %s %d", ErrProtocol, id, m.Kind, m.ID)
		c.lose(r, err)
		return nil, fmt.Errorf("rank %d: %w", r.rank, err)
	}
	c.idle <- r
	if m.Err != "" {
		return nil, &WorkerError{Rank: r.rank, Kernel: kernel, Index: index, Message: m.Err}
	}
	return m.Data, nil
}

func (c *coordinator) Size() int           { return c.opts.Size - 1 }
func (c *coordinator) Rank() int           { return 0 }
func (c *coordinator) IsCoordinator() bool { return true }

func (c *coordinator) Wait(context.Context, eval.Resolver) error { return ErrNotWorker }

// Close sends every worker the shutdown message, waits for the
// acknowledgements, stops the server and reaps launched processes.
//
// Description:
//
//	Best-effort: every step runs even if an earlier one failed, and all
//	failures are joined into the returned error.
func (c *coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		workers := make([]*remote, 0, len(c.workers))
		for _, r := range c.workers {
			workers = append(workers, r)
		}
		procs := c.procs
		c.mu.Unlock()

		var (
			emu  sync.Mutex
			errs []error
			wg   sync.WaitGroup
		)
		record := func(err error) {
			emu.Lock()
			errs = append(errs, err)
			emu.Unlock()
		}
		for _, r := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.shutdown(r); err != nil {
					record(fmt.Errorf("shutdown rank %d: %w", r.rank, err))
				}
			}()
		}
		wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(ctx); err != nil {
			record(fmt.Errorf("stop server: %w", err))
		}
		for _, p := range procs {
			select {
			case <-p.done:
			case <-ctx.Done():
				_ = p.proc.Kill()
				<-p.done
			}
			if p.err != nil {
				record(fmt.Errorf("rank %d exited: %w", p.rank, p.err))
			}
		}
		c.metrics.Workers.WithLabelValues(string(ModeMPI)).Set(0)
		c.closeErr = errors.Join(errs...)
		c.logger.Info("process group closed", "workers", len(workers), "errors", len(errs))
	})
	return c.closeErr
}

func (c *coordinator) shutdown(r *remote) error {
	defer r.link.close()
	if err := r.link.send(&message{Kind: kindShutdown}); err != nil {
		return err
	}
	m, err := r.link.recvWithin(c.opts.ShutdownTimeout)
	if err != nil {
		return err
	}
	if m.Kind != kindAck {
		return fmt.Errorf("%w: expected ack, got %s", ErrProtocol, m.Kind)
	}
	return nil
}
