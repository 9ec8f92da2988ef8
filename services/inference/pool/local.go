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
	"runtime/debug"
	"sync"
	"time"

	"github.com/AleutianAI/bajes/services/inference/eval"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("bajes.pool")

// safeCall runs fn with panic recovery.
func safeCall(fn eval.Func, in []float64) (out []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	if fn == nil {
		return nil, eval.ErrUnbound
	}
	return fn(in)
}

// localUnit evaluates one unit in this process and wraps any failure.
func localUnit(task eval.Task, index int, in []float64) ([]float64, error) {
	out, err := safeCall(task.Fn, in)
	if err != nil {
		return nil, &WorkerError{Kernel: task.Name, Index: index, Message: err.Error(), err: err}
	}
	return out, nil
}

// =============================================================================
// INLINE
// =============================================================================

// inlinePool evaluates every unit in the calling goroutine.
type inlinePool struct {
	metrics *Metrics

	mu     sync.Mutex
	closed bool
}

func newInline(opts Options) *inlinePool {
	return &inlinePool{metrics: opts.Metrics}
}

func (p *inlinePool) Map(ctx context.Context, task eval.Task, inputs [][]float64) ([][]float64, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	start := time.Now()
	defer p.metrics.observeMap(ModeInline, start)

	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := localUnit(task, i, in)
		p.metrics.observeUnit(ModeInline, err)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

func (p *inlinePool) Size() int           { return 1 }
func (p *inlinePool) Rank() int           { return 0 }
func (p *inlinePool) IsCoordinator() bool { return true }

func (p *inlinePool) Wait(context.Context, eval.Resolver) error { return ErrNotWorker }

func (p *inlinePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *inlinePool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// =============================================================================
// THREAD
// =============================================================================

// job is one unit queued on the thread pool.
type job struct {
	task  eval.Task
	index int
	in    []float64
	done  func(out []float64, err error)
}

// threadPool runs units on a fixed set of goroutines.
//
// Thread Safety: Map may run concurrently with itself; Close waits for
// every worker goroutine to exit.
type threadPool struct {
	size    int
	jobs    chan job
	group   *errgroup.Group
	metrics *Metrics

	mu     sync.RWMutex
	closed bool

	panicMu sync.Mutex
	panics  []error

	once     sync.Once
	closeErr error
}

func newThreadPool(opts Options) *threadPool {
	p := &threadPool{
		size:    opts.Size,
		jobs:    make(chan job, opts.Size),
		group:   new(errgroup.Group),
		metrics: opts.Metrics,
	}
	opts.Metrics.Workers.WithLabelValues(string(ModeThread)).Set(float64(opts.Size))
	for range opts.Size {
		p.group.Go(p.work)
	}
	return p
}

func (p *threadPool) work() error {
	for j := range p.jobs {
		out, err := localUnit(j.task, j.index, j.in)
		if pe := (*PanicError)(nil); errors.As(err, &pe) {
			p.panicMu.Lock()
			p.panics = append(p.panics, err)
			p.panicMu.Unlock()
		}
		j.done(out, err)
	}
	return nil
}

func (p *threadPool) Map(ctx context.Context, task eval.Task, inputs [][]float64) ([][]float64, error) {
	// Hold the read lock for the whole call so Close cannot close the job
	// channel under a sender.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	ctx, span := tracer.Start(ctx, "pool.thread.Map")
	defer span.End()
	span.SetAttributes(
		attribute.String("kernel", string(task.Name)),
		attribute.Int("units", len(inputs)),
	)
	start := time.Now()
	defer p.metrics.observeMap(ModeThread, start)

	out := make([][]float64, len(inputs))
	errs := make([]error, len(inputs))
	var wg sync.WaitGroup

submit:
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			break
		}
		wg.Add(1)
		j := job{task: task, index: i, in: in, done: func(res []float64, err error) {
			out[i], errs[i] = res, err
			p.metrics.observeUnit(ModeThread, err)
			wg.Done()
		}}
		select {
		case p.jobs <- j:
		case <-ctx.Done():
			wg.Done()
			errs[i] = ctx.Err()
			break submit
		}
	}
	wg.Wait()

	if err := firstError(errs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// firstError returns the lowest-index error, or nil.
func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *threadPool) Size() int           { return p.size }
func (p *threadPool) Rank() int           { return 0 }
func (p *threadPool) IsCoordinator() bool { return true }

func (p *threadPool) Wait(context.Context, eval.Resolver) error { return ErrNotWorker }

// Close stops accepting work, joins every worker goroutine, and reports any
// panics recovered during the pool's lifetime.
func (p *threadPool) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()

		err := p.group.Wait()
		p.panicMu.Lock()
		p.closeErr = errors.Join(append([]error{err}, p.panics...)...)
		p.panicMu.Unlock()
		p.metrics.Workers.WithLabelValues(string(ModeThread)).Set(0)
	})
	return p.closeErr
}
