// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memtrace samples memory use while a run is sampling and reports
// the peaks when it stops.
package memtrace

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// Report is the result of one trace.
type Report struct {
	Duration time.Duration
	PeakHeap uint64
	PeakRSS  uint64
	HasRSS   bool
	NumGC    uint32
	Mallocs  uint64
	Samples  int
}

// Tracer samples runtime memory statistics in the background.
//
// Thread Safety: Start and Stop must not race each other.
type Tracer struct {
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started time.Time
	gc0     uint32
	mall0   uint64
	report  Report
}

// New returns a tracer sampling every interval (minimum 10ms).
func New(interval time.Duration) *Tracer {
	return &Tracer{interval: max(interval, 10*time.Millisecond)}
}

// Start begins sampling. A second Start without Stop is ignored.
func (t *Tracer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.started = time.Now()
	t.gc0, t.mall0 = ms.NumGC, ms.Mallocs
	t.report = Report{PeakHeap: ms.HeapAlloc, Samples: 1}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.sample(t.stop, t.done)
}

func (t *Tracer) sample(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			t.mu.Lock()
			t.report.PeakHeap = max(t.report.PeakHeap, ms.HeapAlloc)
			t.report.Samples++
			t.mu.Unlock()
		}
	}
}

// Stop ends sampling and logs the report. Stop without Start logs nothing.
func (t *Tracer) Stop(logger *slog.Logger) {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.mu.Lock()
	r := &t.report
	r.Duration = time.Since(t.started)
	r.PeakHeap = max(r.PeakHeap, ms.HeapAlloc)
	r.NumGC = ms.NumGC - t.gc0
	r.Mallocs = ms.Mallocs - t.mall0
	r.PeakRSS, r.HasRSS = peakRSS()
	report := *r
	t.mu.Unlock()

	if logger == nil {
		return
	}
	args := []any{
		"duration", report.Duration,
		"peak_heap_mib", mib(report.PeakHeap),
		"gc_cycles", report.NumGC,
		"mallocs", report.Mallocs,
		"samples", report.Samples,
	}
	if report.HasRSS {
		args = append(args, "peak_rss_mib", mib(report.PeakRSS))
	}
	logger.Info("memory trace", args...)
}

// Report returns the last finished trace.
func (t *Tracer) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.report
}

func mib(b uint64) float64 {
	return float64(b) / (1 << 20)
}
