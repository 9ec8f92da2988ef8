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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pool's Prometheus collectors.
type Metrics struct {
	// MapCalls counts Map calls by backend.
	MapCalls *prometheus.CounterVec

	// MapDuration observes Map latency by backend.
	MapDuration *prometheus.HistogramVec

	// Units counts evaluated units by backend and outcome.
	Units *prometheus.CounterVec

	// Workers is the number of live workers by backend.
	Workers *prometheus.GaugeVec
}

// NewMetrics creates the pool collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		MapCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bajes",
				Subsystem: "pool",
				Name:      "map_calls_total",
				Help:      "Total number of Map calls",
			},
			[]string{"backend"},
		),
		MapDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bajes",
				Subsystem: "pool",
				Name:      "map_duration_seconds",
				Help:      "Duration of Map calls",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"backend"},
		),
		Units: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bajes",
				Subsystem: "pool",
				Name:      "units_total",
				Help:      "Total number of evaluated work units",
			},
			[]string{"backend", "outcome"},
		),
		Workers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "bajes",
				Subsystem: "pool",
				Name:      "workers",
				Help:      "Number of live workers",
			},
			[]string{"backend"},
		),
	}
}

func (m *Metrics) observeMap(mode Mode, start time.Time) {
	m.MapCalls.WithLabelValues(string(mode)).Inc()
	m.MapDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeUnit(mode Mode, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Units.WithLabelValues(string(mode), outcome).Inc()
}
