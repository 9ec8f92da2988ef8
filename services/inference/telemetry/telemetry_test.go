// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_None(t *testing.T) {
	tel, err := Init(context.Background(), Config{TraceExporter: ExporterNone, MetricExporter: ""})
	require.NoError(t, err)
	assert.Nil(t, tel.Handler())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, Config{})
	require.ErrorIs(t, err, ErrNilContext)
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	require.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Init(context.Background(), Config{MetricExporter: "statsd"})
	require.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	tel, err := Init(context.Background(), Config{
		ServiceName:   "bajes-test",
		TraceExporter: ExporterStdout,
		Writer:        &buf,
	})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "bajes.test", "unit")
	span.End()
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"unit"`)
}

func TestInit_PrometheusHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel, err := Init(context.Background(), Config{
		ServiceName:    "bajes-test",
		MetricExporter: ExporterPrometheus,
		Registry:       reg,
	})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	counter, err := otel.Meter("bajes.test").Int64Counter("bajes_test_runs")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	require.NotNil(t, tel.Handler())
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bajes_test_runs_total")
}

func TestSpanHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("bajes.test")

	ctx, ok := tracer.Start(context.Background(), "ok")
	assert.NotEmpty(t, TraceID(ctx))
	End(ok, nil)

	_, bad := tracer.Start(context.Background(), "bad")
	End(bad, errors.New("boom"))

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "boom", ended[1].Status().Description)

	assert.Empty(t, TraceID(context.Background()))
	RecordError(nil, errors.New("ignored"))
	SetSpanOK(nil)
}
