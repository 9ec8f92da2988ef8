// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postprocess

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/bajes/services/inference/engine"
)

func nestedResult() *engine.Result {
	res := &engine.Result{
		Engine:      "nest",
		Names:       []string{"distance", "time_shift"},
		Acceptance:  0.25,
		LogZ:        -7.4,
		LogZErr:     0.12,
		HasEvidence: true,
		Evaluations: 1000,
		Iterations:  40,
		Elapsed:     1500 * time.Millisecond,
	}
	for i := range 101 {
		res.Samples = append(res.Samples, []float64{float64(100 + i), float64(i-50) / 1000})
		res.LogL = append(res.LogL, -float64(i)-1)
	}
	return res
}

func TestQuantile(t *testing.T) {
	x := []float64{0, 1, 2, 3, 4}
	assert.Equal(t, 0.0, Quantile(x, 0))
	assert.Equal(t, 2.0, Quantile(x, 0.5))
	assert.Equal(t, 4.0, Quantile(x, 1))
	assert.InDelta(t, 0.2, Quantile(x, 0.05), 1e-12)
	assert.True(t, math.IsNaN(Quantile(nil, 0.5)))
}

func TestSummarize(t *testing.T) {
	s, err := Summarize(nestedResult())
	require.NoError(t, err)
	assert.Equal(t, 101, s.Samples)
	require.NotNil(t, s.LogZ)
	assert.Equal(t, -7.4, *s.LogZ)
	require.Len(t, s.Parameters, 2)

	d := s.Parameters[0]
	assert.Equal(t, "distance", d.Name)
	assert.InDelta(t, 150, d.Mean, 1e-9)
	assert.InDelta(t, 150, d.Median, 1e-9)
	assert.InDelta(t, 105, d.Lower, 1e-9)
	assert.InDelta(t, 195, d.Upper, 1e-9)
	assert.InDelta(t, math.Sqrt(850), d.Std, 1e-9)
}

func TestSummarize_Empty(t *testing.T) {
	_, err := Summarize(&engine.Result{})
	require.ErrorIs(t, err, ErrEmptyResult)
	_, err = Summarize(nil)
	require.ErrorIs(t, err, ErrEmptyResult)
}

func TestWrite_NestedResult(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, nestedResult())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, PosteriorFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 102)
	assert.Equal(t, "# distance\ttime_shift\tlogL", lines[0])
	assert.Equal(t, "100\t-0.05\t-1", lines[1])

	ev, err := os.ReadFile(filepath.Join(dir, EvidenceFile))
	require.NoError(t, err)
	assert.Contains(t, string(ev), "-7.4\t0.12")

	raw, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, yaml.Unmarshal(raw, &s))
	assert.Equal(t, "nest", s.Engine)
	assert.Len(t, s.Parameters, 2)
}

func TestWrite_ChainResultHasNoEvidence(t *testing.T) {
	res := nestedResult()
	res.HasEvidence = false
	res.LogPost = res.LogL
	res.LogL = nil

	dir := t.TempDir()
	s, err := Write(dir, res)
	require.NoError(t, err)
	assert.Nil(t, s.LogZ)

	_, err = os.Stat(filepath.Join(dir, EvidenceFile))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dir, PosteriorFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# distance\ttime_shift\tlogpost\n"))
}
