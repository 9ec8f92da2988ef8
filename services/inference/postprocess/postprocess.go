// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postprocess turns an engine result into the run's output files:
// the posterior samples, the evidence for nested engines, and a YAML
// summary of every parameter.
package postprocess

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/bajes/services/inference/engine"
	"gopkg.in/yaml.v3"
)

// Output file names.
const (
	PosteriorFile = "posterior.dat"
	EvidenceFile  = "evidence.dat"
	SummaryFile   = "summary.yaml"
)

// ErrEmptyResult indicates a result with no samples.
var ErrEmptyResult = errors.New("result has no samples")

// ParamSummary describes one parameter's marginal posterior.
type ParamSummary struct {
	Name   string  `yaml:"name"`
	Mean   float64 `yaml:"mean"`
	Std    float64 `yaml:"std"`
	Lower  float64 `yaml:"p05"`
	Median float64 `yaml:"p50"`
	Upper  float64 `yaml:"p95"`
}

// Summary is the content of summary.yaml.
type Summary struct {
	Engine      string             `yaml:"engine"`
	Samples     int                `yaml:"samples"`
	Acceptance  float64            `yaml:"acceptance"`
	LogZ        *float64           `yaml:"logz,omitempty"`
	LogZErr     *float64           `yaml:"logz_err,omitempty"`
	Evaluations int                `yaml:"evaluations"`
	Iterations  int                `yaml:"iterations"`
	Elapsed     string             `yaml:"elapsed"`
	Parameters  []ParamSummary     `yaml:"parameters"`
	Diagnostics map[string]float64 `yaml:"diagnostics,omitempty"`
}

// Summarize computes the marginal statistics of res.
func Summarize(res *engine.Result) (Summary, error) {
	if res == nil || len(res.Samples) == 0 {
		return Summary{}, ErrEmptyResult
	}
	s := Summary{
		Engine:      res.Engine,
		Samples:     len(res.Samples),
		Acceptance:  res.Acceptance,
		Evaluations: res.Evaluations,
		Iterations:  res.Iterations,
		Elapsed:     res.Elapsed.String(),
		Diagnostics: res.Diagnostics,
	}
	if res.HasEvidence {
		logZ, logZErr := res.LogZ, res.LogZErr
		s.LogZ, s.LogZErr = &logZ, &logZErr
	}
	for j, name := range res.Names {
		col := make([]float64, len(res.Samples))
		for i, x := range res.Samples {
			col[i] = x[j]
		}
		s.Parameters = append(s.Parameters, marginal(name, col))
	}
	return s, nil
}

func marginal(name string, x []float64) ParamSummary {
	n := float64(len(x))
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= n
	ss := 0.0
	for _, v := range x {
		ss += (v - mean) * (v - mean)
	}
	sorted := slices.Clone(x)
	slices.Sort(sorted)
	return ParamSummary{
		Name:   name,
		Mean:   mean,
		Std:    math.Sqrt(ss / n),
		Lower:  Quantile(sorted, 0.05),
		Median: Quantile(sorted, 0.50),
		Upper:  Quantile(sorted, 0.95),
	}
}

// Quantile returns the q-quantile of sorted by linear interpolation.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := min(lo+1, len(sorted)-1)
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Write produces every output file in dir and returns the summary.
func Write(dir string, res *engine.Result) (Summary, error) {
	if err := WritePosterior(dir, res); err != nil {
		return Summary{}, err
	}
	return WriteSummary(dir, res)
}

// WritePosterior writes posterior.dat and, for nested engines,
// evidence.dat.
//
// posterior.dat has a commented header naming the columns, then one
// whitespace-separated sample per line, with logL and logpost last when
// the engine tracked them.
func WritePosterior(dir string, res *engine.Result) error {
	if res == nil || len(res.Samples) == 0 {
		return ErrEmptyResult
	}
	cols := slices.Clone(res.Names)
	hasL := len(res.LogL) == len(res.Samples)
	hasP := len(res.LogPost) == len(res.Samples)
	if hasL {
		cols = append(cols, "logL")
	}
	if hasP {
		cols = append(cols, "logpost")
	}

	err := writeFile(filepath.Join(dir, PosteriorFile), func(w *bufio.Writer) error {
		fmt.Fprintf(w, "# %s\n", strings.Join(cols, "\t"))
		row := make([]string, 0, len(cols))
		for i, x := range res.Samples {
			row = row[:0]
			for _, v := range x {
				row = append(row, format(v))
			}
			if hasL {
				row = append(row, format(res.LogL[i]))
			}
			if hasP {
				row = append(row, format(res.LogPost[i]))
			}
			if _, err := fmt.Fprintln(w, strings.Join(row, "\t")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || !res.HasEvidence {
		return err
	}
	return writeFile(filepath.Join(dir, EvidenceFile), func(w *bufio.Writer) error {
		_, err := fmt.Fprintf(w, "# logZ\tlogZerr\n%s\t%s\n", format(res.LogZ), format(res.LogZErr))
		return err
	})
}

// WriteSummary writes summary.yaml.
func WriteSummary(dir string, res *engine.Result) (Summary, error) {
	s, err := Summarize(res)
	if err != nil {
		return Summary{}, err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return Summary{}, fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), data, 0o644); err != nil {
		return Summary{}, fmt.Errorf("write summary: %w", err)
	}
	return s, nil
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'g', 12, 64)
}

func writeFile(path string, fill func(w *bufio.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", filepath.Base(path), cerr)
		}
	}()
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return w.Flush()
}
