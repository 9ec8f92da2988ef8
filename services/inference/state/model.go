// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"fmt"
	"math"
)

// Model is the likelihood and prior of one inference problem.
//
// Every method is pure: identical construction inputs and identical
// parameter vectors give identical results in every process. Implementations
// are safe for concurrent use because nothing mutates them after Build.
type Model interface {
	// Names returns the sampled parameter names, in vector order.
	Names() []string

	// Dim returns the number of sampled parameters.
	Dim() int

	// Bounds returns the [min, max] prior support per parameter.
	Bounds() [][2]float64

	// LogLike returns the log-likelihood at x.
	LogLike(x []float64) float64

	// LogPrior returns the log-prior density at x, -Inf outside the support.
	LogPrior(x []float64) float64

	// LogLikePrior returns the log-likelihood and log-prior at x. The
	// likelihood is not evaluated outside the prior support.
	LogLikePrior(x []float64) (logL, logP float64)

	// LogPost returns the unnormalised log-posterior at x.
	LogPost(x []float64) float64

	// PriorTransform maps a point of the unit hypercube onto the prior.
	PriorTransform(u []float64) []float64
}

// PriorKind selects the one-dimensional prior shape of a parameter.
type PriorKind string

const (
	// PriorUniform is flat between Min and Max.
	PriorUniform PriorKind = "uniform"

	// PriorVolumetric is p(x) ∝ x², uniform in Euclidean volume.
	PriorVolumetric PriorKind = "volumetric"
)

// Parameter declares one sampled parameter of the gaussian model.
type Parameter struct {
	Name  string    `yaml:"name"`
	Prior PriorKind `yaml:"prior"`
	Min   float64   `yaml:"min"`
	Max   float64   `yaml:"max"`

	// Truth and Sigma define the Gaussian likelihood term for this parameter.
	Truth float64 `yaml:"truth"`
	Sigma float64 `yaml:"sigma"`
}

func (p Parameter) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidParameter)
	}
	if !(p.Min < p.Max) {
		return fmt.Errorf("%w: %s in [%g, %g]", ErrEmptySupport, p.Name, p.Min, p.Max)
	}
	if p.Sigma <= 0 {
		return fmt.Errorf("%w: %s sigma must be positive", ErrInvalidParameter, p.Name)
	}
	switch p.Prior {
	case PriorUniform:
	case PriorVolumetric:
		if p.Min < 0 {
			return fmt.Errorf("%w: %s volumetric prior needs min >= 0", ErrInvalidParameter, p.Name)
		}
	default:
		return fmt.Errorf("%w: %s prior %q", ErrInvalidParameter, p.Name, p.Prior)
	}
	return nil
}

func (p Parameter) logPrior(x float64) float64 {
	if x < p.Min || x > p.Max {
		return math.Inf(-1)
	}
	if p.Prior == PriorVolumetric {
		norm := (p.Max*p.Max*p.Max - p.Min*p.Min*p.Min) / 3
		return 2*math.Log(x) - math.Log(norm)
	}
	return -math.Log(p.Max - p.Min)
}

func (p Parameter) transform(u float64) float64 {
	if p.Prior == PriorVolumetric {
		lo := p.Min * p.Min * p.Min
		hi := p.Max * p.Max * p.Max
		return math.Cbrt(lo + u*(hi-lo))
	}
	return p.Min + u*(p.Max-p.Min)
}

// gaussianModel is an independent Gaussian likelihood around injected
// values, with per-parameter priors.
type gaussianModel struct {
	params []Parameter
	names  []string
	bounds [][2]float64
	norm   float64
}

func newGaussianModel(params []Parameter) (*gaussianModel, error) {
	m := &gaussianModel{
		params: make([]Parameter, len(params)),
		names:  make([]string, len(params)),
		bounds: make([][2]float64, len(params)),
	}
	seen := make(map[string]bool, len(params))
	for i, p := range params {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate %s", ErrInvalidParameter, p.Name)
		}
		seen[p.Name] = true
		m.params[i] = p
		m.names[i] = p.Name
		m.bounds[i] = [2]float64{p.Min, p.Max}
		m.norm -= math.Log(p.Sigma * math.Sqrt(2*math.Pi))
	}
	return m, nil
}

func (m *gaussianModel) Names() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

func (m *gaussianModel) Dim() int { return len(m.params) }

func (m *gaussianModel) Bounds() [][2]float64 {
	out := make([][2]float64, len(m.bounds))
	copy(out, m.bounds)
	return out
}

func (m *gaussianModel) LogLike(x []float64) float64 {
	chi2 := 0.0
	for i, p := range m.params {
		r := (x[i] - p.Truth) / p.Sigma
		chi2 += r * r
	}
	return m.norm - 0.5*chi2
}

func (m *gaussianModel) LogPrior(x []float64) float64 {
	lp := 0.0
	for i, p := range m.params {
		lp += p.logPrior(x[i])
		if math.IsInf(lp, -1) {
			return lp
		}
	}
	return lp
}

func (m *gaussianModel) LogLikePrior(x []float64) (float64, float64) {
	lp := m.LogPrior(x)
	if math.IsInf(lp, -1) {
		return math.Inf(-1), lp
	}
	return m.LogLike(x), lp
}

func (m *gaussianModel) LogPost(x []float64) float64 {
	ll, lp := m.LogLikePrior(x)
	return ll + lp
}

func (m *gaussianModel) PriorTransform(u []float64) []float64 {
	x := make([]float64, len(m.params))
	for i, p := range m.params {
		x[i] = p.transform(u[i])
	}
	return x
}

var _ Model = (*gaussianModel)(nil)
