// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package eval defines the vocabulary shared by pools, engines and the
// evaluation state: named kernels, the functions behind them, and the tasks
// that pair the two.
//
// A Task is what an engine hands to a pool. In-process pools call Task.Fn
// directly. The distributed pool only ever sends Task.Name and the numeric
// input vector; every worker resolves the name against its own locally built
// state, so the model never crosses a process boundary.
package eval

import (
	"errors"
	"fmt"
)

// Name identifies an evaluation kernel that every process can resolve.
type Name string

// Kernels exposed by the evaluation state.
const (
	LogLike        Name = "log_like"
	LogLikePrior   Name = "log_likeprior"
	LogPost        Name = "log_post"
	PriorTransform Name = "prior_transform"
	Propose        Name = "propose"
)

// Names lists every kernel in a stable order.
var Names = []Name{LogLike, LogLikePrior, LogPost, PriorTransform, Propose}

// Valid reports whether n is a known kernel.
func (n Name) Valid() bool {
	for _, k := range Names {
		if k == n {
			return true
		}
	}
	return false
}

// Func evaluates one input vector. Scalar results are length-1 vectors.
type Func func(in []float64) ([]float64, error)

// Task pairs a kernel name with the local function implementing it.
//
// A Task with an empty Name is a captured closure: it runs fine in-process
// but cannot be dispatched to another process.
type Task struct {
	Name Name
	Fn   Func
}

// Portable reports whether the task can be dispatched by name.
func (t Task) Portable() bool {
	return t.Name != ""
}

// Call runs the task locally.
func (t Task) Call(in []float64) ([]float64, error) {
	if t.Fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnbound, t.Name)
	}
	return t.Fn(in)
}

// Resolver maps kernel names to local functions.
type Resolver interface {
	Resolve(name Name) (Func, error)
}

var (
	// ErrUnknownKernel indicates a kernel name no resolver knows about.
	ErrUnknownKernel = errors.New("unknown kernel")

	// ErrUnbound indicates a task without a function behind it.
	ErrUnbound = errors.New("kernel has no function bound")
)

// Scalar wraps a scalar evaluation as a Func.
func Scalar(fn func([]float64) float64) Func {
	return func(in []float64) ([]float64, error) {
		return []float64{fn(in)}, nil
	}
}

// Kernels is a fixed name-to-function table.
type Kernels map[Name]Func

// Resolve implements Resolver.
func (k Kernels) Resolve(name Name) (Func, error) {
	fn, ok := k[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKernel, name)
	}
	return fn, nil
}
