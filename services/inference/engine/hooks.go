// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/bajes/services/inference/eval"
)

// Hook names an evaluation slot on a hookable engine.
type Hook int

const (
	// HookPosterior is the engine's target density: log_post, log_likeprior
	// or log_like depending on the engine.
	HookPosterior Hook = iota + 1

	// HookPriorTransform maps the unit cube onto the prior.
	HookPriorTransform

	// HookProposal generates candidates: a random walk or point evolution.
	HookProposal
)

func (h Hook) String() string {
	switch h {
	case HookPosterior:
		return "posterior"
	case HookPriorTransform:
		return "prior_transform"
	case HookProposal:
		return "proposal"
	}
	return fmt.Sprintf("hook(%d)", int(h))
}

// Bindings maps each hook an engine has to the kernel it must be bound to.
type Bindings map[Hook]eval.Name

// Hookable is an engine whose evaluation hooks can be rebound after
// construction and before Run.
type Hookable interface {
	Engine

	// Bindings reports the engine's hooks and their kernels.
	Bindings() Bindings

	// SetPosteriorHook rebinds the target density.
	SetPosteriorHook(t eval.Task) error

	// SetPriorTransformHook rebinds the unit-cube transform.
	SetPriorTransformHook(t eval.Task) error

	// SetProposalHook rebinds candidate generation.
	SetProposalHook(t eval.Task) error

	// Adapted reports whether any hook has been rebound.
	Adapted() bool

	// Started reports whether Run has been called.
	Started() bool
}

// lifecycle tracks rebinding and the single Run of an engine.
type lifecycle struct {
	mu      sync.Mutex
	adapted bool
	started bool
	result  *Result
}

// rebind validates t against the hook's binding and applies set.
func (l *lifecycle) rebind(b Bindings, hook Hook, t eval.Task, set func()) error {
	want, ok := b[hook]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchHook, hook)
	}
	if t.Fn == nil {
		return fmt.Errorf("%s hook: %w", hook, eval.ErrUnbound)
	}
	if t.Name != "" && t.Name != want {
		return fmt.Errorf("%w: %s hook wants %q, got %q", ErrKernelMismatch, hook, want, t.Name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrStarted
	}
	set()
	l.adapted = true
	return nil
}

func (l *lifecycle) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrStarted
	}
	l.started = true
	return nil
}

func (l *lifecycle) finish(r *Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.result = r
}

// Adapted reports whether any hook has been rebound.
func (l *lifecycle) Adapted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adapted
}

// Started reports whether Run has been called.
func (l *lifecycle) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Result returns the outcome of a finished Run.
func (l *lifecycle) Result() (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.result == nil {
		return nil, ErrNotRun
	}
	return l.result, nil
}
