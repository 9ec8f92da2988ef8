// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapter binds an engine's evaluation hooks to the evaluation
// state.
//
// An engine is built with hooks that capture its model in closures. Adapt
// replaces each of them, through the engine's Hookable capability, with a
// named task resolved from the process-local state. After adaptation every
// unit an engine maps onto a pool carries only a kernel name and a vector,
// so a distributed pool can dispatch it and each worker evaluates it
// against its own identically built state.
package adapter

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/bajes/services/inference/engine"
	"github.com/AleutianAI/bajes/services/inference/eval"
)

var (
	// ErrAlreadyAdapted indicates a second adaptation of one engine.
	ErrAlreadyAdapted = errors.New("engine already adapted")

	// ErrEngineStarted indicates adaptation after Run began.
	ErrEngineStarted = errors.New("engine already started")

	// ErrNoEngine indicates a nil engine.
	ErrNoEngine = errors.New("no engine to adapt")
)

// order fixes the rebinding sequence so failures are reproducible.
var order = []engine.Hook{engine.HookPriorTransform, engine.HookPosterior, engine.HookProposal}

// Adapt rebinds every hook of e to the kernel the engine declares for it.
//
// Description:
//
//	Engines that are not Hookable pass through unchanged. For hookable
//	engines each hook in Bindings is resolved against resolver and set
//	through the matching setter. Nothing else on the engine changes.
//
// Inputs:
//
//	e - The engine, after construction and before Run.
//	resolver - The process-local evaluation state.
//
// Outputs:
//
//	engine.Engine - e, for chaining.
//	error - ErrAlreadyAdapted, ErrEngineStarted, or a resolution failure.
func Adapt(e engine.Engine, resolver eval.Resolver) (engine.Engine, error) {
	if e == nil {
		return nil, ErrNoEngine
	}
	h, ok := e.(engine.Hookable)
	if !ok {
		return e, nil
	}
	if h.Started() {
		return e, fmt.Errorf("%w: %s", ErrEngineStarted, e.Name())
	}
	if h.Adapted() {
		return e, fmt.Errorf("%w: %s", ErrAlreadyAdapted, e.Name())
	}

	bindings := h.Bindings()
	for _, hook := range order {
		kernel, ok := bindings[hook]
		if !ok {
			continue
		}
		fn, err := resolver.Resolve(kernel)
		if err != nil {
			return e, fmt.Errorf("adapt %s %s hook: %w", e.Name(), hook, err)
		}
		if err := set(h, hook, eval.Task{Name: kernel, Fn: fn}); err != nil {
			if errors.Is(err, engine.ErrStarted) {
				return e, fmt.Errorf("%w: %s", ErrEngineStarted, e.Name())
			}
			return e, fmt.Errorf("adapt %s %s hook: %w", e.Name(), hook, err)
		}
	}
	return e, nil
}

func set(h engine.Hookable, hook engine.Hook, t eval.Task) error {
	switch hook {
	case engine.HookPosterior:
		return h.SetPosteriorHook(t)
	case engine.HookPriorTransform:
		return h.SetPriorTransformHook(t)
	case engine.HookProposal:
		return h.SetProposalHook(t)
	}
	return fmt.Errorf("%w: %s", engine.ErrNoSuchHook, hook)
}
