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

import "errors"

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrUnknownEngine indicates an engine name outside Names.
	ErrUnknownEngine = errors.New("unknown engine")

	// ErrNoModel indicates construction without a model.
	ErrNoModel = errors.New("engine needs a model")

	// ErrNoProposal indicates construction without a proposal.
	ErrNoProposal = errors.New("engine needs a proposal")

	// ErrNoPool indicates a hookable engine constructed without a pool.
	ErrNoPool = errors.New("engine needs a pool")

	// ErrNoSuchHook indicates a hook the engine does not have.
	ErrNoSuchHook = errors.New("engine has no such hook")

	// ErrKernelMismatch indicates a named task bound to a hook expecting a
	// different kernel.
	ErrKernelMismatch = errors.New("task kernel does not match hook")

	// ErrStarted indicates a hook change after Run began.
	ErrStarted = errors.New("engine already started")

	// ErrNotRun indicates Result before a successful Run.
	ErrNotRun = errors.New("engine has not completed a run")

	// ErrBadReply indicates an evaluation reply of the wrong shape.
	ErrBadReply = errors.New("malformed evaluation reply")
)
