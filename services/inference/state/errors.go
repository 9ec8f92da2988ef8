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

import "errors"

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrUnknownModel indicates a model name with no builder.
	ErrUnknownModel = errors.New("unknown model")

	// ErrEmptySupport indicates reconciled bounds that leave no prior volume.
	ErrEmptySupport = errors.New("parameter bounds leave an empty prior support")

	// ErrNoProposal indicates the propose kernel was requested from a state
	// built for an engine that does not use one.
	ErrNoProposal = errors.New("no proposal attached to this state")

	// ErrBadInput indicates an input vector of the wrong length.
	ErrBadInput = errors.New("input vector has wrong length")

	// ErrInvalidParameter indicates a malformed parameter declaration.
	ErrInvalidParameter = errors.New("invalid parameter")
)
