// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package driver

import "errors"

var (
	// ErrIncompatibleEngine is returned when an engine that cannot use a
	// process group is requested in mpi mode.
	ErrIncompatibleEngine = errors.New("engine does not support mpi mode")

	// ErrUnknownEngine is returned for an engine name outside engine.Names.
	ErrUnknownEngine = errors.New("unknown engine")

	// ErrUnknownMode is returned for an unsupported parallelism mode.
	ErrUnknownMode = errors.New("unknown mode")

	// ErrInvalidConfig wraps every other configuration problem.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidTransition is returned when the lifecycle is driven out of
	// order.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrExecuted is returned when Execute is called twice.
	ErrExecuted = errors.New("driver already executed")
)
