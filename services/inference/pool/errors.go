// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/bajes/services/inference/eval"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrUnknownMode indicates a pool mode that is not inline, thread or mpi.
	ErrUnknownMode = errors.New("unknown pool mode")

	// ErrPoolClosed indicates use of a pool after Close.
	ErrPoolClosed = errors.New("pool is closed")

	// ErrUnportableTask indicates a task without a kernel name given to the
	// distributed pool.
	ErrUnportableTask = errors.New("task has no kernel name and cannot be dispatched")

	// ErrNotCoordinator indicates Map called on a worker rank.
	ErrNotCoordinator = errors.New("only the coordinator may map work")

	// ErrNotWorker indicates Wait called on the coordinator.
	ErrNotWorker = errors.New("only worker ranks serve work")

	// ErrNoWorkers indicates every worker connection has been lost.
	ErrNoWorkers = errors.New("no live workers")

	// ErrHandshake indicates a worker the coordinator refused or a
	// coordinator the worker could not agree with.
	ErrHandshake = errors.New("pool handshake failed")

	// ErrWorkerExited indicates a launched worker process exited before
	// joining the group.
	ErrWorkerExited = errors.New("worker exited before joining")

	// ErrConnectionLost indicates a broken coordinator/worker connection.
	ErrConnectionLost = errors.New("pool connection lost")

	// ErrProtocol indicates an unexpected or malformed frame.
	ErrProtocol = errors.New("pool protocol violation")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// WorkerError is a failed evaluation of one work unit.
type WorkerError struct {
	// Rank is the rank that evaluated the unit; 0 for in-process pools.
	Rank int

	// Kernel is the kernel that failed.
	Kernel eval.Name

	// Index is the unit's position in the Map input.
	Index int

	// Message is the evaluation error text.
	Message string

	err error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("rank %d: %s[%d]: %s", e.Rank, e.Kernel, e.Index, e.Message)
}

// Unwrap returns the local cause, if the unit ran in this process.
func (e *WorkerError) Unwrap() error { return e.err }

// PanicError is a recovered panic inside an evaluation.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in evaluation: %v", e.Value)
}
