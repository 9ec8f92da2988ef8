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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func TestMachine_CoordinatorPath(t *testing.T) {
	m := newMachine(fixedClock())
	for _, p := range coordinatorPhases[1:] {
		require.NoError(t, m.advance(p), "to %s", p)
	}
	assert.Equal(t, coordinatorPhases, m.phases())
	assert.True(t, m.history[1].At.After(m.history[0].At))
}

func TestMachine_WorkerCannotRun(t *testing.T) {
	m := newMachine(fixedClock())
	require.NoError(t, m.advance(PhaseStateBuilt))
	require.NoError(t, m.advance(PhasePoolReady))
	require.NoError(t, m.advance(PhaseServing))

	for _, p := range []Phase{PhaseRunning, PhaseEngineBuilt, PhaseAdapted, PhaseFinalized} {
		require.ErrorIs(t, m.advance(p), ErrInvalidTransition, "to %s", p)
	}
	require.NoError(t, m.advance(PhaseWorkerExit))
	require.ErrorIs(t, m.advance(PhaseRunning), ErrInvalidTransition)
}

func TestMachine_SkippingIsInvalid(t *testing.T) {
	m := newMachine(fixedClock())
	require.ErrorIs(t, m.advance(PhasePoolReady), ErrInvalidTransition)
	require.NoError(t, m.advance(PhaseStateBuilt))
	require.ErrorIs(t, m.advance(PhaseRunning), ErrInvalidTransition)
}

func TestMachine_Fail(t *testing.T) {
	m := newMachine(fixedClock())
	require.NoError(t, m.advance(PhaseStateBuilt))
	m.fail()
	m.fail()
	assert.Equal(t, []Phase{PhaseConfigured, PhaseStateBuilt, PhaseFailed}, m.phases())
	require.ErrorIs(t, m.advance(PhasePoolReady), ErrInvalidTransition)
}

func TestPhase_Terminal(t *testing.T) {
	assert.True(t, PhaseWorkerExit.Terminal())
	assert.True(t, PhaseFinalized.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	assert.False(t, PhaseRunning.Terminal())
}
