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
	"fmt"
	"time"
)

// Phase is a lifecycle state of one Execute call.
type Phase string

const (
	PhaseConfigured  Phase = "configured"
	PhaseStateBuilt  Phase = "state-built"
	PhasePoolReady   Phase = "pool-ready"
	PhaseServing     Phase = "serving"
	PhaseWorkerExit  Phase = "worker-exit"
	PhaseEngineBuilt Phase = "engine-built"
	PhaseAdapted     Phase = "adapted"
	PhaseRunning     Phase = "running"
	PhasePoolClosed  Phase = "pool-closed"
	PhaseFinalized   Phase = "finalized"
	PhaseFailed      Phase = "failed"
)

// transitions lists the legal successors of each phase. Any non-terminal
// phase may also move to PhaseFailed. Serving only leads to worker-exit,
// so a worker rank can never reach running.
var transitions = map[Phase][]Phase{
	PhaseConfigured:  {PhaseStateBuilt},
	PhaseStateBuilt:  {PhasePoolReady},
	PhasePoolReady:   {PhaseServing, PhaseEngineBuilt},
	PhaseServing:     {PhaseWorkerExit},
	PhaseEngineBuilt: {PhaseAdapted},
	PhaseAdapted:     {PhaseRunning},
	PhaseRunning:     {PhasePoolClosed},
	PhasePoolClosed:  {PhaseFinalized},
}

// Terminal reports whether p ends the lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseWorkerExit || p == PhaseFinalized || p == PhaseFailed
}

// Step records when a phase was entered.
type Step struct {
	Phase Phase     `yaml:"phase"`
	At    time.Time `yaml:"at"`
}

// machine enforces the phase order. Not safe for concurrent use; one
// Execute owns it.
type machine struct {
	now     func() time.Time
	history []Step
}

func newMachine(now func() time.Time) *machine {
	return &machine{now: now, history: []Step{{Phase: PhaseConfigured, At: now()}}}
}

func (m *machine) current() Phase {
	return m.history[len(m.history)-1].Phase
}

func (m *machine) advance(to Phase) error {
	from := m.current()
	if !m.allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.history = append(m.history, Step{Phase: to, At: m.now()})
	return nil
}

func (m *machine) allowed(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// fail moves to PhaseFailed unless the lifecycle already ended.
func (m *machine) fail() {
	if !m.current().Terminal() {
		m.history = append(m.history, Step{Phase: PhaseFailed, At: m.now()})
	}
}

func (m *machine) phases() []Phase {
	out := make([]Phase, len(m.history))
	for i, s := range m.history {
		out[i] = s.Phase
	}
	return out
}
