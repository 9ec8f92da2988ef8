// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapter

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bajes/services/inference/engine"
	"github.com/AleutianAI/bajes/services/inference/eval"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/state"
)

func buildState(t *testing.T, name string) *state.State {
	t.Helper()
	st, err := state.Build(state.Options{
		Engine:    name,
		Injection: state.DefaultInjection(),
		Proposal:  state.DefaultProposalOptions(),
	})
	require.NoError(t, err)
	return st
}

func smallOptions() engine.Options {
	o := engine.DefaultOptions()
	o.NWalkers = 4
	o.NBurn = 2
	o.NSteps = 3
	o.NTemps = 2
	o.NLive = 20
	o.MaxIter = 5
	o.NBatch = 2
	return o
}

// portableOnly refuses unnamed tasks the way the distributed pool does.
type portableOnly struct{ pool.Pool }

func (p portableOnly) Map(ctx context.Context, t eval.Task, in [][]float64) ([][]float64, error) {
	if !t.Portable() {
		return nil, pool.ErrUnportableTask
	}
	return p.Pool.Map(ctx, t, in)
}

// counting resolves through the state and counts calls per kernel.
type counting struct {
	st    *state.State
	mu    sync.Mutex
	calls map[eval.Name]int
}

func (c *counting) Resolve(name eval.Name) (eval.Func, error) {
	fn, err := c.st.Resolve(name)
	if err != nil {
		return nil, err
	}
	return func(in []float64) ([]float64, error) {
		c.mu.Lock()
		c.calls[name]++
		c.mu.Unlock()
		return fn(in)
	}, nil
}

// spy is a hookable engine that records what it is bound to.
type spy struct {
	bindings engine.Bindings
	tasks    map[engine.Hook]eval.Task
	started  bool
}

func (s *spy) Name() string { return "spy" }
func (s *spy) Run(context.Context) error { s.started = true; return nil }
func (s *spy) Result() (*engine.Result, error) { return nil, engine.ErrNotRun }
func (s *spy) Bindings() engine.Bindings { return s.bindings }
func (s *spy) Adapted() bool { return len(s.tasks) > 0 }
func (s *spy) Started() bool { return s.started }
func (s *spy) SetPosteriorHook(t eval.Task) error { return s.set(engine.HookPosterior, t) }
func (s *spy) SetPriorTransformHook(t eval.Task) error {
	return s.set(engine.HookPriorTransform, t)
}
func (s *spy) SetProposalHook(t eval.Task) error { return s.set(engine.HookProposal, t) }

func (s *spy) set(h engine.Hook, t eval.Task) error {
	if s.tasks == nil {
		s.tasks = make(map[engine.Hook]eval.Task)
	}
	s.tasks[h] = t
	return nil
}

func TestAdapt_HooksRouteThroughState(t *testing.T) {
	tests := []struct {
		engine   string
		bindings engine.Bindings
	}{
		{engine.NameMCMC, engine.Bindings{engine.HookPosterior: eval.LogPost, engine.HookProposal: eval.Propose}},
		{engine.NamePTMCMC, engine.Bindings{engine.HookPosterior: eval.LogLikePrior, engine.HookProposal: eval.Propose}},
		{engine.NameNest, engine.Bindings{
			engine.HookPosterior:      eval.LogLike,
			engine.HookPriorTransform: eval.PriorTransform,
			engine.HookProposal:       eval.Propose,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			st := buildState(t, tt.engine)
			s := &spy{bindings: tt.bindings}
			out, err := Adapt(s, st)
			require.NoError(t, err)
			assert.Same(t, s, out)
			require.Len(t, s.tasks, len(tt.bindings))

			rng := rand.New(rand.NewPCG(1, 2))
			for hook, kernel := range tt.bindings {
				task := s.tasks[hook]
				assert.Equal(t, kernel, task.Name, hook)
				direct, err := st.Resolve(kernel)
				require.NoError(t, err)

				for range 5 {
					in := inputFor(rng, st, tt.engine, kernel)
					got, err := task.Call(in)
					require.NoError(t, err)
					want, err := direct(in)
					require.NoError(t, err)
					assert.Equal(t, want, got, "%s via %s", kernel, hook)
				}
			}
		})
	}
}

// inputFor draws a valid input for a kernel of the named engine's state.
func inputFor(rng *rand.Rand, st *state.State, engineName string, kernel eval.Name) []float64 {
	m := st.Model()
	u := make([]float64, m.Dim())
	for i := range u {
		u[i] = rng.Float64()
	}
	seed := rng.Uint64() >> 11
	switch {
	case kernel == eval.PriorTransform:
		return u
	case kernel != eval.Propose:
		return m.PriorTransform(u)
	case state.ProposalKindFor(engineName) == state.ProposalWalk:
		return state.WalkInput(seed, m.PriorTransform(u))
	default:
		return state.EvolveInput(seed, math.Inf(-1), 0.1, u)
	}
}

func TestAdapt_EnginesRunOnPortableOnlyPool(t *testing.T) {
	for _, name := range []string{engine.NameMCMC, engine.NamePTMCMC, engine.NameNest, engine.NameDyNest} {
		t.Run(name, func(t *testing.T) {
			st := buildState(t, name)
			inline, err := pool.Open(context.Background(), pool.Options{Mode: pool.ModeInline})
			require.NoError(t, err)
			p := portableOnly{inline}

			e, err := engine.New(name, st.Model(), st.Proposal(), p, smallOptions())
			require.NoError(t, err)
			require.ErrorIs(t, e.Run(context.Background()), pool.ErrUnportableTask,
				"closure hooks must not reach a portable-only pool")

			e, err = engine.New(name, st.Model(), st.Proposal(), p, smallOptions())
			require.NoError(t, err)
			res := &counting{st: st, calls: map[eval.Name]int{}}
			_, err = Adapt(e, res)
			require.NoError(t, err)
			assert.True(t, e.(engine.Hookable).Adapted())

			require.NoError(t, e.Run(context.Background()))
			for _, kernel := range e.(engine.Hookable).Bindings() {
				assert.Positive(t, res.calls[kernel], kernel)
			}
		})
	}
}

func TestAdapt_Twice(t *testing.T) {
	st := buildState(t, engine.NameMCMC)
	e, err := engine.New(engine.NameMCMC, st.Model(), st.Proposal(), mustInline(t), smallOptions())
	require.NoError(t, err)

	_, err = Adapt(e, st)
	require.NoError(t, err)
	_, err = Adapt(e, st)
	require.ErrorIs(t, err, ErrAlreadyAdapted)
}

func TestAdapt_AfterRun(t *testing.T) {
	st := buildState(t, engine.NameMCMC)
	e, err := engine.New(engine.NameMCMC, st.Model(), st.Proposal(), mustInline(t), smallOptions())
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	_, err = Adapt(e, st)
	require.ErrorIs(t, err, ErrEngineStarted)
}

func TestAdapt_SelfWiredEngineUntouched(t *testing.T) {
	st := buildState(t, engine.NameCPNest)
	e, err := engine.New(engine.NameCPNest, st.Model(), st.Proposal(), nil, smallOptions())
	require.NoError(t, err)

	out, err := Adapt(e, st)
	require.NoError(t, err)
	assert.Same(t, e, out)
	_, err = Adapt(e, st)
	require.NoError(t, err)
}

func TestAdapt_MissingKernel(t *testing.T) {
	// Built for no engine: the state has no proposal.
	st := buildState(t, "")
	proposalState := buildState(t, engine.NameMCMC)
	e, err := engine.New(engine.NameMCMC, st.Model(), proposalState.Proposal(), mustInline(t), smallOptions())
	require.NoError(t, err)

	_, err = Adapt(e, st)
	require.ErrorIs(t, err, state.ErrNoProposal)
}

func TestAdapt_Nil(t *testing.T) {
	_, err := Adapt(nil, buildState(t, engine.NameMCMC))
	require.ErrorIs(t, err, ErrNoEngine)
}

func mustInline(t *testing.T) pool.Pool {
	t.Helper()
	p, err := pool.Open(context.Background(), pool.Options{Mode: pool.ModeInline})
	require.NoError(t, err)
	return p
}
