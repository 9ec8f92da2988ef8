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
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Environment variables describing a rank's place in the process group.
const (
	EnvRank        = "BAJES_RANK"
	EnvWorldSize   = "BAJES_WORLD_SIZE"
	EnvCoordinator = "BAJES_COORDINATOR"
	EnvRunID       = "BAJES_RUN_ID"
	EnvPerNode     = "BAJES_PER_NODE"
	EnvFast        = "BAJES_FAST_MPI"
)

// World is one rank's view of the process group.
type World struct {
	Rank        int
	Size        int
	Coordinator string
	RunID       string
	PerNode     int
	Fast        bool
}

// Environ renders w as environment assignments.
func (w World) Environ() []string {
	return []string{
		EnvRank + "=" + strconv.Itoa(w.Rank),
		EnvWorldSize + "=" + strconv.Itoa(w.Size),
		EnvCoordinator + "=" + w.Coordinator,
		EnvRunID + "=" + w.RunID,
		EnvPerNode + "=" + strconv.Itoa(w.PerNode),
		EnvFast + "=" + strconv.FormatBool(w.Fast),
	}
}

// WorldFromEnv reads the process group from the environment.
//
// Description:
//
//	Returns ok=false when BAJES_RANK is unset, meaning this process was
//	started directly rather than by a launcher.
//
// Outputs:
//
//	World - The decoded world.
//	bool - Whether the rank variable was present.
//	error - Non-nil if a variable is present but malformed.
func WorldFromEnv() (World, bool, error) {
	return worldFrom(os.LookupEnv)
}

func worldFrom(lookup func(string) (string, bool)) (World, bool, error) {
	rank, ok := lookup(EnvRank)
	if !ok {
		return World{}, false, nil
	}
	var w World
	var err error
	if w.Rank, err = strconv.Atoi(rank); err != nil || w.Rank < 0 {
		return World{}, true, fmt.Errorf("%s=%q: not a rank", EnvRank, rank)
	}
	if v, ok := lookup(EnvWorldSize); ok {
		if w.Size, err = strconv.Atoi(v); err != nil || w.Size < 1 {
			return World{}, true, fmt.Errorf("%s=%q: not a size", EnvWorldSize, v)
		}
	}
	if w.Size > 0 && w.Rank >= w.Size {
		return World{}, true, fmt.Errorf("rank %d outside world of %d", w.Rank, w.Size)
	}
	if v, ok := lookup(EnvPerNode); ok && v != "" {
		if w.PerNode, err = strconv.Atoi(v); err != nil || w.PerNode < 0 {
			return World{}, true, fmt.Errorf("%s=%q: not a count", EnvPerNode, v)
		}
	}
	if v, ok := lookup(EnvFast); ok && v != "" {
		if w.Fast, err = strconv.ParseBool(v); err != nil {
			return World{}, true, fmt.Errorf("%s=%q: %w", EnvFast, v, err)
		}
	}
	w.Coordinator, _ = lookup(EnvCoordinator)
	w.RunID, _ = lookup(EnvRunID)
	return w, true, nil
}

// =============================================================================
// LAUNCHER
// =============================================================================

// Launcher starts worker ranks on behalf of rank 0.
//
// Thread Safety: implementations must be safe for concurrent use.
type Launcher interface {
	// Launch starts the rank described by w. The returned process must be
	// waited on.
	Launch(ctx context.Context, w World) (Process, error)
}

// Process is a launched worker rank.
type Process interface {
	// Wait blocks until the rank exits and returns its exit error.
	Wait() error

	// Kill stops the rank immediately.
	Kill() error
}

// ExecLauncher launches each worker as a child process of this binary.
type ExecLauncher struct {
	// Path is the executable; empty means the running binary.
	Path string

	// Args are passed to every worker, typically the worker subcommand.
	Args []string

	// Stdout and Stderr receive the workers' output; nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(_ context.Context, w World) (Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}

	// Not CommandContext: a worker outlives Open's context and is ended by
	// the shutdown message or Kill.
	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), w.Environ()...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start rank %d: %w", w.Rank, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

func (p *execProcess) Wait() error {
	p.once.Do(func() { p.err = p.cmd.Wait() })
	return p.err
}

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// FuncLauncher runs each worker rank as a function in this process. It
// drives the same connection path as ExecLauncher without spawning
// processes.
type FuncLauncher func(ctx context.Context, w World) error

// Launch implements Launcher.
func (f FuncLauncher) Launch(ctx context.Context, w World) (Process, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &funcProcess{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = fmt.Errorf("rank %d panicked: %v", w.Rank, r)
			}
		}()
		p.err = f(ctx, w)
	}()
	return p, nil
}

type funcProcess struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func (p *funcProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *funcProcess) Kill() error {
	p.cancel()
	return nil
}
