// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/bajes/services/inference/driver"
	"github.com/AleutianAI/bajes/services/inference/state"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path over the defaults. Unknown keys are errors.
func Load(path string) (File, error) {
	f := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return f, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// Save writes f as YAML, creating the parent directory.
func Save(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o640)
}

// Validate checks field constraints, then the run-level rules shared
// with the driver (engine/mode compatibility, process counts).
func (f File) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", driver.ErrInvalidConfig, describe(verrs))
		}
		return err
	}
	return f.Driver("").Validate()
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// Driver converts f into the driver configuration for runID.
func (f File) Driver(runID string) driver.Config {
	return driver.Config{
		RunID:           runID,
		Engine:          f.Engine,
		Mode:            f.Mode,
		NProcs:          f.NProcs,
		FastMPI:         f.FastMPI,
		PerNode:         f.PerNode,
		CoordinatorAddr: f.CoordinatorAddr,
		State: state.Options{
			Model:         f.Model.Name,
			DistMin:       f.Bounds.DistMin,
			DistMax:       f.Bounds.DistMax,
			TimeShiftMin:  f.Bounds.TShiftMin,
			TimeShiftMax:  f.Bounds.TShiftMax,
			MargTimeShift: f.Bounds.MargTimeShift,
			Injection:     f.Model.Injection,
			Extra:         f.Model.Extra,
			Proposal:      f.Proposal,
		},
		Sampler:     f.Sampler,
		OutDir:      f.OutDir,
		Tags:        f.Tags,
		TraceMemory: f.TraceMemory,
	}
}

// ResolveOutDir makes OutDir absolute so every rank and the run record
// agree on it.
func (f *File) ResolveOutDir() error {
	abs, err := filepath.Abs(expandHome(f.OutDir))
	if err != nil {
		return fmt.Errorf("resolve outdir: %w", err)
	}
	f.OutDir = abs
	return nil
}

// StoreDir returns the expanded run-store directory.
func (f File) StoreDir() string {
	dir := f.Store.Dir
	if dir == "" {
		dir = DefaultStoreDir
	}
	return expandHome(dir)
}

func expandHome(p string) string {
	if rest, ok := strings.CutPrefix(p, "~"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return p
}
