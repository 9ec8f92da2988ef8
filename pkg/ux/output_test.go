// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func header() RunHeader {
	return RunHeader{
		Version: "v0.3.0",
		RunID:   "abc",
		Engine:  "nest",
		Mode:    "mpi",
		NProcs:  8,
		OutDir:  "/tmp/run",
		Tags:    []string{"gw150914", "test"},
	}
}

func TestRunHeader_Plain(t *testing.T) {
	out := header().Render(false)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "bajes v0.3.0", lines[0])
	assert.Contains(t, out, "parallel core, 8 processes")
	assert.Contains(t, out, "gw150914, test")
	assert.NotContains(t, out, "\x1b[")
}

func TestRunHeader_Parallelism(t *testing.T) {
	h := header()
	h.Mode = "thread"
	assert.Equal(t, "8 threads", h.parallelism())
	h.Mode = "inline"
	assert.Equal(t, "serial", h.parallelism())
}

func TestRunHeader_Styled(t *testing.T) {
	out := header().Render(true)
	assert.Contains(t, out, "╭")
	assert.Contains(t, out, "nest")
}

func TestPrintHeader_NotTerminal(t *testing.T) {
	var buf bytes.Buffer
	PrintHeader(&buf, header())
	assert.False(t, IsTerminal(&buf))
	assert.Equal(t, header().Render(false), buf.String())
}

func TestTable(t *testing.T) {
	rows := [][]string{{"a", "nest"}, {"b", "mcmc"}}
	plain := Table([]string{"ID", "ENGINE"}, rows, false)
	assert.Equal(t, "ID\tENGINE\na\tnest\nb\tmcmc\n", plain)

	styled := Table([]string{"ID", "ENGINE"}, rows, true)
	assert.Contains(t, styled, "ENGINE")
	assert.Contains(t, styled, "mcmc")
}
