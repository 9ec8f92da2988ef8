// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders the run header and run listings for the terminal.
//
// Styling is applied only when writing to a terminal; redirected output
// gets plain text so log files and pipes stay clean.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")
	ColorError       = lipgloss.Color("#E74C3C")
)

// Styles are the shared lipgloss styles.
var Styles = struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Value  lipgloss.Style
	Muted  lipgloss.Style
	Error  lipgloss.Style
	Box    lipgloss.Style
	Header lipgloss.Style
}{
	Title: lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Label: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Value: lipgloss.NewStyle().Bold(true),
	Muted: lipgloss.NewStyle().Foreground(ColorSlate),
	Error: lipgloss.NewStyle().Foreground(ColorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright).Padding(0, 1),
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// RunHeader is the information shown before sampling starts.
type RunHeader struct {
	Version string
	RunID   string
	Engine  string
	Mode    string
	NProcs  int
	OutDir  string
	Tags    []string
}

// parallelism describes the execution backend in words.
func (h RunHeader) parallelism() string {
	switch h.Mode {
	case "mpi":
		return fmt.Sprintf("parallel core, %d processes", h.NProcs)
	case "thread":
		return fmt.Sprintf("%d threads", h.NProcs)
	default:
		return "serial"
	}
}

func (h RunHeader) rows() [][2]string {
	rows := [][2]string{
		{"run", h.RunID},
		{"engine", h.Engine},
		{"execution", h.parallelism()},
		{"output", h.OutDir},
	}
	if len(h.Tags) > 0 {
		rows = append(rows, [2]string{"tags", strings.Join(h.Tags, ", ")})
	}
	return rows
}

// Render returns the header, boxed and coloured when styled is set.
func (h RunHeader) Render(styled bool) string {
	title := "bajes " + h.Version
	var b strings.Builder
	if !styled {
		b.WriteString(title + "\n")
		for _, r := range h.rows() {
			fmt.Fprintf(&b, "  %-10s %s\n", r[0], r[1])
		}
		return b.String()
	}
	b.WriteString(Styles.Title.Render(title))
	for _, r := range h.rows() {
		b.WriteString("\n" + Styles.Label.Render(fmt.Sprintf("%-10s", r[0])) + " " + Styles.Value.Render(r[1]))
	}
	return Styles.Box.Render(b.String()) + "\n"
}

// PrintHeader writes the header to w, styled only on a terminal.
func PrintHeader(w io.Writer, h RunHeader) {
	fmt.Fprint(w, h.Render(IsTerminal(w)))
}

// Table renders rows under headers, with borders when styled.
func Table(headers []string, rows [][]string, styled bool) string {
	if !styled {
		var b strings.Builder
		b.WriteString(strings.Join(headers, "\t") + "\n")
		for _, r := range rows {
			b.WriteString(strings.Join(r, "\t") + "\n")
		}
		return b.String()
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorTealDeep)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	return t.Render() + "\n"
}
