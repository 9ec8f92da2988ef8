// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/bajes/cmd/bajes/config"
	"github.com/AleutianAI/bajes/pkg/ux"
	"github.com/AleutianAI/bajes/services/inference/pool"
	"github.com/AleutianAI/bajes/services/inference/store"
)

func openRuns() (*store.Store, error) {
	f := config.Default()
	if runsDir != "" {
		f.Store.Dir = runsDir
	}
	dir := f.StoreDir()
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("no run store at %s: %w", dir, err)
	}
	return store.Open(store.DefaultConfig(dir))
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	st, err := openRuns()
	if err != nil {
		return err
	}
	defer st.Close()
	records, err := st.List()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return nil
	}
	fmt.Fprint(w, ux.Table(runHeaders, runRows(records), ux.IsTerminal(w)))
	return nil
}

var runHeaders = []string{"ID", "STARTED", "ENGINE", "MODE", "NPROCS", "SAMPLES", "LOGZ", "DURATION"}

func runRows(records []store.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		logZ := "-"
		if r.LogZ != nil {
			logZ = strconv.FormatFloat(*r.LogZ, 'f', 3, 64)
		}
		rows = append(rows, []string{
			r.ID,
			r.Started.Local().Format(time.DateTime),
			r.Engine,
			r.Mode,
			strconv.Itoa(r.NProcs),
			strconv.Itoa(r.Samples),
			logZ,
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	return rows
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	st, err := openRuns()
	if err != nil {
		return err
	}
	defer st.Close()
	r, err := st.Get(args[0])
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	defer enc.Close()
	return enc.Encode(r)
}

func runInit(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(initPath); err == nil {
		return fmt.Errorf("%s already exists", initPath)
	}
	if err := config.Save(initPath, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", initPath)
	return nil
}

func runVersion(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "bajes %s (pool protocol %s)\n", Version, pool.ProtocolVersion)
}
