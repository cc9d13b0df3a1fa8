// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"io"

	"hpc-batch/pkg/engine"
	"hpc-batch/pkg/run"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	waitStatus bool
	verbose    bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	addRunFlags(statusCmd)
	statusCmd.Flags().BoolVar(&waitStatus, "wait", false, "Poll until the search succeeds or fails.")
	statusCmd.Flags().BoolVar(&verbose, "verbose", false, "Show the state of every job.")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Reports the status of a run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		_, err = run.ExecuteStatus(cmd.Context(), cfg, verbose, waitStatus, func(st engine.Status, counts engine.JobCounts, diag engine.Diagnostics) {
			printStatus(out, st, counts, diag)
		})
		return err
	},
}

var statusColors = map[engine.Status]*color.Color{
	engine.Success: color.New(color.FgGreen),
	engine.Failure: color.New(color.FgRed),
	engine.Running: color.New(color.FgCyan),
}

func printStatus(w io.Writer, st engine.Status, counts engine.JobCounts, diag engine.Diagnostics) {
	if c, ok := statusColors[st]; ok {
		_, _ = c.Fprintln(w, st)
	} else {
		fmt.Fprintln(w, st)
	}
	for _, k := range []string{engine.CountPending, engine.CountRunning, engine.CountSucceeded, engine.CountFailed} {
		if n, ok := counts[k]; ok {
			fmt.Fprintf(w, "%s %d\n", k, n)
		}
	}
	for _, k := range []string{engine.DiagMessage, engine.DiagError, engine.DiagDetails} {
		if v := diag[k]; v != "" {
			fmt.Fprintln(w, v)
		}
	}
}
