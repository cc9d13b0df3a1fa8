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

	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/run"

	"github.com/spf13/cobra"
)

var (
	queryLength int64
	printConfig bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	addRunFlags(runCmd)
	runCmd.Flags().Int("num-nodes", 0, "Number of nodes of the cluster.")
	runCmd.Flags().Int("batch-len", 0, "Length of the queries in one batch.")
	runCmd.Flags().String("queries", "", "Location of the queries to split inside the cluster.")
	runCmd.Flags().Bool("cloud-query-split", false, "Split the queries into batches with a job on the cluster.")
	runCmd.Flags().Int64Var(&queryLength, "query-length", 0, "Total length of the queries, used to suggest a batch length.")
	runCmd.Flags().BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit.")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Creates a cluster and submits one BLAST job per query batch.",
	Long: `The 'run' command reads the split query batches under
<results>/<job-id>/query_batches, creates the GKE cluster, loads the database
onto shared storage and submits one Kubernetes job per batch.

With --cloud-query-split the queries are split into those batches by a job on
the cluster before the search jobs are submitted.

If anything fails after the cluster was created, the cluster and its disks
are deleted before the command exits.`,
	RunE: runRunCmd,
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if printConfig {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
		return err
	}

	names, err := run.ExecuteRun(cmd.Context(), cfg, run.Options{QueryLength: queryLength})
	if err != nil {
		return err
	}
	if cfg.DryRun {
		return nil
	}
	logging.Info("Run %s submitted %d jobs to cluster %s", cfg.JobID, len(names), cfg.Cluster.Name)
	logging.Info("Check its progress with: hpc-batch status --job-id %s --cluster-name %s --results %s",
		cfg.JobID, cfg.Cluster.Name, cfg.Results)
	return nil
}
