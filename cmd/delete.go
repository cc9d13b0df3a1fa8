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
	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/run"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(deleteCmd)
	addRunFlags(deleteCmd)
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Deletes the cluster of a run and the disks it created.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		report, err := run.ExecuteDelete(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if report.Skipped || cfg.DryRun {
			return nil
		}
		if !report.Leaked.Empty() {
			logging.Warn("Cluster %s was deleted but %s remain", cfg.Cluster.Name, report.Leaked)
			return nil
		}
		logging.Info("Deleted cluster %s and the resources of run %s", cfg.Cluster.Name, cfg.JobID)
		return nil
	},
}
