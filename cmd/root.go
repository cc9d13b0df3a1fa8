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

// Package cmd defines the hpc-batch command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"hpc-batch/pkg/config"
	"hpc-batch/pkg/logging"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X hpc-batch/cmd.Version=...".
var Version = "dev"

var (
	cfgFile  string
	logLevel string
	logJSON  bool
	dryRun   bool
)

var rootCmd = &cobra.Command{
	Use:   "hpc-batch",
	Short: "Runs BLAST searches on an ephemeral GKE cluster.",
	Long: `hpc-batch creates a GKE cluster, runs one BLAST job per query batch on it,
reports the status of the search and deletes the cluster and its disks when
the search is done.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Configure(logLevel, logJSON)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to the YAML configuration file.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error.")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log in JSON instead of text.")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Log what would be done without changing any cloud resource.")
}

// Execute runs the command line and returns the error of the command that ran.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// addRunFlags registers the flags that select a run.
func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("job-id", "", "Identifier of the run. Generated when empty.")
	cmd.Flags().String("results", "", "Results location, e.g. gs://bucket/prefix.")
	cmd.Flags().String("cluster-name", "", "Name of the GKE cluster.")
}

// loadConfig reads the configuration of cmd from the config file, the
// environment and the flags that were set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	cfg.Version = Version
	logging.Debug("Loaded configuration for run %s", cfg.JobID)
	return cfg, nil
}
