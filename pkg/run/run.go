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

// Package run wires the engine to the cloud adapters and implements the
// run, status and delete workflows of the command line.
package run

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"hpc-batch/pkg/cluster"
	cgke "hpc-batch/pkg/cluster/gke"
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/engine"
	"hpc-batch/pkg/image"
	"hpc-batch/pkg/jobs"
	"hpc-batch/pkg/logging"
	ogke "hpc-batch/pkg/orchestrator/gke"
	"hpc-batch/pkg/runerr"
	"hpc-batch/pkg/store"

	"google.golang.org/api/option"
	"k8s.io/client-go/tools/clientcmd"
)

// Options holds what the run command knows beyond the configuration.
type Options struct {
	// QueryLength is the total length of the queries, 0 when unknown.
	QueryLength int64
}

// Lifecycle is the part of the engine the run workflow drives.
type Lifecycle interface {
	Provision(ctx context.Context, batches []string) (*cluster.Context, error)
	WaitForQuerySplit(ctx context.Context) error
	Submit(ctx context.Context, batches []string) ([]string, error)
	Cleanup(ctx context.Context) error
}

// StatusSource reports the aggregate status of a run.
type StatusSource interface {
	Status(ctx context.Context, extended bool) (engine.Status, engine.JobCounts, engine.Diagnostics, error)
}

// Environment is an engine bound to the real adapters.
type Environment struct {
	Engine  *engine.Engine
	Store   store.ObjectStore
	closers []func() error
}

// Close releases the adapter clients.
func (env *Environment) Close() error {
	var errs []error
	for _, c := range env.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Open builds an engine for cfg on Google Cloud.
func Open(ctx context.Context, cfg *config.Config) (*Environment, error) {
	env := &Environment{}
	st, err := store.Open(ctx, cfg.Results, store.Options{Anonymous: cfg.DryRun, Endpoint: cfg.StoreEndpoint})
	if err != nil {
		return nil, runerr.Wrap(runerr.KindInput, err, "cannot open results location %s", cfg.Results)
	}
	env.Store = st
	env.closers = append(env.closers, st.Close)

	gopts := cgke.Options{
		Project:  cfg.Cloud.Project,
		Region:   cfg.Cloud.Region,
		Zone:     cfg.Cloud.Zone,
		DiskType: cfg.Cluster.DiskType,
	}
	if cfg.ExportKubeconfig {
		gopts.Kubeconfig = clientcmd.RecommendedHomeFile
	}
	if cfg.DryRun {
		gopts.ClientOptions = append(gopts.ClientOptions, option.WithoutAuthentication())
	}
	cp, err := cgke.NewControlPlane(ctx, gopts)
	if err != nil {
		_ = env.Close()
		return nil, runerr.Wrap(runerr.KindDependency, err, "cannot reach the cluster control plane")
	}
	env.closers = append(env.closers, cp.Close)
	inv, err := cgke.NewInventory(ctx, gopts)
	if err != nil {
		_ = env.Close()
		return nil, runerr.Wrap(runerr.KindDependency, err, "cannot reach the compute API")
	}

	deps := engine.Deps{
		ControlPlane:  cp,
		Inventory:     inv,
		Store:         st,
		Orchestrators: ogke.Factory(ogke.WithPollInterval(5 * time.Second)),
	}
	if cfg.VerifyImage {
		v, err := image.NewVerifier(string(image.LinuxAMD64))
		if err != nil {
			_ = env.Close()
			return nil, err
		}
		deps.Images = v
	}
	env.Engine, err = engine.New(cfg, deps)
	if err != nil {
		_ = env.Close()
		return nil, err
	}
	return env, nil
}

// ListBatches returns the locations of the split query files of the run.
func ListBatches(ctx context.Context, cfg *config.Config, st store.ObjectStore) ([]string, error) {
	keys, err := st.List(ctx, cfg.QueryBatchesPattern()+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list query batches: %w", err)
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = st.URL(k)
	}
	return out, nil
}

// Submit runs the search: it checks the batches against the job limit, then
// provisions the cluster and submits one job per batch. With cloud-query-split
// the batches are listed after the cluster has split the queries. Cleanup
// actions run before Submit returns, whether it succeeds or not.
func Submit(ctx context.Context, cfg *config.Config, st store.ObjectStore, lc Lifecycle, opts Options) (names []string, err error) {
	var batches []string
	if !cfg.CloudQuerySplit {
		if batches, err = checkedBatches(ctx, cfg, st, opts); err != nil {
			return nil, err
		}
	}

	if opts.QueryLength > 0 && !cfg.DryRun {
		key := cfg.MetadataKey(config.QueryLengthFile)
		if err := st.WriteOnce(ctx, key, []byte(strconv.FormatInt(opts.QueryLength, 10))); err != nil && !errors.Is(err, store.ErrExists) {
			return nil, fmt.Errorf("failed to record the query length: %w", err)
		}
	}

	defer func() {
		if cerr := lc.Cleanup(ctx); cerr != nil {
			logging.Error("Cleanup failed: %v", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()
	if _, err := lc.Provision(ctx, batches); err != nil {
		return nil, err
	}
	if cfg.CloudQuerySplit {
		if err := lc.WaitForQuerySplit(ctx); err != nil {
			return nil, err
		}
		if cfg.DryRun {
			return lc.Submit(ctx, nil)
		}
		if batches, err = checkedBatches(ctx, cfg, st, opts); err != nil {
			return nil, err
		}
	}
	return lc.Submit(ctx, batches)
}

// checkedBatches lists the query batches and fails when there are none or
// more than the job limit allows.
func checkedBatches(ctx context.Context, cfg *config.Config, st store.ObjectStore, opts Options) ([]string, error) {
	batches, err := ListBatches(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, runerr.Input("no query batches found under %s", st.URL(cfg.QueryBatchesPattern()))
	}
	if err := jobs.CheckJobLimit(batches, opts.QueryLength, cfg.JobLimit, cfg.Blast.BatchLen); err != nil {
		return nil, err
	}
	logging.Info("Found %d query batches", len(batches))
	return batches, nil
}

// ExecuteRun checks the prerequisites and runs the search on a new cluster.
func ExecuteRun(ctx context.Context, cfg *config.Config, opts Options) ([]string, error) {
	if !cfg.DryRun {
		if err := NewPrerequisites(cfg.ExportKubeconfig).Check(ctx); err != nil {
			return nil, err
		}
	}
	env, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer env.Close()
	logging.Info("Starting run %s on cluster %s", cfg.JobID, cfg.Cluster.Name)
	return Submit(ctx, cfg, env.Store, env.Engine, opts)
}

// WaitForStatus polls src every interval until the status is terminal or ctx
// ends. report is called with every status observed.
func WaitForStatus(ctx context.Context, src StatusSource, interval time.Duration, extended bool,
	report func(engine.Status, engine.JobCounts, engine.Diagnostics)) (engine.Status, error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		st, counts, diag, err := src.Status(ctx, extended)
		switch {
		case runerr.Is(err, runerr.KindTransientCluster):
			logging.Warn("%v", err)
		case err != nil:
			return st, err
		default:
			report(st, counts, diag)
			if st.Terminal() {
				return st, nil
			}
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// ExecuteStatus reports the status of a run once, or until it ends when wait is set.
func ExecuteStatus(ctx context.Context, cfg *config.Config, extended, wait bool,
	report func(engine.Status, engine.JobCounts, engine.Diagnostics)) (engine.Status, error) {
	env, err := Open(ctx, cfg)
	if err != nil {
		return engine.Unknown, err
	}
	defer env.Close()
	if !wait {
		st, counts, diag, err := env.Engine.Status(ctx, extended)
		if err != nil {
			return st, err
		}
		report(st, counts, diag)
		return st, nil
	}
	interval := cfg.Timeouts.StatusPoll
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	return WaitForStatus(ctx, env.Engine, interval, extended, report)
}

// ExecuteDelete tears down the cluster of a run and everything it created.
func ExecuteDelete(ctx context.Context, cfg *config.Config) (*engine.TeardownReport, error) {
	env, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer env.Close()
	report, err := env.Engine.Teardown(ctx)
	if err != nil {
		return report, err
	}
	if report.ClusterDeleteErr != nil {
		return report, runerr.Wrap(runerr.KindToolInvocation, report.ClusterDeleteErr, "failed to delete cluster %s", cfg.Cluster.Name)
	}
	return report, nil
}
