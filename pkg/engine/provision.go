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

package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"hpc-batch/pkg/cleanup"
	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/image"
	"hpc-batch/pkg/jobs"
	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/orchestrator"
	"hpc-batch/pkg/runerr"
	"hpc-batch/pkg/store"
)

const provisionSteps = 5

// Provision makes the cluster ready to run batches: it creates or reuses the
// cluster, binds its credentials and initializes the shared storage. Cleanup
// actions that delete the cluster are registered before it is created.
func (e *Engine) Provision(ctx context.Context, batches []string) (*cluster.Context, error) {
	name := e.cfg.Cluster.Name

	if e.deps.Images != nil && e.cfg.VerifyImage && !e.cfg.DryRun {
		digest, err := e.deps.Images.Verify(ctx, e.cfg.Blast.Image)
		if err != nil {
			return nil, err
		}
		logging.Debug("Using image %s@%s", e.cfg.Blast.Image, digest)
	}

	logging.Step(1, provisionSteps, "Checking disk quota")
	if err := e.checkQuota(ctx); err != nil {
		return nil, err
	}

	state, found, err := e.describe(ctx)
	if err != nil {
		return nil, err
	}
	if found && !e.cfg.Cluster.Reuse {
		return nil, runerr.Input("cluster %s already exists; delete it or set cluster.reuse", name)
	}

	e.cleanup.Push(cleanup.Marker("Before creating cluster"))
	e.cleanup.Push(cleanup.Action{Kind: cleanup.DeleteCluster})
	e.cleanup.Push(cleanup.Action{Kind: cleanup.CollectLogs})

	if e.cfg.CloudJobSubmission {
		if err := e.uploadTemplate(ctx, len(batches)); err != nil {
			return nil, err
		}
	}

	logging.Step(2, provisionSteps, fmt.Sprintf("Creating cluster %s", name))
	if e.cfg.DryRun {
		logging.Info("Dry run: would create cluster %s with %d %s nodes", name, e.cfg.Cluster.NumNodes, e.cfg.Cluster.MachineType)
		return &cluster.Context{Name: name}, nil
	}
	created := false
	if !found {
		if err := e.deps.ControlPlane.Create(ctx, cluster.SpecFromConfig(e.cfg), e.cfg.Timeouts.ClusterCreate); err != nil {
			return nil, err
		}
		created = true
	} else {
		logging.Info("Reusing cluster %s in state %s", name, state)
	}

	logging.Step(3, provisionSteps, "Initialize cluster")
	bound, orch, err := e.ensureBound(ctx)
	if err != nil {
		return nil, err
	}
	if e.cfg.Cluster.UseLocalSSD {
		n, err := orch.LabelNodes(ctx)
		if err != nil {
			return nil, err
		}
		e.state.nodes = n
		logging.Debug("Labelled %d nodes with %s", n, jobs.NodeOrdinalLabel)
	}
	if created {
		if err := e.grantAccess(ctx); err != nil {
			return nil, err
		}
	}
	subs := jobs.StorageSubstitutions(e.cfg, e.substitutions(len(batches)))
	if e.cfg.CloudJobSubmission || e.cfg.AutoShutdown {
		manifest, err := jobs.Render("service-account", jobs.ServiceAccountTemplate, subs)
		if err != nil {
			return nil, err
		}
		if _, err := orch.Apply(ctx, manifest); err != nil {
			return nil, fmt.Errorf("failed to create service account: %w", err)
		}
	}

	logging.Step(4, provisionSteps, "Initializing storage")
	if err := e.initStorage(ctx, orch, subs); err != nil {
		return nil, err
	}
	logging.Step(5, provisionSteps, "Done")
	return bound, nil
}

func (e *Engine) describe(ctx context.Context) (cluster.ProvisioningState, bool, error) {
	cctx, cancel := e.call(ctx)
	defer cancel()
	return e.deps.ControlPlane.Describe(cctx, e.cfg.Cluster.Name)
}

// checkQuota fails when the requested persistent disk does not fit in the
// remaining regional quota.
func (e *Engine) checkQuota(ctx context.Context) error {
	if e.cfg.DryRun || e.cfg.Cluster.UseLocalSSD {
		return nil
	}
	cctx, cancel := e.call(ctx)
	defer cancel()
	available, err := e.deps.Inventory.DiskQuota(cctx)
	if err != nil {
		return runerr.Wrap(runerr.KindToolInvocation, err, "failed to read disk quota")
	}
	requested := e.cfg.PDSizeGB()
	if float64(requested) > available {
		return runerr.Input("requested persistent disk size %dGB exceeds the %.0fGB of %s quota available in %s",
			requested, available, e.cfg.Cluster.DiskType, e.cfg.Cloud.Region)
	}
	return nil
}

// uploadTemplate stores the search job template for the in-cluster submitter.
func (e *Engine) uploadTemplate(ctx context.Context, numBatches int) error {
	text, err := jobs.MaterializeDelegated(jobs.BlastTemplate(e.cfg.Cluster.UseLocalSSD), e.substitutions(numBatches))
	if err != nil {
		return err
	}
	key := e.cfg.MetadataKey(config.JobTemplateFile)
	if e.cfg.DryRun {
		logging.Info("Dry run: would upload job template to %s", e.deps.Store.URL(key))
		return nil
	}
	err = e.deps.Store.WriteOnce(ctx, key, []byte(text))
	if errors.Is(err, store.ErrExists) {
		logging.Warn("Job template %s already exists, keeping it", e.deps.Store.URL(key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to upload job template: %w", err)
	}
	logging.Debug("Uploaded job template to %s", e.deps.Store.URL(key))
	return nil
}

func (e *Engine) grantAccess(ctx context.Context) error {
	grant := cluster.AccessGrant{}
	if loc, err := store.ParseLocation(e.cfg.Results); err == nil && loc.Scheme == "gs" {
		grant.ResultsBucket = loc.Bucket
	}
	if ref, err := image.Parse(e.cfg.Blast.Image); err == nil {
		grant.ImageRegistry = ref.Registry()
	}
	cctx, cancel := e.call(ctx)
	defer cancel()
	if err := e.deps.ControlPlane.GrantAccess(cctx, e.cfg.Cluster.Name, grant); err != nil {
		return runerr.Wrap(runerr.KindToolInvocation, err, "failed to grant cluster access")
	}
	return nil
}

// initStorage starts the jobs that fill the shared storage with the database,
// and the query split job when the queries are split in the cluster. It waits
// for the database jobs unless submission is delegated to the cluster.
func (e *Engine) initStorage(ctx context.Context, orch orchestrator.Orchestrator, subs jobs.Substitutions) error {
	var names []string
	if e.cfg.Cluster.UseLocalSSD {
		nodes := e.state.nodes
		if nodes == 0 {
			nodes = e.cfg.Cluster.NumNodes
		}
		for i := 0; i < nodes; i++ {
			manifest, err := jobs.Render(jobs.JobInitSSD, jobs.InitSSDTemplate, subs.With("NODE_ORDINAL", strconv.Itoa(i)))
			if err != nil {
				return err
			}
			if _, err := orch.Apply(ctx, manifest); err != nil {
				return fmt.Errorf("failed to start %s-%d: %w", jobs.JobInitSSD, i, err)
			}
			names = append(names, fmt.Sprintf("%s-%d", jobs.JobInitSSD, i))
		}
	} else {
		manifest, err := jobs.Render(jobs.JobInitPV, jobs.InitPVTemplate, subs)
		if err != nil {
			return err
		}
		if _, err := orch.Apply(ctx, manifest); err != nil {
			return fmt.Errorf("failed to start %s: %w", jobs.JobInitPV, err)
		}
		names = append(names, jobs.JobInitPV)
	}
	if e.cfg.CloudQuerySplit {
		manifest, err := jobs.Render(jobs.JobImportQueryBatches, jobs.QuerySplitTemplate, subs)
		if err != nil {
			return err
		}
		if _, err := orch.Apply(ctx, manifest); err != nil {
			return fmt.Errorf("failed to start %s: %w", jobs.JobImportQueryBatches, err)
		}
	}
	if e.cfg.CloudJobSubmission {
		logging.Debug("Not waiting for %v", names)
		return nil
	}
	for _, n := range names {
		if err := orch.WaitForJob(ctx, n, e.cfg.Timeouts.InitStorage); err != nil {
			return runerr.Wrap(runerr.KindToolInvocation, err, "storage initialization job %s did not complete", n)
		}
	}
	return nil
}

// WaitForQuerySplit blocks until the job splitting the queries inside the
// cluster has stored every batch. It returns at once unless cloud-query-split
// is set.
func (e *Engine) WaitForQuerySplit(ctx context.Context) error {
	if !e.cfg.CloudQuerySplit {
		return nil
	}
	if e.cfg.DryRun {
		logging.Info("Dry run: would wait for job %s to split %s", jobs.JobImportQueryBatches, e.cfg.Blast.Queries)
		return nil
	}
	_, orch, err := e.ensureBound(ctx)
	if err != nil {
		return runerr.Wrap(runerr.KindToolInvocation, err, "cannot reach cluster %s", e.cfg.Cluster.Name)
	}
	logging.Info("Waiting for the queries to be split into batches")
	if err := orch.WaitForJob(ctx, jobs.JobImportQueryBatches, e.cfg.Timeouts.InitStorage); err != nil {
		return runerr.Wrap(runerr.KindToolInvocation, err, "splitting the queries or storing the batches failed")
	}
	return nil
}
