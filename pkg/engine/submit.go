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
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/jobs"
	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/orchestrator"
	"hpc-batch/pkg/resources"
	"hpc-batch/pkg/runerr"
	"hpc-batch/pkg/store"
)

// Submit starts one search job per batch and returns the job names. When
// submission is delegated, the in-cluster submitter is started instead and
// no names are returned.
func (e *Engine) Submit(ctx context.Context, batches []string) ([]string, error) {
	if e.cfg.DryRun {
		for _, b := range batches {
			logging.Info("Dry run: would submit a %s job for %s", e.cfg.Blast.Program, b)
		}
		logging.Info("Dry run: would write %d to %s", len(batches), e.deps.Store.URL(e.cfg.MetadataKey(config.NumJobsSubmitted)))
		return nil, nil
	}
	_, orch, err := e.ensureBound(ctx)
	if err != nil {
		return nil, err
	}

	var names []string
	if e.cfg.CloudJobSubmission {
		manifest, err := jobs.Render(jobs.JobSubmitJobs, jobs.SubmitJobsTemplate, jobs.StorageSubstitutions(e.cfg, e.substitutions(len(batches))))
		if err != nil {
			return nil, err
		}
		if _, err := orch.Apply(ctx, manifest); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", jobs.JobSubmitJobs, err)
		}
		logging.Info("Job submission delegated to %s", jobs.JobSubmitJobs)
	} else {
		names, err = e.submitBatches(ctx, orch, batches)
		if err != nil {
			return nil, err
		}
		if !e.cfg.Cluster.UseLocalSSD {
			if err := e.trackDisks(ctx, orch); err != nil {
				return nil, err
			}
		}
	}

	e.cleanup.Replace(cleanup.Action{Kind: cleanup.CollectLogs})
	return names, nil
}

func (e *Engine) submitBatches(ctx context.Context, orch orchestrator.Orchestrator, batches []string) ([]string, error) {
	specs, first, err := jobs.Materialize(jobs.BlastTemplate(e.cfg.Cluster.UseLocalSSD), batches, e.substitutions(len(batches)))
	if err != nil {
		return nil, err
	}
	if first != "" {
		logging.Debug("First job manifest:\n%s", first)
	}
	names, err := orch.SubmitJobs(ctx, specs)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindToolInvocation, err, "failed to submit jobs")
	}
	logging.Info("Submitted %d jobs", len(names))

	key := e.cfg.MetadataKey(config.NumJobsSubmitted)
	err = e.deps.Store.WriteOnce(ctx, key, []byte(strconv.Itoa(len(names))))
	if errors.Is(err, store.ErrExists) {
		logging.Warn("%s already exists", e.deps.Store.URL(key))
	} else if err != nil {
		return nil, fmt.Errorf("failed to record the number of submitted jobs: %w", err)
	}

	if e.cfg.Cluster.NumNodes > 1 {
		cctx, cancel := e.call(ctx)
		defer cancel()
		if err := e.deps.ControlPlane.EnableAutoscaling(cctx, e.cfg.Cluster.Name, 0, e.cfg.Cluster.NumNodes); err != nil {
			logging.Warn("Failed to enable autoscaling on cluster %s: %v", e.cfg.Cluster.Name, err)
		}
	}
	return names, nil
}

// trackDisks records the disks behind the database claim once it is bound.
// The record is what lets a later teardown find disks the cluster leaves behind.
func (e *Engine) trackDisks(ctx context.Context, orch orchestrator.Orchestrator) error {
	if err := orch.WaitForClaimBound(ctx, jobs.ClaimName, e.cfg.Timeouts.ClaimBound); err != nil {
		return runerr.Wrap(runerr.KindToolInvocation, err, "volume claim %s was not bound", jobs.ClaimName)
	}
	disks, err := orch.PersistentDisks(ctx)
	if err != nil {
		return runerr.Wrap(runerr.KindToolInvocation, err, "failed to list persistent disks")
	}
	snapshots, err := orch.VolumeSnapshots(ctx)
	if err != nil {
		logging.Warn("Failed to list volume snapshots: %v", err)
	}
	found := resources.New(disks...)
	found.AddSnapshots(snapshots...)
	e.state.resources = e.state.resources.Union(found)
	if e.state.resources.Empty() {
		logging.Warn("No persistent disk backs %s", jobs.ClaimName)
		return nil
	}
	if err := e.identity.Write(ctx, e.state.resources); err != nil {
		if !errors.Is(err, store.ErrExists) {
			return err
		}
		logging.Warn("Resource record %s already exists", e.identity.Location())
	}
	logging.Debug("Tracking %s in %s", e.state.resources, e.identity.Location())

	labels := map[string]string{"hpc-batch-job-id": e.cfg.JobID}
	for _, d := range e.state.resources.DiskList() {
		if err := e.deps.Inventory.LabelDisk(ctx, d, labels); err != nil {
			logging.Warn("Failed to label disk %s: %v", d, err)
		}
	}
	if err := orch.DeleteVolumeSnapshots(ctx); err != nil {
		logging.Warn("Failed to delete volume snapshots: %v", err)
	}
	return nil
}
