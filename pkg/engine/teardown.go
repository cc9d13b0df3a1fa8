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
	"time"

	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/resources"
	"hpc-batch/pkg/runerr"

	"k8s.io/apimachinery/pkg/util/sets"
)

const defaultTeardownPoll = 10 * time.Second

// TeardownReport describes what a teardown did.
type TeardownReport struct {
	// Skipped is set when the run was already torn down by this engine.
	Skipped bool
	// Deleted lists the orchestration objects deleted inside the cluster.
	Deleted []string
	// Leaked are disks and snapshots that still exist after teardown.
	Leaked resources.ResourceIds
	// Remediation are the commands that find and delete Leaked.
	Remediation []string
	// ClusterDeleteErr is the error of the final cluster deletion, if any.
	ClusterDeleteErr error
}

// stateUnreadable stands in for the cluster state when describing it failed.
const stateUnreadable cluster.ProvisioningState = "Unreadable"

// Teardown deletes the cluster and every disk and snapshot the run owns. Each
// step is attempted even when an earlier one fails. Leftover resources are
// reported, not returned as errors. The only error is an input error when the
// cluster does not exist and nothing shows the run ever had one.
func (e *Engine) Teardown(ctx context.Context) (*TeardownReport, error) {
	report := &TeardownReport{Leaked: resources.New()}
	if e.state.tornDown {
		report.Skipped = true
		return report, nil
	}
	name := e.cfg.Cluster.Name
	if e.cfg.DryRun {
		logging.Info("Dry run: would delete cluster %s and its disks", name)
		return report, nil
	}

	ids, err := e.FetchResourceIds(ctx)
	if err != nil {
		logging.Error("Failed to read the resources of run %s: %v", e.cfg.JobID, err)
		ids = resources.New()
	}

	state, found, err := e.pollState(ctx)
	if err != nil {
		logging.Error("Cannot read the state of cluster %s, deleting it anyway: %v", name, err)
		state, found = stateUnreadable, true
	}
	if !found {
		if e.state.cachedTerminal != nil || e.state.observedTerminal != nil || e.hasRunMetadata(ctx) {
			if err := e.removeAncillaryData(ctx); err != nil {
				logging.Warn("Failed to remove ancillary data: %v", err)
			}
			e.finishTeardown()
			return report, nil
		}
		return report, runerr.Input("cluster %s was not found", name)
	}

	if !state.Doomed() {
		if !state.Known() && state != stateUnreadable {
			logging.Warn("Cluster %s is in unrecognized state %s, deleting it", name, state)
		}
		ids = ids.Union(e.deleteInCluster(ctx, report))
	}

	if !ids.Empty() {
		e.deleteResources(ctx, ids, report)
	}

	if err := e.removeAncillaryData(ctx); err != nil {
		logging.Warn("Failed to remove ancillary data: %v", err)
	}
	if state == cluster.StateDeleting {
		logging.Info("Cluster %s is already being deleted", name)
	} else {
		cctx, cancel := e.call(ctx)
		err := e.deps.ControlPlane.Delete(cctx, name)
		cancel()
		if err != nil {
			logging.Error("Failed to delete cluster %s: %v", name, err)
			report.ClusterDeleteErr = err
		} else {
			logging.Info("Deleted cluster %s", name)
		}
	}
	e.finishTeardown()
	return report, nil
}

func (e *Engine) finishTeardown() {
	e.state.tornDown = true
	if e.state.cachedTerminal == nil && e.state.observedTerminal != nil {
		e.state.cachedTerminal = e.state.observedTerminal
	}
	e.state.resources = resources.New()
}

// pollState waits while the cluster is starting or updating.
func (e *Engine) pollState(ctx context.Context) (cluster.ProvisioningState, bool, error) {
	interval := e.cfg.Timeouts.TeardownPoll
	if interval <= 0 {
		interval = defaultTeardownPoll
	}
	for {
		state, found, err := e.describe(ctx)
		if err != nil {
			return "", false, runerr.Wrap(runerr.KindToolInvocation, err, "failed to describe cluster %s", e.cfg.Cluster.Name)
		}
		if !found || (state != cluster.StateStarting && state != cluster.StateUpdating) {
			return state, found, nil
		}
		logging.Info("Cluster %s is %s, waiting", e.cfg.Cluster.Name, state)
		if err := e.deps.Sleep(ctx, interval); err != nil {
			return "", false, err
		}
	}
}

// hasRunMetadata reports whether the run left anything in the results.
func (e *Engine) hasRunMetadata(ctx context.Context) bool {
	for _, f := range []string{config.SuccessMarker, config.FailureMarker, config.NumJobsSubmitted, config.DiskIDFile} {
		_, ok, err := e.deps.Store.ReadIfExists(ctx, e.cfg.MetadataKey(f))
		if err == nil && ok {
			return true
		}
	}
	return false
}

// deleteInCluster deletes the run's objects inside the cluster and returns the
// disks and snapshots it saw there.
func (e *Engine) deleteInCluster(ctx context.Context, report *TeardownReport) resources.ResourceIds {
	seen := resources.New()
	_, orch, err := e.ensureBound(ctx)
	if err != nil {
		logging.Warn("Cannot reach cluster %s: %v", e.cfg.Cluster.Name, err)
		return seen
	}
	if err := orch.CheckServer(ctx); err != nil {
		logging.Warn("Cluster %s does not answer: %v", e.cfg.Cluster.Name, err)
		return seen
	}
	if disks, err := orch.PersistentDisks(ctx); err != nil {
		logging.Warn("Failed to list persistent disks: %v", err)
	} else {
		seen.AddDisks(disks...)
	}
	if snaps, err := orch.VolumeSnapshots(ctx); err != nil {
		logging.Warn("Failed to list volume snapshots: %v", err)
	} else {
		seen.AddSnapshots(snaps...)
	}
	deleted, err := orch.DeleteAll(ctx)
	if err != nil {
		logging.Warn("Failed to delete objects in cluster %s: %v", e.cfg.Cluster.Name, err)
	}
	report.Deleted = deleted
	return seen
}

// deleteResources deletes the disks and snapshots of ids that still exist,
// then verifies that nothing is left.
func (e *Engine) deleteResources(ctx context.Context, ids resources.ResourceIds, report *TeardownReport) {
	if err := e.deleteListed(ctx, ids); err != nil {
		logging.Warn("Failed to delete tracked resources, deleting each one: %v", err)
		for _, d := range ids.DiskList() {
			if err := e.deps.Inventory.DeleteDisk(ctx, d); err != nil {
				logging.Debug("Deleting disk %s: %v", d, err)
			}
		}
		for _, s := range ids.SnapshotList() {
			if err := e.deps.Inventory.DeleteSnapshot(ctx, s); err != nil {
				logging.Debug("Deleting snapshot %s: %v", s, err)
			}
		}
	}

	leaked, err := e.remaining(ctx, ids)
	if err != nil {
		logging.Warn("Failed to verify resource deletion: %v", err)
		leaked = ids
	}
	if leaked.Empty() {
		return
	}
	report.Leaked = leaked
	report.Remediation = e.deps.Inventory.Remediation(leaked)
	logging.Error("These resources of run %s were not deleted: %s", e.cfg.JobID, leaked)
	logging.Error("Run these commands to find and delete them:")
	for _, c := range report.Remediation {
		logging.Error("  %s", c)
	}
}

func (e *Engine) deleteListed(ctx context.Context, ids resources.ResourceIds) error {
	present, err := e.remaining(ctx, ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, d := range present.DiskList() {
		if err := e.deps.Inventory.DeleteDisk(ctx, d); err != nil {
			errs = append(errs, err)
		} else {
			logging.Info("Deleted disk %s", d)
		}
	}
	for _, s := range present.SnapshotList() {
		if err := e.deps.Inventory.DeleteSnapshot(ctx, s); err != nil {
			errs = append(errs, err)
		} else {
			logging.Info("Deleted snapshot %s", s)
		}
	}
	return errors.Join(errs...)
}

// remaining returns the members of ids the provider still lists.
func (e *Engine) remaining(ctx context.Context, ids resources.ResourceIds) (resources.ResourceIds, error) {
	out := resources.New()
	if ids.Disks.Len() > 0 {
		cctx, cancel := e.call(ctx)
		disks, err := e.deps.Inventory.ListDisks(cctx)
		cancel()
		if err != nil {
			return out, err
		}
		out.AddDisks(sets.List(ids.Disks.Intersection(sets.New(disks...)))...)
	}
	if ids.Snapshots.Len() > 0 {
		cctx, cancel := e.call(ctx)
		snaps, err := e.deps.Inventory.ListSnapshots(cctx)
		cancel()
		if err != nil {
			return out, err
		}
		out.AddSnapshots(sets.List(ids.Snapshots.Intersection(sets.New(snaps...)))...)
	}
	return out, nil
}
