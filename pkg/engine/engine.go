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

// Package engine drives the lifecycle of a run: it provisions the cluster,
// submits the search jobs, reconciles their status and tears everything down.
package engine

import (
	"context"
	"errors"
	"time"

	"hpc-batch/pkg/cleanup"
	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/jobs"
	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/orchestrator"
	"hpc-batch/pkg/resources"
	"hpc-batch/pkg/retry"
	"hpc-batch/pkg/store"
)

// Status is the aggregate status of a run.
type Status int

const (
	Unknown Status = iota
	Submitting
	Running
	Success
	Failure
)

func (s Status) String() string {
	switch s {
	case Submitting:
		return "SUBMITTING"
	case Running:
		return "RUNNING"
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == Success || s == Failure
}

// Job states counted by Status.
const (
	CountPending   = "pending"
	CountRunning   = "running"
	CountSucceeded = "succeeded"
	CountFailed    = "failed"
)

// JobCounts maps a job state to the number of jobs in it.
type JobCounts map[string]int

// Diagnostics keys.
const (
	DiagMessage = "message"
	DiagError   = "error"
	DiagDetails = "details"
)

// Diagnostics carries human readable context of a status.
type Diagnostics map[string]string

// AppState is the mutable state of one run. It is owned by a single Engine.
type AppState struct {
	bound *cluster.Context
	orch  orchestrator.Orchestrator
	// resources are the disks and snapshots this process knows the run owns.
	resources resources.ResourceIds
	// cachedTerminal is set once the cluster is gone after a terminal status.
	cachedTerminal *Status
	// observedTerminal is the last terminal status seen while the cluster existed.
	observedTerminal *Status
	nodes            int
	tornDown         bool
}

// ImageVerifier resolves the job image before anything is created.
type ImageVerifier interface {
	Verify(ctx context.Context, ref string) (string, error)
}

// Deps are the adapters the engine drives.
type Deps struct {
	ControlPlane  cluster.ControlPlane
	Inventory     cluster.Inventory
	Store         store.ObjectStore
	Orchestrators orchestrator.Factory
	// Images is optional; when nil the image is not verified.
	Images ImageVerifier
	// Sleep waits between teardown polls. Defaults to a context aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine runs one job. It is not safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	deps     Deps
	state    AppState
	cleanup  cleanup.Stack
	identity *resources.IdentityStore
	retry    retry.Policy
}

// New returns an Engine for cfg.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.ControlPlane == nil || deps.Inventory == nil || deps.Store == nil || deps.Orchestrators == nil {
		return nil, errors.New("engine requires a control plane, an inventory, an object store and an orchestrator factory")
	}
	if deps.Sleep == nil {
		deps.Sleep = sleep
	}
	return &Engine{
		cfg:      cfg,
		deps:     deps,
		state:    AppState{resources: resources.New()},
		identity: resources.NewIdentityStore(deps.Store, cfg.MetadataKey(config.DiskIDFile)),
		retry:    retry.ResourceIDs,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// call bounds a single adapter call by the configured call timeout.
func (e *Engine) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Timeouts.Call <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.Timeouts.Call)
}

// ensureBound binds the cluster credentials on first use and returns the
// memoized context and orchestrator afterwards.
func (e *Engine) ensureBound(ctx context.Context) (*cluster.Context, orchestrator.Orchestrator, error) {
	if e.state.bound != nil {
		return e.state.bound, e.state.orch, nil
	}
	cctx, cancel := e.call(ctx)
	defer cancel()
	bound, err := e.deps.ControlPlane.BindCredentials(cctx, e.cfg.Cluster.Name)
	if err != nil {
		return nil, nil, err
	}
	orch, err := e.deps.Orchestrators(bound)
	if err != nil {
		return nil, nil, err
	}
	e.state.bound, e.state.orch = bound, orch
	logging.Debug("Bound to cluster %s", bound.Name)
	return bound, orch, nil
}

// substitutions returns the template values of a run with numBatches batches.
func (e *Engine) substitutions(numBatches int) jobs.Substitutions {
	return jobs.NewSubstitutions(e.cfg, numBatches)
}

// CleanupActions returns the registered cleanup actions in registration order.
func (e *Engine) CleanupActions() []cleanup.Action {
	return e.cleanup.Actions()
}

// Cleanup runs the registered cleanup actions, most recent first. The actions
// keep running when ctx is cancelled, bounded by the cleanup timeout, so an
// interrupted run still deletes its cluster.
func (e *Engine) Cleanup(ctx context.Context) error {
	timeout := e.cfg.Timeouts.Cleanup
	if timeout <= 0 {
		timeout = config.DefaultCleanupTimeout
	}
	if ctx.Err() != nil {
		logging.Warn("Run was interrupted, cleaning up for up to %s", timeout)
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return e.cleanup.Drain(cctx, cleanup.ExecutorFunc(e.execute))
}

func (e *Engine) execute(ctx context.Context, a cleanup.Action) error {
	switch a.Kind {
	case cleanup.LogMarker:
		logging.Debug("%s", a.Message)
		return nil
	case cleanup.DeleteCluster:
		_, err := e.Teardown(ctx)
		return err
	case cleanup.CollectLogs:
		return e.collectLogs(ctx)
	case cleanup.RemoveAncillaryData:
		return e.removeAncillaryData(ctx)
	default:
		return errors.New("unknown cleanup action " + a.String())
	}
}

func (e *Engine) collectLogs(ctx context.Context) error {
	if e.cfg.LogsDir == "" || e.cfg.DryRun {
		return nil
	}
	_, orch, err := e.ensureBound(ctx)
	if err != nil {
		return err
	}
	return orch.CollectLogs(ctx, e.cfg.LogsDir)
}

// removeAncillaryData deletes the split query batches of the run. It is a
// no-op unless remove-ancillary-data is set.
func (e *Engine) removeAncillaryData(ctx context.Context) error {
	if !e.cfg.RemoveAncillaryData {
		logging.Debug("Keeping query batches under %s", e.cfg.QueryBatchesPattern())
		return nil
	}
	if e.cfg.DryRun {
		logging.Info("Dry run: would delete %s", e.deps.Store.URL(e.cfg.QueryBatchesPattern()))
		return nil
	}
	deleted, err := e.deps.Store.Delete(ctx, e.cfg.QueryBatchesPattern())
	if err != nil {
		return err
	}
	logging.Debug("Deleted %d query batch objects", len(deleted))
	return nil
}
