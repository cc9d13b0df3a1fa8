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
	"fmt"
	"strings"

	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/jobs"
	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/orchestrator"
	"hpc-batch/pkg/runerr"
)

// Status computes the aggregate status of the run. Failures to reach the
// cluster or the store degrade to Unknown with the failure text in the
// diagnostics. The only error returned is a transient cluster error when the
// cluster exists but is not ready. extended adds one line per job to
// Diagnostics[DiagDetails].
func (e *Engine) Status(ctx context.Context, extended bool) (Status, JobCounts, Diagnostics, error) {
	counts := JobCounts{}
	diag := Diagnostics{}
	if e.state.cachedTerminal != nil {
		return *e.state.cachedTerminal, counts, diag, nil
	}
	if e.cfg.DryRun {
		diag[DiagMessage] = "dry run"
		return Unknown, counts, diag, nil
	}

	st, err := e.status(ctx, extended, counts, diag)
	if err != nil {
		if runerr.Is(err, runerr.KindTransientCluster) {
			return Unknown, counts, diag, err
		}
		logging.Debug("Status check failed: %v", err)
		diag[DiagError] = err.Error()
		return Unknown, counts, diag, nil
	}
	if st.Terminal() {
		e.state.observedTerminal = &st
	}
	return st, counts, diag, nil
}

func (e *Engine) status(ctx context.Context, extended bool, counts JobCounts, diag Diagnostics) (Status, error) {
	if st, ok, err := e.markerStatus(ctx); err != nil {
		return Unknown, err
	} else if ok {
		return st, nil
	}

	state, found, err := e.describe(ctx)
	if err != nil {
		return Unknown, runerr.Wrap(runerr.KindToolInvocation, err, "failed to describe cluster %s", e.cfg.Cluster.Name)
	}
	if !found {
		if e.state.observedTerminal != nil {
			e.state.cachedTerminal = e.state.observedTerminal
			return *e.state.cachedTerminal, nil
		}
		diag[DiagMessage] = fmt.Sprintf("cluster %s was not found", e.cfg.Cluster.Name)
		return Unknown, nil
	}
	if state.Transitional() {
		diag[DiagMessage] = fmt.Sprintf("cluster %s is %s", e.cfg.Cluster.Name, state)
		return Submitting, nil
	}
	if state != cluster.StateSucceeded {
		return Unknown, runerr.New(runerr.KindTransientCluster, "cluster %s is in state %s, try again later", e.cfg.Cluster.Name, state)
	}

	_, orch, err := e.ensureBound(ctx)
	if err != nil {
		return Unknown, err
	}
	cctx, cancel := e.call(ctx)
	defer cancel()
	blast, err := orch.ListJobs(cctx, jobs.AppBlast)
	if err != nil {
		return Unknown, err
	}
	pods, err := orch.ListPods(cctx, jobs.AppBlast)
	if err != nil {
		return Unknown, err
	}
	countJobs(blast, pods, counts)
	if extended {
		diag[DiagDetails] = details(blast)
	}

	switch {
	case counts[CountFailed] > 0:
		return Failure, nil
	case counts[CountRunning] > 0 || counts[CountPending] > 0:
		return Running, nil
	case counts[CountSucceeded] > 0:
		return Success, nil
	}

	setup, err := orch.ListJobs(cctx, jobs.AppSetup)
	if err != nil {
		return Unknown, err
	}
	setupPending, setupFailed := phaseCounts(setup)
	if setupFailed > 0 {
		diag[DiagMessage] = "storage initialization failed"
		return Failure, nil
	}
	if setupPending == 0 {
		submit, err := orch.ListJobs(cctx, jobs.AppSubmit)
		if err != nil {
			return Unknown, err
		}
		if _, failed := phaseCounts(submit); failed > 0 {
			diag[DiagMessage] = "job submission failed"
			return Failure, nil
		}
	}
	return Submitting, nil
}

// markerStatus looks for the markers written by the jobs when the run ends.
func (e *Engine) markerStatus(ctx context.Context) (Status, bool, error) {
	for _, m := range []struct {
		file   string
		status Status
	}{{config.FailureMarker, Failure}, {config.SuccessMarker, Success}} {
		cctx, cancel := e.call(ctx)
		_, ok, err := e.deps.Store.ReadIfExists(cctx, e.cfg.MetadataKey(m.file))
		cancel()
		if err != nil {
			return Unknown, false, fmt.Errorf("failed to read %s: %w", m.file, err)
		}
		if ok {
			return m.status, true, nil
		}
	}
	return Unknown, false, nil
}

// countJobs fills counts from the jobs and pods of the search. A job without
// a terminal condition is pending; its pod may be running, so pending is
// corrected by the number of running pods.
func countJobs(js []orchestrator.Job, pods []orchestrator.Pod, counts JobCounts) {
	for _, s := range []string{CountPending, CountRunning, CountSucceeded, CountFailed} {
		counts[s] = 0
	}
	for _, j := range js {
		switch j.Condition {
		case orchestrator.ConditionComplete:
			counts[CountSucceeded]++
		case orchestrator.ConditionFailed:
			counts[CountFailed]++
		default:
			counts[CountPending]++
		}
	}
	for _, p := range pods {
		if p.Phase == orchestrator.PhaseRunning {
			counts[CountRunning]++
		}
	}
	counts[CountPending] = max(0, counts[CountPending]-counts[CountRunning])
}

func phaseCounts(js []orchestrator.Job) (pending, failed int) {
	for _, j := range js {
		switch j.Condition {
		case orchestrator.ConditionFailed:
			failed++
		case orchestrator.ConditionComplete:
		default:
			pending++
		}
	}
	return pending, failed
}

func details(js []orchestrator.Job) string {
	lines := make([]string, 0, len(js))
	for _, j := range js {
		c := j.Condition
		if c == "" {
			c = "Active"
		}
		lines = append(lines, j.Name+" "+c)
	}
	return strings.Join(lines, "\n")
}
