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

package orchestrator

import (
	"context"
	"time"

	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/jobs"
)

// Terminal job conditions.
const (
	ConditionComplete = "Complete"
	ConditionFailed   = "Failed"
)

// Pod phases counted by the status reconciler.
const (
	PhasePending = "Pending"
	PhaseRunning = "Running"
)

// Job is a job as seen by the orchestration layer.
type Job struct {
	Name string
	// Condition is ConditionComplete, ConditionFailed or empty while the job runs.
	Condition string
}

// Pod is a pod as seen by the orchestration layer.
type Pod struct {
	Name  string
	Phase string
}

// Orchestrator runs and inspects the run's workloads on a bound cluster.
type Orchestrator interface {
	// ListJobs returns the jobs matching the label selector.
	ListJobs(ctx context.Context, selector string) ([]Job, error)
	// ListPods returns the pods matching the label selector.
	ListPods(ctx context.Context, selector string) ([]Pod, error)
	// SubmitJobs creates one job per spec and returns their names.
	SubmitJobs(ctx context.Context, specs []jobs.JobSpec) ([]string, error)
	// Apply creates every object of a multi-document manifest and returns
	// their names. Objects that already exist are left alone.
	Apply(ctx context.Context, manifest string) ([]string, error)
	// DeleteAll deletes the jobs and volume claims of the run.
	DeleteAll(ctx context.Context) ([]string, error)
	// PersistentDisks returns the provider disk IDs backing persistent volumes.
	PersistentDisks(ctx context.Context) ([]string, error)
	// VolumeSnapshots returns the provider snapshot IDs behind volume snapshots.
	VolumeSnapshots(ctx context.Context) ([]string, error)
	// DeleteVolumeSnapshots deletes the volume snapshots left by storage initialization.
	DeleteVolumeSnapshots(ctx context.Context) error
	// WaitForClaimBound blocks until the volume claim is bound or timeout passes.
	WaitForClaimBound(ctx context.Context, claim string, timeout time.Duration) error
	// WaitForJob blocks until the job completes. A failed job is an error.
	WaitForJob(ctx context.Context, name string, timeout time.Duration) error
	// LabelNodes labels the nodes with their ordinal, 0..n-1, and returns n.
	LabelNodes(ctx context.Context) (int, error)
	// CheckServer fails when the cluster API does not answer.
	CheckServer(ctx context.Context) error
	// CollectLogs saves the logs of every pod of the run under dir.
	CollectLogs(ctx context.Context, dir string) error
}

// Factory binds an Orchestrator to a cluster.
type Factory func(bound *cluster.Context) (Orchestrator, error)
