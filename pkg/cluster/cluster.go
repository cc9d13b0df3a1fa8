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

// Package cluster describes the managed cluster control plane and the
// provider resource inventory a run depends on.
package cluster

import (
	"context"
	"time"

	"hpc-batch/pkg/config"
	"hpc-batch/pkg/resources"

	"k8s.io/client-go/rest"
)

// ProvisioningState is the control plane's lifecycle phase of the cluster itself.
type ProvisioningState string

const (
	StateCreating  ProvisioningState = "Creating"
	StateUpdating  ProvisioningState = "Updating"
	StateStarting  ProvisioningState = "Starting"
	StateSucceeded ProvisioningState = "Succeeded"
	StateFailed    ProvisioningState = "Failed"
	StateStopping  ProvisioningState = "Stopping"
	StateDeleting  ProvisioningState = "Deleting"
)

// Transitional reports whether the cluster is on its way to becoming usable.
func (s ProvisioningState) Transitional() bool {
	switch s {
	case StateCreating, StateUpdating, StateStarting:
		return true
	}
	return false
}

// Doomed reports whether the cluster can only be deleted.
func (s ProvisioningState) Doomed() bool {
	switch s {
	case StateFailed, StateStopping, StateDeleting:
		return true
	}
	return false
}

// Known reports whether s is one of the states above. Providers may report
// others; callers tolerate them.
func (s ProvisioningState) Known() bool {
	return s.Transitional() || s.Doomed() || s == StateSucceeded
}

// Spec is what the control plane needs to create a cluster.
type Spec struct {
	Name        string
	MachineType string
	NumNodes    int
	DiskType    string
	UseLocalSSD bool
	Preemptible bool
	Labels      map[string]string
}

// SpecFromConfig builds the cluster spec of a run.
func SpecFromConfig(cfg *config.Config) Spec {
	labels := map[string]string{"hpc-batch-job-id": cfg.JobID}
	for k, v := range cfg.Cluster.Labels {
		labels[k] = v
	}
	return Spec{
		Name:        cfg.Cluster.Name,
		MachineType: cfg.Cluster.MachineType,
		NumNodes:    cfg.Cluster.NumNodes,
		DiskType:    cfg.Cluster.DiskType,
		UseLocalSSD: cfg.Cluster.UseLocalSSD,
		Preemptible: cfg.Cluster.Preemptible,
		Labels:      labels,
	}
}

// Context is a bound handle on the orchestration layer of a cluster.
type Context struct {
	Name string
	// KubeContext is the kubeconfig context name, set when the credentials were exported.
	KubeContext string
	REST        *rest.Config
}

// AccessGrant lists what the cluster's identity must be allowed to reach.
type AccessGrant struct {
	// ResultsBucket is the bucket receiving results, empty when results are
	// not kept in the provider's object store.
	ResultsBucket string
	// ImageRegistry is the registry host the job image is pulled from.
	ImageRegistry string
}

// ControlPlane manages the cluster resource itself.
type ControlPlane interface {
	// Create issues the create call and waits for it for at most timeout.
	Create(ctx context.Context, spec Spec, timeout time.Duration) error
	// Describe returns the provisioning state and false when the cluster does not exist.
	Describe(ctx context.Context, name string) (ProvisioningState, bool, error)
	// Delete issues the delete call. A missing cluster is not an error.
	Delete(ctx context.Context, name string) error
	BindCredentials(ctx context.Context, name string) (*Context, error)
	GrantAccess(ctx context.Context, name string, grant AccessGrant) error
	EnableAutoscaling(ctx context.Context, name string, minNodes, maxNodes int) error
}

// Inventory lists and deletes the provider's disks and snapshots.
type Inventory interface {
	ListDisks(ctx context.Context) ([]string, error)
	ListSnapshots(ctx context.Context) ([]string, error)
	// DeleteDisk deletes a disk. A missing disk is not an error.
	DeleteDisk(ctx context.Context, id string) error
	// DeleteSnapshot deletes a snapshot. A missing snapshot is not an error.
	DeleteSnapshot(ctx context.Context, id string) error
	// DiskQuota returns the disk space in GB that can still be allocated.
	DiskQuota(ctx context.Context) (float64, error)
	LabelDisk(ctx context.Context, id string, labels map[string]string) error
	// Remediation returns the commands an operator runs to find and delete ids.
	Remediation(ids resources.ResourceIds) []string
}
