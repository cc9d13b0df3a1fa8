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

package gke

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/resources"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/compute/v1"
)

// Inventory lists and deletes zonal disks and global snapshots of a project.
type Inventory struct {
	opts    Options
	compute *compute.Service
}

var _ cluster.Inventory = (*Inventory)(nil)

// NewInventory creates the Compute Engine client.
func NewInventory(ctx context.Context, opts Options) (*Inventory, error) {
	svc, err := compute.NewService(ctx, opts.ClientOptions...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create compute client")
	}
	return &Inventory{opts: opts, compute: svc}, nil
}

// ListDisks returns the names of the disks in the configured zone.
func (i *Inventory) ListDisks(ctx context.Context) ([]string, error) {
	var names []string
	err := i.compute.Disks.List(i.opts.Project, i.opts.Zone).Pages(ctx, func(page *compute.DiskList) error {
		for _, d := range page.Items {
			names = append(names, d.Name)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list disks in %s", i.opts.Zone)
	}
	return names, nil
}

// ListSnapshots returns the names of the project's snapshots.
func (i *Inventory) ListSnapshots(ctx context.Context) ([]string, error) {
	var names []string
	err := i.compute.Snapshots.List(i.opts.Project).Pages(ctx, func(page *compute.SnapshotList) error {
		for _, s := range page.Items {
			names = append(names, s.Name)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list snapshots in %s", i.opts.Project)
	}
	return names, nil
}

func (i *Inventory) DeleteDisk(ctx context.Context, id string) error {
	_, err := i.compute.Disks.Delete(i.opts.Project, i.opts.Zone, id).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to delete disk %s", id)
	}
	logrus.Debugf("Deletion of disk %s requested", id)
	return nil
}

func (i *Inventory) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := i.compute.Snapshots.Delete(i.opts.Project, id).Context(ctx).Do()
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to delete snapshot %s", id)
	}
	logrus.Debugf("Deletion of snapshot %s requested", id)
	return nil
}

// quotaMetric returns the regional quota that disks of diskType count against.
func quotaMetric(diskType string) string {
	if diskType == "pd-standard" {
		return "DISKS_TOTAL_GB"
	}
	return "SSD_TOTAL_GB"
}

// DiskQuota returns limit minus usage of the regional disk quota.
func (i *Inventory) DiskQuota(ctx context.Context) (float64, error) {
	region, err := i.compute.Regions.Get(i.opts.Project, i.opts.Region).Context(ctx).Do()
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to get quotas of region %s", i.opts.Region)
	}
	metric := quotaMetric(i.opts.DiskType)
	for _, q := range region.Quotas {
		if q.Metric == metric {
			return q.Limit - q.Usage, nil
		}
	}
	return 0, fmt.Errorf("quota %s not found in region %s", metric, i.opts.Region)
}

// LabelDisk merges labels into the disk's labels.
func (i *Inventory) LabelDisk(ctx context.Context, id string, labels map[string]string) error {
	disk, err := i.compute.Disks.Get(i.opts.Project, i.opts.Zone, id).Context(ctx).Do()
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to get disk %s", id)
	}
	merged := maps.Clone(disk.Labels)
	if merged == nil {
		merged = map[string]string{}
	}
	maps.Copy(merged, labels)
	req := &compute.ZoneSetLabelsRequest{Labels: merged, LabelFingerprint: disk.LabelFingerprint}
	if _, err := i.compute.Disks.SetLabels(i.opts.Project, i.opts.Zone, id, req).Context(ctx).Do(); err != nil {
		return pkgerrors.Wrapf(err, "failed to label disk %s", id)
	}
	return nil
}

// Remediation returns gcloud commands listing and deleting ids.
func (i *Inventory) Remediation(ids resources.ResourceIds) []string {
	var cmds []string
	if disks := ids.DiskList(); len(disks) > 0 {
		cmds = append(cmds,
			fmt.Sprintf("gcloud compute disks list --project %s --filter='name:(%s)'", i.opts.Project, strings.Join(disks, " ")),
			fmt.Sprintf("gcloud compute disks delete %s --project %s --zone %s", strings.Join(disks, " "), i.opts.Project, i.opts.Zone),
		)
	}
	if snaps := ids.SnapshotList(); len(snaps) > 0 {
		cmds = append(cmds,
			fmt.Sprintf("gcloud compute snapshots list --project %s --filter='name:(%s)'", i.opts.Project, strings.Join(snaps, " ")),
			fmt.Sprintf("gcloud compute snapshots delete %s --project %s", strings.Join(snaps, " "), i.opts.Project),
		)
	}
	return cmds
}
