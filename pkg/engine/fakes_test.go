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
	"testing"
	"time"

	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/jobs"
	"hpc-batch/pkg/orchestrator"
	"hpc-batch/pkg/resources"
	"hpc-batch/pkg/retry"
	"hpc-batch/pkg/store"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

// harness wires an Engine to in-memory fakes that record what they were asked to do.
type harness struct {
	eng    *Engine
	cp     *fakeControlPlane
	inv    *fakeInventory
	orch   *fakeOrchestrator
	store  *flakyStore
	events []string
	binds  int
	sleeps int
}

func testConfig() *config.Config {
	return &config.Config{
		JobID:   "job-1234",
		Results: "gs://results/blast",
		Version: "1.2.3",
		Cloud:   config.CloudConfig{Project: "p", Region: "us-east4", Zone: "us-east4-b"},
		Cluster: config.ClusterConfig{
			Name:        "elb-cluster",
			MachineType: "n1-standard-32",
			NumNodes:    4,
			NumCPUs:     32,
			PDSize:      "1000G",
			DiskType:    "pd-ssd",
		},
		Blast: config.BlastConfig{
			Program:    "blastp",
			DB:         "gs://dbs/swissprot",
			MemRequest: "2G",
			MemLimit:   "60G",
			Image:      "gcr.io/p/blast:1.0",
			BatchLen:   1000,
			JobTimeout: time.Hour,
		},
		JobLimit: config.DefaultJobLimit,
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{}
	h.cp = &fakeControlPlane{h: h}
	h.inv = &fakeInventory{h: h, disks: sets.New[string](), snaps: sets.New[string](), quota: 10000,
		failDelete: sets.New[string](), labelled: map[string]map[string]string{}}
	h.orch = &fakeOrchestrator{h: h, byLabel: map[string][]orchestrator.Job{}}
	h.store = &flakyStore{ObjectStore: store.NewLocal(afero.NewMemMapFs(), "/results"), key: cfg.MetadataKey(config.DiskIDFile)}
	eng, err := New(cfg, Deps{
		ControlPlane: h.cp,
		Inventory:    h.inv,
		Store:        h.store,
		Orchestrators: func(bound *cluster.Context) (orchestrator.Orchestrator, error) {
			h.binds++
			return h.orch, nil
		},
		Sleep: func(context.Context, time.Duration) error {
			h.sleeps++
			return nil
		},
	})
	require.NoError(t, err)
	eng.retry = retry.Policy{Attempts: 3, Initial: time.Millisecond, Factor: 2, Max: 4 * time.Millisecond}
	h.eng = eng
	return h
}

func (h *harness) record(event string) { h.events = append(h.events, event) }

func batches(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("job-1234/query_batches/batch_%03d.fa", i)
	}
	return out
}

type fakeControlPlane struct {
	h           *harness
	exists      bool
	state       cluster.ProvisioningState
	states      []cluster.ProvisioningState
	describeErr error
	createErr   error
	describes   int
	creates     int
	deletes     int
	grants      []cluster.AccessGrant
	autoscale   int
}

func (f *fakeControlPlane) Create(_ context.Context, spec cluster.Spec, _ time.Duration) error {
	f.creates++
	f.h.record("create-cluster")
	if f.createErr != nil {
		return f.createErr
	}
	f.exists, f.state = true, cluster.StateSucceeded
	return nil
}

func (f *fakeControlPlane) Describe(ctx context.Context, _ string) (cluster.ProvisioningState, bool, error) {
	f.describes++
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if f.describeErr != nil {
		return "", false, f.describeErr
	}
	if len(f.states) > 0 {
		s := f.states[0]
		f.states = f.states[1:]
		return s, true, nil
	}
	return f.state, f.exists, nil
}

func (f *fakeControlPlane) Delete(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.deletes++
	f.h.record("delete-cluster")
	f.exists = false
	return nil
}

func (f *fakeControlPlane) BindCredentials(_ context.Context, name string) (*cluster.Context, error) {
	return &cluster.Context{Name: name}, nil
}

func (f *fakeControlPlane) GrantAccess(_ context.Context, _ string, grant cluster.AccessGrant) error {
	f.grants = append(f.grants, grant)
	return nil
}

func (f *fakeControlPlane) EnableAutoscaling(context.Context, string, int, int) error {
	f.autoscale++
	return nil
}

type fakeInventory struct {
	h          *harness
	disks      sets.Set[string]
	snaps      sets.Set[string]
	quota      float64
	listErr    error
	failDelete sets.Set[string]
	deleted    []string
	labelled   map[string]map[string]string
}

func (f *fakeInventory) ListDisks(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return sets.List(f.disks), nil
}

func (f *fakeInventory) ListSnapshots(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return sets.List(f.snaps), nil
}

func (f *fakeInventory) DeleteDisk(_ context.Context, id string) error {
	f.deleted = append(f.deleted, "disk/"+id)
	f.h.record("delete-disk/" + id)
	if f.failDelete.Has(id) {
		return errors.New("disk is in use")
	}
	f.disks.Delete(id)
	return nil
}

func (f *fakeInventory) DeleteSnapshot(_ context.Context, id string) error {
	f.deleted = append(f.deleted, "snapshot/"+id)
	f.h.record("delete-snapshot/" + id)
	if f.failDelete.Has(id) {
		return errors.New("snapshot is in use")
	}
	f.snaps.Delete(id)
	return nil
}

func (f *fakeInventory) DiskQuota(context.Context) (float64, error) { return f.quota, nil }

func (f *fakeInventory) LabelDisk(_ context.Context, id string, labels map[string]string) error {
	f.labelled[id] = labels
	return nil
}

func (f *fakeInventory) Remediation(ids resources.ResourceIds) []string {
	return []string{"delete " + ids.String()}
}

type fakeOrchestrator struct {
	h         *harness
	byLabel   map[string][]orchestrator.Job
	pods      []orchestrator.Pod
	listErr   error
	applied   []string
	submitted []jobs.JobSpec
	disks     []string
	snaps     []string
	waited    []string
	waitErr   error
	claims    int
	deleteAll int
	nodes     int
	snapsGone bool
}

func (f *fakeOrchestrator) ListJobs(_ context.Context, selector string) ([]orchestrator.Job, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.byLabel[selector], nil
}

func (f *fakeOrchestrator) ListPods(context.Context, string) ([]orchestrator.Pod, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.pods, nil
}

func (f *fakeOrchestrator) SubmitJobs(_ context.Context, specs []jobs.JobSpec) ([]string, error) {
	f.submitted = append(f.submitted, specs...)
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names, nil
}

func (f *fakeOrchestrator) Apply(_ context.Context, manifest string) ([]string, error) {
	f.applied = append(f.applied, manifest)
	return nil, nil
}

func (f *fakeOrchestrator) DeleteAll(context.Context) ([]string, error) {
	f.deleteAll++
	f.h.record("delete-all")
	return []string{"job/blast-batch-000", "pvc/" + jobs.ClaimName}, nil
}

func (f *fakeOrchestrator) PersistentDisks(context.Context) ([]string, error) { return f.disks, nil }

func (f *fakeOrchestrator) VolumeSnapshots(context.Context) ([]string, error) { return f.snaps, nil }

func (f *fakeOrchestrator) DeleteVolumeSnapshots(context.Context) error {
	f.snapsGone = true
	return nil
}

func (f *fakeOrchestrator) WaitForClaimBound(context.Context, string, time.Duration) error {
	f.claims++
	return nil
}

func (f *fakeOrchestrator) WaitForJob(_ context.Context, name string, _ time.Duration) error {
	f.waited = append(f.waited, name)
	return f.waitErr
}

func (f *fakeOrchestrator) LabelNodes(context.Context) (int, error) { return f.nodes, nil }

func (f *fakeOrchestrator) CheckServer(context.Context) error { return nil }

func (f *fakeOrchestrator) CollectLogs(context.Context, string) error {
	f.h.record("collect-logs")
	return nil
}

// flakyStore fails the first failReads reads of key.
type flakyStore struct {
	store.ObjectStore
	key       string
	failReads int
	reads     int
}

func (s *flakyStore) ReadIfExists(ctx context.Context, key string) ([]byte, bool, error) {
	if key == s.key {
		s.reads++
		if s.failReads > 0 {
			s.failReads--
			return nil, false, errors.New("503 service unavailable")
		}
	}
	return s.ObjectStore.ReadIfExists(ctx, key)
}
