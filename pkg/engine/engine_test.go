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
	"strings"
	"testing"

	"hpc-batch/pkg/cleanup"
	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/jobs"
	"hpc-batch/pkg/orchestrator"
	"hpc-batch/pkg/resources"
	"hpc-batch/pkg/runerr"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	"sigs.k8s.io/yaml"
)

func writeRecord(t *testing.T, h *harness, ids resources.ResourceIds) {
	t.Helper()
	require.NoError(t, resources.NewIdentityStore(h.store.ObjectStore, h.store.key).Write(context.Background(), ids))
}

func writeMarker(t *testing.T, h *harness, file, content string) {
	t.Helper()
	require.NoError(t, h.store.WriteOnce(context.Background(), h.eng.cfg.MetadataKey(file), []byte(content)))
}

func TestNewRequiresAdapters(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	assert.Error(t, err)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.orch.disks = []string{"pvc-abc"}
	h.orch.snaps = []string{"snapshot-init"}

	bound, err := h.eng.Provision(ctx, batches(4))
	require.NoError(t, err)
	assert.Equal(t, "elb-cluster", bound.Name)
	assert.Equal(t, 1, h.cp.creates)
	assert.Equal(t, []string{jobs.JobInitPV}, h.orch.waited)
	require.Len(t, h.cp.grants, 1)
	assert.Equal(t, cluster.AccessGrant{ResultsBucket: "results", ImageRegistry: "gcr.io"}, h.cp.grants[0])

	names, err := h.eng.Submit(ctx, batches(4))
	require.NoError(t, err)
	assert.Equal(t, []string{"blast-batch-000", "blast-batch-001", "blast-batch-002", "blast-batch-003"}, names)
	require.Len(t, h.orch.submitted, 4)
	for _, spec := range h.orch.submitted {
		var job batchv1.Job
		require.NoError(t, yaml.Unmarshal([]byte(spec.Manifest), &job))
		cpu := job.Spec.Template.Spec.Containers[0].Resources.Requests.Cpu()
		assert.Equal(t, int64(30), cpu.Value(), "cpu request of %s", spec.Name)
	}

	marker, ok, err := h.store.ReadIfExists(ctx, h.eng.cfg.MetadataKey(config.NumJobsSubmitted))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", string(marker))
	assert.Equal(t, 1, h.cp.autoscale)

	record, ok, err := h.store.ReadIfExists(ctx, h.eng.cfg.MetadataKey(config.DiskIDFile))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"disks":["pvc-abc"],"snapshots":["snapshot-init"]}`, string(record))
	assert.Equal(t, "job-1234", h.inv.labelled["pvc-abc"]["hpc-batch-job-id"])
	assert.True(t, h.orch.snapsGone)

	st, _, _, err := h.eng.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Submitting, st)

	h.orch.byLabel[jobs.AppBlast] = []orchestrator.Job{{Name: "blast-batch-000"}, {Name: "blast-batch-001"}, {Name: "blast-batch-002"}, {Name: "blast-batch-003"}}
	h.orch.pods = []orchestrator.Pod{{Name: "a", Phase: orchestrator.PhaseRunning}, {Name: "b", Phase: orchestrator.PhasePending}}
	st, counts, _, err := h.eng.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Running, st)
	assert.Equal(t, JobCounts{CountPending: 3, CountRunning: 1, CountSucceeded: 0, CountFailed: 0}, counts)

	for i := range h.orch.byLabel[jobs.AppBlast] {
		h.orch.byLabel[jobs.AppBlast][i].Condition = orchestrator.ConditionComplete
	}
	h.orch.pods = nil
	st, counts, _, err = h.eng.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Success, st)
	assert.Equal(t, 4, counts[CountSucceeded])

	assert.Equal(t, 1, h.cp.creates)
	assert.Equal(t, 1, h.binds)
}

func TestProvisionQuotaExceeded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.inv.quota = 500

	_, err := h.eng.Provision(context.Background(), batches(4))
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindInput))
	assert.Contains(t, err.Error(), "1000GB")
	assert.Zero(t, h.cp.creates)
	assert.Zero(t, h.eng.cleanup.Len())
}

func TestProvisionExistingClusterWithoutReuse(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded

	_, err := h.eng.Provision(context.Background(), batches(4))
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindInput))
	assert.Zero(t, h.eng.cleanup.Len())
	assert.NoError(t, h.eng.Cleanup(context.Background()))
	assert.Zero(t, h.cp.deletes)
}

func TestProvisionReusesCluster(t *testing.T) {
	cfg := testConfig()
	cfg.Cluster.Reuse = true
	h := newHarness(t, cfg)
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded

	_, err := h.eng.Provision(context.Background(), batches(4))
	require.NoError(t, err)
	assert.Zero(t, h.cp.creates)
	assert.Empty(t, h.cp.grants)
}

func TestCleanupOrder(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.LogsDir = "/tmp/logs"
	h := newHarness(t, cfg)
	h.orch.waitErr = errors.New("init-pv failed")

	_, err := h.eng.Provision(ctx, batches(4))
	require.Error(t, err)
	assert.Equal(t, []cleanup.Action{
		cleanup.Marker("Before creating cluster"),
		{Kind: cleanup.DeleteCluster},
		{Kind: cleanup.CollectLogs},
	}, h.eng.CleanupActions())

	h.events = nil
	require.NoError(t, h.eng.Cleanup(ctx))
	assert.Equal(t, []string{"collect-logs", "delete-all", "delete-cluster"}, h.events)
	assert.Equal(t, 1, h.cp.deletes)
}

func TestCleanupAfterInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, testConfig())

	_, err := h.eng.Provision(ctx, batches(4))
	require.NoError(t, err)
	require.True(t, h.cp.exists)

	cancel()
	require.NoError(t, h.eng.Cleanup(ctx))
	assert.Equal(t, 1, h.cp.deletes)
	assert.False(t, h.cp.exists)
}

func TestSubmitReplacesCleanup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	_, err := h.eng.Provision(ctx, batches(2))
	require.NoError(t, err)
	_, err = h.eng.Submit(ctx, batches(2))
	require.NoError(t, err)

	assert.Equal(t, []cleanup.Action{{Kind: cleanup.CollectLogs}}, h.eng.CleanupActions())
	require.NoError(t, h.eng.Cleanup(ctx))
	assert.Zero(t, h.cp.deletes)
}

func TestProvisionLocalSSD(t *testing.T) {
	cfg := testConfig()
	cfg.Cluster.UseLocalSSD = true
	h := newHarness(t, cfg)
	h.orch.nodes = 4

	_, err := h.eng.Provision(context.Background(), batches(4))
	require.NoError(t, err)
	assert.Equal(t, []string{"init-ssd-0", "init-ssd-1", "init-ssd-2", "init-ssd-3"}, h.orch.waited)
	require.Len(t, h.orch.applied, 4)
	assert.Contains(t, h.orch.applied[2], "init-ssd-2")

	_, err = h.eng.Submit(context.Background(), batches(4))
	require.NoError(t, err)
	assert.Zero(t, h.orch.claims)
}

func TestProvisionCloudQuerySplit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CloudQuerySplit = true
	cfg.Blast.Queries = "gs://queries/input.fa"
	h := newHarness(t, cfg)

	_, err := h.eng.Provision(ctx, nil)
	require.NoError(t, err)
	require.Len(t, h.orch.applied, 2)
	split := h.orch.applied[1]
	assert.Contains(t, split, "name: "+jobs.JobImportQueryBatches)
	assert.Contains(t, split, "fetch-object gs://queries/input.fa")
	assert.Contains(t, split, "gs://results/blast/job-1234/query_batches/")
	assert.Equal(t, []string{jobs.JobInitPV}, h.orch.waited)

	require.NoError(t, h.eng.WaitForQuerySplit(ctx))
	assert.Equal(t, []string{jobs.JobInitPV, jobs.JobImportQueryBatches}, h.orch.waited)

	h.orch.waitErr = errors.New("job import-query-batches failed")
	err = h.eng.WaitForQuerySplit(ctx)
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindToolInvocation))
}

func TestWaitForQuerySplitDisabled(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.eng.WaitForQuerySplit(context.Background()))
	assert.Empty(t, h.orch.waited)
	assert.Zero(t, h.binds)
}

func TestDelegatedSubmission(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CloudJobSubmission = true
	h := newHarness(t, cfg)

	_, err := h.eng.Provision(ctx, batches(4))
	require.NoError(t, err)
	tmpl, ok, err := h.store.ReadIfExists(ctx, cfg.MetadataKey(config.JobTemplateFile))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(tmpl), jobs.QueryBatchPlaceholder)
	assert.Empty(t, h.orch.waited)
	require.Len(t, h.orch.applied, 2)
	assert.Contains(t, h.orch.applied[0], jobs.ServiceAccountName)

	names, err := h.eng.Submit(ctx, batches(4))
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Empty(t, h.orch.submitted)
	require.Len(t, h.orch.applied, 3)
	assert.Contains(t, h.orch.applied[2], jobs.JobSubmitJobs)
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DryRun = true
	cfg.CloudJobSubmission = true
	hook := test.NewGlobal()
	defer hook.Reset()
	h := newHarness(t, cfg)

	_, err := h.eng.Provision(ctx, batches(3))
	require.NoError(t, err)
	names, err := h.eng.Submit(ctx, batches(3))
	require.NoError(t, err)
	assert.Empty(t, names)
	st, _, diag, err := h.eng.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Unknown, st)
	assert.Equal(t, "dry run", diag[DiagMessage])
	_, err = h.eng.Teardown(ctx)
	require.NoError(t, err)

	keys, err := h.store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Zero(t, h.cp.creates)
	assert.Zero(t, h.cp.deletes)
	assert.Zero(t, h.binds)
	assert.Empty(t, h.inv.deleted)

	var dry int
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "Dry run:") {
			dry++
		}
	}
	assert.GreaterOrEqual(t, dry, 5)
}

func TestStatusRemembersLiveTerminalStatus(t *testing.T) {
	done := orchestrator.Job{Name: "d", Condition: orchestrator.ConditionComplete}
	failed := orchestrator.Job{Name: "f", Condition: orchestrator.ConditionFailed}

	tests := []struct {
		name  string
		blast []orchestrator.Job
		setup []orchestrator.Job
		want  Status
	}{
		{name: "success", blast: []orchestrator.Job{done, done}, want: Success},
		{name: "failure", blast: []orchestrator.Job{done, failed}, want: Failure},
		{name: "setup failure", setup: []orchestrator.Job{failed}, want: Failure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, testConfig())
			h.cp.exists, h.cp.state = true, cluster.StateSucceeded
			h.orch.byLabel = map[string][]orchestrator.Job{jobs.AppBlast: tt.blast, jobs.AppSetup: tt.setup}

			st, _, _, err := h.eng.Status(ctx, false)
			require.NoError(t, err)
			require.Equal(t, tt.want, st)

			h.cp.exists = false
			st, _, diag, err := h.eng.Status(ctx, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
			assert.Empty(t, diag[DiagMessage])
		})
	}
}

func TestTeardownCachesLiveTerminalStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	done := orchestrator.Job{Name: "d", Condition: orchestrator.ConditionComplete}
	h.orch.byLabel = map[string][]orchestrator.Job{jobs.AppBlast: {done}}

	st, _, _, err := h.eng.Status(ctx, false)
	require.NoError(t, err)
	require.Equal(t, Success, st)

	_, err = h.eng.Teardown(ctx)
	require.NoError(t, err)
	describes := h.cp.describes
	st, _, _, err = h.eng.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Success, st)
	assert.Equal(t, describes, h.cp.describes)
}

func TestStatusPrecedence(t *testing.T) {
	done := orchestrator.Job{Name: "d", Condition: orchestrator.ConditionComplete}
	failed := orchestrator.Job{Name: "f", Condition: orchestrator.ConditionFailed}
	active := orchestrator.Job{Name: "a"}
	running := orchestrator.Pod{Name: "a", Phase: orchestrator.PhaseRunning}

	tests := []struct {
		name   string
		blast  []orchestrator.Job
		pods   []orchestrator.Pod
		setup  []orchestrator.Job
		submit []orchestrator.Job
		want   Status
	}{
		{name: "failed wins over everything", blast: []orchestrator.Job{done, failed, active}, pods: []orchestrator.Pod{running}, want: Failure},
		{name: "failed with only succeeded", blast: []orchestrator.Job{done, done, failed}, want: Failure},
		{name: "pending", blast: []orchestrator.Job{done, active}, want: Running},
		{name: "running", blast: []orchestrator.Job{active}, pods: []orchestrator.Pod{running}, want: Running},
		{name: "all succeeded", blast: []orchestrator.Job{done, done}, want: Success},
		{name: "nothing yet", want: Submitting},
		{name: "setup running", setup: []orchestrator.Job{active}, want: Submitting},
		{name: "setup failed", setup: []orchestrator.Job{failed}, want: Failure},
		{name: "submit failed", setup: []orchestrator.Job{done}, submit: []orchestrator.Job{failed}, want: Failure},
		{name: "submit ignored while setup pending", setup: []orchestrator.Job{active}, submit: []orchestrator.Job{failed}, want: Submitting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.cp.exists, h.cp.state = true, cluster.StateSucceeded
			h.orch.byLabel = map[string][]orchestrator.Job{jobs.AppBlast: tt.blast, jobs.AppSetup: tt.setup, jobs.AppSubmit: tt.submit}
			h.orch.pods = tt.pods

			st, _, _, err := h.eng.Status(context.Background(), false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st)
		})
	}
}

func TestCountJobsCorrectsPending(t *testing.T) {
	for _, tc := range []struct {
		pending, running, want int
	}{{3, 1, 2}, {3, 3, 0}, {2, 5, 0}, {0, 0, 0}} {
		var js []orchestrator.Job
		for i := 0; i < tc.pending; i++ {
			js = append(js, orchestrator.Job{Name: "j"})
		}
		var pods []orchestrator.Pod
		for i := 0; i < tc.running; i++ {
			pods = append(pods, orchestrator.Pod{Phase: orchestrator.PhaseRunning})
		}
		counts := JobCounts{}
		countJobs(js, pods, counts)
		assert.Equal(t, tc.want, counts[CountPending], "pending=%d running=%d", tc.pending, tc.running)
		assert.Equal(t, tc.running, counts[CountRunning])
	}
}

func TestStatusClusterStates(t *testing.T) {
	t.Run("absent", func(t *testing.T) {
		h := newHarness(t, testConfig())
		st, _, diag, err := h.eng.Status(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, Unknown, st)
		assert.Contains(t, diag[DiagMessage], "was not found")
	})
	for _, s := range []cluster.ProvisioningState{cluster.StateCreating, cluster.StateUpdating, cluster.StateStarting} {
		t.Run(string(s), func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.cp.exists, h.cp.state = true, s
			st, _, _, err := h.eng.Status(context.Background(), false)
			require.NoError(t, err)
			assert.Equal(t, Submitting, st)
			assert.Zero(t, h.binds)
		})
	}
	t.Run("failed cluster is transient", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.cp.exists, h.cp.state = true, cluster.StateFailed
		_, _, _, err := h.eng.Status(context.Background(), false)
		require.Error(t, err)
		assert.True(t, runerr.Is(err, runerr.KindTransientCluster))
	})
	t.Run("adapter failure degrades to unknown", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.cp.exists, h.cp.state = true, cluster.StateSucceeded
		h.orch.listErr = errors.New("connection refused")
		st, _, diag, err := h.eng.Status(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, Unknown, st)
		assert.Contains(t, diag[DiagError], "connection refused")
	})
	t.Run("describe failure degrades to unknown", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.cp.describeErr = errors.New("permission denied")
		st, _, diag, err := h.eng.Status(context.Background(), false)
		require.NoError(t, err)
		assert.Equal(t, Unknown, st)
		assert.Contains(t, diag[DiagError], "permission denied")
	})
}

func TestStatusExtendedDetails(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	h.orch.byLabel[jobs.AppBlast] = []orchestrator.Job{{Name: "blast-batch-000", Condition: orchestrator.ConditionComplete}, {Name: "blast-batch-001"}}

	_, _, diag, err := h.eng.Status(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "blast-batch-000 Complete\nblast-batch-001 Active", diag[DiagDetails])
}

func TestStatusCachesTerminalStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	writeMarker(t, h, config.SuccessMarker, "")

	st, _, _, err := h.eng.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Success, st)

	_, err = h.store.Delete(ctx, h.eng.cfg.MetadataKey(config.SuccessMarker))
	require.NoError(t, err)
	h.cp.exists = false
	st, _, _, err = h.eng.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Success, st)

	describes := h.cp.describes
	h.cp.describeErr = errors.New("unreachable")
	st, _, diag, err := h.eng.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, Success, st)
	assert.Empty(t, diag)
	assert.Equal(t, describes, h.cp.describes)
}

func TestFetchResourceIds(t *testing.T) {
	ctx := context.Background()

	t.Run("missing record", func(t *testing.T) {
		h := newHarness(t, testConfig())
		ids, err := h.eng.FetchResourceIds(ctx)
		require.NoError(t, err)
		assert.True(t, ids.Empty())
		assert.Equal(t, 1, h.store.reads)
	})
	t.Run("retries exactly three times", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.store.failReads = 10
		_, err := h.eng.FetchResourceIds(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
		assert.Equal(t, 3, h.store.reads)
	})
	t.Run("recovers after lag", func(t *testing.T) {
		h := newHarness(t, testConfig())
		ids := resources.New("pvc-1")
		ids.AddSnapshots("snap-1")
		writeRecord(t, h, ids)
		h.store.failReads = 2
		got, err := h.eng.FetchResourceIds(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"pvc-1"}, got.DiskList())
		assert.Equal(t, 3, h.store.reads)
	})
	t.Run("corrupt record", func(t *testing.T) {
		h := newHarness(t, testConfig())
		require.NoError(t, h.store.WriteOnce(ctx, h.store.key, []byte(`{"disks":[],"snapshots":[]}`)))
		_, err := h.eng.FetchResourceIds(ctx)
		require.ErrorIs(t, err, resources.ErrCorrupt)
		assert.Equal(t, 3, h.store.reads)
	})
	t.Run("complete in-memory set", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.eng.state.resources = resources.New("pvc-1")
		h.eng.state.resources.AddSnapshots("snap-1")
		ids, err := h.eng.FetchResourceIds(ctx)
		require.NoError(t, err)
		assert.True(t, ids.Complete())
		assert.Zero(t, h.store.reads)
	})
	t.Run("invalid names are kept", func(t *testing.T) {
		hook := test.NewGlobal()
		defer hook.Reset()
		h := newHarness(t, testConfig())
		writeRecord(t, h, resources.New("Not_A_Disk"))
		ids, err := h.eng.FetchResourceIds(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Not_A_Disk"}, ids.DiskList())
		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	})
}

func TestTeardownDeletesTrackedResources(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	ids := resources.New("pvc-1")
	ids.AddSnapshots("snap-1")
	writeRecord(t, h, ids)
	h.orch.disks = []string{"pvc-2"}
	h.inv.disks.Insert("pvc-1", "pvc-2", "unrelated")
	h.inv.snaps.Insert("snap-1")

	report, err := h.eng.Teardown(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"disk/pvc-1", "disk/pvc-2", "snapshot/snap-1"}, h.inv.deleted)
	assert.True(t, report.Leaked.Empty())
	assert.Equal(t, []string{"unrelated"}, h.inv.disks.UnsortedList())
	assert.Equal(t, "delete-all", h.events[0])
	assert.Equal(t, "delete-cluster", h.events[len(h.events)-1])
	assert.Len(t, report.Deleted, 2)
}

func TestTeardownDescribeFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	writeRecord(t, h, resources.New("pvc-abc"))
	h.inv.disks.Insert("pvc-abc")
	h.cp.describeErr = errors.New("503 backend error")

	report, err := h.eng.Teardown(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"disk/pvc-abc"}, h.inv.deleted)
	assert.True(t, report.Leaked.Empty())
	assert.Equal(t, 1, h.cp.deletes)
	assert.NoError(t, report.ClusterDeleteErr)
}

func TestTeardownTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded

	_, err := h.eng.Teardown(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.cp.deletes)

	events := len(h.events)
	report, err := h.eng.Teardown(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 1, h.cp.deletes)
	assert.Empty(t, h.inv.deleted)
	assert.Len(t, h.events, events)
}

func TestTeardownReportsLeaks(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	writeRecord(t, h, resources.New("pvc-1", "pvc-2"))
	h.inv.disks.Insert("pvc-1", "pvc-2")
	h.inv.failDelete.Insert("pvc-1")

	report, err := h.eng.Teardown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"pvc-1"}, report.Leaked.DiskList())
	assert.Equal(t, []string{"delete " + report.Leaked.String()}, report.Remediation)
	assert.Equal(t, 1, h.cp.deletes)

	var errorsLogged int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
		}
	}
	assert.GreaterOrEqual(t, errorsLogged, 2)
}

func TestTeardownListFailureFallsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	ids := resources.New("pvc-1")
	ids.AddSnapshots("snap-1")
	writeRecord(t, h, ids)
	h.inv.listErr = errors.New("quota exceeded")

	report, err := h.eng.Teardown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"disk/pvc-1", "snapshot/snap-1"}, h.inv.deleted)
	assert.Equal(t, []string{"pvc-1"}, report.Leaked.DiskList())
	assert.Equal(t, 1, h.cp.deletes)
}

func TestTeardownDoomedCluster(t *testing.T) {
	for _, s := range []cluster.ProvisioningState{cluster.StateFailed, cluster.StateStopping, cluster.StateDeleting} {
		t.Run(string(s), func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.cp.exists, h.cp.state = true, s
			writeRecord(t, h, resources.New("pvc-1"))
			h.inv.disks.Insert("pvc-1")

			_, err := h.eng.Teardown(context.Background())
			require.NoError(t, err)
			assert.Zero(t, h.binds)
			assert.Zero(t, h.orch.deleteAll)
			assert.Equal(t, []string{"disk/pvc-1"}, h.inv.deleted)
			if s == cluster.StateDeleting {
				assert.Zero(t, h.cp.deletes)
			} else {
				assert.Equal(t, 1, h.cp.deletes)
			}
		})
	}
}

func TestTeardownWaitsWhileUpdating(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	h.cp.states = []cluster.ProvisioningState{cluster.StateUpdating, cluster.StateStarting}

	_, err := h.eng.Teardown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.sleeps)
	assert.Equal(t, 1, h.cp.deletes)
}

func TestTeardownUnrecognizedState(t *testing.T) {
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.ProvisioningState("DEGRADED")

	_, err := h.eng.Teardown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.orch.deleteAll)
	assert.Equal(t, 1, h.cp.deletes)
}

func TestTeardownMissingCluster(t *testing.T) {
	t.Run("never existed", func(t *testing.T) {
		h := newHarness(t, testConfig())
		_, err := h.eng.Teardown(context.Background())
		require.Error(t, err)
		assert.True(t, runerr.Is(err, runerr.KindInput))
		assert.Contains(t, err.Error(), "was not found")
	})
	t.Run("run left metadata", func(t *testing.T) {
		cfg := testConfig()
		cfg.RemoveAncillaryData = true
		h := newHarness(t, cfg)
		writeMarker(t, h, config.NumJobsSubmitted, "4")
		require.NoError(t, h.store.WriteOnce(context.Background(), "job-1234/query_batches/batch_000.fa", []byte(">q")))

		_, err := h.eng.Teardown(context.Background())
		require.NoError(t, err)
		keys, err := h.store.List(context.Background(), "job-1234/query_batches")
		require.NoError(t, err)
		assert.Empty(t, keys)
		assert.Zero(t, h.cp.deletes)
	})
}

func TestTeardownRemovesAncillaryDataOnlyWhenEnabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.cp.exists, h.cp.state = true, cluster.StateSucceeded
	require.NoError(t, h.store.WriteOnce(ctx, "job-1234/query_batches/batch_000.fa", []byte(">q")))

	_, err := h.eng.Teardown(ctx)
	require.NoError(t, err)
	keys, err := h.store.List(ctx, "job-1234/query_batches")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}
