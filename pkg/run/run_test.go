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

package run

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/config"
	"hpc-batch/pkg/engine"
	"hpc-batch/pkg/runerr"
	"hpc-batch/pkg/shell"
	"hpc-batch/pkg/store"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLifecycle struct {
	calls        []string
	batches      []string
	submitted    []string
	provisionErr error
	split        func() error
}

func (f *fakeLifecycle) Provision(_ context.Context, batches []string) (*cluster.Context, error) {
	f.calls = append(f.calls, "provision")
	f.batches = batches
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	return &cluster.Context{Name: "elb"}, nil
}

func (f *fakeLifecycle) WaitForQuerySplit(context.Context) error {
	f.calls = append(f.calls, "split")
	if f.split != nil {
		return f.split()
	}
	return nil
}

func (f *fakeLifecycle) Submit(_ context.Context, batches []string) ([]string, error) {
	f.calls = append(f.calls, "submit")
	f.submitted = batches
	return []string{"blast-batch-000"}, nil
}

func (f *fakeLifecycle) Cleanup(context.Context) error {
	f.calls = append(f.calls, "cleanup")
	return nil
}

func testSetup(t *testing.T, numBatches int) (*config.Config, store.ObjectStore) {
	t.Helper()
	cfg := &config.Config{JobID: "job-1", JobLimit: 10, Blast: config.BlastConfig{BatchLen: 100}}
	st := store.NewLocal(afero.NewMemMapFs(), "/results")
	for i := 0; i < numBatches; i++ {
		key := fmt.Sprintf("job-1/query_batches/batch_%03d.fa", i)
		require.NoError(t, st.WriteOnce(context.Background(), key, []byte(">q")))
	}
	return cfg, st
}

func TestSubmit(t *testing.T) {
	cfg, st := testSetup(t, 3)
	lc := &fakeLifecycle{}

	names, err := Submit(context.Background(), cfg, st, lc, Options{QueryLength: 250})
	require.NoError(t, err)
	assert.Equal(t, []string{"blast-batch-000"}, names)
	assert.Equal(t, []string{"provision", "submit", "cleanup"}, lc.calls)
	assert.Equal(t, []string{
		"file:///results/job-1/query_batches/batch_000.fa",
		"file:///results/job-1/query_batches/batch_001.fa",
		"file:///results/job-1/query_batches/batch_002.fa",
	}, lc.batches)

	length, ok, err := st.ReadIfExists(context.Background(), cfg.MetadataKey(config.QueryLengthFile))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "250", string(length))
}

func TestSubmitJobLimitBeforeProvisioning(t *testing.T) {
	cfg, st := testSetup(t, 11)
	lc := &fakeLifecycle{}

	_, err := Submit(context.Background(), cfg, st, lc, Options{QueryLength: 1100})
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindInput))
	assert.Contains(t, err.Error(), "at least 111 ")
	assert.Empty(t, lc.calls)
}

func TestSubmitWithoutBatches(t *testing.T) {
	cfg, st := testSetup(t, 0)
	lc := &fakeLifecycle{}

	_, err := Submit(context.Background(), cfg, st, lc, Options{})
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindInput))
	assert.Empty(t, lc.calls)
}

func TestSubmitCleansUpAfterFailure(t *testing.T) {
	cfg, st := testSetup(t, 2)
	lc := &fakeLifecycle{provisionErr: errors.New("quota")}

	_, err := Submit(context.Background(), cfg, st, lc, Options{})
	require.EqualError(t, err, "quota")
	assert.Equal(t, []string{"provision", "cleanup"}, lc.calls)
}

func TestSubmitCloudQuerySplit(t *testing.T) {
	ctx := context.Background()
	cfg, st := testSetup(t, 0)
	cfg.CloudQuerySplit = true
	lc := &fakeLifecycle{split: func() error {
		for i := 0; i < 2; i++ {
			key := fmt.Sprintf("job-1/query_batches/batch_%03d.fa", i)
			if err := st.WriteOnce(ctx, key, []byte(">q")); err != nil {
				return err
			}
		}
		return nil
	}}

	names, err := Submit(ctx, cfg, st, lc, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"blast-batch-000"}, names)
	assert.Equal(t, []string{"provision", "split", "submit", "cleanup"}, lc.calls)
	assert.Empty(t, lc.batches)
	assert.Equal(t, []string{
		"file:///results/job-1/query_batches/batch_000.fa",
		"file:///results/job-1/query_batches/batch_001.fa",
	}, lc.submitted)
}

func TestSubmitCloudQuerySplitFailure(t *testing.T) {
	cfg, st := testSetup(t, 0)
	cfg.CloudQuerySplit = true
	lc := &fakeLifecycle{split: func() error {
		return runerr.New(runerr.KindToolInvocation, "splitting the queries failed")
	}}

	_, err := Submit(context.Background(), cfg, st, lc, Options{})
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindToolInvocation))
	assert.Equal(t, []string{"provision", "split", "cleanup"}, lc.calls)
}

func TestSubmitCloudQuerySplitWithoutBatches(t *testing.T) {
	cfg, st := testSetup(t, 0)
	cfg.CloudQuerySplit = true
	lc := &fakeLifecycle{}

	_, err := Submit(context.Background(), cfg, st, lc, Options{})
	require.Error(t, err)
	assert.True(t, runerr.Is(err, runerr.KindInput))
	assert.Equal(t, []string{"provision", "split", "cleanup"}, lc.calls)
}

type statusSequence struct {
	statuses []engine.Status
	errs     []error
	calls    int
}

func (s *statusSequence) Status(context.Context, bool) (engine.Status, engine.JobCounts, engine.Diagnostics, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.statuses[i], engine.JobCounts{}, engine.Diagnostics{}, err
}

func TestWaitForStatus(t *testing.T) {
	src := &statusSequence{
		statuses: []engine.Status{engine.Unknown, engine.Submitting, engine.Running, engine.Success},
		errs:     []error{runerr.New(runerr.KindTransientCluster, "cluster is Failed")},
	}
	var seen []engine.Status
	st, err := WaitForStatus(context.Background(), src, time.Millisecond, false, func(s engine.Status, _ engine.JobCounts, _ engine.Diagnostics) {
		seen = append(seen, s)
	})
	require.NoError(t, err)
	assert.Equal(t, engine.Success, st)
	assert.Equal(t, []engine.Status{engine.Submitting, engine.Running, engine.Success}, seen)
	assert.Equal(t, 4, src.calls)
}

func TestWaitForStatusCancelled(t *testing.T) {
	src := &statusSequence{statuses: []engine.Status{engine.Running, engine.Running, engine.Running}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WaitForStatus(ctx, src, time.Hour, false, func(engine.Status, engine.JobCounts, engine.Diagnostics) {})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, src.calls)
}

func TestPrerequisites(t *testing.T) {
	noCreds := func(context.Context) error { return errors.New("could not find default credentials") }
	creds := func(context.Context) error { return nil }
	kubectl := func(minor string) func(string, ...string) shell.Result {
		return func(string, ...string) shell.Result {
			return shell.Result{Stdout: `{"clientVersion":{"major":"1","minor":"` + minor + `"}}`}
		}
	}
	noPlugin := func(string) (string, error) { return "", errors.New("not found") }
	plugin := func(string) (string, error) { return "/usr/bin/gke-gcloud-auth-plugin", nil }

	tests := []struct {
		name    string
		p       Prerequisites
		wantErr string
	}{
		{name: "no credentials", p: Prerequisites{credentials: noCreds}, wantErr: "application default credentials"},
		{name: "credentials only", p: Prerequisites{credentials: creds}},
		{name: "kubectl missing", p: Prerequisites{NeedKubectl: true, credentials: creds,
			exec: func(string, ...string) shell.Result {
				return shell.Result{ExitCode: shell.ExitCodeNotFound, Stderr: "executable file not found"}
			}}, wantErr: "'kubectl' doesn't work"},
		{name: "old kubectl", p: Prerequisites{NeedKubectl: true, credentials: creds, exec: kubectl("24"), lookPath: noPlugin}},
		{name: "new kubectl without plugin", p: Prerequisites{NeedKubectl: true, credentials: creds, exec: kubectl("27+"), lookPath: noPlugin},
			wantErr: "gke-gcloud-auth-plugin"},
		{name: "new kubectl with plugin", p: Prerequisites{NeedKubectl: true, credentials: creds, exec: kubectl("30"), lookPath: plugin}},
		{name: "unparsable version", p: Prerequisites{NeedKubectl: true, credentials: creds,
			exec: func(string, ...string) shell.Result { return shell.Result{Stdout: "v1"} }, lookPath: noPlugin},
			wantErr: "gke-gcloud-auth-plugin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Check(context.Background())
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, runerr.Is(err, runerr.KindDependency))
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, 5, runerr.ExitCode(err))
		})
	}
}
