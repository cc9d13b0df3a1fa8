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

// Package resources records the billable cloud resources created for a run
// so that any process can find and delete them later.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"hpc-batch/pkg/store"

	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	// ErrEmpty is returned when writing a record that names no resource.
	ErrEmpty = errors.New("resource record has no disks and no snapshots")
	// ErrCorrupt is returned when a stored record names no resource.
	ErrCorrupt = errors.New("stored resource record is empty")
)

// ResourceIds is the set of disks and volume snapshots owned by a run.
type ResourceIds struct {
	Disks     sets.Set[string]
	Snapshots sets.Set[string]
}

// New returns a ResourceIds holding the given disks.
func New(disks ...string) ResourceIds {
	return ResourceIds{Disks: sets.New(disks...), Snapshots: sets.New[string]()}
}

// AddDisks adds disk IDs, ignoring duplicates.
func (r *ResourceIds) AddDisks(ids ...string) {
	if r.Disks == nil {
		r.Disks = sets.New[string]()
	}
	r.Disks.Insert(ids...)
}

// AddSnapshots adds snapshot IDs, ignoring duplicates.
func (r *ResourceIds) AddSnapshots(ids ...string) {
	if r.Snapshots == nil {
		r.Snapshots = sets.New[string]()
	}
	r.Snapshots.Insert(ids...)
}

// Empty reports whether neither set has members.
func (r ResourceIds) Empty() bool {
	return r.Disks.Len() == 0 && r.Snapshots.Len() == 0
}

// Complete reports whether both sets have members.
func (r ResourceIds) Complete() bool {
	return r.Disks.Len() > 0 && r.Snapshots.Len() > 0
}

// Union returns a new ResourceIds with the members of r and o.
func (r ResourceIds) Union(o ResourceIds) ResourceIds {
	out := ResourceIds{Disks: sets.New[string](), Snapshots: sets.New[string]()}
	out.Disks.Insert(sets.List(r.Disks)...)
	out.Disks.Insert(sets.List(o.Disks)...)
	out.Snapshots.Insert(sets.List(r.Snapshots)...)
	out.Snapshots.Insert(sets.List(o.Snapshots)...)
	return out
}

// DiskList returns the disks in sorted order.
func (r ResourceIds) DiskList() []string { return sets.List(r.Disks) }

// SnapshotList returns the snapshots in sorted order.
func (r ResourceIds) SnapshotList() []string { return sets.List(r.Snapshots) }

func (r ResourceIds) String() string {
	return fmt.Sprintf("disks=%v snapshots=%v", r.DiskList(), r.SnapshotList())
}

type record struct {
	Disks     []string `json:"disks"`
	Snapshots []string `json:"snapshots"`
}

// MarshalJSON writes both sets as sorted lists.
func (r ResourceIds) MarshalJSON() ([]byte, error) {
	rec := record{Disks: r.DiskList(), Snapshots: r.SnapshotList()}
	if rec.Disks == nil {
		rec.Disks = []string{}
	}
	if rec.Snapshots == nil {
		rec.Snapshots = []string{}
	}
	return json.Marshal(rec)
}

// UnmarshalJSON reads the format written by MarshalJSON.
func (r *ResourceIds) UnmarshalJSON(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	r.Disks = sets.New(rec.Disks...)
	r.Snapshots = sets.New(rec.Snapshots...)
	return nil
}

var diskNameRE = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)

// ValidateDiskName checks that name is a valid Compute Engine disk name.
func ValidateDiskName(name string) error {
	if !diskNameRE.MatchString(name) {
		return fmt.Errorf("invalid disk name %q", name)
	}
	return nil
}

// IdentityStore persists a ResourceIds record at a fixed key of an object store.
type IdentityStore struct {
	store store.ObjectStore
	key   string
}

// NewIdentityStore returns an IdentityStore keeping its record at key.
func NewIdentityStore(s store.ObjectStore, key string) *IdentityStore {
	return &IdentityStore{store: s, key: key}
}

// Location returns the URL of the record.
func (s *IdentityStore) Location() string {
	return s.store.URL(s.key)
}

// Write stores ids. The record is written at most once per run.
func (s *IdentityStore) Write(ctx context.Context, ids ResourceIds) error {
	if ids.Empty() {
		return ErrEmpty
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode resource record: %w", err)
	}
	if err := s.store.WriteOnce(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to write resource record: %w", err)
	}
	return nil
}

// Read returns the stored record and whether one exists. A record that names
// no resource is reported as ErrCorrupt.
func (s *IdentityStore) Read(ctx context.Context) (ResourceIds, bool, error) {
	data, ok, err := s.store.ReadIfExists(ctx, s.key)
	if err != nil {
		return ResourceIds{}, false, err
	}
	if !ok {
		return ResourceIds{}, false, nil
	}
	var ids ResourceIds
	if err := json.Unmarshal(data, &ids); err != nil {
		return ResourceIds{}, true, fmt.Errorf("failed to parse %s: %w", s.Location(), err)
	}
	if ids.Empty() {
		return ResourceIds{}, true, fmt.Errorf("%s: %w", s.Location(), ErrCorrupt)
	}
	return ids, true, nil
}
