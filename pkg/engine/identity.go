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

	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/resources"
	"hpc-batch/pkg/retry"
)

// FetchResourceIds returns the disks and snapshots owned by the run. The
// in-memory set is returned as is when it names both kinds of resource.
// Otherwise the record kept in the object store is read, retrying while the
// read fails or the record looks corrupt. A missing record yields an empty set.
func (e *Engine) FetchResourceIds(ctx context.Context) (resources.ResourceIds, error) {
	if e.state.resources.Complete() {
		return e.state.resources, nil
	}
	var ids resources.ResourceIds
	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		cctx, cancel := e.call(ctx)
		defer cancel()
		read, found, err := e.identity.Read(cctx)
		if err != nil {
			return err
		}
		if !found {
			logging.Debug("No resource record at %s", e.identity.Location())
			ids = resources.New()
			return nil
		}
		ids = read
		return nil
	})
	if err != nil {
		return resources.New(), err
	}
	for _, d := range ids.DiskList() {
		if err := resources.ValidateDiskName(d); err != nil {
			logging.Warn("Resource record %s: %v", e.identity.Location(), err)
		}
	}
	return ids, nil
}
