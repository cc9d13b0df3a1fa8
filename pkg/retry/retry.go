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

// Package retry runs an operation a bounded number of times with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Policy describes how many attempts are made and how long to wait between them.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Factor   float64
	Max      time.Duration
}

// ResourceIDs is used when reading provenance records that may lag behind
// the process that wrote them: 3 attempts, waiting 2s then 4s, never more than 10s.
var ResourceIDs = Policy{Attempts: 3, Initial: 2 * time.Second, Factor: 2, Max: 10 * time.Second}

func (p Policy) backoff() wait.Backoff {
	return wait.Backoff{Duration: p.Initial, Factor: p.Factor, Steps: p.Attempts, Cap: p.Max}
}

// Delays lists the waits that precede the second and later attempts.
func (p Policy) Delays() []time.Duration {
	b := p.backoff()
	var out []time.Duration
	for i := 1; i < p.Attempts; i++ {
		out = append(out, b.Step())
	}
	return out
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted, or ctx is done. When attempts run out the last error of fn is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, p.backoff(), func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn(ctx)
		if lastErr == nil {
			return true, nil
		}
		var perm permanent
		if errors.As(lastErr, &perm) {
			return false, perm.err
		}
		logrus.Debugf("Attempt %d/%d failed: %v", attempt, p.Attempts, lastErr)
		return false, nil
	})
	if err != nil && wait.Interrupted(err) && lastErr != nil {
		return lastErr
	}
	return err
}
