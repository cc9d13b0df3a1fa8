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

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var fast = Policy{Attempts: 3, Initial: time.Millisecond, Factor: 2, Max: 10 * time.Millisecond}

func TestDoReturnsLastErrorAfterAllAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return fmt.Errorf("read failed #%d", calls)
	})
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
	if err == nil || err.Error() != "read failed #3" {
		t.Errorf("Expected the last error to be returned, got %v", err)
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
}

func TestDoPermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	cause := errors.New("corrupt record")
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
	if !errors.Is(err, cause) {
		t.Errorf("Expected %v, got %v", cause, err)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, fast, func(context.Context) error {
		calls++
		return errors.New("unreachable")
	})
	if err == nil {
		t.Fatal("Expected an error for a cancelled context")
	}
	if calls != 0 {
		t.Errorf("Expected no attempts, got %d", calls)
	}
}

func TestResourceIDsDelaysIncrease(t *testing.T) {
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	got := ResourceIDs.Delays()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Delays mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Errorf("Delay %d (%v) is not larger than delay %d (%v)", i, got[i], i-1, got[i-1])
		}
	}
}

func TestDelaysAreCapped(t *testing.T) {
	p := Policy{Attempts: 6, Initial: 2 * time.Second, Factor: 2, Max: 10 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	if diff := cmp.Diff(want, p.Delays()); diff != "" {
		t.Errorf("Delays mismatch (-want +got):\n%s", diff)
	}
}
