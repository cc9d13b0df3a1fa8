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

// Package cleanup keeps an ordered ledger of compensating actions registered
// while a run acquires resources, and drains it in reverse order on exit.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

// Kind identifies what a compensating action does.
type Kind int

const (
	// LogMarker only records a progress marker in the log.
	LogMarker Kind = iota
	// DeleteCluster tears the cluster and its resources down.
	DeleteCluster
	// CollectLogs saves the orchestration layer's logs for later inspection.
	CollectLogs
	// RemoveAncillaryData deletes intermediate data from the result store.
	RemoveAncillaryData
)

func (k Kind) String() string {
	switch k {
	case LogMarker:
		return "log-marker"
	case DeleteCluster:
		return "delete-cluster"
	case CollectLogs:
		return "collect-logs"
	case RemoveAncillaryData:
		return "remove-ancillary-data"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is a single compensating action. Actions carry no closures; the
// Executor decides how each kind is carried out.
type Action struct {
	Kind    Kind
	Message string
}

func (a Action) String() string {
	if a.Message == "" {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s(%q)", a.Kind, a.Message)
}

// Marker returns a LogMarker action.
func Marker(msg string) Action {
	return Action{Kind: LogMarker, Message: msg}
}

// Executor carries out a single action.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, a Action) error

// Execute calls f(ctx, a).
func (f ExecutorFunc) Execute(ctx context.Context, a Action) error {
	return f(ctx, a)
}

// Stack is an append-only list of actions that is drained exactly once.
// It is not safe for concurrent use.
type Stack struct {
	actions []Action
	drained bool
}

// Push registers an action to be run on drain.
func (s *Stack) Push(a Action) {
	s.actions = append(s.actions, a)
}

// Replace discards every registered action and registers the given ones instead.
func (s *Stack) Replace(actions ...Action) {
	s.actions = append([]Action(nil), actions...)
}

// Len returns the number of pending actions.
func (s *Stack) Len() int {
	return len(s.actions)
}

// Actions returns a copy of the pending actions in registration order.
func (s *Stack) Actions() []Action {
	return slices.Clone(s.actions)
}

// Drain executes all pending actions from the most recently registered to
// the first one. A failing action does not stop the remaining ones; all
// failures are joined into the returned error. Later calls do nothing.
func (s *Stack) Drain(ctx context.Context, exec Executor) error {
	if s.drained {
		return nil
	}
	s.drained = true

	var errs []error
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		logrus.Debugf("Running cleanup action %s", a)
		if err := runOne(ctx, exec, a); err != nil {
			logrus.Warnf("Cleanup action %s failed: %v", a, err)
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
		}
	}
	s.actions = nil
	return errors.Join(errs...)
}

func runOne(ctx context.Context, exec Executor, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return exec.Execute(ctx, a)
}
