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

// Package runerr defines the user-facing error taxonomy of a run and the
// process exit codes that go with it.
package runerr

import (
	"errors"
	"fmt"
)

// Kind classifies a user-facing error.
type Kind int

const (
	// KindInput is a bad configuration (batch length, quota overrun, unknown cluster).
	// Never retried; the message carries the remediation.
	KindInput Kind = iota + 1
	// KindTransientCluster means the cluster exists but is not ready; poll again later.
	KindTransientCluster
	// KindToolInvocation wraps a failed adapter call.
	KindToolInvocation
	// KindDependency means a required external tool or credential is missing.
	KindDependency
	// KindTemplate is a job template that cannot be fully rendered.
	KindTemplate
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input error"
	case KindTransientCluster:
		return "cluster error"
	case KindToolInvocation:
		return "tool invocation error"
	case KindDependency:
		return "dependency error"
	case KindTemplate:
		return "template error"
	default:
		return "unknown error"
	}
}

// Exit codes returned by the CLI.
const (
	ExitOK              = 0
	ExitInputError      = 1
	ExitClusterError    = 3
	ExitTemplateError   = 4
	ExitDependencyError = 5
	ExitUnknownError    = 6
)

// Error is an error that is reported verbatim to the user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Input is shorthand for New(KindInput, ...).
func Input(format string, args ...any) *Error {
	return New(KindInput, format, args...)
}

// Is reports whether err, or any error it wraps, is an Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return ExitUnknownError
	}
	switch e.Kind {
	case KindInput:
		return ExitInputError
	case KindTransientCluster, KindToolInvocation:
		return ExitClusterError
	case KindTemplate:
		return ExitTemplateError
	case KindDependency:
		return ExitDependencyError
	default:
		return ExitUnknownError
	}
}
