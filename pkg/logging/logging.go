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

// Package logging provides printf-style helpers on top of logrus so that
// workflow code can log without carrying a logger around.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var stepColor = color.New(color.FgYellow)

// Configure sets the log level and output format of the standard logrus logger.
// Colored text output is only used when stderr is a terminal.
func Configure(level string, jsonFormat bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)

	if jsonFormat {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return nil
	}
	tty := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors:      tty,
		DisableColors:    !tty,
		FullTimestamp:    true,
		DisableTimestamp: tty,
	})
	color.NoColor = !tty
	return nil
}

// SetOutput redirects the standard logger, mostly useful for tests.
func SetOutput(w io.Writer) {
	logrus.SetOutput(w)
}

// Debug logs a formatted message at debug level.
func Debug(format string, args ...any) {
	logrus.Debugf(format, args...)
}

// Info logs a formatted message at info level.
func Info(format string, args ...any) {
	logrus.Infof(format, args...)
}

// Warn logs a formatted message at warning level.
func Warn(format string, args ...any) {
	logrus.Warnf(format, args...)
}

// Error logs a formatted message at error level.
func Error(format string, args ...any) {
	logrus.Errorf(format, args...)
}

// Fatal logs a formatted message and exits with status 1.
func Fatal(format string, args ...any) {
	logrus.Fatalf(format, args...)
}

// Step prints a highlighted progress banner such as "[3/5] Initialize cluster"
// and records the same text at info level.
func Step(n, total int, msg string) {
	banner := fmt.Sprintf("[%d/%d] %s", n, total, msg)
	_, _ = stepColor.Fprintln(os.Stderr, banner)
	logrus.WithField("step", n).Debug(msg)
}
