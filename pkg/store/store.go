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

// Package store provides durable object storage for run metadata and results.
//
// A store is rooted at a results location such as gs://bucket/results,
// az://account/container/results, s3://bucket/results or file:///tmp/results.
// Keys passed to the store are slash separated and relative to that root.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/moby/patternmatcher"
)

// ErrExists is returned by WriteOnce when the object is already present.
var ErrExists = errors.New("object already exists")

// ObjectStore is the durable store shared between the process that runs a
// workload and any process that later inspects or tears it down.
type ObjectStore interface {
	// WriteOnce creates key with data. It fails with ErrExists if key is present.
	WriteOnce(ctx context.Context, key string, data []byte) error
	// ReadIfExists returns the content of key and whether it exists.
	ReadIfExists(ctx context.Context, key string) ([]byte, bool, error)
	// List returns all keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes all keys matching the glob pattern and returns them.
	Delete(ctx context.Context, pattern string) ([]string, error)
	// URL returns the location of key in the store's own URL scheme.
	URL(key string) string
	Close() error
}

// Location is a parsed results location.
type Location struct {
	Scheme string
	// Bucket is the bucket, or "account/container" for Azure, or empty for local paths.
	Bucket string
	Prefix string
}

// ParseLocation parses a results location URL.
func ParseLocation(raw string) (Location, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("failed to parse results location %q: %w", raw, err)
	}
	prefix := strings.Trim(u.Path, "/")
	switch u.Scheme {
	case "gs", "s3":
		if u.Host == "" {
			return Location{}, fmt.Errorf("results location %q has no bucket", raw)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Prefix: prefix}, nil
	case "az":
		parts := strings.SplitN(prefix, "/", 2)
		if u.Host == "" || parts[0] == "" {
			return Location{}, fmt.Errorf("results location %q must look like az://account/container[/prefix]", raw)
		}
		loc := Location{Scheme: u.Scheme, Bucket: u.Host + "/" + parts[0]}
		if len(parts) == 2 {
			loc.Prefix = parts[1]
		}
		return loc, nil
	case "file":
		return Location{Scheme: "file", Prefix: path.Clean("/" + u.Host + u.Path)}, nil
	case "":
		return Location{Scheme: "file", Prefix: path.Clean(u.Path)}, nil
	default:
		return Location{}, fmt.Errorf("unsupported results location scheme %q in %q", u.Scheme, raw)
	}
}

func (l Location) String() string {
	switch l.Scheme {
	case "file":
		return "file://" + l.Prefix
	default:
		if l.Prefix == "" {
			return l.Scheme + "://" + l.Bucket
		}
		return l.Scheme + "://" + l.Bucket + "/" + l.Prefix
	}
}

// Options configures how backends are opened.
type Options struct {
	// Anonymous opens clients without credentials; used for dry runs.
	Anonymous bool
	// Endpoint overrides the service endpoint, mostly for emulators.
	Endpoint string
}

// Open returns the ObjectStore serving the results location raw.
func Open(ctx context.Context, raw string, opts Options) (ObjectStore, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "gs":
		return newGCS(ctx, loc, opts)
	case "az":
		return newAzure(loc, opts)
	case "s3":
		return newS3(ctx, loc, opts)
	default:
		return NewLocal(nil, loc.Prefix), nil
	}
}

func join(prefix, key string) string {
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func relative(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, prefix), "/")
}

// matcher compiles a glob pattern for use by Delete. A pattern matching a
// directory also matches everything below it.
func matcher(pattern string) (*patternmatcher.PatternMatcher, error) {
	pm, err := patternmatcher.New([]string{strings.TrimPrefix(pattern, "/")})
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return pm, nil
}

// listPrefix returns the longest literal prefix of a glob pattern.
func listPrefix(pattern string) string {
	pattern = strings.TrimPrefix(pattern, "/")
	if i := strings.IndexAny(pattern, "*?[\\"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func selectMatching(keys []string, pattern string) ([]string, error) {
	pm, err := matcher(pattern)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		ok, err := pm.MatchesOrParentMatches(k)
		if err != nil {
			return nil, fmt.Errorf("failed to match %q against %q: %w", k, pattern, err)
		}
		if ok {
			out = append(out, k)
		}
	}
	return out, nil
}
