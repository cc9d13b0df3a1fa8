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

// Package image checks that the container image of the search jobs can be
// pulled before any billable resource is created.
package image

import (
	"context"
	"fmt"
	"strings"

	"hpc-batch/pkg/runerr"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/sirupsen/logrus"
)

// DockerPlatform represents the target platform of an image.
type DockerPlatform string

const (
	LinuxAMD64 DockerPlatform = "linux/amd64"
	LinuxARM64 DockerPlatform = "linux/arm64"
)

// Reference is a parsed image reference.
type Reference struct {
	ref name.Reference
}

// Parse validates ref and returns it in its parsed form.
func Parse(ref string) (Reference, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return Reference{}, runerr.Wrap(runerr.KindInput, err, "invalid image reference %q", ref)
	}
	return Reference{ref: r}, nil
}

// Registry returns the host serving the image, e.g. "us-docker.pkg.dev".
func (r Reference) Registry() string {
	return r.ref.Context().RegistryStr()
}

// Repository returns the repository of the image without registry or tag.
func (r Reference) Repository() string {
	return r.ref.Context().RepositoryStr()
}

func (r Reference) String() string {
	return r.ref.String()
}

// Verifier resolves image references against their registry.
type Verifier struct {
	platform v1.Platform
	options  []crane.Option
}

// NewVerifier returns a Verifier resolving images for platformStr, e.g. "linux/amd64".
func NewVerifier(platformStr string, opts ...crane.Option) (*Verifier, error) {
	platform, err := parsePlatform(platformStr)
	if err != nil {
		return nil, err
	}
	return &Verifier{platform: platform, options: opts}, nil
}

// Verify resolves ref and returns its digest. An image that cannot be
// resolved is an input error: the job manifests would never start.
func (v *Verifier) Verify(ctx context.Context, ref string) (string, error) {
	parsed, err := Parse(ref)
	if err != nil {
		return "", err
	}
	logrus.Infof("Verifying container image %s for %s/%s", parsed, v.platform.OS, v.platform.Architecture)

	opts := append([]crane.Option{crane.WithContext(ctx), crane.WithPlatform(&v.platform)}, v.options...)
	digest, err := crane.Digest(parsed.String(), opts...)
	if err != nil {
		return "", runerr.Wrap(runerr.KindInput, err, "container image %s is not accessible", ref)
	}
	logrus.Debugf("Image %s resolved to %s", ref, digest)
	return digest, nil
}

// parsePlatform converts a platform string (e.g., "linux/amd64") into a v1.Platform struct.
func parsePlatform(platformStr string) (v1.Platform, error) {
	parts := strings.Split(platformStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return v1.Platform{}, fmt.Errorf("invalid platform format: %q, expected \"os/arch\"", platformStr)
	}
	return v1.Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}, nil
}
