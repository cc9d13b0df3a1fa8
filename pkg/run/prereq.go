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
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/runerr"
	"hpc-batch/pkg/shell"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/oauth2/google"
)

const authPluginURL = "https://cloud.google.com/blog/products/containers-kubernetes/kubectl-auth-changes-in-gke"

const toolTimeout = 30 * time.Second

// authPluginSince is the first kubectl minor that needs the GKE auth plugin.
var authPluginSince = semver.MustParse("1.25")

// Prerequisites checks the external tools and credentials a run depends on.
type Prerequisites struct {
	// NeedKubectl is set when a kubeconfig is exported for use with kubectl.
	NeedKubectl bool

	exec        func(name string, args ...string) shell.Result
	lookPath    func(file string) (string, error)
	credentials func(ctx context.Context) error
}

// NewPrerequisites returns checks that run the real tools.
func NewPrerequisites(needKubectl bool) *Prerequisites {
	return &Prerequisites{
		NeedKubectl: needKubectl,
		exec: func(name string, args ...string) shell.Result {
			c := shell.NewCommand(name, args...)
			c.SetTimeout(toolTimeout)
			return c.Execute()
		},
		lookPath:    exec.LookPath,
		credentials: func(ctx context.Context) error {
			_, err := google.FindDefaultCredentials(ctx)
			return err
		},
	}
}

// Check fails with a dependency error naming the first missing prerequisite.
func (p *Prerequisites) Check(ctx context.Context) error {
	if err := p.credentials(ctx); err != nil {
		return runerr.Wrap(runerr.KindDependency, err,
			"application default credentials are not available, run 'gcloud auth application-default login'")
	}
	if !p.NeedKubectl {
		return nil
	}

	res := p.exec("kubectl", "version", "--output=json", "--client=true")
	if res.ExitCode != 0 {
		return runerr.New(runerr.KindDependency,
			"required prerequisite 'kubectl' doesn't work, check the Kubernetes installation: %s", strings.TrimSpace(res.Stderr))
	}
	v, err := kubectlVersion(res.Stdout)
	if err != nil {
		logging.Debug("Cannot parse kubectl version, assuming a recent one: %v", err)
	}
	if err != nil || !v.LessThan(authPluginSince) {
		if _, err := p.lookPath("gke-gcloud-auth-plugin"); err != nil {
			return runerr.New(runerr.KindDependency,
				"missing dependency 'gke-gcloud-auth-plugin', for more information see %s", authPluginURL)
		}
	}
	return nil
}

// kubectlVersion reads the client version from 'kubectl version --output=json'.
func kubectlVersion(out string) (*semver.Version, error) {
	var data struct {
		ClientVersion struct {
			Major string `json:"major"`
			Minor string `json:"minor"`
		} `json:"clientVersion"`
	}
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		return nil, err
	}
	// Minor may carry a suffix such as "27+".
	minor := strings.TrimRight(data.ClientVersion.Minor, "+")
	return semver.NewVersion(data.ClientVersion.Major + "." + minor)
}
