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

// Package gke implements the cluster control plane and resource inventory on
// Google Kubernetes Engine and Compute Engine.
package gke

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/runerr"

	"cloud.google.com/go/iam"
	"cloud.google.com/go/storage"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/container/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

const (
	defaultNodePool = "default-pool"
	authPlugin      = "gke-gcloud-auth-plugin"

	roleObjectAdmin    = iam.RoleName("roles/storage.objectAdmin")
	roleRegistryReader = "roles/artifactregistry.reader"
)

// Options configure the GKE adapters.
type Options struct {
	Project string
	Region  string
	Zone    string
	// DiskType selects the quota consulted by DiskQuota.
	DiskType string
	// Kubeconfig, when set, receives a context for every bound cluster.
	Kubeconfig string
	// OperationPoll is the interval between checks of a long running operation.
	OperationPoll time.Duration
	// ClientOptions are passed to every Google API client, e.g. an endpoint in tests.
	ClientOptions []option.ClientOption
}

// ControlPlane manages zonal GKE clusters.
type ControlPlane struct {
	opts        Options
	containers  *container.Service
	projects    *cloudresourcemanager.Service
	storage     *storage.Client
	tokenSource oauth2.TokenSource
}

var _ cluster.ControlPlane = (*ControlPlane)(nil)

// NewControlPlane creates the API clients. Credentials come from the
// application default credentials unless opts.ClientOptions say otherwise.
func NewControlPlane(ctx context.Context, opts Options) (*ControlPlane, error) {
	if opts.OperationPoll == 0 {
		opts.OperationPoll = 15 * time.Second
	}
	containers, err := container.NewService(ctx, opts.ClientOptions...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create container client")
	}
	projects, err := cloudresourcemanager.NewService(ctx, opts.ClientOptions...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create resource manager client")
	}
	gcs, err := storage.NewClient(ctx, opts.ClientOptions...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create storage client")
	}
	return &ControlPlane{opts: opts, containers: containers, projects: projects, storage: gcs}, nil
}

// Close releases the storage client.
func (g *ControlPlane) Close() error {
	return g.storage.Close()
}

func (g *ControlPlane) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", g.opts.Project, g.opts.Zone)
}

func (g *ControlPlane) clusterPath(name string) string {
	return g.parent() + "/clusters/" + name
}

// Create issues the create call and waits for the operation.
func (g *ControlPlane) Create(ctx context.Context, spec cluster.Spec, timeout time.Duration) error {
	node := &container.NodeConfig{
		MachineType: spec.MachineType,
		Preemptible: spec.Preemptible,
		Labels:      spec.Labels,
		OauthScopes: []string{container.CloudPlatformScope},
	}
	if spec.UseLocalSSD {
		node.LocalSsdCount = 1
	}
	req := &container.CreateClusterRequest{
		Parent: g.parent(),
		Cluster: &container.Cluster{
			Name:             spec.Name,
			InitialNodeCount: int64(spec.NumNodes),
			NodeConfig:       node,
			ResourceLabels:   spec.Labels,
			AddonsConfig: &container.AddonsConfig{
				GcePersistentDiskCsiDriverConfig: &container.GcePersistentDiskCsiDriverConfig{Enabled: true},
			},
		},
	}

	logrus.Infof("Creating cluster %s in %s with %d %s nodes", spec.Name, g.opts.Zone, spec.NumNodes, spec.MachineType)
	op, err := g.containers.Projects.Locations.Clusters.Create(g.parent(), req).Context(ctx).Do()
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create cluster %s", spec.Name)
	}
	if err := g.waitOperation(ctx, op, timeout); err != nil {
		if wait.Interrupted(err) {
			return runerr.Wrap(runerr.KindToolInvocation, err, "cluster %s was not created within %s", spec.Name, timeout)
		}
		return pkgerrors.Wrapf(err, "failed to create cluster %s", spec.Name)
	}
	return nil
}

func (g *ControlPlane) waitOperation(ctx context.Context, op *container.Operation, timeout time.Duration) error {
	name := g.parent() + "/operations/" + op.Name
	return wait.PollUntilContextTimeout(ctx, g.opts.OperationPoll, timeout, true, func(ctx context.Context) (bool, error) {
		cur, err := g.containers.Projects.Locations.Operations.Get(name).Context(ctx).Do()
		if err != nil {
			return false, err
		}
		if cur.Status != "DONE" {
			logrus.Debugf("Operation %s is %s", op.Name, cur.Status)
			return false, nil
		}
		if cur.Error != nil && cur.Error.Message != "" {
			return false, errors.New(cur.Error.Message)
		}
		return true, nil
	})
}

// Describe returns the mapped status of the cluster.
func (g *ControlPlane) Describe(ctx context.Context, name string) (cluster.ProvisioningState, bool, error) {
	c, err := g.containers.Projects.Locations.Clusters.Get(g.clusterPath(name)).Context(ctx).Do()
	if isNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerrors.Wrapf(err, "failed to describe cluster %s", name)
	}
	return mapStatus(c.Status), true, nil
}

// mapStatus translates GKE cluster statuses. Values GKE adds later pass
// through unchanged.
func mapStatus(status string) cluster.ProvisioningState {
	switch status {
	case "PROVISIONING":
		return cluster.StateCreating
	case "RECONCILING":
		return cluster.StateUpdating
	case "RUNNING":
		return cluster.StateSucceeded
	case "STOPPING":
		return cluster.StateDeleting
	case "ERROR":
		return cluster.StateFailed
	default:
		return cluster.ProvisioningState(status)
	}
}

// Delete issues the delete call without waiting for it.
func (g *ControlPlane) Delete(ctx context.Context, name string) error {
	op, err := g.containers.Projects.Locations.Clusters.Delete(g.clusterPath(name)).Context(ctx).Do()
	if isNotFound(err) {
		logrus.Debugf("Cluster %s is already gone", name)
		return nil
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to delete cluster %s", name)
	}
	logrus.Infof("Deletion of cluster %s started (operation %s)", name, op.Name)
	return nil
}

// BindCredentials builds a client configuration for the cluster API server
// and optionally records it in the kubeconfig file.
func (g *ControlPlane) BindCredentials(ctx context.Context, name string) (*cluster.Context, error) {
	c, err := g.containers.Projects.Locations.Clusters.Get(g.clusterPath(name)).Context(ctx).Do()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get credentials of cluster %s", name)
	}
	if c.Endpoint == "" || c.MasterAuth == nil {
		return nil, fmt.Errorf("cluster %s has no endpoint yet", name)
	}
	ca, err := base64.StdEncoding.DecodeString(c.MasterAuth.ClusterCaCertificate)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to decode CA certificate of cluster %s", name)
	}

	ts, err := g.tokens(ctx)
	if err != nil {
		return nil, err
	}
	restCfg := &rest.Config{
		Host:            "https://" + c.Endpoint,
		TLSClientConfig: rest.TLSClientConfig{CAData: ca},
		WrapTransport: func(rt http.RoundTripper) http.RoundTripper {
			return &oauth2.Transport{Source: ts, Base: rt}
		},
	}

	bound := &cluster.Context{Name: name, REST: restCfg}
	if g.opts.Kubeconfig != "" {
		bound.KubeContext = contextName(g.opts.Project, g.opts.Zone, name)
		if err := exportKubeconfig(g.opts.Kubeconfig, bound.KubeContext, restCfg.Host, ca); err != nil {
			return nil, err
		}
		logrus.Infof("Kubeconfig context %s written to %s", bound.KubeContext, g.opts.Kubeconfig)
	}
	return bound, nil
}

func (g *ControlPlane) tokens(ctx context.Context) (oauth2.TokenSource, error) {
	if g.tokenSource != nil {
		return g.tokenSource, nil
	}
	creds, err := google.FindDefaultCredentials(ctx, container.CloudPlatformScope)
	if err != nil {
		return nil, runerr.Wrap(runerr.KindDependency, err, "application default credentials are not available")
	}
	g.tokenSource = creds.TokenSource
	return g.tokenSource, nil
}

// contextName follows the naming gcloud uses for GKE contexts.
func contextName(project, location, name string) string {
	return fmt.Sprintf("gke_%s_%s_%s", project, location, name)
}

func exportKubeconfig(path, name, server string, ca []byte) error {
	cfg, err := clientcmd.LoadFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = clientcmdapi.NewConfig()
	} else if err != nil {
		return pkgerrors.Wrapf(err, "failed to load kubeconfig %s", path)
	}

	cfg.Clusters[name] = &clientcmdapi.Cluster{Server: server, CertificateAuthorityData: ca}
	cfg.AuthInfos[name] = &clientcmdapi.AuthInfo{
		Exec: &clientcmdapi.ExecConfig{
			APIVersion:         "client.authentication.k8s.io/v1beta1",
			Command:            authPlugin,
			InstallHint:        "Install " + authPlugin + " for use with kubectl",
			ProvideClusterInfo: true,
			InteractiveMode:    clientcmdapi.IfAvailableExecInteractiveMode,
		},
	}
	cfg.Contexts[name] = &clientcmdapi.Context{Cluster: name, AuthInfo: name}
	cfg.CurrentContext = name

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create kubeconfig directory: %w", err)
	}
	if err := clientcmd.WriteToFile(*cfg, path); err != nil {
		return pkgerrors.Wrapf(err, "failed to write kubeconfig %s", path)
	}
	return nil
}

// GrantAccess lets the nodes' service account write results and pull images.
func (g *ControlPlane) GrantAccess(ctx context.Context, name string, grant cluster.AccessGrant) error {
	c, err := g.containers.Projects.Locations.Clusters.Get(g.clusterPath(name)).Context(ctx).Do()
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to get cluster %s", name)
	}
	sa := ""
	if c.NodeConfig != nil {
		sa = c.NodeConfig.ServiceAccount
	}
	if sa == "" || sa == "default" {
		if sa, err = g.defaultServiceAccount(ctx); err != nil {
			return err
		}
	}
	member := "serviceAccount:" + sa

	if grant.ResultsBucket != "" {
		h := g.storage.Bucket(grant.ResultsBucket).IAM()
		policy, err := h.Policy(ctx)
		if err != nil {
			return pkgerrors.Wrapf(err, "failed to read IAM policy of bucket %s", grant.ResultsBucket)
		}
		if !policy.HasRole(member, roleObjectAdmin) {
			policy.Add(member, roleObjectAdmin)
			if err := h.SetPolicy(ctx, policy); err != nil {
				return pkgerrors.Wrapf(err, "failed to grant %s on bucket %s", roleObjectAdmin, grant.ResultsBucket)
			}
		}
		logrus.Infof("Granted %s on gs://%s to %s", roleObjectAdmin, grant.ResultsBucket, sa)
	}

	if grant.ImageRegistry != "" && isGoogleRegistry(grant.ImageRegistry) {
		if err := g.addProjectBinding(ctx, member, roleRegistryReader); err != nil {
			return err
		}
		logrus.Infof("Granted %s on project %s to %s", roleRegistryReader, g.opts.Project, sa)
	}
	return nil
}

func (g *ControlPlane) defaultServiceAccount(ctx context.Context) (string, error) {
	p, err := g.projects.Projects.Get(g.opts.Project).Context(ctx).Do()
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get project %s", g.opts.Project)
	}
	return fmt.Sprintf("%d-compute@developer.gserviceaccount.com", p.ProjectNumber), nil
}

func (g *ControlPlane) addProjectBinding(ctx context.Context, member, role string) error {
	policy, err := g.projects.Projects.GetIamPolicy(g.opts.Project, &cloudresourcemanager.GetIamPolicyRequest{}).Context(ctx).Do()
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read IAM policy of project %s", g.opts.Project)
	}
	if !addBinding(policy, member, role) {
		return nil
	}
	_, err = g.projects.Projects.SetIamPolicy(g.opts.Project, &cloudresourcemanager.SetIamPolicyRequest{Policy: policy}).Context(ctx).Do()
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to grant %s on project %s", role, g.opts.Project)
	}
	return nil
}

// addBinding adds member to role in policy and reports whether policy changed.
func addBinding(policy *cloudresourcemanager.Policy, member, role string) bool {
	for _, b := range policy.Bindings {
		if b.Role != role {
			continue
		}
		if slices.Contains(b.Members, member) {
			return false
		}
		b.Members = append(b.Members, member)
		return true
	}
	policy.Bindings = append(policy.Bindings, &cloudresourcemanager.Binding{Role: role, Members: []string{member}})
	return true
}

func isGoogleRegistry(host string) bool {
	return host == "gcr.io" || strings.HasSuffix(host, ".gcr.io") || strings.HasSuffix(host, "-docker.pkg.dev")
}

// EnableAutoscaling turns on autoscaling of the default node pool.
func (g *ControlPlane) EnableAutoscaling(ctx context.Context, name string, minNodes, maxNodes int) error {
	pool := g.clusterPath(name) + "/nodePools/" + defaultNodePool
	req := &container.SetNodePoolAutoscalingRequest{
		Autoscaling: &container.NodePoolAutoscaling{
			Enabled:      true,
			MinNodeCount: int64(minNodes),
			MaxNodeCount: int64(maxNodes),
		},
	}
	if _, err := g.containers.Projects.Locations.Clusters.NodePools.SetAutoscaling(pool, req).Context(ctx).Do(); err != nil {
		return pkgerrors.Wrapf(err, "failed to enable autoscaling on cluster %s", name)
	}
	logrus.Infof("Autoscaling enabled on cluster %s (%d-%d nodes)", name, minNodes, maxNodes)
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
