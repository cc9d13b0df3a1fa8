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

package gke

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"hpc-batch/pkg/cluster"
	"hpc-batch/pkg/jobs"
	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/orchestrator"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
)

var (
	volumeSnapshotsGVR        = schema.GroupVersionResource{Group: "snapshot.storage.k8s.io", Version: "v1", Resource: "volumesnapshots"}
	volumeSnapshotContentsGVR = schema.GroupVersionResource{Group: "snapshot.storage.k8s.io", Version: "v1", Resource: "volumesnapshotcontents"}
)

// GKEOrchestrator drives the Kubernetes API of a GKE cluster.
type GKEOrchestrator struct {
	clients   kubernetes.Interface
	dynamic   dynamic.Interface
	namespace string
	fs        afero.Fs
	poll      time.Duration
}

var _ orchestrator.Orchestrator = (*GKEOrchestrator)(nil)

// Option customizes a GKEOrchestrator.
type Option func(*GKEOrchestrator)

// WithNamespace sets the namespace of the run's objects. Defaults to "default".
func WithNamespace(ns string) Option {
	return func(g *GKEOrchestrator) { g.namespace = ns }
}

// WithFs sets the file system that collected logs are written to.
func WithFs(fs afero.Fs) Option {
	return func(g *GKEOrchestrator) { g.fs = fs }
}

// WithPollInterval sets how often waits re-read the watched object.
func WithPollInterval(d time.Duration) Option {
	return func(g *GKEOrchestrator) { g.poll = d }
}

// NewGKEOrchestrator returns an orchestrator using the given typed and dynamic clients.
func NewGKEOrchestrator(clients kubernetes.Interface, dyn dynamic.Interface, opts ...Option) *GKEOrchestrator {
	g := &GKEOrchestrator{
		clients:   clients,
		dynamic:   dyn,
		namespace: metav1.NamespaceDefault,
		fs:        afero.NewOsFs(),
		poll:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Factory returns an orchestrator.Factory building clients from the bound REST config.
func Factory(opts ...Option) orchestrator.Factory {
	return func(bound *cluster.Context) (orchestrator.Orchestrator, error) {
		clients, err := kubernetes.NewForConfig(bound.REST)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes client for %s: %w", bound.Name, err)
		}
		dyn, err := dynamic.NewForConfig(bound.REST)
		if err != nil {
			return nil, fmt.Errorf("failed to create dynamic client for %s: %w", bound.Name, err)
		}
		return NewGKEOrchestrator(clients, dyn, opts...), nil
	}
}

// ListJobs lists the jobs of the namespace matching selector.
func (g *GKEOrchestrator) ListJobs(ctx context.Context, selector string) ([]orchestrator.Job, error) {
	list, err := g.clients.BatchV1().Jobs(g.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs %s: %w", selector, err)
	}
	out := make([]orchestrator.Job, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, orchestrator.Job{Name: list.Items[i].Name, Condition: jobCondition(&list.Items[i])})
	}
	return out, nil
}

// jobCondition returns the terminal condition of job, or "" while it runs.
func jobCondition(job *batchv1.Job) string {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		if c.Type == batchv1.JobComplete || c.Type == batchv1.JobFailed {
			return string(c.Type)
		}
	}
	return ""
}

// ListPods lists the pods of the namespace matching selector.
func (g *GKEOrchestrator) ListPods(ctx context.Context, selector string) ([]orchestrator.Pod, error) {
	list, err := g.clients.CoreV1().Pods(g.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods %s: %w", selector, err)
	}
	out := make([]orchestrator.Pod, 0, len(list.Items))
	for _, p := range list.Items {
		out = append(out, orchestrator.Pod{Name: p.Name, Phase: string(p.Status.Phase)})
	}
	return out, nil
}

// SubmitJobs applies the manifest of every spec.
func (g *GKEOrchestrator) SubmitJobs(ctx context.Context, specs []jobs.JobSpec) ([]string, error) {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		created, err := g.Apply(ctx, spec.Manifest)
		if err != nil {
			return names, fmt.Errorf("failed to submit job %s: %w", spec.Name, err)
		}
		names = append(names, created...)
	}
	logrus.Debugf("Applied %d job manifests", len(names))
	return names, nil
}

// Apply decodes manifest and creates each object in it.
func (g *GKEOrchestrator) Apply(ctx context.Context, manifest string) ([]string, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(strings.NewReader(manifest)))
	decoder := scheme.Codecs.UniversalDeserializer()
	var names []string
	for {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return names, fmt.Errorf("failed to read manifest: %w", err)
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		obj, gvk, err := decoder.Decode(doc, nil, nil)
		if err != nil {
			return names, fmt.Errorf("failed to decode manifest: %w", err)
		}
		name, err := g.create(ctx, obj)
		if apierrors.IsAlreadyExists(err) {
			logrus.Infof("%s %s already exists", gvk.Kind, name)
			err = nil
		}
		if err != nil {
			return names, fmt.Errorf("failed to create %s %s: %w", gvk.Kind, name, err)
		}
		logrus.Debugf("Created %s %s", gvk.Kind, name)
		names = append(names, name)
	}
	return names, nil
}

func (g *GKEOrchestrator) create(ctx context.Context, obj runtime.Object) (string, error) {
	opts := metav1.CreateOptions{}
	var err error
	switch o := obj.(type) {
	case *batchv1.Job:
		_, err = g.clients.BatchV1().Jobs(g.namespace).Create(ctx, o, opts)
		return o.Name, err
	case *corev1.PersistentVolumeClaim:
		_, err = g.clients.CoreV1().PersistentVolumeClaims(g.namespace).Create(ctx, o, opts)
		return o.Name, err
	case *corev1.ServiceAccount:
		_, err = g.clients.CoreV1().ServiceAccounts(g.namespace).Create(ctx, o, opts)
		return o.Name, err
	case *rbacv1.Role:
		_, err = g.clients.RbacV1().Roles(g.namespace).Create(ctx, o, opts)
		return o.Name, err
	case *rbacv1.RoleBinding:
		_, err = g.clients.RbacV1().RoleBindings(g.namespace).Create(ctx, o, opts)
		return o.Name, err
	default:
		return "", fmt.Errorf("unsupported object %T", obj)
	}
}

// DeleteAll deletes the jobs, their pods and the volume claims of the namespace.
func (g *GKEOrchestrator) DeleteAll(ctx context.Context) ([]string, error) {
	policy := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &policy}
	var deleted []string
	var errs []error

	jobList, err := g.clients.BatchV1().Jobs(g.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list jobs: %w", err))
	} else {
		for _, j := range jobList.Items {
			if err := g.clients.BatchV1().Jobs(g.namespace).Delete(ctx, j.Name, opts); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("failed to delete job %s: %w", j.Name, err))
				continue
			}
			deleted = append(deleted, "job/"+j.Name)
		}
	}

	claims, err := g.clients.CoreV1().PersistentVolumeClaims(g.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list volume claims: %w", err))
	} else {
		for _, c := range claims.Items {
			if err := g.clients.CoreV1().PersistentVolumeClaims(g.namespace).Delete(ctx, c.Name, opts); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("failed to delete volume claim %s: %w", c.Name, err))
				continue
			}
			deleted = append(deleted, "pvc/"+c.Name)
		}
	}
	return deleted, errors.Join(errs...)
}

// PersistentDisks returns the GCE disk names behind the bound persistent volumes.
func (g *GKEOrchestrator) PersistentDisks(ctx context.Context) ([]string, error) {
	list, err := g.clients.CoreV1().PersistentVolumes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list persistent volumes: %w", err)
	}
	var ids []string
	for _, pv := range list.Items {
		switch {
		case pv.Spec.CSI != nil:
			ids = append(ids, path.Base(pv.Spec.CSI.VolumeHandle))
		case pv.Spec.GCEPersistentDisk != nil:
			ids = append(ids, pv.Spec.GCEPersistentDisk.PDName)
		}
	}
	return ids, nil
}

// VolumeSnapshots returns the snapshot handles of the volume snapshot contents.
func (g *GKEOrchestrator) VolumeSnapshots(ctx context.Context) ([]string, error) {
	list, err := g.dynamic.Resource(volumeSnapshotContentsGVR).List(ctx, metav1.ListOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list volume snapshot contents: %w", err)
	}
	var ids []string
	for _, item := range list.Items {
		handle, found, err := unstructured.NestedString(item.Object, "status", "snapshotHandle")
		if err != nil || !found || handle == "" {
			continue
		}
		ids = append(ids, path.Base(handle))
	}
	return ids, nil
}

// DeleteVolumeSnapshots deletes every volume snapshot of the namespace.
func (g *GKEOrchestrator) DeleteVolumeSnapshots(ctx context.Context) error {
	res := g.dynamic.Resource(volumeSnapshotsGVR).Namespace(g.namespace)
	list, err := res.List(ctx, metav1.ListOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list volume snapshots: %w", err)
	}
	var errs []error
	for _, item := range list.Items {
		if err := res.Delete(ctx, item.GetName(), metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("failed to delete volume snapshot %s: %w", item.GetName(), err))
		}
	}
	return errors.Join(errs...)
}

// WaitForClaimBound polls the claim until it is bound.
func (g *GKEOrchestrator) WaitForClaimBound(ctx context.Context, claim string, timeout time.Duration) error {
	logrus.Infof("Waiting up to %s for volume claim %s to be bound", timeout, claim)
	err := wait.PollUntilContextTimeout(ctx, g.poll, timeout, true, func(ctx context.Context) (bool, error) {
		pvc, err := g.clients.CoreV1().PersistentVolumeClaims(g.namespace).Get(ctx, claim, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return pvc.Status.Phase == corev1.ClaimBound, nil
	})
	if err != nil {
		return fmt.Errorf("volume claim %s was not bound: %w", claim, err)
	}
	return nil
}

// WaitForJob polls the job until it completes or fails.
func (g *GKEOrchestrator) WaitForJob(ctx context.Context, name string, timeout time.Duration) error {
	logrus.Infof("Waiting up to %s for job %s to complete", timeout, name)
	err := wait.PollUntilContextTimeout(ctx, g.poll, timeout, true, func(ctx context.Context) (bool, error) {
		job, err := g.clients.BatchV1().Jobs(g.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		switch jobCondition(job) {
		case orchestrator.ConditionComplete:
			return true, nil
		case orchestrator.ConditionFailed:
			return false, fmt.Errorf("job %s failed", name)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("job %s did not complete: %w", name, err)
	}
	return nil
}

// LabelNodes sets the ordinal label of each node in list order.
func (g *GKEOrchestrator) LabelNodes(ctx context.Context) (int, error) {
	list, err := g.clients.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list nodes: %w", err)
	}
	names := make([]string, 0, len(list.Items))
	for _, n := range list.Items {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	for i, name := range names {
		patch := fmt.Sprintf(`{"metadata":{"labels":{%q:%q}}}`, jobs.NodeOrdinalLabel, strconv.Itoa(i))
		if _, err := g.clients.CoreV1().Nodes().Patch(ctx, name, types.MergePatchType, []byte(patch), metav1.PatchOptions{}); err != nil {
			return i, fmt.Errorf("failed to label node %s: %w", name, err)
		}
		logrus.Debugf("Labeled node %s with %s=%d", name, jobs.NodeOrdinalLabel, i)
	}
	return len(names), nil
}

// CheckServer asks the API server for its version.
func (g *GKEOrchestrator) CheckServer(ctx context.Context) error {
	v, err := g.clients.Discovery().ServerVersion()
	if err != nil {
		return fmt.Errorf("kubernetes API server is not reachable: %w", err)
	}
	logrus.Debugf("Kubernetes server version %s", v.GitVersion)
	return nil
}

// CollectLogs writes the log of every container of every pod to dir.
func (g *GKEOrchestrator) CollectLogs(ctx context.Context, dir string) error {
	pods, err := g.clients.CoreV1().Pods(g.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}
	if err := g.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	var errs []error
	for _, pod := range pods.Items {
		for _, c := range pod.Spec.Containers {
			if err := g.saveLog(ctx, dir, pod.Name, c.Name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	logging.Info("Collected logs of %d pods into %s", len(pods.Items), dir)
	return errors.Join(errs...)
}

func (g *GKEOrchestrator) saveLog(ctx context.Context, dir, pod, container string) error {
	stream, err := g.clients.CoreV1().Pods(g.namespace).GetLogs(pod, &corev1.PodLogOptions{Container: container}).Stream(ctx)
	if err != nil {
		return fmt.Errorf("failed to get logs of %s/%s: %w", pod, container, err)
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("failed to read logs of %s/%s: %w", pod, container, err)
	}
	file := filepath.Join(dir, fmt.Sprintf("%s-%s.log", pod, container))
	if err := afero.WriteFile(g.fs, file, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	return nil
}
