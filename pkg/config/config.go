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

// Package config loads and validates the configuration of a batch run.
package config

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hpc-batch/pkg/runerr"
	"hpc-batch/pkg/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// EnvPrefix is the prefix of environment variables overriding configuration keys,
// e.g. HPCB_CLUSTER_NAME for cluster.name.
const EnvPrefix = "HPCB"

// Files kept under <results>/<job-id>/metadata/.
const (
	MetadataDir         = "metadata"
	NumJobsSubmitted    = "num_jobs_submitted.txt"
	DiskIDFile          = "disk-id.txt"
	QueryLengthFile     = "query_length.txt"
	JobTemplateFile     = "job.yaml.template"
	SuccessMarker       = "SUCCESS.txt"
	FailureMarker       = "FAILURE.txt"
	QueryBatchesDir     = "query_batches"
	DefaultJobLimit     = 5000
	DefaultPollInterval = 30 * time.Second
)

// DefaultCleanupTimeout bounds cleanup, which outlives the run's context.
const DefaultCleanupTimeout = 30 * time.Minute

// Config is the immutable configuration of one run.
type Config struct {
	// JobID identifies the run. Generated when empty.
	JobID   string `mapstructure:"job-id" yaml:"job-id"`
	Results string `mapstructure:"results" yaml:"results" validate:"required"`
	DryRun  bool   `mapstructure:"dry-run" yaml:"dry-run"`
	Version string `mapstructure:"-" yaml:"-"`

	Cloud    CloudConfig    `mapstructure:"cloud" yaml:"cloud"`
	Cluster  ClusterConfig  `mapstructure:"cluster" yaml:"cluster"`
	Blast    BlastConfig    `mapstructure:"blast" yaml:"blast"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`

	// JobLimit is the largest number of jobs submitted to one cluster.
	JobLimit int `mapstructure:"job-limit" yaml:"job-limit" validate:"min=1"`
	// CloudJobSubmission delegates job submission to a job running inside the cluster.
	CloudJobSubmission bool `mapstructure:"cloud-job-submission" yaml:"cloud-job-submission"`
	// AutoShutdown lets an in-cluster janitor delete the cluster when the run ends.
	AutoShutdown bool `mapstructure:"auto-shutdown" yaml:"auto-shutdown"`
	// CloudQuerySplit splits blast.queries into batches with a job inside the cluster.
	CloudQuerySplit bool `mapstructure:"cloud-query-split" yaml:"cloud-query-split"`
	// RemoveAncillaryData deletes split query batches when the cluster is torn down.
	RemoveAncillaryData bool   `mapstructure:"remove-ancillary-data" yaml:"remove-ancillary-data"`
	ExportKubeconfig    bool   `mapstructure:"export-kubeconfig" yaml:"export-kubeconfig"`
	LogsDir             string `mapstructure:"logs-dir" yaml:"logs-dir"`
	UsageReport         bool   `mapstructure:"usage-report" yaml:"usage-report"`
	VerifyImage         bool   `mapstructure:"verify-image" yaml:"verify-image"`
	StoreEndpoint       string `mapstructure:"store-endpoint" yaml:"store-endpoint,omitempty"`
}

// CloudConfig locates the cloud project.
type CloudConfig struct {
	Project string `mapstructure:"project" yaml:"project" validate:"required"`
	Region  string `mapstructure:"region" yaml:"region" validate:"required"`
	Zone    string `mapstructure:"zone" yaml:"zone" validate:"required"`
}

// ClusterConfig describes the cluster to create or reuse.
type ClusterConfig struct {
	Name        string            `mapstructure:"name" yaml:"name" validate:"required,max=40"`
	MachineType string            `mapstructure:"machine-type" yaml:"machine-type" validate:"required"`
	NumNodes    int               `mapstructure:"num-nodes" yaml:"num-nodes" validate:"min=1"`
	NumCPUs     int               `mapstructure:"num-cpus" yaml:"num-cpus" validate:"min=0"`
	PDSize      string            `mapstructure:"pd-size" yaml:"pd-size" validate:"required"`
	DiskType    string            `mapstructure:"disk-type" yaml:"disk-type" validate:"oneof=pd-standard pd-balanced pd-ssd"`
	UseLocalSSD bool              `mapstructure:"use-local-ssd" yaml:"use-local-ssd"`
	Reuse       bool              `mapstructure:"reuse" yaml:"reuse"`
	Preemptible bool              `mapstructure:"preemptible" yaml:"preemptible"`
	Labels      map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
}

// BlastConfig describes the search that every job runs.
type BlastConfig struct {
	Program    string `mapstructure:"program" yaml:"program" validate:"oneof=blastp blastn blastx tblastn tblastx psiblast rpsblast rpstblastn"`
	DB         string `mapstructure:"db" yaml:"db" validate:"required"`
	Options    string `mapstructure:"options" yaml:"options"`
	Queries    string `mapstructure:"queries" yaml:"queries"`
	BatchLen   int    `mapstructure:"batch-len" yaml:"batch-len" validate:"min=1"`
	MemRequest string `mapstructure:"mem-request" yaml:"mem-request" validate:"required"`
	MemLimit   string `mapstructure:"mem-limit" yaml:"mem-limit" validate:"required"`
	Image      string `mapstructure:"image" yaml:"image" validate:"required"`
	TimeFormat string `mapstructure:"time-format" yaml:"time-format"`
	// JobTimeout bounds each search job.
	JobTimeout time.Duration `mapstructure:"job-timeout" yaml:"job-timeout"`
}

// TimeoutsConfig bounds the long running steps of a run.
type TimeoutsConfig struct {
	ClusterCreate time.Duration `mapstructure:"cluster-create" yaml:"cluster-create"`
	InitStorage   time.Duration `mapstructure:"init-storage" yaml:"init-storage"`
	ClaimBound    time.Duration `mapstructure:"claim-bound" yaml:"claim-bound"`
	Call          time.Duration `mapstructure:"call" yaml:"call"`
	TeardownPoll  time.Duration `mapstructure:"teardown-poll-interval" yaml:"teardown-poll-interval"`
	StatusPoll    time.Duration `mapstructure:"status-poll-interval" yaml:"status-poll-interval"`
	// Cleanup bounds the cleanup actions run after a failed or interrupted run.
	Cleanup time.Duration `mapstructure:"cleanup" yaml:"cleanup"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("job-id", "")
	v.SetDefault("results", "")
	v.SetDefault("dry-run", false)
	v.SetDefault("cloud.project", "")
	v.SetDefault("cloud.region", "us-east4")
	v.SetDefault("cloud.zone", "us-east4-b")
	v.SetDefault("cluster.name", "")
	v.SetDefault("cluster.machine-type", "n1-highmem-32")
	v.SetDefault("cluster.num-nodes", 1)
	v.SetDefault("cluster.num-cpus", 0)
	v.SetDefault("cluster.pd-size", "3000G")
	v.SetDefault("cluster.disk-type", "pd-ssd")
	v.SetDefault("cluster.use-local-ssd", false)
	v.SetDefault("cluster.reuse", false)
	v.SetDefault("cluster.preemptible", false)
	v.SetDefault("cluster.labels", map[string]string{})
	v.SetDefault("blast.program", "blastn")
	v.SetDefault("blast.db", "")
	v.SetDefault("blast.options", "")
	v.SetDefault("blast.queries", "")
	v.SetDefault("blast.batch-len", 5000000)
	v.SetDefault("blast.mem-request", "0.5G")
	v.SetDefault("blast.mem-limit", "60G")
	v.SetDefault("blast.image", "gcr.io/ncbi-sandbox/ncbi-blast-elastic:latest")
	v.SetDefault("blast.time-format", "%s.%N")
	v.SetDefault("blast.job-timeout", 12*time.Hour)
	v.SetDefault("timeouts.cluster-create", 30*time.Minute)
	v.SetDefault("timeouts.init-storage", 45*time.Minute)
	v.SetDefault("timeouts.claim-bound", 10*time.Minute)
	v.SetDefault("timeouts.call", 2*time.Minute)
	v.SetDefault("timeouts.teardown-poll-interval", 10*time.Second)
	v.SetDefault("timeouts.status-poll-interval", DefaultPollInterval)
	v.SetDefault("timeouts.cleanup", DefaultCleanupTimeout)
	v.SetDefault("job-limit", DefaultJobLimit)
	v.SetDefault("cloud-job-submission", false)
	v.SetDefault("auto-shutdown", false)
	v.SetDefault("cloud-query-split", false)
	v.SetDefault("remove-ancillary-data", false)
	v.SetDefault("export-kubeconfig", false)
	v.SetDefault("logs-dir", "")
	v.SetDefault("usage-report", true)
	v.SetDefault("verify-image", false)
	v.SetDefault("store-endpoint", "")
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"dry-run":           "dry-run",
	"job-id":            "job-id",
	"results":           "results",
	"cluster-name":      "cluster.name",
	"num-nodes":         "cluster.num-nodes",
	"batch-len":         "blast.batch-len",
	"queries":           "blast.queries",
	"cloud-query-split": "cloud-query-split",
}

// Load reads the configuration file at cfgPath (optional) from fsys, applies
// HPCB_ environment overrides and any flag in flags that was set, fills
// derived values and validates the result.
func Load(fsys afero.Fs, cfgPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if fsys != nil {
		v.SetFs(fsys)
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, runerr.Input("configuration file %s was not found", cfgPath)
			}
			return nil, runerr.Wrap(runerr.KindInput, err, "failed to read configuration file %s", cfgPath)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, runerr.Wrap(runerr.KindInput, err, "failed to decode configuration")
	}
	if err := cfg.complete(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewJobID returns a fresh run identifier.
func NewJobID() string {
	return "job-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

var machineCPUsRE = regexp.MustCompile(`-(\d+)$`)

// MachineCPUs returns the vCPU count encoded in a machine type name such as
// n1-highmem-32.
func MachineCPUs(machineType string) (int, bool) {
	m := machineCPUsRE.FindStringSubmatch(machineType)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n == 0 {
		return 0, false
	}
	return n, true
}

func (c *Config) complete() error {
	if c.JobID == "" {
		c.JobID = NewJobID()
	}
	if c.Cluster.NumCPUs == 0 {
		n, ok := MachineCPUs(c.Cluster.MachineType)
		if !ok {
			return runerr.Input("cluster.num-cpus must be set for machine type %q", c.Cluster.MachineType)
		}
		c.Cluster.NumCPUs = n
	}
	c.Results = strings.TrimSuffix(c.Results, "/")
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the formats of quantities and locations.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return runerr.Input("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return runerr.Wrap(runerr.KindInput, err, "invalid configuration")
	}
	for key, val := range map[string]string{
		"cluster.pd-size":   c.Cluster.PDSize,
		"blast.mem-request": c.Blast.MemRequest,
		"blast.mem-limit":   c.Blast.MemLimit,
	} {
		if _, err := resource.ParseQuantity(val); err != nil {
			return runerr.Input("invalid quantity %q for %s: %v", val, key, err)
		}
	}
	req := resource.MustParse(c.Blast.MemRequest)
	if req.Cmp(resource.MustParse(c.Blast.MemLimit)) > 0 {
		return runerr.Input("blast.mem-request (%s) exceeds blast.mem-limit (%s)", c.Blast.MemRequest, c.Blast.MemLimit)
	}
	if _, err := store.ParseLocation(c.Results); err != nil {
		return runerr.Wrap(runerr.KindInput, err, "invalid results location")
	}
	if c.AutoShutdown && !c.CloudJobSubmission {
		return runerr.Input("auto-shutdown requires cloud-job-submission")
	}
	if c.CloudQuerySplit && c.Blast.Queries == "" {
		return runerr.Input("cloud-query-split requires blast.queries")
	}
	return nil
}

// PDSizeGB returns the persistent disk size in gigabytes, rounded up.
func (c *Config) PDSizeGB() int64 {
	q := resource.MustParse(c.Cluster.PDSize)
	return q.ScaledValue(resource.Giga)
}

// MetadataKey returns the object store key of a metadata file for this run.
func (c *Config) MetadataKey(file string) string {
	return path.Join(c.JobID, MetadataDir, file)
}

// MetadataURL returns the full location of a metadata file for this run.
func (c *Config) MetadataURL(file string) string {
	return c.Results + "/" + c.MetadataKey(file)
}

// QueryBatchesPattern matches the split query files of this run.
func (c *Config) QueryBatchesPattern() string {
	return path.Join(c.JobID, QueryBatchesDir)
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render configuration: %w", err)
	}
	return out, nil
}
