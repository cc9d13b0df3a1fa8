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

// Package jobs renders the Kubernetes job manifests of a run from templates.
package jobs

import (
	"bytes"
	"fmt"
	"maps"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"text/template/parse"

	"hpc-batch/pkg/config"
	"hpc-batch/pkg/logging"
	"hpc-batch/pkg/runerr"

	"github.com/agext/levenshtein"
	"sigs.k8s.io/yaml"
)

// Placeholders left in a delegated job template for the in-cluster submitter.
const (
	QueryBatchPlaceholder = "${QUERY_BATCH}"
	QueryNumPlaceholder   = "${QUERY_NUM}"
)

// Per-batch substitution keys.
const (
	KeyQueryBatch = "ELB_QUERY_BATCH"
	KeyQueryNum   = "ELB_QUERY_NUM"
)

// Keys every job template may reference.
var fixedKeys = []string{
	"ELB_BLAST_PROGRAM", "ELB_DB", "ELB_DB_LABEL", "ELB_MEM_REQUEST", "ELB_MEM_LIMIT",
	"ELB_BLAST_OPTIONS", "ELB_BLAST_TIMEOUT", "ELB_RESULTS", "ELB_NUM_CPUS_REQ", "ELB_NUM_CPUS",
	"ELB_DB_MOL_TYPE", "ELB_DOCKER_IMAGE", "ELB_TIMEFMT", "BLAST_ELB_JOB_ID", "BLAST_ELB_VERSION",
	"BLAST_USAGE_REPORT", "K8S_JOB_GET_BLASTDB", "K8S_JOB_LOAD_BLASTDB_INTO_RAM",
	"K8S_JOB_IMPORT_QUERY_BATCHES", "K8S_JOB_SUBMIT_JOBS", "K8S_JOB_BLAST", "K8S_JOB_RESULTS_EXPORT",
	"ELB_METADATA_DIR",
}

// FixedKeys returns the names every Substitutions built by NewSubstitutions holds.
func FixedKeys() []string {
	return append([]string(nil), fixedKeys...)
}

// Substitutions maps template variable names to their values.
type Substitutions map[string]string

// With returns a copy of s with the given key/value pairs added.
func (s Substitutions) With(kv ...string) Substitutions {
	out := maps.Clone(s)
	if out == nil {
		out = Substitutions{}
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// JobSpec is one rendered job manifest.
type JobSpec struct {
	Name     string
	Batch    string
	Manifest string
}

// CPURequest returns the CPUs requested by each search job. When there is one
// batch per node every job gets a node minus two CPUs of headroom; otherwise
// the cluster's CPUs are split so that up to four jobs fit on a node.
func CPURequest(batches, nodes, nodeCPUs int) int {
	if batches == nodes {
		return nodeCPUs - 2
	}
	return (nodes*nodeCPUs)/4 - 2
}

var nucleotidePrograms = map[string]bool{"blastn": true, "tblastn": true, "tblastx": true}

// DBMolType returns the molecule type of the database searched by program.
func DBMolType(program string) string {
	if nucleotidePrograms[program] {
		return "nucl"
	}
	return "prot"
}

var labelInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// DBLabel turns a database reference into a value usable as a Kubernetes label.
func DBLabel(db string) string {
	name := db
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = labelInvalid.ReplaceAllString(strings.ToLower(name), "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

// NewSubstitutions builds the fixed substitution set for a run with numBatches batches.
func NewSubstitutions(cfg *config.Config, numBatches int) Substitutions {
	cpus := CPURequest(numBatches, cfg.Cluster.NumNodes, cfg.Cluster.NumCPUs)
	if cpus < 1 {
		logging.Warn("Computed CPU request %d is below 1, using 1 CPU per job", cpus)
		cpus = 1
	}
	return Substitutions{
		"ELB_BLAST_PROGRAM":             cfg.Blast.Program,
		"ELB_DB":                        cfg.Blast.DB,
		"ELB_DB_LABEL":                  DBLabel(cfg.Blast.DB),
		"ELB_MEM_REQUEST":               cfg.Blast.MemRequest,
		"ELB_MEM_LIMIT":                 cfg.Blast.MemLimit,
		"ELB_BLAST_OPTIONS":             cfg.Blast.Options,
		"ELB_BLAST_TIMEOUT":             strconv.Itoa(int(cfg.Blast.JobTimeout.Seconds())),
		"ELB_RESULTS":                   cfg.Results + "/" + cfg.JobID,
		"ELB_NUM_CPUS_REQ":              strconv.Itoa(cpus),
		"ELB_NUM_CPUS":                  strconv.Itoa(cfg.Cluster.NumCPUs),
		"ELB_DB_MOL_TYPE":               DBMolType(cfg.Blast.Program),
		"ELB_DOCKER_IMAGE":              cfg.Blast.Image,
		"ELB_TIMEFMT":                   cfg.Blast.TimeFormat,
		"BLAST_ELB_JOB_ID":              cfg.JobID,
		"BLAST_ELB_VERSION":             cfg.Version,
		"BLAST_USAGE_REPORT":            strconv.FormatBool(cfg.UsageReport),
		"K8S_JOB_GET_BLASTDB":           JobGetBlastDB,
		"K8S_JOB_LOAD_BLASTDB_INTO_RAM": JobLoadBlastDBIntoRAM,
		"K8S_JOB_IMPORT_QUERY_BATCHES":  JobImportQueryBatches,
		"K8S_JOB_SUBMIT_JOBS":           JobSubmitJobs,
		"K8S_JOB_BLAST":                 JobBlast,
		"K8S_JOB_RESULTS_EXPORT":        JobResultsExport,
		"ELB_METADATA_DIR":              config.MetadataDir,
	}
}

// StorageSubstitutions extends subs with the values used by the storage
// initialization templates.
func StorageSubstitutions(cfg *config.Config, subs Substitutions) Substitutions {
	return subs.With(
		"K8S_JOB_INIT_PV", JobInitPV,
		"K8S_JOB_INIT_SSD", JobInitSSD,
		"ELB_PD_SIZE", cfg.Cluster.PDSize,
		"ELB_STORAGE_CLASS", "standard-rwo",
		"ELB_QUERIES", cfg.Blast.Queries,
		"ELB_BATCH_LEN", strconv.Itoa(cfg.Blast.BatchLen),
		"ELB_QUERY_BATCHES_DIR", config.QueryBatchesDir,
	)
}

// BlastTemplate returns the search job template for the storage topology.
func BlastTemplate(useLocalSSD bool) string {
	if useLocalSSD {
		return LocalSSDBlastJobTemplate
	}
	return BlastJobTemplate
}

// Render executes text with subs. Every variable the template references must
// be present in subs.
func Render(name, text string, subs Substitutions) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", runerr.Wrap(runerr.KindTemplate, err, "failed to parse %s template", name)
	}
	if missing := unresolved(tmpl, subs); len(missing) > 0 {
		return "", runerr.New(runerr.KindTemplate, "%s template references unknown variables: %s",
			name, strings.Join(hints(missing, subs), ", "))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]string(subs)); err != nil {
		return "", runerr.Wrap(runerr.KindTemplate, err, "failed to execute %s template", name)
	}
	return buf.String(), nil
}

// Materialize renders text once per batch. It returns the specs in batch
// order and the first manifest, which is handy for logging.
func Materialize(text string, batches []string, subs Substitutions) ([]JobSpec, string, error) {
	width := max(3, len(strconv.Itoa(len(batches)-1)))
	specs := make([]JobSpec, 0, len(batches))
	seen := make(map[string]int, len(batches))
	for i, batch := range batches {
		num := fmt.Sprintf("%0*d", width, i)
		manifest, err := Render(JobBlast, text, subs.With(KeyQueryBatch, batch, KeyQueryNum, num))
		if err != nil {
			return nil, "", err
		}
		name, err := manifestName(manifest)
		if err != nil {
			return nil, "", runerr.Wrap(runerr.KindTemplate, err, "job for batch %s has no usable name", batch)
		}
		if j, dup := seen[name]; dup {
			return nil, "", runerr.New(runerr.KindTemplate, "batches %d and %d render to the same job name %q", j, i, name)
		}
		seen[name] = i
		specs = append(specs, JobSpec{Name: name, Batch: batch, Manifest: manifest})
	}
	if len(specs) == 0 {
		return nil, "", nil
	}
	logging.Debug("Generated %d job manifests", len(specs))
	return specs, specs[0].Manifest, nil
}

// MaterializeDelegated renders text with the per-batch variables left as
// placeholders that the in-cluster submitter fills in.
func MaterializeDelegated(text string, subs Substitutions) (string, error) {
	return Render(JobBlast, text, subs.With(KeyQueryBatch, QueryBatchPlaceholder, KeyQueryNum, QueryNumPlaceholder))
}

// CheckJobLimit fails when more batches than limit would be submitted. The
// error suggests the smallest batch length that stays within the limit.
func CheckJobLimit(batches []string, totalLength int64, limit, batchLen int) error {
	if len(batches) <= limit {
		return nil
	}
	if totalLength <= 0 {
		totalLength = int64(len(batches)) * int64(batchLen)
	}
	suggested := totalLength/int64(limit) + 1
	return runerr.Input("The batch size specified (%d) led to creating %d kubernetes jobs, which exceeds the limit on number of jobs (%d). "+
		"Please increase the batch-len parameter to at least %d and repeat the search.", batchLen, len(batches), limit, suggested)
}

func manifestName(manifest string) (string, error) {
	var obj struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
	}
	if err := yaml.Unmarshal([]byte(manifest), &obj); err != nil {
		return "", fmt.Errorf("failed to parse rendered manifest: %w", err)
	}
	if obj.Metadata.Name == "" {
		return "", fmt.Errorf("rendered manifest has no metadata.name")
	}
	return obj.Metadata.Name, nil
}

// unresolved lists the top level fields referenced by tmpl that subs lacks.
func unresolved(tmpl *template.Template, subs Substitutions) []string {
	refs := map[string]bool{}
	for _, t := range tmpl.Templates() {
		if t.Tree != nil {
			collectFields(t.Tree.Root, refs)
		}
	}
	var missing []string
	for name := range refs {
		if _, ok := subs[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func collectFields(node parse.Node, refs map[string]bool) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			collectFields(c, refs)
		}
	case *parse.ActionNode:
		collectFields(n.Pipe, refs)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				collectFields(arg, refs)
			}
		}
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			refs[n.Ident[0]] = true
		}
	case *parse.IfNode:
		collectBranch(&n.BranchNode, refs)
	case *parse.RangeNode:
		collectBranch(&n.BranchNode, refs)
	case *parse.WithNode:
		collectBranch(&n.BranchNode, refs)
	}
}

func collectBranch(b *parse.BranchNode, refs map[string]bool) {
	collectFields(b.Pipe, refs)
	collectFields(b.List, refs)
	collectFields(b.ElseList, refs)
}

// hints pairs each missing name with the closest known one, if any is close.
func hints(missing []string, subs Substitutions) []string {
	known := make([]string, 0, len(subs))
	for k := range subs {
		known = append(known, k)
	}
	sort.Strings(known)

	out := make([]string, 0, len(missing))
	for _, m := range missing {
		best, bestDist := "", -1
		for _, k := range known {
			d := levenshtein.Distance(m, k, nil)
			if bestDist < 0 || d < bestDist {
				best, bestDist = k, d
			}
		}
		if best != "" && bestDist <= 3 {
			out = append(out, fmt.Sprintf("%s (did you mean %s?)", m, best))
		} else {
			out = append(out, m)
		}
	}
	return out
}
