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

package jobs

// Names of the jobs of each stage. Later stages look the earlier ones up by name.
const (
	JobGetBlastDB         = "get-blastdb"
	JobLoadBlastDBIntoRAM = "load-blastdb-into-ram"
	JobImportQueryBatches = "import-query-batches"
	JobSubmitJobs         = "submit-jobs"
	JobBlast              = "blast"
	JobResultsExport      = "results-export"
	JobInitPV             = "init-pv"
	JobInitSSD            = "init-ssd"
)

// Label selectors of the job families.
const (
	AppBlast  = "app=blast"
	AppSetup  = "app=setup"
	AppSubmit = "app=submit"
)

const (
	// ClaimName is the persistent volume claim holding the database.
	ClaimName = "blast-dbs-pvc"
	// ServiceAccountName is used by jobs that talk to the cluster API.
	ServiceAccountName = "hpc-batch-sa"
	// NodeOrdinalLabel pins per-node storage initialization jobs.
	NodeOrdinalLabel = "ordinal"
)

// BlastJobTemplate renders one search job per query batch on a cluster that
// shares the database through a persistent volume.
const BlastJobTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.K8S_JOB_BLAST}}-batch-{{.ELB_QUERY_NUM}}
  labels:
    app: blast
    db: {{.ELB_DB_LABEL}}
    hpc-batch/job-id: {{.BLAST_ELB_JOB_ID}}
spec:
  backoffLimit: 3
  activeDeadlineSeconds: {{.ELB_BLAST_TIMEOUT}}
  template:
    metadata:
      labels:
        app: blast
        db: {{.ELB_DB_LABEL}}
    spec:
      restartPolicy: OnFailure
      volumes:
      - name: blastdb
        persistentVolumeClaim:
          claimName: blast-dbs-pvc
          readOnly: true
      - name: shared-data
        emptyDir: {}
      containers:
      - name: {{.K8S_JOB_BLAST}}
        image: {{.ELB_DOCKER_IMAGE}}
        workingDir: /blast/blastdb
        resources:
          requests:
            memory: {{.ELB_MEM_REQUEST}}
            cpu: {{.ELB_NUM_CPUS_REQ}}
          limits:
            memory: {{.ELB_MEM_LIMIT}}
            cpu: {{.ELB_NUM_CPUS}}
        env:
        - name: BLAST_ELB_JOB_ID
          value: "{{.BLAST_ELB_JOB_ID}}"
        - name: BLAST_ELB_VERSION
          value: "{{.BLAST_ELB_VERSION}}"
        - name: BLAST_USAGE_REPORT
          value: "{{.BLAST_USAGE_REPORT}}"
        - name: BLAST_ELB_BATCH_NUM
          value: "{{.ELB_QUERY_NUM}}"
        - name: ELB_DB_MOL_TYPE
          value: "{{.ELB_DB_MOL_TYPE}}"
        command: ["/bin/bash", "-co", "pipefail"]
        args:
        - |
          start=$(date +{{.ELB_TIMEFMT}})
          fetch-object {{.ELB_QUERY_BATCH}} /shared/requests/batch_{{.ELB_QUERY_NUM}}.fa
          {{.ELB_BLAST_PROGRAM}} -db {{.ELB_DB}} -query /shared/requests/batch_{{.ELB_QUERY_NUM}}.fa -out /shared/results/batch_{{.ELB_QUERY_NUM}}-{{.ELB_BLAST_PROGRAM}}-{{.ELB_DB_LABEL}}.out -num_threads {{.ELB_NUM_CPUS_REQ}} {{.ELB_BLAST_OPTIONS}}
          exit_code=$?
          end=$(date +{{.ELB_TIMEFMT}})
          echo run start $start end $end exit $exit_code
          gzip /shared/results/batch_*.out
          store-object /shared/results/ {{.ELB_RESULTS}}/
          exit $exit_code
        volumeMounts:
        - name: blastdb
          mountPath: /blast/blastdb
          readOnly: true
        - name: shared-data
          mountPath: /shared
`

// LocalSSDBlastJobTemplate renders search jobs that read the database from
// the local SSD of the node they run on.
const LocalSSDBlastJobTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.K8S_JOB_BLAST}}-batch-{{.ELB_QUERY_NUM}}
  labels:
    app: blast
    db: {{.ELB_DB_LABEL}}
    hpc-batch/job-id: {{.BLAST_ELB_JOB_ID}}
spec:
  backoffLimit: 3
  activeDeadlineSeconds: {{.ELB_BLAST_TIMEOUT}}
  template:
    metadata:
      labels:
        app: blast
        db: {{.ELB_DB_LABEL}}
    spec:
      restartPolicy: OnFailure
      volumes:
      - name: blastdb
        hostPath:
          path: /mnt/disks/ssd0
          type: Directory
      containers:
      - name: {{.K8S_JOB_BLAST}}
        image: {{.ELB_DOCKER_IMAGE}}
        workingDir: /blast/blastdb
        resources:
          requests:
            memory: {{.ELB_MEM_REQUEST}}
            cpu: {{.ELB_NUM_CPUS_REQ}}
          limits:
            memory: {{.ELB_MEM_LIMIT}}
            cpu: {{.ELB_NUM_CPUS}}
        env:
        - name: BLAST_ELB_JOB_ID
          value: "{{.BLAST_ELB_JOB_ID}}"
        - name: BLAST_ELB_VERSION
          value: "{{.BLAST_ELB_VERSION}}"
        - name: BLAST_USAGE_REPORT
          value: "{{.BLAST_USAGE_REPORT}}"
        - name: BLAST_ELB_BATCH_NUM
          value: "{{.ELB_QUERY_NUM}}"
        - name: ELB_DB_MOL_TYPE
          value: "{{.ELB_DB_MOL_TYPE}}"
        command: ["/bin/bash", "-co", "pipefail"]
        args:
        - |
          start=$(date +{{.ELB_TIMEFMT}})
          fetch-object {{.ELB_QUERY_BATCH}} /blast/blastdb/batch_{{.ELB_QUERY_NUM}}.fa
          {{.ELB_BLAST_PROGRAM}} -db {{.ELB_DB}} -query /blast/blastdb/batch_{{.ELB_QUERY_NUM}}.fa -out /blast/blastdb/batch_{{.ELB_QUERY_NUM}}-{{.ELB_BLAST_PROGRAM}}-{{.ELB_DB_LABEL}}.out -num_threads {{.ELB_NUM_CPUS_REQ}} {{.ELB_BLAST_OPTIONS}}
          exit_code=$?
          end=$(date +{{.ELB_TIMEFMT}})
          echo run start $start end $end exit $exit_code
          gzip /blast/blastdb/batch_{{.ELB_QUERY_NUM}}-*.out
          store-object /blast/blastdb/batch_{{.ELB_QUERY_NUM}}-{{.ELB_BLAST_PROGRAM}}-{{.ELB_DB_LABEL}}.out.gz {{.ELB_RESULTS}}/
          exit $exit_code
        volumeMounts:
        - name: blastdb
          mountPath: /blast/blastdb
`

// InitPVTemplate creates the database volume claim and the job that fills it.
const InitPVTemplate = `
apiVersion: v1
kind: PersistentVolumeClaim
metadata:
  name: blast-dbs-pvc
  labels:
    hpc-batch/job-id: {{.BLAST_ELB_JOB_ID}}
spec:
  accessModes:
  - ReadOnlyMany
  - ReadWriteOnce
  storageClassName: {{.ELB_STORAGE_CLASS}}
  resources:
    requests:
      storage: {{.ELB_PD_SIZE}}
---
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.K8S_JOB_INIT_PV}}
  labels:
    app: setup
spec:
  backoffLimit: 3
  template:
    metadata:
      labels:
        app: setup
    spec:
      restartPolicy: OnFailure
      volumes:
      - name: blastdb
        persistentVolumeClaim:
          claimName: blast-dbs-pvc
      containers:
      - name: {{.K8S_JOB_GET_BLASTDB}}
        image: {{.ELB_DOCKER_IMAGE}}
        workingDir: /blast/blastdb
        command: ["/bin/bash", "-co", "pipefail"]
        args:
        - |
          update_blastdb.pl {{.ELB_DB}} --decompress --source gcp --verbose --verbose
          blastdbcmd -info -db {{.ELB_DB}} -dbtype {{.ELB_DB_MOL_TYPE}}
        volumeMounts:
        - name: blastdb
          mountPath: /blast/blastdb
`

// QuerySplitTemplate splits the queries into batches inside the cluster and
// stores them where the search jobs fetch them from.
const QuerySplitTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.K8S_JOB_IMPORT_QUERY_BATCHES}}
  labels:
    app: setup
    hpc-batch/job-id: {{.BLAST_ELB_JOB_ID}}
spec:
  backoffLimit: 0
  template:
    metadata:
      labels:
        app: setup
    spec:
      restartPolicy: Never
      volumes:
      - name: shared-data
        emptyDir: {}
      containers:
      - name: {{.K8S_JOB_IMPORT_QUERY_BATCHES}}
        image: {{.ELB_DOCKER_IMAGE}}
        workingDir: /shared
        command: ["/bin/bash", "-co", "pipefail"]
        args:
        - |
          fetch-object {{.ELB_QUERIES}} /shared/queries
          fasta-split /shared/queries --batch-len {{.ELB_BATCH_LEN}} --output /shared/batches
          store-object /shared/batches/ {{.ELB_RESULTS}}/{{.ELB_QUERY_BATCHES_DIR}}/
        volumeMounts:
        - name: shared-data
          mountPath: /shared
`

// InitSSDTemplate fills the local SSD of the node labelled with NODE_ORDINAL.
const InitSSDTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.K8S_JOB_INIT_SSD}}-{{.NODE_ORDINAL}}
  labels:
    app: setup
spec:
  backoffLimit: 3
  template:
    metadata:
      labels:
        app: setup
    spec:
      restartPolicy: OnFailure
      affinity:
        nodeAffinity:
          requiredDuringSchedulingIgnoredDuringExecution:
            nodeSelectorTerms:
            - matchExpressions:
              - key: ordinal
                operator: In
                values:
                - "{{.NODE_ORDINAL}}"
      volumes:
      - name: blastdb
        hostPath:
          path: /mnt/disks/ssd0
          type: Directory
      containers:
      - name: {{.K8S_JOB_GET_BLASTDB}}
        image: {{.ELB_DOCKER_IMAGE}}
        workingDir: /blast/blastdb
        command: ["/bin/bash", "-co", "pipefail"]
        args:
        - |
          update_blastdb.pl {{.ELB_DB}} --decompress --source gcp --verbose --verbose
        volumeMounts:
        - name: blastdb
          mountPath: /blast/blastdb
      - name: {{.K8S_JOB_LOAD_BLASTDB_INTO_RAM}}
        image: {{.ELB_DOCKER_IMAGE}}
        workingDir: /blast/blastdb
        command: ["/bin/bash", "-co", "pipefail"]
        args:
        - |
          blastdb_path -dbtype {{.ELB_DB_MOL_TYPE}} -db {{.ELB_DB}} -getvolumespath | tr ' ' '\n' | parallel vmtouch -tqm 5G
        volumeMounts:
        - name: blastdb
          mountPath: /blast/blastdb
`

// SubmitJobsTemplate runs the in-cluster submitter that expands the stored
// job template once per query batch.
const SubmitJobsTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: {{.K8S_JOB_SUBMIT_JOBS}}
  labels:
    app: submit
spec:
  backoffLimit: 0
  template:
    metadata:
      labels:
        app: submit
    spec:
      serviceAccountName: hpc-batch-sa
      restartPolicy: Never
      containers:
      - name: {{.K8S_JOB_SUBMIT_JOBS}}
        image: {{.ELB_DOCKER_IMAGE}}
        env:
        - name: ELB_RESULTS
          value: "{{.ELB_RESULTS}}"
        - name: ELB_METADATA_DIR
          value: "{{.ELB_METADATA_DIR}}"
        - name: K8S_JOB_BLAST
          value: "{{.K8S_JOB_BLAST}}"
        - name: K8S_JOB_RESULTS_EXPORT
          value: "{{.K8S_JOB_RESULTS_EXPORT}}"
        - name: BLAST_ELB_JOB_ID
          value: "{{.BLAST_ELB_JOB_ID}}"
        command: ["submit-jobs"]
`

// ServiceAccountTemplate lets in-cluster jobs manage jobs of their namespace.
const ServiceAccountTemplate = `
apiVersion: v1
kind: ServiceAccount
metadata:
  name: hpc-batch-sa
---
apiVersion: rbac.authorization.k8s.io/v1
kind: Role
metadata:
  name: hpc-batch-job-manager
rules:
- apiGroups: ["batch"]
  resources: ["jobs"]
  verbs: ["get", "list", "watch", "create", "delete"]
- apiGroups: [""]
  resources: ["pods", "pods/log"]
  verbs: ["get", "list"]
---
apiVersion: rbac.authorization.k8s.io/v1
kind: RoleBinding
metadata:
  name: hpc-batch-job-manager
subjects:
- kind: ServiceAccount
  name: hpc-batch-sa
roleRef:
  kind: Role
  name: hpc-batch-job-manager
  apiGroup: rbac.authorization.k8s.io
`
