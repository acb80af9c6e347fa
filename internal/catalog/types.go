// Package catalog implements the persistence layer: typed create/read/update
// operations over the catalog entities, with every observable mutation
// published through the event bus.
//
// The underlying relational store is a capability interface rather than a
// product: Store is the interface every pipeline depends on, and MemStore
// is the reference in-memory implementation used both by tests and by
// single-process deployments that don't need a real database.
package catalog

import "time"

// IngestStatus is the repository ingestion state machine.
type IngestStatus string

const (
	IngestSeed       IngestStatus = "seed"
	IngestPending    IngestStatus = "pending"
	IngestProcessing IngestStatus = "processing"
	IngestReady      IngestStatus = "ready"
	IngestFailed     IngestStatus = "failed"
)

// Tag is a (key, value, source) triple attached to a repository.
type Tag struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// PreviewTile is one entry of a repository's ordered preview list.
type PreviewTile struct {
	Title string `json:"title"`
	Kind  string `json:"kind"`
	Src   string `json:"src"`
}

// LaunchEnvTemplate is one entry of a repository's ordered launch env
// default mapping. Unique by name, capped at MaxLaunchEnvTemplates entries.
type LaunchEnvTemplate struct {
	Name         string `json:"name"`
	DefaultValue string `json:"defaultValue"`
}

const MaxLaunchEnvTemplates = 32

// Repository is a tracked source project.
type Repository struct {
	ID                 string              `json:"id"`
	RepoURL            string              `json:"repoUrl"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	DockerfilePath     string              `json:"dockerfilePath"`
	IngestStatus       IngestStatus        `json:"ingestStatus"`
	LastIngestedAt     *time.Time          `json:"lastIngestedAt,omitempty"`
	IngestError        string              `json:"ingestError,omitempty"`
	IngestAttempts     int                 `json:"ingestAttempts"`
	LaunchEnvTemplates []LaunchEnvTemplate `json:"launchEnvTemplates"`
	Tags               []Tag               `json:"tags"`
	PreviewTiles       []PreviewTile       `json:"previewTiles"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// IngestionEvent is an append-only history row per status change.
type IngestionEvent struct {
	ID           int64        `json:"id"`
	RepositoryID string       `json:"repositoryId"`
	Status       IngestStatus `json:"status"`
	Message      string       `json:"message,omitempty"`
	CommitSHA    string       `json:"commitSha,omitempty"`
	Attempt      int          `json:"attempt"`
	DurationMs   int64        `json:"durationMs"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// BuildStatus is the build attempt state machine.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// Build is one image build attempt.
type Build struct {
	ID           string      `json:"id"`
	RepositoryID string      `json:"repositoryId"`
	Status       BuildStatus `json:"status"`
	Logs         string      `json:"logs"`
	ImageTag     string      `json:"imageTag,omitempty"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	CommitSHA    string      `json:"commitSha,omitempty"`
	GitBranch    string      `json:"gitBranch,omitempty"`
	GitRef       string      `json:"gitRef,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	StartedAt    *time.Time  `json:"startedAt,omitempty"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	DurationMs   *int64      `json:"durationMs,omitempty"`
}

// LaunchStatus is the preview-instance state machine.
type LaunchStatus string

const (
	LaunchPending  LaunchStatus = "pending"
	LaunchStarting LaunchStatus = "starting"
	LaunchRunning  LaunchStatus = "running"
	LaunchStopping LaunchStatus = "stopping"
	LaunchStopped  LaunchStatus = "stopped"
	LaunchFailed   LaunchStatus = "failed"
)

// EnvVar is an ordered key/value launch env entry, optionally resolved from
// another service in the same network.
type EnvVar struct {
	Key         string `json:"key"`
	Value       string `json:"value,omitempty"`
	FromService string `json:"fromService,omitempty"`
	Field       string `json:"field,omitempty"` // instanceUrl|baseUrl|host|port
	Fallback    string `json:"fallback,omitempty"`
}

// Launch is one preview instance.
type Launch struct {
	ID              string       `json:"id"`
	RepositoryID    string       `json:"repositoryId"`
	BuildID         string       `json:"buildId"`
	Status          LaunchStatus `json:"status"`
	InstanceURL     string       `json:"instanceUrl,omitempty"`
	ContainerID     string       `json:"containerId,omitempty"`
	Port            int          `json:"port,omitempty"`
	ResourceProfile string       `json:"resourceProfile,omitempty"`
	Env             []EnvVar     `json:"env"`
	Command         string       `json:"command,omitempty"`
	ErrorMessage    string       `json:"errorMessage,omitempty"`
	NetworkID       string       `json:"networkId,omitempty"`
	LaunchOrder     int          `json:"launchOrder"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	StoppedAt       *time.Time   `json:"stoppedAt,omitempty"`
}

// ServiceNetwork groups multiple launches into one orchestrated preview.
type ServiceNetwork struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// NetworkMember declares one service's position inside a ServiceNetwork.
type NetworkMember struct {
	NetworkID    string   `json:"networkId"`
	RepositoryID string   `json:"repositoryId"`
	LaunchOrder  int      `json:"launchOrder"`
	WaitForBuild bool     `json:"waitForBuild"`
	Env          []EnvVar `json:"env"`
	DependsOn    []string `json:"dependsOn"`
}

// LaunchMember records that a launch belongs to a network, for unified stop.
type LaunchMember struct {
	NetworkID string `json:"networkId"`
	LaunchID  string `json:"launchId"`
}

// ServiceStatus is the health state of a registered external service.
type ServiceStatus string

const (
	ServiceUnknown     ServiceStatus = "unknown"
	ServiceHealthy     ServiceStatus = "healthy"
	ServiceDegraded    ServiceStatus = "degraded"
	ServiceUnreachable ServiceStatus = "unreachable"
)

// Service is a registered external service endpoint.
type Service struct {
	Slug          string            `json:"slug"`
	DisplayName   string            `json:"displayName"`
	Kind          string            `json:"kind"`
	BaseURL       string            `json:"baseUrl"`
	Host          string            `json:"host,omitempty"`
	Port          int               `json:"port,omitempty"`
	Status        ServiceStatus     `json:"status"`
	StatusMessage string            `json:"statusMessage,omitempty"`
	Capabilities  map[string]any    `json:"capabilities,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	LastHealthyAt *time.Time        `json:"lastHealthyAt,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// JobRuntime is the execution runtime a job bundle targets.
type JobRuntime string

const (
	RuntimeNode   JobRuntime = "node"
	RuntimePython JobRuntime = "python"
	RuntimeDocker JobRuntime = "docker"
)

// AIBuilderSuggestion is an embedded AI-authored bundle source suggestion,
// consulted by bundle recovery when an artifact is missing.
type AIBuilderSuggestion struct {
	Slug         string          `json:"slug"`
	Version      string          `json:"version"`
	Files        []SuggestedFile `json:"files"`
	Manifest     map[string]any  `json:"manifest"`
	Capabilities []string        `json:"capabilities,omitempty"`
}

// SuggestedFile is one file of an AIBuilderSuggestion, packaged the same way
// a fresh bundle publish is.
type SuggestedFile struct {
	Path       string `json:"path"`
	Content    string `json:"content"` // utf8 or base64 depending on Encoding
	Encoding   string `json:"encoding,omitempty"` // "utf8" | "base64"
	Executable bool   `json:"executable,omitempty"`
}

// JobDefinition is a named callable unit of work.
type JobDefinition struct {
	Slug              string               `json:"slug"`
	Name              string               `json:"name"`
	Type              string               `json:"type"`
	Version           string               `json:"version"`
	Runtime           JobRuntime           `json:"runtime"`
	EntryPoint        string               `json:"entryPoint"` // "bundle:<slug>@<version>[#export]" or inline path
	TimeoutMs         int64                `json:"timeoutMs"`
	RetryPolicy       RetryPolicyView      `json:"retryPolicy"`
	ParametersSchema  map[string]any       `json:"parametersSchema,omitempty"`
	DefaultParameters map[string]any       `json:"defaultParameters,omitempty"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
	Suggestion        *AIBuilderSuggestion `json:"-"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

// RetryPolicyView is the wire-shape of internal/retrypolicy.Policy.
type RetryPolicyView struct {
	MaxAttempts    int    `json:"maxAttempts"`
	InitialDelayMs int64  `json:"initialDelayMs"`
	MaxDelayMs     int64  `json:"maxDelayMs"`
	Backoff        string `json:"backoff"`
}

// ArtifactStorageKind selects where a bundle version's bytes live.
type ArtifactStorageKind string

const (
	ArtifactLocal ArtifactStorageKind = "local"
	ArtifactS3    ArtifactStorageKind = "s3"
)

// JobBundleVersion is an immutable versioned artifact.
type JobBundleVersion struct {
	Slug                string               `json:"slug"`
	Version             string               `json:"version"`
	Checksum            string               `json:"checksum"`
	ArtifactStorage     ArtifactStorageKind  `json:"artifactStorage"`
	ArtifactPath        string               `json:"artifactPath"`
	ArtifactSize        int64                `json:"artifactSize"`
	ArtifactContentType string               `json:"artifactContentType"`
	Manifest            map[string]any       `json:"manifest"`
	CapabilityFlags     []string             `json:"capabilityFlags"`
	Metadata            map[string]any       `json:"metadata,omitempty"`
	ArtifactData        []byte               `json:"-"` // optional inline rehydration copy
	History             []BundleHistoryEntry `json:"history,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
}

// BundleHistoryEntry records one recovery/publish event for a bundle version.
type BundleHistoryEntry struct {
	Source    string    `json:"source"` // "published" | "restored" | "regenerated"
	Checksum  string    `json:"checksum"`
	Timestamp time.Time `json:"timestamp"`
}

// JobRunStatus is the job-run terminal/non-terminal state machine.
type JobRunStatus string

const (
	JobRunPending   JobRunStatus = "pending"
	JobRunRunning   JobRunStatus = "running"
	JobRunSucceeded JobRunStatus = "succeeded"
	JobRunFailed    JobRunStatus = "failed"
	JobRunCanceled  JobRunStatus = "canceled"
	JobRunExpired   JobRunStatus = "expired"
)

// TerminalJobRunStatuses are statuses after which only log appends may
// mutate the row.
var TerminalJobRunStatuses = map[JobRunStatus]bool{
	JobRunSucceeded: true,
	JobRunFailed:    true,
	JobRunCanceled:  true,
	JobRunExpired:   true,
}

// JobRun is one invocation of a JobDefinition.
type JobRun struct {
	ID           string         `json:"id"`
	JobSlug      string         `json:"jobSlug"`
	Status       JobRunStatus   `json:"status"`
	Parameters   map[string]any `json:"parameters"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	ErrorKind    string         `json:"errorKind,omitempty"`
	LogsURL      string         `json:"logsUrl,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	TimeoutMs    int64          `json:"timeoutMs"`
	Attempt      int            `json:"attempt"`
	OwnerWorker  string         `json:"ownerWorker,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}
