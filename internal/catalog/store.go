package catalog

import (
	"context"
	"time"
)

// Store is the relational persistence capability every pipeline and the
// control API depend on. MemStore is the reference in-memory
// implementation; a production deployment can swap in a Postgres-backed
// implementation behind the same interface without touching a caller.
type Store interface {
	// Repositories

	CreateRepository(ctx context.Context, r *Repository) error
	GetRepository(ctx context.Context, id string) (*Repository, error)
	ListRepositories(ctx context.Context, q RepositoryQuery) ([]*Repository, error)
	UpdateRepository(ctx context.Context, id string, fn func(r *Repository) error) (*Repository, error)
	AppendIngestionEvent(ctx context.Context, e *IngestionEvent) error
	ListIngestionEvents(ctx context.Context, repositoryID string) ([]*IngestionEvent, error)

	// Builds

	CreateBuild(ctx context.Context, b *Build) error
	GetBuild(ctx context.Context, id string) (*Build, error)
	ListBuilds(ctx context.Context, repositoryID string) ([]*Build, error)
	UpdateBuild(ctx context.Context, id string, fn func(b *Build) error) (*Build, error)

	// Launches

	CreateLaunch(ctx context.Context, l *Launch) error
	GetLaunch(ctx context.Context, id string) (*Launch, error)
	ListLaunches(ctx context.Context, repositoryID string) ([]*Launch, error)
	UpdateLaunch(ctx context.Context, id string, fn func(l *Launch) error) (*Launch, error)

	// Service networks

	CreateServiceNetwork(ctx context.Context, n *ServiceNetwork, members []NetworkMember) error
	GetServiceNetwork(ctx context.Context, id string) (*ServiceNetwork, []NetworkMember, error)
	LinkLaunchToNetwork(ctx context.Context, networkID, launchID string) error
	ListLaunchesForNetwork(ctx context.Context, networkID string) ([]*Launch, error)

	// Services

	UpsertService(ctx context.Context, s *Service) error
	GetService(ctx context.Context, slug string) (*Service, error)
	ListServices(ctx context.Context) ([]*Service, error)

	// Job definitions

	UpsertJobDefinition(ctx context.Context, j *JobDefinition) error
	GetJobDefinition(ctx context.Context, slug string) (*JobDefinition, error)
	ListJobDefinitions(ctx context.Context) ([]*JobDefinition, error)

	// Bundle versions

	CreateBundleVersion(ctx context.Context, v *JobBundleVersion) error
	GetBundleVersion(ctx context.Context, slug, version string) (*JobBundleVersion, error)
	GetLatestBundleVersion(ctx context.Context, slug string) (*JobBundleVersion, error)
	ListBundleVersions(ctx context.Context, slug string) ([]*JobBundleVersion, error)
	AppendBundleHistory(ctx context.Context, slug, version string, entry BundleHistoryEntry) error

	// Job runs

	CreateJobRun(ctx context.Context, r *JobRun) error
	GetJobRun(ctx context.Context, id string) (*JobRun, error)
	ListJobRuns(ctx context.Context, q JobRunQuery) ([]*JobRun, error)
	UpdateJobRun(ctx context.Context, id string, fn func(r *JobRun) error) (*JobRun, error)

	// Search

	Search(ctx context.Context, q SearchQuery) (*SearchResult, error)
}

// RepositoryQuery filters and paginates ListRepositories.
type RepositoryQuery struct {
	IngestStatus IngestStatus
	Tag          *Tag
	Limit        int
	Offset       int
}

// JobRunQuery filters and paginates ListJobRuns.
type JobRunQuery struct {
	JobSlug string
	Status  JobRunStatus
	Since   time.Time
	Limit   int
	Offset  int
}

// SearchQuery is a free-text query across repositories, services, and job
// definitions, optionally scoped by entity kind and tag facets.
type SearchQuery struct {
	Text   string
	Kinds  []string // "repository" | "service" | "job"
	Tags   []Tag
	Limit  int
	Offset int
}

// SearchHit is one ranked match.
type SearchHit struct {
	Kind     string         `json:"kind"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Excerpt  string         `json:"excerpt,omitempty"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SearchResult is the ranked hit list plus tag-facet counts.
type SearchResult struct {
	Hits   []SearchHit    `json:"hits"`
	Facets map[string]int `json:"facets"`
	Total  int            `json:"total"`
}
