package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateAndGetRepository(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	r := &Repository{RepoURL: "https://example.com/a.git", Name: "service-a"}
	require.NoError(t, s.CreateRepository(ctx, r))
	require.NotEmpty(t, r.ID)

	got, err := s.GetRepository(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, "service-a", got.Name)
	require.Equal(t, IngestSeed, got.IngestStatus)
}

func TestGetRepositoryNotFound(t *testing.T) {
	s := NewMemStore(nil)
	_, err := s.GetRepository(context.Background(), "missing")
	require.Error(t, err)
}

func TestUpdateRepositoryMutatesCopyOnly(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	r := &Repository{Name: "service-b"}
	require.NoError(t, s.CreateRepository(ctx, r))

	updated, err := s.UpdateRepository(ctx, r.ID, func(r *Repository) error {
		r.IngestStatus = IngestReady
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, IngestReady, updated.IngestStatus)

	again, err := s.GetRepository(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, IngestReady, again.IngestStatus)
}

func TestListRepositoriesFiltersByStatus(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	a := &Repository{Name: "a", IngestStatus: IngestReady}
	b := &Repository{Name: "b", IngestStatus: IngestFailed}
	require.NoError(t, s.CreateRepository(ctx, a))
	require.NoError(t, s.CreateRepository(ctx, b))

	out, err := s.ListRepositories(ctx, RepositoryQuery{IngestStatus: IngestReady})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].Name)
}

func TestBundleVersionLifecycle(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	v1 := &JobBundleVersion{Slug: "report-gen", Version: "1.0.0", Checksum: "abc"}
	require.NoError(t, s.CreateBundleVersion(ctx, v1))

	dup := &JobBundleVersion{Slug: "report-gen", Version: "1.0.0", Checksum: "xyz"}
	require.Error(t, s.CreateBundleVersion(ctx, dup))

	v2 := &JobBundleVersion{Slug: "report-gen", Version: "1.1.0", Checksum: "def"}
	require.NoError(t, s.CreateBundleVersion(ctx, v2))

	latest, err := s.GetLatestBundleVersion(ctx, "report-gen")
	require.NoError(t, err)
	require.Equal(t, "1.1.0", latest.Version)

	all, err := s.ListBundleVersions(ctx, "report-gen")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, s.AppendBundleHistory(ctx, "report-gen", "1.1.0", BundleHistoryEntry{Source: "restored", Checksum: "def"}))
	refreshed, err := s.GetBundleVersion(ctx, "report-gen", "1.1.0")
	require.NoError(t, err)
	require.Len(t, refreshed.History, 1)
}

func TestSearchScoresExactOverSubstring(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateRepository(ctx, &Repository{Name: "reporting-service", Description: "handles reports"}))
	require.NoError(t, s.CreateRepository(ctx, &Repository{Name: "reports", Description: "exact name match"}))

	res, err := s.Search(ctx, SearchQuery{Text: "reports", Kinds: []string{"repository"}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Hits), 2)
	require.Equal(t, "reports", res.Hits[0].Name)
}

func TestSearchFiltersByTag(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	require.NoError(t, s.CreateRepository(ctx, &Repository{Name: "a", Tags: []Tag{{Key: "team", Value: "infra"}}}))
	require.NoError(t, s.CreateRepository(ctx, &Repository{Name: "b", Tags: []Tag{{Key: "team", Value: "data"}}}))

	res, err := s.Search(ctx, SearchQuery{Kinds: []string{"repository"}, Tags: []Tag{{Key: "team", Value: "infra"}}})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	require.Equal(t, "a", res.Hits[0].Name)
}

func TestJobRunLifecycle(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	run := &JobRun{JobSlug: "report-gen", Parameters: map[string]any{"x": 1}}
	require.NoError(t, s.CreateJobRun(ctx, run))
	require.Equal(t, JobRunPending, run.Status)

	updated, err := s.UpdateJobRun(ctx, run.ID, func(r *JobRun) error {
		r.Status = JobRunSucceeded
		r.Result = map[string]any{"ok": true}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, JobRunSucceeded, updated.Status)

	list, err := s.ListJobRuns(ctx, JobRunQuery{JobSlug: "report-gen", Status: JobRunSucceeded})
	require.NoError(t, err)
	require.Len(t, list, 1)
}
