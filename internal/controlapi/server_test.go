package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/buildpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlerecovery"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlestore"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/ingestion"
	"github.com/benediktbwimmer/apphub-controlplane/internal/jobengine"
	"github.com/benediktbwimmer/apphub-controlplane/internal/launchpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
	"github.com/benediktbwimmer/apphub-controlplane/internal/sandbox"
)

const testSigningSecret = "test-signing-secret"

type fakeSandboxRunner struct{}

func (fakeSandboxRunner) Execute(ctx context.Context, opts sandbox.SandboxExecutionOptions) (*sandbox.SandboxResult, error) {
	return &sandbox.SandboxResult{TaskID: opts.Job.RunID, Result: map[string]any{"ok": true}}, nil
}

func newTestServer(t *testing.T) (*Server, catalog.Store) {
	t.Helper()
	store := catalog.NewMemStore(nil)
	q := queue.NewInlineBroker(3)

	bundles, err := bundlestore.NewLocalBackend(t.TempDir(), testSigningSecret)
	require.NoError(t, err)

	log := zap.NewNop()

	ingest := ingestion.New(store, q, t.TempDir(), log)
	q.Subscribe(queue.Ingest, ingest.HandleMessage)

	builds := buildpipeline.New(store, nil, t.TempDir(), log)
	q.Subscribe(queue.Build, builds.HandleMessage)

	launches := launchpipeline.New(store, q, nil, "http://preview.local", "preview-secret", 8080, log)
	q.Subscribe(queue.LaunchStart, launches.HandleStart)
	q.Subscribe(queue.LaunchStop, launches.HandleStop)

	cache, err := jobengine.NewBundleCache(t.TempDir(), bundles, time.Hour)
	require.NoError(t, err)
	recoverer := bundlerecovery.New(store, bundles, log)
	engine := jobengine.New(store, q, cache, recoverer, fakeSandboxRunner{}, nil, func() string { return "test-worker" }, log)
	q.Subscribe(queue.JobRun, engine.HandleMessage)

	srv := New(Config{CORSEnabled: true, CORSAllowOrigins: []string{"*"}},
		store, q, bundles, testSigningSecret, time.Hour,
		ingest, builds, launches, engine, recoverer, nil, nil, log)
	return srv, store
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetRepository(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/repositories", createRepositoryRequest{
		RepoURL: "https://example.com/demo.git", Name: "demo",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var repo catalog.Repository
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repo))
	require.NotEmpty(t, repo.ID)
	// Ingestion runs synchronously through the inline broker, so by the
	// time CreateRepository's HTTP response returns the row has already
	// moved past seed.
	require.NotEqual(t, catalog.IngestSeed, repo.IngestStatus)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/repositories/"+repo.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRepositoryNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/v1/repositories/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRepositoriesRequiresNoParams(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/v1/repositories", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "repositories")
}

func TestCreateBuildRequiresExistingRepository(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/builds", createBuildRequest{RepositoryID: "missing"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobDefinitionUpsertAndFetch(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	def := catalog.JobDefinition{
		Name:       "Demo job",
		Type:       "batch",
		Version:    "1.0.0",
		Runtime:    catalog.RuntimeNode,
		EntryPoint: "bundle:demo@1.0.0",
		TimeoutMs:  5000,
	}
	rec := doRequest(t, router, http.MethodPut, "/api/v1/job-definitions/demo", def)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/job-definitions/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got catalog.JobDefinition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "demo", got.Slug)
	require.Equal(t, "Demo job", got.Name)
}

func TestPublishBundleAndCreateJobRun(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	def := catalog.JobDefinition{
		Name: "Demo job", Type: "batch", Version: "1.0.0",
		Runtime: catalog.RuntimeNode, EntryPoint: "bundle:demo@1.0.0", TimeoutMs: 5000,
	}
	rec := doRequest(t, router, http.MethodPut, "/api/v1/job-definitions/demo", def)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/job-bundles/demo", publishBundleRequest{
		Version: "1.0.0",
		Files: []catalog.SuggestedFile{
			{Path: "index.js", Content: "module.exports = { handler: () => ({}) };"},
		},
		Manifest: bundlestore.Manifest{Entry: "index.js"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var version catalog.JobBundleVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	require.Equal(t, "demo", version.Slug)
	require.NotEmpty(t, version.Checksum)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/job-bundles/demo/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/job-runs", createJobRunRequest{
		JobSlug:    "demo",
		Parameters: map[string]any{"x": 1},
	})
	// The fixture's sandbox runner is a fake that reports success without
	// forking an interpreter; the row must still be created and queued.
	require.Equal(t, http.StatusCreated, rec.Code)

	var run catalog.JobRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, "demo", run.JobSlug)
}

func TestSearchEmptyCatalogReturnsNoHits(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/v1/search?q=demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result catalog.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Empty(t, result.Hits)
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegenerateBundleWithoutSuggestionIsUnrecoverable(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	def := catalog.JobDefinition{
		Name: "Demo job", Type: "batch", Version: "1.0.0",
		Runtime: catalog.RuntimeNode, EntryPoint: "bundle:demo@1.0.0", TimeoutMs: 5000,
	}
	rec := doRequest(t, router, http.MethodPut, "/api/v1/job-definitions/demo", def)
	require.Equal(t, http.StatusOK, rec.Code)

	// No AIBuilderSuggestion attached to the definition, so there's nothing
	// to repack from and recovery must refuse rather than guess.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/jobs/demo/bundle/regenerate", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRegenerateBundleFromSuggestionBumpsVersion(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	def := &catalog.JobDefinition{
		Slug: "demo", Name: "Demo job", Type: "batch", Version: "1.0.0",
		Runtime: catalog.RuntimeNode, EntryPoint: "bundle:demo@1.0.0", TimeoutMs: 5000,
		Suggestion: &catalog.AIBuilderSuggestion{
			Slug:    "demo",
			Version: "1.0.0",
			Files: []catalog.SuggestedFile{
				{Path: "index.js", Content: "module.exports = { handler: () => ({}) };"},
			},
		},
	}
	require.NoError(t, store.UpsertJobDefinition(context.Background(), def))

	// No bundle version 1.0.0 exists yet, so Recover must regenerate rather
	// than restore in place, landing on the next free patch version.
	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs/demo/bundle/regenerate", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var version catalog.JobBundleVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	require.Equal(t, "demo", version.Slug)
	require.Equal(t, "1.0.1", version.Version)

	updated, err := store.GetJobDefinition(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, "bundle:demo@1.0.1", updated.EntryPoint)
}

func TestDownloadBundleRehydratesFromInlineCopyWhenArtifactMissing(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	def := catalog.JobDefinition{
		Name: "Demo job", Type: "batch", Version: "1.0.0",
		Runtime: catalog.RuntimeNode, EntryPoint: "bundle:demo@1.0.0", TimeoutMs: 5000,
	}
	rec := doRequest(t, router, http.MethodPut, "/api/v1/job-definitions/demo", def)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/job-bundles/demo", publishBundleRequest{
		Version: "1.0.0",
		Files: []catalog.SuggestedFile{
			{Path: "index.js", Content: "module.exports = { handler: () => ({}) };"},
		},
		Manifest: bundlestore.Manifest{Entry: "index.js"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var version catalog.JobBundleVersion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))

	// Simulate the local artifact going missing out from under the backend,
	// e.g. disk loss or an operator error, while the row still carries its
	// inline rehydration copy.
	require.NoError(t, srv.Bundles.Delete(context.Background(), version.ArtifactPath))

	signed, err := srv.Bundles.SignedURL(context.Background(), version.ArtifactPath, time.Hour, "demo.tar.gz")
	require.NoError(t, err)

	rec = doRequest(t, router, http.MethodGet, signed.URL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.Bytes())

	refreshed, err := store.GetBundleVersion(context.Background(), "demo", "1.0.0")
	require.NoError(t, err)
	require.NotEmpty(t, refreshed.History)
	require.Equal(t, "restored", refreshed.History[len(refreshed.History)-1].Source)
}

func TestRetryIngestRejectsWhileProcessing(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/repositories", createRepositoryRequest{
		RepoURL: "https://example.com/demo.git", Name: "demo",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var repo catalog.Repository
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repo))

	_, err := store.UpdateRepository(context.Background(), repo.ID, func(r *catalog.Repository) error {
		r.IngestStatus = catalog.IngestProcessing
		return nil
	})
	require.NoError(t, err)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/repositories/"+repo.ID+"/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestionHistoryListsEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/repositories", createRepositoryRequest{
		RepoURL: "https://example.com/demo.git", Name: "demo",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var repo catalog.Repository
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repo))

	rec = doRequest(t, router, http.MethodGet, "/api/v1/repositories/"+repo.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	// Ingestion ran synchronously through the inline broker during create,
	// so the outcome of that attempt has already been recorded as an event.
	require.NotEmpty(t, body["events"])
}

func TestRetryBuildDerivesFromFailedBuild(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	repo := &catalog.Repository{ID: "repo-1", RepoURL: "https://example.com/demo.git", Name: "demo", IngestStatus: catalog.IngestReady}
	require.NoError(t, store.CreateRepository(context.Background(), repo))

	build := &catalog.Build{ID: "build-1", RepositoryID: repo.ID, Status: catalog.BuildFailed, GitRef: "refs/heads/main", CommitSHA: "abc123", GitBranch: "main"}
	require.NoError(t, store.CreateBuild(context.Background(), build))

	rec := doRequest(t, router, http.MethodPost, "/api/v1/builds/build-1/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var retried catalog.Build
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retried))
	require.NotEqual(t, "build-1", retried.ID)
	require.Equal(t, "abc123", retried.CommitSHA)
	require.Equal(t, "main", retried.GitBranch)
	require.Equal(t, catalog.BuildPending, retried.Status)

	// Retrying a build that isn't failed must be rejected.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/builds/"+retried.ID+"/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetBuildLogsJSONAndDownload(t *testing.T) {
	srv, store := newTestServer(t)
	router := srv.Router()

	repo := &catalog.Repository{ID: "repo-1", RepoURL: "https://example.com/demo.git", Name: "demo", IngestStatus: catalog.IngestReady}
	require.NoError(t, store.CreateRepository(context.Background(), repo))
	build := &catalog.Build{ID: "build-1", RepositoryID: repo.ID, Status: catalog.BuildSucceeded, Logs: "line one\nline two\n"}
	require.NoError(t, store.CreateBuild(context.Background(), build))

	rec := doRequest(t, router, http.MethodGet, "/api/v1/builds/build-1/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, build.Logs, body["logs"])

	rec = doRequest(t, router, http.MethodGet, "/api/v1/builds/build-1/logs?download=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, build.Logs, rec.Body.String())
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
