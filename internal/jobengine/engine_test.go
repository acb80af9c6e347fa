package jobengine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlerecovery"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlestore"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
	"github.com/benediktbwimmer/apphub-controlplane/internal/sandbox"
)

type fakeSandbox struct {
	result *sandbox.SandboxResult
	err    error
	called int
}

func (f *fakeSandbox) Execute(ctx context.Context, opts sandbox.SandboxExecutionOptions) (*sandbox.SandboxResult, error) {
	f.called++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fixture struct {
	store   catalog.Store
	queue   *queue.InlineBroker
	cache   *BundleCache
	engine  *Engine
	sandbox *fakeSandbox
}

func newFixture(t *testing.T, sb *fakeSandbox) *fixture {
	t.Helper()
	store := catalog.NewMemStore(nil)
	ctx := context.Background()

	backend, err := bundlestore.NewLocalBackend(t.TempDir(), "test-signing-secret")
	require.NoError(t, err)

	data, err := bundlestore.Pack([]catalog.SuggestedFile{
		{Path: "index.js", Content: "module.exports = { handler: () => ({}) };"},
	}, bundlestore.Manifest{Name: "demo", Version: "1.0.0", Entry: "index.js"})
	require.NoError(t, err)
	checksum := bundlestore.Checksum(data)

	put, err := backend.Put(ctx, bundlestore.PutRequest{Slug: "demo", Version: "1.0.0", Filename: "bundle.tar.gz", Data: data})
	require.NoError(t, err)

	require.NoError(t, store.CreateBundleVersion(ctx, &catalog.JobBundleVersion{
		Slug: "demo", Version: "1.0.0", Checksum: checksum,
		ArtifactStorage: catalog.ArtifactLocal, ArtifactPath: put.Path,
		Manifest: map[string]any{"entryFile": "index.js"},
	}))

	require.NoError(t, store.UpsertJobDefinition(ctx, &catalog.JobDefinition{
		Slug: "demo-job", Name: "demo", Runtime: catalog.RuntimeNode,
		EntryPoint: "bundle:demo@1.0.0#handler",
		TimeoutMs:  5000,
		RetryPolicy: catalog.RetryPolicyView{
			MaxAttempts: 3, InitialDelayMs: 10, MaxDelayMs: 100, Backoff: "fixed",
		},
	}))

	cache, err := NewBundleCache(filepath.Join(t.TempDir(), "cache"), backend, time.Minute)
	require.NoError(t, err)

	recoverer := bundlerecovery.New(store, backend, zap.NewNop())
	q := queue.NewInlineBroker(1)

	if sb == nil {
		sb = &fakeSandbox{result: &sandbox.SandboxResult{Result: map[string]any{"ok": true}}}
	}

	engine := New(store, q, cache, recoverer, sb, nil, func() string { return "worker-1" }, zap.NewNop())

	return &fixture{store: store, queue: q, cache: cache, engine: engine, sandbox: sb}
}

func TestRunSettlesSuccessAndReleasesBundle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.CreateJobRun(ctx, &catalog.JobRun{
		ID: "run-1", JobSlug: "demo-job", Status: catalog.JobRunPending,
		Parameters: map[string]any{"x": 1}, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	err := f.engine.Run(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 1, f.sandbox.called)

	run, err := f.store.GetJobRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, catalog.JobRunSucceeded, run.Status)
	require.Equal(t, true, run.Result["ok"])
	require.NotNil(t, run.CompletedAt)

	key := cacheKey(&catalog.JobBundleVersion{Slug: "demo", Version: "1.0.0", Checksum: mustChecksum(t, f)})
	require.Equal(t, 0, f.cache.entries[key].refs)
}

func mustChecksum(t *testing.T, f *fixture) string {
	t.Helper()
	v, err := f.store.GetBundleVersion(context.Background(), "demo", "1.0.0")
	require.NoError(t, err)
	return v.Checksum
}

func TestRunIgnoresNonPendingRun(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.CreateJobRun(ctx, &catalog.JobRun{
		ID: "run-1", JobSlug: "demo-job", Status: catalog.JobRunRunning,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, f.engine.Run(ctx, "run-1"))
	require.Equal(t, 0, f.sandbox.called)
}

func TestRunRetriesRetryableFailureAndRequeues(t *testing.T) {
	sb := &fakeSandbox{err: apperrors.New(apperrors.KindDependencyFailed, "handler threw")}
	f := newFixture(t, sb)
	ctx := context.Background()

	require.NoError(t, f.store.CreateJobRun(ctx, &catalog.JobRun{
		ID: "run-1", JobSlug: "demo-job", Status: catalog.JobRunPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	err := f.engine.Run(ctx, "run-1")
	require.NoError(t, err)

	run, err := f.store.GetJobRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, catalog.JobRunPending, run.Status)
	require.Equal(t, "", run.OwnerWorker)
	require.Equal(t, "dependency_failed", run.ErrorKind)

	msg, err := f.queue.ReserveNext(ctx, queue.JobRun)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestRunFailsPermanentlyOnSandboxViolation(t *testing.T) {
	sb := &fakeSandbox{err: apperrors.New(apperrors.KindSandboxViolation, "module not permitted")}
	f := newFixture(t, sb)
	ctx := context.Background()

	require.NoError(t, f.store.CreateJobRun(ctx, &catalog.JobRun{
		ID: "run-1", JobSlug: "demo-job", Status: catalog.JobRunPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	err := f.engine.Run(ctx, "run-1")
	require.Error(t, err)

	run, err := f.store.GetJobRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, catalog.JobRunFailed, run.Status)
	require.Equal(t, "sandbox_violation", run.ErrorKind)
}

func TestRunFailsPermanentlyAfterAttemptsExhausted(t *testing.T) {
	sb := &fakeSandbox{err: errors.New("boom")}
	f := newFixture(t, sb)
	ctx := context.Background()

	require.NoError(t, f.store.CreateJobRun(ctx, &catalog.JobRun{
		ID: "run-1", JobSlug: "demo-job", Status: catalog.JobRunPending,
		Attempt: 2, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	err := f.engine.Run(ctx, "run-1")
	require.Error(t, err)

	run, err := f.store.GetJobRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, catalog.JobRunFailed, run.Status)
}

func TestMergeParametersOverridesDefaults(t *testing.T) {
	merged := mergeParameters(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 3})
	require.Equal(t, map[string]any{"a": 1, "b": 3}, merged)
}

func TestEffectiveTimeoutPrefersRunOverride(t *testing.T) {
	require.Equal(t, int64(500), effectiveTimeout(500, 1000))
	require.Equal(t, int64(1000), effectiveTimeout(0, 1000))
}
