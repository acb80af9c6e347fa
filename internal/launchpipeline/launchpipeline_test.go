package launchpipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/containerengine"
)

type fakeEngine struct {
	runCalls  []containerengine.RunRequest
	stopCalls []string
	runResult *containerengine.RunResult
	runErr    error
}

func (f *fakeEngine) BuildImage(ctx context.Context, req containerengine.BuildRequest, onLogLine func(string)) (string, error) {
	return "", nil
}
func (f *fakeEngine) EnsureNetwork(ctx context.Context, name string) (string, error) { return "net-1", nil }
func (f *fakeEngine) RunContainer(ctx context.Context, req containerengine.RunRequest) (*containerengine.RunResult, error) {
	f.runCalls = append(f.runCalls, req)
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.runResult != nil {
		return f.runResult, nil
	}
	return &containerengine.RunResult{ContainerID: "container-1", HostPort: 54321}, nil
}
func (f *fakeEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.stopCalls = append(f.stopCalls, id)
	return nil
}
func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error { return nil }
func (f *fakeEngine) Close() error                                        { return nil }

func newFixture(t *testing.T) (*Pipeline, catalog.Store, *fakeEngine) {
	store := catalog.NewMemStore(nil)
	engine := &fakeEngine{}
	p := New(store, nil, engine, "", "preview-secret", 8080, zap.NewNop())
	return p, store, engine
}

func TestStartTransitionsToRunningAndRecordsContainer(t *testing.T) {
	p, store, engine := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRepository(ctx, &catalog.Repository{ID: "repo-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateBuild(ctx, &catalog.Build{ID: "build-1", RepositoryID: "repo-1", Status: catalog.BuildSucceeded, ImageTag: "apphub/repo-1:build-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateLaunch(ctx, &catalog.Launch{ID: "launch-1", RepositoryID: "repo-1", BuildID: "build-1", Status: catalog.LaunchPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	require.NoError(t, p.Start(ctx, "launch-1"))

	launch, err := store.GetLaunch(ctx, "launch-1")
	require.NoError(t, err)
	require.Equal(t, catalog.LaunchRunning, launch.Status)
	require.Equal(t, "container-1", launch.ContainerID)
	require.Equal(t, 54321, launch.Port)
	require.NotNil(t, launch.StartedAt)
	require.Len(t, engine.runCalls, 1)
}

func TestStartFailsWhenBuildNotSucceeded(t *testing.T) {
	p, store, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRepository(ctx, &catalog.Repository{ID: "repo-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateBuild(ctx, &catalog.Build{ID: "build-1", RepositoryID: "repo-1", Status: catalog.BuildRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateLaunch(ctx, &catalog.Launch{ID: "launch-1", RepositoryID: "repo-1", BuildID: "build-1", Status: catalog.LaunchPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	err := p.Start(ctx, "launch-1")
	require.Error(t, err)

	launch, getErr := store.GetLaunch(ctx, "launch-1")
	require.NoError(t, getErr)
	require.Equal(t, catalog.LaunchFailed, launch.Status)
	require.NotEmpty(t, launch.ErrorMessage)
}

func TestStartUsesSignedPreviewURLWhenConfigured(t *testing.T) {
	store := catalog.NewMemStore(nil)
	engine := &fakeEngine{}
	p := New(store, nil, engine, "https://preview.example.com/p", "preview-secret", 8080, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, store.CreateRepository(ctx, &catalog.Repository{ID: "repo-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateBuild(ctx, &catalog.Build{ID: "build-1", RepositoryID: "repo-1", Status: catalog.BuildSucceeded, ImageTag: "apphub/repo-1:build-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateLaunch(ctx, &catalog.Launch{ID: "launch-1", RepositoryID: "repo-1", BuildID: "build-1", Status: catalog.LaunchPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}))

	require.NoError(t, p.Start(ctx, "launch-1"))
	launch, err := store.GetLaunch(ctx, "launch-1")
	require.NoError(t, err)
	require.Contains(t, launch.InstanceURL, "https://preview.example.com/p?repositoryId=repo-1&token=")
}

func TestStopClearsContainerFieldsAndStopsEngine(t *testing.T) {
	p, store, engine := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRepository(ctx, &catalog.Repository{ID: "repo-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateLaunch(ctx, &catalog.Launch{
		ID: "launch-1", RepositoryID: "repo-1", Status: catalog.LaunchRunning, ContainerID: "container-1", Port: 1234,
		InstanceURL: "http://localhost:1234", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, p.Stop(ctx, "launch-1"))

	launch, err := store.GetLaunch(ctx, "launch-1")
	require.NoError(t, err)
	require.Equal(t, catalog.LaunchStopped, launch.Status)
	require.Empty(t, launch.ContainerID)
	require.Empty(t, launch.InstanceURL)
	require.Zero(t, launch.Port)
	require.NotNil(t, launch.StoppedAt)
	require.Equal(t, []string{"container-1"}, engine.stopCalls)
}

func TestResolveEnvRequestOverridesRepositoryTemplate(t *testing.T) {
	p, store, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRepository(ctx, &catalog.Repository{
		ID: "repo-1",
		LaunchEnvTemplates: []catalog.LaunchEnvTemplate{
			{Name: "LOG_LEVEL", DefaultValue: "info"},
		},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	launch := &catalog.Launch{RepositoryID: "repo-1", Env: []catalog.EnvVar{{Key: "LOG_LEVEL", Value: "debug"}}}

	resolved, err := p.resolveEnv(ctx, launch)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, "debug", resolved[0].Value)
}

func TestResolveEnvFromServiceFallsBackWhenFieldMissing(t *testing.T) {
	p, store, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertService(ctx, &catalog.Service{Slug: "auth", BaseURL: ""}))
	require.NoError(t, store.CreateRepository(ctx, &catalog.Repository{ID: "repo-1", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	launch := &catalog.Launch{RepositoryID: "repo-1", Env: []catalog.EnvVar{{Key: "AUTH_URL", FromService: "auth", Field: "baseUrl", Fallback: "http://localhost:9000"}}}

	resolved, err := p.resolveEnv(ctx, launch)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9000", resolved[0].Value)
}

func TestStartNetworkRespectsOrderAndDependsOn(t *testing.T) {
	p, store, _ := newFixture(t)
	ctx := context.Background()

	for _, repoID := range []string{"repo-a", "repo-b"} {
		require.NoError(t, store.CreateRepository(ctx, &catalog.Repository{ID: repoID, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
		require.NoError(t, store.CreateBuild(ctx, &catalog.Build{ID: "build-" + repoID, RepositoryID: repoID, Status: catalog.BuildSucceeded, ImageTag: "tag", CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	}
	require.NoError(t, store.CreateLaunch(ctx, &catalog.Launch{ID: "launch-a", RepositoryID: "repo-a", BuildID: "build-repo-a", Status: catalog.LaunchPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateLaunch(ctx, &catalog.Launch{ID: "launch-b", RepositoryID: "repo-b", BuildID: "build-repo-b", Status: catalog.LaunchPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	require.NoError(t, store.CreateServiceNetwork(ctx, &catalog.ServiceNetwork{ID: "net-1", Name: "demo"}, nil))

	members := []catalog.NetworkMember{
		{RepositoryID: "repo-b", LaunchOrder: 2, DependsOn: []string{"repo-a"}},
		{RepositoryID: "repo-a", LaunchOrder: 1},
	}
	memberLaunchIDs := map[string]string{"repo-a": "launch-a", "repo-b": "launch-b"}

	require.NoError(t, p.StartNetwork(ctx, "net-1", memberLaunchIDs, members))

	a, err := store.GetLaunch(ctx, "launch-a")
	require.NoError(t, err)
	require.Equal(t, catalog.LaunchRunning, a.Status)
	b, err := store.GetLaunch(ctx, "launch-b")
	require.NoError(t, err)
	require.Equal(t, catalog.LaunchRunning, b.Status)
}

func TestStartNetworkFailsWhenDependencyNotYetStarted(t *testing.T) {
	p, store, _ := newFixture(t)
	ctx := context.Background()
	require.NoError(t, store.CreateServiceNetwork(ctx, &catalog.ServiceNetwork{ID: "net-1", Name: "demo"}, nil))

	members := []catalog.NetworkMember{
		{RepositoryID: "repo-b", LaunchOrder: 1, DependsOn: []string{"repo-a"}},
	}
	memberLaunchIDs := map[string]string{"repo-b": "launch-b"}

	err := p.StartNetwork(ctx, "net-1", memberLaunchIDs, members)
	require.Error(t, err)
}
