// Package launchpipeline implements the launch-start/launch-stop pipeline:
// resolving a succeeded build, merging and resolving env vars, starting or
// stopping a preview container, and orchestrating ordered service-network
// startup.
package launchpipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/containerengine"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
)

// Pipeline runs launch-start/launch-stop transitions.
type Pipeline struct {
	Store          catalog.Store
	Queue          queue.Queue
	Engine         containerengine.Engine
	PreviewBaseURL string
	PreviewSecret  string
	ContainerPort  int
	NetworkName    string
	Log            *zap.Logger
}

// New builds a Pipeline. containerPort is the port every preview image is
// expected to listen on inside the container.
func New(store catalog.Store, q queue.Queue, engine containerengine.Engine, previewBaseURL, previewSecret string, containerPort int, log *zap.Logger) *Pipeline {
	return &Pipeline{
		Store: store, Queue: q, Engine: engine,
		PreviewBaseURL: previewBaseURL, PreviewSecret: previewSecret,
		ContainerPort: containerPort, NetworkName: "apphub-preview", Log: log,
	}
}

// StartMessage is the queue payload for "launch-start".
type StartMessage struct {
	LaunchID string            `json:"launchId"`
	Env      map[string]string `json:"env,omitempty"`
}

// StopMessage is the queue payload for "launch-stop".
type StopMessage struct {
	LaunchID string `json:"launchId"`
}

func (p *Pipeline) HandleStart(ctx context.Context, msg *queue.Message) error {
	var m StartMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "decode launch-start message", err)
	}
	return p.Start(ctx, m.LaunchID)
}

func (p *Pipeline) HandleStop(ctx context.Context, msg *queue.Message) error {
	var m StopMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "decode launch-stop message", err)
	}
	return p.Stop(ctx, m.LaunchID)
}

// Start runs the full start path for one launch.
func (p *Pipeline) Start(ctx context.Context, launchID string) error {
	launch, started, err := p.transitionToStarting(ctx, launchID)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	obs.PipelineRuns.WithLabelValues("launch-start", "started").Inc()
	startedAt := time.Now()

	build, err := p.Store.GetBuild(ctx, launch.BuildID)
	if err != nil {
		return p.failLaunch(ctx, launchID, apperrors.Wrap(apperrors.KindNotFound, "build not found", err))
	}
	if build.Status != catalog.BuildSucceeded {
		return p.failLaunch(ctx, launchID, apperrors.New(apperrors.KindDependencyFailed, "build has not succeeded"))
	}

	resolvedEnv, err := p.resolveEnv(ctx, launch)
	if err != nil {
		return p.failLaunch(ctx, launchID, err)
	}

	envMap := make(map[string]string, len(resolvedEnv))
	for _, e := range resolvedEnv {
		envMap[e.Key] = e.Value
	}

	result, err := p.Engine.RunContainer(ctx, containerengine.RunRequest{
		Name:          "apphub-" + launchID,
		Image:         build.ImageTag,
		Env:           envMap,
		ContainerPort: p.ContainerPort,
		NetworkName:   p.NetworkName,
		Labels:        map[string]string{"apphub.launch_id": launchID, "apphub.repository_id": launch.RepositoryID},
	})
	if err != nil {
		return p.failLaunch(ctx, launchID, apperrors.Wrap(apperrors.KindDependencyFailed, "container run failed", err))
	}

	instanceURL := fmt.Sprintf("http://localhost:%d", result.HostPort)
	if p.PreviewBaseURL != "" {
		instanceURL = p.signedPreviewURL(launchID, launch.RepositoryID)
	}

	now := time.Now().UTC()
	_, err = p.Store.UpdateLaunch(ctx, launchID, func(l *catalog.Launch) error {
		l.Status = catalog.LaunchRunning
		l.ContainerID = result.ContainerID
		l.Port = result.HostPort
		l.InstanceURL = instanceURL
		l.Env = resolvedEnv
		l.StartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	obs.PipelineRuns.WithLabelValues("launch-start", "succeeded").Inc()
	obs.PipelineDuration.WithLabelValues("launch-start").Observe(time.Since(startedAt).Seconds())
	return nil
}

// Stop runs the full stop path for one launch.
func (p *Pipeline) Stop(ctx context.Context, launchID string) error {
	launch, stopping, err := p.transitionToStopping(ctx, launchID)
	if err != nil {
		return err
	}
	if !stopping {
		return nil
	}

	if launch.ContainerID != "" {
		if err := p.Engine.StopContainer(ctx, launch.ContainerID, 0); err != nil {
			return p.failLaunch(ctx, launchID, apperrors.Wrap(apperrors.KindDependencyFailed, "container stop failed", err))
		}
		if err := p.Engine.RemoveContainer(ctx, launch.ContainerID); err != nil {
			p.Log.Warn("failed to remove stopped container", obs.String("launchId", launchID), obs.Err(err))
		}
	}

	now := time.Now().UTC()
	_, err = p.Store.UpdateLaunch(ctx, launchID, func(l *catalog.Launch) error {
		l.Status = catalog.LaunchStopped
		l.ContainerID = ""
		l.InstanceURL = ""
		l.Port = 0
		l.StoppedAt = &now
		return nil
	})
	return err
}

func (p *Pipeline) transitionToStarting(ctx context.Context, launchID string) (*catalog.Launch, bool, error) {
	var started bool
	launch, err := p.Store.UpdateLaunch(ctx, launchID, func(l *catalog.Launch) error {
		if l.Status != catalog.LaunchPending {
			return nil
		}
		l.Status = catalog.LaunchStarting
		l.ContainerID = ""
		l.InstanceURL = ""
		l.Port = 0
		l.ErrorMessage = ""
		started = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return launch, started, nil
}

func (p *Pipeline) transitionToStopping(ctx context.Context, launchID string) (*catalog.Launch, bool, error) {
	var stopping bool
	launch, err := p.Store.UpdateLaunch(ctx, launchID, func(l *catalog.Launch) error {
		if l.Status != catalog.LaunchRunning && l.Status != catalog.LaunchStarting {
			return nil
		}
		l.Status = catalog.LaunchStopping
		stopping = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return launch, stopping, nil
}

func (p *Pipeline) failLaunch(ctx context.Context, launchID string, cause error) error {
	_, err := p.Store.UpdateLaunch(ctx, launchID, func(l *catalog.Launch) error {
		l.Status = catalog.LaunchFailed
		l.ErrorMessage = apperrors.Truncate(cause.Error(), 500)
		return nil
	})
	if err != nil {
		return err
	}
	obs.PipelineRuns.WithLabelValues("launch-start", "failed").Inc()
	return cause
}

// resolveEnv merges the launch's request-supplied env (request wins) with
// the repository's launch_env_templates, then expands fromService
// references against the service registry.
func (p *Pipeline) resolveEnv(ctx context.Context, launch *catalog.Launch) ([]catalog.EnvVar, error) {
	repo, err := p.Store.GetRepository(ctx, launch.RepositoryID)
	if err != nil {
		return nil, err
	}

	merged := map[string]catalog.EnvVar{}
	for _, tmpl := range repo.LaunchEnvTemplates {
		merged[tmpl.Name] = catalog.EnvVar{Key: tmpl.Name, Value: tmpl.DefaultValue}
	}
	for _, e := range launch.Env {
		merged[e.Key] = e
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	resolved := make([]catalog.EnvVar, 0, len(keys))
	for _, k := range keys {
		e := merged[k]
		if e.FromService != "" {
			value, err := p.resolveFromService(ctx, e)
			if err != nil {
				return nil, err
			}
			e.Value = value
		}
		resolved = append(resolved, e)
	}
	return resolved, nil
}

func (p *Pipeline) resolveFromService(ctx context.Context, e catalog.EnvVar) (string, error) {
	svc, err := p.Store.GetService(ctx, e.FromService)
	if err != nil {
		if e.Fallback != "" {
			return e.Fallback, nil
		}
		return "", apperrors.Wrap(apperrors.KindDependencyFailed, "fromService reference unresolved: "+e.FromService, err)
	}
	switch e.Field {
	case "baseUrl", "instanceUrl":
		if svc.BaseURL != "" {
			return svc.BaseURL, nil
		}
	case "host":
		if svc.Host != "" {
			return svc.Host, nil
		}
	case "port":
		if svc.Port != 0 {
			return fmt.Sprintf("%d", svc.Port), nil
		}
	default:
		if svc.BaseURL != "" {
			return svc.BaseURL, nil
		}
	}
	if e.Fallback != "" {
		return e.Fallback, nil
	}
	return "", apperrors.New(apperrors.KindDependencyFailed, "fromService field unavailable: "+e.FromService+"."+e.Field)
}

// signedPreviewURL builds "<base>?repositoryId=<id>&token=<hmac>" where
// token = HMAC-SHA256(secret, "<launchId>:<repositoryId>").
func (p *Pipeline) signedPreviewURL(launchID, repositoryID string) string {
	mac := hmac.New(sha256.New, []byte(p.PreviewSecret))
	mac.Write([]byte(launchID + ":" + repositoryID))
	token := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s?repositoryId=%s&token=%s", p.PreviewBaseURL, repositoryID, token)
}
