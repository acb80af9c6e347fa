// Package buildpipeline implements the image build pipeline: clone at the
// recorded commit, stream an image build through the container engine,
// append-log into the build row, and complete with an image tag or error.
package buildpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/containerengine"
	"github.com/benediktbwimmer/apphub-controlplane/internal/gitfetch"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
)

// maxLogPreviewBytes bounds the tail of build logs the control API exposes.
const maxLogPreviewBytes = 4096

// Pipeline runs one image-build attempt end to end.
type Pipeline struct {
	Store      catalog.Store
	Engine     containerengine.Engine
	ScratchDir string
	ImageTagFn func(build *catalog.Build, repo *catalog.Repository) string
	Log        *zap.Logger
}

// New builds a Pipeline with the default "apphub/<repo-id>:<build-id>" image tag
// scheme.
func New(store catalog.Store, engine containerengine.Engine, scratchDir string, log *zap.Logger) *Pipeline {
	return &Pipeline{
		Store:      store,
		Engine:     engine,
		ScratchDir: scratchDir,
		Log:        log,
		ImageTagFn: func(b *catalog.Build, r *catalog.Repository) string {
			return fmt.Sprintf("apphub/%s:%s", r.ID, b.ID)
		},
	}
}

// BuildMessage is the queue payload for the "build" queue.
type BuildMessage struct {
	BuildID string `json:"buildId"`
}

// HandleMessage is the queue.Handler entry point for the "build" queue.
func (p *Pipeline) HandleMessage(ctx context.Context, msg *queue.Message) error {
	var m BuildMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "decode build message", err)
	}
	return p.Run(ctx, m.BuildID)
}

// EnqueuePayload builds the "build" queue payload for buildID.
func EnqueuePayload(buildID string) ([]byte, error) {
	return marshalMessage(buildID)
}

// Run executes the build for buildID.
func (p *Pipeline) Run(ctx context.Context, buildID string) error {
	build, started, err := p.transitionToRunning(ctx, buildID)
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	repo, err := p.Store.GetRepository(ctx, build.RepositoryID)
	if err != nil {
		return p.fail(ctx, buildID, err)
	}

	start := time.Now()
	obs.PipelineRuns.WithLabelValues("build", "started").Inc()

	imageTag, runErr := p.build(ctx, build, repo)
	elapsed := time.Since(start)
	obs.PipelineDuration.WithLabelValues("build").Observe(elapsed.Seconds())

	if runErr != nil {
		obs.PipelineRuns.WithLabelValues("build", "failed").Inc()
		return p.completeFailure(ctx, buildID, runErr, elapsed)
	}
	obs.PipelineRuns.WithLabelValues("build", "succeeded").Inc()
	return p.completeSuccess(ctx, buildID, imageTag, elapsed)
}

func (p *Pipeline) transitionToRunning(ctx context.Context, buildID string) (*catalog.Build, bool, error) {
	var started bool
	build, err := p.Store.UpdateBuild(ctx, buildID, func(b *catalog.Build) error {
		if b.Status != catalog.BuildPending {
			return nil
		}
		now := time.Now().UTC()
		b.Status = catalog.BuildRunning
		b.StartedAt = &now
		started = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return build, started, nil
}

func (p *Pipeline) build(ctx context.Context, build *catalog.Build, repo *catalog.Repository) (string, error) {
	dir, err := os.MkdirTemp(p.ScratchDir, "build-*")
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindDependencyFailed, "create scratch dir", err)
	}
	defer os.RemoveAll(dir)

	if build.CommitSHA != "" {
		if err := gitfetch.CloneAtCommit(ctx, repo.RepoURL, dir, build.CommitSHA); err != nil {
			return "", err
		}
	} else {
		if _, err := gitfetch.ShallowClone(ctx, repo.RepoURL, dir); err != nil {
			return "", err
		}
	}

	tag := p.ImageTagFn(build, repo)
	return p.buildImage(ctx, build, dir, repo.DockerfilePath, tag)
}

func (p *Pipeline) buildImage(ctx context.Context, build *catalog.Build, dir, dockerfilePath, tag string) (string, error) {
	appendLog := func(line string) {
		if _, err := p.Store.UpdateBuild(ctx, build.ID, func(b *catalog.Build) error {
			b.Logs += line + "\n"
			if len(b.Logs) > maxLogPreviewBytes*4 {
				b.Logs = b.Logs[len(b.Logs)-maxLogPreviewBytes*4:]
			}
			return nil
		}); err != nil {
			p.Log.Warn("failed to append build log line", obs.Err(err))
		}
	}

	resultTag, err := p.Engine.BuildImage(ctx, containerengine.BuildRequest{
		ContextDir: dir,
		Dockerfile: dockerfilePath,
		Tag:        tag,
	}, appendLog)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindDependencyFailed, "image build failed", err)
	}
	return resultTag, nil
}

func (p *Pipeline) completeSuccess(ctx context.Context, buildID, imageTag string, elapsed time.Duration) error {
	now := time.Now().UTC()
	durationMs := elapsed.Milliseconds()
	_, err := p.Store.UpdateBuild(ctx, buildID, func(b *catalog.Build) error {
		b.Status = catalog.BuildSucceeded
		b.ImageTag = imageTag
		b.CompletedAt = &now
		b.DurationMs = &durationMs
		return nil
	})
	return err
}

func (p *Pipeline) completeFailure(ctx context.Context, buildID string, cause error, elapsed time.Duration) error {
	if err := p.fail(ctx, buildID, cause); err != nil {
		return err
	}
	return cause
}

func (p *Pipeline) fail(ctx context.Context, buildID string, cause error) error {
	now := time.Now().UTC()
	_, err := p.Store.UpdateBuild(ctx, buildID, func(b *catalog.Build) error {
		b.Status = catalog.BuildFailed
		b.ErrorMessage = apperrors.Truncate(cause.Error(), 500)
		b.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	return cause
}

// LogPreview returns the last maxLogPreviewBytes of a build's log column,
// the way the control API exposes it.
func LogPreview(logs string) string {
	if len(logs) <= maxLogPreviewBytes {
		return logs
	}
	return logs[len(logs)-maxLogPreviewBytes:]
}

// marshalMessage is a small helper pipelines' callers use to build a
// BuildMessage payload for queue.Enqueue.
func marshalMessage(buildID string) ([]byte, error) {
	return json.Marshal(BuildMessage{BuildID: buildID})
}
