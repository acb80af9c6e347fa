// Package ingestion implements the repository ingestion pipeline: clone,
// Dockerfile detection, tag/preview-tile derivation, and the
// pending/processing/ready/failed repository state machine.
package ingestion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/buildpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/gitfetch"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
)

// conventionalDockerfilePaths are probed, in order, when a repository does
// not declare an explicit dockerfile_path.
var conventionalDockerfilePaths = []string{
	"Dockerfile",
	"docker/Dockerfile",
	"deploy/Dockerfile",
	".docker/Dockerfile",
	"Dockerfile.prod",
}

// Pipeline runs the ingestion steps for one repository_id message.
type Pipeline struct {
	Store      catalog.Store
	Queue      queue.Queue
	ScratchDir string
	Log        *zap.Logger

	// AutoEnqueueBuild controls step 7: create a build record and enqueue
	// it immediately after a successful ingest.
	AutoEnqueueBuild bool
}

// New builds a Pipeline with a scratch directory for clone checkouts.
func New(store catalog.Store, q queue.Queue, scratchDir string, log *zap.Logger) *Pipeline {
	return &Pipeline{Store: store, Queue: q, ScratchDir: scratchDir, Log: log, AutoEnqueueBuild: true}
}

// IngestRepositoryMessage is the queue payload for the "ingest" queue.
type IngestRepositoryMessage struct {
	RepositoryID string `json:"repositoryId"`
}

// HandleMessage is the queue.Handler entry point for the "ingest" queue.
func (p *Pipeline) HandleMessage(ctx context.Context, msg *queue.Message) error {
	var m IngestRepositoryMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "decode ingest message", err)
	}
	return p.Run(ctx, m.RepositoryID)
}

// Run executes the full ingestion sequence for repositoryID.
func (p *Pipeline) Run(ctx context.Context, repositoryID string) error {
	start := time.Now()

	repo, err := p.transitionToProcessing(ctx, repositoryID)
	if err != nil {
		return err
	}
	if repo == nil {
		// Not currently pending; another worker already claimed it, or it
		// was never queued in a pending state. Abandon quietly.
		return nil
	}

	attempt := repo.IngestAttempts
	obs.PipelineRuns.WithLabelValues("ingestion", "started").Inc()

	commitSHA, dockerfilePath, tags, tiles, err := p.ingest(ctx, repo)
	elapsed := time.Since(start)

	if err != nil {
		p.fail(ctx, repositoryID, attempt, elapsed, err)
		obs.PipelineRuns.WithLabelValues("ingestion", "failed").Inc()
		obs.PipelineDuration.WithLabelValues("ingestion").Observe(elapsed.Seconds())
		return err
	}

	if err := p.succeed(ctx, repositoryID, attempt, elapsed, commitSHA, dockerfilePath, tags, tiles); err != nil {
		return err
	}
	obs.PipelineRuns.WithLabelValues("ingestion", "succeeded").Inc()
	obs.PipelineDuration.WithLabelValues("ingestion").Observe(elapsed.Seconds())

	if p.AutoEnqueueBuild {
		if err := p.enqueueBuild(ctx, repositoryID, commitSHA); err != nil {
			p.Log.Warn("failed to enqueue build after ingest", obs.String("repositoryId", repositoryID), obs.Err(err))
		}
	}
	return nil
}

// transitionToProcessing atomically moves a repository from pending to
// processing, clearing ingest_error and incrementing ingest_attempts. It
// returns (nil, nil) if the repository was not pending.
func (p *Pipeline) transitionToProcessing(ctx context.Context, repositoryID string) (*catalog.Repository, error) {
	var abandoned bool
	repo, err := p.Store.UpdateRepository(ctx, repositoryID, func(r *catalog.Repository) error {
		if r.IngestStatus != catalog.IngestPending {
			abandoned = true
			return nil
		}
		r.IngestStatus = catalog.IngestProcessing
		r.IngestError = ""
		r.IngestAttempts++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if abandoned {
		return nil, nil
	}
	return repo, nil
}

// ingest performs steps 2-5: clone, detect, derive, replace.
func (p *Pipeline) ingest(ctx context.Context, repo *catalog.Repository) (commitSHA, dockerfilePath string, tags []catalog.Tag, tiles []catalog.PreviewTile, err error) {
	dir, err := os.MkdirTemp(p.ScratchDir, "ingest-*")
	if err != nil {
		return "", "", nil, nil, apperrors.Wrap(apperrors.KindDependencyFailed, "create scratch dir", err)
	}
	defer os.RemoveAll(dir)

	commitSHA, err = gitfetch.ShallowClone(ctx, repo.RepoURL, dir)
	if err != nil {
		return "", "", nil, nil, err
	}

	dockerfilePath, err = detectDockerfile(dir, repo.DockerfilePath)
	if err != nil {
		return "", "", nil, nil, err
	}

	meta := detectPackageMetadata(dir)
	tags = deriveTags(dockerfilePath, meta)
	tiles = derivePreviewTiles(dir, meta)
	return commitSHA, dockerfilePath, tags, tiles, nil
}

// detectDockerfile validates an explicit path, or probes conventional
// locations in order.
func detectDockerfile(repoDir, explicit string) (string, error) {
	if explicit != "" {
		if fileExists(filepath.Join(repoDir, explicit)) {
			return explicit, nil
		}
		return "", apperrors.New(apperrors.KindValidation, "declared dockerfile_path not found: "+explicit)
	}
	for _, candidate := range conventionalDockerfilePaths {
		if fileExists(filepath.Join(repoDir, candidate)) {
			return candidate, nil
		}
	}
	return "", apperrors.New(apperrors.KindValidation, "no Dockerfile found at any conventional location")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// succeed performs step 6: replace tags/tiles and transition to ready.
func (p *Pipeline) succeed(ctx context.Context, repositoryID string, attempt int, elapsed time.Duration, commitSHA, dockerfilePath string, tags []catalog.Tag, tiles []catalog.PreviewTile) error {
	now := time.Now().UTC()
	_, err := p.Store.UpdateRepository(ctx, repositoryID, func(r *catalog.Repository) error {
		r.IngestStatus = catalog.IngestReady
		r.LastIngestedAt = &now
		r.DockerfilePath = dockerfilePath
		r.Tags = replaceSystemTags(r.Tags, tags)
		r.PreviewTiles = tiles
		return nil
	})
	if err != nil {
		return err
	}
	return p.Store.AppendIngestionEvent(ctx, &catalog.IngestionEvent{
		RepositoryID: repositoryID,
		Status:       catalog.IngestReady,
		CommitSHA:    commitSHA,
		Attempt:      attempt,
		DurationMs:   elapsed.Milliseconds(),
		CreatedAt:    now,
	})
}

// fail writes the truncated error message and transitions to failed.
func (p *Pipeline) fail(ctx context.Context, repositoryID string, attempt int, elapsed time.Duration, cause error) {
	msg := apperrors.Truncate(cause.Error(), 500)
	now := time.Now().UTC()
	_, updateErr := p.Store.UpdateRepository(ctx, repositoryID, func(r *catalog.Repository) error {
		r.IngestStatus = catalog.IngestFailed
		r.IngestError = msg
		return nil
	})
	if updateErr != nil {
		p.Log.Error("failed to record ingestion failure", obs.String("repositoryId", repositoryID), obs.Err(updateErr))
	}
	if evErr := p.Store.AppendIngestionEvent(ctx, &catalog.IngestionEvent{
		RepositoryID: repositoryID,
		Status:       catalog.IngestFailed,
		Message:      msg,
		Attempt:      attempt,
		DurationMs:   elapsed.Milliseconds(),
		CreatedAt:    now,
	}); evErr != nil {
		p.Log.Error("failed to append ingestion event", obs.String("repositoryId", repositoryID), obs.Err(evErr))
	}
}

// replaceSystemTags drops prior source="system" tags and appends the
// freshly derived set, preserving any user-authored tags untouched.
func replaceSystemTags(existing []catalog.Tag, fresh []catalog.Tag) []catalog.Tag {
	out := make([]catalog.Tag, 0, len(existing)+len(fresh))
	for _, t := range existing {
		if t.Source != "system" {
			out = append(out, t)
		}
	}
	for _, t := range fresh {
		t.Source = "system"
		out = append(out, t)
	}
	return out
}

func (p *Pipeline) enqueueBuild(ctx context.Context, repositoryID, commitSHA string) error {
	build := &catalog.Build{
		ID:           catalog.NewID("build"),
		RepositoryID: repositoryID,
		Status:       catalog.BuildPending,
		CommitSHA:    commitSHA,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := p.Store.CreateBuild(ctx, build); err != nil {
		return err
	}
	payload, err := buildpipeline.EnqueuePayload(build.ID)
	if err != nil {
		return err
	}
	return p.Queue.Enqueue(ctx, queue.Build, payload, queue.EnqueueOptions{})
}
