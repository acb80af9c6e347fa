package bundlerecovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlestore"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/obs"
)

const defaultMaxProbeAttempts = 20

// Recoverer repacks a job bundle from its embedded AI-builder suggestion
// when the stored artifact is missing or fails a checksum check.
type Recoverer struct {
	Store            catalog.Store
	Backend          bundlestore.Backend
	StrictChecksum   bool
	MaxProbeAttempts int
	Log              *zap.Logger
}

// New builds a Recoverer with the bounded-attempt default.
func New(store catalog.Store, backend bundlestore.Backend, log *zap.Logger) *Recoverer {
	return &Recoverer{Store: store, Backend: backend, StrictChecksum: true, MaxProbeAttempts: defaultMaxProbeAttempts, Log: log}
}

// Recover resolves jobSlug's entry point and repacks its bundle. It returns
// the version record the job should now point at. If no suggestion is
// available or repacking fails, it returns a bundle_unrecoverable error.
func (r *Recoverer) Recover(ctx context.Context, jobSlug string) (*catalog.JobBundleVersion, error) {
	job, err := r.Store.GetJobDefinition(ctx, jobSlug)
	if err != nil {
		return nil, err
	}
	entry, isBundle, err := ParseEntryPoint(job.EntryPoint)
	if err != nil {
		return nil, err
	}
	if !isBundle {
		return nil, apperrors.New(apperrors.KindValidation, "job entry point is not a bundle reference")
	}
	if job.Suggestion == nil || job.Suggestion.Slug != entry.Slug {
		return nil, apperrors.New(apperrors.KindBundleUnrecoverable, "no AI-builder suggestion available for "+entry.String())
	}

	entryFile, _ := job.Suggestion.Manifest["entry"].(string)
	manifest := bundlestore.Manifest{
		Name:         job.Suggestion.Slug,
		Version:      job.Suggestion.Version,
		Entry:        entryFile,
		Capabilities: job.Suggestion.Capabilities,
	}
	packed, err := bundlestore.Pack(job.Suggestion.Files, manifest)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBundleUnrecoverable, "repackaging bundle failed", err)
	}
	checksum := bundlestore.Checksum(packed)

	existing, getErr := r.Store.GetBundleVersion(ctx, entry.Slug, entry.Version)
	if getErr == nil && (!r.StrictChecksum || existing.Checksum == checksum) {
		return r.restoreInPlace(ctx, existing, packed, checksum)
	}

	return r.regenerate(ctx, job, entry, packed, checksum)
}

func (r *Recoverer) restoreInPlace(ctx context.Context, existing *catalog.JobBundleVersion, packed []byte, checksum string) (*catalog.JobBundleVersion, error) {
	_, err := r.Backend.Put(ctx, bundlestore.PutRequest{
		Slug:        existing.Slug,
		Version:     existing.Version,
		Filename:    existing.ArtifactPath,
		ContentType: existing.ArtifactContentType,
		Data:        packed,
		Force:       true,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBundleUnrecoverable, "writing restored artifact failed", err)
	}
	if err := r.Store.AppendBundleHistory(ctx, existing.Slug, existing.Version, catalog.BundleHistoryEntry{
		Source:    "restored",
		Checksum:  checksum,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	if r.Log != nil {
		r.Log.Info("bundle restored in place", obs.String("slug", existing.Slug), obs.String("version", existing.Version))
	}
	restored, err := r.Store.GetBundleVersion(ctx, existing.Slug, existing.Version)
	if err != nil {
		return nil, err
	}
	return restored, nil
}

func (r *Recoverer) regenerate(ctx context.Context, job *catalog.JobDefinition, entry EntryPoint, packed []byte, checksum string) (*catalog.JobBundleVersion, error) {
	base, ok := parseSemver(entry.Version)
	if !ok {
		return nil, apperrors.New(apperrors.KindBundleUnrecoverable, "cannot bump non-semver bundle version: "+entry.Version)
	}

	newVersion, err := r.probeFreeVersion(ctx, entry.Slug, base)
	if err != nil {
		return nil, err
	}

	put, err := r.Backend.Put(ctx, bundlestore.PutRequest{
		Slug:        entry.Slug,
		Version:     newVersion,
		Filename:    "bundle.tar.gz",
		ContentType: "application/gzip",
		Data:        packed,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBundleUnrecoverable, "publishing regenerated artifact failed", err)
	}

	entryFile, _ := job.Suggestion.Manifest["entry"].(string)
	now := time.Now().UTC()
	version := &catalog.JobBundleVersion{
		Slug:                entry.Slug,
		Version:             newVersion,
		Checksum:            checksum,
		ArtifactStorage:     catalog.ArtifactStorageKind(r.Backend.Kind()),
		ArtifactPath:        put.Path,
		ArtifactSize:        put.Size,
		ArtifactContentType: "application/gzip",
		Manifest:            map[string]any{"name": job.Suggestion.Slug, "version": newVersion, "entry": entryFile},
		CapabilityFlags:     job.Suggestion.Capabilities,
		History: []catalog.BundleHistoryEntry{
			{Source: "regenerated", Checksum: checksum, Timestamp: now},
		},
	}
	if err := r.Store.CreateBundleVersion(ctx, version); err != nil {
		return nil, err
	}

	newEntry := EntryPoint{Slug: entry.Slug, Version: newVersion, ExportName: entry.ExportName}
	if err := r.Store.UpsertJobDefinition(ctx, &catalog.JobDefinition{
		Slug:              job.Slug,
		Name:              job.Name,
		Type:              job.Type,
		Version:           job.Version,
		Runtime:           job.Runtime,
		EntryPoint:        newEntry.String(),
		TimeoutMs:         job.TimeoutMs,
		RetryPolicy:       job.RetryPolicy,
		ParametersSchema:  job.ParametersSchema,
		DefaultParameters: job.DefaultParameters,
		Metadata:          job.Metadata,
		Suggestion:        job.Suggestion,
		CreatedAt:         job.CreatedAt,
	}); err != nil {
		return nil, err
	}

	if r.Log != nil {
		r.Log.Info("bundle regenerated", obs.String("slug", entry.Slug), obs.String("version", newVersion))
	}
	return version, nil
}

// probeFreeVersion bumps the patch component until an unused version is
// found, bounded at MaxProbeAttempts, then falls back to a
// "+regen-<epochMs>" build-metadata suffix that is always free.
func (r *Recoverer) probeFreeVersion(ctx context.Context, slug string, base semver) (string, error) {
	candidate := base.bumpPatch()
	max := r.MaxProbeAttempts
	if max <= 0 {
		max = defaultMaxProbeAttempts
	}
	for i := 0; i < max; i++ {
		_, err := r.Store.GetBundleVersion(ctx, slug, candidate.String())
		if apperrors.Is(err, apperrors.KindNotFound) {
			return candidate.String(), nil
		}
		candidate = candidate.bumpPatch()
	}
	return fmt.Sprintf("%s+regen-%d", candidate.String(), time.Now().UnixMilli()), nil
}
