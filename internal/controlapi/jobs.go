package controlapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
	"github.com/benediktbwimmer/apphub-controlplane/internal/bundlestore"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/jobengine"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
)

func (s *Server) registerJobRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/job-definitions", s.handleListJobDefinitions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/job-definitions/{slug}", s.handleUpsertJobDefinition).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/job-definitions/{slug}", s.handleGetJobDefinition).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/job-bundles/{slug}", s.handlePublishBundle).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/job-bundles/{slug}/versions", s.handleListBundleVersions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/job-bundles/{slug}/versions/{version}", s.handleGetBundleVersion).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/jobs/{slug}/bundle/regenerate", s.handleRegenerateBundle).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/job-runs", s.handleListJobRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/job-runs", s.handleCreateJobRun).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/job-runs/{id}", s.handleGetJobRun).Methods(http.MethodGet)
}

func (s *Server) handleListJobDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.Store.ListJobDefinitions(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobDefinitions": defs})
}

func (s *Server) handleGetJobDefinition(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	def, err := s.Store.GetJobDefinition(r.Context(), slug)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpsertJobDefinition(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	var def catalog.JobDefinition
	if err := decodeJSON(r, &def); err != nil {
		writeAppError(w, err)
		return
	}
	def.Slug = slug
	now := time.Now().UTC()
	if existing, err := s.Store.GetJobDefinition(r.Context(), slug); err == nil {
		def.CreatedAt = existing.CreatedAt
	} else {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	if err := s.Store.UpsertJobDefinition(r.Context(), &def); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &def)
}

type publishBundleRequest struct {
	Version      string                   `json:"version"`
	Files        []catalog.SuggestedFile  `json:"files"`
	Manifest     bundlestore.Manifest     `json:"manifest"`
	Metadata     map[string]any           `json:"metadata,omitempty"`
	Force        bool                     `json:"force"`
}

func (s *Server) handlePublishBundle(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	var req publishBundleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.Version == "" || len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "version and files are required")
		return
	}

	req.Manifest.Name = slug
	req.Manifest.Version = req.Version
	archive, err := bundlestore.Pack(req.Files, req.Manifest)
	if err != nil {
		writeAppError(w, apperrors.Wrap(apperrors.KindValidation, "pack bundle", err))
		return
	}

	put, err := s.Bundles.Put(r.Context(), bundlestore.PutRequest{
		Slug:        slug,
		Version:     req.Version,
		Filename:    slug + "-" + req.Version + ".tar.gz",
		ContentType: "application/gzip",
		Data:        archive,
		Force:       req.Force,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	now := time.Now().UTC()
	version := &catalog.JobBundleVersion{
		Slug:                slug,
		Version:             req.Version,
		Checksum:            put.Checksum,
		ArtifactStorage:     catalog.ArtifactLocal,
		ArtifactPath:        put.Path,
		ArtifactSize:        put.Size,
		ArtifactContentType: "application/gzip",
		Manifest:            manifestToMap(req.Manifest),
		CapabilityFlags:     req.Manifest.Capabilities,
		Metadata:            req.Metadata,
		ArtifactData:        archive,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if s.Bundles.Kind() == "s3" {
		version.ArtifactStorage = catalog.ArtifactS3
	}

	if !put.Reused {
		if err := s.Store.CreateBundleVersion(r.Context(), version); err != nil {
			writeAppError(w, err)
			return
		}
	}
	if err := s.Store.AppendBundleHistory(r.Context(), slug, req.Version, catalog.BundleHistoryEntry{
		Source: "published", Checksum: put.Checksum, Timestamp: now,
	}); err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, version)
}

func manifestToMap(m bundlestore.Manifest) map[string]any {
	raw, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func (s *Server) handleListBundleVersions(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	versions, err := s.Store.ListBundleVersions(r.Context(), slug)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// handleRegenerateBundle is the operator-triggered equivalent of the
// recovery jobengine.Engine.execute falls back to automatically when a run
// can't find its bundle artifact. It invokes the same Recoverer directly,
// outside of a job run, so an operator can repair a definition proactively.
func (s *Server) handleRegenerateBundle(w http.ResponseWriter, r *http.Request) {
	if s.Recovery == nil {
		writeError(w, http.StatusForbidden, "bundle_unrecoverable", "bundle recovery is not configured")
		return
	}
	slug := mux.Vars(r)["slug"]
	version, err := s.Recovery.Recover(r.Context(), slug)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *Server) handleGetBundleVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := s.Store.GetBundleVersion(r.Context(), vars["slug"], vars["version"])
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) handleListJobRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := catalog.JobRunQuery{
		JobSlug: q.Get("jobSlug"),
		Status:  catalog.JobRunStatus(q.Get("status")),
		Limit:   parseIntDefault(q.Get("limit"), 50),
		Offset:  parseIntDefault(q.Get("offset"), 0),
	}
	runs, err := s.Store.ListJobRuns(r.Context(), query)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobRuns": runs})
}

type createJobRunRequest struct {
	JobSlug    string         `json:"jobSlug"`
	Parameters map[string]any `json:"parameters"`
	Context    map[string]any `json:"context,omitempty"`
	TimeoutMs  int64          `json:"timeoutMs,omitempty"`
}

func (s *Server) handleCreateJobRun(w http.ResponseWriter, r *http.Request) {
	var req createJobRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.JobSlug == "" {
		writeError(w, http.StatusBadRequest, "validation", "jobSlug is required")
		return
	}
	def, err := s.Store.GetJobDefinition(r.Context(), req.JobSlug)
	if err != nil {
		writeAppError(w, err)
		return
	}

	timeout := req.TimeoutMs
	if timeout <= 0 {
		timeout = def.TimeoutMs
	}

	now := time.Now().UTC()
	run := &catalog.JobRun{
		ID:         newID(),
		JobSlug:    req.JobSlug,
		Status:     catalog.JobRunPending,
		Parameters: req.Parameters,
		Context:    req.Context,
		TimeoutMs:  timeout,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Store.CreateJobRun(r.Context(), run); err != nil {
		writeAppError(w, err)
		return
	}

	payload, err := jobengine.EnqueuePayload(run.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Queue.Enqueue(r.Context(), queue.JobRun, payload, queue.EnqueueOptions{}); err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetJobRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := s.Store.GetJobRun(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
