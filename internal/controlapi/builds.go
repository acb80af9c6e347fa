package controlapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/benediktbwimmer/apphub-controlplane/internal/buildpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
)

func (s *Server) registerBuildRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/builds", s.handleListBuilds).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/builds", s.handleCreateBuild).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/builds/{id}", s.handleGetBuild).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/builds/{id}/retry", s.handleRetryBuild).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/builds/{id}/logs", s.handleGetBuildLogs).Methods(http.MethodGet)
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	repositoryID := r.URL.Query().Get("repositoryId")
	if repositoryID == "" {
		writeError(w, http.StatusBadRequest, "validation", "repositoryId query parameter is required")
		return
	}
	builds, err := s.Store.ListBuilds(r.Context(), repositoryID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": builds})
}

type createBuildRequest struct {
	RepositoryID string `json:"repositoryId"`
	GitRef       string `json:"gitRef"`
}

func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.RepositoryID == "" {
		writeError(w, http.StatusBadRequest, "validation", "repositoryId is required")
		return
	}
	if _, err := s.Store.GetRepository(r.Context(), req.RepositoryID); err != nil {
		writeAppError(w, err)
		return
	}

	now := time.Now().UTC()
	build := &catalog.Build{
		ID:           newID(),
		RepositoryID: req.RepositoryID,
		Status:       catalog.BuildPending,
		GitRef:       req.GitRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateBuild(r.Context(), build); err != nil {
		writeAppError(w, err)
		return
	}

	payload, err := buildpipeline.EnqueuePayload(build.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Queue.Enqueue(r.Context(), queue.Build, payload, queue.EnqueueOptions{}); err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, build)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	build, err := s.Store.GetBuild(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// handleRetryBuild derives a new build attempt from a failed one, carrying
// its commit and branch forward, and rejects retrying a build that's still
// running or already succeeded.
func (s *Server) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	failed, err := s.Store.GetBuild(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if failed.Status != catalog.BuildFailed {
		writeError(w, http.StatusConflict, "conflict", "only a failed build can be retried")
		return
	}

	now := time.Now().UTC()
	build := &catalog.Build{
		ID:           newID(),
		RepositoryID: failed.RepositoryID,
		Status:       catalog.BuildPending,
		GitRef:       failed.GitRef,
		CommitSHA:    failed.CommitSHA,
		GitBranch:    failed.GitBranch,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateBuild(r.Context(), build); err != nil {
		writeAppError(w, err)
		return
	}

	payload, err := buildpipeline.EnqueuePayload(build.ID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Queue.Enqueue(r.Context(), queue.Build, payload, queue.EnqueueOptions{}); err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, build)
}

// handleGetBuildLogs returns a build's log output as JSON, or as a
// text/plain attachment when the caller passes ?download=1.
func (s *Server) handleGetBuildLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	build, err := s.Store.GetBuild(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if r.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", "attachment; filename=\""+build.ID+".log\"")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(build.Logs))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"buildId": build.ID, "logs": build.Logs})
}
