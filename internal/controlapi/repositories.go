package controlapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/ingestion"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
)

func (s *Server) registerRepositoryRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/repositories", s.handleListRepositories).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/repositories", s.handleCreateRepository).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/repositories/{id}", s.handleGetRepository).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/repositories/{id}/ingest", s.handleTriggerIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/repositories/{id}/retry", s.handleRetryIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/repositories/{id}/history", s.handleListIngestionHistory).Methods(http.MethodGet)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := catalog.RepositoryQuery{
		IngestStatus: catalog.IngestStatus(q.Get("status")),
		Limit:        parseIntDefault(q.Get("limit"), 50),
		Offset:       parseIntDefault(q.Get("offset"), 0),
	}
	if tag := q.Get("tagKey"); tag != "" {
		query.Tag = &catalog.Tag{Key: tag, Value: q.Get("tagValue")}
	}
	repos, err := s.Store.ListRepositories(r.Context(), query)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

type createRepositoryRequest struct {
	RepoURL        string `json:"repoUrl"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	DockerfilePath string `json:"dockerfilePath"`
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.RepoURL == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation", "repoUrl and name are required")
		return
	}

	now := time.Now().UTC()
	repo := &catalog.Repository{
		ID:             newID(),
		RepoURL:        req.RepoURL,
		Name:           req.Name,
		Description:    req.Description,
		DockerfilePath: req.DockerfilePath,
		IngestStatus:   catalog.IngestSeed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateRepository(r.Context(), repo); err != nil {
		writeAppError(w, err)
		return
	}

	if err := s.enqueueIngest(r, repo.ID); err != nil {
		writeAppError(w, err)
		return
	}
	if fresh, err := s.Store.GetRepository(r.Context(), repo.ID); err == nil {
		repo = fresh
	}

	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	repo, err := s.Store.GetRepository(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleTriggerIngest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetRepository(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.enqueueIngest(r, id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"repositoryId": id, "status": "queued"})
}

// handleRetryIngest re-queues ingestion for a repository that isn't
// currently being processed. Unlike handleTriggerIngest, which always
// enqueues, this refuses with a conflict while a run is already in flight.
func (s *Server) handleRetryIngest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	repo, err := s.Store.GetRepository(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if repo.IngestStatus == catalog.IngestProcessing {
		writeError(w, http.StatusConflict, "conflict", "repository ingestion is already in progress")
		return
	}
	if err := s.enqueueIngest(r, id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"repositoryId": id, "status": "queued"})
}

func (s *Server) handleListIngestionHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetRepository(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	events, err := s.Store.ListIngestionEvents(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) enqueueIngest(r *http.Request, repositoryID string) error {
	// The ingestion pipeline only claims repositories in the pending state.
	if _, err := s.Store.UpdateRepository(r.Context(), repositoryID, func(repo *catalog.Repository) error {
		if repo.IngestStatus != catalog.IngestProcessing {
			repo.IngestStatus = catalog.IngestPending
		}
		return nil
	}); err != nil {
		return err
	}
	payload, err := json.Marshal(ingestion.IngestRepositoryMessage{RepositoryID: repositoryID})
	if err != nil {
		return err
	}
	return s.Queue.Enqueue(r.Context(), queue.Ingest, payload, queue.EnqueueOptions{})
}
