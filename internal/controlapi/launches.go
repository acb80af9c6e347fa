package controlapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
	"github.com/benediktbwimmer/apphub-controlplane/internal/launchpipeline"
	"github.com/benediktbwimmer/apphub-controlplane/internal/queue"
)

func (s *Server) registerLaunchRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/launches", s.handleListLaunches).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/launches", s.handleCreateLaunch).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/launches/{id}", s.handleGetLaunch).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/launches/{id}/stop", s.handleStopLaunch).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/service-networks", s.handleCreateServiceNetwork).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/service-networks/{id}", s.handleGetServiceNetwork).Methods(http.MethodGet)
}

func (s *Server) handleListLaunches(w http.ResponseWriter, r *http.Request) {
	repositoryID := r.URL.Query().Get("repositoryId")
	if repositoryID == "" {
		writeError(w, http.StatusBadRequest, "validation", "repositoryId query parameter is required")
		return
	}
	launches, err := s.Store.ListLaunches(r.Context(), repositoryID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"launches": launches})
}

type createLaunchRequest struct {
	RepositoryID string            `json:"repositoryId"`
	BuildID      string            `json:"buildId"`
	Env          map[string]string `json:"env"`
	Command      string            `json:"command"`
}

func (s *Server) handleCreateLaunch(w http.ResponseWriter, r *http.Request) {
	var req createLaunchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.RepositoryID == "" || req.BuildID == "" {
		writeError(w, http.StatusBadRequest, "validation", "repositoryId and buildId are required")
		return
	}
	build, err := s.Store.GetBuild(r.Context(), req.BuildID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if build.Status != catalog.BuildSucceeded {
		writeError(w, http.StatusConflict, "conflict", "build has not succeeded")
		return
	}

	now := time.Now().UTC()
	launch := &catalog.Launch{
		ID:           newID(),
		RepositoryID: req.RepositoryID,
		BuildID:      req.BuildID,
		Status:       catalog.LaunchPending,
		Command:      req.Command,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateLaunch(r.Context(), launch); err != nil {
		writeAppError(w, err)
		return
	}

	payload, err := json.Marshal(launchpipeline.StartMessage{LaunchID: launch.ID, Env: req.Env})
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Queue.Enqueue(r.Context(), queue.LaunchStart, payload, queue.EnqueueOptions{}); err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, launch)
}

func (s *Server) handleGetLaunch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	launch, err := s.Store.GetLaunch(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, launch)
}

func (s *Server) handleStopLaunch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetLaunch(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	payload, err := json.Marshal(launchpipeline.StopMessage{LaunchID: id})
	if err != nil {
		writeAppError(w, err)
		return
	}
	if err := s.Queue.Enqueue(r.Context(), queue.LaunchStop, payload, queue.EnqueueOptions{}); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"launchId": id, "status": "stopping"})
}

type createServiceNetworkRequest struct {
	Name    string                  `json:"name"`
	Members []catalog.NetworkMember `json:"members"`
}

func (s *Server) handleCreateServiceNetwork(w http.ResponseWriter, r *http.Request) {
	var req createServiceNetworkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation", "name is required")
		return
	}
	network := &catalog.ServiceNetwork{ID: newID(), Name: req.Name, CreatedAt: time.Now().UTC()}
	for i := range req.Members {
		req.Members[i].NetworkID = network.ID
	}
	if err := s.Store.CreateServiceNetwork(r.Context(), network, req.Members); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, network)
}

func (s *Server) handleGetServiceNetwork(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	network, members, err := s.Store.GetServiceNetwork(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"network": network, "members": members})
}
