package controlapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
)

func (s *Server) registerSearchRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/search", s.handleSearch).Methods(http.MethodGet)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := catalog.SearchQuery{
		Text:   q.Get("q"),
		Limit:  parseIntDefault(q.Get("limit"), 20),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if kinds := q.Get("kinds"); kinds != "" {
		query.Kinds = strings.Split(kinds, ",")
	}
	result, err := s.Store.Search(r.Context(), query)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
