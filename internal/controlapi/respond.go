package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/benediktbwimmer/apphub-controlplane/internal/apperrors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// writeAppError classifies err through apperrors.KindOf and responds with
// the mapped HTTP status and a truncated message, the way every pipeline
// truncates error_message/ingest_error before storing it on a row.
func writeAppError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	writeError(w, apperrors.HTTPStatus(kind), string(kind), apperrors.Truncate(err.Error(), 500))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "decode request body", err)
	}
	return nil
}
