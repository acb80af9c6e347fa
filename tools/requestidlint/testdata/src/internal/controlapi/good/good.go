package good

import "net/http"

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
}

func handleOK(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not_found", "missing")
	writeJSON(w, http.StatusCreated, nil)
}
