package monitor

import (
	"encoding/json"
	"net/http"
)

// handleStatus implements spec.md §4.9 exactly: GET /status returns a 200
// with the broker's counters as JSON; every other method is answered with
// no body and the connection is closed immediately either way.
func handleStatus(w http.ResponseWriter, r *http.Request, b StatusProvider) {
	if r.Method != http.MethodGet {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := json.Marshal(b.StatusJSON())
	if err != nil {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleNotFound answers every path the mux has no other registration for.
// ServeMux's built-in NotFoundHandler writes a "404 page not found" body,
// which spec.md §4.9/§6 forbid ("any other method or path receives no
// body"); this replaces it with an empty, one-shot response.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusNotFound)
}
