package audit

import (
	"fmt"
	"net/http"
)

// Handler returns the GET /logs/{sessionId} handler. It is meant to be
// mounted on the same mux as the hook ingest endpoint (spec §4.7: "the
// same HTTP server hosts POST /hook for ingest").
func (l *Log) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /logs/{sessionId}", l.serveLog)
	mux.HandleFunc("OPTIONS /logs/{sessionId}", serveOptions)
	return mux
}

func serveOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (l *Log) serveLog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	id := r.PathValue("sessionId")
	if !ValidSessionID(id) {
		http.Error(w, `{"error":"invalid session id"}`, http.StatusBadRequest)
		return
	}

	content, ok := l.Read(id)
	if !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.log"`, id))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}
