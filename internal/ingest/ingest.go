// Package ingest exposes the daemon's hook ingest endpoint: the hook
// forwarder's POST. Grounded on the teacher's internal/realtime/rest.go
// decode -> validate -> call-manager -> respond pattern, narrowed to the
// one endpoint this daemon needs.
package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"sessiond/internal/hook"
	"sessiond/internal/registry"
)

// maxBodyBytes is spec §5's request body cap: payloads larger than 64 KiB
// are rejected with 413 rather than read in full.
const maxBodyBytes = 64 * 1024

// Server serves POST /hook.
type Server struct {
	reg   *registry.Registry
	log   *slog.Logger
	ready atomic.Bool
}

func New(reg *registry.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{reg: reg, log: log}
}

// SetReady flips whether the server accepts hooks. Before the registry has
// finished starting up, requests get 503 (spec §7 SessionNotReady).
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", s.handleHook)
	return mux
}

type hookResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "registry not ready"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "could not read request body"})
		return
	}

	payload, err := hook.ParsePayload(body)
	if err != nil {
		// InvalidRequest/SchemaMismatch (spec §7): no state change, no
		// audit entry, 400.
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	event := hook.Decode(payload)
	if err := s.reg.Dispatch(r.Context(), event); err != nil {
		s.log.Error("hook dispatch failed", "session", payload.SessionID, "hook", payload.HookEventName, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, hookResponse{OK: true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
