// Package api serves the audit log to collaborator processes over HTTP so
// many writers share one ActionLog and one chain.
//
//   - POST /api/actions  Append a record, returns the new head
//   - GET  /api/head     Current chain head
//   - GET  /api/verify   Verify archives and live file
//   - GET  /api/entries  Query the index
//   - GET  /health       Liveness
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlai/actionaudit/internal/audit"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

const (
	defaultLimit   = 50
	maxLimit       = 1000
	maxRecordBytes = 1 << 20
)

// Options holds the dependencies injected into the server.
type Options struct {
	Log     *audit.ActionLog
	Version string
}

// Server exposes an ActionLog over HTTP.
type Server struct {
	log     *audit.ActionLog
	version string
}

// New creates a new Server with the given dependencies.
func New(opts Options) *Server {
	return &Server{
		log:     opts.Log,
		version: opts.Version,
	}
}

// Handler returns the routed handler with request ID tagging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/actions", s.handleActions)
	mux.HandleFunc("/api/head", s.handleHead)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.HandleFunc("/api/entries", s.handleEntries)
	mux.HandleFunc("/health", s.handleHealth)

	return withRequestID(mux)
}

// withRequestID propagates the caller's X-Request-ID or assigns a fresh
// UUID, and echoes it on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("api request", "method", r.Method, "path", r.URL.Path, "request_id", id, "duration", time.Since(start))
	})
}

// handleActions appends one record.
// POST /api/actions  { "run_id": "...", "action_class": "x", ... }
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var rec audit.Record
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	hash, err := s.log.Append(r.Context(), rec)
	if err != nil {
		switch {
		case errors.Is(err, audit.ErrInvalidRecord):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, audit.ErrClosed):
			http.Error(w, "audit log closed", http.StatusServiceUnavailable)
		default:
			slog.Error("audit write failed", "request_id", r.Header.Get(RequestIDHeader), "run_id", rec.RunID, "tool", rec.ToolName, "error", err)
			http.Error(w, "audit write failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"head": hash})
}

// handleHead returns the current chain head.
// GET /api/head
func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"head": s.log.ChainHead()})
}

// handleVerify replays every archived segment and the live file.
// GET /api/verify: 200 when the chain is intact, 409 on divergence.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	report, err := s.log.VerifyAll()
	if err != nil {
		slog.Error("audit verification failed", "request_id", r.Header.Get(RequestIDHeader), "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// handleEntries queries recent entries, newest first.
// GET /api/entries?run_id=&session_id=&tool=&action_class=&outcome=&since=1h&limit=50
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit := defaultLimit
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxLimit)
	}

	since := q.Get("since")
	if _, err := audit.ParseSince(since, time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.log.Query(audit.QueryParams{
		RunID:       q.Get("run_id"),
		SessionID:   q.Get("session_id"),
		ToolName:    q.Get("tool"),
		ActionClass: q.Get("action_class"),
		Outcome:     q.Get("outcome"),
		Since:       since,
		Limit:       limit,
	})
	if err != nil {
		slog.Error("audit query failed", "request_id", r.Header.Get(RequestIDHeader), "error", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []audit.IndexedEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleHealth is used by `actionaudit status` to detect a running server.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Debug("writing JSON response failed", "status", status, "error", err)
	}
}
