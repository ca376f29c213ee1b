package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/captrace/captrace/internal/archive"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server with the provided archive layer.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetSessions responds to GET /api/v1/sessions.
//
// Supported query parameters:
//
//	hostname – exact hostname filter (optional)
//	status   – one of RUNNING, SUCCESSFUL, FAILED (optional)
//	from     – RFC3339 start of the started_at window (required)
//	to       – RFC3339 end of the started_at window (required)
//	limit    – maximum number of results (default 100, max 1000)
//	offset   – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Session objects on success.
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, to, ok := parseWindow(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}

	sq := archive.SessionQuery{
		From: from,
		To:   to,
	}

	if hostname := q.Get("hostname"); hostname != "" {
		sq.Hostname = hostname
	}

	if st := q.Get("status"); st != "" {
		switch archive.SessionStatus(st) {
		case archive.SessionRunning, archive.SessionSuccessful, archive.SessionFailed:
			status := archive.SessionStatus(st)
			sq.Status = &status
		default:
			writeError(w, http.StatusBadRequest, "'status' must be one of RUNNING, SUCCESSFUL, FAILED")
			return
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		sq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		sq.Offset = offset
	}

	sessions, err := s.store.QuerySessions(r.Context(), sq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query sessions")
		return
	}

	// Ensure we always return a JSON array, not null.
	if sessions == nil {
		sessions = []archive.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sessions)
}

// handleGetSession responds to GET /api/v1/sessions/{sessionID}.
//
// Returns HTTP 404 when no session with the given UUID exists.
// Returns HTTP 200 with a single Session object on success.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sess)
}

// handleGetDiagnostics responds to GET /api/v1/sessions/{sessionID}/diagnostics.
//
// Supported query parameters:
//
//	from – RFC3339 start of the received_at window (required)
//	to   – RFC3339 end of the received_at window (required)
//
// Returns HTTP 400 when required parameters are missing or malformed.
// Returns HTTP 200 with a JSON array of Diagnostic objects on success.
func (s *Server) handleGetDiagnostics(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	q := r.URL.Query()

	from, to, ok := parseWindow(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}

	diags, err := s.store.QueryDiagnostics(r.Context(), sessionID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query diagnostics")
		return
	}

	if diags == nil {
		diags = []archive.Diagnostic{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(diags)
}

// parseWindow validates the shared from/to RFC3339 window parameters. On
// failure it writes the HTTP 400 response itself and returns ok=false.
func parseWindow(w http.ResponseWriter, fromStr, toStr string) (from, to time.Time, ok bool) {
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return from, to, false
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return from, to, false
	}
	to, err = time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return from, to, false
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return from, to, false
	}
	return from, to, true
}
