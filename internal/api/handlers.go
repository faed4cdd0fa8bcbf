package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/sessiond/internal/session"
	"github.com/shehryarbajwa/sessiond/internal/store"
	"github.com/shehryarbajwa/sessiond/pkg/models"
)

// Handler exposes the session engine over HTTP.
type Handler struct {
	manager *session.Manager
	store   store.Store
	log     zerolog.Logger
}

func NewHandler(manager *session.Manager, st store.Store, log zerolog.Logger) *Handler {
	return &Handler{manager: manager, store: st, log: log}
}

// StartSession handles POST /v1/sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
		return
	}

	id, err := h.manager.StartSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := h.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ListSessions handles GET /v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	var status models.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, ok := models.ParseStatus(raw)
		if !ok {
			writeError(w, fmt.Errorf("%w: unknown status %q", models.ErrInvalidRequest, raw))
			return
		}
		status = parsed
	}

	views, err := h.manager.List(r.Context(), owner, status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.manager.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Heartbeat handles POST /v1/sessions/{id}/heartbeat. The body is
// optional; without one the server clock stamps the heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var at time.Time
	if r.ContentLength != 0 {
		var req models.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
			return
		}
		if req.Timestamp != nil {
			at = *req.Timestamp
		}
	}

	if err := h.manager.Heartbeat(r.Context(), mux.Vars(r)["id"], at); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UpdateCheckpoint handles PUT /v1/sessions/{id}/checkpoint.
func (h *Handler) UpdateCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.CheckpointRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %v", models.ErrInvalidRequest, err))
			return
		}
	}

	token, err := h.manager.UpdateResumeToken(r.Context(), id, req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.CheckpointResponse{
		SessionID: id,
		Token:     token,
		UpdatedAt: time.Now().UTC(),
	})
}

// TerminateSession handles DELETE /v1/sessions/{id}?outcome=.
func (h *Handler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	outcome, ok := models.ParseOutcome(r.URL.Query().Get("outcome"))
	if !ok {
		writeError(w, fmt.Errorf("%w: outcome must be completed or failed", models.ErrInvalidRequest))
		return
	}

	if err := h.manager.Terminate(r.Context(), id, outcome); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": string(outcome)})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("store ping failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyTerminated):
		status = http.StatusConflict
	case errors.Is(err, models.ErrOwnerLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrDriverSpinFailure), errors.Is(err, models.ErrResumeFailure):
		status = http.StatusBadGateway
	case errors.Is(err, models.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "5")
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
