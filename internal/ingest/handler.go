// Package ingest implements the HTTP ingress and the worker pool that
// drains the bounded queue between the HTTP layer and the rest of the
// pipeline.
package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/vitalsink/ingestd/internal/archive"
	"github.com/vitalsink/ingestd/internal/domain"
)

// Handler serves POST /ingest, GET /health, and GET /ready.
type Handler struct {
	authToken      string
	maxRequestSize int64
	archive        *archive.Store
	pipeline       *Pipeline
	log            *slog.Logger
}

func NewHandler(authToken string, maxRequestSize int64, arc *archive.Store, pipeline *Pipeline, log *slog.Logger) *Handler {
	return &Handler{authToken: authToken, maxRequestSize: maxRequestSize, archive: arc, pipeline: pipeline, log: log}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
}

// checkAuth compares the bearer token in constant time. An empty
// configured token disables auth entirely.
func (h *Handler) checkAuth(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	given := []byte(strings.TrimPrefix(header, prefix))
	want := []byte(h.authToken)
	if len(given) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(given, want) == 1
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	tooLarge := func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		json.NewEncoder(w).Encode(map[string]any{"error": "Request body too large", "max_bytes": h.maxRequestSize})
	}
	if !h.checkAuth(r) {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if r.ContentLength > h.maxRequestSize {
		tooLarge()
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxRequestSize+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > h.maxRequestSize {
		tooLarge()
		return
	}
	if len(body) == 0 {
		writeJSONError(w, http.StatusBadRequest, "empty body")
		return
	}

	receivedAt := time.Now().UTC()
	archiveID := ""
	if h.archive != nil {
		id, err := h.archive.StorePayload("http/ingest", body, receivedAt)
		if err != nil {
			h.log.Error("archive write failed", "err", err)
		} else {
			archiveID = id
		}
	}

	if !json.Valid(body) {
		h.log.Warn("invalid json body", "archive_id", archiveID)
		if h.pipeline != nil {
			h.pipeline.deadLetter(domain.CategoryJSONParseError, "http/ingest", body, "invalid json", string(debug.Stack()), archiveID)
		}
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	ev := domain.IngestionEvent{Topic: "http/ingest", Payload: body, ArchiveID: archiveID, ReceivedAt: receivedAt}
	if err := h.pipeline.Enqueue(ev); err != nil {
		switch {
		case errors.Is(err, domain.ErrQueueFull):
			writeJSONError(w, http.StatusTooManyRequests, "Service overloaded, try again later")
		case errors.Is(err, domain.ErrNotReady):
			writeJSONError(w, http.StatusServiceUnavailable, "Service not ready")
		default:
			writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	var archiveRef any
	if archiveID != "" {
		archiveRef = archiveID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"status": "accepted", "archive_id": archiveRef})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady reports whether the writer's circuit breaker is open. 503
// when the backend is unreachable, 200 with a subsystem snapshot otherwise.
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.pipeline == nil || h.pipeline.writer == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		return
	}

	st := h.pipeline.writer.HealthCheck()
	status := http.StatusOK
	if !st.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"healthy":        st.Healthy,
		"buffer_size":    st.BufferSize,
		"max_buffer_size": st.MaxBufferSize,
		"dropped_points": st.DroppedPoints,
		"breaker_state":  st.BreakerState,
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
