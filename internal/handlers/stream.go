package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/ingest"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/stream"
	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

// maxPushBody bounds producer request bodies
const maxPushBody = 10 << 20

func sessionParam(r *http.Request) string {
	if sid := r.URL.Query().Get("session_id"); sid != "" {
		return sid
	}
	return defaultSession
}

func (h *Handler) manager(w http.ResponseWriter, r *http.Request) (*stream.Manager, bool) {
	kind := chi.URLParam(r, "kind")
	m, ok := h.streams[kind]
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown stream %q", kind), nil)
		return nil, false
	}
	return m, true
}

// StreamEvents relays a session's events as Server-Sent Events until the
// client disconnects.
// Query params: session_id (default "default")
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	sessionID := sessionParam(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := m.Stream(r.Context(), sessionID, func(ev models.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("sse stream ended", "stream", m.Name(), "session", sessionID, "error", err)
	}
}

// GetLatest returns the session's cached latest payload, or null
// Query params: session_id (default "default")
func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	sessionID := sessionParam(r)
	var latest json.RawMessage
	if data, found := m.GetLatest(r.Context(), sessionID); found {
		latest = data
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		m.Name():     latest,
		"session_id": sessionID,
	})
}

type pushRequest struct {
	SessionID string            `json:"session_id"`
	Fixtures  []json.RawMessage `json:"fixtures"`
	Odds      json.RawMessage   `json:"odds"`
}

// Push publishes a producer payload to a session. The fixtures stream takes
// {"fixtures":[...]}; the odds stream takes {"odds":...}.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	var req pushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = defaultSession
	}

	var (
		count int
		err   error
	)
	switch {
	case m.Name() == "fixtures":
		if len(req.Fixtures) == 0 {
			respondError(w, http.StatusBadRequest, "No fixtures provided", nil)
			return
		}
		count = len(req.Fixtures)
		if h.fetcher != nil {
			err = h.fetcher.PushFixtures(r.Context(), req.SessionID, req.Fixtures)
		} else {
			err = m.Publish(r.Context(), req.SessionID, req.Fixtures)
		}
	default:
		if len(req.Odds) == 0 || string(req.Odds) == "null" {
			respondError(w, http.StatusBadRequest, "No odds provided", nil)
			return
		}
		count = 1
		err = m.Publish(r.Context(), req.SessionID, req.Odds)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to push to stream", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"message":    fmt.Sprintf("Pushed %d %s payload(s) to stream", count, m.Name()),
		"session_id": req.SessionID,
	})
}

type fetchRequest struct {
	SessionID  string   `json:"session_id"`
	FixtureIDs []string `json:"fixture_ids"`
}

// FetchOdds pulls live odds for the given fixtures from the provider and
// publishes them to the session's odds stream without storing them.
func (h *Handler) FetchOdds(w http.ResponseWriter, r *http.Request) {
	if h.fetcher == nil {
		respondError(w, http.StatusServiceUnavailable, "odds fetching is not configured", nil)
		return
	}

	var req fetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.SessionID == "" {
		req.SessionID = defaultSession
	}

	result, err := h.fetcher.FetchAndPublishOdds(r.Context(), req.SessionID, req.FixtureIDs)
	switch {
	case errors.Is(err, ingest.ErrNoFixtures):
		respondError(w, http.StatusBadRequest, "fixture_ids is required", nil)
		return
	case err != nil:
		respondError(w, http.StatusBadGateway, "failed to fetch odds", err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}
