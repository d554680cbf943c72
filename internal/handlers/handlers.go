package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/ingest"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/store"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/stream"
	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

const defaultSession = "default"

// IngestStatus reports scheduler state for /metrics
type IngestStatus interface {
	Status() map[string]interface{}
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	store   store.Store
	streams map[string]*stream.Manager
	fetcher *ingest.Fetcher
	ingest  IngestStatus
	logger  *slog.Logger
}

// NewHandler creates a new handler. Streams are keyed by the {kind} path
// parameter; fetcher and status may be nil.
func NewHandler(st store.Store, streams []*stream.Manager, fetcher *ingest.Fetcher, status IngestStatus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]*stream.Manager, len(streams))
	for _, m := range streams {
		byName[m.Name()] = m
	}
	return &Handler{
		store:   st,
		streams: byName,
		fetcher: fetcher,
		ingest:  status,
		logger:  logger.With("component", "http"),
	}
}

// HealthCheck returns the health status of the service
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unhealthy", err)
		return
	}

	sessions := make(map[string]int, len(h.streams))
	for name, m := range h.streams {
		sessions[name] = m.SessionCount()
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"timestamp":       time.Now().UTC(),
		"service":         "odds-feed",
		"active_sessions": sessions,
	})
}

// GetMetrics returns stream and ingestion metrics
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	streams := make(map[string]interface{}, len(h.streams))
	for name, m := range h.streams {
		streams[name] = m.GetMetrics()
	}

	metrics := map[string]interface{}{
		"streams":   streams,
		"timestamp": time.Now().UTC(),
	}
	if h.ingest != nil {
		metrics["ingest"] = h.ingest.Status()
	}

	respondJSON(w, http.StatusOK, metrics)
}

// GetFixtures retrieves stored fixtures
// Query params: id, game_id, home_team, away_team, team, status, season_year,
// season_week, season_type, has_odds, is_live, start_date_from, start_date_to,
// limit, offset
func (h *Handler) GetFixtures(w http.ResponseWriter, r *http.Request) {
	filters, err := store.ParseFixtureQuery(r.URL.Query())
	if err != nil {
		respondQueryError(w, "invalid fixture query", err)
		return
	}

	fixtures, total, err := h.store.QueryFixtures(r.Context(), filters)
	if err != nil {
		respondQueryError(w, "failed to retrieve fixtures", err)
		return
	}

	respondJSON(w, http.StatusOK, store.FixturePage(fixtures, total, filters))
}

// GetFixture retrieves a single fixture by ID
func (h *Handler) GetFixture(w http.ResponseWriter, r *http.Request) {
	fixture, ok := h.lookupFixture(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, models.FixturePage{
		Data:       []models.Fixture{*fixture},
		Total:      1,
		Page:       1,
		TotalPages: 1,
	})
}

// GetFixtureOdds retrieves a fixture with all of its stored odds, ordered by
// sportsbook then market.
// Query params: sportsbook, market_id
func (h *Handler) GetFixtureOdds(w http.ResponseWriter, r *http.Request) {
	fixture, ok := h.lookupFixture(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	result, err := h.store.QueryOdds(r.Context(), models.OddsFilters{
		FixtureIDs: []string{fixture.ID},
		Sportsbook: q.Get("sportsbook"),
		MarketID:   q.Get("market_id"),
		Limit:      store.MaxLimit,
	})
	if err != nil {
		respondQueryError(w, "failed to retrieve odds", err)
		return
	}

	lines := result.Odds
	if lines == nil {
		lines = []models.OddsLine{}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		if lines[i].Sportsbook != lines[j].Sportsbook {
			return lines[i].Sportsbook < lines[j].Sportsbook
		}
		return lines[i].MarketID < lines[j].MarketID
	})

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":        []models.FixtureOdds{{Fixture: fixture, ID: fixture.ID, Odds: lines}},
		"page":        1,
		"total_pages": 1,
	})
}

func (h *Handler) lookupFixture(w http.ResponseWriter, r *http.Request) (*models.Fixture, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	fixtureID := chi.URLParam(r, "fixtureID")
	if fixtureID == "" {
		respondError(w, http.StatusBadRequest, "fixture_id is required", nil)
		return nil, false
	}

	fixture, err := h.store.GetFixture(ctx, fixtureID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to retrieve fixture", err)
		return nil, false
	}
	if fixture == nil {
		respondError(w, http.StatusNotFound, "fixture with ID "+fixtureID+" not found", nil)
		return nil, false
	}
	return fixture, true
}

// GetOdds retrieves stored odds lines, optionally grouped by fixture
// Query params: fixture_id, sportsbook, market_id, market, market_category
// (alias market_type), player_id, team_id, selection, normalized_selection,
// is_main, price_min, price_max, points_min, points_max, group_by_fixture,
// limit, offset
func (h *Handler) GetOdds(w http.ResponseWriter, r *http.Request) {
	filters, err := store.ParseOddsQuery(r.URL.Query())
	if err != nil {
		respondQueryError(w, "invalid odds query", err)
		return
	}

	result, err := h.store.QueryOdds(r.Context(), filters)
	if err != nil {
		respondQueryError(w, "failed to retrieve odds", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":        result.Data(),
		"total":       result.Total,
		"page":        result.Page,
		"total_pages": result.TotalPages,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errResp := models.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	}

	if err != nil {
		slog.Error("request failed", "status", status, "message", message, "error", err)
	}

	if err := json.NewEncoder(w).Encode(errResp); err != nil {
		slog.Error("encoding error response", "error", err)
	}
}

// respondQueryError maps validation failures to 400 and everything else to 500
func respondQueryError(w http.ResponseWriter, message string, err error) {
	var verr *store.ValidationError
	if errors.As(err, &verr) {
		respondError(w, http.StatusBadRequest, verr.Error(), nil)
		return
	}
	respondError(w, http.StatusInternalServerError, message, err)
}
