package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

var errMissingID = errors.New("missing id")

// flexString accepts JSON strings and numbers; the provider is not
// consistent about season fields.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*s = flexString(n.String())
	return nil
}

// flexTime accepts RFC3339 strings and unix seconds
type flexTime struct {
	t *time.Time
}

func (ft *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		if v == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", v, err)
		}
		t = t.UTC()
		ft.t = &t
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", b)
	}
	t := time.Unix(0, int64(secs*float64(time.Second))).UTC()
	ft.t = &t
	return nil
}

type rawRef struct {
	ID   flexString `json:"id"`
	Name string     `json:"name"`
}

type rawFixture struct {
	ID              string     `json:"id"`
	NumericalID     *int64     `json:"numerical_id"`
	GameID          flexString `json:"game_id"`
	StartDate       flexTime   `json:"start_date"`
	Status          string     `json:"status"`
	IsLive          bool       `json:"is_live"`
	HomeTeamDisplay string     `json:"home_team_display"`
	AwayTeamDisplay string     `json:"away_team_display"`
	HomeCompetitors []rawRef   `json:"home_competitors"`
	AwayCompetitors []rawRef   `json:"away_competitors"`
	SeasonType      flexString `json:"season_type"`
	SeasonYear      flexString `json:"season_year"`
	SeasonWeek      flexString `json:"season_week"`
	VenueName       string     `json:"venue_name"`
	League          *rawRef    `json:"league"`
	Sport           *rawRef    `json:"sport"`
	HasOdds         bool       `json:"has_odds"`
}

// NormalizeFixture maps one provider fixture onto the stored model. The raw
// document is kept verbatim.
func NormalizeFixture(raw json.RawMessage) (models.Fixture, error) {
	var rf rawFixture
	if err := json.Unmarshal(raw, &rf); err != nil {
		return models.Fixture{}, fmt.Errorf("decode fixture: %w", err)
	}
	if rf.ID == "" {
		return models.Fixture{}, fmt.Errorf("fixture: %w", errMissingID)
	}

	f := models.Fixture{
		ID:          rf.ID,
		NumericalID: rf.NumericalID,
		GameID:      string(rf.GameID),
		StartTime:   rf.StartDate.t,
		Status:      MapStatus(rf.Status, rf.IsLive),
		RawStatus:   rf.Status,
		IsLive:      rf.IsLive,
		HomeTeam:    rf.HomeTeamDisplay,
		AwayTeam:    rf.AwayTeamDisplay,
		SeasonYear:  string(rf.SeasonYear),
		SeasonWeek:  string(rf.SeasonWeek),
		SeasonType:  string(rf.SeasonType),
		VenueName:   rf.VenueName,
		HasOdds:     rf.HasOdds,
		RawPayload:  append(json.RawMessage(nil), raw...),
	}
	if len(rf.HomeCompetitors) > 0 {
		f.HomeTeamID = string(rf.HomeCompetitors[0].ID)
		if f.HomeTeam == "" {
			f.HomeTeam = rf.HomeCompetitors[0].Name
		}
	}
	if len(rf.AwayCompetitors) > 0 {
		f.AwayTeamID = string(rf.AwayCompetitors[0].ID)
		if f.AwayTeam == "" {
			f.AwayTeam = rf.AwayCompetitors[0].Name
		}
	}
	if rf.League != nil {
		f.LeagueID = string(rf.League.ID)
	}
	if rf.Sport != nil {
		f.SportID = string(rf.Sport.ID)
	}

	return f, nil
}

// MapStatus folds provider statuses into the stored lifecycle states
func MapStatus(status string, isLive bool) models.FixtureStatus {
	if isLive {
		return models.StatusLive
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "unplayed", "scheduled", "not started", "pre-game":
		return models.StatusScheduled
	case "live", "in progress", "in_progress":
		return models.StatusLive
	case "completed", "finished", "final":
		return models.StatusFinished
	default:
		return models.StatusOther
	}
}

type rawOdds struct {
	ID                  string     `json:"id"`
	Sportsbook          string     `json:"sportsbook"`
	Market              string     `json:"market"`
	MarketID            string     `json:"market_id"`
	Name                string     `json:"name"`
	Selection           string     `json:"selection"`
	NormalizedSelection string     `json:"normalized_selection"`
	SelectionLine       flexString `json:"selection_line"`
	PlayerID            flexString `json:"player_id"`
	TeamID              flexString `json:"team_id"`
	Price               *float64   `json:"price"`
	Points              *float64   `json:"points"`
	IsMain              bool       `json:"is_main"`
	Timestamp           flexTime   `json:"timestamp"`
	GroupingKey         string     `json:"grouping_key"`
}

// SplitOddsFixture returns the fixture id and raw odds entries of one item
// from the odds endpoint.
func SplitOddsFixture(raw json.RawMessage) (string, []json.RawMessage, error) {
	var rf struct {
		ID   string            `json:"id"`
		Odds []json.RawMessage `json:"odds"`
	}
	if err := json.Unmarshal(raw, &rf); err != nil {
		return "", nil, fmt.Errorf("decode odds fixture: %w", err)
	}
	if rf.ID == "" {
		return "", nil, fmt.Errorf("odds fixture: %w", errMissingID)
	}
	return rf.ID, rf.Odds, nil
}

// NormalizeOdds maps one provider odds entry onto the stored model and
// derives its market category.
func NormalizeOdds(fixtureID string, raw json.RawMessage) (models.OddsLine, error) {
	var ro rawOdds
	if err := json.Unmarshal(raw, &ro); err != nil {
		return models.OddsLine{}, fmt.Errorf("decode odds: %w", err)
	}
	if ro.ID == "" {
		return models.OddsLine{}, fmt.Errorf("odds for fixture %s: %w", fixtureID, errMissingID)
	}
	if ro.Price == nil {
		return models.OddsLine{}, fmt.Errorf("odds %s: missing price", ro.ID)
	}

	o := models.OddsLine{
		ID:                  ro.ID,
		FixtureID:           fixtureID,
		Sportsbook:          ro.Sportsbook,
		Market:              ro.Market,
		MarketID:            ro.MarketID,
		MarketCategory:      MarketCategory(ro.MarketID),
		Name:                ro.Name,
		Selection:           ro.Selection,
		NormalizedSelection: ro.NormalizedSelection,
		SelectionLine:       string(ro.SelectionLine),
		Price:               *ro.Price,
		Points:              ro.Points,
		IsMain:              ro.IsMain,
		SourceTimestamp:     ro.Timestamp.t,
		GroupingKey:         ro.GroupingKey,
		RawPayload:          append(json.RawMessage(nil), raw...),
	}
	if ro.PlayerID != "" {
		id := string(ro.PlayerID)
		o.PlayerID = &id
	}
	if ro.TeamID != "" {
		id := string(ro.TeamID)
		o.TeamID = &id
	}

	return o, nil
}
