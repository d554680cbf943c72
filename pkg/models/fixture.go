package models

import (
	"encoding/json"
	"time"
)

// FixtureStatus is the normalized lifecycle state of a fixture
type FixtureStatus string

const (
	StatusScheduled FixtureStatus = "scheduled"
	StatusLive      FixtureStatus = "live"
	StatusFinished  FixtureStatus = "finished"
	StatusOther     FixtureStatus = "other"
)

// Fixture is one scheduled or live game as stored locally
type Fixture struct {
	ID          string        `json:"id"`
	NumericalID *int64        `json:"numerical_id,omitempty"`
	GameID      string        `json:"game_id,omitempty"`
	StartTime   *time.Time    `json:"start_date"`
	Status      FixtureStatus `json:"status"`
	RawStatus   string        `json:"upstream_status,omitempty"`
	IsLive      bool          `json:"is_live"`

	HomeTeam   string `json:"home_team_display"`
	AwayTeam   string `json:"away_team_display"`
	HomeTeamID string `json:"home_team_id,omitempty"`
	AwayTeamID string `json:"away_team_id,omitempty"`

	SeasonYear string `json:"season_year,omitempty"`
	SeasonWeek string `json:"season_week,omitempty"`
	SeasonType string `json:"season_type,omitempty"`

	LeagueID  string `json:"league_id,omitempty"`
	SportID   string `json:"sport_id,omitempty"`
	VenueName string `json:"venue_name,omitempty"`
	HasOdds   bool   `json:"has_odds"`

	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FixtureFilters narrows a fixture query. Zero values mean "no filter".
type FixtureFilters struct {
	ID         string
	GameID     string
	HomeTeam   string // substring, case-insensitive
	AwayTeam   string // substring, case-insensitive
	Team       string // either side
	Status     string // normalized or raw upstream status
	SeasonYear string
	SeasonWeek string
	SeasonType string
	HasOdds    *bool
	IsLive     *bool
	StartFrom  *time.Time
	StartTo    *time.Time
	Limit      int
	Offset     int
}

// FixturePage is a page of fixtures plus the unpaginated match count
type FixturePage struct {
	Data       []Fixture `json:"data"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages"`
}
