package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

const sampleFixture = `{
	"id": "20250907B4D1E7A9",
	"numerical_id": 241882,
	"game_id": "31041-21318-2025-09-07",
	"start_date": "2025-09-07T17:00:00Z",
	"status": "unplayed",
	"is_live": false,
	"home_team_display": "New York Giants",
	"away_team_display": "Washington Commanders",
	"home_competitors": [{"id": "ACC49FC634EE", "name": "New York Giants"}],
	"away_competitors": [{"id": "5E5D2D6A12F0", "name": "Washington Commanders"}],
	"season_type": "Regular Season",
	"season_year": 2025,
	"season_week": "1",
	"venue_name": "MetLife Stadium",
	"league": {"id": "nfl", "name": "NFL"},
	"sport": {"id": "football", "name": "Football"},
	"has_odds": true
}`

func TestNormalizeFixture(t *testing.T) {
	f, err := NormalizeFixture(json.RawMessage(sampleFixture))
	require.NoError(t, err)

	assert.Equal(t, "20250907B4D1E7A9", f.ID)
	require.NotNil(t, f.NumericalID)
	assert.Equal(t, int64(241882), *f.NumericalID)
	require.NotNil(t, f.StartTime)
	assert.True(t, f.StartTime.Equal(time.Date(2025, 9, 7, 17, 0, 0, 0, time.UTC)))
	assert.Equal(t, models.StatusScheduled, f.Status)
	assert.Equal(t, "unplayed", f.RawStatus)
	assert.Equal(t, "New York Giants", f.HomeTeam)
	assert.Equal(t, "ACC49FC634EE", f.HomeTeamID)
	assert.Equal(t, "5E5D2D6A12F0", f.AwayTeamID)
	assert.Equal(t, "2025", f.SeasonYear)
	assert.Equal(t, "1", f.SeasonWeek)
	assert.Equal(t, "nfl", f.LeagueID)
	assert.Equal(t, "football", f.SportID)
	assert.True(t, f.HasOdds)
	assert.JSONEq(t, sampleFixture, string(f.RawPayload))
}

func TestNormalizeFixture_FallsBackToCompetitorNames(t *testing.T) {
	raw := `{"id":"f1","status":"live","home_competitors":[{"id":"H1","name":"Home"}],"away_competitors":[{"id":"A1","name":"Away"}]}`

	f, err := NormalizeFixture(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, "Home", f.HomeTeam)
	assert.Equal(t, "Away", f.AwayTeam)
	assert.Nil(t, f.StartTime)
	assert.Equal(t, models.StatusLive, f.Status)
}

func TestNormalizeFixture_Rejects(t *testing.T) {
	for name, raw := range map[string]string{
		"missing id":    `{"status":"unplayed"}`,
		"not json":      `{"id":`,
		"bad date":      `{"id":"f1","start_date":"next sunday"}`,
		"wrong shape":   `["f1"]`,
		"object season": `{"id":"f1","season_year":{"y":2025}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NormalizeFixture(json.RawMessage(raw))
			assert.Error(t, err)
		})
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		raw    string
		isLive bool
		want   models.FixtureStatus
	}{
		{"unplayed", false, models.StatusScheduled},
		{"Scheduled", false, models.StatusScheduled},
		{"not started", false, models.StatusScheduled},
		{"live", false, models.StatusLive},
		{"In Progress", false, models.StatusLive},
		{"completed", false, models.StatusFinished},
		{"Final", false, models.StatusFinished},
		{"postponed", false, models.StatusOther},
		{"", false, models.StatusOther},
		{"unplayed", true, models.StatusLive},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MapStatus(tt.raw, tt.isLive), "status %q live=%v", tt.raw, tt.isLive)
	}
}

func TestSplitOddsFixture(t *testing.T) {
	id, entries, err := SplitOddsFixture(json.RawMessage(`{"id":"f1","odds":[{"id":"a"},{"id":"b"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "f1", id)
	assert.Len(t, entries, 2)

	_, _, err = SplitOddsFixture(json.RawMessage(`{"odds":[]}`))
	assert.Error(t, err)
}

func TestNormalizeOdds(t *testing.T) {
	raw := `{
		"id": "31041-21318-2025-09-07:draftkings:player_passing_yards:jalen_hurts_over_225_5",
		"sportsbook": "DraftKings",
		"market": "Player Passing Yards",
		"market_id": "player_passing_yards",
		"name": "Jalen Hurts Over 225.5",
		"selection": "Jalen Hurts",
		"normalized_selection": "jalen_hurts",
		"selection_line": "over",
		"player_id": "8B1F53E0A2C4",
		"team_id": null,
		"price": -115,
		"points": 225.5,
		"is_main": true,
		"timestamp": 1757262000.5,
		"grouping_key": "default:225.5"
	}`

	o, err := NormalizeOdds("f1", json.RawMessage(raw))
	require.NoError(t, err)

	assert.Equal(t, "f1", o.FixtureID)
	assert.Equal(t, "DraftKings", o.Sportsbook)
	assert.Equal(t, models.CategoryPlayerProp, o.MarketCategory)
	assert.Equal(t, -115.0, o.Price)
	require.NotNil(t, o.Points)
	assert.Equal(t, 225.5, *o.Points)
	require.NotNil(t, o.PlayerID)
	assert.Equal(t, "8B1F53E0A2C4", *o.PlayerID)
	assert.Nil(t, o.TeamID)
	assert.True(t, o.IsMain)
	require.NotNil(t, o.SourceTimestamp)
	assert.Equal(t, int64(1757262000), o.SourceTimestamp.Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(o.SourceTimestamp.Nanosecond()))
}

func TestNormalizeOdds_StringTimestampAndTeam(t *testing.T) {
	raw := `{"id":"o1","sportsbook":"FanDuel","market_id":"point_spread","price":-110,"points":-3.5,"team_id":"ACC49FC634EE","timestamp":"2025-09-06T12:00:00Z"}`

	o, err := NormalizeOdds("f1", json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, models.CategorySpread, o.MarketCategory)
	require.NotNil(t, o.TeamID)
	assert.Equal(t, "ACC49FC634EE", *o.TeamID)
	assert.Nil(t, o.PlayerID)
	require.NotNil(t, o.SourceTimestamp)
	assert.True(t, o.SourceTimestamp.Equal(time.Date(2025, 9, 6, 12, 0, 0, 0, time.UTC)))
}

func TestNormalizeOdds_Rejects(t *testing.T) {
	_, err := NormalizeOdds("f1", json.RawMessage(`{"sportsbook":"FanDuel","price":100}`))
	assert.Error(t, err)

	_, err = NormalizeOdds("f1", json.RawMessage(`{"id":"o1","sportsbook":"FanDuel"}`))
	assert.Error(t, err)
}
