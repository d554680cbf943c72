package models

import (
	"encoding/json"
	"time"
)

// MarketCategory is the coarse market classification derived from a market id
type MarketCategory string

const (
	CategoryMoneyline  MarketCategory = "moneyline"
	CategorySpread     MarketCategory = "spread"
	CategoryTotal      MarketCategory = "total"
	CategoryTeamTotal  MarketCategory = "team_total"
	CategoryPlayerProp MarketCategory = "player_prop"
	CategoryOther      MarketCategory = "other"
)

// PlayerlessCategories never carry a player id
var PlayerlessCategories = map[MarketCategory]bool{
	CategoryMoneyline: true,
	CategorySpread:    true,
	CategoryTotal:     true,
	CategoryTeamTotal: true,
}

// OddsLine is one priced sportsbook selection tied to a fixture
type OddsLine struct {
	ID                  string          `json:"id"`
	FixtureID           string          `json:"fixture_id"`
	Sportsbook          string          `json:"sportsbook"`
	Market              string          `json:"market,omitempty"`
	MarketID            string          `json:"market_id"`
	MarketCategory      MarketCategory  `json:"market_category,omitempty"`
	Name                string          `json:"name,omitempty"`
	Selection           string          `json:"selection,omitempty"`
	NormalizedSelection string          `json:"normalized_selection,omitempty"`
	SelectionLine       string          `json:"selection_line,omitempty"`
	PlayerID            *string         `json:"player_id"`
	TeamID              *string         `json:"team_id"`
	Price               float64         `json:"price"`
	Points              *float64        `json:"points"`
	IsMain              bool            `json:"is_main"`
	SourceTimestamp     *time.Time      `json:"timestamp,omitempty"`
	GroupingKey         string          `json:"grouping_key,omitempty"`
	RawPayload          json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// OddsFilters narrows an odds query. Zero values mean "no filter".
type OddsFilters struct {
	FixtureIDs          []string
	Sportsbook          string
	MarketID            string
	Market              string // substring, case-insensitive
	Categories          []MarketCategory
	PlayerIDs           []string
	TeamID              string // team id, or a team name resolved through fixtures
	Selection           string // substring, case-insensitive
	NormalizedSelection string
	IsMain              *bool
	PriceMin            *float64
	PriceMax            *float64
	PointsMin           *float64
	PointsMax           *float64
	GroupByFixture      bool
	Limit               int
	Offset              int
}

// FixtureOdds nests odds lines under their parent fixture. The fixture fields
// are inlined; when the parent is not stored only id and odds are emitted.
type FixtureOdds struct {
	*Fixture
	ID   string     `json:"id"`
	Odds []OddsLine `json:"odds"`
}

// OddsResult holds either a flat or a grouped page of odds lines
type OddsResult struct {
	Odds       []OddsLine    `json:"-"`
	Grouped    []FixtureOdds `json:"-"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	TotalPages int           `json:"total_pages"`
}

// Data returns whichever shape was requested, for JSON responses
func (r *OddsResult) Data() interface{} {
	if r.Grouped != nil {
		return r.Grouped
	}
	if r.Odds == nil {
		return []OddsLine{}
	}
	return r.Odds
}

// MergeResult summarizes a batch merge into the store
type MergeResult struct {
	Inserted int
	Updated  int
	Failed   int
	Errors   []error
}

// Add folds another result into r
func (r *MergeResult) Add(other MergeResult) {
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
}
