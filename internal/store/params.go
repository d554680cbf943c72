package store

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseFixtureQuery builds fixture filters from query parameters
func ParseFixtureQuery(q url.Values) (models.FixtureFilters, error) {
	filters := models.FixtureFilters{
		ID:         q.Get("id"),
		GameID:     q.Get("game_id"),
		HomeTeam:   q.Get("home_team"),
		AwayTeam:   q.Get("away_team"),
		Team:       q.Get("team"),
		Status:     q.Get("status"),
		SeasonYear: q.Get("season_year"),
		SeasonWeek: q.Get("season_week"),
		SeasonType: q.Get("season_type"),
	}

	var err error
	if filters.HasOdds, err = parseBool(q, "has_odds"); err != nil {
		return filters, err
	}
	if filters.IsLive, err = parseBool(q, "is_live"); err != nil {
		return filters, err
	}
	if filters.StartFrom, err = parseDate(q, "start_date_from"); err != nil {
		return filters, err
	}
	if filters.StartTo, err = parseDate(q, "start_date_to"); err != nil {
		return filters, err
	}
	if filters.Limit, filters.Offset, err = parsePaging(q); err != nil {
		return filters, err
	}

	return filters, nil
}

// ParseOddsQuery builds odds filters from query parameters. Multi-valued
// parameters accept repeats and comma-separated lists; market_type is an
// alias for market_category.
func ParseOddsQuery(q url.Values) (models.OddsFilters, error) {
	filters := models.OddsFilters{
		FixtureIDs:          parseList(q, "fixture_id"),
		Sportsbook:          q.Get("sportsbook"),
		MarketID:            q.Get("market_id"),
		Market:              q.Get("market"),
		PlayerIDs:           parseList(q, "player_id"),
		TeamID:              q.Get("team_id"),
		Selection:           q.Get("selection"),
		NormalizedSelection: q.Get("normalized_selection"),
	}

	categories := parseList(q, "market_category")
	if len(categories) == 0 {
		categories = parseList(q, "market_type")
	}
	for _, c := range categories {
		filters.Categories = append(filters.Categories, models.MarketCategory(strings.ToLower(c)))
	}

	var err error
	if filters.IsMain, err = parseBool(q, "is_main"); err != nil {
		return filters, err
	}
	if filters.PriceMin, err = parseFloat(q, "price_min"); err != nil {
		return filters, err
	}
	if filters.PriceMax, err = parseFloat(q, "price_max"); err != nil {
		return filters, err
	}
	if filters.PointsMin, err = parseFloat(q, "points_min"); err != nil {
		return filters, err
	}
	if filters.PointsMax, err = parseFloat(q, "points_max"); err != nil {
		return filters, err
	}
	group, err := parseBool(q, "group_by_fixture")
	if err != nil {
		return filters, err
	}
	filters.GroupByFixture = group != nil && *group
	if filters.Limit, filters.Offset, err = parsePaging(q); err != nil {
		return filters, err
	}

	return filters, nil
}

// ParseDate accepts RFC3339 timestamps, naive ISO timestamps (taken as UTC)
// and plain dates.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: "date", Reason: "use ISO format, e.g. 2025-09-07T17:00:00Z"}
}

func parseDate(q url.Values, key string) (*time.Time, error) {
	value := q.Get(key)
	if value == "" {
		return nil, nil
	}
	t, err := ParseDate(value)
	if err != nil {
		return nil, &ValidationError{Field: key, Reason: "invalid format, use ISO format"}
	}
	return &t, nil
}

func parseBool(q url.Values, key string) (*bool, error) {
	value := q.Get(key)
	if value == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return nil, &ValidationError{Field: key, Reason: "must be true or false"}
	}
	return &b, nil
}

func parseFloat(q url.Values, key string) (*float64, error) {
	value := q.Get(key)
	if value == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, &ValidationError{Field: key, Reason: "must be a number"}
	}
	return &f, nil
}

func parsePaging(q url.Values) (limit, offset int, err error) {
	limit = DefaultLimit
	if value := q.Get("limit"); value != "" {
		limit, err = strconv.Atoi(value)
		if err != nil || limit < 1 || limit > MaxLimit {
			return 0, 0, &ValidationError{Field: "limit", Reason: "must be an integer between 1 and 10000"}
		}
	}
	if value := q.Get("offset"); value != "" {
		offset, err = strconv.Atoi(value)
		if err != nil || offset < 0 {
			return 0, 0, &ValidationError{Field: "offset", Reason: "must be a non-negative integer"}
		}
	}
	return limit, offset, nil
}

func parseList(q url.Values, key string) []string {
	var out []string
	for _, raw := range q[key] {
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
