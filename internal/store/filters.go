package store

import (
	"context"
	"strings"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

// categoryPlan splits the category and player filters of an odds query.
//
// Without player-less categories the filters intersect as usual. When
// player-less categories (moneyline, spread, ...) are requested together
// with player ids, rows match if they are in a player-less category, or if
// they belong to one of the players and fall in one of the remaining
// categories (any category when none remain).
type categoryPlan struct {
	categories []models.MarketCategory
	playerless []models.MarketCategory
	rest       []models.MarketCategory
	playerIDs  []string
}

func newCategoryPlan(categories []models.MarketCategory, playerIDs []string) categoryPlan {
	plan := categoryPlan{playerIDs: playerIDs}
	seen := make(map[models.MarketCategory]bool)
	for _, c := range categories {
		c = models.MarketCategory(strings.ToLower(strings.TrimSpace(string(c))))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		plan.categories = append(plan.categories, c)
		if models.PlayerlessCategories[c] {
			plan.playerless = append(plan.playerless, c)
		} else {
			plan.rest = append(plan.rest, c)
		}
	}
	return plan
}

// mixed reports whether the union rule applies
func (p categoryPlan) mixed() bool {
	return len(p.playerIDs) > 0 && len(p.playerless) > 0
}

func (p categoryPlan) match(o *models.OddsLine) bool {
	if p.mixed() {
		if containsCategory(p.playerless, o.MarketCategory) {
			return true
		}
		if o.PlayerID == nil || !containsString(p.playerIDs, *o.PlayerID) {
			return false
		}
		return len(p.rest) == 0 || containsCategory(p.rest, o.MarketCategory)
	}

	if len(p.categories) > 0 && !containsCategory(p.categories, o.MarketCategory) {
		return false
	}
	if len(p.playerIDs) > 0 && (o.PlayerID == nil || !containsString(p.playerIDs, *o.PlayerID)) {
		return false
	}
	return true
}

// teamScope is the resolved form of a team filter
type teamScope struct {
	teamID     string
	fixtureIDs []string
	selection  string
}

// looksLikeTeamName tells display names ("giants") apart from provider team
// ids, which are short hex strings.
func looksLikeTeamName(v string) bool {
	if len(v) >= 20 {
		return false
	}
	stripped := strings.NewReplacer("-", "", "_", "").Replace(v)
	for _, r := range stripped {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return true
		}
	}
	return false
}

// resolveTeam turns a team filter into a team id, a fixture scope, or as a
// last resort a selection match.
func resolveTeam(ctx context.Context, team string, query func(context.Context, models.FixtureFilters) ([]models.Fixture, int, error)) (*teamScope, error) {
	if team == "" {
		return nil, nil
	}
	if !looksLikeTeamName(team) {
		return &teamScope{teamID: team}, nil
	}

	fixtures, _, err := query(ctx, models.FixtureFilters{Team: team, Limit: MaxLimit})
	if err != nil {
		return nil, err
	}
	if len(fixtures) == 0 {
		return &teamScope{selection: team}, nil
	}

	name := strings.ToLower(team)
	first := fixtures[0]
	switch {
	case nameMatches(first.HomeTeam, name) && first.HomeTeamID != "":
		return &teamScope{teamID: first.HomeTeamID}, nil
	case nameMatches(first.AwayTeam, name) && first.AwayTeamID != "":
		return &teamScope{teamID: first.AwayTeamID}, nil
	}

	ids := make([]string, 0, len(fixtures))
	for _, f := range fixtures {
		ids = append(ids, f.ID)
	}
	return &teamScope{fixtureIDs: ids}, nil
}

func nameMatches(display, name string) bool {
	display = strings.ToLower(display)
	return display != "" && (strings.Contains(display, name) || strings.Contains(name, display))
}

func (s *teamScope) match(o *models.OddsLine) bool {
	switch {
	case s == nil:
		return true
	case s.teamID != "":
		return o.TeamID != nil && *o.TeamID == s.teamID
	case len(s.fixtureIDs) > 0:
		return containsString(s.fixtureIDs, o.FixtureID)
	default:
		return containsFold(o.Selection, s.selection)
	}
}

func matchFixture(f *models.Fixture, filters models.FixtureFilters) bool {
	if filters.ID != "" && f.ID != filters.ID {
		return false
	}
	if filters.GameID != "" && f.GameID != filters.GameID {
		return false
	}
	if filters.HomeTeam != "" && !containsFold(f.HomeTeam, filters.HomeTeam) {
		return false
	}
	if filters.AwayTeam != "" && !containsFold(f.AwayTeam, filters.AwayTeam) {
		return false
	}
	if filters.Team != "" && !containsFold(f.HomeTeam, filters.Team) && !containsFold(f.AwayTeam, filters.Team) {
		return false
	}
	if filters.Status != "" && string(f.Status) != filters.Status && f.RawStatus != filters.Status {
		return false
	}
	if filters.SeasonYear != "" && f.SeasonYear != filters.SeasonYear {
		return false
	}
	if filters.SeasonWeek != "" && f.SeasonWeek != filters.SeasonWeek {
		return false
	}
	if filters.SeasonType != "" && f.SeasonType != filters.SeasonType {
		return false
	}
	if filters.HasOdds != nil && f.HasOdds != *filters.HasOdds {
		return false
	}
	if filters.IsLive != nil && f.IsLive != *filters.IsLive {
		return false
	}
	if filters.StartFrom != nil && (f.StartTime == nil || f.StartTime.Before(*filters.StartFrom)) {
		return false
	}
	if filters.StartTo != nil && (f.StartTime == nil || f.StartTime.After(*filters.StartTo)) {
		return false
	}
	return true
}

func matchOdds(o *models.OddsLine, filters models.OddsFilters, plan categoryPlan, team *teamScope) bool {
	if len(filters.FixtureIDs) > 0 && !containsString(filters.FixtureIDs, o.FixtureID) {
		return false
	}
	if filters.Sportsbook != "" && o.Sportsbook != filters.Sportsbook {
		return false
	}
	if filters.MarketID != "" && o.MarketID != filters.MarketID {
		return false
	}
	if filters.Market != "" && !containsFold(o.Market, filters.Market) {
		return false
	}
	if !plan.match(o) || !team.match(o) {
		return false
	}
	if filters.Selection != "" && !containsFold(o.Selection, filters.Selection) {
		return false
	}
	if filters.NormalizedSelection != "" && o.NormalizedSelection != filters.NormalizedSelection {
		return false
	}
	if filters.IsMain != nil && o.IsMain != *filters.IsMain {
		return false
	}
	if filters.PriceMin != nil && o.Price < *filters.PriceMin {
		return false
	}
	if filters.PriceMax != nil && o.Price > *filters.PriceMax {
		return false
	}
	if filters.PointsMin != nil && (o.Points == nil || *o.Points < *filters.PointsMin) {
		return false
	}
	if filters.PointsMax != nil && (o.Points == nil || *o.Points > *filters.PointsMax) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsCategory(list []models.MarketCategory, v models.MarketCategory) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// groupByFixture nests lines under their parents, preserving first-seen
// fixture order. Each parent is loaded once.
func groupByFixture(ctx context.Context, lines []models.OddsLine, load func(context.Context, string) (*models.Fixture, error)) ([]models.FixtureOdds, error) {
	groups := make([]models.FixtureOdds, 0)
	index := make(map[string]int)

	for _, line := range lines {
		i, ok := index[line.FixtureID]
		if !ok {
			fixture, err := load(ctx, line.FixtureID)
			if err != nil {
				return nil, err
			}
			groups = append(groups, models.FixtureOdds{Fixture: fixture, ID: line.FixtureID, Odds: []models.OddsLine{}})
			i = len(groups) - 1
			index[line.FixtureID] = i
		}
		groups[i].Odds = append(groups[i].Odds, line)
	}

	return groups, nil
}
