package ingest

import (
	"strings"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

// MarketCategory classifies a provider market id. It is a pure function of
// its input; an empty id has no category.
func MarketCategory(marketID string) models.MarketCategory {
	if marketID == "" {
		return ""
	}

	id := strings.ToLower(marketID)
	switch {
	case strings.Contains(id, "moneyline"):
		return models.CategoryMoneyline
	case strings.Contains(id, "spread"):
		return models.CategorySpread
	case strings.Contains(id, "team_total"):
		return models.CategoryTeamTotal
	case strings.Contains(id, "total"):
		return models.CategoryTotal
	case strings.Contains(id, "player_"):
		return models.CategoryPlayerProp
	case strings.Contains(id, "touchdown_scorer"), strings.Contains(id, "td_scorer"):
		return models.CategoryPlayerProp
	default:
		return models.CategoryOther
	}
}
