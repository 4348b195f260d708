package rules

import "github.com/opensource-gaming/talon/internal/domain"

// BuiltinRules returns a starter rule set used for seeding fresh
// installations. Production rules are configured via the API.
func BuiltinRules() []*domain.RewardRule {
	maxCashback := 200.0
	cashbackExpiry := 168 // 7 days
	lpExpiry := 90

	return []*domain.RewardRule{
		{
			RuleID:      "weekly-cashback-losing",
			Name:        "Weekly cashback for losing players",
			Description: "10% cashback on net losses, capped",
			Priority:    100,
			IsActive:    true,
			Conditions: map[string]any{
				"segment":      []any{"LOSING", "BREAKEVEN"},
				"net_loss_min": 100.0,
			},
			RewardConfig: domain.RewardConfig{
				Type:                domain.RewardCashback,
				Formula:             "net_loss * 0.10",
				MaxAmount:           &maxCashback,
				WageringRequirement: 5,
				ExpiryHours:         &cashbackExpiry,
			},
		},
		{
			RuleID:      "loyalty-points-wagered",
			Name:        "Loyalty points on wagering",
			Description: "1 LP per 100 wagered",
			Priority:    50,
			IsActive:    true,
			Conditions: map[string]any{
				"total_wagered_min": 100.0,
			},
			RewardConfig: domain.RewardConfig{
				Type:         domain.RewardLoyaltyPoints,
				Formula:      "total_wagered / 100",
				LPExpiryDays: &lpExpiry,
			},
		},
		{
			RuleID:      "vip-reload-bonus",
			Name:        "VIP reload bonus",
			Description: "Fixed bonus for active VIPs",
			Priority:    200,
			IsActive:    true,
			Conditions: map[string]any{
				"segment":           "VIP",
				"session_count_min": 10.0,
			},
			RewardConfig: domain.RewardConfig{
				Type:                domain.RewardBonusBalance,
				Formula:             "100",
				WageringRequirement: 10,
			},
		},
	}
}
