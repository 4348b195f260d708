package domain

import "time"

// RedemptionRule configures a loyalty-point redemption: LP cost in, currency
// value out.
type RedemptionRule struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"isActive"`

	LPCost        float64      `json:"lpCost"`
	CurrencyValue float64      `json:"currencyValue"`
	Currency      CurrencyType `json:"currency"` // CASH (audit-only credit) or BONUS

	MinLPBalance           float64    `json:"minLpBalance,omitempty"`
	MaxRedemptionsPerMonth *int       `json:"maxRedemptionsPerMonth,omitempty"`
	TierRequirement        *TierLevel `json:"tierRequirement,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Redemption is the audit row written for every completed redemption.
type Redemption struct {
	ID       int64  `json:"id"`
	PlayerID string `json:"playerId"`
	RuleID   int64  `json:"ruleId"`

	LPAmount      float64      `json:"lpAmount"`
	ValueReceived float64      `json:"valueReceived"`
	Currency      CurrencyType `json:"currency"`

	Status RewardStatus `json:"status"`

	CreatedAt time.Time `json:"createdAt"`
}
