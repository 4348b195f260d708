package domain

import (
	"fmt"
	"time"
)

// RewardType classifies what a rule grants.
type RewardType string

const (
	RewardCashback      RewardType = "CASHBACK"
	RewardBonusBalance  RewardType = "BONUS_BALANCE"
	RewardFreePlay      RewardType = "FREE_PLAY"
	RewardLoyaltyPoints RewardType = "LOYALTY_POINTS"
	RewardRewardPoints  RewardType = "REWARD_POINTS"
	RewardTickets       RewardType = "TICKETS"
)

// CurrencyForRewardType maps a reward type to the wallet currency it credits.
// The mapping is exhaustive on purpose: an unmapped type is a configuration
// error, never a silent default.
func CurrencyForRewardType(t RewardType) (CurrencyType, error) {
	switch t {
	case RewardLoyaltyPoints:
		return CurrencyLoyaltyPoints, nil
	case RewardRewardPoints:
		return CurrencyRewardPoints, nil
	case RewardBonusBalance, RewardFreePlay, RewardCashback:
		return CurrencyBonusBalance, nil
	case RewardTickets:
		return CurrencyTickets, nil
	}
	return "", fmt.Errorf("%w: reward type %q has no currency mapping", ErrConfiguration, t)
}

// RewardStatus is the lifecycle state of an issued reward. Transitions only
// move forward; PENDING→ACTIVE happens exactly once, at issuance.
type RewardStatus string

const (
	RewardPending   RewardStatus = "PENDING"
	RewardActive    RewardStatus = "ACTIVE"
	RewardCompleted RewardStatus = "COMPLETED"
	RewardExpired   RewardStatus = "EXPIRED"
	RewardCancelled RewardStatus = "CANCELLED"
)

// RewardConfig is the reward half of a rule: what to grant and under which
// restrictions.
type RewardConfig struct {
	Type RewardType `json:"type"`

	// Formula is either a literal amount ("100") or an arithmetic expression
	// over numeric player-state fields ("net_loss * 0.10").
	Formula string `json:"formula"`

	MaxAmount *float64 `json:"maxAmount,omitempty"`

	// WageringRequirement is a multiplier: required wagering = amount * it.
	WageringRequirement float64 `json:"wageringRequirement,omitempty"`

	ExpiryHours   *int     `json:"expiryHours,omitempty"`
	LPExpiryDays  *int     `json:"lpExpiryDays,omitempty"`
	EligibleGames []string `json:"eligibleGames,omitempty"`
	MaxBet        *float64 `json:"maxBet,omitempty"`
}

// RewardRule is a declarative reward rule. Conditions form a conjunction of
// field predicates over the player state; the optional Expression is a CEL
// program that must additionally evaluate true.
type RewardRule struct {
	RuleID      string `json:"ruleId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Priority int  `json:"priority"` // higher evaluated first
	IsActive bool `json:"isActive"`

	Conditions map[string]any `json:"conditions"`
	Expression string         `json:"expression,omitempty"`

	RewardConfig RewardConfig `json:"rewardConfig"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RewardRecord is one issued reward instance. The Metadata snapshot captures
// segment, tier and bonus restrictions at creation time; later changes to the
// rule or the player never alter it.
type RewardRecord struct {
	ID       int64  `json:"id"`
	PlayerID string `json:"playerId"`
	RuleID   string `json:"ruleId"`

	RewardType RewardType   `json:"rewardType"`
	Currency   CurrencyType `json:"currency"`
	Amount     float64      `json:"amount"`

	Status RewardStatus `json:"status"`

	WageringRequired  float64 `json:"wageringRequired"`
	WageringCompleted float64 `json:"wageringCompleted"`

	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}
