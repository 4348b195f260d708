// Package domain defines the core entities and interfaces for Talon.
package domain

import (
	"context"
	"time"
)

// Segment is a behavioral player classification driving rule eligibility.
type Segment string

const (
	SegmentNew       Segment = "NEW"
	SegmentWinning   Segment = "WINNING"
	SegmentBreakeven Segment = "BREAKEVEN"
	SegmentLosing    Segment = "LOSING"
	SegmentVIP       Segment = "VIP"
)

// TierLevel is a loyalty-program level gating benefits and redemptions.
type TierLevel string

const (
	TierBronze   TierLevel = "BRONZE"
	TierSilver   TierLevel = "SILVER"
	TierGold     TierLevel = "GOLD"
	TierPlatinum TierLevel = "PLATINUM"
	TierDiamond  TierLevel = "DIAMOND"
)

// tierRanks orders tiers for requirement comparisons.
var tierRanks = map[TierLevel]int{
	TierBronze:   0,
	TierSilver:   1,
	TierGold:     2,
	TierPlatinum: 3,
	TierDiamond:  4,
}

// Rank returns the ordinal position of a tier (BRONZE = 0). Unknown tiers
// rank below BRONZE so they never satisfy a tier requirement.
func (t TierLevel) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// Meets reports whether t satisfies the required tier.
func (t TierLevel) Meets(required TierLevel) bool {
	return t.Rank() >= required.Rank()
}

// Player is the core player profile.
type Player struct {
	PlayerID string `json:"playerId"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`

	Segment   Segment   `json:"segment"`
	Tier      TierLevel `json:"tier"`
	RiskScore int       `json:"riskScore"` // 0-100, written by the abuse scorer

	IsActive  bool `json:"isActive"`
	IsBlocked bool `json:"isBlocked"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
}

// PlayerMetrics holds the financial and behavioral aggregates the analytics
// provider folds into the evaluation state.
type PlayerMetrics struct {
	PlayerID string `json:"playerId"`

	TotalDeposited float64 `json:"totalDeposited"`
	TotalWagered   float64 `json:"totalWagered"`
	TotalWon       float64 `json:"totalWon"`
	NetPnL         float64 `json:"netPnl"` // wins minus losses, negative when losing

	TotalSessions int     `json:"totalSessions"`
	TotalBets     int     `json:"totalBets"`
	AvgBetSize    float64 `json:"avgBetSize"`

	BonusAbuseScore int `json:"bonusAbuseScore"`

	LastDepositAt *time.Time `json:"lastDepositAt,omitempty"`
	LastWagerAt   *time.Time `json:"lastWagerAt,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// PlayerState is the flat field mapping a rule condition or reward formula is
// evaluated against. It is computed fresh per evaluation and never persisted.
// Numeric fields are always present with a zero default so comparisons stay
// total.
type PlayerState map[string]any

// Number returns a state field as float64. Missing or non-numeric fields
// report ok=false; predicates treat that as a failed match.
func (s PlayerState) Number(key string) (float64, bool) {
	return toFloat64(s[key])
}

// String returns a state field as string.
func (s PlayerState) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// Bool returns a state field as bool.
func (s PlayerState) Bool(key string) (bool, bool) {
	v, ok := s[key].(bool)
	return v, ok
}

// toFloat64 widens the numeric types that appear in state maps and decoded
// JSON conditions.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// StateProvider supplies the evaluation state for a player. The analytics
// service implements it; the rules engine and the profit-safety gate consume
// it. Implementations must return ErrNotFound for unknown players.
type StateProvider interface {
	GetPlayerState(ctx context.Context, playerID string) (PlayerState, error)
}

// TierUpdater recalculates a player's tier after loyalty-point credits.
// The wallet ledger invokes it as a post-credit hook and swallows failures.
type TierUpdater interface {
	UpdatePlayerTier(ctx context.Context, playerID string) (TierLevel, error)
}
