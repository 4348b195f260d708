package domain

import "time"

// Abuse signal types detected by the scorer. Each detector maps to a fixed
// severity on a 1-10 scale.
const (
	SignalBonusOnlyPlay       = "BONUS_ONLY_PLAY"
	SignalImmediateWithdrawal = "IMMEDIATE_WITHDRAWAL"
	SignalBetManipulation     = "BET_MANIPULATION"
	SignalAbnormalWinRate     = "ABNORMAL_WIN_RATE"
	SignalManualReview        = "MANUAL_REVIEW_REQUIRED"
)

// AbuseSignal records one detected abuse pattern. Signals stay unresolved
// until reviewed; unresolved signals feed the abuse score.
type AbuseSignal struct {
	ID       int64  `json:"id"`
	PlayerID string `json:"playerId"`

	SignalType  string `json:"signalType"`
	Severity    int    `json:"severity"` // 1-10
	Description string `json:"description,omitempty"`

	IsResolved bool       `json:"isResolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	DetectedAt time.Time `json:"detectedAt"`
}

// PenaltyAction is the classification produced by the abuse scorer. The rules
// engine enforces IncreasedWagering and ReducedRewards through player-state
// conditions; only Blocked is applied directly to the player row.
type PenaltyAction string

const (
	PenaltyNone              PenaltyAction = "NO_ACTION"
	PenaltyReducedRewards    PenaltyAction = "REDUCED_REWARDS"
	PenaltyIncreasedWagering PenaltyAction = "INCREASED_WAGERING"
	PenaltyBlocked           PenaltyAction = "BLOCKED"
)
