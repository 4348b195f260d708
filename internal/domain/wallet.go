package domain

import (
	"time"
)

// CurrencyType identifies a wallet currency.
type CurrencyType string

const (
	CurrencyLoyaltyPoints CurrencyType = "LP"
	CurrencyRewardPoints  CurrencyType = "RP"
	CurrencyBonusBalance  CurrencyType = "BONUS"
	CurrencyTickets       CurrencyType = "TICKETS"
	CurrencyCash          CurrencyType = "CASH"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxDeposit      TransactionType = "DEPOSIT"
	TxWithdrawal   TransactionType = "WITHDRAWAL"
	TxWager        TransactionType = "WAGER"
	TxWin          TransactionType = "WIN"
	TxReward       TransactionType = "REWARD"
	TxBonusIssued  TransactionType = "BONUS_ISSUED"
	TxBonusExpired TransactionType = "BONUS_EXPIRED"
	TxLPEarned     TransactionType = "LP_EARNED"
	TxLPRedeemed   TransactionType = "LP_REDEEMED"
	TxLPExpired    TransactionType = "LP_EXPIRED"
	TxRedemption   TransactionType = "REDEMPTION"
)

// WalletBalance is the per-player multi-currency wallet. It is a cached
// projection of the transaction stream, owned exclusively by the wallet
// ledger; every field is mutated only inside a ledger operation holding the
// player's lock. All balances are >= 0 at all times.
type WalletBalance struct {
	PlayerID string `json:"playerId"`

	LPBalance      float64 `json:"lpBalance"`
	RPBalance      float64 `json:"rpBalance"`
	BonusBalance   float64 `json:"bonusBalance"`
	TicketsBalance int     `json:"ticketsBalance"`

	// Bonus restrictions. Requirements from stacked bonuses accumulate.
	BonusWageringRequired  float64    `json:"bonusWageringRequired"`
	BonusWageringCompleted float64    `json:"bonusWageringCompleted"`
	BonusExpiry            *time.Time `json:"bonusExpiry,omitempty"`
	BonusMaxBet            *float64   `json:"bonusMaxBet,omitempty"`
	BonusEligibleGames     []string   `json:"bonusEligibleGames,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Amount returns the balance held in the given currency.
func (b *WalletBalance) Amount(currency CurrencyType) (float64, bool) {
	switch currency {
	case CurrencyLoyaltyPoints:
		return b.LPBalance, true
	case CurrencyRewardPoints:
		return b.RPBalance, true
	case CurrencyBonusBalance:
		return b.BonusBalance, true
	case CurrencyTickets:
		return float64(b.TicketsBalance), true
	}
	return 0, false
}

// SetAmount writes the balance for the given currency. Returns false for
// currencies the wallet does not hold (CASH is audit-only).
func (b *WalletBalance) SetAmount(currency CurrencyType, v float64) bool {
	switch currency {
	case CurrencyLoyaltyPoints:
		b.LPBalance = v
	case CurrencyRewardPoints:
		b.RPBalance = v
	case CurrencyBonusBalance:
		b.BonusBalance = v
	case CurrencyTickets:
		b.TicketsBalance = int(v)
	default:
		return false
	}
	return true
}

// PointEntry is an individually tracked lot of loyalty points, consumed
// oldest-first on debit or expiry. The sum of RemainingAmount over a player's
// open entries always equals the player's LP balance after a commit.
type PointEntry struct {
	ID       int64  `json:"id"`
	PlayerID string `json:"playerId"`

	Amount          float64 `json:"amount"`
	RemainingAmount float64 `json:"remainingAmount"` // <= Amount, never increases

	SourceType string `json:"sourceType,omitempty"` // "REWARD", "WAGER", "ACTION"
	SourceID   string `json:"sourceId,omitempty"`

	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	IsExpired bool       `json:"isExpired"`
}

// Transaction is an append-only audit row capturing one balance mutation.
// Amount is signed: positive credits, negative debits. BalanceBefore and
// BalanceAfter bracket exactly the delta applied in the same operation.
// Rows are never updated or deleted.
type Transaction struct {
	ID       string `json:"id"`
	PlayerID string `json:"playerId"`

	Type     TransactionType `json:"type"`
	Currency CurrencyType    `json:"currency"`
	Amount   float64         `json:"amount"`

	BalanceBefore float64 `json:"balanceBefore"`
	BalanceAfter  float64 `json:"balanceAfter"`

	Description string         `json:"description,omitempty"`
	ReferenceID string         `json:"referenceId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}
