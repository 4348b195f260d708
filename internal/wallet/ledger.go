// Package wallet implements the multi-currency wallet ledger: the only
// component permitted to mutate a WalletBalance. The transaction append log
// is the system of record; balance fields are a cached projection updated in
// the same step as each transaction write.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-gaming/talon/internal/domain"
)

// Ledger mutates wallet balances under a per-player lock. All operations on
// one player's balance, point entries and reward status are serialized;
// different players proceed concurrently.
type Ledger struct {
	repo   domain.Repository
	bus    domain.EventBus    // optional
	cache  domain.Cache       // optional, invalidated on mutation
	tiers  domain.TierUpdater // optional post-credit hook
	logger *slog.Logger

	locks sync.Map // playerID -> *sync.Mutex
}

// NewLedger creates a wallet ledger. Bus, cache and tier updater may be nil.
func NewLedger(repo domain.Repository, bus domain.EventBus, cache domain.Cache, tiers domain.TierUpdater, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:   repo,
		bus:    bus,
		cache:  cache,
		tiers:  tiers,
		logger: logger,
	}
}

// SetTierUpdater wires the tier recalculation hook after construction. The
// analytics service depends on the repository, so it is built after the
// ledger.
func (l *Ledger) SetTierUpdater(tiers domain.TierUpdater) {
	l.tiers = tiers
}

// playerLock returns the mutex serializing one player's wallet mutations.
func (l *Ledger) playerLock(playerID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(playerID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GetOrCreateBalance returns a player's balance, creating a zeroed row on
// first use. Idempotent.
func (l *Ledger) GetOrCreateBalance(ctx context.Context, playerID string) (*domain.WalletBalance, error) {
	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	return l.getOrCreateLocked(ctx, playerID)
}

func (l *Ledger) getOrCreateLocked(ctx context.Context, playerID string) (*domain.WalletBalance, error) {
	balance, err := l.repo.GetBalance(ctx, playerID)
	if err == nil {
		return balance, nil
	}
	if err != domain.ErrNotFound {
		return nil, err
	}

	balance = &domain.WalletBalance{PlayerID: playerID}
	if err := l.repo.SaveBalance(ctx, playerID, balance); err != nil {
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}
	return balance, nil
}

// CreateTransaction appends an audit row. It performs no balance mutation;
// callers mutate balance fields and record the before/after snapshot here.
func (l *Ledger) CreateTransaction(ctx context.Context, playerID string, tx *domain.Transaction) (*domain.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.PlayerID = playerID

	if err := l.repo.SaveTransaction(ctx, playerID, tx); err != nil {
		return nil, fmt.Errorf("failed to save transaction: %w", err)
	}
	return tx, nil
}

// AddLoyaltyPoints credits loyalty points, appends an LP_EARNED transaction
// and opens a new FIFO point lot. A failure in the tier recalculation hook
// is logged and swallowed, never aborting the credit.
func (l *Ledger) AddLoyaltyPoints(ctx context.Context, playerID string, amount float64, source string, expiryDays *int) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.addLoyaltyPointsLocked(ctx, playerID, amount, source, "", expiryDays)
	if err != nil {
		return nil, err
	}

	l.afterMutation(ctx, playerID)
	return tx, nil
}

func (l *Ledger) addLoyaltyPointsLocked(ctx context.Context, playerID string, amount float64, source, referenceID string, expiryDays *int) (*domain.Transaction, error) {
	balance, err := l.getOrCreateLocked(ctx, playerID)
	if err != nil {
		return nil, err
	}

	before := balance.LPBalance
	balance.LPBalance += amount
	if err := l.repo.SaveBalance(ctx, playerID, balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}

	now := time.Now().UTC()
	entry := &domain.PointEntry{
		Amount:          amount,
		RemainingAmount: amount,
		SourceType:      source,
		SourceID:        referenceID,
		IssuedAt:        now,
	}
	if expiryDays != nil {
		expires := now.AddDate(0, 0, *expiryDays)
		entry.ExpiresAt = &expires
	}
	if err := l.repo.SavePointEntry(ctx, playerID, entry); err != nil {
		return nil, fmt.Errorf("failed to save point entry: %w", err)
	}

	tx, err := l.CreateTransaction(ctx, playerID, &domain.Transaction{
		Type:          domain.TxLPEarned,
		Currency:      domain.CurrencyLoyaltyPoints,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  balance.LPBalance,
		Description:   fmt.Sprintf("loyalty points earned: %s", source),
		ReferenceID:   referenceID,
	})
	if err != nil {
		return nil, err
	}

	if l.tiers != nil {
		if _, err := l.tiers.UpdatePlayerTier(ctx, playerID); err != nil {
			l.logger.Warn("tier update hook failed",
				"playerId", playerID,
				"error", err)
		}
	}

	return tx, nil
}

// BonusGrant holds the optional restrictions attached to a bonus credit.
// Expiry, MaxBet and EligibleGames overwrite the current values only when
// set; nil leaves the existing restriction in place.
type BonusGrant struct {
	WageringRequirement float64 // absolute amount, added to the existing requirement
	Expiry              *time.Time
	MaxBet              *float64
	EligibleGames       []string
	Description         string
	ReferenceID         string
}

// AddBonusBalance credits bonus balance. Wagering requirements from stacked
// bonuses accumulate.
func (l *Ledger) AddBonusBalance(ctx context.Context, playerID string, amount float64, grant BonusGrant) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.addBonusBalanceLocked(ctx, playerID, amount, grant)
	if err != nil {
		return nil, err
	}

	l.afterMutation(ctx, playerID)
	return tx, nil
}

func (l *Ledger) addBonusBalanceLocked(ctx context.Context, playerID string, amount float64, grant BonusGrant) (*domain.Transaction, error) {
	balance, err := l.getOrCreateLocked(ctx, playerID)
	if err != nil {
		return nil, err
	}

	before := balance.BonusBalance
	balance.BonusBalance += amount
	balance.BonusWageringRequired += grant.WageringRequirement
	if grant.Expiry != nil {
		balance.BonusExpiry = grant.Expiry
	}
	if grant.MaxBet != nil {
		balance.BonusMaxBet = grant.MaxBet
	}
	if len(grant.EligibleGames) > 0 {
		balance.BonusEligibleGames = grant.EligibleGames
	}
	if err := l.repo.SaveBalance(ctx, playerID, balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}

	description := grant.Description
	if description == "" {
		description = "bonus credited"
	}

	return l.CreateTransaction(ctx, playerID, &domain.Transaction{
		Type:          domain.TxBonusIssued,
		Currency:      domain.CurrencyBonusBalance,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  balance.BonusBalance,
		Description:   description,
		ReferenceID:   grant.ReferenceID,
	})
}

// DeductBalance debits a wallet currency. Fails with InsufficientBalance if
// the balance cannot cover the amount; no partial debit is ever applied.
// Loyalty point debits additionally consume FIFO lots.
func (l *Ledger) DeductBalance(ctx context.Context, playerID string, currency domain.CurrencyType, amount float64, txType domain.TransactionType, description, referenceID string) (*domain.Transaction, error) {
	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.deductLocked(ctx, playerID, currency, amount, txType, description, referenceID)
	if err != nil {
		return nil, err
	}

	l.afterMutation(ctx, playerID)
	return tx, nil
}

func (l *Ledger) deductLocked(ctx context.Context, playerID string, currency domain.CurrencyType, amount float64, txType domain.TransactionType, description, referenceID string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	balance, err := l.getOrCreateLocked(ctx, playerID)
	if err != nil {
		return nil, err
	}

	before, ok := balance.Amount(currency)
	if !ok {
		return nil, fmt.Errorf("%w: currency %s is not held in the wallet", domain.ErrConfiguration, currency)
	}
	if before < amount {
		return nil, fmt.Errorf("%w: %s balance %.2f < %.2f", domain.ErrInsufficientBalance, currency, before, amount)
	}

	balance.SetAmount(currency, before-amount)
	if err := l.repo.SaveBalance(ctx, playerID, balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}

	if currency == domain.CurrencyLoyaltyPoints {
		if err := l.deductLPFIFO(ctx, playerID, amount); err != nil {
			return nil, err
		}
	}

	return l.CreateTransaction(ctx, playerID, &domain.Transaction{
		Type:          txType,
		Currency:      currency,
		Amount:        -amount,
		BalanceBefore: before,
		BalanceAfter:  before - amount,
		Description:   description,
		ReferenceID:   referenceID,
	})
}

// deductLPFIFO consumes point lots oldest-first until the debit is covered.
// Caller holds the player lock and has already verified the balance covers
// the amount, so running out of lots indicates a ledger inconsistency.
func (l *Ledger) deductLPFIFO(ctx context.Context, playerID string, amount float64) error {
	entries, err := l.repo.ListOpenPointEntries(ctx, playerID)
	if err != nil {
		return err
	}

	left := amount
	for _, entry := range entries {
		if left <= 0 {
			break
		}
		consume := entry.RemainingAmount
		if consume > left {
			consume = left
		}
		entry.RemainingAmount -= consume
		left -= consume
		if err := l.repo.UpdatePointEntry(ctx, playerID, entry); err != nil {
			return err
		}
	}

	if left > 0 {
		l.logger.Error("point entries did not cover LP debit",
			"playerId", playerID,
			"shortfall", left)
	}
	return nil
}

// afterMutation invalidates the cached evaluation state for a player.
func (l *Ledger) afterMutation(ctx context.Context, playerID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, "state:"+playerID); err != nil {
		l.logger.Debug("cache invalidation failed", "playerId", playerID, "error", err)
	}
}

func (l *Ledger) publish(ctx context.Context, topic string, payload any) {
	if l.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := l.bus.Publish(ctx, topic, data); err != nil {
		l.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
