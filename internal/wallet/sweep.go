package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// ExpireBonuses sweeps every balance whose bonus has passed its expiry,
// forfeiting the remaining bonus and clearing all wagering state. Safe to
// run repeatedly; already-swept balances are skipped. Returns the number of
// bonuses expired.
func (l *Ledger) ExpireBonuses(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	players, err := l.repo.ListExpiredBonusBalances(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, playerID := range players {
		expired, err := l.expireBonusForPlayer(ctx, playerID, now)
		if err != nil {
			// One player's failure never aborts the sweep.
			l.logger.Error("bonus expiry failed for player",
				"playerId", playerID,
				"error", err)
			continue
		}
		if expired {
			count++
		}
	}

	if count > 0 {
		l.publish(ctx, domain.TopicSweepCompleted, map[string]any{
			"sweep":   "bonus_expiry",
			"expired": count,
		})
	}
	return count, nil
}

func (l *Ledger) expireBonusForPlayer(ctx context.Context, playerID string, now time.Time) (bool, error) {
	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	balance, err := l.repo.GetBalance(ctx, playerID)
	if err != nil {
		return false, err
	}

	// Re-check under the lock; a concurrent wager or issue may have changed
	// the picture since the candidate scan.
	if balance.BonusBalance <= 0 || balance.BonusExpiry == nil || balance.BonusExpiry.After(now) {
		return false, nil
	}

	forfeited := balance.BonusBalance
	balance.BonusBalance = 0
	balance.BonusWageringRequired = 0
	balance.BonusWageringCompleted = 0
	balance.BonusExpiry = nil
	balance.BonusMaxBet = nil
	balance.BonusEligibleGames = nil

	if err := l.repo.SaveBalance(ctx, playerID, balance); err != nil {
		return false, fmt.Errorf("failed to save balance: %w", err)
	}

	if _, err := l.CreateTransaction(ctx, playerID, &domain.Transaction{
		Type:          domain.TxBonusExpired,
		Currency:      domain.CurrencyBonusBalance,
		Amount:        -forfeited,
		BalanceBefore: forfeited,
		BalanceAfter:  0,
		Description:   "bonus expired",
	}); err != nil {
		return false, err
	}

	l.afterMutation(ctx, playerID)

	l.logger.Info("bonus expired",
		"playerId", playerID,
		"forfeited", forfeited)
	return true, nil
}

// ProcessPointExpiry sweeps loyalty point lots past their expiry, debiting
// each lot's remaining points and flagging it expired. Returns the number of
// lots expired.
func (l *Ledger) ProcessPointExpiry(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	byPlayer, err := l.repo.ListExpiredPointEntries(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for playerID, entries := range byPlayer {
		expired, err := l.expirePointsForPlayer(ctx, playerID, entries)
		if err != nil {
			l.logger.Error("point expiry failed for player",
				"playerId", playerID,
				"error", err)
			continue
		}
		count += expired
	}

	if count > 0 {
		l.publish(ctx, domain.TopicSweepCompleted, map[string]any{
			"sweep":   "point_expiry",
			"expired": count,
		})
	}
	return count, nil
}

func (l *Ledger) expirePointsForPlayer(ctx context.Context, playerID string, entries []*domain.PointEntry) (int, error) {
	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	balance, err := l.getOrCreateLocked(ctx, playerID)
	if err != nil {
		return 0, err
	}

	// The candidate scan ran outside the lock; a FIFO deduction may have
	// consumed part of a lot since. Re-read the open lots under the lock and
	// forfeit only what actually remains.
	open, err := l.repo.ListOpenPointEntries(ctx, playerID)
	if err != nil {
		return 0, err
	}
	fresh := make(map[int64]*domain.PointEntry, len(open))
	for _, e := range open {
		fresh[e.ID] = e
	}

	count := 0
	for _, candidate := range entries {
		entry, ok := fresh[candidate.ID]
		if !ok {
			// Fully consumed or already swept since the scan.
			continue
		}

		forfeited := entry.RemainingAmount
		before := balance.LPBalance
		after := before - forfeited
		if after < 0 {
			l.logger.Error("LP balance below expiring lot remainder",
				"playerId", playerID,
				"entryId", entry.ID,
				"balance", before,
				"remaining", forfeited)
			after = 0
		}
		balance.LPBalance = after

		entry.RemainingAmount = 0
		entry.IsExpired = true
		if err := l.repo.UpdatePointEntry(ctx, playerID, entry); err != nil {
			return count, err
		}
		if err := l.repo.SaveBalance(ctx, playerID, balance); err != nil {
			return count, fmt.Errorf("failed to save balance: %w", err)
		}

		if _, err := l.CreateTransaction(ctx, playerID, &domain.Transaction{
			Type:          domain.TxLPExpired,
			Currency:      domain.CurrencyLoyaltyPoints,
			Amount:        -forfeited,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   "loyalty points expired",
			ReferenceID:   fmt.Sprintf("point-entry:%d", entry.ID),
		}); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		l.afterMutation(ctx, playerID)
	}
	return count, nil
}
