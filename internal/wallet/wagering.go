package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// RecordWager records a cash wager in the audit log, updates the player's
// aggregates and advances bonus wagering progress. The returned progress is
// nil when no wagering requirement is outstanding or the wager does not
// count; 100 signals the requirement was just cleared.
func (l *Ledger) RecordWager(ctx context.Context, playerID string, amount float64, gameType string) (*float64, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	meta := map[string]any{}
	if gameType != "" {
		meta["gameType"] = gameType
	}
	if _, err := l.CreateTransaction(ctx, playerID, &domain.Transaction{
		Type:        domain.TxWager,
		Currency:    domain.CurrencyCash,
		Amount:      amount,
		Description: "wager placed",
		Metadata:    meta,
	}); err != nil {
		return nil, err
	}

	if err := l.updateMetrics(ctx, playerID, func(m *domain.PlayerMetrics) {
		m.TotalWagered += amount
		m.TotalBets++
		m.AvgBetSize = m.TotalWagered / float64(m.TotalBets)
		now := time.Now().UTC()
		m.LastWagerAt = &now
	}); err != nil {
		return nil, err
	}

	progress, err := l.advanceWagering(ctx, playerID, amount, gameType)
	if err != nil {
		return nil, err
	}

	l.afterMutation(ctx, playerID)
	return progress, nil
}

// advanceWagering applies a wager to the outstanding bonus requirement.
func (l *Ledger) advanceWagering(ctx context.Context, playerID string, amount float64, gameType string) (*float64, error) {
	balance, err := l.getOrCreateLocked(ctx, playerID)
	if err != nil {
		return nil, err
	}

	if balance.BonusWageringRequired <= 0 {
		return nil, nil
	}

	if gameType != "" && len(balance.BonusEligibleGames) > 0 {
		eligible := false
		for _, game := range balance.BonusEligibleGames {
			if game == gameType {
				eligible = true
				break
			}
		}
		if !eligible {
			l.logger.Debug("wager on ineligible game does not count toward wagering",
				"playerId", playerID,
				"gameType", gameType)
			return nil, nil
		}
	}

	// A wager over the max bet still counts toward progress. Product has
	// chosen leniency here; the violation is only logged.
	if balance.BonusMaxBet != nil && amount > *balance.BonusMaxBet {
		l.logger.Warn("wager exceeds bonus max bet",
			"playerId", playerID,
			"amount", amount,
			"maxBet", *balance.BonusMaxBet)
	}

	balance.BonusWageringCompleted += amount

	var progress float64
	if balance.BonusWageringCompleted >= balance.BonusWageringRequired {
		balance.BonusWageringRequired = 0
		balance.BonusWageringCompleted = 0
		progress = 100
		l.logger.Info("bonus wagering requirement completed", "playerId", playerID)
	} else {
		progress = balance.BonusWageringCompleted / balance.BonusWageringRequired * 100
	}

	if err := l.repo.SaveBalance(ctx, playerID, balance); err != nil {
		return nil, fmt.Errorf("failed to save balance: %w", err)
	}
	return &progress, nil
}

// RecordDeposit records a real-money deposit in the audit log and updates
// the player's aggregates. Cash is not held in the wallet; the row is
// audit-only.
func (l *Ledger) RecordDeposit(ctx context.Context, playerID string, amount float64) (*domain.Transaction, error) {
	return l.recordCashFlow(ctx, playerID, domain.TxDeposit, amount, func(m *domain.PlayerMetrics) {
		m.TotalDeposited += amount
		now := time.Now().UTC()
		m.LastDepositAt = &now
	})
}

// RecordWin records a game win payout in the audit log.
func (l *Ledger) RecordWin(ctx context.Context, playerID string, amount float64) (*domain.Transaction, error) {
	return l.recordCashFlow(ctx, playerID, domain.TxWin, amount, func(m *domain.PlayerMetrics) {
		m.TotalWon += amount
	})
}

// RecordWithdrawal records a withdrawal in the audit log. The amount is
// stored negative, matching the signed-amount convention.
func (l *Ledger) RecordWithdrawal(ctx context.Context, playerID string, amount float64) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.CreateTransaction(ctx, playerID, &domain.Transaction{
		Type:        domain.TxWithdrawal,
		Currency:    domain.CurrencyCash,
		Amount:      -amount,
		Description: "withdrawal",
	})
	if err != nil {
		return nil, err
	}

	l.afterMutation(ctx, playerID)
	return tx, nil
}

func (l *Ledger) recordCashFlow(ctx context.Context, playerID string, txType domain.TransactionType, amount float64, update func(*domain.PlayerMetrics)) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	tx, err := l.CreateTransaction(ctx, playerID, &domain.Transaction{
		Type:     txType,
		Currency: domain.CurrencyCash,
		Amount:   amount,
	})
	if err != nil {
		return nil, err
	}

	if err := l.updateMetrics(ctx, playerID, update); err != nil {
		return nil, err
	}

	l.afterMutation(ctx, playerID)
	return tx, nil
}

// updateMetrics loads, mutates and saves a player's aggregate metrics row.
// Caller holds the player lock.
func (l *Ledger) updateMetrics(ctx context.Context, playerID string, update func(*domain.PlayerMetrics)) error {
	metrics, err := l.repo.GetPlayerMetrics(ctx, playerID)
	if err == domain.ErrNotFound {
		metrics = &domain.PlayerMetrics{PlayerID: playerID}
	} else if err != nil {
		return err
	}

	update(metrics)
	metrics.NetPnL = metrics.TotalWon - metrics.TotalWagered

	return l.repo.SavePlayerMetrics(ctx, playerID, metrics)
}
