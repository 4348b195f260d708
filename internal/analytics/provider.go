// Package analytics computes the flat player-state mapping that rule
// conditions and the profit-safety gate evaluate against, and maintains the
// derived classifications (segment, tier) behind it.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// stateTTL bounds how stale a cached state snapshot can get. Ledger
// mutations invalidate the entry eagerly, so this only covers writes that
// bypass the ledger.
const stateTTL = 5 * time.Minute

// recentTxSample is how many transactions the favorite-game scan reads.
const recentTxSample = 50

// Provider assembles player state from the persisted profile, metrics and
// wallet balance. It implements domain.StateProvider and domain.TierUpdater.
type Provider struct {
	repo   domain.Repository
	cache  domain.Cache
	seg    domain.SegmentationConfig
	tiers  domain.TierConfig
	logger *slog.Logger
}

func NewProvider(repo domain.Repository, cache domain.Cache, seg domain.SegmentationConfig, tiers domain.TierConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{repo: repo, cache: cache, seg: seg, tiers: tiers, logger: logger}
}

// GetPlayerState returns the evaluation mapping for a player. Numeric fields
// are always present with a zero default; fields without a meaningful zero
// (days_since_last_deposit, favorite_game) are absent until the underlying
// event has happened. Returns ErrNotFound for unknown players.
func (p *Provider) GetPlayerState(ctx context.Context, playerID string) (domain.PlayerState, error) {
	if p.cache != nil {
		if state, err := p.cache.GetPlayerState(ctx, playerID); err == nil && state != nil {
			return state, nil
		}
	}

	player, err := p.repo.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load player: %w", err)
	}

	metrics, err := p.repo.GetPlayerMetrics(ctx, playerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to load metrics: %w", err)
		}
		metrics = &domain.PlayerMetrics{PlayerID: playerID}
	}

	balance, err := p.repo.GetBalance(ctx, playerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to load balance: %w", err)
		}
		balance = &domain.WalletBalance{PlayerID: playerID}
	}

	segment := p.ClassifySegment(metrics)
	if segment != player.Segment {
		player.Segment = segment
		player.UpdatedAt = time.Now().UTC()
		if err := p.repo.SavePlayer(ctx, player); err != nil {
			p.logger.Warn("failed to persist segment change",
				"player_id", playerID,
				"segment", segment,
				"error", err)
		}
	}

	netLoss := 0.0
	if metrics.NetPnL < 0 {
		netLoss = -metrics.NetPnL
	}

	state := domain.PlayerState{
		"player_id":       playerID,
		"segment":         string(segment),
		"tier":            string(player.Tier),
		"is_blocked":      player.IsBlocked,
		"abuse_score":     float64(player.RiskScore),
		"net_loss":        netLoss,
		"net_pnl":         metrics.NetPnL,
		"total_wagered":   metrics.TotalWagered,
		"total_deposited": metrics.TotalDeposited,
		"total_won":       metrics.TotalWon,
		"session_count":   float64(metrics.TotalSessions),
		"total_bets":      float64(metrics.TotalBets),
		"avg_bet_size":    metrics.AvgBetSize,
		"lp_balance":      balance.LPBalance,
		"rp_balance":      balance.RPBalance,
		"bonus_balance":   balance.BonusBalance,
		"tickets_balance": float64(balance.TicketsBalance),
	}
	if metrics.LastDepositAt != nil {
		days := time.Since(*metrics.LastDepositAt).Hours() / 24
		state["days_since_last_deposit"] = math.Floor(days)
	}
	if game := p.favoriteGame(ctx, playerID); game != "" {
		state["favorite_game"] = game
	}

	if p.cache != nil {
		if err := p.cache.SetPlayerState(ctx, playerID, state, stateTTL); err != nil {
			p.logger.Warn("failed to cache player state", "player_id", playerID, "error", err)
		}
	}
	return state, nil
}

// ClassifySegment maps lifetime metrics onto a behavioral segment. VIP wins
// over the PnL-based segments; NEW applies until the player has wagered
// enough to classify.
func (p *Provider) ClassifySegment(metrics *domain.PlayerMetrics) domain.Segment {
	if metrics.TotalWagered >= p.seg.VIPWagerThreshold ||
		metrics.TotalSessions >= p.seg.VIPSessionThreshold {
		return domain.SegmentVIP
	}
	if metrics.TotalWagered < p.seg.NewPlayerWagerThreshold {
		return domain.SegmentNew
	}
	if math.Abs(metrics.NetPnL) <= metrics.TotalWagered*p.seg.BreakevenTolerance {
		return domain.SegmentBreakeven
	}
	if metrics.NetPnL > 0 {
		return domain.SegmentWinning
	}
	return domain.SegmentLosing
}

// favoriteGame returns the most frequent game type among the player's recent
// wagers, or empty when no wager carries one. Best effort; lookup failures
// are logged, not surfaced.
func (p *Provider) favoriteGame(ctx context.Context, playerID string) string {
	txs, err := p.repo.GetTransactions(ctx, playerID, recentTxSample)
	if err != nil {
		p.logger.Warn("failed to scan transactions for favorite game",
			"player_id", playerID, "error", err)
		return ""
	}

	counts := make(map[string]int)
	best, bestCount := "", 0
	for _, tx := range txs {
		if tx.Type != domain.TxWager {
			continue
		}
		game, _ := tx.Metadata["gameType"].(string)
		if game == "" {
			continue
		}
		counts[game]++
		if counts[game] > bestCount {
			best, bestCount = game, counts[game]
		}
	}
	return best
}
