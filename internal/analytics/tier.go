package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// TierForLifetimeLP maps cumulative earned loyalty points onto a tier.
func TierForLifetimeLP(lifetimeLP float64, cfg domain.TierConfig) domain.TierLevel {
	switch {
	case lifetimeLP >= cfg.DiamondLP:
		return domain.TierDiamond
	case lifetimeLP >= cfg.PlatinumLP:
		return domain.TierPlatinum
	case lifetimeLP >= cfg.GoldLP:
		return domain.TierGold
	case lifetimeLP >= cfg.SilverLP:
		return domain.TierSilver
	default:
		return domain.TierBronze
	}
}

// UpdatePlayerTier recalculates a player's tier from lifetime earned loyalty
// points and persists a change. The wallet ledger calls this after every LP
// credit. Tiers never move down: expiry and redemption do not reduce the
// lifetime total this is computed from.
func (p *Provider) UpdatePlayerTier(ctx context.Context, playerID string) (domain.TierLevel, error) {
	player, err := p.repo.GetPlayer(ctx, playerID)
	if err != nil {
		return "", fmt.Errorf("failed to load player: %w", err)
	}

	lifetimeLP, err := p.repo.SumTransactions(ctx, playerID, domain.TxLPEarned, time.Time{})
	if err != nil {
		return "", fmt.Errorf("failed to sum earned points: %w", err)
	}

	tier := TierForLifetimeLP(lifetimeLP, p.tiers)
	if tier == player.Tier {
		return tier, nil
	}

	player.Tier = tier
	player.UpdatedAt = time.Now().UTC()
	if err := p.repo.SavePlayer(ctx, player); err != nil {
		return "", fmt.Errorf("failed to save player tier: %w", err)
	}

	if p.cache != nil {
		if err := p.cache.Delete(ctx, "state:"+playerID); err != nil {
			p.logger.Warn("failed to invalidate state cache", "player_id", playerID, "error", err)
		}
	}

	p.logger.Info("player tier updated",
		"player_id", playerID,
		"tier", tier,
		"lifetime_lp", lifetimeLP)
	return tier, nil
}
