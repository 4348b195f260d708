package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// IssueReward realizes a PENDING reward as a balance credit and flips its
// status to ACTIVE. The flip uses a conditional status update, so issuing
// the same reward twice fails with ErrStateTransition and credits exactly
// once. Flip and credit run inside the player's critical section; if the
// credit fails after the flip, the status is compensated back to PENDING.
func (l *Ledger) IssueReward(ctx context.Context, rewardID int64) (*domain.Transaction, error) {
	reward, err := l.repo.GetReward(ctx, rewardID)
	if err != nil {
		return nil, err
	}

	mu := l.playerLock(reward.PlayerID)
	mu.Lock()
	defer mu.Unlock()

	if err := l.repo.UpdateRewardStatus(ctx, rewardID, domain.RewardPending, domain.RewardActive); err != nil {
		return nil, err
	}

	tx, err := l.creditReward(ctx, reward)
	if err != nil {
		if rbErr := l.repo.UpdateRewardStatus(ctx, rewardID, domain.RewardActive, domain.RewardPending); rbErr != nil {
			l.logger.Error("failed to roll back reward status after credit failure",
				"rewardId", rewardID,
				"error", rbErr)
		}
		return nil, err
	}

	l.afterMutation(ctx, reward.PlayerID)
	l.publish(ctx, domain.TopicRewardIssued, reward)

	l.logger.Info("reward issued",
		"playerId", reward.PlayerID,
		"rewardId", rewardID,
		"currency", reward.Currency,
		"amount", reward.Amount)

	return tx, nil
}

// creditReward dispatches the balance credit by currency. Currencies without
// an issuance path fail loudly; silently dropping a reward would be worse
// than rejecting it.
func (l *Ledger) creditReward(ctx context.Context, reward *domain.RewardRecord) (*domain.Transaction, error) {
	ref := fmt.Sprintf("reward:%d", reward.ID)

	switch reward.Currency {
	case domain.CurrencyLoyaltyPoints:
		var expiryDays *int
		if v, ok := metadataInt(reward.Metadata, "lpExpiryDays"); ok {
			expiryDays = &v
		}
		return l.addLoyaltyPointsLocked(ctx, reward.PlayerID, reward.Amount, "REWARD", ref, expiryDays)

	case domain.CurrencyBonusBalance:
		grant := BonusGrant{
			WageringRequirement: reward.WageringRequired,
			Expiry:              reward.ExpiresAt,
			Description:         fmt.Sprintf("reward %s", reward.RewardType),
			ReferenceID:         ref,
		}
		if v, ok := metadataFloat(reward.Metadata, "maxBet"); ok {
			grant.MaxBet = &v
		}
		if games, ok := metadataStrings(reward.Metadata, "eligibleGames"); ok {
			grant.EligibleGames = games
		}
		return l.addBonusBalanceLocked(ctx, reward.PlayerID, reward.Amount, grant)
	}

	return nil, fmt.Errorf("%w: issuance for currency %s is not supported", domain.ErrConfiguration, reward.Currency)
}

// RedeemPoints exchanges loyalty points for the value configured on a
// redemption rule. The LP debit goes through the FIFO path; no partial
// redemption is ever applied.
func (l *Ledger) RedeemPoints(ctx context.Context, playerID string, ruleID int64) (*domain.Redemption, error) {
	rule, err := l.repo.GetRedemptionRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if !rule.IsActive {
		return nil, fmt.Errorf("%w: redemption rule %d is inactive", domain.ErrConfiguration, ruleID)
	}

	player, err := l.repo.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if rule.TierRequirement != nil && !player.Tier.Meets(*rule.TierRequirement) {
		return nil, fmt.Errorf("%w: tier %s does not meet requirement %s",
			domain.ErrValidation, player.Tier, *rule.TierRequirement)
	}

	mu := l.playerLock(playerID)
	mu.Lock()
	defer mu.Unlock()

	// Counted inside the critical section so two concurrent redemptions
	// cannot both pass the monthly limit.
	if rule.MaxRedemptionsPerMonth != nil {
		since := time.Now().UTC().AddDate(0, 0, -30)
		count, err := l.repo.CountRedemptionsSince(ctx, playerID, ruleID, since)
		if err != nil {
			return nil, err
		}
		if count >= *rule.MaxRedemptionsPerMonth {
			return nil, fmt.Errorf("%w: monthly redemption limit reached for rule %d",
				domain.ErrValidation, ruleID)
		}
	}

	balance, err := l.getOrCreateLocked(ctx, playerID)
	if err != nil {
		return nil, err
	}

	required := rule.LPCost
	if rule.MinLPBalance > required {
		required = rule.MinLPBalance
	}
	if balance.LPBalance < required {
		return nil, fmt.Errorf("%w: LP balance %.2f < %.2f required",
			domain.ErrInsufficientBalance, balance.LPBalance, required)
	}

	ref := fmt.Sprintf("redemption-rule:%d", ruleID)
	if _, err := l.deductLocked(ctx, playerID, domain.CurrencyLoyaltyPoints, rule.LPCost,
		domain.TxLPRedeemed, fmt.Sprintf("redeemed: %s", rule.Name), ref); err != nil {
		return nil, err
	}

	switch rule.Currency {
	case domain.CurrencyBonusBalance:
		if _, err := l.addBonusBalanceLocked(ctx, playerID, rule.CurrencyValue, BonusGrant{
			Description: fmt.Sprintf("redemption: %s", rule.Name),
			ReferenceID: ref,
		}); err != nil {
			return nil, err
		}
	case domain.CurrencyCash:
		// Cash is not held in the wallet; the credit is audit-only and the
		// payout happens downstream.
		if _, err := l.CreateTransaction(ctx, playerID, &domain.Transaction{
			Type:        domain.TxRedemption,
			Currency:    domain.CurrencyCash,
			Amount:      rule.CurrencyValue,
			Description: fmt.Sprintf("redemption: %s", rule.Name),
			ReferenceID: ref,
		}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: redemption into currency %s is not supported",
			domain.ErrConfiguration, rule.Currency)
	}

	redemption := &domain.Redemption{
		PlayerID:      playerID,
		RuleID:        ruleID,
		LPAmount:      rule.LPCost,
		ValueReceived: rule.CurrencyValue,
		Currency:      rule.Currency,
		Status:        domain.RewardCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.repo.SaveRedemption(ctx, redemption); err != nil {
		return nil, fmt.Errorf("failed to save redemption: %w", err)
	}

	l.afterMutation(ctx, playerID)

	l.logger.Info("points redeemed",
		"playerId", playerID,
		"ruleId", ruleID,
		"lpCost", rule.LPCost,
		"value", rule.CurrencyValue)

	return redemption, nil
}

func metadataInt(meta map[string]any, key string) (int, bool) {
	switch v := meta[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func metadataFloat(meta map[string]any, key string) (float64, bool) {
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func metadataStrings(meta map[string]any, key string) ([]string, bool) {
	switch v := meta[key].(type) {
	case []string:
		return v, true
	case []any:
		games := make([]string, 0, len(v))
		for _, g := range v {
			if s, ok := g.(string); ok {
				games = append(games, s)
			}
		}
		return games, len(games) > 0
	}
	return nil, false
}
