// Package rules provides the reward rule evaluation engine: condition
// matching, formula evaluation and pending-reward creation.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// Engine evaluates reward rules against player state and creates pending
// reward records. It never touches wallet balances itself: issuance is an
// explicit, separate step through the wallet ledger so callers can inspect
// pending rewards before committing funds.
type Engine struct {
	repo   domain.Repository
	states domain.StateProvider
	bus    domain.EventBus // optional
	cel    *celEvaluator
	logger *slog.Logger

	maxWorkers int
}

// NewEngine creates a rule evaluation engine. The event bus may be nil;
// reward lifecycle events are then not published.
func NewEngine(repo domain.Repository, states domain.StateProvider, bus domain.EventBus, logger *slog.Logger, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	evaluator, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}

	return &Engine{
		repo:       repo,
		states:     states,
		bus:        bus,
		cel:        evaluator,
		logger:     logger,
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule checks a rule is well formed before it is saved: the reward
// type must map to a currency, the formula must tokenize, and the optional
// CEL expression must compile to bool.
func (e *Engine) ValidateRule(rule *domain.RewardRule) error {
	if rule == nil || rule.RuleID == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrConfiguration)
	}
	if _, err := domain.CurrencyForRewardType(rule.RewardConfig.Type); err != nil {
		return fmt.Errorf("rule %s: %w", rule.RuleID, err)
	}
	if _, err := tokenize(rule.RewardConfig.Formula); err != nil {
		return fmt.Errorf("%w: rule %s formula: %v", domain.ErrConfiguration, rule.RuleID, err)
	}
	if rule.Expression != "" {
		if err := e.cel.Compile(rule.Expression); err != nil {
			return fmt.Errorf("%w: rule %s: %v", domain.ErrConfiguration, rule.RuleID, err)
		}
	}
	return nil
}

// EvaluateRule reports whether a rule applies to the given player state.
// Inactive rules never apply. An expression evaluation error disqualifies
// the rule and is logged, never propagated.
func (e *Engine) EvaluateRule(rule *domain.RewardRule, state domain.PlayerState) bool {
	if !rule.IsActive {
		return false
	}
	if !EvaluateCondition(rule.Conditions, state) {
		return false
	}
	if rule.Expression != "" {
		ok, err := e.cel.Evaluate(rule.Expression, state)
		if err != nil {
			e.logger.Warn("rule expression failed",
				"ruleId", rule.RuleID,
				"error", err)
			return false
		}
		return ok
	}
	return true
}

// CalculateRewardAmount evaluates a rule's formula. A malformed formula
// degrades to amount 0 with a warning; it never reaches the caller as an
// error.
func (e *Engine) CalculateRewardAmount(rule *domain.RewardRule, state domain.PlayerState) float64 {
	amount, err := EvaluateFormula(rule.RewardConfig.Formula, state)
	if err != nil {
		e.logger.Warn("formula evaluation failed",
			"ruleId", rule.RuleID,
			"formula", rule.RewardConfig.Formula,
			"error", err)
		return 0
	}
	return amount
}

// ApplyCaps clamps an amount to the rule's max_amount when configured.
// Negative amounts pass through untouched; callers skip them.
func ApplyCaps(amount float64, cfg domain.RewardConfig) float64 {
	if cfg.MaxAmount != nil && amount > *cfg.MaxAmount {
		return *cfg.MaxAmount
	}
	return amount
}

// GetApplicableRules returns the active rules matching the player's state,
// highest priority first. Pass a nil state to have it loaded from the
// analytics provider.
func (e *Engine) GetApplicableRules(ctx context.Context, playerID string, state domain.PlayerState) ([]*domain.RewardRule, error) {
	if state == nil {
		var err error
		state, err = e.states.GetPlayerState(ctx, playerID)
		if err != nil {
			return nil, err
		}
	}

	// Repository returns active rules ordered by priority desc, rule id asc.
	active, err := e.repo.ListActiveRewardRules(ctx)
	if err != nil {
		return nil, err
	}

	applicable := make([]*domain.RewardRule, 0, len(active))
	for _, rule := range active {
		if e.EvaluateRule(rule, state) {
			applicable = append(applicable, rule)
		}
	}
	return applicable, nil
}

// CreateReward persists a PENDING reward for the given rule and amount.
// Segment, tier and bonus restrictions are snapshotted into metadata at
// creation time; later rule or player changes never alter the record.
func (e *Engine) CreateReward(ctx context.Context, playerID string, rule *domain.RewardRule, amount float64, state domain.PlayerState) (*domain.RewardRecord, error) {
	currency, err := domain.CurrencyForRewardType(rule.RewardConfig.Type)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.RuleID, err)
	}

	now := time.Now().UTC()
	reward := &domain.RewardRecord{
		PlayerID:         playerID,
		RuleID:           rule.RuleID,
		RewardType:       rule.RewardConfig.Type,
		Currency:         currency,
		Amount:           amount,
		Status:           domain.RewardPending,
		WageringRequired: amount * rule.RewardConfig.WageringRequirement,
		IssuedAt:         now,
		Metadata:         snapshotMetadata(rule, state),
	}
	if rule.RewardConfig.ExpiryHours != nil {
		expires := now.Add(time.Duration(*rule.RewardConfig.ExpiryHours) * time.Hour)
		reward.ExpiresAt = &expires
	}

	id, err := e.repo.SaveReward(ctx, reward)
	if err != nil {
		return nil, fmt.Errorf("failed to save reward: %w", err)
	}
	reward.ID = id

	e.publish(ctx, domain.TopicRewardCreated, reward)

	e.logger.Info("reward created",
		"playerId", playerID,
		"ruleId", rule.RuleID,
		"rewardId", id,
		"type", reward.RewardType,
		"amount", amount)

	return reward, nil
}

// snapshotMetadata captures the evaluation context a reward was granted
// under.
func snapshotMetadata(rule *domain.RewardRule, state domain.PlayerState) map[string]any {
	meta := map[string]any{}
	if segment, ok := state.String("segment"); ok {
		meta["segment"] = segment
	}
	if tier, ok := state.String("tier"); ok {
		meta["tier"] = tier
	}
	if len(rule.RewardConfig.EligibleGames) > 0 {
		meta["eligibleGames"] = rule.RewardConfig.EligibleGames
	}
	if rule.RewardConfig.MaxBet != nil {
		meta["maxBet"] = *rule.RewardConfig.MaxBet
	}
	if rule.RewardConfig.LPExpiryDays != nil {
		meta["lpExpiryDays"] = *rule.RewardConfig.LPExpiryDays
	}
	return meta
}

// EvaluateAndCreateRewards is the external entry point: it loads the
// player's state once, finds applicable rules in priority order and creates
// pending rewards for up to limit of them. Rules whose capped amount is not
// positive are skipped, not errors.
func (e *Engine) EvaluateAndCreateRewards(ctx context.Context, playerID string, limit int) ([]*domain.RewardRecord, error) {
	if limit <= 0 {
		limit = 1
	}

	state, err := e.states.GetPlayerState(ctx, playerID)
	if err != nil {
		return nil, err
	}

	applicable, err := e.GetApplicableRules(ctx, playerID, state)
	if err != nil {
		return nil, err
	}
	if len(applicable) > limit {
		applicable = applicable[:limit]
	}

	rewards := make([]*domain.RewardRecord, 0, len(applicable))
	for _, rule := range applicable {
		amount := ApplyCaps(e.CalculateRewardAmount(rule, state), rule.RewardConfig)
		if amount <= 0 {
			e.logger.Debug("skipping non-positive reward amount",
				"playerId", playerID,
				"ruleId", rule.RuleID,
				"amount", amount)
			continue
		}

		reward, err := e.CreateReward(ctx, playerID, rule, amount, state)
		if err != nil {
			return rewards, err
		}
		rewards = append(rewards, reward)
	}

	return rewards, nil
}

// BatchResult is the per-player outcome of a batch evaluation.
type BatchResult struct {
	PlayerID string                 `json:"playerId"`
	Rewards  []*domain.RewardRecord `json:"rewards,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// EvaluateBatch evaluates many players concurrently. One player's failure
// never aborts the batch; errors are collected into the per-player results.
func (e *Engine) EvaluateBatch(ctx context.Context, playerIDs []string, limit int) []BatchResult {
	results := make([]BatchResult, len(playerIDs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, playerID := range playerIDs {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()

			sem <- struct{}{}        // acquire
			defer func() { <-sem }() // release

			result := BatchResult{PlayerID: id}
			rewards, err := e.EvaluateAndCreateRewards(ctx, id, limit)
			if err != nil {
				result.Error = err.Error()
				e.logger.Warn("batch evaluation failed for player",
					"playerId", id,
					"error", err)
			}
			result.Rewards = rewards
			results[idx] = result
		}(i, playerID)
	}

	wg.Wait()
	return results
}

func (e *Engine) publish(ctx context.Context, topic string, payload any) {
	if e.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, topic, data); err != nil {
		e.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
