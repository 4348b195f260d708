// Package abuse detects bonus-abuse patterns from the transaction ledger and
// classifies players into penalty bands. Detection and enforcement are
// separate: the scorer persists signals and a risk score, while reduced
// rewards and increased wagering are enforced by rule conditions reading
// abuse_score from player state. Only a block is applied here directly.
package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// Detector severities on the 1-10 scale. The score is the sum of unresolved
// severities times ten, capped at 100, so a single high-severity signal
// already lands a player in a penalty band.
const (
	severityBonusOnlyPlay       = 5
	severityImmediateWithdrawal = 7
	severityBetManipulation     = 8
	severityAbnormalWinRate     = 9
)

// Scorer runs the abuse detectors against the ledger and applies penalties.
type Scorer struct {
	repo   domain.Repository
	bus    domain.EventBus
	cfg    domain.AbuseConfig
	logger *slog.Logger
}

func NewScorer(repo domain.Repository, bus domain.EventBus, cfg domain.AbuseConfig, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{repo: repo, bus: bus, cfg: cfg, logger: logger}
}

// DetectBonusOnlyPlay reports whether the player has received rewards without
// ever depositing real money.
func (s *Scorer) DetectBonusOnlyPlay(ctx context.Context, playerID string) (bool, error) {
	issued, err := s.repo.SumRewardsIssuedSince(ctx, playerID, time.Time{})
	if err != nil {
		return false, fmt.Errorf("failed to sum rewards: %w", err)
	}
	if issued <= 0 {
		return false, nil
	}
	deposited, err := s.repo.SumTransactions(ctx, playerID, domain.TxDeposit, time.Time{})
	if err != nil {
		return false, fmt.Errorf("failed to sum deposits: %w", err)
	}
	return deposited == 0, nil
}

// DetectImmediateWithdrawal reports whether the player both received a reward
// and withdrew within the trailing window.
func (s *Scorer) DetectImmediateWithdrawal(ctx context.Context, playerID string) (bool, error) {
	since := time.Now().UTC().Add(-time.Duration(s.cfg.WithdrawalWindowHours) * time.Hour)

	rewards, err := s.repo.CountRewardsSince(ctx, playerID, "", since)
	if err != nil {
		return false, fmt.Errorf("failed to count rewards: %w", err)
	}
	if rewards == 0 {
		return false, nil
	}
	withdrawals, err := s.repo.CountTransactions(ctx, playerID, domain.TxWithdrawal, since)
	if err != nil {
		return false, fmt.Errorf("failed to count withdrawals: %w", err)
	}
	return withdrawals > 0, nil
}

// DetectBetManipulation reports whether the player's recent bet sizes spread
// wider than the configured ratio. Requires a minimum sample to avoid false
// positives on thin history.
func (s *Scorer) DetectBetManipulation(ctx context.Context, playerID string) (bool, error) {
	amounts, err := s.repo.ListRecentWagerAmounts(ctx, playerID, s.cfg.BetSampleSize)
	if err != nil {
		return false, fmt.Errorf("failed to list wagers: %w", err)
	}
	if len(amounts) < s.cfg.MinBetsForSpread {
		return false, nil
	}

	minBet, maxBet := amounts[0], amounts[0]
	for _, a := range amounts[1:] {
		if a < minBet {
			minBet = a
		}
		if a > maxBet {
			maxBet = a
		}
	}
	if minBet <= 0 {
		return false, nil
	}
	return maxBet/minBet > s.cfg.BetSpreadRatio, nil
}

// DetectAbnormalWinRate reports whether the player's lifetime win rate
// exceeds the threshold. Requires a minimum wagered volume for statistical
// relevance.
func (s *Scorer) DetectAbnormalWinRate(ctx context.Context, playerID string) (bool, error) {
	metrics, err := s.repo.GetPlayerMetrics(ctx, playerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load metrics: %w", err)
	}
	if metrics.TotalWagered < s.cfg.MinWageredForWinRate {
		return false, nil
	}
	return metrics.TotalWon/metrics.TotalWagered > s.cfg.WinRateThreshold, nil
}

// DetectSignals runs every detector and persists a signal per positive
// detection. Detector errors abort the run; a partial signal set would skew
// the score.
func (s *Scorer) DetectSignals(ctx context.Context, playerID string) ([]*domain.AbuseSignal, error) {
	detectors := []struct {
		signalType  string
		severity    int
		description string
		fn          func(context.Context, string) (bool, error)
	}{
		{domain.SignalBonusOnlyPlay, severityBonusOnlyPlay,
			"rewards received with zero real-money deposits", s.DetectBonusOnlyPlay},
		{domain.SignalImmediateWithdrawal, severityImmediateWithdrawal,
			"withdrawal shortly after reward issuance", s.DetectImmediateWithdrawal},
		{domain.SignalBetManipulation, severityBetManipulation,
			"bet size spread exceeds manipulation threshold", s.DetectBetManipulation},
		{domain.SignalAbnormalWinRate, severityAbnormalWinRate,
			"win rate above statistically plausible bound", s.DetectAbnormalWinRate},
	}

	var signals []*domain.AbuseSignal
	now := time.Now().UTC()
	for _, d := range detectors {
		hit, err := d.fn(ctx, playerID)
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", d.signalType, err)
		}
		if !hit {
			continue
		}
		signal := &domain.AbuseSignal{
			PlayerID:    playerID,
			SignalType:  d.signalType,
			Severity:    d.severity,
			Description: d.description,
			DetectedAt:  now,
		}
		if err := s.repo.SaveAbuseSignal(ctx, signal); err != nil {
			return nil, fmt.Errorf("failed to save signal %s: %w", d.signalType, err)
		}
		signals = append(signals, signal)

		s.logger.Warn("abuse signal detected",
			"player_id", playerID,
			"signal_type", d.signalType,
			"severity", d.severity)
		s.publish(ctx, domain.TopicAbuseSignal, signal)
	}
	return signals, nil
}

// CalculateAbuseScore sums the severities of all unresolved signals times
// ten, capped at 100.
func (s *Scorer) CalculateAbuseScore(ctx context.Context, playerID string) (int, error) {
	signals, err := s.repo.ListAbuseSignals(ctx, playerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list signals: %w", err)
	}
	total := 0
	for _, sig := range signals {
		if sig.IsResolved {
			continue
		}
		total += sig.Severity
	}
	score := total * 10
	if score > 100 {
		score = 100
	}
	return score, nil
}

// ApplyAbusePenalty recalculates the player's abuse score, persists it as the
// risk score, and returns the penalty band. Blocking is the only action
// enforced here.
func (s *Scorer) ApplyAbusePenalty(ctx context.Context, playerID string) (domain.PenaltyAction, error) {
	player, err := s.repo.GetPlayer(ctx, playerID)
	if err != nil {
		return domain.PenaltyNone, fmt.Errorf("failed to load player: %w", err)
	}

	score, err := s.CalculateAbuseScore(ctx, playerID)
	if err != nil {
		return domain.PenaltyNone, err
	}

	action := s.classify(score)
	player.RiskScore = score
	if action == domain.PenaltyBlocked {
		player.IsBlocked = true
	}
	player.UpdatedAt = time.Now().UTC()
	if err := s.repo.SavePlayer(ctx, player); err != nil {
		return domain.PenaltyNone, fmt.Errorf("failed to save player: %w", err)
	}

	if action == domain.PenaltyBlocked {
		s.logger.Error("player blocked for abuse",
			"player_id", playerID,
			"risk_score", score)
		s.publish(ctx, domain.TopicPlayerBlocked, map[string]any{
			"player_id":  playerID,
			"risk_score": score,
		})
	}
	return action, nil
}

func (s *Scorer) classify(score int) domain.PenaltyAction {
	switch {
	case score >= s.cfg.BlockScore:
		return domain.PenaltyBlocked
	case score >= s.cfg.IncreasedWageringScore:
		return domain.PenaltyIncreasedWagering
	case score >= s.cfg.ReducedRewardsScore:
		return domain.PenaltyReducedRewards
	default:
		return domain.PenaltyNone
	}
}

func (s *Scorer) publish(ctx context.Context, topic string, payload any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, topic, data); err != nil {
		s.logger.Warn("failed to publish event", "topic", topic, "error", err)
	}
}
