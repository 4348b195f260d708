// Package safety implements the profit-safety gate: the economic check a
// candidate reward must pass before the wallet ledger commits it.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// retentionMultipliers is the empirical (segment, reward type) table modeling
// how much a reward is expected to lift future play. Unknown combinations
// fall back to 1.0.
var retentionMultipliers = map[domain.Segment]map[domain.RewardType]float64{
	domain.SegmentNew: {
		domain.RewardBonusBalance:  2.0,
		domain.RewardFreePlay:      1.8,
		domain.RewardCashback:      1.5,
		domain.RewardLoyaltyPoints: 1.3,
	},
	domain.SegmentLosing: {
		domain.RewardCashback:      1.8,
		domain.RewardBonusBalance:  1.6,
		domain.RewardFreePlay:      1.5,
		domain.RewardLoyaltyPoints: 1.2,
	},
	domain.SegmentBreakeven: {
		domain.RewardBonusBalance:  1.5,
		domain.RewardCashback:      1.4,
		domain.RewardLoyaltyPoints: 1.3,
	},
	domain.SegmentWinning: {
		domain.RewardLoyaltyPoints: 1.2,
		domain.RewardTickets:       1.1,
	},
	domain.SegmentVIP: {
		domain.RewardBonusBalance:  1.4,
		domain.RewardCashback:      1.3,
		domain.RewardLoyaltyPoints: 1.2,
	},
}

// Gate validates candidate rewards against expected-value modeling and
// per-period caps. Validation outcomes are (approved, reason) pairs, not
// errors: a rejection is a routine result the caller branches on.
type Gate struct {
	repo   domain.Repository
	states domain.StateProvider
	cfg    domain.SafetyConfig
	logger *slog.Logger
}

// NewGate creates a profit-safety gate.
func NewGate(repo domain.Repository, states domain.StateProvider, cfg domain.SafetyConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		repo:   repo,
		states: states,
		cfg:    cfg,
		logger: logger,
	}
}

// HouseEdge returns the configured house edge fraction for a game type,
// falling back to the default for unknown types or when gameType is empty.
func (g *Gate) HouseEdge(gameType string) float64 {
	if edge, ok := g.cfg.HouseEdges[gameType]; ok {
		return edge
	}
	return g.cfg.DefaultHouseEdge
}

// ExpectedFutureWager projects a player's wagering 30 days forward from the
// daily average over the lookback window. Linear extrapolation, no decay.
func (g *Gate) ExpectedFutureWager(ctx context.Context, playerID string) (float64, error) {
	lookback := g.cfg.LookbackDays
	if lookback <= 0 {
		lookback = 30
	}

	since := time.Now().UTC().AddDate(0, 0, -lookback)
	total, err := g.repo.SumTransactions(ctx, playerID, domain.TxWager, since)
	if err != nil {
		return 0, err
	}

	dailyAvg := total / float64(lookback)
	return dailyAvg * 30, nil
}

// RetentionMultiplier returns the expected play uplift for a reward granted
// to a player in the given segment.
func RetentionMultiplier(segment domain.Segment, rewardType domain.RewardType) float64 {
	if bySegment, ok := retentionMultipliers[segment]; ok {
		if m, ok := bySegment[rewardType]; ok {
			return m
		}
	}
	return 1.0
}

// ExpectedValue is the economic projection for one candidate reward.
type ExpectedValue struct {
	RewardCost          float64 `json:"rewardCost"`
	BaseWager           float64 `json:"baseWager"`
	RetentionMultiplier float64 `json:"retentionMultiplier"`
	HouseEdge           float64 `json:"houseEdge"`
	ExpectedWager       float64 `json:"expectedWager"`
	ExpectedRevenue     float64 `json:"expectedRevenue"`
	ExpectedProfit      float64 `json:"expectedProfit"`
	ROIPercent          float64 `json:"roiPercent"`
}

// CalculateExpectedValue models the return on a candidate reward:
// expected wager = projected wager x retention multiplier, expected revenue
// = expected wager x house edge, profit = revenue - reward cost.
func (g *Gate) CalculateExpectedValue(ctx context.Context, playerID string, amount float64, rewardType domain.RewardType) (*ExpectedValue, error) {
	baseWager, err := g.ExpectedFutureWager(ctx, playerID)
	if err != nil {
		return nil, err
	}

	segment := domain.SegmentNew
	gameType := ""
	if state, err := g.states.GetPlayerState(ctx, playerID); err == nil {
		if s, ok := state.String("segment"); ok {
			segment = domain.Segment(s)
		}
		if s, ok := state.String("favorite_game"); ok {
			gameType = s
		}
	}

	multiplier := RetentionMultiplier(segment, rewardType)
	edge := g.HouseEdge(gameType)

	ev := &ExpectedValue{
		RewardCost:          amount,
		BaseWager:           baseWager,
		RetentionMultiplier: multiplier,
		HouseEdge:           edge,
	}
	ev.ExpectedWager = baseWager * multiplier
	ev.ExpectedRevenue = ev.ExpectedWager * edge
	ev.ExpectedProfit = ev.ExpectedRevenue - amount
	if amount > 0 {
		ev.ROIPercent = ev.ExpectedProfit / amount * 100
	}
	return ev, nil
}

// ValidateRewardProfitability rejects rewards with negative expected profit
// or a return below the minimum ROI threshold.
func (g *Gate) ValidateRewardProfitability(ctx context.Context, playerID string, amount float64, rewardType domain.RewardType, minROI float64) (bool, string, error) {
	ev, err := g.CalculateExpectedValue(ctx, playerID, amount, rewardType)
	if err != nil {
		return false, "", err
	}

	if ev.ExpectedProfit < 0 {
		return false, fmt.Sprintf("negative expected profit: %.2f", ev.ExpectedProfit), nil
	}
	if ev.ROIPercent < minROI {
		return false, fmt.Sprintf("roi %.1f%% below minimum %.1f%%", ev.ROIPercent, minROI), nil
	}
	return true, "", nil
}

// CapPeriod identifies one trailing reward-cap window.
type CapPeriod string

const (
	PeriodDaily   CapPeriod = "daily"
	PeriodWeekly  CapPeriod = "weekly"
	PeriodMonthly CapPeriod = "monthly"
)

func (g *Gate) capFor(period CapPeriod) (float64, int, error) {
	switch period {
	case PeriodDaily:
		return g.cfg.MaxDailyReward, 1, nil
	case PeriodWeekly:
		return g.cfg.MaxWeeklyReward, 7, nil
	case PeriodMonthly:
		return g.cfg.MaxMonthlyReward, 30, nil
	}
	return 0, 0, fmt.Errorf("%w: unknown cap period %q", domain.ErrConfiguration, period)
}

// CheckRewardCaps rejects a candidate whose value, added to the rewards
// already issued in the trailing window, would exceed the period cap.
func (g *Gate) CheckRewardCaps(ctx context.Context, playerID string, amount float64, period CapPeriod) (bool, string, error) {
	limit, days, err := g.capFor(period)
	if err != nil {
		return false, "", err
	}
	if limit <= 0 {
		return true, "", nil
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	issued, err := g.repo.SumRewardsIssuedSince(ctx, playerID, since)
	if err != nil {
		return false, "", err
	}

	if issued+amount > limit {
		return false, fmt.Sprintf("%s cap exceeded: %.2f issued + %.2f candidate > %.2f",
			period, issued, amount, limit), nil
	}
	return true, "", nil
}

// ValidateReward is the single entry point callers use before issuing a
// reward: profitability first, then the daily, weekly and monthly caps in
// order, short-circuiting on the first failure with its specific reason.
func (g *Gate) ValidateReward(ctx context.Context, playerID string, amount float64, rewardType domain.RewardType, minROI float64) (bool, string, error) {
	ok, reason, err := g.ValidateRewardProfitability(ctx, playerID, amount, rewardType, minROI)
	if err != nil || !ok {
		return ok, reason, err
	}

	for _, period := range []CapPeriod{PeriodDaily, PeriodWeekly, PeriodMonthly} {
		ok, reason, err = g.CheckRewardCaps(ctx, playerID, amount, period)
		if err != nil || !ok {
			return ok, reason, err
		}
	}

	return true, "", nil
}
