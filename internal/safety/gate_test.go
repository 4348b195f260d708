package safety

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-gaming/talon/internal/domain"
	"github.com/opensource-gaming/talon/internal/repository"
)

type stubStates struct {
	state domain.PlayerState
}

func (s *stubStates) GetPlayerState(ctx context.Context, playerID string) (domain.PlayerState, error) {
	if s.state == nil {
		return nil, domain.ErrNotFound
	}
	return s.state, nil
}

func newTestGate(t *testing.T, states domain.StateProvider, cfg domain.SafetyConfig) (*Gate, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "talon-safety-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return NewGate(repo, states, cfg, nil), repo
}

func seedWager(t *testing.T, repo domain.Repository, playerID string, amount float64) {
	t.Helper()
	err := repo.SaveTransaction(context.Background(), playerID, &domain.Transaction{
		ID:        uuid.NewString(),
		PlayerID:  playerID,
		Type:      domain.TxWager,
		Currency:  domain.CurrencyCash,
		Amount:    amount,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}
}

func TestHouseEdge(t *testing.T) {
	cfg := domain.DefaultConfig().Safety
	gate, _ := newTestGate(t, &stubStates{}, cfg)

	if edge := gate.HouseEdge("roulette"); edge != 0.027 {
		t.Errorf("expected roulette edge 0.027, got %.3f", edge)
	}
	if edge := gate.HouseEdge("baccarat"); edge != 0.05 {
		t.Errorf("expected default edge 0.05 for unknown game, got %.3f", edge)
	}
	if edge := gate.HouseEdge(""); edge != 0.05 {
		t.Errorf("expected default edge 0.05 for empty game, got %.3f", edge)
	}
}

func TestRetentionMultiplier(t *testing.T) {
	if m := RetentionMultiplier(domain.SegmentLosing, domain.RewardCashback); m != 1.8 {
		t.Errorf("expected 1.8 for LOSING/CASHBACK, got %.2f", m)
	}
	if m := RetentionMultiplier(domain.SegmentWinning, domain.RewardCashback); m != 1.0 {
		t.Errorf("expected default 1.0 for unknown combination, got %.2f", m)
	}
}

func TestCalculateExpectedValue(t *testing.T) {
	cfg := domain.DefaultConfig().Safety
	states := &stubStates{state: domain.PlayerState{"segment": "LOSING"}}
	gate, repo := newTestGate(t, states, cfg)
	ctx := context.Background()

	// 1000 wagered in the lookback window projects a base wager of 1000.
	seedWager(t, repo, "player-001", 1000)

	ev, err := gate.CalculateExpectedValue(ctx, "player-001", 100, domain.RewardCashback)
	if err != nil {
		t.Fatalf("CalculateExpectedValue failed: %v", err)
	}

	if ev.ExpectedWager != 1800 {
		t.Errorf("expected wager 1800, got %.2f", ev.ExpectedWager)
	}
	if ev.ExpectedRevenue != 90 {
		t.Errorf("expected revenue 90, got %.2f", ev.ExpectedRevenue)
	}
	if ev.ExpectedProfit != -10 {
		t.Errorf("expected profit -10, got %.2f", ev.ExpectedProfit)
	}
	if ev.ROIPercent != -10 {
		t.Errorf("expected roi -10%%, got %.2f", ev.ROIPercent)
	}
}

func TestExpectedValueZeroAmount(t *testing.T) {
	cfg := domain.DefaultConfig().Safety
	gate, _ := newTestGate(t, &stubStates{}, cfg)

	ev, err := gate.CalculateExpectedValue(context.Background(), "player-001", 0, domain.RewardCashback)
	if err != nil {
		t.Fatalf("CalculateExpectedValue failed: %v", err)
	}
	if ev.ROIPercent != 0 {
		t.Errorf("expected roi 0 for zero amount, got %.2f", ev.ROIPercent)
	}
}

func TestValidateRewardProfitability(t *testing.T) {
	cfg := domain.DefaultConfig().Safety
	states := &stubStates{state: domain.PlayerState{"segment": "LOSING"}}
	gate, repo := newTestGate(t, states, cfg)
	ctx := context.Background()

	seedWager(t, repo, "player-001", 1000)

	// Expected profit is -10 for a 100 reward.
	ok, reason, err := gate.ValidateRewardProfitability(ctx, "player-001", 100, domain.RewardCashback, 0)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if ok {
		t.Error("expected rejection for negative expected profit")
	}
	if reason == "" {
		t.Error("expected a rejection reason")
	}

	// A cheaper reward turns profitable: revenue 90 vs cost 50.
	ok, _, err = gate.ValidateRewardProfitability(ctx, "player-001", 50, domain.RewardCashback, 0)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if !ok {
		t.Error("expected approval for profitable reward")
	}
}

func TestCheckRewardCaps(t *testing.T) {
	cfg := domain.DefaultConfig().Safety
	gate, repo := newTestGate(t, &stubStates{}, cfg)
	ctx := context.Background()

	// 950 already issued today against a 1000 daily cap.
	if _, err := repo.SaveReward(ctx, &domain.RewardRecord{
		PlayerID:   "player-001",
		RuleID:     "rule-001",
		RewardType: domain.RewardCashback,
		Currency:   domain.CurrencyBonusBalance,
		Amount:     950,
		Status:     domain.RewardActive,
		IssuedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveReward failed: %v", err)
	}

	ok, reason, err := gate.CheckRewardCaps(ctx, "player-001", 100, PeriodDaily)
	if err != nil {
		t.Fatalf("CheckRewardCaps failed: %v", err)
	}
	if ok {
		t.Errorf("expected rejection at 1050 > 1000, got approval")
	}
	if reason == "" {
		t.Error("expected a rejection reason")
	}

	ok, _, err = gate.CheckRewardCaps(ctx, "player-001", 50, PeriodDaily)
	if err != nil {
		t.Fatalf("CheckRewardCaps failed: %v", err)
	}
	if !ok {
		t.Error("expected approval at exactly the cap")
	}
}

func TestCheckRewardCapsIgnoresPendingCandidate(t *testing.T) {
	cfg := domain.DefaultConfig().Safety
	gate, repo := newTestGate(t, &stubStates{}, cfg)
	ctx := context.Background()

	// The pipeline persists the candidate PENDING before the gate runs, so
	// its own amount must not count as already issued.
	id, err := repo.SaveReward(ctx, &domain.RewardRecord{
		PlayerID:   "player-001",
		RuleID:     "rule-001",
		RewardType: domain.RewardCashback,
		Currency:   domain.CurrencyBonusBalance,
		Amount:     600,
		Status:     domain.RewardPending,
		IssuedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveReward failed: %v", err)
	}

	ok, reason, err := gate.CheckRewardCaps(ctx, "player-001", 600, PeriodDaily)
	if err != nil {
		t.Fatalf("CheckRewardCaps failed: %v", err)
	}
	if !ok {
		t.Errorf("expected approval for 600 candidate with empty window, got %q", reason)
	}

	// Once activated the same amount does consume headroom.
	if err := repo.UpdateRewardStatus(ctx, id, domain.RewardPending, domain.RewardActive); err != nil {
		t.Fatalf("UpdateRewardStatus failed: %v", err)
	}
	ok, _, err = gate.CheckRewardCaps(ctx, "player-001", 600, PeriodDaily)
	if err != nil {
		t.Fatalf("CheckRewardCaps failed: %v", err)
	}
	if ok {
		t.Error("expected rejection at 600 issued + 600 candidate > 1000")
	}
}

func TestValidateRewardShortCircuits(t *testing.T) {
	cfg := domain.DefaultConfig().Safety
	states := &stubStates{state: domain.PlayerState{"segment": "LOSING"}}
	gate, repo := newTestGate(t, states, cfg)
	ctx := context.Background()

	// Plenty of projected play so profitability passes.
	seedWager(t, repo, "player-001", 100000)

	// But the daily cap is already exhausted.
	if _, err := repo.SaveReward(ctx, &domain.RewardRecord{
		PlayerID:   "player-001",
		RuleID:     "rule-001",
		RewardType: domain.RewardCashback,
		Currency:   domain.CurrencyBonusBalance,
		Amount:     1000,
		Status:     domain.RewardActive,
		IssuedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveReward failed: %v", err)
	}

	ok, reason, err := gate.ValidateReward(ctx, "player-001", 100, domain.RewardCashback, 0)
	if err != nil {
		t.Fatalf("ValidateReward failed: %v", err)
	}
	if ok {
		t.Error("expected rejection on daily cap")
	}
	if reason == "" {
		t.Error("expected the cap's specific reason")
	}
}
