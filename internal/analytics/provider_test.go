package analytics

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-gaming/talon/internal/domain"
	"github.com/opensource-gaming/talon/internal/repository"
)

func newTestProvider(t *testing.T) (*Provider, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "talon-analytics-test-*.db")
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

	cfg := domain.DefaultConfig()
	return NewProvider(repo, nil, cfg.Segmentation, cfg.Tiers, nil), repo
}

func savePlayer(t *testing.T, repo domain.Repository, playerID string) {
	t.Helper()
	now := time.Now().UTC()
	err := repo.SavePlayer(context.Background(), &domain.Player{
		PlayerID:  playerID,
		Segment:   domain.SegmentNew,
		Tier:      domain.TierBronze,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("SavePlayer failed: %v", err)
	}
}

func TestGetPlayerStateNotFound(t *testing.T) {
	provider, _ := newTestProvider(t)

	_, err := provider.GetPlayerState(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPlayerStateDefaults(t *testing.T) {
	provider, repo := newTestProvider(t)
	ctx := context.Background()
	savePlayer(t, repo, "player-001")

	state, err := provider.GetPlayerState(ctx, "player-001")
	if err != nil {
		t.Fatalf("GetPlayerState failed: %v", err)
	}

	if seg, _ := state.String("segment"); seg != string(domain.SegmentNew) {
		t.Errorf("expected NEW segment for fresh player, got %s", seg)
	}
	if wagered, ok := state.Number("total_wagered"); !ok || wagered != 0 {
		t.Errorf("expected total_wagered present as 0, got %v ok=%v", wagered, ok)
	}
	if netLoss, ok := state.Number("net_loss"); !ok || netLoss != 0 {
		t.Errorf("expected net_loss present as 0, got %v ok=%v", netLoss, ok)
	}
	if _, ok := state["days_since_last_deposit"]; ok {
		t.Error("days_since_last_deposit should be absent before any deposit")
	}
	if _, ok := state["favorite_game"]; ok {
		t.Error("favorite_game should be absent before any wager")
	}
}

func TestGetPlayerStateFields(t *testing.T) {
	provider, repo := newTestProvider(t)
	ctx := context.Background()
	savePlayer(t, repo, "player-001")

	lastDeposit := time.Now().UTC().Add(-72 * time.Hour)
	err := repo.SavePlayerMetrics(ctx, "player-001", &domain.PlayerMetrics{
		PlayerID:       "player-001",
		TotalDeposited: 500,
		TotalWagered:   2000,
		TotalWon:       1700,
		NetPnL:         -300,
		TotalSessions:  12,
		LastDepositAt:  &lastDeposit,
	})
	if err != nil {
		t.Fatalf("SavePlayerMetrics failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		err := repo.SaveTransaction(ctx, "player-001", &domain.Transaction{
			ID:        uuid.NewString(),
			PlayerID:  "player-001",
			Type:      domain.TxWager,
			Currency:  domain.CurrencyCash,
			Amount:    50,
			Metadata:  map[string]any{"gameType": "slots"},
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}
	}

	state, err := provider.GetPlayerState(ctx, "player-001")
	if err != nil {
		t.Fatalf("GetPlayerState failed: %v", err)
	}

	if netLoss, _ := state.Number("net_loss"); netLoss != 300 {
		t.Errorf("expected net_loss 300, got %v", netLoss)
	}
	if seg, _ := state.String("segment"); seg != string(domain.SegmentLosing) {
		t.Errorf("expected LOSING segment, got %s", seg)
	}
	if days, ok := state.Number("days_since_last_deposit"); !ok || days != 3 {
		t.Errorf("expected days_since_last_deposit 3, got %v ok=%v", days, ok)
	}
	if game, _ := state.String("favorite_game"); game != "slots" {
		t.Errorf("expected favorite_game slots, got %s", game)
	}

	// The recomputed segment is persisted back to the player row.
	player, err := repo.GetPlayer(ctx, "player-001")
	if err != nil {
		t.Fatalf("GetPlayer failed: %v", err)
	}
	if player.Segment != domain.SegmentLosing {
		t.Errorf("expected persisted LOSING segment, got %s", player.Segment)
	}
}

func TestClassifySegment(t *testing.T) {
	provider, _ := newTestProvider(t)

	tests := []struct {
		name    string
		metrics domain.PlayerMetrics
		want    domain.Segment
	}{
		{"FreshPlayer", domain.PlayerMetrics{TotalWagered: 500}, domain.SegmentNew},
		{"VIPByWager", domain.PlayerMetrics{TotalWagered: 150000, NetPnL: -5000}, domain.SegmentVIP},
		{"VIPBySessions", domain.PlayerMetrics{TotalWagered: 2000, TotalSessions: 150}, domain.SegmentVIP},
		{"Breakeven", domain.PlayerMetrics{TotalWagered: 10000, NetPnL: 200}, domain.SegmentBreakeven},
		{"Winning", domain.PlayerMetrics{TotalWagered: 10000, NetPnL: 2000}, domain.SegmentWinning},
		{"Losing", domain.PlayerMetrics{TotalWagered: 10000, NetPnL: -2000}, domain.SegmentLosing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := provider.ClassifySegment(&tt.metrics); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestTierForLifetimeLP(t *testing.T) {
	cfg := domain.DefaultConfig().Tiers

	tests := []struct {
		lp   float64
		want domain.TierLevel
	}{
		{0, domain.TierBronze},
		{999, domain.TierBronze},
		{1000, domain.TierSilver},
		{10000, domain.TierGold},
		{50000, domain.TierPlatinum},
		{200000, domain.TierDiamond},
	}
	for _, tt := range tests {
		if got := TierForLifetimeLP(tt.lp, cfg); got != tt.want {
			t.Errorf("lp %.0f: expected %s, got %s", tt.lp, tt.want, got)
		}
	}
}

func TestUpdatePlayerTier(t *testing.T) {
	provider, repo := newTestProvider(t)
	ctx := context.Background()
	savePlayer(t, repo, "player-001")

	tier, err := provider.UpdatePlayerTier(ctx, "player-001")
	if err != nil {
		t.Fatalf("UpdatePlayerTier failed: %v", err)
	}
	if tier != domain.TierBronze {
		t.Errorf("expected BRONZE with no earned points, got %s", tier)
	}

	err = repo.SaveTransaction(ctx, "player-001", &domain.Transaction{
		ID:        uuid.NewString(),
		PlayerID:  "player-001",
		Type:      domain.TxLPEarned,
		Currency:  domain.CurrencyLoyaltyPoints,
		Amount:    1500,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}

	tier, err = provider.UpdatePlayerTier(ctx, "player-001")
	if err != nil {
		t.Fatalf("UpdatePlayerTier failed: %v", err)
	}
	if tier != domain.TierSilver {
		t.Errorf("expected SILVER at 1500 lifetime points, got %s", tier)
	}

	player, err := repo.GetPlayer(ctx, "player-001")
	if err != nil {
		t.Fatalf("GetPlayer failed: %v", err)
	}
	if player.Tier != domain.TierSilver {
		t.Errorf("expected persisted SILVER tier, got %s", player.Tier)
	}
}
