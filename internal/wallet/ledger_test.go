package wallet

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
	"github.com/opensource-gaming/talon/internal/repository"
)

func newTestLedger(t *testing.T) (*Ledger, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "talon-wallet-test-*.db")
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

	return NewLedger(repo, nil, nil, nil, nil), repo
}

func lpInvariant(t *testing.T, ctx context.Context, repo domain.Repository, playerID string) {
	t.Helper()

	balance, err := repo.GetBalance(ctx, playerID)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	entries, err := repo.ListOpenPointEntries(ctx, playerID)
	if err != nil {
		t.Fatalf("ListOpenPointEntries failed: %v", err)
	}

	var sum float64
	for _, e := range entries {
		sum += e.RemainingAmount
	}
	if sum != balance.LPBalance {
		t.Errorf("LP invariant violated: balance %.2f, open entries sum %.2f", balance.LPBalance, sum)
	}
}

func TestGetOrCreateBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	balance, err := ledger.GetOrCreateBalance(ctx, "player-001")
	if err != nil {
		t.Fatalf("GetOrCreateBalance failed: %v", err)
	}
	if balance.LPBalance != 0 || balance.BonusBalance != 0 {
		t.Errorf("expected zeroed balance, got %+v", balance)
	}

	// Second call returns the same row.
	again, err := ledger.GetOrCreateBalance(ctx, "player-001")
	if err != nil {
		t.Fatalf("second GetOrCreateBalance failed: %v", err)
	}
	if again.PlayerID != "player-001" {
		t.Errorf("unexpected player id %s", again.PlayerID)
	}
}

func TestAddLoyaltyPoints(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	days := 30
	tx, err := ledger.AddLoyaltyPoints(ctx, "player-001", 100, "WAGER", &days)
	if err != nil {
		t.Fatalf("AddLoyaltyPoints failed: %v", err)
	}

	if tx.Type != domain.TxLPEarned {
		t.Errorf("expected LP_EARNED transaction, got %s", tx.Type)
	}
	if tx.BalanceBefore != 0 || tx.BalanceAfter != 100 {
		t.Errorf("expected before/after 0/100, got %.2f/%.2f", tx.BalanceBefore, tx.BalanceAfter)
	}

	entries, err := repo.ListOpenPointEntries(ctx, "player-001")
	if err != nil {
		t.Fatalf("ListOpenPointEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 point entry, got %d", len(entries))
	}
	if entries[0].ExpiresAt == nil {
		t.Error("expected expiry to be set")
	}

	lpInvariant(t, ctx, repo, "player-001")
}

func TestFIFODeduction(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	// Older lot of 100, newer lot of 50.
	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 100, "WAGER", nil); err != nil {
		t.Fatalf("first credit failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 50, "WAGER", nil); err != nil {
		t.Fatalf("second credit failed: %v", err)
	}

	if _, err := ledger.DeductBalance(ctx, "player-001", domain.CurrencyLoyaltyPoints, 120,
		domain.TxLPRedeemed, "test debit", ""); err != nil {
		t.Fatalf("DeductBalance failed: %v", err)
	}

	entries, err := repo.ListOpenPointEntries(ctx, "player-001")
	if err != nil {
		t.Fatalf("ListOpenPointEntries failed: %v", err)
	}
	// The 100-point lot is fully consumed; 30 remain on the newer lot.
	if len(entries) != 1 {
		t.Fatalf("expected 1 open entry, got %d", len(entries))
	}
	if entries[0].Amount != 50 || entries[0].RemainingAmount != 30 {
		t.Errorf("expected newer lot with 30 remaining, got amount %.2f remaining %.2f",
			entries[0].Amount, entries[0].RemainingAmount)
	}

	lpInvariant(t, ctx, repo, "player-001")
}

func TestDeductInsufficientBalance(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 50, "WAGER", nil); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	_, err := ledger.DeductBalance(ctx, "player-001", domain.CurrencyLoyaltyPoints, 100,
		domain.TxLPRedeemed, "too much", "")
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got: %v", err)
	}

	// No partial effect.
	balance, _ := repo.GetBalance(ctx, "player-001")
	if balance.LPBalance != 50 {
		t.Errorf("expected balance unchanged at 50, got %.2f", balance.LPBalance)
	}
	lpInvariant(t, ctx, repo, "player-001")
}

func TestBonusWageringAccumulates(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.AddBonusBalance(ctx, "player-001", 50, BonusGrant{WageringRequirement: 500}); err != nil {
		t.Fatalf("first bonus failed: %v", err)
	}
	maxBet := 10.0
	if _, err := ledger.AddBonusBalance(ctx, "player-001", 30, BonusGrant{
		WageringRequirement: 300,
		MaxBet:              &maxBet,
	}); err != nil {
		t.Fatalf("second bonus failed: %v", err)
	}

	balance, _ := repo.GetBalance(ctx, "player-001")
	if balance.BonusBalance != 80 {
		t.Errorf("expected bonus balance 80, got %.2f", balance.BonusBalance)
	}
	if balance.BonusWageringRequired != 800 {
		t.Errorf("expected accumulated requirement 800, got %.2f", balance.BonusWageringRequired)
	}
	// Max bet set by the second grant; first grant's nil did not clear it.
	if balance.BonusMaxBet == nil || *balance.BonusMaxBet != 10.0 {
		t.Errorf("expected max bet 10, got %v", balance.BonusMaxBet)
	}
}

func TestRecordWagerProgress(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	// No requirement outstanding: progress is nil.
	progress, err := ledger.RecordWager(ctx, "player-001", 50, "slots")
	if err != nil {
		t.Fatalf("RecordWager failed: %v", err)
	}
	if progress != nil {
		t.Errorf("expected nil progress without requirement, got %v", *progress)
	}

	if _, err := ledger.AddBonusBalance(ctx, "player-001", 50, BonusGrant{
		WageringRequirement: 200,
		EligibleGames:       []string{"slots"},
	}); err != nil {
		t.Fatalf("bonus failed: %v", err)
	}

	// Ineligible game does not count.
	progress, err = ledger.RecordWager(ctx, "player-001", 100, "blackjack")
	if err != nil {
		t.Fatalf("RecordWager failed: %v", err)
	}
	if progress != nil {
		t.Errorf("expected nil progress for ineligible game, got %v", *progress)
	}

	progress, err = ledger.RecordWager(ctx, "player-001", 100, "slots")
	if err != nil {
		t.Fatalf("RecordWager failed: %v", err)
	}
	if progress == nil || *progress != 50 {
		t.Fatalf("expected progress 50, got %v", progress)
	}

	// Completing the requirement clears both counters and reports 100.
	progress, err = ledger.RecordWager(ctx, "player-001", 100, "slots")
	if err != nil {
		t.Fatalf("RecordWager failed: %v", err)
	}
	if progress == nil || *progress != 100 {
		t.Fatalf("expected progress 100, got %v", progress)
	}

	balance, _ := repo.GetBalance(ctx, "player-001")
	if balance.BonusWageringRequired != 0 || balance.BonusWageringCompleted != 0 {
		t.Errorf("expected cleared wagering state, got required %.2f completed %.2f",
			balance.BonusWageringRequired, balance.BonusWageringCompleted)
	}
}

func TestIssueRewardAtMostOnce(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	reward := &domain.RewardRecord{
		PlayerID:         "player-001",
		RuleID:           "rule-001",
		RewardType:       domain.RewardBonusBalance,
		Currency:         domain.CurrencyBonusBalance,
		Amount:           50,
		Status:           domain.RewardPending,
		WageringRequired: 500,
		IssuedAt:         time.Now().UTC(),
	}
	id, err := repo.SaveReward(ctx, reward)
	if err != nil {
		t.Fatalf("SaveReward failed: %v", err)
	}

	tx, err := ledger.IssueReward(ctx, id)
	if err != nil {
		t.Fatalf("IssueReward failed: %v", err)
	}
	if tx.Type != domain.TxBonusIssued || tx.Amount != 50 {
		t.Errorf("unexpected transaction: %+v", tx)
	}

	// Second issuance fails and credits nothing.
	if _, err := ledger.IssueReward(ctx, id); !errors.Is(err, domain.ErrStateTransition) {
		t.Fatalf("expected ErrStateTransition, got: %v", err)
	}

	balance, _ := repo.GetBalance(ctx, "player-001")
	if balance.BonusBalance != 50 {
		t.Errorf("expected bonus credited exactly once (50), got %.2f", balance.BonusBalance)
	}
	if balance.BonusWageringRequired != 500 {
		t.Errorf("expected wagering requirement 500, got %.2f", balance.BonusWageringRequired)
	}

	issued, err := repo.GetReward(ctx, id)
	if err != nil {
		t.Fatalf("GetReward failed: %v", err)
	}
	if issued.Status != domain.RewardActive {
		t.Errorf("expected status ACTIVE, got %s", issued.Status)
	}
}

func TestIssueRewardUnsupportedCurrency(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	reward := &domain.RewardRecord{
		PlayerID:   "player-001",
		RuleID:     "rule-001",
		RewardType: domain.RewardTickets,
		Currency:   domain.CurrencyTickets,
		Amount:     5,
		Status:     domain.RewardPending,
		IssuedAt:   time.Now().UTC(),
	}
	id, _ := repo.SaveReward(ctx, reward)

	if _, err := ledger.IssueReward(ctx, id); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got: %v", err)
	}

	// Credit failed, so the status rolled back and the reward stays issuable.
	r, _ := repo.GetReward(ctx, id)
	if r.Status != domain.RewardPending {
		t.Errorf("expected status rolled back to PENDING, got %s", r.Status)
	}
}

func TestExpireBonusesIdempotent(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := ledger.AddBonusBalance(ctx, "player-001", 40, BonusGrant{
		WageringRequirement: 400,
		Expiry:              &past,
	}); err != nil {
		t.Fatalf("bonus failed: %v", err)
	}

	count, err := ledger.ExpireBonuses(ctx)
	if err != nil {
		t.Fatalf("ExpireBonuses failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 expired bonus, got %d", count)
	}

	balance, _ := repo.GetBalance(ctx, "player-001")
	if balance.BonusBalance != 0 || balance.BonusWageringRequired != 0 {
		t.Errorf("expected zeroed bonus state, got %+v", balance)
	}

	// Second run is a no-op.
	count, err = ledger.ExpireBonuses(ctx)
	if err != nil {
		t.Fatalf("second ExpireBonuses failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 on second run, got %d", count)
	}
}

func TestProcessPointExpiry(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	// An already-expired lot and a live one.
	negDays := -1
	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 100, "WAGER", &negDays); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 50, "WAGER", nil); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	count, err := ledger.ProcessPointExpiry(ctx)
	if err != nil {
		t.Fatalf("ProcessPointExpiry failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 expired lot, got %d", count)
	}

	balance, _ := repo.GetBalance(ctx, "player-001")
	if balance.LPBalance != 50 {
		t.Errorf("expected 50 LP after expiry, got %.2f", balance.LPBalance)
	}
	lpInvariant(t, ctx, repo, "player-001")

	// Sweep again: nothing left to expire.
	count, err = ledger.ProcessPointExpiry(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 on second sweep, got %d", count)
	}
}

func TestPointExpirySkipsConsumedLots(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	negDays := -1
	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 100, "WAGER", &negDays); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 50, "WAGER", nil); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	// Snapshot the sweep candidates the way ProcessPointExpiry does, then
	// let a FIFO deduction land before the per-player critical section runs.
	byPlayer, err := repo.ListExpiredPointEntries(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListExpiredPointEntries failed: %v", err)
	}
	stale := byPlayer["player-001"]
	if len(stale) != 1 || stale[0].RemainingAmount != 100 {
		t.Fatalf("expected one expired candidate with 100 remaining, got %+v", stale)
	}

	if _, err := ledger.DeductBalance(ctx, "player-001", domain.CurrencyLoyaltyPoints, 120,
		domain.TxLPRedeemed, "test debit", ""); err != nil {
		t.Fatalf("DeductBalance failed: %v", err)
	}

	// The deduction fully consumed the expired lot; the sweep must not
	// forfeit its stale remainder.
	count, err := ledger.expirePointsForPlayer(ctx, "player-001", stale)
	if err != nil {
		t.Fatalf("expirePointsForPlayer failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 expired lots, got %d", count)
	}

	balance, _ := repo.GetBalance(ctx, "player-001")
	if balance.LPBalance != 30 {
		t.Errorf("expected 30 LP after deduction, got %.2f", balance.LPBalance)
	}
	lpInvariant(t, ctx, repo, "player-001")
}

func TestRedeemPoints(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	if err := repo.SavePlayer(ctx, &domain.Player{
		PlayerID: "player-001",
		Segment:  domain.SegmentLosing,
		Tier:     domain.TierGold,
		IsActive: true,
	}); err != nil {
		t.Fatalf("SavePlayer failed: %v", err)
	}

	tier := domain.TierSilver
	ruleID, err := repo.SaveRedemptionRule(ctx, &domain.RedemptionRule{
		Name:            "LP to bonus",
		IsActive:        true,
		LPCost:          100,
		CurrencyValue:   10,
		Currency:        domain.CurrencyBonusBalance,
		TierRequirement: &tier,
	})
	if err != nil {
		t.Fatalf("SaveRedemptionRule failed: %v", err)
	}

	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 150, "WAGER", nil); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	redemption, err := ledger.RedeemPoints(ctx, "player-001", ruleID)
	if err != nil {
		t.Fatalf("RedeemPoints failed: %v", err)
	}
	if redemption.LPAmount != 100 || redemption.ValueReceived != 10 {
		t.Errorf("unexpected redemption: %+v", redemption)
	}

	balance, _ := repo.GetBalance(ctx, "player-001")
	if balance.LPBalance != 50 {
		t.Errorf("expected 50 LP after redemption, got %.2f", balance.LPBalance)
	}
	if balance.BonusBalance != 10 {
		t.Errorf("expected 10 bonus credited, got %.2f", balance.BonusBalance)
	}
	lpInvariant(t, ctx, repo, "player-001")

	// Not enough LP for a second redemption.
	if _, err := ledger.RedeemPoints(ctx, "player-001", ruleID); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got: %v", err)
	}
}

func TestRedeemPointsTierRequirement(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	if err := repo.SavePlayer(ctx, &domain.Player{
		PlayerID: "player-001",
		Tier:     domain.TierBronze,
		IsActive: true,
	}); err != nil {
		t.Fatalf("SavePlayer failed: %v", err)
	}

	tier := domain.TierPlatinum
	ruleID, _ := repo.SaveRedemptionRule(ctx, &domain.RedemptionRule{
		Name:            "platinum only",
		IsActive:        true,
		LPCost:          10,
		CurrencyValue:   1,
		Currency:        domain.CurrencyBonusBalance,
		TierRequirement: &tier,
	})

	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 100, "WAGER", nil); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	if _, err := ledger.RedeemPoints(ctx, "player-001", ruleID); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for tier requirement, got: %v", err)
	}
}

func TestRedeemPointsMonthlyLimit(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	if err := repo.SavePlayer(ctx, &domain.Player{
		PlayerID: "player-001",
		Tier:     domain.TierGold,
		IsActive: true,
	}); err != nil {
		t.Fatalf("SavePlayer failed: %v", err)
	}

	limit := 1
	ruleID, err := repo.SaveRedemptionRule(ctx, &domain.RedemptionRule{
		Name:                   "once a month",
		IsActive:               true,
		LPCost:                 50,
		CurrencyValue:          5,
		Currency:               domain.CurrencyBonusBalance,
		MaxRedemptionsPerMonth: &limit,
	})
	if err != nil {
		t.Fatalf("SaveRedemptionRule failed: %v", err)
	}

	if _, err := ledger.AddLoyaltyPoints(ctx, "player-001", 200, "WAGER", nil); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	if _, err := ledger.RedeemPoints(ctx, "player-001", ruleID); err != nil {
		t.Fatalf("first RedeemPoints failed: %v", err)
	}

	// Plenty of LP remains; only the monthly limit blocks the second one.
	if _, err := ledger.RedeemPoints(ctx, "player-001", ruleID); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected ErrValidation for monthly limit, got: %v", err)
	}
}

func TestCashFlowMetrics(t *testing.T) {
	ledger, repo := newTestLedger(t)
	ctx := context.Background()

	if _, err := ledger.RecordDeposit(ctx, "player-001", 500); err != nil {
		t.Fatalf("RecordDeposit failed: %v", err)
	}
	if _, err := ledger.RecordWager(ctx, "player-001", 100, "slots"); err != nil {
		t.Fatalf("RecordWager failed: %v", err)
	}
	if _, err := ledger.RecordWin(ctx, "player-001", 40); err != nil {
		t.Fatalf("RecordWin failed: %v", err)
	}

	metrics, err := repo.GetPlayerMetrics(ctx, "player-001")
	if err != nil {
		t.Fatalf("GetPlayerMetrics failed: %v", err)
	}
	if metrics.TotalDeposited != 500 {
		t.Errorf("expected deposited 500, got %.2f", metrics.TotalDeposited)
	}
	if metrics.TotalWagered != 100 || metrics.TotalBets != 1 {
		t.Errorf("unexpected wager metrics: %+v", metrics)
	}
	if metrics.NetPnL != -60 {
		t.Errorf("expected net PnL -60, got %.2f", metrics.NetPnL)
	}
}
