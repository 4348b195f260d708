package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/opensource-gaming/talon/internal/abuse"
	"github.com/opensource-gaming/talon/internal/analytics"
	"github.com/opensource-gaming/talon/internal/bus"
	"github.com/opensource-gaming/talon/internal/domain"
	"github.com/opensource-gaming/talon/internal/repository"
	"github.com/opensource-gaming/talon/internal/rules"
	"github.com/opensource-gaming/talon/internal/safety"
	"github.com/opensource-gaming/talon/internal/wallet"
)

type apiFixture struct {
	server *Server
	repo   domain.Repository
	ledger *wallet.Ledger
}

// createTestServer wires the full stack against a temp SQLite database.
func createTestServer(t *testing.T) *apiFixture {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "talon-api-test-*.db")
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

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cfg := domain.DefaultConfig()
	provider := analytics.NewProvider(repo, nil, cfg.Segmentation, cfg.Tiers, nil)
	ledger := wallet.NewLedger(repo, eventBus, nil, provider, nil)
	gate := safety.NewGate(repo, provider, cfg.Safety, nil)
	scorer := abuse.NewScorer(repo, eventBus, cfg.Abuse, nil)

	engine, err := rules.NewEngine(repo, provider, eventBus, nil, 5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	server := NewServer(domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}, repo, nil, eventBus, engine, gate, ledger, scorer, provider, "test-v1")

	return &apiFixture{server: server, repo: repo, ledger: ledger}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	f := createTestServer(t)

	w := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
	if body["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", body["version"])
	}
}

func TestPlayerEndpoints(t *testing.T) {
	f := createTestServer(t)

	t.Run("Create", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/players", CreatePlayerRequest{
			PlayerID: "player-001",
			Email:    "one@example.com",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
		}

		body := decodeBody(t, w)
		if body["segment"] != string(domain.SegmentNew) {
			t.Errorf("expected NEW segment, got %v", body["segment"])
		}
		if body["tier"] != string(domain.TierBronze) {
			t.Errorf("expected BRONZE tier, got %v", body["tier"])
		}
	})

	t.Run("CreateMissingID", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/players", CreatePlayerRequest{Email: "x@example.com"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/players/player-001", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["playerId"] != "player-001" {
			t.Errorf("expected player-001, got %v", body["playerId"])
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/players/no-such-player", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})

	t.Run("State", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/players/player-001/state", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["segment"] != string(domain.SegmentNew) {
			t.Errorf("expected NEW segment in state, got %v", body["segment"])
		}
	})
}

func TestWalletEndpoints(t *testing.T) {
	f := createTestServer(t)

	w := f.do(t, http.MethodPost, "/players", CreatePlayerRequest{PlayerID: "player-001"})
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to create player: %d", w.Code)
	}

	t.Run("Deposit", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/players/player-001/deposit", AmountRequest{Amount: 1000})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["type"] != string(domain.TxDeposit) {
			t.Errorf("expected DEPOSIT transaction, got %v", body["type"])
		}
	})

	t.Run("Wager", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/players/player-001/wager", WagerRequest{
			Amount:   50,
			GameType: "slots",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["recorded"] != true {
			t.Errorf("expected recorded true, got %v", body["recorded"])
		}
	})

	t.Run("WagerRejectedAmount", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/players/player-001/wager", WagerRequest{Amount: -1})
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", w.Code)
		}
	})

	t.Run("Balance", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/players/player-001/balance", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["playerId"] != "player-001" {
			t.Errorf("expected player-001 balance, got %v", body["playerId"])
		}
	})

	t.Run("Transactions", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/players/player-001/transactions?limit=10", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["count"].(float64) != 2 {
			t.Errorf("expected 2 transactions, got %v", body["count"])
		}
	})
}

// seedEvaluationTarget writes a losing player with enough wager history to
// clear the profitability gate, plus a matching cashback rule.
func seedEvaluationTarget(t *testing.T, repo domain.Repository, playerID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	err := repo.SavePlayer(ctx, &domain.Player{
		PlayerID:  playerID,
		Segment:   domain.SegmentLosing,
		Tier:      domain.TierBronze,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("SavePlayer failed: %v", err)
	}

	err = repo.SavePlayerMetrics(ctx, playerID, &domain.PlayerMetrics{
		PlayerID:       playerID,
		TotalDeposited: 5000,
		TotalWagered:   50000,
		TotalWon:       49000,
		NetPnL:         -1000,
	})
	if err != nil {
		t.Fatalf("SavePlayerMetrics failed: %v", err)
	}

	err = repo.SaveTransaction(ctx, playerID, &domain.Transaction{
		ID:        "wager-" + playerID,
		PlayerID:  playerID,
		Type:      domain.TxWager,
		Currency:  domain.CurrencyCash,
		Amount:    50000,
		CreatedAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveTransaction failed: %v", err)
	}

	maxAmount := 50.0
	err = repo.SaveRewardRule(ctx, &domain.RewardRule{
		RuleID:   "cashback-api",
		Name:     "Cashback",
		Priority: 100,
		IsActive: true,
		Conditions: map[string]any{
			"segment": "LOSING",
		},
		RewardConfig: domain.RewardConfig{
			Type:      domain.RewardCashback,
			Formula:   "net_loss * 0.10",
			MaxAmount: &maxAmount,
		},
	})
	if err != nil {
		t.Fatalf("SaveRewardRule failed: %v", err)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	f := createTestServer(t)
	seedEvaluationTarget(t, f.repo, "player-001")

	w := f.do(t, http.MethodPost, "/players/player-001/evaluate", EvaluateRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["count"].(float64) != 1 {
		t.Fatalf("expected 1 reward, got %v", body["count"])
	}

	rewards := body["rewards"].([]any)
	reward := rewards[0].(map[string]any)
	if reward["status"] != string(domain.RewardPending) {
		t.Errorf("expected PENDING reward, got %v", reward["status"])
	}
	if reward["amount"].(float64) != 50 {
		t.Errorf("expected capped amount 50, got %v", reward["amount"])
	}
}

func TestEvaluateBatchEndpoint(t *testing.T) {
	f := createTestServer(t)
	seedEvaluationTarget(t, f.repo, "player-001")

	w := f.do(t, http.MethodPost, "/evaluate/batch", EvaluateBatchRequest{
		PlayerIDs: []string{"player-001", "no-such-player"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["count"].(float64) != 2 {
		t.Errorf("expected 2 results, got %v", body["count"])
	}
}

func TestRewardLifecycleEndpoints(t *testing.T) {
	f := createTestServer(t)
	seedEvaluationTarget(t, f.repo, "player-001")

	rewards, err := f.server.Handler().engine.EvaluateAndCreateRewards(context.Background(), "player-001", 0)
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}
	if len(rewards) != 1 {
		t.Fatalf("expected 1 reward, got %d", len(rewards))
	}
	rewardPath := "/rewards/1"

	t.Run("Get", func(t *testing.T) {
		w := f.do(t, http.MethodGet, rewardPath, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["playerId"] != "player-001" {
			t.Errorf("expected player-001, got %v", body["playerId"])
		}
	})

	t.Run("Validate", func(t *testing.T) {
		w := f.do(t, http.MethodPost, rewardPath+"/validate", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["approved"] != true {
			t.Errorf("expected approved reward, got %v", body)
		}
	})

	t.Run("Issue", func(t *testing.T) {
		w := f.do(t, http.MethodPost, rewardPath+"/issue", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}

		balance, err := f.ledger.GetOrCreateBalance(context.Background(), "player-001")
		if err != nil {
			t.Fatalf("GetOrCreateBalance failed: %v", err)
		}
		if balance.BonusBalance != 50 {
			t.Errorf("expected bonus balance 50, got %.2f", balance.BonusBalance)
		}
	})

	t.Run("IssueTwice", func(t *testing.T) {
		w := f.do(t, http.MethodPost, rewardPath+"/issue", nil)
		if w.Code != http.StatusConflict {
			t.Errorf("expected status 409 on double issue, got %d", w.Code)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/rewards/9999", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	f := createTestServer(t)

	t.Run("Create", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/rules", domain.RewardRule{
			RuleID:   "welcome-lp",
			Name:     "Welcome Points",
			Priority: 10,
			IsActive: true,
			Conditions: map[string]any{
				"segment": "NEW",
			},
			RewardConfig: domain.RewardConfig{
				Type:    domain.RewardLoyaltyPoints,
				Formula: "100",
			},
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("CreateBrokenFormula", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/rules", domain.RewardRule{
			RuleID:   "broken",
			Name:     "Broken",
			IsActive: true,
			RewardConfig: domain.RewardConfig{
				Type:    domain.RewardLoyaltyPoints,
				Formula: "net_loss * * 2",
			},
		})
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("List", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/rules", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["count"].(float64) != 1 {
			t.Errorf("expected 1 rule, got %v", body["count"])
		}
	})

	t.Run("Get", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/rules/welcome-lp", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		w := f.do(t, http.MethodDelete, "/rules/welcome-lp", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}

		w = f.do(t, http.MethodGet, "/rules/welcome-lp", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", w.Code)
		}
	})
}

func TestRedemptionEndpoints(t *testing.T) {
	f := createTestServer(t)
	ctx := context.Background()

	w := f.do(t, http.MethodPost, "/players", CreatePlayerRequest{PlayerID: "player-001"})
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to create player: %d", w.Code)
	}

	t.Run("CreateRule", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/redemption-rules", domain.RedemptionRule{
			Name:          "LP to Bonus",
			IsActive:      true,
			LPCost:        200,
			CurrencyValue: 20,
			Currency:      domain.CurrencyBonusBalance,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("List", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/redemption-rules", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["count"].(float64) != 1 {
			t.Errorf("expected 1 redemption rule, got %v", body["count"])
		}
	})

	t.Run("RedeemInsufficient", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/players/player-001/redeem", RedeemRequest{RuleID: 1})
		if w.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("Redeem", func(t *testing.T) {
		if _, err := f.ledger.AddLoyaltyPoints(ctx, "player-001", 500, "seed", nil); err != nil {
			t.Fatalf("AddLoyaltyPoints failed: %v", err)
		}

		w := f.do(t, http.MethodPost, "/players/player-001/redeem", RedeemRequest{RuleID: 1})
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}

		balance, err := f.ledger.GetOrCreateBalance(ctx, "player-001")
		if err != nil {
			t.Fatalf("GetOrCreateBalance failed: %v", err)
		}
		if balance.LPBalance != 300 {
			t.Errorf("expected LP balance 300, got %.2f", balance.LPBalance)
		}
		if balance.BonusBalance != 20 {
			t.Errorf("expected bonus balance 20, got %.2f", balance.BonusBalance)
		}
	})
}

func TestAbuseEndpoints(t *testing.T) {
	f := createTestServer(t)

	w := f.do(t, http.MethodPost, "/players", CreatePlayerRequest{PlayerID: "player-001"})
	if w.Code != http.StatusCreated {
		t.Fatalf("failed to create player: %d", w.Code)
	}

	t.Run("ScanClean", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/players/player-001/abuse/scan", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["action"] != string(domain.PenaltyNone) {
			t.Errorf("expected NO_ACTION, got %v", body["action"])
		}
		if body["score"].(float64) != 0 {
			t.Errorf("expected score 0, got %v", body["score"])
		}
	})

	t.Run("ListSignals", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/players/player-001/abuse/signals", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["count"].(float64) != 0 {
			t.Errorf("expected 0 signals, got %v", body["count"])
		}
	})
}

func TestSweepEndpoints(t *testing.T) {
	f := createTestServer(t)

	t.Run("Bonuses", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/sweeps/bonuses", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["expired"].(float64) != 0 {
			t.Errorf("expected 0 expired bonuses, got %v", body["expired"])
		}
	})

	t.Run("Points", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/sweeps/points", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["expired"].(float64) != 0 {
			t.Errorf("expected 0 expired point lots, got %v", body["expired"])
		}
	})
}
