package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-gaming/talon/internal/abuse"
	"github.com/opensource-gaming/talon/internal/domain"
	"github.com/opensource-gaming/talon/internal/rules"
	"github.com/opensource-gaming/talon/internal/safety"
	"github.com/opensource-gaming/talon/internal/wallet"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	engine  *rules.Engine
	gate    *safety.Gate
	ledger  *wallet.Ledger
	scorer  *abuse.Scorer
	states  domain.StateProvider
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, gate *safety.Gate, ledger *wallet.Ledger, scorer *abuse.Scorer, states domain.StateProvider, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		engine:  engine,
		gate:    gate,
		ledger:  ledger,
		scorer:  scorer,
		states:  states,
		version: version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// CreatePlayerRequest is the request body for POST /players.
type CreatePlayerRequest struct {
	PlayerID string `json:"playerId"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
}

// CreatePlayer registers a new player with default segment and tier.
func (h *Handler) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req CreatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if req.PlayerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing required field: playerId",
		})
		return
	}

	now := time.Now().UTC()
	player := &domain.Player{
		PlayerID:  req.PlayerID,
		Email:     req.Email,
		Name:      req.Name,
		Segment:   domain.SegmentNew,
		Tier:      domain.TierBronze,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.SavePlayer(r.Context(), player); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, player)
}

// GetPlayer retrieves a player profile by ID.
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	player, err := h.repo.GetPlayer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, player)
}

// GetPlayerState returns the flattened evaluation state for a player.
func (h *Handler) GetPlayerState(w http.ResponseWriter, r *http.Request) {
	state, err := h.states.GetPlayerState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetBalance returns the player's wallet balance, creating a zero balance
// on first access.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.ledger.GetOrCreateBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListTransactions returns the player's most recent ledger entries.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	txs, err := h.repo.GetTransactions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// WagerRequest is the request body for POST /players/{id}/wager.
type WagerRequest struct {
	Amount   float64 `json:"amount"`
	GameType string  `json:"gameType,omitempty"`
}

// RecordWager records a wager and advances bonus wagering progress.
func (h *Handler) RecordWager(w http.ResponseWriter, r *http.Request) {
	var req WagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	progress, err := h.ledger.RecordWager(r.Context(), chi.URLParam(r, "id"), req.Amount, req.GameType)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{"recorded": true}
	if progress != nil {
		resp["wageringProgress"] = *progress
	}
	writeJSON(w, http.StatusOK, resp)
}

// AmountRequest is the request body for the cash flow endpoints.
type AmountRequest struct {
	Amount float64 `json:"amount"`
}

func (h *Handler) recordCashFlow(w http.ResponseWriter, r *http.Request, record func(ctx context.Context, playerID string, amount float64) (*domain.Transaction, error)) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	tx, err := record(r.Context(), chi.URLParam(r, "id"), req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// RecordDeposit records a cash deposit.
func (h *Handler) RecordDeposit(w http.ResponseWriter, r *http.Request) {
	h.recordCashFlow(w, r, h.ledger.RecordDeposit)
}

// RecordWin records a game win payout.
func (h *Handler) RecordWin(w http.ResponseWriter, r *http.Request) {
	h.recordCashFlow(w, r, h.ledger.RecordWin)
}

// RecordWithdrawal records a cash withdrawal.
func (h *Handler) RecordWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.recordCashFlow(w, r, h.ledger.RecordWithdrawal)
}

// EvaluateRequest is the request body for POST /players/{id}/evaluate.
type EvaluateRequest struct {
	Limit int `json:"limit,omitempty"`
}

// Evaluate runs all active reward rules against a player and creates
// pending rewards for the matches.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req EvaluateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}
	}

	rewards, err := h.engine.EvaluateAndCreateRewards(r.Context(), chi.URLParam(r, "id"), req.Limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rewards":    rewards,
		"count":      len(rewards),
		"durationMs": time.Since(start).Milliseconds(),
	})
}

// EvaluateBatchRequest is the request body for POST /evaluate/batch.
type EvaluateBatchRequest struct {
	PlayerIDs []string `json:"playerIds"`
	Limit     int      `json:"limit,omitempty"`
}

// EvaluateBatch evaluates many players concurrently.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	var req EvaluateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if len(req.PlayerIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing required field: playerIds",
		})
		return
	}

	results := h.engine.EvaluateBatch(r.Context(), req.PlayerIDs, req.Limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// GetReward retrieves an issued reward by ID.
func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reward id",
		})
		return
	}

	reward, err := h.repo.GetReward(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reward)
}

// ValidateReward runs the profitability gate and cap checks against a
// pending reward without issuing it. A rejection is a normal outcome,
// not an error.
func (h *Handler) ValidateReward(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reward id",
		})
		return
	}

	reward, err := h.repo.GetReward(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	approved, reason, err := h.gate.ValidateReward(r.Context(), reward.PlayerID, reward.Amount, reward.RewardType, 0)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"rewardId": reward.ID,
		"approved": approved,
	}
	if reason != "" {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// IssueReward activates a pending reward and credits the player's wallet.
func (h *Handler) IssueReward(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid reward id",
		})
		return
	}

	tx, err := h.ledger.IssueReward(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rewardId":    id,
		"issued":      true,
		"transaction": tx,
	})
}

// ListRules returns all configured reward rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ruleList, err := h.repo.ListRewardRules(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": ruleList,
		"count": len(ruleList),
	})
}

// GetRule retrieves a reward rule by its rule ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.repo.GetRewardRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and persists a reward rule. Formula and CEL
// expressions are compiled up front so a broken rule never reaches
// evaluation.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RewardRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	if err := h.engine.ValidateRule(&rule); err != nil {
		writeDomainError(w, err)
		return
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if err := h.repo.SaveRewardRule(r.Context(), &rule); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, rule)
}

// DeleteRule removes a reward rule from the catalog.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.DeleteRewardRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "deleted",
	})
}

// ListRedemptionRules returns the redemption catalog.
func (h *Handler) ListRedemptionRules(w http.ResponseWriter, r *http.Request) {
	ruleList, err := h.repo.ListRedemptionRules(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": ruleList,
		"count": len(ruleList),
	})
}

// CreateRedemptionRule persists a redemption catalog entry.
func (h *Handler) CreateRedemptionRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RedemptionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}
	if rule.Name == "" || rule.LPCost <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "redemption rule requires a name and a positive lpCost",
		})
		return
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	id, err := h.repo.SaveRedemptionRule(r.Context(), &rule)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rule.ID = id

	writeJSON(w, http.StatusCreated, rule)
}

// RedeemRequest is the request body for POST /players/{id}/redeem.
type RedeemRequest struct {
	RuleID int64 `json:"ruleId"`
}

// RedeemPoints redeems loyalty points against a catalog rule, consuming
// point lots oldest expiry first.
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	redemption, err := h.ledger.RedeemPoints(r.Context(), chi.URLParam(r, "id"), req.RuleID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redemption)
}

// ScanAbuse runs all abuse detectors against a player, recalculates the
// risk score and applies the resulting penalty band.
func (h *Handler) ScanAbuse(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "id")

	signals, err := h.scorer.DetectSignals(r.Context(), playerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	action, err := h.scorer.ApplyAbusePenalty(r.Context(), playerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	score, err := h.scorer.CalculateAbuseScore(r.Context(), playerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"playerId":   playerID,
		"newSignals": signals,
		"score":      score,
		"action":     action,
	})
}

// ListAbuseSignals returns all recorded abuse signals for a player.
func (h *Handler) ListAbuseSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := h.repo.ListAbuseSignals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"signals": signals,
		"count":   len(signals),
	})
}

// SweepBonuses forfeits any bonus balances past their expiry.
func (h *Handler) SweepBonuses(w http.ResponseWriter, r *http.Request) {
	expired, err := h.ledger.ExpireBonuses(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expired": expired,
	})
}

// SweepPoints expires any loyalty point lots past their expiry.
func (h *Handler) SweepPoints(w http.ResponseWriter, r *http.Request) {
	expired, err := h.ledger.ProcessPointExpiry(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expired": expired,
	})
}

// writeDomainError maps sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrStateTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
