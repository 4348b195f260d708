// Package worker provides async reward processing and periodic expiry sweeps.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-gaming/talon/internal/abuse"
	"github.com/opensource-gaming/talon/internal/domain"
	"github.com/opensource-gaming/talon/internal/rules"
	"github.com/opensource-gaming/talon/internal/safety"
	"github.com/opensource-gaming/talon/internal/wallet"
)

// Worker consumes evaluation requests from the EventBus and runs the full
// reward pipeline: rule evaluation, safety-gate validation, issuance. It also
// schedules the bonus and point expiry sweeps.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	engine *rules.Engine
	gate   *safety.Gate
	ledger *wallet.Ledger
	scorer *abuse.Scorer

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// SweepInterval is how often the expiry sweeps run. Zero disables them.
	SweepInterval time.Duration

	// RewardLimit is the maximum rewards created per evaluation request.
	RewardLimit int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, engine *rules.Engine, gate *safety.Gate, ledger *wallet.Ledger, scorer *abuse.Scorer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		engine: engine,
		gate:   gate,
		ledger: ledger,
		scorer: scorer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the evaluation topic and launches the sweep scheduler.
func (w *Worker) Start(cfg Config) error {
	limit := cfg.RewardLimit
	if limit <= 0 {
		limit = 1
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicPlayerEvaluate, func(ctx context.Context, msg *domain.Message) error {
		return w.processEvaluation(ctx, msg, limit)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	if cfg.SweepInterval > 0 {
		w.wg.Add(1)
		go w.runSweeps(cfg.SweepInterval)
	}

	slog.Info("worker started",
		"topic", domain.TopicPlayerEvaluate,
		"sweep_interval", cfg.SweepInterval,
	)
	return nil
}

// EvaluateMessage is the payload on the player-evaluate topic.
type EvaluateMessage struct {
	PlayerID string `json:"playerId"`
	// Limit overrides the worker's default rewards-per-request cap.
	Limit int `json:"limit,omitempty"`
	// AutoIssue issues gate-approved rewards immediately. When false the
	// rewards stay PENDING for manual review.
	AutoIssue bool `json:"autoIssue"`
}

// processEvaluation runs one player through the pipeline.
func (w *Worker) processEvaluation(ctx context.Context, msg *domain.Message, defaultLimit int) error {
	start := time.Now()

	var evalMsg EvaluateMessage
	if err := json.Unmarshal(msg.Payload, &evalMsg); err != nil {
		slog.Error("failed to parse evaluate message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if evalMsg.PlayerID == "" {
		slog.Error("evaluate message missing player id", "message_id", msg.ID)
		return nil
	}

	limit := evalMsg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	// Refresh abuse state first so evaluation sees the current risk score.
	if w.scorer != nil {
		if _, err := w.scorer.DetectSignals(ctx, evalMsg.PlayerID); err != nil {
			slog.Error("abuse detection failed",
				"player_id", evalMsg.PlayerID,
				"error", err,
			)
		} else if action, err := w.scorer.ApplyAbusePenalty(ctx, evalMsg.PlayerID); err != nil {
			slog.Error("abuse penalty failed",
				"player_id", evalMsg.PlayerID,
				"error", err,
			)
		} else if action == domain.PenaltyBlocked {
			slog.Warn("skipping evaluation for blocked player",
				"player_id", evalMsg.PlayerID,
			)
			return nil
		}
	}

	rewards, err := w.engine.EvaluateAndCreateRewards(ctx, evalMsg.PlayerID, limit)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("evaluation for unknown player", "player_id", evalMsg.PlayerID)
			return nil
		}
		slog.Error("rule evaluation failed",
			"player_id", evalMsg.PlayerID,
			"error", err,
		)
		return err
	}

	issued := 0
	for _, reward := range rewards {
		if ok := w.gateAndIssue(ctx, reward, evalMsg.AutoIssue); ok {
			issued++
		}
	}

	slog.Info("player evaluated",
		"player_id", evalMsg.PlayerID,
		"rewards_created", len(rewards),
		"rewards_issued", issued,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// gateAndIssue validates one pending reward and, when approved and autoIssue
// is set, commits it through the ledger. Rejected rewards are cancelled.
func (w *Worker) gateAndIssue(ctx context.Context, reward *domain.RewardRecord, autoIssue bool) bool {
	approved, reason, err := w.gate.ValidateReward(ctx, reward.PlayerID, reward.Amount, reward.RewardType, 0)
	if err != nil {
		slog.Error("safety gate failed",
			"reward_id", reward.ID,
			"player_id", reward.PlayerID,
			"error", err,
		)
		return false
	}

	if !approved {
		if err := w.repo.UpdateRewardStatus(ctx, reward.ID, domain.RewardPending, domain.RewardCancelled); err != nil {
			slog.Error("failed to cancel rejected reward",
				"reward_id", reward.ID,
				"error", err,
			)
		}
		slog.Info("reward rejected by safety gate",
			"reward_id", reward.ID,
			"player_id", reward.PlayerID,
			"amount", reward.Amount,
			"reason", reason,
		)
		w.publish(ctx, domain.TopicRewardRejected, map[string]any{
			"reward_id": reward.ID,
			"player_id": reward.PlayerID,
			"amount":    reward.Amount,
			"reason":    reason,
		})
		return false
	}

	if !autoIssue {
		return false
	}

	if _, err := w.ledger.IssueReward(ctx, reward.ID); err != nil {
		slog.Error("reward issuance failed",
			"reward_id", reward.ID,
			"player_id", reward.PlayerID,
			"error", err,
		)
		return false
	}
	return true
}

// runSweeps periodically expires bonuses and point lots.
func (w *Worker) runSweeps(interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce()
		}
	}
}

func (w *Worker) sweepOnce() {
	ctx, cancel := context.WithTimeout(w.ctx, time.Minute)
	defer cancel()

	bonuses, err := w.ledger.ExpireBonuses(ctx)
	if err != nil {
		slog.Error("bonus expiry sweep failed", "error", err)
	}

	points, err := w.ledger.ProcessPointExpiry(ctx)
	if err != nil {
		slog.Error("point expiry sweep failed", "error", err)
	}

	if bonuses > 0 || points > 0 {
		slog.Info("expiry sweep completed",
			"bonuses_expired", bonuses,
			"point_entries_expired", points,
		)
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

func (w *Worker) publish(ctx context.Context, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal event payload", "topic", topic, "error", err)
		return
	}
	if err := w.bus.Publish(ctx, topic, data); err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
