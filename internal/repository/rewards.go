package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-gaming/talon/internal/domain"
)

// SaveRewardRule inserts or updates a reward rule.
func (r *SQLRepository) SaveRewardRule(ctx context.Context, rule *domain.RewardRule) error {
	if rule.RuleID == "" {
		return fmt.Errorf("%w: ruleID is required", ErrInvalidInput)
	}

	conditions, _ := json.Marshal(rule.Conditions)
	rewardConfig, _ := json.Marshal(rule.RewardConfig)

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO reward_rules (
			rule_id, name, description, priority, is_active,
			conditions, expression, reward_config, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			priority = excluded.priority,
			is_active = excluded.is_active,
			conditions = excluded.conditions,
			expression = excluded.expression,
			reward_config = excluded.reward_config,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.RuleID, rule.Name, rule.Description, rule.Priority,
		boolToInt(rule.IsActive), string(conditions), rule.Expression,
		string(rewardConfig), rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRewardRule retrieves a rule by id.
func (r *SQLRepository) GetRewardRule(ctx context.Context, ruleID string) (*domain.RewardRule, error) {
	query := rewardRuleSelect + ` WHERE rule_id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), ruleID)
	rule, err := scanRewardRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRewardRules returns all rules, including inactive ones.
func (r *SQLRepository) ListRewardRules(ctx context.Context) ([]*domain.RewardRule, error) {
	return r.listRewardRules(ctx, rewardRuleSelect+` ORDER BY priority DESC, rule_id ASC`)
}

// ListActiveRewardRules returns active rules in evaluation order: priority
// descending, ties broken by rule id for stability.
func (r *SQLRepository) ListActiveRewardRules(ctx context.Context) ([]*domain.RewardRule, error) {
	return r.listRewardRules(ctx, rewardRuleSelect+` WHERE is_active = 1 ORDER BY priority DESC, rule_id ASC`)
}

// DeleteRewardRule soft-deletes a rule by deactivating it.
func (r *SQLRepository) DeleteRewardRule(ctx context.Context, ruleID string) error {
	query := `UPDATE reward_rules SET is_active = 0, updated_at = ? WHERE rule_id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const rewardRuleSelect = `
	SELECT rule_id, name, description, priority, is_active,
		   conditions, expression, reward_config, created_at, updated_at
	FROM reward_rules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRewardRule(row rowScanner) (*domain.RewardRule, error) {
	var rule domain.RewardRule
	var active int
	var description, expression sql.NullString
	var conditions, rewardConfig string

	if err := row.Scan(
		&rule.RuleID, &rule.Name, &description, &rule.Priority, &active,
		&conditions, &expression, &rewardConfig, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Expression = expression.String
	rule.IsActive = active == 1
	json.Unmarshal([]byte(conditions), &rule.Conditions)
	if err := json.Unmarshal([]byte(rewardConfig), &rule.RewardConfig); err != nil {
		return nil, fmt.Errorf("failed to parse reward config for %s: %w", rule.RuleID, err)
	}
	return &rule, nil
}

func (r *SQLRepository) listRewardRules(ctx context.Context, query string) ([]*domain.RewardRule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RewardRule
	for rows.Next() {
		rule, err := scanRewardRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SaveReward inserts a reward record and returns its assigned id.
func (r *SQLRepository) SaveReward(ctx context.Context, reward *domain.RewardRecord) (int64, error) {
	if reward.PlayerID == "" {
		return 0, fmt.Errorf("%w: playerID is required", ErrInvalidInput)
	}

	var metadata any
	if len(reward.Metadata) > 0 {
		data, _ := json.Marshal(reward.Metadata)
		metadata = string(data)
	}

	query := `
		INSERT INTO rewards (
			player_id, rule_id, reward_type, currency, amount, status,
			wagering_required, wagering_completed, issued_at, expires_at,
			completed_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		reward.PlayerID, reward.RuleID, string(reward.RewardType),
		string(reward.Currency), reward.Amount, string(reward.Status),
		reward.WageringRequired, reward.WageringCompleted,
		reward.IssuedAt, nullTime(reward.ExpiresAt), nullTime(reward.CompletedAt),
		metadata,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	reward.ID = id
	return id, nil
}

// GetReward retrieves a reward record by id.
func (r *SQLRepository) GetReward(ctx context.Context, rewardID int64) (*domain.RewardRecord, error) {
	query := `
		SELECT id, player_id, rule_id, reward_type, currency, amount, status,
			   wagering_required, wagering_completed, issued_at, expires_at,
			   completed_at, metadata
		FROM rewards
		WHERE id = ?
	`

	var rw domain.RewardRecord
	var rewardType, currency, status string
	var expires, completed sql.NullTime
	var metadata sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), rewardID).Scan(
		&rw.ID, &rw.PlayerID, &rw.RuleID, &rewardType, &currency, &rw.Amount,
		&status, &rw.WageringRequired, &rw.WageringCompleted,
		&rw.IssuedAt, &expires, &completed, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rw.RewardType = domain.RewardType(rewardType)
	rw.Currency = domain.CurrencyType(currency)
	rw.Status = domain.RewardStatus(status)
	if expires.Valid {
		rw.ExpiresAt = &expires.Time
	}
	if completed.Valid {
		rw.CompletedAt = &completed.Time
	}
	if metadata.Valid && metadata.String != "" {
		json.Unmarshal([]byte(metadata.String), &rw.Metadata)
	}
	return &rw, nil
}

// UpdateRewardStatus transitions a reward between statuses with a guard on
// the expected current status. The conditional update is what makes the
// PENDING to ACTIVE flip at-most-once even under concurrent callers.
func (r *SQLRepository) UpdateRewardStatus(ctx context.Context, rewardID int64, from, to domain.RewardStatus) error {
	query := `UPDATE rewards SET status = ? WHERE id = ? AND status = ?`
	args := []any{string(to), rewardID, string(from)}

	if to == domain.RewardCompleted {
		query = `UPDATE rewards SET status = ?, completed_at = ? WHERE id = ? AND status = ?`
		args = []any{string(to), time.Now().UTC(), rewardID, string(from)}
	}

	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish a missing reward from one in the wrong status.
	if _, err := r.GetReward(ctx, rewardID); errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	} else if err != nil {
		return err
	}
	return fmt.Errorf("%w: reward %d is not %s", domain.ErrStateTransition, rewardID, from)
}

// SumRewardsIssuedSince totals the value of a player's issued rewards after
// a cutoff. Used by the period cap checks. PENDING rows are excluded: the
// candidate awaiting the gate is itself PENDING and must not count against
// its own headroom. CANCELLED rewards never delivered value.
func (r *SQLRepository) SumRewardsIssuedSince(ctx context.Context, playerID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM rewards
		WHERE player_id = ? AND issued_at >= ?
		  AND status NOT IN ('PENDING', 'CANCELLED')
	`

	var sum float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), playerID, since).Scan(&sum)
	return sum, err
}

// CountRewardsSince counts a player's rewards since a cutoff, optionally
// restricted to one rule.
func (r *SQLRepository) CountRewardsSince(ctx context.Context, playerID string, ruleID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rewards
		WHERE player_id = ? AND issued_at >= ? AND status != 'CANCELLED'
	`
	args := []any{playerID, since}

	if ruleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, ruleID)
	}

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(&count)
	return count, err
}

// SaveAbuseSignal inserts a detected abuse signal.
func (r *SQLRepository) SaveAbuseSignal(ctx context.Context, signal *domain.AbuseSignal) error {
	if signal.PlayerID == "" {
		return fmt.Errorf("%w: playerID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO abuse_signals (
			player_id, signal_type, severity, description,
			is_resolved, resolved_at, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	return r.db.QueryRowContext(ctx, r.rebind(query),
		signal.PlayerID, signal.SignalType, signal.Severity, signal.Description,
		boolToInt(signal.IsResolved), nullTime(signal.ResolvedAt), signal.DetectedAt,
	).Scan(&signal.ID)
}

// ListAbuseSignals returns all signals for a player, newest first.
func (r *SQLRepository) ListAbuseSignals(ctx context.Context, playerID string) ([]*domain.AbuseSignal, error) {
	query := `
		SELECT id, player_id, signal_type, severity, description,
			   is_resolved, resolved_at, detected_at
		FROM abuse_signals
		WHERE player_id = ?
		ORDER BY detected_at DESC, id DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*domain.AbuseSignal
	for rows.Next() {
		var s domain.AbuseSignal
		var description sql.NullString
		var resolved int
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&s.ID, &s.PlayerID, &s.SignalType, &s.Severity, &description,
			&resolved, &resolvedAt, &s.DetectedAt,
		); err != nil {
			return nil, err
		}

		s.Description = description.String
		s.IsResolved = resolved == 1
		if resolvedAt.Valid {
			s.ResolvedAt = &resolvedAt.Time
		}
		signals = append(signals, &s)
	}
	return signals, rows.Err()
}

// SaveRedemptionRule inserts or updates a redemption catalog entry.
func (r *SQLRepository) SaveRedemptionRule(ctx context.Context, rule *domain.RedemptionRule) (int64, error) {
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	var tierReq any
	if rule.TierRequirement != nil {
		tierReq = string(*rule.TierRequirement)
	}

	if rule.ID != 0 {
		query := `
			UPDATE redemption_rules
			SET name = ?, description = ?, is_active = ?, lp_cost = ?,
				currency_value = ?, currency = ?, min_lp_balance = ?,
				max_redemptions_per_month = ?, tier_requirement = ?, updated_at = ?
			WHERE id = ?
		`
		result, err := r.db.ExecContext(ctx, r.rebind(query),
			rule.Name, rule.Description, boolToInt(rule.IsActive), rule.LPCost,
			rule.CurrencyValue, string(rule.Currency), rule.MinLPBalance,
			nullInt(rule.MaxRedemptionsPerMonth), tierReq, rule.UpdatedAt, rule.ID,
		)
		if err != nil {
			return 0, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, domain.ErrNotFound
		}
		return rule.ID, nil
	}

	query := `
		INSERT INTO redemption_rules (
			name, description, is_active, lp_cost, currency_value, currency,
			min_lp_balance, max_redemptions_per_month, tier_requirement,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		rule.Name, rule.Description, boolToInt(rule.IsActive), rule.LPCost,
		rule.CurrencyValue, string(rule.Currency), rule.MinLPBalance,
		nullInt(rule.MaxRedemptionsPerMonth), tierReq,
		rule.CreatedAt, rule.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	rule.ID = id
	return id, nil
}

// GetRedemptionRule retrieves a redemption catalog entry by id.
func (r *SQLRepository) GetRedemptionRule(ctx context.Context, ruleID int64) (*domain.RedemptionRule, error) {
	query := redemptionRuleSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), ruleID)
	rule, err := scanRedemptionRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListRedemptionRules returns the full redemption catalog.
func (r *SQLRepository) ListRedemptionRules(ctx context.Context) ([]*domain.RedemptionRule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(redemptionRuleSelect+` ORDER BY id ASC`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RedemptionRule
	for rows.Next() {
		rule, err := scanRedemptionRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

const redemptionRuleSelect = `
	SELECT id, name, description, is_active, lp_cost, currency_value, currency,
		   min_lp_balance, max_redemptions_per_month, tier_requirement,
		   created_at, updated_at
	FROM redemption_rules`

func scanRedemptionRule(row rowScanner) (*domain.RedemptionRule, error) {
	var rule domain.RedemptionRule
	var active int
	var description, tierReq sql.NullString
	var maxPerMonth sql.NullInt64
	var currency string

	if err := row.Scan(
		&rule.ID, &rule.Name, &description, &active, &rule.LPCost,
		&rule.CurrencyValue, &currency, &rule.MinLPBalance,
		&maxPerMonth, &tierReq, &rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.IsActive = active == 1
	rule.Currency = domain.CurrencyType(currency)
	if maxPerMonth.Valid {
		n := int(maxPerMonth.Int64)
		rule.MaxRedemptionsPerMonth = &n
	}
	if tierReq.Valid && tierReq.String != "" {
		tier := domain.TierLevel(tierReq.String)
		rule.TierRequirement = &tier
	}
	return &rule, nil
}

// SaveRedemption appends a redemption audit row.
func (r *SQLRepository) SaveRedemption(ctx context.Context, redemption *domain.Redemption) error {
	if redemption.PlayerID == "" {
		return fmt.Errorf("%w: playerID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO redemptions (
			player_id, rule_id, lp_amount, value_received, currency,
			status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	return r.db.QueryRowContext(ctx, r.rebind(query),
		redemption.PlayerID, redemption.RuleID, redemption.LPAmount,
		redemption.ValueReceived, string(redemption.Currency),
		string(redemption.Status), redemption.CreatedAt,
	).Scan(&redemption.ID)
}

// CountRedemptionsSince counts a player's redemptions of one rule since a
// cutoff. Used for monthly redemption limits.
func (r *SQLRepository) CountRedemptionsSince(ctx context.Context, playerID string, ruleID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM redemptions
		WHERE player_id = ? AND rule_id = ? AND created_at >= ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), playerID, ruleID, since).Scan(&count)
	return count, err
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
