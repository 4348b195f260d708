// Package repository provides data persistence implementations.
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

var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SavePlayer inserts or updates a player profile.
func (r *SQLRepository) SavePlayer(ctx context.Context, player *domain.Player) error {
	if player.PlayerID == "" {
		return fmt.Errorf("%w: playerID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if player.CreatedAt.IsZero() {
		player.CreatedAt = now
	}
	player.UpdatedAt = now

	query := `
		INSERT INTO players (
			player_id, email, name, segment, tier, risk_score,
			is_active, is_blocked, created_at, updated_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			segment = excluded.segment,
			tier = excluded.tier,
			risk_score = excluded.risk_score,
			is_active = excluded.is_active,
			is_blocked = excluded.is_blocked,
			updated_at = excluded.updated_at,
			last_activity_at = excluded.last_activity_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		player.PlayerID, player.Email, player.Name,
		string(player.Segment), string(player.Tier), player.RiskScore,
		boolToInt(player.IsActive), boolToInt(player.IsBlocked),
		player.CreatedAt, player.UpdatedAt, nullTime(player.LastActivityAt),
	)
	return err
}

// GetPlayer retrieves a player by id.
func (r *SQLRepository) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	query := `
		SELECT player_id, email, name, segment, tier, risk_score,
			   is_active, is_blocked, created_at, updated_at, last_activity_at
		FROM players
		WHERE player_id = ?
	`

	var p domain.Player
	var segment, tier string
	var active, blocked int
	var lastActivity sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), playerID).Scan(
		&p.PlayerID, &p.Email, &p.Name, &segment, &tier, &p.RiskScore,
		&active, &blocked, &p.CreatedAt, &p.UpdatedAt, &lastActivity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Segment = domain.Segment(segment)
	p.Tier = domain.TierLevel(tier)
	p.IsActive = active == 1
	p.IsBlocked = blocked == 1
	if lastActivity.Valid {
		p.LastActivityAt = &lastActivity.Time
	}
	return &p, nil
}

// GetPlayerMetrics retrieves the aggregate metrics row for a player.
func (r *SQLRepository) GetPlayerMetrics(ctx context.Context, playerID string) (*domain.PlayerMetrics, error) {
	query := `
		SELECT player_id, total_deposited, total_wagered, total_won, net_pnl,
			   total_sessions, total_bets, avg_bet_size, bonus_abuse_score,
			   last_deposit_at, last_wager_at, updated_at
		FROM player_metrics
		WHERE player_id = ?
	`

	var m domain.PlayerMetrics
	var lastDeposit, lastWager sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), playerID).Scan(
		&m.PlayerID, &m.TotalDeposited, &m.TotalWagered, &m.TotalWon, &m.NetPnL,
		&m.TotalSessions, &m.TotalBets, &m.AvgBetSize, &m.BonusAbuseScore,
		&lastDeposit, &lastWager, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastDeposit.Valid {
		m.LastDepositAt = &lastDeposit.Time
	}
	if lastWager.Valid {
		m.LastWagerAt = &lastWager.Time
	}
	return &m, nil
}

// SavePlayerMetrics inserts or updates a player's aggregate metrics.
func (r *SQLRepository) SavePlayerMetrics(ctx context.Context, playerID string, m *domain.PlayerMetrics) error {
	if playerID == "" {
		return fmt.Errorf("%w: playerID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO player_metrics (
			player_id, total_deposited, total_wagered, total_won, net_pnl,
			total_sessions, total_bets, avg_bet_size, bonus_abuse_score,
			last_deposit_at, last_wager_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			total_deposited = excluded.total_deposited,
			total_wagered = excluded.total_wagered,
			total_won = excluded.total_won,
			net_pnl = excluded.net_pnl,
			total_sessions = excluded.total_sessions,
			total_bets = excluded.total_bets,
			avg_bet_size = excluded.avg_bet_size,
			bonus_abuse_score = excluded.bonus_abuse_score,
			last_deposit_at = excluded.last_deposit_at,
			last_wager_at = excluded.last_wager_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		playerID, m.TotalDeposited, m.TotalWagered, m.TotalWon, m.NetPnL,
		m.TotalSessions, m.TotalBets, m.AvgBetSize, m.BonusAbuseScore,
		nullTime(m.LastDepositAt), nullTime(m.LastWagerAt), time.Now().UTC(),
	)
	return err
}

// GetBalance retrieves a player's wallet balance.
func (r *SQLRepository) GetBalance(ctx context.Context, playerID string) (*domain.WalletBalance, error) {
	query := `
		SELECT player_id, lp_balance, rp_balance, bonus_balance, tickets_balance,
			   bonus_wagering_required, bonus_wagering_completed,
			   bonus_expiry, bonus_max_bet, bonus_eligible_games, updated_at
		FROM wallet_balances
		WHERE player_id = ?
	`

	var b domain.WalletBalance
	var expiry sql.NullTime
	var maxBet sql.NullFloat64
	var games sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), playerID).Scan(
		&b.PlayerID, &b.LPBalance, &b.RPBalance, &b.BonusBalance, &b.TicketsBalance,
		&b.BonusWageringRequired, &b.BonusWageringCompleted,
		&expiry, &maxBet, &games, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiry.Valid {
		b.BonusExpiry = &expiry.Time
	}
	if maxBet.Valid {
		b.BonusMaxBet = &maxBet.Float64
	}
	if games.Valid && games.String != "" {
		json.Unmarshal([]byte(games.String), &b.BonusEligibleGames)
	}
	return &b, nil
}

// SaveBalance inserts or updates a player's wallet balance.
func (r *SQLRepository) SaveBalance(ctx context.Context, playerID string, b *domain.WalletBalance) error {
	if playerID == "" {
		return fmt.Errorf("%w: playerID is required", ErrInvalidInput)
	}

	var games any
	if len(b.BonusEligibleGames) > 0 {
		data, _ := json.Marshal(b.BonusEligibleGames)
		games = string(data)
	}

	query := `
		INSERT INTO wallet_balances (
			player_id, lp_balance, rp_balance, bonus_balance, tickets_balance,
			bonus_wagering_required, bonus_wagering_completed,
			bonus_expiry, bonus_max_bet, bonus_eligible_games, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			lp_balance = excluded.lp_balance,
			rp_balance = excluded.rp_balance,
			bonus_balance = excluded.bonus_balance,
			tickets_balance = excluded.tickets_balance,
			bonus_wagering_required = excluded.bonus_wagering_required,
			bonus_wagering_completed = excluded.bonus_wagering_completed,
			bonus_expiry = excluded.bonus_expiry,
			bonus_max_bet = excluded.bonus_max_bet,
			bonus_eligible_games = excluded.bonus_eligible_games,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		playerID, b.LPBalance, b.RPBalance, b.BonusBalance, b.TicketsBalance,
		b.BonusWageringRequired, b.BonusWageringCompleted,
		nullTime(b.BonusExpiry), nullFloat(b.BonusMaxBet), games, time.Now().UTC(),
	)
	return err
}

// ListExpiredBonusBalances returns players holding a bonus balance whose
// expiry has passed.
func (r *SQLRepository) ListExpiredBonusBalances(ctx context.Context, asOf time.Time) ([]string, error) {
	query := `
		SELECT player_id
		FROM wallet_balances
		WHERE bonus_balance > 0 AND bonus_expiry IS NOT NULL AND bonus_expiry <= ?
		ORDER BY player_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		players = append(players, id)
	}
	return players, rows.Err()
}

// SavePointEntry inserts a new loyalty point lot and assigns its id.
func (r *SQLRepository) SavePointEntry(ctx context.Context, playerID string, entry *domain.PointEntry) error {
	if playerID == "" {
		return fmt.Errorf("%w: playerID is required", ErrInvalidInput)
	}
	entry.PlayerID = playerID

	query := `
		INSERT INTO point_entries (
			player_id, amount, remaining_amount, source_type, source_id,
			issued_at, expires_at, is_expired
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	return r.db.QueryRowContext(ctx, r.rebind(query),
		playerID, entry.Amount, entry.RemainingAmount,
		entry.SourceType, entry.SourceID,
		entry.IssuedAt, nullTime(entry.ExpiresAt), boolToInt(entry.IsExpired),
	).Scan(&entry.ID)
}

// UpdatePointEntry persists consumption or expiry of an existing lot.
func (r *SQLRepository) UpdatePointEntry(ctx context.Context, playerID string, entry *domain.PointEntry) error {
	query := `
		UPDATE point_entries
		SET remaining_amount = ?, is_expired = ?
		WHERE id = ? AND player_id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.RemainingAmount, boolToInt(entry.IsExpired), entry.ID, playerID)
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

// ListOpenPointEntries returns a player's unexpired lots with points
// remaining, oldest first. This ordering is what makes deduction FIFO.
func (r *SQLRepository) ListOpenPointEntries(ctx context.Context, playerID string) ([]*domain.PointEntry, error) {
	query := `
		SELECT id, player_id, amount, remaining_amount, source_type, source_id,
			   issued_at, expires_at, is_expired
		FROM point_entries
		WHERE player_id = ? AND is_expired = 0 AND remaining_amount > 0
		ORDER BY issued_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPointEntries(rows)
}

// ListExpiredPointEntries returns lots past their expiry that still carry
// points, grouped by player, for the expiry sweep.
func (r *SQLRepository) ListExpiredPointEntries(ctx context.Context, asOf time.Time) (map[string][]*domain.PointEntry, error) {
	query := `
		SELECT id, player_id, amount, remaining_amount, source_type, source_id,
			   issued_at, expires_at, is_expired
		FROM point_entries
		WHERE is_expired = 0 AND remaining_amount > 0
		  AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY player_id, issued_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanPointEntries(rows)
	if err != nil {
		return nil, err
	}

	byPlayer := make(map[string][]*domain.PointEntry)
	for _, e := range entries {
		byPlayer[e.PlayerID] = append(byPlayer[e.PlayerID], e)
	}
	return byPlayer, nil
}

func scanPointEntries(rows *sql.Rows) ([]*domain.PointEntry, error) {
	var entries []*domain.PointEntry
	for rows.Next() {
		var e domain.PointEntry
		var expires sql.NullTime
		var expired int
		var sourceType, sourceID sql.NullString

		if err := rows.Scan(
			&e.ID, &e.PlayerID, &e.Amount, &e.RemainingAmount,
			&sourceType, &sourceID, &e.IssuedAt, &expires, &expired,
		); err != nil {
			return nil, err
		}

		e.SourceType = sourceType.String
		e.SourceID = sourceID.String
		e.IsExpired = expired == 1
		if expires.Valid {
			e.ExpiresAt = &expires.Time
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SaveTransaction appends a ledger row. Rows are never updated or deleted.
func (r *SQLRepository) SaveTransaction(ctx context.Context, playerID string, tx *domain.Transaction) error {
	if playerID == "" {
		return fmt.Errorf("%w: playerID is required", ErrInvalidInput)
	}

	var metadata any
	if len(tx.Metadata) > 0 {
		data, _ := json.Marshal(tx.Metadata)
		metadata = string(data)
	}

	query := `
		INSERT INTO transactions (
			id, player_id, type, currency, amount,
			balance_before, balance_after, description, reference_id,
			metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, playerID, string(tx.Type), string(tx.Currency), tx.Amount,
		tx.BalanceBefore, tx.BalanceAfter, tx.Description, tx.ReferenceID,
		metadata, tx.CreatedAt,
	)
	return err
}

// GetTransactions returns a player's most recent ledger rows.
func (r *SQLRepository) GetTransactions(ctx context.Context, playerID string, limit int) ([]*domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, player_id, type, currency, amount,
			   balance_before, balance_after, description, reference_id,
			   metadata, created_at
		FROM transactions
		WHERE player_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), playerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		var tx domain.Transaction
		var txType, currency string
		var description, referenceID, metadata sql.NullString

		if err := rows.Scan(
			&tx.ID, &tx.PlayerID, &txType, &currency, &tx.Amount,
			&tx.BalanceBefore, &tx.BalanceAfter, &description, &referenceID,
			&metadata, &tx.CreatedAt,
		); err != nil {
			return nil, err
		}

		tx.Type = domain.TransactionType(txType)
		tx.Currency = domain.CurrencyType(currency)
		tx.Description = description.String
		tx.ReferenceID = referenceID.String
		if metadata.Valid && metadata.String != "" {
			json.Unmarshal([]byte(metadata.String), &tx.Metadata)
		}
		transactions = append(transactions, &tx)
	}
	return transactions, rows.Err()
}

// SumTransactions totals the signed amounts of a player's transactions of
// one type since a cutoff.
func (r *SQLRepository) SumTransactions(ctx context.Context, playerID string, txType domain.TransactionType, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE player_id = ? AND type = ? AND created_at >= ?
	`

	var sum float64
	err := r.db.QueryRowContext(ctx, r.rebind(query), playerID, string(txType), since).Scan(&sum)
	return sum, err
}

// CountTransactions counts a player's transactions of one type since a cutoff.
func (r *SQLRepository) CountTransactions(ctx context.Context, playerID string, txType domain.TransactionType, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE player_id = ? AND type = ? AND created_at >= ?
	`

	var count int
	err := r.db.QueryRowContext(ctx, r.rebind(query), playerID, string(txType), since).Scan(&count)
	return count, err
}

// ListRecentWagerAmounts returns the absolute amounts of a player's most
// recent wager transactions, newest first.
func (r *SQLRepository) ListRecentWagerAmounts(ctx context.Context, playerID string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ABS(amount)
		FROM transactions
		WHERE player_id = ? AND type = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), playerID, string(domain.TxWager), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var amounts []float64
	for rows.Next() {
		var amount float64
		if err := rows.Scan(&amount); err != nil {
			return nil, err
		}
		amounts = append(amounts, amount)
	}
	return amounts, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
