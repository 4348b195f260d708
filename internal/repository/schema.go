package repository

import "fmt"

// Schema definitions for the Talon database.
// Compatible with both SQLite and PostgreSQL; the only divergence is the
// auto-increment id column type, handled by autoID.

// autoID returns the driver-specific auto-increment primary key column.
func autoID(driver string) string {
	if driver == "postgres" {
		return "id BIGSERIAL PRIMARY KEY"
	}
	return "id INTEGER PRIMARY KEY"
}

const schemaPlayers = `
CREATE TABLE IF NOT EXISTS players (
    player_id TEXT PRIMARY KEY,
    email TEXT,
    name TEXT,
    segment TEXT NOT NULL DEFAULT 'NEW',
    tier TEXT NOT NULL DEFAULT 'BRONZE',
    risk_score INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    is_blocked INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    last_activity_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_players_segment ON players(segment);
CREATE INDEX IF NOT EXISTS idx_players_blocked ON players(is_blocked);
`

const schemaPlayerMetrics = `
CREATE TABLE IF NOT EXISTS player_metrics (
    player_id TEXT PRIMARY KEY,
    total_deposited REAL NOT NULL DEFAULT 0,
    total_wagered REAL NOT NULL DEFAULT 0,
    total_won REAL NOT NULL DEFAULT 0,
    net_pnl REAL NOT NULL DEFAULT 0,
    total_sessions INTEGER NOT NULL DEFAULT 0,
    total_bets INTEGER NOT NULL DEFAULT 0,
    avg_bet_size REAL NOT NULL DEFAULT 0,
    bonus_abuse_score INTEGER NOT NULL DEFAULT 0,
    last_deposit_at TIMESTAMP,
    last_wager_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);
`

// Balance columns carry CHECK constraints so a non-negativity bug can never
// reach durable state, whatever the ledger does.
const schemaWalletBalances = `
CREATE TABLE IF NOT EXISTS wallet_balances (
    player_id TEXT PRIMARY KEY,
    lp_balance REAL NOT NULL DEFAULT 0 CHECK (lp_balance >= 0),
    rp_balance REAL NOT NULL DEFAULT 0 CHECK (rp_balance >= 0),
    bonus_balance REAL NOT NULL DEFAULT 0 CHECK (bonus_balance >= 0),
    tickets_balance INTEGER NOT NULL DEFAULT 0 CHECK (tickets_balance >= 0),
    bonus_wagering_required REAL NOT NULL DEFAULT 0,
    bonus_wagering_completed REAL NOT NULL DEFAULT 0,
    bonus_expiry TIMESTAMP,
    bonus_max_bet REAL,
    bonus_eligible_games TEXT,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wallet_bonus_expiry ON wallet_balances(bonus_expiry);
`

const schemaPointEntries = `
CREATE TABLE IF NOT EXISTS point_entries (
    %s,
    player_id TEXT NOT NULL,
    amount REAL NOT NULL,
    remaining_amount REAL NOT NULL CHECK (remaining_amount >= 0),
    source_type TEXT,
    source_id TEXT,
    issued_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    is_expired INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_point_entries_player ON point_entries(player_id, is_expired, issued_at);
CREATE INDEX IF NOT EXISTS idx_point_entries_expiry ON point_entries(is_expired, expires_at);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    type TEXT NOT NULL,
    currency TEXT NOT NULL,
    amount REAL NOT NULL,
    balance_before REAL NOT NULL,
    balance_after REAL NOT NULL,
    description TEXT,
    reference_id TEXT,
    metadata TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_player ON transactions(player_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_type ON transactions(player_id, type, created_at);
`

const schemaRewardRules = `
CREATE TABLE IF NOT EXISTS reward_rules (
    rule_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    conditions TEXT NOT NULL,
    expression TEXT,
    reward_config TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reward_rules_active ON reward_rules(is_active, priority);
`

const schemaRewards = `
CREATE TABLE IF NOT EXISTS rewards (
    %s,
    player_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    reward_type TEXT NOT NULL,
    currency TEXT NOT NULL,
    amount REAL NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    wagering_required REAL NOT NULL DEFAULT 0,
    wagering_completed REAL NOT NULL DEFAULT 0,
    issued_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    completed_at TIMESTAMP,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_rewards_player ON rewards(player_id, issued_at);
CREATE INDEX IF NOT EXISTS idx_rewards_status ON rewards(status, expires_at);
`

const schemaAbuseSignals = `
CREATE TABLE IF NOT EXISTS abuse_signals (
    %s,
    player_id TEXT NOT NULL,
    signal_type TEXT NOT NULL,
    severity INTEGER NOT NULL,
    description TEXT,
    is_resolved INTEGER NOT NULL DEFAULT 0,
    resolved_at TIMESTAMP,
    detected_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_abuse_signals_player ON abuse_signals(player_id, is_resolved);
`

const schemaRedemptionRules = `
CREATE TABLE IF NOT EXISTS redemption_rules (
    %s,
    name TEXT NOT NULL,
    description TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    lp_cost REAL NOT NULL,
    currency_value REAL NOT NULL,
    currency TEXT NOT NULL,
    min_lp_balance REAL NOT NULL DEFAULT 0,
    max_redemptions_per_month INTEGER,
    tier_requirement TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaRedemptions = `
CREATE TABLE IF NOT EXISTS redemptions (
    %s,
    player_id TEXT NOT NULL,
    rule_id INTEGER NOT NULL,
    lp_amount REAL NOT NULL,
    value_received REAL NOT NULL,
    currency TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_redemptions_player ON redemptions(player_id, rule_id, created_at);
`

// AllSchemas returns all schema statements in dependency order for the
// given driver.
func AllSchemas(driver string) []string {
	id := autoID(driver)
	return []string{
		schemaPlayers,
		schemaPlayerMetrics,
		schemaWalletBalances,
		fmt.Sprintf(schemaPointEntries, id),
		schemaTransactions,
		schemaRewardRules,
		fmt.Sprintf(schemaRewards, id),
		fmt.Sprintf(schemaAbuseSignals, id),
		fmt.Sprintf(schemaRedemptionRules, id),
		fmt.Sprintf(schemaRedemptions, id),
	}
}
