// Package domain defines the core interfaces and types for Talon.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence. Implementations
// back onto SQLite (Community) or PostgreSQL (Pro).
type Repository interface {
	// Player operations
	SavePlayer(ctx context.Context, player *Player) error
	GetPlayer(ctx context.Context, playerID string) (*Player, error)
	GetPlayerMetrics(ctx context.Context, playerID string) (*PlayerMetrics, error)
	SavePlayerMetrics(ctx context.Context, playerID string, metrics *PlayerMetrics) error

	// Wallet balance operations
	GetBalance(ctx context.Context, playerID string) (*WalletBalance, error)
	SaveBalance(ctx context.Context, playerID string, balance *WalletBalance) error
	ListExpiredBonusBalances(ctx context.Context, asOf time.Time) ([]string, error)

	// Loyalty point lot operations. Open lots are returned oldest
	// expiry first so redemption consumes in FIFO order.
	SavePointEntry(ctx context.Context, playerID string, entry *PointEntry) error
	UpdatePointEntry(ctx context.Context, playerID string, entry *PointEntry) error
	ListOpenPointEntries(ctx context.Context, playerID string) ([]*PointEntry, error)
	ListExpiredPointEntries(ctx context.Context, asOf time.Time) (map[string][]*PointEntry, error)

	// Ledger operations
	SaveTransaction(ctx context.Context, playerID string, tx *Transaction) error
	GetTransactions(ctx context.Context, playerID string, limit int) ([]*Transaction, error)
	SumTransactions(ctx context.Context, playerID string, txType TransactionType, since time.Time) (float64, error)
	CountTransactions(ctx context.Context, playerID string, txType TransactionType, since time.Time) (int, error)
	ListRecentWagerAmounts(ctx context.Context, playerID string, limit int) ([]float64, error)

	// Reward rule configuration
	SaveRewardRule(ctx context.Context, rule *RewardRule) error
	GetRewardRule(ctx context.Context, ruleID string) (*RewardRule, error)
	ListRewardRules(ctx context.Context) ([]*RewardRule, error)
	ListActiveRewardRules(ctx context.Context) ([]*RewardRule, error)
	DeleteRewardRule(ctx context.Context, ruleID string) error

	// Issued rewards
	SaveReward(ctx context.Context, reward *RewardRecord) (int64, error)
	GetReward(ctx context.Context, rewardID int64) (*RewardRecord, error)
	// UpdateRewardStatus transitions a reward from one status to another.
	// It returns ErrStateTransition when the reward is not in the
	// expected from status, which makes activation at-most-once.
	UpdateRewardStatus(ctx context.Context, rewardID int64, from, to RewardStatus) error
	SumRewardsIssuedSince(ctx context.Context, playerID string, since time.Time) (float64, error)
	CountRewardsSince(ctx context.Context, playerID string, ruleID string, since time.Time) (int, error)

	// Abuse signals
	SaveAbuseSignal(ctx context.Context, signal *AbuseSignal) error
	ListAbuseSignals(ctx context.Context, playerID string) ([]*AbuseSignal, error)

	// Redemption catalog and audit
	SaveRedemptionRule(ctx context.Context, rule *RedemptionRule) (int64, error)
	GetRedemptionRule(ctx context.Context, ruleID int64) (*RedemptionRule, error)
	ListRedemptionRules(ctx context.Context) ([]*RedemptionRule, error)
	SaveRedemption(ctx context.Context, redemption *Redemption) error
	CountRedemptionsSince(ctx context.Context, playerID string, ruleID int64, since time.Time) (int, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
