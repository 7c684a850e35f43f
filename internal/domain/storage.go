// Package domain defines the core types and ports for Kestrel.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Storage is the persistence port backing subject identity, rolling-window
// aggregates, sanctions, policies and the audit log. Implementations must
// return errors on failure; callers never translate a failure into Allow.
type Storage interface {
	// Subjects
	GetSubjectByUserID(ctx context.Context, userID string) (string, *Subject, error)
	UpsertSubject(ctx context.Context, subject *Subject) (string, error)

	// Transactions (backing the streaming rules)
	RecordTransaction(ctx context.Context, tx *TransactionRecord) (string, error)
	GetTransaction(ctx context.Context, id string) (*TransactionRecord, error)
	GetRollingVolume(ctx context.Context, subjectID string, window time.Duration) (decimal.Decimal, error)
	GetSmallTxCount(ctx context.Context, subjectID string, window time.Duration, threshold decimal.Decimal) (int64, error)

	// Sanctions
	GetAllSanctions(ctx context.Context) ([]string, error)
	IsSanctioned(ctx context.Context, address string) (bool, error)
	SeedSanctions(ctx context.Context, addresses []string) error

	// Policies
	GetActivePolicy(ctx context.Context) (*Policy, error)
	SetActivePolicy(ctx context.Context, policy *Policy) error

	// Decisions (audit log)
	RecordDecision(ctx context.Context, rec *DecisionRecord) (string, error)
	GetDecision(ctx context.Context, id string) (*DecisionRecord, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StorageConfig selects and tunes a storage backend.
type StorageConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver string

	// DatabaseURL is the postgres connection string.
	DatabaseURL string

	// SQLitePath is the sqlite database file path.
	SQLitePath string

	// Connection pool settings
	MaxOpenConns    int
	MinIdleConns    int
	ConnMaxLifetime time.Duration

	// MigrateOnStart runs schema migrations during initialization.
	MigrateOnStart bool
}
