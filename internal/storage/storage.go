// Package storage provides the persistence implementations behind the
// storage port: a SQL store shared by PostgreSQL and SQLite, and an
// in-memory store for tests and storeless deployments.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SQLStore implements domain.Storage using database/sql.
// Works with both the SQLite and PostgreSQL drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// New creates a storage backend from configuration.
func New(cfg domain.StorageConfig) (domain.Storage, error) {
	if cfg.Driver == "memory" || cfg.Driver == "" {
		return NewMemoryStore(), nil
	}

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

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MinIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MinIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &SQLStore{db: db, driver: cfg.Driver}

	if cfg.MigrateOnStart {
		if err := store.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return store, nil
}

// Migrate applies the schema statements in order.
func (s *SQLStore) Migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// GetSubjectByUserID resolves a subject and its addresses by user id.
func (s *SQLStore) GetSubjectByUserID(ctx context.Context, userID string) (string, *domain.Subject, error) {
	query := `
		SELECT id, user_id, account_id, kyc_level, geo_iso
		FROM subjects
		WHERE user_id = ?
	`

	var id string
	var subj domain.Subject
	var tier string

	err := s.db.QueryRowContext(ctx, s.rebind(query), userID).Scan(
		&id, &subj.UserID, &subj.AccountID, &tier, &subj.GeoISO,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, domain.ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	subj.KycTier = domain.KycTier(tier)

	addrs, err := s.subjectAddresses(ctx, id)
	if err != nil {
		return "", nil, err
	}
	subj.Addresses = addrs

	return id, &subj, nil
}

func (s *SQLStore) subjectAddresses(ctx context.Context, subjectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT address FROM subject_addresses WHERE subject_id = ? ORDER BY address
	`), subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// UpsertSubject creates or updates a subject and returns its stable id.
// Mutable fields are last-write-wins; addresses union-extend.
func (s *SQLStore) UpsertSubject(ctx context.Context, subject *domain.Subject) (string, error) {
	if subject.UserID == "" {
		return "", fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO subjects (id, user_id, account_id, kyc_level, geo_iso, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			account_id = excluded.account_id,
			kyc_level = excluded.kyc_level,
			geo_iso = excluded.geo_iso,
			updated_at = excluded.updated_at
		RETURNING id
	`

	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(query),
		uuid.New().String(), subject.UserID, subject.AccountID,
		string(subject.KycTier), subject.GeoISO, now, now,
	).Scan(&id)
	if err != nil {
		return "", err
	}

	for _, addr := range subject.Addresses {
		addr = domain.NormalizeAddress(addr)
		if addr == "" {
			continue
		}
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO subject_addresses (subject_id, address, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(subject_id, address) DO NOTHING
		`), id, addr, now)
		if err != nil {
			return "", err
		}
	}

	return id, nil
}

// RecordTransaction appends a transaction row. The store stamps created_at.
func (s *SQLStore) RecordTransaction(ctx context.Context, tx *domain.TransactionRecord) (string, error) {
	if tx.SubjectID == "" {
		return "", fmt.Errorf("%w: subject_id is required", domain.ErrInvalidInput)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO transactions (id, subject_id, tx_type, asset, amount, usd_value, dest_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		id, tx.SubjectID, tx.TxType, tx.Asset,
		tx.Amount.String(), tx.USDValue.String(), tx.DestAddress, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetTransaction retrieves a transaction by id.
func (s *SQLStore) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	query := `
		SELECT id, subject_id, tx_type, asset, amount, usd_value, dest_address, created_at
		FROM transactions
		WHERE id = ?
	`

	var rec domain.TransactionRecord
	var amount, usd string
	var dest sql.NullString

	err := s.db.QueryRowContext(ctx, s.rebind(query), id).Scan(
		&rec.ID, &rec.SubjectID, &rec.TxType, &rec.Asset,
		&amount, &usd, &dest, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount for transaction %s: %w", id, err)
	}
	if rec.USDValue, err = decimal.NewFromString(usd); err != nil {
		return nil, fmt.Errorf("corrupt usd_value for transaction %s: %w", id, err)
	}
	rec.DestAddress = dest.String

	return &rec, nil
}

// windowValues fetches the exact usd_value decimals inside the rolling
// window. Summing and counting happen in Go so the arithmetic is exact on
// every driver.
func (s *SQLStore) windowValues(ctx context.Context, subjectID string, window time.Duration) ([]decimal.Decimal, error) {
	since := time.Now().UTC().Add(-window)

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT usd_value FROM transactions
		WHERE subject_id = ? AND created_at > ?
	`), subjectID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []decimal.Decimal
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt usd_value %q: %w", raw, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// GetRollingVolume sums usd_value for the subject over the window.
// The current event is not included; the engine adds it explicitly.
func (s *SQLStore) GetRollingVolume(ctx context.Context, subjectID string, window time.Duration) (decimal.Decimal, error) {
	values, err := s.windowValues(ctx, subjectID, window)
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum, nil
}

// GetSmallTxCount counts window transactions strictly below the threshold.
func (s *SQLStore) GetSmallTxCount(ctx context.Context, subjectID string, window time.Duration, threshold decimal.Decimal) (int64, error) {
	values, err := s.windowValues(ctx, subjectID, window)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, v := range values {
		if v.LessThan(threshold) {
			count++
		}
	}
	return count, nil
}

// GetAllSanctions returns every sanctioned address; order unspecified.
func (s *SQLStore) GetAllSanctions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM sanctions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// IsSanctioned reports whether the address is in the sanctions table.
func (s *SQLStore) IsSanctioned(ctx context.Context, address string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT 1 FROM sanctions WHERE address = ?
	`), domain.NormalizeAddress(address)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SeedSanctions inserts any missing addresses; existing rows are untouched.
func (s *SQLStore) SeedSanctions(ctx context.Context, addresses []string) error {
	now := time.Now().UTC()
	for _, addr := range addresses {
		addr = domain.NormalizeAddress(addr)
		if addr == "" {
			continue
		}
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO sanctions (address, created_at)
			VALUES (?, ?)
			ON CONFLICT(address) DO NOTHING
		`), addr, now)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetActivePolicy returns the single active policy, or ErrNotFound.
func (s *SQLStore) GetActivePolicy(ctx context.Context) (*domain.Policy, error) {
	var config string
	err := s.db.QueryRowContext(ctx, `
		SELECT config FROM policies WHERE active = 1 LIMIT 1
	`).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var policy domain.Policy
	if err := json.Unmarshal([]byte(config), &policy); err != nil {
		return nil, fmt.Errorf("corrupt policy config: %w", err)
	}
	return &policy, nil
}

// SetActivePolicy stores the policy and makes it the only active version.
// Deactivation and activation commit atomically.
func (s *SQLStore) SetActivePolicy(ctx context.Context, policy *domain.Policy) error {
	config, err := json.Marshal(policy)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE policies SET active = 0 WHERE active = 1`); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO policies (version, config, active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			config = excluded.config,
			active = 1,
			updated_at = excluded.updated_at
	`), policy.Version, string(config), now, now)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// RecordDecision appends an audit row; written exactly once per request.
func (s *SQLStore) RecordDecision(ctx context.Context, rec *domain.DecisionRecord) (string, error) {
	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	subjectID := sql.NullString{String: rec.SubjectID, Valid: rec.SubjectID != ""}
	request := rec.Request
	if request == nil {
		request = json.RawMessage("{}")
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO decisions (id, subject_id, request, decision, decision_code, policy_version, evidence, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		id, subjectID, string(request), rec.Decision.String(),
		rec.DecisionCode, rec.PolicyVersion, string(evidence), rec.LatencyMs, now,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetDecision retrieves an audit row by id.
func (s *SQLStore) GetDecision(ctx context.Context, id string) (*domain.DecisionRecord, error) {
	query := `
		SELECT id, subject_id, request, decision, decision_code, policy_version, evidence, latency_ms, created_at
		FROM decisions
		WHERE id = ?
	`

	var rec domain.DecisionRecord
	var subjectID sql.NullString
	var request, decisionStr, evidence string

	err := s.db.QueryRowContext(ctx, s.rebind(query), id).Scan(
		&rec.ID, &subjectID, &request, &decisionStr, &rec.DecisionCode,
		&rec.PolicyVersion, &evidence, &rec.LatencyMs, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.SubjectID = subjectID.String
	rec.Request = json.RawMessage(request)
	if rec.Decision, err = domain.ParseDecision(decisionStr); err != nil {
		return nil, fmt.Errorf("corrupt decision for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(evidence), &rec.Evidence); err != nil {
		return nil, fmt.Errorf("corrupt evidence for %s: %w", id, err)
	}

	return &rec, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, strconv.Itoa(n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
