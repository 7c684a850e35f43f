package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryStore is the deterministic in-memory storage backend. It serves
// storeless deployments and is the test double for the engine: aggregates
// can be preset per subject and individual operations can be made to fail.
type MemoryStore struct {
	mu sync.Mutex

	subjects     map[string]*subjectRow // keyed by user_id
	transactions map[string]*domain.TransactionRecord
	txOrder      []string
	sanctions    map[string]struct{}
	policies     map[string]*domain.Policy
	activeVer    string
	decisions    map[string]*domain.DecisionRecord

	// presetVolume and presetSmallCount override the computed aggregates
	// for a subject when set.
	presetVolume     map[string]decimal.Decimal
	presetSmallCount map[string]int64

	// failOn maps an operation name (e.g. "UpsertSubject") to an error
	// returned by every call until cleared.
	failOn map[string]error

	// calls counts invocations by operation name.
	calls map[string]int

	clock func() time.Time
}

type subjectRow struct {
	id        string
	subject   domain.Subject
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subjects:         make(map[string]*subjectRow),
		transactions:     make(map[string]*domain.TransactionRecord),
		sanctions:        make(map[string]struct{}),
		policies:         make(map[string]*domain.Policy),
		decisions:        make(map[string]*domain.DecisionRecord),
		presetVolume:     make(map[string]decimal.Decimal),
		presetSmallCount: make(map[string]int64),
		failOn:           make(map[string]error),
		calls:            make(map[string]int),
		clock:            func() time.Time { return time.Now().UTC() },
	}
}

// SetRollingVolume presets the rolling volume returned for a subject.
func (m *MemoryStore) SetRollingVolume(subjectID string, v decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presetVolume[subjectID] = v
}

// SetSmallTxCount presets the small-transaction count for a subject.
func (m *MemoryStore) SetSmallTxCount(subjectID string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presetSmallCount[subjectID] = n
}

// FailWith makes the named operation return err on every call until cleared
// with a nil err.
func (m *MemoryStore) FailWith(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failOn, op)
		return
	}
	m.failOn[op] = err
}

// Calls returns the number of invocations of the named operation.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TransactionCount returns the number of recorded transactions.
func (m *MemoryStore) TransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

// Decisions returns the recorded decisions. Records are held in a map, so
// the order of the returned slice is not defined.
func (m *MemoryStore) Decisions() []*domain.DecisionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.DecisionRecord, 0, len(m.decisions))
	for _, d := range m.decisions {
		out = append(out, d)
	}
	return out
}

// enter records the call and returns any injected failure. Caller must hold
// the lock.
func (m *MemoryStore) enter(op string) error {
	m.calls[op]++
	return m.failOn[op]
}

// GetSubjectByUserID returns the subject for a user id, or ErrNotFound.
func (m *MemoryStore) GetSubjectByUserID(_ context.Context, userID string) (string, *domain.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetSubjectByUserID"); err != nil {
		return "", nil, err
	}

	row, ok := m.subjects[userID]
	if !ok {
		return "", nil, domain.ErrNotFound
	}
	subj := row.subject
	subj.Addresses = append([]string(nil), row.subject.Addresses...)
	return row.id, &subj, nil
}

// UpsertSubject applies last-write-wins on mutable fields and union-extends
// addresses. Idempotent on unchanged input.
func (m *MemoryStore) UpsertSubject(_ context.Context, subject *domain.Subject) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertSubject"); err != nil {
		return "", err
	}
	if subject.UserID == "" {
		return "", fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	}

	row, ok := m.subjects[subject.UserID]
	if !ok {
		row = &subjectRow{
			id: uuid.New().String(),
			subject: domain.Subject{
				UserID: subject.UserID,
			},
		}
		m.subjects[subject.UserID] = row
	}

	row.subject.AccountID = subject.AccountID
	row.subject.KycTier = subject.KycTier
	row.subject.GeoISO = subject.GeoISO
	row.updatedAt = m.clock()

	have := make(map[string]struct{}, len(row.subject.Addresses))
	for _, a := range row.subject.Addresses {
		have[a] = struct{}{}
	}
	for _, a := range subject.Addresses {
		a = domain.NormalizeAddress(a)
		if a == "" {
			continue
		}
		if _, dup := have[a]; !dup {
			row.subject.Addresses = append(row.subject.Addresses, a)
			have[a] = struct{}{}
		}
	}

	return row.id, nil
}

// RecordTransaction appends a transaction with a store-stamped created_at.
func (m *MemoryStore) RecordTransaction(_ context.Context, tx *domain.TransactionRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RecordTransaction"); err != nil {
		return "", err
	}
	if tx.SubjectID == "" {
		return "", fmt.Errorf("%w: subject_id is required", domain.ErrInvalidInput)
	}

	rec := *tx
	rec.ID = uuid.New().String()
	rec.CreatedAt = m.clock()
	m.transactions[rec.ID] = &rec
	m.txOrder = append(m.txOrder, rec.ID)
	return rec.ID, nil
}

// GetTransaction retrieves a transaction by id.
func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*domain.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetTransaction"); err != nil {
		return nil, err
	}

	rec, ok := m.transactions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// GetRollingVolume sums usd_value over the window, or returns the preset.
func (m *MemoryStore) GetRollingVolume(_ context.Context, subjectID string, window time.Duration) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetRollingVolume"); err != nil {
		return decimal.Zero, err
	}

	if v, ok := m.presetVolume[subjectID]; ok {
		return v, nil
	}

	since := m.clock().Add(-window)
	sum := decimal.Zero
	for _, rec := range m.transactions {
		if rec.SubjectID == subjectID && rec.CreatedAt.After(since) {
			sum = sum.Add(rec.USDValue)
		}
	}
	return sum, nil
}

// GetSmallTxCount counts window transactions below threshold, or returns
// the preset.
func (m *MemoryStore) GetSmallTxCount(_ context.Context, subjectID string, window time.Duration, threshold decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetSmallTxCount"); err != nil {
		return 0, err
	}

	if n, ok := m.presetSmallCount[subjectID]; ok {
		return n, nil
	}

	since := m.clock().Add(-window)
	var count int64
	for _, rec := range m.transactions {
		if rec.SubjectID == subjectID && rec.CreatedAt.After(since) && rec.USDValue.LessThan(threshold) {
			count++
		}
	}
	return count, nil
}

// GetAllSanctions returns the sanctioned addresses; order unspecified.
func (m *MemoryStore) GetAllSanctions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAllSanctions"); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(m.sanctions))
	for a := range m.sanctions {
		out = append(out, a)
	}
	return out, nil
}

// IsSanctioned reports exact membership after lowercasing.
func (m *MemoryStore) IsSanctioned(_ context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IsSanctioned"); err != nil {
		return false, err
	}

	_, ok := m.sanctions[domain.NormalizeAddress(address)]
	return ok, nil
}

// SeedSanctions adds addresses to the sanctions set; duplicates collapse.
func (m *MemoryStore) SeedSanctions(_ context.Context, addresses []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SeedSanctions"); err != nil {
		return err
	}

	for _, a := range addresses {
		a = domain.NormalizeAddress(a)
		if a != "" {
			m.sanctions[a] = struct{}{}
		}
	}
	return nil
}

// GetActivePolicy returns the active policy, or ErrNotFound.
func (m *MemoryStore) GetActivePolicy(_ context.Context) (*domain.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetActivePolicy"); err != nil {
		return nil, err
	}

	if m.activeVer == "" {
		return nil, domain.ErrNotFound
	}
	p := *m.policies[m.activeVer]
	return &p, nil
}

// SetActivePolicy stores the policy and deactivates the prior active one.
func (m *MemoryStore) SetActivePolicy(_ context.Context, policy *domain.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetActivePolicy"); err != nil {
		return err
	}

	p := *policy
	m.policies[p.Version] = &p
	m.activeVer = p.Version
	return nil
}

// RecordDecision appends an audit record.
func (m *MemoryStore) RecordDecision(_ context.Context, rec *domain.DecisionRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RecordDecision"); err != nil {
		return "", err
	}

	out := *rec
	out.ID = uuid.New().String()
	out.CreatedAt = m.clock()
	m.decisions[out.ID] = &out
	return out.ID, nil
}

// GetDecision retrieves an audit record by id.
func (m *MemoryStore) GetDecision(_ context.Context, id string) (*domain.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetDecision"); err != nil {
		return nil, err
	}

	rec, ok := m.decisions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// Ping always succeeds unless a failure is injected.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter("Ping")
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
