package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestUpsertSubjectIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	subject := &domain.Subject{
		UserID:    "U1",
		AccountID: "A1",
		Addresses: []string{"0xabc"},
		GeoISO:    "US",
		KycTier:   domain.KycTierL1,
	}

	id1, err := store.UpsertSubject(ctx, subject)
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	id2, err := store.UpsertSubject(ctx, subject)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("upsert is not idempotent: %s != %s", id1, id2)
	}

	gotID, got, err := store.GetSubjectByUserID(ctx, "U1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if gotID != id1 {
		t.Errorf("expected id %s, got %s", id1, gotID)
	}
	if len(got.Addresses) != 1 || got.Addresses[0] != "0xabc" {
		t.Errorf("unexpected addresses: %v", got.Addresses)
	}
}

func TestUpsertSubjectLastWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id1, _ := store.UpsertSubject(ctx, &domain.Subject{
		UserID: "U1", AccountID: "A1", GeoISO: "US", KycTier: domain.KycTierL0,
		Addresses: []string{"0xaaa"},
	})
	id2, _ := store.UpsertSubject(ctx, &domain.Subject{
		UserID: "U1", AccountID: "A2", GeoISO: "DE", KycTier: domain.KycTierL2,
		Addresses: []string{"0xbbb"},
	})
	if id1 != id2 {
		t.Fatalf("subject id changed on update: %s != %s", id1, id2)
	}

	_, got, err := store.GetSubjectByUserID(ctx, "U1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.AccountID != "A2" || got.GeoISO != "DE" || got.KycTier != domain.KycTierL2 {
		t.Errorf("mutable fields not last-write-wins: %+v", got)
	}
	// Addresses union-extend, never shrink.
	if len(got.Addresses) != 2 {
		t.Errorf("expected 2 addresses, got %v", got.Addresses)
	}
}

func TestUpsertSubjectRequiresUserID(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.UpsertSubject(context.Background(), &domain.Subject{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGetSubjectNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, _, err := store.GetSubjectByUserID(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRollingAggregatesEmpty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	vol, err := store.GetRollingVolume(ctx, "nobody", 24*time.Hour)
	if err != nil {
		t.Fatalf("volume query failed: %v", err)
	}
	if !vol.IsZero() {
		t.Errorf("expected zero volume for fresh subject, got %s", vol)
	}

	count, err := store.GetSmallTxCount(ctx, "nobody", 24*time.Hour, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected zero count for fresh subject, got %d", count)
	}
}

func TestRecordTransactionReflectsInWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	id, _ := store.UpsertSubject(ctx, &domain.Subject{UserID: "U1", GeoISO: "US"})

	_, err := store.RecordTransaction(ctx, &domain.TransactionRecord{
		SubjectID: id,
		TxType:    "withdraw",
		Asset:     "USDC",
		Amount:    decimal.RequireFromString("100.25"),
		USDValue:  decimal.RequireFromString("100.25"),
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	_, err = store.RecordTransaction(ctx, &domain.TransactionRecord{
		SubjectID: id,
		TxType:    "withdraw",
		Asset:     "USDC",
		Amount:    decimal.RequireFromString("0.05"),
		USDValue:  decimal.RequireFromString("0.05"),
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	vol, err := store.GetRollingVolume(ctx, id, 24*time.Hour)
	if err != nil {
		t.Fatalf("volume query failed: %v", err)
	}
	if vol.String() != "100.3" {
		t.Errorf("expected exact sum 100.3, got %s", vol)
	}

	count, err := store.GetSmallTxCount(ctx, id, 24*time.Hour, decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 small transaction, got %d", count)
	}
}

func TestActivePolicySingleVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.GetActivePolicy(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound before any policy, got %v", err)
	}

	if err := store.SetActivePolicy(ctx, &domain.Policy{Version: "v1"}); err != nil {
		t.Fatalf("set v1 failed: %v", err)
	}
	if err := store.SetActivePolicy(ctx, &domain.Policy{Version: "v2"}); err != nil {
		t.Fatalf("set v2 failed: %v", err)
	}

	active, err := store.GetActivePolicy(ctx)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if active.Version != "v2" {
		t.Errorf("expected v2 active, got %s", active.Version)
	}
}

func TestSanctions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SeedSanctions(ctx, []string{"0xDEAD", "0xdead", "0xbeef"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	all, err := store.GetAllSanctions(ctx)
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("duplicates should collapse; got %v", all)
	}

	hit, err := store.IsSanctioned(ctx, "0xDeAd")
	if err != nil {
		t.Fatalf("is sanctioned failed: %v", err)
	}
	if !hit {
		t.Error("expected case-insensitive match")
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &domain.DecisionRecord{
		Request:       []byte(`{"x":1}`),
		Decision:      domain.Review,
		DecisionCode:  "R5_STRUCTURING",
		PolicyVersion: "v1",
		Evidence:      []domain.Evidence{{RuleID: "R5_STRUCTURING", Key: "small_cnt_24h", Value: "6", Limit: "5"}},
		LatencyMs:     3,
	}

	id, err := store.RecordDecision(ctx, rec)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	got, err := store.GetDecision(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Decision != domain.Review || got.DecisionCode != "R5_STRUCTURING" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not stamped by the store")
	}
}

func TestFailureInjection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	boom := errors.New("boom")
	store.FailWith("Ping", boom)
	if err := store.Ping(ctx); !errors.Is(err, boom) {
		t.Errorf("expected injected failure, got %v", err)
	}

	store.FailWith("Ping", nil)
	if err := store.Ping(ctx); err != nil {
		t.Errorf("expected cleared failure, got %v", err)
	}
}
