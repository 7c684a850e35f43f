package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sanctions"
	"github.com/opensource-finance/kestrel/internal/storage"
)

type staticSnapshots struct {
	rs *rules.RuleSet
}

func (s *staticSnapshots) Current() *rules.RuleSet { return s.rs }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func intPtr(n int64) *int64 { return &n }

func testServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()

	policy := &domain.Policy{
		Version: "test-v1",
		Params: domain.RuleParams{
			KycTierCapsUSD: map[string]decimal.Decimal{
				"L0": decimal.NewFromInt(1000),
				"L1": decimal.NewFromInt(1000),
				"L2": decimal.NewFromInt(10000),
			},
			DailyVolumeLimitUSD:   decPtr("50000"),
			StructuringSmallUSD:   decPtr("2000"),
			StructuringSmallCount: intPtr(5),
		},
		Rules: []domain.RuleDef{
			{ID: "R1_OFAC", Type: domain.RuleOfacAddr, Action: domain.RejectFatal},
			{ID: "R2_JURISDICTION", Type: domain.RuleJurisdictionBlock, Action: domain.RejectFatal,
				BlockedCountries: []string{"IR", "KP"}},
			{ID: "R3_KYC_CAP", Type: domain.RuleKycTierTxCap, Action: domain.HoldAuto},
			{ID: "R4_DAILY_VOLUME", Type: domain.RuleDailyUsdVolume, Action: domain.HoldAuto},
			{ID: "R5_STRUCTURING", Type: domain.RuleStructuringSmallTx, Action: domain.Review},
		},
	}

	screen := sanctions.NewScreener([]string{"0xdeadbeef"})
	rs, err := rules.FromPolicy(policy, screen)
	if err != nil {
		t.Fatalf("failed to build rule set: %v", err)
	}
	snapshots := &staticSnapshots{rs: rs}

	store := storage.NewMemoryStore()
	eng := engine.New(store, snapshots, nil, nil)
	handler := NewHandler(eng, store, cache.NewLRUCache(100), snapshots, "test", time.Second)
	return NewServer(domain.ServerConfig{ListenAddr: "127.0.0.1:0"}, handler), store
}

func postDecision(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/decision/check", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestDecisionCheckAllow(t *testing.T) {
	srv, _ := testServer(t)

	rec := postDecision(t, srv, `{
		"subject": {"user_id": "U1", "account_id": "A1", "geo_iso": "US", "kyc_level": "L2"},
		"tx": {"type": "withdraw", "asset": "USDC", "usd_value": 500}
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp DecisionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Decision != domain.Allow || resp.DecisionCode != "OK" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.PolicyVersion != "test-v1" {
		t.Errorf("unexpected policy version: %s", resp.PolicyVersion)
	}
	if len(resp.Evidence) != 0 {
		t.Errorf("expected no evidence, got %v", resp.Evidence)
	}
}

func TestDecisionCheckRejectFatalIs200(t *testing.T) {
	srv, _ := testServer(t)

	rec := postDecision(t, srv, `{
		"subject": {"user_id": "U2", "account_id": "A1", "geo_iso": "IR", "kyc_level": "L2"},
		"tx": {"type": "withdraw", "asset": "USDC", "usd_value": 500}
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("a fatal decision is still a 200, got %d", rec.Code)
	}

	var resp DecisionResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Decision != domain.RejectFatal || resp.DecisionCode != "R2_JURISDICTION" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDecisionCheckSanctionedDest(t *testing.T) {
	srv, _ := testServer(t)

	rec := postDecision(t, srv, `{
		"subject": {"user_id": "U6", "account_id": "A1", "geo_iso": "US", "kyc_level": "L2"},
		"tx": {"type": "withdraw", "asset": "ETH", "usd_value": 500, "dest_address": "0xDEADBEEF"}
	}`)

	var resp DecisionResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Decision != domain.RejectFatal || resp.DecisionCode != "R1_OFAC" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(resp.Evidence) != 1 || resp.Evidence[0].Value != "0xdeadbeef" {
		t.Errorf("unexpected evidence: %v", resp.Evidence)
	}
}

func TestDecisionCheckMalformed(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing user_id", `{"subject": {"geo_iso": "US"}, "tx": {"type": "withdraw", "usd_value": 1}}`},
		{"missing type", `{"subject": {"user_id": "U1"}, "tx": {"usd_value": 1}}`},
		{"negative usd", `{"subject": {"user_id": "U1"}, "tx": {"type": "withdraw", "usd_value": -5}}`},
		{"non-numeric usd", `{"subject": {"user_id": "U1"}, "tx": {"type": "withdraw", "usd_value": "abc"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postDecision(t, srv, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), "VALIDATION") {
				t.Errorf("expected VALIDATION token, got %s", rec.Body.String())
			}
		})
	}
}

func TestDecisionCheckStorageFailureIs5xx(t *testing.T) {
	srv, store := testServer(t)
	store.FailWith("GetRollingVolume", errors.New("connection reset"))

	rec := postDecision(t, srv, `{
		"subject": {"user_id": "U1", "account_id": "A1", "geo_iso": "US", "kyc_level": "L2"},
		"tx": {"type": "withdraw", "asset": "USDC", "usd_value": 500}
	}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error != string(domain.KindStorageTransient) {
		t.Errorf("expected STORAGE_TRANSIENT, got %s", resp.Error)
	}
	if resp.CorrelationID == "" {
		t.Error("failure responses must carry a correlation id")
	}
}

func TestNoPolicyIs503(t *testing.T) {
	store := storage.NewMemoryStore()
	snapshots := &staticSnapshots{rs: nil}
	eng := engine.New(store, snapshots, nil, nil)
	handler := NewHandler(eng, store, nil, snapshots, "test", time.Second)
	srv := NewServer(domain.ServerConfig{}, handler)

	rec := postDecision(t, srv, `{
		"subject": {"user_id": "U1"},
		"tx": {"type": "withdraw", "usd_value": 1}
	}`)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no active policy, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "healthy" || resp["policy_version"] != "test-v1" {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestReady(t *testing.T) {
	srv, store := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["ready"] != true {
		t.Errorf("expected ready, got %v", resp)
	}
	if resp["inline_rules"].(float64) != 3 || resp["streaming_rules"].(float64) != 2 {
		t.Errorf("unexpected rule counts: %v", resp)
	}

	// Storage probe failure flips readiness.
	store.FailWith("Ping", errors.New("down"))
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when storage is down, got %d", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected Prometheus exposition output")
	}
}

func TestGetDecisionAudit(t *testing.T) {
	srv, store := testServer(t)

	id, err := store.RecordDecision(context.Background(), &domain.DecisionRecord{
		Request:       []byte(`{}`),
		Decision:      domain.HoldAuto,
		DecisionCode:  "R3_KYC_CAP",
		PolicyVersion: "test-v1",
		Evidence:      []domain.Evidence{},
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions/"+id, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got domain.DecisionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.DecisionCode != "R3_KYC_CAP" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Second read is served from cache; the store sees one read.
	reads := store.Calls("GetDecision")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/decisions/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cached read failed: %d", rec.Code)
	}
	if store.Calls("GetDecision") != reads {
		t.Error("second read should hit the cache, not the store")
	}
}

func TestGetDecisionNotFound(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions/ghost", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetTransactionAudit(t *testing.T) {
	srv, store := testServer(t)

	subjectID, _ := store.UpsertSubject(context.Background(), &domain.Subject{UserID: "U1", GeoISO: "US"})
	id, err := store.RecordTransaction(context.Background(), &domain.TransactionRecord{
		SubjectID: subjectID,
		TxType:    "withdraw",
		Asset:     "USDC",
		Amount:    decimal.NewFromInt(100),
		USDValue:  decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/transactions/"+id, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "corr-123")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "corr-123" {
		t.Errorf("expected propagated request id, got %q", got)
	}
}
