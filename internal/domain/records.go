package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is the append-only persisted form of an evaluated
// transaction. CreatedAt is stamped by the store at insert time.
type TransactionRecord struct {
	ID          string          `json:"id,omitempty"`
	SubjectID   string          `json:"subject_id"`
	TxType      string          `json:"tx_type"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	USDValue    decimal.Decimal `json:"usd_value"`
	DestAddress string          `json:"dest_address,omitempty"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

// DecisionRecord is the append-only audit row written exactly once per
// completed request. SubjectID is empty when Phase 1 short-circuited before
// subject resolution.
type DecisionRecord struct {
	ID            string          `json:"id,omitempty"`
	SubjectID     string          `json:"subject_id,omitempty"`
	Request       json.RawMessage `json:"request"`
	Decision      Decision        `json:"decision"`
	DecisionCode  string          `json:"decision_code"`
	PolicyVersion string          `json:"policy_version"`
	Evidence      []Evidence      `json:"evidence"`
	LatencyMs     int64           `json:"latency_ms"`
	CreatedAt     time.Time       `json:"created_at,omitempty"`
}
