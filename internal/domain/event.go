package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchemaVersion is the current event schema version.
const SchemaVersion = "v1"

// Direction of a transfer relative to the subject.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// TxEvent is an observed transaction to be evaluated.
//
// Amount is kept as the raw base-unit string; USDValue is an exact decimal.
// Floats never appear at a monetary boundary.
type TxEvent struct {
	SchemaVersion string          `json:"schema_version"`
	EventID       string          `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ObservedAt    time.Time       `json:"observed_at"`
	Subject       Subject         `json:"subject"`
	Chain         string          `json:"chain"`
	TxHash        string          `json:"tx_hash,omitempty"`
	TxType        string          `json:"type"`
	Direction     Direction       `json:"direction"`
	Asset         string          `json:"asset"`
	Amount        string          `json:"amount"`
	USDValue      decimal.Decimal `json:"usd_value"`
	DestAddress   string          `json:"dest_address,omitempty"`
	Confirmations uint32          `json:"confirmations"`
}

// ChainInline marks events synthesized from inline API requests rather than
// chain observation.
const ChainInline = "INLINE"

// NewTxEvent builds an inline event with current timestamps.
func NewTxEvent(subject Subject, txType, asset string, usdValue decimal.Decimal, direction Direction) *TxEvent {
	now := time.Now().UTC()
	return &TxEvent{
		SchemaVersion: SchemaVersion,
		EventID:       uuid.New().String(),
		OccurredAt:    now,
		ObservedAt:    now,
		Subject:       subject,
		Chain:         ChainInline,
		TxType:        txType,
		Direction:     direction,
		Asset:         asset,
		USDValue:      usdValue,
	}
}
