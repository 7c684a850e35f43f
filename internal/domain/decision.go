package domain

import (
	"encoding/json"
	"fmt"
)

// Decision is a risk decision outcome with total severity ordering.
// When multiple rules trigger, the most severe decision wins.
type Decision int

const (
	// Allow approves the transaction. Identity element of Max.
	Allow Decision = iota
	// SoftDenyRetry is a temporary denial; the client may retry.
	SoftDenyRetry
	// HoldAuto places the transaction on an automatic hold.
	HoldAuto
	// Review routes the transaction to manual review.
	Review
	// RejectFatal permanently rejects the transaction.
	RejectFatal
)

// decisionNames maps severity rank to the wire representation.
var decisionNames = [...]string{
	Allow:         "ALLOW",
	SoftDenyRetry: "SOFT_DENY_RETRY",
	HoldAuto:      "HOLD_AUTO",
	Review:        "REVIEW",
	RejectFatal:   "REJECT_FATAL",
}

// ParseDecision parses the wire representation of a decision.
func ParseDecision(s string) (Decision, error) {
	for d, name := range decisionNames {
		if name == s {
			return Decision(d), nil
		}
	}
	return Allow, fmt.Errorf("unknown decision: %q", s)
}

// String returns the wire representation (e.g. "REJECT_FATAL").
func (d Decision) String() string {
	if d < Allow || int(d) >= len(decisionNames) {
		return fmt.Sprintf("Decision(%d)", int(d))
	}
	return decisionNames[d]
}

// Severity returns the ordinal rank (Allow=0 .. RejectFatal=4).
func (d Decision) Severity() int { return int(d) }

// Max returns the more severe of two decisions.
func (d Decision) Max(other Decision) Decision {
	if other > d {
		return other
	}
	return d
}

// IsFatal reports whether this is a fatal rejection.
func (d Decision) IsFatal() bool { return d == RejectFatal }

// MarshalJSON encodes the decision as its wire string.
func (d Decision) MarshalJSON() ([]byte, error) {
	if d < Allow || int(d) >= len(decisionNames) {
		return nil, fmt.Errorf("invalid decision: %d", int(d))
	}
	return json.Marshal(decisionNames[d])
}

// UnmarshalJSON decodes the wire string form.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDecision(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DecisionCodeOK is the decision_code reported when no rule triggered.
const DecisionCodeOK = "OK"
