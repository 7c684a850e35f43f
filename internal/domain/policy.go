package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RuleType identifies a rule family in a policy document.
type RuleType string

const (
	// RuleOfacAddr screens addresses against the sanctions set.
	RuleOfacAddr RuleType = "ofac_addr"
	// RuleJurisdictionBlock blocks subjects from listed countries.
	RuleJurisdictionBlock RuleType = "jurisdiction_block"
	// RuleKycTierTxCap caps per-transaction USD value by KYC tier.
	RuleKycTierTxCap RuleType = "kyc_tier_tx_cap"
	// RuleDailyUsdVolume limits rolling-window USD volume per subject.
	RuleDailyUsdVolume RuleType = "daily_usd_volume"
	// RuleStructuringSmallTx detects many small transactions in a window.
	RuleStructuringSmallTx RuleType = "structuring_small_tx"
	// RuleCelExpr evaluates a custom CEL expression over non-monetary
	// event fields.
	RuleCelExpr RuleType = "cel_expr"
)

// IsInline reports whether the rule type is stateless (Phase 1).
func (t RuleType) IsInline() bool {
	switch t {
	case RuleOfacAddr, RuleJurisdictionBlock, RuleKycTierTxCap, RuleCelExpr:
		return true
	}
	return false
}

// IsStreaming reports whether the rule type is stateful (Phase 2).
func (t RuleType) IsStreaming() bool {
	switch t {
	case RuleDailyUsdVolume, RuleStructuringSmallTx:
		return true
	}
	return false
}

// RuleDef is one rule declaration in a policy. ID must be unique within the
// policy; Action must parse as a Decision.
type RuleDef struct {
	ID     string   `json:"id"`
	Type   RuleType `json:"type"`
	Action Decision `json:"action"`

	// BlockedCountries applies to jurisdiction_block rules.
	BlockedCountries []string `json:"blocked_countries,omitempty"`

	// Expression applies to cel_expr rules.
	Expression string `json:"expression,omitempty"`
}

// RuleParams holds the scalar knobs shared by rule constructors.
type RuleParams struct {
	KycTierCapsUSD        map[string]decimal.Decimal `json:"kyc_tier_caps_usd,omitempty"`
	DailyVolumeLimitUSD   *decimal.Decimal           `json:"daily_volume_limit_usd,omitempty"`
	StructuringSmallUSD   *decimal.Decimal           `json:"structuring_small_usd,omitempty"`
	StructuringSmallCount *int64                     `json:"structuring_small_count,omitempty"`
}

// Policy is a versioned rule configuration. Exactly one version is active
// at a time; snapshots built from it are immutable.
type Policy struct {
	Version string     `json:"policy_version"`
	Params  RuleParams `json:"params"`
	Rules   []RuleDef  `json:"rules"`
}

// Validate checks structural invariants of the policy document.
func (p *Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("%w: policy_version is required", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for _, r := range p.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidInput, r.ID)
		}
		seen[r.ID] = struct{}{}
		if !r.Type.IsInline() && !r.Type.IsStreaming() {
			return fmt.Errorf("%w: rule %s has unknown type %q", ErrInvalidInput, r.ID, r.Type)
		}
		if r.Type == RuleCelExpr && r.Expression == "" {
			return fmt.Errorf("%w: rule %s requires an expression", ErrInvalidInput, r.ID)
		}
	}
	return nil
}
