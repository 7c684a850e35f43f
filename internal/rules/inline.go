package rules

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/sanctions"
)

// OfacAddressRule screens the destination address and every subject address
// against the sanctions set. Matching is exact after lowercasing.
type OfacAddressRule struct {
	id     string
	action domain.Decision
	screen *sanctions.Screener
}

// NewOfacAddressRule creates an OFAC screen over the shared sanctions
// structure. The screener snapshot is sampled per lookup, so a refresh is
// picked up without rebuilding the rule.
func NewOfacAddressRule(id string, action domain.Decision, screen *sanctions.Screener) *OfacAddressRule {
	return &OfacAddressRule{id: id, action: action, screen: screen}
}

func (r *OfacAddressRule) ID() string { return r.id }

func (r *OfacAddressRule) Evaluate(event *domain.TxEvent) (domain.RuleResult, error) {
	if addr := event.DestAddress; addr != "" && r.screen.Contains(addr) {
		return domain.RuleTrigger(r.action,
			domain.NewEvidence(r.id, "address", domain.NormalizeAddress(addr))), nil
	}
	for _, addr := range event.Subject.Addresses {
		if r.screen.Contains(addr) {
			return domain.RuleTrigger(r.action,
				domain.NewEvidence(r.id, "address", domain.NormalizeAddress(addr))), nil
		}
	}
	return domain.RuleAllow(), nil
}

// JurisdictionRule blocks subjects located in listed countries.
type JurisdictionRule struct {
	id      string
	action  domain.Decision
	blocked map[string]struct{}
}

// NewJurisdictionRule creates a jurisdiction block over ISO-3166-1 alpha-2
// codes, normalized to uppercase.
func NewJurisdictionRule(id string, action domain.Decision, countries []string) *JurisdictionRule {
	blocked := make(map[string]struct{}, len(countries))
	for _, c := range countries {
		blocked[strings.ToUpper(c)] = struct{}{}
	}
	return &JurisdictionRule{id: id, action: action, blocked: blocked}
}

func (r *JurisdictionRule) ID() string { return r.id }

func (r *JurisdictionRule) Evaluate(event *domain.TxEvent) (domain.RuleResult, error) {
	geo := strings.ToUpper(event.Subject.GeoISO)
	if _, hit := r.blocked[geo]; hit {
		return domain.RuleTrigger(r.action, domain.NewEvidence(r.id, "geo_iso", geo)), nil
	}
	return domain.RuleAllow(), nil
}

// KycTierCapRule caps the per-transaction USD value by the subject's KYC
// tier. An unrecognized tier uses the L0 cap. Comparison is strict:
// a transaction exactly at the cap does not trigger.
type KycTierCapRule struct {
	id     string
	action domain.Decision
	caps   map[string]decimal.Decimal
}

// NewKycTierCapRule creates a per-tier transaction cap.
func NewKycTierCapRule(id string, action domain.Decision, caps map[string]decimal.Decimal) *KycTierCapRule {
	return &KycTierCapRule{id: id, action: action, caps: caps}
}

func (r *KycTierCapRule) ID() string { return r.id }

func (r *KycTierCapRule) Evaluate(event *domain.TxEvent) (domain.RuleResult, error) {
	tier := string(domain.ParseKycTier(string(event.Subject.KycTier)))
	cap, ok := r.caps[tier]
	if !ok {
		cap, ok = r.caps[string(domain.KycTierL0)]
	}
	if !ok || cap.Sign() <= 0 {
		return domain.RuleAllow(), nil
	}

	if event.USDValue.GreaterThan(cap) {
		return domain.RuleTrigger(r.action, domain.NewEvidenceWithLimit(
			r.id, "usd_value", event.USDValue.String(), cap.String())), nil
	}
	return domain.RuleAllow(), nil
}
