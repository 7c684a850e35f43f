package domain

import "strings"

// KycTier is a KYC verification level. Unknown tiers are treated as L0
// (the most restrictive) by rules that key limits off the tier.
type KycTier string

const (
	KycTierL0 KycTier = "L0"
	KycTierL1 KycTier = "L1"
	KycTierL2 KycTier = "L2"
	KycTierL3 KycTier = "L3"
)

// ParseKycTier normalizes a tier string, defaulting unknown values to L0.
func ParseKycTier(s string) KycTier {
	switch strings.ToUpper(s) {
	case "L1":
		return KycTierL1
	case "L2":
		return KycTierL2
	case "L3":
		return KycTierL3
	default:
		return KycTierL0
	}
}

// NormalizeAddress lowercases a chain address for comparison. Sanctions
// matching is exact after this normalization; there is no fuzzy matching.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Subject is the user/account being evaluated. UserID is the identity key;
// mutable fields are last-write-wins on upsert, addresses union-extend.
type Subject struct {
	UserID    string   `json:"user_id"`
	AccountID string   `json:"account_id"`
	Addresses []string `json:"addresses,omitempty"`
	GeoISO    string   `json:"geo_iso"`
	KycTier   KycTier  `json:"kyc_level"`
}

// Normalize lowercases addresses and uppercases the country code in place.
func (s *Subject) Normalize() {
	for i, a := range s.Addresses {
		s.Addresses[i] = NormalizeAddress(a)
	}
	s.GeoISO = strings.ToUpper(s.GeoISO)
	s.KycTier = ParseKycTier(string(s.KycTier))
}
