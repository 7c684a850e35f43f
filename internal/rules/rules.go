// Package rules implements the inline and streaming rule families and the
// immutable RuleSet snapshots published by the refresh task.
package rules

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/sanctions"
)

// InlineRule is a stateless rule evaluated purely against the incoming
// event in Phase 1. No I/O; cannot suspend. A non-nil error is a rule
// logic failure and fails the request closed.
type InlineRule interface {
	ID() string
	Evaluate(event *domain.TxEvent) (domain.RuleResult, error)
}

// StreamingRule is a stateful rule evaluated in Phase 2 against per-subject
// rolling aggregates read from the storage port.
type StreamingRule interface {
	ID() string
	Evaluate(ctx context.Context, event *domain.TxEvent, subjectID string, store domain.Storage) (domain.RuleResult, error)
}

// RuleSet is one immutable compiled generation of the active policy.
// The refresh task builds a new RuleSet and publishes it atomically;
// evaluators hold one snapshot for the duration of a request.
type RuleSet struct {
	Inline        []InlineRule
	Streaming     []StreamingRule
	PolicyVersion string
	SanctionsSize int
}

// FromPolicy compiles a policy document plus the current sanctions screen
// into a RuleSet. Rules keep their declaration order; decision_code ties
// break on that order.
func FromPolicy(policy *domain.Policy, screen *sanctions.Screener) (*RuleSet, error) {
	rs := &RuleSet{
		PolicyVersion: policy.Version,
		SanctionsSize: screen.Size(),
	}

	for _, def := range policy.Rules {
		switch def.Type {
		case domain.RuleOfacAddr:
			rs.Inline = append(rs.Inline, NewOfacAddressRule(def.ID, def.Action, screen))

		case domain.RuleJurisdictionBlock:
			rs.Inline = append(rs.Inline, NewJurisdictionRule(def.ID, def.Action, def.BlockedCountries))

		case domain.RuleKycTierTxCap:
			rs.Inline = append(rs.Inline, NewKycTierCapRule(def.ID, def.Action, policy.Params.KycTierCapsUSD))

		case domain.RuleCelExpr:
			rule, err := NewCelRule(def.ID, def.Action, def.Expression)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", def.ID, err)
			}
			rs.Inline = append(rs.Inline, rule)

		case domain.RuleDailyUsdVolume:
			if policy.Params.DailyVolumeLimitUSD == nil {
				return nil, fmt.Errorf("rule %s: daily_volume_limit_usd is required", def.ID)
			}
			rs.Streaming = append(rs.Streaming, NewRollingVolumeRule(def.ID, def.Action, *policy.Params.DailyVolumeLimitUSD, rollingWindow))

		case domain.RuleStructuringSmallTx:
			if policy.Params.StructuringSmallUSD == nil || policy.Params.StructuringSmallCount == nil {
				return nil, fmt.Errorf("rule %s: structuring_small_usd and structuring_small_count are required", def.ID)
			}
			rs.Streaming = append(rs.Streaming, NewStructuringRule(def.ID, def.Action,
				*policy.Params.StructuringSmallUSD, *policy.Params.StructuringSmallCount, rollingWindow))

		default:
			return nil, fmt.Errorf("rule %s: unsupported type %q", def.ID, def.Type)
		}
	}

	return rs, nil
}
