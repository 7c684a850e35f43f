package rules

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// rollingWindow is the window streaming rules aggregate over.
const rollingWindow = 24 * time.Hour

// evidenceSuffix renders a window as the evidence key suffix, e.g. "24h".
func evidenceSuffix(window time.Duration) string {
	if window%time.Hour == 0 {
		return strconv.Itoa(int(window/time.Hour)) + "h"
	}
	return strconv.Itoa(int(window/time.Minute)) + "m"
}

// RollingVolumeRule limits the per-subject USD volume over a rolling
// window. The stored aggregate excludes the current event; the rule adds it
// before comparing, so the prospective total is checked before the write.
type RollingVolumeRule struct {
	id     string
	action domain.Decision
	limit  decimal.Decimal
	window time.Duration
	key    string
}

// NewRollingVolumeRule creates a rolling USD volume limit.
func NewRollingVolumeRule(id string, action domain.Decision, limit decimal.Decimal, window time.Duration) *RollingVolumeRule {
	return &RollingVolumeRule{
		id:     id,
		action: action,
		limit:  limit,
		window: window,
		key:    "rolling_" + evidenceSuffix(window) + "_usd",
	}
}

func (r *RollingVolumeRule) ID() string { return r.id }

func (r *RollingVolumeRule) Evaluate(ctx context.Context, event *domain.TxEvent, subjectID string, store domain.Storage) (domain.RuleResult, error) {
	current, err := store.GetRollingVolume(ctx, subjectID, r.window)
	if err != nil {
		return domain.RuleAllow(), err
	}

	prospective := current.Add(event.USDValue)
	if prospective.GreaterThan(r.limit) {
		return domain.RuleTrigger(r.action, domain.NewEvidenceWithLimit(
			r.id, r.key, prospective.String(), r.limit.String())), nil
	}
	return domain.RuleAllow(), nil
}

// StructuringRule detects many small transactions inside a rolling window.
// The current event counts toward the prospective total only when it is
// itself below the amount threshold.
type StructuringRule struct {
	id              string
	action          domain.Decision
	amountThreshold decimal.Decimal
	countThreshold  int64
	window          time.Duration
	key             string
}

// NewStructuringRule creates a small-transaction-pattern detector.
func NewStructuringRule(id string, action domain.Decision, amountThreshold decimal.Decimal, countThreshold int64, window time.Duration) *StructuringRule {
	return &StructuringRule{
		id:              id,
		action:          action,
		amountThreshold: amountThreshold,
		countThreshold:  countThreshold,
		window:          window,
		key:             "small_cnt_" + evidenceSuffix(window),
	}
}

func (r *StructuringRule) ID() string { return r.id }

func (r *StructuringRule) Evaluate(ctx context.Context, event *domain.TxEvent, subjectID string, store domain.Storage) (domain.RuleResult, error) {
	priorCount, err := store.GetSmallTxCount(ctx, subjectID, r.window, r.amountThreshold)
	if err != nil {
		return domain.RuleAllow(), err
	}

	prospective := priorCount
	if event.USDValue.LessThan(r.amountThreshold) {
		prospective++
	}

	if prospective > r.countThreshold {
		return domain.RuleTrigger(r.action, domain.NewEvidenceWithLimit(
			r.id, r.key, strconv.FormatInt(prospective, 10), strconv.FormatInt(r.countThreshold, 10))), nil
	}
	return domain.RuleAllow(), nil
}
