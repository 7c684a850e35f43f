// Package engine implements the two-phase decision pipeline: stateless
// inline rules, then stateful streaming rules over per-subject rolling
// aggregates, with severity-max aggregation and durable audit recording.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// SnapshotProvider yields the current immutable rule-set snapshot.
// The engine samples it once per request.
type SnapshotProvider interface {
	Current() *rules.RuleSet
}

// Outcome is the result of one completed evaluation.
type Outcome struct {
	Decision      domain.Decision
	DecisionCode  string
	PolicyVersion string
	Evidence      []domain.Evidence
	DecisionID    string
	LatencyMs     int64
}

// Engine orchestrates rule evaluation and recording for one request at a
// time. It holds no per-subject state; the store is the only serialization
// point between concurrent requests for the same subject.
type Engine struct {
	store     domain.Storage
	snapshots SnapshotProvider
	bus       domain.EventBus
	metrics   *metrics.Metrics
}

// New creates an engine. bus and m may be nil.
func New(store domain.Storage, snapshots SnapshotProvider, bus domain.EventBus, m *metrics.Metrics) *Engine {
	return &Engine{store: store, snapshots: snapshots, bus: bus, metrics: m}
}

// Evaluate runs the full pipeline for one event and records the outcome.
//
// Phase 1 evaluates inline rules in declaration order. A RejectFatal action
// short-circuits Phase 2 entirely; in that path no subject is resolved, so
// no transaction row is written and the decision is recorded without a
// subject reference. Otherwise the subject is upserted, streaming rules run
// sequentially (preserving evidence order), the transaction is recorded,
// and finally the decision is recorded with the measured latency.
//
// Any storage failure aborts the evaluation; the engine never substitutes
// Allow for an error.
func (e *Engine) Evaluate(ctx context.Context, event *domain.TxEvent, rawRequest json.RawMessage) (*Outcome, error) {
	start := time.Now()

	snap := e.snapshots.Current()
	if snap == nil {
		return nil, domain.Errorf(domain.KindPolicyUnavailable, "no active policy snapshot")
	}

	final := domain.Allow
	code := domain.DecisionCodeOK
	evidence := []domain.Evidence{}

	// Phase 1: inline rules, declaration order.
	for _, rule := range snap.Inline {
		result, err := rule.Evaluate(event)
		if err != nil {
			return nil, ruleError(rule.ID(), err)
		}
		if !result.Hit {
			continue
		}
		if result.Decision > final {
			final = result.Decision
			code = result.Evidence.RuleID
		}
		evidence = append(evidence, result.Evidence)
	}

	subjectID := ""

	if !final.IsFatal() {
		// Subject resolution happens only when Phase 2 will run.
		id, err := e.store.UpsertSubject(ctx, &event.Subject)
		if err != nil {
			return nil, storageError("upsert subject", err)
		}
		subjectID = id

		// Phase 2: streaming rules, awaited one at a time. Sequential
		// evaluation keeps evidence deterministic and avoids overlapping
		// reads on the same subject's aggregates.
		for _, rule := range snap.Streaming {
			result, err := rule.Evaluate(ctx, event, subjectID, e.store)
			if err != nil {
				return nil, storageError(fmt.Sprintf("rule %s", rule.ID()), err)
			}
			if !result.Hit {
				continue
			}
			if result.Decision > final {
				final = result.Decision
				code = result.Evidence.RuleID
			}
			evidence = append(evidence, result.Evidence)
		}

		// The transaction is written after rule evaluation so the stored
		// window never includes the event the rules just priced in.
		tx := &domain.TransactionRecord{
			SubjectID:   subjectID,
			TxType:      event.TxType,
			Asset:       event.Asset,
			Amount:      parseAmount(event),
			USDValue:    event.USDValue,
			DestAddress: event.DestAddress,
		}
		if _, err := e.store.RecordTransaction(ctx, tx); err != nil {
			return nil, storageError("record transaction", err)
		}
	}

	latency := time.Since(start).Milliseconds()

	rec := &domain.DecisionRecord{
		SubjectID:     subjectID,
		Request:       rawRequest,
		Decision:      final,
		DecisionCode:  code,
		PolicyVersion: snap.PolicyVersion,
		Evidence:      evidence,
		LatencyMs:     latency,
	}
	decisionID, err := e.store.RecordDecision(ctx, rec)
	if err != nil {
		// The client never receives a binding decision that was not
		// audit-logged.
		return nil, storageError("record decision", err)
	}

	e.metrics.ObserveDecision(final.String(), time.Since(start))
	for _, ev := range evidence {
		e.metrics.IncRuleHit(ev.RuleID)
	}

	e.publish(ctx, decisionID, event, rec)

	return &Outcome{
		Decision:      final,
		DecisionCode:  code,
		PolicyVersion: snap.PolicyVersion,
		Evidence:      evidence,
		DecisionID:    decisionID,
		LatencyMs:     latency,
	}, nil
}

// publish emits the decision event. Best-effort: failures are logged and
// never affect the already-recorded decision.
func (e *Engine) publish(ctx context.Context, decisionID string, event *domain.TxEvent, rec *domain.DecisionRecord) {
	if e.bus == nil {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"decision_id":    decisionID,
		"event_id":       event.EventID,
		"subject_id":     rec.SubjectID,
		"user_id":        event.Subject.UserID,
		"decision":       rec.Decision,
		"decision_code":  rec.DecisionCode,
		"policy_version": rec.PolicyVersion,
		"latency_ms":     rec.LatencyMs,
	})
	if err != nil {
		return
	}

	if err := e.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Warn("failed to publish decision event",
			"decision_id", decisionID,
			"error", err,
		)
	}
}

// parseAmount falls back to the USD value when the base-unit amount is
// absent or malformed; the usd_value column stays authoritative either way.
func parseAmount(event *domain.TxEvent) decimal.Decimal {
	if event.Amount == "" {
		return event.USDValue
	}
	amt, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return event.USDValue
	}
	return amt
}

func ruleError(ruleID string, err error) error {
	if domain.KindOf(err) == domain.KindRuleLogic {
		return err
	}
	return domain.Errorf(domain.KindRuleLogic, "rule %s: %w", ruleID, err)
}

func storageError(op string, err error) error {
	switch domain.KindOf(err) {
	case domain.KindTimeout:
		return domain.Errorf(domain.KindTimeout, "%s: %w", op, err)
	case domain.KindValidation:
		return domain.Errorf(domain.KindValidation, "%s: %w", op, err)
	default:
		return domain.Errorf(domain.KindStorageTransient, "%s: %w", op, err)
	}
}
