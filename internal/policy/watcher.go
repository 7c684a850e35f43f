package policy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/sanctions"
)

// Watcher is the single-writer refresh task. It runs one ticker at the
// policy interval and one at the sanctions interval; every tick of either
// re-reads both the policy document and the sanctions list, rebuilds the
// rule-set snapshot on change, and publishes it with one atomic pointer swap.
// Readers sample Current() once per request; in-flight decisions are never
// disturbed, and a failed refresh retains the previous snapshot.
type Watcher struct {
	loader  *Loader
	store   domain.Storage
	screen  *sanctions.Screener
	metrics *metrics.Metrics

	policyInterval    time.Duration
	sanctionsInterval time.Duration

	current atomic.Pointer[rules.RuleSet]

	// loaded state of the last successful refresh
	version     string
	fingerprint string
}

// NewWatcher creates a watcher. store may be nil (no policy write-through);
// m may be nil.
func NewWatcher(loader *Loader, store domain.Storage, m *metrics.Metrics, policyInterval, sanctionsInterval time.Duration) *Watcher {
	return &Watcher{
		loader:            loader,
		store:             store,
		screen:            sanctions.NewScreener(nil),
		metrics:           m,
		policyInterval:    policyInterval,
		sanctionsInterval: sanctionsInterval,
	}
}

// Current returns the active snapshot, or nil before the first load.
func (w *Watcher) Current() *rules.RuleSet {
	return w.current.Load()
}

// Screener exposes the shared sanctions screen.
func (w *Watcher) Screener() *sanctions.Screener {
	return w.screen
}

// Load performs one synchronous refresh. Called once at startup (a failure
// here is fatal) and from the background task thereafter.
func (w *Watcher) Load(ctx context.Context) error {
	pol, err := w.loader.LoadPolicy()
	if err != nil {
		return err
	}
	addrs, err := w.loader.LoadSanctions()
	if err != nil {
		return err
	}

	fp := sanctions.Fingerprint(addrs)
	if pol.Version == w.version && fp == w.fingerprint {
		return nil
	}

	w.screen.Replace(addrs)
	snap, err := rules.FromPolicy(pol, w.screen)
	if err != nil {
		return err
	}

	// Write-through so the active policy and sanctions set are durable and
	// queryable; refresh still works when the store rejects the write.
	if w.store != nil {
		if err := w.store.SetActivePolicy(ctx, pol); err != nil {
			slog.Warn("failed to persist active policy", "version", pol.Version, "error", err)
		}
		if err := w.store.SeedSanctions(ctx, addrs); err != nil {
			slog.Warn("failed to seed sanctions", "count", len(addrs), "error", err)
		}
	}

	w.current.Store(snap)
	w.version = pol.Version
	w.fingerprint = fp
	w.metrics.SetRuleCounts(len(snap.Inline), len(snap.Streaming))

	slog.Info("policy snapshot published",
		"policy_version", pol.Version,
		"inline_rules", len(snap.Inline),
		"streaming_rules", len(snap.Streaming),
		"sanctions", w.screen.Size(),
	)
	return nil
}

// Start runs the refresh loop until ctx is cancelled. Repeated failures
// only log and count; request handling keeps the previous snapshot.
func (w *Watcher) Start(ctx context.Context) {
	policyTick := time.NewTicker(w.policyInterval)
	sanctionsTick := time.NewTicker(w.sanctionsInterval)
	defer policyTick.Stop()
	defer sanctionsTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-policyTick.C:
		case <-sanctionsTick.C:
		}

		if err := w.Load(ctx); err != nil {
			w.metrics.IncPolicyReload("error")
			slog.Error("policy refresh failed; retaining previous snapshot", "error", err)
			continue
		}
		w.metrics.IncPolicyReload("ok")
	}
}
