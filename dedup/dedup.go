// Package dedup guards broadcast notifications with a persistent
// fired-once ledger.
package dedup

import (
	"log/slog"
	"time"

	"ctfd-notifier/pkg/tracker"
)

// Notifier fires each notification key at most once. It wraps a ledger
// loaded from storage; the caller persists the ledger when Dirty reports
// changes.
type Notifier struct {
	ledger tracker.Ledger
	logger *slog.Logger
	now    func() time.Time
	dirty  bool
}

// New wraps ledger. The ledger is mutated in place.
func New(ledger tracker.Ledger, logger *slog.Logger) *Notifier {
	if ledger == nil {
		ledger = tracker.Ledger{}
	}
	return &Notifier{
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// Fire sends the notification for key unless it already fired. The key is
// recorded only after send succeeds, so a failed delivery is retried on the
// next cycle. Reports whether a send happened.
func (n *Notifier) Fire(key string, send func() error) (bool, error) {
	if n.ledger.Has(key) {
		n.logger.Debug("Notification already fired", "key", key)
		return false, nil
	}

	if err := send(); err != nil {
		n.logger.Warn("Notification send failed, key not recorded", "key", key, "error", err)
		return false, err
	}

	n.ledger[key] = n.now()
	n.dirty = true
	return true, nil
}

// Prune drops ledger entries older than retention and reports how many were
// removed.
func (n *Notifier) Prune(retention time.Duration) int {
	removed := n.ledger.Prune(retention, n.now())
	if removed > 0 {
		n.dirty = true
		n.logger.Info("Pruned notification ledger", "removed", removed, "remaining", len(n.ledger))
	}
	return removed
}

// Dirty reports whether the ledger changed since New.
func (n *Notifier) Dirty() bool {
	return n.dirty
}

// Ledger returns the wrapped ledger for persistence.
func (n *Notifier) Ledger() tracker.Ledger {
	return n.ledger
}
