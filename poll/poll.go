// Package poll drives the scheduled solve check across all subscriptions.
package poll

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"time"

	"ctfd-notifier/dedup"
	"ctfd-notifier/pkg/tracker"
	"ctfd-notifier/storage"
)

// ledgerRetention bounds how long a broadcast dedup key stays recorded.
const ledgerRetention = 24 * time.Hour

// Platform fetches the solve list for one set of credentials.
type Platform interface {
	Solves(ctx context.Context) ([]tracker.Solve, error)
}

// PlatformFactory builds a platform client for one event URL and one
// subscriber's credentials.
type PlatformFactory func(baseURL string, creds tracker.Credentials) Platform

// Store interface for monitor state persistence.
type Store interface {
	Events(ctx context.Context) ([]*tracker.Event, error)
	Subscriptions(ctx context.Context) ([]*tracker.Subscription, error)
	SaveSubscriptions(ctx context.Context, subs []*tracker.Subscription) error
	Ledger(ctx context.Context, key string) (tracker.Ledger, error)
	SaveLedger(ctx context.Context, key string, ledger tracker.Ledger) error
}

// Sender interface for delivering notifications.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Monitor runs the solve check cycle.
type Monitor struct {
	store     Store
	sender    Sender
	platform  PlatformFactory
	logger    *slog.Logger
	now       func() time.Time
	broadcast string
}

// New creates a monitor. broadcast names the shared channel that receives
// deduplicated solve announcements; empty disables the channel fanout.
func New(store Store, sender Sender, platform PlatformFactory, broadcast string, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:     store,
		sender:    sender,
		platform:  platform,
		logger:    logger,
		now:       time.Now,
		broadcast: broadcast,
	}
}

// NewSolves returns the entries of current whose challenge is absent from
// baseline, in current's order.
func NewSolves(baseline, current []tracker.Solve) []tracker.Solve {
	seen := make(map[int]bool, len(baseline))
	for _, s := range baseline {
		seen[s.ChallengeID] = true
	}

	var fresh []tracker.Solve
	for _, s := range current {
		if !seen[s.ChallengeID] {
			fresh = append(fresh, s)
		}
	}
	return fresh
}

// CheckAll runs one solve check over every subscription. A failing
// subscription is logged and skipped; the cycle continues. Baselines and the
// broadcast ledger are persisted only when they changed.
func (m *Monitor) CheckAll(ctx context.Context) error {
	subs, err := m.store.Subscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	events, err := m.store.Events(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	eventsByID := make(map[string]*tracker.Event, len(events))
	for _, e := range events {
		eventsByID[e.ID] = e
	}

	ledger, err := m.store.Ledger(ctx, storage.SolveLedgerKey)
	if err != nil {
		return fmt.Errorf("load solve ledger: %w", err)
	}
	notifier := dedup.New(ledger, m.logger)

	m.logger.Info("Solve check starting", "subscriptions", len(subs))

	now := m.now()
	dirty := false
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping solve check", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		if m.checkSubscription(ctx, sub, eventsByID, notifier, now) {
			dirty = true
		}
	}

	if notifier.Dirty() {
		notifier.Prune(ledgerRetention)
		if err := m.store.SaveLedger(ctx, storage.SolveLedgerKey, notifier.Ledger()); err != nil {
			m.logger.Error("Failed to save solve ledger", "error", err)
		}
	}

	if dirty {
		if err := m.store.SaveSubscriptions(ctx, subs); err != nil {
			return fmt.Errorf("save subscriptions: %w", err)
		}
	}

	m.logger.Info("Solve check completed", "subscriptions", len(subs), "updated", dirty)
	return nil
}

// checkSubscription fetches and diffs one subscription's solves. Reports
// whether the subscription record changed.
func (m *Monitor) checkSubscription(ctx context.Context, sub *tracker.Subscription, events map[string]*tracker.Event, notifier *dedup.Notifier, now time.Time) bool {
	event, ok := events[sub.EventID]
	if !ok || event.Archived {
		return false
	}
	if !sub.Credentials.Valid() {
		m.logger.Warn("Subscription has no usable credentials", "subscription_id", sub.ID)
		return false
	}

	current, err := m.platform(event.URL, sub.Credentials).Solves(ctx)
	if err != nil {
		m.logger.Warn("Solve fetch failed",
			"subscription_id", sub.ID,
			"event_id", sub.EventID,
			"error", err)
		return false
	}

	fresh := NewSolves(sub.LastSolves, current)
	if len(fresh) == 0 {
		return false
	}

	m.logger.Info("New solves detected",
		"subscription_id", sub.ID,
		"event_id", sub.EventID,
		"count", len(fresh))

	for _, solve := range fresh {
		solverName := solve.User.Name
		if solverName == "" {
			solverName = sub.UserName
		}
		solverID := strconv.Itoa(solve.User.ID)
		if solve.User.ID == 0 {
			solverID = sub.ChatID
		}

		// Personal notification goes out on every detection
		personal := formatSolve(solverName, "", solve, now)
		if err := m.sender.Send(ctx, sub.NotifyTarget(), personal); err != nil {
			m.logger.Warn("Personal solve notification failed",
				"subscription_id", sub.ID,
				"chat_id", sub.NotifyTarget(),
				"error", err)
		}

		// Channel notification fires once per event+challenge+solver
		// across all subscriptions
		if m.broadcast != "" {
			key := fmt.Sprintf("%s_%d_%s", sub.EventID, solve.ChallengeID, solverID)
			global := formatSolve(solverName, event.Name, solve, now)
			if _, err := notifier.Fire(key, func() error {
				return m.sender.Send(ctx, m.broadcast, global)
			}); err != nil {
				m.logger.Warn("Channel solve notification failed", "key", key, "error", err)
			}
		}
	}

	sub.LastSolves = current
	sub.LastChecked = now
	return true
}

// formatSolve renders a solve announcement. eventName is included only on
// the channel variant.
func formatSolve(solverName, eventName string, solve tracker.Solve, now time.Time) string {
	msg := "🚩 <b>SOLVED!</b>\n\n" +
		"👤 <b>User:</b> " + html.EscapeString(solverName) + "\n"
	if eventName != "" {
		msg += "🏟 <b>Event:</b> " + html.EscapeString(eventName) + "\n"
	}
	msg += "🛡 <b>Challenge:</b> " + html.EscapeString(solve.Challenge.Name) + "\n" +
		"📂 <b>Category:</b> " + html.EscapeString(solve.Challenge.Category) + "\n" +
		fmt.Sprintf("💎 <b>Points:</b> %d\n", solve.Challenge.Value) +
		"🕒 " + now.UTC().Format("2006-01-02 15:04:05 MST")
	return msg
}
