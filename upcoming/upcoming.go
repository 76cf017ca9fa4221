// Package upcoming watches the CTFtime directory and announces events
// approaching their start time.
package upcoming

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"ctfd-notifier/dedup"
	"ctfd-notifier/pkg/tracker"
	"ctfd-notifier/storage"
)

const (
	// DefaultBaseURL is the public CTFtime instance.
	DefaultBaseURL = "https://ctftime.org"

	// cacheTTL bounds how long a fetched directory listing is reused.
	cacheTTL = 30 * time.Minute

	// lookahead bounds how far into the future the directory is queried.
	lookahead = 3 * 24 * time.Hour

	// listingLimit caps the number of directory entries per query.
	listingLimit = 10

	// ledgerRetention keeps alert keys long enough to cover both
	// thresholds of one event plus slack.
	ledgerRetention = 48 * time.Hour
)

// DirectoryEvent is one CTFtime listing entry.
type DirectoryEvent struct {
	Start  time.Time `json:"start"`
	Finish time.Time `json:"finish"`
	Title  string    `json:"title"`
	URL    string    `json:"url"`
	Format string    `json:"format"`
	ID     int64     `json:"id"`
	Weight float64   `json:"weight"`
}

// cacheDoc is the persisted directory cache.
type cacheDoc struct {
	FetchedAt time.Time        `json:"fetched_at"`
	Events    []DirectoryEvent `json:"events"`
}

// DocStore reads and writes JSON documents by key.
type DocStore interface {
	Get(ctx context.Context, key string, v any) error
	Put(ctx context.Context, key string, v any) error
}

// Directory fetches the upcoming-event listing with a persistent
// read-through cache, so frequent trigger cycles do not hammer the API.
type Directory struct {
	client  *http.Client
	store   DocStore
	logger  *slog.Logger
	now     func() time.Time
	baseURL string
}

// NewDirectory creates a directory client. An empty baseURL selects
// DefaultBaseURL.
func NewDirectory(client *http.Client, store DocStore, baseURL string, logger *slog.Logger) *Directory {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Directory{
		client:  client,
		store:   store,
		logger:  logger,
		now:     time.Now,
		baseURL: baseURL,
	}
}

// Upcoming returns events starting within the lookahead window, served from
// cache when it is fresh enough.
func (d *Directory) Upcoming(ctx context.Context) ([]DirectoryEvent, error) {
	now := d.now()

	var cached cacheDoc
	if err := d.store.Get(ctx, storage.DirectoryCacheKey, &cached); err == nil {
		if now.Sub(cached.FetchedAt) < cacheTTL {
			d.logger.Debug("Directory cache hit", "events", len(cached.Events), "fetched_at", cached.FetchedAt)
			return cached.Events, nil
		}
	} else if !storage.IsNotFound(err) {
		d.logger.Warn("Directory cache read failed", "error", err)
	}

	events, err := d.fetch(ctx, now, now.Add(lookahead), listingLimit)
	if err != nil {
		return nil, err
	}

	if err := d.store.Put(ctx, storage.DirectoryCacheKey, cacheDoc{FetchedAt: now, Events: events}); err != nil {
		d.logger.Warn("Directory cache write failed", "error", err)
	}
	return events, nil
}

// Listing fetches events between back before now and ahead after now. It
// bypasses the watcher cache, so occasional interactive queries get a fresh
// window.
func (d *Directory) Listing(ctx context.Context, back, ahead time.Duration, limit int) ([]DirectoryEvent, error) {
	now := d.now()
	return d.fetch(ctx, now.Add(-back), now.Add(ahead), limit)
}

func (d *Directory) fetch(ctx context.Context, start, finish time.Time, limit int) ([]DirectoryEvent, error) {
	url := fmt.Sprintf("%s/api/v1/events/?limit=%d&start=%d&finish=%d",
		d.baseURL, limit, start.Unix(), finish.Unix())

	var events []DirectoryEvent
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ctfd-notifier)")

			resp, err := d.client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch directory: %w", err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					d.logger.Warn("Failed to close directory response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("directory HTTP %d", resp.StatusCode)
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return fmt.Errorf("read directory response: %w", err)
			}
			if err := json.Unmarshal(body, &events); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode directory response: %w", err))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying directory fetch after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Directory fetched", "events", len(events))
	return events, nil
}

// Lister serves the upcoming-event listing.
type Lister interface {
	Upcoming(ctx context.Context) ([]DirectoryEvent, error)
}

// LedgerStore persists the alert dedup ledger.
type LedgerStore interface {
	Ledger(ctx context.Context, key string) (tracker.Ledger, error)
	SaveLedger(ctx context.Context, key string, ledger tracker.Ledger) error
}

// Sender delivers alerts.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Watcher announces events crossing an alert threshold to the broadcast
// channel, once per event per threshold.
type Watcher struct {
	lister    Lister
	store     LedgerStore
	sender    Sender
	logger    *slog.Logger
	now       func() time.Time
	broadcast string
}

// NewWatcher creates a watcher announcing to broadcast.
func NewWatcher(lister Lister, store LedgerStore, sender Sender, broadcast string, logger *slog.Logger) *Watcher {
	return &Watcher{
		lister:    lister,
		store:     store,
		sender:    sender,
		logger:    logger,
		now:       time.Now,
		broadcast: broadcast,
	}
}

// Check runs one watch cycle. The thresholds are wide enough that a cycle
// cadence of up to half an hour cannot step over them.
func (w *Watcher) Check(ctx context.Context) error {
	if w.broadcast == "" {
		return nil
	}

	events, err := w.lister.Upcoming(ctx)
	if err != nil {
		return fmt.Errorf("list upcoming events: %w", err)
	}

	ledger, err := w.store.Ledger(ctx, storage.UpcomingLedgerKey)
	if err != nil {
		return fmt.Errorf("load upcoming ledger: %w", err)
	}
	notifier := dedup.New(ledger, w.logger)

	now := w.now()
	for _, event := range events {
		key, title := threshold(event, now)
		if key == "" {
			continue
		}

		msg := formatAlert(title, event)
		if _, err := notifier.Fire(key, func() error {
			return w.sender.Send(ctx, w.broadcast, msg)
		}); err != nil {
			w.logger.Warn("Upcoming alert failed", "key", key, "error", err)
		}
	}

	// Expired keys are dropped every cycle, not only on new alerts
	notifier.Prune(ledgerRetention)

	if notifier.Dirty() {
		if err := w.store.SaveLedger(ctx, storage.UpcomingLedgerKey, notifier.Ledger()); err != nil {
			return fmt.Errorf("save upcoming ledger: %w", err)
		}
	}
	return nil
}

// threshold classifies how far event is from starting. The 24h band is half
// an hour wide on each side; the 1h band stretches slightly past the hour so
// a late cycle still catches it.
func threshold(event DirectoryEvent, now time.Time) (key, title string) {
	until := event.Start.Sub(now)
	switch {
	case until >= 23*time.Hour+30*time.Minute && until <= 24*time.Hour+30*time.Minute:
		return fmt.Sprintf("%d_24h", event.ID), "⏳ <b>CTF starts in 24 hours!</b>"
	case until > 0 && until <= 72*time.Minute:
		return fmt.Sprintf("%d_1h", event.ID), "🚀 <b>CTF starts in 1 hour!</b>"
	default:
		return "", ""
	}
}

func formatAlert(title string, event DirectoryEvent) string {
	return title + "\n\n" +
		"📛 <b>" + html.EscapeString(event.Title) + "</b>\n" +
		"📅 " + event.Start.UTC().Format("Mon, 2 Jan 2006 15:04 MST") + "\n" +
		"🔗 " + event.URL + "\n" +
		fmt.Sprintf("🏆 Weight: %.2f | Format: %s", event.Weight, event.Format)
}
