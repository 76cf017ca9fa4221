// Package storage persists tracker state as JSON documents, either in a
// Cloud Storage bucket or a local directory for development.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"ctfd-notifier/pkg/tracker"
)

// Well-known document keys. Per-event documents derive their key from the
// event identifier.
const (
	eventsKey        = "events.json"
	subscriptionsKey = "subscriptions.json"
	leaderboardKey   = "leaderboard.json"

	// SolveLedgerKey holds the broadcast dedup ledger for solve announcements.
	SolveLedgerKey = "solve-ledger.json"
	// UpcomingLedgerKey holds the dedup ledger for upcoming-event alerts.
	UpcomingLedgerKey = "upcoming-ledger.json"
	// DirectoryCacheKey holds the short-TTL CTFtime listing cache.
	DirectoryCacheKey = "ctftime-cache.json"
)

// ErrNotExist is returned when a requested document is absent.
var ErrNotExist = errors.New("storage: document does not exist")

// IsNotFound reports whether err indicates an absent document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// Store reads and writes JSON documents. Writes are whole-document
// overwrites with last-writer-wins semantics; there are no transactions
// across keys.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a store backed by the given bucket, or by localPath when set.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// validKey rejects keys that could escape the storage prefix.
func validKey(key string) bool {
	if key == "" || len(key) > 200 {
		return false
	}
	return !strings.ContainsAny(key, "/\\") && !strings.Contains(key, "..")
}

// Get unmarshals the document at key into v.
func (s *Store) Get(ctx context.Context, key string, v any) error {
	if !validKey(key) {
		return fmt.Errorf("invalid document key %q", key)
	}

	data, err := s.read(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Put marshals v and overwrites the document at key.
func (s *Store) Put(ctx context.Context, key string, v any) error {
	if !validKey(key) {
		return fmt.Errorf("invalid document key %q", key)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.write(ctx, key, data)
}

// Delete removes the document at key. Deleting an absent document is not an
// error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid document key %q", key)
	}
	s.logger.Debug("Deleting document", "key", key)

	// Local filesystem storage
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Document deleted from local storage", "key", key)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent, absent objects are fine
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}

	s.logger.Info("Document deleted", "key", key)
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(fmt.Errorf("%s: %w", key, ErrNotExist))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, key string, data []byte) error {
	s.logger.Debug("Saving document", "key", key, "bytes", len(data))

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Document saved to local storage", "path", filePath)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Document saved", "key", key, "bytes", len(data))
	return nil
}

// Events loads the tracked event list. An absent document is an empty list.
func (s *Store) Events(ctx context.Context) ([]*tracker.Event, error) {
	var events []*tracker.Event
	if err := s.Get(ctx, eventsKey, &events); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return events, nil
}

// SaveEvents overwrites the tracked event list.
func (s *Store) SaveEvents(ctx context.Context, events []*tracker.Event) error {
	return s.Put(ctx, eventsKey, events)
}

// Subscriptions loads all subscriptions. They live in a single document; an
// absent document is an empty list.
func (s *Store) Subscriptions(ctx context.Context) ([]*tracker.Subscription, error) {
	var subs []*tracker.Subscription
	if err := s.Get(ctx, subscriptionsKey, &subs); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return subs, nil
}

// SaveSubscriptions overwrites the subscription list.
func (s *Store) SaveSubscriptions(ctx context.Context, subs []*tracker.Subscription) error {
	return s.Put(ctx, subscriptionsKey, subs)
}

// CatalogKey derives the per-event catalog document key.
func CatalogKey(eventID string) string {
	return "catalog-" + eventID + ".json"
}

// Catalog loads the challenge catalog for an event. An absent catalog is an
// empty list.
func (s *Store) Catalog(ctx context.Context, eventID string) ([]tracker.Challenge, error) {
	var challenges []tracker.Challenge
	if err := s.Get(ctx, CatalogKey(eventID), &challenges); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return challenges, nil
}

// SaveCatalog overwrites the challenge catalog for an event.
func (s *Store) SaveCatalog(ctx context.Context, eventID string, challenges []tracker.Challenge) error {
	return s.Put(ctx, CatalogKey(eventID), challenges)
}

// DeleteCatalog removes the challenge catalog for an event.
func (s *Store) DeleteCatalog(ctx context.Context, eventID string) error {
	return s.Delete(ctx, CatalogKey(eventID))
}

// Ledger loads a dedup ledger. An absent ledger is empty.
func (s *Store) Ledger(ctx context.Context, key string) (tracker.Ledger, error) {
	ledger := tracker.Ledger{}
	if err := s.Get(ctx, key, &ledger); err != nil {
		if IsNotFound(err) {
			return tracker.Ledger{}, nil
		}
		return nil, err
	}
	return ledger, nil
}

// SaveLedger overwrites a dedup ledger.
func (s *Store) SaveLedger(ctx context.Context, key string, ledger tracker.Ledger) error {
	return s.Put(ctx, key, ledger)
}

// chatPrefKey derives the per-chat default-event preference key.
func chatPrefKey(chatID string) string {
	return "chatpref-" + chatID + ".json"
}

// ChatPreference returns the default event id configured for a chat, or the
// empty string when none is set.
func (s *Store) ChatPreference(ctx context.Context, chatID string) (string, error) {
	var eventID string
	if err := s.Get(ctx, chatPrefKey(chatID), &eventID); err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return eventID, nil
}

// SaveChatPreference records the default event id for a chat.
func (s *Store) SaveChatPreference(ctx context.Context, chatID, eventID string) error {
	return s.Put(ctx, chatPrefKey(chatID), eventID)
}

// Leaderboard loads the member leaderboard. Absent means empty.
func (s *Store) Leaderboard(ctx context.Context) (tracker.Leaderboard, error) {
	lb := tracker.Leaderboard{}
	if err := s.Get(ctx, leaderboardKey, &lb); err != nil {
		if IsNotFound(err) {
			return tracker.Leaderboard{}, nil
		}
		return nil, err
	}
	return lb, nil
}

// SaveLeaderboard overwrites the member leaderboard.
func (s *Store) SaveLeaderboard(ctx context.Context, lb tracker.Leaderboard) error {
	return s.Put(ctx, leaderboardKey, lb)
}
