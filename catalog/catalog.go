// Package catalog builds the per-event challenge catalog in budgeted,
// resumable passes.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ctfd-notifier/pkg/tracker"
)

const (
	// DefaultBudget bounds one build pass. Webhook-triggered work has to
	// answer quickly, so a pass stops early and hands back a resume offset.
	DefaultBudget = 7 * time.Second

	// detailTimeout bounds a single challenge-detail fetch so one slow
	// instance cannot eat the whole budget.
	detailTimeout = 4 * time.Second

	// progressStep controls how often the progress callback fires.
	progressStep = 5
)

// Platform lists challenges and fetches their details.
type Platform interface {
	Challenges(ctx context.Context) ([]tracker.ChallengeSummary, error)
	Challenge(ctx context.Context, id int) (*tracker.Challenge, error)
}

// Store persists per-event catalogs.
type Store interface {
	Catalog(ctx context.Context, eventID string) ([]tracker.Challenge, error)
	SaveCatalog(ctx context.Context, eventID string, challenges []tracker.Challenge) error
}

// Result reports the outcome of one build pass.
type Result struct {
	Saved      int  // entries in the stored catalog after this pass
	Total      int  // entries in the platform listing
	NextOffset int  // where a resume pass should start, valid when !Complete
	Complete   bool // whether the whole listing was processed
}

// Builder runs catalog build passes.
type Builder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	budget time.Duration
}

// New creates a builder. A non-positive budget selects DefaultBudget.
func New(store Store, budget time.Duration, logger *slog.Logger) *Builder {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Builder{
		store:  store,
		logger: logger,
		now:    time.Now,
		budget: budget,
	}
}

// Build runs one pass over the platform's challenge listing, starting at
// offset into the listing. Details fetched so far are persisted even when
// the budget runs out; a listing failure persists nothing. The progress
// callback, when set, fires every few entries and at the end of the listing.
func (b *Builder) Build(ctx context.Context, platform Platform, eventID string, offset int, progress func(done, total int)) (*Result, error) {
	listing, err := platform.Challenges(ctx)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}

	b.logger.Info("Catalog pass starting",
		"event_id", eventID,
		"listing_size", len(listing),
		"offset", offset)

	// Resume passes append to the catalog written by earlier passes.
	var entries []tracker.Challenge
	if offset > 0 {
		entries, err = b.store.Catalog(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("load partial catalog: %w", err)
		}
	}

	result := &Result{Total: len(listing), Complete: true}
	start := b.now()

	for i := offset; i < len(listing); i++ {
		if b.now().Sub(start) > b.budget {
			result.Complete = false
			result.NextOffset = i
			b.logger.Info("Catalog pass budget exhausted",
				"event_id", eventID,
				"next_offset", i,
				"listing_size", len(listing))
			break
		}

		detail, err := b.fetchDetail(ctx, platform, listing[i].ID)
		if err != nil {
			// A single bad entry must not sink the pass
			b.logger.Warn("Skipping challenge detail",
				"event_id", eventID,
				"challenge_id", listing[i].ID,
				"error", err)
		} else {
			entries = append(entries, *detail)
		}

		if progress != nil && ((i+1)%progressStep == 0 || i+1 == len(listing)) {
			progress(i+1, len(listing))
		}
	}

	if err := b.store.SaveCatalog(ctx, eventID, entries); err != nil {
		return nil, fmt.Errorf("save catalog: %w", err)
	}
	result.Saved = len(entries)

	b.logger.Info("Catalog pass finished",
		"event_id", eventID,
		"saved", result.Saved,
		"complete", result.Complete)
	return result, nil
}

func (b *Builder) fetchDetail(ctx context.Context, platform Platform, id int) (*tracker.Challenge, error) {
	detailCtx, cancel := context.WithTimeout(ctx, detailTimeout)
	defer cancel()
	return platform.Challenge(detailCtx, id)
}
