package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"ctfd-notifier/pkg/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePlatform struct {
	listing    []tracker.ChallengeSummary
	listingErr error
	detailErr  map[int]error
	fetched    []int
}

func (p *fakePlatform) Challenges(context.Context) ([]tracker.ChallengeSummary, error) {
	return p.listing, p.listingErr
}

func (p *fakePlatform) Challenge(_ context.Context, id int) (*tracker.Challenge, error) {
	p.fetched = append(p.fetched, id)
	if err := p.detailErr[id]; err != nil {
		return nil, err
	}
	return &tracker.Challenge{
		ID:          id,
		Name:        fmt.Sprintf("chal-%d", id),
		Category:    "misc",
		Value:       100,
		FileSummary: "no files",
	}, nil
}

type fakeStore struct {
	catalogs map[string][]tracker.Challenge
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{catalogs: map[string][]tracker.Challenge{}}
}

func (s *fakeStore) Catalog(_ context.Context, eventID string) ([]tracker.Challenge, error) {
	return s.catalogs[eventID], nil
}

func (s *fakeStore) SaveCatalog(_ context.Context, eventID string, challenges []tracker.Challenge) error {
	s.saves++
	s.catalogs[eventID] = challenges
	return nil
}

func listing(n int) []tracker.ChallengeSummary {
	out := make([]tracker.ChallengeSummary, n)
	for i := range out {
		out[i] = tracker.ChallengeSummary{ID: i + 1, Name: fmt.Sprintf("chal-%d", i+1)}
	}
	return out
}

// fakeClock advances a fixed step on every reading, so a builder with
// budget B stops after roughly B/step entries.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func TestBuildComplete(t *testing.T) {
	store := newFakeStore()
	platform := &fakePlatform{listing: listing(3)}
	b := New(store, 0, testLogger())

	res, err := b.Build(context.Background(), platform, "evt_1", 0, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !res.Complete {
		t.Error("Build() reported incomplete pass for a tiny listing")
	}
	if res.Saved != 3 || res.Total != 3 {
		t.Errorf("Build() = %+v, want 3 saved of 3", res)
	}
	if got := store.catalogs["evt_1"]; len(got) != 3 || got[0].Name != "chal-1" {
		t.Errorf("stored catalog = %+v, want 3 entries in listing order", got)
	}
}

func TestBuildBudgetExhaustedThenResume(t *testing.T) {
	store := newFakeStore()
	platform := &fakePlatform{listing: listing(12)}

	b := New(store, 7*time.Second, testLogger())
	// Each loop iteration reads the clock once, so a 1s step exhausts the
	// 7s budget after entry 7.
	b.now = (&fakeClock{step: time.Second}).now

	res, err := b.Build(context.Background(), platform, "evt_1", 0, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Complete {
		t.Fatal("Build() reported complete pass despite exhausted budget")
	}
	if res.NextOffset == 0 || res.NextOffset >= 12 {
		t.Fatalf("Build() NextOffset = %d, want a cursor inside the listing", res.NextOffset)
	}
	if res.Saved != res.NextOffset {
		t.Errorf("Build() saved %d entries but stopped at offset %d", res.Saved, res.NextOffset)
	}

	// Resume pass with a generous clock picks up where the first stopped.
	b.now = time.Now
	res2, err := b.Build(context.Background(), platform, "evt_1", res.NextOffset, nil)
	if err != nil {
		t.Fatalf("Build() resume error = %v", err)
	}
	if !res2.Complete {
		t.Fatal("Build() resume pass did not complete")
	}
	if res2.Saved != 12 {
		t.Errorf("Build() resume saved %d entries, want 12", res2.Saved)
	}

	got := store.catalogs["evt_1"]
	if len(got) != 12 {
		t.Fatalf("stored catalog has %d entries, want 12", len(got))
	}
	for i, c := range got {
		if c.ID != i+1 {
			t.Errorf("catalog[%d].ID = %d, want %d (no duplicates, listing order)", i, c.ID, i+1)
		}
	}
}

func TestBuildListingFailureWritesNothing(t *testing.T) {
	store := newFakeStore()
	platform := &fakePlatform{listingErr: errors.New("boom")}
	b := New(store, 0, testLogger())

	if _, err := b.Build(context.Background(), platform, "evt_1", 0, nil); err == nil {
		t.Fatal("Build() with failing listing returned nil error")
	}
	if store.saves != 0 {
		t.Errorf("Build() wrote %d catalogs after listing failure, want 0", store.saves)
	}
}

func TestBuildSkipsFailedDetails(t *testing.T) {
	store := newFakeStore()
	platform := &fakePlatform{
		listing:   listing(4),
		detailErr: map[int]error{2: errors.New("timeout"), 3: errors.New("500")},
	}
	b := New(store, 0, testLogger())

	res, err := b.Build(context.Background(), platform, "evt_1", 0, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !res.Complete {
		t.Error("Build() incomplete despite ample budget")
	}
	if res.Saved != 2 {
		t.Errorf("Build() saved %d entries, want 2 (failed details skipped)", res.Saved)
	}
	got := store.catalogs["evt_1"]
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 4 {
		t.Errorf("stored catalog = %+v, want entries 1 and 4", got)
	}
}

func TestBuildProgressCallback(t *testing.T) {
	store := newFakeStore()
	platform := &fakePlatform{listing: listing(12)}
	b := New(store, 0, testLogger())

	var calls [][2]int
	progress := func(done, total int) { calls = append(calls, [2]int{done, total}) }

	if _, err := b.Build(context.Background(), platform, "evt_1", 0, progress); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := [][2]int{{5, 12}, {10, 12}, {12, 12}}
	if len(calls) != len(want) {
		t.Fatalf("progress fired %d times (%v), want %v", len(calls), calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("progress call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}
