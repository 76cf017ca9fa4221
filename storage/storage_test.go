package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"ctfd-notifier/pkg/tracker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(nil, "", t.TempDir(), slog.New(slog.NewTextHandler(testWriter{t}, nil)))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{name: "simple key", key: "events.json", want: true},
		{name: "per-event key", key: "catalog-evt_abc123.json", want: true},
		{name: "empty key", key: "", want: false},
		{name: "path separator", key: "a/b.json", want: false},
		{name: "backslash", key: `a\b.json`, want: false},
		{name: "parent traversal", key: "..secret", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validKey(tt.key); got != tt.want {
				t.Errorf("validKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestGetMissingDocument(t *testing.T) {
	s := newTestStore(t)

	var v map[string]string
	err := s.Get(context.Background(), "nope.json", &v)
	if !IsNotFound(err) {
		t.Errorf("Get() on missing document error = %v, want ErrNotExist", err)
	}
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := map[string]int{"alpha": 1, "beta": 2}
	if err := s.Put(ctx, "doc.json", in); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var out map[string]int
	if err := s.Get(ctx, "doc.json", &out); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if out["alpha"] != 1 || out["beta"] != 2 {
		t.Errorf("Get() = %v, want %v", out, in)
	}

	if err := s.Delete(ctx, "doc.json"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Get(ctx, "doc.json", &out); !IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want ErrNotExist", err)
	}

	// Deleting again must stay quiet.
	if err := s.Delete(ctx, "doc.json"); err != nil {
		t.Errorf("Delete() on absent document error = %v", err)
	}
}

func TestEventsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events, err := s.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Events() on empty store = %v, want empty", events)
	}

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	in := []*tracker.Event{
		{ID: "evt_1", Name: "SpringCTF", URL: "https://ctf.example.com", Start: &start, AddedBy: "alice"},
		{ID: "evt_2", Name: "OldCTF", URL: "https://old.example.com", Archived: true},
	}
	if err := s.SaveEvents(ctx, in); err != nil {
		t.Fatalf("SaveEvents() error = %v", err)
	}

	events, err = s.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Events() returned %d events, want 2", len(events))
	}
	if events[0].Name != "SpringCTF" || !events[1].Archived {
		t.Errorf("Events() = %+v, want round-tripped input", events)
	}
	if events[0].Start == nil || !events[0].Start.Equal(start) {
		t.Errorf("Events()[0].Start = %v, want %v", events[0].Start, start)
	}
}

func TestSubscriptionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := []*tracker.Subscription{
		{
			ID:       "sub_1",
			EventID:  "evt_1",
			ChatID:   "100",
			UserName: "alice",
			Credentials: tracker.Credentials{
				Mode:  tracker.CredentialToken,
				Value: "deadbeef",
			},
			LastSolves: []tracker.Solve{
				{ChallengeID: 7, Challenge: tracker.ChallengeRef{Name: "warmup", Category: "misc", Value: 50}},
			},
		},
	}
	if err := s.SaveSubscriptions(ctx, in); err != nil {
		t.Fatalf("SaveSubscriptions() error = %v", err)
	}

	subs, err := s.Subscriptions(ctx)
	if err != nil {
		t.Fatalf("Subscriptions() error = %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("Subscriptions() returned %d, want 1", len(subs))
	}
	got := subs[0]
	if got.Credentials.Mode != tracker.CredentialToken || len(got.LastSolves) != 1 {
		t.Errorf("Subscriptions() = %+v, want round-tripped input", got)
	}
}

func TestCatalogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := []tracker.Challenge{
		{ID: 1, Name: "pwn me", Category: "pwn", Value: 500, FileSummary: "2 file(s)"},
		{ID: 2, Name: "crypto 101", Category: "crypto", Value: 100, FileSummary: "no files"},
	}
	if err := s.SaveCatalog(ctx, "evt_1", in); err != nil {
		t.Fatalf("SaveCatalog() error = %v", err)
	}

	got, err := s.Catalog(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "pwn me" {
		t.Errorf("Catalog() = %+v, want round-tripped input", got)
	}

	// Catalogs are per event.
	other, err := s.Catalog(ctx, "evt_2")
	if err != nil {
		t.Fatalf("Catalog() error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Catalog() for untouched event = %v, want empty", other)
	}

	if err := s.DeleteCatalog(ctx, "evt_1"); err != nil {
		t.Fatalf("DeleteCatalog() error = %v", err)
	}
	got, err = s.Catalog(ctx, "evt_1")
	if err != nil {
		t.Fatalf("Catalog() after delete error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Catalog() after delete = %v, want empty", got)
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ledger, err := s.Ledger(ctx, SolveLedgerKey)
	if err != nil {
		t.Fatalf("Ledger() error = %v", err)
	}
	if len(ledger) != 0 {
		t.Errorf("Ledger() on empty store = %v, want empty", ledger)
	}

	ledger["evt_1_7_42"] = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if err := s.SaveLedger(ctx, SolveLedgerKey, ledger); err != nil {
		t.Fatalf("SaveLedger() error = %v", err)
	}

	got, err := s.Ledger(ctx, SolveLedgerKey)
	if err != nil {
		t.Fatalf("Ledger() error = %v", err)
	}
	if !got.Has("evt_1_7_42") {
		t.Errorf("Ledger() missing recorded key, got %v", got)
	}
	if got.Has("evt_1_7_43") {
		t.Error("Ledger() reports unrecorded key")
	}
}

func TestChatPreference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.ChatPreference(ctx, "100")
	if err != nil {
		t.Fatalf("ChatPreference() error = %v", err)
	}
	if got != "" {
		t.Errorf("ChatPreference() on empty store = %q, want empty", got)
	}

	if err := s.SaveChatPreference(ctx, "100", "evt_1"); err != nil {
		t.Fatalf("SaveChatPreference() error = %v", err)
	}
	got, err = s.ChatPreference(ctx, "100")
	if err != nil {
		t.Fatalf("ChatPreference() error = %v", err)
	}
	if got != "evt_1" {
		t.Errorf("ChatPreference() = %q, want evt_1", got)
	}
}

func TestLeaderboardRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lb := tracker.Leaderboard{
		"42": &tracker.LeaderboardEntry{
			TelegramName: "alice",
			PlatformName: "al1ce",
			Scores:       map[string]int{"evt_1": 1500},
			Solves:       map[string]int{"evt_1": 7},
		},
	}
	if err := s.SaveLeaderboard(ctx, lb); err != nil {
		t.Fatalf("SaveLeaderboard() error = %v", err)
	}

	got, err := s.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}
	entry, ok := got["42"]
	if !ok {
		t.Fatalf("Leaderboard() missing entry, got %v", got)
	}
	if entry.Scores["evt_1"] != 1500 || entry.Solves["evt_1"] != 7 {
		t.Errorf("Leaderboard() entry = %+v, want round-tripped input", entry)
	}
}
