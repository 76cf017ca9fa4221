package dedup

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"ctfd-notifier/pkg/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFireOncePerKey(t *testing.T) {
	n := New(tracker.Ledger{}, testLogger())

	sends := 0
	send := func() error { sends++; return nil }

	fired, err := n.Fire("evt_1_7_42", send)
	if err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if !fired {
		t.Error("Fire() on fresh key did not send")
	}

	fired, err = n.Fire("evt_1_7_42", send)
	if err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if fired {
		t.Error("Fire() sent again for an already-fired key")
	}
	if sends != 1 {
		t.Errorf("send ran %d times, want 1", sends)
	}
	if !n.Dirty() {
		t.Error("Dirty() = false after a recorded send")
	}
}

func TestFireDistinctKeys(t *testing.T) {
	n := New(tracker.Ledger{}, testLogger())

	sends := 0
	send := func() error { sends++; return nil }

	for _, key := range []string{"evt_1_7_42", "evt_1_7_43", "evt_1_8_42"} {
		if fired, err := n.Fire(key, send); err != nil || !fired {
			t.Errorf("Fire(%q) = %v, %v, want fired", key, fired, err)
		}
	}
	if sends != 3 {
		t.Errorf("send ran %d times, want 3", sends)
	}
}

func TestFailedSendNotRecorded(t *testing.T) {
	n := New(tracker.Ledger{}, testLogger())

	wantErr := errors.New("telegram down")
	fired, err := n.Fire("evt_1_7_42", func() error { return wantErr })
	if fired {
		t.Error("Fire() reported a send that failed")
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("Fire() error = %v, want %v", err, wantErr)
	}
	if n.Dirty() {
		t.Error("Dirty() = true after a failed send")
	}

	// Next cycle must retry.
	fired, err = n.Fire("evt_1_7_42", func() error { return nil })
	if err != nil || !fired {
		t.Errorf("Fire() retry = %v, %v, want fired", fired, err)
	}
}

func TestExistingLedgerSuppresses(t *testing.T) {
	ledger := tracker.Ledger{"evt_1_7_42": time.Now()}
	n := New(ledger, testLogger())

	fired, err := n.Fire("evt_1_7_42", func() error {
		t.Fatal("send ran for a key already in the ledger")
		return nil
	})
	if err != nil || fired {
		t.Errorf("Fire() = %v, %v, want suppressed", fired, err)
	}
	if n.Dirty() {
		t.Error("Dirty() = true without any change")
	}
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	ledger := tracker.Ledger{
		"old":    now.Add(-25 * time.Hour),
		"recent": now.Add(-1 * time.Hour),
	}
	n := New(ledger, testLogger())
	n.now = func() time.Time { return now }

	if removed := n.Prune(24 * time.Hour); removed != 1 {
		t.Errorf("Prune() removed %d entries, want 1", removed)
	}
	if ledger.Has("old") {
		t.Error("Prune() kept an expired entry")
	}
	if !ledger.Has("recent") {
		t.Error("Prune() dropped a live entry")
	}
	if !n.Dirty() {
		t.Error("Dirty() = false after pruning")
	}

	// After expiry the key can fire again.
	fired, err := n.Fire("old", func() error { return nil })
	if err != nil || !fired {
		t.Errorf("Fire() on expired key = %v, %v, want fired", fired, err)
	}
}

func TestPruneNothingStaysClean(t *testing.T) {
	n := New(tracker.Ledger{"fresh": time.Now()}, testLogger())
	if removed := n.Prune(24 * time.Hour); removed != 0 {
		t.Errorf("Prune() removed %d entries, want 0", removed)
	}
	if n.Dirty() {
		t.Error("Dirty() = true after no-op prune")
	}
}
