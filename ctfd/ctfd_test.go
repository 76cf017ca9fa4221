package ctfd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"ctfd-notifier/pkg/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSolvesTeamEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/teams/me/solves" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Token abc123" {
			t.Errorf("Authorization header = %q, want Token abc123", got)
		}
		fmt.Fprint(w, `{"success": true, "data": [
			{"challenge_id": 7, "date": "2026-03-14T10:00:00Z",
			 "challenge": {"name": "warmup", "category": "misc", "value": 50},
			 "user": {"name": "alice", "id": 42}},
			{"challenge_id": 9, "date": "2026-03-14T11:00:00Z",
			 "challenge": {"name": "heap feng shui", "category": "pwn", "value": 500},
			 "user": {"name": "bob", "id": 43}}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, tracker.Credentials{Mode: tracker.CredentialToken, Value: "abc123"}, testLogger())
	solves, err := c.Solves(context.Background())
	if err != nil {
		t.Fatalf("Solves() error = %v", err)
	}
	if len(solves) != 2 {
		t.Fatalf("Solves() returned %d solves, want 2", len(solves))
	}
	if solves[0].ChallengeID != 7 || solves[0].Challenge.Name != "warmup" {
		t.Errorf("Solves()[0] = %+v, want warmup (id 7)", solves[0])
	}
	if solves[1].User.Name != "bob" || solves[1].Challenge.Value != 500 {
		t.Errorf("Solves()[1] = %+v, want bob solving 500 points", solves[1])
	}
}

func TestSolvesUserFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/teams/me/solves":
			// User-mode instance, no team scope
			http.NotFound(w, r)
		case "/api/v1/users/me/solves":
			if got := r.Header.Get("Cookie"); got != "session=deadbeef" {
				t.Errorf("Cookie header = %q, want session=deadbeef", got)
			}
			fmt.Fprint(w, `{"success": true, "data": [
				{"challenge_id": 3, "challenge": {"name": "solo", "category": "web", "value": 100}}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, tracker.Credentials{Mode: tracker.CredentialCookie, Value: "session=deadbeef"}, testLogger())
	solves, err := c.Solves(context.Background())
	if err != nil {
		t.Fatalf("Solves() error = %v", err)
	}
	if len(solves) != 1 || solves[0].Challenge.Name != "solo" {
		t.Errorf("Solves() = %+v, want single solo solve", solves)
	}
}

func TestSolvesAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"success": false}`)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, tracker.Credentials{Mode: tracker.CredentialToken, Value: "x"}, testLogger())
	if _, err := c.Solves(context.Background()); err == nil {
		t.Error("Solves() on success=false envelope returned nil error")
	}
}

func TestChallenges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/challenges" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("view"); got != "user" {
			t.Errorf("view query param = %q, want user", got)
		}
		fmt.Fprint(w, `{"success": true, "data": [
			{"id": 1, "name": "baby rop", "category": "pwn", "value": 200},
			{"id": 2, "name": "lost flag", "category": "forensics", "value": 150}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, tracker.Credentials{Mode: tracker.CredentialToken, Value: "x"}, testLogger())
	challenges, err := c.Challenges(context.Background())
	if err != nil {
		t.Fatalf("Challenges() error = %v", err)
	}
	if len(challenges) != 2 || challenges[0].Name != "baby rop" || challenges[1].ID != 2 {
		t.Errorf("Challenges() = %+v, want 2 summaries", challenges)
	}
}

func TestChallengeDetail(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantFiles   []string
		wantSummary string
	}{
		{
			name: "files as strings",
			body: `{"success": true, "data": {
				"id": 5, "name": "disk image", "category": "forensics", "value": 300,
				"description": "find the flag", "solves": 12,
				"files": ["/files/a1b2/dump.img?token=x", "https://cdn.example.com/hint.txt"]
			}}`,
			wantFiles:   []string{"BASE/files/a1b2/dump.img?token=x", "https://cdn.example.com/hint.txt"},
			wantSummary: "2 file(s)",
		},
		{
			name: "files as objects",
			body: `{"success": true, "data": {
				"id": 5, "name": "disk image", "category": "forensics", "value": 300,
				"files": [{"url": "/files/a1b2/dump.img"}]
			}}`,
			wantFiles:   []string{"BASE/files/a1b2/dump.img"},
			wantSummary: "1 file(s)",
		},
		{
			name: "no files",
			body: `{"success": true, "data": {
				"id": 5, "name": "disk image", "category": "forensics", "value": 300
			}}`,
			wantFiles:   nil,
			wantSummary: "no files",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v1/challenges/5" {
					http.NotFound(w, r)
					return
				}
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := New(srv.Client(), srv.URL, tracker.Credentials{Mode: tracker.CredentialToken, Value: "x"}, testLogger())
			chal, err := c.Challenge(context.Background(), 5)
			if err != nil {
				t.Fatalf("Challenge() error = %v", err)
			}
			if chal.Name != "disk image" || chal.Value != 300 {
				t.Errorf("Challenge() = %+v, want disk image worth 300", chal)
			}
			if chal.FileSummary != tt.wantSummary {
				t.Errorf("Challenge().FileSummary = %q, want %q", chal.FileSummary, tt.wantSummary)
			}
			if len(chal.Files) != len(tt.wantFiles) {
				t.Fatalf("Challenge().Files = %v, want %v", chal.Files, tt.wantFiles)
			}
			for i, want := range tt.wantFiles {
				if want == "https://cdn.example.com/hint.txt" {
					if chal.Files[i] != want {
						t.Errorf("Files[%d] = %q, want %q", i, chal.Files[i], want)
					}
					continue
				}
				wantAbs := srv.URL + want[len("BASE"):]
				if chal.Files[i] != wantAbs {
					t.Errorf("Files[%d] = %q, want %q", i, chal.Files[i], wantAbs)
				}
			}
		})
	}
}

func TestMeAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, tracker.Credentials{Mode: tracker.CredentialToken, Value: "expired"}, testLogger())
	_, err := c.Me(context.Background())
	if err == nil {
		t.Fatal("Me() with rejected credentials returned nil error")
	}
	if !IsAuthError(err) {
		t.Errorf("IsAuthError(%v) = false, want true", err)
	}
}

func TestTeam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/teams/me" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"success": true, "data": {"id": 7, "name": "flag hunters", "score": 4200, "place": "2nd"}}`)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, tracker.Credentials{Mode: tracker.CredentialToken, Value: "x"}, testLogger())
	team, err := c.Team(context.Background())
	if err != nil {
		t.Fatalf("Team() error = %v", err)
	}
	if team.Name != "flag hunters" || team.ID != 7 || team.Score != 4200 {
		t.Errorf("Team() = %+v, want parsed team fields", team)
	}
	if team.Place != "2nd" {
		t.Errorf("Team() place = %q, want 2nd", team.Place)
	}
}

func TestScoreboardLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/scoreboard" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"success": true, "data": [
			{"pos": 1, "name": "team a", "score": 3000},
			{"pos": 2, "name": "team b", "score": 2500},
			{"pos": 3, "name": "team c", "score": 2000}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.Client(), srv.URL, tracker.Credentials{Mode: tracker.CredentialToken, Value: "x"}, testLogger())
	standings, err := c.Scoreboard(context.Background(), 2)
	if err != nil {
		t.Fatalf("Scoreboard() error = %v", err)
	}
	if len(standings) != 2 {
		t.Fatalf("Scoreboard() returned %d rows, want 2", len(standings))
	}
	if standings[0].Pos != 1 || standings[1].Name != "team b" {
		t.Errorf("Scoreboard() = %+v, want top two rows", standings)
	}
}

func TestLogin(t *testing.T) {
	var gotNonce, gotName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "pre-login"})
			fmt.Fprint(w, `<html><body><form method="post">
				<input type="text" name="name">
				<input type="password" name="password">
				<input type="hidden" name="nonce" value="n0nc3value">
			</form></body></html>`)
		case http.MethodPost:
			if err := r.ParseForm(); err != nil {
				t.Fatalf("ParseForm() error = %v", err)
			}
			gotNonce = r.PostForm.Get("nonce")
			gotName = r.PostForm.Get("name")
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "post-login"})
			w.Header().Set("Location", "/challenges")
			w.WriteHeader(http.StatusFound)
		}
	}))
	defer srv.Close()

	cookie, err := Login(context.Background(), srv.Client(), srv.URL, "alice", "hunter2", testLogger())
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if cookie != "session=post-login" {
		t.Errorf("Login() cookie = %q, want session=post-login", cookie)
	}
	if gotNonce != "n0nc3value" {
		t.Errorf("posted nonce = %q, want n0nc3value", gotNonce)
	}
	if gotName != "alice" {
		t.Errorf("posted name = %q, want alice", gotName)
	}
}

func TestLoginNoNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><title>Attention Required</title><body>checking your browser</body></html>`)
	}))
	defer srv.Close()

	_, err := Login(context.Background(), srv.Client(), srv.URL, "alice", "hunter2", testLogger())
	if err != ErrNoNonce {
		t.Errorf("Login() error = %v, want ErrNoNonce", err)
	}
}
