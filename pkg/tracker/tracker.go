// Package tracker contains the core domain types for the CTF tracking service.
package tracker

import (
	"fmt"
	"time"
)

// Credential modes accepted by CTFd deployments.
const (
	CredentialToken  = "token"  // Authorization: Token <value>
	CredentialCookie = "cookie" // Cookie: session=<value>
)

// Credentials describes how to authenticate against a platform.
type Credentials struct {
	Mode  string `json:"mode"`
	Value string `json:"value"`
}

// Valid reports whether the credential descriptor has a known mode and a value.
func (c Credentials) Valid() bool {
	return (c.Mode == CredentialToken || c.Mode == CredentialCookie) && c.Value != ""
}

// Event is a tracked CTF instance.
type Event struct {
	Start    *time.Time `json:"start,omitempty"`  // Scheduled start, if known
	Finish   *time.Time `json:"finish,omitempty"` // Scheduled finish, if known
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	URL      string     `json:"url"` // Platform base URL, no trailing slash
	AddedBy  string     `json:"added_by,omitempty"`
	Archived bool       `json:"archived,omitempty"` // Excluded from sync, kept for history
}

// ChallengeRef is the challenge summary embedded in a solve record.
type ChallengeRef struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Value    int    `json:"value"`
}

// SolverRef identifies the account that produced a solve.
type SolverRef struct {
	Name string `json:"name,omitempty"`
	ID   int    `json:"id,omitempty"`
}

// Solve is one entry of a platform solve list.
type Solve struct {
	Date        string       `json:"date,omitempty"`
	Challenge   ChallengeRef `json:"challenge"`
	User        SolverRef    `json:"user,omitempty"`
	ChallengeID int          `json:"challenge_id"`
}

// Subscription binds one Telegram account to one tracked event.
type Subscription struct {
	LastChecked time.Time   `json:"last_checked"`
	ID          string      `json:"id"`
	EventID     string      `json:"event_id"`
	ChatID      string      `json:"chat_id"`   // Owning account's private chat
	UserName    string      `json:"user_name"` // Platform account name
	TargetChat  string      `json:"target_chat,omitempty"`
	Credentials Credentials `json:"credentials"`
	LastSolves  []Solve     `json:"last_solves"` // Solve baseline for diffing
}

// NotifyTarget returns the chat that receives this subscription's solve
// notifications: the explicit override if set, otherwise the owner's chat.
func (s *Subscription) NotifyTarget() string {
	if s.TargetChat != "" {
		return s.TargetChat
	}
	return s.ChatID
}

// ChallengeSummary is one entry of the lightweight platform challenge listing.
type ChallengeSummary struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	ID       int    `json:"id"`
	Value    int    `json:"value"`
}

// Challenge is a fully detailed catalog entry.
type Challenge struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Description string   `json:"description,omitempty"`
	FileSummary string   `json:"file_summary"`
	Files       []string `json:"files,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	ID          int      `json:"id"`
	Value       int      `json:"value"`
	Solves      int      `json:"solves"`
}

// FileSummary renders the derived file-count field stored on catalog entries.
func FileSummary(n int) string {
	if n == 0 {
		return "no files"
	}
	return fmt.Sprintf("%d file(s)", n)
}

// Ledger maps an already-fired notification key to the time it first fired.
type Ledger map[string]time.Time

// Has reports whether key has already been fired.
func (l Ledger) Has(key string) bool {
	_, ok := l[key]
	return ok
}

// Prune removes entries whose first-fire time is older than retention,
// measured from now. Returns the number of entries removed.
func (l Ledger) Prune(retention time.Duration, now time.Time) int {
	var removed int
	for key, fired := range l {
		if now.Sub(fired) > retention {
			delete(l, key)
			removed++
		}
	}
	return removed
}

// LeaderboardEntry aggregates one member's scores across tracked events.
type LeaderboardEntry struct {
	UpdatedAt    time.Time      `json:"updated_at"`
	TelegramName string         `json:"telegram_name"`
	PlatformName string         `json:"platform_name"`
	Scores       map[string]int `json:"scores"` // eventID -> score
	Solves       map[string]int `json:"solves"` // eventID -> solve count
}

// Leaderboard maps a Telegram user id to their aggregated entry.
type Leaderboard map[string]*LeaderboardEntry
