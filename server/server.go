// Package server handles HTTP endpoints and webhook request routing.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ctfd-notifier/catalog"
	"ctfd-notifier/ctfd"
	"ctfd-notifier/pkg/tracker"
	"ctfd-notifier/upcoming"
)

// Store interface for tracker state management.
type Store interface {
	Events(ctx context.Context) ([]*tracker.Event, error)
	SaveEvents(ctx context.Context, events []*tracker.Event) error
	Subscriptions(ctx context.Context) ([]*tracker.Subscription, error)
	SaveSubscriptions(ctx context.Context, subs []*tracker.Subscription) error
	Catalog(ctx context.Context, eventID string) ([]tracker.Challenge, error)
	DeleteCatalog(ctx context.Context, eventID string) error
	ChatPreference(ctx context.Context, chatID string) (string, error)
	SaveChatPreference(ctx context.Context, chatID, eventID string) error
	Leaderboard(ctx context.Context) (tracker.Leaderboard, error)
	SaveLeaderboard(ctx context.Context, lb tracker.Leaderboard) error
}

// Sender interface for delivering replies and broadcasts.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Membership interface for the member-channel gate.
type Membership interface {
	IsMember(ctx context.Context, chat string, userID int64) (bool, error)
}

// Poller interface for triggering solve checks.
type Poller interface {
	CheckAll(ctx context.Context) error
}

// Watcher interface for triggering upcoming-event checks.
type Watcher interface {
	Check(ctx context.Context) error
}

// Directory interface for CTFtime window queries.
type Directory interface {
	Listing(ctx context.Context, back, ahead time.Duration, limit int) ([]upcoming.DirectoryEvent, error)
}

// Platform is an authenticated client for one CTFd instance.
type Platform interface {
	Solves(ctx context.Context) ([]tracker.Solve, error)
	Challenges(ctx context.Context) ([]tracker.ChallengeSummary, error)
	Challenge(ctx context.Context, id int) (*tracker.Challenge, error)
	Me(ctx context.Context) (*ctfd.Account, error)
	Team(ctx context.Context) (*ctfd.Account, error)
	Scoreboard(ctx context.Context, limit int) ([]ctfd.Standing, error)
}

// PlatformFactory builds a platform client for one event URL and one set of
// credentials.
type PlatformFactory func(baseURL string, creds tracker.Credentials) Platform

// LoginFunc performs a form login and returns a session cookie value.
type LoginFunc func(ctx context.Context, baseURL, username, password string) (string, error)

// Builder runs one catalog build pass.
type Builder interface {
	Build(ctx context.Context, platform catalog.Platform, eventID string, offset int, progress func(done, total int)) (*catalog.Result, error)
}

// Server handles HTTP requests.
type Server struct {
	store      Store
	sender     Sender
	membership Membership
	poller     Poller
	watcher    Watcher
	directory  Directory
	builder    Builder
	platform   PlatformFactory
	login      LoginFunc
	logger     *slog.Logger
	limiter    *rateLimiter
	broadcast  string
	memberChat string
	botName    string
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Sender     Sender
	Membership Membership
	Poller     Poller
	Watcher    Watcher
	Directory  Directory
	Builder    Builder
	Platform   PlatformFactory
	Login      LoginFunc
	Logger     *slog.Logger
	Broadcast  string // channel receiving announcements, may be empty
	MemberChat string // channel gating private commands, may be empty
	BotName    string // bot username, for /cmd@bot addressing in groups
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:      cfg.Store,
		sender:     cfg.Sender,
		membership: cfg.Membership,
		poller:     cfg.Poller,
		watcher:    cfg.Watcher,
		directory:  cfg.Directory,
		builder:    cfg.Builder,
		platform:   cfg.Platform,
		login:      cfg.Login,
		logger:     cfg.Logger,
		limiter:    newRateLimiter(),
		broadcast:  cfg.Broadcast,
		memberChat: cfg.MemberChat,
		botName:    cfg.BotName,
	}
}

// ListenAndServe sets up all routes and starts the server.
func (s *Server) ListenAndServe(port string) error {
	http.HandleFunc("/health", s.handleHealth)
	http.HandleFunc("/pollz", s.handlePoll)
	http.HandleFunc("/upcomingz", s.handleUpcoming)
	http.HandleFunc("/webhook", s.handleWebhook)

	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Error("Failed to write health response", "error", err)
	}
}

// handlePoll triggers a solve check cycle. Cloud Scheduler hits this
// endpoint on a fixed cadence.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll triggered", "remote_addr", r.RemoteAddr)

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Solve check failed", "error", err)
		http.Error(w, "Poll failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, "OK"); err != nil {
		s.logger.Error("Failed to write poll response", "error", err)
	}
}

// handleUpcoming triggers an upcoming-event check cycle.
func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Upcoming check triggered", "remote_addr", r.RemoteAddr)

	if err := s.watcher.Check(r.Context()); err != nil {
		s.logger.Error("Upcoming check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, "OK"); err != nil {
		s.logger.Error("Failed to write upcoming response", "error", err)
	}
}
