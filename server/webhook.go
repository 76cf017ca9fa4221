package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// commandInterval is the minimum spacing between commands from one
	// user.
	commandInterval = 500 * time.Millisecond

	// limiterHighWater caps the rate limiter map before it is reset.
	limiterHighWater = 10000
)

// rateLimiter tracks the last command time per user. State is process-local;
// a restart simply forgets it.
type rateLimiter struct {
	mu   sync.Mutex
	last map[int64]time.Time
	now  func() time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		last: make(map[int64]time.Time),
		now:  time.Now,
	}
}

// allow reports whether userID may run a command now and records the attempt.
func (r *rateLimiter) allow(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.last[userID]; ok && now.Sub(last) < commandInterval {
		return false
	}

	if len(r.last) > limiterHighWater {
		r.last = make(map[int64]time.Time)
	}
	r.last[userID] = now
	return true
}

// update mirrors the Bot API update payload, limited to the fields the
// dispatcher reads.
type update struct {
	Message struct {
		Text string `json:"text"`
		From struct {
			ID        int64  `json:"id"`
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
	} `json:"message"`
}

// command is one parsed bot command in flight.
type command struct {
	name     string
	args     []string
	text     string // full message text
	chatID   string
	chatType string
	userID   int64
	userName string
}

func (c *command) private() bool {
	return c.chatType == "private"
}

// handleWebhook processes one Telegram update. The Bot API retries
// non-200 answers, so dispatch errors still answer 200.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var u update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		s.logger.Warn("Webhook payload decode failed", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	cmd, ok := s.parseCommand(&u)
	if !ok {
		respondOK(w)
		return
	}

	if !s.limiter.allow(cmd.userID) {
		s.logger.Debug("Command rate limited", "user_id", cmd.userID, "command", cmd.name)
		respondOK(w)
		return
	}

	if !s.allowedIn(r.Context(), cmd) {
		s.reply(r.Context(), cmd, "⛔ You need to join "+s.memberChat+" to use this bot.")
		respondOK(w)
		return
	}

	s.logger.Info("Command received",
		"command", cmd.name,
		"chat_type", cmd.chatType,
		"user_id", cmd.userID)

	s.dispatch(r.Context(), cmd)
	respondOK(w)
}

func respondOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// parseCommand extracts a bot command from an update. Plain chatter and
// non-command messages are ignored.
func (s *Server) parseCommand(u *update) (*command, bool) {
	text := strings.TrimSpace(u.Message.Text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return nil, false
	}

	fields := strings.Fields(text)
	name := fields[0]

	// Group commands arrive as /cmd@botname
	if at := strings.Index(name, "@"); at > 0 {
		if s.botName != "" && !strings.EqualFold(name[at+1:], s.botName) {
			return nil, false
		}
		name = name[:at]
	}

	userName := u.Message.From.Username
	if userName == "" {
		userName = u.Message.From.FirstName
	}

	return &command{
		name:     name,
		args:     fields[1:],
		text:     text,
		chatID:   strconv.FormatInt(u.Message.Chat.ID, 10),
		chatType: u.Message.Chat.Type,
		userID:   u.Message.From.ID,
		userName: userName,
	}, true
}

// allowedIn applies the member-channel gate to private commands. A failing
// membership check fails open: an unreachable Bot API must not lock every
// member out.
func (s *Server) allowedIn(ctx context.Context, cmd *command) bool {
	if s.memberChat == "" || !cmd.private() {
		return true
	}

	member, err := s.membership.IsMember(ctx, s.memberChat, cmd.userID)
	if err != nil {
		s.logger.Warn("Membership check failed, allowing", "user_id", cmd.userID, "error", err)
		return true
	}
	return member
}

// reply sends text back to the commanding chat, logging delivery failures.
func (s *Server) reply(ctx context.Context, cmd *command, text string) {
	if err := s.sender.Send(ctx, cmd.chatID, text); err != nil {
		s.logger.Warn("Reply failed", "chat_id", cmd.chatID, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, cmd *command) {
	switch cmd.name {
	case "/help", "/start":
		s.cmdHelp(ctx, cmd)
	case "/ping":
		s.reply(ctx, cmd, "🏓 Pong!")
	case "/ctf":
		s.cmdDirectory(ctx, cmd)
	case "/list_events":
		s.cmdListEvents(ctx, cmd, false)
	case "/archived_events":
		s.cmdListEvents(ctx, cmd, true)
	case "/add_event":
		s.cmdAddEvent(ctx, cmd)
	case "/archive_event":
		s.cmdSetArchived(ctx, cmd, true)
	case "/unarchive_event":
		s.cmdSetArchived(ctx, cmd, false)
	case "/delete_event":
		s.cmdDeleteEvent(ctx, cmd)
	case "/set_event":
		s.cmdSetEvent(ctx, cmd)
	case "/set_event_time":
		s.cmdSetEventTime(ctx, cmd)
	case "/join_event":
		s.cmdJoinEvent(ctx, cmd)
	case "/profile":
		s.cmdProfile(ctx, cmd)
	case "/team":
		s.cmdTeam(ctx, cmd)
	case "/set_notify":
		s.cmdSetNotify(ctx, cmd)
	case "/unset_notify":
		s.cmdUnsetNotify(ctx, cmd)
	case "/init_challenges", "/refresh_challenges":
		s.cmdInitChallenges(ctx, cmd, 0)
	case "/continue_init":
		s.cmdContinueInit(ctx, cmd)
	case "/delete_challenges":
		s.cmdDeleteChallenges(ctx, cmd)
	case "/challenges":
		s.cmdChallenges(ctx, cmd)
	case "/broadcast_challenges":
		s.cmdBroadcastChallenges(ctx, cmd)
	case "/chal":
		s.cmdChallengeDetail(ctx, cmd)
	case "/sync_solves":
		s.cmdSyncSolves(ctx, cmd)
	case "/leaderboard":
		s.cmdLeaderboard(ctx, cmd)
	case "/scoreboard":
		s.cmdScoreboard(ctx, cmd)
	default:
		s.logger.Debug("Unknown command ignored", "command", cmd.name)
	}
}
