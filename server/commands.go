package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ctfd-notifier/pkg/tracker"
	"ctfd-notifier/poll"
)

// buildTimeout bounds a background catalog build, well past the pass budget.
const buildTimeout = 5 * time.Minute

var errNoEvent = errors.New("no event selected")

const helpText = `🤖 <b>CTF Tracker Bot</b>

<b>Directory</b>
/ctf [running|upcoming] - CTFtime listing
/list_events - tracked events
/archived_events - archived events

<b>Events</b>
/add_event &lt;name&gt; &lt;url&gt; - track a CTFd instance
/set_event &lt;id&gt; - default event for this chat
/set_event_time &lt;id&gt; &lt;YYYY-MM-DD HH:MM&gt;
/archive_event &lt;id&gt; | /unarchive_event &lt;id&gt;
/delete_event &lt;id&gt;

<b>Tracking</b> (DM only)
/join_event &lt;id&gt; &lt;token&gt; or /join_event &lt;id&gt; &lt;user&gt; &lt;pass&gt;
/profile [id] - live account info; /team [id] - live team info
/sync_solves [id] - manual solve sync
/set_notify [id] - route alerts to a group; /unset_notify

<b>Challenges</b>
/init_challenges [id] | /refresh_challenges [id]
/challenges [all|solved] | /chal &lt;name|id&gt;
/broadcast_challenges &lt;id&gt; - push the catalog to the channel
/delete_challenges [id]

<b>Scores</b>
/leaderboard - tracked members
/scoreboard [limit] - live standings`

func (s *Server) cmdHelp(ctx context.Context, cmd *command) {
	s.reply(ctx, cmd, helpText)
}

// requirePrivate rejects credential-bearing and destructive commands outside
// a direct chat.
func (s *Server) requirePrivate(ctx context.Context, cmd *command) bool {
	if cmd.private() {
		return true
	}
	s.reply(ctx, cmd, "⚠️ This command works in a private chat only.")
	return false
}

// resolveEventID picks the event a command applies to: explicit argument,
// then the chat's default, then the chat's only subscription.
func (s *Server) resolveEventID(ctx context.Context, cmd *command, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if pref, err := s.store.ChatPreference(ctx, cmd.chatID); err == nil && pref != "" {
		return pref, nil
	}

	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		return "", fmt.Errorf("load subscriptions: %w", err)
	}
	var mine []*tracker.Subscription
	for _, sub := range subs {
		if sub.ChatID == cmd.chatID {
			mine = append(mine, sub)
		}
	}
	if len(mine) == 1 {
		return mine[0].EventID, nil
	}
	return "", errNoEvent
}

func (s *Server) findEvent(ctx context.Context, eventID string) (*tracker.Event, error) {
	events, err := s.store.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	for _, e := range events {
		if e.ID == eventID {
			return e, nil
		}
	}
	return nil, fmt.Errorf("event %s not found", eventID)
}

// subscription returns the chat's subscription for eventID.
func (s *Server) subscription(ctx context.Context, chatID, eventID string) (*tracker.Subscription, error) {
	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	for _, sub := range subs {
		if sub.ChatID == chatID && sub.EventID == eventID {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("no subscription for event %s", eventID)
}

func (s *Server) cmdDirectory(ctx context.Context, cmd *command) {
	filter := ""
	if len(cmd.args) > 0 {
		filter = strings.ToLower(cmd.args[0])
	}

	// 5 days back keeps currently running events in the window
	listing, err := s.directory.Listing(ctx, 5*24*time.Hour, 14*24*time.Hour, 50)
	if err != nil {
		s.logger.Warn("Directory listing failed", "error", err)
		s.reply(ctx, cmd, "⚠️ CTFtime is not reachable right now.")
		return
	}
	s.reply(ctx, cmd, formatDirectory(listing, filter, time.Now()))
}

func (s *Server) cmdListEvents(ctx context.Context, cmd *command, archived bool) {
	events, err := s.store.Events(ctx)
	if err != nil {
		s.logger.Error("Failed to load events", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load events.")
		return
	}
	s.reply(ctx, cmd, formatEvents(events, archived, time.Now()))
}

func (s *Server) cmdAddEvent(ctx context.Context, cmd *command) {
	if len(cmd.args) < 2 {
		s.reply(ctx, cmd, "⚠️ Usage: /add_event &lt;name&gt; &lt;url&gt;")
		return
	}

	rawURL := cmd.args[len(cmd.args)-1]
	name := strings.Join(cmd.args[:len(cmd.args)-1], " ")
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		s.reply(ctx, cmd, "⚠️ The URL must start with http:// or https://.")
		return
	}

	events, err := s.store.Events(ctx)
	if err != nil {
		s.logger.Error("Failed to load events", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load events.")
		return
	}

	event := &tracker.Event{
		ID:      "evt_" + uuid.NewString()[:8],
		Name:    name,
		URL:     strings.TrimSuffix(rawURL, "/"),
		AddedBy: cmd.userName,
	}

	// Best effort: pick up the schedule from the CTFtime directory when
	// the URL is listed there
	if listing, err := s.directory.Listing(ctx, 30*24*time.Hour, 90*24*time.Hour, 100); err == nil {
		target := normalizeURL(rawURL)
		for i := range listing {
			if normalizeURL(listing[i].URL) == target {
				event.Start = &listing[i].Start
				event.Finish = &listing[i].Finish
				break
			}
		}
	} else {
		s.logger.Warn("Directory lookup for event schedule failed", "error", err)
	}

	events = append(events, event)
	if err := s.store.SaveEvents(ctx, events); err != nil {
		s.logger.Error("Failed to save events", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not save the event.")
		return
	}

	if s.broadcast != "" {
		announce := "📢 <b>New CTF Event!</b>\n\n" +
			"📛 <b>" + escape(event.Name) + "</b>\n" +
			"🔗 " + escape(event.URL) + "\n\n" +
			"🆔 ID: <code>" + event.ID + "</code>\n" +
			"👉 Join: <code>/join_event " + event.ID + "</code>\n\n" +
			"<i>Shared by " + escape(cmd.userName) + "</i>"
		if err := s.sender.Send(ctx, s.broadcast, announce); err != nil {
			s.logger.Warn("Event announcement failed", "error", err)
		}
	}

	msg := "✅ <b>Event added!</b>\nID: <code>" + event.ID + "</code>"
	if event.Start != nil {
		msg += "\n✅ Schedule synced from CTFtime."
	}
	s.reply(ctx, cmd, msg)
}

func (s *Server) cmdSetArchived(ctx context.Context, cmd *command, archived bool) {
	if !s.requirePrivate(ctx, cmd) {
		return
	}
	if len(cmd.args) < 1 {
		s.reply(ctx, cmd, "⚠️ Usage: "+cmd.name+" &lt;event_id&gt;")
		return
	}
	eventID := cmd.args[0]

	events, err := s.store.Events(ctx)
	if err != nil {
		s.logger.Error("Failed to load events", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load events.")
		return
	}
	for _, e := range events {
		if e.ID != eventID {
			continue
		}
		e.Archived = archived
		if err := s.store.SaveEvents(ctx, events); err != nil {
			s.logger.Error("Failed to save events", "error", err)
			s.reply(ctx, cmd, "⚠️ Could not save the event.")
			return
		}
		if archived {
			s.reply(ctx, cmd, "🔒 <b>"+escape(e.Name)+"</b> archived. Solve tracking paused.")
		} else {
			s.reply(ctx, cmd, "🟢 <b>"+escape(e.Name)+"</b> is active again.")
		}
		return
	}
	s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
}

func (s *Server) cmdDeleteEvent(ctx context.Context, cmd *command) {
	if !s.requirePrivate(ctx, cmd) {
		return
	}
	if len(cmd.args) < 1 {
		s.reply(ctx, cmd, "⚠️ Usage: /delete_event &lt;event_id&gt;")
		return
	}
	eventID := cmd.args[0]

	events, err := s.store.Events(ctx)
	if err != nil {
		s.logger.Error("Failed to load events", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load events.")
		return
	}

	kept := events[:0]
	found := false
	for _, e := range events {
		if e.ID == eventID {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
		return
	}
	if err := s.store.SaveEvents(ctx, kept); err != nil {
		s.logger.Error("Failed to save events", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not save events.")
		return
	}

	// The event's catalog and subscriptions go with it
	if err := s.store.DeleteCatalog(ctx, eventID); err != nil {
		s.logger.Warn("Failed to delete catalog", "event_id", eventID, "error", err)
	}
	if subs, err := s.store.Subscriptions(ctx); err == nil {
		keptSubs := subs[:0]
		for _, sub := range subs {
			if sub.EventID != eventID {
				keptSubs = append(keptSubs, sub)
			}
		}
		if len(keptSubs) != len(subs) {
			if err := s.store.SaveSubscriptions(ctx, keptSubs); err != nil {
				s.logger.Warn("Failed to save subscriptions", "error", err)
			}
		}
	}

	s.reply(ctx, cmd, "🗑 Event <code>"+escape(eventID)+"</code> deleted along with its catalog and subscriptions.")
}

func (s *Server) cmdSetEvent(ctx context.Context, cmd *command) {
	if len(cmd.args) < 1 {
		s.reply(ctx, cmd, "⚠️ Usage: /set_event &lt;event_id&gt;")
		return
	}
	event, err := s.findEvent(ctx, cmd.args[0])
	if err != nil {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(cmd.args[0])+"</code> not found.")
		return
	}
	if err := s.store.SaveChatPreference(ctx, cmd.chatID, event.ID); err != nil {
		s.logger.Error("Failed to save chat preference", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not save the preference.")
		return
	}
	s.reply(ctx, cmd, "✅ Default event for this chat: <b>"+escape(event.Name)+"</b>")
}

// cmdSetEventTime overrides an event's start time by hand, for platforms
// the CTFtime directory does not list.
func (s *Server) cmdSetEventTime(ctx context.Context, cmd *command) {
	if !s.requirePrivate(ctx, cmd) {
		return
	}
	if len(cmd.args) < 2 {
		s.reply(ctx, cmd, "⚠️ Usage: /set_event_time &lt;event_id&gt; &lt;YYYY-MM-DD HH:MM&gt;")
		return
	}

	start, err := time.Parse("2006-01-02 15:04", strings.Join(cmd.args[1:], " "))
	if err != nil {
		s.reply(ctx, cmd, "❌ Invalid date. Use YYYY-MM-DD HH:MM (UTC).")
		return
	}

	eventID := cmd.args[0]
	events, err := s.store.Events(ctx)
	if err != nil {
		s.logger.Error("Failed to load events", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load events.")
		return
	}
	for _, e := range events {
		if e.ID != eventID {
			continue
		}
		e.Start = &start
		if err := s.store.SaveEvents(ctx, events); err != nil {
			s.logger.Error("Failed to save events", "error", err)
			s.reply(ctx, cmd, "⚠️ Could not save the event.")
			return
		}
		s.reply(ctx, cmd, "✅ <b>Start time updated!</b>\n\n"+
			"📛 "+escape(e.Name)+"\n"+
			"🟢 Starts: "+start.UTC().Format("2006-01-02 15:04 MST")+"\n\n"+
			"Check the countdown with /list_events.")
		return
	}
	s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
}

func (s *Server) cmdJoinEvent(ctx context.Context, cmd *command) {
	if !s.requirePrivate(ctx, cmd) {
		return
	}
	if len(cmd.args) < 2 {
		s.reply(ctx, cmd, "⚠️ Usage: /join_event &lt;id&gt; &lt;token&gt; or /join_event &lt;id&gt; &lt;user&gt; &lt;pass&gt;")
		return
	}

	event, err := s.findEvent(ctx, cmd.args[0])
	if err != nil {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(cmd.args[0])+"</code> not found.")
		return
	}

	var creds tracker.Credentials
	if len(cmd.args) == 2 {
		creds = tracker.Credentials{Mode: tracker.CredentialToken, Value: cmd.args[1]}
	} else {
		s.reply(ctx, cmd, "🔐 Logging in to "+escape(event.URL)+"...")
		cookie, err := s.login(ctx, event.URL, cmd.args[1], strings.Join(cmd.args[2:], " "))
		if err != nil {
			s.logger.Warn("Platform login failed", "event_id", event.ID, "error", err)
			s.reply(ctx, cmd, "❌ Login failed: "+escape(err.Error()))
			return
		}
		creds = tracker.Credentials{Mode: tracker.CredentialCookie, Value: cookie}
	}

	client := s.platform(event.URL, creds)
	account, err := client.Me(ctx)
	if err != nil {
		s.logger.Warn("Credential check failed", "event_id", event.ID, "error", err)
		s.reply(ctx, cmd, "❌ The platform rejected these credentials.")
		return
	}

	// Seed the baseline so joining mid-event does not replay old solves
	baseline, err := client.Solves(ctx)
	if err != nil {
		s.logger.Warn("Baseline fetch failed, starting empty", "event_id", event.ID, "error", err)
		baseline = nil
	}

	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		s.logger.Error("Failed to load subscriptions", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load subscriptions.")
		return
	}

	// Rejoining replaces the previous subscription for this chat+event
	kept := subs[:0]
	for _, sub := range subs {
		if !(sub.ChatID == cmd.chatID && sub.EventID == event.ID) {
			kept = append(kept, sub)
		}
	}
	kept = append(kept, &tracker.Subscription{
		ID:          "sub_" + uuid.NewString()[:8],
		EventID:     event.ID,
		ChatID:      cmd.chatID,
		UserName:    account.Name,
		Credentials: creds,
		LastSolves:  baseline,
		LastChecked: time.Now(),
	})
	if err := s.store.SaveSubscriptions(ctx, kept); err != nil {
		s.logger.Error("Failed to save subscriptions", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not save the subscription.")
		return
	}

	s.recordScore(ctx, cmd, event.ID, account.Name, account.Score, len(baseline))

	s.reply(ctx, cmd, "✅ <b>Joined "+escape(event.Name)+"!</b>\n\n"+
		"👤 Platform account: <b>"+escape(account.Name)+"</b>\n"+
		fmt.Sprintf("🏁 Baseline: %d solves\n", len(baseline))+
		"🔔 New solves will be announced here.")
}

// recordScore upserts the member's leaderboard entry.
func (s *Server) recordScore(ctx context.Context, cmd *command, eventID, platformName string, score, solves int) {
	lb, err := s.store.Leaderboard(ctx)
	if err != nil {
		s.logger.Warn("Failed to load leaderboard", "error", err)
		return
	}

	key := strconv.FormatInt(cmd.userID, 10)
	entry, ok := lb[key]
	if !ok {
		entry = &tracker.LeaderboardEntry{
			Scores: map[string]int{},
			Solves: map[string]int{},
		}
		lb[key] = entry
	}
	entry.TelegramName = cmd.userName
	entry.PlatformName = platformName
	entry.Scores[eventID] = score
	entry.Solves[eventID] = solves
	entry.UpdatedAt = time.Now()

	if err := s.store.SaveLeaderboard(ctx, lb); err != nil {
		s.logger.Warn("Failed to save leaderboard", "error", err)
	}
}

// cmdProfile shows the member's live platform account. The fetch doubles as
// the leaderboard refresh, so stored scores follow the event.
func (s *Server) cmdProfile(ctx context.Context, cmd *command) {
	explicit := ""
	if len(cmd.args) > 0 {
		explicit = cmd.args[0]
	}
	eventID, err := s.resolveEventID(ctx, cmd, explicit)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ No event selected. Use /set_event or /profile &lt;event_id&gt;.")
		return
	}
	event, err := s.findEvent(ctx, eventID)
	if err != nil {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
		return
	}
	sub, err := s.subscription(ctx, cmd.chatID, eventID)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ You have no subscription for this event. Use /join_event first.")
		return
	}

	client := s.platform(event.URL, sub.Credentials)
	account, err := client.Me(ctx)
	if err != nil {
		s.logger.Warn("Profile fetch failed", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "❌ Profile fetch failed. The session may have expired; rejoin with /join_event.")
		return
	}

	solveCount := 0
	if solves, err := client.Solves(ctx); err != nil {
		s.logger.Warn("Solve count fetch failed", "event_id", eventID, "error", err)
	} else {
		solveCount = len(solves)
	}

	s.recordScore(ctx, cmd, eventID, account.Name, account.Score, solveCount)
	s.reply(ctx, cmd, formatProfile(account, event.Name, solveCount))
}

// cmdTeam shows the shared team on team-mode instances. Any member's
// session can read it, so the command also works from groups.
func (s *Server) cmdTeam(ctx context.Context, cmd *command) {
	explicit := ""
	if len(cmd.args) > 0 {
		explicit = cmd.args[0]
	}
	eventID, err := s.resolveEventID(ctx, cmd, explicit)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ No event selected. Use /set_event or /team &lt;event_id&gt;.")
		return
	}
	event, err := s.findEvent(ctx, eventID)
	if err != nil {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
		return
	}
	sub, err := s.anySubscription(ctx, cmd.chatID, eventID)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ Nobody has joined this event yet, so there is no session to read the team with.")
		return
	}

	team, err := s.platform(event.URL, sub.Credentials).Team(ctx)
	if err != nil {
		s.logger.Warn("Team fetch failed", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "⚠️ No team data. The instance may run in user mode, or the session expired.")
		return
	}
	s.reply(ctx, cmd, formatTeam(team, event.Name))
}

func (s *Server) cmdSetNotify(ctx context.Context, cmd *command) {
	if cmd.private() {
		s.reply(ctx, cmd, "⚠️ Run this inside the group that should receive the alerts.")
		return
	}

	// The subscription lives under the owner's private chat, which shares
	// the user's id
	ownerChat := strconv.FormatInt(cmd.userID, 10)
	explicit := ""
	if len(cmd.args) > 0 {
		explicit = cmd.args[0]
	}
	eventID, err := s.resolveEventID(ctx, &command{chatID: ownerChat}, explicit)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ Could not tell which event you mean. Use /set_notify &lt;event_id&gt;.")
		return
	}

	sub, err := s.subscription(ctx, ownerChat, eventID)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ You have no subscription for <code>"+escape(eventID)+"</code>. Use /join_event first.")
		return
	}

	sub.TargetChat = cmd.chatID
	if err := s.saveSubscription(ctx, sub); err != nil {
		s.logger.Error("Failed to save subscription", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not save the subscription.")
		return
	}
	s.reply(ctx, cmd, "🔔 Solve alerts for <code>"+escape(eventID)+"</code> now land in this group.")
}

func (s *Server) cmdUnsetNotify(ctx context.Context, cmd *command) {
	ownerChat := strconv.FormatInt(cmd.userID, 10)
	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		s.logger.Error("Failed to load subscriptions", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load subscriptions.")
		return
	}

	cleared := 0
	for _, sub := range subs {
		if sub.ChatID == ownerChat && sub.TargetChat != "" {
			sub.TargetChat = ""
			cleared++
		}
	}
	if cleared == 0 {
		s.reply(ctx, cmd, "ℹ️ No notification targets were set.")
		return
	}
	if err := s.store.SaveSubscriptions(ctx, subs); err != nil {
		s.logger.Error("Failed to save subscriptions", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not save subscriptions.")
		return
	}
	s.reply(ctx, cmd, "🔕 Solve alerts go back to your private chat.")
}

// saveSubscription persists a single mutated subscription record.
func (s *Server) saveSubscription(ctx context.Context, sub *tracker.Subscription) error {
	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		return err
	}
	for i, existing := range subs {
		if existing.ID == sub.ID {
			subs[i] = sub
			return s.store.SaveSubscriptions(ctx, subs)
		}
	}
	return fmt.Errorf("subscription %s vanished", sub.ID)
}

func (s *Server) cmdInitChallenges(ctx context.Context, cmd *command, offset int) {
	if !s.requirePrivate(ctx, cmd) {
		return
	}
	explicit := ""
	if len(cmd.args) > 0 {
		explicit = cmd.args[0]
	}
	eventID, err := s.resolveEventID(ctx, cmd, explicit)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ Usage: "+cmd.name+" &lt;event_id&gt; (or set a default event first).")
		return
	}

	event, err := s.findEvent(ctx, eventID)
	if err != nil {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
		return
	}
	sub, err := s.subscription(ctx, cmd.chatID, eventID)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ Join the event first so the bot has credentials: /join_event "+escape(eventID)+" ...")
		return
	}

	s.reply(ctx, cmd, "🚀 <b>Building catalog:</b> "+escape(event.Name)+"\n⏳ Fetching the challenge list...")
	go s.runBuild(cmd.chatID, event, sub, offset)
}

func (s *Server) cmdContinueInit(ctx context.Context, cmd *command) {
	if len(cmd.args) < 2 {
		s.reply(ctx, cmd, "⚠️ Usage: /continue_init &lt;event_id&gt; &lt;offset&gt;")
		return
	}
	offset, err := strconv.Atoi(cmd.args[1])
	if err != nil || offset < 0 {
		s.reply(ctx, cmd, "⚠️ The offset must be a non-negative number.")
		return
	}
	s.cmdInitChallenges(ctx, &command{
		name:     cmd.name,
		args:     cmd.args[:1],
		chatID:   cmd.chatID,
		chatType: cmd.chatType,
		userID:   cmd.userID,
		userName: cmd.userName,
	}, offset)
}

// runBuild executes one catalog pass in the background and reports the
// outcome to chatID. The webhook has long been answered by the time this
// finishes.
func (s *Server) runBuild(chatID string, event *tracker.Event, sub *tracker.Subscription, offset int) {
	ctx, cancel := context.WithTimeout(context.Background(), buildTimeout)
	defer cancel()

	client := s.platform(event.URL, sub.Credentials)
	progress := func(done, total int) {
		if err := s.sender.Send(ctx, chatID, fmt.Sprintf("⏳ Progress: %d / %d", done, total)); err != nil {
			s.logger.Warn("Progress message failed", "chat_id", chatID, "error", err)
		}
	}

	result, err := s.builder.Build(ctx, client, event.ID, offset, progress)
	if err != nil {
		s.logger.Error("Catalog build failed", "event_id", event.ID, "error", err)
		if sendErr := s.sender.Send(ctx, chatID, "❌ Catalog build failed: "+escape(err.Error())); sendErr != nil {
			s.logger.Warn("Build failure message failed", "error", sendErr)
		}
		return
	}

	var msg string
	if result.Complete {
		msg = fmt.Sprintf("✅ <b>Catalog complete!</b>\n\n📚 Saved: %d challenges.", result.Saved)
	} else {
		msg = fmt.Sprintf("⚠️ <b>Time budget reached.</b>\n\nProgress: %d / %d\nPartial catalog saved.\n\n👇 Resume with:\n/continue_init %s %d",
			result.Saved, result.Total, event.ID, result.NextOffset)
	}
	if err := s.sender.Send(ctx, chatID, msg); err != nil {
		s.logger.Warn("Build summary message failed", "chat_id", chatID, "error", err)
	}
}

func (s *Server) cmdDeleteChallenges(ctx context.Context, cmd *command) {
	if !s.requirePrivate(ctx, cmd) {
		return
	}
	explicit := ""
	if len(cmd.args) > 0 {
		explicit = cmd.args[0]
	}
	eventID, err := s.resolveEventID(ctx, cmd, explicit)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ Usage: /delete_challenges &lt;event_id&gt; (or set a default event first).")
		return
	}
	if err := s.store.DeleteCatalog(ctx, eventID); err != nil {
		s.logger.Error("Failed to delete catalog", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "⚠️ Could not delete the catalog.")
		return
	}
	s.reply(ctx, cmd, "🗑 Challenge catalog for <code>"+escape(eventID)+"</code> deleted.")
}

func (s *Server) cmdChallenges(ctx context.Context, cmd *command) {
	filter := ""
	explicit := ""
	if len(cmd.args) > 0 {
		switch strings.ToLower(cmd.args[0]) {
		case "all", "solved":
			filter = strings.ToLower(cmd.args[0])
		default:
			explicit = cmd.args[0]
		}
	}

	eventID, err := s.resolveEventID(ctx, cmd, explicit)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ No event selected. Use /set_event or /challenges &lt;event_id&gt;.")
		return
	}

	challenges, err := s.store.Catalog(ctx, eventID)
	if err != nil {
		s.logger.Error("Failed to load catalog", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load the catalog.")
		return
	}
	if len(challenges) == 0 {
		s.reply(ctx, cmd, "📭 No catalog for <code>"+escape(eventID)+"</code> yet. Run /init_challenges first.")
		return
	}

	solved := s.solvedSet(ctx, cmd.chatID, eventID)
	s.reply(ctx, cmd, formatChallenges(challenges, solved, filter))
}

// cmdBroadcastChallenges pushes the event's catalog to the shared channel.
func (s *Server) cmdBroadcastChallenges(ctx context.Context, cmd *command) {
	if s.broadcast == "" {
		s.reply(ctx, cmd, "⚠️ No broadcast channel is configured.")
		return
	}
	if len(cmd.args) < 1 {
		s.reply(ctx, cmd, "⚠️ Usage: /broadcast_challenges &lt;event_id&gt;")
		return
	}
	eventID := cmd.args[0]

	event, err := s.findEvent(ctx, eventID)
	if err != nil {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
		return
	}
	challenges, err := s.store.Catalog(ctx, eventID)
	if err != nil {
		s.logger.Error("Failed to load catalog", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load the catalog.")
		return
	}
	if len(challenges) == 0 {
		s.reply(ctx, cmd, "📭 No catalog for <code>"+escape(eventID)+"</code> yet. Run /init_challenges first.")
		return
	}

	if err := s.sender.Send(ctx, s.broadcast, formatChallengeBroadcast(event.Name, challenges)); err != nil {
		s.logger.Warn("Catalog broadcast failed", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "❌ Broadcast failed: "+escape(err.Error()))
		return
	}
	s.reply(ctx, cmd, "📣 Catalog for <b>"+escape(event.Name)+"</b> pushed to "+s.broadcast+".")
}

// solvedSet returns the chat's solved challenge ids for eventID, from the
// subscription baseline. Missing subscription means nothing is marked.
func (s *Server) solvedSet(ctx context.Context, chatID, eventID string) map[int]bool {
	sub, err := s.subscription(ctx, chatID, eventID)
	if err != nil {
		return nil
	}
	solved := make(map[int]bool, len(sub.LastSolves))
	for _, s := range sub.LastSolves {
		solved[s.ChallengeID] = true
	}
	return solved
}

func (s *Server) cmdChallengeDetail(ctx context.Context, cmd *command) {
	if len(cmd.args) < 1 {
		s.reply(ctx, cmd, "⚠️ Usage: /chal &lt;name|id&gt;")
		return
	}
	query := strings.Join(cmd.args, " ")

	eventID, err := s.resolveEventID(ctx, cmd, "")
	if err != nil {
		s.reply(ctx, cmd, "⚠️ No event selected. Use /set_event first.")
		return
	}

	challenges, err := s.store.Catalog(ctx, eventID)
	if err != nil {
		s.logger.Error("Failed to load catalog", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load the catalog.")
		return
	}
	if len(challenges) == 0 {
		s.reply(ctx, cmd, "📭 No catalog for <code>"+escape(eventID)+"</code> yet. Run /init_challenges first.")
		return
	}

	chal := matchChallenge(challenges, query)
	if chal == nil {
		s.reply(ctx, cmd, "❌ Challenge \""+escape(query)+"\" not found in the catalog.")
		return
	}

	solved := s.solvedSet(ctx, cmd.chatID, eventID)
	s.reply(ctx, cmd, formatChallenge(chal, solved[chal.ID]))
}

func (s *Server) cmdSyncSolves(ctx context.Context, cmd *command) {
	if !s.requirePrivate(ctx, cmd) {
		return
	}
	explicit := ""
	if len(cmd.args) > 0 {
		explicit = cmd.args[0]
	}
	eventID, err := s.resolveEventID(ctx, cmd, explicit)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ No event selected. Use /set_event or /sync_solves &lt;event_id&gt;.")
		return
	}

	event, err := s.findEvent(ctx, eventID)
	if err != nil {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
		return
	}
	sub, err := s.subscription(ctx, cmd.chatID, eventID)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ You have no subscription for this event. Use /join_event first.")
		return
	}

	s.reply(ctx, cmd, "🔄 Syncing solves for <b>"+escape(event.Name)+"</b>...")

	current, err := s.platform(event.URL, sub.Credentials).Solves(ctx)
	if err != nil {
		s.logger.Warn("Manual solve sync failed", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "❌ Solve fetch failed: "+escape(err.Error()))
		return
	}

	fresh := poll.NewSolves(sub.LastSolves, current)
	sub.LastSolves = current
	sub.LastChecked = time.Now()
	if err := s.saveSubscription(ctx, sub); err != nil {
		s.logger.Error("Failed to save subscription", "error", err)
	}

	s.reply(ctx, cmd, formatSyncReport(current, fresh))
}

func (s *Server) cmdLeaderboard(ctx context.Context, cmd *command) {
	lb, err := s.store.Leaderboard(ctx)
	if err != nil {
		s.logger.Error("Failed to load leaderboard", "error", err)
		s.reply(ctx, cmd, "⚠️ Could not load the leaderboard.")
		return
	}
	s.reply(ctx, cmd, formatLeaderboard(lb))
}

func (s *Server) cmdScoreboard(ctx context.Context, cmd *command) {
	limit := 10
	explicit := ""
	if len(cmd.args) > 0 {
		if n, err := strconv.Atoi(cmd.args[0]); err == nil && n > 0 {
			limit = n
		} else {
			explicit = cmd.args[0]
		}
	}

	eventID, err := s.resolveEventID(ctx, cmd, explicit)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ No event selected. Use /set_event first.")
		return
	}
	event, err := s.findEvent(ctx, eventID)
	if err != nil {
		s.reply(ctx, cmd, "❌ Event <code>"+escape(eventID)+"</code> not found.")
		return
	}

	// Any member's credentials can read the scoreboard
	sub, err := s.anySubscription(ctx, cmd.chatID, eventID)
	if err != nil {
		s.reply(ctx, cmd, "⚠️ Nobody has joined this event yet, so there are no credentials to read the scoreboard with.")
		return
	}

	standings, err := s.platform(event.URL, sub.Credentials).Scoreboard(ctx, limit)
	if err != nil {
		s.logger.Warn("Scoreboard fetch failed", "event_id", eventID, "error", err)
		s.reply(ctx, cmd, "❌ Scoreboard fetch failed: "+escape(err.Error()))
		return
	}
	s.reply(ctx, cmd, formatScoreboard(event.Name, standings))
}

// anySubscription prefers the chat's own subscription and falls back to any
// subscription for the event.
func (s *Server) anySubscription(ctx context.Context, chatID, eventID string) (*tracker.Subscription, error) {
	if sub, err := s.subscription(ctx, chatID, eventID); err == nil {
		return sub, nil
	}
	subs, err := s.store.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.EventID == eventID {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("no subscription for event %s", eventID)
}

func normalizeURL(u string) string {
	u = strings.ToLower(u)
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	return strings.TrimSuffix(u, "/")
}
