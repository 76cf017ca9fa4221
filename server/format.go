package server

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"ctfd-notifier/ctfd"
	"ctfd-notifier/pkg/tracker"
	"ctfd-notifier/upcoming"
)

func escape(s string) string {
	return html.EscapeString(s)
}

// formatDirectory renders the CTFtime window split into running and
// upcoming sections. filter narrows the output to one section.
func formatDirectory(listing []upcoming.DirectoryEvent, filter string, now time.Time) string {
	var running, future []upcoming.DirectoryEvent
	for _, e := range listing {
		switch {
		case !e.Start.After(now) && !e.Finish.Before(now):
			running = append(running, e)
		case e.Start.After(now):
			future = append(future, e)
		}
	}

	showRunning := filter == "" || filter == "running"
	showUpcoming := filter == "" || filter == "upcoming"

	var b strings.Builder
	if showRunning {
		if len(running) > 0 {
			b.WriteString("🔥 <b>RUNNING</b>\n")
			for _, e := range running {
				fmt.Fprintf(&b, "• <a href=\"%s\">%s</a>\n   🏁 Ends: %s\n\n",
					e.URL, escape(e.Title), e.Finish.UTC().Format("2 Jan, 15:04"))
			}
		} else if filter == "running" {
			b.WriteString("No events are running right now.\n")
		}
	}
	if showUpcoming {
		if len(future) > 0 {
			b.WriteString("⏳ <b>UPCOMING</b>\n")
			if len(future) > 5 {
				future = future[:5]
			}
			for _, e := range future {
				fmt.Fprintf(&b, "• <a href=\"%s\">%s</a>\n   🟢 Starts: %s\n   🏁 Ends: %s\n\n",
					e.URL, escape(e.Title),
					e.Start.UTC().Format("2 Jan, 15:04"),
					e.Finish.UTC().Format("2 Jan, 15:04"))
			}
		} else if filter == "upcoming" {
			b.WriteString("No upcoming events in the next two weeks.\n")
		}
	}

	if b.Len() == 0 {
		return "No CTFtime events to show right now."
	}
	b.WriteString("\nSource: <a href=\"https://ctftime.org\">CTFtime.org</a>")
	return b.String()
}

// formatEvents renders the tracked event list, active or archived.
func formatEvents(events []*tracker.Event, archived bool, now time.Time) string {
	var b strings.Builder
	count := 0
	for _, e := range events {
		if e.Archived != archived {
			continue
		}
		count++

		fmt.Fprintf(&b, "🚩 <b>%s</b>\n   🆔 <code>%s</code>\n   🌐 %s\n",
			escape(e.Name), e.ID, escape(e.URL))
		switch {
		case e.Archived:
			b.WriteString("   🔒 <b>Archived</b>\n")
		case e.Start != nil && e.Start.After(now):
			b.WriteString("   ⏳ <b>Starts:</b> " + countdown(e.Start.Sub(now)) + "\n")
		case e.Start != nil:
			b.WriteString("   🚀 <b>Running</b>\n")
		default:
			b.WriteString("   🟢 <b>Active</b>\n")
		}
		b.WriteString("\n")
	}

	if count == 0 {
		if archived {
			return "📂 No archived events."
		}
		return "📂 No tracked events yet. Add one with /add_event."
	}

	title := "📅 <b>Tracked Events</b>\n\n"
	if archived {
		title = "🔒 <b>Archived Events</b>\n\n"
	}
	return title + strings.TrimRight(b.String(), "\n")
}

func countdown(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
}

// formatChallenges renders the catalog grouped by category. filter "solved"
// narrows to solved entries; "all" and "" show everything.
func formatChallenges(challenges []tracker.Challenge, solved map[int]bool, filter string) string {
	byCategory := map[string][]tracker.Challenge{}
	var categories []string
	shown := 0
	for _, c := range challenges {
		if filter == "solved" && !solved[c.ID] {
			continue
		}
		if _, ok := byCategory[c.Category]; !ok {
			categories = append(categories, c.Category)
		}
		byCategory[c.Category] = append(byCategory[c.Category], c)
		shown++
	}
	sort.Strings(categories)

	if shown == 0 {
		if filter == "solved" {
			return "📭 Nothing solved yet. Get to work!"
		}
		return "📭 The catalog is empty."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📚 <b>Challenges</b> (%d)\n", shown)
	for _, cat := range categories {
		fmt.Fprintf(&b, "\n📂 <b>%s</b>\n", escape(cat))
		for _, c := range byCategory[cat] {
			mark := "▫️"
			if solved[c.ID] {
				mark = "✅"
			}
			fmt.Fprintf(&b, "%s %s (%d pts, %s)\n", mark, escape(c.Name), c.Value, c.FileSummary)
		}
	}
	return b.String()
}

// matchChallenge finds a catalog entry by numeric id or case-insensitive
// name substring.
func matchChallenge(challenges []tracker.Challenge, query string) *tracker.Challenge {
	if id, err := strconv.Atoi(query); err == nil {
		for i := range challenges {
			if challenges[i].ID == id {
				return &challenges[i]
			}
		}
		return nil
	}

	needle := strings.ToLower(query)
	for i := range challenges {
		if strings.Contains(strings.ToLower(challenges[i].Name), needle) {
			return &challenges[i]
		}
	}
	return nil
}

// htmlTagRe strips markup from platform descriptions; CTFd serves rich HTML
// that Telegram rejects.
var (
	htmlBreakRe = regexp.MustCompile(`(?i)<br\s*/?>|</p>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
)

// formatChallenge renders one catalog entry in full.
func formatChallenge(c *tracker.Challenge, solved bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🛡 <b>%s</b>\n📂 %s | 💎 %d pts | 👥 %d solves\n",
		escape(c.Name), escape(c.Category), c.Value, c.Solves)
	if solved {
		b.WriteString("✅ Solved by your team\n")
	}

	desc := htmlBreakRe.ReplaceAllString(c.Description, "\n")
	desc = strings.TrimSpace(htmlTagRe.ReplaceAllString(desc, ""))
	if desc == "" {
		desc = "No description."
	}
	b.WriteString("\n" + escape(desc) + "\n")

	if len(c.Tags) > 0 {
		b.WriteString("\n🏷 " + escape(strings.Join(c.Tags, ", ")) + "\n")
	}
	if len(c.Files) > 0 {
		b.WriteString("\n📂 <b>Files</b> (" + c.FileSummary + "):\n")
		for _, f := range c.Files {
			name := f
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			if i := strings.Index(name, "?"); i >= 0 {
				name = name[:i]
			}
			fmt.Fprintf(&b, "• <a href=\"%s\">%s</a>\n", f, escape(name))
		}
	}
	return b.String()
}

// formatSyncReport summarizes a manual solve sync.
func formatSyncReport(current, fresh []tracker.Solve) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ <b>Sync complete!</b>\n\nTotal solved: %d challenges.\n", len(current))
	if len(fresh) == 0 {
		b.WriteString("No new solves since the last check.")
		return b.String()
	}

	fmt.Fprintf(&b, "\n🔥 <b>%d new:</b>\n", len(fresh))
	for _, s := range fresh {
		fmt.Fprintf(&b, "• <b>%s</b> (%s | %d)\n",
			escape(s.Challenge.Name), escape(s.Challenge.Category), s.Challenge.Value)
	}
	return b.String()
}

// formatProfile renders the authenticated account's live state.
func formatProfile(account *ctfd.Account, eventName string, solves int) string {
	var b strings.Builder
	b.WriteString("👤 <b>Account Profile</b>\n\n")
	fmt.Fprintf(&b, "📛 <b>%s</b> (ID %d)\n", escape(account.Name), account.ID)
	if account.Place != "" {
		fmt.Fprintf(&b, "🏆 Rank: %s\n", escape(account.Place))
	}
	fmt.Fprintf(&b, "💎 Score: %d\n🚩 Solves: %d\n🌐 Event: %s", account.Score, solves, escape(eventName))
	return b.String()
}

// formatTeam renders the shared team's live state.
func formatTeam(team *ctfd.Account, eventName string) string {
	var b strings.Builder
	b.WriteString("🛡 <b>Team</b>\n\n")
	fmt.Fprintf(&b, "📛 <b>%s</b> (ID %d)\n", escape(team.Name), team.ID)
	rank := team.Place
	if rank == "" {
		rank = "Unranked"
	}
	fmt.Fprintf(&b, "🏆 Rank: %s\n💎 Score: %d\n🌐 Event: %s", escape(rank), team.Score, escape(eventName))
	return b.String()
}

// formatChallengeBroadcast renders the catalog as a channel announcement,
// names only, grouped by category.
func formatChallengeBroadcast(eventName string, challenges []tracker.Challenge) string {
	byCategory := map[string][]tracker.Challenge{}
	var categories []string
	for _, c := range challenges {
		if _, ok := byCategory[c.Category]; !ok {
			categories = append(categories, c.Category)
		}
		byCategory[c.Category] = append(byCategory[c.Category], c)
	}
	sort.Strings(categories)

	var b strings.Builder
	fmt.Fprintf(&b, "🎯 <b>%s: Challenges</b>\n", escape(eventName))
	for _, cat := range categories {
		fmt.Fprintf(&b, "\n📂 <b>%s</b> (%d)\n", escape(cat), len(byCategory[cat]))
		for _, c := range byCategory[cat] {
			fmt.Fprintf(&b, "• %s (%d pts)\n", escape(c.Name), c.Value)
		}
	}
	fmt.Fprintf(&b, "\n📚 %d challenges total. Browse details with /chal.", len(challenges))
	return b.String()
}

// formatLeaderboard aggregates every member's scores across events and
// renders the top entries.
func formatLeaderboard(lb tracker.Leaderboard) string {
	if len(lb) == 0 {
		return "📭 The leaderboard is empty. Join an event first."
	}

	type row struct {
		name   string
		score  int
		solves int
	}
	rows := make([]row, 0, len(lb))
	for _, entry := range lb {
		r := row{name: entry.TelegramName}
		if r.name == "" {
			r.name = entry.PlatformName
		}
		for _, s := range entry.Scores {
			r.score += s
		}
		for _, n := range entry.Solves {
			r.solves += n
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].name < rows[j].name
	})
	if len(rows) > 10 {
		rows = rows[:10]
	}

	medals := []string{"🥇", "🥈", "🥉"}
	var b strings.Builder
	b.WriteString("🏆 <b>Member Leaderboard</b>\n\n")
	for i, r := range rows {
		mark := fmt.Sprintf("%d.", i+1)
		if i < len(medals) {
			mark = medals[i]
		}
		fmt.Fprintf(&b, "%s <b>%s</b> — %d pts (%d solves)\n", mark, escape(r.name), r.score, r.solves)
	}
	return b.String()
}

// formatScoreboard renders live platform standings.
func formatScoreboard(eventName string, standings []ctfd.Standing) string {
	if len(standings) == 0 {
		return "📭 The scoreboard is empty."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🏟 <b>%s — Scoreboard</b>\n\n", escape(eventName))
	for _, s := range standings {
		fmt.Fprintf(&b, "%d. <b>%s</b> — %d pts\n", s.Pos, escape(s.Name), s.Score)
	}
	return b.String()
}
