package bot

import (
	"fmt"
	"html"
	"strings"
	"time"

	"wakecall/internal/schedule"
	kit "wakecall/internal/transport"
)

// Replies use Telegram HTML parse mode; everything user-supplied goes
// through esc.
var htmlOpts = &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}

func esc(s string) string { return html.EscapeString(s) }

func bold(s string) string { return "<b>" + esc(s) + "</b>" }

func code(s string) string { return "<code>" + esc(s) + "</code>" }

func italic(s string) string { return "<i>" + esc(s) + "</i>" }

const instantLayout = "Mon 02 Jan 15:04 MST"

func formatInstant(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(instantLayout)
}

func modeWord(m schedule.DeliveryMode) string {
	switch m {
	case schedule.RemoteCall:
		return "call"
	case schedule.LocalInterrupt:
		return "local"
	}
	return strings.ToLower(m.String())
}

func recurrenceWord(r schedule.Recurrence) string {
	if r == schedule.Daily {
		return "daily"
	}
	return "once"
}

// recordLine renders one schedule as a single HTML line.
func recordLine(rec schedule.Record, next time.Time, loc *time.Location) string {
	var b strings.Builder
	b.WriteString(code(shortID(rec.ID)))
	fmt.Fprintf(&b, " %s %s, %s", bold(rec.WakeTime.String()), recurrenceWord(rec.Recurrence), modeWord(rec.Mode))
	if rec.Status != schedule.Pending {
		b.WriteString(" [" + strings.ToLower(rec.Status.String()) + "]")
	} else if !next.IsZero() {
		b.WriteString(", next " + esc(formatInstant(next, loc)))
	}
	if rec.Label != "" {
		b.WriteString(" " + italic(rec.Label))
	}
	return b.String()
}

// shortID keeps uuids readable in chat; /cancel accepts the full id or a
// unique prefix.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
