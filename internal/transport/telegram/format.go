package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"chime/internal/notification"
)

// Alert texts shown in chat.
const (
	permissionPromptText = "🔐 <b>Permissions Needed</b>\nNotification permissions are required for this app to work."
	permissionDeniedText = "🔐 <b>Permissions Needed</b>\nNotification permissions are required for this app to work.\nUse /permission to ask again."
)

func formatFired(r notification.Record) string {
	return "🔔 <b>" + html.EscapeString(r.Title) + "</b>\n" + html.EscapeString(r.Body)
}

func formatOpened(r notification.Record, loc *time.Location) string {
	s := "✓ <b>" + html.EscapeString(r.Title) + "</b>\n" + html.EscapeString(r.Body)
	if !r.AckedAt.IsZero() {
		s += "\n<i>opened " + r.AckedAt.In(loc).Format("15:04:05") + "</i>"
	}
	return s
}

func formatClicked(r notification.Record) string {
	return "👆 <b>Notification Clicked</b>\n" + html.EscapeString(r.Title) + "\n" + html.EscapeString(r.Body)
}

func formatScheduled(delay time.Duration) string {
	return "✅ <b>Notification Scheduled</b>\nYou will receive it in " + humanDelay(delay) + "."
}

// humanDelay renders whole-second delays the way the app's alert does
// ("10 seconds"), falling back to Go duration syntax otherwise.
func humanDelay(d time.Duration) string {
	if d%time.Second != 0 || d >= time.Hour {
		return d.String()
	}
	n := int(d / time.Second)
	if n == 1 {
		return "1 second"
	}
	return fmt.Sprintf("%d seconds", n)
}

// formatList renders up to limit records, one per line, with the time
// picked by at.
func formatList(title string, recs []notification.Record, limit int, loc *time.Location, at func(notification.Record) time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> (%d)", html.EscapeString(title), len(recs))
	if len(recs) == 0 {
		b.WriteString("\n<i>none</i>")
		return b.String()
	}
	for i, r := range recs {
		if i == limit {
			fmt.Fprintf(&b, "\n… and %d more", len(recs)-limit)
			break
		}
		fmt.Fprintf(&b, "\n• <code>%s</code> %s <b>%s</b>",
			html.EscapeString(r.ID),
			at(r).In(loc).Format("01-02 15:04:05"),
			html.EscapeString(r.Title),
		)
		if r.State.IsTerminal() {
			fmt.Fprintf(&b, " <i>%s</i>", r.State)
		}
	}
	return b.String()
}

func fireAt(r notification.Record) time.Time { return r.FireAt }

func firedAt(r notification.Record) time.Time { return r.FiredAt }

func closedAt(r notification.Record) time.Time {
	if r.State == notification.StateCancelled {
		return r.CancelledAt
	}
	return r.AckedAt
}
