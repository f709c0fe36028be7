package relay

import (
	"fmt"
	"strings"
	"time"

	"gitlab.com/baristalab/api/telegram-notify-relay/internal/model"
	"gitlab.com/baristalab/api/telegram-notify-relay/pkg/utils"
)

// Descriptions longer than this are trimmed in the rendered message. The full
// text still participates in the dedup fingerprint.
const maxDescriptionLength = 500

var severityEmoji = map[model.Severity]string{
	model.SeverityWarning:   "⚠️",
	model.SeverityError:     "❗",
	model.SeverityCritical:  "🔴",
	model.SeverityAlert:     "🚨",
	model.SeverityEmergency: "🆘",
}

// FormatMessage renders an audit event into the Markdown message body stored
// on the delivery job. Rendering happens once at enqueue time so every retry
// sends identical text.
func FormatMessage(ev model.AuditEvent) string {
	var b strings.Builder

	b.WriteString("🚨 *")
	b.WriteString(ev.Type)
	b.WriteString("*")
	if emoji, ok := severityEmoji[ev.Severity]; ok {
		b.WriteString(" ")
		b.WriteString(emoji)
		b.WriteString(" ")
		b.WriteString(string(ev.Severity))
	}
	b.WriteString("\n\n")

	desc := ev.Description
	if runes := []rune(desc); len(runes) > maxDescriptionLength {
		desc = string(runes[:maxDescriptionLength]) + "..."
	}
	b.WriteString(desc)
	b.WriteString("\n")

	if ev.ItemID != "" {
		fmt.Fprintf(&b, "\nItem: `%s`", ev.ItemID)
	}
	if ev.RequestURI != "" {
		fmt.Fprintf(&b, "\nURL: `%s`", ev.RequestURI)
	}
	if ev.RemoteAddr != "" {
		fmt.Fprintf(&b, "\nIP: `%s`", ev.RemoteAddr)
	}
	if ev.UserID != 0 {
		fmt.Fprintf(&b, "\nUser: `%d`", ev.UserID)
	}
	if ev.SiteID != "" {
		fmt.Fprintf(&b, "\nSite: `%s`", ev.SiteID)
	}

	ts := utils.Now()
	if ev.Timestamp > 0 {
		ts = utils.UnixToTime(ev.Timestamp)
	}
	fmt.Fprintf(&b, "\n\n_%s_", ts.Format(time.RFC3339))

	return b.String()
}
