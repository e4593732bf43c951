package router

import (
	"html"
	"strings"
)

// helpText renders help in Telegram HTML parse mode: the command list, or
// details for args[0].
func (m *Router) helpText(args []string) string {
	m.mu.RLock()
	order := m.order
	byName := m.commands
	m.mu.RUnlock()

	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(args[0]), "/"))
		c, ok := byName[name]
		if !ok {
			return "❓ <b>Unknown command</b>\nTry <code>/help</code> for the list."
		}
		lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Name) + "</code>"}
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "", "<b>Aliases</b> "+html.EscapeString("/"+strings.Join(c.Aliases, ", /")))
		}
		return strings.Join(lines, "\n")
	}

	lines := []string{"📚 <b>Commands</b>", "Send <code>/help &lt;cmd&gt;</code> for details.", ""}
	for _, c := range order {
		line := "• <code>/" + html.EscapeString(c.Name) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " : " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
