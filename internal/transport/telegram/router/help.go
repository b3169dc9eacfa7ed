package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders the command list in Telegram HTML. Admin-only commands
// are listed only for admins.
func (m *Router) helpText(admin bool) string {
	m.mu.RLock()
	cmds := make([]*Command, 0, len(m.commands))
	for _, c := range m.commands {
		if c.Hidden || (c.Access == AccessAdminOnly && !admin) {
			continue
		}
		cmds = append(cmds, c)
	}
	m.mu.RUnlock()

	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{"📚 <b>Commands</b>", ""}
	adminHeader := false
	for _, c := range cmds {
		if c.Access == AccessAdminOnly && !adminHeader {
			lines = append(lines, "", "🔒 <b>Admin</b>")
			adminHeader = true
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := "<code>" + html.EscapeString(usage) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
