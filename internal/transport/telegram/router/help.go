package router

import (
	"html"
	"strings"
)

// helpText renders help in Telegram HTML. Moderator-only commands are listed
// only for moderators.
func (m *CommandManager) helpText(path []string, owner bool) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = commandWord(p)
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok := alias[p]; ok && len(full) == 0 {
				cur, full = leaf, splitRoute(leaf.cmd.Route)
				break
			}
			return "<b>Unknown command</b>\nType <code>/help</code> for the list."
		}
		cur = n
		full = append(full, n.name)
	}
	if len(full) == 0 {
		return helpTop(root, owner)
	}
	return helpNode(cur, full, owner)
}

func helpTop(root *cmdNode, owner bool) string {
	lines := []string{"<b>Commands</b>", "Type <code>/help &lt;cmd&gt;</code> for details.", ""}
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if nodeIsOwnerOnly(n) && !owner {
			continue
		}
		line := "• <code>/" + html.EscapeString(name) + "</code>"
		if d := summarizeNodeDesc(n); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func helpNode(n *cmdNode, full []string, owner bool) string {
	lines := []string{"<b>/" + html.EscapeString(strings.Join(full, " ")) + "</b>"}
	if c := n.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "Usage: <code>"+html.EscapeString(u)+"</code>")
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "<i>Moderators only.</i>")
		}
	}
	if len(n.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range n.childNames() {
			ch := n.children[name]
			if nodeIsOwnerOnly(ch) && !owner {
				continue
			}
			line := "• <code>" + html.EscapeString(name) + "</code>"
			if d := summarizeNodeDesc(ch); d != "" {
				line += " - " + html.EscapeString(d)
			}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// summarizeNodeDesc is the command's description, or for a group the list of
// its subcommands.
func summarizeNodeDesc(n *cmdNode) string {
	if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
		return strings.TrimSpace(n.cmd.Description)
	}
	if len(n.children) == 0 {
		return ""
	}
	return strings.Join(n.childNames(), ", ")
}

// nodeIsOwnerOnly reports whether every command at or below n is owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	found := false
	ownerOnly := true
	n.walk(func(_ []string, c *Command) {
		found = true
		if c.Access != AccessOwnerOnly {
			ownerOnly = false
		}
	})
	return found && ownerOnly
}
