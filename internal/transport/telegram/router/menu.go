package router

import (
	"sort"
	"strings"

	kit "gamenight/internal/transport"
)

const maxCommandLen = 32

// sanitizeTelegramCommand maps a route or alias onto Telegram's command
// alphabet [a-z0-9_]{1,32}. Separators collapse to one underscore.
func sanitizeTelegramCommand(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == ' ', r == '\t', r == '/':
			pendingSep = true
		}
	}
	out := b.String()
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandLen {
		out = strings.TrimRight(out[:maxCommandLen], "_")
	}
	return out
}

// telegramCommandNameFromRoute joins a route for the menu:
// ["schedule","list"] becomes "schedule_list".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	out := sanitizeTelegramCommand(strings.Join(route, "_"))
	return out, out != ""
}

func buildTelegramMenuCommands(root *cmdNode) []kit.BotCommand {
	type entry struct {
		cmd  string
		desc string
		prio int
	}
	byCmd := map[string]entry{}
	add := func(cmd, desc string, prio int) {
		if cmd = sanitizeTelegramCommand(cmd); cmd == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		if cur, ok := byCmd[cmd]; ok && cur.prio <= prio {
			return
		}
		byCmd[cmd] = entry{cmd: cmd, desc: desc, prio: prio}
	}

	// Top-level entries first, then /a_b shortcuts for nested commands.
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		desc := summarizeNodeDesc(n)
		if nodeIsOwnerOnly(n) {
			desc = "(mods) " + desc
		}
		add(name, desc, 0)
	}
	root.walk(func(path []string, c *Command) {
		if len(path) < 2 {
			return
		}
		name, ok := telegramCommandNameFromRoute(path)
		if !ok {
			return
		}
		desc := c.Description
		if c.Access == AccessOwnerOnly {
			desc = "(mods) " + desc
		}
		add(name, desc, 1)
	})

	entries := make([]entry, 0, len(byCmd))
	for _, e := range byCmd {
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].cmd < entries[j].cmd
	})

	out := make([]kit.BotCommand, 0, len(entries))
	for _, e := range entries {
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
		if len(out) == 100 {
			break
		}
	}
	return out
}
