package router

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// helpText renders Telegram-friendly help in HTML parse mode.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	// Walk to the requested node.
	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			// Maybe it's an alias.
			if leaf, ok2 := alias[p]; ok2 && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return m.helpUnknownHTML()
		}
		cur = n
		full = append(full, p)
	}

	if len(path) == 0 {
		return m.helpTopHTML(root)
	}
	return m.helpNodeHTML(cur, full)
}

func (m *CommandManager) helpUnknownHTML() string {
	return strings.Join([]string{
		"❓ <b>Unknown command</b>",
		"Type <code>/help</code> for the command list.",
	}, "\n")
}

func (m *CommandManager) helpTopHTML(root *cmdNode) string {
	names := root.childNames()
	rows := make([]topRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		desc := summarizeNodeDesc(n)
		lock := nodeIsOwnerOnly(n)
		rows = append(rows, topRow{name: name, desc: desc, lock: lock})
	}
	// Owner-only commands go to the bottom, alphabetical within groups.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock && rows[j].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}

	for _, r := range rows {
		cmd := "/" + html.EscapeString(r.name)
		suffix := ""
		if r.desc != "" {
			suffix = " — " + html.EscapeString(r.desc)
		}
		prefix := "• "
		if r.lock {
			prefix = "• 🔒 "
		}
		lines = append(lines, prefix+"<code>"+cmd+"</code>"+suffix)
	}

	lines = append(lines,
		"",
		"Tip: type <code>/</code> in Telegram to see command suggestions.",
	)
	return strings.Join(filterEmpty(lines), "\n")
}

type topRow struct {
	name string
	desc string
	lock bool
}

func (m *CommandManager) helpNodeHTML(cur *cmdNode, full []string) string {
	title := "/" + strings.Join(full, " ")
	lines := []string{fmt.Sprintf("📚 <b>Help</b> <code>%s</code>", html.EscapeString(title))}

	if cur != nil && cur.cmd != nil {
		c := cur.cmd
		if strings.TrimSpace(c.Description) != "" {
			lines = append(lines, html.EscapeString(strings.TrimSpace(c.Description)))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>Owner only</i>")
		}

		if strings.TrimSpace(c.Usage) != "" {
			lines = append(lines, "", "<b>Usage</b>")
			lines = append(lines, "<code>"+html.EscapeString(strings.TrimSpace(c.Usage))+"</code>")
		}

		short := buildShortcuts(*c)
		if len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	} else {
		lines = append(lines, "Command group (has subcommands).")
		if nodeIsOwnerOnly(cur) {
			lines = append(lines, "🔒 <i>Owner only</i>")
		}
	}

	if cur != nil && len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			if n == nil {
				continue
			}
			path := append(append([]string(nil), full...), name)
			cmd := "/" + strings.Join(path, " ")
			desc := summarizeNodeDesc(n)
			suffix := ""
			if desc != "" {
				suffix = " — " + html.EscapeString(desc)
			}
			prefix := "• "
			if nodeIsOwnerOnly(n) {
				prefix = "• 🔒 "
			}
			lines = append(lines, prefix+"<code>"+html.EscapeString(cmd)+"</code>"+suffix)
		}
	}

	return strings.Join(filterEmpty(lines), "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	if len(n.children) == 0 {
		return ""
	}

	// For groups, show the first few subcommands as a hint.
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	max := 3
	if len(kids) < max {
		max = len(kids)
	}
	s := strings.Join(kids[:max], ", ")
	if len(kids) > max {
		s += ", …"
	}
	return "subcommands: " + s
}

func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return n.cmd.Access == AccessOwnerOnly
	}
	// A group is owner-only when every descendant is.
	ownerOnly := true
	var walk func(x *cmdNode)
	walk = func(x *cmdNode) {
		if x == nil || !ownerOnly {
			return
		}
		if x.cmd != nil && x.cmd.Access == AccessEveryone {
			ownerOnly = false
			return
		}
		for _, ch := range x.children {
			walk(ch)
			if !ownerOnly {
				return
			}
		}
	}
	walk(n)
	return ownerOnly
}

func buildShortcuts(c Command) []string {
	out := make([]string, 0, 8)
	seen := map[string]bool{}

	if menu, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok {
		if len(splitRoute(c.Route)) > 1 || menu != splitRoute(c.Route)[0] {
			if !seen[menu] {
				out = append(out, menu)
				seen[menu] = true
			}
		}
	}

	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		if !seen[a] {
			out = append(out, a)
			seen[a] = true
		}
		if sa := sanitizeTelegramCommand(a); sa != "" && !seen[sa] {
			out = append(out, sa)
			seen[sa] = true
		}
	}

	sort.Strings(out)
	return out
}

func filterEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
