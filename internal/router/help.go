package router

import (
	"sort"
	"strings"

	"trackbot/internal/render"
	kit "trackbot/internal/transport"
)

// helpMessage renders help for the given path in the platform's markup.
func (r *Router) helpMessage(platform string, path []string) render.Message {
	r.mu.RLock()
	root := r.root
	alias := r.alias
	r.mu.RUnlock()

	// Walk to the requested node.
	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			// maybe it's an alias
			if leaf, ok2 := alias[p]; ok2 && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return render.For(platform).
				Title("❓", "Unknown command").
				Line("Type /help to list commands.").
				Build()
		}
		cur = n
		full = append(full, p)
	}

	if len(path) == 0 {
		return helpTop(platform, root)
	}
	return helpNode(platform, cur, full)
}

type helpRow struct {
	name string
	desc string
	lock bool
}

func helpTop(platform string, root *cmdNode) render.Message {
	names := root.childNames()
	rows := make([]helpRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		rows = append(rows, helpRow{name: name, desc: summarizeNodeDesc(n), lock: nodeIsOwnerOnly(n)})
	}
	// Owner-only commands sink to the bottom, alphabetical within groups.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock && rows[j].lock
		}
		return rows[i].name < rows[j].name
	})

	b := render.For(platform).
		Title("📚", "Commands").
		Line("Type /help <cmd> for details.").
		Blank()
	for _, r := range rows {
		prefix := "• "
		if r.lock {
			prefix = "• 🔒 "
		}
		cmdRow(b, platform, prefix, "/"+r.name, r.desc)
	}
	return b.Build()
}

func helpNode(platform string, cur *cmdNode, full []string) render.Message {
	title := "/" + strings.Join(full, " ")
	b := render.For(platform).Title("📚", "Help "+title)

	if cur != nil && cur.cmd != nil {
		c := cur.cmd
		if d := strings.TrimSpace(c.Description); d != "" {
			b.Line(d)
		}
		if c.Access == AccessOwnerOnly {
			b.Line("🔒 owner only")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			b.Blank().Code(u)
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			b.Blank().Line("Shortcuts:")
			for _, s := range short {
				cmdRow(b, platform, "• ", "/"+s, "")
			}
		}
	} else if cur != nil {
		b.Line("Command group, see subcommands.")
		if nodeIsOwnerOnly(cur) {
			b.Line("🔒 owner only")
		}
	}

	if cur != nil && len(cur.children) > 0 {
		b.Blank().Line("Subcommands:")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			if n == nil {
				continue
			}
			path := append(append([]string(nil), full...), name)
			prefix := "• "
			if nodeIsOwnerOnly(n) {
				prefix = "• 🔒 "
			}
			cmdRow(b, platform, prefix, "/"+strings.Join(path, " "), summarizeNodeDesc(n))
		}
	}
	return b.Build()
}

// cmdRow appends one "• /cmd — description" row, with the command in
// inline code on platforms that render HTML.
func cmdRow(b *render.Builder, platform, prefix, cmd, desc string) {
	suffix := ""
	if desc != "" {
		suffix = " - " + desc
	}
	if platform == kit.PlatformTelegram {
		b.RawLine(render.Esc(prefix).String() + render.Code(cmd).String() + render.Esc(suffix).String())
		return
	}
	b.Line(prefix + cmd + suffix)
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
		s += ", ..."
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

	if menu, ok := menuCommandFromRoute(splitRoute(c.Route)); ok {
		route := splitRoute(c.Route)
		if len(route) > 1 || menu != route[0] {
			out = append(out, menu)
			seen[menu] = true
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
		if sa := sanitizeMenuCommand(a); sa != "" && !seen[sa] {
			out = append(out, sa)
			seen[sa] = true
		}
	}

	sort.Strings(out)
	return out
}
