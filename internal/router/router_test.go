package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

type sentText struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []sentText
	acked []string
}

func (f *fakeAdapter) Platform() string { return kit.PlatformTelegram }

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentText{to: to, text: text})
	f.mu.Unlock()
	return kit.MessageRef{Platform: f.Platform(), ChatID: to.ChatID, MessageID: "1"}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	f.acked = append(f.acked, callbackID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

func startRouter(t *testing.T, cmds []Command, owners map[string][]string) (*fakeAdapter, chan kit.Update) {
	t.Helper()
	fa := &fakeAdapter{}
	r := New(logx.Nop())
	r.RegisterAdapter(fa)
	if owners != nil {
		r.SetOwners(owners)
	}
	r.SetCommands(cmds)

	updates := make(chan kit.Update, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.DispatchLoop(ctx, updates)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("dispatch loop did not stop")
		}
	})
	return fa, updates
}

func msgUpdate(fromID, text string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			Platform: kit.PlatformTelegram,
			ChatID:   "-100",
			FromID:   fromID,
			Text:     text,
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRouteSubcommandWithFlags(t *testing.T) {
	got := make(chan *Request, 1)
	cmds := []Command{
		{Route: "track", Handle: func(ctx context.Context, req *Request) error { return nil }},
		{Route: "milestone set", Handle: func(ctx context.Context, req *Request) error {
			got <- req
			return nil
		}},
	}
	_, updates := startRouter(t, cmds, nil)

	updates <- msgUpdate("42", `/milestone set v1 --channel telegram:-999 --ping "all hands"`)

	select {
	case req := <-got:
		if !reflect.DeepEqual(req.Path, []string{"milestone", "set"}) {
			t.Fatalf("path = %v", req.Path)
		}
		if !reflect.DeepEqual(req.Args, []string{"v1"}) {
			t.Fatalf("args = %v", req.Args)
		}
		if req.Flags["channel"] != "telegram:-999" {
			t.Fatalf("channel flag = %q", req.Flags["channel"])
		}
		if req.Flags["ping"] != "all hands" {
			t.Fatalf("quoted flag = %q", req.Flags["ping"])
		}
		if req.Tenant != "telegram:-100" {
			t.Fatalf("tenant = %q", req.Tenant)
		}
		if req.ActorRef() != "telegram:42" {
			t.Fatalf("actor = %q", req.ActorRef())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}
}

func TestAliasAndAutoAlias(t *testing.T) {
	got := make(chan string, 2)
	cmds := []Command{
		{Route: "milestone set", Aliases: []string{"ms"}, Handle: func(ctx context.Context, req *Request) error {
			got <- strings.Join(req.Args, " ")
			return nil
		}},
	}
	_, updates := startRouter(t, cmds, nil)

	// Explicit alias.
	updates <- msgUpdate("42", "/ms v1")
	select {
	case args := <-got:
		if args != "v1" {
			t.Fatalf("alias args = %q", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("alias route never ran")
	}

	// Auto alias from the route tokens (menu autocomplete form).
	updates <- msgUpdate("42", "/milestone_set v2")
	select {
	case args := <-got:
		if args != "v2" {
			t.Fatalf("auto alias args = %q", args)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("auto alias route never ran")
	}
}

func TestOwnerGate(t *testing.T) {
	ran := make(chan string, 1)
	cmds := []Command{
		{Route: "status", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error {
			ran <- req.FromID
			return nil
		}},
	}
	fa, updates := startRouter(t, cmds, map[string][]string{kit.PlatformTelegram: {"42"}})

	updates <- msgUpdate("7", "/status")
	waitFor(t, "unauthorized reply", func() bool {
		for _, s := range fa.texts() {
			if s == "unauthorized" {
				return true
			}
		}
		return false
	})
	select {
	case id := <-ran:
		t.Fatalf("handler ran for non-owner %q", id)
	default:
	}

	updates <- msgUpdate("42", "/status")
	select {
	case id := <-ran:
		if id != "42" {
			t.Fatalf("owner id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("owner was rejected")
	}
}

func TestUnknownCommandReplies(t *testing.T) {
	fa, updates := startRouter(t, []Command{
		{Route: "track", Handle: func(ctx context.Context, req *Request) error { return nil }},
	}, nil)

	updates <- msgUpdate("42", "/nope")
	waitFor(t, "unknown command reply", func() bool {
		for _, s := range fa.texts() {
			if strings.Contains(s, "unknown command") {
				return true
			}
		}
		return false
	})

	// Plain chatter is ignored entirely.
	updates <- msgUpdate("42", "hello there")
	time.Sleep(50 * time.Millisecond)
	if n := len(fa.texts()); n != 1 {
		t.Fatalf("non-command produced a reply: %d sends", n)
	}
}

func TestGroupNodeRendersHelp(t *testing.T) {
	cmds := []Command{
		{Route: "milestone set", Description: "configure milestone alerts", Handle: func(ctx context.Context, req *Request) error { return nil }},
		{Route: "milestone clear", Handle: func(ctx context.Context, req *Request) error { return nil }},
	}
	fa, updates := startRouter(t, cmds, nil)

	updates <- msgUpdate("42", "/milestone")
	waitFor(t, "group help", func() bool {
		for _, s := range fa.texts() {
			if strings.Contains(s, "set") && strings.Contains(s, "clear") {
				return true
			}
		}
		return false
	})
}

func TestHelpListsCommandsAndLocks(t *testing.T) {
	cmds := []Command{
		{Route: "track", Description: "add an item", Handle: func(ctx context.Context, req *Request) error { return nil }},
		{Route: "tenants", Description: "list tenants", Access: AccessOwnerOnly, Handle: func(ctx context.Context, req *Request) error { return nil }},
	}
	fa, updates := startRouter(t, cmds, nil)

	updates <- msgUpdate("42", "/help")
	waitFor(t, "help text", func() bool {
		for _, s := range fa.texts() {
			if strings.Contains(s, "/track") && strings.Contains(s, "add an item") &&
				strings.Contains(s, "🔒") && strings.Contains(s, "<code>") {
				return true
			}
		}
		return false
	})
}

func TestHelpPlainOnNonHTMLPlatforms(t *testing.T) {
	r := New(logx.Nop())
	r.SetCommands([]Command{
		{Route: "track", Description: "add an item", Handle: func(ctx context.Context, req *Request) error { return nil }},
	})
	msg := r.helpMessage(kit.PlatformSlack, nil)
	if strings.Contains(msg.Text, "<b>") || strings.Contains(msg.Text, "<code>") {
		t.Fatalf("slack help leaked HTML: %q", msg.Text)
	}
	if !strings.Contains(msg.Text, "/track") {
		t.Fatalf("slack help missing command: %q", msg.Text)
	}
	if msg.Opt == nil || msg.Opt.ParseMode != "" {
		t.Fatalf("slack help opt = %+v", msg.Opt)
	}
}

func TestCallbackUpdatesAcked(t *testing.T) {
	fa, updates := startRouter(t, nil, nil)

	updates <- kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID:       "cb-1",
			Platform: kit.PlatformTelegram,
			ChatID:   "-100",
			FromID:   "42",
			Data:     "stale:button",
		},
	}
	waitFor(t, "callback ack", func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.acked) == 1 && fa.acked[0] == "cb-1"
	})
}

func TestTokenizeCommandLine(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/track v1", []string{"/track", "v1"}},
		{`/track v1 "My Title" --channel x`, []string{"/track", "v1", "My Title", "--channel", "x"}},
		{`/a 'single quoted' b`, []string{"/a", "single quoted", "b"}},
		{`/a esc\ aped`, []string{"/a", "esc aped"}},
		{"  /a \t b  ", []string{"/a", "b"}},
	}
	for _, tc := range cases {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenize(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	pos, flags, bools := parseFlags([]string{"v1", "--channel=telegram:-1", "--ping", "hey", "--force", "-v"})
	if !reflect.DeepEqual(pos, []string{"v1"}) {
		t.Fatalf("pos = %v", pos)
	}
	if flags["channel"] != "telegram:-1" || flags["ping"] != "hey" {
		t.Fatalf("flags = %v", flags)
	}
	if !bools["force"] || !bools["v"] {
		t.Fatalf("bools = %v", bools)
	}
}

func TestSanitizeMenuCommand(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"milestone set", "milestone_set"},
		{"Force-Check", "force_check"},
		{"__x__", "x"},
		{"9lives", "cmd_9lives"},
		{"___", ""},
		{"Ünïcode", "ncode"},
	}
	for _, tc := range cases {
		if got := sanitizeMenuCommand(tc.in); got != tc.want {
			t.Errorf("sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildMenuCommands(t *testing.T) {
	root := newRoot()
	cmds := []Command{
		{Route: "track", Description: "add an item"},
		{Route: "milestone set", Description: "configure milestone alerts"},
		{Route: "tenants", Description: "list tenants", Access: AccessOwnerOnly},
	}
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}
	menu := buildMenuCommands(root, cmds)

	byName := map[string]kit.BotCommand{}
	for _, m := range menu {
		byName[m.Command] = m
	}
	if _, ok := byName["track"]; !ok {
		t.Fatalf("menu missing track: %v", menu)
	}
	if _, ok := byName["milestone_set"]; !ok {
		t.Fatalf("menu missing leaf shortcut: %v", menu)
	}
	if got := byName["tenants"].Description; !strings.HasPrefix(got, "🔒") {
		t.Fatalf("owner-only not marked: %q", got)
	}
}
