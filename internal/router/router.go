package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "trackbot/internal/runtime/supervisor"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

// Router owns the command registry and dispatches updates from every
// registered adapter onto a bounded worker pool.
type Router struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode // alias -> leaf node
	owners map[string]struct{} // "platform:user_id"
	menu   []kit.BotCommand

	amu      sync.RWMutex
	adapters map[string]kit.Adapter

	log logx.Logger

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func New(log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		root:     newRoot(),
		alias:    map[string]*cmdNode{},
		owners:   map[string]struct{}{},
		adapters: map[string]kit.Adapter{},
		log:      log.With(logx.String("comp", "router")),
		jobs:     make(chan func(), 256),
	}
}

// RegisterAdapter makes an adapter's platform routable. Safe before Start;
// replacing a live adapter is not supported.
func (r *Router) RegisterAdapter(a kit.Adapter) {
	if a == nil {
		return
	}
	r.amu.Lock()
	r.adapters[a.Platform()] = a
	r.amu.Unlock()
}

func (r *Router) adapterFor(platform string) kit.Adapter {
	r.amu.RLock()
	defer r.amu.RUnlock()
	return r.adapters[platform]
}

// SetOwners replaces the owner set. Keys are per platform; ids are
// platform-local user ids. Safe to call during hot-reload.
func (r *Router) SetOwners(byPlatform map[string][]string) {
	set := map[string]struct{}{}
	for platform, ids := range byPlatform {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			set[platform+":"+id] = struct{}{}
		}
	}
	r.mu.Lock()
	r.owners = set
	r.mu.Unlock()
}

func (r *Router) isOwner(platform, userID string) bool {
	r.mu.RLock()
	_, ok := r.owners[platform+":"+userID]
	r.mu.RUnlock()
	return ok
}

// Supervisor returns the dispatcher's supervisor (nil when not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

func (r *Router) setSupervisor(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetCommands replaces the command registry. A /help command is always
// injected. Platform command menus (autocomplete) are refreshed
// best-effort for adapters that support them.
func (r *Router) SetCommands(cmds []Command) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show command help",
		Usage:       "/help [cmd] [sub...]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			msg := r.helpMessage(req.Chat.Platform, req.Args)
			_, err := req.Adapter.SendText(ctx, req.Chat, msg.Text, msg.Opt)
			return err
		},
	}
	cmds = append(cmds, helper)

	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))

	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		cc := c // copy
		root.add(route, cc)
		menuCandidates = append(menuCandidates, cc)

		leaf := root.find(route)
		// Auto aliases let multi-token routes appear in platform
		// autocomplete menus ("milestone set" -> "milestone_set").
		//
		// The canonical single-token name itself must NOT become an
		// alias: an alias hit short-circuits subcommand traversal, so
		// "/milestone set" would never reach the "milestone set" route.
		if leaf != nil {
			if menu, ok := menuCommandFromRoute(route); ok {
				if len(route) > 1 || (len(route) == 1 && menu != route[0]) {
					if _, exists := alias[menu]; !exists {
						alias[menu] = leaf
					}
				}
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := sanitizeMenuCommand(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}

	menu := buildMenuCommands(root, menuCandidates)

	r.mu.Lock()
	r.root = root
	r.alias = alias
	r.menu = menu
	r.mu.Unlock()

	r.pushMenus()
}

// pushMenus updates the command menu on every adapter that supports it.
// Best-effort and non-blocking; a failed update only costs autocomplete.
func (r *Router) pushMenus() {
	r.mu.RLock()
	menu := append([]kit.BotCommand(nil), r.menu...)
	r.mu.RUnlock()
	if len(menu) == 0 {
		return
	}

	r.amu.RLock()
	adapters := make([]kit.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.amu.RUnlock()

	for _, a := range adapters {
		up, ok := a.(kit.CommandMenuUpdater)
		if !ok {
			continue
		}
		go func(up kit.CommandMenuUpdater) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = up.UpdateMenuCommands(ctx, menu)
		}(up)
	}
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
// Every adapter writes into the same updates channel.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)

	r.log.Info("command dispatcher started",
		logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Mark as not running before closing so enqueue degrades
			// gracefully.
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := "command.worker." + strconv.Itoa(idx)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// Middleware already recovers handler panics; this
					// keeps the worker alive if a job itself misbehaves.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job",
									logx.Int("worker", idx), logx.Any("panic", rec),
									logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("updates channel closed")
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(root, up)
	case kit.UpdateCallback:
		// No inline-button routes are registered; acknowledge so clients
		// stop showing a loading state.
		if cb := up.Callback; cb != nil {
			if a := r.adapterFor(cb.Platform); a != nil {
				_ = a.AnswerCallback(root, cb.ID, "")
			}
			r.log.Debug("unhandled callback", logx.String("data", cb.Data))
		}
	}
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	adapter := r.adapterFor(msg.Platform)
	if adapter == nil {
		r.log.Warn("update from unregistered platform", logx.String("platform", msg.Platform))
		return
	}
	chat := kit.ChatTarget{Platform: msg.Platform, ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i] // strip "@botname" suffix
	}
	args := []string{}
	if len(parts) > 1 {
		args = parts[1:]
	}

	// snapshot registry
	r.mu.RLock()
	rootNode := r.root
	aliasMap := r.alias
	r.mu.RUnlock()

	// alias as root-level shortcut
	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		cmd := *leaf.cmd
		pos, flags, bools := parseFlags(args)
		r.enqueueCommand(root, up, adapter, chat, cmd, splitRoute(cmd.Route), pos, args, flags, bools)
		return
	}

	// traverse subcommand tree
	cur, ok := rootNode.child(word)
	if !ok {
		_, _ = adapter.SendText(root, chat, "unknown command, try /help", nil)
		return
	}
	path := []string{word}
	for len(args) > 0 {
		nxt := args[0]
		if strings.HasPrefix(nxt, "-") { // flags start, stop traversal
			break
		}
		child, ok := cur.child(nxt)
		if !ok {
			break
		}
		cur = child
		path = append(path, nxt)
		args = args[1:]
	}

	// Container node without a handler: show help for that path.
	if cur.cmd == nil {
		hm := r.helpMessage(msg.Platform, path)
		_, _ = adapter.SendText(root, chat, hm.Text, hm.Opt)
		return
	}

	cmd := *cur.cmd
	pos, flags, bools := parseFlags(args)
	r.enqueueCommand(root, up, adapter, chat, cmd, path, pos, args, flags, bools)
}

func (r *Router) enqueueCommand(root context.Context, up kit.Update, adapter kit.Adapter, chat kit.ChatTarget, cmd Command, path []string, args []string, raw []string, flags map[string]string, bools map[string]bool) {
	msg := up.Message
	if msg == nil {
		return
	}

	owner := r.isOwner(msg.Platform, msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = adapter.SendText(root, chat, "unauthorized", nil)
		return
	}

	rid := newReqID()
	tenant := kit.ChatTarget{Platform: msg.Platform, ChatID: msg.ChatID}.Ref()
	reqLog := r.log.With(
		logx.String("rid", rid),
		logx.String("tenant", tenant),
		logx.String("from", msg.FromID),
		logx.String("cmd", cmd.Route),
	)

	req := &Request{
		Update:       up,
		Chat:         chat,
		Tenant:       tenant,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		IsOwner:      owner,
		Path:         path,
		Command:      cmd.Route,
		Args:         args,
		RawArgs:      raw,
		Flags:        flags,
		BoolFlags:    bools,
		ReqID:        rid,
		Adapter:      adapter,
		Logger:       reqLog,
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)

	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = adapter.SendText(root, chat, "busy, try again", nil)
	}
}
