package router

import (
	"time"

	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g.:
	//   "track"
	//   "milestone set"
	Route       string
	Aliases     []string // root-level aliases, e.g. ["ms"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

// Request carries one parsed command invocation into its handler.
type Request struct {
	Update kit.Update
	Chat   kit.ChatTarget

	// Tenant is the platform-prefixed chat scope, e.g. "telegram:-100123".
	// Thread ids are not part of the tenant: a forum topic shares its
	// chat's tracked items.
	Tenant string

	FromID       string
	FromUsername string
	IsOwner      bool

	Path    []string // matched command path tokens
	Command string   // canonical route
	Args    []string // positionals after flag extraction

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// ActorRef is the platform-prefixed sender id, e.g. "telegram:12345".
func (r *Request) ActorRef() string {
	return r.Chat.Platform + ":" + r.FromID
}

// Flag returns a string flag by name, preferring the long form.
func (r *Request) Flag(names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := r.Flags[n]; ok {
			return v, true
		}
	}
	return "", false
}
