package tracker

import (
	"context"
	"sync"
	"time"

	"trackbot/internal/eventbus"
	"trackbot/internal/services/scheduler"
	"trackbot/internal/storage"
	kit "trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

// Config controls the tracking core. Zero values take documented defaults.
type Config struct {
	Enabled bool

	// Checkpoints are daily "HH:MM" marks in the canonical timezone. Each
	// fires one full sweep per calendar date.
	Checkpoints []string

	// Step is the milestone granularity in views (default 1000000).
	Step int64

	// ProximityWindow is how close to the next threshold an item must be
	// to appear in the upcoming digest (default 100000).
	ProximityWindow int64

	// IntervalTick is how often per-item due times are checked (default 5m).
	IntervalTick time.Duration

	// SampleHistory bounds the rolling per-item sample window (default 10).
	SampleHistory int
}

func (c Config) withDefaults() Config {
	if len(c.Checkpoints) == 0 {
		c.Checkpoints = []string{"00:00", "12:00", "17:00"}
	}
	if c.Step <= 0 {
		c.Step = 1000000
	}
	if c.ProximityWindow <= 0 {
		c.ProximityWindow = 100000
	}
	if c.IntervalTick <= 0 {
		c.IntervalTick = 5 * time.Minute
	}
	if c.SampleHistory <= 0 {
		c.SampleHistory = 10
	}
	return c
}

// Source produces the current measurement for one item. A failed fetch is
// an error, never a zero measurement.
type Source interface {
	FetchViews(ctx context.Context, itemID string) (int64, error)
}

// Notifier enqueues one outbound message.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Digests delivers an ordered per-tenant line batch with a trailing ping.
type Digests interface {
	Enqueue(tenant string, target kit.ChatTarget, lines []string, ping string, opt *kit.SendOptions) string
}

// Deps are the collaborators the tracker drives. Store, Source and
// Scheduler are required; a nil Notifier or Digests silences the
// corresponding sends.
type Deps struct {
	Store     storage.Store
	Source    Source
	Notifier  Notifier
	Digests   Digests
	Scheduler *scheduler.Service
}

// Actor identifies who performed a management operation, for the audit log.
type Actor struct {
	Ref      string // platform-scoped user ref, e.g. "telegram:42"
	Username string
}

// SweepSummary describes one completed sweep.
type SweepSummary struct {
	At       time.Time     `json:"at"`
	Trigger  string        `json:"trigger"`
	Items    int           `json:"items"`
	Errors   int           `json:"errors"`
	Crossed  int           `json:"crossed"`
	Duration time.Duration `json:"duration"`
}

// Status is the operational snapshot surfaced by /status.
type Status struct {
	Running        bool
	Checkpoints    []string
	NextCheckpoint time.Time
	Step           int64
	Window         int64
	Items          int
	Tenants        int
	LastSweep      SweepSummary
}

// UpcomingEntry is one item inside the proximity window.
type UpcomingEntry struct {
	ItemID    string
	Title     string
	Views     int64
	Next      int64
	Remaining int64
}

type itemKey struct {
	item   string
	tenant string
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	bus  eventbus.Bus
	cfg  Config
	deps Deps

	running bool

	// smu guards lastSweep.
	smu       sync.Mutex
	lastSweep SweepSummary
}
