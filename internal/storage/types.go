package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via pgx pool
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TrackedItem is one item monitored within one tenant scope. The same
// item id may be tracked by several tenants with fully independent state.
type TrackedItem struct {
	ItemID       string
	Tenant       string
	Title        string
	ChannelRef   string // where the item was added from
	AlertChannel string // where per-item updates and alerts go
	AddedBy      string
	AddedAt      time.Time
	LastCount    int64 // valid only when HasCount
	HasCount     bool
	LastChecked  time.Time
}

// Milestone holds the per-item alert watermark plus optional notify
// overrides. LastCrossed is the highest step quotient already announced;
// Primed is false until the first observation seeds it.
type Milestone struct {
	ItemID        string
	Tenant        string
	LastCrossed   int64
	Primed        bool
	NotifyChannel string
	NotifyMessage string
	UpdatedAt     time.Time
}

// AdvanceOutcome reports what a watermark advance attempt did.
type AdvanceOutcome int

const (
	// AdvanceNoop: the watermark was already at or past the given step.
	AdvanceNoop AdvanceOutcome = iota
	// AdvancePrimed: the watermark was seeded from a first observation.
	// No alert must be sent for historical steps.
	AdvancePrimed
	// AdvanceClaimed: the caller advanced the watermark and owns the
	// one-time alert for this step.
	AdvanceClaimed
)

func (o AdvanceOutcome) String() string {
	switch o {
	case AdvancePrimed:
		return "primed"
	case AdvanceClaimed:
		return "claimed"
	default:
		return "noop"
	}
}

// IntervalState is the per-item custom schedule. Interval == 0 means
// disabled; NextDue is only meaningful while enabled.
type IntervalState struct {
	ItemID          string
	Tenant          string
	Interval        time.Duration
	NextDue         time.Time
	LastMeasurement int64
	HasMeasurement  bool
	LastRun         time.Time
}

// Sample is one point of the bounded rate-estimation history.
type Sample struct {
	Measurement int64
	TakenAt     time.Time
}

// UpcomingConfig is the per-tenant aggregation destination.
type UpcomingConfig struct {
	Tenant     string
	ChannelRef string
	PingText   string
	UpdatedAt  time.Time
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	Actor         string // platform-scoped user ref, e.g. "telegram:42"
	ActorUsername string
	Tenant        string
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}

// Store is the persistence API used by the tracker, manager and notifier.
// Implementations serialize conflicting writes per item key; callers never
// hold cross-item locks.
type Store interface {
	// Items. UpsertItem reports whether a new row was created; on an
	// existing row it refreshes title and channel refs only.
	UpsertItem(ctx context.Context, item TrackedItem) (created bool, err error)
	// RemoveItem deletes the item and all dependent state (interval,
	// samples, milestone) in one transaction.
	RemoveItem(ctx context.Context, itemID, tenant string) error
	GetItem(ctx context.Context, itemID, tenant string) (TrackedItem, error)
	ListItems(ctx context.Context, tenant string) ([]TrackedItem, error)
	ListAllItems(ctx context.Context) ([]TrackedItem, error)
	ListTenants(ctx context.Context) ([]string, error)
	// RecordObservation stores a successful measurement. It is a no-op
	// if the item was removed while the fetch was in flight.
	RecordObservation(ctx context.Context, itemID, tenant string, count int64, at time.Time) error

	// Milestones. AdvanceMilestone is the exactly-once primitive: at most
	// one concurrent caller gets AdvanceClaimed for a given step.
	AdvanceMilestone(ctx context.Context, itemID, tenant string, step int64) (AdvanceOutcome, error)
	SetMilestoneConfig(ctx context.Context, itemID, tenant, channelRef, message string) error
	ClearMilestoneConfig(ctx context.Context, itemID, tenant string) error
	GetMilestone(ctx context.Context, itemID, tenant string) (Milestone, error)
	ListMilestones(ctx context.Context, tenant string) ([]Milestone, error)

	// Intervals.
	SetInterval(ctx context.Context, itemID, tenant string, d time.Duration, nextDue time.Time) error
	DisableInterval(ctx context.Context, itemID, tenant string) error
	GetInterval(ctx context.Context, itemID, tenant string) (IntervalState, error)
	DueIntervals(ctx context.Context, now time.Time) ([]IntervalState, error)
	// CompleteIntervalRun records one fire: baseline, last-run and
	// next-due move forward and the sample history is appended and
	// pruned to maxSamples. The schedule part is skipped if the interval
	// was disabled while the run was in flight.
	CompleteIntervalRun(ctx context.Context, itemID, tenant string, measurement int64, ranAt, nextDue time.Time, maxSamples int) error
	ListSamples(ctx context.Context, itemID, tenant string) ([]Sample, error)

	// Upcoming-milestone aggregation config.
	SetUpcomingConfig(ctx context.Context, tenant, channelRef, ping string) error
	GetUpcomingConfig(ctx context.Context, tenant string) (UpcomingConfig, error)
	DeleteUpcomingConfig(ctx context.Context, tenant string) error
	ListUpcomingConfigs(ctx context.Context) ([]UpcomingConfig, error)

	// TryClaimCheckpoint marks (label, date) fired and reports whether
	// this caller won the claim. A later date always wins over an
	// earlier one; the same or an earlier date never fires again.
	TryClaimCheckpoint(ctx context.Context, label, date string) (bool, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}
