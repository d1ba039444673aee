// Package digest delivers per-tenant message batches in order: one message
// per line, then an optional trailing ping. A failed line aborts the rest of
// that tenant's batch; other tenants' batches are unaffected. Used for the
// upcoming-milestone summaries produced after a sweep.
package digest

import (
	"context"
	"sync"
	"time"
	logx "trackbot/pkg/logx"

	"golang.org/x/time/rate"

	kit "trackbot/internal/transport"
)

type Config struct {
	Enabled    bool
	Workers    int
	RatePerSec int
	RetryMax   int
}

type job struct {
	id     string
	tenant string
	target kit.ChatTarget
	lines  []string
	ping   string
	opt    *kit.SendOptions
}

type JobStatus struct {
	ID     string
	Tenant string
	Total  int // lines, excluding the ping
	Done   int
	// Aborted is set when a line failed and the remainder (including the
	// ping) was skipped.
	Aborted  bool
	PingSent bool
	// CreatedAt is when the status entry was created (i.e., when Enqueue() was called).
	// Useful for pruning old entries even when a job never starts.
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
	Error     string
}

type Service struct {
	mu sync.Mutex

	cfg      Config
	adapters map[string]kit.Adapter
	log      logx.Logger

	limiter *rate.Limiter
	queue   chan job
	stopCh  chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed when workers fully exit.
	stopDone chan struct{}

	statusMu sync.RWMutex
	status   map[string]*JobStatus
	// statusMax/statusTTL bound in-memory status retention to prevent map growth.
	statusMax int
	statusTTL time.Duration
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}
