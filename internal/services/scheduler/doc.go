// Package scheduler provides the in-process task scheduler that drives the
// tracker's periodic work.
//
// # Overview
//
// The scheduler runs registered jobs on a configurable worker pool. Jobs are
// registered under a logical name (e.g. "tracker:checkpoint:12:00"). Names
// are stable and human readable so that tasks can be replaced (upserted) and
// removed deterministically across config reloads.
//
// # Schedule formats
//
//   - Cron expressions: 5-field (min hour dom mon dow) or 6-field with
//     optional seconds, plus descriptors like "@hourly" and "@every 5m".
//   - Daily HH:MM helpers: AddDaily("tracker:checkpoint:12:00", "12:00", ...)
//     registers a run at 12:00 in the scheduler timezone every day.
//   - Fixed intervals: AddInterval with a Go duration.
//
// All clock-aligned schedules evaluate in the configured canonical timezone,
// so checkpoint decisions do not depend on the host locale.
//
// # Concurrency and overlap
//
// Jobs run on a worker pool. The TaskOptions overlap policy either allows
// overlap or skips a run while the previous run of the same job is still
// executing. A per-job timeout is applied to each attempt.
//
// # Lifecycle
//
// The Service can be started and stopped at runtime (config hot reload).
// Registering tasks while stopped is supported: definitions are stored and
// applied on the next start.
package scheduler
