package storage

// Package storage is the durable state layer for the tracker.
//
// It holds:
//   - Tracked items and their last observed measurement
//   - Milestone watermarks and per-item notify overrides
//   - Interval schedules and a bounded rate-estimation history
//   - Per-tenant upcoming-milestone alert configs
//   - Checkpoint fire marks (one per checkpoint label)
//   - Audit log appends and notifier dedup state
//
// Two drivers: "sqlite" (default, single file) and "postgres" (pgx pool,
// for multi-instance deployments). Mutations that guard invariants
// (milestone watermark, checkpoint claims) are single conditional
// statements so concurrent sweeps cannot interleave into a lost update.
