// Package tracker is the view tracking core.
//
// It owns two scheduler jobs: a one-minute checkpoint tick that compares
// the canonical wall clock to the configured daily marks and sweeps every
// tracked item once per (mark, date), and a coarser interval tick that
// fires items with a custom per-item schedule. Each fired item is fetched
// through the source client, its observation persisted, its milestone
// watermark advanced (alerting exactly once per crossed step), and an
// update message enqueued. After a sweep, the upcoming-milestone
// aggregator turns the same measurements into one ordered digest per
// configured tenant.
//
// Per-item failures never abort a pass; delivery failures never roll back
// persisted state. All management operations append an audit record.
package tracker
