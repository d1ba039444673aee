// Package notifier provides the async delivery pipeline for tracker output:
// per-item update messages, milestone alerts, and operator notices.
//
// Notifications carry a priority, a target chat on a specific platform, and
// an optional dedup key. Delivery is queue + worker pool + rate limit +
// retry; a dedup window suppresses repeats of the same key so a re-observed
// milestone or a flapping alert does not spam the channel. Dedup state can
// optionally be persisted through the store so suppression survives restarts.
//
// # Transport
//
// The service routes each notification to the adapter registered for the
// target's platform (telegram, slack). Formatting stays with the caller;
// throttling and retries stay here.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered notifications.
package notifier
