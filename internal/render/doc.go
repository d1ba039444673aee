// Package render provides message-building helpers shared by the tracker's
// chat output: number formatting, HTML escaping for Telegram parse mode, and
// a small line-oriented builder.
//
// Design goals:
//   - One builder covers text + send options; callers don't repeat
//     ParseMode/preview boilerplate.
//   - Safe by default for ParseMode="HTML" (auto escaping); plain mode for
//     platforms without HTML (Slack).
//   - View counts always render with thousands separators so "12,345,678"
//     reads at a glance.
package render
