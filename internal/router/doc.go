// Package router dispatches chat commands from any registered transport
// adapter. It owns the command tree (with aliases and subcommand paths),
// quoted-token and flag parsing, the middleware chain (panic recovery,
// request log, per-command timeout) and a bounded worker pool, so handlers
// stay small and platform-agnostic.
package router
