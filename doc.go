// Package harness is a terminal multiplexer for AI coding agents.
//
// A long-lived local gateway daemon hosts pseudoterminal-backed
// conversations, persists their events, and fans output out to thin TTY
// clients over a newline-delimited JSON protocol on a local TCP socket.
//
// # Layout
//
// The root package holds the shared domain types: the scope tuple,
// conversation/task/repository records, session status, and event
// envelopes. The moving parts live in subpackages:
//
//   - protocol   — wire envelopes, strict validators, line-JSON codec
//   - ptyhost    — child process under a PTY, exit watch, hook relay
//   - broker     — per-session byte cursor, tail backlog, fan-out
//   - session    — status machine, notify mapping, controller claims
//   - state      — persistent store (sqlite or postgres backends)
//   - eventstore — append-only event log with batched writes
//   - gateway    — the TCP stream server and observed-event hub
//   - client     — stream client, operation queue, startup sequencer
//   - control    — gateway lifecycle: locks, records, spawn, orphan reap
//
// The harness binary lives in cmd/harness.
package harness
