// Package storage persists scheduled jobs and their executions.
//
// Backends:
//   - memory: process-local maps, used by tests and embedded hosts
//   - file:   memory plus a JSON snapshot and an append-only journal
//   - sqlite: a single SQLite database file (modernc.org/sqlite, no cgo)
//
// Schedules, actions, metadata and results are stored as opaque JSON so new
// schedule or action kinds never need a schema change.
package storage
