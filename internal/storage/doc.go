// Package storage persists run history for scheduled task firings.
//
// Two backends share one Store interface:
//   - sqlite: SQLite database file (modernc.org/sqlite, no cgo)
//   - file:   append-only JSON Lines with in-place compaction
//
// The store is a collaborator of the scheduling core, not part of it: the
// engine appends terminal outcomes, and the builtin cleanup/report/metrics
// tasks read them back. Losing the store never blocks execution.
package storage
