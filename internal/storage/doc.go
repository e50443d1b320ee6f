// Package storage persists job bookkeeping and run history so a restarted
// scheduler resumes numbering and does not re-run finished work.
//
// Drivers:
//   - file: JSON Lines journal compacted into a JSON snapshot
//   - sqlite: a single SQLite database file (modernc.org/sqlite, no cgo)
//
// Both also keep an append-only audit log of operator and config events.
package storage
