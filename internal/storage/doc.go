// Package storage persists finished job runs so they outlive the in-memory
// history of the job engine.
//
// Drivers:
//   - "file": dependency-free JSON Lines file, compacted when it grows
//   - "sqlite": SQLite database (modernc.org/sqlite, no cgo)
package storage
