// Package storage persists scheduled items so they survive a restart.
//
// Drivers:
//   - file: one JSON document rewritten on every mutation (tmp + rename)
//   - sqlite: a scheduled_items table in a local SQLite file
//   - postgres: the same table in PostgreSQL
//
// Every store serializes its mutations; callers may use a Store from many
// goroutines.
package storage
