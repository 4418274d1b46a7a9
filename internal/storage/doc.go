// Package storage persists reminders and their history.
//
// Every backend enforces the reminder state machine at its update boundary:
// Transition is an atomic compare-and-set on the current status, so two
// callers racing to claim the same pending reminder cannot both win.
//
// Backends:
//   - "file": in-memory index backed by a JSON Lines journal and a snapshot
//   - "sqlite": modernc.org/sqlite, single connection, WAL
//   - "postgres": lib/pq, same SQL as sqlite with $n placeholders
//   - "redis": go-redis, Lua scripts for compare-and-set
//   - "memory": the file backend's index without a journal (tests, dry runs)
package storage
