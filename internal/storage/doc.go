// Package storage is the shared state every cooperating agent reads and
// writes: per-entity cooldowns, per-task leases, an operator audit trail and
// notifier dedup windows.
//
// Processes never lock each other in-process; they coordinate only through
// the conditional writes implemented by each driver (memory, sqlite, mssql).
package storage
