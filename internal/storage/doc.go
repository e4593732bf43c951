// Package storage persists notification records so pending timers survive
// restarts.
//
// Drivers: file (JSON Lines journal compacted into a snapshot), sqlite
// (modernc.org/sqlite, pure Go) and redis (go-redis). Journal adapts a Store
// to the scheduler's event sink and writes asynchronously.
package storage
