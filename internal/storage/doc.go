// Package storage is the durable Task Store.
//
// Tasks live in a single SQLite table (modernc.org/sqlite, WAL mode). Every
// state transition is one conditional UPDATE guarded on the current status,
// so concurrent claimants (in this process or in another process sharing the
// database file) can never both win the same task.
package storage
