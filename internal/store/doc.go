// Package store provides SQLite-backed durable storage for provisioning
// commands, plus read-only projections of the domain entities commands refer to.
//
// # Claiming
//
// ClaimCommands runs one transaction: a bounded SELECT of eligible ids
// (ORDER BY id ASC LIMIT n) followed by a conditional UPDATE per id that only
// succeeds while the row is still eligible. Transactions start with
// BEGIN IMMEDIATE (_txlock=immediate), so concurrent claimers in this process
// or in other processes serialize on the write lock and no command is claimed
// twice.
//
// Every other transition is a single conditional UPDATE guarded by the
// expected current state, which makes repeated reports no-ops.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Times are stored as unix milliseconds in UTC.
package store
