// Package store provides SQLite-backed durable storage for the committed
// operation log and stroke snapshots.
//
// The operation log is append-only:
//   - position INTEGER PRIMARY KEY: the sequencer's order token
//   - UNIQUE(client_id, client_seq): a resubmitted envelope is stored once
//   - every insert uses ON CONFLICT DO NOTHING, so redelivery is harmless
//
// All reads order by position ASC. Wall-clock timestamps inside operations
// are stored but never used for ordering.
//
// Snapshots hold the canonical JSON of the committed strokes at a position
// together with their fingerprint, which is re-checked on load.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
