// Package store provides a SQLite-backed realtime document store with
// access-rule enforcement and live query subscriptions.
//
// The store is the serverless trust boundary of tandem: there is no
// privileged backend, so every operation is performed through an
// identity-bound handle (Store.As) and checked against the compiled CUE
// access rules before it touches a record. Collections are schemaless JSON
// documents addressed by (collection, id).
//
// # Concurrency model
//
// All reads, writes and live-query recomputation run under one store-wide
// mutex, a direct rendition of the protocol's single-threaded cooperative
// scheduling. Live deliveries leave the lock through per-subscription FIFO
// queues drained by one goroutine each, which gives:
//   - total order of snapshots within one subscription, matching the
//     store's commit order
//   - no ordering guarantee between two different subscriptions
//
// # Logical time
//
// serverTimestamp() is a store-assigned monotonic int64 sequence, never a
// client clock. The sequence is persisted in the meta table in the same
// transaction as every record write, so it survives restarts.
//
// # Deletion capability
//
// Whether a store supports direct row deletion is resolved once at Open from
// the persisted schema version: v2 stores delete rows, v1 (legacy) stores
// only tombstone them. Callers never re-probe per call.
package store
