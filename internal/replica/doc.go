// Package replica reconciles a replica's own optimistic edits with the
// committed operation stream and exposes the resulting read model.
//
// A Replica keeps two stroke stores:
//
//   - committed: the pure result of every sequenced operation up to Position
//   - view: committed plus the replica's own pending operations, replayed in
//     submission order
//
// Readers and observers only ever see the view. Other replicas only ever
// see committed operations.
//
// Reconciliation rules, applied on every delivery with a new position:
//
//  1. apply the operation to the committed store
//  2. if it is this replica's oldest pending operation, drop it from the
//     pending log; the view already contains it
//  3. else if nothing is pending, apply it to the view as well
//  4. else rebuild the view from committed and replay pending on top
//
// A delivery whose position is not greater than Position is a redelivery
// and is ignored. Any failure on the committed path halts the replica: a
// halted replica refuses further deliveries and submissions instead of
// diverging silently.
//
// Thread-safety: all methods are safe for concurrent use. Observers run
// outside the replica lock, one change at a time, in application order.
// An observer may read the replica but must not submit, deliver or detach
// from inside the callback; hand such work to another goroutine.
//
// Each Replica has its own session id ("<name>/<UUIDv7>") and numbers its
// submissions from 1 within that session.
package replica
