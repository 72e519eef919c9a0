// Package harness runs scripted multi-replica ink scenarios.
//
// A scenario attaches a set of replicas to one in-process sequencer with
// manual delivery, so the script decides exactly when committed operations
// reach the replicas. After the last step every held operation is
// delivered and the harness checks that all live replicas agree on the
// canonical fingerprint of their strokes.
//
// # Scenario Format
//
//	name: two_writers
//	description: "Concurrent strokes from two replicas converge"
//	replicas: [a, b]
//	steps:
//	  - submit: a
//	    op: {type: createStroke, id: s1, pen: {color: {r: 0, g: 0, b: 0, a: 255}, thickness: 2}}
//	  - submit: b
//	    op: {type: clear}
//	  - step: 1
//	  - redeliver: 0
//	  - flush: true
//	  - detach: b
//	  - join: c
//	    from: a
//	expect:
//	  strokes:
//	    - id: s1
//	      points: [{x: 0, y: 0}]
//	principles: [idempotent_redelivery, rehydration]
//
// Operations use the wire format. A missing time defaults to 0.
//
// # Steps
//
//   - submit: a replica submits op
//   - step: deliver the N oldest held operations
//   - flush: deliver every held operation
//   - redeliver: deliver again every operation after the given position
//   - detach: detach a replica; it no longer takes part in convergence
//   - join: attach a new replica, rehydrated from the snapshot of "from"
//     when set, otherwise from the full history; a detached name may
//     join again as a fresh session
//
// # Principles
//
// Convergence is always checked. Scenarios may ask for more:
//
//   - idempotent_redelivery: redelivering the full history changes nothing
//   - rehydration: a replica built from any live replica's snapshot
//     matches a replica built from the full history
package harness
