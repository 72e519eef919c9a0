// Package engine implements the convergence-critical part of inkd: the
// operation applier.
//
// ARCHITECTURE:
//
// Every replica holds a stroke.Store and feeds it operations in the single
// global order chosen by the sequencer. Applier.Apply is a total function of
// (store, operation): the same ordered prefix yields byte-identical stores on
// every replica, in every process.
//
// CRITICAL PATTERNS:
//
// Logical Order Only:
// Operation Time fields are advisory. Positions come from the sequencer's
// Clock. NEVER use wall-clock timestamps for ordering.
//
// Tolerant Application:
// Protocol anomalies (duplicate stroke ids, samples for strokes that no
// longer exist) are resolved deterministically and counted. Only an
// operation outside the closed set is an error, and the caller halts on it.
//
// Single Writer:
// An Applier and the stores it mutates are owned by one logical thread of
// control. No internal locking.
package engine
