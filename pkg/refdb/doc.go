// Package refdb defines the contract a pluggable reference storage engine
// implements: existence checks, lookups, forced and unforced writes,
// rename with conflict detection, deletion, glob-filtered iteration and a
// set of optional, capability-gated operations (compression, reflog,
// locking, compare-and-swap).
//
// Backends never see native memory. The bridge package exposes a Backend to
// the native core through a fixed call-in table and translates between the
// two worlds; sub-packages memdb, fsdb, dsdb, sqldb and boltdb are bundled
// implementations.
package refdb
