// Package types defines the shared data model for the memtier engine:
// memory records, entity payloads, tiers, consolidated views, and the
// query request/result contract.
//
// Types in this package are plain data carriers. They hold no locks and
// perform no I/O; callers treat values returned by the engine as immutable
// snapshots.
package types
