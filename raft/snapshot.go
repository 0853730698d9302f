package raft

import "io"

// SnapshotMeta describes a stored snapshot.
type SnapshotMeta struct {
	ID string // opaque, unique per store

	Index uint64
	Term  uint64

	Configuration      Configuration
	ConfigurationIndex uint64

	Size int64
}

// SnapshotStore persists and retrieves full-state snapshots keyed by
// (index, term).
type SnapshotStore interface {
	// Create opens a sink the FSM persists into; the snapshot becomes
	// visible only once the sink is closed successfully
	Create(index, term uint64, configuration Configuration, configurationIndex uint64) (SnapshotSink, error)

	// List returns available snapshots, newest first
	List() ([]*SnapshotMeta, error)

	// Open returns the metadata and body of a snapshot by ID
	Open(id string) (*SnapshotMeta, io.ReadCloser, error)
}

// SnapshotSink is a write stream for one snapshot. Cancel discards partial
// state; Close publishes it atomically.
type SnapshotSink interface {
	io.WriteCloser
	ID() string
	Cancel() error
}

// FSM is the deterministic interpreter of committed log entries. Identical
// log prefixes must yield identical state on every node.
type FSM interface {
	// Apply is invoked once per committed LogCommand entry, in log order,
	// never concurrently with Snapshot or Restore
	Apply(*Log) interface{}

	// Snapshot captures the current state for compaction; it must be cheap
	// and allow concurrent Apply calls once it returns
	Snapshot() (FSMSnapshot, error)

	// Restore atomically replaces all state from a snapshot stream
	Restore(io.ReadCloser) error
}

// FSMSnapshot persists a point-in-time state capture into a sink.
type FSMSnapshot interface {
	Persist(sink SnapshotSink) error
	Release()
}
