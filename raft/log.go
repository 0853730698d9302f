package raft

import "errors"

// LogType describes what a log entry carries.
type LogType uint8

const (
	// LogCommand is an opaque command applied to the state machine
	LogCommand LogType = iota

	// LogNoop asserts leadership at the start of a term
	LogNoop

	// LogBarrier waits for all preceding entries to be applied, used by
	// linearizable reads
	LogBarrier

	// LogConfiguration carries a membership change
	LogConfiguration
)

// Log is a durably ordered unit of replicated change. Immutable once
// persisted, except for truncation of conflicting suffixes during leader
// changes.
type Log struct {
	Index uint64
	Term  uint64
	Type  LogType
	Data  []byte
}

// ErrLogNotFound indicates a requested index is outside the stored range.
var ErrLogNotFound = errors.New("log not found")

// LogStore is the durable, totally ordered entry store. Exclusively owned by
// the consensus module.
type LogStore interface {
	// FirstIndex returns the lowest stored index, 0 for an empty log
	FirstIndex() (uint64, error)

	// LastIndex returns the highest stored index, 0 for an empty log
	LastIndex() (uint64, error)

	// GetLog reads the entry at index into out
	GetLog(index uint64, out *Log) error

	// StoreLog appends a single entry
	StoreLog(log *Log) error

	// StoreLogs appends a batch of entries
	StoreLogs(logs []*Log) error

	// DeleteRange removes entries in [min, max], used both for conflict
	// suffix truncation and snapshot compaction
	DeleteRange(min, max uint64) error
}

// StableStore persists the small set of values that must survive restarts:
// current term and vote.
type StableStore interface {
	Set(key []byte, val []byte) error
	Get(key []byte) ([]byte, error)
	SetUint64(key []byte, val uint64) error
	GetUint64(key []byte) (uint64, error)
}
