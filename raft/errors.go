package raft

import "errors"

var (
	// ErrNotLeader is returned when a leader-only operation reaches a
	// follower or candidate; callers should redirect or retry
	ErrNotLeader = errors.New("node is not the leader")

	// ErrNoQuorum is returned for operations pending when the leader lost
	// contact with a majority; nothing was committed, safe to retry
	ErrNoQuorum = errors.New("leader unable to contact quorum")

	// ErrLeadershipLost is returned for operations pending when leadership
	// was lost to a newer term mid-flight
	ErrLeadershipLost = errors.New("leadership lost while committing log")

	// ErrRaftShutdown is returned for operations on a stopped node
	ErrRaftShutdown = errors.New("raft is already shutdown")

	// ErrEnqueueTimeout is returned when the caller's deadline expires
	// before the operation could even be queued; retryable
	ErrEnqueueTimeout = errors.New("timed out enqueuing operation")

	// ErrNothingNewToSnapshot is returned when a snapshot is requested
	// before anything has been applied
	ErrNothingNewToSnapshot = errors.New("nothing new to snapshot")

	// ErrCantBootstrap is returned when bootstrap is attempted on a node
	// that already has durable state
	ErrCantBootstrap = errors.New("bootstrap only works on new clusters")
)
