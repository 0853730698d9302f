package raft

import (
	"fmt"
	"io"
	"log"
	"time"
)

// Config holds the tunables for a Raft node.
type Config struct {
	// LocalID is this server's identity in the cluster configuration
	LocalID ServerID

	// HeartbeatTimeout is the follower contact window before an election
	// is started
	HeartbeatTimeout time.Duration

	// ElectionTimeout bounds a candidate's wait for votes
	ElectionTimeout time.Duration

	// CommitTimeout bounds the replication idle interval
	CommitTimeout time.Duration

	// LeaderLeaseTimeout is how long a leader may go without quorum
	// contact before stepping down; must not exceed HeartbeatTimeout
	LeaderLeaseTimeout time.Duration

	// MaxAppendEntries caps the entries shipped per AppendEntries round
	MaxAppendEntries int

	// SnapshotInterval is how often the snapshot threshold is checked
	SnapshotInterval time.Duration

	// SnapshotThreshold is the log length beyond the last snapshot that
	// triggers compaction
	SnapshotThreshold uint64

	// TrailingLogs is how many entries are retained past a snapshot so
	// that slow followers can catch up without a snapshot install
	TrailingLogs uint64

	// NotifyCh receives leadership gain/loss signals
	NotifyCh chan<- bool

	// LogOutput is used when Logger is nil; defaults to stderr
	LogOutput io.Writer

	Logger *log.Logger
}

// DefaultConfig returns a config with conservative production timeouts.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatTimeout:   1000 * time.Millisecond,
		ElectionTimeout:    1000 * time.Millisecond,
		CommitTimeout:      50 * time.Millisecond,
		LeaderLeaseTimeout: 500 * time.Millisecond,
		MaxAppendEntries:   64,
		SnapshotInterval:   120 * time.Second,
		SnapshotThreshold:  8192,
		TrailingLogs:       10240,
	}
}

// ValidateConfig rejects configurations that cannot operate safely.
func ValidateConfig(config *Config) error {
	if len(config.LocalID) == 0 {
		return fmt.Errorf("LocalID cannot be empty")
	}
	if config.HeartbeatTimeout < 5*time.Millisecond {
		return fmt.Errorf("Heartbeat timeout is too low")
	}
	if config.ElectionTimeout < 5*time.Millisecond {
		return fmt.Errorf("Election timeout is too low")
	}
	if config.CommitTimeout < time.Millisecond {
		return fmt.Errorf("Commit timeout is too low")
	}
	if config.MaxAppendEntries <= 0 || config.MaxAppendEntries > 1024 {
		return fmt.Errorf("MaxAppendEntries must be in (0, 1024]")
	}
	if config.SnapshotInterval < 5*time.Millisecond {
		return fmt.Errorf("Snapshot interval is too low")
	}
	if config.LeaderLeaseTimeout < 5*time.Millisecond {
		return fmt.Errorf("Leader lease timeout is too low")
	}
	if config.LeaderLeaseTimeout > config.HeartbeatTimeout {
		return fmt.Errorf("Leader lease timeout cannot be larger than heartbeat timeout")
	}
	if config.ElectionTimeout < config.HeartbeatTimeout {
		return fmt.Errorf("Election timeout must be equal or greater than heartbeat timeout")
	}
	return nil
}
