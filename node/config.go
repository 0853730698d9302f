package node

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/logutils"

	"github.com/duskpool/relayer/raft"
	"github.com/duskpool/relayer/structs"
	"github.com/duskpool/relayer/taskdriver"
)

// Config is the top level node configuration.
type Config struct {
	// NodeID is this relayer's peer identity, used both as the consensus
	// server id and as the task executor id
	NodeID structs.PeerID

	// DataDir holds the consensus log, stable store, and snapshots. Ignored
	// when InMemory is set.
	DataDir string

	// InMemory swaps bolt and file snapshots for in-memory stores; test use
	// only
	InMemory bool

	// Bootstrap seeds a single-node cluster on first start
	Bootstrap bool

	// ProposalTimeout bounds enqueueing a command into consensus
	ProposalTimeout time.Duration

	// TaskRetention is how long terminal tasks stay queryable in the
	// replicated tables before the GC reaps them
	TaskRetention time.Duration

	// TaskGCInterval is how often the leader proposes a GC sweep
	TaskGCInterval time.Duration

	// LogLevel filters output: DEBUG, INFO, WARN, ERR
	LogLevel  string
	LogOutput io.Writer

	RaftConfig   *raft.Config
	DriverConfig *taskdriver.Config
}

// DefaultConfig returns production defaults; callers must set NodeID and
// DataDir.
func DefaultConfig() *Config {
	return &Config{
		ProposalTimeout: 10 * time.Second,
		TaskRetention:   30 * time.Minute,
		TaskGCInterval:  5 * time.Minute,
		LogLevel:        "INFO",
		RaftConfig:      raft.DefaultConfig(),
		DriverConfig:    taskdriver.DefaultConfig(),
	}
}

// ValidateConfig rejects configurations that cannot operate safely.
func ValidateConfig(conf *Config) error {
	if conf.NodeID == "" {
		return fmt.Errorf("NodeID cannot be empty")
	}
	if !conf.InMemory && conf.DataDir == "" {
		return fmt.Errorf("DataDir is required for durable mode")
	}
	if conf.ProposalTimeout <= 0 {
		return fmt.Errorf("ProposalTimeout must be positive")
	}
	if conf.TaskRetention <= 0 || conf.TaskGCInterval <= 0 {
		return fmt.Errorf("task retention and GC interval must be positive")
	}
	if conf.RaftConfig == nil || conf.DriverConfig == nil {
		return fmt.Errorf("raft and driver configs are required")
	}
	return nil
}

// levelFilter builds the leveled log writer shared by every subsystem.
func levelFilter(conf *Config, base io.Writer) *logutils.LevelFilter {
	return &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERR"},
		MinLevel: logutils.LogLevel(conf.LogLevel),
		Writer:   base,
	}
}
