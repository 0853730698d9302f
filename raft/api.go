// Package raft implements leader-based log replication for the relayer's
// replicated state: single leader per term, majority commit, deterministic
// apply, snapshot compaction, and quorum-verified reads.
package raft

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

var (
	keyCurrentTerm  = []byte("CurrentTerm")
	keyLastVoteTerm = []byte("LastVoteTerm")
	keyLastVoteCand = []byte("LastVoteCand")
)

// Raft is a single participant in the replication protocol. Construct with
// New; all methods are safe for concurrent use.
type Raft struct {
	raftState

	conf *Config
	fsm  FSM

	// fsmMutateCh carries *commitTuple and *restoreFuture to the FSM runner
	fsmMutateCh   chan interface{}
	fsmSnapshotCh chan *reqSnapshotFuture

	applyCh               chan *logFuture
	verifyCh              chan *verifyFuture
	configurationChangeCh chan *configurationChangeFuture
	configurationsCh      chan *configurationsFuture
	bootstrapCh           chan *bootstrapFuture
	userSnapshotCh        chan *snapshotFuture

	rpcCh <-chan RPC

	leader     ServerAddress
	leaderID   ServerID
	leaderLock sync.RWMutex

	leaderCh chan bool

	lastContact     time.Time
	lastContactLock sync.RWMutex

	logs      LogStore
	stable    StableStore
	snapshots SnapshotStore
	trans     Transport

	configurations configurations
	leaderState    leaderState

	localID   ServerID
	localAddr ServerAddress

	logger *log.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// BootstrapCluster seeds a brand new cluster with its initial membership.
// It must run on a node with no prior durable state, before New.
func BootstrapCluster(conf *Config, logs LogStore, stable StableStore, snaps SnapshotStore, configuration Configuration) error {
	if err := ValidateConfig(conf); err != nil {
		return err
	}
	if err := checkConfiguration(configuration); err != nil {
		return err
	}

	hasState, err := HasExistingState(logs, stable, snaps)
	if err != nil {
		return fmt.Errorf("failed to check for existing state: %v", err)
	}
	if hasState {
		return ErrCantBootstrap
	}

	if err := stable.SetUint64(keyCurrentTerm, 1); err != nil {
		return fmt.Errorf("failed to save current term: %v", err)
	}

	entry := &Log{
		Index: 1,
		Term:  1,
		Type:  LogConfiguration,
		Data:  encodeConfiguration(configuration),
	}
	if err := logs.StoreLog(entry); err != nil {
		return fmt.Errorf("failed to append configuration entry to log: %v", err)
	}
	return nil
}

// HasExistingState reports whether any durable raft state exists.
func HasExistingState(logs LogStore, stable StableStore, snaps SnapshotStore) (bool, error) {
	if term, err := stable.GetUint64(keyCurrentTerm); err == nil && term > 0 {
		return true, nil
	}
	lastIndex, err := logs.LastIndex()
	if err != nil {
		return false, fmt.Errorf("failed to get last log index: %v", err)
	}
	if lastIndex > 0 {
		return true, nil
	}
	snapshots, err := snaps.List()
	if err != nil {
		return false, fmt.Errorf("failed to list snapshots: %v", err)
	}
	return len(snapshots) > 0, nil
}

// New constructs and starts a Raft node. Prior state (snapshot + log) is
// restored before the node begins participating.
func New(conf *Config, fsm FSM, logs LogStore, stable StableStore, snaps SnapshotStore, trans Transport) (*Raft, error) {
	if err := ValidateConfig(conf); err != nil {
		return nil, err
	}

	logger := conf.Logger
	if logger == nil {
		logOutput := conf.LogOutput
		if logOutput == nil {
			logOutput = os.Stderr
		}
		logger = log.New(logOutput, "", log.LstdFlags)
	}

	currentTerm, err := stable.GetUint64(keyCurrentTerm)
	if err != nil && err.Error() != "not found" {
		return nil, fmt.Errorf("failed to load current term: %v", err)
	}

	lastIndex, err := logs.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to find last log: %v", err)
	}

	var lastLog Log
	if lastIndex > 0 {
		if err = logs.GetLog(lastIndex, &lastLog); err != nil {
			return nil, fmt.Errorf("failed to get last log at index %d: %v", lastIndex, err)
		}
	}

	r := &Raft{
		conf:                  conf,
		fsm:                   fsm,
		fsmMutateCh:           make(chan interface{}, 128),
		fsmSnapshotCh:         make(chan *reqSnapshotFuture),
		applyCh:               make(chan *logFuture),
		verifyCh:              make(chan *verifyFuture, 64),
		configurationChangeCh: make(chan *configurationChangeFuture),
		configurationsCh:      make(chan *configurationsFuture, 8),
		bootstrapCh:           make(chan *bootstrapFuture),
		userSnapshotCh:        make(chan *snapshotFuture),
		rpcCh:                 trans.Consumer(),
		leaderCh:              make(chan bool, 1),
		logs:                  logs,
		stable:                stable,
		snapshots:             snaps,
		trans:                 trans,
		localID:               conf.LocalID,
		localAddr:             trans.LocalAddr(),
		logger:                logger,
		shutdownCh:            make(chan struct{}),
	}

	r.setState(Follower)
	r.setCurrentTerm(currentTerm)
	r.setLastLog(lastLog.Index, lastLog.Term)

	if err := r.restoreSnapshot(); err != nil {
		return nil, err
	}

	// Scan the unsnapshotted log tail for configuration entries
	snapshotIndex, _ := r.getLastSnapshot()
	for index := snapshotIndex + 1; index <= lastLog.Index; index++ {
		var entry Log
		if err := r.logs.GetLog(index, &entry); err != nil {
			r.logger.Printf("[ERR] raft: Failed to get log at %d: %v", index, err)
			panic(err)
		}
		r.processConfigurationLogEntry(&entry)
	}

	r.goFunc(r.run)
	r.goFunc(r.runFSM)
	r.goFunc(r.runSnapshots)
	return r, nil
}

// restoreSnapshot installs the newest workable snapshot at startup.
func (r *Raft) restoreSnapshot() error {
	snapshots, err := r.snapshots.List()
	if err != nil {
		r.logger.Printf("[ERR] raft: Failed to list snapshots: %v", err)
		return err
	}

	for _, snapshot := range snapshots {
		_, source, err := r.snapshots.Open(snapshot.ID)
		if err != nil {
			r.logger.Printf("[ERR] raft: Failed to open snapshot %v: %v", snapshot.ID, err)
			continue
		}
		err = r.fsm.Restore(source)
		source.Close()
		if err != nil {
			r.logger.Printf("[ERR] raft: Failed to restore snapshot %v: %v", snapshot.ID, err)
			continue
		}

		r.logger.Printf("[INFO] raft: Restored from snapshot %v", snapshot.ID)
		r.setLastApplied(snapshot.Index)
		r.setLastSnapshot(snapshot.Index, snapshot.Term)
		r.configurations.committed = snapshot.Configuration
		r.configurations.committedIndex = snapshot.ConfigurationIndex
		r.configurations.latest = snapshot.Configuration
		r.configurations.latestIndex = snapshot.ConfigurationIndex
		return nil
	}

	if len(snapshots) > 0 {
		return fmt.Errorf("failed to load any existing snapshots")
	}
	return nil
}

// Bootstrap is the live equivalent of BootstrapCluster for a running node.
func (r *Raft) Bootstrap(configuration Configuration) Future {
	bootstrapReq := &bootstrapFuture{}
	bootstrapReq.init()
	bootstrapReq.configuration = configuration
	select {
	case <-r.shutdownCh:
		return errorFuture{ErrRaftShutdown}
	case r.bootstrapCh <- bootstrapReq:
		return bootstrapReq
	}
}

// Propose appends a command to the log and resolves once it is committed by
// a quorum and applied locally. Returns ErrNotLeader on non-leaders.
func (r *Raft) Propose(cmd []byte, timeout time.Duration) ApplyFuture {
	var timer <-chan time.Time
	if timeout > 0 {
		timer = time.After(timeout)
	}

	logFuture := &logFuture{
		log: Log{
			Type: LogCommand,
			Data: cmd,
		},
	}
	logFuture.init()

	select {
	case <-timer:
		return errorFuture{ErrEnqueueTimeout}
	case <-r.shutdownCh:
		return errorFuture{ErrRaftShutdown}
	case r.applyCh <- logFuture:
		return logFuture
	}
}

// Barrier blocks until all entries committed before the call are applied.
// Combined with VerifyLeader it gives linearizable local reads.
func (r *Raft) Barrier(timeout time.Duration) IndexFuture {
	var timer <-chan time.Time
	if timeout > 0 {
		timer = time.After(timeout)
	}

	logFuture := &logFuture{
		log: Log{
			Type: LogBarrier,
		},
	}
	logFuture.init()

	select {
	case <-timer:
		return errorFuture{ErrEnqueueTimeout}
	case <-r.shutdownCh:
		return errorFuture{ErrRaftShutdown}
	case r.applyCh <- logFuture:
		return logFuture
	}
}

// VerifyLeader confirms with a quorum that this node is still leader as of
// the call; the read-index half of linearizable reads.
func (r *Raft) VerifyLeader() Future {
	verifyFuture := &verifyFuture{}
	verifyFuture.init()
	select {
	case <-r.shutdownCh:
		return errorFuture{ErrRaftShutdown}
	case r.verifyCh <- verifyFuture:
		return verifyFuture
	}
}

// AddVoter adds a server to the configuration, or updates its address. At
// most one membership change may be in flight at a time.
func (r *Raft) AddVoter(id ServerID, address ServerAddress, prevIndex uint64, timeout time.Duration) IndexFuture {
	return r.requestConfigChange(configurationChangeRequest{
		command:       AddVoter,
		serverID:      id,
		serverAddress: address,
		prevIndex:     prevIndex,
	}, timeout)
}

// RemoveServer removes a server from the configuration.
func (r *Raft) RemoveServer(id ServerID, prevIndex uint64, timeout time.Duration) IndexFuture {
	return r.requestConfigChange(configurationChangeRequest{
		command:   RemoveServer,
		serverID:  id,
		prevIndex: prevIndex,
	}, timeout)
}

func (r *Raft) requestConfigChange(req configurationChangeRequest, timeout time.Duration) IndexFuture {
	var timer <-chan time.Time
	if timeout > 0 {
		timer = time.After(timeout)
	}
	future := &configurationChangeFuture{req: req}
	future.init()
	select {
	case <-timer:
		return errorFuture{ErrEnqueueTimeout}
	case r.configurationChangeCh <- future:
		return future
	case <-r.shutdownCh:
		return errorFuture{ErrRaftShutdown}
	}
}

// GetConfiguration returns the latest membership.
func (r *Raft) GetConfiguration() ConfigurationFuture {
	configReq := &configurationsFuture{}
	configReq.init()
	select {
	case <-r.shutdownCh:
		configReq.respond(ErrRaftShutdown)
		return configReq
	case r.configurationsCh <- configReq:
		return configReq
	}
}

// Snapshot forces a snapshot of the state machine outside the periodic
// schedule.
func (r *Raft) Snapshot() Future {
	future := &snapshotFuture{}
	future.init()
	select {
	case <-r.shutdownCh:
		return errorFuture{ErrRaftShutdown}
	case r.userSnapshotCh <- future:
		return future
	}
}

// Leader returns the address of the last known leader, possibly empty.
func (r *Raft) Leader() ServerAddress {
	r.leaderLock.RLock()
	leader := r.leader
	r.leaderLock.RUnlock()
	return leader
}

// LeaderID returns the server ID of the last known leader.
func (r *Raft) LeaderID() ServerID {
	r.leaderLock.RLock()
	id := r.leaderID
	r.leaderLock.RUnlock()
	return id
}

// State returns the node's current protocol role.
func (r *Raft) State() RaftState {
	return r.getState()
}

// LeaderCh signals leadership acquisition (true) and loss (false). Size 1,
// stale values are overwritten.
func (r *Raft) LeaderCh() <-chan bool {
	return r.leaderCh
}

// LastIndex returns the last index in stable storage, log or snapshot.
func (r *Raft) LastIndex() uint64 {
	return r.getLastIndex()
}

// AppliedIndex returns the last index applied to the state machine.
func (r *Raft) AppliedIndex() uint64 {
	return r.getLastApplied()
}

// LastContact returns the last time this node heard from the leader.
func (r *Raft) LastContact() time.Time {
	r.lastContactLock.RLock()
	last := r.lastContact
	r.lastContactLock.RUnlock()
	return last
}

// Shutdown stops the node. The returned future resolves once all
// goroutines have exited. Does not close the underlying stores.
func (r *Raft) Shutdown() Future {
	r.shutdownLock.Lock()
	defer r.shutdownLock.Unlock()

	if !r.shutdown {
		close(r.shutdownCh)
		r.shutdown = true
		r.setState(Shutdown)
		if closer, ok := r.trans.(WithClose); ok {
			closer.Close()
		}
		return &shutdownFuture{r}
	}
	return &shutdownFuture{nil}
}

func (r *Raft) String() string {
	return fmt.Sprintf("Node at %s [%v]", r.localAddr, r.getState())
}
