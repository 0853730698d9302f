// Package node wires the relayer's coordination core together: consensus,
// the replicated state machine, the system bus, and the task driver, behind
// one explicit context object. There are no package level singletons; every
// dependency flows through the Node.
package node

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/duskpool/relayer/bus"
	"github.com/duskpool/relayer/fsm"
	"github.com/duskpool/relayer/logstore"
	"github.com/duskpool/relayer/raft"
	"github.com/duskpool/relayer/state"
	"github.com/duskpool/relayer/structs"
	"github.com/duskpool/relayer/taskdriver"
)

const (
	raftDBFile    = "raft.db"
	snapshotsHeld = 2
)

// Node is the coordination core of one relayer. Construct with New; all
// methods are safe for concurrent use.
type Node struct {
	conf   *Config
	logger *log.Logger

	bus    *bus.Bus
	fsm    *fsm.FSM
	raft   *raft.Raft
	driver *taskdriver.Driver

	boltStore *logstore.BoltStore

	// driverLeaderCh forwards leadership transitions to the driver
	driverLeaderCh chan bool

	shutdownCh chan struct{}
}

// New constructs and starts a node on the given transport. The transport is
// the seam to the p2p layer; tests pass raft.InmemTransport.
func New(conf *Config, trans raft.Transport, collab taskdriver.Collaborators) (*Node, error) {
	if err := ValidateConfig(conf); err != nil {
		return nil, err
	}

	logOutput := conf.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}
	filtered := levelFilter(conf, logOutput)
	logger := log.New(filtered, "", log.LstdFlags)

	b := bus.New()

	stateMachine, err := fsm.New(b, filtered)
	if err != nil {
		return nil, errors.Wrap(err, "failed building state machine")
	}

	var logs raft.LogStore
	var stable raft.StableStore
	var snaps raft.SnapshotStore
	var boltStore *logstore.BoltStore
	if conf.InMemory {
		store := raft.NewInmemStore()
		logs, stable = store, store
		snaps = raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(conf.DataDir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed creating data dir")
		}
		boltStore, err = logstore.NewBoltStore(filepath.Join(conf.DataDir, raftDBFile))
		if err != nil {
			return nil, errors.Wrap(err, "failed opening log store")
		}
		logs, stable = boltStore, boltStore

		snaps, err = raft.NewFileSnapshotStore(conf.DataDir, snapshotsHeld, filtered)
		if err != nil {
			boltStore.Close()
			return nil, errors.Wrap(err, "failed opening snapshot store")
		}
	}

	raftConf := conf.RaftConfig
	raftConf.LocalID = raft.ServerID(conf.NodeID)
	raftConf.Logger = logger

	if conf.Bootstrap {
		hasState, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil {
			return nil, errors.Wrap(err, "failed checking for existing state")
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{{
					ID:      raftConf.LocalID,
					Address: trans.LocalAddr(),
				}},
			}
			if err := raft.BootstrapCluster(raftConf, logs, stable, snaps, configuration); err != nil {
				return nil, errors.Wrap(err, "failed bootstrapping cluster")
			}
		}
	}

	r, err := raft.New(raftConf, stateMachine, logs, stable, snaps, trans)
	if err != nil {
		if boltStore != nil {
			boltStore.Close()
		}
		return nil, errors.Wrap(err, "failed starting consensus")
	}

	n := &Node{
		conf:           conf,
		logger:         logger,
		bus:            b,
		fsm:            stateMachine,
		raft:           r,
		boltStore:      boltStore,
		driverLeaderCh: make(chan bool, 1),
		shutdownCh:     make(chan struct{}),
	}

	driver, err := taskdriver.NewDriver(conf.DriverConfig, n, collab, b)
	if err != nil {
		r.Shutdown().Error()
		return nil, errors.Wrap(err, "failed building task driver")
	}
	n.driver = driver

	go n.driver.Run(n.driverLeaderCh)
	go n.monitorLeadership()
	go n.runTaskGC()

	return n, nil
}

// monitorLeadership fans consensus leadership transitions out to the task
// driver.
func (n *Node) monitorLeadership() {
	for {
		select {
		case isLeader := <-n.raft.LeaderCh():
			// Coalesce: only the newest transition matters
			select {
			case n.driverLeaderCh <- isLeader:
			case <-n.driverLeaderCh:
				select {
				case n.driverLeaderCh <- isLeader:
				default:
				}
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// runTaskGC proposes periodic reaps of terminal tasks past retention. Only
// the leader proposes; the committed command applies everywhere.
func (n *Node) runTaskGC() {
	ticker := time.NewTicker(n.conf.TaskGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !n.IsLeader() {
				continue
			}
			cutoff := time.Now().Add(-n.conf.TaskRetention).UnixNano() / int64(time.Millisecond)
			if _, err := n.ProposeCommand(structs.TaskGCRequestType, &structs.TaskGCRequest{Before: cutoff}); err != nil {
				n.logger.Printf("[WARN] node: task GC proposal failed: %v", err)
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// ProposeCommand encodes a command, proposes it through consensus, and waits
// for commit and apply. Implements the task driver's backend surface.
func (n *Node) ProposeCommand(t structs.MessageType, msg interface{}) (*structs.ApplyResult, error) {
	buf, err := structs.Encode(t, msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed encoding command")
	}

	future := n.raft.Propose(buf, n.conf.ProposalTimeout)
	if err := future.Error(); err != nil {
		return nil, err
	}

	switch resp := future.Response().(type) {
	case *structs.ApplyResult:
		return resp, nil
	case error:
		return nil, resp
	default:
		return nil, fmt.Errorf("unexpected apply response: %#v", resp)
	}
}

// Store returns the current replicated state store. The pointer changes on
// snapshot restore; do not cache across the store's AbandonCh.
func (n *Node) Store() *state.Store {
	return n.fsm.State()
}

// LocalID returns this node's peer identity.
func (n *Node) LocalID() structs.PeerID {
	return n.conf.NodeID
}

// Bus exposes the system bus for API waiters.
func (n *Node) Bus() *bus.Bus {
	return n.bus
}

// IsLeader reports whether this node currently believes it is the leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the last known leader address.
func (n *Node) Leader() raft.ServerAddress {
	return n.raft.Leader()
}

// ReadLinearizable runs fn against the store with linearizable semantics:
// leadership is verified with a quorum, then a barrier waits for all
// preceding commits to apply locally. Returns ErrNotLeader on followers.
func (n *Node) ReadLinearizable(fn func(*state.Store) error) error {
	if err := n.raft.VerifyLeader().Error(); err != nil {
		return err
	}
	if err := n.raft.Barrier(n.conf.ProposalTimeout).Error(); err != nil {
		return err
	}
	return fn(n.fsm.State())
}

// AddVoter adds a server to the consensus configuration.
func (n *Node) AddVoter(id structs.PeerID, address raft.ServerAddress) error {
	return n.raft.AddVoter(raft.ServerID(id), address, 0, n.conf.ProposalTimeout).Error()
}

// RemoveServer removes a server from the consensus configuration.
func (n *Node) RemoveServer(id structs.PeerID) error {
	return n.raft.RemoveServer(raft.ServerID(id), 0, n.conf.ProposalTimeout).Error()
}

// Raft exposes the consensus handle for membership queries and tests.
func (n *Node) Raft() *raft.Raft {
	return n.raft
}

// Driver exposes the task driver, mainly for reassignment on observed peer
// failure.
func (n *Node) Driver() *taskdriver.Driver {
	return n.driver
}

// Shutdown stops the node: driver first so no proposals race the closing
// consensus layer, then consensus, then the stores.
func (n *Node) Shutdown() error {
	close(n.shutdownCh)
	n.driver.Shutdown()
	n.bus.Close()

	if err := n.raft.Shutdown().Error(); err != nil {
		return errors.Wrap(err, "failed stopping consensus")
	}
	if n.boltStore != nil {
		if err := n.boltStore.Close(); err != nil {
			return errors.Wrap(err, "failed closing log store")
		}
	}
	return nil
}
