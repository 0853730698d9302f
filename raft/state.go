package raft

import (
	"sync"
	"sync/atomic"
)

// RaftState captures the role of a node in the protocol.
type RaftState uint32

const (
	Follower RaftState = iota
	Candidate
	Leader
	Shutdown
)

func (s RaftState) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// raftState is the mutable protocol state shared between the main loop, the
// FSM runner, and the replication goroutines. The hot counters are typed
// atomics; the last log and last snapshot (index, term) pairs change
// together, so they sit behind one mutex and are always read as a pair.
type raftState struct {
	currentTerm atomic.Uint64
	commitIndex atomic.Uint64
	lastApplied atomic.Uint64
	state       atomic.Uint32

	lastLock          sync.Mutex
	lastSnapshotIndex uint64
	lastSnapshotTerm  uint64
	lastLogIndex      uint64
	lastLogTerm       uint64

	routinesGroup sync.WaitGroup
}

func (r *raftState) getState() RaftState {
	return RaftState(r.state.Load())
}

func (r *raftState) setState(s RaftState) {
	r.state.Store(uint32(s))
}

func (r *raftState) getCurrentTerm() uint64 {
	return r.currentTerm.Load()
}

func (r *raftState) setCurrentTerm(term uint64) {
	r.currentTerm.Store(term)
}

func (r *raftState) getCommitIndex() uint64 {
	return r.commitIndex.Load()
}

func (r *raftState) setCommitIndex(index uint64) {
	r.commitIndex.Store(index)
}

func (r *raftState) getLastApplied() uint64 {
	return r.lastApplied.Load()
}

func (r *raftState) setLastApplied(index uint64) {
	r.lastApplied.Store(index)
}

func (r *raftState) getLastLog() (index, term uint64) {
	r.lastLock.Lock()
	defer r.lastLock.Unlock()
	return r.lastLogIndex, r.lastLogTerm
}

func (r *raftState) setLastLog(index, term uint64) {
	r.lastLock.Lock()
	defer r.lastLock.Unlock()
	r.lastLogIndex = index
	r.lastLogTerm = term
}

func (r *raftState) getLastSnapshot() (index, term uint64) {
	r.lastLock.Lock()
	defer r.lastLock.Unlock()
	return r.lastSnapshotIndex, r.lastSnapshotTerm
}

func (r *raftState) setLastSnapshot(index, term uint64) {
	r.lastLock.Lock()
	defer r.lastLock.Unlock()
	r.lastSnapshotIndex = index
	r.lastSnapshotTerm = term
}

// getLastIndex is the highest index the node has, whether still in the log
// or already compacted into a snapshot.
func (r *raftState) getLastIndex() uint64 {
	r.lastLock.Lock()
	defer r.lastLock.Unlock()
	if r.lastLogIndex >= r.lastSnapshotIndex {
		return r.lastLogIndex
	}
	return r.lastSnapshotIndex
}

// getLastEntry is the (index, term) of the newest entry the node knows,
// falling back to the snapshot when the log has been fully compacted.
func (r *raftState) getLastEntry() (uint64, uint64) {
	r.lastLock.Lock()
	defer r.lastLock.Unlock()
	if r.lastLogIndex >= r.lastSnapshotIndex {
		return r.lastLogIndex, r.lastLogTerm
	}
	return r.lastSnapshotIndex, r.lastSnapshotTerm
}

func (r *raftState) goFunc(f func()) {
	r.routinesGroup.Add(1)
	go func() {
		defer r.routinesGroup.Done()
		f()
	}()
}

func (r *raftState) waitShutdown() {
	r.routinesGroup.Wait()
}
