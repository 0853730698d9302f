package raft

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/armon/go-metrics"
)

const (
	maxFailureScale = 12
	failureWait     = 10 * time.Millisecond
)

var (
	// errLogEntryNotFound means the leader's log no longer holds an entry a
	// follower needs; fall back to a snapshot
	errLogEntryNotFound = errors.New("log entry not found")
)

// followerReplication is the state for one leader->follower replication
// goroutine.
type followerReplication struct {
	peer       Server
	commitment *commitment

	// stopCh is closed on leadership loss; a final index may be sent first
	// so the follower can be caught up before a clean removal
	stopCh    chan uint64
	triggerCh chan struct{}

	currentTerm uint64
	nextIndex   uint64

	lastContact     time.Time
	lastContactLock sync.RWMutex

	failures uint64

	// notify holds pending leadership verifications to confirm on the next
	// successful heartbeat
	notifyCh   chan struct{}
	notify     []*verifyFuture
	notifyLock sync.Mutex

	// stepDown tells the leader loop to revert to follower when a peer
	// reports a newer term
	stepDown chan struct{}
}

// notifyAll resolves the pending verify futures with the result of the last
// round trip.
func (s *followerReplication) notifyAll(leader bool) {
	s.notifyLock.Lock()
	n := s.notify
	s.notify = nil
	s.notifyLock.Unlock()

	for _, v := range n {
		v.vote(leader)
	}
}

func (s *followerReplication) LastContact() time.Time {
	s.lastContactLock.RLock()
	last := s.lastContact
	s.lastContactLock.RUnlock()
	return last
}

func (s *followerReplication) setLastContact() {
	s.lastContactLock.Lock()
	s.lastContact = time.Now()
	s.lastContactLock.Unlock()
}

// replicate drives one follower: heartbeats on a timer, log replication on
// trigger, and a final catch-up when asked to stop at a specific index.
func (r *Raft) replicate(s *followerReplication) {
	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	r.goFunc(func() { r.heartbeat(s, stopHeartbeat) })

	shouldStop := false
	for !shouldStop {
		select {
		case maxIndex := <-s.stopCh:
			if maxIndex > 0 {
				r.replicateTo(s, maxIndex)
			}
			return

		case <-s.triggerCh:
			lastLogIdx, _ := r.getLastLog()
			shouldStop = r.replicateTo(s, lastLogIdx)

		// Periodic poll so commit index updates still propagate when no new
		// entries arrive
		case <-randomTimeout(r.conf.CommitTimeout):
			lastLogIdx, _ := r.getLastLog()
			shouldStop = r.replicateTo(s, lastLogIdx)
		}
	}
}

// replicateTo pushes entries up through lastIndex. Returns true if the
// follower reported a newer term and the leader should step down.
func (r *Raft) replicateTo(s *followerReplication, lastIndex uint64) (shouldStop bool) {
	var req AppendEntriesRequest
	var resp AppendEntriesResponse
	var start time.Time

START:
	if s.failures > 0 {
		select {
		case <-time.After(backoff(failureWait, s.failures, maxFailureScale)):
		case <-r.shutdownCh:
		}
	}

	if err := r.setupAppendEntries(s, &req, s.nextIndex, lastIndex); err == errLogEntryNotFound {
		goto SEND_SNAP
	} else if err != nil {
		return
	}

	start = time.Now()
	if err := r.trans.AppendEntries(s.peer.ID, s.peer.Address, &req, &resp); err != nil {
		r.logger.Printf("[ERR] raft: Failed to AppendEntries to %v: %v", s.peer, err)
		s.failures++
		return
	}
	appendStats(string(s.peer.ID), start, float32(len(req.Entries)))

	if resp.Term > req.Term {
		r.handleStaleTerm(s)
		return true
	}

	s.setLastContact()

	if resp.Success {
		updateLastAppended(s, &req)
		s.failures = 0
	} else {
		s.nextIndex = max(min(s.nextIndex-1, resp.MatchIndex+1), 1)
		if resp.NoRetryBackoff {
			s.failures = 0
		} else {
			s.failures++
		}
		r.logger.Printf("[WARN] raft: AppendEntries to %v rejected, sending older logs (next: %d)", s.peer, s.nextIndex)
	}

CHECK_MORE:
	select {
	case <-s.stopCh:
		return true
	default:
	}

	if s.nextIndex <= lastIndex {
		goto START
	}
	return

	// The follower is too far behind the compacted log; ship a snapshot
SEND_SNAP:
	if stop, err := r.sendLatestSnapshot(s); stop {
		return true
	} else if err != nil {
		r.logger.Printf("[ERR] raft: Failed to send snapshot to %v: %v", s.peer, err)
		return
	}
	goto CHECK_MORE
}

// sendLatestSnapshot streams the newest snapshot to the follower.
func (r *Raft) sendLatestSnapshot(s *followerReplication) (bool, error) {
	snapshots, err := r.snapshots.List()
	if err != nil {
		r.logger.Printf("[ERR] raft: Failed to list snapshots: %v", err)
		return false, err
	}
	if len(snapshots) == 0 {
		return false, fmt.Errorf("no snapshots found")
	}

	snapID := snapshots[0].ID
	meta, snapshot, err := r.snapshots.Open(snapID)
	if err != nil {
		r.logger.Printf("[ERR] raft: Failed to open snapshot %v: %v", snapID, err)
		return false, err
	}
	defer snapshot.Close()

	req := InstallSnapshotRequest{
		Term:               s.currentTerm,
		LeaderID:           r.localID,
		LastIncludedIndex:  meta.Index,
		LastIncludedTerm:   meta.Term,
		Configuration:      encodeConfiguration(meta.Configuration),
		ConfigurationIndex: meta.ConfigurationIndex,
		Size:               meta.Size,
	}

	start := time.Now()
	var resp InstallSnapshotResponse
	if err := r.trans.InstallSnapshot(s.peer.ID, s.peer.Address, &req, &resp, snapshot); err != nil {
		r.logger.Printf("[ERR] raft: Failed to install snapshot %v: %v", snapID, err)
		s.failures++
		return false, err
	}
	metrics.MeasureSince([]string{"raft", "replication", "installSnapshot", string(s.peer.ID)}, start)

	if resp.Term > req.Term {
		r.handleStaleTerm(s)
		return true, nil
	}

	s.setLastContact()

	if resp.Success {
		s.nextIndex = meta.Index + 1
		s.commitment.match(s.peer.ID, meta.Index)
		s.failures = 0
		s.notifyAll(true)
	} else {
		s.failures++
		r.logger.Printf("[WARN] raft: InstallSnapshot to %v rejected", s.peer)
	}
	return false, nil
}

// heartbeat runs on its own timer, decoupled from replication progress, so a
// slow disk or snapshot transfer cannot cause leadership churn.
func (r *Raft) heartbeat(s *followerReplication, stopCh chan struct{}) {
	var failures uint64
	req := AppendEntriesRequest{
		Term:     s.currentTerm,
		LeaderID: r.localID,
	}
	var resp AppendEntriesResponse
	for {
		select {
		case <-s.notifyCh:
		case <-randomTimeout(r.conf.HeartbeatTimeout / 10):
		case <-stopCh:
			return
		}

		start := time.Now()
		if err := r.trans.AppendEntries(s.peer.ID, s.peer.Address, &req, &resp); err != nil {
			r.logger.Printf("[ERR] raft: Failed to heartbeat to %v: %v", s.peer.Address, err)
			failures++
			select {
			case <-time.After(backoff(failureWait, failures, maxFailureScale)):
			case <-stopCh:
				return
			}
		} else {
			s.setLastContact()
			failures = 0
			metrics.MeasureSince([]string{"raft", "replication", "heartbeat", string(s.peer.ID)}, start)
			s.notifyAll(resp.Success)
		}
	}
}

// setupAppendEntries builds a request anchored at nextIndex.
func (r *Raft) setupAppendEntries(s *followerReplication, req *AppendEntriesRequest, nextIndex, lastIndex uint64) error {
	req.Term = s.currentTerm
	req.LeaderID = r.localID
	req.LeaderCommitIndex = r.getCommitIndex()
	if err := r.setPreviousLog(req, nextIndex); err != nil {
		return err
	}
	return r.setNewLogs(req, nextIndex, lastIndex)
}

// setPreviousLog fills in the log-matching anchor preceding nextIndex.
func (r *Raft) setPreviousLog(req *AppendEntriesRequest, nextIndex uint64) error {
	lastSnapIdx, lastSnapTerm := r.getLastSnapshot()
	if nextIndex == 1 {
		req.PrevLogIndex = 0
		req.PrevLogTerm = 0
	} else if (nextIndex - 1) == lastSnapIdx {
		req.PrevLogIndex = lastSnapIdx
		req.PrevLogTerm = lastSnapTerm
	} else {
		var l Log
		if err := r.logs.GetLog(nextIndex-1, &l); err != nil {
			r.logger.Printf("[ERR] raft: Failed to get log at index %d: %v", nextIndex-1, err)
			return errLogEntryNotFound
		}
		req.PrevLogIndex = l.Index
		req.PrevLogTerm = l.Term
	}
	return nil
}

// setNewLogs attaches up to MaxAppendEntries entries starting at nextIndex.
func (r *Raft) setNewLogs(req *AppendEntriesRequest, nextIndex, lastIndex uint64) error {
	req.Entries = req.Entries[:0]
	maxIndex := min(nextIndex+uint64(r.conf.MaxAppendEntries)-1, lastIndex)
	for i := nextIndex; i <= maxIndex; i++ {
		oldLog := new(Log)
		if err := r.logs.GetLog(i, oldLog); err != nil {
			r.logger.Printf("[ERR] raft: Failed to get log at index %d: %v", i, err)
			return errLogEntryNotFound
		}
		req.Entries = append(req.Entries, oldLog)
	}
	return nil
}

func appendStats(peer string, start time.Time, logs float32) {
	metrics.MeasureSince([]string{"raft", "replication", "appendEntries", "rpc", peer}, start)
	metrics.IncrCounter([]string{"raft", "replication", "appendEntries", "logs", peer}, logs)
}

// handleStaleTerm fires when a follower reports a newer term; the leader
// must step down.
func (r *Raft) handleStaleTerm(s *followerReplication) {
	r.logger.Printf("[ERR] raft: peer %v has newer term, stopping replication", s.peer)
	s.notifyAll(false)
	asyncNotifyCh(s.stepDown)
}

// updateLastAppended records replication progress after a successful
// AppendEntries.
func updateLastAppended(s *followerReplication, req *AppendEntriesRequest) {
	if logs := req.Entries; len(logs) > 0 {
		last := logs[len(logs)-1]
		s.nextIndex = last.Index + 1
		s.commitment.match(s.peer.ID, last.Index)
	}
	s.notifyAll(true)
}
