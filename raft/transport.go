package raft

import "io"

// AppendEntriesRequest replicates log entries and doubles as the leader
// heartbeat.
type AppendEntriesRequest struct {
	Term     uint64
	LeaderID ServerID

	// PrevLogIndex/PrevLogTerm anchor the log matching check
	PrevLogIndex uint64
	PrevLogTerm  uint64

	Entries []*Log

	LeaderCommitIndex uint64
}

// AppendEntriesResponse reports the follower's disposition. MatchIndex is
// the follower's last log index and steers the leader's nextIndex search on
// rejection.
type AppendEntriesResponse struct {
	Term       uint64
	Success    bool
	MatchIndex uint64

	// NoRetryBackoff distinguishes a log mismatch (retry immediately with
	// older entries) from a transport failure
	NoRetryBackoff bool
}

// RequestVoteRequest solicits a vote for candidacy in Term.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  ServerID
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse grants or withholds the voter's vote.
type RequestVoteResponse struct {
	Term    uint64
	Granted bool
}

// InstallSnapshotRequest streams a full state snapshot to a follower too far
// behind the log to repair incrementally.
type InstallSnapshotRequest struct {
	Term     uint64
	LeaderID ServerID

	LastIncludedIndex uint64
	LastIncludedTerm  uint64

	Configuration      []byte
	ConfigurationIndex uint64

	// Size is the byte length of the snapshot body on the stream
	Size int64
}

// InstallSnapshotResponse acknowledges an atomic snapshot install.
type InstallSnapshotResponse struct {
	Term    uint64
	Success bool
}

// RPCResponse carries a response or an error back to the transport.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// RPC is a request delivered by the transport to the consensus module.
// Reader is non-nil only for InstallSnapshot, carrying the snapshot body.
type RPC struct {
	Command  interface{}
	Reader   io.Reader
	RespChan chan<- RPCResponse
}

// Respond sends the reply; exactly one call is expected per RPC.
func (r *RPC) Respond(resp interface{}, err error) {
	r.RespChan <- RPCResponse{resp, err}
}

// Transport is the narrow seam to the peer-to-peer layer. The production
// gossip transport lives outside this module; tests use InmemTransport.
type Transport interface {
	// Consumer returns the channel of inbound RPCs
	Consumer() <-chan RPC

	// LocalAddr is the address peers should use to reach this node
	LocalAddr() ServerAddress

	AppendEntries(id ServerID, target ServerAddress, args *AppendEntriesRequest, resp *AppendEntriesResponse) error

	RequestVote(id ServerID, target ServerAddress, args *RequestVoteRequest, resp *RequestVoteResponse) error

	// InstallSnapshot streams data alongside the request; the size in args
	// must match the stream length
	InstallSnapshot(id ServerID, target ServerAddress, args *InstallSnapshotRequest, resp *InstallSnapshotResponse, data io.Reader) error
}

// WithClose is implemented by transports that hold resources needing
// teardown on shutdown.
type WithClose interface {
	Close() error
}
