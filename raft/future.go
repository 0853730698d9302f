package raft

import (
	"sync"
	"time"
)

// Future is the result of an asynchronous consensus operation. Error blocks
// until the operation completes and may be called once.
type Future interface {
	Error() error
}

// IndexFuture additionally reports the log index assigned to the operation.
type IndexFuture interface {
	Future
	Index() uint64
}

// ApplyFuture is returned by Propose; Response carries the state machine's
// apply result once committed and applied.
type ApplyFuture interface {
	IndexFuture
	Response() interface{}
}

// ConfigurationFuture is returned by membership queries.
type ConfigurationFuture interface {
	IndexFuture
	Configuration() Configuration
}

type errorFuture struct {
	err error
}

func (e errorFuture) Error() error          { return e.err }
func (e errorFuture) Response() interface{} { return nil }
func (e errorFuture) Index() uint64         { return 0 }

type deferError struct {
	err       error
	errCh     chan error
	responded bool
}

func (d *deferError) init() {
	d.errCh = make(chan error, 1)
}

func (d *deferError) Error() error {
	if d.err != nil {
		return d.err
	}
	if d.errCh == nil {
		panic("waiting for response on nil channel")
	}
	d.err = <-d.errCh
	return d.err
}

func (d *deferError) respond(err error) {
	if d.errCh == nil || d.responded {
		return
	}
	d.errCh <- err
	close(d.errCh)
	d.responded = true
}

type logFuture struct {
	deferError
	log      Log
	response interface{}
	dispatch time.Time
}

func (l *logFuture) Response() interface{} { return l.response }
func (l *logFuture) Index() uint64         { return l.log.Index }

type configurationChangeFuture struct {
	logFuture
	req configurationChangeRequest
}

type bootstrapFuture struct {
	deferError
	configuration Configuration
}

type configurationsFuture struct {
	deferError
	configurations configurations
}

func (c *configurationsFuture) Configuration() Configuration { return c.configurations.latest }
func (c *configurationsFuture) Index() uint64                { return c.configurations.latestIndex }

type shutdownFuture struct {
	raft *Raft
}

func (s *shutdownFuture) Error() error {
	if s.raft == nil {
		return nil
	}
	s.raft.waitShutdown()
	return nil
}

// verifyFuture confirms leadership with a quorum; used by linearizable
// reads.
type verifyFuture struct {
	deferError
	notifyCh   chan *verifyFuture
	quorumSize int
	votes      int
	voteLock   sync.Mutex
}

func (v *verifyFuture) vote(leader bool) {
	v.voteLock.Lock()
	defer v.voteLock.Unlock()

	if v.notifyCh == nil {
		return
	}

	if leader {
		v.votes++
		if v.votes >= v.quorumSize {
			v.notifyCh <- v
			v.notifyCh = nil
		}
	} else {
		v.notifyCh <- v
		v.notifyCh = nil
	}
}

// snapshotFuture is a user-requested snapshot.
type snapshotFuture struct {
	deferError
}

// reqSnapshotFuture asks the FSM runner for a snapshot of its latest applied
// state.
type reqSnapshotFuture struct {
	deferError
	index    uint64
	term     uint64
	snapshot FSMSnapshot
}

// restoreFuture asks the FSM runner to install a snapshot by ID.
type restoreFuture struct {
	deferError
	ID string
}
