// Package fsm is the deterministic interpreter of the replicated log: it
// decodes committed commands, applies them to the typed state store in log
// order, and fans change notifications out on the system bus.
package fsm

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/duskpool/relayer/bus"
	"github.com/duskpool/relayer/raft"
	"github.com/duskpool/relayer/state"
	"github.com/duskpool/relayer/structs"
)

var msgpackHandle = &codec.MsgpackHandle{}

// command is an apply function bound to an FSM instance.
type command func(buf []byte, index uint64) interface{}

// unboundCommand is an apply function prior to binding.
type unboundCommand func(c *FSM, buf []byte, index uint64) interface{}

// commands is the static command table, populated by init in commands.go.
var commands map[structs.MessageType]unboundCommand

func registerCommand(msg structs.MessageType, fn unboundCommand) {
	if commands == nil {
		commands = make(map[structs.MessageType]unboundCommand)
	}
	if commands[msg] != nil {
		panic(fmt.Errorf("message %d is already registered", msg))
	}
	commands[msg] = fn
}

// FSM implements raft.FSM over the state store. Apply must be deterministic:
// identical log prefixes yield identical state on every node, so nothing in
// the apply path may consult clocks, randomness, or local configuration.
type FSM struct {
	logger *log.Logger

	apply map[structs.MessageType]command

	// bus receives post-apply notifications; nil is allowed for replay
	// tooling and tests
	bus *bus.Bus

	stateLock sync.RWMutex
	state     *state.Store
}

// New creates an FSM with a fresh state store.
func New(b *bus.Bus, logOutput io.Writer) (*FSM, error) {
	stateNew, err := state.NewStateStore()
	if err != nil {
		return nil, err
	}

	fsm := &FSM{
		logger: log.New(logOutput, "", log.LstdFlags),
		apply:  make(map[structs.MessageType]command),
		bus:    b,
		state:  stateNew,
	}

	for msg, fn := range commands {
		thisFn := fn
		fsm.apply[msg] = func(buf []byte, index uint64) interface{} {
			return thisFn(fsm, buf, index)
		}
	}

	return fsm, nil
}

// State returns the current store. The pointer changes on snapshot restore;
// long-lived readers should re-resolve after the store's AbandonCh fires.
func (c *FSM) State() *state.Store {
	c.stateLock.RLock()
	defer c.stateLock.RUnlock()
	return c.state
}

// Apply dispatches one committed log entry to its command handler.
func (c *FSM) Apply(log *raft.Log) interface{} {
	buf := log.Data
	msgType := structs.MessageType(buf[0])

	ignoreUnknown := false
	if msgType&structs.IgnoreUnknownTypeFlag == structs.IgnoreUnknownTypeFlag {
		msgType &= ^structs.IgnoreUnknownTypeFlag
		ignoreUnknown = true
	}

	if fn := c.apply[msgType]; fn != nil {
		return fn(buf[1:], log.Index)
	}

	if ignoreUnknown {
		c.logger.Printf("[WARN] fsm: ignoring unknown message type (%d), upgrade to newer version", msgType)
		return nil
	}
	panic(fmt.Errorf("failed to apply request: %#v", buf))
}

// Snapshot opens a point-in-time capture of the store. Cheap; the heavy
// serialization happens in Persist on the snapshot goroutine.
func (c *FSM) Snapshot() (raft.FSMSnapshot, error) {
	defer func(start time.Time) {
		c.logger.Printf("[INFO] fsm: snapshot created in %v", time.Since(start))
	}(time.Now())

	return &snapshot{c.State().Snapshot()}, nil
}

// Restore atomically replaces the store from a snapshot stream.
func (c *FSM) Restore(old io.ReadCloser) error {
	defer old.Close()

	stateNew, err := state.NewStateStore()
	if err != nil {
		return err
	}

	restore := stateNew.Restore()
	defer restore.Abort()

	dec := codec.NewDecoder(old, msgpackHandle)

	var header snapshotHeader
	if err := dec.Decode(&header); err != nil {
		return err
	}

	msgType := make([]byte, 1)
	for {
		_, err := old.Read(msgType)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}

		msg := structs.MessageType(msgType[0])
		if fn := restorers[msg]; fn != nil {
			if err := fn(&header, restore, dec); err != nil {
				return err
			}
		} else {
			return fmt.Errorf("unrecognized msg type %d", msg)
		}
	}
	restore.Commit()

	c.stateLock.Lock()
	stateOld := c.state
	c.state = stateNew
	c.stateLock.Unlock()

	stateOld.Abandon()
	return nil
}

// publish fans an applied change out to bus subscribers. Notification is
// best-effort and node-local; it never feeds back into apply decisions.
func (c *FSM) publish(topic string, index uint64, payload interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Topic:   topic,
		Index:   index,
		Payload: payload,
	})
}
