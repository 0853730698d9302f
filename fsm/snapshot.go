package fsm

import (
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"

	"github.com/duskpool/relayer/raft"
	"github.com/duskpool/relayer/state"
	"github.com/duskpool/relayer/structs"
)

// snapshot wraps a point-in-time state store capture for persistence.
type snapshot struct {
	state *state.Snapshot
}

// snapshotHeader is the first msgpack record in every snapshot stream.
type snapshotHeader struct {
	// LastIndex is the last log index covered by the snapshot
	LastIndex uint64
}

// persister writes one table into the sink, each record prefixed by its
// message type byte.
type persister func(s *snapshot, sink raft.SnapshotSink, encoder *codec.Encoder) error

var persisters []persister

func registerPersister(fn persister) {
	persisters = append(persisters, fn)
}

// restorer loads records of one message type during restore.
type restorer func(header *snapshotHeader, restore *state.Restore, decoder *codec.Decoder) error

var restorers map[structs.MessageType]restorer

func registerRestorer(msg structs.MessageType, fn restorer) {
	if restorers == nil {
		restorers = make(map[structs.MessageType]restorer)
	}
	if restorers[msg] != nil {
		panic("message already has a registered restorer")
	}
	restorers[msg] = fn
}

// Persist writes the full state into the sink: header first, then every
// registered table.
func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	defer metrics.MeasureSince([]string{"fsm", "persist"}, time.Now())

	header := snapshotHeader{
		LastIndex: s.state.LastIndex(),
	}
	encoder := codec.NewEncoder(sink, msgpackHandle)
	if err := encoder.Encode(&header); err != nil {
		sink.Cancel()
		return err
	}

	for _, fn := range persisters {
		if err := fn(s, sink, encoder); err != nil {
			sink.Cancel()
			return err
		}
	}
	return nil
}

func (s *snapshot) Release() {
	s.state.Close()
}

func init() {
	registerPersister(persistIndexes)
	registerPersister(persistWallets)
	registerPersister(persistOrders)
	registerPersister(persistPeers)
	registerPersister(persistTasks)
	registerPersister(persistTaskQueues)

	registerRestorer(structs.IndexEntryType, restoreIndex)
	registerRestorer(structs.WalletUpsertRequestType, restoreWallet)
	registerRestorer(structs.OrderUpsertRequestType, restoreOrder)
	registerRestorer(structs.PeerUpsertRequestType, restorePeer)
	registerRestorer(structs.TaskEnqueueRequestType, restoreTask)
	registerRestorer(structs.TaskQueueEntryType, restoreTaskQueue)
}

func persistIndexes(s *snapshot, sink raft.SnapshotSink, encoder *codec.Encoder) error {
	iter, err := s.state.Indexes()
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if _, err := sink.Write([]byte{byte(structs.IndexEntryType)}); err != nil {
			return err
		}
		if err := encoder.Encode(raw.(*state.IndexEntry)); err != nil {
			return err
		}
	}
	return nil
}

func persistWallets(s *snapshot, sink raft.SnapshotSink, encoder *codec.Encoder) error {
	iter, err := s.state.Wallets()
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if _, err := sink.Write([]byte{byte(structs.WalletUpsertRequestType)}); err != nil {
			return err
		}
		if err := encoder.Encode(raw.(*structs.Wallet)); err != nil {
			return err
		}
	}
	return nil
}

func persistOrders(s *snapshot, sink raft.SnapshotSink, encoder *codec.Encoder) error {
	iter, err := s.state.Orders()
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if _, err := sink.Write([]byte{byte(structs.OrderUpsertRequestType)}); err != nil {
			return err
		}
		if err := encoder.Encode(raw.(*structs.Order)); err != nil {
			return err
		}
	}
	return nil
}

func persistPeers(s *snapshot, sink raft.SnapshotSink, encoder *codec.Encoder) error {
	iter, err := s.state.Peers()
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if _, err := sink.Write([]byte{byte(structs.PeerUpsertRequestType)}); err != nil {
			return err
		}
		if err := encoder.Encode(raw.(*structs.Peer)); err != nil {
			return err
		}
	}
	return nil
}

func persistTasks(s *snapshot, sink raft.SnapshotSink, encoder *codec.Encoder) error {
	iter, err := s.state.Tasks()
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if _, err := sink.Write([]byte{byte(structs.TaskEnqueueRequestType)}); err != nil {
			return err
		}
		if err := encoder.Encode(raw.(*structs.Task)); err != nil {
			return err
		}
	}
	return nil
}

func persistTaskQueues(s *snapshot, sink raft.SnapshotSink, encoder *codec.Encoder) error {
	iter, err := s.state.TaskQueues()
	if err != nil {
		return err
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		if _, err := sink.Write([]byte{byte(structs.TaskQueueEntryType)}); err != nil {
			return err
		}
		if err := encoder.Encode(raw.(*structs.TaskQueueEntry)); err != nil {
			return err
		}
	}
	return nil
}

func restoreIndex(header *snapshotHeader, restore *state.Restore, decoder *codec.Decoder) error {
	var req state.IndexEntry
	if err := decoder.Decode(&req); err != nil {
		return err
	}
	return restore.IndexRestore(&req)
}

func restoreWallet(header *snapshotHeader, restore *state.Restore, decoder *codec.Decoder) error {
	var req structs.Wallet
	if err := decoder.Decode(&req); err != nil {
		return err
	}
	return restore.Wallet(&req)
}

func restoreOrder(header *snapshotHeader, restore *state.Restore, decoder *codec.Decoder) error {
	var req structs.Order
	if err := decoder.Decode(&req); err != nil {
		return err
	}
	return restore.Order(&req)
}

func restorePeer(header *snapshotHeader, restore *state.Restore, decoder *codec.Decoder) error {
	var req structs.Peer
	if err := decoder.Decode(&req); err != nil {
		return err
	}
	return restore.Peer(&req)
}

func restoreTask(header *snapshotHeader, restore *state.Restore, decoder *codec.Decoder) error {
	var req structs.Task
	if err := decoder.Decode(&req); err != nil {
		return err
	}
	return restore.Task(&req)
}

func restoreTaskQueue(header *snapshotHeader, restore *state.Restore, decoder *codec.Decoder) error {
	var req structs.TaskQueueEntry
	if err := decoder.Decode(&req); err != nil {
		return err
	}
	return restore.TaskQueue(&req)
}
