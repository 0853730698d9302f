package fsm

import (
	"io/ioutil"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskpool/relayer/bus"
	"github.com/duskpool/relayer/raft"
	"github.com/duskpool/relayer/structs"
)

func testFSM(t *testing.T, b *bus.Bus) *FSM {
	t.Helper()

	fsm, err := New(b, ioutil.Discard)
	require.NoError(t, err)
	return fsm
}

func makeLog(t *testing.T, index uint64, msgType structs.MessageType, msg interface{}) *raft.Log {
	t.Helper()

	buf, err := structs.Encode(msgType, msg)
	require.NoError(t, err)
	return &raft.Log{Index: index, Term: 1, Type: raft.LogCommand, Data: buf}
}

func testTask(id structs.TaskID, resources ...structs.ResourceID) structs.Task {
	return structs.Task{
		ID:        id,
		Kind:      structs.TaskKindUpdateWallet,
		Resources: resources,
		Executor:  "peer-1",
		Descriptor: structs.TaskDescriptor{
			Kind:         structs.TaskKindUpdateWallet,
			UpdateWallet: &structs.UpdateWalletDescriptor{WalletID: resources[0]},
		},
	}
}

func TestFSM_Apply_WalletUpsert(t *testing.T) {
	fsm := testFSM(t, nil)

	resp := fsm.Apply(makeLog(t, 1, structs.WalletUpsertRequestType, &structs.WalletUpsertRequest{
		Wallet: structs.Wallet{ID: "w1", Nonce: 1},
	}))
	result, ok := resp.(*structs.ApplyResult)
	require.True(t, ok, "unexpected apply response: %#v", resp)
	require.Equal(t, uint64(1), result.Index)
	require.False(t, result.Stale)

	_, wallet, err := fsm.State().WalletGet("w1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), wallet.Nonce)

	// A write against a lost version applies as a stale no-op
	resp = fsm.Apply(makeLog(t, 2, structs.WalletUpsertRequestType, &structs.WalletUpsertRequest{
		Wallet:       structs.Wallet{ID: "w1", Nonce: 9},
		PriorVersion: 42,
	}))
	result = resp.(*structs.ApplyResult)
	require.True(t, result.Stale)
	require.Equal(t, uint64(2), result.Index)

	_, wallet, err = fsm.State().WalletGet("w1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), wallet.Nonce)
}

func TestFSM_Apply_TaskLifecycle(t *testing.T) {
	fsm := testFSM(t, nil)

	resp := fsm.Apply(makeLog(t, 1, structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{
		Task: testTask("t1", "wallet-a"),
	}))
	result := resp.(*structs.ApplyResult)
	require.Equal(t, []structs.TaskID{"t1"}, result.Started)

	resp = fsm.Apply(makeLog(t, 2, structs.TaskCheckpointType, &structs.TaskCheckpointRequest{
		TaskID: "t1",
		Step:   0,
		Result: structs.StepResult{Step: 0, Name: "prove-update", Output: []byte("witness")},
	}))
	result = resp.(*structs.ApplyResult)
	require.False(t, result.Stale)

	_, task, err := fsm.State().TaskGet("t1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), task.StepIndex)
	require.Len(t, task.StepHistory, 1)

	// Duplicate checkpoint from a retried proposal is dropped as stale
	resp = fsm.Apply(makeLog(t, 3, structs.TaskCheckpointType, &structs.TaskCheckpointRequest{
		TaskID: "t1",
		Step:   0,
		Result: structs.StepResult{Step: 0, Name: "prove-update"},
	}))
	require.True(t, resp.(*structs.ApplyResult).Stale)

	resp = fsm.Apply(makeLog(t, 4, structs.TaskCompleteRequestType, &structs.TaskCompleteRequest{
		TaskID:  "t1",
		Outcome: structs.TaskStateCompleted,
	}))
	require.False(t, resp.(*structs.ApplyResult).Stale)

	_, task, err = fsm.State().TaskGet("t1")
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateCompleted, task.State)
}

func TestFSM_Apply_Deterministic(t *testing.T) {
	logs := []*raft.Log{
		makeLog(t, 1, structs.WalletUpsertRequestType, &structs.WalletUpsertRequest{Wallet: structs.Wallet{ID: "w1", Nonce: 1}}),
		makeLog(t, 2, structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{Task: testTask("t1", "w1")}),
		makeLog(t, 3, structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{Task: testTask("t2", "w1")}),
		makeLog(t, 4, structs.TaskCheckpointType, &structs.TaskCheckpointRequest{TaskID: "t1", Step: 0, Result: structs.StepResult{Step: 0, Name: "prove-update"}}),
		makeLog(t, 5, structs.TaskCompleteRequestType, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateCompleted}),
		makeLog(t, 6, structs.PeerUpsertRequestType, &structs.PeerUpsertRequest{Peer: structs.Peer{ID: "p1", Addr: "10.0.0.1:9000"}}),
	}

	first := testFSM(t, nil)
	second := testFSM(t, nil)
	for _, entry := range logs {
		firstResp := first.Apply(entry)
		secondResp := second.Apply(entry)
		require.Equal(t, firstResp, secondResp, "apply diverged at index %d", entry.Index)
	}

	_, firstTask, err := first.State().TaskGet("t2")
	require.NoError(t, err)
	_, secondTask, err := second.State().TaskGet("t2")
	require.NoError(t, err)
	require.Equal(t, firstTask, secondTask)

	_, firstQueue, err := first.State().TaskQueueGet("w1")
	require.NoError(t, err)
	_, secondQueue, err := second.State().TaskQueueGet("w1")
	require.NoError(t, err)
	require.Equal(t, firstQueue, secondQueue)
	require.Equal(t, structs.TaskID("t2"), firstQueue.Executing)
}

func TestFSM_Apply_IgnoreUnknownType(t *testing.T) {
	fsm := testFSM(t, nil)

	msg := structs.MessageType(100) | structs.IgnoreUnknownTypeFlag
	resp := fsm.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte{byte(msg), 0}})
	require.Nil(t, resp)
}

func TestFSM_Apply_UnknownTypePanics(t *testing.T) {
	fsm := testFSM(t, nil)

	require.Panics(t, func() {
		fsm.Apply(&raft.Log{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte{100, 0}})
	})
}

func TestFSM_BusEvents(t *testing.T) {
	b := bus.New()
	defer b.Close()
	fsm := testFSM(t, b)

	sub := b.Subscribe(bus.TopicTaskQueues)
	fsm.Apply(makeLog(t, 1, structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{
		Task: testTask("t1", "wallet-a"),
	}))

	event := <-sub.C
	require.Equal(t, uint64(1), event.Index)
	payload := event.Payload.(structs.TaskQueueEvent)
	require.Equal(t, structs.TaskID("t1"), payload.TaskID)
	require.Equal(t, structs.TaskStateRunning, payload.State)
	require.Equal(t, []structs.TaskID{"t1"}, payload.Started)
}

func TestFSM_SnapshotRestore(t *testing.T) {
	fsm := testFSM(t, nil)

	fsm.Apply(makeLog(t, 1, structs.WalletUpsertRequestType, &structs.WalletUpsertRequest{Wallet: structs.Wallet{ID: "w1", Nonce: 5}}))
	fsm.Apply(makeLog(t, 2, structs.OrderUpsertRequestType, &structs.OrderUpsertRequest{Order: structs.Order{ID: "o1", WalletID: "w1"}}))
	fsm.Apply(makeLog(t, 3, structs.PeerUpsertRequestType, &structs.PeerUpsertRequest{Peer: structs.Peer{ID: "p1"}}))
	fsm.Apply(makeLog(t, 4, structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{Task: testTask("t1", "w1")}))
	fsm.Apply(makeLog(t, 5, structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{Task: testTask("t2", "w1")}))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	store := raft.NewInmemSnapshotStore()
	sink, err := store.Create(5, 1, raft.Configuration{}, 1)
	require.NoError(t, err)
	require.NoError(t, snap.Persist(sink))
	require.NoError(t, sink.Close())

	restored := testFSM(t, nil)
	abandoned := restored.State().AbandonCh()

	_, source, err := store.Open(sink.ID())
	require.NoError(t, err)
	require.NoError(t, restored.Restore(source))

	select {
	case <-abandoned:
	default:
		t.Fatal("restore did not abandon the prior store")
	}

	_, wallet, err := restored.State().WalletGet("w1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), wallet.Nonce)

	_, order, err := restored.State().OrderGet("o1")
	require.NoError(t, err)
	require.NotNil(t, order)

	_, queue, err := restored.State().TaskQueueGet("w1")
	require.NoError(t, err)
	require.Equal(t, structs.TaskID("t1"), queue.Executing)
	require.Equal(t, []structs.TaskID{"t2"}, queue.Pending)

	// Applies continue from the restored indexes
	resp := restored.Apply(makeLog(t, 6, structs.TaskCompleteRequestType, &structs.TaskCompleteRequest{
		TaskID:  "t1",
		Outcome: structs.TaskStateCompleted,
	}))
	require.Equal(t, []structs.TaskID{"t2"}, resp.(*structs.ApplyResult).Started)
}
