package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskpool/relayer/structs"
)

func testStateStore(t *testing.T) *Store {
	s, err := NewStateStore()
	require.NoError(t, err)
	return s
}

func testTask(id structs.TaskID, resources ...structs.ResourceID) structs.Task {
	return structs.Task{
		ID:        id,
		Kind:      structs.TaskKindUpdateWallet,
		Resources: resources,
		Executor:  "peer-1",
		Descriptor: structs.TaskDescriptor{
			Kind:         structs.TaskKindUpdateWallet,
			UpdateWallet: &structs.UpdateWalletDescriptor{WalletID: string(resources[0])},
		},
		CreatedAt: 1000,
	}
}

func TestStore_TaskEnqueue_StartsAtHead(t *testing.T) {
	s := testStateStore(t)

	started, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t1"}, started)

	_, task, err := s.TaskGet("t1")
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateRunning, task.State)

	_, queue, err := s.TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.Equal(t, structs.TaskID("t1"), queue.Executing)
	require.Empty(t, queue.Pending)
}

func TestStore_TaskEnqueue_FIFO(t *testing.T) {
	s := testStateStore(t)

	started, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t1"}, started)

	// Second task on the same resource must wait for the first to terminate
	started, err = s.TaskEnqueue(2, &structs.TaskEnqueueRequest{Task: testTask("t2", "wallet-a")})
	require.NoError(t, err)
	require.Empty(t, started)

	_, task, err := s.TaskGet("t2")
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateQueued, task.State)

	started, err = s.TaskComplete(3, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t2"}, started)

	_, task, err = s.TaskGet("t1")
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateCompleted, task.State)
}

func TestStore_TaskEnqueue_Idempotent(t *testing.T) {
	s := testStateStore(t)

	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)

	// Replaying the same enqueue must not double-seat the task
	started, err := s.TaskEnqueue(2, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)
	require.Empty(t, started)

	_, queue, err := s.TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.Equal(t, structs.TaskID("t1"), queue.Executing)
	require.Empty(t, queue.Pending)
}

func TestStore_TaskEnqueue_MultiResource(t *testing.T) {
	s := testStateStore(t)

	started, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t1"}, started)

	// t2 needs both wallets; wallet-a is held by t1
	started, err = s.TaskEnqueue(2, &structs.TaskEnqueueRequest{Task: testTask("t2", "wallet-a", "wallet-b")})
	require.NoError(t, err)
	require.Empty(t, started)

	// t3 needs wallet-b only but sits behind t2 in that queue
	started, err = s.TaskEnqueue(3, &structs.TaskEnqueueRequest{Task: testTask("t3", "wallet-b")})
	require.NoError(t, err)
	require.Empty(t, started)

	// t1 done: t2 now heads both queues
	started, err = s.TaskComplete(4, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t2"}, started)

	_, queueB, err := s.TaskQueueGet("wallet-b")
	require.NoError(t, err)
	require.Equal(t, structs.TaskID("t2"), queueB.Executing)
	require.Equal(t, []structs.TaskID{"t3"}, queueB.Pending)

	started, err = s.TaskComplete(5, &structs.TaskCompleteRequest{TaskID: "t2", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t3"}, started)

	// wallet-a is idle; its queue row should be gone
	_, queueA, err := s.TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.Nil(t, queueA)
}

func TestStore_TaskCheckpoint(t *testing.T) {
	s := testStateStore(t)

	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)

	stale, err := s.TaskCheckpoint(2, &structs.TaskCheckpointRequest{
		TaskID: "t1",
		Step:   0,
		Result: structs.StepResult{Step: 0, Name: "prove-update", Output: []byte("proof")},
	})
	require.NoError(t, err)
	require.False(t, stale)

	_, task, err := s.TaskGet("t1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), task.StepIndex)
	require.Len(t, task.StepHistory, 1)
	require.Equal(t, []byte("proof"), task.StepHistory[0].Output)

	// A deposed leader retrying step 0 must be dropped
	stale, err = s.TaskCheckpoint(3, &structs.TaskCheckpointRequest{
		TaskID: "t1",
		Step:   0,
		Result: structs.StepResult{Step: 0, Name: "prove-update"},
	})
	require.NoError(t, err)
	require.True(t, stale)

	_, task, err = s.TaskGet("t1")
	require.NoError(t, err)
	require.Equal(t, uint32(1), task.StepIndex)
	require.Len(t, task.StepHistory, 1)
}

func TestStore_TaskComplete_IdempotentTerminal(t *testing.T) {
	s := testStateStore(t)

	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)
	_, err = s.TaskEnqueue(2, &structs.TaskEnqueueRequest{Task: testTask("t2", "wallet-a")})
	require.NoError(t, err)

	started, err := s.TaskComplete(3, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateFailed, Reason: "boom"})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t2"}, started)

	// Replay of the terminal outcome is a no-op and promotes nothing
	started, err = s.TaskComplete(4, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateFailed, Reason: "boom"})
	require.NoError(t, err)
	require.Empty(t, started)

	_, task, err := s.TaskGet("t1")
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateFailed, task.State)
	require.Equal(t, "boom", task.FailureReason)
}

func TestStore_TaskComplete_NonTerminalOutcome(t *testing.T) {
	s := testStateStore(t)

	_, err := s.TaskComplete(1, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateRunning})
	require.Error(t, err)
}

func TestStore_QueuePauseResume(t *testing.T) {
	s := testStateStore(t)

	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)
	_, err = s.TaskEnqueue(2, &structs.TaskEnqueueRequest{Task: testTask("t2", "wallet-a")})
	require.NoError(t, err)

	// Preemptive settlement cuts ahead of t2 but waits for executing t1
	settle := testTask("settle", "wallet-a", "wallet-b")
	started, err := s.QueuePause(3, &structs.QueuePauseRequest{
		Resources: settle.Resources,
		Task:      settle,
	})
	require.NoError(t, err)
	require.Empty(t, started)

	_, queueA, err := s.TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.True(t, queueA.Paused)
	require.Equal(t, structs.TaskID("settle"), queueA.PausedBy)
	require.Equal(t, []structs.TaskID{"settle", "t2"}, queueA.Pending)

	// t1 done: only the preemptor may start on a paused queue
	started, err = s.TaskComplete(4, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"settle"}, started)

	// Preemptor done: the same apply releases its pause and t2 starts
	started, err = s.TaskComplete(5, &structs.TaskCompleteRequest{TaskID: "settle", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t2"}, started)

	_, queueA, err = s.TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.False(t, queueA.Paused)
	require.Equal(t, structs.TaskID(""), queueA.PausedBy)
	require.Equal(t, structs.TaskID("t2"), queueA.Executing)

	// wallet-b had nothing but the preemptor; its row is gone
	_, queueB, err := s.TaskQueueGet("wallet-b")
	require.NoError(t, err)
	require.Nil(t, queueB)
}

func TestStore_TaskComplete_CancelledPreemptorReleasesQueues(t *testing.T) {
	s := testStateStore(t)

	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)

	settle := testTask("settle", "wallet-a", "wallet-b")
	_, err = s.QueuePause(2, &structs.QueuePauseRequest{
		Resources: settle.Resources,
		Task:      settle,
	})
	require.NoError(t, err)

	_, err = s.TaskEnqueue(3, &structs.TaskEnqueueRequest{Task: testTask("t2", "wallet-a")})
	require.NoError(t, err)

	// An operator cancels the queued preemptor. Its pause must die with it,
	// never waiting on a resume command the preemptor will no longer send.
	started, err := s.TaskComplete(4, &structs.TaskCompleteRequest{TaskID: "settle", Outcome: structs.TaskStateCancelled, Reason: "operator"})
	require.NoError(t, err)
	require.Empty(t, started)

	_, queueA, err := s.TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.False(t, queueA.Paused)
	require.Equal(t, structs.TaskID(""), queueA.PausedBy)
	require.Equal(t, structs.TaskID("t1"), queueA.Executing)
	require.Equal(t, []structs.TaskID{"t2"}, queueA.Pending)

	_, queueB, err := s.TaskQueueGet("wallet-b")
	require.NoError(t, err)
	require.Nil(t, queueB)

	// FIFO admission resumes: t2 starts once t1 terminates
	started, err = s.TaskComplete(5, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t2"}, started)
}

func TestStore_QueueResume_AbortsPreemption(t *testing.T) {
	s := testStateStore(t)

	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a")})
	require.NoError(t, err)

	settle := testTask("settle", "wallet-a", "wallet-b")
	_, err = s.QueuePause(2, &structs.QueuePauseRequest{
		Resources: settle.Resources,
		Task:      settle,
	})
	require.NoError(t, err)

	// Operator resume before the preemptor ran: pause lifts, the preemptor
	// keeps its seat but loses exclusivity, normal promotion applies
	started, err := s.QueueResume(3, &structs.QueueResumeRequest{Resources: settle.Resources})
	require.NoError(t, err)
	require.Empty(t, started)

	_, queueA, err := s.TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.False(t, queueA.Paused)
	require.Equal(t, []structs.TaskID{"settle"}, queueA.Pending)

	started, err = s.TaskComplete(4, &structs.TaskCompleteRequest{TaskID: "t1", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"settle"}, started)
}

func TestStore_TaskReassign(t *testing.T) {
	s := testStateStore(t)

	task := testTask("t1", "wallet-a")
	task.Executor = "peer-dead"
	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: task})
	require.NoError(t, err)

	done := testTask("t2", "wallet-b")
	done.Executor = "peer-dead"
	_, err = s.TaskEnqueue(2, &structs.TaskEnqueueRequest{Task: done})
	require.NoError(t, err)
	_, err = s.TaskComplete(3, &structs.TaskCompleteRequest{TaskID: "t2", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)

	moved, err := s.TaskReassign(4, &structs.TaskReassignRequest{From: "peer-dead", To: "peer-2"})
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t1"}, moved)

	_, t1, err := s.TaskGet("t1")
	require.NoError(t, err)
	require.Equal(t, structs.PeerID("peer-2"), t1.Executor)

	// Terminal tasks keep their original executor
	_, t2, err := s.TaskGet("t2")
	require.NoError(t, err)
	require.Equal(t, structs.PeerID("peer-dead"), t2.Executor)
}

func TestStore_TaskGC(t *testing.T) {
	s := testStateStore(t)

	old := testTask("t-old", "wallet-a")
	old.CreatedAt = 100
	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: old})
	require.NoError(t, err)
	_, err = s.TaskComplete(2, &structs.TaskCompleteRequest{TaskID: "t-old", Outcome: structs.TaskStateCompleted})
	require.NoError(t, err)

	fresh := testTask("t-fresh", "wallet-b")
	fresh.CreatedAt = 5000
	_, err = s.TaskEnqueue(3, &structs.TaskEnqueueRequest{Task: fresh})
	require.NoError(t, err)

	n, err := s.TaskGC(4, &structs.TaskGCRequest{Before: 1000})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Reaped but still visible through the history cache
	_, task, err := s.TaskGet("t-old")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, structs.TaskStateCompleted, task.State)

	// Live rows untouched
	_, tasks, err := s.TaskList()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, structs.TaskID("t-fresh"), tasks[0].ID)
}

func TestStore_RunningTasks(t *testing.T) {
	s := testStateStore(t)

	_, err := s.TaskEnqueue(1, &structs.TaskEnqueueRequest{Task: testTask("t1", "wallet-a", "wallet-b")})
	require.NoError(t, err)
	_, err = s.TaskEnqueue(2, &structs.TaskEnqueueRequest{Task: testTask("t2", "wallet-c")})
	require.NoError(t, err)
	_, err = s.TaskEnqueue(3, &structs.TaskEnqueueRequest{Task: testTask("t3", "wallet-c")})
	require.NoError(t, err)

	_, running, err := s.RunningTasks()
	require.NoError(t, err)
	require.Len(t, running, 2)

	ids := map[structs.TaskID]bool{}
	for _, task := range running {
		ids[task.ID] = true
	}
	require.True(t, ids["t1"])
	require.True(t, ids["t2"])
}
