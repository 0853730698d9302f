package taskdriver

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/duskpool/relayer/bus"
	"github.com/duskpool/relayer/fsm"
	"github.com/duskpool/relayer/raft"
	"github.com/duskpool/relayer/state"
	"github.com/duskpool/relayer/structs"
	"github.com/duskpool/relayer/testutil/retry"
)

// fakeBackend applies proposals straight through a real state machine,
// standing in for consensus. Applies are serialized like the log would be,
// and individual command types can be made to fail like a proposal that
// missed the commit window.
type fakeBackend struct {
	mu       sync.Mutex
	index    uint64
	fsm      *fsm.FSM
	id       structs.PeerID
	failNext map[structs.MessageType]int
}

func (f *fakeBackend) failProposals(t structs.MessageType, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext == nil {
		f.failNext = make(map[structs.MessageType]int)
	}
	f.failNext[t] = n
}

func (f *fakeBackend) ProposeCommand(t structs.MessageType, msg interface{}) (*structs.ApplyResult, error) {
	buf, err := structs.Encode(t, msg)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext[t] > 0 {
		f.failNext[t]--
		return nil, raft.ErrEnqueueTimeout
	}
	f.index++
	resp := f.fsm.Apply(&raft.Log{Index: f.index, Term: 1, Type: raft.LogCommand, Data: buf})
	switch r := resp.(type) {
	case *structs.ApplyResult:
		return r, nil
	case error:
		return nil, r
	default:
		return nil, fmt.Errorf("unexpected apply response: %#v", resp)
	}
}

func (f *fakeBackend) Store() *state.Store {
	return f.fsm.State()
}

func (f *fakeBackend) LocalID() structs.PeerID {
	return f.id
}

// stubCollab records collaborator calls and can inject failures or block a
// method behind a gate.
type stubCollab struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
	fatal    map[string]bool
	gates    map[string]chan struct{}
}

func newStubCollab() *stubCollab {
	return &stubCollab{
		failures: make(map[string]int),
		fatal:    make(map[string]bool),
		gates:    make(map[string]chan struct{}),
	}
}

func (s *stubCollab) collaborators() Collaborators {
	return Collaborators{Proofs: s, Chain: s, Match: s}
}

func (s *stubCollab) gate(method string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gates[method] = gate
	return gate
}

func (s *stubCollab) failTimes(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = n
}

func (s *stubCollab) failFatally(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal[method] = true
}

func (s *stubCollab) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, call := range s.calls {
		if call == method {
			count++
		}
	}
	return count
}

func (s *stubCollab) callList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubCollab) record(ctx context.Context, method string) error {
	s.mu.Lock()
	s.calls = append(s.calls, method)
	gate := s.gates[method]
	if s.fatal[method] {
		s.mu.Unlock()
		return Fatal(method, errors.New("boom"))
	}
	if s.failures[method] > 0 {
		s.failures[method]--
		s.mu.Unlock()
		return Retryable(method, errors.New("transient"))
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *stubCollab) ProveWalletCreate(ctx context.Context, wallet *structs.Wallet) ([]byte, error) {
	if err := s.record(ctx, "ProveWalletCreate"); err != nil {
		return nil, err
	}
	return []byte("create-proof"), nil
}

func (s *stubCollab) ProveWalletUpdate(ctx context.Context, old, new *structs.Wallet, transfer []byte) ([]byte, error) {
	if err := s.record(ctx, "ProveWalletUpdate"); err != nil {
		return nil, err
	}
	return []byte("update-proof"), nil
}

func (s *stubCollab) ProveWalletValidity(ctx context.Context, wallet *structs.Wallet) ([]byte, error) {
	if err := s.record(ctx, "ProveWalletValidity"); err != nil {
		return nil, err
	}
	return []byte("validity-proof"), nil
}

func (s *stubCollab) ProveMatchSettle(ctx context.Context, desc *structs.SettleMatchDescriptor) ([]byte, error) {
	if err := s.record(ctx, "ProveMatchSettle"); err != nil {
		return nil, err
	}
	return []byte("settle-proof"), nil
}

func (s *stubCollab) ProveFeePayment(ctx context.Context, wallet *structs.Wallet) ([]byte, error) {
	if err := s.record(ctx, "ProveFeePayment"); err != nil {
		return nil, err
	}
	return []byte("fee-proof"), nil
}

func (s *stubCollab) SubmitProof(ctx context.Context, proof []byte) ([]byte, error) {
	if err := s.record(ctx, "SubmitProof"); err != nil {
		return nil, err
	}
	return []byte("txhash"), nil
}

func (s *stubCollab) AwaitFinality(ctx context.Context, txHash []byte) error {
	return s.record(ctx, "AwaitFinality")
}

func (s *stubCollab) FindWallet(ctx context.Context, id structs.WalletID, blinderSeed []byte) (*structs.Wallet, error) {
	if err := s.record(ctx, "FindWallet"); err != nil {
		return nil, err
	}
	return &structs.Wallet{ID: id, EncryptedShares: []byte("recovered-shares")}, nil
}

func (s *stubCollab) ApplyMatch(ctx context.Context, desc *structs.SettleMatchDescriptor) ([]byte, error) {
	if err := s.record(ctx, "ApplyMatch"); err != nil {
		return nil, err
	}
	return []byte("match-applied"), nil
}

type driverHarness struct {
	driver   *Driver
	backend  *fakeBackend
	collab   *stubCollab
	leaderCh chan bool
}

func testHarness(t *testing.T) *driverHarness {
	t.Helper()

	b := bus.New()
	stateMachine, err := fsm.New(b, ioutil.Discard)
	require.NoError(t, err)

	backend := &fakeBackend{fsm: stateMachine, id: "peer-1"}
	collab := newStubCollab()

	conf := DefaultConfig()
	conf.RetryBaseDelay = time.Millisecond
	conf.RetryMaxDelay = 5 * time.Millisecond
	conf.CheckpointRate = rate.Limit(10000)
	conf.CheckpointBurst = 100
	conf.LogOutput = ioutil.Discard

	driver, err := NewDriver(conf, backend, collab.collaborators(), b)
	require.NoError(t, err)

	leaderCh := make(chan bool)
	go driver.Run(leaderCh)
	t.Cleanup(func() {
		driver.Shutdown()
		b.Close()
	})

	return &driverHarness{
		driver:   driver,
		backend:  backend,
		collab:   collab,
		leaderCh: leaderCh,
	}
}

func (h *driverHarness) becomeLeader() {
	h.leaderCh <- true
}

func (h *driverHarness) loseLeadership() {
	h.leaderCh <- false
}

func (h *driverHarness) enqueue(t *testing.T, task structs.Task) {
	t.Helper()
	_, err := h.backend.ProposeCommand(structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{Task: task})
	require.NoError(t, err)
}

func (h *driverHarness) taskState(t *testing.T, id structs.TaskID) *structs.Task {
	t.Helper()
	_, task, err := h.backend.Store().TaskGet(id)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (h *driverHarness) waitTerminal(t *testing.T, id structs.TaskID) *structs.Task {
	t.Helper()
	retry.Run(t, func(r *retry.R) {
		_, task, err := h.backend.Store().TaskGet(id)
		if err != nil {
			r.Fatalf("task lookup failed: %v", err)
		}
		if task == nil {
			r.Fatalf("task %s not found", id)
		}
		if !task.State.Terminal() {
			r.Fatalf("task %s still %s", id, task.State)
		}
	})
	return h.taskState(t, id)
}

func updateTask(id structs.TaskID, wallet structs.WalletID) structs.Task {
	return structs.Task{
		ID:        id,
		Kind:      structs.TaskKindUpdateWallet,
		Resources: []structs.ResourceID{wallet},
		Executor:  "peer-1",
		Descriptor: structs.TaskDescriptor{
			Kind: structs.TaskKindUpdateWallet,
			UpdateWallet: &structs.UpdateWalletDescriptor{
				WalletID:  wallet,
				NewWallet: structs.Wallet{ID: wallet},
			},
		},
	}
}

func settleTask(id structs.TaskID, w1, w2 structs.WalletID) structs.Task {
	return structs.Task{
		ID:        id,
		Kind:      structs.TaskKindSettleMatch,
		Resources: []structs.ResourceID{w1, w2},
		Executor:  "peer-1",
		Descriptor: structs.TaskDescriptor{
			Kind: structs.TaskKindSettleMatch,
			SettleMatch: &structs.SettleMatchDescriptor{
				OrderID1:  "o1",
				OrderID2:  "o2",
				WalletID1: w1,
				WalletID2: w2,
			},
		},
	}
}

func TestDriver_RunsTaskToCompletion(t *testing.T) {
	h := testHarness(t)
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))
	task := h.waitTerminal(t, "t1")

	require.Equal(t, structs.TaskStateCompleted, task.State)
	require.Equal(t, uint32(4), task.StepIndex)
	require.Len(t, task.StepHistory, 4)
	require.Equal(t, "prove-update", task.StepHistory[0].Name)
	require.Equal(t, "refresh-validity-proofs", task.StepHistory[3].Name)

	require.Equal(t, []string{
		"ProveWalletUpdate", "SubmitProof", "AwaitFinality", "ProveWalletValidity",
	}, h.collab.callList())

	// Queue row is gone once the only task finished
	_, queue, err := h.backend.Store().TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.Nil(t, queue)

	retry.Run(t, func(r *retry.R) {
		if n := h.driver.RunnerCount(); n != 0 {
			r.Fatalf("%d runners still live", n)
		}
	})
}

func TestDriver_RetryableFailureRecovers(t *testing.T) {
	h := testHarness(t)
	h.collab.failTimes("SubmitProof", 2)
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))
	task := h.waitTerminal(t, "t1")

	require.Equal(t, structs.TaskStateCompleted, task.State)
	require.Equal(t, 3, h.collab.callCount("SubmitProof"))
}

func TestDriver_RetriesExhaustedFailsTask(t *testing.T) {
	h := testHarness(t)
	h.collab.failTimes("ProveWalletUpdate", 100)
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))
	task := h.waitTerminal(t, "t1")

	require.Equal(t, structs.TaskStateFailed, task.State)
	require.Contains(t, task.FailureReason, "retries exhausted")
	require.Equal(t, h.driver.conf.MaxStepAttempts, h.collab.callCount("ProveWalletUpdate"))
	require.Zero(t, h.collab.callCount("SubmitProof"))
}

func TestDriver_FatalFailureSkipsRetries(t *testing.T) {
	h := testHarness(t)
	h.collab.failFatally("ProveWalletUpdate")
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))
	task := h.waitTerminal(t, "t1")

	require.Equal(t, structs.TaskStateFailed, task.State)
	require.Equal(t, 1, h.collab.callCount("ProveWalletUpdate"))
}

func TestDriver_ResumesAtCommittedStep(t *testing.T) {
	h := testHarness(t)

	// Simulate a predecessor that committed the first two steps before dying:
	// enqueue and checkpoint while this driver is still a follower
	h.enqueue(t, updateTask("t1", "wallet-a"))
	for i, name := range []string{"prove-update", "submit-update"} {
		resp, err := h.backend.ProposeCommand(structs.TaskCheckpointType, &structs.TaskCheckpointRequest{
			TaskID: "t1",
			Step:   uint32(i),
			Result: structs.StepResult{Step: uint32(i), Name: name, Output: []byte("txhash")},
		})
		require.NoError(t, err)
		require.False(t, resp.Stale)
	}
	require.Zero(t, len(h.collab.callList()))

	h.becomeLeader()
	task := h.waitTerminal(t, "t1")

	require.Equal(t, structs.TaskStateCompleted, task.State)
	require.Equal(t, uint32(4), task.StepIndex)

	// Steps behind committed checkpoints were never re-executed
	require.Equal(t, []string{"AwaitFinality", "ProveWalletValidity"}, h.collab.callList())
}

func TestDriver_CancellationStopsRunner(t *testing.T) {
	h := testHarness(t)
	gate := h.collab.gate("AwaitFinality")
	defer close(gate)
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))

	// Wait for the runner to block inside the third step
	retry.Run(t, func(r *retry.R) {
		if h.collab.callCount("AwaitFinality") == 0 {
			r.Fatalf("task not yet at await-finality")
		}
	})

	_, err := h.backend.ProposeCommand(structs.TaskCompleteRequestType, &structs.TaskCompleteRequest{
		TaskID:  "t1",
		Outcome: structs.TaskStateCancelled,
		Reason:  "operator cancel",
	})
	require.NoError(t, err)

	retry.Run(t, func(r *retry.R) {
		if n := h.driver.RunnerCount(); n != 0 {
			r.Fatalf("%d runners still live", n)
		}
	})

	task := h.taskState(t, "t1")
	require.Equal(t, structs.TaskStateCancelled, task.State)
	require.Equal(t, "operator cancel", task.FailureReason)
	// The interrupted step never checkpointed
	require.Equal(t, uint32(2), task.StepIndex)
}

func TestDriver_FIFOAdmission(t *testing.T) {
	h := testHarness(t)
	gate := h.collab.gate("ProveWalletUpdate")
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))
	h.enqueue(t, updateTask("t2", "wallet-a"))

	retry.Run(t, func(r *retry.R) {
		if h.collab.callCount("ProveWalletUpdate") == 0 {
			r.Fatalf("first task not yet running")
		}
	})

	// The second task holds position behind the first
	require.Equal(t, structs.TaskStateQueued, h.taskState(t, "t2").State)
	require.Equal(t, 1, h.collab.callCount("ProveWalletUpdate"))

	close(gate)
	first := h.waitTerminal(t, "t1")
	second := h.waitTerminal(t, "t2")
	require.Equal(t, structs.TaskStateCompleted, first.State)
	require.Equal(t, structs.TaskStateCompleted, second.State)
}

func TestDriver_PreemptorRunsAloneAndResumes(t *testing.T) {
	h := testHarness(t)
	gate := h.collab.gate("ProveWalletUpdate")
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))
	retry.Run(t, func(r *retry.R) {
		if h.collab.callCount("ProveWalletUpdate") == 0 {
			r.Fatalf("first task not yet running")
		}
	})

	// A settlement preempts both wallets, pausing their queues
	settle := settleTask("settle-1", "wallet-a", "wallet-b")
	_, err := h.backend.ProposeCommand(structs.QueuePauseRequestType, &structs.QueuePauseRequest{
		Resources: settle.Resources,
		Task:      settle,
	})
	require.NoError(t, err)

	// A task submitted behind the pause must wait for the resume
	h.enqueue(t, updateTask("t2", "wallet-a"))
	require.Equal(t, structs.TaskStateQueued, h.taskState(t, "settle-1").State)
	require.Equal(t, structs.TaskStateQueued, h.taskState(t, "t2").State)

	close(gate)
	require.Equal(t, structs.TaskStateCompleted, h.waitTerminal(t, "t1").State)
	require.Equal(t, structs.TaskStateCompleted, h.waitTerminal(t, "settle-1").State)

	// Completion of the preemptor resumed the queues, admitting t2
	require.Equal(t, structs.TaskStateCompleted, h.waitTerminal(t, "t2").State)

	_, queue, err := h.backend.Store().TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.Nil(t, queue)
	_, queue, err = h.backend.Store().TaskQueueGet("wallet-b")
	require.NoError(t, err)
	require.Nil(t, queue)
}

func TestDriver_CancelledPreemptorUnblocksQueues(t *testing.T) {
	h := testHarness(t)
	gate := h.collab.gate("ProveWalletUpdate")
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))
	retry.Run(t, func(r *retry.R) {
		if h.collab.callCount("ProveWalletUpdate") == 0 {
			r.Fatalf("first task not yet running")
		}
	})

	settle := settleTask("settle-1", "wallet-a", "wallet-b")
	_, err := h.backend.ProposeCommand(structs.QueuePauseRequestType, &structs.QueuePauseRequest{
		Resources: settle.Resources,
		Task:      settle,
	})
	require.NoError(t, err)
	h.enqueue(t, updateTask("t2", "wallet-a"))

	// Cancel the queued preemptor out of band, the way an operator would.
	// Its pause must not survive it.
	_, err = h.backend.ProposeCommand(structs.TaskCompleteRequestType, &structs.TaskCompleteRequest{
		TaskID:  "settle-1",
		Outcome: structs.TaskStateCancelled,
		Reason:  "operator cancel",
	})
	require.NoError(t, err)

	_, queue, err := h.backend.Store().TaskQueueGet("wallet-a")
	require.NoError(t, err)
	require.False(t, queue.Paused)
	require.Equal(t, structs.TaskID(""), queue.PausedBy)

	// Normal FIFO admission continues past the dead preemptor
	close(gate)
	require.Equal(t, structs.TaskStateCompleted, h.waitTerminal(t, "t1").State)
	require.Equal(t, structs.TaskStateCompleted, h.waitTerminal(t, "t2").State)

	_, queue, err = h.backend.Store().TaskQueueGet("wallet-b")
	require.NoError(t, err)
	require.Nil(t, queue)
}

func TestDriver_ProposalFailureRetried(t *testing.T) {
	h := testHarness(t)
	h.becomeLeader()

	// The first checkpoint and the completion each miss the commit window
	// once; the runner must retry rather than strand the task as Running
	// with no runner behind it
	h.backend.failProposals(structs.TaskCheckpointType, 1)
	h.backend.failProposals(structs.TaskCompleteRequestType, 1)

	h.enqueue(t, updateTask("t1", "wallet-a"))
	task := h.waitTerminal(t, "t1")

	require.Equal(t, structs.TaskStateCompleted, task.State)
	require.Equal(t, uint32(4), task.StepIndex)
	require.Len(t, task.StepHistory, 4)

	// Steps were not re-executed by the proposal retries
	require.Equal(t, []string{
		"ProveWalletUpdate", "SubmitProof", "AwaitFinality", "ProveWalletValidity",
	}, h.collab.callList())

	retry.Run(t, func(r *retry.R) {
		if n := h.driver.RunnerCount(); n != 0 {
			r.Fatalf("%d runners still live", n)
		}
	})
}

func TestDriver_IgnoresOtherExecutors(t *testing.T) {
	h := testHarness(t)
	h.becomeLeader()

	task := updateTask("t1", "wallet-a")
	task.Executor = "peer-2"
	h.enqueue(t, task)

	// The task is Running in replicated state, but peer-2 owns it
	require.Equal(t, structs.TaskStateRunning, h.taskState(t, "t1").State)
	require.Zero(t, h.driver.RunnerCount())
	require.Empty(t, h.collab.callList())
}

func TestDriver_ReassignAdoptsRunningTasks(t *testing.T) {
	h := testHarness(t)
	h.becomeLeader()

	task := updateTask("t1", "wallet-a")
	task.Executor = "peer-2"
	h.enqueue(t, task)

	moved, err := h.driver.ReassignPeer("peer-2", "peer-1")
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t1"}, moved)

	got := h.waitTerminal(t, "t1")
	require.Equal(t, structs.TaskStateCompleted, got.State)
	require.Equal(t, structs.PeerID("peer-1"), got.Executor)
}

func TestDriver_StepDownStopsRunners(t *testing.T) {
	h := testHarness(t)
	gate := h.collab.gate("ProveWalletUpdate")
	defer close(gate)
	h.becomeLeader()

	h.enqueue(t, updateTask("t1", "wallet-a"))
	retry.Run(t, func(r *retry.R) {
		if h.driver.RunnerCount() != 1 {
			r.Fatalf("runner not yet live")
		}
	})

	h.loseLeadership()
	retry.Run(t, func(r *retry.R) {
		if n := h.driver.RunnerCount(); n != 0 {
			r.Fatalf("%d runners still live", n)
		}
	})

	// The task stays Running in replicated state for the next leader
	require.Equal(t, structs.TaskStateRunning, h.taskState(t, "t1").State)
	require.Zero(t, h.taskState(t, "t1").StepIndex)
}

func TestDriver_StepBackoffCaps(t *testing.T) {
	base := 10 * time.Millisecond
	limit := 80 * time.Millisecond

	require.Equal(t, base, stepBackoff(base, limit, 1))
	require.Equal(t, 20*time.Millisecond, stepBackoff(base, limit, 2))
	require.Equal(t, 40*time.Millisecond, stepBackoff(base, limit, 3))
	require.Equal(t, limit, stepBackoff(base, limit, 4))
	require.Equal(t, limit, stepBackoff(base, limit, 10))
}

func TestStepError_Classification(t *testing.T) {
	retryable := Retryable("submit", errors.New("rpc timeout"))
	require.True(t, retryable.Retryable)
	require.True(t, strings.Contains(retryable.Error(), "retryable"))

	fatal := Fatal("prove", errors.New("malformed witness"))
	require.False(t, fatal.Retryable)
	require.ErrorIs(t, fatal, fatal.Err)
}
