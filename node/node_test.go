package node

import (
	"context"
	"io/ioutil"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duskpool/relayer/raft"
	"github.com/duskpool/relayer/state"
	"github.com/duskpool/relayer/structs"
	"github.com/duskpool/relayer/taskdriver"
	"github.com/duskpool/relayer/testutil/retry"
)

// stubCollab answers every collaborator call immediately with canned output.
type stubCollab struct{}

func (stubCollab) ProveWalletCreate(ctx context.Context, wallet *structs.Wallet) ([]byte, error) {
	return []byte("create-proof"), nil
}

func (stubCollab) ProveWalletUpdate(ctx context.Context, old, new *structs.Wallet, transfer []byte) ([]byte, error) {
	return []byte("update-proof"), nil
}

func (stubCollab) ProveWalletValidity(ctx context.Context, wallet *structs.Wallet) ([]byte, error) {
	return []byte("validity-proof"), nil
}

func (stubCollab) ProveMatchSettle(ctx context.Context, desc *structs.SettleMatchDescriptor) ([]byte, error) {
	return []byte("settle-proof"), nil
}

func (stubCollab) ProveFeePayment(ctx context.Context, wallet *structs.Wallet) ([]byte, error) {
	return []byte("fee-proof"), nil
}

func (stubCollab) SubmitProof(ctx context.Context, proof []byte) ([]byte, error) {
	return []byte("txhash"), nil
}

func (stubCollab) AwaitFinality(ctx context.Context, txHash []byte) error {
	return nil
}

func (stubCollab) FindWallet(ctx context.Context, id structs.WalletID, blinderSeed []byte) (*structs.Wallet, error) {
	return &structs.Wallet{ID: id}, nil
}

func (stubCollab) ApplyMatch(ctx context.Context, desc *structs.SettleMatchDescriptor) ([]byte, error) {
	return []byte("match-applied"), nil
}

func testCollaborators() taskdriver.Collaborators {
	var s stubCollab
	return taskdriver.Collaborators{Proofs: s, Chain: s, Match: s}
}

func testNodeConfig(id string) *Config {
	conf := DefaultConfig()
	conf.NodeID = structs.PeerID(id)
	conf.InMemory = true
	conf.Bootstrap = true
	conf.ProposalTimeout = 2 * time.Second
	conf.LogOutput = ioutil.Discard

	conf.RaftConfig.HeartbeatTimeout = 50 * time.Millisecond
	conf.RaftConfig.ElectionTimeout = 50 * time.Millisecond
	conf.RaftConfig.LeaderLeaseTimeout = 50 * time.Millisecond
	conf.RaftConfig.CommitTimeout = 5 * time.Millisecond

	conf.DriverConfig.RetryBaseDelay = time.Millisecond
	conf.DriverConfig.RetryMaxDelay = 5 * time.Millisecond
	conf.DriverConfig.LogOutput = ioutil.Discard
	return conf
}

func testNode(t *testing.T) *Node {
	t.Helper()

	_, trans := raft.NewInmemTransport("")
	n, err := New(testNodeConfig("node-1"), trans, testCollaborators())
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown() })

	retry.Run(t, func(r *retry.R) {
		if !n.IsLeader() {
			r.Fatalf("node has not become leader")
		}
	})
	return n
}

func TestNode_ValidateConfig(t *testing.T) {
	conf := testNodeConfig("node-1")
	conf.NodeID = ""
	require.Error(t, ValidateConfig(conf))

	conf = testNodeConfig("node-1")
	conf.InMemory = false
	require.Error(t, ValidateConfig(conf))

	require.NoError(t, ValidateConfig(testNodeConfig("node-1")))
}

func TestNode_TaskLifecycle(t *testing.T) {
	n := testNode(t)

	id, err := n.SubmitTask(structs.TaskDescriptor{
		Kind: structs.TaskKindUpdateWallet,
		UpdateWallet: &structs.UpdateWalletDescriptor{
			WalletID:  "wallet-a",
			NewWallet: structs.Wallet{ID: "wallet-a"},
		},
	})
	require.NoError(t, err)

	task, err := n.WaitForTask(id, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateCompleted, task.State)
	require.Equal(t, uint32(4), task.StepIndex)
	require.Equal(t, n.LocalID(), task.Executor)

	status, err := n.TaskStatus(id)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateCompleted, status.State)
}

func TestNode_SubmitTask_InvalidDescriptor(t *testing.T) {
	n := testNode(t)

	_, err := n.SubmitTask(structs.TaskDescriptor{Kind: structs.TaskKindUpdateWallet})
	require.Error(t, err)
}

func TestNode_PreemptiveTask(t *testing.T) {
	n := testNode(t)

	id, err := n.SubmitPreemptiveTask(structs.TaskDescriptor{
		Kind: structs.TaskKindSettleMatch,
		SettleMatch: &structs.SettleMatchDescriptor{
			OrderID1:  "o1",
			OrderID2:  "o2",
			WalletID1: "wallet-a",
			WalletID2: "wallet-b",
		},
	})
	require.NoError(t, err)

	task, err := n.WaitForTask(id, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateCompleted, task.State)

	// Paused queues were resumed and emptied behind the settlement
	retry.Run(t, func(r *retry.R) {
		for _, res := range []structs.ResourceID{"wallet-a", "wallet-b"} {
			_, queue, err := n.Store().TaskQueueGet(res)
			if err != nil {
				r.Fatalf("queue lookup failed: %v", err)
			}
			if queue != nil {
				r.Fatalf("queue %s still present", res)
			}
		}
	})
}

func TestNode_TaskStatus_NotFound(t *testing.T) {
	n := testNode(t)

	_, err := n.TaskStatus("no-such-task")
	require.Equal(t, ErrTaskNotFound, err)
}

func TestNode_WalletVersioning(t *testing.T) {
	n := testNode(t)

	idx, err := n.UpsertWallet(structs.Wallet{ID: "w1", Nonce: 1}, 0)
	require.NoError(t, err)
	require.NotZero(t, idx)

	wallet, err := n.GetWallet("w1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), wallet.Nonce)

	// A write against the version we hold succeeds
	_, err = n.UpsertWallet(structs.Wallet{ID: "w1", Nonce: 2}, wallet.ModifyIndex)
	require.NoError(t, err)

	// A write against the superseded version surfaces as a stale error
	_, err = n.UpsertWallet(structs.Wallet{ID: "w1", Nonce: 9}, wallet.ModifyIndex)
	require.Error(t, err)

	wallet, err = n.GetWallet("w1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), wallet.Nonce)
}

func TestNode_Orders(t *testing.T) {
	n := testNode(t)

	_, err := n.UpsertOrder(structs.Order{ID: "o1", WalletID: "w1", Side: "buy", Amount: 10}, 0)
	require.NoError(t, err)
	_, err = n.UpsertOrder(structs.Order{ID: "o2", WalletID: "w1", Side: "sell", Amount: 5}, 0)
	require.NoError(t, err)

	order, err := n.GetOrder("o1")
	require.NoError(t, err)
	require.Equal(t, uint64(10), order.Amount)

	orders, err := n.OrdersForWallet("w1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
}

func TestNode_PeerDirectory(t *testing.T) {
	n := testNode(t)

	require.NoError(t, n.RegisterPeer(structs.Peer{ID: "p1", Addr: "10.0.0.1:9000"}))
	require.NoError(t, n.RegisterPeer(structs.Peer{ID: "p2", Addr: "10.0.0.2:9000"}))

	peers, err := n.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 2)

	require.NoError(t, n.RemovePeer("p1"))
	peers, err = n.Peers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
}

func TestNode_ReadLinearizable(t *testing.T) {
	n := testNode(t)

	_, err := n.UpsertWallet(structs.Wallet{ID: "w1", Nonce: 7}, 0)
	require.NoError(t, err)

	var nonce uint64
	err = n.ReadLinearizable(func(s *state.Store) error {
		_, wallet, err := s.WalletGet("w1")
		if err != nil {
			return err
		}
		nonce = wallet.Nonce
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(7), nonce)
}

func TestNode_CancelTask(t *testing.T) {
	n := testNode(t)

	// Enqueue for a dead executor so the task sits Running with no runner
	_, err := n.ProposeCommand(structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{
		Task: structs.Task{
			ID:        "t-orphan",
			Kind:      structs.TaskKindUpdateWallet,
			Resources: []structs.ResourceID{"wallet-a"},
			Executor:  "gone-peer",
			Descriptor: structs.TaskDescriptor{
				Kind:         structs.TaskKindUpdateWallet,
				UpdateWallet: &structs.UpdateWalletDescriptor{WalletID: "wallet-a"},
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, n.CancelTask("t-orphan", "executor lost"))

	task, err := n.TaskStatus("t-orphan")
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateCancelled, task.State)
	require.Equal(t, "executor lost", task.FailureReason)
}

func TestNode_ReassignPeerTasks(t *testing.T) {
	n := testNode(t)

	_, err := n.ProposeCommand(structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{
		Task: structs.Task{
			ID:        "t-stranded",
			Kind:      structs.TaskKindUpdateWallet,
			Resources: []structs.ResourceID{"wallet-a"},
			Executor:  "gone-peer",
			Descriptor: structs.TaskDescriptor{
				Kind: structs.TaskKindUpdateWallet,
				UpdateWallet: &structs.UpdateWalletDescriptor{
					WalletID:  "wallet-a",
					NewWallet: structs.Wallet{ID: "wallet-a"},
				},
			},
		},
	})
	require.NoError(t, err)

	moved, err := n.ReassignPeerTasks("gone-peer")
	require.NoError(t, err)
	require.Equal(t, []structs.TaskID{"t-stranded"}, moved)

	task, err := n.WaitForTask("t-stranded", 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, structs.TaskStateCompleted, task.State)
}
