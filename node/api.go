package node

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/duskpool/relayer/bus"
	"github.com/duskpool/relayer/structs"
)

// ErrTaskNotFound is returned for status queries on unknown tasks.
var ErrTaskNotFound = errors.New("task not found")

// SubmitTask validates a descriptor, assigns a task id, and proposes the
// enqueue with this node as executor. The task starts as soon as it holds
// the head of every resource queue; the returned id can be watched with
// WaitForTask.
func (n *Node) SubmitTask(desc structs.TaskDescriptor) (structs.TaskID, error) {
	if err := desc.Validate(); err != nil {
		return "", errors.Wrap(err, "invalid task descriptor")
	}

	task := structs.Task{
		ID:         structs.NewTaskID(),
		Kind:       desc.Kind,
		Resources:  desc.Resources(),
		Executor:   n.conf.NodeID,
		Descriptor: desc,
		CreatedAt:  time.Now().UnixNano() / int64(time.Millisecond),
	}

	if _, err := n.ProposeCommand(structs.TaskEnqueueRequestType, &structs.TaskEnqueueRequest{Task: task}); err != nil {
		return "", err
	}
	return task.ID, nil
}

// SubmitPreemptiveTask pauses the queues of every resource the descriptor
// names and seats the task at the front of each. Used for match settlement,
// which must cut ahead of queued wallet updates on both wallets.
func (n *Node) SubmitPreemptiveTask(desc structs.TaskDescriptor) (structs.TaskID, error) {
	if err := desc.Validate(); err != nil {
		return "", errors.Wrap(err, "invalid task descriptor")
	}

	task := structs.Task{
		ID:         structs.NewTaskID(),
		Kind:       desc.Kind,
		Resources:  desc.Resources(),
		Executor:   n.conf.NodeID,
		Descriptor: desc,
		CreatedAt:  time.Now().UnixNano() / int64(time.Millisecond),
	}

	if _, err := n.ProposeCommand(structs.QueuePauseRequestType, &structs.QueuePauseRequest{
		Resources: task.Resources,
		Task:      task,
	}); err != nil {
		return "", err
	}
	return task.ID, nil
}

// CancelTask proposes cancellation. The running step, if any, completes; the
// runner observes the committed terminal state between steps and stops.
func (n *Node) CancelTask(id structs.TaskID, reason string) error {
	_, err := n.ProposeCommand(structs.TaskCompleteRequestType, &structs.TaskCompleteRequest{
		TaskID:  id,
		Outcome: structs.TaskStateCancelled,
		Reason:  reason,
	})
	return err
}

// ResumeQueues proposes an unpause of the named resource queues. Completion
// of a preemptor releases its own pauses, so this is an operator escape
// hatch, not part of the normal settlement flow.
func (n *Node) ResumeQueues(resources []structs.ResourceID) error {
	_, err := n.ProposeCommand(structs.QueueResumeRequestType, &structs.QueueResumeRequest{
		Resources: resources,
	})
	return err
}

// TaskStatus returns the task's current replicated state, falling back to
// the terminal-task history for reaped tasks.
func (n *Node) TaskStatus(id structs.TaskID) (*structs.Task, error) {
	_, task, err := n.Store().TaskGet(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// WaitForTask blocks until the task reaches a terminal state or the timeout
// elapses, returning its final row.
func (n *Node) WaitForTask(id structs.TaskID, timeout time.Duration) (*structs.Task, error) {
	sub := n.bus.Subscribe(bus.TopicTaskQueues)
	defer n.bus.Unsubscribe(sub)

	// Check after subscribing so a completion between lookup and subscribe
	// cannot be missed
	if task, err := n.TaskStatus(id); err == nil && task.State.Terminal() {
		return task, nil
	}

	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return nil, errors.New("node is shutting down")
			}
			payload, isQueueEvent := event.Payload.(structs.TaskQueueEvent)
			if !isQueueEvent || payload.TaskID != id || !payload.State.Terminal() {
				continue
			}
			return n.TaskStatus(id)
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for task %s", id)
		case <-n.shutdownCh:
			return nil, errors.New("node is shutting down")
		}
	}
}

// UpsertWallet proposes a versioned wallet write. priorVersion is the
// ModifyIndex the caller read, or zero to create or clobber. Returns the
// committed index; Stale results surface as an error the caller can retry
// after re-reading.
func (n *Node) UpsertWallet(wallet structs.Wallet, priorVersion uint64) (uint64, error) {
	resp, err := n.ProposeCommand(structs.WalletUpsertRequestType, &structs.WalletUpsertRequest{
		Wallet:       wallet,
		PriorVersion: priorVersion,
	})
	if err != nil {
		return 0, err
	}
	if resp.Stale {
		return resp.Index, fmt.Errorf("wallet %s moved past version %d", wallet.ID, priorVersion)
	}
	return resp.Index, nil
}

// GetWallet reads a wallet from local state. Pair with ReadLinearizable when
// staleness matters.
func (n *Node) GetWallet(id structs.WalletID) (*structs.Wallet, error) {
	_, wallet, err := n.Store().WalletGet(id)
	return wallet, err
}

// UpsertOrder proposes a versioned order write.
func (n *Node) UpsertOrder(order structs.Order, priorVersion uint64) (uint64, error) {
	resp, err := n.ProposeCommand(structs.OrderUpsertRequestType, &structs.OrderUpsertRequest{
		Order:        order,
		PriorVersion: priorVersion,
	})
	if err != nil {
		return 0, err
	}
	if resp.Stale {
		return resp.Index, fmt.Errorf("order %s moved past version %d", order.ID, priorVersion)
	}
	return resp.Index, nil
}

// GetOrder reads an order from local state.
func (n *Node) GetOrder(id structs.OrderID) (*structs.Order, error) {
	_, order, err := n.Store().OrderGet(id)
	return order, err
}

// OrdersForWallet lists a wallet's orders from local state.
func (n *Node) OrdersForWallet(id structs.WalletID) ([]*structs.Order, error) {
	_, orders, err := n.Store().OrdersByWallet(id)
	return orders, err
}

// RegisterPeer proposes a peer directory upsert, typically on gossip
// liveness observations.
func (n *Node) RegisterPeer(peer structs.Peer) error {
	_, err := n.ProposeCommand(structs.PeerUpsertRequestType, &structs.PeerUpsertRequest{Peer: peer})
	return err
}

// RemovePeer drops a peer from the directory.
func (n *Node) RemovePeer(id structs.PeerID) error {
	_, err := n.ProposeCommand(structs.PeerRemoveRequestType, &structs.PeerRemoveRequest{ID: id})
	return err
}

// Peers lists the replicated peer directory.
func (n *Node) Peers() ([]*structs.Peer, error) {
	_, peers, err := n.Store().PeerList()
	return peers, err
}

// ReassignPeerTasks moves a failed peer's tasks to this node.
func (n *Node) ReassignPeerTasks(from structs.PeerID) ([]structs.TaskID, error) {
	return n.driver.ReassignPeer(from, n.conf.NodeID)
}
