package fsm

import (
	"fmt"
	"time"

	"github.com/armon/go-metrics"

	"github.com/duskpool/relayer/bus"
	"github.com/duskpool/relayer/structs"
)

func init() {
	registerCommand(structs.WalletUpsertRequestType, (*FSM).applyWalletUpsert)
	registerCommand(structs.OrderUpsertRequestType, (*FSM).applyOrderUpsert)
	registerCommand(structs.PeerUpsertRequestType, (*FSM).applyPeerUpsert)
	registerCommand(structs.PeerRemoveRequestType, (*FSM).applyPeerRemove)
	registerCommand(structs.TaskEnqueueRequestType, (*FSM).applyTaskEnqueue)
	registerCommand(structs.TaskCheckpointType, (*FSM).applyTaskCheckpoint)
	registerCommand(structs.TaskCompleteRequestType, (*FSM).applyTaskComplete)
	registerCommand(structs.QueuePauseRequestType, (*FSM).applyQueuePause)
	registerCommand(structs.QueueResumeRequestType, (*FSM).applyQueueResume)
	registerCommand(structs.TaskReassignRequestType, (*FSM).applyTaskReassign)
	registerCommand(structs.TaskGCRequestType, (*FSM).applyTaskGC)
}

func (c *FSM) applyWalletUpsert(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "wallet_upsert"}, time.Now())
	var req structs.WalletUpsertRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	stale, err := c.State().WalletUpsert(index, &req)
	if err != nil {
		return err
	}
	if stale {
		metrics.IncrCounter([]string{"fsm", "wallet_upsert", "stale"}, 1)
	} else {
		c.publish(bus.TopicWallets, index, req.Wallet.ID)
	}
	return &structs.ApplyResult{Index: index, Stale: stale}
}

func (c *FSM) applyOrderUpsert(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "order_upsert"}, time.Now())
	var req structs.OrderUpsertRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	stale, err := c.State().OrderUpsert(index, &req)
	if err != nil {
		return err
	}
	if stale {
		metrics.IncrCounter([]string{"fsm", "order_upsert", "stale"}, 1)
	} else {
		c.publish(bus.TopicOrders, index, req.Order.ID)
	}
	return &structs.ApplyResult{Index: index, Stale: stale}
}

func (c *FSM) applyPeerUpsert(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "peer_upsert"}, time.Now())
	var req structs.PeerUpsertRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	if err := c.State().PeerUpsert(index, &req); err != nil {
		return err
	}
	c.publish(bus.TopicPeers, index, req.Peer.ID)
	return &structs.ApplyResult{Index: index}
}

func (c *FSM) applyPeerRemove(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "peer_remove"}, time.Now())
	var req structs.PeerRemoveRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	if err := c.State().PeerRemove(index, &req); err != nil {
		return err
	}
	c.publish(bus.TopicPeers, index, req.ID)
	return &structs.ApplyResult{Index: index}
}

func (c *FSM) applyTaskEnqueue(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "task_enqueue"}, time.Now())
	var req structs.TaskEnqueueRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	started, err := c.State().TaskEnqueue(index, &req)
	if err != nil {
		return err
	}
	c.publish(bus.TopicTaskQueues, index, structs.TaskQueueEvent{
		TaskID:  req.Task.ID,
		State:   taskStateAfterStart(req.Task.ID, started, structs.TaskStateQueued),
		Started: started,
	})
	return &structs.ApplyResult{Index: index, Started: started}
}

func (c *FSM) applyTaskCheckpoint(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "task_checkpoint"}, time.Now())
	var req structs.TaskCheckpointRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	stale, err := c.State().TaskCheckpoint(index, &req)
	if err != nil {
		return err
	}
	if stale {
		metrics.IncrCounter([]string{"fsm", "task_checkpoint", "stale"}, 1)
	}
	return &structs.ApplyResult{Index: index, Stale: stale}
}

func (c *FSM) applyTaskComplete(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "task_complete"}, time.Now())
	var req structs.TaskCompleteRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	started, err := c.State().TaskComplete(index, &req)
	if err != nil {
		return err
	}
	c.publish(bus.TopicTaskQueues, index, structs.TaskQueueEvent{
		TaskID:  req.TaskID,
		State:   req.Outcome,
		Started: started,
	})
	return &structs.ApplyResult{Index: index, Started: started}
}

func (c *FSM) applyQueuePause(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "queue_pause"}, time.Now())
	var req structs.QueuePauseRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	started, err := c.State().QueuePause(index, &req)
	if err != nil {
		return err
	}
	c.publish(bus.TopicTaskQueues, index, structs.TaskQueueEvent{
		TaskID:  req.Task.ID,
		State:   taskStateAfterStart(req.Task.ID, started, structs.TaskStateQueued),
		Started: started,
	})
	return &structs.ApplyResult{Index: index, Started: started}
}

func (c *FSM) applyQueueResume(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "queue_resume"}, time.Now())
	var req structs.QueueResumeRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	started, err := c.State().QueueResume(index, &req)
	if err != nil {
		return err
	}
	c.publish(bus.TopicTaskQueues, index, structs.TaskQueueEvent{
		Started: started,
	})
	return &structs.ApplyResult{Index: index, Started: started}
}

func (c *FSM) applyTaskReassign(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "task_reassign"}, time.Now())
	var req structs.TaskReassignRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	moved, err := c.State().TaskReassign(index, &req)
	if err != nil {
		return err
	}
	if len(moved) > 0 {
		// Reassigned running tasks need their new executor's driver to pick
		// them up; surface them as started on the new peer
		c.publish(bus.TopicTaskQueues, index, structs.TaskQueueEvent{
			Started: moved,
		})
	}
	return &structs.ApplyResult{Index: index, Started: moved}
}

func (c *FSM) applyTaskGC(buf []byte, index uint64) interface{} {
	defer metrics.MeasureSince([]string{"fsm", "task_gc"}, time.Now())
	var req structs.TaskGCRequest
	if err := structs.Decode(buf, &req); err != nil {
		panic(fmt.Errorf("failed to decode request: %v", err))
	}

	n, err := c.State().TaskGC(index, &req)
	if err != nil {
		return err
	}
	metrics.IncrCounter([]string{"fsm", "task_gc", "reaped"}, float32(n))
	return &structs.ApplyResult{Index: index}
}

// taskStateAfterStart reports the state of one task given the started list
// of its own apply.
func taskStateAfterStart(id structs.TaskID, started []structs.TaskID, fallback structs.TaskState) structs.TaskState {
	for _, s := range started {
		if s == id {
			return structs.TaskStateRunning
		}
	}
	return fallback
}
