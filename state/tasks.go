package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/duskpool/relayer/structs"
)

// The task queue invariants, enforced here and nowhere else:
//
//   - one queue row per resource, FIFO in committed log order
//   - at most one executing task per resource
//   - a task runs only when it holds the head of every queue it joined;
//     because a single enqueue command seats the task in all of its queues
//     atomically, any two tasks sharing two resources appear in the same
//     relative order in both queues and cyclic waits cannot form
//   - a paused queue promotes only the preemptive task that paused it

// TaskEnqueue inserts a task and seats it at the tail of every resource
// queue it names, then promotes whatever became runnable. Re-applying an
// enqueue for a known task id is a no-op.
func (s *Store) TaskEnqueue(idx uint64, req *structs.TaskEnqueueRequest) ([]structs.TaskID, error) {
	if req.Task.ID == "" {
		return nil, ErrMissingTaskID
	}
	if len(req.Task.Resources) == 0 {
		return nil, ErrMissingResource
	}

	tx := s.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First("tasks", "id", req.Task.ID)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %s", err)
	}
	if existing != nil {
		return nil, nil
	}

	task := req.Task
	task.State = structs.TaskStateQueued
	task.CreateIndex = idx
	task.ModifyIndex = idx
	if err := tx.Insert("tasks", &task); err != nil {
		return nil, fmt.Errorf("failed inserting task: %s", err)
	}

	for _, resource := range task.Resources {
		queue, err := getQueueTxn(tx, resource)
		if err != nil {
			return nil, err
		}
		queue.Pending = append(queue.Pending, task.ID)
		queue.ModifyIndex = idx
		if err := tx.Insert("task_queues", queue); err != nil {
			return nil, fmt.Errorf("failed inserting task queue: %s", err)
		}
	}

	started, err := promoteTxn(tx, idx, task.Resources)
	if err != nil {
		return nil, err
	}

	if err := indexUpdateMaxTxn(tx, idx, "tasks"); err != nil {
		return nil, err
	}
	if err := indexUpdateMaxTxn(tx, idx, "task_queues"); err != nil {
		return nil, err
	}

	tx.Commit()
	return started, nil
}

// TaskCheckpoint records the durable completion of one step. A checkpoint
// whose step does not match the task's next step is a stale duplicate (a
// deposed leader's retry) and is dropped; the bool return reports this.
func (s *Store) TaskCheckpoint(idx uint64, req *structs.TaskCheckpointRequest) (bool, error) {
	if req.TaskID == "" {
		return false, ErrMissingTaskID
	}

	tx := s.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First("tasks", "id", req.TaskID)
	if err != nil {
		return false, fmt.Errorf("task lookup failed: %s", err)
	}

	stale := true
	if raw != nil {
		existing := raw.(*structs.Task)
		if !existing.State.Terminal() && req.Step == existing.StepIndex {
			task := copyTask(existing)
			task.StepHistory = append(task.StepHistory, req.Result)
			task.StepIndex++
			task.ModifyIndex = idx
			if err := tx.Insert("tasks", task); err != nil {
				return false, fmt.Errorf("failed inserting task: %s", err)
			}
			stale = false
		}
	}

	if err := indexUpdateMaxTxn(tx, idx, "tasks"); err != nil {
		return false, err
	}

	tx.Commit()
	return stale, nil
}

// TaskComplete drives a task to a terminal state, pops it from its queues,
// and promotes the next runnable heads. A terminal preemptor also releases
// the pause it holds on its queues in the same apply, so a cancelled or
// failed preemptor can never strand them paused. Completing an unknown or
// already terminal task is a no-op, so terminal outcomes replay idempotently.
func (s *Store) TaskComplete(idx uint64, req *structs.TaskCompleteRequest) ([]structs.TaskID, error) {
	if req.TaskID == "" {
		return nil, ErrMissingTaskID
	}
	if !req.Outcome.Terminal() {
		return nil, fmt.Errorf("task outcome %s is not terminal", req.Outcome)
	}

	tx := s.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First("tasks", "id", req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %s", err)
	}
	if raw == nil || raw.(*structs.Task).State.Terminal() {
		return nil, nil
	}

	task := copyTask(raw.(*structs.Task))
	task.State = req.Outcome
	task.FailureReason = req.Reason
	task.ModifyIndex = idx
	if err := tx.Insert("tasks", task); err != nil {
		return nil, fmt.Errorf("failed inserting task: %s", err)
	}

	for _, resource := range task.Resources {
		raw, err := tx.First("task_queues", "id", resource)
		if err != nil {
			return nil, fmt.Errorf("task queue lookup failed: %s", err)
		}
		if raw == nil {
			continue
		}
		queue := copyQueue(raw.(*structs.TaskQueueEntry))
		if queue.Executing == task.ID {
			queue.Executing = ""
		}
		queue.Pending = removeID(queue.Pending, task.ID)
		if queue.PausedBy == task.ID {
			queue.Paused = false
			queue.PausedBy = ""
		}
		queue.ModifyIndex = idx

		if queue.Executing == "" && len(queue.Pending) == 0 && !queue.Paused {
			if err := tx.Delete("task_queues", raw); err != nil {
				return nil, fmt.Errorf("failed deleting task queue: %s", err)
			}
		} else if err := tx.Insert("task_queues", queue); err != nil {
			return nil, fmt.Errorf("failed inserting task queue: %s", err)
		}
	}

	started, err := promoteTxn(tx, idx, task.Resources)
	if err != nil {
		return nil, err
	}

	if err := indexUpdateMaxTxn(tx, idx, "tasks"); err != nil {
		return nil, err
	}
	if err := indexUpdateMaxTxn(tx, idx, "task_queues"); err != nil {
		return nil, err
	}

	tx.Commit()
	s.taskHistory.Add(task.ID, task)
	return started, nil
}

// QueuePause pauses the named queues and seats the preemptive task at the
// front of each. The preemptor starts immediately if every queue is free;
// otherwise it waits only for the currently executing tasks to finish.
func (s *Store) QueuePause(idx uint64, req *structs.QueuePauseRequest) ([]structs.TaskID, error) {
	if req.Task.ID == "" {
		return nil, ErrMissingTaskID
	}
	if len(req.Resources) == 0 {
		return nil, ErrMissingResource
	}

	tx := s.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First("tasks", "id", req.Task.ID)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %s", err)
	}
	if existing == nil {
		task := req.Task
		task.State = structs.TaskStateQueued
		task.CreateIndex = idx
		task.ModifyIndex = idx
		if err := tx.Insert("tasks", &task); err != nil {
			return nil, fmt.Errorf("failed inserting task: %s", err)
		}
	}

	for _, resource := range req.Resources {
		queue, err := getQueueTxn(tx, resource)
		if err != nil {
			return nil, err
		}
		queue.Paused = true
		queue.PausedBy = req.Task.ID
		if len(queue.Pending) == 0 || queue.Pending[0] != req.Task.ID {
			queue.Pending = append([]structs.TaskID{req.Task.ID}, removeID(queue.Pending, req.Task.ID)...)
		}
		queue.ModifyIndex = idx
		if err := tx.Insert("task_queues", queue); err != nil {
			return nil, fmt.Errorf("failed inserting task queue: %s", err)
		}
	}

	started, err := promoteTxn(tx, idx, req.Resources)
	if err != nil {
		return nil, err
	}

	if err := indexUpdateMaxTxn(tx, idx, "tasks"); err != nil {
		return nil, err
	}
	if err := indexUpdateMaxTxn(tx, idx, "task_queues"); err != nil {
		return nil, err
	}

	tx.Commit()
	return started, nil
}

// QueueResume unpauses queues and restores normal FIFO promotion.
func (s *Store) QueueResume(idx uint64, req *structs.QueueResumeRequest) ([]structs.TaskID, error) {
	if len(req.Resources) == 0 {
		return nil, ErrMissingResource
	}

	tx := s.db.Txn(true)
	defer tx.Abort()

	for _, resource := range req.Resources {
		raw, err := tx.First("task_queues", "id", resource)
		if err != nil {
			return nil, fmt.Errorf("task queue lookup failed: %s", err)
		}
		if raw == nil {
			continue
		}
		queue := copyQueue(raw.(*structs.TaskQueueEntry))
		queue.Paused = false
		queue.PausedBy = ""
		queue.ModifyIndex = idx

		if queue.Executing == "" && len(queue.Pending) == 0 {
			if err := tx.Delete("task_queues", raw); err != nil {
				return nil, fmt.Errorf("failed deleting task queue: %s", err)
			}
		} else if err := tx.Insert("task_queues", queue); err != nil {
			return nil, fmt.Errorf("failed inserting task queue: %s", err)
		}
	}

	started, err := promoteTxn(tx, idx, req.Resources)
	if err != nil {
		return nil, err
	}

	if err := indexUpdateMaxTxn(tx, idx, "task_queues"); err != nil {
		return nil, err
	}

	tx.Commit()
	return started, nil
}

// TaskReassign moves every non-terminal task owned by a failed peer to a new
// executor. Returns the moved task ids.
func (s *Store) TaskReassign(idx uint64, req *structs.TaskReassignRequest) ([]structs.TaskID, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	iter, err := tx.Get("tasks", "executor", req.From)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %s", err)
	}

	var moved []structs.TaskID
	var tasks []*structs.Task
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		task := raw.(*structs.Task)
		if task.State.Terminal() {
			continue
		}
		tasks = append(tasks, task)
	}
	for _, existing := range tasks {
		task := copyTask(existing)
		task.Executor = req.To
		task.ModifyIndex = idx
		if err := tx.Insert("tasks", task); err != nil {
			return nil, fmt.Errorf("failed inserting task: %s", err)
		}
		moved = append(moved, task.ID)
	}

	if err := indexUpdateMaxTxn(tx, idx, "tasks"); err != nil {
		return nil, err
	}

	tx.Commit()
	return moved, nil
}

// TaskGC reaps terminal tasks created before the cutoff. Their final state
// remains readable from the history cache.
func (s *Store) TaskGC(idx uint64, req *structs.TaskGCRequest) (int, error) {
	tx := s.db.Txn(true)
	defer tx.Abort()

	iter, err := tx.Get("tasks", "id")
	if err != nil {
		return 0, fmt.Errorf("task lookup failed: %s", err)
	}

	var reap []*structs.Task
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		task := raw.(*structs.Task)
		if task.State.Terminal() && task.CreatedAt < req.Before {
			reap = append(reap, task)
		}
	}
	for _, task := range reap {
		if err := tx.Delete("tasks", task); err != nil {
			return 0, fmt.Errorf("failed deleting task: %s", err)
		}
	}

	if err := indexUpdateMaxTxn(tx, idx, "tasks"); err != nil {
		return 0, err
	}

	tx.Commit()
	for _, task := range reap {
		s.taskHistory.Add(task.ID, task)
	}
	return len(reap), nil
}

// promoteTxn starts every task that now holds the head of all of its
// queues. Called inside the mutating transaction after any queue change.
func promoteTxn(tx *memdb.Txn, idx uint64, resources []structs.ResourceID) ([]structs.TaskID, error) {
	var started []structs.TaskID
	var errs error

	considered := make(map[structs.TaskID]bool)
	for _, resource := range resources {
		raw, err := tx.First("task_queues", "id", resource)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("task queue lookup failed for %q: %s", resource, err))
			continue
		}
		if raw == nil {
			continue
		}
		queue := raw.(*structs.TaskQueueEntry)
		if queue.Executing != "" || len(queue.Pending) == 0 {
			continue
		}
		candidate := queue.Pending[0]
		if considered[candidate] {
			continue
		}
		considered[candidate] = true

		ok, task, err := promotable(tx, candidate)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		running := copyTask(task)
		running.State = structs.TaskStateRunning
		running.ModifyIndex = idx
		if err := tx.Insert("tasks", running); err != nil {
			return nil, fmt.Errorf("failed inserting task: %s", err)
		}

		for _, res := range task.Resources {
			raw, err := tx.First("task_queues", "id", res)
			if err != nil || raw == nil {
				return nil, fmt.Errorf("task queue missing for %q during promotion", res)
			}
			q := copyQueue(raw.(*structs.TaskQueueEntry))
			q.Executing = candidate
			q.Pending = q.Pending[1:]
			q.ModifyIndex = idx
			if err := tx.Insert("task_queues", q); err != nil {
				return nil, fmt.Errorf("failed inserting task queue: %s", err)
			}
		}

		started = append(started, candidate)
	}
	return started, errs
}

// promotable checks the head-of-all-queues rule for one candidate task.
func promotable(tx *memdb.Txn, id structs.TaskID) (bool, *structs.Task, error) {
	raw, err := tx.First("tasks", "id", id)
	if err != nil {
		return false, nil, fmt.Errorf("task lookup failed: %s", err)
	}
	if raw == nil {
		return false, nil, fmt.Errorf("queued task %q has no task row", id)
	}
	task := raw.(*structs.Task)
	if task.State != structs.TaskStateQueued {
		return false, nil, nil
	}

	for _, res := range task.Resources {
		raw, err := tx.First("task_queues", "id", res)
		if err != nil {
			return false, nil, fmt.Errorf("task queue lookup failed: %s", err)
		}
		if raw == nil {
			return false, nil, nil
		}
		queue := raw.(*structs.TaskQueueEntry)
		if queue.Executing != "" {
			return false, nil, nil
		}
		if len(queue.Pending) == 0 || queue.Pending[0] != id {
			return false, nil, nil
		}
		if queue.Paused && queue.PausedBy != id {
			return false, nil, nil
		}
	}
	return true, task, nil
}

// getQueueTxn returns a mutable copy of a queue row, creating it if absent.
func getQueueTxn(tx *memdb.Txn, resource structs.ResourceID) (*structs.TaskQueueEntry, error) {
	raw, err := tx.First("task_queues", "id", resource)
	if err != nil {
		return nil, fmt.Errorf("task queue lookup failed: %s", err)
	}
	if raw == nil {
		return &structs.TaskQueueEntry{Resource: resource}, nil
	}
	return copyQueue(raw.(*structs.TaskQueueEntry)), nil
}

// TaskGet returns a task by id, falling back to the history cache for
// reaped terminal tasks.
func (s *Store) TaskGet(id structs.TaskID) (uint64, *structs.Task, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "tasks")

	raw, err := tx.First("tasks", "id", id)
	if err != nil {
		return 0, nil, fmt.Errorf("task lookup failed: %s", err)
	}
	if raw != nil {
		return idx, raw.(*structs.Task), nil
	}
	if cached, ok := s.taskHistory.Get(id); ok {
		return idx, cached.(*structs.Task), nil
	}
	return idx, nil, nil
}

// TaskQueueGet returns the queue row for a resource, nil when idle.
func (s *Store) TaskQueueGet(resource structs.ResourceID) (uint64, *structs.TaskQueueEntry, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "task_queues")

	raw, err := tx.First("task_queues", "id", resource)
	if err != nil {
		return 0, nil, fmt.Errorf("task queue lookup failed: %s", err)
	}
	if raw == nil {
		return idx, nil, nil
	}
	return idx, raw.(*structs.TaskQueueEntry), nil
}

// RunningTasks returns every task currently holding a resource, deduplicated
// across multi-resource tasks. This is the recovery manager's scan.
func (s *Store) RunningTasks() (uint64, []*structs.Task, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "tasks", "task_queues")

	iter, err := tx.Get("task_queues", "id")
	if err != nil {
		return 0, nil, fmt.Errorf("task queue lookup failed: %s", err)
	}

	seen := make(map[structs.TaskID]bool)
	var out []*structs.Task
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		queue := raw.(*structs.TaskQueueEntry)
		if queue.Executing == "" || seen[queue.Executing] {
			continue
		}
		seen[queue.Executing] = true

		rawTask, err := tx.First("tasks", "id", queue.Executing)
		if err != nil {
			return 0, nil, fmt.Errorf("task lookup failed: %s", err)
		}
		if rawTask == nil {
			return 0, nil, fmt.Errorf("executing task %q has no task row", queue.Executing)
		}
		out = append(out, rawTask.(*structs.Task))
	}
	return idx, out, nil
}

// TaskList returns all live task rows.
func (s *Store) TaskList() (uint64, []*structs.Task, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()

	idx := maxIndexTxn(tx, "tasks")

	iter, err := tx.Get("tasks", "id")
	if err != nil {
		return 0, nil, fmt.Errorf("task lookup failed: %s", err)
	}

	var out []*structs.Task
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Task))
	}
	return idx, out, nil
}

func copyTask(t *structs.Task) *structs.Task {
	task := *t
	task.Resources = append([]structs.ResourceID(nil), t.Resources...)
	task.StepHistory = append([]structs.StepResult(nil), t.StepHistory...)
	return &task
}

func copyQueue(q *structs.TaskQueueEntry) *structs.TaskQueueEntry {
	queue := *q
	queue.Pending = append([]structs.TaskID(nil), q.Pending...)
	return &queue
}

func removeID(ids []structs.TaskID, id structs.TaskID) []structs.TaskID {
	out := ids[:0:0]
	for _, cur := range ids {
		if cur != id {
			out = append(out, cur)
		}
	}
	return out
}

// Tasks is used by snapshotting to dump the task table.
func (s *Snapshot) Tasks() (memdb.ResultIterator, error) {
	return s.tx.Get("tasks", "id")
}

// TaskQueues is used by snapshotting to dump the queue table.
func (s *Snapshot) TaskQueues() (memdb.ResultIterator, error) {
	return s.tx.Get("task_queues", "id")
}

// Task loads a task row during restore.
func (r *Restore) Task(t *structs.Task) error {
	if err := r.tx.Insert("tasks", t); err != nil {
		return fmt.Errorf("failed restoring task: %s", err)
	}
	if err := indexUpdateMaxTxn(r.tx, t.ModifyIndex, "tasks"); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}
	return nil
}

// TaskQueue loads a queue row during restore.
func (r *Restore) TaskQueue(q *structs.TaskQueueEntry) error {
	if err := r.tx.Insert("task_queues", q); err != nil {
		return fmt.Errorf("failed restoring task queue: %s", err)
	}
	if err := indexUpdateMaxTxn(r.tx, q.ModifyIndex, "task_queues"); err != nil {
		return fmt.Errorf("failed updating index: %s", err)
	}
	return nil
}
