package taskdriver

import (
	"context"
	"time"

	"github.com/armon/go-metrics"
	"github.com/pkg/errors"

	"github.com/duskpool/relayer/structs"
)

// runTask drives one task from its committed StepIndex to a terminal state.
// Every completed step is checkpointed through consensus before the next
// begins, so a crash or leadership change never repeats a step whose
// checkpoint committed: the successor resumes at StepIndex+1.
func (d *Driver) runTask(r *runner, task *structs.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tie the context to runner stop and driver shutdown
	go func() {
		select {
		case <-r.stopCh:
		case <-d.shutdownCh:
		case <-ctx.Done():
		}
		cancel()
	}()

	steps, err := taskSteps(task.Kind)
	if err != nil {
		d.completeTask(ctx, task, structs.TaskStateFailed, err.Error())
		return
	}

	env := &stepEnv{
		task:   task,
		collab: d.collab,
	}
	for _, res := range task.StepHistory {
		env.outputs = append(env.outputs, res.Output)
	}

	for i := int(task.StepIndex); i < len(steps); i++ {
		// Between steps is the only cancellation point: re-read the
		// replicated row and stop if the task was cancelled, reassigned, or
		// completed by someone else
		if stop := d.shouldStop(ctx, task.ID); stop {
			return
		}

		output, err := d.executeStep(ctx, steps[i], env, task)
		if err != nil {
			if ctx.Err() != nil {
				// Stopped, not failed; the task stays Running in the
				// replicated state and recovery resumes it
				return
			}
			d.logger.Printf("[ERR] taskdriver: task %s failed at step %s: %v", task.ID, steps[i].name, err)
			d.completeTask(ctx, task, structs.TaskStateFailed, err.Error())
			return
		}

		result := structs.StepResult{
			Step:        uint32(i),
			Name:        steps[i].name,
			Output:      output,
			CompletedAt: time.Now().UnixNano() / int64(time.Millisecond),
		}
		if ok := d.checkpoint(ctx, task.ID, uint32(i), result); !ok {
			return
		}
		env.outputs = append(env.outputs, output)
	}

	d.completeTask(ctx, task, structs.TaskStateCompleted, "")
}

// executeStep runs one step with bounded exponential backoff on retryable
// failures.
func (d *Driver) executeStep(ctx context.Context, s step, env *stepEnv, task *structs.Task) ([]byte, error) {
	defer metrics.MeasureSince([]string{"taskdriver", "step", s.name}, time.Now())

	var lastErr error
	for attempt := 0; attempt < d.conf.MaxStepAttempts; attempt++ {
		if attempt > 0 {
			delay := stepBackoff(d.conf.RetryBaseDelay, d.conf.RetryMaxDelay, attempt)
			metrics.IncrCounter([]string{"taskdriver", "step", "retries"}, 1)
			d.logger.Printf("[WARN] taskdriver: task %s step %s attempt %d failed, retrying in %v: %v",
				task.ID, s.name, attempt, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		output, err := s.run(ctx, env)
		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var stepErr *StepError
		if errors.As(err, &stepErr) && !stepErr.Retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "step %s retries exhausted after %d attempts", s.name, d.conf.MaxStepAttempts)
}

// propose submits a driver-originated command, retrying transient consensus
// failures with the same bounded backoff steps use. A runner that gives up on
// a proposal strands its task as Running with no runner until the next
// leadership change, so the driver only yields once the retry budget or the
// context is exhausted.
func (d *Driver) propose(ctx context.Context, t structs.MessageType, msg interface{}) (*structs.ApplyResult, error) {
	var lastErr error
	for attempt := 0; attempt < d.conf.MaxStepAttempts; attempt++ {
		if attempt > 0 {
			delay := stepBackoff(d.conf.RetryBaseDelay, d.conf.RetryMaxDelay, attempt)
			metrics.IncrCounter([]string{"taskdriver", "propose", "retries"}, 1)
			d.logger.Printf("[WARN] taskdriver: proposal attempt %d failed, retrying in %v: %v", attempt, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := d.backend.ProposeCommand(t, msg)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "proposal not committed after %d attempts", d.conf.MaxStepAttempts)
}

// checkpoint proposes one step's durable completion. Returns false when the
// runner should stop: leadership lost, consensus unavailable, or the
// checkpoint was stale because another actor already advanced the task.
func (d *Driver) checkpoint(ctx context.Context, id structs.TaskID, stepIdx uint32, result structs.StepResult) bool {
	if err := d.limiter.Wait(ctx); err != nil {
		return false
	}

	resp, err := d.propose(ctx, structs.TaskCheckpointType, &structs.TaskCheckpointRequest{
		TaskID: id,
		Step:   stepIdx,
		Result: result,
	})
	if err != nil {
		d.logger.Printf("[WARN] taskdriver: checkpoint for task %s step %d not committed: %v", id, stepIdx, err)
		return false
	}
	if resp.Stale {
		d.logger.Printf("[WARN] taskdriver: checkpoint for task %s step %d was stale, yielding", id, stepIdx)
		return false
	}
	return true
}

// completeTask proposes the task's terminal outcome. The apply itself pops
// the task from its queues and releases any pause the task held as a
// preemptor, so one committed command settles everything.
func (d *Driver) completeTask(ctx context.Context, task *structs.Task, outcome structs.TaskState, reason string) {
	_, err := d.propose(ctx, structs.TaskCompleteRequestType, &structs.TaskCompleteRequest{
		TaskID:  task.ID,
		Outcome: outcome,
		Reason:  reason,
	})
	if err != nil {
		d.logger.Printf("[WARN] taskdriver: completion of task %s not committed: %v", task.ID, err)
		return
	}
	metrics.IncrCounter([]string{"taskdriver", "task", outcome.String()}, 1)
}

// shouldStop re-reads the replicated task row between steps.
func (d *Driver) shouldStop(ctx context.Context, id structs.TaskID) bool {
	if ctx.Err() != nil {
		return true
	}

	_, task, err := d.backend.Store().TaskGet(id)
	if err != nil {
		d.logger.Printf("[ERR] taskdriver: task lookup for %s failed: %v", id, err)
		return true
	}
	if task == nil || task.State != structs.TaskStateRunning {
		return true
	}
	if task.Executor != d.backend.LocalID() {
		return true
	}
	return false
}

// stepBackoff mirrors consensus replication backoff: base doubled per
// attempt, capped.
func stepBackoff(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
