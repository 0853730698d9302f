package taskdriver

import (
	"time"

	"github.com/armon/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/duskpool/relayer/structs"
)

// Recover rebuilds the runner set from the replicated state alone: it scans
// the task queues for executing tasks owned by this peer and resumes each at
// its committed StepIndex. Called on startup leadership and on every
// leadership gain; external effects behind committed checkpoints are never
// repeated because resumption starts at the first unchecked step.
func (d *Driver) Recover() error {
	defer metrics.MeasureSince([]string{"taskdriver", "recover"}, time.Now())

	_, running, err := d.backend.Store().RunningTasks()
	if err != nil {
		return errors.Wrap(err, "failed scanning executing tasks")
	}

	var errs error
	resumed := 0
	for _, task := range running {
		if task.Executor != d.backend.LocalID() {
			// Another peer's task; it becomes ours only through a committed
			// reassignment
			continue
		}
		if err := task.Descriptor.Validate(); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "task %s has an invalid descriptor", task.ID))
			continue
		}
		d.adopt(task)
		resumed++
	}

	if resumed > 0 {
		d.logger.Printf("[INFO] taskdriver: resumed %d executing task(s)", resumed)
	}
	metrics.IncrCounter([]string{"taskdriver", "recover", "resumed"}, float32(resumed))
	return errs
}

// ReassignPeer proposes moving every non-terminal task owned by a failed
// peer to a new executor, then recovers so newly owned running tasks get
// runners immediately.
func (d *Driver) ReassignPeer(from, to structs.PeerID) ([]structs.TaskID, error) {
	resp, err := d.backend.ProposeCommand(structs.TaskReassignRequestType, &structs.TaskReassignRequest{
		From: from,
		To:   to,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed reassigning tasks from %s", from)
	}

	if to == d.backend.LocalID() && len(resp.Started) > 0 {
		if err := d.Recover(); err != nil {
			return resp.Started, err
		}
	}
	return resp.Started, nil
}
