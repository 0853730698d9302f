// Package taskdriver executes durable tasks on the cluster leader: one
// runner per running task, stepping through the task's state machine and
// checkpointing every completed step through consensus before the next one
// starts. Followers keep no runner state; a leadership change rebuilds
// runners from the replicated task queues alone.
package taskdriver

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/duskpool/relayer/bus"
	"github.com/duskpool/relayer/state"
	"github.com/duskpool/relayer/structs"
)

// Backend is the narrow surface the driver needs from the hosting node. It
// keeps the dependency one-directional: the node wires the driver, never the
// reverse.
type Backend interface {
	// ProposeCommand encodes msg with the given type tag, proposes it, and
	// waits for commit and apply
	ProposeCommand(t structs.MessageType, msg interface{}) (*structs.ApplyResult, error)

	// Store returns the current replicated state store
	Store() *state.Store

	// LocalID is this node's peer identity; the driver only runs tasks whose
	// Executor matches it
	LocalID() structs.PeerID
}

// Config holds the driver tunables.
type Config struct {
	// MaxStepAttempts bounds retries of one step before the task fails
	MaxStepAttempts int

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff between
	// step attempts
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// CheckpointRate caps driver-originated proposals so hot-looping runners
	// cannot saturate consensus
	CheckpointRate  rate.Limit
	CheckpointBurst int

	LogOutput io.Writer
	Logger    *log.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxStepAttempts: 5,
		RetryBaseDelay:  250 * time.Millisecond,
		RetryMaxDelay:   30 * time.Second,
		CheckpointRate:  rate.Limit(50),
		CheckpointBurst: 10,
	}
}

// ValidateConfig rejects configurations that cannot operate safely.
func ValidateConfig(conf *Config) error {
	if conf.MaxStepAttempts <= 0 {
		return fmt.Errorf("MaxStepAttempts must be positive")
	}
	if conf.RetryBaseDelay <= 0 || conf.RetryMaxDelay < conf.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base <= max")
	}
	if conf.CheckpointRate <= 0 || conf.CheckpointBurst <= 0 {
		return fmt.Errorf("checkpoint rate and burst must be positive")
	}
	return nil
}

// runner tracks one executing task's goroutine.
type runner struct {
	id     structs.TaskID
	stopCh chan struct{}
	doneCh chan struct{}
}

// Driver owns the runner set. All state here is leader-local and
// reconstructible from the replicated store.
type Driver struct {
	conf    *Config
	backend Backend
	collab  Collaborators
	logger  *log.Logger

	limiter *rate.Limiter

	events *bus.Subscription
	sysbus *bus.Bus

	mu      sync.Mutex
	leader  bool
	runners map[structs.TaskID]*runner

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewDriver constructs a driver subscribed to the task queue topic.
func NewDriver(conf *Config, backend Backend, collab Collaborators, b *bus.Bus) (*Driver, error) {
	if err := ValidateConfig(conf); err != nil {
		return nil, err
	}

	logger := conf.Logger
	if logger == nil {
		logOutput := conf.LogOutput
		if logOutput == nil {
			logOutput = os.Stderr
		}
		logger = log.New(logOutput, "", log.LstdFlags)
	}

	d := &Driver{
		conf:       conf,
		backend:    backend,
		collab:     collab,
		logger:     logger,
		limiter:    rate.NewLimiter(conf.CheckpointRate, conf.CheckpointBurst),
		events:     b.Subscribe(bus.TopicTaskQueues),
		sysbus:     b,
		runners:    make(map[structs.TaskID]*runner),
		shutdownCh: make(chan struct{}),
	}
	return d, nil
}

// Run is the driver's main loop: it reacts to leadership changes and to
// applied task queue events. Blocks until Shutdown.
func (d *Driver) Run(leaderCh <-chan bool) {
	for {
		select {
		case isLeader := <-leaderCh:
			if isLeader {
				d.logger.Printf("[INFO] taskdriver: gained leadership, recovering runners")
				d.stepUp()
			} else {
				d.logger.Printf("[INFO] taskdriver: lost leadership, stopping runners")
				d.stepDown()
			}

		case event, ok := <-d.events.C:
			if !ok {
				return
			}
			d.handleEvent(event)

		case <-d.shutdownCh:
			d.stepDown()
			return
		}
	}
}

// Shutdown stops the driver and waits for every runner to exit.
func (d *Driver) Shutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
		d.sysbus.Unsubscribe(d.events)
	})
	d.wg.Wait()
}

func (d *Driver) stepUp() {
	d.mu.Lock()
	d.leader = true
	d.mu.Unlock()

	if err := d.Recover(); err != nil {
		d.logger.Printf("[ERR] taskdriver: recovery failed: %v", err)
	}
}

func (d *Driver) stepDown() {
	d.mu.Lock()
	d.leader = false
	runners := make([]*runner, 0, len(d.runners))
	for _, r := range d.runners {
		runners = append(runners, r)
	}
	d.runners = make(map[structs.TaskID]*runner)
	d.mu.Unlock()

	for _, r := range runners {
		close(r.stopCh)
	}
	for _, r := range runners {
		<-r.doneCh
	}
}

// handleEvent reacts to one applied task queue change.
func (d *Driver) handleEvent(event bus.Event) {
	payload, ok := event.Payload.(structs.TaskQueueEvent)
	if !ok {
		return
	}

	if payload.TaskID != "" && payload.State.Terminal() {
		d.stopRunner(payload.TaskID)
	}

	d.mu.Lock()
	leader := d.leader
	d.mu.Unlock()
	if !leader {
		return
	}

	for _, id := range payload.Started {
		_, task, err := d.backend.Store().TaskGet(id)
		if err != nil {
			d.logger.Printf("[ERR] taskdriver: failed to load started task %s: %v", id, err)
			continue
		}
		if task == nil || task.State != structs.TaskStateRunning {
			continue
		}
		if task.Executor != d.backend.LocalID() {
			continue
		}
		d.adopt(task)
	}
}

// adopt spawns a runner for a running task if one is not already live.
func (d *Driver) adopt(task *structs.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.leader {
		return
	}
	if _, ok := d.runners[task.ID]; ok {
		return
	}

	r := &runner{
		id:     task.ID,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	d.runners[task.ID] = r

	// Copy so the runner never aliases a memdb row
	run := *task
	run.Resources = append([]structs.ResourceID(nil), task.Resources...)
	run.StepHistory = append([]structs.StepResult(nil), task.StepHistory...)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(r.doneCh)
		defer d.forgetRunner(r)
		d.runTask(r, &run)
	}()

	d.logger.Printf("[DEBUG] taskdriver: adopted task %s (%s) at step %d", task.ID, task.Kind, task.StepIndex)
}

func (d *Driver) forgetRunner(r *runner) {
	d.mu.Lock()
	if cur, ok := d.runners[r.id]; ok && cur == r {
		delete(d.runners, r.id)
	}
	d.mu.Unlock()
}

func (d *Driver) stopRunner(id structs.TaskID) {
	d.mu.Lock()
	r, ok := d.runners[id]
	if ok {
		delete(d.runners, id)
	}
	d.mu.Unlock()

	if ok {
		close(r.stopCh)
	}
}

// RunnerCount reports the live runner count; used by tests and operators.
func (d *Driver) RunnerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runners)
}
