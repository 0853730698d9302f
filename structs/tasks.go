package structs

import (
	"fmt"

	"github.com/google/uuid"
)

// TaskState is the lifecycle of a durable task.
type TaskState uint8

const (
	TaskStateQueued TaskState = iota
	TaskStateRunning
	TaskStateCompleted
	TaskStateFailed
	TaskStateCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskStateQueued:
		return "Queued"
	case TaskStateRunning:
		return "Running"
	case TaskStateCompleted:
		return "Completed"
	case TaskStateFailed:
		return "Failed"
	case TaskStateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("TaskState(%d)", uint8(s))
	}
}

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// TaskKind enumerates the closed set of task types the driver can run.
// Adding a kind is a compile time change here and in the driver's step
// tables, never runtime registration.
type TaskKind uint8

const (
	TaskKindNewWallet TaskKind = iota
	TaskKindLookupWallet
	TaskKindUpdateWallet
	TaskKindSettleMatch
	TaskKindPayFees
)

func (k TaskKind) String() string {
	switch k {
	case TaskKindNewWallet:
		return "new-wallet"
	case TaskKindLookupWallet:
		return "lookup-wallet"
	case TaskKindUpdateWallet:
		return "update-wallet"
	case TaskKindSettleMatch:
		return "settle-match"
	case TaskKindPayFees:
		return "pay-fees"
	default:
		return fmt.Sprintf("TaskKind(%d)", uint8(k))
	}
}

// NewWalletDescriptor parameterizes wallet creation: prove, submit, await.
type NewWalletDescriptor struct {
	WalletID WalletID
	Wallet   Wallet
}

// LookupWalletDescriptor parameterizes recovering a wallet from chain state.
type LookupWalletDescriptor struct {
	WalletID WalletID
	// BlinderSeed recovers the wallet's private shares from on-chain data
	BlinderSeed []byte
}

// UpdateWalletDescriptor parameterizes an order placement, cancellation, or
// balance transfer against an existing wallet.
type UpdateWalletDescriptor struct {
	WalletID  WalletID
	NewWallet Wallet
	// Transfer is the opaque external transfer accompanying the update, if any
	Transfer []byte
}

// SettleMatchDescriptor parameterizes internal match settlement. It locks
// both wallets for the duration of the task.
type SettleMatchDescriptor struct {
	OrderID1  OrderID
	OrderID2  OrderID
	WalletID1 WalletID
	WalletID2 WalletID

	// ExecutionPrice is the fixed point price the match crossed at
	ExecutionPrice uint64
	// MatchResult is the opaque output of the matching engine
	MatchResult []byte
}

// PayFeesDescriptor parameterizes fee settlement for a wallet.
type PayFeesDescriptor struct {
	WalletID WalletID
}

// TaskDescriptor is a closed tagged variant over the known task kinds.
// Exactly the field matching Kind is non-nil.
type TaskDescriptor struct {
	Kind TaskKind

	NewWallet    *NewWalletDescriptor
	LookupWallet *LookupWalletDescriptor
	UpdateWallet *UpdateWalletDescriptor
	SettleMatch  *SettleMatchDescriptor
	PayFees      *PayFeesDescriptor
}

// Resources returns the resource ids the task must hold before running.
func (d *TaskDescriptor) Resources() []ResourceID {
	switch d.Kind {
	case TaskKindNewWallet:
		return []ResourceID{d.NewWallet.WalletID}
	case TaskKindLookupWallet:
		return []ResourceID{d.LookupWallet.WalletID}
	case TaskKindUpdateWallet:
		return []ResourceID{d.UpdateWallet.WalletID}
	case TaskKindSettleMatch:
		return []ResourceID{d.SettleMatch.WalletID1, d.SettleMatch.WalletID2}
	case TaskKindPayFees:
		return []ResourceID{d.PayFees.WalletID}
	default:
		return nil
	}
}

// Validate checks the variant invariant on the descriptor.
func (d *TaskDescriptor) Validate() error {
	var ok bool
	switch d.Kind {
	case TaskKindNewWallet:
		ok = d.NewWallet != nil
	case TaskKindLookupWallet:
		ok = d.LookupWallet != nil
	case TaskKindUpdateWallet:
		ok = d.UpdateWallet != nil
	case TaskKindSettleMatch:
		ok = d.SettleMatch != nil
	case TaskKindPayFees:
		ok = d.PayFees != nil
	default:
		return fmt.Errorf("unknown task kind %d", d.Kind)
	}
	if !ok {
		return fmt.Errorf("task descriptor missing body for kind %s", d.Kind)
	}
	return nil
}

// StepResult is the committed record of one completed task step.
type StepResult struct {
	Step uint32
	Name string

	// Output is the opaque step output fed into subsequent steps
	Output []byte

	// CompletedAt is unix millis at checkpoint proposal time; informational
	// only, never used in apply decisions
	CompletedAt int64
}

// Task is a row in the replicated task table. Mutated only by committed
// checkpoint and complete commands.
type Task struct {
	ID   TaskID
	Kind TaskKind

	// Resources the task serializes on; it runs only while at the head of
	// every one of these queues
	Resources []ResourceID

	// Executor is the peer driving the task's steps
	Executor PeerID

	Descriptor TaskDescriptor

	State TaskState
	// FailureReason is set when State is Failed or Cancelled
	FailureReason string

	// StepIndex is the next step to execute, i.e. the count of committed
	// checkpoints
	StepIndex   uint32
	StepHistory []StepResult

	CreatedAt int64

	RaftIndex
}

// NewTaskID generates a fresh task identifier.
func NewTaskID() TaskID {
	return uuid.New().String()
}

// TaskQueueEntry is the replicated per-resource admission queue. Invariant:
// Executing is non-empty only while that task exists and is non-terminal.
type TaskQueueEntry struct {
	Resource ResourceID

	// Pending is FIFO; Pending[0] is the next candidate for promotion
	Pending []TaskID

	// Executing is the single task currently holding the resource
	Executing TaskID

	// Paused blocks promotion of everything except the preemptive task that
	// paused the queue
	Paused bool
	// PausedBy is the preemptive task seated at the front while Paused
	PausedBy TaskID

	RaftIndex
}

// TaskEnqueueRequest appends a task to every queue its resources name.
type TaskEnqueueRequest struct {
	Task Task
}

// TaskCheckpointRequest records the durable completion of a single step.
type TaskCheckpointRequest struct {
	TaskID TaskID
	Step   uint32
	Result StepResult
}

// TaskCompleteRequest drives a task to a terminal state and pops it from its
// queues. Outcome must be terminal; cancellation uses TaskStateCancelled.
type TaskCompleteRequest struct {
	TaskID  TaskID
	Outcome TaskState
	Reason  string
}

// QueuePauseRequest pauses the named queues and seats a preemptive task at
// the front of each.
type QueuePauseRequest struct {
	Resources []ResourceID
	Task      Task
}

// QueueResumeRequest unpauses queues after a preemptive task completes.
type QueueResumeRequest struct {
	Resources []ResourceID
}

// TaskReassignRequest moves every non-terminal task owned by a failed peer
// to a new executor.
type TaskReassignRequest struct {
	From PeerID
	To   PeerID
}

// TaskGCRequest reaps terminal tasks created before the cutoff, unix millis.
type TaskGCRequest struct {
	Before int64
}

// TaskQueueEvent is the bus payload published after any command that moved a
// task through its lifecycle.
type TaskQueueEvent struct {
	// TaskID is the task the command addressed, empty for pure queue
	// commands like resume
	TaskID TaskID

	// State is the task's state after the apply
	State TaskState

	// Started lists tasks promoted to Running by the apply, including
	// TaskID itself when it started immediately
	Started []TaskID
}
