package taskdriver

import (
	"context"
	"fmt"

	"github.com/duskpool/relayer/structs"
)

// ProofGenerator produces the zero-knowledge proof bundles each task step
// needs. Proving is slow and CPU bound; implementations are expected to
// respect ctx cancellation.
type ProofGenerator interface {
	ProveWalletCreate(ctx context.Context, wallet *structs.Wallet) ([]byte, error)
	ProveWalletUpdate(ctx context.Context, old, new *structs.Wallet, transfer []byte) ([]byte, error)
	ProveWalletValidity(ctx context.Context, wallet *structs.Wallet) ([]byte, error)
	ProveMatchSettle(ctx context.Context, desc *structs.SettleMatchDescriptor) ([]byte, error)
	ProveFeePayment(ctx context.Context, wallet *structs.Wallet) ([]byte, error)
}

// ChainClient abstracts the settlement chain.
type ChainClient interface {
	// SubmitProof posts a proof bundle and returns the transaction hash
	SubmitProof(ctx context.Context, proof []byte) ([]byte, error)

	// AwaitFinality blocks until the transaction is final
	AwaitFinality(ctx context.Context, txHash []byte) error

	// FindWallet locates a wallet on chain and recovers its public state
	FindWallet(ctx context.Context, id structs.WalletID, blinderSeed []byte) (*structs.Wallet, error)
}

// MatchEngine applies a match result to the two wallets it crossed.
type MatchEngine interface {
	ApplyMatch(ctx context.Context, desc *structs.SettleMatchDescriptor) ([]byte, error)
}

// Collaborators bundles the external services task steps call into.
type Collaborators struct {
	Proofs ProofGenerator
	Chain  ChainClient
	Match  MatchEngine
}

// StepError classifies a step failure. Retryable errors are retried with
// bounded exponential backoff; anything else fails the task.
type StepError struct {
	Step      string
	Err       error
	Retryable bool
}

func (e *StepError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("step %s: %s error: %v", e.Step, kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Retryable wraps an error as a transient step failure.
func Retryable(step string, err error) *StepError {
	return &StepError{Step: step, Err: err, Retryable: true}
}

// Fatal wraps an error as a terminal step failure.
func Fatal(step string, err error) *StepError {
	return &StepError{Step: step, Err: err, Retryable: false}
}

// stepEnv is the execution context handed to each step.
type stepEnv struct {
	task   *structs.Task
	collab Collaborators

	// outputs holds the committed outputs of all prior steps, indexed by
	// step number; steps read their predecessors' results from here
	outputs [][]byte
}

// prev returns the output of the immediately preceding step.
func (e *stepEnv) prev() []byte {
	if len(e.outputs) == 0 {
		return nil
	}
	return e.outputs[len(e.outputs)-1]
}

// step is one unit of a task's state machine. Run returns the opaque output
// committed in the step's checkpoint.
type step struct {
	name string
	run  func(ctx context.Context, env *stepEnv) ([]byte, error)
}

// taskSteps returns the fixed step list for a task kind. The lists are
// closed: a task's step count is a pure function of its kind, so StepIndex
// always addresses the same work on every node and after every restart.
func taskSteps(kind structs.TaskKind) ([]step, error) {
	switch kind {
	case structs.TaskKindNewWallet:
		return newWalletSteps, nil
	case structs.TaskKindLookupWallet:
		return lookupWalletSteps, nil
	case structs.TaskKindUpdateWallet:
		return updateWalletSteps, nil
	case structs.TaskKindSettleMatch:
		return settleMatchSteps, nil
	case structs.TaskKindPayFees:
		return payFeesSteps, nil
	default:
		return nil, fmt.Errorf("unknown task kind %d", kind)
	}
}

var newWalletSteps = []step{
	{"prove-wallet-create", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		desc := env.task.Descriptor.NewWallet
		return env.collab.Proofs.ProveWalletCreate(ctx, &desc.Wallet)
	}},
	{"submit-wallet", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return env.collab.Chain.SubmitProof(ctx, env.prev())
	}},
	{"await-finality", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return nil, env.collab.Chain.AwaitFinality(ctx, env.prev())
	}},
}

var lookupWalletSteps = []step{
	{"find-onchain", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		desc := env.task.Descriptor.LookupWallet
		wallet, err := env.collab.Chain.FindWallet(ctx, desc.WalletID, desc.BlinderSeed)
		if err != nil {
			return nil, err
		}
		return wallet.EncryptedShares, nil
	}},
	{"recover-state", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		// The recovered shares are the step output; the wallet row itself is
		// written by the driver through a committed upsert on completion
		return env.prev(), nil
	}},
	{"prove-validity", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		desc := env.task.Descriptor.LookupWallet
		wallet := &structs.Wallet{ID: desc.WalletID, EncryptedShares: env.prev()}
		return env.collab.Proofs.ProveWalletValidity(ctx, wallet)
	}},
}

var updateWalletSteps = []step{
	{"prove-update", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		desc := env.task.Descriptor.UpdateWallet
		return env.collab.Proofs.ProveWalletUpdate(ctx, nil, &desc.NewWallet, desc.Transfer)
	}},
	{"submit-update", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return env.collab.Chain.SubmitProof(ctx, env.prev())
	}},
	{"await-finality", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return nil, env.collab.Chain.AwaitFinality(ctx, env.prev())
	}},
	{"refresh-validity-proofs", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		desc := env.task.Descriptor.UpdateWallet
		return env.collab.Proofs.ProveWalletValidity(ctx, &desc.NewWallet)
	}},
}

var settleMatchSteps = []step{
	{"prove-match-settle", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return env.collab.Proofs.ProveMatchSettle(ctx, env.task.Descriptor.SettleMatch)
	}},
	{"submit-settlement", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return env.collab.Chain.SubmitProof(ctx, env.prev())
	}},
	{"await-finality", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return nil, env.collab.Chain.AwaitFinality(ctx, env.prev())
	}},
	{"update-validity-proofs", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return env.collab.Match.ApplyMatch(ctx, env.task.Descriptor.SettleMatch)
	}},
}

var payFeesSteps = []step{
	{"prove-fee-payment", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		desc := env.task.Descriptor.PayFees
		return env.collab.Proofs.ProveFeePayment(ctx, &structs.Wallet{ID: desc.WalletID})
	}},
	{"submit-fees", func(ctx context.Context, env *stepEnv) ([]byte, error) {
		return env.collab.Chain.SubmitProof(ctx, env.prev())
	}},
}
