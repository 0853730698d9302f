// Package structs holds the shared types replicated through the consensus
// log: commands, state-table rows, and task descriptors. Everything durable
// is msgpack encoded with a one byte message type prefix.
package structs

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// MessageType tags a command in the replicated log.
type MessageType uint8

const (
	WalletUpsertRequestType MessageType = 0
	OrderUpsertRequestType  MessageType = 1
	PeerUpsertRequestType   MessageType = 2
	PeerRemoveRequestType   MessageType = 3
	TaskEnqueueRequestType  MessageType = 4
	TaskCheckpointType      MessageType = 5
	TaskCompleteRequestType MessageType = 6
	QueuePauseRequestType   MessageType = 7
	QueueResumeRequestType  MessageType = 8
	TaskReassignRequestType MessageType = 9
	TaskGCRequestType       MessageType = 10

	// Snapshot-only record tags; never appear in the replicated log
	TaskQueueEntryType MessageType = 11
	IndexEntryType     MessageType = 12
)

// IgnoreUnknownTypeFlag marks a message type that old nodes may safely skip
// during apply rather than treating as corruption.
const IgnoreUnknownTypeFlag MessageType = 128

var msgpackHandle = &codec.MsgpackHandle{}

// Decode reverses the Encode operation on a byte slice. The message type
// prefix must already be stripped off.
func Decode(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}

// Encode prefixes the message type and msgpack encodes the message.
func Encode(t MessageType, msg interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(uint8(t))
	err := codec.NewEncoder(&buf, msgpackHandle).Encode(msg)
	return buf.Bytes(), err
}

// RaftIndex tracks the log indexes that created and last modified a row.
// The ModifyIndex doubles as the row version for optimistic concurrency.
type RaftIndex struct {
	CreateIndex uint64
	ModifyIndex uint64
}

// Identifier classes. All are stringified v4 UUIDs; typed to keep the
// resource serialization unit (wallet, order) distinct in signatures.
type (
	// WalletID identifies a wallet, the primary task serialization resource.
	WalletID = string
	// OrderID identifies an order within a wallet.
	OrderID = string
	// TaskID identifies a durable task.
	TaskID = string
	// PeerID identifies a relayer peer in the cluster.
	PeerID = string
	// ResourceID is the unit of task serialization (wallet or order id).
	ResourceID = string
)

// OrderState tracks an order through the network order book.
type OrderState uint8

const (
	OrderStateReceived OrderState = iota
	OrderStateVerified
	OrderStateMatched
	OrderStateCancelled
)

func (s OrderState) String() string {
	switch s {
	case OrderStateReceived:
		return "Received"
	case OrderStateVerified:
		return "Verified"
	case OrderStateMatched:
		return "Matched"
	case OrderStateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("OrderState(%d)", uint8(s))
	}
}

// Order is a row in the replicated order book. Only the metadata needed for
// matching admission lives here; the heavy cryptographic payloads are opaque.
type Order struct {
	ID       OrderID
	WalletID WalletID

	// Base/Quote are the mint addresses of the traded pair
	BaseMint  string
	QuoteMint string
	Side      string // "buy" or "sell"
	Amount    uint64

	State OrderState

	// ValidityProof is the opaque proof bundle attached once verified
	ValidityProof []byte

	RaftIndex
}

// Wallet is a row in the replicated wallet table. Shares are encrypted; the
// relayer never sees plaintext balances.
type Wallet struct {
	ID WalletID

	OrderIDs        []OrderID
	EncryptedShares []byte
	PublicBlinder   []byte

	// Nonce increments with every on-chain wallet update
	Nonce uint64

	RaftIndex
}

// Peer is a row in the replicated peer directory.
type Peer struct {
	ID        PeerID
	Addr      string
	ClusterID string

	// LastHeartbeat is unix millis of the last gossip liveness observation
	LastHeartbeat int64

	RaftIndex
}

// WalletUpsertRequest writes a wallet row. PriorVersion carries the
// ModifyIndex the proposer read; the apply is a stale no-op if the row has
// since moved past it.
type WalletUpsertRequest struct {
	Wallet       Wallet
	PriorVersion uint64
}

// OrderUpsertRequest writes an order row, versioned like wallet upserts.
type OrderUpsertRequest struct {
	Order        Order
	PriorVersion uint64
}

// PeerUpsertRequest writes a peer directory row.
type PeerUpsertRequest struct {
	Peer Peer
}

// PeerRemoveRequest drops a peer from the directory.
type PeerRemoveRequest struct {
	ID PeerID
}

// ApplyResult is returned from the state machine for every committed
// command. Index always advances, even for stale mutations.
type ApplyResult struct {
	Index uint64

	// Stale is set when a versioned mutation lost the optimistic
	// concurrency race and was applied as a no-op
	Stale bool

	// Started lists tasks promoted to Running by this command
	Started []TaskID
}
