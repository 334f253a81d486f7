// Package wire defines the cross-node message envelopes exchanged during
// two-phase commit and per-command dispatch. Correlation ids use
// google/uuid the way the rest of the retrieved pack does for request
// tracing.
package wire

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/gorelly/distkv/partition"
	"github.com/gorelly/distkv/txid"
)

// TxFinishRequest is sent from the originating node to each enlisted
// node during commit/rollback.
type TxFinishRequest struct {
	RequestID  uuid.UUID
	TxID       txid.ID
	Commit     bool
	Partitions mapset.Set[partition.ID]
}

// NewTxFinishRequest builds a finish request with a fresh correlation id.
func NewTxFinishRequest(tx txid.ID, commit bool, partitions mapset.Set[partition.ID]) TxFinishRequest {
	return TxFinishRequest{RequestID: uuid.New(), TxID: tx, Commit: commit, Partitions: partitions}
}

// OpTag identifies a per-command message's operation.
type OpTag int

const (
	OpGet OpTag = iota
	OpGetAll
	OpInsert
	OpUpsert
	OpReplace
	OpReplaceExact
	OpDelete
	OpDeleteExact
	OpGetAndDelete
	OpGetAndReplace
	OpGetAndUpsert
	OpInsertAll
	OpUpsertAll
	OpDeleteAll
	OpDeleteExactAll
)

// CommandRequest is the envelope for a single per-partition command sent
// to a partition's consensus group, carrying an opaque payload the
// caller and the partition applier agree on the shape of.
type CommandRequest struct {
	RequestID   uuid.UUID
	TxID        txid.ID
	PartitionID partition.ID
	Operation   OpTag
	Payload     any
}

// NewCommandRequest builds a command request with a fresh correlation id.
func NewCommandRequest(tx txid.ID, pid partition.ID, op OpTag, payload any) CommandRequest {
	return CommandRequest{RequestID: uuid.New(), TxID: tx, PartitionID: pid, Operation: op, Payload: payload}
}

// CommandResponse mirrors the per-operation typed response described for
// the partition state machine: exactly one of the typed fields is
// meaningful, selected by the request's Operation.
type CommandResponse struct {
	RequestID uuid.UUID
	Err       string

	Value    []byte
	HasValue bool

	Values [][]byte
	HasAny []bool

	Bool  bool
	Bools []bool
}
