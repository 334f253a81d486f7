package partition

import (
	"github.com/gorelly/distkv/store"
	"github.com/gorelly/distkv/txid"
)

// Kind tags a Command with the C2 operation it invokes.
type Kind int

const (
	KindGet Kind = iota
	KindGetAll
	KindInsert
	KindUpsert
	KindReplace         // C2 replace_exact: stage iff committed equals OldValue.
	KindReplaceIfExists // C2 replace: stage iff a committed value is present.
	KindDelete
	KindDeleteExact
	KindGetAndUpsert
	KindGetAndReplace
	KindGetAndDelete
	KindInsertAll
	KindUpsertAll
	KindDeleteAll
	KindDeleteExactAll
	KindCommit
	KindRollback
)

// IsReadOnly reports whether a command may be served from the leader
// directly, without an entry in the replicated log.
func (k Kind) IsReadOnly() bool {
	return k == KindGet || k == KindGetAll
}

// Command is one entry the partition applier dispatches to the row
// store. TxID identifies the acting transaction and, for any command
// that mutates state, must already be a concrete, externally-minted
// identifier: determinism across replicas depends on every replica
// applying the exact same TxID, so the applier never mints one itself
// for a command already bound for the replicated log.
type Command struct {
	Kind Kind
	TxID txid.ID

	// Implicit marks a single-call transaction: the applier commits (or
	// rolls back, on error) TxID immediately after applying the
	// operation, rather than leaving it pending for a later Commit
	// command.
	Implicit bool

	Key      []byte
	Value    []byte
	OldValue []byte
	Keys     [][]byte
	Rows     []store.Row
}

// Response is the typed result of applying a Command. Exactly the
// fields relevant to the command's Kind are populated.
type Response struct {
	Value    []byte
	HasValue bool

	Values [][]byte
	HasAny []bool

	Bool  bool
	Bools []bool
}
