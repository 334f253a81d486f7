// Package txn implements the transaction manager (C3) and transaction
// context (C6): monotonic timestamp issuance, tx state tracking, and
// two-phase commit fan-out across locally- and remotely-enlisted
// partitions.
//
// Follows a TransactionManager.Begin/Commit/Abort shape driving a map
// of active transactions, with Commit/Abort cascading into a log
// manager and a lock manager, regrown from a single-node WAL/lock
// cascade into a fan-out across a per-tx set of enlisted partitions,
// since this system's commit path crosses node boundaries instead of
// just flushing a local log.
package txn

import (
	"context"
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gorelly/distkv/partition"
	"github.com/gorelly/distkv/txid"
	"github.com/gorelly/distkv/wire"
)

var log = logrus.WithField("component", "txn")

// ErrTransactionAborted is returned when an operation is submitted
// against a TxContext that has already reached a terminal state
// (COMMITTED or ABORTED): the TransactionAborted error kind.
var ErrTransactionAborted = errors.New("txn: transaction is no longer pending")

// State is a transaction's position in the {PENDING, COMMITTED, ABORTED}
// lattice. Transitions only ever move PENDING -> COMMITTED or
// PENDING -> ABORTED; both are terminal.
type State int

const (
	Pending State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// LocalApplier submits a finish command to a locally-hosted partition's
// consensus group, the call C4 makes to promote or discard a tx's
// staged writes once two-phase commit has decided its outcome.
type LocalApplier interface {
	Finish(ctx context.Context, pid partition.ID, tx txid.ID, commit bool) error
}

// RemoteFinisher delivers a TxFinishRequest to another node's C3.
type RemoteFinisher interface {
	FinishRemote(ctx context.Context, address string, req wire.TxFinishRequest) error
}

// TxContext is the per-transaction state a caller threads through an
// operation: timestamp, enlisted node/partition set, originating
// address.
type TxContext struct {
	id     txid.ID
	origin string
	mgr    *Manager

	mu              sync.Mutex
	state           State
	enlisted        map[string]mapset.Set[partition.ID]
	committedThread *string
}

func newTxContext(mgr *Manager, id txid.ID, origin string) *TxContext {
	return &TxContext{
		id:       id,
		origin:   origin,
		mgr:      mgr,
		state:    Pending,
		enlisted: make(map[string]mapset.Set[partition.ID]),
	}
}

// ID returns the transaction's timestamp.
func (tx *TxContext) ID() txid.ID { return tx.id }

// OriginAddress returns the node that issued begin() for this tx.
func (tx *TxContext) OriginAddress() string { return tx.origin }

// State returns the transaction's current state.
func (tx *TxContext) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// EnsurePending returns ErrTransactionAborted if tx has already reached
// a terminal state. Callers must check this before enlisting tx in a
// new partition or submitting a command on its behalf, so a caller
// that races a Commit/Rollback never stages a write under a tx id
// C3 will never finish again.
func (tx *TxContext) EnsurePending() error {
	if tx.State() != Pending {
		return ErrTransactionAborted
	}
	return nil
}

// Enlist records that address/pid participates in this transaction.
// Reports true the first time this (address, pid) pair is enlisted.
func (tx *TxContext) Enlist(address string, pid partition.ID) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	set, ok := tx.enlisted[address]
	if !ok {
		set = mapset.NewSet[partition.ID]()
		tx.enlisted[address] = set
	}
	if set.Contains(pid) {
		return false
	}
	set.Add(pid)
	return true
}

// BindCommitThread associates this tx with a named worker, used only by
// ordering-sensitive debug hooks; it has no effect on commit semantics.
func (tx *TxContext) BindCommitThread(name string) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.committedThread = &name
}

func (tx *TxContext) enlistedSnapshot() map[string]mapset.Set[partition.ID] {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make(map[string]mapset.Set[partition.ID], len(tx.enlisted))
	for addr, set := range tx.enlisted {
		out[addr] = set.Clone()
	}
	return out
}

// Commit fans out a FinishRequest(commit=true) to every enlisted node
// and blocks until every future aggregates.
func (tx *TxContext) Commit(ctx context.Context) error { return tx.mgr.Commit(ctx, tx) }

// Rollback fans out a FinishRequest(commit=false) to every enlisted node.
func (tx *TxContext) Rollback(ctx context.Context) error { return tx.mgr.Rollback(ctx, tx) }

// CommitAsync runs Commit on a new goroutine, delivering the result on
// the returned one-shot channel.
func (tx *TxContext) CommitAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- tx.Commit(ctx) }()
	return done
}

// RollbackAsync is the async form of Rollback.
func (tx *TxContext) RollbackAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- tx.Rollback(ctx) }()
	return done
}

// Manager is the transaction manager (C3): it issues timestamps, tracks
// tx state, and drives two-phase commit across enlisted partitions.
type Manager struct {
	node string
	gen  *txid.Generator
	local  LocalApplier
	remote RemoteFinisher

	mu  sync.Mutex
	txs map[txid.ID]*TxContext

	// terminalStates retains a bounded window of terminal tx states so
	// finish_remote / late state queries for a tx no longer in txs still
	// get an answer instead of "unknown".
	terminalStates *lru.Cache[txid.ID, State]
}

// NewManager returns a transaction manager for node, minting timestamps
// from gen and retaining up to terminalWindow terminal tx states.
func NewManager(node string, gen *txid.Generator, local LocalApplier, remote RemoteFinisher, terminalWindow int) *Manager {
	cache, err := lru.New[txid.ID, State](terminalWindow)
	if err != nil {
		// Only returns an error for a non-positive size; fall back to a
		// minimal window rather than panicking on a misconfigured value.
		cache, _ = lru.New[txid.ID, State](1)
	}
	return &Manager{
		node:           node,
		gen:            gen,
		local:          local,
		remote:         remote,
		txs:            make(map[txid.ID]*TxContext),
		terminalStates: cache,
	}
}

// Begin issues a new timestamp and returns its TxContext, origin-stamped
// with this node's address.
func (m *Manager) Begin() *TxContext {
	id := m.gen.Next()
	tx := newTxContext(m, id, m.node)
	m.mu.Lock()
	m.txs[id] = tx
	m.mu.Unlock()
	log.WithField("tx", id).Debug("begin")
	return tx
}

// BeginAsync is the async form of Begin.
func (m *Manager) BeginAsync() <-chan *TxContext {
	out := make(chan *TxContext, 1)
	go func() { out <- m.Begin() }()
	return out
}

// State reports the last known state of tx, consulting the active map
// first and the terminal-state window second.
func (m *Manager) State(id txid.ID) (State, bool) {
	m.mu.Lock()
	if tx, ok := m.txs[id]; ok {
		m.mu.Unlock()
		return tx.State(), true
	}
	m.mu.Unlock()
	return m.terminalStates.Get(id)
}

// Commit drives tx to COMMITTED. Idempotent: once tx has reached a
// terminal state, subsequent calls are no-ops returning nil.
func (m *Manager) Commit(ctx context.Context, tx *TxContext) error {
	return m.finish(ctx, tx, true)
}

// Rollback drives tx to ABORTED. Idempotent, symmetric with Commit.
func (m *Manager) Rollback(ctx context.Context, tx *TxContext) error {
	return m.finish(ctx, tx, false)
}

func (m *Manager) finish(ctx context.Context, tx *TxContext, commit bool) error {
	tx.mu.Lock()
	if tx.state != Pending {
		terminal := tx.state
		tx.mu.Unlock()
		log.WithField("tx", tx.id).WithField("state", terminal).Debug("finish no-op, already terminal")
		return nil
	}
	if commit {
		tx.state = Committed
	} else {
		tx.state = Aborted
	}
	terminal := tx.state
	tx.mu.Unlock()

	enlisted := tx.enlistedSnapshot()
	m.retire(tx.id, terminal)

	g, gctx := errgroup.WithContext(ctx)
	for address, partitions := range enlisted {
		address, partitions := address, partitions
		g.Go(func() error {
			if address == m.node {
				return m.finishLocal(gctx, tx.id, commit, partitions)
			}
			req := wire.NewTxFinishRequest(tx.id, commit, partitions)
			return m.remote.FinishRemote(gctx, address, req)
		})
	}
	// Partial failure: the aggregate future fails but tx.state remains
	// the terminal value already recorded above; the replication layer
	// is responsible for eventually redelivering a dropped finish.
	return g.Wait()
}

func (m *Manager) finishLocal(ctx context.Context, tx txid.ID, commit bool, partitions mapset.Set[partition.ID]) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range partitions.ToSlice() {
		pid := pid
		g.Go(func() error { return m.local.Finish(gctx, pid, tx, commit) })
	}
	return g.Wait()
}

func (m *Manager) retire(id txid.ID, state State) {
	m.mu.Lock()
	delete(m.txs, id)
	m.mu.Unlock()
	m.terminalStates.Add(id, state)
}

// ReceiveFinish handles an incoming TxFinishRequest from another node's
// C3: it records req's terminal state and applies the finish command to
// each partition the request names, even if this node never observed a
// begin() for tx_id.
func (m *Manager) ReceiveFinish(ctx context.Context, req wire.TxFinishRequest) error {
	state := Aborted
	if req.Commit {
		state = Committed
	}

	m.mu.Lock()
	if tx, ok := m.txs[req.TxID]; ok {
		tx.mu.Lock()
		tx.state = state
		tx.mu.Unlock()
		delete(m.txs, req.TxID)
	}
	m.mu.Unlock()
	m.terminalStates.Add(req.TxID, state)

	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range req.Partitions.ToSlice() {
		pid := pid
		g.Go(func() error { return m.local.Finish(gctx, pid, req.TxID, req.Commit) })
	}
	return g.Wait()
}
