// Package partition implements the partition state machine (C4): a
// deterministic command applier over the versioned row store (C2),
// driven by a replicated log and a pluggable consensus group.
package partition

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/gorelly/distkv/raftlike"
	"github.com/gorelly/distkv/store"
	"github.com/gorelly/distkv/txid"
)

var log = logrus.WithField("component", "partition")

// Machine is one partition: an id, a row store, a replicated command
// log, and the consensus group that orders writes through it.
//
// Writes run one at a time on the group's apply path, the
// consensus-applier invariant: a partition's write commands are never
// interleaved with each other, only with non-blocking reads.
type Machine struct {
	ID    ID
	store *store.Store
	gen   *txid.Generator
	glog  *CommandLog
	group raftlike.Group

	mu sync.Mutex
}

// NewMachine returns a partition state machine over st, backed by a
// single-member LocalGroup. Use SetGroup to swap in a real consensus
// implementation once one exists.
func NewMachine(id ID, st *store.Store, gen *txid.Generator) *Machine {
	m := &Machine{ID: id, store: st, gen: gen, glog: NewCommandLog()}
	m.group = raftlike.NewLocalGroup(m.applyReplicated)
	return m
}

// SetGroup swaps in a different consensus group implementation for
// writes, e.g. a real multi-node Raft group in place of LocalGroup.
func (m *Machine) SetGroup(g raftlike.Group) { m.group = g }

func (m *Machine) applyReplicated(ctx context.Context, cmd any, index, term uint64) (any, error) {
	c := cmd.(Command)
	rec := m.glog.Append(c)
	log.WithField("partition", m.ID).WithField("lsn", rec.LSN).WithField("kind", c.Kind).Debug("applying replicated command")

	m.mu.Lock()
	defer m.mu.Unlock()
	resp, err := m.dispatch(ctx, c)
	return resp, err
}

// Submit applies cmd, routing reads straight to the local store (no log
// append) and writes through the consensus group.
func (m *Machine) Submit(ctx context.Context, cmd Command) (Response, error) {
	if cmd.Kind.IsReadOnly() {
		// Reads never touch the single-threaded write applier: they are
		// served straight from the store, which already serialises
		// per-key access through the lock manager.
		return m.dispatch(ctx, cmd)
	}
	if !m.group.IsLeader() {
		return Response{}, raftlike.ErrNotLeader
	}
	result, _, _, err := m.group.Submit(ctx, cmd)
	if result == nil {
		return Response{}, err
	}
	return result.(Response), err
}

// Finish applies a Commit or Rollback command for tx, the call C3 makes
// once two-phase commit has decided tx's outcome. It goes through the
// same replicated path as any other write.
func (m *Machine) Finish(ctx context.Context, tx txid.ID, commit bool) error {
	kind := KindRollback
	if commit {
		kind = KindCommit
	}
	_, err := m.Submit(ctx, Command{Kind: kind, TxID: tx})
	return err
}

// BeginImplicit mints a TxID for a single-call write, deterministic
// because it is assigned before the command enters the replicated log
// rather than inside the applier.
func (m *Machine) BeginImplicit() txid.ID { return m.gen.Next() }

func (m *Machine) dispatch(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case KindGet:
		v, ok, err := m.store.Get(ctx, cmd.Key, cmd.TxID)
		return Response{Value: v, HasValue: ok}, err
	case KindGetAll:
		vs, oks, err := m.store.GetAll(ctx, cmd.Keys, cmd.TxID)
		return Response{Values: vs, HasAny: oks}, err

	case KindInsert:
		ok, err := m.store.Insert(ctx, cmd.Key, cmd.Value, cmd.TxID)
		return m.finish(ctx, cmd, Response{Bool: ok}, err)
	case KindUpsert:
		err := m.store.Upsert(ctx, cmd.Key, cmd.Value, cmd.TxID)
		return m.finish(ctx, cmd, Response{}, err)
	case KindReplace:
		ok, err := m.store.ReplaceExact(ctx, cmd.Key, cmd.OldValue, cmd.Value, cmd.TxID)
		return m.finish(ctx, cmd, Response{Bool: ok}, err)
	case KindReplaceIfExists:
		ok, err := m.store.Replace(ctx, cmd.Key, cmd.Value, cmd.TxID)
		return m.finish(ctx, cmd, Response{Bool: ok}, err)
	case KindDelete:
		ok, err := m.store.Delete(ctx, cmd.Key, cmd.TxID)
		return m.finish(ctx, cmd, Response{Bool: ok}, err)
	case KindDeleteExact:
		ok, err := m.store.DeleteExact(ctx, cmd.Key, cmd.Value, cmd.TxID)
		return m.finish(ctx, cmd, Response{Bool: ok}, err)

	case KindGetAndUpsert:
		v, ok, err := m.store.GetAndUpsert(ctx, cmd.Key, cmd.Value, cmd.TxID)
		return m.finish(ctx, cmd, Response{Value: v, HasValue: ok}, err)
	case KindGetAndReplace:
		v, ok, err := m.store.GetAndReplace(ctx, cmd.Key, cmd.Value, cmd.TxID)
		return m.finish(ctx, cmd, Response{Value: v, HasValue: ok}, err)
	case KindGetAndDelete:
		v, ok, err := m.store.GetAndDelete(ctx, cmd.Key, cmd.TxID)
		return m.finish(ctx, cmd, Response{Value: v, HasValue: ok}, err)

	case KindInsertAll:
		oks, err := m.store.InsertAll(ctx, cmd.Rows, cmd.TxID)
		return m.finish(ctx, cmd, Response{Bools: oks}, err)
	case KindUpsertAll:
		err := m.store.UpsertAll(ctx, cmd.Rows, cmd.TxID)
		return m.finish(ctx, cmd, Response{}, err)
	case KindDeleteAll:
		oks, err := m.store.DeleteAll(ctx, cmd.Keys, cmd.TxID)
		return m.finish(ctx, cmd, Response{Bools: oks}, err)
	case KindDeleteExactAll:
		oks, err := m.store.DeleteExactAll(ctx, cmd.Rows, cmd.TxID)
		return m.finish(ctx, cmd, Response{Bools: oks}, err)

	case KindCommit:
		return Response{}, m.store.Commit(cmd.TxID)
	case KindRollback:
		return Response{}, m.store.Rollback(cmd.TxID)

	default:
		return Response{}, errors.AssertionFailedf("partition: unknown command kind %v", cmd.Kind)
	}
}

// finish completes an Implicit command: on success it commits TxID
// immediately (if nothing was staged, e.g. a failed insert's condition
// check, this only releases the lock the command took); on error it
// rolls back instead.
func (m *Machine) finish(ctx context.Context, cmd Command, resp Response, err error) (Response, error) {
	if !cmd.Implicit {
		return resp, err
	}
	if err != nil {
		_ = m.store.Rollback(cmd.TxID)
		return resp, err
	}
	return resp, m.store.Commit(cmd.TxID)
}

// LastAppliedIndex returns the LSN of the most recently applied write.
func (m *Machine) LastAppliedIndex() uint64 {
	return m.glog.LastIndex()
}

// SaveSnapshot serialises this machine's committed and pending state to
// dst.
func (m *Machine) SaveSnapshot(dst *SnapshotStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return dst.Save(m)
}

// RestoreSnapshot discards in-memory state and reloads it from src,
// re-acquiring every pending writer's exclusive lock as store.Restore
// replays the staged writes.
func (m *Machine) RestoreSnapshot(ctx context.Context, src *SnapshotStore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, committed, pending, err := src.Load()
	if err != nil {
		return err
	}
	return m.store.Restore(ctx, committed, pending)
}
