package partition

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gorelly/distkv/lock"
	"github.com/gorelly/distkv/store"
	"github.com/gorelly/distkv/txid"
)

func newMachine() (*Machine, *txid.Generator) {
	gen := txid.NewGenerator("n1")
	st := store.New(lock.NewManager(), gen)
	return NewMachine(ID(1), st, gen), gen
}

func TestImplicitUpsertThenGet(t *testing.T) {
	m, _ := newMachine()
	ctx := context.Background()
	tx := m.BeginImplicit()

	_, err := m.Submit(ctx, Command{Kind: KindUpsert, TxID: tx, Implicit: true, Key: []byte("k"), Value: []byte("v1")})
	require.NoError(t, err)

	resp, err := m.Submit(ctx, Command{Kind: KindGet, Key: []byte("k")})
	require.NoError(t, err)
	require.True(t, resp.HasValue)
	require.Equal(t, []byte("v1"), resp.Value)
}

func TestExplicitTransactionCommitsOnCommand(t *testing.T) {
	m, _ := newMachine()
	ctx := context.Background()
	tx := m.BeginImplicit()

	_, err := m.Submit(ctx, Command{Kind: KindUpsert, TxID: tx, Key: []byte("k"), Value: []byte("staged")})
	require.NoError(t, err)

	resp, err := m.Submit(ctx, Command{Kind: KindGet, Key: []byte("k")})
	require.NoError(t, err)
	require.False(t, resp.HasValue, "uncommitted write must not be visible outside the writer's tx")

	_, err = m.Submit(ctx, Command{Kind: KindCommit, TxID: tx})
	require.NoError(t, err)

	resp, err = m.Submit(ctx, Command{Kind: KindGet, Key: []byte("k")})
	require.NoError(t, err)
	require.True(t, resp.HasValue)
	require.Equal(t, []byte("staged"), resp.Value)
}

func TestReadOnlyCommandsDoNotAppendToLog(t *testing.T) {
	m, _ := newMachine()
	ctx := context.Background()
	tx := m.BeginImplicit()
	_, err := m.Submit(ctx, Command{Kind: KindUpsert, TxID: tx, Implicit: true, Key: []byte("k"), Value: []byte("v1")})
	require.NoError(t, err)
	before := m.LastAppliedIndex()

	_, err = m.Submit(ctx, Command{Kind: KindGet, Key: []byte("k")})
	require.NoError(t, err)
	require.Equal(t, before, m.LastAppliedIndex())
}

func TestInsertConditionFailureIsNoop(t *testing.T) {
	m, _ := newMachine()
	ctx := context.Background()
	tx1 := m.BeginImplicit()
	_, err := m.Submit(ctx, Command{Kind: KindInsert, TxID: tx1, Implicit: true, Key: []byte("k"), Value: []byte("v1")})
	require.NoError(t, err)

	tx2 := m.BeginImplicit()
	resp, err := m.Submit(ctx, Command{Kind: KindInsert, TxID: tx2, Implicit: true, Key: []byte("k"), Value: []byte("v2")})
	require.NoError(t, err)
	require.False(t, resp.Bool)
}

func TestSnapshotSaveAndRestoreRoundTrip(t *testing.T) {
	m, gen := newMachine()
	ctx := context.Background()
	tx := m.BeginImplicit()
	_, err := m.Submit(ctx, Command{Kind: KindUpsert, TxID: tx, Implicit: true, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snapshot.db")
	snap, err := OpenSnapshotStore(path, 4)
	require.NoError(t, err)
	require.NoError(t, m.SaveSnapshot(snap))
	require.NoError(t, snap.Close())

	restored := NewMachine(ID(1), store.New(lock.NewManager(), gen), gen)
	snap2, err := OpenSnapshotStore(path, 4)
	require.NoError(t, err)
	require.NoError(t, restored.RestoreSnapshot(ctx, snap2))
	require.NoError(t, snap2.Close())

	resp, err := restored.Submit(ctx, Command{Kind: KindGet, Key: []byte("a")})
	require.NoError(t, err)
	require.True(t, resp.HasValue)
	require.Equal(t, []byte("1"), resp.Value)
}

func TestFinishCommandAppliesRollback(t *testing.T) {
	m, _ := newMachine()
	ctx := context.Background()
	require.NoError(t, m.Finish(ctx, txid.ID{Counter: 1, Node: "n1"}, false))
}
