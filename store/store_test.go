package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gorelly/distkv/lock"
	"github.com/gorelly/distkv/txid"
)

func newStore() *Store {
	return New(lock.NewManager(), txid.NewGenerator("n1"))
}

func TestImplicitUpsertThenGet(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v1"), txid.Zero))

	v, ok, err := s.Get(ctx, []byte("k"), txid.Zero)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestInsertFailsWhenCommittedPresent(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	inserted, err := s.Insert(ctx, []byte("k"), []byte("v1"), txid.Zero)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.Insert(ctx, []byte("k"), []byte("v2"), txid.Zero)
	require.NoError(t, err)
	require.False(t, inserted)

	v, ok, err := s.Get(ctx, []byte("k"), txid.Zero)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestReplaceRequiresExistingValue(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	replaced, err := s.Replace(ctx, []byte("k"), []byte("v1"), txid.Zero)
	require.NoError(t, err)
	require.False(t, replaced)

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v1"), txid.Zero))
	replaced, err = s.Replace(ctx, []byte("k"), []byte("v2"), txid.Zero)
	require.NoError(t, err)
	require.True(t, replaced)
}

func TestReplaceExactComparesCommittedValue(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v1"), txid.Zero))

	ok, err := s.ReplaceExact(ctx, []byte("k"), []byte("wrong"), []byte("v2"), txid.Zero)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ReplaceExact(ctx, []byte("k"), []byte("v1"), []byte("v2"), txid.Zero)
	require.NoError(t, err)
	require.True(t, ok)

	v, _, err := s.Get(ctx, []byte("k"), txid.Zero)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func TestDeleteAndDeleteExact(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v1"), txid.Zero))

	ok, err := s.DeleteExact(ctx, []byte("k"), []byte("nope"), txid.Zero)
	require.NoError(t, err)
	require.False(t, ok)

	existed, err := s.Delete(ctx, []byte("k"), txid.Zero)
	require.NoError(t, err)
	require.True(t, existed)

	_, ok, err = s.Get(ctx, []byte("k"), txid.Zero)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetAndReplaceReturnsPriorValue(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v1"), txid.Zero))

	prev, ok, err := s.GetAndReplace(ctx, []byte("k"), []byte("v2"), txid.Zero)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), prev)
}

func TestCommitReleasesReadOnlyLockOnUnwrittenKey(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	reader := txid.ID{Counter: 1, Node: "n1"}
	writer := txid.ID{Counter: 2, Node: "n1"}

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v1"), txid.Zero))

	_, _, err := s.Get(ctx, []byte("k"), reader)
	require.NoError(t, err)
	require.NoError(t, s.Commit(reader))

	// The read-only transaction never staged a write, so without
	// releasing its shared lock on commit this would block forever.
	done := make(chan error, 1)
	go func() { done <- s.Upsert(ctx, []byte("k"), []byte("v2"), writer) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer blocked on a read-only transaction's leaked shared lock")
	}
}

func TestExplicitTransactionIsolatesPendingWrite(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	tx1 := txid.ID{Counter: 1, Node: "n1"}

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("staged"), tx1))

	v, ok, err := s.Get(ctx, []byte("k"), tx1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("staged"), v)

	_, ok, err = s.Get(ctx, []byte("k"), txid.Zero)
	require.NoError(t, err)
	require.False(t, ok, "uncommitted write must not be visible to other transactions")

	require.NoError(t, s.Commit(tx1))

	v, ok, err = s.Get(ctx, []byte("k"), txid.Zero)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("staged"), v)
}

func TestRollbackDiscardsPendingWrite(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	tx1 := txid.ID{Counter: 1, Node: "n1"}

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v1"), txid.Zero))
	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("staged"), tx1))
	require.NoError(t, s.Rollback(tx1))

	v, ok, err := s.Get(ctx, []byte("k"), txid.Zero)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestCommitReleasesExclusiveLockAfterExplicitTxPreconditionFails(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	tx1 := txid.ID{Counter: 1, Node: "n1"}
	tx2 := txid.ID{Counter: 2, Node: "n1"}

	require.NoError(t, s.Upsert(ctx, []byte("k"), []byte("v1"), txid.Zero))

	// Insert's precondition (no committed value) fails under an explicit
	// tx: the exclusive lock is acquired to check it but nothing is
	// staged, so it must still show up as released once tx1 finishes.
	inserted, err := s.Insert(ctx, []byte("k"), []byte("v2"), tx1)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, s.Commit(tx1))

	done := make(chan error, 1)
	go func() { done <- s.Upsert(ctx, []byte("k"), []byte("v3"), tx2) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer blocked on a lock the failed explicit-tx Insert never released")
	}
	require.NoError(t, s.Commit(tx2))
}

func TestRollbackReleasesExclusiveLockAfterExplicitTxPreconditionFails(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	tx1 := txid.ID{Counter: 1, Node: "n1"}
	tx2 := txid.ID{Counter: 2, Node: "n1"}

	ok, err := s.ReplaceExact(ctx, []byte("k"), []byte("wrong"), []byte("v2"), tx1)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.Rollback(tx1))

	done := make(chan error, 1)
	go func() { done <- s.Upsert(ctx, []byte("k"), []byte("v3"), tx2) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer blocked on a lock the rolled-back explicit-tx ReplaceExact never released")
	}
	require.NoError(t, s.Commit(tx2))
}

func TestBatchOperationsPreserveInputOrder(t *testing.T) {
	s := newStore()
	ctx := context.Background()

	rows := []Row{
		{Key: []byte("z"), Value: []byte("1")},
		{Key: []byte("a"), Value: []byte("2")},
		{Key: []byte("m"), Value: []byte("3")},
	}
	require.NoError(t, s.UpsertAll(ctx, rows, txid.Zero))

	values, oks, err := s.GetAll(ctx, [][]byte{[]byte("z"), []byte("a"), []byte("m"), []byte("missing")}, txid.Zero)
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, true, false}, oks)
	require.Equal(t, []byte("1"), values[0])
	require.Equal(t, []byte("2"), values[1])
	require.Equal(t, []byte("3"), values[2])
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	tx1 := txid.ID{Counter: 1, Node: "n1"}

	require.NoError(t, s.Upsert(ctx, []byte("a"), []byte("1"), txid.Zero))
	require.NoError(t, s.Upsert(ctx, []byte("b"), []byte("2"), tx1))

	committed, pending := s.Snapshot()
	require.Len(t, committed, 1)
	require.Equal(t, []byte("a"), committed[0].Key)
	require.Len(t, pending[tx1], 1)

	restored := newStore()
	require.NoError(t, restored.Restore(ctx, committed, pending))

	v, ok, err := restored.Get(ctx, []byte("a"), txid.Zero)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	v, ok, err = restored.Get(ctx, []byte("b"), tx1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, restored.Commit(tx1))
	v, ok, err = restored.Get(ctx, []byte("b"), txid.Zero)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}
