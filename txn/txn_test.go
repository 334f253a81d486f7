package txn

import (
	"context"
	"errors"
	"sync"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/require"

	"github.com/gorelly/distkv/partition"
	"github.com/gorelly/distkv/txid"
	"github.com/gorelly/distkv/wire"
)

type recordingApplier struct {
	mu    sync.Mutex
	calls []struct {
		pid    partition.ID
		tx     txid.ID
		commit bool
	}
	failPid partition.ID
	fail    bool
}

func (a *recordingApplier) Finish(ctx context.Context, pid partition.ID, tx txid.ID, commit bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, struct {
		pid    partition.ID
		tx     txid.ID
		commit bool
	}{pid, tx, commit})
	if a.fail && pid == a.failPid {
		return errFinishFailed
	}
	return nil
}

var errFinishFailed = errors.New("finish failed")

type recordingRemote struct {
	mu    sync.Mutex
	sent  []wire.TxFinishRequest
	peers map[string]*Manager
}

func (r *recordingRemote) FinishRemote(ctx context.Context, address string, req wire.TxFinishRequest) error {
	r.mu.Lock()
	r.sent = append(r.sent, req)
	peer := r.peers[address]
	r.mu.Unlock()
	if peer == nil {
		return nil
	}
	return peer.ReceiveFinish(ctx, req)
}

func newTestManager(node string, applier *recordingApplier, remote *recordingRemote) *Manager {
	return NewManager(node, txid.NewGenerator(node), applier, remote, 64)
}

func TestBeginAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager("n1", &recordingApplier{}, &recordingRemote{})
	t1 := m.Begin()
	t2 := m.Begin()
	require.True(t, t1.ID().Less(t2.ID()))
	require.Equal(t, Pending, t1.State())
}

func TestCommitAppliesLocalPartitions(t *testing.T) {
	applier := &recordingApplier{}
	m := newTestManager("n1", applier, &recordingRemote{})
	tx := m.Begin()
	tx.Enlist("n1", partition.ID(1))
	tx.Enlist("n1", partition.ID(2))

	require.NoError(t, tx.Commit(context.Background()))
	require.Equal(t, Committed, tx.State())

	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Len(t, applier.calls, 2)
	for _, c := range applier.calls {
		require.True(t, c.commit)
		require.Equal(t, tx.ID(), c.tx)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	applier := &recordingApplier{}
	m := newTestManager("n1", applier, &recordingRemote{})
	tx := m.Begin()
	tx.Enlist("n1", partition.ID(1))

	require.NoError(t, tx.Commit(context.Background()))
	require.NoError(t, tx.Commit(context.Background()))
	require.NoError(t, tx.Rollback(context.Background()))

	applier.mu.Lock()
	defer applier.mu.Unlock()
	require.Len(t, applier.calls, 1, "second commit and the rollback must both be no-ops")
	require.Equal(t, Committed, tx.State())
}

func TestCommitFansOutToRemoteNode(t *testing.T) {
	applierLocal := &recordingApplier{}
	applierRemote := &recordingApplier{}
	remote := &recordingRemote{peers: make(map[string]*Manager)}

	local := newTestManager("n1", applierLocal, remote)
	peer := newTestManager("n2", applierRemote, &recordingRemote{})
	remote.peers["n2"] = peer

	tx := local.Begin()
	tx.Enlist("n1", partition.ID(1))
	tx.Enlist("n2", partition.ID(7))

	require.NoError(t, tx.Commit(context.Background()))

	remote.mu.Lock()
	require.Len(t, remote.sent, 1)
	require.True(t, remote.sent[0].Commit)
	require.True(t, remote.sent[0].Partitions.Contains(partition.ID(7)))
	remote.mu.Unlock()

	applierRemote.mu.Lock()
	require.Len(t, applierRemote.calls, 1)
	require.Equal(t, partition.ID(7), applierRemote.calls[0].pid)
	applierRemote.mu.Unlock()
}

func TestPartialFailureKeepsTerminalState(t *testing.T) {
	applier := &recordingApplier{fail: true, failPid: partition.ID(2)}
	m := newTestManager("n1", applier, &recordingRemote{})
	tx := m.Begin()
	tx.Enlist("n1", partition.ID(1))
	tx.Enlist("n1", partition.ID(2))

	err := tx.Commit(context.Background())
	require.Error(t, err)
	require.Equal(t, Committed, tx.State(), "state stays terminal even when a partition's finish fails")
}

func TestStateSurvivesRetentionWindowAfterCommit(t *testing.T) {
	applier := &recordingApplier{}
	m := newTestManager("n1", applier, &recordingRemote{})
	tx := m.Begin()
	require.NoError(t, tx.Commit(context.Background()))

	state, ok := m.State(tx.ID())
	require.True(t, ok)
	require.Equal(t, Committed, state)
}

func TestEnsurePendingRejectsAfterTerminalState(t *testing.T) {
	m := newTestManager("n1", &recordingApplier{}, &recordingRemote{})
	tx := m.Begin()
	require.NoError(t, tx.EnsurePending())

	require.NoError(t, tx.Commit(context.Background()))
	require.ErrorIs(t, tx.EnsurePending(), ErrTransactionAborted)
}

func TestEnlistReportsFirstTimeOnly(t *testing.T) {
	m := newTestManager("n1", &recordingApplier{}, &recordingRemote{})
	tx := m.Begin()
	require.True(t, tx.Enlist("n1", partition.ID(1)))
	require.False(t, tx.Enlist("n1", partition.ID(1)))
	require.True(t, tx.Enlist("n1", partition.ID(2)))
}

func TestReceiveFinishWithoutLocalBegin(t *testing.T) {
	applier := &recordingApplier{}
	m := newTestManager("n2", applier, &recordingRemote{})
	req := wire.NewTxFinishRequest(txid.ID{Counter: 9, Node: "n1"}, true, mapset.NewSet(partition.ID(3)))

	require.NoError(t, m.ReceiveFinish(context.Background(), req))
	state, ok := m.State(req.TxID)
	require.True(t, ok)
	require.Equal(t, Committed, state)
}
