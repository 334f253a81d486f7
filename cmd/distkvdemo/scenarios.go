package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorelly/distkv/config"
	"github.com/gorelly/distkv/lock"
	"github.com/gorelly/distkv/partition"
	"github.com/gorelly/distkv/router"
	"github.com/gorelly/distkv/store"
	"github.com/gorelly/distkv/txid"
	"github.com/gorelly/distkv/txn"
)

const demoNode = "127.0.0.1:7000"

// node bundles everything one table needs to run standalone: a txid
// generator, one partition.Machine per partition, a transaction
// manager, and the router in front of them. Every scenario builds its
// own node (or pair of nodes for the cross-partition scenario) so
// scenarios never share state.
type node struct {
	gen     *txid.Generator
	tables  map[string]*router.Table
	mgr     *txn.Manager
	machine map[string]map[partition.ID]*partition.Machine
}

// newNode builds a demo node hosting tables, whose partition counts come
// from cfg's per-table configuration surface (falling back to the
// package default when a table has no explicit entry).
func newNode(cfg config.Config, tableNames ...string) *node {
	gen := txid.NewGenerator(demoNode)
	n := &node{gen: gen, tables: map[string]*router.Table{}, machine: map[string]map[partition.ID]*partition.Machine{}}

	allMachines := map[partition.ID]*partition.Machine{}
	for _, name := range tableNames {
		numPartitions := cfg.TableConfig(name).PartitionCount
		machines := make(map[partition.ID]*partition.Machine, numPartitions)
		for i := uint32(0); i < numPartitions; i++ {
			pid := partition.ID(i)
			st := store.New(lock.NewManager(), gen)
			m := partition.NewMachine(pid, st, gen)
			machines[pid] = m
			allMachines[pid] = m
		}
		n.machine[name] = machines
		leaderOf := func(partition.ID) string { return demoNode }
		n.tables[name] = router.NewTable(demoNode, numPartitions, machines, leaderOf, nil)
	}

	n.mgr = txn.NewManager(demoNode, gen, nodeApplier{machine: allMachines}, nil, 256)
	return n
}

// singlePartition returns a table config pinned to exactly one
// partition, used by scenarios that want every key to land together.
func singlePartition() config.Config {
	cfg := config.Default()
	cfg.Tables = map[string]config.TableConfig{
		"accounts": {PartitionCount: 1, ReplicationFactor: 1, AffinityColumns: []string{"key"}},
		"counters": {PartitionCount: 1, ReplicationFactor: 1, AffinityColumns: []string{"key"}},
		"A":        {PartitionCount: 1, ReplicationFactor: 1, AffinityColumns: []string{"key"}},
		"B":        {PartitionCount: 1, ReplicationFactor: 1, AffinityColumns: []string{"key"}},
	}
	return cfg
}

// nodeApplier implements txn.LocalApplier by dispatching straight to
// the owning partition.Machine; every partition in these scenarios
// lives on the single demo node.
type nodeApplier struct {
	machine map[partition.ID]*partition.Machine
}

func (a nodeApplier) Finish(ctx context.Context, pid partition.ID, tx txid.ID, commit bool) error {
	m, ok := a.machine[pid]
	if !ok {
		return fmt.Errorf("distkvdemo: no machine for partition %v", pid)
	}
	return m.Finish(ctx, tx, commit)
}

func requireEqual(label string, got, want any) error {
	if fmt.Sprint(got) != fmt.Sprint(want) {
		return fmt.Errorf("%s: got %v, want %v", label, got, want)
	}
	return nil
}

// scenarioSingleKeyCommit covers spec scenario 1.
func scenarioSingleKeyCommit() error {
	n := newNode(singlePartition(), "accounts")
	ctx := context.Background()
	tbl := n.tables["accounts"]

	if err := tbl.Upsert(ctx, []byte("1"), []byte("100"), nil); err != nil {
		return err
	}

	tx := n.mgr.Begin()
	bound := tbl.Wrap(tx)
	v, ok, err := bound.Get(ctx, []byte("1"))
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("initial value: key 1 not found")
	}
	if err := requireEqual("initial value", string(v), "100"); err != nil {
		return err
	}
	if err := bound.Upsert(ctx, []byte("1"), []byte("200")); err != nil {
		return err
	}
	if err := n.mgr.Commit(ctx, tx); err != nil {
		return err
	}

	v, _, err = tbl.Get(ctx, []byte("1"), nil)
	if err != nil {
		return err
	}
	if err := requireEqual("post-commit value", string(v), "200"); err != nil {
		return err
	}
	state, _ := n.mgr.State(tx.ID())
	return requireEqual("tx state", state, txn.Committed)
}

// scenarioSingleKeyAbort covers spec scenario 2.
func scenarioSingleKeyAbort() error {
	n := newNode(singlePartition(), "accounts")
	ctx := context.Background()
	tbl := n.tables["accounts"]

	if err := tbl.Upsert(ctx, []byte("1"), []byte("100"), nil); err != nil {
		return err
	}

	tx := n.mgr.Begin()
	bound := tbl.Wrap(tx)
	if err := bound.Upsert(ctx, []byte("1"), []byte("200")); err != nil {
		return err
	}
	if err := n.mgr.Rollback(ctx, tx); err != nil {
		return err
	}

	v, _, err := tbl.Get(ctx, []byte("1"), nil)
	if err != nil {
		return err
	}
	if err := requireEqual("post-rollback value", string(v), "100"); err != nil {
		return err
	}
	state, _ := n.mgr.State(tx.ID())
	return requireEqual("tx state", state, txn.Aborted)
}

// scenarioConcurrentIncrement covers spec scenario 3: of two concurrent
// read-modify-write transactions on the same key, the older one is
// wounded by the younger's held shared lock.
func scenarioConcurrentIncrement() error {
	n := newNode(singlePartition(), "counters")
	ctx := context.Background()
	tbl := n.tables["counters"]

	if err := tbl.Upsert(ctx, []byte("1"), []byte("100"), nil); err != nil {
		return err
	}

	older := n.mgr.Begin() // minted first: the wound-wait "old" transaction
	younger := n.mgr.Begin()

	olderView, youngerView := tbl.Wrap(older), tbl.Wrap(younger)
	if _, _, err := olderView.Get(ctx, []byte("1")); err != nil {
		return err
	}
	if _, _, err := youngerView.Get(ctx, []byte("1")); err != nil {
		return err
	}

	var conflict *lock.ConflictError
	err := olderView.Upsert(ctx, []byte("1"), []byte("101"))
	if err == nil {
		return errors.New("older transaction's upsert should have failed with LockConflict")
	}
	if !errors.As(err, &conflict) {
		return fmt.Errorf("expected a lock conflict, got: %w", err)
	}
	if err := n.mgr.Rollback(ctx, older); err != nil {
		return err
	}

	if err := youngerView.Upsert(ctx, []byte("1"), []byte("101")); err != nil {
		return err
	}
	if err := n.mgr.Commit(ctx, younger); err != nil {
		return err
	}

	v, _, err := tbl.Get(ctx, []byte("1"), nil)
	if err != nil {
		return err
	}
	return requireEqual("final value", string(v), "101")
}

// scenarioCrossPartitionCommit covers spec scenario 4: a transaction
// touching two different tables commits atomically across both.
func scenarioCrossPartitionCommit() error {
	n := newNode(singlePartition(), "A", "B")
	ctx := context.Background()
	tableA, tableB := n.tables["A"], n.tables["B"]

	if err := tableA.Upsert(ctx, []byte("1"), []byte("500"), nil); err != nil {
		return err
	}
	if err := tableB.Upsert(ctx, []byte("1"), []byte("500"), nil); err != nil {
		return err
	}

	tx := n.mgr.Begin()
	boundA, boundB := tableA.Wrap(tx), tableB.Wrap(tx)
	if _, _, err := boundA.Get(ctx, []byte("1")); err != nil {
		return err
	}
	if _, _, err := boundB.Get(ctx, []byte("1")); err != nil {
		return err
	}
	if err := boundA.Upsert(ctx, []byte("1"), []byte("400")); err != nil {
		return err
	}
	if err := boundB.Upsert(ctx, []byte("1"), []byte("600")); err != nil {
		return err
	}
	if err := n.mgr.Commit(ctx, tx); err != nil {
		return err
	}

	va, _, err := tableA.Get(ctx, []byte("1"), nil)
	if err != nil {
		return err
	}
	vb, _, err := tableB.Get(ctx, []byte("1"), nil)
	if err != nil {
		return err
	}
	if err := requireEqual("A:1", string(va), "400"); err != nil {
		return err
	}
	if err := requireEqual("B:1", string(vb), "600"); err != nil {
		return err
	}
	return nil
}

// scenarioInsertSemantics covers spec scenario 5.
func scenarioInsertSemantics() error {
	n := newNode(singlePartition(), "accounts")
	ctx := context.Background()
	tbl := n.tables["accounts"]

	tx := n.mgr.Begin()
	bound := tbl.Wrap(tx)

	first, err := bound.Insert(ctx, []byte("2"), []byte("200"))
	if err != nil {
		return err
	}
	if err := requireEqual("first insert", first, true); err != nil {
		return err
	}

	second, err := bound.Insert(ctx, []byte("2"), []byte("201"))
	if err != nil {
		return err
	}
	if err := requireEqual("second insert", second, false); err != nil {
		return err
	}

	if err := n.mgr.Commit(ctx, tx); err != nil {
		return err
	}
	v, _, err := tbl.Get(ctx, []byte("2"), nil)
	if err != nil {
		return err
	}
	return requireEqual("post-commit value", string(v), "200")
}

// scenarioUpgradeInvalidation covers spec scenario 6: a younger
// transaction's shared-to-exclusive upgrade invalidates with
// LockConflict while an older transaction's upgrade request is
// outstanding, and the older upgrade grants once the younger releases.
func scenarioUpgradeInvalidation() error {
	n := newNode(singlePartition(), "accounts")
	ctx := context.Background()
	tbl := n.tables["accounts"]
	if err := tbl.Upsert(ctx, []byte("1"), []byte("0"), nil); err != nil {
		return err
	}

	older := n.mgr.Begin()
	younger := n.mgr.Begin()
	olderView, youngerView := tbl.Wrap(older), tbl.Wrap(younger)

	if _, _, err := olderView.Get(ctx, []byte("1")); err != nil {
		return err
	}
	if _, _, err := youngerView.Get(ctx, []byte("1")); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var olderUpgradeErr, youngerUpgradeErr error
	wg.Add(2)

	go func() {
		defer wg.Done()
		youngerUpgradeErr = youngerView.Upsert(ctx, []byte("1"), []byte("2"))
	}()
	time.Sleep(20 * time.Millisecond) // let the younger upgrade request queue first

	go func() {
		defer wg.Done()
		olderUpgradeErr = olderView.Upsert(ctx, []byte("1"), []byte("1"))
	}()
	wg.Wait()

	var conflict *lock.ConflictError
	if youngerUpgradeErr == nil || !errors.As(youngerUpgradeErr, &conflict) {
		return fmt.Errorf("younger upgrade should have been invalidated with LockConflict, got: %v", youngerUpgradeErr)
	}
	if olderUpgradeErr != nil {
		return fmt.Errorf("older upgrade should eventually grant, got: %w", olderUpgradeErr)
	}

	if err := n.mgr.Rollback(ctx, younger); err != nil {
		return err
	}
	return n.mgr.Commit(ctx, older)
}
