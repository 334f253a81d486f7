// Package router implements the internal table / partition router (C5):
// it maps a row to its partition by affinity hash, submits commands to
// the partition's consensus group (locally or over the wire), enlists
// the responsible node/partition into the acting transaction, and joins
// per-partition futures in input order.
//
// Follows a Table wrapping a UniqueIndex that dispatches
// Insert/Update/Delete by primary key, regrown from a single in-process
// B+tree index into a hash-partitioned router that may fan a batch out
// across many partitions, some remote.
package router

import (
	"context"
	"errors"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gorelly/distkv/partition"
	"github.com/gorelly/distkv/store"
	"github.com/gorelly/distkv/txid"
	"github.com/gorelly/distkv/txn"
	"github.com/gorelly/distkv/wire"
)

// errDecodeCommandPayload is returned when a CommandRequest's Payload
// isn't the partition.Command this node expects to find there.
var errDecodeCommandPayload = errors.New("router: command request payload is not a partition.Command")

// RemoteDispatcher submits a command to a partition hosted on another
// node and returns its typed response.
type RemoteDispatcher interface {
	Submit(ctx context.Context, address string, req wire.CommandRequest) (wire.CommandResponse, error)
}

// PartitionOf returns the deterministic partition id for an affinity
// key, using xxhash the way the rest of the retrieved pack does for
// non-cryptographic, high-throughput hashing.
func PartitionOf(affinityKey []byte, numPartitions uint32) partition.ID {
	return partition.ID(xxhash.Sum64(affinityKey) % uint64(numPartitions))
}

// Table is the client-facing view over one logical, partitioned table.
type Table struct {
	numPartitions uint32
	nodeAddress   string
	local         map[partition.ID]*partition.Machine
	leaderOf      func(pid partition.ID) string
	remote        RemoteDispatcher
}

// NewTable returns a router for a table split into numPartitions
// partitions. leaderOf resolves a partition id to the address of the
// node currently leading its consensus group; local holds the
// partition.Machine for every partition this node itself leads.
func NewTable(nodeAddress string, numPartitions uint32, local map[partition.ID]*partition.Machine, leaderOf func(partition.ID) string, remote RemoteDispatcher) *Table {
	return &Table{
		numPartitions: numPartitions,
		nodeAddress:   nodeAddress,
		local:         local,
		leaderOf:      leaderOf,
		remote:        remote,
	}
}

// BoundTable is a Table view bound to one transaction: every operation
// it performs implicitly carries tx, the syntactic sugar TxContext.wrap
// / wrap_async provide over threading tx through every call.
type BoundTable struct {
	t  *Table
	tx *txn.TxContext
}

// Wrap returns a view of t bound to tx; every method called on the
// returned BoundTable runs under tx instead of an implicit one-shot
// transaction.
func (t *Table) Wrap(tx *txn.TxContext) *BoundTable {
	return &BoundTable{t: t, tx: tx}
}

func (t *Table) enlist(tx *txn.TxContext, pid partition.ID) {
	if tx == nil {
		return
	}
	address := t.leaderOf(pid)
	tx.Enlist(address, pid)
}

func (t *Table) txID(tx *txn.TxContext) txid.ID {
	if tx == nil {
		return txid.Zero
	}
	return tx.ID()
}

func (t *Table) submit(ctx context.Context, tx *txn.TxContext, pid partition.ID, cmd partition.Command) (partition.Response, error) {
	if tx != nil {
		if err := tx.EnsurePending(); err != nil {
			return partition.Response{}, err
		}
	}
	t.enlist(tx, pid)
	address := t.leaderOf(pid)
	if address == t.nodeAddress {
		if m, ok := t.local[pid]; ok {
			return m.Submit(ctx, cmd)
		}
	}
	return t.submitRemote(ctx, address, pid, cmd)
}

func (t *Table) submitRemote(ctx context.Context, address string, pid partition.ID, cmd partition.Command) (partition.Response, error) {
	op, payload := encodeCommand(cmd)
	req := wire.NewCommandRequest(cmd.TxID, pid, op, payload)
	resp, err := t.remote.Submit(ctx, address, req)
	if err != nil {
		return partition.Response{}, err
	}
	return decodeResponse(resp), nil
}

func encodeCommand(cmd partition.Command) (wire.OpTag, any) {
	tag := map[partition.Kind]wire.OpTag{
		partition.KindGet: wire.OpGet, partition.KindGetAll: wire.OpGetAll,
		partition.KindInsert: wire.OpInsert, partition.KindUpsert: wire.OpUpsert,
		partition.KindReplace: wire.OpReplaceExact, partition.KindReplaceIfExists: wire.OpReplace,
		partition.KindDelete: wire.OpDelete, partition.KindDeleteExact: wire.OpDeleteExact,
		partition.KindGetAndDelete: wire.OpGetAndDelete, partition.KindGetAndReplace: wire.OpGetAndReplace,
		partition.KindGetAndUpsert: wire.OpGetAndUpsert, partition.KindInsertAll: wire.OpInsertAll,
		partition.KindUpsertAll: wire.OpUpsertAll, partition.KindDeleteAll: wire.OpDeleteAll,
		partition.KindDeleteExactAll: wire.OpDeleteExactAll,
	}[cmd.Kind]
	return tag, cmd
}

func decodeResponse(resp wire.CommandResponse) partition.Response {
	return partition.Response{Value: resp.Value, HasValue: resp.HasValue, Values: resp.Values, HasAny: resp.HasAny, Bool: resp.Bool, Bools: resp.Bools}
}

// DecodeCommand reconstructs the partition.Command a CommandRequest was
// built from. A concrete RemoteDispatcher's server side uses this to
// turn a wire request back into something a local Machine can Submit.
func DecodeCommand(req wire.CommandRequest) (partition.Command, error) {
	cmd, ok := req.Payload.(partition.Command)
	if !ok {
		return partition.Command{}, errDecodeCommandPayload
	}
	cmd.TxID = req.TxID
	return cmd, nil
}

// EncodeResponse builds the wire envelope for a Machine's Response.
func EncodeResponse(requestID uuid.UUID, resp partition.Response, err error) wire.CommandResponse {
	out := wire.CommandResponse{
		RequestID: requestID,
		Value:     resp.Value, HasValue: resp.HasValue,
		Values: resp.Values, HasAny: resp.HasAny,
		Bool: resp.Bool, Bools: resp.Bools,
	}
	if err != nil {
		out.Err = err.Error()
	}
	return out
}

// Get reads key under tx's isolation (tx may be nil for an implicit,
// single-call transaction).
func (t *Table) Get(ctx context.Context, key []byte, tx *txn.TxContext) ([]byte, bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindGet, TxID: t.txID(tx), Key: key})
	return resp.Value, resp.HasValue, err
}

// Upsert stages value for key unconditionally.
func (t *Table) Upsert(ctx context.Context, key, value []byte, tx *txn.TxContext) error {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	_, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindUpsert, TxID: txID, Implicit: implicit, Key: key, Value: value})
	return err
}

// Insert stages value iff key has no value visible to tx (its own staged
// write, else the committed value).
func (t *Table) Insert(ctx context.Context, key, value []byte, tx *txn.TxContext) (bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindInsert, TxID: txID, Implicit: implicit, Key: key, Value: value})
	return resp.Bool, err
}

// Replace stages value iff a committed value is present for key.
func (t *Table) Replace(ctx context.Context, key, value []byte, tx *txn.TxContext) (bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindReplaceIfExists, TxID: txID, Implicit: implicit, Key: key, Value: value})
	return resp.Bool, err
}

// ReplaceExact stages newValue iff the committed value equals old.
func (t *Table) ReplaceExact(ctx context.Context, key, old, newValue []byte, tx *txn.TxContext) (bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindReplace, TxID: txID, Implicit: implicit, Key: key, OldValue: old, Value: newValue})
	return resp.Bool, err
}

// Delete stages a tombstone for key.
func (t *Table) Delete(ctx context.Context, key []byte, tx *txn.TxContext) (bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindDelete, TxID: txID, Implicit: implicit, Key: key})
	return resp.Bool, err
}

// DeleteExact stages a tombstone iff the committed value equals value.
func (t *Table) DeleteExact(ctx context.Context, key, value []byte, tx *txn.TxContext) (bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindDeleteExact, TxID: txID, Implicit: implicit, Key: key, Value: value})
	return resp.Bool, err
}

// GetAndUpsert returns the prior value and stages the new one atomically.
func (t *Table) GetAndUpsert(ctx context.Context, key, value []byte, tx *txn.TxContext) ([]byte, bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindGetAndUpsert, TxID: txID, Implicit: implicit, Key: key, Value: value})
	return resp.Value, resp.HasValue, err
}

// GetAndReplace returns the prior value and stages the new one iff a
// committed value was present.
func (t *Table) GetAndReplace(ctx context.Context, key, value []byte, tx *txn.TxContext) ([]byte, bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindGetAndReplace, TxID: txID, Implicit: implicit, Key: key, Value: value})
	return resp.Value, resp.HasValue, err
}

// GetAndDelete returns the prior value and stages a tombstone.
func (t *Table) GetAndDelete(ctx context.Context, key []byte, tx *txn.TxContext) ([]byte, bool, error) {
	pid := PartitionOf(key, t.numPartitions)
	implicit, txID := t.implicitID(ctx, pid, tx)
	resp, err := t.submit(ctx, tx, pid, partition.Command{Kind: partition.KindGetAndDelete, TxID: txID, Implicit: implicit, Key: key})
	return resp.Value, resp.HasValue, err
}

// implicitID decides whether this single call needs its own freshly
// minted, deterministic TxID (tx == nil) or should ride the caller's
// explicit transaction.
func (t *Table) implicitID(ctx context.Context, pid partition.ID, tx *txn.TxContext) (implicit bool, id txid.ID) {
	if tx != nil {
		return false, tx.ID()
	}
	if m, ok := t.local[pid]; ok {
		return true, m.BeginImplicit()
	}
	// Remote partition: the leader mints the implicit id on its side: we
	// submit with the zero id and Implicit unset so the remote applier
	// falls back to its own store-level implicit-tx handling.
	return false, txid.Zero
}

func groupByPartition(keys [][]byte, numPartitions uint32) map[partition.ID][]int {
	groups := make(map[partition.ID][]int)
	for i, k := range keys {
		pid := PartitionOf(k, numPartitions)
		groups[pid] = append(groups[pid], i)
	}
	return groups
}

func sortedPartitions(groups map[partition.ID][]int) []partition.ID {
	ids := make([]partition.ID, 0, len(groups))
	for pid := range groups {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

// GetAll reads every key under tx's isolation, grouping by partition and
// issuing one command per partition in parallel; results are combined
// in the caller's input order.
func (t *Table) GetAll(ctx context.Context, keys [][]byte, tx *txn.TxContext) ([][]byte, []bool, error) {
	groups := groupByPartition(keys, t.numPartitions)
	values := make([][]byte, len(keys))
	oks := make([]bool, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range sortedPartitions(groups) {
		pid, idxs := pid, groups[pid]
		g.Go(func() error {
			sub := make([][]byte, len(idxs))
			for j, i := range idxs {
				sub[j] = keys[i]
			}
			resp, err := t.submit(gctx, tx, pid, partition.Command{Kind: partition.KindGetAll, TxID: t.txID(tx), Keys: sub})
			if err != nil {
				return err
			}
			for j, i := range idxs {
				values[i], oks[i] = resp.Values[j], resp.HasAny[j]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return values, oks, nil
}

func (t *Table) writeAll(ctx context.Context, rows []store.Row, tx *txn.TxContext, build func(pid partition.ID, sub []store.Row, implicit bool, txID txid.ID) partition.Command, collect func(idxs []int, resp partition.Response, results []bool)) ([]bool, error) {
	keys := make([][]byte, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	groups := groupByPartition(keys, t.numPartitions)
	results := make([]bool, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range sortedPartitions(groups) {
		pid, idxs := pid, groups[pid]
		g.Go(func() error {
			sub := make([]store.Row, len(idxs))
			for j, i := range idxs {
				sub[j] = rows[i]
			}
			implicit, txID := t.implicitID(gctx, pid, tx)
			cmd := build(pid, sub, implicit, txID)
			resp, err := t.submit(gctx, tx, pid, cmd)
			if err != nil {
				return err
			}
			if collect != nil {
				collect(idxs, resp, results)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// UpsertAll stages every row, grouped and dispatched by partition in
// parallel.
func (t *Table) UpsertAll(ctx context.Context, rows []store.Row, tx *txn.TxContext) error {
	_, err := t.writeAll(ctx, rows, tx, func(pid partition.ID, sub []store.Row, implicit bool, txID txid.ID) partition.Command {
		return partition.Command{Kind: partition.KindUpsertAll, TxID: txID, Implicit: implicit, Rows: sub}
	}, nil)
	return err
}

// InsertAll stages rows whose key has no value visible to tx yet, grouped
// and dispatched by partition in parallel, reporting which rows were
// inserted in input order.
func (t *Table) InsertAll(ctx context.Context, rows []store.Row, tx *txn.TxContext) ([]bool, error) {
	return t.writeAll(ctx, rows, tx, func(pid partition.ID, sub []store.Row, implicit bool, txID txid.ID) partition.Command {
		return partition.Command{Kind: partition.KindInsertAll, TxID: txID, Implicit: implicit, Rows: sub}
	}, func(idxs []int, resp partition.Response, results []bool) {
		for j, i := range idxs {
			results[i] = resp.Bools[j]
		}
	})
}

// DeleteAll stages tombstones for every key, grouped and dispatched by
// partition in parallel.
func (t *Table) DeleteAll(ctx context.Context, keys [][]byte, tx *txn.TxContext) ([]bool, error) {
	rows := make([]store.Row, len(keys))
	for i, k := range keys {
		rows[i] = store.Row{Key: k}
	}
	return t.writeAll(ctx, rows, tx, func(pid partition.ID, sub []store.Row, implicit bool, txID txid.ID) partition.Command {
		subKeys := make([][]byte, len(sub))
		for i, r := range sub {
			subKeys[i] = r.Key
		}
		return partition.Command{Kind: partition.KindDeleteAll, TxID: txID, Implicit: implicit, Keys: subKeys}
	}, func(idxs []int, resp partition.Response, results []bool) {
		for j, i := range idxs {
			results[i] = resp.Bools[j]
		}
	})
}

// DeleteExactAll stages tombstones for rows whose committed value
// matches exactly, grouped and dispatched by partition in parallel.
func (t *Table) DeleteExactAll(ctx context.Context, rows []store.Row, tx *txn.TxContext) ([]bool, error) {
	return t.writeAll(ctx, rows, tx, func(pid partition.ID, sub []store.Row, implicit bool, txID txid.ID) partition.Command {
		return partition.Command{Kind: partition.KindDeleteExactAll, TxID: txID, Implicit: implicit, Rows: sub}
	}, func(idxs []int, resp partition.Response, results []bool) {
		for j, i := range idxs {
			results[i] = resp.Bools[j]
		}
	})
}

// Wrapped forwarding methods: BoundTable threads its bound tx into
// every call, the realisation of TxContext.wrap.

func (b *BoundTable) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return b.t.Get(ctx, key, b.tx)
}
func (b *BoundTable) Upsert(ctx context.Context, key, value []byte) error {
	return b.t.Upsert(ctx, key, value, b.tx)
}
func (b *BoundTable) Insert(ctx context.Context, key, value []byte) (bool, error) {
	return b.t.Insert(ctx, key, value, b.tx)
}
func (b *BoundTable) Replace(ctx context.Context, key, value []byte) (bool, error) {
	return b.t.Replace(ctx, key, value, b.tx)
}
func (b *BoundTable) ReplaceExact(ctx context.Context, key, old, newValue []byte) (bool, error) {
	return b.t.ReplaceExact(ctx, key, old, newValue, b.tx)
}
func (b *BoundTable) Delete(ctx context.Context, key []byte) (bool, error) {
	return b.t.Delete(ctx, key, b.tx)
}
func (b *BoundTable) DeleteExact(ctx context.Context, key, value []byte) (bool, error) {
	return b.t.DeleteExact(ctx, key, value, b.tx)
}
func (b *BoundTable) GetAndUpsert(ctx context.Context, key, value []byte) ([]byte, bool, error) {
	return b.t.GetAndUpsert(ctx, key, value, b.tx)
}
func (b *BoundTable) GetAndReplace(ctx context.Context, key, value []byte) ([]byte, bool, error) {
	return b.t.GetAndReplace(ctx, key, value, b.tx)
}
func (b *BoundTable) GetAndDelete(ctx context.Context, key []byte) ([]byte, bool, error) {
	return b.t.GetAndDelete(ctx, key, b.tx)
}
func (b *BoundTable) GetAll(ctx context.Context, keys [][]byte) ([][]byte, []bool, error) {
	return b.t.GetAll(ctx, keys, b.tx)
}
func (b *BoundTable) UpsertAll(ctx context.Context, rows []store.Row) error {
	return b.t.UpsertAll(ctx, rows, b.tx)
}
func (b *BoundTable) InsertAll(ctx context.Context, rows []store.Row) ([]bool, error) {
	return b.t.InsertAll(ctx, rows, b.tx)
}
func (b *BoundTable) DeleteAll(ctx context.Context, keys [][]byte) ([]bool, error) {
	return b.t.DeleteAll(ctx, keys, b.tx)
}
func (b *BoundTable) DeleteExactAll(ctx context.Context, rows []store.Row) ([]bool, error) {
	return b.t.DeleteExactAll(ctx, rows, b.tx)
}
