// Package store implements the versioned row store (C2): per-key slots
// holding a committed value and an uncommitted, per-transaction pending
// value, isolated by the lock manager (C1).
//
// Follows an Insert-iff-absent / Update / Delete primary-key surface,
// regrown from a B+tree-backed tuple store into a plain concurrent
// key/value map with staged writes, since schema/tuple marshalling and
// the B+tree paging layer are out of scope here and keys and values are
// treated as opaque byte sequences.
package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gorelly/distkv/lock"
	"github.com/gorelly/distkv/txid"
)

// Row is a key/value pair used by the batch operations.
type Row struct {
	Key   []byte
	Value []byte
}

// rowData is the immutable snapshot stored behind each key's atomic
// pointer. A new rowData is built and swapped in under the key's
// exclusive lock, so readers holding only a shared lock never observe a
// half-written update.
type rowData struct {
	hasCommitted bool
	committed    []byte

	hasPending      bool
	pendingHasValue bool
	pendingValue    []byte
	pendingWriter   txid.ID
}

// Store is the versioned row store for one partition.
type Store struct {
	locks *lock.Manager
	gen   *txid.Generator

	mu   sync.Mutex
	rows map[string]*atomic.Pointer[rowData]

	stagedMu sync.Mutex
	staged   map[txid.ID]map[string]struct{}

	// heldMu/held tracks every key an explicit (non-zero tx) write op has
	// exclusively locked, whether or not it ended up staging a write: a
	// precondition miss (Insert on an existing key, ReplaceExact against
	// the wrong old value, ...) still leaves the lock acquired and must
	// still be released by Commit/Rollback. held is always a superset of
	// staged for the same tx.
	heldMu sync.Mutex
	held   map[txid.ID]map[string]struct{}

	readsMu sync.Mutex
	reads   map[txid.ID]map[string]struct{}
}

// New returns an empty row store backed by locks, minting implicit
// transaction ids from gen.
func New(locks *lock.Manager, gen *txid.Generator) *Store {
	return &Store{
		locks:  locks,
		gen:    gen,
		rows:   make(map[string]*atomic.Pointer[rowData]),
		staged: make(map[txid.ID]map[string]struct{}),
		held:   make(map[txid.ID]map[string]struct{}),
		reads:  make(map[txid.ID]map[string]struct{}),
	}
}

func (s *Store) slotFor(key string) *atomic.Pointer[rowData] {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[key]
	if !ok {
		p = &atomic.Pointer[rowData]{}
		s.rows[key] = p
	}
	return p
}

func (s *Store) load(key string) *rowData {
	p := s.slotFor(key)
	if d := p.Load(); d != nil {
		return d
	}
	return &rowData{}
}

func (s *Store) trackStaged(tx txid.ID, key string) {
	s.stagedMu.Lock()
	defer s.stagedMu.Unlock()
	set, ok := s.staged[tx]
	if !ok {
		set = make(map[string]struct{})
		s.staged[tx] = set
	}
	set[key] = struct{}{}
}

// StagedKeys returns the keys this transaction currently has pending
// writes on.
func (s *Store) StagedKeys(tx txid.ID) [][]byte {
	s.stagedMu.Lock()
	defer s.stagedMu.Unlock()
	set := s.staged[tx]
	out := make([][]byte, 0, len(set))
	for k := range set {
		out = append(out, []byte(k))
	}
	return out
}

func (s *Store) popStaged(tx txid.ID) []string {
	s.stagedMu.Lock()
	defer s.stagedMu.Unlock()
	set := s.staged[tx]
	delete(s.staged, tx)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// trackHeld remembers that tx exclusively locked key, independent of
// whether it went on to stage a write there.
func (s *Store) trackHeld(tx txid.ID, key string) {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	set, ok := s.held[tx]
	if !ok {
		set = make(map[string]struct{})
		s.held[tx] = set
	}
	set[key] = struct{}{}
}

func (s *Store) popHeld(tx txid.ID) []string {
	s.heldMu.Lock()
	defer s.heldMu.Unlock()
	set := s.held[tx]
	delete(s.held, tx)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// trackRead remembers that tx holds a shared lock on key outside an
// implicit, single-call read, so Commit/Rollback can release it even if
// tx never stages a write to key.
func (s *Store) trackRead(tx txid.ID, key string) {
	s.readsMu.Lock()
	defer s.readsMu.Unlock()
	set, ok := s.reads[tx]
	if !ok {
		set = make(map[string]struct{})
		s.reads[tx] = set
	}
	set[key] = struct{}{}
}

func (s *Store) popReads(tx txid.ID) []string {
	s.readsMu.Lock()
	defer s.readsMu.Unlock()
	set := s.reads[tx]
	delete(s.reads, tx)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Commit promotes every key tx has staged a pending write on into its
// committed value (a pending delete erases the committed entry), clears
// the pending slot, and releases the exclusive lock tx holds on every
// key it exclusively locked — whether or not a write ended up staged
// there, so a precondition miss never leaks the lock.
func (s *Store) Commit(tx txid.ID) error {
	for _, k := range s.popStaged(tx) {
		p := s.slotFor(k)
		cur := p.Load()
		if cur != nil && cur.hasPending && cur.pendingWriter == tx {
			next := &rowData{}
			if cur.pendingHasValue {
				next.hasCommitted = true
				next.committed = cur.pendingValue
			}
			p.Store(next)
		}
	}
	return s.releaseExclusiveAndReadLocks(tx)
}

// releaseExclusiveAndReadLocks releases every exclusive lock tx holds
// (recorded in held, a superset of staged) and then the shared lock on
// every key tx merely read, skipping keys whose lock was already
// dropped as exclusive.
func (s *Store) releaseExclusiveAndReadLocks(tx txid.ID) error {
	written := make(map[string]struct{})
	for _, k := range s.popHeld(tx) {
		written[k] = struct{}{}
		if err := s.locks.ReleaseExclusive([]byte(k), tx); err != nil {
			return err
		}
	}
	return s.releaseReadOnlyLocks(tx, written)
}

// releaseReadOnlyLocks drops the shared lock tx holds on every key it
// read but never staged a write to; written keys already had their
// (upgraded, exclusive) lock released by the caller.
func (s *Store) releaseReadOnlyLocks(tx txid.ID, written map[string]struct{}) error {
	for _, k := range s.popReads(tx) {
		if _, ok := written[k]; ok {
			continue
		}
		if err := s.locks.ReleaseShared([]byte(k), tx); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards every pending write tx has staged and releases the
// exclusive lock tx holds on every key it exclusively locked, whether
// or not a write ended up staged there.
func (s *Store) Rollback(tx txid.ID) error {
	for _, k := range s.popStaged(tx) {
		p := s.slotFor(k)
		cur := p.Load()
		if cur != nil && cur.hasPending && cur.pendingWriter == tx {
			p.Store(&rowData{hasCommitted: cur.hasCommitted, committed: cur.committed})
		}
	}
	return s.releaseExclusiveAndReadLocks(tx)
}

// finishImplicit completes an implicit, single-call transaction: if the
// call staged a write, it commits or rolls that write back; in every
// case it then releases the exclusive lock it took on the key (implicit
// calls are not recorded in held, so Commit/Rollback do not release it).
func (s *Store) finishImplicit(key []byte, tx txid.ID, staged, commit bool) error {
	if staged {
		var err error
		if commit {
			err = s.Commit(tx)
		} else {
			err = s.Rollback(tx)
		}
		if err != nil {
			return err
		}
	}
	return s.locks.ReleaseExclusive(key, tx)
}

func (s *Store) beginIfImplicit(tx txid.ID) (active txid.ID, implicit bool) {
	if tx.IsZero() {
		return s.gen.Next(), true
	}
	return tx, false
}

// Get reads key under tx's isolation: a tx that staged a pending write
// on key sees its own pending value (or absence, for a pending delete);
// every other reader sees the committed value. A zero tx reads the
// committed value without taking a lock.
func (s *Store) Get(ctx context.Context, key []byte, tx txid.ID) ([]byte, bool, error) {
	if tx.IsZero() {
		cur := s.load(string(key))
		return cur.committed, cur.hasCommitted, nil
	}
	if err := s.locks.AcquireShared(ctx, key, tx); err != nil {
		return nil, false, err
	}
	s.trackRead(tx, string(key))
	return s.readUnder(key, tx), s.readOK(key, tx), nil
}

func (s *Store) readUnder(key []byte, tx txid.ID) []byte {
	v, _ := s.readPair(key, tx)
	return v
}

func (s *Store) readOK(key []byte, tx txid.ID) bool {
	_, ok := s.readPair(key, tx)
	return ok
}

func (s *Store) readPair(key []byte, tx txid.ID) ([]byte, bool) {
	cur := s.load(string(key))
	if cur.hasPending && cur.pendingWriter == tx {
		return cur.pendingValue, cur.pendingHasValue
	}
	return cur.committed, cur.hasCommitted
}

func (s *Store) stage(key []byte, tx txid.ID, hasValue bool, value []byte) {
	k := string(key)
	p := s.slotFor(k)
	cur := p.Load()
	if cur == nil {
		cur = &rowData{}
	}
	p.Store(&rowData{
		hasCommitted:    cur.hasCommitted,
		committed:       cur.committed,
		hasPending:      true,
		pendingHasValue: hasValue,
		pendingValue:    value,
		pendingWriter:   tx,
	})
	s.trackStaged(tx, k)
}

// Upsert stages value unconditionally.
func (s *Store) Upsert(ctx context.Context, key, value []byte, tx txid.ID) error {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	s.stage(key, active, true, value)
	if implicit {
		return s.finishImplicit(key, active, true, true)
	}
	return nil
}

// Insert stages value iff key has no value visible to tx: tx's own
// pending write if it staged one, otherwise the committed value.
func (s *Store) Insert(ctx context.Context, key, value []byte, tx txid.ID) (bool, error) {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return false, err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	if _, exists := s.readPair(key, active); exists {
		if implicit {
			return false, s.finishImplicit(key, active, false, false)
		}
		return false, nil
	}
	s.stage(key, active, true, value)
	if implicit {
		return true, s.finishImplicit(key, active, true, true)
	}
	return true, nil
}

// Replace stages value iff a committed value is present for key.
func (s *Store) Replace(ctx context.Context, key, value []byte, tx txid.ID) (bool, error) {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return false, err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	cur := s.load(string(key))
	if !cur.hasCommitted {
		if implicit {
			return false, s.finishImplicit(key, active, false, false)
		}
		return false, nil
	}
	s.stage(key, active, true, value)
	if implicit {
		return true, s.finishImplicit(key, active, true, true)
	}
	return true, nil
}

// ReplaceExact stages newValue iff the committed value equals old,
// byte-for-byte.
func (s *Store) ReplaceExact(ctx context.Context, key, old, newValue []byte, tx txid.ID) (bool, error) {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return false, err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	cur := s.load(string(key))
	if !cur.hasCommitted || !bytes.Equal(cur.committed, old) {
		if implicit {
			return false, s.finishImplicit(key, active, false, false)
		}
		return false, nil
	}
	s.stage(key, active, true, newValue)
	if implicit {
		return true, s.finishImplicit(key, active, true, true)
	}
	return true, nil
}

// Delete stages a tombstone for key.
func (s *Store) Delete(ctx context.Context, key []byte, tx txid.ID) (bool, error) {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return false, err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	cur := s.load(string(key))
	existed := cur.hasCommitted
	s.stage(key, active, false, nil)
	if implicit {
		return existed, s.finishImplicit(key, active, true, true)
	}
	return existed, nil
}

// DeleteExact stages a tombstone iff the committed value equals value,
// byte-for-byte.
func (s *Store) DeleteExact(ctx context.Context, key, value []byte, tx txid.ID) (bool, error) {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return false, err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	cur := s.load(string(key))
	if !cur.hasCommitted || !bytes.Equal(cur.committed, value) {
		if implicit {
			return false, s.finishImplicit(key, active, false, false)
		}
		return false, nil
	}
	s.stage(key, active, false, nil)
	if implicit {
		return true, s.finishImplicit(key, active, true, true)
	}
	return true, nil
}

// GetAndUpsert returns the prior value (if any) and stages the new one,
// atomically under a single exclusive hold on key.
func (s *Store) GetAndUpsert(ctx context.Context, key, value []byte, tx txid.ID) ([]byte, bool, error) {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return nil, false, err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	prev, prevOK := s.readPair(key, active)
	s.stage(key, active, true, value)
	if implicit {
		return prev, prevOK, s.finishImplicit(key, active, true, true)
	}
	return prev, prevOK, nil
}

// GetAndReplace returns the prior value and stages the new one iff a
// committed value was present; otherwise nothing is staged.
func (s *Store) GetAndReplace(ctx context.Context, key, value []byte, tx txid.ID) ([]byte, bool, error) {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return nil, false, err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	cur := s.load(string(key))
	if !cur.hasCommitted {
		if implicit {
			return nil, false, s.finishImplicit(key, active, false, false)
		}
		return nil, false, nil
	}
	s.stage(key, active, true, value)
	if implicit {
		return cur.committed, true, s.finishImplicit(key, active, true, true)
	}
	return cur.committed, true, nil
}

// GetAndDelete returns the prior value and stages a tombstone.
func (s *Store) GetAndDelete(ctx context.Context, key []byte, tx txid.ID) ([]byte, bool, error) {
	active, implicit := s.beginIfImplicit(tx)
	if err := s.locks.AcquireExclusive(ctx, key, active); err != nil {
		return nil, false, err
	}
	if !implicit {
		s.trackHeld(active, string(key))
	}
	cur := s.load(string(key))
	s.stage(key, active, false, nil)
	if implicit {
		return cur.committed, cur.hasCommitted, s.finishImplicit(key, active, true, true)
	}
	return cur.committed, cur.hasCommitted, nil
}

// sortedOrder returns the indices of keys in ascending byte-lexicographic
// order, the deterministic acquisition order batch operations require
// so wound-wait stays consistent across concurrent multi-key
// transactions.
func sortedOrder(keys [][]byte) []int {
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return bytes.Compare(keys[idx[a]], keys[idx[b]]) < 0
	})
	return idx
}

// GetAll reads every key in tx's isolation, acquiring locks in sorted key
// order, and returns results aligned with the input order.
func (s *Store) GetAll(ctx context.Context, keys [][]byte, tx txid.ID) ([][]byte, []bool, error) {
	values := make([][]byte, len(keys))
	oks := make([]bool, len(keys))
	for _, i := range sortedOrder(keys) {
		v, ok, err := s.Get(ctx, keys[i], tx)
		if err != nil {
			return nil, nil, err
		}
		values[i], oks[i] = v, ok
	}
	return values, oks, nil
}

// UpsertAll stages every row, acquiring locks in sorted key order.
func (s *Store) UpsertAll(ctx context.Context, rows []Row, tx txid.ID) error {
	keys := make([][]byte, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	for _, i := range sortedOrder(keys) {
		if err := s.Upsert(ctx, rows[i].Key, rows[i].Value, tx); err != nil {
			return err
		}
	}
	return nil
}

// InsertAll stages rows whose key has no value visible to tx yet (see
// Insert), acquiring locks in sorted key order, and reports which rows
// were inserted.
func (s *Store) InsertAll(ctx context.Context, rows []Row, tx txid.ID) ([]bool, error) {
	keys := make([][]byte, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	results := make([]bool, len(rows))
	for _, i := range sortedOrder(keys) {
		ok, err := s.Insert(ctx, rows[i].Key, rows[i].Value, tx)
		if err != nil {
			return nil, err
		}
		results[i] = ok
	}
	return results, nil
}

// DeleteAll stages tombstones for every key, acquiring locks in sorted
// key order, and reports which rows previously existed.
func (s *Store) DeleteAll(ctx context.Context, keys [][]byte, tx txid.ID) ([]bool, error) {
	results := make([]bool, len(keys))
	for _, i := range sortedOrder(keys) {
		ok, err := s.Delete(ctx, keys[i], tx)
		if err != nil {
			return nil, err
		}
		results[i] = ok
	}
	return results, nil
}

// DeleteExactAll stages tombstones for rows whose committed value
// matches exactly, acquiring locks in sorted key order.
func (s *Store) DeleteExactAll(ctx context.Context, rows []Row, tx txid.ID) ([]bool, error) {
	keys := make([][]byte, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	results := make([]bool, len(rows))
	for _, i := range sortedOrder(keys) {
		ok, err := s.DeleteExact(ctx, rows[i].Key, rows[i].Value, tx)
		if err != nil {
			return nil, err
		}
		results[i] = ok
	}
	return results, nil
}

// Snapshot enumerates committed rows and pending staged writes for
// persistence by the partition state machine (C4). Keys are returned in
// ascending byte order for a deterministic, stable serialization.
func (s *Store) Snapshot() (committed []Row, pending map[txid.ID][]PendingWrite) {
	s.mu.Lock()
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	pending = make(map[txid.ID][]PendingWrite)
	for _, k := range keys {
		d := s.load(k)
		if d.hasCommitted {
			committed = append(committed, Row{Key: []byte(k), Value: d.committed})
		}
		if d.hasPending {
			pending[d.pendingWriter] = append(pending[d.pendingWriter], PendingWrite{
				Key:      []byte(k),
				HasValue: d.pendingHasValue,
				Value:    d.pendingValue,
			})
		}
	}
	return committed, pending
}

// PendingWrite is one staged write belonging to a pending transaction,
// as captured by Snapshot and replayed by Restore.
type PendingWrite struct {
	Key      []byte
	HasValue bool
	Value    []byte
}

// Restore discards all in-memory state and reloads it from a snapshot,
// re-acquiring the exclusive lock each pending writer already held so
// that replaying the log tail behaves exactly as it would have on a
// replica that never restarted.
func (s *Store) Restore(ctx context.Context, committed []Row, pending map[txid.ID][]PendingWrite) error {
	s.mu.Lock()
	s.rows = make(map[string]*atomic.Pointer[rowData])
	s.mu.Unlock()
	s.stagedMu.Lock()
	s.staged = make(map[txid.ID]map[string]struct{})
	s.stagedMu.Unlock()
	s.heldMu.Lock()
	s.held = make(map[txid.ID]map[string]struct{})
	s.heldMu.Unlock()

	for _, row := range committed {
		p := s.slotFor(string(row.Key))
		p.Store(&rowData{hasCommitted: true, committed: row.Value})
	}
	for tx, writes := range pending {
		for _, w := range writes {
			if err := s.locks.AcquireExclusive(ctx, w.Key, tx); err != nil {
				return err
			}
			s.trackHeld(tx, string(w.Key))
			k := string(w.Key)
			p := s.slotFor(k)
			cur := p.Load()
			if cur == nil {
				cur = &rowData{}
			}
			p.Store(&rowData{
				hasCommitted:    cur.hasCommitted,
				committed:       cur.committed,
				hasPending:      true,
				pendingHasValue: w.HasValue,
				pendingValue:    w.Value,
				pendingWriter:   tx,
			})
			s.trackStaged(tx, k)
		}
	}
	return nil
}
