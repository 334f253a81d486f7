// Package lock implements the pessimistic lock manager (C1): per-key
// shared/exclusive waiter queues ordered by transaction timestamp, with
// upgrade semantics and wound-wait deadlock avoidance.
//
// The design follows a per-resource waiter queue guarded by its own
// mutex with FIFO grants, but replaces cycle-detection deadlock
// avoidance with wound-wait ordering by txid.ID, and replaces
// sync.Cond broadcast with one-shot channel futures per waiter so
// completion can be signalled outside the per-key mutex.
package lock

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/gorelly/distkv/txid"
)

var log = logrus.WithField("component", "lock")

// ConflictError is the only lock error the manager returns: a wound-wait
// rejection or an invalidated upgrade. This is the LockConflict error
// kind callers surface to operation invokers. The only other error an
// acquire returns is ctx.Err() when the caller's context ends first.
type ConflictError struct {
	Key            []byte
	ConflictingTx  txid.ID
	RequestingTx   txid.ID
}

func (e *ConflictError) Error() string {
	return "lock conflict: tx " + e.RequestingTx.String() + " conflicts with tx " + e.ConflictingTx.String()
}

// waiter is one entry in a key's ordered waiter queue. locked means the
// waiter currently holds some grant (shared or exclusive); forRead gives
// the type of that grant. wantWrite marks a waiter contending for
// exclusive access, whether via a fresh acquire or a shared-to-exclusive
// upgrade of its own existing grant — it stays set for as long as the
// waiter is still in the running for that grant, including while an
// upgrading waiter still holds its prior shared lock in place.
type waiter struct {
	tx        txid.ID
	forRead   bool
	wantWrite bool
	locked    bool
	done      chan error // buffered 1, sent exactly once
}

// state is the lock state for a single key: an ordered (by tx id)
// mapping of waiters, plus the mark used for safe compare-and-remove
// from the manager's global table.
type state struct {
	mu              chan struct{} // binary semaphore; see lock()/unlock() below
	waiters         []*waiter
	markedForRemove bool
}

// state's mutex is a one-token channel (the same idiom Manager uses), so
// a state must be built by newState, which puts the token in; semantics
// are a plain mutex.
func newState() *state {
	s := &state{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

func (s *state) lock()   { <-s.mu }
func (s *state) unlock() { s.mu <- struct{}{} }

// findWaiterIndex binary searches s.waiters (kept sorted by ascending
// tx age) for tx's entry, returning -1 if tx has no waiter queued.
func findWaiterIndex(waiters []*waiter, tx txid.ID) int {
	left, right := 0, len(waiters)
	for left < right {
		mid := left + (right-left)/2
		switch {
		case waiters[mid].tx.Less(tx):
			left = mid + 1
		case tx.Less(waiters[mid].tx):
			right = mid
		default:
			return mid
		}
	}
	return -1
}

func (s *state) find(tx txid.ID) (int, *waiter) {
	idx := findWaiterIndex(s.waiters, tx)
	if idx < 0 {
		return -1, nil
	}
	return idx, s.waiters[idx]
}

func (s *state) insertSorted(w *waiter) {
	idx := sort.Search(len(s.waiters), func(i int) bool {
		return w.tx.Less(s.waiters[i].tx)
	})
	s.waiters = append(s.waiters, nil)
	copy(s.waiters[idx+1:], s.waiters[idx:])
	s.waiters[idx] = w
}

func (s *state) removeAt(idx int) {
	s.waiters = append(s.waiters[:idx], s.waiters[idx+1:]...)
}

// pendingSignal pairs a waiter with the result that must be delivered to
// its future once the state's mutex is released.
type pendingSignal struct {
	w   *waiter
	err error
}

// Manager owns every key's lock state. The key -> state mapping is a
// concurrent map; each key's state is guarded independently so unrelated
// keys never contend.
type Manager struct {
	mu    chan struct{}
	table map[string]*state
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	m := &Manager{mu: make(chan struct{}, 1), table: make(map[string]*state)}
	m.mu <- struct{}{}
	return m
}

func (m *Manager) lock()   { <-m.mu }
func (m *Manager) unlock() { m.mu <- struct{}{} }

// stateFor returns the live lock state for key with its mutex held,
// retrying if it observes one that has just been marked for removal by a
// concurrent release. The caller must unlock it.
func (m *Manager) stateFor(key string) *state {
	for {
		m.lock()
		st, ok := m.table[key]
		if !ok {
			st = newState()
			m.table[key] = st
		}
		m.unlock()

		st.lock()
		if st.markedForRemove {
			st.unlock()
			continue
		}
		return st
	}
}

// maybeRemove drops key's state from the global table if it has become
// empty. Called with st already unlocked.
func (m *Manager) maybeRemove(key string, st *state) {
	st.lock()
	empty := len(st.waiters) == 0
	if empty {
		st.markedForRemove = true
	}
	st.unlock()
	if !empty {
		return
	}
	m.lock()
	if cur, ok := m.table[key]; ok && cur == st {
		delete(m.table, key)
	}
	m.unlock()
}

// Queue returns a snapshot of the transaction ids currently queued
// (pending or granted) on key, oldest first.
func (m *Manager) Queue(key []byte) []txid.ID {
	k := string(key)
	m.lock()
	st, ok := m.table[k]
	m.unlock()
	if !ok {
		return nil
	}
	st.lock()
	defer st.unlock()
	out := make([]txid.ID, len(st.waiters))
	for i, w := range st.waiters {
		out[i] = w.tx
	}
	return out
}

// AcquireExclusive blocks the caller until tx holds an exclusive lock on
// key, or returns a ConflictError, or ctx is done.
func (m *Manager) AcquireExclusive(ctx context.Context, key []byte, tx txid.ID) error {
	k := string(key)
	for {
		st := m.stateFor(k)
		w, granted, rejectErr, invalidated := st.requestExclusive(tx)
		st.unlock()

		for _, sig := range invalidated {
			log.WithField("tx", sig.w.tx).WithField("key", k).Debug("upgrade invalidated by an older contender")
			sig.w.done <- sig.err
		}

		if rejectErr != nil {
			log.WithField("tx", tx).WithField("key", k).Debug("exclusive acquire wounded by younger holder")
			return rejectErr
		}
		if granted {
			return nil
		}

		select {
		case err := <-w.done:
			return err
		case <-ctx.Done():
			m.cancelPending(k, st, w, tx)
			return ctx.Err()
		}
	}
}

// AcquireShared blocks the caller until tx holds a shared lock on key.
func (m *Manager) AcquireShared(ctx context.Context, key []byte, tx txid.ID) error {
	k := string(key)
	for {
		st := m.stateFor(k)
		w, granted, rejectErr := st.requestShared(tx)
		st.unlock()

		if rejectErr != nil {
			return rejectErr
		}
		if granted {
			return nil
		}

		select {
		case err := <-w.done:
			return err
		case <-ctx.Done():
			m.cancelPending(k, st, w, tx)
			return ctx.Err()
		}
	}
}

// ReleaseExclusive releases tx's exclusive hold on key. tx must be the
// oldest, granted, exclusive waiter (the caller holding an exclusive lock
// is always in that position by construction).
func (m *Manager) ReleaseExclusive(key []byte, tx txid.ID) error {
	k := string(key)
	m.lock()
	st, ok := m.table[k]
	m.unlock()
	if !ok {
		return nil
	}

	st.lock()
	if len(st.waiters) == 0 || st.waiters[0].tx != tx || !st.waiters[0].locked || st.waiters[0].forRead {
		st.unlock()
		return nil
	}
	st.removeAt(0)
	signals := st.grantAfterExclusiveRelease(tx)
	st.unlock()

	for _, s := range signals {
		if s.err != nil {
			log.WithField("tx", s.w.tx).WithField("key", k).Debug("upgrade invalidated by exclusive release")
		}
		s.w.done <- s.err
	}
	m.maybeRemove(k, st)
	return nil
}

// ReleaseShared releases tx's shared hold on key.
func (m *Manager) ReleaseShared(key []byte, tx txid.ID) error {
	k := string(key)
	m.lock()
	st, ok := m.table[k]
	m.unlock()
	if !ok {
		return nil
	}

	st.lock()
	idx, w := st.find(tx)
	if w == nil || !w.locked || !w.forRead {
		st.unlock()
		return nil
	}
	st.removeAt(idx)
	var signal *pendingSignal
	if len(st.waiters) > 0 {
		head := st.waiters[0]
		if head.wantWrite {
			head.locked = true
			head.forRead = false
			head.wantWrite = false
			signal = &pendingSignal{w: head, err: nil}
		}
	}
	st.unlock()

	if signal != nil {
		signal.w.done <- signal.err
	}
	m.maybeRemove(k, st)
	return nil
}

func (m *Manager) cancelPending(k string, st *state, w *waiter, tx txid.ID) {
	st.lock()
	idx, found := st.find(tx)
	if found == w && idx >= 0 {
		st.removeAt(idx)
	}
	st.unlock()
	m.maybeRemove(k, st)
}

// requestExclusive implements acquire_exclusive under st's mutex. It
// returns either the waiter to block on (granted=false), an
// immediate grant (granted=true, waiter nil), or a rejection, plus any
// other waiters whose own pending upgrade this call just invalidated
// (see the priority pass below).
func (s *state) requestExclusive(tx txid.ID) (w *waiter, granted bool, rejectErr error, invalidated []pendingSignal) {
	_, existing := s.find(tx)

	switch {
	case existing != nil && existing.locked && !existing.forRead:
		// Reentrant exclusive hold.
		return nil, true, nil, nil

	case existing != nil && existing.wantWrite:
		// Already contending (fresh wait or pending upgrade); rejoin.
		return existing, false, nil, nil

	case existing != nil && existing.locked && existing.forRead:
		// Upgrade request: tx keeps its shared grant in place (still
		// locked) while it contends for exclusive access.
		w = existing
		w.wantWrite = true

	case existing != nil:
		return existing, false, nil, nil

	default:
		w = &waiter{tx: tx, forRead: false, wantWrite: true, done: make(chan error, 1)}
		s.insertSorted(w)
	}

	// Wound check: a currently-held, non-contending (passive) grant
	// younger than tx wounds tx outright, wherever it sits in the queue.
	for _, o := range s.waiters {
		if o == w || !o.locked || o.wantWrite {
			continue
		}
		if tx.Less(o.tx) {
			if w.locked {
				w.wantWrite = false // abandon the upgrade, keep the shared grant
			} else if i, found := s.find(tx); found == w {
				s.removeAt(i)
			}
			return nil, false, &ConflictError{ConflictingTx: o.tx, RequestingTx: tx}, nil
		}
	}

	// Priority pass: tx outranks any younger contender already queued for
	// exclusive access on this key, since age strictly orders who may
	// eventually hold it. A younger contender found here can never win,
	// so fail it now rather than leave it queued behind a lock it cannot
	// out-rank.
	for _, o := range s.waiters {
		if o == w || !o.wantWrite {
			continue
		}
		if tx.Less(o.tx) {
			o.wantWrite = false
			invalidated = append(invalidated, pendingSignal{w: o, err: &ConflictError{ConflictingTx: tx, RequestingTx: o.tx}})
		}
	}

	for _, o := range s.waiters {
		if o != w && o.locked {
			return w, false, nil, invalidated
		}
	}
	w.locked = true
	w.forRead = false
	w.wantWrite = false
	return nil, true, nil, invalidated
}

// requestShared implements acquire_shared under st's mutex.
func (s *state) requestShared(tx txid.ID) (w *waiter, granted bool, rejectErr error) {
	idx, existing := s.find(tx)
	if existing != nil && existing.locked {
		return nil, true, nil
	}
	if existing != nil && !existing.locked {
		return existing, false, nil
	}

	w = &waiter{tx: tx, forRead: true, done: make(chan error, 1)}
	s.insertSorted(w)
	idx, _ = s.find(tx)

	for _, o := range s.waiters {
		if o == w {
			continue
		}
		if tx.Less(o.tx) && o.locked && !o.forRead {
			if i, found := s.find(tx); found == w {
				s.removeAt(i)
			}
			return nil, false, &ConflictError{ConflictingTx: o.tx, RequestingTx: tx}
		}
	}

	if idx == 0 {
		w.locked = true
		return nil, true, nil
	}
	prev := s.waiters[idx-1]
	if prev.locked && prev.forRead {
		w.locked = true
		return nil, true, nil
	}
	return w, false, nil
}

// grantAfterExclusiveRelease implements the release_exclusive grant
// walk: promote the head if it wants exclusive access (fresh wait or
// pending upgrade), else grant the contiguous run of plain pending
// shared waiters at the head.
func (s *state) grantAfterExclusiveRelease(releasedBy txid.ID) []pendingSignal {
	if len(s.waiters) == 0 {
		return nil
	}
	head := s.waiters[0]
	if head.wantWrite {
		head.locked = true
		head.forRead = false
		head.wantWrite = false
		return []pendingSignal{{w: head, err: nil}}
	}

	var signals []pendingSignal
	for _, w := range s.waiters {
		if w.wantWrite || !w.forRead {
			break
		}
		if !w.locked {
			w.locked = true
			signals = append(signals, pendingSignal{w: w, err: nil})
		}
	}
	return signals
}
