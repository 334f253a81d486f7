// Package raftlike defines the minimal consensus-submission boundary the
// partition state machine (C4) is built against. Leader election,
// membership, and cross-node log replication are explicitly out of
// scope; what remains — and what C4 actually needs — is a narrow
// interface it can submit write commands through and ask "am I the
// leader" before accepting a write.
//
// Group is pluggable so a real multi-node Raft implementation can stand
// behind C4 without touching it; LocalGroup is the single-member stand-in
// used until one is wired in, and is what the demo and tests exercise.
package raftlike

import (
	"context"
	"errors"
	"sync"
)

// ErrNotLeader is returned by Submit when the group believes another
// member holds leadership. LocalGroup never returns it since it has no
// peers to lose an election to.
var ErrNotLeader = errors.New("raftlike: not leader")

// ApplyFunc applies one command once the group has assigned it a log
// index and term, returning the value the caller's Submit should see.
type ApplyFunc func(ctx context.Context, cmd any, index, term uint64) (any, error)

// Group is the consensus-submission interface C4 depends on.
type Group interface {
	// Submit orders cmd into the replicated log and applies it, returning
	// the applier's result alongside the log position it was committed
	// at.
	Submit(ctx context.Context, cmd any) (result any, index uint64, term uint64, err error)
	// IsLeader reports whether this member currently services writes.
	IsLeader() bool
}

// LocalGroup is a single-member Group: every Submit is its own
// "quorum", so commands apply immediately in submission order. It
// exists so partition.Machine can be built and tested against the Group
// interface without a real multi-node consensus layer.
type LocalGroup struct {
	mu    sync.Mutex
	index uint64
	term  uint64
	apply ApplyFunc
}

// NewLocalGroup returns a single-member group that applies submitted
// commands with apply.
func NewLocalGroup(apply ApplyFunc) *LocalGroup {
	return &LocalGroup{term: 1, apply: apply}
}

// Submit assigns cmd the next log index and applies it inline.
func (g *LocalGroup) Submit(ctx context.Context, cmd any) (any, uint64, uint64, error) {
	g.mu.Lock()
	g.index++
	index, term := g.index, g.term
	g.mu.Unlock()

	result, err := g.apply(ctx, cmd, index, term)
	return result, index, term, err
}

// IsLeader always reports true: a one-member group has no one to lose
// leadership to.
func (g *LocalGroup) IsLeader() bool { return true }

// LastIndex returns the index of the most recently submitted command.
func (g *LocalGroup) LastIndex() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.index
}
