// Package txid implements the globally ordered transaction identifier
// shared by the lock manager, the row store, and the transaction manager.
package txid

import (
	"fmt"
	"sync/atomic"
)

// ID is a globally unique, totally ordered transaction identifier. The
// originating node generates IDs from a monotonic local counter; ties
// across nodes (same counter value minted concurrently on two nodes) are
// broken by node identity so the order stays strict across the cluster.
//
// ID is the sole deadlock-avoidance signal in the lock manager: Less
// reports wound-wait priority, not wall-clock time.
type ID struct {
	Counter uint64
	Node    string
}

// Zero is the never-issued identifier, used as a sentinel for "no writer".
var Zero = ID{}

// IsZero reports whether id is the sentinel zero value.
func (id ID) IsZero() bool {
	return id == Zero
}

// Less reports whether id was minted before other, i.e. whether id is the
// "older" transaction under wound-wait ordering.
func (id ID) Less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Node < other.Node
}

// String renders the identifier for logging.
func (id ID) String() string {
	return fmt.Sprintf("%s/%d", id.Node, id.Counter)
}

// Generator mints monotonically increasing IDs for one node.
type Generator struct {
	node    string
	counter atomic.Uint64
}

// NewGenerator returns a Generator whose IDs are tagged with node, which
// must be stable and unique across the cluster (e.g. the node's listen
// address).
func NewGenerator(node string) *Generator {
	return &Generator{node: node}
}

// Next returns the next identifier. Safe for concurrent use.
func (g *Generator) Next() ID {
	return ID{Counter: g.counter.Add(1), Node: g.node}
}
