package aggregate

import (
	"errors"
	"math"

	"github.com/crestline-labs/baseline/types"
)

// NodeID is an arena handle. Tree nodes reference each other through
// handles instead of pointers so the consensus layer can hold onto a
// node identity without creating an ownership cycle with the tree.
type NodeID uint32

// NilNode is the absent-node handle.
const NilNode NodeID = math.MaxUint32

// ErrBadHandle reports a handle that does not resolve in the arena.
var ErrBadHandle = errors.New("node handle out of range")

// Node is one aggregation tree node. Leaves carry the source ID of the
// contributing record; interior nodes carry the group or region name.
type Node struct {
	ID       NodeID
	Level    types.Level
	Name     string // source ID for leaves, group/region name above
	Parent   NodeID
	Children []NodeID

	Summary       types.StatSummary
	Weight        float64 // trust * sample_count at this node
	ContentHash   types.Hash
	ValidityRatio float64
	AuditRoot     types.Hash
}

// Arena owns every node of one epoch's aggregation tree. Nodes are
// append-only for the epoch; the whole arena is dropped when the epoch
// is superseded.
type Arena struct {
	nodes []Node
	epoch uint64
}

// NewArena creates an empty arena for an epoch.
func NewArena(epoch uint64) *Arena {
	return &Arena{epoch: epoch}
}

// Epoch returns the epoch this arena belongs to.
func (a *Arena) Epoch() uint64 { return a.epoch }

// Len returns the number of nodes allocated.
func (a *Arena) Len() int { return len(a.nodes) }

// Alloc appends a node and returns its handle. The node starts
// unparented; SetParent links it into the tree.
func (a *Arena) Alloc(n Node) NodeID {
	id := NodeID(len(a.nodes))
	n.ID = id
	n.Parent = NilNode
	a.nodes = append(a.nodes, n)
	return id
}

// Get resolves a handle.
func (a *Arena) Get(id NodeID) (*Node, error) {
	if int(id) >= len(a.nodes) {
		return nil, ErrBadHandle
	}
	return &a.nodes[id], nil
}

// MustGet resolves a handle the arena itself produced.
func (a *Arena) MustGet(id NodeID) *Node {
	n, err := a.Get(id)
	if err != nil {
		panic(err)
	}
	return n
}

// SetParent links a child to its parent.
func (a *Arena) SetParent(child, parent NodeID) error {
	c, err := a.Get(child)
	if err != nil {
		return err
	}
	p, err := a.Get(parent)
	if err != nil {
		return err
	}
	c.Parent = parent
	p.Children = append(p.Children, child)
	return nil
}

// AtLevel returns the handles of every node at a level, in allocation
// order.
func (a *Arena) AtLevel(level types.Level) []NodeID {
	var ids []NodeID
	for i := range a.nodes {
		if a.nodes[i].Level == level {
			ids = append(ids, a.nodes[i].ID)
		}
	}
	return ids
}
