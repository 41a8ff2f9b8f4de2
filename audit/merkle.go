// Package audit builds the tamper-evident trail behind every published
// aggregate. Each aggregation step commits to its inputs with a merkle
// root, and consecutive steps chain their roots, so any later rewrite
// of history is detectable from a single trusted head.
package audit

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/crestline-labs/baseline/types"
)

// Errors
var (
	ErrNoLeaves     = errors.New("merkle tree requires at least one leaf")
	ErrLeafNotFound = errors.New("leaf not present in tree")
	ErrBadProof     = errors.New("merkle proof verification failed")
)

// Domain-separating prefixes prevent a leaf hash from being reinterpreted
// as an interior node (second-preimage shaping).
var (
	leafPrefix  = []byte{0x00}
	innerPrefix = []byte{0x01}
)

func hashLeaf(data []byte) types.Hash {
	h := sha256.New()
	h.Write(leafPrefix)
	h.Write(data)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func hashInner(left, right types.Hash) types.Hash {
	h := sha256.New()
	h.Write(innerPrefix)
	h.Write(left[:])
	h.Write(right[:])
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling types.Hash
	// Left reports whether the sibling sits to the left of the running
	// hash at this level.
	Left bool
}

// Proof is an inclusion proof for one leaf.
type Proof struct {
	LeafIndex int
	LeafHash  types.Hash
	Path      []ProofStep
}

// Tree is an immutable merkle tree over a fixed set of leaves. Odd
// nodes at a level are promoted unpaired rather than duplicated.
type Tree struct {
	levels [][]types.Hash // levels[0] is the leaf level
}

// NewTree builds a tree over the given leaf contents.
func NewTree(leaves [][]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}

	level := make([]types.Hash, len(leaves))
	for i, leaf := range leaves {
		level[i] = hashLeaf(leaf)
	}

	t := &Tree{levels: [][]types.Hash{level}}
	for len(level) > 1 {
		next := make([]types.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashInner(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() types.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.levels[0])
}

// ProveIndex returns the inclusion proof for the leaf at index i.
func (t *Tree) ProveIndex(i int) (*Proof, error) {
	if i < 0 || i >= t.Size() {
		return nil, fmt.Errorf("%w: index %d of %d", ErrLeafNotFound, i, t.Size())
	}

	proof := &Proof{LeafIndex: i, LeafHash: t.levels[0][i]}
	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof.Path = append(proof.Path, ProofStep{
				Sibling: level[sibling],
				Left:    sibling < idx,
			})
		}
		idx /= 2
	}
	return proof, nil
}

// RootOf computes the merkle root over leaf contents without retaining
// the tree.
func RootOf(leaves [][]byte) (types.Hash, error) {
	t, err := NewTree(leaves)
	if err != nil {
		return types.Hash{}, err
	}
	return t.Root(), nil
}

// VerifyProof checks that leaf data is included under root.
func VerifyProof(root types.Hash, data []byte, proof *Proof) error {
	if proof == nil {
		return fmt.Errorf("%w: nil proof", ErrBadProof)
	}
	running := hashLeaf(data)
	if !running.Equal(proof.LeafHash) {
		return fmt.Errorf("%w: leaf hash mismatch", ErrBadProof)
	}
	for _, step := range proof.Path {
		if step.Left {
			running = hashInner(step.Sibling, running)
		} else {
			running = hashInner(running, step.Sibling)
		}
	}
	if !running.Equal(root) {
		return fmt.Errorf("%w: computed root %s does not match %s", ErrBadProof, running, root)
	}
	return nil
}
