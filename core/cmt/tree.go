// Copyright 2024 The treestatus Authors
// This file is part of the treestatus library.
//
// The treestatus library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The treestatus library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the treestatus library. If not, see <http://www.gnu.org/licenses/>.

package cmt

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidSize          = errors.New("invalid tree size")
	ErrEmptyLeaf            = errors.New("cannot append an empty leaf")
	ErrTreeFull             = errors.New("tree is full")
	ErrRootNotFound         = errors.New("root not found in changelog")
	ErrLeafContentsModified = errors.New("leaf contents modified")
	ErrInvalidProof         = errors.New("invalid proof")
	ErrLeafIndexOutOfBounds = errors.New("leaf index out of bounds")
	ErrProofLength          = errors.New("invalid proof length")
	ErrInvalidPath          = errors.New("invalid change log path")
	ErrTreeInitialized      = errors.New("tree already initialized")
	ErrRightmostUnknown     = errors.New("rightmost proof unknown")
)

// Tree is an in-memory replica of a concurrent Merkle tree account. Besides
// the on-chain fields it keeps every node ever written, keyed by node index,
// so proofs can be produced for any leaf.
type Tree struct {
	depth         uint32
	maxBufferSize uint32

	sequence    uint64
	activeIndex uint64
	bufferSize  uint64
	changeLogs  []ChangeLog
	rightmost   Path
	canopy      *Canopy

	nodes map[uint64]common.Hash

	// Set when a sibling of the rightmost path was never observed.
	rightmostUnknown bool
	// Set when the tree holds state learned without its history, so nodes
	// absent from the store are not necessarily empty.
	partial bool
}

// New returns an initialized, empty tree.
func New(depth, maxBufferSize, canopyDepth uint32) (*Tree, error) {
	if depth == 0 || depth > MaxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrInvalidSize, depth)
	}
	if maxBufferSize == 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrInvalidSize, maxBufferSize)
	}
	canopy, err := NewCanopy(depth, canopyDepth)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		depth:         depth,
		maxBufferSize: maxBufferSize,
		changeLogs:    make([]ChangeLog, maxBufferSize),
		canopy:        canopy,
		nodes:         make(map[uint64]common.Hash),
	}
	for i := range t.changeLogs {
		t.changeLogs[i] = ChangeLog{Path: make([]common.Hash, depth)}
	}
	t.changeLogs[0] = newEmptyChangeLog(depth)
	t.bufferSize = 1
	t.rightmost = Path{Proof: make([]common.Hash, depth)}
	for i := range t.rightmost.Proof {
		t.rightmost.Proof[i] = EmptyNode(uint32(i))
	}
	return t, nil
}

func (t *Tree) Depth() uint32          { return t.depth }
func (t *Tree) MaxBufferSize() uint32  { return t.maxBufferSize }
func (t *Tree) CanopyDepth() uint32    { return t.canopy.Depth() }
func (t *Tree) Sequence() uint64       { return t.sequence }
func (t *Tree) RightmostIndex() uint32 { return t.rightmost.Index }

// Partial reports whether part of the tree was never observed, as for trees
// prepared off-chain.
func (t *Tree) Partial() bool { return t.partial }

// Root returns the current root of the tree.
func (t *Tree) Root() common.Hash {
	return t.changeLogs[t.activeIndex].Root
}

// Rightmost returns a copy of the rightmost proof.
func (t *Tree) Rightmost() Path {
	return Path{Proof: slices.Clone(t.rightmost.Proof), Leaf: t.rightmost.Leaf, Index: t.rightmost.Index}
}

// CanopyNodes returns the cached canopy nodes in level order.
func (t *Tree) CanopyNodes() []common.Hash {
	return t.canopy.Nodes()
}

// ChangeLogEntry is a changelog element together with the sequence number of
// the operation that produced it.
type ChangeLogEntry struct {
	Sequence uint64
	ChangeLog
}

// ChangeLog returns the entries held in the ring buffer, oldest first.
func (t *Tree) ChangeLog() []ChangeLogEntry {
	entries := make([]ChangeLogEntry, 0, t.bufferSize)
	for back := t.bufferSize; back > 0; back-- {
		j := (t.activeIndex + uint64(t.maxBufferSize) - (back - 1)) % uint64(t.maxBufferSize)
		entries = append(entries, ChangeLogEntry{
			Sequence:  t.sequence - (back - 1),
			ChangeLog: t.changeLogs[j].copy(),
		})
	}
	return entries
}

func (t *Tree) capacity() uint64 {
	return uint64(1) << t.depth
}

func (t *Tree) updateInternalCounters() {
	t.activeIndex = (t.activeIndex + 1) % uint64(t.maxBufferSize)
	t.sequence++
	if t.bufferSize < uint64(t.maxBufferSize) {
		t.bufferSize++
	}
}

// Append writes leaf into the next empty slot and returns the new root.
func (t *Tree) Append(leaf common.Hash) (common.Hash, error) {
	if leaf == (common.Hash{}) {
		return common.Hash{}, ErrEmptyLeaf
	}
	r := t.rightmost.Index
	if uint64(r) >= t.capacity() {
		return common.Hash{}, ErrTreeFull
	}
	if t.rightmostUnknown {
		return common.Hash{}, fmt.Errorf("%w: appending at %d", ErrRightmostUnknown, r)
	}
	if r == 0 {
		return t.tryApplyProof(t.Root(), EmptyNode(0), leaf, slices.Clone(t.rightmost.Proof), 0)
	}
	// Level at which the new leaf's path joins the path of leaf r-1.
	intersection := uint32(bits.TrailingZeros32(r))
	changeList := make([]common.Hash, t.depth)
	node := leaf
	intersectionNode := t.rightmost.Leaf
	for i := uint32(0); i < t.depth; i++ {
		changeList[i] = node
		switch {
		case i < intersection:
			node = hashPair(node, EmptyNode(i))
			intersectionNode = hashToParent(intersectionNode, t.rightmost.Proof[i], ((r-1)>>i)&1 == 0)
			t.rightmost.Proof[i] = EmptyNode(i)
		case i == intersection:
			node = hashPair(intersectionNode, node)
			t.rightmost.Proof[i] = intersectionNode
		default:
			node = hashToParent(node, t.rightmost.Proof[i], (r>>i)&1 == 0)
		}
	}
	t.updateInternalCounters()
	cl := &t.changeLogs[t.activeIndex]
	copy(cl.Path, changeList)
	cl.Root = node
	cl.Index = r
	t.rightmost.Index = r + 1
	t.rightmost.Leaf = leaf
	t.recordActive()
	return node, nil
}

// SetLeaf replaces previous with leaf at index. The proof may have been
// generated against any root still in the changelog.
func (t *Tree) SetLeaf(root, previous, leaf common.Hash, proof []common.Hash, index uint32) (common.Hash, error) {
	if index > t.rightmost.Index {
		return common.Hash{}, fmt.Errorf("%w: index %d, rightmost %d", ErrLeafIndexOutOfBounds, index, t.rightmost.Index)
	}
	full, err := t.fillProof(proof, index)
	if err != nil {
		return common.Hash{}, err
	}
	return t.tryApplyProof(root, previous, leaf, full, index)
}

// FillEmptyOrAppend writes leaf at index if that slot is still empty at
// the current root, and appends it otherwise.
func (t *Tree) FillEmptyOrAppend(root, leaf common.Hash, proof []common.Hash, index uint32) (common.Hash, error) {
	if index > t.rightmost.Index {
		return common.Hash{}, fmt.Errorf("%w: index %d, rightmost %d", ErrLeafIndexOutOfBounds, index, t.rightmost.Index)
	}
	full, err := t.fillProof(proof, index)
	if err != nil {
		return common.Hash{}, err
	}
	newRoot, err := t.tryApplyProof(root, EmptyNode(0), leaf, full, index)
	if errors.Is(err, ErrLeafContentsModified) {
		return t.Append(leaf)
	}
	return newRoot, err
}

// ApplyChangeLog applies an operation known only by its emitted path, leaf
// first and root last.
func (t *Tree) ApplyChangeLog(index uint32, path []PathNode) (common.Hash, error) {
	if uint64(index) >= t.capacity() {
		return common.Hash{}, fmt.Errorf("%w: index %d", ErrLeafIndexOutOfBounds, index)
	}
	if len(path) != int(t.depth)+1 {
		return common.Hash{}, fmt.Errorf("%w: %d nodes, want %d", ErrInvalidPath, len(path), t.depth+1)
	}
	for level, n := range path {
		if want := NodeIndex(t.depth, index, uint32(level)); uint64(n.Index) != want {
			return common.Hash{}, fmt.Errorf("%w: node %d at level %d, want %d", ErrInvalidPath, n.Index, level, want)
		}
	}
	t.updateInternalCounters()
	cl := &t.changeLogs[t.activeIndex]
	for i := uint32(0); i < t.depth; i++ {
		cl.Path[i] = path[i].Node
	}
	cl.Root = path[t.depth].Node
	cl.Index = index
	t.recordActive()

	switch {
	case index >= t.rightmost.Index:
		t.rightmost.Index = index + 1
		t.rightmost.Leaf = cl.Leaf()
		t.rightmostUnknown = false
		for i := uint32(0); i < t.depth; i++ {
			sibling := NodeIndex(t.depth, index, i) ^ 1
			// Every leaf left of the rightmost one has been written, so a
			// left sibling missing from the store was never observed.
			if _, ok := t.nodes[sibling]; !ok && (index>>i)&1 == 1 {
				t.rightmostUnknown = true
			}
			t.rightmost.Proof[i] = t.node(sibling)
		}
		if t.rightmostUnknown {
			t.partial = true
		}
	case index+1 == t.rightmost.Index:
		t.rightmost.Leaf = cl.Leaf()
	default:
		bit := critbit(t.depth, index, t.rightmost.Index-1)
		t.rightmost.Proof[bit] = cl.Path[bit]
	}
	return cl.Root, nil
}

// InitializeWithRoot seeds a fresh tree with a root built off-chain and the
// proof of its rightmost leaf at index. Siblings the proof leaves out are
// filled where they must be empty; any other gap leaves the rightmost proof
// unknown and the root unverified.
func (t *Tree) InitializeWithRoot(root, leaf common.Hash, proof []common.Hash, index uint32) (common.Hash, error) {
	if t.sequence != 0 {
		return common.Hash{}, ErrTreeInitialized
	}
	if uint64(index) >= t.capacity() {
		return common.Hash{}, fmt.Errorf("%w: index %d", ErrLeafIndexOutOfBounds, index)
	}
	if len(proof) > int(t.depth) {
		return common.Hash{}, fmt.Errorf("%w: %d nodes for depth %d", ErrProofLength, len(proof), t.depth)
	}
	siblings := make([]common.Hash, t.depth)
	known := make([]bool, t.depth)
	complete := true
	for i := uint32(0); i < t.depth; i++ {
		switch {
		case int(i) < len(proof):
			siblings[i], known[i] = proof[i], true
		case (index>>i)&1 == 0:
			siblings[i], known[i] = EmptyNode(i), true
		default:
			complete = false
		}
	}
	if complete && RecomputeRoot(leaf, siblings, index) != root {
		return common.Hash{}, ErrInvalidProof
	}
	t.sequence, t.activeIndex, t.bufferSize = 1, 0, 1
	cl := &t.changeLogs[0]
	cl.Root, cl.Index = root, index

	node, onPath := leaf, true
	for i := uint32(0); i < t.depth; i++ {
		idx := NodeIndex(t.depth, index, i)
		if onPath {
			cl.Path[i] = node
			t.setNode(idx, node)
		} else {
			cl.Path[i] = common.Hash{}
		}
		if known[i] {
			t.setNode(idx^1, siblings[i])
		}
		if onPath = onPath && known[i]; onPath {
			node = hashToParent(node, siblings[i], (index>>i)&1 == 0)
		}
	}
	t.setNode(1, root)

	t.rightmost = Path{Proof: siblings, Leaf: leaf, Index: index + 1}
	t.rightmostUnknown = !complete
	t.partial = true
	return root, nil
}

func (t *Tree) fillProof(proof []common.Hash, index uint32) ([]common.Hash, error) {
	if uint64(index) >= t.capacity() {
		return nil, fmt.Errorf("%w: index %d", ErrLeafIndexOutOfBounds, index)
	}
	if len(proof) > int(t.depth) {
		return nil, fmt.Errorf("%w: %d nodes for depth %d", ErrProofLength, len(proof), t.depth)
	}
	full := t.canopy.FillProof(proof, index)
	if len(full) != int(t.depth) {
		return nil, fmt.Errorf("%w: %d nodes with canopy depth %d, want %d", ErrProofLength, len(proof), t.canopy.Depth(), t.depth)
	}
	return full, nil
}

// findRootInChangelog returns the slot of the newest entry with root.
func (t *Tree) findRootInChangelog(root common.Hash) (uint64, bool) {
	size := uint64(t.maxBufferSize)
	for i := uint64(0); i < t.bufferSize; i++ {
		j := (t.activeIndex + size - i) % size
		if t.changeLogs[j].Root == root {
			return j, true
		}
	}
	return 0, false
}

// fastForwardProof applies every changelog entry newer than slot to the
// proof and leaf of index.
func (t *Tree) fastForwardProof(slot uint64, index uint32, proof []common.Hash, leaf *common.Hash) {
	size := uint64(t.maxBufferSize)
	for j := slot; j != t.activeIndex; {
		j = (j + 1) % size
		t.changeLogs[j].updateProofOrLeaf(t.depth, index, proof, leaf)
	}
}

func (t *Tree) tryApplyProof(root, leaf, newLeaf common.Hash, proof []common.Hash, index uint32) (common.Hash, error) {
	slot, ok := t.findRootInChangelog(root)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %x", ErrRootNotFound, root)
	}
	updated := leaf
	t.fastForwardProof(slot, index, proof, &updated)
	if updated != leaf {
		return common.Hash{}, ErrLeafContentsModified
	}
	if RecomputeRoot(updated, proof, index) != t.Root() {
		return common.Hash{}, ErrInvalidProof
	}
	t.updateInternalCounters()
	return t.updateBuffersFromProof(newLeaf, proof, index), nil
}

func (t *Tree) updateBuffersFromProof(leaf common.Hash, proof []common.Hash, index uint32) common.Hash {
	cl := &t.changeLogs[t.activeIndex]
	root := cl.replaceAndRecomputePath(index, leaf, proof)
	if uint64(t.rightmost.Index) < t.capacity() {
		switch {
		case index+1 < t.rightmost.Index:
			bit := critbit(t.depth, index, t.rightmost.Index-1)
			t.rightmost.Proof[bit] = cl.Path[bit]
		case index+1 == t.rightmost.Index:
			t.rightmost.Leaf = leaf
		default:
			copy(t.rightmost.Proof, proof)
			t.rightmost.Index = index + 1
			t.rightmost.Leaf = leaf
			t.rightmostUnknown = false
		}
	}
	t.recordActive()
	return root
}

// recordActive stores the path of the active changelog entry in the canopy
// and the node store.
func (t *Tree) recordActive() {
	path := t.changeLogs[t.activeIndex].PathNodes(t.depth)
	t.canopy.Update(path)
	for _, n := range path {
		t.nodes[uint64(n.Index)] = n.Node
	}
}

// setNode stores a single known node in the node store and, unless it is
// empty, in the canopy.
func (t *Tree) setNode(nodeIndex uint64, h common.Hash) {
	t.nodes[nodeIndex] = h
	if h != EmptyNode(nodeLevel(nodeIndex, t.depth)) {
		t.canopy.set(nodeIndex, h)
	}
}

func (t *Tree) node(nodeIndex uint64) common.Hash {
	if h, ok := t.nodes[nodeIndex]; ok {
		return h
	}
	return EmptyNode(nodeLevel(nodeIndex, t.depth))
}
