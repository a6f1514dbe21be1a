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
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

var errCanopySize = errors.New("invalid canopy size")

// Canopy caches the nodes of the top levels of the tree, root excluded, so
// that writers may submit proofs shorter than the tree depth. Node n of the
// tree is held at nodes[n-2]; a zero entry stands for an empty subtree.
type Canopy struct {
	depth     uint32 // Cached levels below the root
	treeDepth uint32
	nodes     []common.Hash
}

// NewCanopy creates an empty canopy caching depth levels of a tree.
func NewCanopy(treeDepth, depth uint32) (*Canopy, error) {
	if depth > treeDepth {
		return nil, fmt.Errorf("%w: canopy depth %d exceeds tree depth %d", errCanopySize, depth, treeDepth)
	}
	return &Canopy{
		depth:     depth,
		treeDepth: treeDepth,
		nodes:     make([]common.Hash, CanopySize(depth)),
	}, nil
}

// CanopySize returns the number of nodes cached by a canopy of depth levels.
func CanopySize(depth uint32) int {
	return (1 << (depth + 1)) - 2
}

// CanopyDepth derives the canopy depth from its node count.
func CanopyDepth(nodes int) (uint32, error) {
	for depth := uint32(0); depth <= MaxDepth; depth++ {
		size := CanopySize(depth)
		if size == nodes {
			return depth, nil
		}
		if size > nodes {
			break
		}
	}
	return 0, fmt.Errorf("%w: %d nodes", errCanopySize, nodes)
}

// Depth returns the number of cached levels.
func (c *Canopy) Depth() uint32 {
	return c.depth
}

// Nodes returns a copy of the cached nodes in level order.
func (c *Canopy) Nodes() []common.Hash {
	return slices.Clone(c.nodes)
}

// Node returns the cached value of the node at nodeIndex. The boolean is
// false when the index lies outside the canopy.
func (c *Canopy) Node(nodeIndex uint64) (common.Hash, bool) {
	if nodeIndex < 2 || nodeIndex-2 >= uint64(len(c.nodes)) {
		return common.Hash{}, false
	}
	return c.nodes[nodeIndex-2], true
}

// Update stores the upper nodes of an emitted change-log path.
func (c *Canopy) Update(path []PathNode) {
	if c.depth == 0 || len(path) < 2 {
		return
	}
	// Walk from just below the root downwards.
	for i := len(path) - 2; i >= 0 && i >= len(path)-1-int(c.depth); i-- {
		idx := uint64(path[i].Index)
		if idx >= 2 && idx-2 < uint64(len(c.nodes)) {
			c.nodes[idx-2] = path[i].Node
		}
	}
}

// FillProof extends a proof of leaf index with the siblings the canopy
// holds. Levels already present in the proof are not duplicated.
func (c *Canopy) FillProof(proof []common.Hash, index uint32) []common.Hash {
	var inferred []common.Hash
	nodeIdx := ((uint64(1) << c.treeDepth) + uint64(index)) >> (c.treeDepth - c.depth)
	for nodeIdx > 1 {
		sibling := c.nodes[(nodeIdx-2)^1]
		if sibling == (common.Hash{}) {
			sibling = EmptyNode(nodeLevel(nodeIdx, c.treeDepth))
		}
		inferred = append(inferred, sibling)
		nodeIdx >>= 1
	}
	overlap := len(proof) + len(inferred) - int(c.treeDepth)
	if overlap < 0 {
		overlap = 0
	}
	if overlap > len(inferred) {
		overlap = len(inferred)
	}
	return append(slices.Clone(proof), inferred[overlap:]...)
}

// set stores a single node if it lies in the canopy.
func (c *Canopy) set(nodeIndex uint64, h common.Hash) {
	if nodeIndex >= 2 && nodeIndex-2 < uint64(len(c.nodes)) {
		c.nodes[nodeIndex-2] = h
	}
}

func (c *Canopy) copy() *Canopy {
	return &Canopy{depth: c.depth, treeDepth: c.treeDepth, nodes: slices.Clone(c.nodes)}
}
