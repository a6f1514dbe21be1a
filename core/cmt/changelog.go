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
	"math/bits"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// ChangeLog records the path written by one tree operation.
type ChangeLog struct {
	Root  common.Hash
	Path  []common.Hash // Nodes from the leaf up to, but excluding, the root
	Index uint32        // Leaf index the path belongs to
}

// Path is the proof of the rightmost leaf, kept so appends need no proof.
type Path struct {
	Proof []common.Hash
	Leaf  common.Hash
	Index uint32 // One past the rightmost written leaf
}

// PathNode is a node of an emitted change-log path addressed by node index.
type PathNode struct {
	Node  common.Hash
	Index uint32
}

func newEmptyChangeLog(depth uint32) ChangeLog {
	cl := ChangeLog{Root: EmptyNode(depth), Path: make([]common.Hash, depth)}
	for i := range cl.Path {
		cl.Path[i] = EmptyNode(uint32(i))
	}
	return cl
}

func (cl *ChangeLog) copy() ChangeLog {
	return ChangeLog{Root: cl.Root, Path: slices.Clone(cl.Path), Index: cl.Index}
}

// Leaf returns the leaf value written by this entry.
func (cl *ChangeLog) Leaf() common.Hash {
	return cl.Path[0]
}

// replaceAndRecomputePath overwrites the entry with the path from leaf at
// index through proof and returns the new root.
func (cl *ChangeLog) replaceAndRecomputePath(index uint32, leaf common.Hash, proof []common.Hash) common.Hash {
	node := leaf
	for i, sibling := range proof {
		cl.Path[i] = node
		node = hashToParent(node, sibling, (index>>uint(i))&1 == 0)
	}
	cl.Root = node
	cl.Index = index
	return node
}

// critbit returns the level at which the paths of two distinct leaves meet
// as siblings.
func critbit(depth, a, b uint32) uint32 {
	shared := uint32(bits.LeadingZeros32((a ^ b) << (32 - depth)))
	return depth - 1 - shared
}

// updateProofOrLeaf patches proof (and leaf, if the entry touched the
// same index) so it stays valid after this entry was applied.
func (cl *ChangeLog) updateProofOrLeaf(depth, leafIndex uint32, proof []common.Hash, leaf *common.Hash) {
	if leafIndex != cl.Index {
		bit := critbit(depth, leafIndex, cl.Index)
		proof[bit] = cl.Path[bit]
		return
	}
	*leaf = cl.Leaf()
}

// PathNodes renders the entry as it is emitted in change-log events, leaf
// first and root last.
func (cl *ChangeLog) PathNodes(depth uint32) []PathNode {
	nodes := make([]PathNode, 0, depth+1)
	for level, node := range cl.Path {
		nodes = append(nodes, PathNode{Node: node, Index: uint32(NodeIndex(depth, cl.Index, uint32(level)))})
	}
	return append(nodes, PathNode{Node: cl.Root, Index: 1})
}
