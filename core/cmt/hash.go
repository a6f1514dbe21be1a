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

// Package cmt implements the concurrent Merkle tree maintained by the
// account-compression program. Writers may submit proofs against any root
// still held in the bounded changelog, which is fast-forwarded before use.
package cmt

import (
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxDepth is the deepest tree supported by the program.
const MaxDepth = 30

// emptyNodes[i] is the root of an empty subtree of height i.
var emptyNodes [MaxDepth + 1]common.Hash

func init() {
	for i := 1; i <= MaxDepth; i++ {
		emptyNodes[i] = hashPair(emptyNodes[i-1], emptyNodes[i-1])
	}
}

// EmptyNode returns the hash of an empty subtree whose leaves sit level
// levels below it. EmptyNode(0) is the empty leaf.
func EmptyNode(level uint32) common.Hash {
	return emptyNodes[level]
}

// hashPair hashes two sibling nodes into their parent.
func hashPair(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left[:], right[:])
}

// hashToParent combines node with its sibling; isLeft tells whether node is
// the left child.
func hashToParent(node, sibling common.Hash, isLeft bool) common.Hash {
	if isLeft {
		return hashPair(node, sibling)
	}
	return hashPair(sibling, node)
}

// RecomputeRoot hashes leaf at index up through proof.
func RecomputeRoot(leaf common.Hash, proof []common.Hash, index uint32) common.Hash {
	node := leaf
	for i, sibling := range proof {
		node = hashToParent(node, sibling, (index>>uint(i))&1 == 0)
	}
	return node
}

// NodeIndex returns the level-order index (root = 1) of the ancestor at
// level of the given leaf. Level 0 is the leaf itself.
func NodeIndex(depth, leafIndex, level uint32) uint64 {
	return (uint64(1) << (depth - level)) + uint64(leafIndex>>level)
}

// LeafIndex converts the node index of a leaf back to its leaf position.
func LeafIndex(nodeIndex uint64, depth uint32) uint32 {
	return uint32(nodeIndex - (uint64(1) << depth))
}

// nodeLevel returns the height above the leaves of the node at nodeIndex.
func nodeLevel(nodeIndex uint64, depth uint32) uint32 {
	return depth - uint32(bits.Len64(nodeIndex)-1)
}
