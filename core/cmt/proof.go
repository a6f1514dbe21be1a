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
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Proof returns the full-depth sibling path of the leaf at index, read from
// the node store.
func (t *Tree) Proof(index uint32) ([]common.Hash, error) {
	if uint64(index) >= t.capacity() {
		return nil, fmt.Errorf("%w: index %d", ErrLeafIndexOutOfBounds, index)
	}
	proof := make([]common.Hash, t.depth)
	for i := uint32(0); i < t.depth; i++ {
		proof[i] = t.node(NodeIndex(t.depth, index, i) ^ 1)
	}
	return proof, nil
}

// Leaf returns the value of the leaf at index.
func (t *Tree) Leaf(index uint32) common.Hash {
	return t.node(NodeIndex(t.depth, index, 0))
}

// Leaves returns every non-empty leaf keyed by leaf index.
func (t *Tree) Leaves() map[uint32]common.Hash {
	leaves := make(map[uint32]common.Hash)
	first := t.capacity()
	for idx, h := range t.nodes {
		if idx >= first && h != (common.Hash{}) {
			leaves[LeafIndex(idx, t.depth)] = h
		}
	}
	return leaves
}

// VerifyProof reports whether leaf at index hashes up to root through proof.
func VerifyProof(root, leaf common.Hash, proof []common.Hash, index uint32) bool {
	return RecomputeRoot(leaf, proof, index) == root
}

// ComputeRoot hashes a sparse leaf set of a depth-level tree bottom up,
// treating absent leaves as empty.
func ComputeRoot(depth uint32, leaves map[uint32]common.Hash) common.Hash {
	level := make(map[uint64]common.Hash, len(leaves))
	for idx, h := range leaves {
		if h != (common.Hash{}) {
			level[uint64(idx)] = h
		}
	}
	if len(level) == 0 {
		return EmptyNode(depth)
	}
	for l := uint32(0); l < depth; l++ {
		get := func(pos uint64) common.Hash {
			if h, ok := level[pos]; ok {
				return h
			}
			return EmptyNode(l)
		}
		parents := make(map[uint64]common.Hash, (len(level)+1)/2)
		for pos := range level {
			parent := pos >> 1
			if _, done := parents[parent]; done {
				continue
			}
			parents[parent] = hashPair(get(parent<<1), get(parent<<1|1))
		}
		level = parents
	}
	return level[0]
}
