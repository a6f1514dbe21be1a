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
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Snapshot is a self-contained copy of a tree's state. It carries the whole
// node store, one entry per node of every path ever written, so its size
// grows with the number of distinct leaves touched.
type Snapshot struct {
	Depth         uint32
	MaxBufferSize uint32
	CanopyDepth   uint32
	Sequence      uint64
	ActiveIndex   uint64
	BufferSize    uint64
	ChangeLogs    []ChangeLog
	Rightmost     Path
	Canopy        []common.Hash
	Nodes         []SnapshotNode // Sorted by index

	RightmostUnknown bool `rlp:"optional"`
	Partial          bool `rlp:"optional"`
}

// SnapshotNode is one entry of the node store.
type SnapshotNode struct {
	Index uint64
	Hash  common.Hash
}

// Snapshot copies the tree state.
func (t *Tree) Snapshot() *Snapshot {
	s := &Snapshot{
		Depth:         t.depth,
		MaxBufferSize: t.maxBufferSize,
		CanopyDepth:   t.canopy.Depth(),
		Sequence:      t.sequence,
		ActiveIndex:   t.activeIndex,
		BufferSize:    t.bufferSize,
		ChangeLogs:    make([]ChangeLog, len(t.changeLogs)),
		Rightmost:     t.Rightmost(),
		Canopy:        t.canopy.Nodes(),
		Nodes:         make([]SnapshotNode, 0, len(t.nodes)),

		RightmostUnknown: t.rightmostUnknown,
		Partial:          t.partial,
	}
	for i := range t.changeLogs {
		s.ChangeLogs[i] = t.changeLogs[i].copy()
	}
	for idx, h := range t.nodes {
		s.Nodes = append(s.Nodes, SnapshotNode{Index: idx, Hash: h})
	}
	slices.SortFunc(s.Nodes, func(a, b SnapshotNode) int {
		switch {
		case a.Index < b.Index:
			return -1
		case a.Index > b.Index:
			return 1
		}
		return 0
	})
	return s
}

// Restore rebuilds a tree from a snapshot.
func Restore(s *Snapshot) (*Tree, error) {
	t, err := New(s.Depth, s.MaxBufferSize, s.CanopyDepth)
	if err != nil {
		return nil, err
	}
	if len(s.ChangeLogs) != int(s.MaxBufferSize) {
		return nil, fmt.Errorf("%w: %d changelog entries, buffer size %d", ErrInvalidSize, len(s.ChangeLogs), s.MaxBufferSize)
	}
	if s.ActiveIndex >= uint64(s.MaxBufferSize) || s.BufferSize == 0 || s.BufferSize > uint64(s.MaxBufferSize) {
		return nil, fmt.Errorf("%w: active index %d, buffer size %d", ErrInvalidSize, s.ActiveIndex, s.BufferSize)
	}
	if len(s.Canopy) != CanopySize(s.CanopyDepth) {
		return nil, fmt.Errorf("%w: %d canopy nodes for depth %d", ErrInvalidSize, len(s.Canopy), s.CanopyDepth)
	}
	if len(s.Rightmost.Proof) != int(s.Depth) {
		return nil, fmt.Errorf("%w: rightmost proof of %d nodes", ErrProofLength, len(s.Rightmost.Proof))
	}
	for i, cl := range s.ChangeLogs {
		if len(cl.Path) != int(s.Depth) {
			return nil, fmt.Errorf("%w: changelog %d has %d nodes", ErrInvalidPath, i, len(cl.Path))
		}
		t.changeLogs[i] = cl.copy()
	}
	t.sequence = s.Sequence
	t.activeIndex = s.ActiveIndex
	t.bufferSize = s.BufferSize
	t.rightmost = Path{Proof: slices.Clone(s.Rightmost.Proof), Leaf: s.Rightmost.Leaf, Index: s.Rightmost.Index}
	copy(t.canopy.nodes, s.Canopy)
	t.rightmostUnknown, t.partial = s.RightmostUnknown, s.Partial
	for _, n := range s.Nodes {
		t.nodes[n.Index] = n.Hash
	}
	return t, nil
}

// Copy returns an independent deep copy of the tree.
func (t *Tree) Copy() *Tree {
	cpy := &Tree{
		depth:         t.depth,
		maxBufferSize: t.maxBufferSize,
		sequence:      t.sequence,
		activeIndex:   t.activeIndex,
		bufferSize:    t.bufferSize,
		changeLogs:    make([]ChangeLog, len(t.changeLogs)),
		rightmost:     t.Rightmost(),
		canopy:        t.canopy.copy(),
		nodes:         make(map[uint64]common.Hash, len(t.nodes)),

		rightmostUnknown: t.rightmostUnknown,
		partial:          t.partial,
	}
	for i := range t.changeLogs {
		cpy.changeLogs[i] = t.changeLogs[i].copy()
	}
	for k, v := range t.nodes {
		cpy.nodes[k] = v
	}
	return cpy
}

// EncodeSnapshot serializes a snapshot with RLP.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// DecodeSnapshot parses an RLP encoded snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return nil, fmt.Errorf("decode tree snapshot: %w", err)
	}
	return &s, nil
}
