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

// Package clevent decodes change-log events of concurrent Merkle trees from
// ledger transactions.
package clevent

import (
	"fmt"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/common"
)

// OpKind identifies the tree operation an event describes.
type OpKind uint8

const (
	OpInitialize OpKind = iota // Tree created empty
	OpAppend                   // Leaf written at the rightmost slot
	OpInsert                   // Leaf written at an empty slot, appended on conflict
	OpReplace                  // Existing leaf overwritten
	OpRawNode                  // Only the emitted path is known
	OpPrepare                  // Tree seeded with a root built off-chain
)

func (k OpKind) String() string {
	switch k {
	case OpInitialize:
		return "initialize"
	case OpAppend:
		return "append"
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpRawNode:
		return "raw-node"
	case OpPrepare:
		return "prepare"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Operation is the tagged operation of an event. PreviousLeaf is only
// meaningful for OpReplace.
type Operation struct {
	Kind         OpKind
	PreviousLeaf common.Hash
}

// Event is a decoded change-log event.
type Event struct {
	Tree      types.Pubkey
	Sequence  uint64
	LeafIndex uint32
	Operation Operation
	NewLeaf   common.Hash
	Root      common.Hash    // Root the writer's proof was generated against
	Proof     []common.Hash  // Siblings from the leaf upwards, possibly shortened by the canopy
	Path      []cmt.PathNode // Emitted path, leaf first and root last

	// Schema of the tree, set for OpInitialize only.
	MaxDepth      uint32
	MaxBufferSize uint32

	Signature string
	Slot      uint64
}

// EmittedRoot returns the root carried by the emitted path, if any.
func (e *Event) EmittedRoot() (common.Hash, bool) {
	if len(e.Path) == 0 {
		return common.Hash{}, false
	}
	return e.Path[len(e.Path)-1].Node, true
}

// RawInstruction is one executed instruction of a transaction.
type RawInstruction struct {
	ProgramID   types.Pubkey
	Accounts    []types.Pubkey
	Data        []byte
	StackHeight int // 1 for top-level instructions
}

// RawTransaction is a ledger transaction with its instructions flattened in
// execution order: each top-level instruction is followed by the inner
// instructions it invoked.
type RawTransaction struct {
	Signature    string
	Slot         uint64
	Failed       bool
	Instructions []RawInstruction
}
