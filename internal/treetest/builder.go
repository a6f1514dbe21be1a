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

// Package treetest produces ledger fixtures for tree verification tests.
package treetest

import (
	"encoding/binary"
	"testing"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// Leaf returns a deterministic non-empty leaf value.
func Leaf(i int) common.Hash {
	return crypto.Keccak256Hash(binary.BigEndian.AppendUint64([]byte("leaf"), uint64(i)))
}

// Pubkey returns a deterministic public key.
func Pubkey(seed string) types.Pubkey {
	return types.Pubkey(crypto.Keccak256Hash([]byte(seed)))
}

// Builder applies operations to a reference tree and records the
// transaction the ledger would hold for each of them.
type Builder struct {
	t         testing.TB
	Tree      types.Pubkey
	Authority types.Pubkey

	ref  *cmt.Tree
	slot uint64
	txs  []*clevent.RawTransaction
}

// NewBuilder creates a tree and records its initialization.
func NewBuilder(t testing.TB, tree types.Pubkey, depth, buffer, canopy uint32) *Builder {
	t.Helper()
	ref, err := cmt.New(depth, buffer, canopy)
	if err != nil {
		t.Fatalf("create reference tree: %v", err)
	}
	b := &Builder{t: t, Tree: tree, Authority: Pubkey("authority"), ref: ref, slot: 100}
	b.record(clevent.InitEmptyMerkleTreeInstruction(tree, b.Authority, depth, buffer))
	return b
}

// Reference returns the tree the builder mutates.
func (b *Builder) Reference() *cmt.Tree { return b.ref }

// Account returns the authoritative account of the reference tree.
func (b *Builder) Account() *cmt.Account {
	return b.ref.Account(b.Authority, 100)
}

// Transactions returns every recorded transaction in ledger order.
func (b *Builder) Transactions() []*clevent.RawTransaction {
	return b.txs
}

// Append appends leaf.
func (b *Builder) Append(leaf common.Hash) *clevent.RawTransaction {
	b.t.Helper()
	if _, err := b.ref.Append(leaf); err != nil {
		b.t.Fatalf("append: %v", err)
	}
	return b.record(clevent.AppendInstruction(b.Tree, b.Authority, leaf))
}

// Replace overwrites the leaf at index using a proof against the current
// root, shortened by the canopy.
func (b *Builder) Replace(index uint32, leaf common.Hash) *clevent.RawTransaction {
	b.t.Helper()
	root, proof := b.ref.Root(), b.proof(index)
	return b.ReplaceAgainst(root, proof, index, b.ref.Leaf(index), leaf)
}

// ReplaceAgainst overwrites the leaf at index with a proof generated
// against root.
func (b *Builder) ReplaceAgainst(root common.Hash, proof []common.Hash, index uint32, previous, leaf common.Hash) *clevent.RawTransaction {
	b.t.Helper()
	if _, err := b.ref.SetLeaf(root, previous, leaf, proof, index); err != nil {
		b.t.Fatalf("replace %d: %v", index, err)
	}
	return b.record(clevent.ReplaceLeafInstruction(b.Tree, b.Authority, root, previous, leaf, index, proof))
}

// Insert writes leaf into the empty slot at index using a proof against
// the current root.
func (b *Builder) Insert(index uint32, leaf common.Hash) *clevent.RawTransaction {
	b.t.Helper()
	return b.InsertAgainst(b.ref.Root(), b.proof(index), index, leaf)
}

// InsertAgainst writes leaf at index with a proof generated against root.
// When a newer change filled the slot, the leaf is appended instead.
func (b *Builder) InsertAgainst(root common.Hash, proof []common.Hash, index uint32, leaf common.Hash) *clevent.RawTransaction {
	b.t.Helper()
	if _, err := b.ref.FillEmptyOrAppend(root, leaf, proof, index); err != nil {
		b.t.Fatalf("insert %d: %v", index, err)
	}
	return b.record(clevent.InsertOrAppendInstruction(b.Tree, b.Authority, root, leaf, index, proof))
}

// Proof returns the canopy-shortened proof of index at the current root.
func (b *Builder) Proof(index uint32) []common.Hash {
	return b.proof(index)
}

func (b *Builder) proof(index uint32) []common.Hash {
	b.t.Helper()
	proof, err := b.ref.Proof(index)
	if err != nil {
		b.t.Fatalf("proof %d: %v", index, err)
	}
	return proof[:b.ref.Depth()-b.ref.CanopyDepth()]
}

func (b *Builder) record(ix clevent.RawInstruction) *clevent.RawTransaction {
	entries := b.ref.ChangeLog()
	latest := entries[len(entries)-1]
	seq := b.ref.Sequence()
	log := clevent.EncodeChangeLog(b.Tree, latest.PathNodes(b.ref.Depth()), seq, latest.Index)

	b.slot++
	tx := &clevent.RawTransaction{
		Signature:    Signature(b.Tree, seq),
		Slot:         b.slot,
		Instructions: []clevent.RawInstruction{ix, clevent.NoopInstruction(log)},
	}
	b.txs = append(b.txs, tx)
	return tx
}

// Signature returns the signature the builder assigns to the transaction
// producing seq.
func Signature(tree types.Pubkey, seq uint64) string {
	h := crypto.Keccak512(tree[:], binary.BigEndian.AppendUint64(nil, seq))
	return base58.Encode(h)
}
