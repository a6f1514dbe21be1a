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

package clevent_test

import (
	"errors"
	"testing"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/callensm/digital-asset-rpc-infrastructure/internal/treetest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDecodeOperations(t *testing.T) {
	tree := treetest.Pubkey("tree")
	b := treetest.NewBuilder(t, tree, 5, 8, 2)
	b.Append(treetest.Leaf(0))
	b.Append(treetest.Leaf(1))
	b.Replace(0, treetest.Leaf(10))
	b.Insert(2, treetest.Leaf(2))

	dec := clevent.NewDecoder()
	wantKinds := []clevent.OpKind{clevent.OpInitialize, clevent.OpAppend, clevent.OpAppend, clevent.OpReplace, clevent.OpInsert}
	for i, tx := range b.Transactions() {
		events, errs := dec.Decode(tx)
		require.Empty(t, errs, "tx %d", i)
		require.Len(t, events, 1, "tx %d", i)
		ev := events[0]
		require.Equal(t, wantKinds[i], ev.Operation.Kind)
		require.Equal(t, uint64(i), ev.Sequence)
		require.Equal(t, tree, ev.Tree)
		require.Equal(t, tx.Signature, ev.Signature)
		require.Equal(t, tx.Slot, ev.Slot)
		require.Len(t, ev.Path, 6)
	}

	events, _ := dec.Decode(b.Transactions()[0])
	require.Equal(t, uint32(5), events[0].MaxDepth)
	require.Equal(t, uint32(8), events[0].MaxBufferSize)

	events, _ = dec.Decode(b.Transactions()[3])
	replace := events[0]
	require.Equal(t, treetest.Leaf(0), replace.Operation.PreviousLeaf)
	require.Equal(t, treetest.Leaf(10), replace.NewLeaf)
	require.Len(t, replace.Proof, 3, "canopy of 2 levels shortens a depth 5 proof")
	root, ok := replace.EmittedRoot()
	require.True(t, ok)
	require.NotEqual(t, common.Hash{}, root)
}

func TestDecodeMultipleInstructions(t *testing.T) {
	treeA, treeB := treetest.Pubkey("a"), treetest.Pubkey("b")
	a := treetest.NewBuilder(t, treeA, 3, 8, 0)
	bb := treetest.NewBuilder(t, treeB, 3, 8, 0)
	txA := a.Append(treetest.Leaf(1))
	txB := bb.Append(treetest.Leaf(2))

	// Both appends in one transaction, interleaved with foreign programs.
	tx := &clevent.RawTransaction{Signature: "multi", Slot: 9}
	tx.Instructions = append(tx.Instructions, clevent.RawInstruction{ProgramID: treetest.Pubkey("bubblegum"), Data: []byte{1, 2, 3}})
	tx.Instructions = append(tx.Instructions, txA.Instructions...)
	tx.Instructions = append(tx.Instructions, clevent.NoopInstruction([]byte{1, 0, 4, 0, 0, 0, 9, 9, 9, 9}))
	tx.Instructions = append(tx.Instructions, txB.Instructions...)

	events, errs := clevent.NewDecoder().Decode(tx)
	require.Empty(t, errs)
	require.Len(t, events, 2)
	require.Equal(t, treeA, events[0].Tree)
	require.Equal(t, treeB, events[1].Tree)
	require.Equal(t, treetest.Leaf(1), events[0].NewLeaf)
	require.Equal(t, treetest.Leaf(2), events[1].NewLeaf)
}

func TestDecodeRawNode(t *testing.T) {
	b := treetest.NewBuilder(t, treetest.Pubkey("tree"), 4, 8, 0)
	tx := b.Append(treetest.Leaf(3))
	// Only the change log survives, as when the instruction came from an
	// unknown wrapper program.
	raw := &clevent.RawTransaction{Signature: tx.Signature, Instructions: tx.Instructions[1:]}
	events, errs := clevent.NewDecoder().Decode(raw)
	require.Empty(t, errs)
	require.Len(t, events, 1)
	require.Equal(t, clevent.OpRawNode, events[0].Operation.Kind)
	require.Equal(t, treetest.Leaf(3), events[0].NewLeaf)
	require.Equal(t, uint64(1), events[0].Sequence)
}

func TestDecodeErrors(t *testing.T) {
	tree := treetest.Pubkey("tree")
	b := treetest.NewBuilder(t, tree, 3, 8, 0)
	good := b.Append(treetest.Leaf(1))
	validLog := good.Instructions[1].Data

	tests := []struct {
		name string
		ixs  []clevent.RawInstruction
		kind error
	}{
		{
			name: "unknown discriminator",
			ixs:  []clevent.RawInstruction{{ProgramID: types.CompressionProgram, Accounts: []types.Pubkey{tree}, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
			kind: clevent.ErrUnrecognizedInstruction,
		},
		{
			name: "short instruction data",
			ixs:  []clevent.RawInstruction{{ProgramID: types.CompressionProgram, Accounts: []types.Pubkey{tree}, Data: []byte{1, 2}}},
			kind: clevent.ErrMalformedPayload,
		},
		{
			name: "truncated change log",
			ixs:  []clevent.RawInstruction{clevent.NoopInstruction(validLog[:len(validLog)-3])},
			kind: clevent.ErrMalformedPayload,
		},
		{
			name: "trailing bytes",
			ixs:  []clevent.RawInstruction{clevent.NoopInstruction(append(append([]byte{}, validLog...), 0))},
			kind: clevent.ErrMalformedPayload,
		},
		{
			name: "unknown change log version",
			ixs:  []clevent.RawInstruction{clevent.NoopInstruction(append([]byte{0, 7}, validLog[2:]...))},
			kind: clevent.ErrMalformedPayload,
		},
		{
			name: "instruction without change log",
			ixs:  []clevent.RawInstruction{good.Instructions[0]},
			kind: clevent.ErrMalformedPayload,
		},
		{
			name: "change log leaf disagrees",
			ixs: []clevent.RawInstruction{
				clevent.AppendInstruction(tree, b.Authority, treetest.Leaf(2)),
				good.Instructions[1],
			},
			kind: clevent.ErrMalformedPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &clevent.RawTransaction{Signature: "sig", Instructions: tt.ixs}
			events, errs := clevent.NewDecoder().Decode(tx)
			require.Empty(t, events)
			require.Len(t, errs, 1)
			require.ErrorIs(t, errs[0], tt.kind)
			var de *clevent.DecodeError
			require.True(t, errors.As(errs[0], &de))
			require.Equal(t, "sig", de.Signature)
		})
	}
}

func TestDecodeSkips(t *testing.T) {
	b := treetest.NewBuilder(t, treetest.Pubkey("tree"), 3, 8, 0)
	tx := b.Append(treetest.Leaf(1))

	failed := *tx
	failed.Failed = true
	events, errs := clevent.NewDecoder().Decode(&failed)
	require.Empty(t, events)
	require.Empty(t, errs)

	root := b.Reference().Root()
	verify := &clevent.RawTransaction{Instructions: []clevent.RawInstruction{
		clevent.VerifyLeafInstruction(b.Tree, root, treetest.Leaf(1), 0, b.Proof(0)),
	}}
	events, errs = clevent.NewDecoder().Decode(verify)
	require.Empty(t, events)
	require.Empty(t, errs)

	// Custom deployments are ignored by the canonical decoder.
	other := clevent.NewDecoderWithPrograms(treetest.Pubkey("cmt"), treetest.Pubkey("noop"))
	events, errs = other.Decode(tx)
	require.Empty(t, events)
	require.Empty(t, errs)
}

func TestEncodeChangeLogLayout(t *testing.T) {
	tree := treetest.Pubkey("tree")
	path := []cmt.PathNode{{Node: common.Hash{1}, Index: 2}, {Node: common.Hash{2}, Index: 1}}
	data := clevent.EncodeChangeLog(tree, path, 7, 0)
	require.Len(t, data, 2+32+4+2*36+8+4)
	require.Equal(t, byte(0), data[0])
	require.Equal(t, tree[:], data[2:34])
	require.Equal(t, []byte{2, 0, 0, 0}, data[34:38])
}
