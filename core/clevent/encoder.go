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

package clevent

import (
	"encoding/binary"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/common"
)

// EncodeChangeLog renders a change-log event the way the compression program
// logs it through the noop program.
func EncodeChangeLog(tree types.Pubkey, path []cmt.PathNode, seq uint64, index uint32) []byte {
	out := make([]byte, 0, 2+32+4+len(path)*36+12)
	out = append(out, tagChangeLog, tagChangeLogV1)
	out = append(out, tree[:]...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(path)))
	for _, n := range path {
		out = append(out, n.Node[:]...)
		out = binary.LittleEndian.AppendUint32(out, n.Index)
	}
	out = binary.LittleEndian.AppendUint64(out, seq)
	out = binary.LittleEndian.AppendUint32(out, index)
	return out
}

// NoopInstruction wraps data in an inner noop instruction.
func NoopInstruction(data []byte) RawInstruction {
	return RawInstruction{ProgramID: types.NoopProgram, Data: data, StackHeight: 2}
}

func compressionInstruction(disc [discriminatorSize]byte, args []byte, tree, authority types.Pubkey, proof []common.Hash) RawInstruction {
	data := append(disc[:], args...)
	accounts := []types.Pubkey{tree, authority, types.NoopProgram}
	for _, p := range proof {
		accounts = append(accounts, types.Pubkey(p))
	}
	return RawInstruction{ProgramID: types.CompressionProgram, Accounts: accounts, Data: data, StackHeight: 1}
}

// InitEmptyMerkleTreeInstruction builds an init_empty_merkle_tree call.
func InitEmptyMerkleTreeInstruction(tree, authority types.Pubkey, maxDepth, maxBufferSize uint32) RawInstruction {
	args := binary.LittleEndian.AppendUint32(nil, maxDepth)
	args = binary.LittleEndian.AppendUint32(args, maxBufferSize)
	return compressionInstruction(ixInitEmptyMerkleTree, args, tree, authority, nil)
}

// AppendInstruction builds an append call.
func AppendInstruction(tree, authority types.Pubkey, leaf common.Hash) RawInstruction {
	return compressionInstruction(ixAppend, leaf[:], tree, authority, nil)
}

// ReplaceLeafInstruction builds a replace_leaf call.
func ReplaceLeafInstruction(tree, authority types.Pubkey, root, previous, leaf common.Hash, index uint32, proof []common.Hash) RawInstruction {
	args := make([]byte, 0, 100)
	args = append(args, root[:]...)
	args = append(args, previous[:]...)
	args = append(args, leaf[:]...)
	args = binary.LittleEndian.AppendUint32(args, index)
	return compressionInstruction(ixReplaceLeaf, args, tree, authority, proof)
}

// InsertOrAppendInstruction builds an insert_or_append call.
func InsertOrAppendInstruction(tree, authority types.Pubkey, root, leaf common.Hash, index uint32, proof []common.Hash) RawInstruction {
	args := make([]byte, 0, 68)
	args = append(args, root[:]...)
	args = append(args, leaf[:]...)
	args = binary.LittleEndian.AppendUint32(args, index)
	return compressionInstruction(ixInsertOrAppend, args, tree, authority, proof)
}

// InitPreparedTreeWithRootInstruction builds an init_prepared_tree_with_root
// call whose proof is that of the rightmost leaf.
func InitPreparedTreeWithRootInstruction(tree, authority types.Pubkey, root, rightmost common.Hash, index uint32, proof []common.Hash) RawInstruction {
	args := make([]byte, 0, 68)
	args = append(args, root[:]...)
	args = append(args, rightmost[:]...)
	args = binary.LittleEndian.AppendUint32(args, index)
	return compressionInstruction(ixInitPreparedTreeWithRoot, args, tree, authority, proof)
}

// VerifyLeafInstruction builds a verify_leaf call.
func VerifyLeafInstruction(tree types.Pubkey, root, leaf common.Hash, index uint32, proof []common.Hash) RawInstruction {
	args := make([]byte, 0, 68)
	args = append(args, root[:]...)
	args = append(args, leaf[:]...)
	args = binary.LittleEndian.AppendUint32(args, index)
	return compressionInstruction(ixVerifyLeaf, args, tree, types.Pubkey{}, proof)
}
