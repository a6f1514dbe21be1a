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

// Package treedb contains the key-value accessors of the verifier's
// persisted state.
package treedb

import (
	"encoding/binary"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
)

var (
	// statusPrefix + tree -> rlp(status.Record)
	statusPrefix = []byte("ts-s")

	// checkpointPrefix + tree -> rlp(status.Checkpoint)
	checkpointPrefix = []byte("ts-c")

	// refetchPrefix + seq (uint64 big endian) -> rlp(status.RefetchRequest)
	refetchPrefix = []byte("ts-r")

	refetchSeqCounterKey = []byte("ts-rseq")
	refetchLowestSeqKey  = []byte("ts-rlow")
)

func statusKey(tree types.Pubkey) []byte {
	return append(append([]byte{}, statusPrefix...), tree[:]...)
}

func checkpointKey(tree types.Pubkey) []byte {
	return append(append([]byte{}, checkpointPrefix...), tree[:]...)
}

func refetchKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, refetchPrefix...), seq)
}
