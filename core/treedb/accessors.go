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

package treedb

import (
	"encoding/binary"
	"fmt"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
)

// WriteStatus stores the latest record of a tree.
func WriteStatus(db ethdb.KeyValueWriter, r *status.Record) error {
	data, err := rlp.EncodeToBytes(r)
	if err != nil {
		return fmt.Errorf("encode status of %s: %w", r.Tree, err)
	}
	if err := db.Put(statusKey(r.Tree), data); err != nil {
		return fmt.Errorf("write status of %s: %w", r.Tree, err)
	}
	return nil
}

// ReadStatus reads the record of a tree. It returns status.ErrNotFound if
// the tree was never checked.
func ReadStatus(db ethdb.KeyValueReader, tree types.Pubkey) (*status.Record, error) {
	data, err := get(db, statusKey(tree))
	if err != nil {
		return nil, err
	}
	var r status.Record
	if err := rlp.DecodeBytes(data, &r); err != nil {
		return nil, fmt.Errorf("decode status of %s: %w", tree, err)
	}
	return &r, nil
}

// IterateStatuses calls fn for every stored record in key order until fn
// returns false.
func IterateStatuses(db ethdb.Iteratee, fn func(*status.Record) bool) error {
	it := db.NewIterator(statusPrefix, nil)
	defer it.Release()

	for it.Next() {
		if len(it.Key()) != len(statusPrefix)+32 {
			continue
		}
		var r status.Record
		if err := rlp.DecodeBytes(it.Value(), &r); err != nil {
			return fmt.Errorf("decode status %x: %w", it.Key(), err)
		}
		if !fn(&r) {
			return nil
		}
	}
	return it.Error()
}

// WriteCheckpoint stores the resume point of a tree.
func WriteCheckpoint(db ethdb.KeyValueWriter, c *status.Checkpoint) error {
	data, err := rlp.EncodeToBytes(c)
	if err != nil {
		return fmt.Errorf("encode checkpoint of %s: %w", c.Tree, err)
	}
	if err := db.Put(checkpointKey(c.Tree), data); err != nil {
		return fmt.Errorf("write checkpoint of %s: %w", c.Tree, err)
	}
	return nil
}

// ReadCheckpoint reads the resume point of a tree. It returns
// status.ErrNotFound if none was written.
func ReadCheckpoint(db ethdb.KeyValueReader, tree types.Pubkey) (*status.Checkpoint, error) {
	data, err := get(db, checkpointKey(tree))
	if err != nil {
		return nil, err
	}
	var c status.Checkpoint
	if err := rlp.DecodeBytes(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint of %s: %w", tree, err)
	}
	return &c, nil
}

// DeleteCheckpoint removes the resume point of a tree.
func DeleteCheckpoint(db ethdb.KeyValueWriter, tree types.Pubkey) error {
	if err := db.Delete(checkpointKey(tree)); err != nil {
		return fmt.Errorf("delete checkpoint of %s: %w", tree, err)
	}
	return nil
}

// IterateCheckpointTrees calls fn with every tree holding a checkpoint.
func IterateCheckpointTrees(db ethdb.Iteratee, fn func(types.Pubkey) bool) error {
	it := db.NewIterator(checkpointPrefix, nil)
	defer it.Release()

	for it.Next() {
		tree, err := types.BytesToPubkey(it.Key()[len(checkpointPrefix):])
		if err != nil {
			continue
		}
		if !fn(tree) {
			return nil
		}
	}
	return it.Error()
}

func get(db ethdb.KeyValueReader, key []byte) ([]byte, error) {
	ok, err := db.Has(key)
	if err != nil {
		return nil, fmt.Errorf("lookup %x: %w", key, err)
	}
	if !ok {
		return nil, status.ErrNotFound
	}
	return db.Get(key)
}

// WriteRefetchRequestAtomic writes a request at seq and advances the
// sequence counter to nextSeq in one batch.
func WriteRefetchRequestAtomic(db ethdb.Batcher, seq uint64, req *status.RefetchRequest, nextSeq uint64) error {
	data, err := rlp.EncodeToBytes(req)
	if err != nil {
		return fmt.Errorf("encode refetch request: %w", err)
	}
	batch := db.NewBatch()
	if err := batch.Put(refetchKey(seq), data); err != nil {
		return fmt.Errorf("add refetch request to batch: %w", err)
	}
	if err := batch.Put(refetchSeqCounterKey, binary.BigEndian.AppendUint64(nil, nextSeq)); err != nil {
		return fmt.Errorf("add sequence counter to batch: %w", err)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write refetch batch: %w", err)
	}
	return nil
}

// ReadRefetchSeqCounter returns the sequence the next request is assigned.
func ReadRefetchSeqCounter(db ethdb.KeyValueReader) (uint64, error) {
	return readUint64(db, refetchSeqCounterKey)
}

// ReadRefetchLowestSeq returns the lowest unacknowledged sequence.
func ReadRefetchLowestSeq(db ethdb.KeyValueReader) (uint64, error) {
	return readUint64(db, refetchLowestSeqKey)
}

func readUint64(db ethdb.KeyValueReader, key []byte) (uint64, error) {
	data, err := get(db, key)
	switch {
	case err == status.ErrNotFound:
		return 0, nil
	case err != nil:
		return 0, err
	case len(data) != 8:
		return 0, fmt.Errorf("corrupt counter %q: %d bytes", key, len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// IterateRefetchRequests calls fn for every request from start on, in
// sequence order, until fn returns false.
func IterateRefetchRequests(db ethdb.Iteratee, start uint64, fn func(seq uint64, req *status.RefetchRequest) bool) error {
	startKey := refetchKey(start)
	it := db.NewIterator(refetchPrefix, startKey[len(refetchPrefix):])
	defer it.Release()

	for it.Next() {
		key := it.Key()
		if len(key) != len(refetchPrefix)+8 {
			continue
		}
		seq := binary.BigEndian.Uint64(key[len(refetchPrefix):])
		var req status.RefetchRequest
		if err := rlp.DecodeBytes(it.Value(), &req); err != nil {
			return fmt.Errorf("decode refetch request %d: %w", seq, err)
		}
		if !fn(seq, &req) {
			return nil
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("iterate refetch requests from %d: %w", start, err)
	}
	return nil
}

// DeleteRefetchRequests deletes requests [from, to] and records to+1 as the
// lowest remaining sequence.
func DeleteRefetchRequests(db ethdb.KeyValueStore, from, to uint64) (int, error) {
	if from > to {
		return 0, nil
	}
	batch := db.NewBatch()
	count := 0
	for seq := from; seq <= to; seq++ {
		if err := batch.Delete(refetchKey(seq)); err != nil {
			return count, fmt.Errorf("delete refetch request %d: %w", seq, err)
		}
		count++
		if count%1000 == 0 {
			if err := batch.Write(); err != nil {
				return count, fmt.Errorf("write batch: %w", err)
			}
			batch.Reset()
		}
	}
	if err := batch.Put(refetchLowestSeqKey, binary.BigEndian.AppendUint64(nil, to+1)); err != nil {
		return count, fmt.Errorf("add lowest sequence to batch: %w", err)
	}
	if err := batch.Write(); err != nil {
		return count, fmt.Errorf("write final batch: %w", err)
	}
	return count, nil
}
