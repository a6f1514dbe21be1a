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
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnrecognizedInstruction = errors.New("unrecognized instruction")
	ErrMalformedPayload        = errors.New("malformed payload")
)

// DecodeError reports an instruction that could not be decoded.
type DecodeError struct {
	Signature   string
	Instruction int   // Position in the flattened instruction list
	Kind        error // ErrUnrecognizedInstruction or ErrMalformedPayload
	Reason      string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tx %s instruction %d: %v: %s", e.Signature, e.Instruction, e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Kind }

const discriminatorSize = 8

// Event tags of the compression event enum and its change-log variant.
const (
	tagChangeLog   = 0
	tagChangeLogV1 = 0
)

func discriminator(name string) [discriminatorSize]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [discriminatorSize]byte
	copy(d[:], sum[:discriminatorSize])
	return d
}

var (
	ixInitEmptyMerkleTree      = discriminator("init_empty_merkle_tree")
	ixAppend                   = discriminator("append")
	ixReplaceLeaf              = discriminator("replace_leaf")
	ixInsertOrAppend           = discriminator("insert_or_append")
	ixVerifyLeaf               = discriminator("verify_leaf")
	ixTransferAuthority        = discriminator("transfer_authority")
	ixCloseEmptyTree           = discriminator("close_empty_tree")
	ixPrepareBatchMerkleTree   = discriminator("prepare_batch_merkle_tree")
	ixAppendCanopyNodes        = discriminator("append_canopy_nodes")
	ixInitPreparedTreeWithRoot = discriminator("init_prepared_tree_with_root")

	// Instructions that do not modify leaves.
	passiveInstructions = map[[discriminatorSize]byte]string{
		ixVerifyLeaf:             "verify_leaf",
		ixTransferAuthority:      "transfer_authority",
		ixCloseEmptyTree:         "close_empty_tree",
		ixPrepareBatchMerkleTree: "prepare_batch_merkle_tree",
		ixAppendCanopyNodes:      "append_canopy_nodes",
	}
)

// proofAccountsOffset is the first remaining account of replace_leaf,
// insert_or_append and init_prepared_tree_with_root; those accounts carry
// the proof nodes.
const proofAccountsOffset = 3

// Decoder turns raw transactions into change-log events.
type Decoder struct {
	compression types.Pubkey
	noop        types.Pubkey
}

// NewDecoder returns a decoder for the canonical program deployments.
func NewDecoder() *Decoder {
	return &Decoder{compression: types.CompressionProgram, noop: types.NoopProgram}
}

// NewDecoderWithPrograms returns a decoder for custom program deployments.
func NewDecoderWithPrograms(compression, noop types.Pubkey) *Decoder {
	return &Decoder{compression: compression, noop: noop}
}

// Decode extracts the change-log events of tx in execution order. Each
// instruction decodes on its own, so a failure of one is reported next to
// the events of the others. Failed transactions yield nothing.
func (d *Decoder) Decode(tx *RawTransaction) ([]*Event, []error) {
	if tx.Failed {
		return nil, nil
	}
	var (
		events  []*Event
		errs    []error
		pending = make(map[types.Pubkey][]*Event)
		origin  = make(map[*Event]int)
	)
	fail := func(i int, kind error, format string, args ...any) {
		errs = append(errs, &DecodeError{Signature: tx.Signature, Instruction: i, Kind: kind, Reason: fmt.Sprintf(format, args...)})
	}
	for i, ix := range tx.Instructions {
		switch ix.ProgramID {
		case d.compression:
			ev, err := decodeCompressionInstruction(&ix)
			if err != nil {
				errs = append(errs, withPosition(err, tx.Signature, i))
				continue
			}
			if ev == nil {
				continue
			}
			pending[ev.Tree] = append(pending[ev.Tree], ev)
			origin[ev] = i
			events = append(events, ev)

		case d.noop:
			cl, err := decodeChangeLog(ix.Data)
			if err != nil {
				errs = append(errs, withPosition(err, tx.Signature, i))
				continue
			}
			if cl == nil {
				continue
			}
			if queue := pending[cl.Tree]; len(queue) > 0 {
				ev := queue[0]
				pending[cl.Tree] = queue[1:]
				if err := ev.merge(cl); err != nil {
					fail(i, ErrMalformedPayload, "%v", err)
					delete(origin, ev)
				}
				continue
			}
			cl.Operation = Operation{Kind: OpRawNode}
			events = append(events, cl)
		}
	}
	// Drop instructions that never emitted a change log, and those whose
	// change log contradicted the instruction.
	out := events[:0]
	for _, ev := range events {
		if ev.Path == nil {
			if i, ok := origin[ev]; ok {
				fail(i, ErrMalformedPayload, "%s instruction without change log", ev.Operation.Kind)
			}
			continue
		}
		ev.Signature = tx.Signature
		ev.Slot = tx.Slot
		out = append(out, ev)
	}
	return out, errs
}

func withPosition(err error, sig string, i int) error {
	var de *DecodeError
	if errors.As(err, &de) {
		de.Signature = sig
		de.Instruction = i
	}
	return err
}

func malformed(format string, args ...any) error {
	return &DecodeError{Kind: ErrMalformedPayload, Reason: fmt.Sprintf(format, args...)}
}

// merge completes an instruction event with its emitted change log.
func (e *Event) merge(cl *Event) error {
	if e.Operation.Kind == OpPrepare {
		// Only the sequence and root of the emitted entry are meaningful.
		e.Sequence = cl.Sequence
		e.Path = cl.Path
		if root, _ := cl.EmittedRoot(); root != e.Root {
			e.Path = nil
			return fmt.Errorf("change log root %x does not match prepared root %x", root, e.Root)
		}
		return nil
	}
	if e.Operation.Kind != OpInitialize && e.Operation.Kind != OpAppend && e.Operation.Kind != OpInsert && cl.LeafIndex != e.LeafIndex {
		e.Path = nil
		return fmt.Errorf("change log index %d does not match instruction index %d", cl.LeafIndex, e.LeafIndex)
	}
	e.Sequence = cl.Sequence
	e.LeafIndex = cl.LeafIndex
	e.Path = cl.Path
	if e.Operation.Kind == OpInitialize {
		return nil
	}
	if leaf := cl.Path[0].Node; leaf != e.NewLeaf {
		e.Path = nil
		return fmt.Errorf("change log leaf %x does not match instruction leaf %x", leaf, e.NewLeaf)
	}
	return nil
}

func decodeCompressionInstruction(ix *RawInstruction) (*Event, error) {
	if len(ix.Data) < discriminatorSize {
		return nil, malformed("instruction data of %d bytes", len(ix.Data))
	}
	var disc [discriminatorSize]byte
	copy(disc[:], ix.Data)
	if _, ok := passiveInstructions[disc]; ok {
		return nil, nil
	}
	if len(ix.Accounts) == 0 {
		return nil, malformed("instruction without accounts")
	}
	args := ix.Data[discriminatorSize:]
	ev := &Event{Tree: ix.Accounts[0]}
	switch disc {
	case ixInitEmptyMerkleTree:
		if len(args) != 8 {
			return nil, malformed("init_empty_merkle_tree args of %d bytes", len(args))
		}
		ev.Operation = Operation{Kind: OpInitialize}
		ev.MaxDepth = binary.LittleEndian.Uint32(args[0:4])
		ev.MaxBufferSize = binary.LittleEndian.Uint32(args[4:8])

	case ixInitPreparedTreeWithRoot:
		if len(args) != 32*2+4 {
			return nil, malformed("init_prepared_tree_with_root args of %d bytes", len(args))
		}
		ev.Root = common.BytesToHash(args[0:32])
		ev.Operation = Operation{Kind: OpPrepare}
		ev.NewLeaf = common.BytesToHash(args[32:64])
		ev.LeafIndex = binary.LittleEndian.Uint32(args[64:68])
		ev.Proof = proofFromAccounts(ix.Accounts)

	case ixAppend:
		if len(args) != 32 {
			return nil, malformed("append args of %d bytes", len(args))
		}
		ev.Operation = Operation{Kind: OpAppend}
		ev.NewLeaf = common.BytesToHash(args)

	case ixReplaceLeaf:
		if len(args) != 32*3+4 {
			return nil, malformed("replace_leaf args of %d bytes", len(args))
		}
		ev.Root = common.BytesToHash(args[0:32])
		ev.Operation = Operation{Kind: OpReplace, PreviousLeaf: common.BytesToHash(args[32:64])}
		ev.NewLeaf = common.BytesToHash(args[64:96])
		ev.LeafIndex = binary.LittleEndian.Uint32(args[96:100])
		ev.Proof = proofFromAccounts(ix.Accounts)

	case ixInsertOrAppend:
		if len(args) != 32*2+4 {
			return nil, malformed("insert_or_append args of %d bytes", len(args))
		}
		ev.Root = common.BytesToHash(args[0:32])
		ev.Operation = Operation{Kind: OpInsert}
		ev.NewLeaf = common.BytesToHash(args[32:64])
		ev.LeafIndex = binary.LittleEndian.Uint32(args[64:68])
		ev.Proof = proofFromAccounts(ix.Accounts)

	default:
		return nil, &DecodeError{Kind: ErrUnrecognizedInstruction, Reason: fmt.Sprintf("discriminator %x", disc)}
	}
	return ev, nil
}

func proofFromAccounts(accounts []types.Pubkey) []common.Hash {
	if len(accounts) <= proofAccountsOffset {
		return nil
	}
	proof := make([]common.Hash, 0, len(accounts)-proofAccountsOffset)
	for _, acc := range accounts[proofAccountsOffset:] {
		proof = append(proof, acc.Hash())
	}
	return proof
}

// decodeChangeLog parses noop instruction data. It returns nil without an
// error for payloads that are not change logs.
func decodeChangeLog(data []byte) (*Event, error) {
	if len(data) < 2 || data[0] != tagChangeLog {
		// Application data or a foreign payload.
		return nil, nil
	}
	if data[1] != tagChangeLogV1 {
		return nil, malformed("change log version %d", data[1])
	}
	r := bytes.NewReader(data[2:])
	var (
		id    [32]byte
		count uint32
	)
	if r.Len() < len(id)+4 {
		return nil, malformed("truncated change log header")
	}
	r.Read(id[:])
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, malformed("truncated path length")
	}
	if count < 2 || count > cmt.MaxDepth+1 {
		return nil, malformed("path of %d nodes", count)
	}
	if want := int(count)*36 + 12; r.Len() != want {
		return nil, malformed("change log body of %d bytes, want %d", r.Len(), want)
	}
	ev := &Event{Tree: types.Pubkey(id), Path: make([]cmt.PathNode, count)}
	for i := range ev.Path {
		var node [32]byte
		r.Read(node[:])
		ev.Path[i].Node = common.Hash(node)
		binary.Read(r, binary.LittleEndian, &ev.Path[i].Index)
	}
	binary.Read(r, binary.LittleEndian, &ev.Sequence)
	binary.Read(r, binary.LittleEndian, &ev.LeafIndex)

	depth := count - 1
	if ev.Path[depth].Index != 1 {
		return nil, malformed("path does not end at the root")
	}
	if uint64(ev.Path[0].Index) != cmt.NodeIndex(depth, ev.LeafIndex, 0) {
		return nil, malformed("leaf node %d does not belong to leaf %d", ev.Path[0].Index, ev.LeafIndex)
	}
	ev.NewLeaf = ev.Path[0].Node
	return ev, nil
}
