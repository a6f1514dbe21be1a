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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// AccountHeaderSize is the size of the account header preceding the tree.
	AccountHeaderSize = 56

	accountTypeTree     = 1
	accountHeaderV1     = 0
	treeCountersSize    = 24
	changeLogFixedSize  = 32 + 8 // Root, index and padding
	rightmostFixedSize  = 32 + 8 // Leaf, index and padding
	headerPaddingLength = 6
)

var (
	ErrAccountType    = errors.New("account is not a concurrent merkle tree")
	ErrAccountVersion = errors.New("unsupported account header version")
	ErrAccountSize    = errors.New("unexpected account size")
)

// AccountHeader is the fixed header of a tree account.
type AccountHeader struct {
	MaxBufferSize uint32
	MaxDepth      uint32
	Authority     types.Pubkey
	CreationSlot  uint64
}

// Account is the decoded contents of a tree account as held by the ledger.
type Account struct {
	Header      AccountHeader
	Sequence    uint64
	ActiveIndex uint64
	BufferSize  uint64
	ChangeLogs  []ChangeLog
	Rightmost   Path
	Canopy      []common.Hash
}

// Root returns the authoritative root.
func (a *Account) Root() common.Hash {
	return a.ChangeLogs[a.ActiveIndex].Root
}

// CanopyDepth returns the number of levels held in the canopy.
func (a *Account) CanopyDepth() uint32 {
	depth, _ := CanopyDepth(len(a.Canopy))
	return depth
}

func treeBodySize(depth, bufferSize uint32) int {
	return treeCountersSize +
		int(bufferSize)*(changeLogFixedSize+32*int(depth)) +
		32*int(depth) + rightmostFixedSize
}

// ParseAccount decodes raw tree account data.
func ParseAccount(data []byte) (*Account, error) {
	if len(data) < AccountHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrAccountSize, len(data))
	}
	if data[0] != accountTypeTree {
		return nil, fmt.Errorf("%w: type %d", ErrAccountType, data[0])
	}
	if data[1] != accountHeaderV1 {
		return nil, fmt.Errorf("%w: %d", ErrAccountVersion, data[1])
	}
	acc := &Account{
		Header: AccountHeader{
			MaxBufferSize: binary.LittleEndian.Uint32(data[2:6]),
			MaxDepth:      binary.LittleEndian.Uint32(data[6:10]),
			CreationSlot:  binary.LittleEndian.Uint64(data[42:50]),
		},
	}
	copy(acc.Header.Authority[:], data[10:42])

	depth, bufSize := acc.Header.MaxDepth, acc.Header.MaxBufferSize
	if depth == 0 || depth > MaxDepth || bufSize == 0 {
		return nil, fmt.Errorf("%w: depth %d, buffer size %d", ErrInvalidSize, depth, bufSize)
	}
	body := data[AccountHeaderSize:]
	size := treeBodySize(depth, bufSize)
	if len(body) < size {
		return nil, fmt.Errorf("%w: tree body has %d bytes, want %d", ErrAccountSize, len(body), size)
	}
	r := reader{buf: body}
	acc.Sequence = r.uint64()
	acc.ActiveIndex = r.uint64()
	acc.BufferSize = r.uint64()
	if acc.ActiveIndex >= uint64(bufSize) {
		return nil, fmt.Errorf("%w: active index %d, buffer size %d", ErrInvalidSize, acc.ActiveIndex, bufSize)
	}
	acc.ChangeLogs = make([]ChangeLog, bufSize)
	for i := range acc.ChangeLogs {
		cl := &acc.ChangeLogs[i]
		cl.Root = r.hash()
		cl.Path = r.hashes(int(depth))
		cl.Index = r.uint32()
		r.skip(4)
	}
	acc.Rightmost.Proof = r.hashes(int(depth))
	acc.Rightmost.Leaf = r.hash()
	acc.Rightmost.Index = r.uint32()
	r.skip(4)

	rest := body[size:]
	if len(rest)%32 != 0 {
		return nil, fmt.Errorf("%w: canopy has %d bytes", ErrAccountSize, len(rest))
	}
	if _, err := CanopyDepth(len(rest) / 32); err != nil {
		return nil, err
	}
	cr := reader{buf: rest}
	acc.Canopy = cr.hashes(len(rest) / 32)
	return acc, nil
}

// Marshal encodes the account in its ledger layout.
func (a *Account) Marshal() []byte {
	depth, bufSize := a.Header.MaxDepth, a.Header.MaxBufferSize
	out := make([]byte, 0, AccountHeaderSize+treeBodySize(depth, bufSize)+32*len(a.Canopy))
	out = append(out, accountTypeTree, accountHeaderV1)
	out = binary.LittleEndian.AppendUint32(out, bufSize)
	out = binary.LittleEndian.AppendUint32(out, depth)
	out = append(out, a.Header.Authority[:]...)
	out = binary.LittleEndian.AppendUint64(out, a.Header.CreationSlot)
	out = append(out, make([]byte, headerPaddingLength)...)

	out = binary.LittleEndian.AppendUint64(out, a.Sequence)
	out = binary.LittleEndian.AppendUint64(out, a.ActiveIndex)
	out = binary.LittleEndian.AppendUint64(out, a.BufferSize)
	for i := 0; i < int(bufSize); i++ {
		var cl ChangeLog
		if i < len(a.ChangeLogs) {
			cl = a.ChangeLogs[i]
		}
		out = append(out, cl.Root[:]...)
		out = appendHashes(out, cl.Path, int(depth))
		out = binary.LittleEndian.AppendUint32(out, cl.Index)
		out = append(out, 0, 0, 0, 0)
	}
	out = appendHashes(out, a.Rightmost.Proof, int(depth))
	out = append(out, a.Rightmost.Leaf[:]...)
	out = binary.LittleEndian.AppendUint32(out, a.Rightmost.Index)
	out = append(out, 0, 0, 0, 0)
	for _, n := range a.Canopy {
		out = append(out, n[:]...)
	}
	return out
}

// Account renders the tree as the ledger would store it.
func (t *Tree) Account(authority types.Pubkey, creationSlot uint64) *Account {
	acc := &Account{
		Header: AccountHeader{
			MaxBufferSize: t.maxBufferSize,
			MaxDepth:      t.depth,
			Authority:     authority,
			CreationSlot:  creationSlot,
		},
		Sequence:    t.sequence,
		ActiveIndex: t.activeIndex,
		BufferSize:  t.bufferSize,
		ChangeLogs:  make([]ChangeLog, len(t.changeLogs)),
		Rightmost:   t.Rightmost(),
		Canopy:      t.canopy.Nodes(),
	}
	for i := range t.changeLogs {
		acc.ChangeLogs[i] = t.changeLogs[i].copy()
	}
	return acc
}

func appendHashes(out []byte, hashes []common.Hash, n int) []byte {
	for i := 0; i < n; i++ {
		var h common.Hash
		if i < len(hashes) {
			h = hashes[i]
		}
		out = append(out, h[:]...)
	}
	return out
}

// reader consumes little-endian fields. Callers check the length up front.
type reader struct {
	buf []byte
	off int
}

func (r *reader) skip(n int) { r.off += n }

func (r *reader) uint32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) uint64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) hash() common.Hash {
	h := common.BytesToHash(r.buf[r.off : r.off+32])
	r.off += 32
	return h
}

func (r *reader) hashes(n int) []common.Hash {
	out := make([]common.Hash, n)
	for i := range out {
		out[i] = r.hash()
	}
	return out
}
