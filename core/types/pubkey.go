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

// Package types contains the identifiers shared by the tree verification
// packages.
package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// PubkeyLength is the expected length of a ledger public key.
const PubkeyLength = 32

var errPubkeyLength = errors.New("invalid public key length")

var (
	// CompressionProgram is the account-compression program that owns trees.
	CompressionProgram = MustParsePubkey("cmtDvXumGCrqC1Age74AVPhSRVXJMd8PJS91L8KbNCK")

	// NoopProgram is the log wrapper the compression program emits change
	// logs through.
	NoopProgram = MustParsePubkey("noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV")
)

// Pubkey is a 32 byte ledger account address, rendered in base58.
type Pubkey [PubkeyLength]byte

// ParsePubkey decodes a base58 public key.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("decode pubkey %q: %w", s, err)
	}
	if len(b) != PubkeyLength {
		return pk, fmt.Errorf("%w: %q has %d bytes", errPubkeyLength, s, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// MustParsePubkey is like ParsePubkey but panics on malformed input.
func MustParsePubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// BytesToPubkey converts b to a Pubkey. It fails unless b is exactly 32 bytes.
func BytesToPubkey(b []byte) (Pubkey, error) {
	var pk Pubkey
	if len(b) != PubkeyLength {
		return pk, fmt.Errorf("%w: %d bytes", errPubkeyLength, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// String implements fmt.Stringer.
func (pk Pubkey) String() string {
	return base58.Encode(pk[:])
}

// Bytes returns a copy of the key bytes.
func (pk Pubkey) Bytes() []byte {
	return bytes.Clone(pk[:])
}

// Hash reinterprets the key as a tree node. Proof nodes travel as account
// keys in compression instructions.
func (pk Pubkey) Hash() common.Hash {
	return common.Hash(pk)
}

// IsZero reports whether pk is the all-zero key.
func (pk Pubkey) IsZero() bool {
	return pk == Pubkey{}
}

// MarshalText implements encoding.TextMarshaler.
func (pk Pubkey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}
