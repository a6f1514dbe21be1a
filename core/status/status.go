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

// Package status defines what the verifier persists about trees and the
// interfaces of the stores and forwarders that hold it.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/verdict"
)

// KindError is the record kind of a tree whose check stopped on a fatal
// error instead of reaching a verdict.
const KindError = "error"

// ErrNotFound is returned when nothing is stored for a tree.
var ErrNotFound = errors.New("not found")

// Record is the latest check result of a tree.
type Record struct {
	Tree          types.Pubkey
	Kind          string // Verdict kind or KindError
	Detail        string
	LastApplied   uint64
	Authoritative uint64
	CheckedAt     uint64 // Unix seconds
}

// Healthy reports whether the record holds a healthy verdict.
func (r *Record) Healthy() bool { return r.Kind == verdict.Healthy.String() }

// Checkpoint is what a later run needs to resume the replay of a tree.
type Checkpoint struct {
	Tree        types.Pubkey
	Sequence    uint64
	Depth       uint32
	BufferSize  uint32
	CanopyDepth uint32
	Cursor      string // Signature of the transaction carrying Sequence
	UpdatedAt   uint64
	Snapshot    []byte `rlp:"optional"` // Encoded tree snapshot, when enabled
}

// CheckSchema compares the immutable tree parameters recorded in c with the
// ones the account holds now.
func (c *Checkpoint) CheckSchema(depth, bufferSize, canopyDepth uint32) error {
	if c.Depth != depth || c.BufferSize != bufferSize || c.CanopyDepth != canopyDepth {
		return fmt.Errorf("checkpoint has depth %d buffer %d canopy %d, account has depth %d buffer %d canopy %d",
			c.Depth, c.BufferSize, c.CanopyDepth, depth, bufferSize, canopyDepth)
	}
	return nil
}

// RefetchRequest asks the ingestion pipeline to fetch the transactions
// carrying sequences From to To of a tree again.
type RefetchRequest struct {
	Tree   types.Pubkey `json:"tree"`
	From   uint64       `json:"from"`
	To     uint64       `json:"to"`
	After  string       `json:"after,omitempty"`  // Signature just before the range
	Before string       `json:"before,omitempty"` // Signature just after the range
}

// Store persists records and checkpoints.
type Store interface {
	WriteStatus(ctx context.Context, r *Record) error
	ReadStatus(ctx context.Context, tree types.Pubkey) (*Record, error)
	ListStatuses(ctx context.Context) ([]*Record, error)

	WriteCheckpoint(ctx context.Context, c *Checkpoint) error
	ReadCheckpoint(ctx context.Context, tree types.Pubkey) (*Checkpoint, error)

	// Trees lists every tree with a record or a checkpoint.
	Trees(ctx context.Context) ([]types.Pubkey, error)

	Close() error
}

// Forwarder hands refetch requests to the ingestion pipeline.
type Forwarder interface {
	Enqueue(ctx context.Context, req RefetchRequest) error
}
