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

// Package replay applies decoded change-log events to a concurrent Merkle
// tree in strict sequence order.
package replay

import (
	"errors"
	"fmt"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/ethereum/go-ethereum/common"
)

// ErrorKind classifies a replay failure.
type ErrorKind uint8

const (
	Duplicate ErrorKind = iota
	OutOfOrder
	Gap
	StaleProof
	LeafIndexOutOfRange
	ProofLength
	InvalidProof
	LeafModified
	TreeFull
	PathDiverged
	SchemaMismatch
	UnknownState
	Unsupported
)

func (k ErrorKind) String() string {
	switch k {
	case Duplicate:
		return "duplicate sequence"
	case OutOfOrder:
		return "out of order sequence"
	case Gap:
		return "sequence gap"
	case StaleProof:
		return "stale proof"
	case LeafIndexOutOfRange:
		return "leaf index out of range"
	case ProofLength:
		return "proof length mismatch"
	case InvalidProof:
		return "invalid proof"
	case LeafModified:
		return "leaf modified"
	case TreeFull:
		return "tree full"
	case PathDiverged:
		return "path diverged"
	case SchemaMismatch:
		return "schema mismatch"
	case UnknownState:
		return "unknown tree state"
	default:
		return "unsupported event"
	}
}

// ReplayError is a structural violation of the tree protocol. It halts the
// replay of a tree for good.
type ReplayError struct {
	Kind        ErrorKind
	Sequence    uint64 // Sequence of the offending event
	LastApplied uint64 // Sequence of the tree when the event was rejected
	Signature   string
	Emitted     common.Hash // Root carried by the event, set for PathDiverged
	Err         error
}

func (e *ReplayError) Error() string {
	msg := fmt.Sprintf("replay halted at sequence %d after %d: %s", e.Sequence, e.LastApplied, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Replayer owns a tree for the duration of one verification run. It is not
// safe for concurrent use.
type Replayer struct {
	tree    *cmt.Tree
	applied int
	err     *ReplayError
}

// New returns a replayer continuing from tree.
func New(tree *cmt.Tree) *Replayer {
	return &Replayer{tree: tree}
}

// Tree returns the replayed tree. After a failure it holds the state reached
// before the failing event, except on PathDiverged where the event has been
// applied.
func (r *Replayer) Tree() *cmt.Tree { return r.tree }

// Applied returns the number of events applied.
func (r *Replayer) Applied() int { return r.applied }

// Err returns the error that halted the replayer, if any.
func (r *Replayer) Err() *ReplayError { return r.err }

// Apply applies one event. Once an event has been rejected every later call
// returns that same error.
func (r *Replayer) Apply(ev *clevent.Event) error {
	if r.err != nil {
		return r.err
	}
	if err := r.apply(ev); err != nil {
		r.err = err
		return err
	}
	r.applied++
	return nil
}

func (r *Replayer) fail(kind ErrorKind, ev *clevent.Event, err error) *ReplayError {
	return &ReplayError{Kind: kind, Sequence: ev.Sequence, LastApplied: r.tree.Sequence(), Signature: ev.Signature, Err: err}
}

func (r *Replayer) apply(ev *clevent.Event) *ReplayError {
	t := r.tree
	if ev.Operation.Kind == clevent.OpInitialize {
		return r.initialize(ev)
	}
	switch current := t.Sequence(); {
	case ev.Sequence == current:
		return r.fail(Duplicate, ev, nil)
	case ev.Sequence < current:
		return r.fail(OutOfOrder, ev, nil)
	case ev.Sequence > current+1:
		return r.fail(Gap, ev, fmt.Errorf("expected sequence %d", current+1))
	}

	var err error
	switch ev.Operation.Kind {
	case clevent.OpAppend:
		_, err = t.Append(ev.NewLeaf)
	case clevent.OpReplace:
		_, err = t.SetLeaf(ev.Root, ev.Operation.PreviousLeaf, ev.NewLeaf, ev.Proof, ev.LeafIndex)
	case clevent.OpInsert:
		_, err = t.FillEmptyOrAppend(ev.Root, ev.NewLeaf, ev.Proof, ev.LeafIndex)
	case clevent.OpRawNode:
		_, err = t.ApplyChangeLog(ev.LeafIndex, ev.Path)
	case clevent.OpPrepare:
		_, err = t.InitializeWithRoot(ev.Root, ev.NewLeaf, ev.Proof, ev.LeafIndex)
	default:
		return r.fail(Unsupported, ev, fmt.Errorf("operation %s", ev.Operation.Kind))
	}
	if err != nil {
		return r.fail(classify(err), ev, err)
	}
	if root, ok := ev.EmittedRoot(); ok && root != t.Root() {
		re := r.fail(PathDiverged, ev, fmt.Errorf("computed root %x, emitted %x", t.Root(), root))
		re.LastApplied = ev.Sequence - 1
		re.Emitted = root
		return re
	}
	return nil
}

// initialize checks a creation event against the tree the replay started
// from.
func (r *Replayer) initialize(ev *clevent.Event) *ReplayError {
	t := r.tree
	if ev.Sequence != 0 || t.Sequence() != 0 {
		return r.fail(Duplicate, ev, errors.New("tree initialized twice"))
	}
	if ev.MaxDepth != t.Depth() || ev.MaxBufferSize != t.MaxBufferSize() {
		return r.fail(SchemaMismatch, ev, fmt.Errorf("created with depth %d buffer %d, account has depth %d buffer %d",
			ev.MaxDepth, ev.MaxBufferSize, t.Depth(), t.MaxBufferSize()))
	}
	if root, ok := ev.EmittedRoot(); ok && root != t.Root() {
		re := r.fail(PathDiverged, ev, fmt.Errorf("empty root %x, emitted %x", t.Root(), root))
		re.Emitted = root
		return re
	}
	return nil
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, cmt.ErrRootNotFound):
		return StaleProof
	case errors.Is(err, cmt.ErrLeafIndexOutOfBounds):
		return LeafIndexOutOfRange
	case errors.Is(err, cmt.ErrProofLength), errors.Is(err, cmt.ErrInvalidPath):
		return ProofLength
	case errors.Is(err, cmt.ErrInvalidProof):
		return InvalidProof
	case errors.Is(err, cmt.ErrLeafContentsModified):
		return LeafModified
	case errors.Is(err, cmt.ErrTreeFull):
		return TreeFull
	case errors.Is(err, cmt.ErrTreeInitialized):
		return Duplicate
	case errors.Is(err, cmt.ErrRightmostUnknown):
		return UnknownState
	default:
		return Unsupported
	}
}
