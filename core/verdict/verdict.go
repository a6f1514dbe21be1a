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

// Package verdict classifies the outcome of a tree replay against the
// authoritative account state.
package verdict

import (
	"fmt"
	"slices"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/replay"
	"github.com/ethereum/go-ethereum/common"
)

// Kind is the verdict of one tree check.
type Kind uint8

const (
	Healthy Kind = iota
	RootMismatch
	CanopyMismatch
	SequenceGap
	SequenceDuplicate
	Incomplete
)

func (k Kind) String() string {
	switch k {
	case Healthy:
		return "healthy"
	case RootMismatch:
		return "root-mismatch"
	case CanopyMismatch:
		return "canopy-mismatch"
	case SequenceGap:
		return "sequence-gap"
	case SequenceDuplicate:
		return "sequence-duplicate"
	case Incomplete:
		return "incomplete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Verdict is the result of classifying a tree. Which fields are set depends
// on Kind.
type Verdict struct {
	Kind Kind

	Sequence  uint64      // RootMismatch, SequenceDuplicate
	NodeIndex uint64      // CanopyMismatch
	Computed  common.Hash // RootMismatch, CanopyMismatch
	Expected  common.Hash // RootMismatch, CanopyMismatch

	Missing []Range // SequenceGap, ascending

	LastApplied uint64 // Incomplete
	Reason      string // Incomplete, SequenceDuplicate
}

// Detail renders the kind specific fields of v.
func (v Verdict) Detail() string {
	switch v.Kind {
	case Healthy:
		return fmt.Sprintf("sequence %d", v.Sequence)
	case RootMismatch:
		return fmt.Sprintf("sequence %d computed %s expected %s", v.Sequence, v.Computed.Hex(), v.Expected.Hex())
	case CanopyMismatch:
		return fmt.Sprintf("canopy node %d computed %s expected %s", v.NodeIndex, v.Computed.Hex(), v.Expected.Hex())
	case SequenceGap:
		return "missing " + FormatRanges(v.Missing)
	case SequenceDuplicate:
		return fmt.Sprintf("sequence %d %s", v.Sequence, v.Reason)
	case Incomplete:
		return fmt.Sprintf("last applied %d: %s", v.LastApplied, v.Reason)
	default:
		return ""
	}
}

// Input is everything a classification looks at.
type Input struct {
	Authoritative *cmt.Account
	Tree          *cmt.Tree // Replayed tree
	Base          uint64    // Sequence the replay started from
	Log           *SequenceLog
	ReplayErr     *replay.ReplayError
	CrawlErr      error
}

// ClassificationError reports input no consistent history can produce.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return "inconsistent verification input: " + e.Reason
}

func inconsistent(format string, args ...any) error {
	return &ClassificationError{Reason: fmt.Sprintf(format, args...)}
}

// Classify derives the verdict of a replay. Sequence violations take
// precedence over gaps, gaps over incomplete replays and those over hash
// comparisons.
func Classify(in Input) (Verdict, error) {
	if in.Authoritative == nil || in.Tree == nil || in.Log == nil {
		return Verdict{}, inconsistent("missing authoritative state, tree or sequence log")
	}
	auth := in.Authoritative.Sequence

	if obs, ok := in.Log.Violation(); ok {
		reason := "observed twice"
		if obs.OutOfOrder {
			reason = "observed out of order"
		}
		return Verdict{Kind: SequenceDuplicate, Sequence: obs.Sequence, Reason: reason}, nil
	}
	if re := in.ReplayErr; re != nil && (re.Kind == replay.Duplicate || re.Kind == replay.OutOfOrder) {
		return Verdict{Kind: SequenceDuplicate, Sequence: re.Sequence, Reason: re.Kind.String()}, nil
	}

	// An interrupted crawl only proves holes below the highest sequence it
	// delivered. The rest of the history was never looked at.
	upper := auth
	if in.CrawlErr != nil {
		highest, ok := in.Log.Highest()
		if !ok {
			highest = in.Base
		}
		upper = min(auth, highest)
	}
	if upper > in.Base {
		if missing := in.Log.Missing(in.Base+1, upper); len(missing) > 0 {
			return Verdict{Kind: SequenceGap, Missing: missing}, nil
		}
	}

	if re := in.ReplayErr; re != nil {
		if re.Kind == replay.PathDiverged {
			return Verdict{Kind: RootMismatch, Sequence: re.Sequence, Computed: in.Tree.Root(), Expected: re.Emitted}, nil
		}
		return Verdict{Kind: Incomplete, LastApplied: re.LastApplied, Reason: re.Error()}, nil
	}
	if in.CrawlErr != nil {
		return Verdict{Kind: Incomplete, LastApplied: in.Tree.Sequence(), Reason: in.CrawlErr.Error()}, nil
	}

	seq := in.Tree.Sequence()
	switch {
	case seq > auth:
		return Verdict{}, inconsistent("replayed sequence %d beyond authoritative %d", seq, auth)
	case seq < auth:
		return Verdict{}, inconsistent("replay stopped at %d of %d without gap or error", seq, auth)
	}
	if computed, expected := in.Tree.Root(), in.Authoritative.Root(); computed != expected {
		return Verdict{Kind: RootMismatch, Sequence: seq, Computed: computed, Expected: expected}, nil
	}
	computed, expected := in.Tree.CanopyNodes(), in.Authoritative.Canopy
	if len(computed) != len(expected) {
		return Verdict{}, inconsistent("canopy of %d nodes, authoritative has %d", len(computed), len(expected))
	}
	if !slices.Equal(computed, expected) {
		// A partial replica only knows the canopy nodes it observed.
		partial := in.Tree.Partial()
		for i := range computed {
			if partial && computed[i] == (common.Hash{}) {
				continue
			}
			if computed[i] != expected[i] {
				return Verdict{Kind: CanopyMismatch, NodeIndex: uint64(i) + 2, Computed: computed[i], Expected: expected[i]}, nil
			}
		}
	}
	return Verdict{Kind: Healthy, Sequence: seq}, nil
}
