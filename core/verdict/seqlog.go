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

package verdict

import (
	"github.com/bits-and-blooms/bitset"
)

// Observation is a sequence number seen in the crawled log together with
// the transaction that carried it.
type Observation struct {
	Sequence   uint64
	Signature  string
	OutOfOrder bool // Seen after a higher sequence rather than twice
}

// SequenceLog records every sequence number observed for a tree, including
// those arriving after the replay halted.
type SequenceLog struct {
	seen       *bitset.BitSet
	signatures map[uint64]string
	highest    uint64
	count      int
	violation  *Observation
}

// NewSequenceLog returns an empty log.
func NewSequenceLog() *SequenceLog {
	return &SequenceLog{
		seen:       bitset.New(0),
		signatures: make(map[uint64]string),
	}
}

// Observe records seq and reports whether it is new and arrived in order.
// The first violation is kept.
func (l *SequenceLog) Observe(seq uint64, signature string) bool {
	var v *Observation
	switch {
	case l.seen.Test(uint(seq)):
		v = &Observation{Sequence: seq, Signature: signature}
	case l.count > 0 && seq < l.highest:
		v = &Observation{Sequence: seq, Signature: signature, OutOfOrder: true}
	}
	if v != nil {
		if l.violation == nil {
			l.violation = v
		}
		if !l.seen.Test(uint(seq)) {
			l.record(seq, signature)
		}
		return false
	}
	l.record(seq, signature)
	return true
}

func (l *SequenceLog) record(seq uint64, signature string) {
	l.seen.Set(uint(seq))
	l.signatures[seq] = signature
	l.count++
	l.highest = max(l.highest, seq)
}

// Len returns the number of distinct sequences observed.
func (l *SequenceLog) Len() int { return l.count }

// Highest returns the highest sequence observed.
func (l *SequenceLog) Highest() (uint64, bool) { return l.highest, l.count > 0 }

// Violation returns the first duplicate or out of order observation.
func (l *SequenceLog) Violation() (Observation, bool) {
	if l.violation == nil {
		return Observation{}, false
	}
	return *l.violation, true
}

// Signature returns the transaction that carried seq.
func (l *SequenceLog) Signature(seq uint64) (string, bool) {
	sig, ok := l.signatures[seq]
	return sig, ok
}

// Missing returns the ranges of [from, to] never observed.
func (l *SequenceLog) Missing(from, to uint64) []Range {
	var missing []Range
	for i := from; i <= to; {
		start, ok := l.seen.NextClear(uint(i))
		if !ok {
			// Every bit past the end of the set is clear.
			start = max(uint(i), l.seen.Len())
		}
		if uint64(start) > to {
			break
		}
		end := to
		if next, ok := l.seen.NextSet(start); ok && uint64(next)-1 < to {
			end = uint64(next) - 1
		}
		missing = append(missing, Range{From: uint64(start), To: end})
		if end == to {
			break
		}
		i = end + 1
	}
	return missing
}
