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
	"fmt"
	"strings"
)

// DefaultJoinGap is the distance below which missing ranges are fetched
// together.
const DefaultJoinGap = 10

// Range is an inclusive range of sequence numbers.
type Range struct {
	From uint64
	To   uint64
}

// Len returns the number of sequences in r.
func (r Range) Len() uint64 { return r.To - r.From + 1 }

func (r Range) String() string {
	if r.From == r.To {
		return fmt.Sprintf("%d", r.From)
	}
	return fmt.Sprintf("%d-%d", r.From, r.To)
}

// FormatRanges renders ranges as a comma separated list.
func FormatRanges(ranges []Range) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

// BuildRanges collapses ascending sequence numbers into ranges of
// consecutive values.
func BuildRanges(seqs []uint64) []Range {
	if len(seqs) == 0 {
		return nil
	}
	ranges := []Range{{From: seqs[0], To: seqs[0]}}
	for _, s := range seqs[1:] {
		last := &ranges[len(ranges)-1]
		if s == last.To+1 {
			last.To = s
			continue
		}
		ranges = append(ranges, Range{From: s, To: s})
	}
	return ranges
}

// JoinRanges merges neighbouring ascending ranges whose distance is at most
// maxGap.
func JoinRanges(ranges []Range, maxGap uint64) []Range {
	if len(ranges) == 0 {
		return nil
	}
	joined := []Range{ranges[0]}
	for _, r := range ranges[1:] {
		last := &joined[len(joined)-1]
		if last.To+maxGap >= r.From {
			last.To = max(last.To, r.To)
			continue
		}
		joined = append(joined, r)
	}
	return joined
}
