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

package verdict_test

import (
	"errors"
	"testing"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/replay"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/verdict"
	"github.com/callensm/digital-asset-rpc-infrastructure/internal/treetest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestBuildRanges(t *testing.T) {
	require.Nil(t, verdict.BuildRanges(nil))
	got := verdict.BuildRanges([]uint64{1, 2, 3, 7, 9, 10})
	require.Equal(t, []verdict.Range{{1, 3}, {7, 7}, {9, 10}}, got)
	require.Equal(t, "1-3, 7, 9-10", verdict.FormatRanges(got))
}

func TestJoinRanges(t *testing.T) {
	tests := []struct {
		in   []verdict.Range
		gap  uint64
		want []verdict.Range
	}{
		{nil, 10, nil},
		{[]verdict.Range{{1, 3}, {13, 15}}, 10, []verdict.Range{{1, 15}}},
		{[]verdict.Range{{1, 3}, {14, 15}}, 10, []verdict.Range{{1, 3}, {14, 15}}},
		{[]verdict.Range{{1, 1}, {5, 5}, {30, 31}, {35, 40}}, 10, []verdict.Range{{1, 5}, {30, 40}}},
		{[]verdict.Range{{1, 1}, {3, 3}}, 0, []verdict.Range{{1, 1}, {3, 3}}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, verdict.JoinRanges(tt.in, tt.gap), "ranges %v gap %d", tt.in, tt.gap)
	}
}

func TestSequenceLog(t *testing.T) {
	log := verdict.NewSequenceLog()
	for _, s := range []uint64{0, 1, 2, 5, 6, 9} {
		require.True(t, log.Observe(s, "sig"))
	}
	require.Equal(t, 6, log.Len())
	require.Equal(t, []verdict.Range{{3, 4}, {7, 8}, {10, 12}}, log.Missing(1, 12))
	require.Equal(t, []verdict.Range{{3, 3}}, log.Missing(3, 3))
	require.Empty(t, log.Missing(5, 6))
	_, ok := log.Violation()
	require.False(t, ok)

	require.False(t, log.Observe(4, "late"))
	obs, ok := log.Violation()
	require.True(t, ok)
	require.True(t, obs.OutOfOrder)
	require.Equal(t, uint64(4), obs.Sequence)

	require.False(t, log.Observe(6, "again"))
	obs, _ = log.Violation()
	require.Equal(t, uint64(4), obs.Sequence, "first violation is kept")
	sig, ok := log.Signature(6)
	require.True(t, ok)
	require.Equal(t, "sig", sig)
}

// run replays the builder's history the way the verifier does, leaving out
// the sequences in drop.
func run(t *testing.T, b *treetest.Builder, drop ...uint64) verdict.Input {
	t.Helper()
	auth := b.Account()
	tree, err := cmt.New(auth.Header.MaxDepth, auth.Header.MaxBufferSize, auth.CanopyDepth())
	require.NoError(t, err)
	r := replay.New(tree)
	log := verdict.NewSequenceLog()
	dec := clevent.NewDecoder()
	for _, tx := range b.Transactions() {
		events, errs := dec.Decode(tx)
		require.Empty(t, errs)
		for _, ev := range events {
			if contains(drop, ev.Sequence) || ev.Sequence > auth.Sequence {
				continue
			}
			log.Observe(ev.Sequence, ev.Signature)
			r.Apply(ev)
		}
	}
	return verdict.Input{Authoritative: auth, Tree: r.Tree(), Log: log, ReplayErr: r.Err()}
}

func contains(s []uint64, v uint64) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func history(t *testing.T, depth, buffer, canopy uint32, n int) *treetest.Builder {
	b := treetest.NewBuilder(t, treetest.Pubkey("tree"), depth, buffer, canopy)
	for i := 0; i < n; i++ {
		b.Append(treetest.Leaf(i))
	}
	return b
}

func TestClassifyHealthy(t *testing.T) {
	b := history(t, 3, 8, 0, 5)
	b.Replace(1, treetest.Leaf(50))
	v, err := verdict.Classify(run(t, b))
	require.NoError(t, err)
	require.Equal(t, verdict.Healthy, v.Kind)
	require.Equal(t, uint64(6), v.Sequence)
}

func TestClassifyGap(t *testing.T) {
	b := history(t, 7, 16, 2, 100)
	v, err := verdict.Classify(run(t, b, 51))
	require.NoError(t, err)
	require.Equal(t, verdict.SequenceGap, v.Kind)
	require.Equal(t, []verdict.Range{{51, 51}}, v.Missing)
	require.Equal(t, "missing 51", v.Detail())
}

func TestClassifyTailGap(t *testing.T) {
	b := history(t, 4, 8, 0, 10)
	v, err := verdict.Classify(run(t, b, 9, 10))
	require.NoError(t, err)
	require.Equal(t, verdict.SequenceGap, v.Kind)
	require.Equal(t, []verdict.Range{{9, 10}}, v.Missing)
}

func TestClassifyDuplicate(t *testing.T) {
	b := history(t, 3, 8, 0, 3)
	in := run(t, b)
	in.Log.Observe(2, "replayed")
	v, err := verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.SequenceDuplicate, v.Kind)
	require.Equal(t, uint64(2), v.Sequence)
}

func TestClassifyStaleProofIncomplete(t *testing.T) {
	b := history(t, 4, 2, 0, 4)
	staleRoot, proof := b.Reference().Root(), b.Proof(1)
	b.Append(treetest.Leaf(4))
	b.Append(treetest.Leaf(5))
	in := run(t, b)

	// A replace at 7 against a root that left the buffer.
	r := replay.New(in.Tree)
	err := r.Apply(&clevent.Event{
		Sequence:  7,
		LeafIndex: 1,
		Operation: clevent.Operation{Kind: clevent.OpReplace, PreviousLeaf: treetest.Leaf(1)},
		NewLeaf:   treetest.Leaf(70),
		Root:      staleRoot,
		Proof:     proof,
	})
	require.Error(t, err)
	in.Log.Observe(7, "stale")
	auth := *in.Authoritative
	auth.Sequence = 7
	in.Authoritative = &auth
	in.ReplayErr = r.Err()

	v, err := verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.Incomplete, v.Kind)
	require.Equal(t, uint64(6), v.LastApplied)
}

func TestClassifyRootMismatch(t *testing.T) {
	b := history(t, 3, 8, 0, 4)
	in := run(t, b)
	auth := *in.Authoritative
	auth.ChangeLogs = append([]cmt.ChangeLog(nil), auth.ChangeLogs...)
	auth.ChangeLogs[auth.ActiveIndex].Root = common.Hash{1}
	in.Authoritative = &auth

	v, err := verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.RootMismatch, v.Kind)
	require.Equal(t, uint64(4), v.Sequence)
	require.Equal(t, common.Hash{1}, v.Expected)
	require.Equal(t, b.Reference().Root(), v.Computed)
}

func TestClassifyPathDiverged(t *testing.T) {
	b := history(t, 3, 8, 0, 2)
	in := run(t, b)
	in.ReplayErr = &replay.ReplayError{Kind: replay.PathDiverged, Sequence: 2, LastApplied: 1, Emitted: common.Hash{9}}
	v, err := verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.RootMismatch, v.Kind)
	require.Equal(t, uint64(2), v.Sequence)
	require.Equal(t, common.Hash{9}, v.Expected)
}

func TestClassifyCanopyMismatch(t *testing.T) {
	b := history(t, 5, 8, 2, 9)
	in := run(t, b)
	auth := *in.Authoritative
	auth.Canopy = append([]common.Hash(nil), auth.Canopy...)
	auth.Canopy[3] = common.Hash{7}
	in.Authoritative = &auth

	v, err := verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.CanopyMismatch, v.Kind)
	require.Equal(t, uint64(5), v.NodeIndex)
	require.Equal(t, common.Hash{7}, v.Expected)
}

func TestClassifyCrawlError(t *testing.T) {
	b := history(t, 4, 8, 0, 10)
	in := run(t, b, 4, 8, 9, 10)
	in.CrawlErr = errors.New("ledger unavailable")
	// Only the hole below the highest delivered sequence is a gap.
	v, err := verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.SequenceGap, v.Kind)
	require.Equal(t, []verdict.Range{{4, 4}}, v.Missing)

	in = run(t, b, 8, 9, 10)
	in.CrawlErr = errors.New("ledger unavailable")
	v, err = verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.Incomplete, v.Kind)
	require.Equal(t, uint64(7), v.LastApplied)
}

func TestClassifyInconsistent(t *testing.T) {
	b := history(t, 3, 8, 0, 4)
	in := run(t, b)
	in.Tree, _ = cmt.New(3, 8, 0)

	_, err := verdict.Classify(in)
	var ce *verdict.ClassificationError
	require.ErrorAs(t, err, &ce)

	in = run(t, b)
	auth := *in.Authoritative
	auth.Sequence = 2
	in.Authoritative = &auth
	_, err = verdict.Classify(in)
	require.ErrorAs(t, err, &ce)
}

func TestClassifyPreparedTreeCanopy(t *testing.T) {
	b := history(t, 4, 8, 2, 10)
	ref := b.Reference()
	proof, err := ref.Proof(9)
	require.NoError(t, err)
	tree, err := cmt.New(4, 8, 2)
	require.NoError(t, err)
	_, err = tree.InitializeWithRoot(ref.Root(), treetest.Leaf(9), proof, 9)
	require.NoError(t, err)

	auth := *b.Account()
	auth.Sequence = 1
	log := verdict.NewSequenceLog()
	log.Observe(1, "prepared")
	in := verdict.Input{Authoritative: &auth, Tree: tree, Log: log}

	// Nodes 4 and 5 sit below the observed proof and were never seen.
	v, err := verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.Healthy, v.Kind)

	auth.Canopy = append([]common.Hash(nil), auth.Canopy...)
	auth.Canopy[4] = common.Hash{7}
	v, err = verdict.Classify(in)
	require.NoError(t, err)
	require.Equal(t, verdict.CanopyMismatch, v.Kind)
	require.Equal(t, uint64(6), v.NodeIndex)
}
