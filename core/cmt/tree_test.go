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
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func testLeaf(i int) common.Hash {
	return crypto.Keccak256Hash([]byte{byte(i >> 8), byte(i)})
}

func mustTree(t *testing.T, depth, buffer, canopy uint32) *Tree {
	t.Helper()
	tree, err := New(depth, buffer, canopy)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	return tree
}

func TestEmptyNodes(t *testing.T) {
	if EmptyNode(0) != (common.Hash{}) {
		t.Fatal("empty leaf must be zero")
	}
	want := crypto.Keccak256Hash(make([]byte, 64))
	if EmptyNode(1) != want {
		t.Fatalf("empty(1) = %x, want %x", EmptyNode(1), want)
	}
	tree := mustTree(t, 14, 64, 0)
	if tree.Root() != EmptyNode(14) {
		t.Fatalf("new tree root %x, want %x", tree.Root(), EmptyNode(14))
	}
	if tree.Sequence() != 0 {
		t.Fatalf("new tree sequence %d", tree.Sequence())
	}
}

func TestNewRejectsBadSizes(t *testing.T) {
	tests := []struct {
		depth, buffer, canopy uint32
	}{
		{0, 8, 0},
		{MaxDepth + 1, 8, 0},
		{3, 0, 0},
		{3, 8, 4},
	}
	for _, tt := range tests {
		if _, err := New(tt.depth, tt.buffer, tt.canopy); err == nil {
			t.Errorf("New(%d, %d, %d) succeeded", tt.depth, tt.buffer, tt.canopy)
		}
	}
}

// Fully populating a depth 3 tree gives the root of the balanced tree over
// the same leaves.
func TestAppendFullTree(t *testing.T) {
	tree := mustTree(t, 3, 8, 0)
	var leaves [8]common.Hash
	for i := range leaves {
		leaves[i] = testLeaf(i)
		if _, err := tree.Append(leaves[i]); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	l1 := [4]common.Hash{}
	for i := range l1 {
		l1[i] = crypto.Keccak256Hash(leaves[2*i][:], leaves[2*i+1][:])
	}
	l2a := crypto.Keccak256Hash(l1[0][:], l1[1][:])
	l2b := crypto.Keccak256Hash(l1[2][:], l1[3][:])
	want := crypto.Keccak256Hash(l2a[:], l2b[:])
	if tree.Root() != want {
		t.Fatalf("root %x, want %x", tree.Root(), want)
	}
	if tree.Sequence() != 8 || tree.RightmostIndex() != 8 {
		t.Fatalf("sequence %d rightmost %d", tree.Sequence(), tree.RightmostIndex())
	}
	if _, err := tree.Append(testLeaf(9)); !errors.Is(err, ErrTreeFull) {
		t.Fatalf("append to full tree: %v", err)
	}
	if _, err := mustTree(t, 3, 8, 0).Append(common.Hash{}); !errors.Is(err, ErrEmptyLeaf) {
		t.Fatalf("append empty leaf: %v", err)
	}
}

func TestAppendRoundTrip(t *testing.T) {
	tree := mustTree(t, 10, 32, 0)
	for i := 0; i < 37; i++ {
		leaf := testLeaf(i)
		root, err := tree.Append(leaf)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		proof, err := tree.Proof(uint32(i))
		if err != nil {
			t.Fatal(err)
		}
		if got := tree.Leaf(uint32(i)); got != leaf {
			t.Fatalf("leaf %d = %x, want %x", i, got, leaf)
		}
		if !VerifyProof(root, leaf, proof, uint32(i)) || root != tree.Root() {
			t.Fatalf("proof of leaf %d does not reach the root", i)
		}
	}
}

// Writers racing against the same root both succeed while that root is
// still buffered.
func TestSetLeafAgainstBufferedRoot(t *testing.T) {
	tree := mustTree(t, 3, 8, 0)
	for i := 0; i < 4; i++ {
		if _, err := tree.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	root := tree.Root()
	proofs := make([][]common.Hash, 4)
	for i := range proofs {
		proofs[i], _ = tree.Proof(uint32(i))
	}
	for i := 0; i < 4; i++ {
		if _, err := tree.SetLeaf(root, testLeaf(i), testLeaf(100+i), proofs[i], uint32(i)); err != nil {
			t.Fatalf("replace %d against stale root: %v", i, err)
		}
	}
	if want := ComputeRoot(3, tree.Leaves()); tree.Root() != want {
		t.Fatalf("root %x, recomputed %x", tree.Root(), want)
	}
	// The leaf at index 0 was replaced after the proof was generated.
	if _, err := tree.SetLeaf(root, testLeaf(0), testLeaf(200), proofs[0], 0); !errors.Is(err, ErrLeafContentsModified) {
		t.Fatalf("expected leaf modified, got %v", err)
	}
}

func TestSetLeafRejects(t *testing.T) {
	tree := mustTree(t, 3, 2, 0)
	for i := 0; i < 4; i++ {
		if _, err := tree.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	proof, _ := tree.Proof(1)
	if _, err := tree.SetLeaf(tree.Root(), testLeaf(1), testLeaf(50), proof, 6); !errors.Is(err, ErrLeafIndexOutOfBounds) {
		t.Errorf("out of range index: %v", err)
	}
	if _, err := tree.SetLeaf(tree.Root(), testLeaf(1), testLeaf(50), proof[:2], 1); !errors.Is(err, ErrProofLength) {
		t.Errorf("short proof: %v", err)
	}
	if _, err := tree.SetLeaf(tree.Root(), testLeaf(7), testLeaf(50), proof, 1); !errors.Is(err, ErrInvalidProof) {
		t.Errorf("wrong previous leaf: %v", err)
	}
	stale := tree.Root()
	for i := 0; i < 2; i++ {
		if _, err := tree.Append(testLeaf(10 + i)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tree.SetLeaf(stale, testLeaf(1), testLeaf(50), proof, 1); !errors.Is(err, ErrRootNotFound) {
		t.Errorf("evicted root: %v", err)
	}
}

func TestChangeLogFIFO(t *testing.T) {
	const buffer = 4
	tree := mustTree(t, 5, buffer, 0)
	for i := 0; i < 8; i++ {
		if _, err := tree.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	var roots []common.Hash
	for n := 0; n < 10; n++ {
		idx := uint32(n % 8)
		proof, _ := tree.Proof(idx)
		root, err := tree.SetLeaf(tree.Root(), tree.Leaf(idx), testLeaf(1000+n), proof, idx)
		if err != nil {
			t.Fatalf("replace %d: %v", n, err)
		}
		roots = append(roots, root)
	}
	entries := tree.ChangeLog()
	if len(entries) != buffer {
		t.Fatalf("changelog holds %d entries, want %d", len(entries), buffer)
	}
	for i, e := range entries {
		want := roots[len(roots)-buffer+i]
		if e.Root != want {
			t.Errorf("entry %d root %x, want %x", i, e.Root, want)
		}
		if wantSeq := tree.Sequence() - uint64(buffer-1-i); e.Sequence != wantSeq {
			t.Errorf("entry %d sequence %d, want %d", i, e.Sequence, wantSeq)
		}
	}
}

func TestFillEmptyOrAppend(t *testing.T) {
	tree := mustTree(t, 4, 8, 0)
	for i := 0; i < 3; i++ {
		if _, err := tree.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	// Slot 3 is the next empty slot.
	root := tree.Root()
	proof, _ := tree.Proof(3)
	if _, err := tree.FillEmptyOrAppend(root, testLeaf(3), proof, 3); err != nil {
		t.Fatalf("insert into empty slot: %v", err)
	}
	if tree.Leaf(3) != testLeaf(3) || tree.RightmostIndex() != 4 {
		t.Fatalf("insert did not land in slot 3")
	}
	// A second writer raced for slot 3 with the same root, so its leaf is
	// appended instead.
	if _, err := tree.FillEmptyOrAppend(root, testLeaf(50), proof, 3); err != nil {
		t.Fatalf("insert into filled slot: %v", err)
	}
	if tree.Leaf(4) != testLeaf(50) || tree.Leaf(3) != testLeaf(3) {
		t.Fatalf("raced insert should append at 4")
	}
	if want := ComputeRoot(4, tree.Leaves()); tree.Root() != want {
		t.Fatalf("root %x, recomputed %x", tree.Root(), want)
	}
	if _, err := tree.FillEmptyOrAppend(tree.Root(), testLeaf(60), proof, 9); !errors.Is(err, ErrLeafIndexOutOfBounds) {
		t.Fatalf("insert beyond rightmost: %v", err)
	}
}

// Replaying with proofs shortened by the canopy ends at the same root as
// a full recomputation from the leaf set.
func TestCanopyMatchesFullRecompute(t *testing.T) {
	const depth, canopy = 8, 3
	tree := mustTree(t, depth, 16, canopy)
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 400; n++ {
		right := int(tree.RightmostIndex())
		full := right == 1<<depth
		switch {
		case right == 0 || (!full && rng.Intn(3) == 0):
			if _, err := tree.Append(testLeaf(n)); err != nil {
				t.Fatalf("step %d append: %v", n, err)
			}
		case full || rng.Intn(2) == 0:
			idx := uint32(rng.Intn(right))
			proof, _ := tree.Proof(idx)
			if _, err := tree.SetLeaf(tree.Root(), tree.Leaf(idx), testLeaf(n), proof[:depth-canopy], idx); err != nil {
				t.Fatalf("step %d replace %d: %v", n, idx, err)
			}
		default:
			idx := uint32(right)
			proof, _ := tree.Proof(idx)
			if _, err := tree.FillEmptyOrAppend(tree.Root(), testLeaf(n), proof[:depth-canopy], idx); err != nil {
				t.Fatalf("step %d insert %d: %v", n, idx, err)
			}
		}
		if want := ComputeRoot(depth, tree.Leaves()); tree.Root() != want {
			t.Fatalf("step %d: root %x, recomputed %x", n, tree.Root(), want)
		}
	}
	// Every canopy entry that has been written equals the stored node.
	for i, n := range tree.CanopyNodes() {
		if n != (common.Hash{}) && n != tree.node(uint64(i+2)) {
			t.Fatalf("canopy node %d out of sync", i+2)
		}
	}
}

func TestFillProofFromCanopy(t *testing.T) {
	c, err := NewCanopy(4, 2)
	if err != nil {
		t.Fatal(err)
	}
	// Nothing written yet: inferred siblings are empty subtrees of levels 2 and 3.
	full := c.FillProof([]common.Hash{{1}, {2}}, 5)
	if len(full) != 4 || full[2] != EmptyNode(2) || full[3] != EmptyNode(3) {
		t.Fatalf("unexpected filled proof %x", full)
	}
	// A full proof is left untouched.
	proof := []common.Hash{{1}, {2}, {3}, {4}}
	if got := c.FillProof(proof, 5); !reflect.DeepEqual(got, proof) {
		t.Fatalf("full proof modified: %x", got)
	}
	for _, tt := range []struct {
		nodes int
		depth uint32
		ok    bool
	}{{0, 0, true}, {2, 1, true}, {6, 2, true}, {14, 3, true}, {5, 0, false}} {
		got, err := CanopyDepth(tt.nodes)
		if (err == nil) != tt.ok || (tt.ok && got != tt.depth) {
			t.Errorf("CanopyDepth(%d) = %d, %v", tt.nodes, got, err)
		}
	}
}

func TestApplyChangeLogMirrorsOperations(t *testing.T) {
	src := mustTree(t, 5, 8, 1)
	dst := mustTree(t, 5, 8, 1)
	mirror := func() {
		t.Helper()
		cl := src.changeLogs[src.activeIndex]
		if _, err := dst.ApplyChangeLog(cl.Index, cl.PathNodes(5)); err != nil {
			t.Fatalf("apply path of sequence %d: %v", src.Sequence(), err)
		}
		if dst.Root() != src.Root() {
			t.Fatalf("root diverged at sequence %d", src.Sequence())
		}
	}
	for i := 0; i < 12; i++ {
		if _, err := src.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
		mirror()
		if i%3 == 2 {
			idx := uint32(i - 2)
			proof, _ := src.Proof(idx)
			if _, err := src.SetLeaf(src.Root(), src.Leaf(idx), testLeaf(500+i), proof, idx); err != nil {
				t.Fatal(err)
			}
			mirror()
		}
	}
	if dst.Sequence() != src.Sequence() {
		t.Fatalf("sequence %d, want %d", dst.Sequence(), src.Sequence())
	}
	// The rebuilt rightmost proof keeps appends working.
	a, _ := src.Append(testLeaf(99))
	b, err := dst.Append(testLeaf(99))
	if err != nil || a != b {
		t.Fatalf("append after mirrored paths: %v", err)
	}
	if !reflect.DeepEqual(src.CanopyNodes(), dst.CanopyNodes()) {
		t.Fatal("canopy diverged")
	}
	bad := src.changeLogs[src.activeIndex].PathNodes(5)
	if _, err := dst.ApplyChangeLog(3, bad); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("path for wrong index accepted: %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	tree := mustTree(t, 6, 8, 2)
	for i := 0; i < 20; i++ {
		if _, err := tree.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	enc, err := EncodeSnapshot(tree.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	dec, err := DecodeSnapshot(enc)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := Restore(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(restored.Snapshot(), tree.Snapshot()) {
		t.Fatal("restored snapshot differs")
	}
	cpy := tree.Copy()
	if _, err := tree.Append(testLeaf(77)); err != nil {
		t.Fatal(err)
	}
	if _, err := restored.Append(testLeaf(77)); err != nil {
		t.Fatal(err)
	}
	if restored.Root() != tree.Root() {
		t.Fatal("restored tree diverged after append")
	}
	if cpy.Sequence() != 20 {
		t.Fatal("copy shares state with the original")
	}
}

func TestAccountRoundTrip(t *testing.T) {
	tree := mustTree(t, 5, 8, 2)
	for i := 0; i < 11; i++ {
		if _, err := tree.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	acc := tree.Account([32]byte{9}, 1234)
	data := acc.Marshal()
	if want := AccountHeaderSize + treeBodySize(5, 8) + 32*CanopySize(2); len(data) != want {
		t.Fatalf("account size %d, want %d", len(data), want)
	}
	parsed, err := ParseAccount(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(parsed, acc) {
		t.Fatal("parsed account differs")
	}
	if parsed.Root() != tree.Root() || parsed.CanopyDepth() != 2 || parsed.Sequence != 11 {
		t.Fatal("account fields do not match the tree")
	}
	if _, err := ParseAccount(data[:100]); !errors.Is(err, ErrAccountSize) {
		t.Fatalf("truncated account: %v", err)
	}
	data[0] = 0
	if _, err := ParseAccount(data); !errors.Is(err, ErrAccountType) {
		t.Fatalf("wrong type: %v", err)
	}
}

func TestApplyChangeLogUnknownSiblings(t *testing.T) {
	src := mustTree(t, 4, 8, 0)
	for i := 0; i < 4; i++ {
		if _, err := src.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	// The replica only sees the last path, so leaves 0 to 2 are unknown.
	dst := mustTree(t, 4, 8, 0)
	cl := src.changeLogs[src.activeIndex]
	if _, err := dst.ApplyChangeLog(cl.Index, cl.PathNodes(4)); err != nil {
		t.Fatal(err)
	}
	if dst.Root() != src.Root() {
		t.Fatal("root of applied path differs")
	}
	if !dst.Partial() {
		t.Fatal("replica with unobserved leaves not partial")
	}
	if _, err := dst.Append(testLeaf(4)); !errors.Is(err, ErrRightmostUnknown) {
		t.Fatalf("append with unknown rightmost proof: %v", err)
	}
	// A full proof at the rightmost slot makes appends possible again.
	proof, _ := src.Proof(4)
	if _, err := src.FillEmptyOrAppend(src.Root(), testLeaf(4), proof, 4); err != nil {
		t.Fatal(err)
	}
	if _, err := dst.FillEmptyOrAppend(dst.Root(), testLeaf(4), proof, 4); err != nil {
		t.Fatalf("insert with full proof: %v", err)
	}
	a, _ := src.Append(testLeaf(5))
	b, err := dst.Append(testLeaf(5))
	if err != nil || a != b {
		t.Fatalf("append after recovery: root %x, want %x, err %v", b, a, err)
	}
}

func TestInitializeWithRoot(t *testing.T) {
	ref := mustTree(t, 4, 8, 0)
	for i := 0; i < 6; i++ {
		if _, err := ref.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	proof, _ := ref.Proof(5)

	tree := mustTree(t, 4, 8, 0)
	root, err := tree.InitializeWithRoot(ref.Root(), testLeaf(5), proof, 5)
	if err != nil {
		t.Fatal(err)
	}
	if root != ref.Root() || tree.Sequence() != 1 || tree.RightmostIndex() != 6 || !tree.Partial() {
		t.Fatalf("unexpected state: root %x seq %d rightmost %d", root, tree.Sequence(), tree.RightmostIndex())
	}
	for i := 6; i < 10; i++ {
		want, _ := ref.Append(testLeaf(i))
		got, err := tree.Append(testLeaf(i))
		if err != nil || got != want {
			t.Fatalf("append %d: root %x, want %x, err %v", i, got, want, err)
		}
	}
	if _, err := tree.InitializeWithRoot(ref.Root(), testLeaf(5), proof, 5); !errors.Is(err, ErrTreeInitialized) {
		t.Fatalf("second initialization: %v", err)
	}

	bad := mustTree(t, 4, 8, 0)
	if _, err := bad.InitializeWithRoot(common.Hash{1}, testLeaf(5), proof, 5); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("wrong root accepted: %v", err)
	}
}

func TestInitializeWithRootShortProof(t *testing.T) {
	ref := mustTree(t, 4, 8, 0)
	for i := 0; i < 6; i++ {
		if _, err := ref.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	proof, _ := ref.Proof(5)

	// Leaf 5 has a non-empty left sibling at level 2, which the canopy
	// would have provided.
	tree := mustTree(t, 4, 8, 2)
	if _, err := tree.InitializeWithRoot(ref.Root(), testLeaf(5), proof[:2], 5); err != nil {
		t.Fatal(err)
	}
	if tree.Root() != ref.Root() {
		t.Fatal("prepared root not kept")
	}
	if _, err := tree.Append(testLeaf(6)); !errors.Is(err, ErrRightmostUnknown) {
		t.Fatalf("append with unknown rightmost proof: %v", err)
	}

	// Leaf 1 only has empty siblings above level 1.
	small := mustTree(t, 4, 8, 0)
	for i := 0; i < 2; i++ {
		if _, err := small.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	proof, _ = small.Proof(1)
	tree = mustTree(t, 4, 8, 2)
	if _, err := tree.InitializeWithRoot(small.Root(), testLeaf(1), proof[:1], 1); err != nil {
		t.Fatal(err)
	}
	want, _ := small.Append(testLeaf(2))
	if got, err := tree.Append(testLeaf(2)); err != nil || got != want {
		t.Fatalf("append: root %x, want %x, err %v", got, want, err)
	}
}

func TestSnapshotNodeCount(t *testing.T) {
	tree := mustTree(t, 3, 8, 0)
	for i := 0; i < 4; i++ {
		if _, err := tree.Append(testLeaf(i)); err != nil {
			t.Fatal(err)
		}
	}
	// Leaves 8-11, their parents 4 and 5, node 2 and the root.
	if n := len(tree.Snapshot().Nodes); n != 8 {
		t.Fatalf("snapshot holds %d nodes, want 8", n)
	}
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.SetLeaf(tree.Root(), testLeaf(0), testLeaf(40), proof, 0); err != nil {
		t.Fatal(err)
	}
	if n := len(tree.Snapshot().Nodes); n != 8 {
		t.Fatalf("rewriting a leaf grew the snapshot to %d nodes", n)
	}
}
