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

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/internal/treetest"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, l *treetest.Ledger) *Client {
	t.Helper()
	c := NewClient(Config{Endpoint: l.Serve(t), Timeout: 5 * time.Second})
	t.Cleanup(c.Close)
	return c
}

func buildTree(t *testing.T, appends int) *treetest.Builder {
	b := treetest.NewBuilder(t, treetest.Pubkey("tree"), 5, 8, 0)
	for i := 0; i < appends; i++ {
		b.Append(treetest.Leaf(i))
	}
	return b
}

func TestTreeAccount(t *testing.T) {
	b := buildTree(t, 4)
	l := treetest.NewLedger()
	l.AddTree(b)
	c := newTestClient(t, l)

	acc, err := c.TreeAccount(context.Background(), b.Tree)
	require.NoError(t, err)
	want := b.Account()
	require.Equal(t, want.Sequence, acc.Sequence)
	require.Equal(t, want.Header, acc.Header)
	require.Equal(t, b.Reference().Root(), acc.Root())
}

func TestTreeAccountMissing(t *testing.T) {
	c := newTestClient(t, treetest.NewLedger())

	_, err := c.TreeAccount(context.Background(), treetest.Pubkey("missing"))
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.True(t, Permanent(err))
}

func TestSignaturesForAddress(t *testing.T) {
	b := buildTree(t, 5)
	l := treetest.NewLedger()
	l.AddTree(b)
	l.AddTree(treetest.NewBuilder(t, treetest.Pubkey("other"), 3, 8, 0))
	c := newTestClient(t, l)
	ctx := context.Background()

	all, err := c.SignaturesForAddress(ctx, b.Tree, SignatureOptions{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	for i, info := range all {
		require.Equal(t, treetest.Signature(b.Tree, uint64(5-i)), info.Signature, "entry %d", i)
		require.False(t, info.Failed())
	}

	page, err := c.SignaturesForAddress(ctx, b.Tree, SignatureOptions{Before: all[1].Signature, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{all[2].Signature, all[3].Signature}, signatures(page))

	page, err = c.SignaturesForAddress(ctx, b.Tree, SignatureOptions{Until: all[2].Signature})
	require.NoError(t, err)
	require.Equal(t, []string{all[0].Signature, all[1].Signature}, signatures(page))
}

func signatures(infos []SignatureInfo) []string {
	out := make([]string, len(infos))
	for i := range infos {
		out[i] = infos[i].Signature
	}
	return out
}

func TestTransaction(t *testing.T) {
	b := buildTree(t, 2)
	l := treetest.NewLedger()
	l.AddTree(b)
	c := newTestClient(t, l)

	for _, want := range b.Transactions() {
		got, err := c.Transaction(context.Background(), want.Signature)
		require.NoError(t, err)
		requireSameTransaction(t, want, got)
	}
	_, err := c.Transaction(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrTransactionNotFound)
	require.False(t, Permanent(err))
}

func requireSameTransaction(t *testing.T, want, got *clevent.RawTransaction) {
	t.Helper()
	require.Equal(t, want.Signature, got.Signature)
	require.Equal(t, want.Slot, got.Slot)
	require.Equal(t, want.Failed, got.Failed)
	require.Len(t, got.Instructions, len(want.Instructions))
	for i, ix := range want.Instructions {
		g := got.Instructions[i]
		require.Equal(t, ix.ProgramID, g.ProgramID, "instruction %d", i)
		require.Equal(t, ix.Data, g.Data, "instruction %d", i)
		require.Equal(t, ix.StackHeight, g.StackHeight, "instruction %d", i)
		require.Len(t, g.Accounts, len(ix.Accounts), "instruction %d", i)
		for j := range ix.Accounts {
			require.Equal(t, ix.Accounts[j], g.Accounts[j])
		}
	}
}

func TestFlattenOrdersInnerInstructions(t *testing.T) {
	const body = `{
		"slot": 42,
		"transaction": {
			"signatures": ["sig"],
			"message": {
				"accountKeys": ["cmtDvXumGCrqC1Age74AVPhSRVXJMd8PJS91L8KbNCK", "11111111111111111111111111111111"],
				"instructions": [
					{"programIdIndex": 1, "accounts": [], "data": "2"},
					{"programIdIndex": 0, "accounts": [2], "data": "3"}
				]
			}
		},
		"meta": {
			"err": null,
			"innerInstructions": [{"index": 1, "instructions": [{"programIdIndex": 3, "accounts": [0], "data": "4", "stackHeight": 3}]}],
			"loadedAddresses": {
				"writable": ["noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV"],
				"readonly": ["SysvarC1ock11111111111111111111111111111111"]
			}
		}
	}`
	var tx rpcTransaction
	require.NoError(t, json.Unmarshal([]byte(body), &tx))
	raw, err := tx.flatten("sig")
	require.NoError(t, err)

	require.EqualValues(t, 42, raw.Slot)
	require.False(t, raw.Failed)
	require.Len(t, raw.Instructions, 3)
	require.Equal(t, 1, raw.Instructions[0].StackHeight)
	require.Equal(t, "cmtDvXumGCrqC1Age74AVPhSRVXJMd8PJS91L8KbNCK", raw.Instructions[1].ProgramID.String())
	require.Equal(t, "noopb9bkMVfRPU8AsbpTUg8AQkHtKwMYZiFUjNRtMmV", raw.Instructions[1].Accounts[0].String())
	require.Equal(t, "SysvarC1ock11111111111111111111111111111111", raw.Instructions[2].ProgramID.String())
	require.Equal(t, 3, raw.Instructions[2].StackHeight)

	tx.Transaction.Message.Instructions[0].ProgramIDIndex = 9
	_, err = tx.flatten("sig")
	require.Error(t, err)
}

func TestNodeErrorKeepsConnection(t *testing.T) {
	b := buildTree(t, 1)
	l := treetest.NewLedger()
	l.AddTree(b)
	l.Fail("getAccountInfo", 1, -32005)
	c := newTestClient(t, l)
	ctx := context.Background()

	_, err := c.TreeAccount(ctx, b.Tree)
	var rpcErr rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32005, rpcErr.ErrorCode())
	require.False(t, Permanent(err))

	first := c.client
	_, err = c.TreeAccount(ctx, b.Tree)
	require.NoError(t, err)
	require.Same(t, first, c.client)
	require.Equal(t, 2, l.Calls("getAccountInfo"))
}

func TestClosedClient(t *testing.T) {
	c := newTestClient(t, treetest.NewLedger())
	c.Close()
	_, err := c.TreeAccount(context.Background(), treetest.Pubkey("tree"))
	require.ErrorIs(t, err, errClosed)
	require.True(t, Permanent(err))
}

type codeError struct{ code int }

func (e codeError) Error() string  { return fmt.Sprintf("code %d", e.code) }
func (e codeError) ErrorCode() int { return e.code }

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retriable bool
	}{
		{"nil", nil, false},
		{"account missing", fmt.Errorf("wrapped: %w", ErrAccountNotFound), false},
		{"transaction missing", ErrTransactionNotFound, true},
		{"method not found code", codeError{-32601}, false},
		{"invalid params", codeError{-32602}, false},
		{"history unavailable", codeError{-32011}, false},
		{"node behind", codeError{-32005}, true},
		{"rate limited", rpc.HTTPError{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"}, true},
		{"forbidden", rpc.HTTPError{StatusCode: http.StatusForbidden, Status: "403 Forbidden"}, false},
		{"server error", rpc.HTTPError{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway"}, true},
		{"method not found text", errors.New("the method getFoo does not exist/is not available: method not found"), false},
		{"timeout", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retriable, _ := classifyRPCError(tt.err)
			require.Equal(t, tt.retriable, retriable)
		})
	}
}
