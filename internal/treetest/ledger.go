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

package treetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/mr-tron/base58"
)

// Ledger is an in-memory Solana JSON-RPC node serving accounts, signature
// listings and transactions.
type Ledger struct {
	mu       sync.Mutex
	accounts map[types.Pubkey][]byte
	history  []*entry // Oldest first
	bySig    map[string]*entry
	failures map[string][]int // Queued error codes per method
	calls    map[string]int
}

type entry struct {
	tx      *clevent.RawTransaction
	failed  bool
	address map[types.Pubkey]bool
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[types.Pubkey][]byte),
		bySig:    make(map[string]*entry),
		failures: make(map[string][]int),
		calls:    make(map[string]int),
	}
}

// AddTree publishes the account and history recorded by b.
func (l *Ledger) AddTree(b *Builder) {
	l.SetAccount(b.Tree, b.Account().Marshal())
	for _, tx := range b.Transactions() {
		l.AddTransaction(tx)
	}
}

// SetAccount sets the data of an account.
func (l *Ledger) SetAccount(address types.Pubkey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[address] = data
}

// AddTransaction appends tx to the history.
func (l *Ledger) AddTransaction(tx *clevent.RawTransaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := &entry{tx: tx, failed: tx.Failed, address: make(map[types.Pubkey]bool)}
	for _, ix := range tx.Instructions {
		e.address[ix.ProgramID] = true
		for _, a := range ix.Accounts {
			e.address[a] = true
		}
	}
	l.history = append(l.history, e)
	l.bySig[tx.Signature] = e
}

// Remove drops a transaction from both the listing and lookups.
func (l *Ledger) Remove(signature string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySig, signature)
	for i, e := range l.history {
		if e.tx.Signature == signature {
			l.history = append(l.history[:i:i], l.history[i+1:]...)
			return
		}
	}
}

// Fail makes the next n calls of method return a JSON-RPC error with code.
func (l *Ledger) Fail(method string, n int, code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.failures[method] = append(l.failures[method], code)
	}
}

// Calls returns how often method was called.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Serve starts an HTTP server for the ledger, closed with the test.
func (l *Ledger) Serve(t testing.TB) string {
	srv := httptest.NewServer(l)
	t.Cleanup(srv.Close)
	return srv.URL
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (l *Ledger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, rerr := l.dispatch(&req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rerr != nil {
		resp["error"] = rerr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (l *Ledger) dispatch(req *rpcRequest) (any, *rpcError) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls[req.Method]++
	if queued := l.failures[req.Method]; len(queued) > 0 {
		l.failures[req.Method] = queued[1:]
		return nil, &rpcError{Code: queued[0], Message: "injected failure"}
	}
	var first string
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &first); err != nil {
			return nil, &rpcError{Code: -32602, Message: err.Error()}
		}
	}
	switch req.Method {
	case "getAccountInfo":
		return l.accountInfo(first)
	case "getSignaturesForAddress":
		var opts struct {
			Before string `json:"before"`
			Until  string `json:"until"`
			Limit  int    `json:"limit"`
		}
		if len(req.Params) > 1 {
			if err := json.Unmarshal(req.Params[1], &opts); err != nil {
				return nil, &rpcError{Code: -32602, Message: err.Error()}
			}
		}
		return l.signatures(first, opts.Before, opts.Until, opts.Limit)
	case "getTransaction":
		e, ok := l.bySig[first]
		if !ok {
			return nil, nil
		}
		return encodeTransaction(e), nil
	default:
		return nil, &rpcError{Code: -32601, Message: "Method not found"}
	}
}

func (l *Ledger) accountInfo(address string) (any, *rpcError) {
	key, err := types.ParsePubkey(address)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: err.Error()}
	}
	result := map[string]any{"context": map[string]any{"slot": 1000}, "value": nil}
	if data, ok := l.accounts[key]; ok {
		result["value"] = map[string]any{
			"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
			"owner":      types.CompressionProgram.String(),
			"lamports":   1,
			"executable": false,
		}
	}
	return result, nil
}

func (l *Ledger) signatures(address, before, until string, limit int) (any, *rpcError) {
	key, err := types.ParsePubkey(address)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: err.Error()}
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []map[string]any
	started := before == ""
	for i := len(l.history) - 1; i >= 0 && len(out) < limit; i-- {
		e := l.history[i]
		sig := e.tx.Signature
		if !started {
			started = sig == before
			continue
		}
		if sig == until {
			break
		}
		if !e.address[key] {
			continue
		}
		var txErr any
		if e.failed {
			txErr = map[string]any{"InstructionError": []any{0, "Custom"}}
		}
		out = append(out, map[string]any{"signature": sig, "slot": e.tx.Slot, "err": txErr, "blockTime": nil})
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

func encodeTransaction(e *entry) any {
	var (
		keys  []string
		index = make(map[types.Pubkey]int)
	)
	keyIndex := func(k types.Pubkey) int {
		if i, ok := index[k]; ok {
			return i
		}
		index[k] = len(keys)
		keys = append(keys, k.String())
		return index[k]
	}
	compile := func(ix clevent.RawInstruction) map[string]any {
		accounts := make([]int, len(ix.Accounts))
		for i, a := range ix.Accounts {
			accounts[i] = keyIndex(a)
		}
		return map[string]any{
			"programIdIndex": keyIndex(ix.ProgramID),
			"accounts":       accounts,
			"data":           base58.Encode(ix.Data),
			"stackHeight":    ix.StackHeight,
		}
	}
	var (
		top   []map[string]any
		inner []map[string]any
	)
	for _, ix := range e.tx.Instructions {
		if ix.StackHeight <= 1 {
			top = append(top, compile(ix))
			inner = append(inner, map[string]any{"index": len(top) - 1, "instructions": []map[string]any{}})
			continue
		}
		if len(top) == 0 {
			panic(fmt.Sprintf("transaction %s starts with an inner instruction", e.tx.Signature))
		}
		last := inner[len(inner)-1]
		last["instructions"] = append(last["instructions"].([]map[string]any), compile(ix))
	}
	var txErr any
	if e.failed {
		txErr = map[string]any{"InstructionError": []any{0, "Custom"}}
	}
	return map[string]any{
		"slot": e.tx.Slot,
		"transaction": map[string]any{
			"signatures": []string{e.tx.Signature},
			"message": map[string]any{
				"accountKeys":  keys,
				"instructions": top,
			},
		},
		"meta": map[string]any{
			"err":               txErr,
			"innerInstructions": inner,
			"loadedAddresses":   map[string]any{"writable": []string{}, "readonly": []string{}},
		},
	}
}
