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

// Package ledger reads tree accounts and transaction history from a Solana
// JSON-RPC node.
package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/mr-tron/base58"
)

// Config configures a Client.
type Config struct {
	Endpoint       string
	Timeout        time.Duration // Per call
	Commitment     string
	ReconnectDelay time.Duration // Minimum delay between reconnection attempts
}

// Client reads from a ledger node. It reconnects lazily after a failed
// call and is safe for concurrent use.
type Client struct {
	cfg           Config
	client        *rpc.Client
	mu            sync.Mutex
	closed        bool
	lastReconnect time.Time
}

// NewClient creates a client for cfg.Endpoint. The connection is made on
// first use.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentFinalized
	}
	return &Client{cfg: cfg}
}

// connectLocked establishes the RPC connection. Caller must hold c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	client, err := rpc.DialContext(ctx, c.cfg.Endpoint)
	c.lastReconnect = time.Now()
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Endpoint, err)
	}
	c.client = client
	log.Info("Connected to ledger RPC", "endpoint", c.cfg.Endpoint)
	return nil
}

// getClient returns the current RPC client, connecting if necessary.
func (c *Client) getClient(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	for {
		if c.client != nil {
			client := c.client
			c.mu.Unlock()
			return client, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, errClosed
		}
		if wait := c.cfg.ReconnectDelay - time.Since(c.lastReconnect); wait > 0 {
			c.mu.Unlock()
			log.Debug("Throttling reconnection attempt", "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			c.mu.Lock()
			continue
		}
		err := c.connectLocked(ctx)
		client := c.client
		c.mu.Unlock()
		return client, err
	}
}

// resetClient closes the current client to force reconnection on next call.
func (c *Client) resetClient(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
		log.Warn("Ledger RPC connection reset due to error", "err", err)
	}
}

// call performs one request under the per-call timeout.
func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err = client.CallContext(ctx, result, method, args...)
	requestTimer.UpdateSince(start)
	if err != nil {
		requestErrors.Inc(1)
		// Errors answered by the node leave the connection usable.
		var rpcErr rpc.Error
		if !errors.As(err, &rpcErr) {
			c.resetClient(err)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// AccountData returns the raw data of the account at address and the slot
// it was read at.
func (c *Client) AccountData(ctx context.Context, address types.Pubkey) ([]byte, uint64, error) {
	var result rpcAccountInfo
	cfg := accountConfig{Encoding: "base64", Commitment: c.cfg.Commitment}
	if err := c.call(ctx, &result, "getAccountInfo", address.String(), cfg); err != nil {
		return nil, 0, err
	}
	if result.Value == nil {
		return nil, result.Context.Slot, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if len(result.Value.Data) != 2 || result.Value.Data[1] != "base64" {
		return nil, 0, fmt.Errorf("getAccountInfo %s: unexpected data encoding %v", address, result.Value.Data)
	}
	data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, 0, fmt.Errorf("getAccountInfo %s: %w", address, err)
	}
	return data, result.Context.Slot, nil
}

// TreeAccount reads and decodes the account of a tree.
func (c *Client) TreeAccount(ctx context.Context, tree types.Pubkey) (*cmt.Account, error) {
	data, slot, err := c.AccountData(ctx, tree)
	if err != nil {
		return nil, err
	}
	acc, err := cmt.ParseAccount(data)
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", tree, err)
	}
	log.Debug("Read tree account", "tree", tree, "slot", slot, "seq", acc.Sequence, "depth", acc.Header.MaxDepth, "buffer", acc.Header.MaxBufferSize)
	return acc, nil
}

// SignaturesForAddress lists signatures involving address, newest first.
func (c *Client) SignaturesForAddress(ctx context.Context, address types.Pubkey, opts SignatureOptions) ([]SignatureInfo, error) {
	var result []SignatureInfo
	cfg := signatureConfig{Before: opts.Before, Until: opts.Until, Limit: opts.Limit, Commitment: c.cfg.Commitment}
	if err := c.call(ctx, &result, "getSignaturesForAddress", address.String(), cfg); err != nil {
		return nil, err
	}
	return result, nil
}

// Transaction fetches a transaction and flattens its instructions in
// execution order.
func (c *Client) Transaction(ctx context.Context, signature string) (*clevent.RawTransaction, error) {
	var result *rpcTransaction
	cfg := transactionConfig{Encoding: "json", Commitment: c.cfg.Commitment, MaxSupportedTransactionVersion: 0}
	if err := c.call(ctx, &result, "getTransaction", signature, cfg); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, signature)
	}
	tx, err := result.flatten(signature)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", signature, err)
	}
	return tx, nil
}

// Close closes the connection. Later calls fail.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (r *rpcTransaction) flatten(signature string) (*clevent.RawTransaction, error) {
	keys := r.Transaction.Message.AccountKeys
	if r.Meta != nil && r.Meta.LoadedAddresses != nil {
		keys = append(keys, r.Meta.LoadedAddresses.Writable...)
		keys = append(keys, r.Meta.LoadedAddresses.Readonly...)
	}
	inner := make(map[int][]rpcInstruction)
	if r.Meta != nil {
		for _, set := range r.Meta.InnerInstructions {
			inner[set.Index] = append(inner[set.Index], set.Instructions...)
		}
	}
	tx := &clevent.RawTransaction{
		Signature: signature,
		Slot:      r.Slot,
		Failed:    r.Meta != nil && isError(r.Meta.Err),
	}
	for i, ix := range r.Transaction.Message.Instructions {
		raw, err := ix.resolve(keys, 1)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		tx.Instructions = append(tx.Instructions, raw)
		for j, in := range inner[i] {
			raw, err := in.resolve(keys, 2)
			if err != nil {
				return nil, fmt.Errorf("inner instruction %d.%d: %w", i, j, err)
			}
			tx.Instructions = append(tx.Instructions, raw)
		}
	}
	return tx, nil
}

func (ix *rpcInstruction) resolve(keys []types.Pubkey, defaultHeight int) (clevent.RawInstruction, error) {
	key := func(i int) (types.Pubkey, error) {
		if i < 0 || i >= len(keys) {
			return types.Pubkey{}, fmt.Errorf("account index %d out of %d keys", i, len(keys))
		}
		return keys[i], nil
	}
	program, err := key(ix.ProgramIDIndex)
	if err != nil {
		return clevent.RawInstruction{}, err
	}
	accounts := make([]types.Pubkey, len(ix.Accounts))
	for i, idx := range ix.Accounts {
		if accounts[i], err = key(idx); err != nil {
			return clevent.RawInstruction{}, err
		}
	}
	var data []byte
	if ix.Data != "" {
		if data, err = base58.Decode(ix.Data); err != nil {
			return clevent.RawInstruction{}, fmt.Errorf("instruction data: %w", err)
		}
	}
	height := defaultHeight
	if ix.StackHeight != nil {
		height = *ix.StackHeight
	}
	return clevent.RawInstruction{ProgramID: program, Accounts: accounts, Data: data, StackHeight: height}, nil
}
