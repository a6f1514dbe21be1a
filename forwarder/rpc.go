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

package forwarder

import (
	"context"
	"fmt"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// EnqueueMethod is the JSON-RPC method requests are submitted with.
const EnqueueMethod = "refetch_enqueue"

// RPC submits requests to a remote ingestion service over JSON-RPC.
type RPC struct {
	client  *rpc.Client
	timeout time.Duration
}

// DialRPC connects to the service at endpoint.
func DialRPC(ctx context.Context, endpoint string, timeout time.Duration) (*RPC, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial refetch service %s: %w", endpoint, err)
	}
	log.Info("Connected to refetch service", "endpoint", endpoint)
	return &RPC{client: client, timeout: timeout}, nil
}

// NewRPC wraps an existing client.
func NewRPC(client *rpc.Client, timeout time.Duration) *RPC {
	return &RPC{client: client, timeout: timeout}
}

// Enqueue submits req.
func (f *RPC) Enqueue(ctx context.Context, req status.RefetchRequest) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	if err := f.client.CallContext(ctx, nil, EnqueueMethod, req); err != nil {
		forwardErrors.Inc(1)
		return fmt.Errorf("enqueue refetch of %s [%d, %d]: %w", req.Tree, req.From, req.To, err)
	}
	forwardedTotal.Inc(1)
	return nil
}

// Close closes the connection.
func (f *RPC) Close() {
	f.client.Close()
}

// Discard drops every request.
type Discard struct{}

func (Discard) Enqueue(ctx context.Context, req status.RefetchRequest) error {
	log.Debug("Discarding refetch request", "tree", req.Tree, "from", req.From, "to", req.To)
	return nil
}

var (
	_ status.Forwarder = (*Outbox)(nil)
	_ status.Forwarder = (*RPC)(nil)
	_ status.Forwarder = Discard{}
)
