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

// Package forwarder delivers refetch requests to the ingestion pipeline.
package forwarder

import (
	"context"
	"fmt"
	"sync"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/treedb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
)

// Pending is a request waiting in the outbox.
type Pending struct {
	Seq     uint64
	Request status.RefetchRequest
}

// Outbox queues requests durably in a key-value database until a
// re-delivery pipeline acknowledges them.
type Outbox struct {
	db        ethdb.KeyValueStore
	mu        sync.Mutex
	nextSeq   uint64 // Next sequence number to assign
	lowestSeq uint64 // Lowest unacknowledged sequence
}

// NewOutbox opens the outbox kept in db.
func NewOutbox(db ethdb.KeyValueStore) (*Outbox, error) {
	nextSeq, err := treedb.ReadRefetchSeqCounter(db)
	if err != nil {
		return nil, fmt.Errorf("read outbox sequence counter: %w", err)
	}
	lowestSeq, err := treedb.ReadRefetchLowestSeq(db)
	if err != nil {
		return nil, fmt.Errorf("read outbox lowest sequence: %w", err)
	}
	log.Debug("Opened refetch outbox", "nextSeq", nextSeq, "lowestSeq", lowestSeq)
	return &Outbox{db: db, nextSeq: nextSeq, lowestSeq: lowestSeq}, nil
}

// Enqueue appends req and advances the sequence counter in one batch.
func (o *Outbox) Enqueue(ctx context.Context, req status.RefetchRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.nextSeq == ^uint64(0) {
		return fmt.Errorf("outbox sequence counter overflow")
	}
	seq := o.nextSeq
	if err := treedb.WriteRefetchRequestAtomic(o.db, seq, &req, seq+1); err != nil {
		return err
	}
	o.nextSeq++
	forwardedTotal.Inc(1)
	outboxDepth.Update(int64(o.nextSeq - o.lowestSeq))
	log.Debug("Queued refetch request", "seq", seq, "tree", req.Tree, "from", req.From, "to", req.To)
	return nil
}

// Pending returns up to limit unacknowledged requests, oldest first. A zero
// limit returns all of them.
func (o *Outbox) Pending(limit int) ([]Pending, error) {
	o.mu.Lock()
	start := o.lowestSeq
	o.mu.Unlock()

	var pending []Pending
	err := treedb.IterateRefetchRequests(o.db, start, func(seq uint64, req *status.RefetchRequest) bool {
		pending = append(pending, Pending{Seq: seq, Request: *req})
		return limit == 0 || len(pending) < limit
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// Ack drops every request up to and including seq.
func (o *Outbox) Ack(seq uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq >= o.nextSeq {
		return fmt.Errorf("ack of unassigned sequence %d, next is %d", seq, o.nextSeq)
	}
	if seq < o.lowestSeq {
		return nil
	}
	count, err := treedb.DeleteRefetchRequests(o.db, o.lowestSeq, seq)
	if err != nil {
		return fmt.Errorf("ack refetch requests up to %d: %w", seq, err)
	}
	o.lowestSeq = seq + 1
	outboxDepth.Update(int64(o.nextSeq - o.lowestSeq))
	log.Debug("Acknowledged refetch requests", "count", count, "lowestSeq", o.lowestSeq)
	return nil
}

// Len returns the number of unacknowledged requests.
func (o *Outbox) Len() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextSeq - o.lowestSeq
}
