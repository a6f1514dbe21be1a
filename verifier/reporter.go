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

package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/verdict"
	"github.com/callensm/digital-asset-rpc-infrastructure/forwarder"
	"github.com/ethereum/go-ethereum/log"
)

// Reporter persists check results and asks for missing history to be
// fetched again.
type Reporter struct {
	store   status.Store
	fwd     status.Forwarder
	joinGap uint64
	now     func() time.Time
}

// NewReporter creates a reporter. A nil forwarder drops refetch requests.
func NewReporter(store status.Store, fwd status.Forwarder) *Reporter {
	if fwd == nil {
		fwd = forwarder.Discard{}
	}
	return &Reporter{store: store, fwd: fwd, joinGap: verdict.DefaultJoinGap, now: time.Now}
}

// Report records check as the latest status of tree and forwards the
// ranges a gap or an incomplete replay left uncovered.
func (r *Reporter) Report(ctx context.Context, tree types.Pubkey, check *TreeCheck) error {
	rec := &status.Record{
		Tree:          tree,
		Kind:          check.Verdict.Kind.String(),
		Detail:        check.Verdict.Detail(),
		LastApplied:   check.LastApplied,
		Authoritative: check.Authoritative,
		CheckedAt:     uint64(r.now().Unix()),
	}
	if err := r.store.WriteStatus(ctx, rec); err != nil {
		return fmt.Errorf("write status of %s: %w", tree, err)
	}
	for _, req := range r.requests(tree, check) {
		if err := r.fwd.Enqueue(ctx, req); err != nil {
			return fmt.Errorf("forward refetch %d-%d of %s: %w", req.From, req.To, tree, err)
		}
		refetchRequests.Inc(1)
		log.Info("Requested refetch", "tree", tree, "from", req.From, "to", req.To)
	}
	return nil
}

// ReportError records a check that ended without a verdict.
func (r *Reporter) ReportError(ctx context.Context, tree types.Pubkey, cause error) error {
	rec := &status.Record{
		Tree:      tree,
		Kind:      status.KindError,
		Detail:    cause.Error(),
		CheckedAt: uint64(r.now().Unix()),
	}
	if prev, err := r.store.ReadStatus(ctx, tree); err == nil {
		rec.LastApplied, rec.Authoritative = prev.LastApplied, prev.Authoritative
	}
	if err := r.store.WriteStatus(ctx, rec); err != nil {
		return fmt.Errorf("write status of %s: %w", tree, err)
	}
	return nil
}

func (r *Reporter) requests(tree types.Pubkey, check *TreeCheck) []status.RefetchRequest {
	var ranges []verdict.Range
	switch v := check.Verdict; v.Kind {
	case verdict.SequenceGap:
		ranges = verdict.JoinRanges(v.Missing, r.joinGap)
	case verdict.Incomplete:
		if v.LastApplied < check.Authoritative {
			ranges = []verdict.Range{{From: v.LastApplied + 1, To: check.Authoritative}}
		}
	}
	reqs := make([]status.RefetchRequest, 0, len(ranges))
	for _, rg := range ranges {
		req := status.RefetchRequest{Tree: tree, From: rg.From, To: rg.To}
		if check.Log != nil {
			if rg.From > 0 {
				req.After, _ = check.Log.Signature(rg.From - 1)
			}
			req.Before, _ = check.Log.Signature(rg.To + 1)
		}
		reqs = append(reqs, req)
	}
	return reqs
}
