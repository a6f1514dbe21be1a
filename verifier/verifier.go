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

// Package verifier checks compressed trees by replaying their history and
// comparing the result with the authoritative account.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/cmt"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/replay"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/verdict"
	"github.com/callensm/digital-asset-rpc-infrastructure/crawler"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

// ErrSchemaMismatch is returned when the immutable parameters of a tree
// differ from the ones recorded by an earlier run.
var ErrSchemaMismatch = errors.New("tree schema mismatch")

// Ledger is the chain access a verification needs.
type Ledger interface {
	crawler.HistorySource
	TreeAccount(ctx context.Context, tree types.Pubkey) (*cmt.Account, error)
}

// Config tunes verifications.
type Config struct {
	Crawl       crawler.Config
	Snapshot    bool // Persist snapshots after healthy runs and resume from them
	EventBuffer int  // Transactions buffered between crawler and replay
}

// TreeCheck is the outcome of verifying one tree.
type TreeCheck struct {
	Tree          types.Pubkey
	Verdict       verdict.Verdict
	Authoritative uint64 // Sequence of the account
	LastApplied   uint64 // Sequence the replay reached
	Base          uint64 // Sequence the replay started from
	Applied       int    // Events applied
	Ignored       int    // Events above the authoritative sequence
	DecodeErrors  int
	Duration      time.Duration

	Log *verdict.SequenceLog

	tree   *cmt.Tree
	cursor string // Cursor of the checkpoint the run started from
}

// Healthy reports whether the tree passed.
func (c *TreeCheck) Healthy() bool { return c.Verdict.Kind == verdict.Healthy }

// Verifier checks trees one at a time per call. Calls for different trees
// may run concurrently since each owns its replay state.
type Verifier struct {
	ledger   Ledger
	store    status.Store
	reporter *Reporter
	cfg      Config
	decoder  *clevent.Decoder
}

// New creates a verifier reporting to store and fwd.
func New(ledger Ledger, store status.Store, fwd status.Forwarder, cfg Config) *Verifier {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Verifier{
		ledger:   ledger,
		store:    store,
		reporter: NewReporter(store, fwd),
		cfg:      cfg,
		decoder:  clevent.NewDecoder(),
	}
}

// Reporter returns the reporter the verifier writes results through.
func (v *Verifier) Reporter() *Reporter { return v.reporter }

// run is the replay state of one verification.
type run struct {
	tree       types.Pubkey
	checkpoint *status.Checkpoint
	resumed    bool // Started from the checkpoint snapshot
	after      string
}

// Verify checks tree, reports the result and returns it. Fatal errors such
// as a schema change are recorded with kind status.KindError and returned.
func (v *Verifier) Verify(ctx context.Context, tree types.Pubkey) (*TreeCheck, error) {
	start := time.Now()
	check, err := v.verify(ctx, tree)
	checkTimer.UpdateSince(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		checkErrors.Inc(1)
		if rerr := v.reporter.ReportError(ctx, tree, err); rerr != nil {
			log.Error("Failed to record tree error", "tree", tree, "err", rerr)
		}
		return nil, err
	}
	check.Duration = time.Since(start)
	verdictCounter(check.Verdict.Kind).Inc(1)
	if err := v.reporter.Report(ctx, tree, check); err != nil {
		return check, err
	}
	if check.Healthy() {
		if err := v.writeCheckpoint(ctx, check, start); err != nil {
			return check, err
		}
	}
	return check, nil
}

func (v *Verifier) verify(ctx context.Context, tree types.Pubkey) (*TreeCheck, error) {
	r := &run{tree: tree}
	cp, err := v.store.ReadCheckpoint(ctx, tree)
	switch {
	case errors.Is(err, status.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read checkpoint: %w", err)
	default:
		r.checkpoint = cp
		if v.cfg.Snapshot && len(cp.Snapshot) > 0 {
			r.resumed, r.after = true, cp.Cursor
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The account read and the crawl run side by side. The crawl buffers
	// until the account arrives and the replay can be set up.
	var (
		accounts = make(chan *cmt.Account, 1)
		txs      = make(chan *clevent.RawTransaction, v.cfg.EventBuffer)
		crawlErr error
	)
	crawlCfg := v.cfg.Crawl
	crawlCfg.Direction, crawlCfg.After = crawler.Forward, r.after
	crawl := crawler.New(v.ledger, tree, crawlCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		acc, err := v.ledger.TreeAccount(gctx, tree)
		if err != nil {
			return fmt.Errorf("read tree account: %w", err)
		}
		accounts <- acc
		return nil
	})
	g.Go(func() error {
		crawlErr = crawl.Run(gctx, txs)
		return nil
	})
	abort := func(err error) (*TreeCheck, error) {
		cancel()
		for range txs {
		}
		if werr := g.Wait(); werr != nil {
			return nil, werr
		}
		return nil, err
	}

	var acc *cmt.Account
	select {
	case acc = <-accounts:
	case <-gctx.Done():
		return abort(gctx.Err())
	}
	initial, base, err := v.startTree(r, acc)
	if err != nil {
		return abort(err)
	}
	check := &TreeCheck{
		Tree:          tree,
		Authoritative: acc.Sequence,
		Base:          base,
		Log:           verdict.NewSequenceLog(),
		cursor:        r.after,
	}
	replayer := replay.New(initial)
	for tx := range txs {
		v.apply(check, replayer, acc, tx)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var crawlErrs *crawler.CrawlError
	if crawlErr != nil && !errors.As(crawlErr, &crawlErrs) {
		return nil, crawlErr
	}

	in := verdict.Input{
		Authoritative: acc,
		Tree:          replayer.Tree(),
		Base:          base,
		Log:           check.Log,
		ReplayErr:     replayer.Err(),
	}
	if crawlErrs != nil {
		in.CrawlErr = crawlErrs
	}
	vd, err := verdict.Classify(in)
	if err != nil {
		return nil, err
	}
	check.Verdict = vd
	check.tree = replayer.Tree()
	check.Applied = replayer.Applied()
	check.LastApplied = replayer.Tree().Sequence()
	if re := replayer.Err(); re != nil {
		check.LastApplied = re.LastApplied
	}
	log.Debug("Verified tree", "tree", tree, "verdict", vd.Kind, "base", base, "applied", check.Applied,
		"authoritative", acc.Sequence, "ignored", check.Ignored, "decodeErrors", check.DecodeErrors)
	return check, nil
}

// startTree returns the tree the replay starts from and its sequence.
func (v *Verifier) startTree(r *run, acc *cmt.Account) (*cmt.Tree, uint64, error) {
	depth, buffer, canopy := acc.Header.MaxDepth, acc.Header.MaxBufferSize, acc.CanopyDepth()
	if cp := r.checkpoint; cp != nil {
		if err := cp.CheckSchema(depth, buffer, canopy); err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
		}
	}
	if r.resumed {
		tree, err := v.restore(r.checkpoint)
		if err == nil {
			return tree, tree.Sequence(), nil
		}
		// The crawl already skipped the history before the cursor.
		return nil, 0, fmt.Errorf("resume tree %s: %w", r.tree, err)
	}
	tree, err := cmt.New(depth, buffer, canopy)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	return tree, 0, nil
}

func (v *Verifier) restore(cp *status.Checkpoint) (*cmt.Tree, error) {
	snap, err := cmt.DecodeSnapshot(cp.Snapshot)
	if err != nil {
		return nil, err
	}
	tree, err := cmt.Restore(snap)
	if err != nil {
		return nil, err
	}
	if tree.Sequence() != cp.Sequence {
		return nil, fmt.Errorf("snapshot at sequence %d, checkpoint at %d", tree.Sequence(), cp.Sequence)
	}
	return tree, nil
}

// apply decodes tx and replays the events of the checked tree. Sequences
// keep being observed after the replay halted.
func (v *Verifier) apply(check *TreeCheck, replayer *replay.Replayer, acc *cmt.Account, tx *clevent.RawTransaction) {
	events, errs := v.decoder.Decode(tx)
	for _, err := range errs {
		check.DecodeErrors++
		decodeErrors.Inc(1)
		log.Warn("Skipping undecodable instruction", "tree", check.Tree, "err", err)
	}
	for _, ev := range events {
		if ev.Tree != check.Tree {
			continue
		}
		if ev.Sequence > acc.Sequence {
			check.Ignored++
			continue
		}
		check.Log.Observe(ev.Sequence, ev.Signature)
		if replayer.Err() != nil {
			continue
		}
		if err := replayer.Apply(ev); err != nil {
			log.Warn("Replay halted", "tree", check.Tree, "seq", ev.Sequence, "sig", ev.Signature, "err", err)
			continue
		}
		eventsApplied.Mark(1)
	}
}

// writeCheckpoint records where a healthy replay ended.
func (v *Verifier) writeCheckpoint(ctx context.Context, check *TreeCheck, now time.Time) error {
	tree := check.tree
	cp := &status.Checkpoint{
		Tree:        check.Tree,
		Sequence:    tree.Sequence(),
		Depth:       tree.Depth(),
		BufferSize:  tree.MaxBufferSize(),
		CanopyDepth: tree.CanopyDepth(),
		Cursor:      check.cursor,
		UpdatedAt:   uint64(now.Unix()),
	}
	if sig, ok := check.Log.Signature(cp.Sequence); ok {
		cp.Cursor = sig
	}
	if v.cfg.Snapshot {
		if cp.Cursor == "" {
			return fmt.Errorf("no signature observed for sequence %d", cp.Sequence)
		}
		enc, err := cmt.EncodeSnapshot(tree.Snapshot())
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		cp.Snapshot = enc
	}
	if err := v.store.WriteCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}
