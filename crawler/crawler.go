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

// Package crawler streams the transaction history of a tree from the ledger
// in chronological order.
package crawler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/callensm/digital-asset-rpc-infrastructure/ledger"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Direction is the order transactions are delivered in.
type Direction uint8

const (
	Forward  Direction = iota // Oldest first
	Backward                  // Newest first
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// ParseDirection parses "forward" or "backward".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "", "forward":
		return Forward, nil
	case "backward":
		return Backward, nil
	}
	return 0, fmt.Errorf("unknown crawl direction %q", s)
}

// Config tunes a crawl.
type Config struct {
	PageSize       int           // Signatures per listing call, at most 1000
	Concurrency    int           // Parallel transaction fetches per page
	MaxRetries     uint64        // Retries per call before giving up
	InitialBackoff time.Duration // First retry delay
	MaxBackoff     time.Duration // Upper bound of the retry delay
	Direction      Direction
	After          string // Exclusive signature the crawl resumes after
	DedupeSize     int    // Signatures remembered to drop repeats
}

// DefaultConfig is the crawl configuration used when none is given.
var DefaultConfig = Config{
	PageSize:       1000,
	Concurrency:    8,
	MaxRetries:     5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Direction:      Forward,
	DedupeSize:     4096,
}

func (c *Config) sanitize() {
	if c.PageSize <= 0 || c.PageSize > 1000 {
		c.PageSize = DefaultConfig.PageSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConfig.Concurrency
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(DefaultConfig.MaxBackoff, c.InitialBackoff)
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = DefaultConfig.DedupeSize
	}
}

// HistorySource is the part of the ledger a crawl reads from.
type HistorySource interface {
	SignaturesForAddress(ctx context.Context, address types.Pubkey, opts ledger.SignatureOptions) ([]ledger.SignatureInfo, error)
	Transaction(ctx context.Context, signature string) (*clevent.RawTransaction, error)
}

// Crawler delivers the history of one tree. It is single use.
type Crawler struct {
	src  HistorySource
	tree types.Pubkey
	cfg  Config
	seen *lru.Cache[string, struct{}]

	cursor string // Last delivered signature, owned by the delivering goroutine
}

// New creates a crawler over the history of tree.
func New(src HistorySource, tree types.Pubkey, cfg Config) *Crawler {
	cfg.sanitize()
	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		panic(err) // Size is positive after sanitize
	}
	return &Crawler{src: src, tree: tree, cfg: cfg, seen: seen, cursor: cfg.After}
}

// Cursor returns the last signature delivered. It is only valid after Run
// returned.
func (c *Crawler) Cursor() string {
	return c.cursor
}

// Run streams the history into out and closes it when done. Listing,
// fetching and delivery overlap by one page. A ledger failure that outlives
// the retries is returned as a *CrawlError carrying the resume cursor.
func (c *Crawler) Run(ctx context.Context, out chan<- *clevent.RawTransaction) error {
	defer close(out)

	var (
		pages   = make(chan []ledger.SignatureInfo)
		fetched = make(chan []*clevent.RawTransaction, 1)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(pages)
		return c.list(gctx, pages)
	})
	g.Go(func() error {
		defer close(fetched)
		for page := range pages {
			txs, err := c.fetchPage(gctx, page)
			if err != nil {
				return err
			}
			select {
			case fetched <- txs:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		for txs := range fetched {
			for _, tx := range txs {
				select {
				case out <- tx:
					c.cursor = tx.Signature
					deliveredCounter.Inc(1)
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})
	err := g.Wait()
	switch {
	case err == nil:
		log.Debug("Crawl finished", "tree", c.tree, "cursor", c.cursor)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	var crawlErr *CrawlError
	if errors.As(err, &crawlErr) {
		crawlErr.Cursor = c.cursor
		crawlErrors.Inc(1)
		log.Warn("Crawl aborted", "tree", c.tree, "cursor", c.cursor, "err", crawlErr.Err)
		return crawlErr
	}
	return err
}

// list produces signature pages in delivery order.
func (c *Crawler) list(ctx context.Context, pages chan<- []ledger.SignatureInfo) error {
	emit := func(page []ledger.SignatureInfo) error {
		if len(page) == 0 {
			return nil
		}
		select {
		case pages <- page:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.cfg.Direction == Backward {
		return c.listPages(ctx, func(page []ledger.SignatureInfo) error {
			slices.SortStableFunc(page, func(a, b ledger.SignatureInfo) int { return cmp.Compare(b.Slot, a.Slot) })
			return emit(page)
		})
	}
	// The ledger lists newest first, so forward delivery needs the whole
	// listing down to the cursor before the first page can go out.
	var all []ledger.SignatureInfo
	err := c.listPages(ctx, func(page []ledger.SignatureInfo) error {
		all = append(all, page...)
		return nil
	})
	if err != nil {
		return err
	}
	slices.Reverse(all)
	log.Debug("Listed tree history", "tree", c.tree, "after", c.cfg.After, "signatures", len(all))

	for start := 0; start < len(all); start += c.cfg.PageSize {
		page := all[start:min(start+c.cfg.PageSize, len(all))]
		slices.SortStableFunc(page, func(a, b ledger.SignatureInfo) int { return cmp.Compare(a.Slot, b.Slot) })
		if err := emit(page); err != nil {
			return err
		}
	}
	return nil
}

// listPages walks the signature listing from the tip down to the cursor and
// hands each page, without failed or repeated entries, to fn.
func (c *Crawler) listPages(ctx context.Context, fn func([]ledger.SignatureInfo) error) error {
	var before string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var infos []ledger.SignatureInfo
		opts := ledger.SignatureOptions{Before: before, Until: c.cfg.After, Limit: c.cfg.PageSize}
		err := c.retry(ctx, "list signatures", func() (err error) {
			infos, err = c.src.SignaturesForAddress(ctx, c.tree, opts)
			return err
		})
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return nil
		}
		pagesMeter.Mark(1)
		before = infos[len(infos)-1].Signature

		kept := make([]ledger.SignatureInfo, 0, len(infos))
		for _, info := range infos {
			if info.Failed() {
				skippedFailed.Inc(1)
				continue
			}
			if c.seen.Contains(info.Signature) {
				skippedDuplicate.Inc(1)
				continue
			}
			c.seen.Add(info.Signature, struct{}{})
			kept = append(kept, info)
		}
		if err := fn(kept); err != nil {
			return err
		}
		if len(infos) < c.cfg.PageSize {
			return nil
		}
	}
}

// fetchPage fetches the transactions of a page in parallel, keeping the
// page order.
func (c *Crawler) fetchPage(ctx context.Context, page []ledger.SignatureInfo) ([]*clevent.RawTransaction, error) {
	txs := make([]*clevent.RawTransaction, len(page))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, info := range page {
		g.Go(func() error {
			return c.retry(gctx, "fetch transaction "+info.Signature, func() (err error) {
				txs[i], err = c.src.Transaction(gctx, info.Signature)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return txs, nil
}

// retry runs op with exponential backoff. Permanent ledger errors stop at
// once.
func (c *Crawler) retry(ctx context.Context, what string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	var attempts uint64
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err != nil && (ledger.Permanent(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), ctx), func(err error, wait time.Duration) {
		retriesCounter.Inc(1)
		log.Debug("Retrying ledger call", "tree", c.tree, "call", what, "wait", wait, "err", err)
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	kind := Unavailable
	if ledger.Permanent(err) {
		kind = Rejected
	}
	return &CrawlError{Kind: kind, Call: what, Attempts: attempts, Err: err}
}
