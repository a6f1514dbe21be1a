// Copyright 2024 The treestatus Authors
// This file is part of treestatus.
//
// treestatus is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// treestatus is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with treestatus. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/clevent"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/callensm/digital-asset-rpc-infrastructure/crawler"
	"github.com/callensm/digital-asset-rpc-infrastructure/verifier"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	treeFlag = &cli.StringSliceFlag{
		Name:  "tree",
		Usage: "Tree account address (repeatable)",
	}
	fileFlag = &cli.StringFlag{
		Name:  "file",
		Usage: "File listing one tree address per line, '#' starts a comment",
	}
	allFlag = &cli.BoolFlag{
		Name:  "all",
		Usage: "Check every tree known to the status database",
	}
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum number of entries to print",
		Value: 100,
	}
	ackFlag = &cli.Uint64Flag{
		Name:  "ack",
		Usage: "Acknowledge every request up to and including this sequence",
	}

	checkCommand = &cli.Command{
		Name:      "check",
		Usage:     "Replay trees and compare them with their accounts",
		ArgsUsage: "[tree...]",
		Flags:     []cli.Flag{treeFlag, fileFlag, allFlag},
		Action:    runCheck,
	}
	showCommand = &cli.Command{
		Name:   "show",
		Usage:  "Print the change-log events of a tree",
		Flags:  []cli.Flag{treeFlag},
		Action: runShow,
	}
	statusCommand = &cli.Command{
		Name:   "status",
		Usage:  "Print stored tree statuses",
		Action: runStatus,
	}
	requestsCommand = &cli.Command{
		Name:   "requests",
		Usage:  "List or acknowledge pending refetch requests",
		Flags:  []cli.Flag{limitFlag, ackFlag},
		Action: runRequests,
	}
)

func runCheck(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	stopMetrics, err := startMetrics(cfg.MetricsAddr)
	if err != nil {
		return err
	}
	defer stopMetrics()

	e, err := openEnv(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	trees, err := collectTrees(ctx, e)
	if err != nil {
		return err
	}
	if len(trees) == 0 {
		return errors.New("no trees to check, use --tree, --file or --all")
	}
	log.Info("Checking trees", "count", len(trees), "workers", cfg.Workers, "snapshot", cfg.Snapshot)

	v := verifier.New(e.ledger, e.store, e.fwd, cfg.verifierConfig())
	start := time.Now()
	results := verifier.NewPool(cfg.Workers).Run(ctx.Context, trees, v.Verify)

	failed := printResults(os.Stdout, results)
	log.Info("Check finished", "trees", len(trees), "failed", failed, "elapsed", time.Since(start))
	if err := ctx.Context.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

// collectTrees gathers the trees named by the flags, the arguments, the
// tree file and, with --all, the store. Duplicates are dropped.
func collectTrees(ctx *cli.Context, e *env) ([]types.Pubkey, error) {
	var (
		trees []types.Pubkey
		seen  = make(map[types.Pubkey]bool)
	)
	add := func(s string) error {
		tree, err := types.ParsePubkey(s)
		if err != nil {
			return fmt.Errorf("tree %q: %w", s, err)
		}
		if !seen[tree] {
			seen[tree] = true
			trees = append(trees, tree)
		}
		return nil
	}
	for _, s := range append(ctx.StringSlice(treeFlag.Name), ctx.Args().Slice()...) {
		if err := add(s); err != nil {
			return nil, err
		}
	}
	if file := ctx.String(fileFlag.Name); file != "" {
		names, err := readTreeFile(file)
		if err != nil {
			return nil, err
		}
		for _, s := range names {
			if err := add(s); err != nil {
				return nil, err
			}
		}
	}
	if ctx.Bool(allFlag.Name) {
		known, err := e.store.Trees(ctx.Context)
		if err != nil {
			return nil, fmt.Errorf("list known trees: %w", err)
		}
		for _, tree := range known {
			if err := add(tree.String()); err != nil {
				return nil, err
			}
		}
	}
	return trees, nil
}

// readTreeFile reads tree addresses, one per line, skipping blank lines and
// '#' comments.
func readTreeFile(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return names, nil
}

func runShow(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	names := append(ctx.StringSlice(treeFlag.Name), ctx.Args().Slice()...)
	if len(names) != 1 {
		return errors.New("show needs exactly one --tree")
	}
	tree, err := types.ParsePubkey(names[0])
	if err != nil {
		return err
	}
	e, err := openEnv(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	txs := make(chan *clevent.RawTransaction, 64)
	crawl := crawler.New(e.ledger, tree, cfg.verifierConfig().Crawl)
	g, gctx := errgroup.WithContext(ctx.Context)
	g.Go(func() error { return crawl.Run(gctx, txs) })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tLEAF\tOP\tSLOT\tSIGNATURE")
	dec := clevent.NewDecoder()
	for tx := range txs {
		events, errs := dec.Decode(tx)
		for _, err := range errs {
			log.Warn("Skipping undecodable instruction", "err", err)
		}
		for _, ev := range events {
			if ev.Tree == tree {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n", ev.Sequence, ev.LeafIndex, ev.Operation.Kind, ev.Slot, ev.Signature)
			}
		}
	}
	w.Flush()
	return g.Wait()
}

func runStatus(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	records, err := e.store.ListStatuses(ctx.Context)
	if err != nil {
		return err
	}
	printStatuses(os.Stdout, records)
	return nil
}

func runRequests(ctx *cli.Context) error {
	cfg, err := buildConfigFromCLI(ctx)
	if err != nil {
		return err
	}
	e, err := openEnv(ctx.Context, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	if e.outbox == nil {
		return fmt.Errorf("no refetch outbox with forward mode %q", cfg.Forward)
	}
	if ctx.IsSet(ackFlag.Name) {
		seq := ctx.Uint64(ackFlag.Name)
		if err := e.outbox.Ack(seq); err != nil {
			return err
		}
		log.Info("Acknowledged refetch requests", "upto", seq, "remaining", e.outbox.Len())
		return nil
	}
	pending, err := e.outbox.Pending(ctx.Int(limitFlag.Name))
	if err != nil {
		return err
	}
	printRequests(os.Stdout, pending)
	return nil
}
