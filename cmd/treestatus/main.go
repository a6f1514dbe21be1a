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

// treestatus verifies compressed Merkle trees against the ledger.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log.format",
		Usage: "Log format to use (terminal, json)",
		Value: "terminal",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotated file instead of stderr",
	}
	logRotateSizeFlag = &cli.IntFlag{
		Name:  "log.maxsize",
		Usage: "Maximum size in megabytes of a log file before it is rotated",
		Value: 100,
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Serve prometheus metrics on this address (disabled if empty)",
	}
	rpcURLFlag = &cli.StringFlag{
		Name:  "rpc.url",
		Usage: "Ledger JSON-RPC endpoint",
		Value: "http://localhost:8899",
	}
	rpcTimeoutFlag = &cli.DurationFlag{
		Name:  "rpc.timeout",
		Usage: "Timeout of a single ledger call",
		Value: 30 * time.Second,
	}
	rpcCommitmentFlag = &cli.StringFlag{
		Name:  "rpc.commitment",
		Usage: "Commitment level of ledger reads (finalized, confirmed)",
		Value: "finalized",
	}
	rpcReconnectDelayFlag = &cli.DurationFlag{
		Name:  "rpc.reconnect-delay",
		Usage: "Minimum delay between ledger reconnection attempts",
		Value: time.Second,
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the status database and the refetch outbox",
		Value: "./treestatus-data",
	}
	dbEngineFlag = &cli.StringFlag{
		Name:  "db.engine",
		Usage: "Status database engine (pebble, leveldb, sqlite, memory)",
		Value: "pebble",
	}
	dbCacheFlag = &cli.IntFlag{
		Name:  "db.cache",
		Usage: "Megabytes of memory allocated to the key-value database cache",
		Value: 64,
	}
	dbHandlesFlag = &cli.IntFlag{
		Name:  "db.handles",
		Usage: "File handles allocated to the key-value database",
		Value: 128,
	}
	forwardFlag = &cli.StringFlag{
		Name:  "forward",
		Usage: "Where refetch requests go (outbox, rpc, none)",
		Value: "outbox",
	}
	forwardURLFlag = &cli.StringFlag{
		Name:  "forward.url",
		Usage: "Ingestion pipeline JSON-RPC endpoint for rpc forwarding",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of trees checked in parallel",
		Value: 4,
	}
	snapshotFlag = &cli.BoolFlag{
		Name:  "snapshot",
		Usage: "Persist a tree snapshot after healthy checks and resume later checks from it (the snapshot holds every written node, so it grows with the tree)",
	}
	crawlPageFlag = &cli.IntFlag{
		Name:  "crawl.page",
		Usage: "Signatures requested per listing call (max 1000)",
		Value: 1000,
	}
	crawlConcurrencyFlag = &cli.IntFlag{
		Name:  "crawl.concurrency",
		Usage: "Transaction fetches in flight per tree",
		Value: 8,
	}
	crawlRetriesFlag = &cli.Uint64Flag{
		Name:  "crawl.retries",
		Usage: "Retries of a failed ledger call before a tree is reported incomplete",
		Value: 5,
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "treestatus",
		Usage: "Verify compressed Merkle trees against the ledger",
		Flags: []cli.Flag{
			configFileFlag,
			verbosityFlag,
			logFormatFlag,
			logFileFlag,
			logRotateSizeFlag,
			metricsAddrFlag,
			rpcURLFlag,
			rpcTimeoutFlag,
			rpcCommitmentFlag,
			rpcReconnectDelayFlag,
			dataDirFlag,
			dbEngineFlag,
			dbCacheFlag,
			dbHandlesFlag,
			forwardFlag,
			forwardURLFlag,
			workersFlag,
			snapshotFlag,
			crawlPageFlag,
			crawlConcurrencyFlag,
			crawlRetriesFlag,
		},
		Commands: []*cli.Command{
			checkCommand,
			showCommand,
			statusCommand,
			requestsCommand,
		},
		Before: setupLogging,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the default logger according to the log flags.
func setupLogging(ctx *cli.Context) error {
	var (
		output   io.Writer = os.Stderr
		useColor           = false
	)
	if file := ctx.String(logFileFlag.Name); file != "" {
		output = &lumberjack.Logger{
			Filename: file,
			MaxSize:  ctx.Int(logRotateSizeFlag.Name),
			Compress: true,
		}
	} else if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		output = colorable.NewColorableStderr()
		useColor = os.Getenv("TERM") != "dumb"
	}
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))

	var handler slog.Handler
	switch format := ctx.String(logFormatFlag.Name); format {
	case "json":
		handler = log.JSONHandlerWithLevel(output, level)
	case "terminal", "":
		handler = log.NewTerminalHandlerWithLevel(output, level, useColor)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	log.SetDefault(log.NewLogger(handler))
	return nil
}
