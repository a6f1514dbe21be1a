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
	"path/filepath"
	"reflect"
	"time"
	"unicode"

	"github.com/callensm/digital-asset-rpc-infrastructure/crawler"
	"github.com/callensm/digital-asset-rpc-infrastructure/ledger"
	"github.com/callensm/digital-asset-rpc-infrastructure/store/kvstore"
	"github.com/callensm/digital-asset-rpc-infrastructure/verifier"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

// Supported forwarding modes.
const (
	forwardNone   = "none"
	forwardOutbox = "outbox"
	forwardRPC    = "rpc"
)

const engineSQLite = "sqlite"

// Config holds the treestatus configuration.
type Config struct {
	RPCEndpoint    string
	RPCTimeout     time.Duration // Per ledger call
	Commitment     string
	ReconnectDelay time.Duration

	DataDir   string
	DBEngine  string // leveldb, pebble, memory or sqlite
	DBCache   int    // MB
	DBHandles int

	Forward         string // none, outbox or rpc
	ForwardEndpoint string // Ingestion pipeline endpoint for rpc forwarding

	Workers     int  // Trees checked in parallel
	Snapshot    bool // Resume from snapshots of healthy runs
	PageSize    int
	Concurrency int // Transaction fetches in flight per tree
	MaxRetries  uint64

	MetricsAddr string
}

func defaultConfig() *Config {
	return &Config{
		RPCEndpoint:    "http://localhost:8899",
		RPCTimeout:     30 * time.Second,
		Commitment:     ledger.CommitmentFinalized,
		ReconnectDelay: time.Second,
		DataDir:        "./treestatus-data",
		DBEngine:       kvstore.EnginePebble,
		DBCache:        64,
		DBHandles:      128,
		Forward:        forwardOutbox,
		Workers:        4,
		PageSize:       crawler.DefaultConfig.PageSize,
		Concurrency:    crawler.DefaultConfig.Concurrency,
		MaxRetries:     crawler.DefaultConfig.MaxRetries,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.RPCEndpoint == "" {
		return errors.New("rpc.url is required")
	}
	if c.RPCTimeout <= 0 {
		return errors.New("rpc.timeout must be > 0")
	}
	switch c.Commitment {
	case ledger.CommitmentFinalized, ledger.CommitmentConfirmed:
	default:
		return fmt.Errorf("rpc.commitment must be %q or %q, got %q", ledger.CommitmentFinalized, ledger.CommitmentConfirmed, c.Commitment)
	}
	switch c.DBEngine {
	case kvstore.EngineLevelDB, kvstore.EnginePebble, engineSQLite:
		if c.DataDir == "" {
			return fmt.Errorf("datadir is required for db.engine %s", c.DBEngine)
		}
	case kvstore.EngineMemory:
	default:
		return fmt.Errorf("unknown db.engine %q", c.DBEngine)
	}
	switch c.Forward {
	case forwardNone, forwardOutbox:
	case forwardRPC:
		if c.ForwardEndpoint == "" {
			return errors.New("forward.url is required for rpc forwarding")
		}
	default:
		return fmt.Errorf("unknown forward mode %q", c.Forward)
	}
	if c.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if c.PageSize <= 0 || c.PageSize > 1000 {
		return fmt.Errorf("crawl.page must be in [1, 1000], got %d", c.PageSize)
	}
	if c.Concurrency <= 0 {
		return errors.New("crawl.concurrency must be > 0")
	}
	return nil
}

func (c *Config) ledgerConfig() ledger.Config {
	return ledger.Config{
		Endpoint:       c.RPCEndpoint,
		Timeout:        c.RPCTimeout,
		Commitment:     c.Commitment,
		ReconnectDelay: c.ReconnectDelay,
	}
}

func (c *Config) kvConfig() kvstore.Config {
	return kvstore.Config{Engine: c.DBEngine, Path: filepath.Join(c.DataDir, "status"), Cache: c.DBCache, Handles: c.DBHandles}
}

func (c *Config) verifierConfig() verifier.Config {
	crawl := crawler.DefaultConfig
	crawl.PageSize = c.PageSize
	crawl.Concurrency = c.Concurrency
	crawl.MaxRetries = c.MaxRetries
	return verifier.Config{Crawl: crawl, Snapshot: c.Snapshot}
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		id := fmt.Sprintf("%s.%s", rt.String(), field)
		if unicode.IsUpper(rune(field[0])) {
			return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
		}
		return fmt.Errorf("unexported field %s", id)
	},
}

func loadConfig(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// buildConfigFromCLI layers the config file and the flags that were set on
// top of the defaults.
func buildConfigFromCLI(ctx *cli.Context) (*Config, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, cfg); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if ctx.IsSet(rpcURLFlag.Name) {
		cfg.RPCEndpoint = ctx.String(rpcURLFlag.Name)
	}
	if ctx.IsSet(rpcTimeoutFlag.Name) {
		cfg.RPCTimeout = ctx.Duration(rpcTimeoutFlag.Name)
	}
	if ctx.IsSet(rpcCommitmentFlag.Name) {
		cfg.Commitment = ctx.String(rpcCommitmentFlag.Name)
	}
	if ctx.IsSet(rpcReconnectDelayFlag.Name) {
		cfg.ReconnectDelay = ctx.Duration(rpcReconnectDelayFlag.Name)
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(dbEngineFlag.Name) {
		cfg.DBEngine = ctx.String(dbEngineFlag.Name)
	}
	if ctx.IsSet(dbCacheFlag.Name) {
		cfg.DBCache = ctx.Int(dbCacheFlag.Name)
	}
	if ctx.IsSet(dbHandlesFlag.Name) {
		cfg.DBHandles = ctx.Int(dbHandlesFlag.Name)
	}
	if ctx.IsSet(forwardFlag.Name) {
		cfg.Forward = ctx.String(forwardFlag.Name)
	}
	if ctx.IsSet(forwardURLFlag.Name) {
		cfg.ForwardEndpoint = ctx.String(forwardURLFlag.Name)
	}
	if ctx.IsSet(workersFlag.Name) {
		cfg.Workers = ctx.Int(workersFlag.Name)
	}
	if ctx.IsSet(snapshotFlag.Name) {
		cfg.Snapshot = ctx.Bool(snapshotFlag.Name)
	}
	if ctx.IsSet(crawlPageFlag.Name) {
		cfg.PageSize = ctx.Int(crawlPageFlag.Name)
	}
	if ctx.IsSet(crawlConcurrencyFlag.Name) {
		cfg.Concurrency = ctx.Int(crawlConcurrencyFlag.Name)
	}
	if ctx.IsSet(crawlRetriesFlag.Name) {
		cfg.MaxRetries = ctx.Uint64(crawlRetriesFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.String(metricsAddrFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
