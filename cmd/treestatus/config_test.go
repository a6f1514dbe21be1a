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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/callensm/digital-asset-rpc-infrastructure/internal/treetest"
	"github.com/urfave/cli/v2"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"missing rpc", func(c *Config) { c.RPCEndpoint = "" }, "rpc.url is required"},
		{"zero timeout", func(c *Config) { c.RPCTimeout = 0 }, "rpc.timeout must be > 0"},
		{"bad commitment", func(c *Config) { c.Commitment = "processed" }, "rpc.commitment must be"},
		{"unknown engine", func(c *Config) { c.DBEngine = "rocksdb" }, `unknown db.engine "rocksdb"`},
		{"missing datadir", func(c *Config) { c.DataDir = "" }, "datadir is required"},
		{"memory without datadir", func(c *Config) { c.DBEngine, c.DataDir = "memory", "" }, ""},
		{"rpc forward without url", func(c *Config) { c.Forward = forwardRPC }, "forward.url is required"},
		{"unknown forward", func(c *Config) { c.Forward = "kafka" }, `unknown forward mode "kafka"`},
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers must be > 0"},
		{"page too large", func(c *Config) { c.PageSize = 1001 }, "crawl.page must be in [1, 1000]"},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }, "crawl.concurrency must be > 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "treestatus.toml")
	data := "RPCEndpoint = \"http://ledger:8899\"\nWorkers = 16\nSnapshot = true\nDBEngine = \"sqlite\"\n"
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := defaultConfig()
	if err := loadConfig(file, cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCEndpoint != "http://ledger:8899" || cfg.Workers != 16 || !cfg.Snapshot || cfg.DBEngine != engineSQLite {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.PageSize != 1000 {
		t.Errorf("default page size lost: %d", cfg.PageSize)
	}

	if err := os.WriteFile(file, []byte("Bogus = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := loadConfig(file, defaultConfig())
	if err == nil || !strings.Contains(err.Error(), "Bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

// configFromArgs runs the CLI with args and returns the config it built.
func configFromArgs(t *testing.T, args ...string) *Config {
	t.Helper()
	var cfg *Config
	app := newApp()
	app.Before = nil
	app.Commands = []*cli.Command{{
		Name: "probe",
		Action: func(ctx *cli.Context) (err error) {
			cfg, err = buildConfigFromCLI(ctx)
			return err
		},
	}}
	if err := app.Run(append([]string{"treestatus"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
	return cfg
}

func TestBuildConfigFromCLI(t *testing.T) {
	cfg := configFromArgs(t, "probe")
	if cfg.Workers != 4 || cfg.Forward != forwardOutbox || cfg.RPCTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	file := filepath.Join(t.TempDir(), "treestatus.toml")
	if err := os.WriteFile(file, []byte("Workers = 16\nMaxRetries = 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg = configFromArgs(t, "--config", file, "--workers", "2", "--rpc.timeout", "5s", "--snapshot", "probe")
	if cfg.Workers != 2 {
		t.Errorf("flag did not override file: workers %d", cfg.Workers)
	}
	if cfg.MaxRetries != 9 {
		t.Errorf("file value lost: retries %d", cfg.MaxRetries)
	}
	if cfg.RPCTimeout != 5*time.Second || !cfg.Snapshot {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestReadTreeFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "trees.txt")
	data := "# production trees\n\n  tree1  \ntree2 # second\n#tree3\n"
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	names, err := readTreeFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "tree1" || names[1] != "tree2" {
		t.Fatalf("unexpected trees: %q", names)
	}
}

func TestCheckCommand(t *testing.T) {
	healthy := treetest.NewBuilder(t, treetest.Pubkey("healthy"), 3, 8, 0)
	for i := 0; i < 4; i++ {
		healthy.Append(treetest.Leaf(i))
	}
	gapped := treetest.NewBuilder(t, treetest.Pubkey("gapped"), 3, 8, 0)
	for i := 0; i < 4; i++ {
		gapped.Append(treetest.Leaf(i))
	}
	l := treetest.NewLedger()
	l.AddTree(healthy)
	l.AddTree(gapped)
	l.Remove(treetest.Signature(gapped.Tree, 2))
	url := l.Serve(t)

	run := func(trees ...string) error {
		app := newApp()
		app.ExitErrHandler = func(*cli.Context, error) {}
		args := []string{"treestatus", "--rpc.url", url, "--db.engine", "memory", "--forward", "none", "--verbosity", "0", "check"}
		for _, tree := range trees {
			args = append(args, "--tree", tree)
		}
		return app.RunContext(context.Background(), args)
	}
	if err := run(healthy.Tree.String()); err != nil {
		t.Fatalf("healthy tree failed: %v", err)
	}
	err := run(healthy.Tree.String(), gapped.Tree.String())
	var exit cli.ExitCoder
	if !errors.As(err, &exit) || exit.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
	if err := run("not-a-key"); err == nil {
		t.Fatal("expected error for invalid tree address")
	}
}
