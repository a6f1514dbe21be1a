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
	"fmt"
	"os"
	"path/filepath"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/callensm/digital-asset-rpc-infrastructure/forwarder"
	"github.com/callensm/digital-asset-rpc-infrastructure/ledger"
	"github.com/callensm/digital-asset-rpc-infrastructure/store/kvstore"
	"github.com/callensm/digital-asset-rpc-infrastructure/store/sqlstore"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
)

// env holds the resources a command works with.
type env struct {
	cfg    *Config
	ledger *ledger.Client
	store  status.Store
	outbox *forwarder.Outbox // Set unless forwarding is disabled or remote
	fwd    status.Forwarder

	closers []func() error
}

// openEnv opens the store and the forwarder. The ledger connects lazily.
func openEnv(ctx context.Context, cfg *Config) (*env, error) {
	e := &env{cfg: cfg, ledger: ledger.NewClient(cfg.ledgerConfig())}
	e.closers = append(e.closers, func() error { e.ledger.Close(); return nil })

	if err := e.openStore(); err != nil {
		e.Close()
		return nil, err
	}
	if err := e.openForwarder(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) openStore() error {
	cfg := e.cfg
	if cfg.DBEngine != kvstore.EngineMemory {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create datadir: %w", err)
		}
	}
	if cfg.DBEngine == engineSQLite {
		store, err := sqlstore.Open(filepath.Join(cfg.DataDir, "status.sqlite"))
		if err != nil {
			return err
		}
		e.store = store
		e.closers = append(e.closers, store.Close)
		return nil
	}
	store, err := kvstore.Open(cfg.kvConfig())
	if err != nil {
		return err
	}
	e.store = store
	e.closers = append(e.closers, store.Close)
	return nil
}

func (e *env) openForwarder(ctx context.Context) error {
	cfg := e.cfg
	switch cfg.Forward {
	case forwardNone:
		e.fwd = forwarder.Discard{}
		return nil

	case forwardRPC:
		fwd, err := forwarder.DialRPC(ctx, cfg.ForwardEndpoint, cfg.RPCTimeout)
		if err != nil {
			return err
		}
		e.fwd = fwd
		e.closers = append(e.closers, func() error { fwd.Close(); return nil })
		return nil
	}
	db, err := e.outboxDatabase()
	if err != nil {
		return err
	}
	outbox, err := forwarder.NewOutbox(db)
	if err != nil {
		return err
	}
	e.outbox, e.fwd = outbox, outbox
	return nil
}

// outboxDatabase returns the key-value database holding the outbox. A kv
// status store shares its database, a sqlite store gets one next to it.
func (e *env) outboxDatabase() (ethdb.KeyValueStore, error) {
	if kv, ok := e.store.(*kvstore.Store); ok {
		return kv.Database(), nil
	}
	cfg := e.cfg.kvConfig()
	cfg.Engine = kvstore.EnginePebble
	cfg.Path = filepath.Join(e.cfg.DataDir, "outbox")
	kv, err := kvstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, kv.Close)
	return kv.Database(), nil
}

// Close releases everything in reverse order of opening.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Error("Failed to close resources", "err", err)
		return err
	}
	return nil
}
