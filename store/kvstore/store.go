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

// Package kvstore keeps tree records and checkpoints in a go-ethereum
// key-value database.
package kvstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/treedb"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/ethdb/pebble"
	"github.com/ethereum/go-ethereum/log"
)

// Supported database engines.
const (
	EngineLevelDB = "leveldb"
	EnginePebble  = "pebble"
	EngineMemory  = "memory"
)

const namespace = "treestatus/db/"

// Config selects and tunes the database.
type Config struct {
	Engine  string
	Path    string
	Cache   int // MB
	Handles int
}

var _ status.Store = (*Store)(nil)

// Store implements status.Store on an ethdb.Database.
type Store struct {
	db ethdb.Database
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	var (
		kvdb ethdb.KeyValueStore
		err  error
	)
	switch cfg.Engine {
	case EngineLevelDB:
		kvdb, err = leveldb.New(cfg.Path, cfg.Cache, cfg.Handles, namespace, false)
	case EnginePebble:
		kvdb, err = pebble.New(cfg.Path, cfg.Cache, cfg.Handles, namespace, false, false)
	case EngineMemory:
		kvdb = memorydb.New()
	default:
		return nil, fmt.Errorf("unknown database engine %q", cfg.Engine)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database at %s: %w", cfg.Engine, cfg.Path, err)
	}
	log.Info("Opened status database", "engine", cfg.Engine, "path", cfg.Path, "cache", cfg.Cache, "handles", cfg.Handles)
	return &Store{db: rawdb.NewDatabase(kvdb)}, nil
}

// NewMemory returns a store backed by an in-memory database.
func NewMemory() *Store {
	return &Store{db: rawdb.NewDatabase(memorydb.New())}
}

// Database exposes the underlying database so that the outbox forwarder can
// share it.
func (s *Store) Database() ethdb.Database { return s.db }

func (s *Store) WriteStatus(ctx context.Context, r *status.Record) error {
	return treedb.WriteStatus(s.db, r)
}

func (s *Store) ReadStatus(ctx context.Context, tree types.Pubkey) (*status.Record, error) {
	return treedb.ReadStatus(s.db, tree)
}

func (s *Store) ListStatuses(ctx context.Context) ([]*status.Record, error) {
	var records []*status.Record
	err := treedb.IterateStatuses(s.db, func(r *status.Record) bool {
		records = append(records, r)
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, err
	}
	return records, ctx.Err()
}

func (s *Store) WriteCheckpoint(ctx context.Context, c *status.Checkpoint) error {
	return treedb.WriteCheckpoint(s.db, c)
}

func (s *Store) ReadCheckpoint(ctx context.Context, tree types.Pubkey) (*status.Checkpoint, error) {
	return treedb.ReadCheckpoint(s.db, tree)
}

func (s *Store) Trees(ctx context.Context) ([]types.Pubkey, error) {
	seen := make(map[types.Pubkey]struct{})
	if err := treedb.IterateStatuses(s.db, func(r *status.Record) bool {
		seen[r.Tree] = struct{}{}
		return true
	}); err != nil {
		return nil, err
	}
	if err := treedb.IterateCheckpointTrees(s.db, func(tree types.Pubkey) bool {
		seen[tree] = struct{}{}
		return true
	}); err != nil {
		return nil, err
	}
	trees := make([]types.Pubkey, 0, len(seen))
	for tree := range seen {
		trees = append(trees, tree)
	}
	sort.Slice(trees, func(i, j int) bool { return trees[i].String() < trees[j].String() })
	return trees, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
