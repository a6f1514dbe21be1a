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

// Package sqlstore keeps tree records and checkpoints in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/callensm/digital-asset-rpc-infrastructure/core/status"
	"github.com/callensm/digital-asset-rpc-infrastructure/core/types"
	"github.com/ethereum/go-ethereum/log"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// See https://www.sqlite.org/pragma.html
	kConfigureConnection = []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
)

const (
	kCreateStatusTable = "CREATE TABLE IF NOT EXISTS tree_status (tree BLOB PRIMARY KEY, kind TEXT NOT NULL, detail TEXT NOT NULL, last_applied INT NOT NULL, authoritative INT NOT NULL, checked_at INT NOT NULL)"
	kWriteStatusStmt   = "INSERT INTO tree_status(tree,kind,detail,last_applied,authoritative,checked_at) VALUES (?,?,?,?,?,?) ON CONFLICT(tree) DO UPDATE SET kind=excluded.kind, detail=excluded.detail, last_applied=excluded.last_applied, authoritative=excluded.authoritative, checked_at=excluded.checked_at"
	kReadStatusStmt    = "SELECT kind, detail, last_applied, authoritative, checked_at FROM tree_status WHERE tree = ?"
	kListStatusStmt    = "SELECT tree, kind, detail, last_applied, authoritative, checked_at FROM tree_status ORDER BY tree"

	kCreateCheckpointTable = "CREATE TABLE IF NOT EXISTS tree_checkpoint (tree BLOB PRIMARY KEY, seq INT NOT NULL, depth INT NOT NULL, buffer_size INT NOT NULL, canopy_depth INT NOT NULL, cursor TEXT NOT NULL, updated_at INT NOT NULL, snapshot BLOB)"
	kWriteCheckpointStmt   = "INSERT INTO tree_checkpoint(tree,seq,depth,buffer_size,canopy_depth,cursor,updated_at,snapshot) VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(tree) DO UPDATE SET seq=excluded.seq, depth=excluded.depth, buffer_size=excluded.buffer_size, canopy_depth=excluded.canopy_depth, cursor=excluded.cursor, updated_at=excluded.updated_at, snapshot=excluded.snapshot"
	kReadCheckpointStmt    = "SELECT seq, depth, buffer_size, canopy_depth, cursor, updated_at, snapshot FROM tree_checkpoint WHERE tree = ?"

	kListTreesStmt = "SELECT tree FROM tree_status UNION SELECT tree FROM tree_checkpoint ORDER BY tree"
)

var _ status.Store = (*Store)(nil)

// Store implements status.Store on a SQLite database.
type Store struct {
	db                  *sql.DB
	writeStatusStmt     *sql.Stmt
	readStatusStmt      *sql.Stmt
	listStatusStmt      *sql.Stmt
	writeCheckpointStmt *sql.Stmt
	readCheckpointStmt  *sql.Stmt
	listTreesStmt       *sql.Stmt
}

// Open opens or creates the database in file.
func Open(file string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+file)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite; %w", err)
	}
	s, err := newStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("Opened status database", "engine", "sqlite", "file", file)
	return s, nil
}

func newStore(db *sql.DB) (*Store, error) {
	for _, cmd := range kConfigureConnection {
		if _, err := db.Exec(cmd); err != nil {
			return nil, fmt.Errorf("failed to configure connection with %s; %w", cmd, err)
		}
	}
	if _, err := db.Exec(kCreateStatusTable); err != nil {
		return nil, fmt.Errorf("failed to create status table; %w", err)
	}
	if _, err := db.Exec(kCreateCheckpointTable); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint table; %w", err)
	}

	s := &Store{db: db}
	for _, p := range []struct {
		stmt  **sql.Stmt
		query string
	}{
		{&s.writeStatusStmt, kWriteStatusStmt},
		{&s.readStatusStmt, kReadStatusStmt},
		{&s.listStatusStmt, kListStatusStmt},
		{&s.writeCheckpointStmt, kWriteCheckpointStmt},
		{&s.readCheckpointStmt, kReadCheckpointStmt},
		{&s.listTreesStmt, kListTreesStmt},
	} {
		stmt, err := db.Prepare(p.query)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare %q; %w", p.query, err)
		}
		*p.stmt = stmt
	}
	return s, nil
}

func (s *Store) WriteStatus(ctx context.Context, r *status.Record) error {
	_, err := s.writeStatusStmt.ExecContext(ctx, r.Tree[:], r.Kind, r.Detail, int64(r.LastApplied), int64(r.Authoritative), int64(r.CheckedAt))
	if err != nil {
		return fmt.Errorf("write status of %s: %w", r.Tree, err)
	}
	return nil
}

func (s *Store) ReadStatus(ctx context.Context, tree types.Pubkey) (*status.Record, error) {
	r := &status.Record{Tree: tree}
	var lastApplied, authoritative, checkedAt int64
	err := s.readStatusStmt.QueryRowContext(ctx, tree[:]).Scan(&r.Kind, &r.Detail, &lastApplied, &authoritative, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read status of %s: %w", tree, err)
	}
	r.LastApplied, r.Authoritative, r.CheckedAt = uint64(lastApplied), uint64(authoritative), uint64(checkedAt)
	return r, nil
}

func (s *Store) ListStatuses(ctx context.Context) ([]*status.Record, error) {
	rows, err := s.listStatusStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer rows.Close()

	var records []*status.Record
	for rows.Next() {
		var r status.Record
		var tree []byte
		var lastApplied, authoritative, checkedAt int64
		if err := rows.Scan(&tree, &r.Kind, &r.Detail, &lastApplied, &authoritative, &checkedAt); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		if r.Tree, err = types.BytesToPubkey(tree); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		r.LastApplied, r.Authoritative, r.CheckedAt = uint64(lastApplied), uint64(authoritative), uint64(checkedAt)
		records = append(records, &r)
	}
	return records, rows.Err()
}

func (s *Store) WriteCheckpoint(ctx context.Context, c *status.Checkpoint) error {
	_, err := s.writeCheckpointStmt.ExecContext(ctx, c.Tree[:], int64(c.Sequence), c.Depth, c.BufferSize, c.CanopyDepth, c.Cursor, int64(c.UpdatedAt), c.Snapshot)
	if err != nil {
		return fmt.Errorf("write checkpoint of %s: %w", c.Tree, err)
	}
	return nil
}

func (s *Store) ReadCheckpoint(ctx context.Context, tree types.Pubkey) (*status.Checkpoint, error) {
	c := &status.Checkpoint{Tree: tree}
	var seq, updatedAt int64
	err := s.readCheckpointStmt.QueryRowContext(ctx, tree[:]).Scan(&seq, &c.Depth, &c.BufferSize, &c.CanopyDepth, &c.Cursor, &updatedAt, &c.Snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint of %s: %w", tree, err)
	}
	c.Sequence, c.UpdatedAt = uint64(seq), uint64(updatedAt)
	return c, nil
}

func (s *Store) Trees(ctx context.Context) ([]types.Pubkey, error) {
	rows, err := s.listTreesStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trees: %w", err)
	}
	defer rows.Close()

	var trees []types.Pubkey
	for rows.Next() {
		var tree []byte
		if err := rows.Scan(&tree); err != nil {
			return nil, fmt.Errorf("scan tree: %w", err)
		}
		pk, err := types.BytesToPubkey(tree)
		if err != nil {
			return nil, fmt.Errorf("scan tree: %w", err)
		}
		trees = append(trees, pk)
	}
	return trees, rows.Err()
}

func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.writeStatusStmt, s.readStatusStmt, s.listStatusStmt, s.writeCheckpointStmt, s.readCheckpointStmt, s.listTreesStmt} {
		stmt.Close()
	}
	return s.db.Close()
}
