// Package checkpoint implements the storage engine's manifest: a checkpoint
// flushes all MemTables, records every live SSTable and the highest WAL
// sequence included, then retires WAL segments strictly below that
// sequence. The manifest is a tiny embedded SQLite database rather than a
// flat file: the file list and durable sequence commit inside one
// transaction, giving crash-safe atomic manifest commits without a
// hand-rolled temp-file-plus-rename scheme.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sstables (
	id       INTEGER NOT NULL,
	level    INTEGER NOT NULL,
	path     TEXT    NOT NULL,
	min_key  BLOB    NOT NULL,
	max_key  BLOB    NOT NULL,
	category INTEGER NOT NULL,
	size     INTEGER NOT NULL,
	PRIMARY KEY (id, level)
);

CREATE TABLE IF NOT EXISTS checkpoint_state (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	wal_sequence      INTEGER NOT NULL,
	wal_segment_id    INTEGER NOT NULL,
	committed_at_unix INTEGER NOT NULL
);
`

// FileEntry is one live SSTable recorded in the manifest.
type FileEntry struct {
	ID       uint64
	Level    int
	Path     string
	MinKey   []byte
	MaxKey   []byte
	Category uint8
	Size     int64
}

// Manifest is the SQLite-backed checkpoint store for one Engine's storage
// root, shared by every instrument.
type Manifest struct {
	db *sql.DB
}

// Open opens (or creates) the manifest database at path and applies its
// schema.
func Open(path string) (*Manifest, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; avoid pool contention
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: apply schema: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Commit atomically replaces the live SSTable list and records the highest
// WAL sequence and segment ID included in this checkpoint. Both tables are
// rewritten inside one transaction so a reader never observes a manifest
// whose file list and durable sequence disagree.
func (m *Manifest) Commit(ctx context.Context, files []FileEntry, walSequence, walSegmentID uint64) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sstables`); err != nil {
		return fmt.Errorf("checkpoint: clear sstables: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sstables (id, level, path, min_key, max_key, category, size)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("checkpoint: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.Level, f.Path, f.MinKey, f.MaxKey, f.Category, f.Size); err != nil {
			return fmt.Errorf("checkpoint: insert sstable %d: %w", f.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_state (id, wal_sequence, wal_segment_id, committed_at_unix)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			wal_sequence      = excluded.wal_sequence,
			wal_segment_id    = excluded.wal_segment_id,
			committed_at_unix = excluded.committed_at_unix
	`, walSequence, walSegmentID, time.Now().Unix()); err != nil {
		return fmt.Errorf("checkpoint: upsert state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: commit: %w", err)
	}
	return nil
}

// Load returns the most recently committed file list and the durable WAL
// sequence/segment. ok is false if no checkpoint has ever been committed.
func (m *Manifest) Load(ctx context.Context) (files []FileEntry, walSequence, walSegmentID uint64, ok bool, err error) {
	row := m.db.QueryRowContext(ctx, `SELECT wal_sequence, wal_segment_id FROM checkpoint_state WHERE id = 1`)
	if err := row.Scan(&walSequence, &walSegmentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, 0, false, nil
		}
		return nil, 0, 0, false, fmt.Errorf("checkpoint: load state: %w", err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT id, level, path, min_key, max_key, category, size FROM sstables`)
	if err != nil {
		return nil, 0, 0, false, fmt.Errorf("checkpoint: load sstables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f FileEntry
		if err := rows.Scan(&f.ID, &f.Level, &f.Path, &f.MinKey, &f.MaxKey, &f.Category, &f.Size); err != nil {
			return nil, 0, 0, false, fmt.Errorf("checkpoint: scan sstable row: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, false, err
	}
	return files, walSequence, walSegmentID, true, nil
}

// Close closes the underlying database handle.
func (m *Manifest) Close() error {
	return m.db.Close()
}
