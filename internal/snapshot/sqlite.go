package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteBackend stores snapshots in a local SQLite database.
type SQLiteBackend struct {
	db *sqlx.DB
}

type snapshotRow struct {
	Key      string `db:"snapshot_key"`
	Snapshot []byte `db:"snapshot"`
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_key TEXT PRIMARY KEY,
			snapshot BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshots table: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context, key string) ([]byte, error) {
	var row snapshotRow
	err := b.db.GetContext(ctx, &row, "SELECT snapshot_key, snapshot FROM snapshots WHERE snapshot_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", key, err)
	}
	return row.Snapshot, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, key string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	_, err := b.db.NamedExecContext(ctx, `
		INSERT INTO snapshots (snapshot_key, snapshot)
		VALUES (:snapshot_key, :snapshot)
		ON CONFLICT (snapshot_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`,
		snapshotRow{Key: key, Snapshot: data})
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
