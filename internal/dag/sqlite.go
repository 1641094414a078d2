package dag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/merkledb/merkledb/internal/cid"
)

// SQLite stores objects in a single-table SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("dag: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS objects (
		cid  TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("dag: failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Store implements DAG.
func (s *SQLite) Store(ctx context.Context, data []byte) (cid.CID, error) {
	id := cid.Sum(data)
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO objects (cid, data) VALUES (?, ?)`, id.String(), data); err != nil {
		return cid.Undef, fmt.Errorf("dag: insert object: %w", err)
	}
	return id, nil
}

// Load implements DAG.
func (s *SQLite) Load(ctx context.Context, id cid.CID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM objects WHERE cid = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("dag: select object: %w", err)
	}
	return data, nil
}

// Has implements Haser.
func (s *SQLite) Has(ctx context.Context, id cid.CID) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM objects WHERE cid = ?`, id.String()).Scan(&n); err != nil {
		return false, fmt.Errorf("dag: count object: %w", err)
	}
	return n > 0, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
