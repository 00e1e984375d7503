package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/August26/proxytest-go/internal/model"
)

// SQLite stores results in a local database file.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: empty path")
	}
	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS test_results (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    host TEXT NOT NULL,
    port INTEGER NOT NULL,
    proxy_type TEXT NOT NULL,
    username TEXT NOT NULL DEFAULT '',
    target_url TEXT NOT NULL,
    success BOOLEAN NOT NULL,
    status_code INTEGER,
    response_time_ms INTEGER NOT NULL,
    public_ip TEXT,
    country TEXT,
    anonymity TEXT,
    error_kind TEXT NOT NULL DEFAULT '',
    error TEXT,
    result TEXT NOT NULL,
    created_at INTEGER NOT NULL -- unix nanoseconds
);

CREATE INDEX IF NOT EXISTS idx_test_results_host_port ON test_results(host, port);
CREATE INDEX IF NOT EXISTS idx_test_results_batch ON test_results(batch_id);
CREATE INDEX IF NOT EXISTS idx_test_results_created ON test_results(created_at);`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Save inserts items in one transaction.
func (s *SQLite) Save(ctx context.Context, batchID string, items []model.BatchItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO test_results (id, batch_id, host, port, proxy_type, username, target_url, success,
			status_code, response_time_ms, public_ip, country, anonymity, error_kind, error, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, it := range items {
		r, err := toRow(it)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx, r.id, batchID, r.host, r.port, r.proxyType, r.username, r.targetURL, r.success,
			r.statusCode, r.responseTime, r.publicIP, r.country, r.anonymity, r.errorKind, r.errorMsg, string(r.result),
			r.createdAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert item %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// List returns matching records, newest first.
func (s *SQLite) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}
	if f.Port != 0 {
		where = append(where, "port = ?")
		args = append(args, f.Port)
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}

	query := `SELECT id, batch_id, host, port, proxy_type, username, target_url, result, created_at FROM test_results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       row
			batchID string
			result  string
			created int64
		)
		if err := rows.Scan(&r.id, &batchID, &r.host, &r.port, &r.proxyType, &r.username, &r.targetURL, &result, &created); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		r.result = []byte(result)
		r.createdAt = time.Unix(0, created)
		rec, err := r.record(batchID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
