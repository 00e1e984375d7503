package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/August26/proxytest-go/internal/model"
)

// Postgres stores results in a shared database.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	// PgBouncer in transaction mode rejects named prepared statements.
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS test_results (
			id UUID PRIMARY KEY,
			batch_id TEXT NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			proxy_type TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			target_url TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			status_code INTEGER,
			response_time_ms BIGINT NOT NULL,
			public_ip TEXT,
			country TEXT,
			anonymity TEXT,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT,
			result JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_test_results_host_port ON test_results(host, port);
		CREATE INDEX IF NOT EXISTS idx_test_results_batch ON test_results(batch_id);
		CREATE INDEX IF NOT EXISTS idx_test_results_created ON test_results(created_at);
	`)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Save inserts items using a pgx.Batch.
func (p *Postgres) Save(ctx context.Context, batchID string, items []model.BatchItem) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		r, err := toRow(it)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO test_results (id, batch_id, host, port, proxy_type, username, target_url, success,
				status_code, response_time_ms, public_ip, country, anonymity, error_kind, error, result, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`, r.id, batchID, r.host, r.port, r.proxyType, r.username, r.targetURL, r.success,
			r.statusCode, r.responseTime, r.publicIP, r.country, r.anonymity, r.errorKind, r.errorMsg, string(r.result), r.createdAt)
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()

	// Every queued statement must be read back to surface its error.
	for i := 0; i < len(items); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert batch item %d: %w", i, err)
		}
	}
	return nil
}

// List returns matching records, newest first.
func (p *Postgres) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Host != "" {
		where = append(where, "host = "+arg(f.Host))
	}
	if f.Port != 0 {
		where = append(where, "port = "+arg(f.Port))
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = "+arg(f.BatchID))
	}

	query := `SELECT id::TEXT, batch_id, host, port, proxy_type, username, target_url, result::TEXT, created_at FROM test_results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(f.limit())

	rows, err := p.pool.Query(ctx, query, args...)
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
		)
		if err := rows.Scan(&r.id, &batchID, &r.host, &r.port, &r.proxyType, &r.username, &r.targetURL, &result, &r.createdAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		r.result = []byte(result)
		rec, err := r.record(batchID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
