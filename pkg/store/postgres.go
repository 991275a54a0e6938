package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sternrassler/congress-harvest/pkg/bills"
)

// DefaultTable is the PostgreSQL table used when none is configured.
const DefaultTable = "bill_enrichment"

// OpenPool parses dsn and connects a pgx pool. maxConns <= 0 keeps the
// pgxpool default.
func OpenPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// PostgresStore appends rows to a table keyed by row index. Re-appending
// an index already stored is a no-op.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStore creates the table if needed.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	if table == "" {
		table = DefaultTable
	}

	s := &PostgresStore{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}

	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		row_index   INTEGER PRIMARY KEY,
		congress    INTEGER NOT NULL,
		bill_type   TEXT NOT NULL,
		bill_number INTEGER NOT NULL,
		fields      JSONB NOT NULL,
		payloads    JSONB NOT NULL,
		inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return nil, fmt.Errorf("create table %s: %w", s.table, err)
	}
	return s, nil
}

// ExistingIndices returns every stored row index.
func (s *PostgresStore) ExistingIndices(ctx context.Context) (IndexSet, error) {
	rows, err := s.pool.Query(ctx, `SELECT row_index FROM `+s.table)
	if err != nil {
		return nil, fmt.Errorf("query row indices: %w", err)
	}
	indices, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, fmt.Errorf("scan row indices: %w", err)
	}

	set := make(IndexSet, len(indices))
	for _, i := range indices {
		set.Add(int(i))
	}
	return set, nil
}

// Append inserts rows in one transaction. Input fields are stored as a
// column -> value object and payloads as endpoint -> JSON, null for failed
// endpoints.
func (s *PostgresStore) Append(ctx context.Context, columns []string, rows []bills.OutputRow) error {
	if len(rows) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, row := range rows {
		fields := make(map[string]string, len(row.Record.Fields))
		for i, v := range row.Record.Fields {
			if i < len(columns) {
				fields[columns[i]] = v
			}
		}
		fieldsJSON, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode fields of row %d: %w", row.Record.ID.RowIndex, err)
		}

		payloads := make(map[string]json.RawMessage, len(row.Payloads))
		for name, p := range row.Payloads {
			if p == nil {
				payloads[name] = json.RawMessage("null")
			} else {
				payloads[name] = json.RawMessage(p)
			}
		}
		payloadsJSON, err := json.Marshal(payloads)
		if err != nil {
			return fmt.Errorf("encode payloads of row %d: %w", row.Record.ID.RowIndex, err)
		}

		id := row.Record.ID
		b.Queue(
			`INSERT INTO `+s.table+` (row_index, congress, bill_type, bill_number, fields, payloads)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (row_index) DO NOTHING`,
			id.RowIndex, id.Congress, id.Type, id.Number, fieldsJSON, payloadsJSON,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, b)
	for range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert rows: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
