package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore appends metric records to a table in the metrics database.
type PostgresStore struct {
	db    DB
	pool  *pgxpool.Pool
	table string
}

func NewPostgresStore(ctx context.Context, connString, table string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metrics database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to metrics database: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool, table: table}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection without touching the
// schema.
func NewPostgresStoreWithDB(db DB, table string) *PostgresStore {
	return &PostgresStore{db: db, table: table}
}

func (s *PostgresStore) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	sql := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	observed_time TIMESTAMPTZ NOT NULL,
	delta_seconds BIGINT NOT NULL,
	table_name TEXT
)`, s.ident())

	if _, err := s.db.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, record *MetricRecord) error {
	sql := fmt.Sprintf(
		"INSERT INTO %s (observed_time, delta_seconds, table_name) VALUES ($1, $2, $3) RETURNING id",
		s.ident(),
	)

	var id int64
	if err := s.db.QueryRow(ctx, sql, record.ObservedTime, record.DeltaSeconds, record.TableName).Scan(&id); err != nil {
		return fmt.Errorf("failed to insert metric record: %w", err)
	}

	record.ID = id
	return nil
}

// Latest returns the most recent record for each table, ordered by table
// name.
func (s *PostgresStore) Latest(ctx context.Context) ([]MetricRecord, error) {
	sql := fmt.Sprintf(
		`SELECT DISTINCT ON (table_name) id, observed_time, delta_seconds, COALESCE(table_name, '')
FROM %s
ORDER BY table_name, id DESC`,
		s.ident(),
	)

	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric records: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MetricRecord, error) {
		var r MetricRecord
		err := row.Scan(&r.ID, &r.ObservedTime, &r.DeltaSeconds, &r.TableName)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metric records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
