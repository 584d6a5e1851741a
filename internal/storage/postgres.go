package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStorage implements Storage on PostgreSQL through a pgx pool.
type PostgresStorage struct {
	pool    *pgxpool.Pool
	dialect sqlDialect
	now     Clock
}

// NewPostgresStorage connects to dsn, verifies the connection and applies the
// schema.
func NewPostgresStorage(ctx context.Context, dsn string, maxConns int32, now Clock) (*PostgresStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}
	if now == nil {
		now = time.Now
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ps := &PostgresStorage{pool: pool, dialect: postgresDialect, now: now}
	for _, stmt := range ps.dialect.schema() {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return ps, nil
}

func (ps *PostgresStorage) Get(ctx context.Context, pk, sk string) (*Item, error) {
	q, args := ps.dialect.getSQL(pk, sk, ps.now())
	it, err := scanItem(ps.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyPostgres(fmt.Errorf("get %s/%s: %w", pk, sk, err))
	}
	return it, nil
}

func (ps *PostgresStorage) Put(ctx context.Context, item *Item, cond Condition) error {
	now := ps.now()
	q, args := ps.dialect.putSQL(item, cond, now)

	var version int64
	err := ps.pool.QueryRow(ctx, q, args...).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConditionFailed
	}
	if err != nil {
		return classifyPostgres(fmt.Errorf("put %s/%s: %w", item.PK, item.SK, err))
	}
	item.Version = version
	item.UpdatedAt = now
	return nil
}

func (ps *PostgresStorage) Add(ctx context.Context, pk, sk string, delta int64, expiresAt int64) (int64, error) {
	q, args := ps.dialect.addSQL(pk, sk, delta, expiresAt, ps.now())

	var count int64
	if err := ps.pool.QueryRow(ctx, q, args...).Scan(&count); err != nil {
		return 0, classifyPostgres(fmt.Errorf("add %s/%s: %w", pk, sk, err))
	}
	return count, nil
}

func (ps *PostgresStorage) Query(ctx context.Context, query Query) ([]*Item, error) {
	q, args := ps.dialect.querySQL(query, ps.now())
	rows, err := ps.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classifyPostgres(fmt.Errorf("query %s: %w", query.PK, err))
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", query.PK, err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(fmt.Errorf("query %s: %w", query.PK, err))
	}
	return items, nil
}

func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}

func (ps *PostgresStorage) Purge(ctx context.Context) (int64, error) {
	tag, err := ps.pool.Exec(ctx, "DELETE FROM items WHERE expires_at <> 0 AND expires_at <= $1", ps.now().Unix())
	if err != nil {
		return 0, classifyPostgres(fmt.Errorf("purge: %w", err))
	}
	return tag.RowsAffected(), nil
}

// classifyPostgres marks connection failures (class 08), serialization
// failures, deadlocks and admin shutdowns as transient. A connection lost
// mid-statement or a timeout may have committed and is ambiguous.
func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "08001", pgErr.Code == "08004",
			pgErr.Code == "40001", pgErr.Code == "40P01":
			return Transient(err)
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08", pgErr.Code == "57P01":
			return Ambiguous(err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return Transient(err)
	}
	if pgconn.Timeout(err) {
		return Ambiguous(err)
	}
	return err
}
