package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
)

// SQLite result codes treated as transient. Extended codes carry the primary
// code in their low byte.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// SQLiteStorage implements Storage on a single SQLite file via database/sql.
type SQLiteStorage struct {
	db      *sql.DB
	dialect sqlDialect
	now     Clock
}

// NewSQLiteStorage opens (creating if needed) the database at dsn and applies
// the schema.
func NewSQLiteStorage(ctx context.Context, dsn string, now Clock) (*SQLiteStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	s, err := newSQLiteWithDB(ctx, db, now)
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newSQLiteWithDB wraps an existing handle without touching the schema.
func newSQLiteWithDB(ctx context.Context, db *sql.DB, now Clock) (*SQLiteStorage, error) {
	if now == nil {
		now = time.Now
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLiteStorage{db: db, dialect: sqliteDialect, now: now}, nil
}

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) Get(ctx context.Context, pk, sk string) (*Item, error) {
	q, args := s.dialect.getSQL(pk, sk, s.now())
	it, err := scanItem(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("get %s/%s: %w", pk, sk, err))
	}
	return it, nil
}

func (s *SQLiteStorage) Put(ctx context.Context, item *Item, cond Condition) error {
	now := s.now()
	q, args := s.dialect.putSQL(item, cond, now)

	var version int64
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConditionFailed
	}
	if err != nil {
		return classifySQLite(fmt.Errorf("put %s/%s: %w", item.PK, item.SK, err))
	}
	item.Version = version
	item.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) Add(ctx context.Context, pk, sk string, delta int64, expiresAt int64) (int64, error) {
	q, args := s.dialect.addSQL(pk, sk, delta, expiresAt, s.now())

	var count int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&count); err != nil {
		return 0, classifySQLite(fmt.Errorf("add %s/%s: %w", pk, sk, err))
	}
	return count, nil
}

func (s *SQLiteStorage) Query(ctx context.Context, query Query) ([]*Item, error) {
	q, args := s.dialect.querySQL(query, s.now())
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("query %s: %w", query.PK, err))
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
		return nil, classifySQLite(fmt.Errorf("query %s: %w", query.PK, err))
	}
	return items, nil
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Purge deletes rows that expired before now and returns how many went.
func (s *SQLiteStorage) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM items WHERE expires_at <> 0 AND expires_at <= ?", s.now().Unix())
	if err != nil {
		return 0, classifySQLite(fmt.Errorf("purge: %w", err))
	}
	return res.RowsAffected()
}

func classifySQLite(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return Transient(err)
		}
	}
	return err
}
