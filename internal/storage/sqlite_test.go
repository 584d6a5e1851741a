package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T, now Clock) Storage {
		dsn := filepath.Join(t.TempDir(), "formbridge.db")
		s, err := NewSQLiteStorage(context.Background(), dsn, now)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStorage_RequiresDSN(t *testing.T) {
	_, err := NewSQLiteStorage(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestSQLiteStorage_Purge(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s, err := NewSQLiteStorage(ctx, filepath.Join(t.TempDir(), "purge.db"), clock.Now)
	require.NoError(t, err)
	defer s.Close()

	short := &Item{PK: "A", SK: "1"}
	short.ExpireAt(clock.Now().Add(time.Second))
	require.NoError(t, s.Put(ctx, short, Always))
	require.NoError(t, s.Put(ctx, &Item{PK: "A", SK: "2"}, Always))

	clock.Advance(time.Minute)
	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStorage_Reopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLiteStorage(ctx, dsn, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, &Item{PK: "AGENCY#a", SK: "GROUP", Data: []byte(`{}`)}, Always))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(ctx, dsn, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "AGENCY#a", "GROUP")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func newMockSQLite(t *testing.T) (*SQLiteStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := newSQLiteWithDB(context.Background(), db, newTestClock().Now)
	require.NoError(t, err)
	return s, mock
}

func TestSQLiteStorage_ErrorMapping(t *testing.T) {
	ctx := context.Background()

	t.Run("no rows on get is not found", func(t *testing.T) {
		s, mock := newMockSQLite(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pk, sk")).
			WillReturnRows(sqlmock.NewRows([]string{"pk"}))

		_, err := s.Get(ctx, "A", "B")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty returning on put is condition failure", func(t *testing.T) {
		s, mock := newMockSQLite(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO items")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}))

		err := s.Put(ctx, &Item{PK: "A", SK: "B"}, IfAbsent)
		assert.ErrorIs(t, err, ErrConditionFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conditional update uses UPDATE", func(t *testing.T) {
		s, mock := newMockSQLite(t)
		mock.ExpectQuery(regexp.QuoteMeta("UPDATE items SET")).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))

		it := &Item{PK: "A", SK: "B", Status: "verified"}
		require.NoError(t, s.Put(ctx, it, IfStatus("pending")))
		assert.Equal(t, int64(4), it.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("truncated response is transient", func(t *testing.T) {
		s, mock := newMockSQLite(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO items")).
			WillReturnError(io.ErrUnexpectedEOF)

		_, err := s.Add(ctx, "RATE#x", "TIME#0", 1, 0)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	})

	t.Run("syntax error is permanent", func(t *testing.T) {
		s, mock := newMockSQLite(t)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT pk, sk")).
			WillReturnError(errors.New("near \"SELEC\": syntax error"))

		_, err := s.Query(ctx, Query{PK: "A"})
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})
}
