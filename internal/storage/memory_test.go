package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T, now Clock) Storage {
		s := NewMemoryStorage(now)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(nil)

	it := &Item{PK: "A", SK: "B", Data: []byte(`{"x":1}`)}
	require.NoError(t, s.Put(ctx, it, Always))
	it.Data[0] = 'X'

	got, err := s.Get(ctx, "A", "B")
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got.Data))

	got.Status = "mutated"
	again, err := s.Get(ctx, "A", "B")
	require.NoError(t, err)
	assert.Empty(t, again.Status)
}

func TestMemoryStorage_Purge(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := NewMemoryStorage(clock.Now)

	short := &Item{PK: "A", SK: "1"}
	short.ExpireAt(clock.Now().Add(time.Second))
	require.NoError(t, s.Put(ctx, short, Always))
	require.NoError(t, s.Put(ctx, &Item{PK: "A", SK: "2"}, Always))

	clock.Advance(time.Second)
	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, s.rows, 1)
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStorage(nil)
	_, err := s.Get(ctx, "A", "B")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Put(ctx, &Item{PK: "A", SK: "B"}, Always), context.Canceled)
}
