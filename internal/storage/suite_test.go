package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock shared by a store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, now Clock) Storage

// runStorageSuite exercises the Storage contract. Every backend must pass it.
func runStorageSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t, nil)
		_, err := s.Get(ctx, "SITE#missing.com", "PENDING")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock.Now)

		it, err := NewItem("SITE#example.com", "REG#1", map[string]string{"domain": "example.com"})
		require.NoError(t, err)
		it.GSI1PK, it.GSI1SK = "TEMP#abc", "STATUS#pending"
		it.Status = "pending"
		it.ExpireAt(clock.Now().Add(time.Hour))
		require.NoError(t, s.Put(ctx, it, Always))
		assert.Equal(t, int64(1), it.Version)

		got, err := s.Get(ctx, "SITE#example.com", "REG#1")
		require.NoError(t, err)
		assert.Equal(t, "pending", got.Status)
		assert.Equal(t, "TEMP#abc", got.GSI1PK)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, it.ExpiresAt, got.ExpiresAt)

		var payload map[string]string
		require.NoError(t, got.Decode(&payload))
		assert.Equal(t, "example.com", payload["domain"])

		require.NoError(t, s.Put(ctx, it, Always))
		assert.Equal(t, int64(2), it.Version)
	})

	t.Run("expired rows are absent", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock.Now)

		it := &Item{PK: "RATE#x", SK: "TIME#1", Status: "live"}
		it.ExpireAt(clock.Now().Add(time.Minute))
		require.NoError(t, s.Put(ctx, it, Always))

		clock.Advance(time.Minute)
		_, err := s.Get(ctx, "RATE#x", "TIME#1")
		assert.ErrorIs(t, err, ErrNotFound)

		items, err := s.Query(ctx, Query{PK: "RATE#x"})
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("if absent", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock.Now)

		marker := &Item{PK: "SITE#a.com", SK: "PENDING"}
		marker.ExpireAt(clock.Now().Add(time.Hour))
		require.NoError(t, s.Put(ctx, marker, IfAbsent))

		again := &Item{PK: "SITE#a.com", SK: "PENDING"}
		assert.ErrorIs(t, s.Put(ctx, again, IfAbsent), ErrConditionFailed)

		clock.Advance(2 * time.Hour)
		fresh := &Item{PK: "SITE#a.com", SK: "PENDING"}
		require.NoError(t, s.Put(ctx, fresh, IfAbsent), "expired row counts as absent")
	})

	t.Run("if status", func(t *testing.T) {
		s := newStore(t, nil)

		reg := &Item{PK: "SITE#b.com", SK: "REG#1", Status: "pending"}
		assert.ErrorIs(t, s.Put(ctx, reg, IfStatus("pending")), ErrConditionFailed, "missing row")

		require.NoError(t, s.Put(ctx, reg, Always))

		reg.Status = "verified"
		require.NoError(t, s.Put(ctx, reg, IfStatus("pending")))

		reg.Status = "verified"
		assert.ErrorIs(t, s.Put(ctx, reg, IfStatus("pending")), ErrConditionFailed)

		got, err := s.Get(ctx, "SITE#b.com", "REG#1")
		require.NoError(t, err)
		assert.Equal(t, "verified", got.Status)
	})

	t.Run("if version", func(t *testing.T) {
		s := newStore(t, nil)

		group := &Item{PK: "AGENCY#x", SK: "GROUP"}
		require.NoError(t, s.Put(ctx, group, Always))
		v := group.Version

		stale := &Item{PK: "AGENCY#x", SK: "GROUP"}
		require.NoError(t, s.Put(ctx, group, IfVersion(v)))
		assert.ErrorIs(t, s.Put(ctx, stale, IfVersion(v)), ErrConditionFailed)
		assert.Equal(t, v+1, group.Version)
	})

	t.Run("add", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock.Now)
		exp := clock.Now().Add(time.Minute).Unix()

		n, err := s.Add(ctx, "RATE#ip#1.2.3.4", "TIME#0", 1, exp)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = s.Add(ctx, "RATE#ip#1.2.3.4", "TIME#0", 2, exp+600)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		got, err := s.Get(ctx, "RATE#ip#1.2.3.4", "TIME#0")
		require.NoError(t, err)
		assert.Equal(t, exp, got.ExpiresAt, "live row keeps its expiry")

		clock.Advance(2 * time.Minute)
		n, err = s.Add(ctx, "RATE#ip#1.2.3.4", "TIME#0", 1, clock.Now().Add(time.Minute).Unix())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "expired row restarts from zero")
	})

	t.Run("add without expiry", func(t *testing.T) {
		s := newStore(t, nil)
		for i := 0; i < 3; i++ {
			_, err := s.Add(ctx, "SITE#c.com", "ACTIVITY#s1", 1, 0)
			require.NoError(t, err)
		}
		got, err := s.Get(ctx, "SITE#c.com", "ACTIVITY#s1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Count)
		assert.Zero(t, got.ExpiresAt)
		assert.False(t, got.UpdatedAt.IsZero())
	})

	t.Run("concurrent add", func(t *testing.T) {
		s := newStore(t, nil)
		const workers, perWorker = 8, 25

		var wg sync.WaitGroup
		var failures atomic.Int32
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					if _, err := s.Add(ctx, "RATE#site#s1", "TIME#0", 1, 0); err != nil {
						failures.Add(1)
					}
				}
			}()
		}
		wg.Wait()
		require.Zero(t, failures.Load())

		got, err := s.Get(ctx, "RATE#site#s1", "TIME#0")
		require.NoError(t, err)
		assert.Equal(t, int64(workers*perWorker), got.Count)
	})

	t.Run("concurrent if absent has one winner", func(t *testing.T) {
		s := newStore(t, nil)
		const racers = 10

		var wg sync.WaitGroup
		var wins, lost atomic.Int32
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				it := &Item{PK: "SITE#race.com", SK: "PENDING", Data: []byte(fmt.Sprintf(`{"n":%d}`, i))}
				err := s.Put(ctx, it, IfAbsent)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrConditionFailed):
					lost.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(racers-1), lost.Load())
	})

	t.Run("query", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock.Now)

		for i, sk := range []string{"TIME#0300", "TIME#0100", "TIME#0200", "OTHER#1"} {
			it := &Item{PK: "RATE#q", SK: sk, Count: int64(i)}
			require.NoError(t, s.Put(ctx, it, Always))
		}
		expired := &Item{PK: "RATE#q", SK: "TIME#0150"}
		expired.ExpireAt(clock.Now().Add(time.Second))
		require.NoError(t, s.Put(ctx, expired, Always))
		clock.Advance(time.Second)

		items, err := s.Query(ctx, Query{PK: "RATE#q", SKPrefix: "TIME#"})
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "TIME#0100", items[0].SK)
		assert.Equal(t, "TIME#0300", items[2].SK)

		items, err = s.Query(ctx, Query{PK: "RATE#q", From: "TIME#0150", To: "TIME#0300"})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "TIME#0200", items[0].SK)

		items, err = s.Query(ctx, Query{PK: "RATE#q", SKPrefix: "TIME#", Limit: 1})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "TIME#0100", items[0].SK)
	})

	t.Run("query secondary indexes", func(t *testing.T) {
		s := newStore(t, nil)

		a := &Item{PK: "SITE#a.com", SK: "CREDS#1", GSI1PK: "SITEID#1", GSI1SK: "CREDS", GSI2PK: "AGENCY#ag", GSI2SK: "SITE#1"}
		b := &Item{PK: "SITE#b.com", SK: "CREDS#2", GSI1PK: "SITEID#2", GSI1SK: "CREDS", GSI2PK: "AGENCY#ag", GSI2SK: "SITE#2"}
		c := &Item{PK: "SITE#c.com", SK: "CREDS#3", GSI1PK: "SITEID#3", GSI1SK: "CREDS"}
		for _, it := range []*Item{a, b, c} {
			require.NoError(t, s.Put(ctx, it, Always))
		}

		items, err := s.Query(ctx, Query{Index: IndexGSI1, PK: "SITEID#2"})
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "SITE#b.com", items[0].PK)

		items, err = s.Query(ctx, Query{Index: IndexGSI2, PK: "AGENCY#ag", SKPrefix: "SITE#"})
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, "CREDS#1", items[0].SK)
		assert.Equal(t, "CREDS#2", items[1].SK)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t, nil)
		assert.NoError(t, s.Ping(ctx))
	})
}
