package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type rowKey struct {
	pk, sk string
}

// MemoryStorage implements Storage with a mutex-guarded map. Data is lost on
// restart; it serves development, tests and single-node demos.
type MemoryStorage struct {
	mu    sync.RWMutex
	rows  map[rowKey]*Item
	now   Clock
	close sync.Once
}

// NewMemoryStorage creates an empty store. A nil clock means time.Now.
func NewMemoryStorage(now Clock) *MemoryStorage {
	if now == nil {
		now = time.Now
	}
	return &MemoryStorage{
		rows: make(map[rowKey]*Item),
		now:  now,
	}
}

func (m *MemoryStorage) live(k rowKey, now time.Time) (*Item, bool) {
	it, ok := m.rows[k]
	if !ok || it.Expired(now) {
		return nil, false
	}
	return it, true
}

func (m *MemoryStorage) Get(ctx context.Context, pk, sk string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.live(rowKey{pk, sk}, m.now())
	if !ok {
		return nil, ErrNotFound
	}
	return it.clone(), nil
}

func (m *MemoryStorage) Put(ctx context.Context, item *Item, cond Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := rowKey{item.PK, item.SK}
	prev, exists := m.live(k, now)

	switch cond.kind {
	case condAbsent:
		if exists {
			return ErrConditionFailed
		}
	case condStatus:
		if !exists || prev.Status != cond.status {
			return ErrConditionFailed
		}
	case condVersion:
		if !exists || prev.Version != cond.version {
			return ErrConditionFailed
		}
	}

	item.Version = 1
	if exists {
		item.Version = prev.Version + 1
	}
	item.UpdatedAt = now
	m.rows[k] = item.clone()
	return nil
}

func (m *MemoryStorage) Add(ctx context.Context, pk, sk string, delta int64, expiresAt int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := rowKey{pk, sk}
	it, ok := m.live(k, now)
	if !ok {
		it = &Item{PK: pk, SK: sk, ExpiresAt: expiresAt}
		m.rows[k] = it
	}
	it.Count += delta
	it.Version++
	it.UpdatedAt = now
	return it.Count, nil
}

func (m *MemoryStorage) Query(ctx context.Context, q Query) ([]*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var out []*Item
	for _, it := range m.rows {
		if it.Expired(now) {
			continue
		}
		pk, sk := it.indexKeys(q.Index)
		if pk == "" || pk != q.PK || !q.matches(sk) {
			continue
		}
		out = append(out, it.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		_, si := out[i].indexKeys(q.Index)
		_, sj := out[j].indexKeys(q.Index)
		if si != sj {
			return si < sj
		}
		if out[i].PK != out[j].PK {
			return out[i].PK < out[j].PK
		}
		return out[i].SK < out[j].SK
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close drops all rows.
func (m *MemoryStorage) Close() error {
	m.close.Do(func() {
		m.mu.Lock()
		m.rows = make(map[rowKey]*Item)
		m.mu.Unlock()
	})
	return nil
}

// Purge physically removes expired rows and returns how many were dropped.
// Reads already ignore them; this only bounds memory.
func (m *MemoryStorage) Purge(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for k, it := range m.rows {
		if it.Expired(now) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}
