package storage

import (
	"context"
	"time"
)

// Storage is a single-table key-value store addressed by (PK, SK) with two
// secondary projections. Every backend treats a row whose ExpiresAt has
// passed as absent, whether or not it has been physically evicted.
type Storage interface {
	// Get returns ErrNotFound for absent or expired rows.
	Get(ctx context.Context, pk, sk string) (*Item, error)

	// Put writes the full item if cond holds, otherwise ErrConditionFailed.
	// On success item.Version and item.UpdatedAt reflect the stored row.
	Put(ctx context.Context, item *Item, cond Condition) error

	// Add atomically adds delta to the row's Count, creating the row when it
	// is absent or expired. expiresAt (unix seconds, 0 for never) applies only
	// when the row is created; a live row keeps its expiry.
	Add(ctx context.Context, pk, sk string, delta int64, expiresAt int64) (int64, error)

	// Query returns live rows of one partition in ascending sort-key order.
	Query(ctx context.Context, q Query) ([]*Item, error)

	Ping(ctx context.Context) error
	Close() error
}

// Index selects which (partition, sort) pair a Query addresses.
type Index int

const (
	IndexPrimary Index = iota
	IndexGSI1
	IndexGSI2
)

func (i Index) String() string {
	switch i {
	case IndexGSI1:
		return "gsi1"
	case IndexGSI2:
		return "gsi2"
	}
	return "primary"
}

// Query selects rows by partition key equality. The sort key may be bounded
// by a prefix and an inclusive [From, To] range; empty bounds are open.
type Query struct {
	Index    Index
	PK       string
	SKPrefix string
	From     string
	To       string
	Limit    int // 0 means no limit
}

func (q Query) matches(sk string) bool {
	if q.SKPrefix != "" && !hasPrefix(sk, q.SKPrefix) {
		return false
	}
	if q.From != "" && sk < q.From {
		return false
	}
	if q.To != "" && sk > q.To {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

type conditionKind int

const (
	condAlways conditionKind = iota
	condAbsent
	condStatus
	condVersion
)

// Condition guards a Put. The zero value is Always.
type Condition struct {
	kind    conditionKind
	status  string
	version int64
}

var (
	Always   = Condition{kind: condAlways}
	IfAbsent = Condition{kind: condAbsent}
)

// IfStatus holds when a live row exists whose Status equals status.
func IfStatus(status string) Condition {
	return Condition{kind: condStatus, status: status}
}

// IfVersion holds when a live row exists whose Version equals version.
func IfVersion(version int64) Condition {
	return Condition{kind: condVersion, version: version}
}

func (c Condition) String() string {
	switch c.kind {
	case condAbsent:
		return "if_absent"
	case condStatus:
		return "if_status"
	case condVersion:
		return "if_version"
	}
	return "always"
}

// Clock returns the current time. Backends take one so TTL behaviour can be
// driven from tests.
type Clock func() time.Time

// Purger is implemented by backends without native TTL eviction. Purge
// deletes expired rows; correctness never depends on it running.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}
