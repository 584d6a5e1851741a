package storage

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// sqlDialect renders the statements shared by the SQLite and PostgreSQL
// backends. Both support INSERT ... ON CONFLICT ... DO UPDATE ... WHERE and
// RETURNING, so only placeholders and column types differ.
type sqlDialect struct {
	placeholder func(n int) string
	textType    string
	blobType    string
}

var (
	sqliteDialect = sqlDialect{
		placeholder: func(int) string { return "?" },
		textType:    "TEXT",
		blobType:    "BLOB",
	}
	postgresDialect = sqlDialect{
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		textType:    `TEXT COLLATE "C"`,
		blobType:    "BYTEA",
	}
)

const itemColumns = "pk, sk, gsi1pk, gsi1sk, gsi2pk, gsi2sk, status, counter, data, version, expires_at, updated_at"

// args numbers placeholders in order of appearance.
type args struct {
	d    sqlDialect
	vals []any
}

func (a *args) add(v any) string {
	a.vals = append(a.vals, v)
	return a.d.placeholder(len(a.vals))
}

func (d sqlDialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS items (
	pk %[1]s NOT NULL,
	sk %[1]s NOT NULL,
	gsi1pk %[1]s NOT NULL DEFAULT '',
	gsi1sk %[1]s NOT NULL DEFAULT '',
	gsi2pk %[1]s NOT NULL DEFAULT '',
	gsi2sk %[1]s NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	counter BIGINT NOT NULL DEFAULT 0,
	data %[2]s,
	version BIGINT NOT NULL DEFAULT 0,
	expires_at BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (pk, sk)
)`, d.textType, d.blobType),
		`CREATE INDEX IF NOT EXISTS items_gsi1 ON items (gsi1pk, gsi1sk)`,
		`CREATE INDEX IF NOT EXISTS items_gsi2 ON items (gsi2pk, gsi2sk)`,
		`CREATE INDEX IF NOT EXISTS items_expires ON items (expires_at)`,
	}
}

func (d sqlDialect) getSQL(pk, sk string, now time.Time) (string, []any) {
	a := &args{d: d}
	q := fmt.Sprintf("SELECT %s FROM items WHERE pk = %s AND sk = %s AND (expires_at = 0 OR expires_at > %s)",
		itemColumns, a.add(pk), a.add(sk), a.add(now.Unix()))
	return q, a.vals
}

// putSQL returns a statement that yields the new version as its single row
// when the condition holds and no row otherwise.
func (d sqlDialect) putSQL(it *Item, cond Condition, now time.Time) (string, []any) {
	a := &args{d: d}
	nowUnix := now.Unix()

	if cond.kind == condStatus || cond.kind == condVersion {
		set := fmt.Sprintf("gsi1pk = %s, gsi1sk = %s, gsi2pk = %s, gsi2sk = %s, status = %s, counter = %s, data = %s, expires_at = %s, updated_at = %s, version = version + 1",
			a.add(it.GSI1PK), a.add(it.GSI1SK), a.add(it.GSI2PK), a.add(it.GSI2SK),
			a.add(it.Status), a.add(it.Count), a.add(it.Data), a.add(it.ExpiresAt), a.add(now.UnixNano()))
		where := fmt.Sprintf("pk = %s AND sk = %s", a.add(it.PK), a.add(it.SK))
		if cond.kind == condStatus {
			where += " AND status = " + a.add(cond.status)
		} else {
			where += " AND version = " + a.add(cond.version)
		}
		q := fmt.Sprintf("UPDATE items SET %s WHERE %s AND (expires_at = 0 OR expires_at > %s) RETURNING version",
			set, where, a.add(nowUnix))
		return q, a.vals
	}

	values := strings.Join([]string{
		a.add(it.PK), a.add(it.SK), a.add(it.GSI1PK), a.add(it.GSI1SK), a.add(it.GSI2PK), a.add(it.GSI2SK),
		a.add(it.Status), a.add(it.Count), a.add(it.Data), "1", a.add(it.ExpiresAt), a.add(now.UnixNano()),
	}, ", ")
	expired := fmt.Sprintf("(items.expires_at <> 0 AND items.expires_at <= %s)", a.add(nowUnix))

	version := fmt.Sprintf("CASE WHEN %s THEN 1 ELSE items.version + 1 END", expired)
	where := ""
	if cond.kind == condAbsent {
		version = "1"
		where = " WHERE " + expired
	}

	q := fmt.Sprintf(`INSERT INTO items (%s) VALUES (%s)
ON CONFLICT (pk, sk) DO UPDATE SET
	gsi1pk = excluded.gsi1pk, gsi1sk = excluded.gsi1sk, gsi2pk = excluded.gsi2pk, gsi2sk = excluded.gsi2sk,
	status = excluded.status, counter = excluded.counter, data = excluded.data,
	expires_at = excluded.expires_at, updated_at = excluded.updated_at, version = %s%s
RETURNING version`, itemColumns, values, version, where)
	return q, a.vals
}

// addSQL returns a statement yielding the new counter value. An expired row
// restarts from delta with the new expiry and loses its payload.
func (d sqlDialect) addSQL(pk, sk string, delta, expiresAt int64, now time.Time) (string, []any) {
	a := &args{d: d}
	values := strings.Join([]string{
		a.add(pk), a.add(sk), a.add(delta), a.add(expiresAt), a.add(now.UnixNano()),
	}, ", ")
	// SQLite placeholders are positional, so the expiry guard is bound once per use.
	expired := func() string {
		return fmt.Sprintf("(items.expires_at <> 0 AND items.expires_at <= %s)", a.add(now.Unix()))
	}

	q := fmt.Sprintf(`INSERT INTO items (pk, sk, counter, expires_at, updated_at, version) VALUES (%s, 1)
ON CONFLICT (pk, sk) DO UPDATE SET
	counter = CASE WHEN %s THEN excluded.counter ELSE items.counter + excluded.counter END,
	expires_at = CASE WHEN %s THEN excluded.expires_at ELSE items.expires_at END,
	status = CASE WHEN %s THEN '' ELSE items.status END,
	data = CASE WHEN %s THEN NULL ELSE items.data END,
	version = items.version + 1,
	updated_at = excluded.updated_at
RETURNING counter`, values, expired(), expired(), expired(), expired())
	return q, a.vals
}

func (d sqlDialect) querySQL(q Query, now time.Time) (string, []any) {
	pkCol, skCol := "pk", "sk"
	switch q.Index {
	case IndexGSI1:
		pkCol, skCol = "gsi1pk", "gsi1sk"
	case IndexGSI2:
		pkCol, skCol = "gsi2pk", "gsi2sk"
	}

	a := &args{d: d}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM items WHERE %s = %s AND (expires_at = 0 OR expires_at > %s)",
		itemColumns, pkCol, a.add(q.PK), a.add(now.Unix()))
	if q.SKPrefix != "" {
		fmt.Fprintf(&b, " AND substr(%s, 1, %d) = %s", skCol, utf8.RuneCountInString(q.SKPrefix), a.add(q.SKPrefix))
	}
	if q.From != "" {
		fmt.Fprintf(&b, " AND %s >= %s", skCol, a.add(q.From))
	}
	if q.To != "" {
		fmt.Fprintf(&b, " AND %s <= %s", skCol, a.add(q.To))
	}
	fmt.Fprintf(&b, " ORDER BY %s, pk, sk", skCol)
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), a.vals
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (*Item, error) {
	var (
		it      Item
		updated int64
	)
	if err := s.Scan(&it.PK, &it.SK, &it.GSI1PK, &it.GSI1SK, &it.GSI2PK, &it.GSI2SK,
		&it.Status, &it.Count, &it.Data, &it.Version, &it.ExpiresAt, &updated); err != nil {
		return nil, err
	}
	it.UpdatedAt = time.Unix(0, updated).UTC()
	return &it, nil
}
