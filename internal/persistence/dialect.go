package persistence

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the SQL databases supported by
// SQLStore.
type Dialect struct {
	Name string
	// Blob is the column type used for binary payloads.
	Blob string
	// Numbered reports whether placeholders are written as $1, $2, ...
	Numbered bool
	// RowLock is appended to a SELECT that claims rows for deletion.
	RowLock string
}

var (
	// SQLite is the dialect for modernc.org/sqlite.
	SQLite = Dialect{Name: "sqlite", Blob: "BLOB"}
	// Postgres is the dialect for PostgreSQL through pgx.
	Postgres = Dialect{Name: "postgres", Blob: "BYTEA", Numbered: true, RowLock: "FOR UPDATE SKIP LOCKED"}
)

// Rebind rewrites ?-style placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
