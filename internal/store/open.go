package store

import "strings"

// Open dispatches on the broker URL: postgres:// DSNs use the Postgres
// backend, ":memory:" the in-memory store, anything else is a SQLite
// database path (an optional sqlite: prefix is stripped).
func Open(url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(url)
	case url == ":memory:":
		return NewMemory(), nil
	default:
		return NewSQLite(strings.TrimPrefix(url, "sqlite:"))
	}
}
