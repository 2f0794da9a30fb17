// Package db provides the storage engine shared by session memory and
// migrations: a pooled SQLite backend for single-node deployments and a
// PostgreSQL backend behind the same query surface.
package db

import (
	"fmt"
	"net/url"
	"strings"
)

// Kind identifies the selected backend.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// URL is a parsed database location.
type URL struct {
	Kind Kind
	// Path is the database file path for SQLite, ":memory:" included.
	// Relative paths resolve against the working directory.
	Path string
	// DSN is the string handed to the driver.
	DSN string
	// Redacted is safe to log: credentials are masked.
	Redacted string
}

// ParseURL accepts sqlite:///<path> and postgres(ql)://... locations.
// The triple slash keeps SQLite paths relative; a fourth slash makes
// them absolute (sqlite:////var/lib/sam.db).
func ParseURL(raw string) (URL, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "sqlite:///"):
		path := strings.TrimPrefix(raw, "sqlite:///")
		if path == "" {
			return URL{}, fmt.Errorf("sqlite url %q has no path", raw)
		}
		return URL{Kind: KindSQLite, Path: path, DSN: path, Redacted: raw}, nil

	case strings.HasPrefix(raw, "sqlite:"):
		return URL{}, fmt.Errorf("sqlite url %q must use the sqlite:///<path> form", raw)

	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		u, err := url.Parse(raw)
		if err != nil {
			return URL{}, fmt.Errorf("parse postgres url: %w", err)
		}
		return URL{Kind: KindPostgres, DSN: raw, Redacted: u.Redacted()}, nil

	default:
		return URL{}, fmt.Errorf("unsupported database url %q (want sqlite:/// or postgres://)", raw)
	}
}
