// Package dbstore is the relational source of truth for entries, tasks,
// findings, packages and the ruleset catalog.
package dbstore

import (
	"context"
	"database/sql"
	"time"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Now: time.Now}
}

func (r Repo) now() int64 {
	if r.Now != nil {
		return r.Now().UnixNano()
	}
	return time.Now().UnixNano()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func timeOf(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
