package domain

import (
	"context"
	"database/sql"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so repositories can run
// inside a caller-owned transaction or standalone.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork scopes a function to one transaction with guaranteed
// commit-or-rollback on every exit path, including panics.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(q Querier) error) error
}
