// Package tenant is the single entry point to storage. Every data
// access runs inside one transaction that pins the tenant id and drops
// to a restricted role, so Postgres row-level security decides row
// visibility, not application code.
package tenant

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type Gate struct {
	db *pgxpool.Pool
}

func NewGate(db *pgxpool.Pool) *Gate { return &Gate{db} }

// Run executes fn inside a transaction scoped to tenantID. SET LOCAL
// dies with the transaction, so the role downgrade can never leak onto
// the pooled connection; rollback reverts it along with everything
// else.
func (g *Gate) Run(ctx context.Context, tenantID string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tenantID == "" {
		return errors.New("tenant: empty tenant id")
	}
	tx, err := g.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "tenant: begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `select set_config('app.tenant_id', $1, true)`, tenantID); err != nil {
		return errors.Wrap(err, "tenant: set tenant id")
	}
	if _, err := tx.Exec(ctx, `set local role relay_tenant`); err != nil {
		return errors.Wrap(err, "tenant: set role")
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "tenant: commit")
}
